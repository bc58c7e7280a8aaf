// Package unifiedllm is the provider-agnostic LLM client used by the agent
// loop. It wraps the gollm library (github.com/teilomillet/gollm) behind a
// small Client with provider routing and middleware.
//
// # Architecture
//
//   - Types: flat chat messages, tool calls, requests, responses, usage
//   - Errors: a classified hierarchy with IsRetryable and IsAuthError
//   - Retry: exponential backoff with jitter, as a generic helper and as middleware
//   - Client: provider registry, middleware onion, streaming via Collect
//   - Catalog: known models, context windows and prices for cost estimates
//
// # Quick Start
//
//	client, err := unifiedllm.NewClientForProvider("anthropic", os.Getenv("ANTHROPIC_API_KEY"), "sonnet")
//	if err != nil {
//	    return err
//	}
//	resp, err := client.Complete(ctx, unifiedllm.Request{
//	    Messages: []unifiedllm.Message{unifiedllm.UserMessage("Hello")},
//	})
//	fmt.Println(resp.Text())
//
// # Tool Calling
//
// Tools are described with ToolDefinition and returned as ToolCall values on
// the assistant message. Executing them is the caller's job; see package
// agentloop.
//
// # Model Catalog
//
//	info := unifiedllm.GetModelInfo("opus")
//	cost, ok := unifiedllm.EstimateCost(info.ID, resp.Usage)
package unifiedllm
