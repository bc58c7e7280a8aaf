// Package agentloop is the execution core of the coding agent: a bounded
// tool-use loop around a language model.
//
// # Architecture
//
//   - EstimateTokens: offline token approximation, four characters per token.
//   - ContextManager: tool-result truncation, sliding-window eviction of whole
//     tool exchanges, and step-count summarization with a mechanical fallback.
//   - BatchExecutor: runs one turn's tool calls, concurrently when the
//     confirmation mode and tool sensitivity allow, returning results in
//     request order.
//   - Loop: the state machine. Each step manages context, checks the safety
//     nets (interrupt, step limit, timeout, full context), calls the model,
//     and dispatches tools. A tripped safety net closes the run gracefully.
//
// The loop talks to its collaborators through small interfaces: LLMClient,
// Tool, Confirmer, Guardrails, Hooks and EventSink. It performs no logging of
// its own.
//
// # Quick Start
//
//	client, _ := unifiedllm.NewClientForProvider("anthropic", "", "sonnet")
//	registry := agentloop.NewToolRegistry(tools...)
//	loop := agentloop.New(agentloop.LoopConfig{
//	    Model:    "claude-sonnet-4-5",
//	    MaxSteps: 30,
//	    Timeout:  10 * time.Minute,
//	}, client, registry, agentloop.WithSink(sink))
//
//	state := loop.Run(ctx, systemPrompt, "Fix the failing test in ./parser")
//	fmt.Println(state.Status, state.Reason(), state.FinalOutput)
package agentloop
