package unifiedllm

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/google/uuid"
	"github.com/teilomillet/gollm"
)

// GollmAdapter wraps a gollm.LLM instance and implements ProviderAdapter.
// Conversations are rendered into a single gollm prompt; tool calls come back
// as a JSON block in the reply text.
type GollmAdapter struct {
	provider string
	llm      gollm.LLM
	model    string
}

// GollmAdapterOption configures a GollmAdapter.
type GollmAdapterOption func(*gollmAdapterConfig)

type gollmAdapterConfig struct {
	apiKey      string
	model       string
	maxTokens   int
	temperature float64
	extraOpts   []gollm.ConfigOption
}

// WithAPIKey sets the API key for the adapter.
func WithAPIKey(key string) GollmAdapterOption {
	return func(c *gollmAdapterConfig) {
		c.apiKey = key
	}
}

// WithModel sets the default model for the adapter.
func WithModel(model string) GollmAdapterOption {
	return func(c *gollmAdapterConfig) {
		c.model = model
	}
}

// WithMaxTokens sets the default max output tokens.
func WithMaxTokens(n int) GollmAdapterOption {
	return func(c *gollmAdapterConfig) {
		c.maxTokens = n
	}
}

// WithTemperature sets the default temperature.
func WithTemperature(t float64) GollmAdapterOption {
	return func(c *gollmAdapterConfig) {
		c.temperature = t
	}
}

// WithGollmOptions adds extra gollm configuration options.
func WithGollmOptions(opts ...gollm.ConfigOption) GollmAdapterOption {
	return func(c *gollmAdapterConfig) {
		c.extraOpts = append(c.extraOpts, opts...)
	}
}

// NewGollmAdapter creates a new GollmAdapter for the given provider.
// If apiKey is empty, gollm reads it from the provider's environment variable.
func NewGollmAdapter(provider string, apiKey string, opts ...GollmAdapterOption) (*GollmAdapter, error) {
	cfg := &gollmAdapterConfig{
		apiKey:      apiKey,
		maxTokens:   4096,
		temperature: 0.2,
	}
	for _, opt := range opts {
		opt(cfg)
	}

	model := cfg.model
	if model == "" {
		if info := DefaultModel(provider); info != nil {
			model = info.ID
		} else {
			return nil, &ConfigurationError{SDKError: SDKError{
				Message: fmt.Sprintf("no model given and no catalog default for provider %q", provider),
			}}
		}
	} else if info := GetModelInfo(model); info != nil {
		model = info.ID
	}

	gollmOpts := []gollm.ConfigOption{
		gollm.SetProvider(provider),
		gollm.SetModel(model),
		gollm.SetMaxTokens(cfg.maxTokens),
		gollm.SetTemperature(cfg.temperature),
		gollm.SetMaxRetries(0), // RetryMiddleware owns retries.
		gollm.SetLogLevel(gollm.LogLevelWarn),
	}
	if cfg.apiKey != "" {
		gollmOpts = append(gollmOpts, gollm.SetAPIKey(cfg.apiKey))
	}
	gollmOpts = append(gollmOpts, cfg.extraOpts...)

	llm, err := gollm.NewLLM(gollmOpts...)
	if err != nil {
		return nil, &ConfigurationError{SDKError: SDKError{
			Message: fmt.Sprintf("create %s client", provider),
			Cause:   err,
		}}
	}

	return &GollmAdapter{provider: provider, llm: llm, model: model}, nil
}

// NewGollmAdapterFromLLM wraps an existing gollm.LLM instance.
func NewGollmAdapterFromLLM(provider, model string, llm gollm.LLM) *GollmAdapter {
	return &GollmAdapter{provider: provider, llm: llm, model: model}
}

// NewClientForProvider builds a Client with a single gollm-backed provider
// and the default retry policy for both blocking calls and stream opens.
func NewClientForProvider(provider, apiKey, model string, mw ...Middleware) (*Client, error) {
	adapter, err := NewGollmAdapter(provider, apiKey, WithModel(model))
	if err != nil {
		return nil, err
	}
	policy := DefaultRetryPolicy()
	chain := append([]Middleware{RetryMiddleware(policy)}, mw...)
	return NewClient(
		WithProvider(provider, adapter),
		WithMiddleware(chain...),
		WithStreamRetry(policy),
	), nil
}

// Name returns the provider identifier.
func (a *GollmAdapter) Name() string {
	return a.provider
}

// Model returns the adapter's default model.
func (a *GollmAdapter) Model() string {
	return a.model
}

// Complete sends a blocking request and returns the full response.
func (a *GollmAdapter) Complete(ctx context.Context, req Request) (*Response, error) {
	prompt := a.translateRequest(req)
	a.applyRequestOptions(req)

	text, err := a.llm.Generate(ctx, prompt)
	if err != nil {
		return nil, a.translateError(ctx, err)
	}
	return a.buildResponse(req, text), nil
}

// Stream sends a streaming request. Text deltas are forwarded as they arrive;
// tool calls are parsed from the complete text once the stream ends.
func (a *GollmAdapter) Stream(ctx context.Context, req Request) (<-chan StreamEvent, error) {
	prompt := a.translateRequest(req)
	a.applyRequestOptions(req)

	ch := make(chan StreamEvent, 64)

	if !a.llm.SupportsStreaming() {
		go func() {
			defer close(ch)
			ch <- StreamEvent{Type: StreamStart}
			text, err := a.llm.Generate(ctx, prompt)
			if err != nil {
				ch <- StreamEvent{Type: StreamError, Error: a.translateError(ctx, err)}
				return
			}
			a.finishStream(ch, req, text)
		}()
		return ch, nil
	}

	stream, err := a.llm.Stream(ctx, prompt)
	if err != nil {
		return nil, a.translateError(ctx, err)
	}

	go func() {
		defer close(ch)
		defer stream.Close()

		ch <- StreamEvent{Type: StreamStart}
		var full strings.Builder
		for {
			token, err := stream.Next(ctx)
			if err == io.EOF {
				break
			}
			if err != nil {
				ch <- StreamEvent{Type: StreamError, Error: a.translateError(ctx, err)}
				return
			}
			if token == nil {
				continue
			}
			full.WriteString(token.Text)
			// Deltas that begin the tool-call block are withheld from viewers.
			if !strings.Contains(full.String(), toolCallsMarker) {
				ch <- StreamEvent{Type: TextDelta, Delta: token.Text}
			}
		}
		a.finishStream(ch, req, full.String())
	}()

	return ch, nil
}

func (a *GollmAdapter) finishStream(ch chan<- StreamEvent, req Request, text string) {
	resp := a.buildResponse(req, text)
	for i := range resp.Message.ToolCalls {
		call := resp.Message.ToolCalls[i]
		ch <- StreamEvent{Type: ToolCallEnd, ToolCall: &call}
	}
	ch <- StreamEvent{Type: StreamFinish, Usage: &resp.Usage, Response: resp}
}

const toolCallsMarker = `{"tool_calls"`

const toolProtocol = `When you need tools, end your reply with exactly one JSON object of the form
{"tool_calls":[{"name":"<tool>","arguments":{...}}]}
and nothing after it. Reply without that object when you are finished.`

// translateRequest renders a unified Request into a gollm Prompt.
func (a *GollmAdapter) translateRequest(req Request) *gollm.Prompt {
	var system []string
	var turns []string

	for _, msg := range req.Messages {
		switch msg.Role {
		case RoleSystem:
			system = append(system, msg.Content)
		case RoleUser:
			turns = append(turns, "[User]: "+msg.Content)
		case RoleAssistant:
			if msg.Content != "" {
				turns = append(turns, "[Assistant]: "+msg.Content)
			}
			if msg.HasToolCalls() {
				turns = append(turns, "[Assistant]: "+renderToolCalls(msg.ToolCalls))
			}
		case RoleTool:
			prefix := "[Tool Result " + msg.Name + " " + msg.ToolCallID + "]"
			if msg.IsError {
				prefix = "[Tool Error " + msg.Name + " " + msg.ToolCallID + "]"
			}
			turns = append(turns, prefix+": "+msg.Content)
		}
	}

	toolsOn := len(req.Tools) > 0 && (req.ToolChoice == nil || req.ToolChoice.Mode != "none")
	if toolsOn {
		system = append(system, toolProtocol)
	}

	promptText := strings.Join(turns, "\n\n")
	if promptText == "" {
		promptText = "Hello"
	}

	var opts []gollm.PromptOption
	if len(system) > 0 {
		opts = append(opts, gollm.WithSystemPrompt(strings.Join(system, "\n\n"), gollm.CacheTypeEphemeral))
	}
	if req.MaxTokens != nil {
		opts = append(opts, gollm.WithMaxLength(*req.MaxTokens))
	}
	if toolsOn {
		tools := make([]gollm.Tool, 0, len(req.Tools))
		for _, t := range req.Tools {
			tools = append(tools, gollm.Tool{
				Type: "function",
				Function: gollm.Function{
					Name:        t.Name,
					Description: t.Description,
					Parameters:  t.Parameters,
				},
			})
		}
		opts = append(opts, gollm.WithTools(tools))
	}
	if req.ToolChoice != nil {
		opts = append(opts, gollm.WithToolChoice(req.ToolChoice.Mode))
	}

	return gollm.NewPrompt(promptText, opts...)
}

func renderToolCalls(calls []ToolCall) string {
	type wireCall struct {
		Name      string          `json:"name"`
		Arguments json.RawMessage `json:"arguments,omitempty"`
	}
	wire := struct {
		ToolCalls []wireCall `json:"tool_calls"`
	}{}
	for _, c := range calls {
		wire.ToolCalls = append(wire.ToolCalls, wireCall{Name: c.Name, Arguments: c.Arguments})
	}
	b, _ := json.Marshal(wire)
	return string(b)
}

func (a *GollmAdapter) applyRequestOptions(req Request) {
	if req.Model != "" {
		a.llm.SetOption("model", req.Model)
	}
	if req.Temperature != nil {
		a.llm.SetOption("temperature", *req.Temperature)
	}
	if req.MaxTokens != nil {
		a.llm.SetOption("max_tokens", *req.MaxTokens)
	}
}

func (a *GollmAdapter) buildResponse(req Request, text string) *Response {
	model := req.Model
	if model == "" {
		model = a.model
	}

	content, calls := parseToolCalls(text)
	finish := FinishReason{Reason: "stop", Raw: "stop"}
	if len(calls) > 0 {
		finish = FinishReason{Reason: "tool_calls", Raw: "tool_calls"}
	}

	// gollm does not report token usage; approximate at 4 chars per token.
	in := estimatePromptTokens(req)
	out := len(text) / 4
	return &Response{
		ID:           "resp_" + uuid.New().String()[:8],
		Model:        model,
		Provider:     a.provider,
		Message:      AssistantMessage(content, calls...),
		FinishReason: finish,
		Usage:        Usage{InputTokens: in, OutputTokens: out, TotalTokens: in + out},
	}
}

// parseToolCalls splits reply text into free text and the trailing
// {"tool_calls":[...]} block, if one decodes cleanly.
func parseToolCalls(text string) (string, []ToolCall) {
	start := strings.Index(text, toolCallsMarker)
	if start == -1 {
		return text, nil
	}

	var block struct {
		ToolCalls []struct {
			Name      string          `json:"name"`
			Arguments json.RawMessage `json:"arguments"`
		} `json:"tool_calls"`
	}
	dec := json.NewDecoder(strings.NewReader(text[start:]))
	if err := dec.Decode(&block); err != nil || len(block.ToolCalls) == 0 {
		return text, nil
	}

	calls := make([]ToolCall, 0, len(block.ToolCalls))
	for _, rc := range block.ToolCalls {
		if rc.Name == "" {
			continue
		}
		args := rc.Arguments
		if len(args) == 0 || string(args) == "null" {
			args = json.RawMessage(`{}`)
		}
		calls = append(calls, ToolCall{
			ID:        "call_" + uuid.New().String()[:8],
			Name:      rc.Name,
			Arguments: args,
		})
	}
	if len(calls) == 0 {
		return text, nil
	}
	return strings.TrimSpace(text[:start]), calls
}

// translateError converts a gollm error into the unified error hierarchy.
func (a *GollmAdapter) translateError(ctx context.Context, err error) error {
	if err == nil {
		return nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return &AbortError{SDKError: SDKError{Message: "request cancelled", Cause: err}}
	}

	msg := err.Error()
	lower := strings.ToLower(msg)
	switch {
	case strings.Contains(lower, "401") || strings.Contains(lower, "unauthorized") || strings.Contains(lower, "invalid api key"):
		return ErrorFromStatusCode(401, msg, a.provider, err)
	case strings.Contains(lower, "403") || strings.Contains(lower, "forbidden"):
		return ErrorFromStatusCode(403, msg, a.provider, err)
	case strings.Contains(lower, "404") || strings.Contains(lower, "not found"):
		return ErrorFromStatusCode(404, msg, a.provider, err)
	case strings.Contains(lower, "429") || strings.Contains(lower, "rate limit"):
		return ErrorFromStatusCode(429, msg, a.provider, err)
	case strings.Contains(lower, "context length") || strings.Contains(lower, "too many tokens"):
		return ErrorFromStatusCode(413, msg, a.provider, err)
	case strings.Contains(lower, "500") || strings.Contains(lower, "502") ||
		strings.Contains(lower, "503") || strings.Contains(lower, "internal server"):
		return ErrorFromStatusCode(500, msg, a.provider, err)
	case strings.Contains(lower, "timeout"):
		return &RequestTimeoutError{SDKError: SDKError{Message: msg, Cause: err}}
	case strings.Contains(lower, "content filter") || strings.Contains(lower, "safety"):
		return &ContentFilterError{ProviderError: ProviderError{
			SDKError: SDKError{Message: msg, Cause: err}, Provider: a.provider,
		}}
	default:
		return &ProviderError{
			SDKError:  SDKError{Message: msg, Cause: err},
			Provider:  a.provider,
			Retryable: true,
		}
	}
}

func estimatePromptTokens(req Request) int {
	total := 0
	for _, msg := range req.Messages {
		total += len(msg.Content) / 4
		for _, c := range msg.ToolCalls {
			total += (len(c.Name) + len(c.Arguments)) / 4
		}
	}
	if total == 0 {
		total = 10
	}
	return total
}
