package agentloop

import "context"

// Guardrails is the policy collaborator consulted around each tool call.
//
// Check and CodeRules may run on tool worker goroutines and must only read
// shared state. Record runs on the loop goroutine after the batch completes,
// once per result in request order; it is the only place counters change.
type Guardrails interface {
	// Check returns a non-nil error when the call must not run.
	Check(name string, args map[string]any) error
	// CodeRules inspects a successful call and returns warning text to
	// append to its output, or "".
	CodeRules(name string, args map[string]any, output string) string
	// Record updates bookkeeping such as edits since the last test run.
	Record(result ToolCallResult)
}

// Hooks runs user-configured commands around tool calls.
type Hooks interface {
	// PreTool runs before the call. A non-nil error blocks it.
	PreTool(ctx context.Context, name string, args map[string]any) error
	// PostTool runs after every executed call. Its output is appended to
	// the tool result only when the call succeeded.
	PostTool(ctx context.Context, name string, args map[string]any, output string) (string, error)
}
