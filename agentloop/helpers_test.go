package agentloop

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/martinemde/codeagent/unifiedllm"
)

// fakeLLM is a scripted LLMClient. respond receives the zero-based call index.
type fakeLLM struct {
	mu       sync.Mutex
	requests []unifiedllm.Request
	respond  func(n int, req unifiedllm.Request) (*unifiedllm.Response, error)
}

func (f *fakeLLM) Complete(ctx context.Context, req unifiedllm.Request) (*unifiedllm.Response, error) {
	f.mu.Lock()
	n := len(f.requests)
	f.requests = append(f.requests, req)
	f.mu.Unlock()
	return f.respond(n, req)
}

func (f *fakeLLM) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.requests)
}

func (f *fakeLLM) request(n int) unifiedllm.Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.requests[n]
}

func isClosingRequest(req unifiedllm.Request) bool {
	return req.ToolChoice != nil && req.ToolChoice.Mode == "none"
}

func textResponse(text string) *unifiedllm.Response {
	return &unifiedllm.Response{
		Message:      unifiedllm.AssistantMessage(text),
		FinishReason: unifiedllm.FinishReason{Reason: "stop"},
	}
}

func toolResponse(calls ...unifiedllm.ToolCall) *unifiedllm.Response {
	return &unifiedllm.Response{
		Message:      unifiedllm.AssistantMessage("", calls...),
		FinishReason: unifiedllm.FinishReason{Reason: "tool_calls"},
	}
}

func call(id, name, args string) unifiedllm.ToolCall {
	return unifiedllm.ToolCall{ID: id, Name: name, Arguments: json.RawMessage(args)}
}

// recordingSink captures events for assertions.
type recordingSink struct {
	mu     sync.Mutex
	events []Event
}

func (s *recordingSink) Emit(kind EventKind, fields map[string]any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, Event{Kind: kind, Fields: fields})
}

func (s *recordingSink) count(kind EventKind) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, e := range s.events {
		if e.Kind == kind {
			n++
		}
	}
	return n
}

func (s *recordingSink) kinds() []EventKind {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]EventKind, len(s.events))
	for i, e := range s.events {
		out[i] = e.Kind
	}
	return out
}

func newTool(name string, sensitive bool, fn func(ctx context.Context, args map[string]any) (string, error)) *FuncTool {
	return &FuncTool{
		Def: unifiedllm.ToolDefinition{
			Name:        name,
			Description: name + " test tool",
			Parameters:  map[string]any{"type": "object"},
		},
		IsSensitive: sensitive,
		Fn:          fn,
	}
}

func echoTool(name string, sensitive bool) *FuncTool {
	return newTool(name, sensitive, func(ctx context.Context, args map[string]any) (string, error) {
		return fmt.Sprintf("%s ok", name), nil
	})
}

// fakeClock is a manually advanced clock.
type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

// exchangeMessages builds system, user and n single-call tool exchanges with
// resultSize-character results.
func exchangeMessages(n, resultSize int) []unifiedllm.Message {
	msgs := []unifiedllm.Message{
		unifiedllm.SystemMessage("s"),
		unifiedllm.UserMessage("u"),
	}
	for i := 0; i < n; i++ {
		id := fmt.Sprintf("c%d", i)
		msgs = append(msgs,
			unifiedllm.AssistantMessage("", call(id, "read_file", fmt.Sprintf(`{"path":"f%d"}`, i))),
			unifiedllm.ToolResultMessage(id, "read_file", fmt.Sprintf("result %d\n%s", i, repeatTo(resultSize-9)), false),
		)
	}
	return msgs
}

func repeatTo(n int) string {
	if n <= 0 {
		return ""
	}
	b := make([]byte, n)
	for i := range b {
		b[i] = 'x'
	}
	return string(b)
}
