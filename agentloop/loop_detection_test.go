package agentloop

import (
	"fmt"
	"testing"

	"github.com/martinemde/codeagent/unifiedllm"
)

func historyOf(calls ...unifiedllm.ToolCall) []unifiedllm.Message {
	msgs := []unifiedllm.Message{unifiedllm.SystemMessage("s"), unifiedllm.UserMessage("u")}
	for i, c := range calls {
		c.ID = fmt.Sprintf("c%d", i)
		msgs = append(msgs,
			unifiedllm.AssistantMessage("", c),
			unifiedllm.ToolResultMessage(c.ID, c.Name, "ok", false),
		)
	}
	return msgs
}

func repeatCalls(n int, pattern ...unifiedllm.ToolCall) []unifiedllm.ToolCall {
	out := make([]unifiedllm.ToolCall, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, pattern[i%len(pattern)])
	}
	return out
}

func TestDetectLoop(t *testing.T) {
	a := call("", "read_file", `{"path":"a.go"}`)
	b := call("", "read_file", `{"path":"b.go"}`)
	c := call("", "shell", `{"command":"go test"}`)

	distinct := make([]unifiedllm.ToolCall, 10)
	for i := range distinct {
		distinct[i] = call("", "read_file", fmt.Sprintf(`{"path":"%d.go"}`, i))
	}

	tests := []struct {
		name   string
		calls  []unifiedllm.ToolCall
		window int
		want   bool
	}{
		{"single repeated", repeatCalls(10, a), 10, true},
		{"pair repeated", repeatCalls(10, a, b), 10, true},
		{"triple repeated", repeatCalls(9, a, b, c), 9, true},
		{"triple does not divide ten", repeatCalls(10, a, b, c), 10, false},
		{"distinct", distinct, 10, false},
		{"too few calls", repeatCalls(5, a), 10, false},
		{"default window", repeatCalls(10, a), 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := DetectLoop(historyOf(tt.calls...), tt.window); got != tt.want {
				t.Errorf("DetectLoop = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestRecentSignaturesOrder(t *testing.T) {
	msgs := historyOf(call("", "a", `{}`), call("", "b", `{}`), call("", "c", `{}`))
	sigs := recentSignatures(msgs, 2)
	if len(sigs) != 2 {
		t.Fatalf("expected 2 signatures, got %d", len(sigs))
	}
	if sigs[0] != toolCallSignature("b", []byte(`{}`)) || sigs[1] != toolCallSignature("c", []byte(`{}`)) {
		t.Errorf("expected chronological order, got %v", sigs)
	}
}
