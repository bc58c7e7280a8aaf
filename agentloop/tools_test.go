package agentloop

import (
	"context"
	"testing"
	"time"

	"github.com/martinemde/codeagent/unifiedllm"
)

func TestToolRegistry(t *testing.T) {
	r := NewToolRegistry(echoTool("write_file", true), echoTool("grep", false))
	r.Register(echoTool("glob", false))

	if r.Count() != 3 || !r.Has("glob") {
		t.Fatalf("unexpected registry contents: %v", r.Names())
	}
	defs := r.Definitions()
	if defs[0].Name != "glob" || defs[1].Name != "grep" || defs[2].Name != "write_file" {
		t.Errorf("definitions not sorted: %v", r.Names())
	}

	r.Unregister("grep")
	if _, ok := r.Get("grep"); ok {
		t.Error("grep should be gone")
	}

	wrapped := 0
	r.Wrap(func(tool Tool) Tool {
		wrapped++
		return tool
	})
	if wrapped != 2 {
		t.Errorf("expected 2 wrapped tools, got %d", wrapped)
	}
}

func TestArgHelpers(t *testing.T) {
	args := map[string]any{"path": "a.go", "limit": float64(20), "all": true}

	if s, ok := GetStringArg(args, "path"); !ok || s != "a.go" {
		t.Errorf("GetStringArg = %q, %v", s, ok)
	}
	if _, ok := GetStringArg(args, "limit"); ok {
		t.Error("limit is not a string")
	}
	if n, ok := GetIntArg(args, "limit"); !ok || n != 20 {
		t.Errorf("GetIntArg = %d, %v", n, ok)
	}
	if b, ok := GetBoolArg(args, "all"); !ok || !b {
		t.Errorf("GetBoolArg = %v, %v", b, ok)
	}
	if _, ok := GetBoolArg(args, "missing"); ok {
		t.Error("missing key reported present")
	}
}

func TestConfirmMode(t *testing.T) {
	tests := []struct {
		in        string
		mode      ConfirmMode
		sensitive bool
		plain     bool
	}{
		{"yolo", Yolo, false, false},
		{"confirm-sensitive", ConfirmSensitive, true, false},
		{"confirm-all", ConfirmAll, true, true},
	}
	for _, tt := range tests {
		m, err := ParseConfirmMode(tt.in)
		if err != nil || m != tt.mode {
			t.Errorf("ParseConfirmMode(%q) = %v, %v", tt.in, m, err)
		}
		if m.String() != tt.in {
			t.Errorf("String() = %q, want %q", m.String(), tt.in)
		}
		if m.Requires(true) != tt.sensitive || m.Requires(false) != tt.plain {
			t.Errorf("%s: unexpected Requires", tt.in)
		}
	}
	if _, err := ParseConfirmMode("sometimes"); err == nil {
		t.Error("expected error for unknown mode")
	}
}

func TestBudget(t *testing.T) {
	b := NewBudget(1.0, "haiku")
	b.Add("", usage(500_000, 0))
	if b.Exceeded() {
		t.Error("$0.50 should be under a $1 cap")
	}
	b.Add("claude-haiku-4-5", usage(0, 200_000))
	if !b.Exceeded() || b.Spent() < 1.49 || b.Spent() > 1.51 {
		t.Errorf("expected $1.50 spent and exceeded, got %f", b.Spent())
	}

	unpriced := NewBudget(0, "local-model")
	if cost := unpriced.Add("local-model", usage(1000, 1000)); cost != 0 || unpriced.Unpriced() != 1 {
		t.Errorf("expected an unpriced call, got cost %f", cost)
	}
	if unpriced.Exceeded() {
		t.Error("no cap is never exceeded")
	}
}

func TestShutdown(t *testing.T) {
	var nilShutdown *Shutdown
	if nilShutdown.Requested() {
		t.Error("nil shutdown must not be requested")
	}

	s := NewShutdown()
	if s.Requested() {
		t.Error("fresh shutdown requested")
	}
	s.Request()
	s.Request()
	if !s.Requested() {
		t.Error("expected requested")
	}
	select {
	case <-s.Done():
	case <-time.After(time.Second):
		t.Error("Done not closed")
	}
}

func TestEventEmitter(t *testing.T) {
	e := NewEventEmitter("run-1", 2)
	e.Emit(EventRunStart, nil)
	e.Emit(EventStepStart, map[string]any{"step": 1})
	e.Emit(EventStepStart, map[string]any{"step": 2}) // dropped
	e.Close()
	e.Close()
	e.Emit(EventRunEnd, nil)

	var got []Event
	for ev := range e.Events() {
		got = append(got, ev)
	}
	if len(got) != 2 || got[0].Kind != EventRunStart || got[1].RunID != "run-1" {
		t.Errorf("unexpected events: %+v", got)
	}
	if e.Dropped() != 1 {
		t.Errorf("expected one dropped event, got %d", e.Dropped())
	}
}

func TestFuncToolExecute(t *testing.T) {
	tool := newTool("echo", false, func(ctx context.Context, args map[string]any) (string, error) {
		s, _ := GetStringArg(args, "text")
		return s, nil
	})
	out, err := tool.Execute(context.Background(), map[string]any{"text": "hi"})
	if err != nil || out != "hi" || tool.Name() != "echo" || tool.Sensitive() {
		t.Errorf("unexpected tool behaviour: %q %v", out, err)
	}
}

func usage(in, out int) unifiedllm.Usage {
	return unifiedllm.Usage{InputTokens: in, OutputTokens: out}
}
