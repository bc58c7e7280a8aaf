package telemetry

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/martinemde/codeagent/agentloop"
	"github.com/martinemde/codeagent/unifiedllm"
)

func TestMetricsEmit(t *testing.T) {
	m := NewMetrics(nil)

	m.Emit(agentloop.EventToolCallEnd, map[string]any{"tool": "shell", "success": true, "duration_ms": int64(250)})
	m.Emit(agentloop.EventToolCallEnd, map[string]any{"tool": "shell", "success": false, "duration_ms": int64(5)})
	m.Emit(agentloop.EventToolCallEnd, map[string]any{"tool": "write_file", "success": true, "dry_run": true, "duration_ms": int64(0)})
	m.Emit(agentloop.EventLLMResponse, map[string]any{"input_tokens": 1000, "output_tokens": 200, "cost_usd": 0.006})
	m.Emit(agentloop.EventSafetyNet, map[string]any{"reason": "MAX_STEPS"})
	m.Emit(agentloop.EventCompressed, map[string]any{})
	m.Emit(agentloop.EventLoopDetection, map[string]any{})
	m.Emit(agentloop.EventRunEnd, map[string]any{"status": "partial", "stop_reason": "MAX_STEPS", "steps": 5})

	expected := `
		# HELP codeagent_tool_calls_total Tool calls by tool and status
		# TYPE codeagent_tool_calls_total counter
		codeagent_tool_calls_total{status="dry_run",tool="write_file"} 1
		codeagent_tool_calls_total{status="error",tool="shell"} 1
		codeagent_tool_calls_total{status="success",tool="shell"} 1
	`
	if err := testutil.CollectAndCompare(m.ToolCallsTotal, strings.NewReader(expected)); err != nil {
		t.Errorf("tool calls: %v", err)
	}

	checks := []struct {
		name string
		got  float64
		want float64
	}{
		{"input tokens", testutil.ToFloat64(m.LLMTokensTotal.WithLabelValues("input")), 1000},
		{"output tokens", testutil.ToFloat64(m.LLMTokensTotal.WithLabelValues("output")), 200},
		{"cost", testutil.ToFloat64(m.CostUSDTotal), 0.006},
		{"safety nets", testutil.ToFloat64(m.SafetyNetsTotal.WithLabelValues("MAX_STEPS")), 1},
		{"compressions", testutil.ToFloat64(m.ContextEventsTotal.WithLabelValues("context_compressed")), 1},
		{"loop detections", testutil.ToFloat64(m.LoopDetectionsTotal), 1},
		{"runs", testutil.ToFloat64(m.RunsTotal.WithLabelValues("partial", "MAX_STEPS")), 1},
	}
	for _, c := range checks {
		if c.got != c.want {
			t.Errorf("%s = %v, want %v", c.name, c.got, c.want)
		}
	}
	if n := testutil.CollectAndCount(m.ToolCallDuration); n != 2 {
		t.Errorf("expected duration series for 2 tools, got %d", n)
	}
}

func TestMetricsMiddleware(t *testing.T) {
	m := NewMetrics(nil)
	mw := m.Middleware()
	req := unifiedllm.Request{Provider: "anthropic", Model: "claude-haiku-4-5"}

	ok := func(context.Context, unifiedllm.Request) (*unifiedllm.Response, error) {
		return &unifiedllm.Response{}, nil
	}
	fail := func(context.Context, unifiedllm.Request) (*unifiedllm.Response, error) {
		return nil, errors.New("overloaded")
	}
	if _, err := mw(context.Background(), req, ok); err != nil {
		t.Fatal(err)
	}
	if _, err := mw(context.Background(), req, fail); err == nil {
		t.Fatal("expected error to pass through")
	}

	if got := testutil.ToFloat64(m.LLMRequestsTotal.WithLabelValues("anthropic", "claude-haiku-4-5", "success")); got != 1 {
		t.Errorf("success count = %v", got)
	}
	if got := testutil.ToFloat64(m.LLMRequestsTotal.WithLabelValues("anthropic", "claude-haiku-4-5", "error")); got != 1 {
		t.Errorf("error count = %v", got)
	}
}

func TestWriteToTextfile(t *testing.T) {
	m := NewMetrics(nil)
	m.Emit(agentloop.EventRunEnd, map[string]any{"status": "partial", "stop_reason": "TIMEOUT", "steps": 2})

	path := filepath.Join(t.TempDir(), "codeagent.prom")
	if err := m.WriteToTextfile(path); err != nil {
		t.Fatalf("WriteToTextfile: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(data), `codeagent_runs_total{status="partial",stop_reason="TIMEOUT"} 1`) {
		t.Errorf("textfile missing run counter:\n%s", data)
	}
}
