package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/martinemde/codeagent/agentloop"
	"github.com/martinemde/codeagent/config"
	"github.com/martinemde/codeagent/unifiedllm"
)

func TestReadTask(t *testing.T) {
	tests := []struct {
		name    string
		args    []string
		stdin   string
		want    string
		wantErr bool
	}{
		{"args", []string{"fix", "the", "bug"}, "", "fix the bug", false},
		{"dash reads stdin", []string{"-"}, "  from stdin\n", "from stdin", false},
		{"no args reads stdin", nil, "piped task", "piped task", false},
		{"empty stdin", nil, "   \n", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := readTask(tt.args, strings.NewReader(tt.stdin))
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("task = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestRunFlagOverrides(t *testing.T) {
	f := runFlags{
		model:            "haiku",
		maxSteps:         7,
		budget:           0.25,
		confirmMode:      "confirm-all",
		yolo:             true,
		noParallel:       true,
		maxContextTokens: 999,
	}
	changed := map[string]bool{
		"max-steps":         true,
		"budget":            true,
		"confirm-mode":      true,
		"yolo":              true,
		"no-parallel-tools": true,
	}

	cfg := config.Default()
	f.overrides(func(name string) bool { return changed[name] })(&cfg)

	if cfg.MaxSteps != 7 || cfg.BudgetUSD != 0.25 {
		t.Errorf("changed flags not applied: %+v", cfg)
	}
	if cfg.ConfirmMode != "yolo" {
		t.Errorf("--yolo should win over --confirm-mode, got %s", cfg.ConfirmMode)
	}
	if cfg.Context.ParallelTools {
		t.Error("--no-parallel-tools not applied")
	}
	if cfg.Model != "" || cfg.Context.MaxContextTokens != 150000 {
		t.Errorf("unchanged flags must not override: model=%q max_context=%d", cfg.Model, cfg.Context.MaxContextTokens)
	}
}

func finished(status agentloop.Status, reason agentloop.StopReason, err error) *agentloop.State {
	return &agentloop.State{Status: status, StopReason: &reason, Err: err}
}

func TestExitCode(t *testing.T) {
	authErr := &unifiedllm.AuthenticationError{}
	tests := []struct {
		name  string
		state *agentloop.State
		want  int
	}{
		{"success", finished(agentloop.StatusSuccess, agentloop.StopLLMDone, nil), exitSuccess},
		{"max steps", finished(agentloop.StatusPartial, agentloop.StopMaxSteps, nil), exitPartial},
		{"budget", finished(agentloop.StatusPartial, agentloop.StopBudgetExceeded, nil), exitPartial},
		{"context full", finished(agentloop.StatusPartial, agentloop.StopContextFull, nil), exitPartial},
		{"timeout", finished(agentloop.StatusPartial, agentloop.StopTimeout, nil), exitTimeout},
		{"interrupt", finished(agentloop.StatusPartial, agentloop.StopUserInterrupt, nil), exitInterrupt},
		{"llm error", finished(agentloop.StatusFailed, agentloop.StopLLMError, errors.New("500")), exitFailed},
		{"auth error", finished(agentloop.StatusFailed, agentloop.StopLLMError, authErr), exitAuth},
	}
	for _, tt := range tests {
		if got := exitCode(tt.state); got != tt.want {
			t.Errorf("%s: exit code %d, want %d", tt.name, got, tt.want)
		}
	}
}

func TestModelsCommand(t *testing.T) {
	var out bytes.Buffer
	root := buildRootCmd(strings.NewReader(""), &out, io.Discard)
	root.SetArgs([]string{"models", "--provider", "anthropic"})
	if err := root.Execute(); err != nil {
		t.Fatalf("models: %v", err)
	}
	if !strings.Contains(out.String(), "claude-sonnet-4-5") || strings.Contains(out.String(), "gpt-5.2") {
		t.Errorf("unexpected listing:\n%s", out.String())
	}

	out.Reset()
	root = buildRootCmd(strings.NewReader(""), &out, io.Discard)
	root.SetArgs([]string{"models", "--json"})
	if err := root.Execute(); err != nil {
		t.Fatalf("models --json: %v", err)
	}
	var models []unifiedllm.ModelInfo
	if err := json.Unmarshal(out.Bytes(), &models); err != nil {
		t.Fatalf("not JSON: %v", err)
	}
	if len(models) != len(unifiedllm.Models) {
		t.Errorf("expected %d models, got %d", len(unifiedllm.Models), len(models))
	}
}

func TestRunCommandConfigError(t *testing.T) {
	root := buildRootCmd(strings.NewReader(""), io.Discard, io.Discard)
	root.SetArgs([]string{"run", "--confirm-mode", "sometimes", "--work-dir", t.TempDir(), "task"})
	err := root.Execute()
	var exit *exitError
	if !errors.As(err, &exit) || exit.code != exitConfig {
		t.Fatalf("expected config exit code, got %v", err)
	}
	if !errors.Is(err, config.ErrInvalidConfig) {
		t.Errorf("expected ErrInvalidConfig, got %v", err)
	}
}

func TestWatchSignals(t *testing.T) {
	sigs := make(chan os.Signal, 2)
	r := &runner{signals: sigs}
	shutdown := agentloop.NewShutdown()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stop := r.watchSignals(cancel, shutdown, slog.New(slog.NewTextHandler(io.Discard, nil)))
	defer stop()

	sigs <- os.Interrupt
	select {
	case <-shutdown.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("first interrupt did not request shutdown")
	}
	if ctx.Err() != nil {
		t.Fatal("first interrupt must not cancel the run")
	}

	sigs <- os.Interrupt
	select {
	case <-ctx.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("second interrupt did not cancel the run")
	}
}

// scriptedLLM replays responses in order and repeats the last one.
type scriptedLLM struct {
	mu        sync.Mutex
	responses []*unifiedllm.Response
	requests  []unifiedllm.Request
}

func (s *scriptedLLM) Complete(_ context.Context, req unifiedllm.Request) (*unifiedllm.Response, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.requests = append(s.requests, req)
	i := len(s.requests) - 1
	if i >= len(s.responses) {
		i = len(s.responses) - 1
	}
	return s.responses[i], nil
}

func TestRunnerEndToEnd(t *testing.T) {
	dir := t.TempDir()
	report := filepath.Join(dir, "out", "report.json")
	if err := os.MkdirAll(filepath.Dir(report), 0o755); err != nil {
		t.Fatal(err)
	}
	metricsOut := filepath.Join(dir, "out", "metrics.prom")
	eventsOut := filepath.Join(dir, "out", "events.jsonl")

	llm := &scriptedLLM{responses: []*unifiedllm.Response{
		{
			Model: "claude-haiku-4-5",
			Message: unifiedllm.AssistantMessage("", unifiedllm.ToolCall{
				ID:        "call_1",
				Name:      "write_file",
				Arguments: json.RawMessage(`{"path":"hello.txt","content":"hi\n"}`),
			}),
			Usage: unifiedllm.Usage{InputTokens: 1000, OutputTokens: 100},
		},
		{
			Model:   "claude-haiku-4-5",
			Message: unifiedllm.AssistantMessage("Created hello.txt."),
			Usage:   unifiedllm.Usage{InputTokens: 1200, OutputTokens: 20},
		},
	}}

	cfg, err := config.Load(config.LoadOptions{Environment: map[string]string{
		"CODEAGENT_WORK_DIR":     dir,
		"CODEAGENT_MODEL":        "haiku",
		"CODEAGENT_CONFIRM_MODE": "yolo",
		"CODEAGENT_REPORT":       report,
		"CODEAGENT_METRICS_OUT":  metricsOut,
		"CODEAGENT_EVENTS_OUT":   eventsOut,
		"CODEAGENT_LOG_LEVEL":    "error",
	}})
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	var stdout, stderr bytes.Buffer
	r := &runner{
		stdin:       strings.NewReader(""),
		stdout:      &stdout,
		stderr:      &stderr,
		signals:     make(chan os.Signal),
		interactive: func() bool { return false },
		newLLM: func(config.Config, ...unifiedllm.Middleware) (agentloop.LLMClient, error) {
			return llm, nil
		},
	}
	code, err := r.run(context.Background(), cfg, "create hello.txt")
	if err != nil || code != exitSuccess {
		t.Fatalf("run = %d, %v; stderr:\n%s", code, err, stderr.String())
	}
	if strings.TrimSpace(stdout.String()) != "Created hello.txt." {
		t.Errorf("stdout = %q", stdout.String())
	}

	data, err := os.ReadFile(filepath.Join(dir, "hello.txt"))
	if err != nil || string(data) != "hi\n" {
		t.Errorf("hello.txt = %q, %v", data, err)
	}

	raw, err := os.ReadFile(report)
	if err != nil {
		t.Fatalf("report: %v", err)
	}
	var state agentloop.State
	if err := json.Unmarshal(raw, &state); err != nil {
		t.Fatalf("report is not a State: %v", err)
	}
	if state.Status != agentloop.StatusSuccess || state.Reason() != agentloop.StopLLMDone || state.LLMCalls != 2 {
		t.Errorf("unexpected report state %+v", state)
	}

	prom, err := os.ReadFile(metricsOut)
	if err != nil {
		t.Fatalf("metrics: %v", err)
	}
	if !strings.Contains(string(prom), `codeagent_tool_calls_total{status="success",tool="write_file"} 1`) {
		t.Errorf("metrics missing tool call:\n%s", prom)
	}

	rawEvents, err := os.ReadFile(eventsOut)
	if err != nil {
		t.Fatalf("events: %v", err)
	}
	var kinds []agentloop.EventKind
	for _, line := range strings.Split(strings.TrimSpace(string(rawEvents)), "\n") {
		var ev agentloop.Event
		if err := json.Unmarshal([]byte(line), &ev); err != nil {
			t.Fatalf("bad event line %q: %v", line, err)
		}
		if ev.RunID != state.RunID {
			t.Errorf("event run_id %q, want %q", ev.RunID, state.RunID)
		}
		kinds = append(kinds, ev.Kind)
	}
	if len(kinds) < 2 || kinds[0] != agentloop.EventRunStart || kinds[len(kinds)-1] != agentloop.EventRunEnd {
		t.Errorf("expected run_start ... run_end, got %v", kinds)
	}

	if len(llm.requests) == 0 || !strings.Contains(llm.requests[0].Messages[0].Content, dir) {
		t.Error("system prompt should describe the working directory")
	}
}

func TestRunnerDeclinesWithoutTerminal(t *testing.T) {
	dir := t.TempDir()
	llm := &scriptedLLM{responses: []*unifiedllm.Response{
		{Message: unifiedllm.AssistantMessage("", unifiedllm.ToolCall{
			ID: "call_1", Name: "shell", Arguments: json.RawMessage(`{"command":"touch marker"}`),
		})},
		{Message: unifiedllm.AssistantMessage("gave up")},
	}}
	cfg, err := config.Load(config.LoadOptions{Environment: map[string]string{
		"CODEAGENT_WORK_DIR":  dir,
		"CODEAGENT_MODEL":     "haiku",
		"CODEAGENT_LOG_LEVEL": "error",
	}})
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	r := &runner{
		stdout:      io.Discard,
		stderr:      io.Discard,
		signals:     make(chan os.Signal),
		interactive: func() bool { return false },
		newLLM: func(config.Config, ...unifiedllm.Middleware) (agentloop.LLMClient, error) {
			return llm, nil
		},
	}
	code, err := r.run(context.Background(), cfg, "touch a marker")
	if err != nil || code != exitSuccess {
		t.Fatalf("run = %d, %v", code, err)
	}
	if _, err := os.Stat(filepath.Join(dir, "marker")); err == nil {
		t.Error("sensitive call ran without confirmation")
	}
	last := llm.requests[len(llm.requests)-1].Messages
	if result := last[len(last)-1]; !result.IsError || !strings.Contains(result.Content, "declined") {
		t.Errorf("expected declined tool result, got %+v", result)
	}
}
