package toolset

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"
)

func TestNewCommandHooksEmpty(t *testing.T) {
	if h := NewCommandHooks(t.TempDir(), HooksConfig{}); h != nil {
		t.Error("expected nil hooks without commands")
	}
	var h *CommandHooks
	if err := h.PreTool(context.Background(), "shell", nil); err != nil {
		t.Errorf("nil hooks must allow: %v", err)
	}
	if out, err := h.PostTool(context.Background(), "shell", nil, "x"); out != "" || err != nil {
		t.Errorf("nil hooks must be silent: %q %v", out, err)
	}
}

func TestPreToolHook(t *testing.T) {
	dir := t.TempDir()
	tests := []struct {
		name    string
		command string
		wantErr string
	}{
		{"allow", "exit 0", ""},
		{"deny with reason", `echo "no writes on main" >&2; exit 2`, "no writes on main"},
		{"other failure", "exit 7", "hook failed (exit 7)"},
		{"reads payload", `grep -q '"tool_name":"write_file"' && exit 2 || exit 0`, "exit status 2"},
		{"env var", `[ "$CODEAGENT_TOOL_NAME" = write_file ] && { echo env >&2; exit 2; }; exit 0`, "env"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := NewCommandHooks(dir, HooksConfig{PreTool: tt.command})
			err := h.PreTool(context.Background(), "write_file", map[string]any{"path": "a.go"})
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("expected allow, got %v", err)
				}
				return
			}
			var denied *HookDeniedError
			if !errors.As(err, &denied) || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("expected denial containing %q, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestPostToolHook(t *testing.T) {
	dir := t.TempDir()

	h := NewCommandHooks(dir, HooksConfig{PostTool: `echo "formatted $CODEAGENT_TOOL_NAME"`})
	out, err := h.PostTool(context.Background(), "edit_file", nil, "done")
	if err != nil || out != "formatted edit_file" {
		t.Errorf("PostTool = %q, %v", out, err)
	}

	h = NewCommandHooks(dir, HooksConfig{PostTool: `echo partial; echo "lint failed" >&2; exit 1`})
	out, err = h.PostTool(context.Background(), "edit_file", nil, "done")
	if err == nil || err.Error() != "lint failed" || out != "partial" {
		t.Errorf("PostTool = %q, %v", out, err)
	}
}

func TestHookTimeout(t *testing.T) {
	h := NewCommandHooks(t.TempDir(), HooksConfig{PreTool: "sleep 5", Timeout: 50 * time.Millisecond})
	start := time.Now()
	err := h.PreTool(context.Background(), "shell", nil)
	if err == nil || !strings.Contains(err.Error(), "timed out") {
		t.Errorf("expected timeout, got %v", err)
	}
	if time.Since(start) > 3*time.Second {
		t.Error("hook was not killed promptly")
	}
}
