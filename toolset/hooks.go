package toolset

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"syscall"
	"time"

	"github.com/martinemde/codeagent/agentloop"
)

// DefaultHookTimeout bounds each hook command.
const DefaultHookTimeout = 30 * time.Second

// exitCodeDenied is the exit status a pre-tool hook uses to block a call
// with its stderr as the reason. Any other non-zero status also blocks.
const exitCodeDenied = 2

// HooksConfig configures shell-command hooks. Each command runs through
// /bin/sh -c in the working directory.
type HooksConfig struct {
	PreTool  string        `yaml:"pre_tool" json:"pre_tool,omitempty" env:"PRE_TOOL"`
	PostTool string        `yaml:"post_tool" json:"post_tool,omitempty" env:"POST_TOOL"`
	Timeout  time.Duration `yaml:"timeout" json:"timeout,omitempty" env:"TIMEOUT" validate:"gte=0"`
}

// hookEvent is the JSON document hooks receive on stdin.
type hookEvent struct {
	Event      string         `json:"hook_event_name"`
	CWD        string         `json:"cwd"`
	ToolName   string         `json:"tool_name"`
	ToolInput  map[string]any `json:"tool_input"`
	ToolOutput string         `json:"tool_output,omitempty"`
}

// HookDeniedError is returned when a pre-tool hook blocks a call.
type HookDeniedError struct {
	Message string
}

func (e *HookDeniedError) Error() string {
	return e.Message
}

// CommandHooks implements agentloop.Hooks with shell commands.
type CommandHooks struct {
	cfg     HooksConfig
	workDir string
}

var _ agentloop.Hooks = (*CommandHooks)(nil)

// NewCommandHooks returns hooks for cfg, or nil when no command is set.
func NewCommandHooks(workDir string, cfg HooksConfig) *CommandHooks {
	if cfg.PreTool == "" && cfg.PostTool == "" {
		return nil
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultHookTimeout
	}
	return &CommandHooks{cfg: cfg, workDir: workDir}
}

// PreTool runs the pre-tool command. A non-zero exit blocks the call.
func (h *CommandHooks) PreTool(ctx context.Context, name string, args map[string]any) error {
	if h == nil || h.cfg.PreTool == "" {
		return nil
	}
	stdout, stderr, code, err := h.run(ctx, h.cfg.PreTool, hookEvent{
		Event:     "pre_tool",
		CWD:       h.workDir,
		ToolName:  name,
		ToolInput: args,
	})
	if err != nil {
		return fmt.Errorf("pre-tool hook: %w", err)
	}
	if code == 0 {
		return nil
	}
	reason := strings.TrimSpace(stderr)
	if reason == "" {
		reason = strings.TrimSpace(stdout)
	}
	if reason == "" {
		reason = fmt.Sprintf("exit status %d", code)
	}
	if code != exitCodeDenied {
		reason = fmt.Sprintf("hook failed (exit %d): %s", code, reason)
	}
	return &HookDeniedError{Message: reason}
}

// PostTool runs the post-tool command and returns its stdout. A non-zero
// exit is returned as an error along with any output.
func (h *CommandHooks) PostTool(ctx context.Context, name string, args map[string]any, output string) (string, error) {
	if h == nil || h.cfg.PostTool == "" {
		return "", nil
	}
	stdout, stderr, code, err := h.run(ctx, h.cfg.PostTool, hookEvent{
		Event:      "post_tool",
		CWD:        h.workDir,
		ToolName:   name,
		ToolInput:  args,
		ToolOutput: output,
	})
	if err != nil {
		return "", fmt.Errorf("post-tool hook: %w", err)
	}
	out := strings.TrimSpace(stdout)
	if code != 0 {
		msg := strings.TrimSpace(stderr)
		if msg == "" {
			msg = fmt.Sprintf("exit status %d", code)
		}
		return out, errors.New(msg)
	}
	return out, nil
}

func (h *CommandHooks) run(ctx context.Context, command string, ev hookEvent) (stdout, stderr string, code int, err error) {
	payload, err := json.Marshal(ev)
	if err != nil {
		return "", "", 0, err
	}

	ctx, cancel := context.WithTimeout(ctx, h.cfg.Timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, "/bin/sh", "-c", command)
	cmd.Dir = h.workDir
	cmd.Stdin = bytes.NewReader(payload)
	cmd.Env = append(filterEnvironment(),
		"CODEAGENT_HOOK_EVENT="+ev.Event,
		"CODEAGENT_TOOL_NAME="+ev.ToolName,
	)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}
	cmd.WaitDelay = time.Second

	var out, errOut bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &errOut

	runErr := cmd.Run()
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return out.String(), errOut.String(), -1, fmt.Errorf("timed out after %s", h.cfg.Timeout)
	}
	if ctx.Err() != nil {
		return "", "", 0, ctx.Err()
	}
	var exitErr *exec.ExitError
	if errors.As(runErr, &exitErr) {
		return out.String(), errOut.String(), exitErr.ExitCode(), nil
	}
	if runErr != nil {
		return "", "", 0, runErr
	}
	return out.String(), errOut.String(), 0, nil
}
