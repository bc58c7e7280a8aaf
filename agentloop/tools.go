package agentloop

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"sync"

	"github.com/martinemde/codeagent/unifiedllm"
)

var (
	// ErrUnknownTool is returned for calls naming an unregistered tool.
	ErrUnknownTool = errors.New("unknown tool")
	// ErrToolBlocked wraps guardrail and pre-hook refusals.
	ErrToolBlocked = errors.New("tool call blocked")
	// ErrDeclined is returned when the user declines a confirmation.
	ErrDeclined = errors.New("tool call declined by user")
)

// Tool is one capability the model can call. Sensitive tools have side
// effects (writes, shell commands) and are gated and serialized.
type Tool interface {
	Name() string
	Sensitive() bool
	Definition() unifiedllm.ToolDefinition
	Execute(ctx context.Context, args map[string]any) (string, error)
}

// FuncTool adapts a function and a definition to Tool.
type FuncTool struct {
	Def         unifiedllm.ToolDefinition
	IsSensitive bool
	Fn          func(ctx context.Context, args map[string]any) (string, error)
}

func (t *FuncTool) Name() string                          { return t.Def.Name }
func (t *FuncTool) Sensitive() bool                       { return t.IsSensitive }
func (t *FuncTool) Definition() unifiedllm.ToolDefinition { return t.Def }

func (t *FuncTool) Execute(ctx context.Context, args map[string]any) (string, error) {
	return t.Fn(ctx, args)
}

// ToolRegistry manages tool registration and lookup.
type ToolRegistry struct {
	tools map[string]Tool
	mu    sync.RWMutex
}

// NewToolRegistry creates a registry holding tools.
func NewToolRegistry(tools ...Tool) *ToolRegistry {
	r := &ToolRegistry{tools: make(map[string]Tool)}
	for _, t := range tools {
		r.Register(t)
	}
	return r
}

// Register adds or replaces a tool.
func (r *ToolRegistry) Register(tool Tool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[tool.Name()] = tool
}

// Unregister removes a tool.
func (r *ToolRegistry) Unregister(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.tools, name)
}

// Get returns a tool by name.
func (r *ToolRegistry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	return t, ok
}

// Has reports whether name is registered.
func (r *ToolRegistry) Has(name string) bool {
	_, ok := r.Get(name)
	return ok
}

// Names returns registered tool names in sorted order.
func (r *ToolRegistry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Definitions returns the schema catalog sent to the model, sorted by name.
func (r *ToolRegistry) Definitions() []unifiedllm.ToolDefinition {
	names := r.Names()
	r.mu.RLock()
	defer r.mu.RUnlock()
	defs := make([]unifiedllm.ToolDefinition, 0, len(names))
	for _, name := range names {
		defs = append(defs, r.tools[name].Definition())
	}
	return defs
}

// Count returns the number of registered tools.
func (r *ToolRegistry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.tools)
}

// Wrap replaces every registered tool with wrap(tool). Used to attach
// decorators such as tracing.
func (r *ToolRegistry) Wrap(wrap func(Tool) Tool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for name, t := range r.tools {
		r.tools[name] = wrap(t)
	}
}

// GetStringArg extracts a string argument from parsed tool arguments.
func GetStringArg(args map[string]any, key string) (string, bool) {
	v, ok := args[key]
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

// GetIntArg extracts an integer argument from parsed tool arguments.
func GetIntArg(args map[string]any, key string) (int, bool) {
	v, ok := args[key]
	if !ok {
		return 0, false
	}
	switch n := v.(type) {
	case float64:
		return int(n), true
	case int:
		return n, true
	case json.Number:
		i, err := n.Int64()
		if err != nil {
			return 0, false
		}
		return int(i), true
	default:
		return 0, false
	}
}

// GetBoolArg extracts a boolean argument from parsed tool arguments.
func GetBoolArg(args map[string]any, key string) (bool, bool) {
	v, ok := args[key]
	if !ok {
		return false, false
	}
	b, ok := v.(bool)
	return b, ok
}
