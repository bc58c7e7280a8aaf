package agentloop

import (
	"context"
	"fmt"
)

// ConfirmMode selects which tool calls need user confirmation.
type ConfirmMode int

const (
	// Yolo runs every call without asking.
	Yolo ConfirmMode = iota
	// ConfirmSensitive asks before sensitive tools only.
	ConfirmSensitive
	// ConfirmAll asks before every call.
	ConfirmAll
)

var confirmModeNames = map[ConfirmMode]string{
	Yolo:             "yolo",
	ConfirmSensitive: "confirm-sensitive",
	ConfirmAll:       "confirm-all",
}

func (m ConfirmMode) String() string {
	if s, ok := confirmModeNames[m]; ok {
		return s
	}
	return fmt.Sprintf("ConfirmMode(%d)", int(m))
}

// ParseConfirmMode parses "yolo", "confirm-sensitive" or "confirm-all".
func ParseConfirmMode(s string) (ConfirmMode, error) {
	for m, name := range confirmModeNames {
		if name == s {
			return m, nil
		}
	}
	return Yolo, fmt.Errorf("invalid confirm mode %q", s)
}

// Requires reports whether a call to a tool with the given sensitivity must
// be confirmed under m.
func (m ConfirmMode) Requires(sensitive bool) bool {
	switch m {
	case ConfirmAll:
		return true
	case ConfirmSensitive:
		return sensitive
	default:
		return false
	}
}

// Confirmer asks the user whether a tool call may run. Calls are never made
// concurrently: batches needing confirmation run sequentially.
type Confirmer interface {
	Confirm(ctx context.Context, name string, args map[string]any) (bool, error)
}

// ConfirmFunc adapts a function to Confirmer.
type ConfirmFunc func(ctx context.Context, name string, args map[string]any) (bool, error)

func (f ConfirmFunc) Confirm(ctx context.Context, name string, args map[string]any) (bool, error) {
	return f(ctx, name, args)
}
