package toolset

import (
	"bytes"
	"context"
	"io"
	"strings"
	"testing"
	"time"
)

func TestTerminalConfirmer(t *testing.T) {
	tests := []struct {
		input string
		want  bool
	}{
		{"y\n", true},
		{"YES\n", true},
		{"n\n", false},
		{"\n", false},
		{"", false},
	}
	for _, tt := range tests {
		var out bytes.Buffer
		c := NewTerminalConfirmer(strings.NewReader(tt.input), &out)
		got, err := c.Confirm(context.Background(), ToolShell, map[string]any{"command": "make build"})
		if err != nil {
			t.Fatalf("Confirm(%q): %v", tt.input, err)
		}
		if got != tt.want {
			t.Errorf("Confirm(%q) = %v, want %v", tt.input, got, tt.want)
		}
		if !strings.Contains(out.String(), "Allow shell make build? [y/N]") {
			t.Errorf("unexpected prompt %q", out.String())
		}
	}
}

func TestTerminalConfirmerCancelled(t *testing.T) {
	r, w := io.Pipe()
	defer w.Close()
	c := NewTerminalConfirmer(r, io.Discard)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	ok, err := c.Confirm(ctx, ToolWriteFile, map[string]any{"path": "a.go"})
	if ok || err == nil {
		t.Errorf("expected cancelled decline, got %v, %v", ok, err)
	}
}
