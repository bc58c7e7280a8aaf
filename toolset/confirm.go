package toolset

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"golang.org/x/term"

	"github.com/martinemde/codeagent/agentloop"
)

const maxPromptArgChars = 400

// TerminalConfirmer asks on a terminal before a tool call runs.
type TerminalConfirmer struct {
	in  *bufio.Reader
	out io.Writer

	mu sync.Mutex
}

var _ agentloop.Confirmer = (*TerminalConfirmer)(nil)

// NewTerminalConfirmer prompts on out and reads answers from in.
func NewTerminalConfirmer(in io.Reader, out io.Writer) *TerminalConfirmer {
	return &TerminalConfirmer{in: bufio.NewReader(in), out: out}
}

// StdinIsTerminal reports whether os.Stdin is interactive.
func StdinIsTerminal() bool {
	return term.IsTerminal(int(os.Stdin.Fd()))
}

// Confirm prints the call and waits for y/yes. Anything else, including end
// of input, declines. Cancelling ctx declines with ctx's error.
func (c *TerminalConfirmer) Confirm(ctx context.Context, name string, args map[string]any) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	rendered, _ := json.Marshal(args)
	shown := string(rendered)
	if len(shown) > maxPromptArgChars {
		shown = shown[:maxPromptArgChars] + "..."
	}
	if cmd, ok := agentloop.GetStringArg(args, "command"); ok && name == ToolShell {
		shown = cmd
	}
	fmt.Fprintf(c.out, "\nAllow %s %s? [y/N] ", name, shown)

	type answer struct {
		text string
		err  error
	}
	ch := make(chan answer, 1)
	go func() {
		text, err := c.in.ReadString('\n')
		ch <- answer{text, err}
	}()

	select {
	case <-ctx.Done():
		fmt.Fprintln(c.out)
		return false, ctx.Err()
	case a := <-ch:
		if a.err != nil && a.text == "" {
			fmt.Fprintln(c.out)
			return false, nil
		}
		switch strings.ToLower(strings.TrimSpace(a.text)) {
		case "y", "yes":
			return true, nil
		default:
			return false, nil
		}
	}
}
