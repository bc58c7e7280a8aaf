// Package main is the codeagent command line.
//
// codeagent runs one autonomous coding-agent loop against a task and exits
// with a code describing how the run ended:
//
//	codeagent run "add a --json flag to the list command"
//	echo "fix the failing test" | codeagent run --budget 0.50 --confirm-mode yolo
//	codeagent models --provider anthropic
//
// Configuration comes from built-in defaults, an optional YAML file
// (--config), CODEAGENT_* environment variables and flags, in that order.
// Provider API keys are read from CODEAGENT_API_KEY or the provider's own
// variable (ANTHROPIC_API_KEY, OPENAI_API_KEY, ...).
package main

import (
	"errors"
	"fmt"
	"os"
)

// Build information, set with -ldflags "-X main.version=...".
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	root := buildRootCmd(os.Stdin, os.Stdout, os.Stderr)
	if err := root.Execute(); err != nil {
		var exit *exitError
		if errors.As(err, &exit) {
			if exit.err != nil {
				fmt.Fprintln(os.Stderr, "codeagent:", exit.err)
			}
			os.Exit(exit.code)
		}
		fmt.Fprintln(os.Stderr, "codeagent:", err)
		os.Exit(exitConfig)
	}
}
