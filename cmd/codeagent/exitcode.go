package main

import (
	"strconv"

	"github.com/martinemde/codeagent/agentloop"
	"github.com/martinemde/codeagent/unifiedllm"
)

// Process exit codes.
const (
	exitSuccess   = 0
	exitFailed    = 1
	exitPartial   = 2
	exitConfig    = 3
	exitAuth      = 4
	exitTimeout   = 124
	exitInterrupt = 130
)

// exitError carries an exit code out of a cobra RunE. err may be nil when
// the outcome was already reported.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string {
	if e.err == nil {
		return "exit status " + strconv.Itoa(e.code)
	}
	return e.err.Error()
}

func (e *exitError) Unwrap() error { return e.err }

// exitCode maps a finished run to a process exit code.
func exitCode(state *agentloop.State) int {
	switch state.Status {
	case agentloop.StatusSuccess:
		return exitSuccess
	case agentloop.StatusFailed:
		if unifiedllm.IsAuthError(state.Err) {
			return exitAuth
		}
		return exitFailed
	case agentloop.StatusPartial:
		switch state.Reason() {
		case agentloop.StopTimeout:
			return exitTimeout
		case agentloop.StopUserInterrupt:
			return exitInterrupt
		}
		return exitPartial
	default:
		return exitFailed
	}
}
