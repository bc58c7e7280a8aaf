package agentloop

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/martinemde/codeagent/unifiedllm"
)

// DefaultCloseTimeout bounds the closing summary call.
const DefaultCloseTimeout = 60 * time.Second

const interruptedMessage = "Run interrupted by user. Work done so far is left in place; no summary was generated."

// closeRule describes how one stop reason closes. When callLLM is set, text
// is the instruction appended to the conversation; otherwise it is the final
// output. Every text takes the step count as its only verb.
type closeRule struct {
	callLLM bool
	text    string
}

// closeRules has exactly one entry per close-eligible reason. Interrupts and
// LLM errors have none.
var closeRules = map[StopReason]closeRule{
	StopMaxSteps: {callLLM: true, text: "You have reached the step limit after %d steps and cannot call any more tools. " +
		"Summarize what you completed, what remains to be done, and how to continue."},
	StopContextFull: {callLLM: true, text: "The conversation has filled the context window after %d steps and you cannot call any more tools. " +
		"Summarize what you completed, what remains to be done, and how to continue."},
	StopTimeout: {callLLM: true, text: "The time limit was reached after %d steps and you cannot call any more tools. " +
		"Summarize what you completed, what remains to be done, and how to continue."},
	StopBudgetExceeded: {callLLM: false, text: "Run stopped after %d steps: the cost budget was exceeded. " +
		"No further model calls were made; review the changes so far before continuing."},
}

// gracefulClose ends the run for a tripped safety net. It never fails: a
// closing call that errors or returns nothing degrades to a fixed message.
func (l *Loop) gracefulClose(ctx context.Context, reason StopReason, messages []unifiedllm.Message, state *State) {
	l.sink.Emit(EventGracefulClose, map[string]any{
		"reason": string(reason),
		"step":   state.Step,
	})

	if reason == StopUserInterrupt {
		state.finish(StatusPartial, reason, interruptedMessage, l.now())
		return
	}

	rule, ok := closeRules[reason]
	if !ok {
		state.finish(StatusPartial, reason, fallbackClose(reason, state.Step, nil), l.now())
		return
	}
	if !rule.callLLM {
		state.finish(StatusPartial, reason, fmt.Sprintf(rule.text, state.Step), l.now())
		return
	}

	closing := append(unifiedllm.CloneMessages(messages), unifiedllm.UserMessage(fmt.Sprintf(rule.text, state.Step)))

	timeout := l.cfg.CloseTimeout
	if timeout <= 0 {
		timeout = DefaultCloseTimeout
	}
	// The run context may already be done (timeout); the close gets its own.
	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
	defer cancel()

	resp, err := l.llm.Complete(cctx, unifiedllm.Request{
		Model:      l.cfg.Model,
		Messages:   closing,
		ToolChoice: &unifiedllm.ToolChoice{Mode: "none"},
	})
	state.LLMCalls++
	output := ""
	if err == nil && resp != nil {
		l.account(state, resp)
		output = strings.TrimSpace(resp.Text())
	}
	if output == "" {
		if err != nil {
			l.sink.Emit(EventWarning, map[string]any{
				"message": "closing summary failed",
				"error":   err.Error(),
			})
		}
		output = fallbackClose(reason, state.Step, err)
	}
	state.finish(StatusPartial, reason, output, l.now())
}

func fallbackClose(reason StopReason, steps int, err error) string {
	msg := fmt.Sprintf("Run stopped (%s) after %d steps. A closing summary could not be generated", reason, steps)
	if err != nil {
		return msg + ": " + err.Error()
	}
	return msg + "."
}
