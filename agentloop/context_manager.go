package agentloop

import (
	"context"
	"fmt"
	"strings"

	"github.com/martinemde/codeagent/unifiedllm"
)

const (
	windowThreshold   = 0.75
	criticalThreshold = 0.95

	// DefaultRecentMessagesPerStep is how many dialog messages each kept
	// step is assumed to produce when compressing.
	DefaultRecentMessagesPerStep = 3
)

// ContextConfig is the context budget. Zero values disable the matching
// mechanism: MaxToolResultTokens 0 leaves tool output untouched,
// MaxContextTokens 0 disables window enforcement and the context-full safety
// net, SummarizeAfterSteps 0 disables compression.
type ContextConfig struct {
	MaxToolResultTokens int  `json:"max_tool_result_tokens"`
	MaxContextTokens    int  `json:"max_context_tokens"`
	SummarizeAfterSteps int  `json:"summarize_after_steps"`
	KeepRecentSteps     int  `json:"keep_recent_steps"`
	ParallelTools       bool `json:"parallel_tools"`

	// RecentMessagesPerStep multiplies KeepRecentSteps into a message count.
	// Zero means DefaultRecentMessagesPerStep.
	RecentMessagesPerStep int `json:"recent_messages_per_step,omitempty"`
}

// ContextManager keeps the running message list inside the context budget.
// The first two messages (system prompt and task) are never removed.
type ContextManager struct {
	cfg   ContextConfig
	model string
	sink  EventSink
}

// NewContextManager returns a manager for cfg. model is used for the
// summarization request; sink may be nil.
func NewContextManager(cfg ContextConfig, model string, sink EventSink) *ContextManager {
	if sink == nil {
		sink = NopSink{}
	}
	return &ContextManager{cfg: cfg, model: model, sink: sink}
}

// Config returns the manager's budget.
func (m *ContextManager) Config() ContextConfig { return m.cfg }

// TruncateToolResult bounds one tool output to MaxToolResultTokens.
func (m *ContextManager) TruncateToolResult(text string) string {
	if m.cfg.MaxToolResultTokens == 0 {
		return text
	}
	return TruncateHeadTail(text, m.cfg.MaxToolResultTokens*charsPerToken)
}

// IsAboveThreshold reports whether messages use more than fraction of the
// context budget. With no budget configured it always reports true so that
// callers fall through to step-count compression.
func (m *ContextManager) IsAboveThreshold(messages []unifiedllm.Message, fraction float64) bool {
	if m.cfg.MaxContextTokens == 0 {
		return true
	}
	return float64(EstimateTokens(messages))/float64(m.cfg.MaxContextTokens) > fraction
}

// IsCriticallyFull reports whether messages use more than 95% of the budget.
// It is always false when no budget is configured.
func (m *ContextManager) IsCriticallyFull(messages []unifiedllm.Message) bool {
	if m.cfg.MaxContextTokens == 0 {
		return false
	}
	return m.IsAboveThreshold(messages, criticalThreshold)
}

// exchange is the half-open index range of one assistant message with tool
// calls plus the messages answering it.
type exchange struct{ start, end int }

func exchanges(messages []unifiedllm.Message, from int) []exchange {
	var out []exchange
	for i := from; i < len(messages); i++ {
		if !messages[i].HasToolCalls() {
			continue
		}
		j := i + 1
		for j < len(messages) && messages[j].Role != unifiedllm.RoleAssistant {
			j++
		}
		out = append(out, exchange{start: i, end: j})
		i = j - 1
	}
	return out
}

// EnforceWindow evicts the oldest whole tool exchanges while the messages
// are above 75% of the budget. The first two messages and the most recent
// exchange always survive.
func (m *ContextManager) EnforceWindow(messages []unifiedllm.Message) []unifiedllm.Message {
	if m.cfg.MaxContextTokens == 0 || !m.IsAboveThreshold(messages, windowThreshold) {
		return messages
	}

	out := messages
	removed := 0
	for m.IsAboveThreshold(out, windowThreshold) {
		groups := exchanges(out, 2)
		if len(groups) <= 1 {
			break
		}
		g := groups[0]
		next := make([]unifiedllm.Message, 0, len(out)-(g.end-g.start))
		next = append(next, out[:g.start]...)
		next = append(next, out[g.end:]...)
		removed += g.end - g.start
		out = next
	}

	if removed > 0 {
		m.sink.Emit(EventContextTrimmed, map[string]any{
			"removed_messages": removed,
			"tokens":           EstimateTokens(out),
			"max_tokens":       m.cfg.MaxContextTokens,
		})
	}
	return out
}

// MaybeCompress replaces older dialog with a single summary message once the
// number of tool exchanges exceeds SummarizeAfterSteps. The summary comes
// from llm when possible and from a mechanical digest otherwise; it never
// fails.
func (m *ContextManager) MaybeCompress(ctx context.Context, messages []unifiedllm.Message, llm LLMClient) []unifiedllm.Message {
	if m.cfg.SummarizeAfterSteps == 0 || len(messages) <= 2 {
		return messages
	}
	if len(exchanges(messages, 0)) <= m.cfg.SummarizeAfterSteps {
		return messages
	}

	perStep := m.cfg.RecentMessagesPerStep
	if perStep <= 0 {
		perStep = DefaultRecentMessagesPerStep
	}
	dialog := messages[2:]
	keep := m.cfg.KeepRecentSteps * perStep
	if keep >= len(dialog) {
		return messages
	}

	// Never split an exchange: widen recent back to an assistant turn.
	split := len(dialog) - keep
	for split > 0 && split < len(dialog) && dialog[split].Role != unifiedllm.RoleAssistant {
		split--
	}
	if split == 0 {
		return messages
	}
	older, recent := dialog[:split], dialog[split:]

	summary, source := m.summarize(ctx, older, llm)

	out := make([]unifiedllm.Message, 0, 3+len(recent))
	out = append(out, messages[0], messages[1])
	out = append(out, unifiedllm.AssistantMessage(summary))
	out = append(out, recent...)

	m.sink.Emit(EventCompressed, map[string]any{
		"summarized_messages": len(older),
		"kept_messages":       len(recent),
		"source":              source,
	})
	return out
}

// Manage is called once per step: window enforcement first, then
// step-count compression.
func (m *ContextManager) Manage(ctx context.Context, messages []unifiedllm.Message, llm LLMClient) []unifiedllm.Message {
	messages = m.EnforceWindow(messages)
	return m.MaybeCompress(ctx, messages, llm)
}

const summarizeInstruction = `You compress the working history of an autonomous coding agent.
Summarize the transcript below into concise prose: files read or changed,
commands run and their outcomes, decisions made, and open problems. Keep
paths, identifiers and error messages exact. Do not invent work.`

func (m *ContextManager) summarize(ctx context.Context, older []unifiedllm.Message, llm LLMClient) (string, string) {
	if llm != nil {
		resp, err := llm.Complete(ctx, unifiedllm.Request{
			Model: m.model,
			Messages: []unifiedllm.Message{
				unifiedllm.SystemMessage(summarizeInstruction),
				unifiedllm.UserMessage(renderTranscript(older)),
			},
			ToolChoice: &unifiedllm.ToolChoice{Mode: "none"},
		})
		if err == nil && resp != nil && strings.TrimSpace(resp.Text()) != "" {
			return summaryHeader + "\n" + strings.TrimSpace(resp.Text()), "llm"
		}
		if err != nil {
			m.sink.Emit(EventWarning, map[string]any{
				"message": "summarization failed, using mechanical summary",
				"error":   err.Error(),
			})
		}
	}
	return mechanicalSummary(older), "mechanical"
}

func renderTranscript(messages []unifiedllm.Message) string {
	var sb strings.Builder
	for _, msg := range messages {
		switch {
		case msg.HasToolCalls():
			if msg.Content != "" {
				fmt.Fprintf(&sb, "assistant: %s\n", msg.Content)
			}
			for _, c := range msg.ToolCalls {
				fmt.Fprintf(&sb, "assistant called %s %s\n", c.Name, c.Arguments)
			}
		case msg.Role == unifiedllm.RoleTool:
			status := "result"
			if msg.IsError {
				status = "error"
			}
			fmt.Fprintf(&sb, "%s %s: %s\n", msg.Name, status, msg.Content)
		default:
			fmt.Fprintf(&sb, "%s: %s\n", msg.Role, msg.Content)
		}
	}
	return sb.String()
}

const summaryHeader = "[Summary of earlier steps]"

// mechanicalSummary lists each old tool call with a one-line outcome.
// Assistant text without tool calls, including a summary left by an earlier
// compression, is carried over ahead of the list and step numbering
// continues after it.
func mechanicalSummary(older []unifiedllm.Message) string {
	results := make(map[string]unifiedllm.Message)
	for _, msg := range older {
		if msg.Role == unifiedllm.RoleTool {
			results[msg.ToolCallID] = msg
		}
	}

	var sb strings.Builder
	sb.WriteString(summaryHeader + "\n")
	step, carried := 0, false
	for _, msg := range older {
		if msg.Role != unifiedllm.RoleAssistant || msg.HasToolCalls() {
			continue
		}
		text := strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(msg.Content), summaryHeader))
		if text == "" {
			continue
		}
		sb.WriteString(text + "\n")
		step = max(step, lastStep(text))
		carried = true
	}

	listed := false
	for _, msg := range older {
		if !msg.HasToolCalls() {
			continue
		}
		step++
		listed = true
		for _, c := range msg.ToolCalls {
			outcome := "no result recorded"
			if r, ok := results[c.ID]; ok {
				outcome = firstLine(r.Content, 120)
				if r.IsError {
					outcome = "failed: " + outcome
				}
			}
			fmt.Fprintf(&sb, "- step %d: %s -> %s\n", step, c.Name, outcome)
		}
	}
	if !listed && !carried {
		sb.WriteString("- earlier conversation omitted\n")
	}
	return strings.TrimRight(sb.String(), "\n")
}

// lastStep returns the highest "- step N:" number in a mechanical summary.
func lastStep(text string) int {
	last := 0
	for _, line := range strings.Split(text, "\n") {
		var n int
		if _, err := fmt.Sscanf(line, "- step %d:", &n); err == nil && n > last {
			last = n
		}
	}
	return last
}

func firstLine(s string, max int) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = strings.TrimSpace(s[:i])
	}
	if s == "" {
		return "(empty output)"
	}
	if len(s) > max {
		s = s[:runeFloor(s, max)] + "..."
	}
	return s
}
