package agentloop

import (
	"unicode/utf8"

	"github.com/martinemde/codeagent/unifiedllm"
)

const (
	// messageOverheadChars approximates per-message protocol framing.
	messageOverheadChars = 16
	charsPerToken        = 4
)

// EstimateTokens approximates the token count of messages at four
// characters (runes) per token. Assistant messages carrying tool calls are measured
// by their call names and serialized arguments instead of their text.
func EstimateTokens(messages []unifiedllm.Message) int {
	chars := 0
	for _, m := range messages {
		chars += messageChars(m) + messageOverheadChars
	}
	return chars / charsPerToken
}

func messageChars(m unifiedllm.Message) int {
	if len(m.ToolCalls) == 0 {
		return utf8.RuneCountInString(m.Content)
	}
	n := 0
	for _, c := range m.ToolCalls {
		n += utf8.RuneCountInString(c.Name) + utf8.RuneCount(c.Arguments)
	}
	return n
}
