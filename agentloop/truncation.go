package agentloop

import (
	"fmt"
	"strings"
	"unicode/utf8"
)

const (
	truncateHeadLines = 40
	truncateTailLines = 20
)

// TruncateHeadTail shortens text to at most maxChars characters (runes),
// keeping the first 40 and last 20 lines when the text is long enough to
// have them and falling back to a character split otherwise. Text already
// within maxChars is returned unchanged.
func TruncateHeadTail(text string, maxChars int) string {
	if maxChars <= 0 || utf8.RuneCountInString(text) <= maxChars {
		return text
	}

	if out, ok := truncateLines(text, truncateHeadLines, truncateTailLines); ok && utf8.RuneCountInString(out) <= maxChars {
		return out
	}
	return truncateChars(text, maxChars)
}

// truncateLines keeps head and tail lines with an omission marker between
// them. It reports false when there is nothing to omit.
func truncateLines(text string, head, tail int) (string, bool) {
	lines := strings.Split(text, "\n")
	if len(lines) <= head+tail {
		return text, false
	}
	omitted := lines[head : len(lines)-tail]
	omittedChars := 0
	for _, l := range omitted {
		omittedChars += utf8.RuneCountInString(l) + 1
	}
	return strings.Join(lines[:head], "\n") + "\n" +
		omissionMarker(len(omitted), omittedChars) + "\n" +
		strings.Join(lines[len(lines)-tail:], "\n"), true
}

// truncateChars keeps roughly two thirds of the budget from the start and
// one third from the end. Callers guarantee text is longer than maxChars.
func truncateChars(text string, maxChars int) string {
	runes := []rune(text)
	// Reserve room for the widest marker this text can produce.
	marker := "\n" + omissionMarker(strings.Count(text, "\n")+1, len(runes)) + "\n"
	keep := maxChars - utf8.RuneCountInString(marker)
	if keep <= 0 {
		return string(runes[:maxChars])
	}

	headEnd := keep * 2 / 3
	tailStart := len(runes) - (keep - headEnd)
	middle := string(runes[headEnd:tailStart])
	marker = "\n" + omissionMarker(strings.Count(middle, "\n")+1, tailStart-headEnd) + "\n"
	return string(runes[:headEnd]) + marker + string(runes[tailStart:])
}

func omissionMarker(lines, chars int) string {
	return fmt.Sprintf("[... %d lines (%d chars) omitted ...]", lines, chars)
}

// runeFloor moves i back to the start of the rune containing it.
func runeFloor(s string, i int) int {
	if i >= len(s) {
		return len(s)
	}
	for i > 0 && !utf8.RuneStart(s[i]) {
		i--
	}
	return i
}
