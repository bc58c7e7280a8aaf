package telemetry

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"regexp"
	"sort"
	"strings"

	"github.com/martinemde/codeagent/agentloop"
)

// LogConfig configures NewLogger.
type LogConfig struct {
	// Level is "debug", "info", "warn" or "error". Empty means info.
	Level string
	// Format is "json" or "text". Empty means text.
	Format string
	// Output defaults to os.Stderr so stdout stays free for the answer.
	Output io.Writer
}

// redactions mask credentials that may surface in tool output or error
// messages.
var redactions = []struct {
	re   *regexp.Regexp
	repl string
}{
	{regexp.MustCompile(`sk-ant-[a-zA-Z0-9_-]{20,}`), "[REDACTED]"},
	{regexp.MustCompile(`sk-[a-zA-Z0-9_-]{32,}`), "[REDACTED]"},
	{regexp.MustCompile(`(?i)(api[_-]?key|token|secret|password)(["']?\s*[:=]\s*["']?)[^\s"',]{8,}`), "${1}${2}[REDACTED]"},
	{regexp.MustCompile(`eyJ[a-zA-Z0-9_-]*\.eyJ[a-zA-Z0-9_-]*\.[a-zA-Z0-9_-]*`), "[REDACTED]"},
}

// Redact masks credentials in s.
func Redact(s string) string {
	for _, r := range redactions {
		s = r.re.ReplaceAllString(s, r.repl)
	}
	return s
}

// ParseLevel maps a level name to a slog level, defaulting to info.
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// NewLogger builds a slog logger whose string attributes are redacted.
func NewLogger(cfg LogConfig) *slog.Logger {
	if cfg.Output == nil {
		cfg.Output = os.Stderr
	}
	opts := &slog.HandlerOptions{
		Level: ParseLevel(cfg.Level),
		ReplaceAttr: func(_ []string, a slog.Attr) slog.Attr {
			if a.Value.Kind() == slog.KindString {
				a.Value = slog.StringValue(Redact(a.Value.String()))
			}
			return a
		},
	}
	var handler slog.Handler
	if strings.EqualFold(cfg.Format, "json") {
		handler = slog.NewJSONHandler(cfg.Output, opts)
	} else {
		handler = slog.NewTextHandler(cfg.Output, opts)
	}
	return slog.New(handler)
}

// LogSink writes loop events to a slog logger.
type LogSink struct {
	logger *slog.Logger
}

var _ agentloop.EventSink = (*LogSink)(nil)

// NewLogSink returns a sink logging through logger, or slog.Default when nil.
func NewLogSink(logger *slog.Logger) *LogSink {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogSink{logger: logger}
}

func eventLevel(kind agentloop.EventKind) slog.Level {
	switch kind {
	case agentloop.EventError:
		return slog.LevelError
	case agentloop.EventWarning, agentloop.EventSafetyNet, agentloop.EventLoopDetection, agentloop.EventGracefulClose:
		return slog.LevelWarn
	case agentloop.EventRunStart, agentloop.EventRunEnd, agentloop.EventContextTrimmed, agentloop.EventCompressed:
		return slog.LevelInfo
	default:
		return slog.LevelDebug
	}
}

// Emit logs one event. Text deltas are skipped; they are rendered by the
// caller, not the log.
func (s *LogSink) Emit(kind agentloop.EventKind, fields map[string]any) {
	if kind == agentloop.EventLLMTextDelta {
		return
	}
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	attrs := make([]slog.Attr, 0, len(keys))
	for _, k := range keys {
		attrs = append(attrs, attr(k, fields[k]))
	}
	s.logger.LogAttrs(context.Background(), eventLevel(kind), string(kind), attrs...)
}

func attr(key string, v any) slog.Attr {
	switch val := v.(type) {
	case error:
		return slog.String(key, val.Error())
	case fmt.Stringer:
		return slog.String(key, val.String())
	default:
		return slog.Any(key, v)
	}
}
