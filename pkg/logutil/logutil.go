// Package logutil provides the shared slog setup for quty processes,
// including the TRACE level used by wire-level diagnostics and the
// bracket handler used when logs are read by humans rather than shipped.
package logutil

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"
)

// LevelTrace sits below slog.LevelDebug and carries per-frame wire
// diagnostics. It is filtered out unless explicitly requested.
const LevelTrace = slog.Level(-8)

// levelNames maps custom levels to their display names
var levelNames = map[slog.Leveler]string{
	LevelTrace: "TRACE",
}

// ParseLevel converts a level string to a slog.Level.
// Unknown strings default to info.
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "trace":
		return LevelTrace
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// replaceLevel renames the custom trace level in handler output
func replaceLevel(_ []string, a slog.Attr) slog.Attr {
	if a.Key == slog.LevelKey {
		level, ok := a.Value.Any().(slog.Level)
		if ok {
			if name, found := levelNames[level]; found {
				a.Value = slog.StringValue(name)
			}
		}
	}
	return a
}

// Setup builds the process logger. Format is one of "json", "text" or
// "bracket"; anything else falls back to json.
func Setup(service, version, level, format string) *slog.Logger {
	logLevel := ParseLevel(level)

	opts := &slog.HandlerOptions{
		Level:       logLevel,
		AddSource:   logLevel <= slog.LevelDebug,
		ReplaceAttr: replaceLevel,
	}

	var handler slog.Handler
	switch strings.ToLower(format) {
	case "text":
		handler = slog.NewTextHandler(os.Stdout, opts)
	case "bracket":
		handler = NewBracketHandler(os.Stdout, service, logLevel)
	case "json":
		handler = slog.NewJSONHandler(os.Stdout, opts)
	default:
		handler = slog.NewJSONHandler(os.Stdout, opts)
	}

	return slog.New(handler).With(
		"service", service,
		"version", version,
		"pid", os.Getpid(),
	)
}

// Trace logs at LevelTrace on the given logger.
func Trace(logger *slog.Logger, msg string, args ...any) {
	logger.Log(context.Background(), LevelTrace, msg, args...)
}

// BracketHandler renders records as
//
//	[<tag>] [<iso-timestamp>] [<LEVEL>] <message>
//
// with any non-scalar attribute values dumped on a following line. It is
// meant for interactive runs; structured shipping should use the JSON
// handler instead.
type BracketHandler struct {
	mu    *sync.Mutex
	out   io.Writer
	tag   string
	level slog.Level
	attrs []slog.Attr
}

// NewBracketHandler creates a BracketHandler writing to out with the
// given tag and minimum level.
func NewBracketHandler(out io.Writer, tag string, level slog.Level) *BracketHandler {
	return &BracketHandler{
		mu:    &sync.Mutex{},
		out:   out,
		tag:   tag,
		level: level,
	}
}

// Enabled reports whether the handler emits records at the given level.
func (h *BracketHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level
}

// WithAttrs returns a handler carrying the additional attributes.
func (h *BracketHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	clone := *h
	clone.attrs = append(append([]slog.Attr{}, h.attrs...), attrs...)
	return &clone
}

// WithGroup is accepted but groups are flattened; the bracket format has
// no nesting.
func (h *BracketHandler) WithGroup(_ string) slog.Handler {
	return h
}

// Handle writes one record in the bracket format.
func (h *BracketHandler) Handle(_ context.Context, r slog.Record) error {
	levelName := r.Level.String()
	if name, ok := levelNames[r.Level]; ok {
		levelName = name
	}

	var b strings.Builder
	fmt.Fprintf(&b, "[%s] [%s] [%s] %s", h.tag, r.Time.UTC().Format(time.RFC3339Nano), levelName, r.Message)

	var dumps []slog.Attr
	scalar := func(a slog.Attr) bool {
		switch a.Value.Kind() {
		case slog.KindString, slog.KindInt64, slog.KindUint64, slog.KindFloat64,
			slog.KindBool, slog.KindDuration, slog.KindTime:
			return true
		default:
			return false
		}
	}
	emit := func(a slog.Attr) {
		if scalar(a) {
			fmt.Fprintf(&b, " %s=%v", a.Key, a.Value)
			return
		}
		dumps = append(dumps, a)
	}
	for _, a := range h.attrs {
		emit(a)
	}
	r.Attrs(func(a slog.Attr) bool {
		emit(a)
		return true
	})
	b.WriteByte('\n')

	// Non-scalar values get their own line so the first line stays greppable.
	for _, a := range dumps {
		fmt.Fprintf(&b, "[%s]   %s: %+v\n", h.tag, a.Key, a.Value.Any())
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	_, err := io.WriteString(h.out, b.String())
	return err
}
