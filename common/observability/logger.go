// Package observability configures structured logging for chatsync.
//
// It wraps log/slog: JSON lines for machines, tint-colored text for a
// terminal, and trace id propagation so every line emitted during a poll
// cycle or a send carries its correlation id.
package observability

import (
	"context"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/lmittmann/tint"

	"github.com/bdobrica/chatsync/common/trace"
)

// ParseLevel maps "debug", "warn" and "error" to their slog levels; anything
// else is info.
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

// NewLogger builds a logger writing to w. format "json" selects the JSON
// handler, everything else the tint console handler.
func NewLogger(w io.Writer, level, format string) *slog.Logger {
	lvl := ParseLevel(level)
	if format == "json" {
		return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: lvl}))
	}
	return slog.New(tint.NewHandler(w, &tint.Options{
		Level:      lvl,
		TimeFormat: time.Kitchen,
	}))
}

// Setup installs NewLogger(w, level, format) as the slog default and returns it.
func Setup(w io.Writer, level, format string) *slog.Logger {
	l := NewLogger(w, level, format)
	slog.SetDefault(l)
	return l
}

// WithTrace returns base (or slog.Default when nil) annotated with the
// trace_id from ctx, if any.
func WithTrace(ctx context.Context, base *slog.Logger) *slog.Logger {
	if base == nil {
		base = slog.Default()
	}
	if id := trace.FromContext(ctx); id != "" {
		return base.With("trace_id", id)
	}
	return base
}
