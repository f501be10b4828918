// Package logging configures the process logger and offers small helpers
// for component loggers.
package logging

import (
	"fmt"
	"io"
	"log/slog"
	"strings"
)

// DefaultIfNil returns logger, or slog.Default() when it is nil.
func DefaultIfNil(logger *slog.Logger) *slog.Logger {
	if logger == nil {
		return slog.Default()
	}
	return logger
}

// Child returns a logger tagged with a component name.
func Child(logger *slog.Logger, component string) *slog.Logger {
	return DefaultIfNil(logger).With("component", component)
}

// ParseLevel maps a config level name to a slog level.
func ParseLevel(level string) (slog.Level, error) {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug, nil
	case "info", "":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("unknown log level %q", level)
	}
}

// New builds a handler writing to w in the given format ("text" or
// "json") and wraps it so recent records are kept in buf.
func New(w io.Writer, level, format string, buf *Buffer) (*slog.Logger, error) {
	lvl, err := ParseLevel(level)
	if err != nil {
		return nil, err
	}
	opts := &slog.HandlerOptions{Level: lvl}

	var h slog.Handler
	switch strings.ToLower(format) {
	case "json":
		h = slog.NewJSONHandler(w, opts)
	case "text", "":
		h = slog.NewTextHandler(w, opts)
	default:
		return nil, fmt.Errorf("unknown log format %q", format)
	}

	if buf != nil {
		h = NewBufferedHandler(buf, h)
	}
	return slog.New(h), nil
}
