// Package logging provides the structured logging helpers shared by every
// package.
//
// Design principles:
//   - Logging is dependency-injected, never global
//   - Each component owns its own scoped logger, created once with
//     logger.With("component", name)
//   - If no logger is provided, a discard logger is used
//
// Output format, level and destination are configured in main only.
//
// Logging is sparse: nothing is logged per key inside scan loops. Tree
// construction, seeks, dropped query nodes and cache spills are the log
// points.
package logging

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
)

// discardHandler is a handler that discards all log records.
type discardHandler struct{}

func (discardHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (discardHandler) Handle(context.Context, slog.Record) error { return nil }
func (d discardHandler) WithAttrs([]slog.Attr) slog.Handler      { return d }
func (d discardHandler) WithGroup(string) slog.Handler           { return d }

// Discard returns a logger that discards all output.
func Discard() *slog.Logger {
	return slog.New(discardHandler{})
}

// Default returns the provided logger if non-nil, otherwise a discard logger.
//
//	func NewComponent(logger *slog.Logger) *Component {
//	    logger = logging.Default(logger)
//	    return &Component{logger: logger.With("component", "name")}
//	}
func Default(logger *slog.Logger) *slog.Logger {
	if logger != nil {
		return logger
	}
	return Discard()
}

// ParseLevel maps debug, info, warn and error to slog levels.
func ParseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return 0, fmt.Errorf("unknown log level %q", s)
	}
}

// NewHandler builds a text or json handler writing to w. The handler itself
// passes every level; filtering happens in ComponentFilterHandler.
func NewHandler(w io.Writer, format string) (slog.Handler, error) {
	opts := &slog.HandlerOptions{Level: slog.LevelDebug}
	switch strings.ToLower(format) {
	case "", "text":
		return slog.NewTextHandler(w, opts), nil
	case "json":
		return slog.NewJSONHandler(w, opts), nil
	default:
		return nil, fmt.Errorf("unknown log format %q", format)
	}
}

// New builds a root logger writing format to w at level.
func New(w io.Writer, format string, level slog.Level) (*slog.Logger, *ComponentFilterHandler, error) {
	h, err := NewHandler(w, format)
	if err != nil {
		return nil, nil, err
	}
	filter := NewComponentFilterHandler(h, level)
	return slog.New(filter), filter, nil
}
