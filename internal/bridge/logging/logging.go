// Package logging configures the bridge's single log/slog logger and wires
// request trace IDs into every line it emits.
package logging

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/kestrel-run/acpbridge/common/trace"
)

// Format selects the slog handler backing the logger.
type Format string

const (
	FormatText Format = "text"
	FormatJSON Format = "json"
)

// Setup installs and returns the process-wide slog.Logger for the given
// level ("debug", "info", "warn", "error") and format.
func Setup(level, format string) (*slog.Logger, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		return nil, fmt.Errorf("logging: invalid level %q: %w", level, err)
	}

	opts := &slog.HandlerOptions{Level: lvl}
	var handler slog.Handler
	switch Format(format) {
	case FormatJSON, "":
		handler = slog.NewJSONHandler(os.Stderr, opts)
	case FormatText:
		handler = slog.NewTextHandler(os.Stderr, opts)
	default:
		return nil, fmt.Errorf("logging: unknown format %q", format)
	}

	logger := slog.New(Wrap(handler))
	slog.SetDefault(logger)
	return logger, nil
}

// Wrap returns a handler that injects the request trace ID from ctx (if
// any) as a "trace" attribute on every record before delegating to h.
func Wrap(h slog.Handler) slog.Handler {
	return &traceHandler{Handler: h}
}

// traceHandler injects the request trace ID from ctx (if any) as a "trace"
// attribute on every record.
type traceHandler struct {
	slog.Handler
}

func (h *traceHandler) Handle(ctx context.Context, r slog.Record) error {
	if id := trace.FromContext(ctx); id != "" {
		r.AddAttrs(slog.String("trace", id))
	}
	return h.Handler.Handle(ctx, r)
}

func (h *traceHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &traceHandler{Handler: h.Handler.WithAttrs(attrs)}
}

func (h *traceHandler) WithGroup(name string) slog.Handler {
	return &traceHandler{Handler: h.Handler.WithGroup(name)}
}

// WithTrace returns a context carrying a fresh trace ID for correlating a
// single connection's log lines.
func WithTrace(ctx context.Context) context.Context {
	return trace.WithTraceID(ctx, trace.GenerateID())
}
