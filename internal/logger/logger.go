// Package logger provides structured logging setup for agentpilot.
package logger

import (
	"context"
	"log/slog"
	"os"
	"strings"

	"github.com/pilotcrew/agentpilot/internal/config"
)

// New creates a *slog.Logger from the given Logging config. Output is JSON
// to stdout with a "service" attribute on every record; records logged with
// a context carrying a request ID pick it up automatically.
func New(cfg config.Logging) *slog.Logger {
	handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: parseLevel(cfg.Level),
	})
	return slog.New(ctxHandler{handler}).With("service", cfg.Service)
}

// ctxHandler decorates records with the request ID stored in the context,
// so call sites deep in the chain need not thread it explicitly.
type ctxHandler struct {
	slog.Handler
}

func (h ctxHandler) Handle(ctx context.Context, rec slog.Record) error {
	if id := RequestID(ctx); id != "" {
		rec.AddAttrs(slog.String("request_id", id))
	}
	if id := TaskID(ctx); id != "" {
		rec.AddAttrs(slog.String("task_id", id))
	}
	return h.Handler.Handle(ctx, rec)
}

func (h ctxHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return ctxHandler{h.Handler.WithAttrs(attrs)}
}

func (h ctxHandler) WithGroup(name string) slog.Handler {
	return ctxHandler{h.Handler.WithGroup(name)}
}

// parseLevel converts a string log level to slog.Level.
func parseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
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
