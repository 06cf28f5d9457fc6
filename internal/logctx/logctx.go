// Package logctx carries the request-scoped logger through contexts and
// enriches records with the active trace.
package logctx

import (
	"context"
	"log/slog"
)

type loggerKey struct{}

// WithLogger stores logger in ctx for the code downstream of this call.
func WithLogger(ctx context.Context, logger *slog.Logger) context.Context {
	return context.WithValue(ctx, loggerKey{}, logger)
}

// LoggerFromContext returns the logger stored in ctx. Contexts that never
// went through WithLogger fall back to slog.Default, so callers can log
// unconditionally.
func LoggerFromContext(ctx context.Context) *slog.Logger {
	if logger, ok := ctx.Value(loggerKey{}).(*slog.Logger); ok && logger != nil {
		return logger
	}

	return slog.Default()
}
