package internal

import (
	"context"

	"github.com/charmbracelet/log"
)

type logKey struct{}

// Log returns the logger attached to the context, or the default logger.
func Log(ctx context.Context) *log.Logger {
	if l, ok := ctx.Value(logKey{}).(*log.Logger); ok {
		return l
	}
	return log.Default()
}

// WithLogger attaches a logger to the context for downstream calls.
func WithLogger(ctx context.Context, l *log.Logger) context.Context {
	return context.WithValue(ctx, logKey{}, l)
}
