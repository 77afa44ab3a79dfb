package telemetry

import (
	"context"

	"go.uber.org/zap"
)

// ZapLogger adapts a *zap.SugaredLogger to the Logger interface. It is the
// production logging backend: structured, leveled, and safe for concurrent
// use across workers, event bus publishers, and transport handlers.
type ZapLogger struct {
	sugar *zap.SugaredLogger
}

// NewZapLogger wraps the given zap logger. Passing nil constructs a
// production zap logger with default settings.
func NewZapLogger(z *zap.Logger) *ZapLogger {
	if z == nil {
		z, _ = zap.NewProduction()
	}
	return &ZapLogger{sugar: z.Sugar()}
}

func (l *ZapLogger) Debug(_ context.Context, msg string, kv ...any) { l.sugar.Debugw(msg, kv...) }
func (l *ZapLogger) Info(_ context.Context, msg string, kv ...any)  { l.sugar.Infow(msg, kv...) }
func (l *ZapLogger) Warn(_ context.Context, msg string, kv ...any)  { l.sugar.Warnw(msg, kv...) }
func (l *ZapLogger) Error(_ context.Context, msg string, kv ...any) { l.sugar.Errorw(msg, kv...) }

// Sync flushes any buffered log entries. Callers should invoke this before
// process exit.
func (l *ZapLogger) Sync() error { return l.sugar.Sync() }
