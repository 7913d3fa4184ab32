package obslog

import (
	"context"
	"log/slog"
)

// SlogLogger adapts a *slog.Logger to the Logger interface.
type SlogLogger struct {
	inner *slog.Logger
}

// NewSlog wraps base (or the default slog logger, if nil) as a Logger.
func NewSlog(base *slog.Logger) *SlogLogger {
	if base == nil {
		base = slog.Default()
	}
	return &SlogLogger{inner: base}
}

func (l *SlogLogger) Debug(msg string, args ...any) { l.inner.Debug(msg, args...) }
func (l *SlogLogger) Info(msg string, args ...any)  { l.inner.Info(msg, args...) }
func (l *SlogLogger) Warn(msg string, args ...any)  { l.inner.Warn(msg, args...) }
func (l *SlogLogger) Error(msg string, args ...any) { l.inner.Error(msg, args...) }

func (l *SlogLogger) WithContext(ctx context.Context) Logger {
	return &ctxLogger{Logger: l, ctx: ctx}
}

func (l *SlogLogger) WithField(key string, value any) Logger {
	return &SlogLogger{inner: l.inner.With(key, value)}
}

// ctxLogger carries a context through to slog's context-aware handlers
// without every call site needing to thread ctx explicitly.
type ctxLogger struct {
	Logger
	ctx context.Context
}

func (l *ctxLogger) Debug(msg string, args ...any) {
	if sl, ok := l.Logger.(*SlogLogger); ok {
		sl.inner.DebugContext(l.ctx, msg, args...)
		return
	}
	l.Logger.Debug(msg, args...)
}

func (l *ctxLogger) Info(msg string, args ...any) {
	if sl, ok := l.Logger.(*SlogLogger); ok {
		sl.inner.InfoContext(l.ctx, msg, args...)
		return
	}
	l.Logger.Info(msg, args...)
}

func (l *ctxLogger) Warn(msg string, args ...any) {
	if sl, ok := l.Logger.(*SlogLogger); ok {
		sl.inner.WarnContext(l.ctx, msg, args...)
		return
	}
	l.Logger.Warn(msg, args...)
}

func (l *ctxLogger) Error(msg string, args ...any) {
	if sl, ok := l.Logger.(*SlogLogger); ok {
		sl.inner.ErrorContext(l.ctx, msg, args...)
		return
	}
	l.Logger.Error(msg, args...)
}
