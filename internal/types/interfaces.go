package types

import (
	"context"
	"log/slog"
	"time"
)

// Clock abstracts time for testability.
type Clock interface {
	Now() time.Time
}

// RealClock implements Clock using the real system time (always UTC).
type RealClock struct{}

// Now returns the current time in UTC.
func (RealClock) Now() time.Time { return time.Now().UTC() }

// Logger defines the structured logging interface used throughout the service.
type Logger interface {
	Info(msg string, args ...any)
	Error(msg string, args ...any)
	Warn(msg string, args ...any)
	With(args ...any) Logger
}

// slogAdapter adapts *slog.Logger to the Logger interface.
type slogAdapter struct {
	l *slog.Logger
}

// NewSlogLogger wraps l so it satisfies Logger.
func NewSlogLogger(l *slog.Logger) Logger {
	return &slogAdapter{l: l}
}

func (a *slogAdapter) Info(msg string, args ...any)  { a.l.Info(msg, args...) }
func (a *slogAdapter) Error(msg string, args ...any) { a.l.Error(msg, args...) }
func (a *slogAdapter) Warn(msg string, args ...any)  { a.l.Warn(msg, args...) }
func (a *slogAdapter) With(args ...any) Logger {
	return &slogAdapter{l: a.l.With(args...)}
}

// NopLogger discards everything. Used in tests.
type NopLogger struct{}

func (NopLogger) Info(string, ...any)  {}
func (NopLogger) Error(string, ...any) {}
func (NopLogger) Warn(string, ...any)  {}
func (n NopLogger) With(...any) Logger { return n }

// HealthChecker is implemented by infrastructure clients that can report
// liveness to the /health endpoint.
type HealthChecker interface {
	Ping(ctx context.Context) error
}
