// Package kit carries request-scoped correlation values through
// context.Context so log lines and events emitted deep in the healing path
// can be tied back to a session and an attempt.
package kit

import (
	"context"
	"log/slog"
)

type contextKey string

const (
	SessionIDKey  contextKey = "kit_session_id"
	AttemptIDKey  contextKey = "kit_attempt_id"
	RemoteNameKey contextKey = "kit_remote_name"
)

func WithSessionID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, SessionIDKey, id)
}
func GetSessionID(ctx context.Context) string {
	v, _ := ctx.Value(SessionIDKey).(string)
	return v
}

func WithAttemptID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, AttemptIDKey, id)
}
func GetAttemptID(ctx context.Context) string {
	v, _ := ctx.Value(AttemptIDKey).(string)
	return v
}

// WithRemoteName tags the context with a multi-remote handle name.
func WithRemoteName(ctx context.Context, name string) context.Context {
	return context.WithValue(ctx, RemoteNameKey, name)
}
func GetRemoteName(ctx context.Context) string {
	v, _ := ctx.Value(RemoteNameKey).(string)
	return v
}

// LogAttrs returns the correlation values present in ctx as slog attributes.
// Absent values are omitted.
func LogAttrs(ctx context.Context) []any {
	var attrs []any
	if v := GetSessionID(ctx); v != "" {
		attrs = append(attrs, "session", v)
	}
	if v := GetAttemptID(ctx); v != "" {
		attrs = append(attrs, "attempt", v)
	}
	if v := GetRemoteName(ctx); v != "" {
		attrs = append(attrs, "remote", v)
	}
	return attrs
}

// Logger returns logger enriched with the correlation values in ctx.
func Logger(ctx context.Context, logger *slog.Logger) *slog.Logger {
	if attrs := LogAttrs(ctx); len(attrs) > 0 {
		return logger.With(attrs...)
	}
	return logger
}
