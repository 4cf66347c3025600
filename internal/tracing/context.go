package tracing

import (
	"context"

	"github.com/rs/zerolog"
)

// ContextKey is the type for context keys
type ContextKey string

const (
	// SessionIDKey is the context key for the browser session ID
	SessionIDKey ContextKey = "session_id"
	// CommandIDKey is the context key for the command ID
	CommandIDKey ContextKey = "command_id"
	// OwnerKey is the context key for the owner token
	OwnerKey ContextKey = "owner"
)

// WithSessionID adds a session ID to the context
func WithSessionID(ctx context.Context, sessionID string) context.Context {
	return context.WithValue(ctx, SessionIDKey, sessionID)
}

// GetSessionID retrieves the session ID from the context
func GetSessionID(ctx context.Context) string {
	if v, ok := ctx.Value(SessionIDKey).(string); ok {
		return v
	}
	return ""
}

// WithCommandID adds a command ID to the context
func WithCommandID(ctx context.Context, commandID string) context.Context {
	return context.WithValue(ctx, CommandIDKey, commandID)
}

// GetCommandID retrieves the command ID from the context
func GetCommandID(ctx context.Context) string {
	if v, ok := ctx.Value(CommandIDKey).(string); ok {
		return v
	}
	return ""
}

// WithOwner adds an owner token to the context
func WithOwner(ctx context.Context, owner string) context.Context {
	return context.WithValue(ctx, OwnerKey, owner)
}

// GetOwner retrieves the owner token from the context
func GetOwner(ctx context.Context) string {
	if v, ok := ctx.Value(OwnerKey).(string); ok {
		return v
	}
	return ""
}

// LoggerFromContext returns a child logger annotated with any IDs on the context
func LoggerFromContext(ctx context.Context, base zerolog.Logger) zerolog.Logger {
	lc := base.With()
	if id := GetSessionID(ctx); id != "" {
		lc = lc.Str("session_id", id)
	}
	if id := GetCommandID(ctx); id != "" {
		lc = lc.Str("command_id", id)
	}
	if owner := GetOwner(ctx); owner != "" {
		lc = lc.Str("owner", owner)
	}
	return lc.Logger()
}
