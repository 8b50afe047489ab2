package messaging

import (
	"context"
	"log/slog"
)

// contextKey is a type for context keys to avoid collisions
type contextKey string

const (
	correlationIDContextKey contextKey = "mmate:correlation:id"
	scopeAttrsContextKey    contextKey = "mmate:correlation:scope"
)

// ContextWithCorrelationID returns a copy of ctx carrying correlationID
func ContextWithCorrelationID(ctx context.Context, correlationID string) context.Context {
	return context.WithValue(ctx, correlationIDContextKey, correlationID)
}

// CorrelationIDFromContext returns the correlation id of the innermost open
// scope. Handlers use it to forward the id on follow-up messages.
func CorrelationIDFromContext(ctx context.Context) (string, bool) {
	if ctx == nil {
		return "", false
	}
	id, ok := ctx.Value(correlationIDContextKey).(string)
	return id, ok
}

// ScopeAttrs returns the log attributes of every scope open on ctx, outermost
// first. The returned slice must not be modified.
func ScopeAttrs(ctx context.Context) []slog.Attr {
	if ctx == nil {
		return nil
	}
	attrs, _ := ctx.Value(scopeAttrsContextKey).([]slog.Attr)
	return attrs
}

func withScopeAttr(ctx context.Context, attr slog.Attr) context.Context {
	parent := ScopeAttrs(ctx)

	// Never append in place: sibling scopes may share the parent's array.
	attrs := make([]slog.Attr, len(parent), len(parent)+1)
	copy(attrs, parent)
	attrs = append(attrs, attr)

	return context.WithValue(ctx, scopeAttrsContextKey, attrs)
}
