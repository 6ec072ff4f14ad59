package shared

import (
	"context"

	"github.com/google/uuid"
)

type traceKey struct{}
type projectIDKey struct{}
type identityIDKey struct{}
type connIDKey struct{}

// WithTraceID attaches a trace_id to the context.
func WithTraceID(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, traceKey{}, traceID)
}

// TraceID extracts trace_id from context. Returns "-" if absent.
func TraceID(ctx context.Context) string {
	if v, ok := ctx.Value(traceKey{}).(string); ok && v != "" {
		return v
	}
	return "-"
}

// NewTraceID generates a new trace_id.
func NewTraceID() string {
	return uuid.NewString()
}

// WithProjectID attaches the project a connection is bound to.
func WithProjectID(ctx context.Context, projectID string) context.Context {
	return context.WithValue(ctx, projectIDKey{}, projectID)
}

// ProjectID extracts project_id from context. Returns "" if absent.
func ProjectID(ctx context.Context) string {
	if v, ok := ctx.Value(projectIDKey{}).(string); ok {
		return v
	}
	return ""
}

// WithIdentityID attaches the authenticated SSH identity.
func WithIdentityID(ctx context.Context, identityID string) context.Context {
	return context.WithValue(ctx, identityIDKey{}, identityID)
}

// IdentityID extracts identity_id from context. Returns "" if absent.
func IdentityID(ctx context.Context) string {
	if v, ok := ctx.Value(identityIDKey{}).(string); ok {
		return v
	}
	return ""
}

// WithConnID attaches the id of one physical connection.
func WithConnID(ctx context.Context, connID string) context.Context {
	return context.WithValue(ctx, connIDKey{}, connID)
}

// ConnID extracts conn_id from context. Returns "" if absent.
func ConnID(ctx context.Context) string {
	if v, ok := ctx.Value(connIDKey{}).(string); ok {
		return v
	}
	return ""
}

// NewConnID generates an id for a physical connection.
func NewConnID() string {
	return uuid.NewString()
}

// LogAttrs returns the context ids as slog key/value pairs.
func LogAttrs(ctx context.Context) []any {
	attrs := []any{"trace_id", TraceID(ctx)}
	if id := ProjectID(ctx); id != "" {
		attrs = append(attrs, "project_id", id)
	}
	if id := IdentityID(ctx); id != "" {
		attrs = append(attrs, "identity_id", id)
	}
	if id := ConnID(ctx); id != "" {
		attrs = append(attrs, "conn_id", id)
	}
	return attrs
}
