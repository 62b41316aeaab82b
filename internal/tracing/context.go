package tracing

import (
	"context"

	"github.com/google/uuid"
)

// ContextKey is the type for context keys
type ContextKey string

const (
	// TraceIDKey is the context key for trace ID
	TraceIDKey ContextKey = "trace_id"
	// RequestIDKey is the context key for the per-message request ID
	RequestIDKey ContextKey = "request_id"
	// TenantIDKey is the context key for the owning tenant
	TenantIDKey ContextKey = "tenant_id"
	// UserIDKey is the context key for the acting user
	UserIDKey ContextKey = "user_id"
	// SessionIDKey is the context key for the conversation session
	SessionIDKey ContextKey = "session_id"
	// ConnectionIDKey is the context key for the websocket connection
	ConnectionIDKey ContextKey = "connection_id"
)

// TraceContext holds tracing information
type TraceContext struct {
	TraceID      string
	RequestID    string
	TenantID     string
	UserID       string
	SessionID    string
	ConnectionID string
}

// NewTraceID generates a new trace ID
func NewTraceID() string {
	return uuid.New().String()
}

// NewRequestID generates a new request ID
func NewRequestID() string {
	return uuid.New().String()
}

func withValue(ctx context.Context, key ContextKey, value string) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithValue(ctx, key, value)
}

func getValue(ctx context.Context, key ContextKey) string {
	if ctx == nil {
		return ""
	}
	if v, ok := ctx.Value(key).(string); ok {
		return v
	}
	return ""
}

// WithTraceID adds a trace ID to the context
func WithTraceID(ctx context.Context, traceID string) context.Context {
	return withValue(ctx, TraceIDKey, traceID)
}

// WithRequestID adds a request ID to the context
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return withValue(ctx, RequestIDKey, requestID)
}

// WithTenantID adds a tenant ID to the context
func WithTenantID(ctx context.Context, tenantID string) context.Context {
	return withValue(ctx, TenantIDKey, tenantID)
}

// WithUserID adds a user ID to the context
func WithUserID(ctx context.Context, userID string) context.Context {
	return withValue(ctx, UserIDKey, userID)
}

// WithSessionID adds a session ID to the context
func WithSessionID(ctx context.Context, sessionID string) context.Context {
	return withValue(ctx, SessionIDKey, sessionID)
}

// WithConnectionID adds a connection ID to the context
func WithConnectionID(ctx context.Context, connID string) context.Context {
	return withValue(ctx, ConnectionIDKey, connID)
}

// GetTraceID retrieves the trace ID from the context
func GetTraceID(ctx context.Context) string { return getValue(ctx, TraceIDKey) }

// GetRequestID retrieves the request ID from the context
func GetRequestID(ctx context.Context) string { return getValue(ctx, RequestIDKey) }

// GetTenantID retrieves the tenant ID from the context
func GetTenantID(ctx context.Context) string { return getValue(ctx, TenantIDKey) }

// GetUserID retrieves the user ID from the context
func GetUserID(ctx context.Context) string { return getValue(ctx, UserIDKey) }

// GetSessionID retrieves the session ID from the context
func GetSessionID(ctx context.Context) string { return getValue(ctx, SessionIDKey) }

// GetConnectionID retrieves the connection ID from the context
func GetConnectionID(ctx context.Context) string { return getValue(ctx, ConnectionIDKey) }

// FromContext extracts all tracing information from the context
func FromContext(ctx context.Context) *TraceContext {
	return &TraceContext{
		TraceID:      GetTraceID(ctx),
		RequestID:    GetRequestID(ctx),
		TenantID:     GetTenantID(ctx),
		UserID:       GetUserID(ctx),
		SessionID:    GetSessionID(ctx),
		ConnectionID: GetConnectionID(ctx),
	}
}

// NewContext creates a new context with tracing information
func NewContext(ctx context.Context, tc *TraceContext) context.Context {
	if tc.TraceID != "" {
		ctx = WithTraceID(ctx, tc.TraceID)
	}
	if tc.RequestID != "" {
		ctx = WithRequestID(ctx, tc.RequestID)
	}
	if tc.TenantID != "" {
		ctx = WithTenantID(ctx, tc.TenantID)
	}
	if tc.UserID != "" {
		ctx = WithUserID(ctx, tc.UserID)
	}
	if tc.SessionID != "" {
		ctx = WithSessionID(ctx, tc.SessionID)
	}
	if tc.ConnectionID != "" {
		ctx = WithConnectionID(ctx, tc.ConnectionID)
	}
	return ctx
}

// NewRequestContext creates a new context for a request with a fresh trace ID
func NewRequestContext(ctx context.Context) context.Context {
	return WithTraceID(ctx, NewTraceID())
}
