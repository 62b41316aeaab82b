package tracing

import (
	"context"

	"github.com/rs/zerolog"
)

// LoggerFromContext adds the tracing fields carried by ctx to a zerolog logger.
func LoggerFromContext(ctx context.Context, logger zerolog.Logger) zerolog.Logger {
	tc := FromContext(ctx)

	fields := logger.With()
	if tc.TraceID != "" {
		fields = fields.Str("trace_id", tc.TraceID)
	}
	if tc.RequestID != "" {
		fields = fields.Str("request_id", tc.RequestID)
	}
	if tc.TenantID != "" {
		fields = fields.Str("tenant_id", tc.TenantID)
	}
	if tc.UserID != "" {
		fields = fields.Str("user_id", tc.UserID)
	}
	if tc.SessionID != "" {
		fields = fields.Str("session_id", tc.SessionID)
	}
	if tc.ConnectionID != "" {
		fields = fields.Str("connection_id", tc.ConnectionID)
	}

	return fields.Logger()
}

// Detach returns a background context that carries the tracing values of ctx
// but not its cancellation. Used for work that must outlive the request,
// such as execution log emission.
func Detach(ctx context.Context) context.Context {
	return NewContext(context.Background(), FromContext(ctx))
}

// MergeContext copies tracing values from source into target where target has none.
func MergeContext(target, source context.Context) context.Context {
	tc := FromContext(source)

	if tc.TraceID != "" && GetTraceID(target) == "" {
		target = WithTraceID(target, tc.TraceID)
	}
	if tc.RequestID != "" && GetRequestID(target) == "" {
		target = WithRequestID(target, tc.RequestID)
	}
	if tc.TenantID != "" && GetTenantID(target) == "" {
		target = WithTenantID(target, tc.TenantID)
	}
	if tc.UserID != "" && GetUserID(target) == "" {
		target = WithUserID(target, tc.UserID)
	}
	if tc.SessionID != "" && GetSessionID(target) == "" {
		target = WithSessionID(target, tc.SessionID)
	}
	if tc.ConnectionID != "" && GetConnectionID(target) == "" {
		target = WithConnectionID(target, tc.ConnectionID)
	}

	return target
}
