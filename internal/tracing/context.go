package tracing

import (
	"context"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// ContextKey is the type for context keys
type ContextKey string

const (
	// TraceIDKey is the context key for trace ID
	TraceIDKey ContextKey = "trace_id"
	// PluginKey is the context key for the plugin an operation acts for
	PluginKey ContextKey = "plugin"
	// OperationIDKey is the context key for a lifecycle operation ID
	OperationIDKey ContextKey = "operation_id"
)

// TraceContext holds tracing information
type TraceContext struct {
	TraceID     string
	Plugin      string
	OperationID string
}

// NewTraceID generates a new trace ID
func NewTraceID() string {
	return uuid.New().String()
}

// WithTraceID adds a trace ID to the context
func WithTraceID(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, TraceIDKey, traceID)
}

// WithPlugin tags the context with a plugin name
func WithPlugin(ctx context.Context, plugin string) context.Context {
	return context.WithValue(ctx, PluginKey, plugin)
}

// WithOperationID adds an operation ID to the context
func WithOperationID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, OperationIDKey, id)
}

// GetTraceID retrieves the trace ID from the context
func GetTraceID(ctx context.Context) string {
	if traceID, ok := ctx.Value(TraceIDKey).(string); ok {
		return traceID
	}
	return ""
}

// GetPlugin retrieves the plugin name from the context
func GetPlugin(ctx context.Context) string {
	if plugin, ok := ctx.Value(PluginKey).(string); ok {
		return plugin
	}
	return ""
}

// GetOperationID retrieves the operation ID from the context
func GetOperationID(ctx context.Context) string {
	if id, ok := ctx.Value(OperationIDKey).(string); ok {
		return id
	}
	return ""
}

// FromContext extracts all tracing information from the context
func FromContext(ctx context.Context) *TraceContext {
	return &TraceContext{
		TraceID:     GetTraceID(ctx),
		Plugin:      GetPlugin(ctx),
		OperationID: GetOperationID(ctx),
	}
}

// NewOperationContext starts a lifecycle operation for plugin. The trace ID is
// kept when the caller already has one.
func NewOperationContext(ctx context.Context, plugin string) context.Context {
	if GetTraceID(ctx) == "" {
		ctx = WithTraceID(ctx, NewTraceID())
	}
	ctx = WithOperationID(ctx, uuid.New().String())
	return WithPlugin(ctx, plugin)
}

// LoggerFromContext adds tracing fields from ctx to logger.
func LoggerFromContext(ctx context.Context, logger zerolog.Logger) zerolog.Logger {
	tc := FromContext(ctx)

	lc := logger.With()
	if tc.TraceID != "" {
		lc = lc.Str("trace_id", tc.TraceID)
	}
	if tc.Plugin != "" {
		lc = lc.Str("plugin", tc.Plugin)
	}
	if tc.OperationID != "" {
		lc = lc.Str("operation_id", tc.OperationID)
	}
	return lc.Logger()
}
