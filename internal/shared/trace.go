package shared

import (
	"context"

	"github.com/google/uuid"
)

type traceKey struct{}
type requestIDKey struct{}
type extensionIDKey struct{}

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

func NewTraceID() string {
	return uuid.NewString()
}

// WithRequestID attaches a generation request id to the context.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey{}, id)
}

// RequestID returns the generation request id, or "".
func RequestID(ctx context.Context) string {
	if v, ok := ctx.Value(requestIDKey{}).(string); ok {
		return v
	}
	return ""
}

func NewRequestID() string {
	return uuid.NewString()
}

// WithExtensionID tags the context with the extension being worked on.
func WithExtensionID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, extensionIDKey{}, id)
}

func ExtensionID(ctx context.Context) string {
	if v, ok := ctx.Value(extensionIDKey{}).(string); ok {
		return v
	}
	return ""
}
