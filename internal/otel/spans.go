package otel

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	nooptrace "go.opentelemetry.io/otel/trace/noop"
)

// Attribute keys for kaihost spans and metrics.
var (
	AttrRequestID   = attribute.Key("kaihost.generation.request_id")
	AttrState       = attribute.Key("kaihost.generation.state")
	AttrRepairs     = attribute.Key("kaihost.generation.repairs")
	AttrOutcome     = attribute.Key("kaihost.outcome")
	AttrProvider    = attribute.Key("kaihost.llm.provider")
	AttrModel       = attribute.Key("kaihost.llm.model")
	AttrExtensionID = attribute.Key("kaihost.extension.id")
	AttrFaultReason = attribute.Key("kaihost.extension.fault")
	AttrPackage     = attribute.Key("kaihost.dependency.package")

	AttrConfigFingerprint = attribute.Key("kaihost.config.fingerprint")
)

// TracerOrNoop returns t, or a no-op tracer when t is nil.
func TracerOrNoop(t trace.Tracer) trace.Tracer {
	if t == nil {
		return nooptrace.NewTracerProvider().Tracer(TracerName)
	}
	return t
}

// StartSpan is a convenience wrapper that starts an internal span with common attributes.
func StartSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return TracerOrNoop(tracer).Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
}

// StartClientSpan starts a span for an outbound call (model provider, dependency index, marketplace).
func StartClientSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return TracerOrNoop(tracer).Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindClient),
	)
}
