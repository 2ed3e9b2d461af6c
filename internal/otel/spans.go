package otel

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Standard attribute keys for evomem spans.
var (
	AttrExperimentID = attribute.Key("evomem.experiment.id")
	AttrSandboxID    = attribute.Key("evomem.sandbox.id")
	AttrUserID       = attribute.Key("evomem.user.id")
	AttrMemoryID     = attribute.Key("evomem.memory.id")
	AttrMemoryKind   = attribute.Key("evomem.memory.kind")
	AttrOutcome      = attribute.Key("evomem.experiment.outcome")
	AttrKind         = attribute.Key("evomem.experiment.kind")
	AttrRiskLevel    = attribute.Key("evomem.experiment.risk")
	AttrDecision     = attribute.Key("evomem.graduation.decision")
)

// StartSpan is a convenience wrapper that starts an internal span with common attributes.
func StartSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
}

// StartServerSpan starts a span for an inbound request (Gateway).
func StartServerSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindServer),
	)
}

// StartClientSpan starts a span for an outbound call (shared-memory promoter).
func StartClientSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindClient),
	)
}
