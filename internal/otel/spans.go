package otel

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Standard attribute keys for ClassMesh spans.
var (
	AttrAgentID    = attribute.Key("classmesh.agent.id")
	AttrEnvelopeID = attribute.Key("classmesh.envelope.id")
	AttrFromAgent  = attribute.Key("classmesh.route.from")
	AttrToAgent    = attribute.Key("classmesh.route.to")
	AttrPriority   = attribute.Key("classmesh.route.priority")
	AttrDecision   = attribute.Key("classmesh.review.decision")
	AttrDepartment = attribute.Key("classmesh.department")
	AttrStudentID  = attribute.Key("classmesh.student.id")
	AttrEmergency  = attribute.Key("classmesh.emergency.kind")
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
