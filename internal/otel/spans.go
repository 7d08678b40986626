package otel

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Standard attribute keys for dispatch spans.
var (
	AttrEventType = attribute.Key("plugbot.event.type")
	AttrUserID    = attribute.Key("plugbot.user.id")
	AttrGroupID   = attribute.Key("plugbot.group.id")
	AttrPlugin    = attribute.Key("plugbot.plugin")
	AttrHandler   = attribute.Key("plugbot.handler")
	AttrPattern   = attribute.Key("plugbot.pattern")
	AttrTaskID    = attribute.Key("plugbot.task.id")
	AttrOutcome   = attribute.Key("plugbot.outcome")
	AttrGate      = attribute.Key("plugbot.gate")
	AttrFile      = attribute.Key("plugbot.plugin.file")
	AttrReplies   = attribute.Key("plugbot.replies")
)

// StartSpan is a convenience wrapper that starts an internal span with common attributes.
func StartSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
}

// StartServerSpan starts a span for an inbound platform event.
func StartServerSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindServer),
	)
}
