package otel

import (
	"context"
	"testing"

	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func newTestProvider(t *testing.T, cfg Config) (*Provider, *tracetest.InMemoryExporter) {
	t.Helper()
	exp := tracetest.NewInMemoryExporter()
	p, err := newProvider(context.Background(), cfg, "test", exp)
	if err != nil {
		t.Fatalf("newProvider: %v", err)
	}
	return p, exp
}

func TestInit_Disabled(t *testing.T) {
	p, err := Init(context.Background(), Config{Enabled: false}, "test")
	if err != nil {
		t.Fatalf("Init disabled: %v", err)
	}
	if p.Tracer == nil || p.Meter == nil {
		t.Fatal("expected noop tracer and meter")
	}
	if p.TracerProvider != nil {
		t.Fatal("expected no sdk tracer provider when disabled")
	}
	if err := p.Shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
}

func TestInit_UnknownExporter(t *testing.T) {
	_, err := Init(context.Background(), Config{Enabled: true, Exporter: "magic-pixie-dust"}, "test")
	if err == nil {
		t.Fatal("expected error for unknown exporter")
	}
}

func TestSpanHelpers_ExportOnFlush(t *testing.T) {
	p, exp := newTestProvider(t, Config{Enabled: true, ServiceName: "plugbot-staging"})

	ctx, span := StartServerSpan(context.Background(), p.Tracer, "dispatch",
		AttrEventType.String("GROUP_AT_MESSAGE_CREATE"),
		AttrUserID.String("u1"),
	)
	_, child := StartSpan(ctx, p.Tracer, "handler",
		AttrPlugin.String("Echo"),
		AttrHandler.String("echo"),
	)
	if !child.SpanContext().IsValid() {
		t.Fatal("expected sampled child span")
	}
	child.End()
	span.End()

	defer p.Shutdown(context.Background())
	if err := p.TracerProvider.ForceFlush(context.Background()); err != nil {
		t.Fatalf("flush: %v", err)
	}
	spans := exp.GetSpans()
	if len(spans) != 2 {
		t.Fatalf("expected 2 exported spans, got %d", len(spans))
	}
	if spans[0].Name != "handler" || spans[1].Name != "dispatch" {
		t.Fatalf("unexpected span order %q, %q", spans[0].Name, spans[1].Name)
	}
	if spans[0].Parent.SpanID() != spans[1].SpanContext.SpanID() {
		t.Fatal("handler span must be a child of dispatch")
	}
}

func TestNewProvider_ClampsSampleRate(t *testing.T) {
	p, exp := newTestProvider(t, Config{Enabled: true, SampleRate: 7})
	_, span := p.Tracer.Start(context.Background(), "x")
	span.End()
	defer p.Shutdown(context.Background())
	_ = p.TracerProvider.ForceFlush(context.Background())
	if len(exp.GetSpans()) != 1 {
		t.Fatal("out-of-range sample rate must fall back to sampling everything")
	}
}
