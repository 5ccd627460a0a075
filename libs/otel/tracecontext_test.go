package otelx

import (
	"context"
	"testing"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

func TestTraceContextRoundTrip(t *testing.T) {
	otel.SetTextMapPropagator(propagation.TraceContext{})

	const parent = "00-4bf92f3577b34da6a3ce929d0e0e4736-00f067aa0ba902b7-01"
	ctx := TraceContext{Parent: parent}.Resume(context.Background())
	sc := trace.SpanContextFromContext(ctx)
	if !sc.IsValid() || sc.TraceID().String() != "4bf92f3577b34da6a3ce929d0e0e4736" {
		t.Fatalf("expected trace id to be extracted, got %v", sc)
	}

	if tc := CaptureTraceContext(ctx); tc.Parent != parent || tc.Empty() {
		t.Fatalf("expected %q, got %+v", parent, tc)
	}

	if got := (TraceContext{}).Resume(context.Background()); trace.SpanContextFromContext(got).IsValid() {
		t.Fatalf("empty trace context should not produce a span context")
	}
}

func TestConfigFromEnvDefaultsOff(t *testing.T) {
	t.Setenv("OTEL_ENABLED", "")
	t.Setenv("OTEL_SAMPLING_RATIO", "2")
	cfg := ConfigFromEnv("booking-service")
	if cfg.Enabled {
		t.Fatalf("tracing should default to off")
	}
	if cfg.SampleRatio != 1 {
		t.Fatalf("out of range ratio should fall back to 1, got %v", cfg.SampleRatio)
	}
}
