package ingest

import (
	"context"
	"testing"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func TestHandle_CreatesSpans(t *testing.T) {
	// Not parallel: swaps the global OTel tracer provider.

	exporter := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exporter))
	defer func() { _ = tp.Shutdown(context.Background()) }()

	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	defer otel.SetTracerProvider(prev)

	h := newHarness(t, "drizzle", Hooks{})
	ctx := context.Background()

	if _, err := h.svc.Handle(ctx, event("span-dev", 0)); err != nil {
		t.Fatalf("Handle: %v", err)
	}
	bad := event("span-bad", 0)
	bad.Lat = 95
	_, _ = h.svc.Handle(ctx, bad)
	if err := h.svc.Close(ctx); err != nil {
		t.Fatalf("Close: %v", err)
	}

	spans := exporter.GetSpans()
	if len(spans) != 2 {
		t.Fatalf("spans = %d, want 2", len(spans))
	}

	for _, s := range spans {
		if s.Name != "ingest.Handle" {
			t.Errorf("span name = %q, want ingest.Handle", s.Name)
		}
		attrs := make(map[string]any)
		for _, a := range s.Attributes {
			attrs[string(a.Key)] = a.Value.AsInterface()
		}

		switch attrs["locus.device_id"] {
		case "span-dev":
			if attrs["locus.state"] != "dispatching" {
				t.Errorf("locus.state = %v, want dispatching", attrs["locus.state"])
			}
			if attrs["locus.dispatched"] != true {
				t.Errorf("locus.dispatched = %v, want true", attrs["locus.dispatched"])
			}
			if _, ok := attrs["locus.h3_hex"]; !ok {
				t.Error("span missing locus.h3_hex")
			}
			if s.Status.Code == codes.Error {
				t.Errorf("status = %v, want not error", s.Status)
			}
		case "span-bad":
			if attrs["locus.state"] != "failed" {
				t.Errorf("locus.state = %v, want failed", attrs["locus.state"])
			}
			if s.Status.Code != codes.Error {
				t.Errorf("status = %v, want error", s.Status.Code)
			}
		default:
			t.Errorf("unexpected device attribute %v", attrs["locus.device_id"])
		}
	}
}
