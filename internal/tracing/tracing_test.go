package tracing

import (
	"context"
	"errors"
	"testing"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	oteltrace "go.opentelemetry.io/otel/trace"
)

func setupTestTracer(t *testing.T) *tracetest.InMemoryExporter {
	t.Helper()
	exporter := tracetest.NewInMemoryExporter()
	tp := trace.NewTracerProvider(trace.WithSyncer(exporter))
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.TraceContext{})
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })
	return exporter
}

func TestGetVersion(t *testing.T) {
	tests := []struct {
		name     string
		envValue string
		expected string
	}{
		{name: "with SERVICE_VERSION set", envValue: "v1.2.3", expected: "v1.2.3"},
		{name: "with SERVICE_VERSION empty", envValue: "", expected: "dev"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("SERVICE_VERSION", tt.envValue)
			if got := getVersion(); got != tt.expected {
				t.Errorf("getVersion() = %q, want %q", got, tt.expected)
			}
		})
	}
}

func TestTrimScheme(t *testing.T) {
	tests := map[string]string{
		"http://tempo:4318":  "tempo:4318",
		"https://tempo:4318": "tempo:4318",
		"tempo:4318":         "tempo:4318",
	}
	for in, want := range tests {
		if got := trimScheme(in); got != want {
			t.Errorf("trimScheme(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestInitTracingWithoutEndpoint(t *testing.T) {
	shutdown, err := InitTracing(context.Background(), "svc", "inst", "")
	if err != nil {
		t.Fatalf("InitTracing() error = %v", err)
	}
	if shutdown == nil {
		t.Fatal("InitTracing() returned nil shutdown")
	}
	shutdown()
}

func TestClientAndServerSpans(t *testing.T) {
	exporter := setupTestTracer(t)

	ctx, client := StartClientSpan(context.Background(), "ping", "mesh:b:1")
	headers := InjectHeaders(ctx)
	if headers["traceparent"] == "" {
		t.Fatalf("InjectHeaders() = %v, want traceparent", headers)
	}

	remote := ExtractHeaders(context.Background(), headers)
	_, server := StartServerSpan(remote, "ping", "req-1", "mesh:a:1")
	server.End()
	client.End()

	spans := exporter.GetSpans()
	if len(spans) != 2 {
		t.Fatalf("exported %d spans, want 2", len(spans))
	}
	if spans[0].SpanKind != oteltrace.SpanKindServer || spans[1].SpanKind != oteltrace.SpanKindClient {
		t.Errorf("span kinds = %v, %v", spans[0].SpanKind, spans[1].SpanKind)
	}
	if spans[0].SpanContext.TraceID() != spans[1].SpanContext.TraceID() {
		t.Error("server span should share the client's trace ID")
	}
	if spans[0].Parent.SpanID() != spans[1].SpanContext.SpanID() {
		t.Error("server span should be a child of the client span")
	}
}

func TestSetSpanError(t *testing.T) {
	exporter := setupTestTracer(t)

	ctx, span := StartSpan(context.Background(), "op")
	SetSpanError(ctx, nil)
	SetSpanError(ctx, errors.New("boom"))
	AddSpanEvent(ctx, "retry")
	span.End()

	spans := exporter.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("exported %d spans, want 1", len(spans))
	}
	if spans[0].Status.Code != codes.Error || spans[0].Status.Description != "boom" {
		t.Errorf("span status = %+v", spans[0].Status)
	}
	if len(spans[0].Events) != 2 { // exception + retry
		t.Errorf("span events = %d, want 2", len(spans[0].Events))
	}
}

func TestGetTraceID(t *testing.T) {
	setupTestTracer(t)

	if got := GetTraceID(context.Background()); got != "" {
		t.Errorf("GetTraceID(background) = %q, want empty", got)
	}
	ctx, span := StartSpan(context.Background(), "op")
	defer span.End()
	if got := GetTraceID(ctx); got != span.SpanContext().TraceID().String() {
		t.Errorf("GetTraceID() = %q, want %q", got, span.SpanContext().TraceID())
	}
}

func TestInjectHeadersWithoutSpan(t *testing.T) {
	setupTestTracer(t)
	if h := InjectHeaders(context.Background()); h != nil {
		t.Errorf("InjectHeaders(no span) = %v, want nil", h)
	}
	ctx := context.Background()
	if got := ExtractHeaders(ctx, nil); got != ctx {
		t.Error("ExtractHeaders(nil) should return ctx unchanged")
	}
}
