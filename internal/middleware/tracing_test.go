package middleware

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func withRecorder(t *testing.T) *tracetest.SpanRecorder {
	t.Helper()
	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	prevTP, prevProp := otel.GetTracerProvider(), otel.GetTextMapPropagator()
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.TraceContext{})
	t.Cleanup(func() {
		otel.SetTracerProvider(prevTP)
		otel.SetTextMapPropagator(prevProp)
		_ = tp.Shutdown(context.Background())
	})
	return recorder
}

func TestTracing_SpanNameAndRequestID(t *testing.T) {
	recorder := withRecorder(t)

	var traceID string
	handler := RequestID(Tracing("billing-api")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		traceID = GetTraceID(r)
		w.WriteHeader(http.StatusOK)
	})))

	req := httptest.NewRequest(http.MethodGet, "/payments/5f0c6b8e-2f4e-4d6a-9b1c-3a2e7d9f0a11/attempts", nil)
	req.Header.Set(RequestIDHeader, "req-7")
	handler.ServeHTTP(httptest.NewRecorder(), req)

	spans := recorder.Ended()
	if len(spans) != 1 {
		t.Fatalf("expected 1 span, got %d", len(spans))
	}
	if got := spans[0].Name(); got != "GET /payments/{id}/attempts" {
		t.Errorf("span name = %q", got)
	}
	if traceID == "" || traceID != spans[0].SpanContext().TraceID().String() {
		t.Errorf("GetTraceID() = %q, span trace = %s", traceID, spans[0].SpanContext().TraceID())
	}

	found := false
	for _, a := range spans[0].Attributes() {
		if a.Key == "request.id" && a.Value.AsString() == "req-7" {
			found = true
		}
	}
	if !found {
		t.Error("expected request.id attribute on the server span")
	}
}

func TestTracing_PropagatesParent(t *testing.T) {
	recorder := withRecorder(t)

	handler := Tracing("billing-api")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))

	const parentTrace = "4bf92f3577b34da6a3ce929d0e0e4736"
	req := httptest.NewRequest(http.MethodPost, "/payments", nil)
	req.Header.Set("traceparent", "00-"+parentTrace+"-00f067aa0ba902b7-01")
	handler.ServeHTTP(httptest.NewRecorder(), req)

	spans := recorder.Ended()
	if len(spans) != 1 {
		t.Fatalf("expected 1 span, got %d", len(spans))
	}
	if got := spans[0].SpanContext().TraceID().String(); got != parentTrace {
		t.Errorf("trace id = %s, want %s", got, parentTrace)
	}
}

func TestGetTraceID_NoSpan(t *testing.T) {
	if id := GetTraceID(httptest.NewRequest(http.MethodGet, "/", nil)); id != "" {
		t.Errorf("expected empty trace id, got %q", id)
	}
}
