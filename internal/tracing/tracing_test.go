package tracing

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/dskow/telemock/internal/config"
)

func TestSetupProvider_NoEndpointIsNoop(t *testing.T) {
	before := otel.GetTracerProvider()

	shutdown, err := SetupProvider(context.Background(), config.TracingConfig{}, "mock")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := shutdown(context.Background()); err != nil {
		t.Errorf("no-op shutdown returned %v", err)
	}
	if otel.GetTracerProvider() != before {
		t.Error("provider must not change without an endpoint")
	}
}

func TestWrap_RecordsServerSpan(t *testing.T) {
	sr := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(sr))
	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() {
		otel.SetTracerProvider(prev)
		_ = tp.Shutdown(context.Background())
	})

	h := Wrap(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}), "telemock.mock")

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest("GET", "/telemetry/index.html?v=1", nil))

	if rec.Code != http.StatusTeapot {
		t.Fatalf("wrapped handler status = %d", rec.Code)
	}
	spans := sr.Ended()
	if len(spans) != 1 {
		t.Fatalf("expected 1 span, got %d", len(spans))
	}
	if spans[0].Name() != "telemock.mock" {
		t.Errorf("span name = %q", spans[0].Name())
	}
}
