package observe

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"go.opentelemetry.io/otel"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

// opsRig bundles what middleware tests drive: metrics behind a manual reader
// and an in-memory span exporter installed as the global tracer provider.
// Tests using the rig must not run in parallel.
type opsRig struct {
	m      *Metrics
	reader *sdkmetric.ManualReader
	spans  *tracetest.InMemoryExporter
}

func newOpsRig(t *testing.T) *opsRig {
	t.Helper()

	rig := &opsRig{
		reader: sdkmetric.NewManualReader(),
		spans:  tracetest.NewInMemoryExporter(),
	}

	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(rig.reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })
	var err error
	if rig.m, err = NewMetrics(mp); err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}

	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(rig.spans))
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })
	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() { otel.SetTracerProvider(prev) })

	return rig
}

// serve pushes one request through the middleware-wrapped handler.
func (rig *opsRig) serve(h http.HandlerFunc, req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	Middleware(rig.m)(h).ServeHTTP(rec, req)
	return rec
}

func TestMiddleware_TraceIdentity(t *testing.T) {
	rig := newOpsRig(t)

	var seen string
	rec := rig.serve(func(w http.ResponseWriter, r *http.Request) {
		seen = CorrelationID(r.Context())
		w.WriteHeader(http.StatusOK)
	}, httptest.NewRequest("GET", "/readyz", nil))

	if len(seen) != 32 {
		t.Fatalf("handler saw correlation id %q, want a 32-hex trace id", seen)
	}
	if got := rec.Header().Get("X-Correlation-ID"); got != seen {
		t.Errorf("X-Correlation-ID = %q, want %q", got, seen)
	}

	spans := rig.spans.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("got %d spans, want 1", len(spans))
	}
	if want := "HTTP GET /readyz"; spans[0].Name != want {
		t.Errorf("span name = %q, want %q", spans[0].Name, want)
	}
}

func TestMiddleware_RecordsHistogram(t *testing.T) {
	rig := newOpsRig(t)

	rig.serve(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}, httptest.NewRequest("GET", "/metrics", nil))

	rm := collect(t, rig.reader)
	met := findMetric(rm, "personality_tts.http.request.duration")
	if met == nil {
		t.Fatal("request duration metric not found")
	}
	hist, ok := met.Data.(metricdata.Histogram[float64])
	if !ok || len(hist.DataPoints) == 0 {
		t.Fatalf("request duration: no histogram data (%T)", met.Data)
	}

	dp := hist.DataPoints[0]
	if dp.Count != 1 {
		t.Errorf("sample count = %d, want 1", dp.Count)
	}
	got := map[string]string{}
	for _, kv := range dp.Attributes.ToSlice() {
		got[string(kv.Key)] = kv.Value.AsString()
	}
	if got["method"] != "GET" || got["path"] != "/metrics" {
		t.Errorf("attributes = %v, want method=GET path=/metrics", got)
	}
}

func TestMiddleware_ReportsDownstreamStatus(t *testing.T) {
	rig := newOpsRig(t)

	rec := rig.serve(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}, httptest.NewRequest("GET", "/readyz", nil))

	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", rec.Code)
	}

	spans := rig.spans.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("got %d spans, want 1", len(spans))
	}
	var status int64 = -1
	for _, a := range spans[0].Attributes {
		if string(a.Key) == "http.response.status_code" {
			status = a.Value.AsInt64()
		}
	}
	if status != 503 {
		t.Errorf("span http.response.status_code = %d, want 503", status)
	}
}

func TestMiddleware_JoinsIncomingTraceparent(t *testing.T) {
	rig := newOpsRig(t)

	const traceID = "4bf92f3577b34da6a3ce929d0e0e4736"
	req := httptest.NewRequest("GET", "/healthz", nil)
	req.Header.Set("traceparent", "00-"+traceID+"-00f067aa0ba902b7-01")

	var seen string
	rec := rig.serve(func(w http.ResponseWriter, r *http.Request) {
		seen = CorrelationID(r.Context())
		w.WriteHeader(http.StatusOK)
	}, req)

	if seen != traceID {
		t.Errorf("handler correlation id = %q, want the incoming trace id %q", seen, traceID)
	}
	if got := rec.Header().Get("X-Correlation-ID"); got != traceID {
		t.Errorf("X-Correlation-ID = %q, want %q", got, traceID)
	}
}
