package observe

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
	"testing"

	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

// spanContext returns a context carrying a live recording span from a private
// tracer provider.
func spanContext(t *testing.T) context.Context {
	t.Helper()
	tp := sdktrace.NewTracerProvider()
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })
	ctx, span := tp.Tracer("test").Start(context.Background(), "turn")
	t.Cleanup(func() { span.End() })
	return ctx
}

// captureLog swaps the default logger for one writing into the returned
// buffer until the test ends.
func captureLog(t *testing.T) *bytes.Buffer {
	t.Helper()
	prev := slog.Default()
	t.Cleanup(func() { slog.SetDefault(prev) })
	var buf bytes.Buffer
	slog.SetDefault(slog.New(slog.NewTextHandler(&buf, nil)))
	return &buf
}

func isHex32(s string) bool {
	if len(s) != 32 {
		return false
	}
	for _, c := range s {
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return false
		}
	}
	return true
}

func TestCorrelationID(t *testing.T) {
	if got := CorrelationID(context.Background()); got != "" {
		t.Errorf("CorrelationID without a span = %q, want empty", got)
	}

	a := CorrelationID(spanContext(t))
	if !isHex32(a) {
		t.Errorf("CorrelationID = %q, want 32 lowercase hex digits", a)
	}
	if b := CorrelationID(spanContext(t)); b == a {
		t.Errorf("two spans produced the same correlation id %q", a)
	}
}

func TestStartSpan_UsesGlobalProvider(t *testing.T) {
	exp := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exp))
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })
	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() { otel.SetTracerProvider(prev) })

	ctx, span := StartSpan(context.Background(), "pipeline.turn")
	if CorrelationID(ctx) == "" {
		t.Error("StartSpan returned a context without a trace id")
	}
	span.End()

	spans := exp.GetSpans()
	if len(spans) != 1 || spans[0].Name != "pipeline.turn" {
		t.Fatalf("recorded spans = %+v, want one named pipeline.turn", spans)
	}
}

func TestLogger_AnnotatesWithSpanIdentity(t *testing.T) {
	buf := captureLog(t)

	Logger(spanContext(t)).Info("with span")
	out := buf.String()
	if !strings.Contains(out, "trace_id=") || !strings.Contains(out, "span_id=") {
		t.Errorf("log line missing span identity: %s", out)
	}

	buf.Reset()
	Logger(context.Background()).Info("no span")
	if out := buf.String(); strings.Contains(out, "trace_id") {
		t.Errorf("log line should carry no trace_id without a span: %s", out)
	}
}
