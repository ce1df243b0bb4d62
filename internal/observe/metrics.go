// Package observe provides application-wide observability primitives for
// the voice pipeline: OpenTelemetry metrics, tracing, structured logging,
// and HTTP middleware for the ops endpoint.
//
// Instruments go through the OpenTelemetry Metrics API; [InitProvider]
// bridges them to a Prometheus exporter so the usual /metrics scrape keeps
// working. [DefaultMetrics] lazily builds a process-wide instance off the
// global meter provider. Tests should construct their own via [NewMetrics]
// so recorded values stay isolated.
package observe

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all pipeline metrics.
const meterName = "github.com/Lincept/personality-tts"

// Metrics bundles every instrument the pipeline records into. Fields may be
// used from any goroutine; the OTel instrument types synchronise internally.
type Metrics struct {
	// --- Stage latency histograms ---

	// ASRFinalLatency tracks the delay from the last voiced frame to the
	// final transcript for the turn.
	ASRFinalLatency metric.Float64Histogram

	// LLMFirstToken tracks the delay from turn start to the first
	// completion token.
	LLMFirstToken metric.Float64Histogram

	// TTSFirstFrame tracks the delay from the first utterance sent to the
	// first synthesized audio frame.
	TTSFirstFrame metric.Float64Histogram

	// BargeInAbort tracks the delay from barge-in detection to playback
	// silence. The 30 ms target sits inside the fine bucket range.
	BargeInAbort metric.Float64Histogram

	// TurnDuration tracks full turn duration from trigger to outcome.
	TurnDuration metric.Float64Histogram

	// --- Counters ---

	// Turns counts finished turns. Use with attribute:
	//   attribute.String("outcome", ...)
	Turns metric.Int64Counter

	// BargeIns counts accepted barge-in interruptions.
	BargeIns metric.Int64Counter

	// Utterances counts sanitized utterances forwarded to TTS.
	Utterances metric.Int64Counter

	// ProviderErrors counts upstream provider failures, attributed by
	// provider name and stage kind (asr, llm, tts, embeddings).
	ProviderErrors metric.Int64Counter

	// --- Gauges ---

	// ActiveTurns tracks the number of turns currently in flight.
	ActiveTurns metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks request handling time on the ops endpoint,
	// attributed by method and path.
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) optimised
// for voice-pipeline latencies.
var latencyBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10,
}

// abortBuckets defines finer boundaries for the barge-in abort histogram,
// whose budget is tens of milliseconds.
var abortBuckets = []float64{
	0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25,
}

// NewMetrics registers every instrument on a meter from mp and returns the
// populated set. The first instrument that fails to build aborts the whole
// construction.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Histograms.
	if met.ASRFinalLatency, err = m.Float64Histogram("personality_tts.asr.final_latency",
		metric.WithDescription("Delay from last voiced frame to final transcript."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.LLMFirstToken, err = m.Float64Histogram("personality_tts.llm.first_token",
		metric.WithDescription("Delay from turn start to first completion token."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.TTSFirstFrame, err = m.Float64Histogram("personality_tts.tts.first_frame",
		metric.WithDescription("Delay from first utterance sent to first synthesized frame."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.BargeInAbort, err = m.Float64Histogram("personality_tts.barge_in.abort_latency",
		metric.WithDescription("Delay from barge-in detection to playback silence."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(abortBuckets...),
	); err != nil {
		return nil, err
	}
	if met.TurnDuration, err = m.Float64Histogram("personality_tts.turn.duration",
		metric.WithDescription("Full turn duration from trigger to outcome."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.Turns, err = m.Int64Counter("personality_tts.turns",
		metric.WithDescription("Total finished turns by outcome."),
	); err != nil {
		return nil, err
	}
	if met.BargeIns, err = m.Int64Counter("personality_tts.barge_ins",
		metric.WithDescription("Total accepted barge-in interruptions."),
	); err != nil {
		return nil, err
	}
	if met.Utterances, err = m.Int64Counter("personality_tts.utterances",
		metric.WithDescription("Total sanitized utterances forwarded to TTS."),
	); err != nil {
		return nil, err
	}
	if met.ProviderErrors, err = m.Int64Counter("personality_tts.provider.errors",
		metric.WithDescription("Total provider errors by provider and kind."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.ActiveTurns, err = m.Int64UpDownCounter("personality_tts.active_turns",
		metric.WithDescription("Number of turns currently in flight."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("personality_tts.http.request.duration",
		metric.WithDescription("HTTP request latency on the ops endpoint by method and path."),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	return met, nil
}

var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns the process-wide [Metrics] set, built on first call
// from [otel.GetMeterProvider]. It panics if instrument registration fails,
// which the no-op global provider never does.
func DefaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		var err error
		defaultMetrics, err = NewMetrics(otel.GetMeterProvider())
		if err != nil {
			panic("observe: failed to create default metrics: " + err.Error())
		}
	})
	return defaultMetrics
}

// Attr shortens [attribute.String] at recording sites.
func Attr(key, value string) attribute.KeyValue {
	return attribute.String(key, value)
}

// RecordTurn records a finished turn: the outcome counter and the turn
// duration histogram in one call.
func (m *Metrics) RecordTurn(ctx context.Context, outcome string, d time.Duration) {
	m.Turns.Add(ctx, 1,
		metric.WithAttributes(attribute.String("outcome", outcome)),
	)
	m.TurnDuration.Record(ctx, d.Seconds())
}

// RecordBargeIn records an accepted barge-in and its abort latency.
func (m *Metrics) RecordBargeIn(ctx context.Context, abortLatency time.Duration) {
	m.BargeIns.Add(ctx, 1)
	m.BargeInAbort.Record(ctx, abortLatency.Seconds())
}

// RecordProviderError bumps the provider error counter with the standard
// provider and kind attributes.
func (m *Metrics) RecordProviderError(ctx context.Context, provider, kind string) {
	m.ProviderErrors.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("kind", kind),
		),
	)
}
