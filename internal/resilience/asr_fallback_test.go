package resilience

import (
	"context"
	"errors"
	"testing"

	"github.com/Lincept/personality-tts/pkg/provider/asr"
	asrmock "github.com/Lincept/personality-tts/pkg/provider/asr/mock"
)

func TestASRFallback_StartStream_PrimarySuccess(t *testing.T) {
	primarySess := &asrmock.Session{EventsCh: make(chan asr.Transcript)}
	primary := &asrmock.Provider{Session: primarySess}
	secondary := &asrmock.Provider{}

	fb := NewASRFallback(primary, "deepgram", FallbackConfig{
		CircuitBreaker: CircuitBreakerConfig{MaxFailures: 3},
	})
	fb.AddFallback("backup", secondary)

	handle, err := fb.StartStream(context.Background(), asr.StreamConfig{SampleRate: 16000})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if handle != primarySess {
		t.Fatal("handle is not the primary's session")
	}
	if got := secondary.StartStreamCallCount(); got != 0 {
		t.Fatalf("secondary called %d times, want 0", got)
	}
}

func TestASRFallback_StartStream_Failover(t *testing.T) {
	secondarySess := &asrmock.Session{EventsCh: make(chan asr.Transcript)}
	primary := &asrmock.Provider{StartStreamErr: errors.New("connection refused")}
	secondary := &asrmock.Provider{Session: secondarySess}

	fb := NewASRFallback(primary, "deepgram", FallbackConfig{
		CircuitBreaker: CircuitBreakerConfig{MaxFailures: 3},
	})
	fb.AddFallback("backup", secondary)

	handle, err := fb.StartStream(context.Background(), asr.StreamConfig{SampleRate: 16000})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if handle != secondarySess {
		t.Fatal("handle is not the fallback's session")
	}
	if got := primary.StartStreamCallCount(); got != 1 {
		t.Fatalf("primary called %d times, want 1", got)
	}
}

func TestASRFallback_StartStream_AllFail(t *testing.T) {
	primary := &asrmock.Provider{StartStreamErr: errors.New("primary down")}
	secondary := &asrmock.Provider{StartStreamErr: errors.New("secondary down")}

	fb := NewASRFallback(primary, "deepgram", FallbackConfig{
		CircuitBreaker: CircuitBreakerConfig{MaxFailures: 3},
	})
	fb.AddFallback("backup", secondary)

	_, err := fb.StartStream(context.Background(), asr.StreamConfig{})
	if !errors.Is(err, ErrAllFailed) {
		t.Fatalf("err = %v, want ErrAllFailed", err)
	}
}

func TestASRFallback_OpenBreakerSkipsPrimary(t *testing.T) {
	primary := &asrmock.Provider{StartStreamErr: errors.New("primary down")}
	secondary := &asrmock.Provider{}

	fb := NewASRFallback(primary, "deepgram", FallbackConfig{
		CircuitBreaker: CircuitBreakerConfig{MaxFailures: 1},
	})
	fb.AddFallback("backup", secondary)

	// First call trips the primary's breaker, second must not touch it.
	for i := 0; i < 2; i++ {
		if _, err := fb.StartStream(context.Background(), asr.StreamConfig{}); err != nil {
			t.Fatalf("call %d: unexpected error: %v", i, err)
		}
	}
	if got := primary.StartStreamCallCount(); got != 1 {
		t.Fatalf("primary called %d times, want 1 (breaker open)", got)
	}
	if got := secondary.StartStreamCallCount(); got != 2 {
		t.Fatalf("secondary called %d times, want 2", got)
	}
}
