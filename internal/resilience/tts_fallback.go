package resilience

import (
	"context"

	"github.com/Lincept/personality-tts/pkg/provider/tts"
)

// TTSFallback chains synthesis backends behind a single [tts.Provider]. Each
// backend carries its own circuit breaker, so a flapping primary stops being
// dialed long before its API quota runs out.
type TTSFallback struct {
	group *FallbackGroup[tts.Provider]
}

// Compile-time interface check.
var _ tts.Provider = (*TTSFallback)(nil)

// NewTTSFallback builds the chain with primary as its first entry.
func NewTTSFallback(primary tts.Provider, primaryName string, cfg FallbackConfig) *TTSFallback {
	return &TTSFallback{
		group: NewFallbackGroup(primary, primaryName, cfg),
	}
}

// AddFallback appends a synthesis backend to the end of the chain.
func (f *TTSFallback) AddFallback(name string, provider tts.Provider) {
	f.group.AddFallback(name, provider)
}

// StartSession opens a synthesis session against the first healthy backend.
// Only session setup is covered by failover; the pipeline's own
// reopen-and-replay handles a session that dies mid-turn.
func (f *TTSFallback) StartSession(ctx context.Context, voice tts.VoiceProfile) (tts.SessionHandle, error) {
	return ExecuteWithResult(f.group, func(p tts.Provider) (tts.SessionHandle, error) {
		return p.StartSession(ctx, voice)
	})
}

// ListVoices asks the first healthy backend for its voice catalog. Voice IDs
// are provider-specific, so a catalog fetched from one backend is not
// interchangeable with another's.
func (f *TTSFallback) ListVoices(ctx context.Context) ([]tts.VoiceProfile, error) {
	return ExecuteWithResult(f.group, func(p tts.Provider) ([]tts.VoiceProfile, error) {
		return p.ListVoices(ctx)
	})
}
