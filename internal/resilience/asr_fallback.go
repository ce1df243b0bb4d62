package resilience

import (
	"context"

	"github.com/Lincept/personality-tts/pkg/provider/asr"
)

// ASRFallback chains recognition backends behind a single [asr.Provider].
// Calls walk the chain in registration order until one backend's breaker
// admits the call and the call succeeds.
type ASRFallback struct {
	group *FallbackGroup[asr.Provider]
}

var _ asr.Provider = (*ASRFallback)(nil)

// NewASRFallback builds the chain with primary as its first entry.
func NewASRFallback(primary asr.Provider, primaryName string, cfg FallbackConfig) *ASRFallback {
	return &ASRFallback{
		group: NewFallbackGroup(primary, primaryName, cfg),
	}
}

// AddFallback appends a recognition backend to the end of the chain.
func (f *ASRFallback) AddFallback(name string, provider asr.Provider) {
	f.group.AddFallback(name, provider)
}

// StartStream opens a recognition session against the first healthy provider.
// Only session setup is covered by failover; once a stream is established, a
// mid-stream failure surfaces through the handle's Err and the caller's
// reopen goes through the group again.
func (f *ASRFallback) StartStream(ctx context.Context, cfg asr.StreamConfig) (asr.SessionHandle, error) {
	return ExecuteWithResult(f.group, func(p asr.Provider) (asr.SessionHandle, error) {
		return p.StartStream(ctx, cfg)
	})
}
