package resilience

import (
	"context"

	"github.com/Lincept/personality-tts/pkg/provider/llm"
)

// LLMFallback chains several [llm.Provider] backends. The primary serves all
// traffic while healthy; when a call fails or its breaker opens, the next
// registered backend takes over for that attempt.
type LLMFallback struct {
	group *FallbackGroup[llm.Provider]
}

// Compile-time check that *LLMFallback satisfies [llm.Provider].
var _ llm.Provider = (*LLMFallback)(nil)

// NewLLMFallback builds the chain with primary as its first entry.
func NewLLMFallback(primary llm.Provider, primaryName string, cfg FallbackConfig) *LLMFallback {
	return &LLMFallback{
		group: NewFallbackGroup(primary, primaryName, cfg),
	}
}

// AddFallback appends a language-model backend to the end of the chain.
func (f *LLMFallback) AddFallback(name string, provider llm.Provider) {
	f.group.AddFallback(name, provider)
}

// StreamCompletion opens a token stream on the first backend whose breaker
// admits the call. Failover ends once a channel is handed out: a generation
// that dies mid-stream reports FinishError on the channel, and the next turn
// walks the chain again.
func (f *LLMFallback) StreamCompletion(ctx context.Context, req llm.CompletionRequest) (<-chan llm.Chunk, error) {
	return ExecuteWithResult(f.group, func(p llm.Provider) (<-chan llm.Chunk, error) {
		return p.StreamCompletion(ctx, req)
	})
}

// Complete runs a blocking completion against the first healthy backend.
func (f *LLMFallback) Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	return ExecuteWithResult(f.group, func(p llm.Provider) (*llm.CompletionResponse, error) {
		return p.Complete(ctx, req)
	})
}

// CountTokens delegates to the first healthy backend's tokenizer. Estimates
// may differ between backends of different model families.
func (f *LLMFallback) CountTokens(messages []llm.Message) (int, error) {
	return ExecuteWithResult(f.group, func(p llm.Provider) (int, error) {
		return p.CountTokens(messages)
	})
}

// Capabilities reports the primary's capabilities. Static metadata does not
// participate in failover.
func (f *LLMFallback) Capabilities() llm.ModelCapabilities {
	return f.group.Primary().Capabilities()
}
