// Package mock provides a configurable llm.Provider double.
//
// Response fields are snapshotted under the mock's lock at call time, so a
// test may adjust them between calls. Invocations are recorded in order for
// inspection once the code under test settles:
//
//	p := &mock.Provider{
//	    StreamChunks: []llm.Chunk{{Text: "Hello!"}, {FinishReason: "stop"}},
//	}
package mock

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/Lincept/personality-tts/pkg/provider/llm"
)

// StreamCall records one StreamCompletion invocation.
type StreamCall struct {
	Ctx context.Context
	Req llm.CompletionRequest
}

// CompleteCall records one Complete invocation.
type CompleteCall struct {
	Ctx context.Context
	Req llm.CompletionRequest
}

// Provider is a scripted llm.Provider. The zero value streams nothing and
// returns zero values everywhere; set the response fields to shape behavior
// and the Err fields to inject failures.
type Provider struct {
	mu sync.Mutex

	// StreamChunks is emitted in order on the channel StreamCompletion
	// returns, after which the channel closes.
	StreamChunks []llm.Chunk

	// ChunkDelay pauses before each chunk, simulating a slow model.
	ChunkDelay time.Duration

	// StreamErr aborts StreamCompletion before any channel is opened.
	StreamErr error

	// CompleteResponse and CompleteErr are handed back by Complete.
	CompleteResponse *llm.CompletionResponse
	CompleteErr      error

	// TokenCount and CountTokensErr are handed back by CountTokens.
	TokenCount     int
	CountTokensErr error

	// ModelCapabilities is handed back by Capabilities.
	ModelCapabilities llm.ModelCapabilities

	// Call records, appended in invocation order.
	StreamCalls           []StreamCall
	CompleteCalls         []CompleteCall
	CountTokensCalls      [][]llm.Message
	CapabilitiesCallCount int
}

var _ llm.Provider = (*Provider)(nil)

// StreamCompletion implements llm.Provider.
func (p *Provider) StreamCompletion(ctx context.Context, req llm.CompletionRequest) (<-chan llm.Chunk, error) {
	p.mu.Lock()
	p.StreamCalls = append(p.StreamCalls, StreamCall{Ctx: ctx, Req: req})
	chunks := slices.Clone(p.StreamChunks)
	delay := p.ChunkDelay
	failure := p.StreamErr
	p.mu.Unlock()

	if failure != nil {
		return nil, failure
	}

	ch := make(chan llm.Chunk, len(chunks))
	go func() {
		defer close(ch)
		for _, c := range chunks {
			if delay > 0 && !pause(ctx, delay) {
				return
			}
			select {
			case ch <- c:
			case <-ctx.Done():
				return
			}
		}
	}()
	return ch, nil
}

func pause(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}

// Complete implements llm.Provider.
func (p *Provider) Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.CompleteCalls = append(p.CompleteCalls, CompleteCall{Ctx: ctx, Req: req})
	return p.CompleteResponse, p.CompleteErr
}

// CountTokens implements llm.Provider.
func (p *Provider) CountTokens(messages []llm.Message) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.CountTokensCalls = append(p.CountTokensCalls, slices.Clone(messages))
	return p.TokenCount, p.CountTokensErr
}

// Capabilities implements llm.Provider.
func (p *Provider) Capabilities() llm.ModelCapabilities {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.CapabilitiesCallCount++
	return p.ModelCapabilities
}

// Reset drops all recorded calls, keeping the configured responses.
func (p *Provider) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.StreamCalls = nil
	p.CompleteCalls = nil
	p.CountTokensCalls = nil
	p.CapabilitiesCallCount = 0
}
