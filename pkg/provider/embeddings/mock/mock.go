// Package mock provides a scripted embeddings.Provider for tests that need
// deterministic vectors without a live model:
//
//	p := &mock.Provider{
//	    EmbedResult:     []float32{0.1, 0.2, 0.3},
//	    DimensionsValue: 3,
//	}
package mock

import (
	"context"
	"slices"
	"sync"

	"github.com/Lincept/personality-tts/pkg/provider/embeddings"
)

// Provider implements embeddings.Provider with canned answers. Submitted
// texts are recorded for later inspection.
type Provider struct {
	mu sync.Mutex

	// EmbedResult is the vector Embed hands back for every text. EmbedErr
	// takes precedence when set.
	EmbedResult []float32
	EmbedErr    error

	// EmbedBatchResult is returned by EmbedBatch when set. Otherwise each
	// input gets a copy of EmbedResult. EmbedBatchErr takes precedence.
	EmbedBatchResult [][]float32
	EmbedBatchErr    error

	DimensionsValue int
	ModelIDValue    string

	// EmbedCalls and EmbedBatchCalls collect the submitted texts in order.
	EmbedCalls      []string
	EmbedBatchCalls [][]string
}

var _ embeddings.Provider = (*Provider)(nil)

// Embed implements embeddings.Provider.
func (p *Provider) Embed(_ context.Context, text string) ([]float32, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.EmbedCalls = append(p.EmbedCalls, text)
	if p.EmbedErr != nil {
		return nil, p.EmbedErr
	}
	return p.EmbedResult, nil
}

// EmbedBatch implements embeddings.Provider.
func (p *Provider) EmbedBatch(_ context.Context, texts []string) ([][]float32, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.EmbedBatchCalls = append(p.EmbedBatchCalls, slices.Clone(texts))
	if p.EmbedBatchErr != nil {
		return nil, p.EmbedBatchErr
	}
	if p.EmbedBatchResult != nil {
		return p.EmbedBatchResult, nil
	}
	out := make([][]float32, len(texts))
	for i := range out {
		out[i] = p.EmbedResult
	}
	return out, nil
}

// Dimensions implements embeddings.Provider.
func (p *Provider) Dimensions() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.DimensionsValue
}

// ModelID implements embeddings.Provider.
func (p *Provider) ModelID() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.ModelIDValue
}
