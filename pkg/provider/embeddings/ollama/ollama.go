// Package ollama implements embeddings.Provider against a local Ollama
// server for fully local deployments. It speaks the native /api/embed
// endpoint with models such as nomic-embed-text or all-minilm.
package ollama

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/Lincept/personality-tts/pkg/provider/embeddings"
)

// DefaultBaseURL is the address of a locally running Ollama instance.
const DefaultBaseURL = "http://localhost:11434"

// Provider implements embeddings.Provider against an Ollama server.
//
// The vector dimension is resolved from, in order: the WithDimensions
// option, a built-in table of well-known models, or a one-time probe embed
// against the live server on the first Dimensions call.
//
// Provider is safe for concurrent use.
type Provider struct {
	baseURL string
	model   string
	httpc   *http.Client

	dimensions int
	probeOnce  sync.Once
}

var _ embeddings.Provider = (*Provider)(nil)

type settings struct {
	timeout    time.Duration
	dimensions int
}

// Option customises the constructed Provider.
type Option func(*settings)

// WithTimeout bounds each HTTP request. Zero means no timeout.
func WithTimeout(d time.Duration) Option {
	return func(s *settings) { s.timeout = d }
}

// WithDimensions pre-sets the vector dimension, skipping both the model
// table and the probe request.
func WithDimensions(dims int) Option {
	return func(s *settings) { s.dimensions = dims }
}

// New builds a Provider. An empty baseURL selects [DefaultBaseURL]; model
// must name an embedding model pulled on the server.
func New(baseURL, model string, opts ...Option) (*Provider, error) {
	if model == "" {
		return nil, errors.New("ollama embeddings: model required")
	}
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}

	var s settings
	for _, o := range opts {
		o(&s)
	}

	p := &Provider{
		baseURL:    strings.TrimRight(baseURL, "/"),
		model:      model,
		httpc:      &http.Client{Timeout: s.timeout},
		dimensions: s.dimensions,
	}
	if p.dimensions == 0 {
		p.dimensions = wellKnownWidths[strings.ToLower(model)]
	}
	return p, nil
}

// Embed implements embeddings.Provider. The text is forwarded verbatim; any
// model-specific prefix ("query: ", "passage: ") is the caller's concern.
func (p *Provider) Embed(ctx context.Context, text string) ([]float32, error) {
	vecs, err := p.post(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vecs[0], nil
}

// EmbedBatch implements embeddings.Provider.
func (p *Provider) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	vecs, err := p.post(ctx, texts)
	if err != nil {
		return nil, err
	}
	if len(vecs) != len(texts) {
		return nil, fmt.Errorf("ollama embeddings: got %d vectors for %d inputs", len(vecs), len(texts))
	}
	return vecs, nil
}

// Dimensions implements embeddings.Provider. Unknown models are probed once
// against the live server; a failed probe reports 0.
func (p *Provider) Dimensions() int {
	// Reads of p.dimensions are ordered through the Once so they cannot race
	// a concurrent probe.
	p.probeOnce.Do(func() {
		if p.dimensions != 0 {
			return
		}
		if vecs, err := p.post(context.Background(), []string{"probe"}); err == nil {
			p.dimensions = len(vecs[0])
		}
	})
	return p.dimensions
}

// ModelID implements embeddings.Provider.
func (p *Provider) ModelID() string {
	return p.model
}

// post sends one /api/embed request. A successful return always carries at
// least one vector.
func (p *Provider) post(ctx context.Context, texts []string) ([][]float32, error) {
	payload, err := json.Marshal(struct {
		Model string   `json:"model"`
		Input []string `json:"input"`
	}{p.model, texts})
	if err != nil {
		return nil, fmt.Errorf("ollama embeddings: encode: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/api/embed", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("ollama embeddings: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.httpc.Do(req)
	if err != nil {
		return nil, fmt.Errorf("ollama embeddings: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("ollama embeddings: server returned %s", resp.Status)
	}

	var body struct {
		Embeddings [][]float32 `json:"embeddings"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("ollama embeddings: decode: %w", err)
	}
	if len(body.Embeddings) == 0 {
		return nil, errors.New("ollama embeddings: response carries no vectors")
	}
	return body.Embeddings, nil
}

// wellKnownWidths lists output dimensions for the common Ollama embedding
// models. Absent models resolve to 0, which defers to the probe.
var wellKnownWidths = map[string]int{
	"nomic-embed-text":  768,
	"mxbai-embed-large": 1024,
	"all-minilm":        384,
}
