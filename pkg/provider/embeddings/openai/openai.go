// Package openai implements embeddings.Provider on the OpenAI embeddings
// API. WithBaseURL points it at any compatible endpoint.
package openai

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	oai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/Lincept/personality-tts/pkg/provider/embeddings"
)

// DefaultModel is used when the config names no embedding model.
const DefaultModel = oai.EmbeddingModelTextEmbedding3Small

// Provider implements embeddings.Provider.
type Provider struct {
	client oai.Client
	model  string
}

var _ embeddings.Provider = (*Provider)(nil)

type settings struct {
	baseURL string
	timeout time.Duration
}

// Option customises the constructed Provider.
type Option func(*settings)

// WithBaseURL points the client at an OpenAI-compatible endpoint.
func WithBaseURL(url string) Option {
	return func(s *settings) { s.baseURL = url }
}

// WithTimeout bounds each HTTP request.
func WithTimeout(d time.Duration) Option {
	return func(s *settings) { s.timeout = d }
}

// New builds a Provider. An empty model falls back to [DefaultModel].
func New(apiKey, model string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, errors.New("openai embeddings: api key required")
	}
	if model == "" {
		model = DefaultModel
	}

	var s settings
	for _, o := range opts {
		o(&s)
	}

	ro := []option.RequestOption{option.WithAPIKey(apiKey)}
	if s.baseURL != "" {
		ro = append(ro, option.WithBaseURL(s.baseURL))
	}
	if s.timeout > 0 {
		ro = append(ro, option.WithHTTPClient(&http.Client{Timeout: s.timeout}))
	}

	return &Provider{client: oai.NewClient(ro...), model: model}, nil
}

// Embed implements embeddings.Provider as a one-element batch, so both
// entry points share a single request path.
func (p *Provider) Embed(ctx context.Context, text string) ([]float32, error) {
	vecs, err := p.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vecs[0], nil
}

// EmbedBatch implements embeddings.Provider. Vectors come back in input
// order regardless of the order the API reports them.
func (p *Provider) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	resp, err := p.client.Embeddings.New(ctx, oai.EmbeddingNewParams{
		Model: p.model,
		Input: oai.EmbeddingNewParamsInputUnion{OfArrayOfStrings: texts},
	})
	if err != nil {
		return nil, fmt.Errorf("openai embeddings: %w", err)
	}
	if len(resp.Data) != len(texts) {
		return nil, fmt.Errorf("openai embeddings: got %d vectors for %d inputs", len(resp.Data), len(texts))
	}

	out := make([][]float32, len(texts))
	for _, d := range resp.Data {
		if d.Index < 0 || int(d.Index) >= len(out) {
			return nil, fmt.Errorf("openai embeddings: vector index %d out of range", d.Index)
		}
		out[d.Index] = narrow(d.Embedding)
	}
	return out, nil
}

// Vector widths published for the OpenAI embedding models.
var modelWidths = map[string]int{
	"text-embedding-3-large": 3072,
	"text-embedding-3-small": 1536,
	"text-embedding-ada-002": 1536,
}

const defaultWidth = 1536

// Dimensions implements embeddings.Provider.
func (p *Provider) Dimensions() int {
	name := strings.ToLower(p.model)
	for model, width := range modelWidths {
		if strings.Contains(name, model) {
			return width
		}
	}
	return defaultWidth
}

// ModelID implements embeddings.Provider.
func (p *Provider) ModelID() string {
	return p.model
}

// narrow converts the API's float64 vector to the float32 the memory store
// keeps.
func narrow(v []float64) []float32 {
	out := make([]float32, len(v))
	for i, x := range v {
		out[i] = float32(x)
	}
	return out
}
