package config

import (
	"errors"
	"fmt"
	"sync"

	"github.com/Lincept/personality-tts/pkg/provider/asr"
	"github.com/Lincept/personality-tts/pkg/provider/embeddings"
	"github.com/Lincept/personality-tts/pkg/provider/llm"
	"github.com/Lincept/personality-tts/pkg/provider/tts"
	"github.com/Lincept/personality-tts/pkg/provider/vad"
)

// ErrProviderNotRegistered is returned by Create* methods when no factory has
// been registered under the requested provider name.
var ErrProviderNotRegistered = errors.New("config: provider not registered")

// Factory builds a provider instance from its validated config entry.
type Factory[T any] func(ProviderEntry) (T, error)

// table is one name → factory namespace. Namespaces are independent, so an
// ASR provider and a TTS provider may share a name.
type table[T any] struct {
	kind      string
	mu        sync.RWMutex
	factories map[string]Factory[T]
}

func newTable[T any](kind string) *table[T] {
	return &table[T]{kind: kind, factories: make(map[string]Factory[T])}
}

// put stores f under name. Later registrations replace earlier ones.
func (t *table[T]) put(name string, f Factory[T]) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.factories[name] = f
}

func (t *table[T]) build(entry ProviderEntry) (T, error) {
	t.mu.RLock()
	f, ok := t.factories[entry.Name]
	t.mu.RUnlock()
	if !ok {
		var zero T
		return zero, fmt.Errorf("%w: %s/%q", ErrProviderNotRegistered, t.kind, entry.Name)
	}
	return f(entry)
}

// Registry holds the provider factories the engine can instantiate, one
// namespace per provider kind. It is safe for concurrent use.
type Registry struct {
	asr        *table[asr.Provider]
	llm        *table[llm.Provider]
	tts        *table[tts.Provider]
	vad        *table[vad.Engine]
	embeddings *table[embeddings.Provider]
}

// NewRegistry returns an empty, ready-to-use [Registry].
func NewRegistry() *Registry {
	return &Registry{
		asr:        newTable[asr.Provider]("asr"),
		llm:        newTable[llm.Provider]("llm"),
		tts:        newTable[tts.Provider]("tts"),
		vad:        newTable[vad.Engine]("vad"),
		embeddings: newTable[embeddings.Provider]("embeddings"),
	}
}

// RegisterASR registers an ASR provider factory under name.
func (r *Registry) RegisterASR(name string, factory Factory[asr.Provider]) { r.asr.put(name, factory) }

// RegisterLLM registers an LLM provider factory under name.
func (r *Registry) RegisterLLM(name string, factory Factory[llm.Provider]) { r.llm.put(name, factory) }

// RegisterTTS registers a TTS provider factory under name.
func (r *Registry) RegisterTTS(name string, factory Factory[tts.Provider]) { r.tts.put(name, factory) }

// RegisterVAD registers a VAD engine factory under name.
func (r *Registry) RegisterVAD(name string, factory Factory[vad.Engine]) { r.vad.put(name, factory) }

// RegisterEmbeddings registers an embeddings provider factory under name.
func (r *Registry) RegisterEmbeddings(name string, factory Factory[embeddings.Provider]) {
	r.embeddings.put(name, factory)
}

// CreateASR instantiates the ASR provider registered under entry.Name, or
// returns [ErrProviderNotRegistered].
func (r *Registry) CreateASR(entry ProviderEntry) (asr.Provider, error) {
	return r.asr.build(entry)
}

// CreateLLM instantiates the LLM provider registered under entry.Name.
func (r *Registry) CreateLLM(entry ProviderEntry) (llm.Provider, error) {
	return r.llm.build(entry)
}

// CreateTTS instantiates the TTS provider registered under entry.Name.
func (r *Registry) CreateTTS(entry ProviderEntry) (tts.Provider, error) {
	return r.tts.build(entry)
}

// CreateVAD instantiates the VAD engine registered under entry.Name.
func (r *Registry) CreateVAD(entry ProviderEntry) (vad.Engine, error) {
	return r.vad.build(entry)
}

// CreateEmbeddings instantiates the embeddings provider registered under entry.Name.
func (r *Registry) CreateEmbeddings(entry ProviderEntry) (embeddings.Provider, error) {
	return r.embeddings.build(entry)
}
