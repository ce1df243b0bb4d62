// Package anyllm implements llm.Provider on top of
// github.com/mozilla-ai/any-llm-go, which multiplexes OpenAI, Anthropic,
// Gemini, Ollama, DeepSeek, Mistral and Groq behind one client. It also
// reaches OpenAI-compatible servers (DashScope, Doubao, vLLM, llama.cpp)
// through NewCompatible.
//
//	p, err := anyllm.New("anthropic", "claude-3-5-sonnet-latest",
//		anyllmlib.WithAPIKey("sk-ant-..."))
//
// When no API key option is given the backend reads its usual environment
// variable (OPENAI_API_KEY, ANTHROPIC_API_KEY, ...).
package anyllm

import (
	"context"
	"errors"
	"fmt"
	"strings"

	anyllmlib "github.com/mozilla-ai/any-llm-go"
	"github.com/mozilla-ai/any-llm-go/providers/anthropic"
	"github.com/mozilla-ai/any-llm-go/providers/deepseek"
	"github.com/mozilla-ai/any-llm-go/providers/gemini"
	"github.com/mozilla-ai/any-llm-go/providers/groq"
	"github.com/mozilla-ai/any-llm-go/providers/mistral"
	"github.com/mozilla-ai/any-llm-go/providers/ollama"
	anyllmoai "github.com/mozilla-ai/any-llm-go/providers/openai"

	"github.com/Lincept/personality-tts/pkg/provider/llm"
)

// Provider adapts one any-llm-go backend to llm.Provider.
type Provider struct {
	backend anyllmlib.Provider
	model   string
}

// New builds a Provider on the named backend: "openai", "anthropic",
// "gemini", "ollama", "deepseek", "mistral" or "groq".
func New(backendName string, model string, opts ...anyllmlib.Option) (*Provider, error) {
	if backendName == "" {
		return nil, errors.New("anyllm: backend name required")
	}
	if model == "" {
		return nil, errors.New("anyllm: model required")
	}
	backend, err := dial(backendName, opts...)
	if err != nil {
		return nil, fmt.Errorf("anyllm: %s: %w", backendName, err)
	}
	return &Provider{backend: backend, model: model}, nil
}

// NewOpenAI is shorthand for New("openai", ...).
func NewOpenAI(model string, opts ...anyllmlib.Option) (*Provider, error) {
	return New("openai", model, opts...)
}

// NewAnthropic is shorthand for New("anthropic", ...).
func NewAnthropic(model string, opts ...anyllmlib.Option) (*Provider, error) {
	return New("anthropic", model, opts...)
}

// NewOllama is shorthand for New("ollama", ...). Without options it talks to
// http://localhost:11434.
func NewOllama(model string, opts ...anyllmlib.Option) (*Provider, error) {
	return New("ollama", model, opts...)
}

// NewCompatible targets an arbitrary OpenAI-compatible chat endpoint. The
// base URL is mandatory; the API key may be empty for unauthenticated local
// servers.
func NewCompatible(baseURL, apiKey, model string) (*Provider, error) {
	if baseURL == "" {
		return nil, errors.New("anyllm: compatible endpoint requires a base URL")
	}
	if apiKey == "" {
		// The backend insists on a key even though local servers ignore the
		// Authorization header.
		apiKey = "unused"
	}
	return New("openai", model, anyllmlib.WithBaseURL(baseURL), anyllmlib.WithAPIKey(apiKey))
}

// dial constructs the backend for name. Each backend lives in its own
// any-llm-go subpackage with an identically shaped constructor.
func dial(name string, opts ...anyllmlib.Option) (anyllmlib.Provider, error) {
	switch strings.ToLower(name) {
	case "anthropic":
		return anthropic.New(opts...)
	case "deepseek":
		return deepseek.New(opts...)
	case "gemini":
		return gemini.New(opts...)
	case "groq":
		return groq.New(opts...)
	case "mistral":
		return mistral.New(opts...)
	case "ollama":
		return ollama.New(opts...)
	case "openai":
		return anyllmoai.New(opts...)
	}
	return nil, fmt.Errorf("unknown backend %q", name)
}

// mergeCalls folds one delta's partial tool calls into acc. any-llm-go
// deltas carry fragments positionally, so position i extends call i.
func mergeCalls(acc []llm.ToolCall, deltas []anyllmlib.ToolCall) []llm.ToolCall {
	for i, tc := range deltas {
		for len(acc) <= i {
			acc = append(acc, llm.ToolCall{})
		}
		if tc.ID != "" {
			acc[i].ID = tc.ID
		}
		if tc.Function.Name != "" {
			acc[i].Name = tc.Function.Name
		}
		acc[i].Arguments += tc.Function.Arguments
	}
	return acc
}

// StreamCompletion implements llm.Provider.
func (p *Provider) StreamCompletion(ctx context.Context, req llm.CompletionRequest) (<-chan llm.Chunk, error) {
	chunks, errs := p.backend.CompletionStream(ctx, p.completionParams(req))

	ch := make(chan llm.Chunk, 32)
	go func() {
		defer close(ch)

		send := func(c llm.Chunk) bool {
			select {
			case ch <- c:
				return true
			case <-ctx.Done():
				return false
			}
		}

		var calls []llm.ToolCall
		for chunk := range chunks {
			if len(chunk.Choices) == 0 {
				continue
			}
			choice := chunk.Choices[0]
			calls = mergeCalls(calls, choice.Delta.ToolCalls)

			out := llm.Chunk{Text: choice.Delta.Content, FinishReason: choice.FinishReason}
			if choice.FinishReason != "" && len(calls) > 0 {
				out.ToolCalls = calls
			}
			if !send(out) {
				return
			}
		}
		// The error channel resolves only once the chunk stream is drained.
		if err := <-errs; err != nil {
			send(llm.Chunk{FinishReason: llm.FinishError, Text: err.Error()})
		}
	}()
	return ch, nil
}

// Complete implements llm.Provider.
func (p *Provider) Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	resp, err := p.backend.Completion(ctx, p.completionParams(req))
	if err != nil {
		return nil, fmt.Errorf("anyllm: completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return nil, errors.New("anyllm: response carries no choices")
	}

	msg := resp.Choices[0].Message
	out := &llm.CompletionResponse{Content: msg.ContentString()}
	for _, tc := range msg.ToolCalls {
		out.ToolCalls = append(out.ToolCalls, llm.ToolCall{
			ID:        tc.ID,
			Name:      tc.Function.Name,
			Arguments: tc.Function.Arguments,
		})
	}
	if u := resp.Usage; u != nil {
		out.Usage = llm.Usage{
			PromptTokens:     u.PromptTokens,
			CompletionTokens: u.CompletionTokens,
			TotalTokens:      u.TotalTokens,
		}
	}
	return out, nil
}

// CountTokens implements llm.Provider. Without a per-backend tokeniser the
// estimate assumes four characters per token plus framing per message.
func (p *Provider) CountTokens(messages []llm.Message) (int, error) {
	n := 0
	for _, m := range messages {
		n += (len(m.Content)+3)/4 + 4
	}
	return n, nil
}

// Capabilities implements llm.Provider.
func (p *Provider) Capabilities() llm.ModelCapabilities {
	return modelCapabilities(p.model)
}

// completionParams translates req into the backend's parameter struct.
func (p *Provider) completionParams(req llm.CompletionRequest) anyllmlib.CompletionParams {
	msgs := make([]anyllmlib.Message, 0, len(req.Messages)+1)
	if req.SystemPrompt != "" {
		msgs = append(msgs, anyllmlib.Message{Role: anyllmlib.RoleSystem, Content: req.SystemPrompt})
	}
	for _, m := range req.Messages {
		msgs = append(msgs, toBackendMessage(m))
	}

	params := anyllmlib.CompletionParams{Model: p.model, Messages: msgs}
	if req.Temperature != 0 {
		params.Temperature = &req.Temperature
	}
	if req.MaxTokens > 0 {
		params.MaxTokens = &req.MaxTokens
	}
	for _, td := range req.Tools {
		params.Tools = append(params.Tools, anyllmlib.Tool{
			Type: "function",
			Function: anyllmlib.Function{
				Name:        td.Name,
				Description: td.Description,
				Parameters:  td.Parameters,
			},
		})
	}
	return params
}

func toBackendMessage(m llm.Message) anyllmlib.Message {
	out := anyllmlib.Message{
		Role:       m.Role,
		Content:    m.Content,
		Name:       m.Name,
		ToolCallID: m.ToolCallID,
	}
	for _, tc := range m.ToolCalls {
		out.ToolCalls = append(out.ToolCalls, anyllmlib.ToolCall{
			ID:       tc.ID,
			Type:     "function",
			Function: anyllmlib.FunctionCall{Name: tc.Name, Arguments: tc.Arguments},
		})
	}
	return out
}

// modelCapabilities maps model-name families to their published limits.
// Unknown names get workable defaults rather than an error; the pipeline
// only uses these for budget decisions.
func modelCapabilities(model string) llm.ModelCapabilities {
	caps := llm.ModelCapabilities{
		SupportsToolCalling: true,
		SupportsStreaming:   true,
		ContextWindow:       128_000,
		MaxOutputTokens:     4_096,
	}

	lower := strings.ToLower(model)
	switch {
	case strings.HasPrefix(lower, "gpt-4o"):
		caps.MaxOutputTokens = 16_384

	case strings.HasPrefix(lower, "gpt-4"):
		caps.ContextWindow = 8_192

	case strings.HasPrefix(lower, "o1"), strings.HasPrefix(lower, "o3"):
		caps.ContextWindow = 200_000
		caps.MaxOutputTokens = 100_000

	case strings.HasPrefix(lower, "claude"):
		caps.ContextWindow = 200_000
		caps.MaxOutputTokens = 8_192

	case strings.HasPrefix(lower, "gemini"):
		caps.ContextWindow = 1_048_576
		caps.MaxOutputTokens = 8_192

	case strings.HasPrefix(lower, "qwen"), strings.HasPrefix(lower, "doubao"):
		caps.ContextWindow = 131_072
		caps.MaxOutputTokens = 8_192

	case strings.HasPrefix(lower, "deepseek"):
		caps.ContextWindow = 64_000
		caps.MaxOutputTokens = 8_192
	}
	return caps
}
