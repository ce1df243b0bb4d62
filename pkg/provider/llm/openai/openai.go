// Package openai adapts the official OpenAI Go SDK to the llm.Provider
// interface. With WithBaseURL the same adapter serves any endpoint that
// speaks the OpenAI chat protocol.
package openai

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"time"

	oai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/packages/param"
	"github.com/openai/openai-go/shared"

	"github.com/Lincept/personality-tts/pkg/provider/llm"
)

// chunkBuffer absorbs short bursts so the SDK reader is not blocked on a
// slow consumer.
const chunkBuffer = 32

// Provider implements llm.Provider on top of the OpenAI chat completions API.
type Provider struct {
	client oai.Client
	model  string
}

type settings struct {
	baseURL string
	timeout time.Duration
}

// Option customises the constructed Provider.
type Option func(*settings)

// WithBaseURL points the client at an OpenAI-compatible endpoint instead of
// api.openai.com.
func WithBaseURL(url string) Option {
	return func(s *settings) { s.baseURL = url }
}

// WithTimeout bounds each HTTP request.
func WithTimeout(d time.Duration) Option {
	return func(s *settings) { s.timeout = d }
}

// New builds a Provider for the given model. The API key and model name are
// mandatory; everything else has workable defaults.
func New(apiKey, model string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, errors.New("openai: api key required")
	}
	if model == "" {
		return nil, errors.New("openai: model required")
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

// toolAccum merges the per-index tool call fragments a stream delivers into
// complete calls. The zero value is ready to use.
type toolAccum struct {
	byIndex map[int]*llm.ToolCall
}

func (a *toolAccum) absorb(idx int, id, name, args string) {
	if a.byIndex == nil {
		a.byIndex = make(map[int]*llm.ToolCall)
	}
	cur, ok := a.byIndex[idx]
	if !ok {
		cur = &llm.ToolCall{}
		a.byIndex[idx] = cur
	}
	if id != "" {
		cur.ID = id
	}
	if name != "" {
		cur.Name = name
	}
	cur.Arguments += args
}

// calls returns the accumulated invocations in index order, or nil when the
// stream requested none.
func (a *toolAccum) calls() []llm.ToolCall {
	if len(a.byIndex) == 0 {
		return nil
	}
	idxs := make([]int, 0, len(a.byIndex))
	for i := range a.byIndex {
		idxs = append(idxs, i)
	}
	sort.Ints(idxs)
	out := make([]llm.ToolCall, 0, len(idxs))
	for _, i := range idxs {
		out = append(out, *a.byIndex[i])
	}
	return out
}

// StreamCompletion implements llm.Provider.
func (p *Provider) StreamCompletion(ctx context.Context, req llm.CompletionRequest) (<-chan llm.Chunk, error) {
	params, err := p.requestParams(req)
	if err != nil {
		return nil, err
	}

	stream := p.client.Chat.Completions.NewStreaming(ctx, params)
	if err := stream.Err(); err != nil {
		return nil, fmt.Errorf("openai: open stream: %w", err)
	}

	ch := make(chan llm.Chunk, chunkBuffer)
	go func() {
		defer close(ch)
		defer stream.Close()

		send := func(c llm.Chunk) bool {
			select {
			case ch <- c:
				return true
			case <-ctx.Done():
				return false
			}
		}

		var acc toolAccum
		for stream.Next() {
			evt := stream.Current()
			if len(evt.Choices) == 0 {
				continue
			}
			choice := evt.Choices[0]
			for _, tc := range choice.Delta.ToolCalls {
				acc.absorb(int(tc.Index), tc.ID, tc.Function.Name, tc.Function.Arguments)
			}
			out := llm.Chunk{Text: choice.Delta.Content, FinishReason: choice.FinishReason}
			if choice.FinishReason != "" {
				// Argument fragments are only complete once the stream ends.
				out.ToolCalls = acc.calls()
			}
			if !send(out) {
				return
			}
		}
		if err := stream.Err(); err != nil {
			send(llm.Chunk{FinishReason: llm.FinishError, Text: err.Error()})
		}
	}()
	return ch, nil
}

// Complete implements llm.Provider.
func (p *Provider) Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	params, err := p.requestParams(req)
	if err != nil {
		return nil, err
	}

	resp, err := p.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("openai: completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return nil, errors.New("openai: response carries no choices")
	}

	msg := resp.Choices[0].Message
	calls := make([]llm.ToolCall, 0, len(msg.ToolCalls))
	for _, tc := range msg.ToolCalls {
		calls = append(calls, llm.ToolCall{ID: tc.ID, Name: tc.Function.Name, Arguments: tc.Function.Arguments})
	}
	return &llm.CompletionResponse{
		Content:   msg.Content,
		ToolCalls: calls,
		Usage: llm.Usage{
			PromptTokens:     int(resp.Usage.PromptTokens),
			CompletionTokens: int(resp.Usage.CompletionTokens),
			TotalTokens:      int(resp.Usage.TotalTokens),
		},
	}, nil
}

const messageOverheadTokens = 4

// CountTokens implements llm.Provider with a character-based estimate.
// GPT-family tokenisers average roughly four characters per English token.
func (p *Provider) CountTokens(messages []llm.Message) (int, error) {
	n := 0
	for _, m := range messages {
		n += approxTokens(m.Content) + messageOverheadTokens
	}
	return n, nil
}

func approxTokens(s string) int { return (len(s) + 3) / 4 }

// Capabilities implements llm.Provider.
func (p *Provider) Capabilities() llm.ModelCapabilities {
	return capsFor(p.model)
}

type modelFamily struct {
	prefix string
	caps   llm.ModelCapabilities
}

// Specific prefixes come before their generic family so "gpt-4o" wins over
// "gpt-4". First match applies.
var modelFamilies = []modelFamily{
	{"gpt-4o", llm.ModelCapabilities{ContextWindow: 128_000, MaxOutputTokens: 16_384, SupportsToolCalling: true, SupportsStreaming: true}},
	{"gpt-4-turbo", llm.ModelCapabilities{ContextWindow: 128_000, MaxOutputTokens: 4_096, SupportsToolCalling: true, SupportsStreaming: true}},
	{"gpt-4", llm.ModelCapabilities{ContextWindow: 8_192, MaxOutputTokens: 4_096, SupportsToolCalling: true, SupportsStreaming: true}},
	{"gpt-3.5-turbo", llm.ModelCapabilities{ContextWindow: 16_385, MaxOutputTokens: 4_096, SupportsToolCalling: true, SupportsStreaming: true}},
	{"o1-mini", llm.ModelCapabilities{ContextWindow: 128_000, MaxOutputTokens: 65_536, SupportsStreaming: true}},
	{"o1", llm.ModelCapabilities{ContextWindow: 200_000, MaxOutputTokens: 100_000, SupportsToolCalling: true, SupportsStreaming: true}},
	{"o3", llm.ModelCapabilities{ContextWindow: 200_000, MaxOutputTokens: 100_000, SupportsToolCalling: true, SupportsStreaming: true}},
}

// capsFor resolves limits by model family, falling back to conservative
// defaults for names it does not recognise.
func capsFor(model string) llm.ModelCapabilities {
	name := strings.ToLower(model)
	for _, fam := range modelFamilies {
		if strings.HasPrefix(name, fam.prefix) {
			return fam.caps
		}
	}
	return llm.ModelCapabilities{ContextWindow: 128_000, MaxOutputTokens: 4_096, SupportsToolCalling: true, SupportsStreaming: true}
}

// requestParams translates a CompletionRequest into SDK params.
func (p *Provider) requestParams(req llm.CompletionRequest) (oai.ChatCompletionNewParams, error) {
	msgs := make([]oai.ChatCompletionMessageParamUnion, 0, len(req.Messages)+1)
	if req.SystemPrompt != "" {
		msgs = append(msgs, oai.SystemMessage(req.SystemPrompt))
	}
	for _, m := range req.Messages {
		conv, err := chatMessage(m)
		if err != nil {
			return oai.ChatCompletionNewParams{}, err
		}
		msgs = append(msgs, conv)
	}

	params := oai.ChatCompletionNewParams{
		Model:    shared.ChatModel(p.model),
		Messages: msgs,
	}
	if req.Temperature != 0 {
		params.Temperature = param.NewOpt(req.Temperature)
	}
	if req.MaxTokens > 0 {
		params.MaxCompletionTokens = param.NewOpt(int64(req.MaxTokens))
	}
	for _, td := range req.Tools {
		params.Tools = append(params.Tools, oai.ChatCompletionToolParam{
			Function: shared.FunctionDefinitionParam{
				Name:        td.Name,
				Description: param.NewOpt(td.Description),
				Parameters:  shared.FunctionParameters(td.Parameters),
			},
		})
	}
	return params, nil
}

// chatMessage maps one transcript message onto the SDK's union type.
func chatMessage(m llm.Message) (oai.ChatCompletionMessageParamUnion, error) {
	switch m.Role {
	case "system":
		return oai.SystemMessage(m.Content), nil

	case "user":
		return oai.UserMessage(m.Content), nil

	case "tool":
		return oai.ToolMessage(m.Content, m.ToolCallID), nil

	case "assistant":
		out := oai.ChatCompletionAssistantMessageParam{}
		if m.Content != "" {
			out.Content.OfString = oai.String(m.Content)
		}
		if m.Name != "" {
			out.Name = oai.String(m.Name)
		}
		for _, tc := range m.ToolCalls {
			out.ToolCalls = append(out.ToolCalls, oai.ChatCompletionMessageToolCallParam{
				ID: tc.ID,
				Function: oai.ChatCompletionMessageToolCallFunctionParam{
					Name:      tc.Name,
					Arguments: tc.Arguments,
				},
			})
		}
		return oai.ChatCompletionMessageParamUnion{OfAssistant: &out}, nil

	default:
		return oai.ChatCompletionMessageParamUnion{}, fmt.Errorf("openai: unsupported message role %q", m.Role)
	}
}
