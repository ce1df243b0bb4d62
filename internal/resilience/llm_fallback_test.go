package resilience

import (
	"context"
	"errors"
	"testing"

	"github.com/Lincept/personality-tts/pkg/provider/llm"
	llmmock "github.com/Lincept/personality-tts/pkg/provider/llm/mock"
)

// llmChain wires primary and secondary into a fallback chain with a fresh
// breaker per entry.
func llmChain(primary, secondary *llmmock.Provider) *LLMFallback {
	fb := NewLLMFallback(primary, "openai", FallbackConfig{
		CircuitBreaker: CircuitBreakerConfig{MaxFailures: 3},
	})
	if secondary != nil {
		fb.AddFallback("local", secondary)
	}
	return fb
}

func drainText(ch <-chan llm.Chunk) string {
	var text string
	for c := range ch {
		text += c.Text
	}
	return text
}

func TestLLMFallback_StreamStaysOnPrimary(t *testing.T) {
	primary := &llmmock.Provider{
		StreamChunks: []llm.Chunk{{Text: "all is "}, {Text: "well", FinishReason: "stop"}},
	}
	secondary := &llmmock.Provider{
		StreamChunks: []llm.Chunk{{Text: "should not run", FinishReason: "stop"}},
	}
	fb := llmChain(primary, secondary)

	ch, err := fb.StreamCompletion(context.Background(), llm.CompletionRequest{})
	if err != nil {
		t.Fatalf("StreamCompletion: %v", err)
	}
	if got := drainText(ch); got != "all is well" {
		t.Errorf("streamed %q, want %q", got, "all is well")
	}
	if n := len(secondary.StreamCalls); n != 0 {
		t.Errorf("secondary saw %d calls, want none", n)
	}
}

func TestLLMFallback_StreamFailsOver(t *testing.T) {
	primary := &llmmock.Provider{StreamErr: errors.New("rate limited")}
	secondary := &llmmock.Provider{
		StreamChunks: []llm.Chunk{{Text: "backup "}, {Text: "answer", FinishReason: "stop"}},
	}
	fb := llmChain(primary, secondary)

	ch, err := fb.StreamCompletion(context.Background(), llm.CompletionRequest{})
	if err != nil {
		t.Fatalf("StreamCompletion: %v", err)
	}
	if got := drainText(ch); got != "backup answer" {
		t.Errorf("streamed %q, want %q", got, "backup answer")
	}
	if len(primary.StreamCalls) != 1 || len(secondary.StreamCalls) != 1 {
		t.Errorf("calls primary=%d secondary=%d, want 1 each",
			len(primary.StreamCalls), len(secondary.StreamCalls))
	}
}

// A cancelled turn must not burn the rest of the chain on a request nobody
// is waiting for.
func TestLLMFallback_StreamCancelSkipsChain(t *testing.T) {
	primary := &llmmock.Provider{StreamErr: context.Canceled}
	secondary := &llmmock.Provider{
		StreamChunks: []llm.Chunk{{Text: "never", FinishReason: "stop"}},
	}
	fb := llmChain(primary, secondary)

	_, err := fb.StreamCompletion(context.Background(), llm.CompletionRequest{})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	if n := len(secondary.StreamCalls); n != 0 {
		t.Errorf("secondary saw %d calls after cancellation, want none", n)
	}
}

func TestLLMFallback_Complete(t *testing.T) {
	t.Run("fails over", func(t *testing.T) {
		primary := &llmmock.Provider{CompleteErr: errors.New("upstream 500")}
		secondary := &llmmock.Provider{
			CompleteResponse: &llm.CompletionResponse{Content: "backup wrote this"},
		}
		fb := llmChain(primary, secondary)

		resp, err := fb.Complete(context.Background(), llm.CompletionRequest{})
		if err != nil {
			t.Fatalf("Complete: %v", err)
		}
		if resp.Content != "backup wrote this" {
			t.Errorf("content = %q, want %q", resp.Content, "backup wrote this")
		}
	})

	t.Run("chain exhausted", func(t *testing.T) {
		primary := &llmmock.Provider{CompleteErr: errors.New("upstream 500")}
		secondary := &llmmock.Provider{CompleteErr: errors.New("model not loaded")}
		fb := llmChain(primary, secondary)

		_, err := fb.Complete(context.Background(), llm.CompletionRequest{})
		if !errors.Is(err, ErrAllFailed) {
			t.Fatalf("err = %v, want ErrAllFailed", err)
		}
		if len(primary.CompleteCalls) != 1 || len(secondary.CompleteCalls) != 1 {
			t.Errorf("calls primary=%d secondary=%d, want 1 each",
				len(primary.CompleteCalls), len(secondary.CompleteCalls))
		}
	})
}

func TestLLMFallback_CountTokensFailsOver(t *testing.T) {
	primary := &llmmock.Provider{CountTokensErr: errors.New("tokenizer unavailable")}
	secondary := &llmmock.Provider{TokenCount: 17}
	fb := llmChain(primary, secondary)

	count, err := fb.CountTokens([]llm.Message{{Role: "user", Content: "how long is this"}})
	if err != nil {
		t.Fatalf("CountTokens: %v", err)
	}
	if count != 17 {
		t.Errorf("count = %d, want 17", count)
	}
}

func TestLLMFallback_CapabilitiesComeFromPrimary(t *testing.T) {
	primary := &llmmock.Provider{
		ModelCapabilities: llm.ModelCapabilities{ContextWindow: 128000, SupportsStreaming: true},
	}
	secondary := &llmmock.Provider{
		ModelCapabilities: llm.ModelCapabilities{ContextWindow: 8192},
	}
	fb := llmChain(primary, secondary)

	caps := fb.Capabilities()
	if caps.ContextWindow != 128000 || !caps.SupportsStreaming {
		t.Errorf("caps = %+v, want the primary's", caps)
	}
	if secondary.CapabilitiesCallCount != 0 {
		t.Errorf("secondary consulted %d times for capabilities, want 0",
			secondary.CapabilitiesCallCount)
	}
}
