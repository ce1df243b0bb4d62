package pipeline

import (
	"sync"

	"github.com/Lincept/personality-tts/pkg/provider/llm"
)

// DefaultHistoryDepth is the number of conversation messages retained when no
// depth is configured.
const DefaultHistoryDepth = 20

// History is the bounded in-process conversation log. User messages are
// appended when a turn enters generation; assistant messages only when the
// turn completes, so a cancelled reply leaves no trace.
//
// History is safe for concurrent use. The orchestrator is the only writer,
// but status readers may snapshot it at any time.
type History struct {
	mu   sync.Mutex
	max  int
	msgs []llm.Message
}

// NewHistory creates a History bounded to the most recent max messages.
// Values below 1 fall back to DefaultHistoryDepth.
func NewHistory(max int) *History {
	if max < 1 {
		max = DefaultHistoryDepth
	}
	return &History{max: max}
}

// AppendUser records one user message.
func (h *History) AppendUser(text string) {
	h.append(llm.Message{Role: "user", Content: text})
}

// AppendAssistant records one assistant message.
func (h *History) AppendAssistant(text string) {
	h.append(llm.Message{Role: "assistant", Content: text})
}

func (h *History) append(m llm.Message) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.msgs = append(h.msgs, m)
	if n := len(h.msgs) - h.max; n > 0 {
		h.msgs = append(h.msgs[:0:0], h.msgs[n:]...)
	}
}

// Messages returns a copy of the retained messages, oldest first.
func (h *History) Messages() []llm.Message {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]llm.Message, len(h.msgs))
	copy(out, h.msgs)
	return out
}

// Len returns the number of retained messages.
func (h *History) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.msgs)
}
