package pipeline

import "testing"

func TestHistory_AppendAndOrder(t *testing.T) {
	t.Parallel()

	h := NewHistory(10)
	h.AppendUser("hello")
	h.AppendAssistant("hi there")
	h.AppendUser("how are you")

	msgs := h.Messages()
	if len(msgs) != 3 {
		t.Fatalf("Len: got %d, want 3", len(msgs))
	}
	wantRoles := []string{"user", "assistant", "user"}
	wantText := []string{"hello", "hi there", "how are you"}
	for i, m := range msgs {
		if m.Role != wantRoles[i] || m.Content != wantText[i] {
			t.Errorf("message %d: got %s %q, want %s %q", i, m.Role, m.Content, wantRoles[i], wantText[i])
		}
	}
}

func TestHistory_BoundsToMostRecent(t *testing.T) {
	t.Parallel()

	h := NewHistory(4)
	h.AppendUser("one")
	h.AppendAssistant("two")
	h.AppendUser("three")
	h.AppendAssistant("four")
	h.AppendUser("five")
	h.AppendAssistant("six")

	msgs := h.Messages()
	if len(msgs) != 4 {
		t.Fatalf("Len after overflow: got %d, want 4", len(msgs))
	}
	if msgs[0].Content != "three" || msgs[3].Content != "six" {
		t.Errorf("retained window: got %q..%q, want \"three\"..\"six\"", msgs[0].Content, msgs[3].Content)
	}
}

func TestHistory_DepthFallback(t *testing.T) {
	t.Parallel()

	h := NewHistory(0)
	for i := 0; i < DefaultHistoryDepth+5; i++ {
		h.AppendUser("msg")
	}
	if got := h.Len(); got != DefaultHistoryDepth {
		t.Errorf("Len with zero depth: got %d, want %d", got, DefaultHistoryDepth)
	}
}

func TestHistory_MessagesReturnsCopy(t *testing.T) {
	t.Parallel()

	h := NewHistory(4)
	h.AppendUser("original")

	msgs := h.Messages()
	msgs[0].Content = "mutated"

	if got := h.Messages()[0].Content; got != "original" {
		t.Errorf("retained message changed through the returned slice: %q", got)
	}
}
