// Package memory defines the long-term conversation memory consulted by the
// voice pipeline.
//
// Before opening the LLM stream the orchestrator searches the store for past
// exchanges relevant to what the user just said and folds the results into
// the system message. After a turn completes, the exchange is recorded so
// later conversations can recall it. Both calls sit on the turn's latency
// path, so the orchestrator applies a short deadline; implementations must
// honour context cancellation.
//
// Implementations must be safe for concurrent use.
package memory

import (
	"context"
	"time"
)

// Snippet is one remembered exchange returned by a search, ordered most
// relevant first.
type Snippet struct {
	// Text is the remembered content, formatted for direct inclusion in a
	// system prompt.
	Text string

	// Distance is the vector-space distance between the query and this
	// memory. Lower is more similar. Zero when the backend does not rank.
	Distance float64

	// CreatedAt is when the memory was recorded.
	CreatedAt time.Time
}

// Store is the abstraction over any conversation memory backend.
type Store interface {
	// Search returns up to limit snippets relevant to query for the given
	// user, most relevant first. An empty result is not an error.
	Search(ctx context.Context, query, userID string, limit int) ([]Snippet, error)

	// RecordTurn persists one completed exchange. Called exactly once per
	// completed turn, after the assistant reply has entered history.
	RecordTurn(ctx context.Context, userID, userText, assistantText string) error
}
