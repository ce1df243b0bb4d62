// Package mock provides a test double for the memory.Store interface.
//
// Use Store to feed canned search results and verify which turns the
// pipeline records, without a live database.
//
// Example:
//
//	st := &mock.Store{
//	    SearchResult: []memory.Snippet{{Text: "user: hi\nassistant: hello"}},
//	}
//	snips, _ := st.Search(ctx, "hi again", "user-1", 3)
package mock

import (
	"context"
	"sync"
	"time"

	"github.com/Lincept/personality-tts/pkg/memory"
)

// SearchCall records a single invocation of Search.
type SearchCall struct {
	// Ctx is the context passed to Search.
	Ctx context.Context
	// Query is the query text passed to Search.
	Query string
	// UserID is the user identifier passed to Search.
	UserID string
	// Limit is the result cap passed to Search.
	Limit int
}

// RecordTurnCall records a single invocation of RecordTurn.
type RecordTurnCall struct {
	// UserID is the user identifier passed to RecordTurn.
	UserID string
	// UserText is the user side of the recorded exchange.
	UserText string
	// AssistantText is the assistant side of the recorded exchange.
	AssistantText string
}

// Store is a mock implementation of memory.Store.
type Store struct {
	mu sync.Mutex

	// --- Configurable responses ---

	// SearchResult is returned by Search.
	SearchResult []memory.Snippet

	// SearchErr, if non-nil, is returned as the error from Search.
	SearchErr error

	// SearchDelay, if non-zero, is how long Search blocks before returning.
	// It respects context cancellation; use it to exercise the caller's
	// deadline handling.
	SearchDelay time.Duration

	// RecordTurnErr, if non-nil, is returned as the error from RecordTurn.
	RecordTurnErr error

	// RecordTurnDelay mirrors SearchDelay for RecordTurn.
	RecordTurnDelay time.Duration

	// --- Call records (read after test) ---

	// SearchCalls records every invocation of Search in order.
	SearchCalls []SearchCall

	// RecordTurnCalls records every invocation of RecordTurn in order.
	RecordTurnCalls []RecordTurnCall
}

// Search records the call and returns SearchResult, SearchErr after any
// configured delay.
func (s *Store) Search(ctx context.Context, query, userID string, limit int) ([]memory.Snippet, error) {
	s.mu.Lock()
	s.SearchCalls = append(s.SearchCalls, SearchCall{Ctx: ctx, Query: query, UserID: userID, Limit: limit})
	delay := s.SearchDelay
	result := make([]memory.Snippet, len(s.SearchResult))
	copy(result, s.SearchResult)
	err := s.SearchErr
	s.mu.Unlock()

	if delay > 0 {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(delay):
		}
	}
	if err != nil {
		return nil, err
	}
	return result, nil
}

// RecordTurn records the call and returns RecordTurnErr after any configured
// delay.
func (s *Store) RecordTurn(ctx context.Context, userID, userText, assistantText string) error {
	s.mu.Lock()
	s.RecordTurnCalls = append(s.RecordTurnCalls, RecordTurnCall{UserID: userID, UserText: userText, AssistantText: assistantText})
	delay := s.RecordTurnDelay
	err := s.RecordTurnErr
	s.mu.Unlock()

	if delay > 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	return err
}

// RecordedTurns returns a copy of every RecordTurn invocation. Thread-safe.
func (s *Store) RecordedTurns() []RecordTurnCall {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]RecordTurnCall, len(s.RecordTurnCalls))
	copy(out, s.RecordTurnCalls)
	return out
}

// SearchCallCount returns the number of Search calls. Thread-safe.
func (s *Store) SearchCallCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.SearchCalls)
}

// Reset clears all recorded calls. Thread-safe.
func (s *Store) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.SearchCalls = nil
	s.RecordTurnCalls = nil
}

// Ensure Store implements memory.Store at compile time.
var _ memory.Store = (*Store)(nil)
