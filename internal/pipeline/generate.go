package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/Lincept/personality-tts/internal/observe"
	"github.com/Lincept/personality-tts/internal/sanitize"
	"github.com/Lincept/personality-tts/pkg/provider/llm"
)

// defaultMemoryLimit is the number of memory snippets retrieved per turn.
const defaultMemoryLimit = 5

// runTurn is the per-turn worker goroutine. It executes the turn and reports
// the outcome to the command loop; the loop owns all state transitions that
// follow.
func (p *Pipeline) runTurn(ctx context.Context, turn uint64, userText string) {
	defer p.wg.Done()

	ctx, span := observe.StartSpan(ctx, "pipeline.turn")
	p.metrics.ActiveTurns.Add(ctx, 1)
	start := time.Now()
	outcome := p.executeTurn(ctx, turn, userText)
	outcome.Turn = turn
	outcome.UserText = userText
	outcome.Duration = time.Since(start)
	p.metrics.ActiveTurns.Add(ctx, -1)
	span.SetAttributes(observe.Attr("outcome", outcome.Kind.String()))
	span.End()

	p.send(command{kind: cmdTurnDone, outcome: outcome})
}

// executeTurn drives one generation: memory lookup, LLM stream, sanitiser,
// synthesis, playback drain. It returns when the reply has fully played out,
// the turn fails, or ctx is cancelled by a barge-in.
func (p *Pipeline) executeTurn(ctx context.Context, turn uint64, userText string) TurnOutcome {
	req := llm.CompletionRequest{
		SystemPrompt: p.systemPrompt(ctx, userText),
		Messages:     p.history.Messages(),
		Temperature:  p.cfg.Temperature,
		MaxTokens:    p.cfg.MaxTokens,
	}

	first, hasFirst, chunks, cancelStream, err := p.openLLM(ctx, req)
	if err != nil {
		if ctx.Err() != nil {
			return TurnOutcome{Kind: OutcomeCancelled}
		}
		p.metrics.RecordProviderError(ctx, "llm", "open")
		return TurnOutcome{Kind: OutcomeFailed, Err: err}
	}
	defer cancelStream()

	sz := sanitize.New(
		sanitize.WithMinFlushLen(p.cfg.MinFlushLen),
		sanitize.WithMaxFlushLen(p.cfg.MaxFlushLen),
	)
	spk := newSpeaker(p, turn)
	defer spk.close()
	var reply strings.Builder

	// process consumes one chunk: raw text goes to the display feed, the
	// sanitised fragments go to synthesis. It reports whether the stream
	// finished and whether it finished in failure.
	process := func(c llm.Chunk) (finished bool, err error) {
		if c.Text != "" {
			reply.WriteString(c.Text)
			p.emit(Event{Type: EventToken, Turn: turn, Text: c.Text})
			for _, u := range sz.Push(c.Text) {
				spk.say(ctx, u.Text)
			}
		}
		switch c.FinishReason {
		case "":
			return false, nil
		case llm.FinishError:
			return true, ErrLLMStream
		default:
			// "stop", "length", and "tool_calls" all end the turn with the
			// text produced so far.
			return true, nil
		}
	}

	finished := false
	if hasFirst {
		if finished, err = process(first); err != nil {
			p.metrics.RecordProviderError(ctx, "llm", "stream")
			return TurnOutcome{Kind: OutcomeFailed, Err: err, AssistantText: strings.TrimSpace(reply.String())}
		}
	} else {
		// The stream closed before its first chunk: a zero-token reply.
		finished = true
	}

	for !finished {
		select {
		case <-ctx.Done():
			return TurnOutcome{Kind: OutcomeCancelled, AssistantText: strings.TrimSpace(reply.String())}
		case <-spk.timeout():
			if err := spk.recover(ctx); err != nil {
				return TurnOutcome{Kind: OutcomeFailed, Err: err, AssistantText: strings.TrimSpace(reply.String())}
			}
		case c, ok := <-chunks:
			if !ok {
				finished = true
				break
			}
			if finished, err = process(c); err != nil {
				p.metrics.RecordProviderError(ctx, "llm", "stream")
				return TurnOutcome{Kind: OutcomeFailed, Err: err, AssistantText: strings.TrimSpace(reply.String())}
			}
		}
	}

	// A cancelled stream closes its chunk channel too; never mistake that
	// for a natural end of stream.
	if ctx.Err() != nil {
		return TurnOutcome{Kind: OutcomeCancelled, AssistantText: strings.TrimSpace(reply.String())}
	}

	// End of stream: force the terminal flush, then drain synthesis and
	// playback. A reply with no audible output skips straight to done.
	for _, u := range sz.Finish() {
		spk.say(ctx, u.Text)
	}
	if err := spk.finish(ctx); err != nil {
		if errors.Is(err, ErrTTSTimeout) {
			return TurnOutcome{Kind: OutcomeFailed, Err: err, AssistantText: strings.TrimSpace(reply.String())}
		}
		return TurnOutcome{Kind: OutcomeCancelled, AssistantText: strings.TrimSpace(reply.String())}
	}

	return TurnOutcome{Kind: OutcomeCompleted, AssistantText: strings.TrimSpace(reply.String())}
}

// openLLM starts the completion stream and waits for its first chunk,
// retrying once when the first-token budget is exceeded. It returns the chunk
// already received (hasFirst is false when the stream closed without one),
// the remaining stream, and a cancel func releasing the stream's context.
//
// An error opening the stream is a provider fatal and is returned without a
// retry; transport-level retries belong to the provider adapter.
func (p *Pipeline) openLLM(ctx context.Context, req llm.CompletionRequest) (first llm.Chunk, hasFirst bool, rest <-chan llm.Chunk, cancel context.CancelFunc, err error) {
	for attempt := 1; attempt <= 2; attempt++ {
		sctx, scancel := context.WithCancel(ctx)
		ch, serr := p.llm.StreamCompletion(sctx, req)
		if serr != nil {
			scancel()
			return llm.Chunk{}, false, nil, nil, fmt.Errorf("pipeline: llm stream open: %w", serr)
		}

		opened := time.Now()
		timer := time.NewTimer(p.cfg.LLMFirstToken)
		select {
		case <-ctx.Done():
			timer.Stop()
			scancel()
			return llm.Chunk{}, false, nil, nil, ctx.Err()
		case c, ok := <-ch:
			timer.Stop()
			p.metrics.LLMFirstToken.Record(ctx, time.Since(opened).Seconds())
			return c, ok, ch, scancel, nil
		case <-timer.C:
			scancel()
			p.log.Warn("llm first token timeout", "attempt", attempt)
			p.metrics.RecordProviderError(ctx, "llm", "first_token_timeout")
		}
	}
	return llm.Chunk{}, false, nil, nil, ErrLLMTimeout
}

// systemPrompt assembles the system message for one turn: the role prompt
// plus any memory snippets relevant to the user's text. The memory lookup is
// bounded by the store deadline and degrades to the bare prompt on error.
func (p *Pipeline) systemPrompt(ctx context.Context, userText string) string {
	base := p.cfg.SystemPrompt
	if p.store == nil {
		return base
	}

	mctx, cancel := context.WithTimeout(ctx, p.cfg.MemoryDeadline)
	defer cancel()
	snippets, err := p.store.Search(mctx, userText, p.cfg.UserID, defaultMemoryLimit)
	if err != nil {
		if ctx.Err() == nil {
			p.log.Warn("memory search failed", "err", err)
			p.metrics.RecordProviderError(ctx, "memory", "search")
		}
		return base
	}
	if len(snippets) == 0 {
		return base
	}

	var sb strings.Builder
	sb.WriteString(base)
	sb.WriteString("\n\nRelevant memories of past conversations:")
	for _, s := range snippets {
		sb.WriteString("\n- ")
		sb.WriteString(s.Text)
	}
	return sb.String()
}

// recordTurn persists one completed exchange to the memory store, bounded by
// the store deadline. Called from the command loop exactly once per completed
// turn, after the assistant message entered history.
func (p *Pipeline) recordTurn(userText, assistantText string) {
	if p.store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), p.cfg.MemoryDeadline)
	defer cancel()
	if err := p.store.RecordTurn(ctx, p.cfg.UserID, userText, assistantText); err != nil {
		p.log.Warn("memory record failed", "err", err)
		p.metrics.RecordProviderError(ctx, "memory", "record")
	}
}
