package pipeline

import (
	"strings"
	"time"
	"unicode/utf8"

	"github.com/Lincept/personality-tts/pkg/provider/asr"
)

// DefaultBargeInMinChars is the trimmed transcript length, in codepoints,
// below which a partial is ignored as recognizer noise.
const DefaultBargeInMinChars = 2

// BargeInController decides whether an incoming recognition event counts as
// the user interrupting the assistant. It holds only read-handles: the
// orchestrator's command loop feeds it each event together with the current
// turn state and acts on the verdict, so no reference cycle forms between the
// controller, the recognizer, and the orchestrator.
//
// The verdict is authoritative over echo-cancellation quality. When the AEC
// lets residual speaker audio through, the grace window suppresses the
// resulting self-trigger; when both fail, the worst case is a cut-off reply,
// never stray audio crossing into the next turn.
type BargeInController struct {
	minChars   int
	grace      time.Duration
	lastSubmit func() time.Time
}

// BargeInConfig configures a [BargeInController].
type BargeInConfig struct {
	// MinChars is the minimum trimmed transcript length, in codepoints, for
	// a partial to qualify. Finals qualify regardless of length. Defaults to
	// DefaultBargeInMinChars if zero.
	MinChars int

	// Grace is the minimum interval between the most recent submitted
	// playback frame and the recognition event. Events inside the window are
	// rejected as residual echo. Zero disables the window; it is only needed
	// when echo cancellation runs in software.
	Grace time.Duration

	// LastSubmit reports when the most recent playback frame was submitted.
	// Required when Grace is non-zero; normally wired to the playback
	// device's LastSubmit.
	LastSubmit func() time.Time
}

// NewBargeInController creates a controller with the given configuration.
func NewBargeInController(cfg BargeInConfig) *BargeInController {
	if cfg.MinChars < 1 {
		cfg.MinChars = DefaultBargeInMinChars
	}
	return &BargeInController{
		minChars:   cfg.MinChars,
		grace:      cfg.Grace,
		lastSubmit: cfg.LastSubmit,
	}
}

// Evaluate reports whether tr, arriving at the given time while the turn is
// in state, fires a barge-in. It fires when all of the following hold:
//
//  1. the state is Generating, Speaking, or Draining;
//  2. the trimmed transcript is non-empty and at least MinChars codepoints
//     long, or it is non-empty and final;
//  3. the event arrived at least Grace after the most recent submitted
//     playback frame (only checked when a grace window is configured).
//
// Evaluate is a pure decision; repeated calls during Cancelling return false
// because the state no longer qualifies.
func (b *BargeInController) Evaluate(state TurnState, tr asr.Transcript, at time.Time) bool {
	if !state.active() {
		return false
	}

	trimmed := strings.TrimSpace(tr.Text)
	if trimmed == "" {
		// A wordless final is recognizer noise, not an interruption.
		return false
	}
	if !tr.IsFinal && utf8.RuneCountInString(trimmed) < b.minChars {
		return false
	}

	if b.grace > 0 && b.lastSubmit != nil {
		if last := b.lastSubmit(); !last.IsZero() && at.Sub(last) < b.grace {
			return false
		}
	}

	return true
}
