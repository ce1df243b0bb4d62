package pipeline

import (
	"errors"
	"time"
)

// TurnState tracks one user→assistant exchange through the orchestrator's
// state machine. The zero value is StateIdle.
type TurnState int

const (
	// StateIdle means no turn is in progress.
	StateIdle TurnState = iota

	// StateListening means the user is speaking and audio is streaming to
	// the recognizer.
	StateListening

	// StateRecognizing means a final transcript arrived and the user message
	// is being computed.
	StateRecognizing

	// StateGenerating means the language model is streaming the reply.
	StateGenerating

	// StateSpeaking means synthesis has started and audio is playing.
	StateSpeaking

	// StateDraining means all text has been submitted and the remaining
	// audio is playing out.
	StateDraining

	// StateCancelling means the turn was interrupted and its stages are
	// shutting down.
	StateCancelling

	// StateCompleted means the turn finished and its messages entered
	// history.
	StateCompleted

	// StateFailed means the turn was aborted by a provider error.
	StateFailed
)

// String returns the lower-case state name.
func (s TurnState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateListening:
		return "listening"
	case StateRecognizing:
		return "recognizing"
	case StateGenerating:
		return "generating"
	case StateSpeaking:
		return "speaking"
	case StateDraining:
		return "draining"
	case StateCancelling:
		return "cancelling"
	case StateCompleted:
		return "completed"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// active reports whether a turn in this state can still be cancelled.
func (s TurnState) active() bool {
	switch s {
	case StateGenerating, StateSpeaking, StateDraining:
		return true
	}
	return false
}

// CancelReason distinguishes why a turn was cancelled.
type CancelReason int

const (
	// CancelBargeIn means the user started speaking (or typed) while the
	// assistant was still replying.
	CancelBargeIn CancelReason = iota

	// CancelExplicit means the caller requested cancellation directly.
	CancelExplicit
)

// String returns the lower-case reason name.
func (r CancelReason) String() string {
	switch r {
	case CancelBargeIn:
		return "barge_in"
	case CancelExplicit:
		return "explicit"
	default:
		return "unknown"
	}
}

// OutcomeKind classifies how a turn ended.
type OutcomeKind int

const (
	// OutcomeCompleted means the reply finished and playback drained.
	OutcomeCompleted OutcomeKind = iota

	// OutcomeCancelled means the turn was interrupted before completion.
	OutcomeCancelled

	// OutcomeFailed means a provider error or timeout aborted the turn.
	OutcomeFailed
)

// String returns the lower-case kind name.
func (k OutcomeKind) String() string {
	switch k {
	case OutcomeCompleted:
		return "completed"
	case OutcomeCancelled:
		return "cancelled"
	case OutcomeFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// TurnOutcome is the result of one turn, reported on the events channel when
// the turn ends. It replaces in-band error signalling: cancellation is a
// first-class result, not an error.
type TurnOutcome struct {
	// Turn is the id of the turn this outcome belongs to.
	Turn uint64

	// Kind classifies the ending.
	Kind OutcomeKind

	// Reason is set when Kind is OutcomeCancelled.
	Reason CancelReason

	// Err is set when Kind is OutcomeFailed.
	Err error

	// UserText is the user message that started the turn.
	UserText string

	// AssistantText is the reply text produced before the turn ended. On a
	// completed turn it is the full reply; on a cancelled or failed turn it
	// is the partial text the user already saw.
	AssistantText string

	// Duration is the wall time from turn start to outcome.
	Duration time.Duration
}

// metricLabel returns the outcome label recorded on the turns counter.
func (o TurnOutcome) metricLabel() string {
	if o.Kind == OutcomeCancelled {
		return "cancelled_" + o.Reason.String()
	}
	return o.Kind.String()
}

// Sentinel errors reported in a failed TurnOutcome.
var (
	// ErrLLMTimeout means no token arrived within the first-token budget,
	// twice in a row.
	ErrLLMTimeout = errors.New("pipeline: llm first token timeout")

	// ErrTTSTimeout means no audio frame arrived within the first-frame
	// budget, twice in a row.
	ErrTTSTimeout = errors.New("pipeline: tts first frame timeout")

	// ErrLLMStream means the model reported a failure mid-stream.
	ErrLLMStream = errors.New("pipeline: llm stream failed")

	// ErrNotRunning is returned by SubmitText and Cancel before Start or
	// after Stop.
	ErrNotRunning = errors.New("pipeline: not running")
)

// EventType discriminates the values on the pipeline's events channel.
type EventType int

const (
	// EventState announces a turn state transition.
	EventState EventType = iota

	// EventTranscript carries a recognition result, partial or final.
	EventTranscript

	// EventToken carries one raw LLM token for on-screen display. Tokens
	// keep their original markup; only the synthesis feed is sanitised.
	EventToken

	// EventTurnEnd carries the outcome of a finished turn.
	EventTurnEnd
)

// Event is one observation emitted by the pipeline for display. The channel
// is lossy: when the consumer lags, events are dropped rather than slowing
// the audio path.
type Event struct {
	// Type selects which of the remaining fields are meaningful.
	Type EventType

	// Turn is the id of the turn the event belongs to. Zero for events
	// outside any turn.
	Turn uint64

	// State is set for EventState.
	State TurnState

	// Text is the transcript or token text.
	Text string

	// Final is set for EventTranscript when the transcript is final.
	Final bool

	// Outcome is set for EventTurnEnd.
	Outcome TurnOutcome
}
