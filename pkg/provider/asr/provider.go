// Package asr defines the Provider interface for streaming speech
// recognition backends.
//
// An ASR provider wraps a real-time transcription service and exposes a
// uniform streaming interface. The central abstraction is SessionHandle: once
// opened, a session accepts PCM capture frames and emits a single ordered
// stream of Transcript events — low-latency partials while speech is in
// progress and an authoritative final at end of utterance (silence-detected
// by the server, or forced by Flush).
//
// Implementations must be safe for concurrent use. A session may be
// long-lived and span many conversation turns; Flush is the per-turn
// finalize primitive.
package asr

import (
	"context"
	"errors"

	"github.com/Lincept/personality-tts/pkg/audio"
)

// ErrAuthFailed is returned by StartStream when the provider rejects the
// credentials or the account is out of quota. It is fatal for the session;
// no retry is attempted.
var ErrAuthFailed = errors.New("asr: authentication failed")

// ErrSessionClosed is returned by SendAudio and Flush after Close.
var ErrSessionClosed = errors.New("asr: session is closed")

// StreamConfig describes the audio format and recognition hints for a new
// session.
type StreamConfig struct {
	// SampleRate is the audio sample rate in Hz. 16000 for the capture path.
	SampleRate int

	// Channels is the channel count of the submitted frames. 1 for the
	// echo-cancelled capture path.
	Channels int

	// Language is the BCP-47 recognition language tag. Empty lets the
	// provider auto-detect where supported.
	Language string

	// Model selects the provider's realtime transcription model.
	Model string
}

// SessionHandle represents an open streaming recognition session. It is an
// interface so test code can provide scripted implementations without a live
// provider connection.
//
// Callers must call Close when the session is no longer needed. All methods
// must be safe for concurrent use.
type SessionHandle interface {
	// SendAudio pushes one capture frame to the provider. Non-blocking up to
	// an implementation-defined buffer; frames may be coalesced if the
	// provider requires larger windows. Returns ErrSessionClosed after Close.
	SendAudio(f audio.Frame) error

	// Events returns the ordered transcript stream. Within one utterance,
	// Sequence is strictly increasing and no event follows the final. The
	// channel is closed when the session ends, after any in-flight final has
	// been delivered.
	Events() <-chan Transcript

	// Flush asks the provider to emit a final transcript for whatever audio
	// has been sent so far, without closing the session.
	Flush() error

	// Err reports why the event stream terminated, or nil after a clean
	// Close. Valid once Events has been closed.
	Err() error

	// Close terminates the session and releases the connection. Safe to call
	// more than once.
	Close() error
}

// Provider is the abstraction over any streaming ASR backend.
//
// Implementations must be safe for concurrent use; multiple sessions may be
// open simultaneously.
type Provider interface {
	// StartStream opens a streaming recognition session. The returned handle
	// is ready to accept audio immediately. Returns an error wrapping
	// ErrAuthFailed for credential or quota rejections.
	StartStream(ctx context.Context, cfg StreamConfig) (SessionHandle, error)
}
