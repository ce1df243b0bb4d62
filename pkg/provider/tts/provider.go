// Package tts defines the Provider interface for Text-to-Speech backends.
//
// A TTS provider wraps a speech synthesis service (e.g., ElevenLabs) and
// presents a uniform streaming interface. The primary entry point is
// StartSession, which opens an incremental synthesis session: the caller
// feeds sanitised text fragments as they arrive from the LLM and receives
// raw PCM frames as they are synthesised, enabling low-latency pipelining
// without waiting for the full reply text.
//
// A session lives for one assistant reply. Finish signals end of input and
// lets the remaining audio drain; Close aborts immediately, discarding any
// audio not yet delivered.
//
// Implementations must be safe for concurrent use.
package tts

import (
	"context"
	"errors"

	"github.com/Lincept/personality-tts/pkg/audio"
)

// ErrSessionClosed is returned by SendText and Finish after Close or Finish.
var ErrSessionClosed = errors.New("tts: session is closed")

// SessionHandle represents one open synthesis session.
//
// The caller must either drain Frames to completion or call Close. All
// methods must be safe for concurrent use.
type SessionHandle interface {
	// SendText submits one text fragment for synthesis. Fragments are
	// synthesised in submission order. Returns ErrSessionClosed after Finish
	// or Close.
	SendText(text string) error

	// Frames returns the synthesised audio stream at the provider's output
	// rate. The channel is closed when all audio for the submitted text has
	// been emitted (after Finish) or when the session is aborted.
	Frames() <-chan audio.Frame

	// Finish signals that no more text will be sent. Audio for already
	// submitted text continues to arrive on Frames until the channel closes.
	Finish() error

	// Err reports why the frame stream terminated, or nil after a clean
	// drain or Close. Valid once Frames has been closed.
	Err() error

	// Close aborts the session immediately. Frames closes promptly and
	// undelivered audio is discarded. Safe to call more than once, including
	// after Finish.
	Close() error
}

// Provider is the abstraction over any streaming TTS backend.
//
// Implementations must be safe for concurrent use. Multiple sessions may run
// in parallel.
type Provider interface {
	// StartSession opens an incremental synthesis session with the given
	// voice. Returns a non-nil error only if the session cannot be started.
	StartSession(ctx context.Context, voice VoiceProfile) (SessionHandle, error)

	// ListVoices returns all voice profiles available from this provider.
	ListVoices(ctx context.Context) ([]VoiceProfile, error)
}
