// Package mock provides test doubles for the tts package interfaces.
//
// Use Provider to verify which voice sessions the caller opens. Use Session
// to feed scripted audio frames and inspect the text fragments that were
// submitted for synthesis.
//
// Example:
//
//	sess := &mock.Session{FramesCh: make(chan audio.Frame, 8)}
//	p := &mock.Provider{Session: sess}
//	handle, _ := p.StartSession(ctx, voice)
package mock

import (
	"context"
	"sync"

	"github.com/Lincept/personality-tts/pkg/audio"
	"github.com/Lincept/personality-tts/pkg/provider/tts"
)

// StartSessionCall records a single invocation of Provider.StartSession.
type StartSessionCall struct {
	// Ctx is the context passed to StartSession.
	Ctx context.Context
	// Voice is the VoiceProfile passed to StartSession.
	Voice tts.VoiceProfile
}

// Provider is a mock implementation of tts.Provider.
type Provider struct {
	mu sync.Mutex

	// Session is the SessionHandle returned by StartSession. If nil,
	// StartSession returns a new default Session with a buffered frame
	// channel.
	Session tts.SessionHandle

	// StartSessionErr, if non-nil, is returned as the error from StartSession.
	StartSessionErr error

	// Voices is returned by ListVoices.
	Voices []tts.VoiceProfile

	// ListVoicesErr, if non-nil, is returned as the error from ListVoices.
	ListVoicesErr error

	// StartSessionCalls records every call to StartSession.
	StartSessionCalls []StartSessionCall
}

// StartSession records the call and returns Session, StartSessionErr.
func (p *Provider) StartSession(ctx context.Context, voice tts.VoiceProfile) (tts.SessionHandle, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.StartSessionCalls = append(p.StartSessionCalls, StartSessionCall{Ctx: ctx, Voice: voice})
	if p.StartSessionErr != nil {
		return nil, p.StartSessionErr
	}
	if p.Session != nil {
		return p.Session, nil
	}
	return &Session{FramesCh: make(chan audio.Frame, 16)}, nil
}

// ListVoices returns Voices, ListVoicesErr.
func (p *Provider) ListVoices(_ context.Context) ([]tts.VoiceProfile, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.Voices, p.ListVoicesErr
}

// Reset clears all recorded calls. Thread-safe.
func (p *Provider) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.StartSessionCalls = nil
}

// Ensure Provider implements tts.Provider at compile time.
var _ tts.Provider = (*Provider)(nil)

// Session is a mock implementation of tts.SessionHandle.
// Callers should pre-populate FramesCh with the audio frames they want the
// consumer to receive. By default Finish and Close close FramesCh so the
// consumer's drain terminates; set KeepFramesOpen to manage the channel
// manually.
type Session struct {
	mu sync.Mutex

	// FramesCh is the channel returned by Frames(). Callers own this channel.
	FramesCh chan audio.Frame

	// KeepFramesOpen prevents Finish and Close from closing FramesCh.
	KeepFramesOpen bool

	// SendTextErr, if non-nil, is returned by every SendText call.
	SendTextErr error

	// FinishErr, if non-nil, is returned by every Finish call.
	FinishErr error

	// StreamErr is returned by Err.
	StreamErr error

	// CloseErr, if non-nil, is returned by Close.
	CloseErr error

	// --- Call records ---

	// SentTexts records every text fragment passed to SendText in order.
	SentTexts []string

	// FinishCallCount is the number of times Finish was called.
	FinishCallCount int

	// CloseCallCount is the number of times Close was called.
	CloseCallCount int

	framesClosed bool
}

// SendText records the fragment and returns SendTextErr.
func (s *Session) SendText(text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.SentTexts = append(s.SentTexts, text)
	return s.SendTextErr
}

// Frames returns FramesCh. The caller must have initialised FramesCh before
// calling this method.
func (s *Session) Frames() <-chan audio.Frame {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.FramesCh
}

// Finish records the call, closes FramesCh unless KeepFramesOpen is set, and
// returns FinishErr.
func (s *Session) Finish() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.FinishCallCount++
	s.closeFramesLocked()
	return s.FinishErr
}

// Err returns StreamErr.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.StreamErr
}

// Close records the call, closes FramesCh unless KeepFramesOpen is set, and
// returns CloseErr.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CloseCallCount++
	s.closeFramesLocked()
	return s.CloseErr
}

func (s *Session) closeFramesLocked() {
	if s.KeepFramesOpen || s.framesClosed || s.FramesCh == nil {
		return
	}
	s.framesClosed = true
	close(s.FramesCh)
}

// SentText returns a copy of all recorded text fragments. Thread-safe.
func (s *Session) SentText() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.SentTexts))
	copy(out, s.SentTexts)
	return out
}

// ResetCalls clears all recorded calls. Thread-safe.
func (s *Session) ResetCalls() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.SentTexts = nil
	s.FinishCallCount = 0
	s.CloseCallCount = 0
}

// Ensure Session implements tts.SessionHandle at compile time.
var _ tts.SessionHandle = (*Session)(nil)
