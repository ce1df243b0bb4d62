// Package mock provides in-memory mock implementations of the [audio.Capture]
// and [audio.Playback] device contracts for use in unit tests.
//
// All mocks are safe for concurrent use. They record every method call so that
// tests can assert on call counts and submitted audio, and they expose
// exported fields the test can set to control return values.
//
// Typical usage:
//
//	cap := mock.NewCapture()
//	cap.Push(audio.Silence(16000))
//	cap.CloseFrames()
//	pb := mock.NewPlayback()
//	// ... run the pipeline, then:
//	frames := pb.Submitted()
package mock

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/Lincept/personality-tts/pkg/audio"
)

// ─── Capture ─────────────────────────────────────────────────────────────────

// Capture is a scripted implementation of [audio.Capture]. Frames pushed via
// [Capture.Push] appear on the Frames channel.
type Capture struct {
	mu sync.Mutex

	// StartError is returned by Start.
	StartError error

	// FaultError is returned by Err once the frame channel is closed.
	FaultError error

	// CallCountStart and CallCountStop record method invocations.
	CallCountStart int
	CallCountStop  int

	frames chan audio.Frame
	closed bool
}

var _ audio.Capture = (*Capture)(nil)

// NewCapture creates a mock capture with a generously buffered frame channel.
func NewCapture() *Capture {
	return &Capture{frames: make(chan audio.Frame, 256)}
}

// Push makes a frame available on the Frames channel.
func (c *Capture) Push(f audio.Frame) {
	c.frames <- f
}

// CloseFrames closes the frame channel, simulating end of capture.
// Safe to call more than once.
func (c *Capture) CloseFrames() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.frames)
	}
}

// Start implements [audio.Capture].
func (c *Capture) Start(context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.CallCountStart++
	return c.StartError
}

// Frames implements [audio.Capture].
func (c *Capture) Frames() <-chan audio.Frame { return c.frames }

// Err implements [audio.Capture]. Returns FaultError.
func (c *Capture) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.FaultError
}

// Stop implements [audio.Capture]. Closes the frame channel.
func (c *Capture) Stop() error {
	c.mu.Lock()
	c.CallCountStop++
	c.mu.Unlock()
	c.CloseFrames()
	return nil
}

// ─── Playback ────────────────────────────────────────────────────────────────

// Playback is a recording implementation of [audio.Playback]. Submitted frames
// are retained for inspection; Abort discards the pending (unflushed) portion
// exactly as a real device would.
type Playback struct {
	mu sync.Mutex

	// SubmitError, when set, is returned by every Submit call.
	SubmitError error

	// Playing controls the IsPlaying result. Tests may also rely on the
	// default behaviour: playing while pending frames exist.
	Playing bool

	// CallCountAbort, CallCountFlush, and CallCountStop record invocations.
	CallCountAbort int
	CallCountFlush int
	CallCountStop  int

	submitted []audio.Frame
	pending   []audio.Frame
	last      time.Time
	refTap    chan audio.Frame
	stopped   bool
}

var _ audio.Playback = (*Playback)(nil)

// NewPlayback creates a mock playback device.
func NewPlayback() *Playback {
	return &Playback{refTap: make(chan audio.Frame, 256)}
}

// Start implements [audio.Playback].
func (p *Playback) Start(context.Context) error { return nil }

// Submit implements [audio.Playback]. Records the frame.
func (p *Playback) Submit(_ context.Context, f audio.Frame) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stopped {
		return errors.New("mock: playback stopped")
	}
	if p.SubmitError != nil {
		return p.SubmitError
	}
	p.submitted = append(p.submitted, f)
	p.pending = append(p.pending, f)
	p.last = time.Now()
	select {
	case p.refTap <- f:
	default:
	}
	return nil
}

// Flush implements [audio.Playback]. Marks all pending frames as played.
func (p *Playback) Flush(context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.CallCountFlush++
	p.pending = nil
	return nil
}

// Abort implements [audio.Playback]. Discards pending frames.
func (p *Playback) Abort() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.CallCountAbort++
	p.pending = nil
	return nil
}

// IsPlaying implements [audio.Playback].
func (p *Playback) IsPlaying() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.Playing || len(p.pending) > 0
}

// LastSubmit implements [audio.Playback].
func (p *Playback) LastSubmit() time.Time {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.last
}

// SetLastSubmit overrides the last-submit instant. Used by barge-in tests to
// place the most recent playback frame at a precise point in the past.
func (p *Playback) SetLastSubmit(t time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.last = t
}

// ReferenceTap implements [audio.Playback].
func (p *Playback) ReferenceTap() <-chan audio.Frame { return p.refTap }

// Stop implements [audio.Playback].
func (p *Playback) Stop() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.CallCountStop++
	if !p.stopped {
		p.stopped = true
		close(p.refTap)
	}
	p.pending = nil
	return nil
}

// Submitted returns a copy of every frame ever submitted, in order.
func (p *Playback) Submitted() []audio.Frame {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]audio.Frame, len(p.submitted))
	copy(out, p.submitted)
	return out
}

// Pending returns the frames submitted but not yet flushed or aborted.
func (p *Playback) Pending() []audio.Frame {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]audio.Frame, len(p.pending))
	copy(out, p.pending)
	return out
}
