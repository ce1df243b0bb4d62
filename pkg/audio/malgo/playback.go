package malgo

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/gen2brain/malgo"

	"github.com/Lincept/personality-tts/pkg/audio"
)

const (
	// defaultWatermark is the buffered-audio level above which Submit blocks.
	defaultWatermark = 200 * time.Millisecond

	// refTapDepth bounds the reference tap channel. The tap is lossy by
	// contract so the play-out path never waits on the echo canceller.
	refTapDepth = 64

	// drainPoll is the interval at which Submit and Flush re-check the
	// buffer level.
	drainPoll = 5 * time.Millisecond
)

// PlaybackOption configures a Playback device.
type PlaybackOption func(*Playback)

// WithPlaybackRate overrides the playback sample rate. Default 24000.
func WithPlaybackRate(hz int) PlaybackOption {
	return func(p *Playback) { p.sampleRate = hz }
}

// WithWatermark overrides the buffered-audio level above which Submit blocks.
func WithWatermark(d time.Duration) PlaybackOption {
	return func(p *Playback) { p.watermark = d }
}

// WithPlaybackDevice selects the output device whose name contains the given
// substring, case-insensitive. Empty keeps the system default.
func WithPlaybackDevice(name string) PlaybackOption {
	return func(p *Playback) { p.deviceName = name }
}

// Playback implements audio.Playback on a miniaudio playback device.
//
// Frames are appended to an internal byte buffer; the device callback drains
// it at the device cadence. Abort clears the buffer under the same lock that
// Submit appends under, so a Submit issued after Abort returns is ordered
// after it and aborted audio is never replayed.
type Playback struct {
	sampleRate int
	watermark  time.Duration
	deviceName string

	mu      sync.Mutex
	ctx     *malgo.AllocatedContext
	device  *malgo.Device
	buf     []byte
	started bool
	stopped bool

	lastSubmit time.Time
	lastWrite  time.Time

	refTap chan audio.Frame
	start  time.Time
}

var _ audio.Playback = (*Playback)(nil)

// NewPlayback creates an unstarted playback device.
func NewPlayback(opts ...PlaybackOption) *Playback {
	p := &Playback{
		sampleRate: audio.DefaultPlaybackRate,
		watermark:  defaultWatermark,
		refTap:     make(chan audio.Frame, refTapDepth),
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Start acquires the output device.
func (p *Playback) Start(_ context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started {
		return nil
	}
	if p.stopped {
		return fmt.Errorf("malgo: playback already stopped")
	}

	actx, err := malgo.InitContext(nil, malgo.ContextConfig{}, func(string) {})
	if err != nil {
		return fmt.Errorf("malgo: init context: %w", err)
	}
	p.ctx = actx

	cfg := malgo.DefaultDeviceConfig(malgo.Playback)
	cfg.SampleRate = uint32(p.sampleRate)
	cfg.Playback.Format = malgo.FormatS16
	cfg.Playback.Channels = 1
	cfg.Alsa.NoMMap = 1
	cfg.PerformanceProfile = malgo.LowLatency

	devID, err := lookupDevice(actx, malgo.Playback, p.deviceName)
	if err != nil {
		_ = actx.Uninit()
		actx.Free()
		p.ctx = nil
		return err
	}
	if devID != nil {
		cfg.Playback.DeviceID = devID.Pointer()
	}

	device, err := malgo.InitDevice(actx.Context, cfg, malgo.DeviceCallbacks{
		Data: p.fillOutput,
	})
	if err != nil {
		_ = actx.Uninit()
		actx.Free()
		p.ctx = nil
		return fmt.Errorf("malgo: init playback device: %w", err)
	}
	if err := device.Start(); err != nil {
		device.Uninit()
		_ = actx.Uninit()
		actx.Free()
		p.ctx = nil
		return fmt.Errorf("malgo: start playback device: %w", err)
	}
	p.device = device
	p.start = time.Now()
	p.started = true
	return nil
}

// fillOutput is the device data callback. Silence is written implicitly:
// miniaudio zero-fills pOutput before the callback runs, so an empty buffer
// simply plays silence.
func (p *Playback) fillOutput(pOutput, _ []byte, frameCount uint32) {
	need := int(frameCount) * audio.BytesPerSample
	p.mu.Lock()
	n := copy(pOutput[:min(need, len(pOutput))], p.buf)
	if n > 0 {
		p.buf = p.buf[n:]
		p.lastWrite = time.Now()
	}
	p.mu.Unlock()
}

// Submit enqueues a frame, blocking while buffered audio exceeds the watermark.
func (p *Playback) Submit(ctx context.Context, f audio.Frame) error {
	for {
		p.mu.Lock()
		if p.stopped {
			p.mu.Unlock()
			return fmt.Errorf("malgo: playback stopped")
		}
		if p.bufferedLocked() <= p.watermark {
			playout := time.Since(p.start) + p.bufferedLocked()
			p.buf = append(p.buf, f.Data...)
			p.lastSubmit = time.Now()

			// The tap send stays under the lock so it is ordered against the
			// close in Stop. It never blocks.
			ref := f
			ref.Timestamp = playout
			select {
			case p.refTap <- ref:
			default:
			}
			p.mu.Unlock()
			return nil
		}
		p.mu.Unlock()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(drainPoll):
		}
	}
}

// Flush blocks until the buffer has drained to the device.
func (p *Playback) Flush(ctx context.Context) error {
	for {
		p.mu.Lock()
		empty := len(p.buf) == 0
		p.mu.Unlock()
		if empty {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(drainPoll):
		}
	}
}

// Abort discards pending audio immediately. Idempotent. The device keeps
// running and outputs silence until new audio is submitted.
func (p *Playback) Abort() error {
	p.mu.Lock()
	p.buf = nil
	p.mu.Unlock()
	return nil
}

// IsPlaying reports whether audio reached the device within the last frame
// period and more is buffered.
func (p *Playback) IsPlaying() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.buf) > 0 && time.Since(p.lastWrite) <= audio.FramePeriod
}

// LastSubmit reports the most recent Submit instant.
func (p *Playback) LastSubmit() time.Time {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastSubmit
}

// ReferenceTap returns the lossy mirror of submitted frames.
func (p *Playback) ReferenceTap() <-chan audio.Frame { return p.refTap }

// Stop aborts pending audio and releases the device. Idempotent.
//
// The device teardown runs outside the mutex: miniaudio's stop waits for an
// in-flight data callback to return, and fillOutput takes the same mutex.
func (p *Playback) Stop() error {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return nil
	}
	p.stopped = true
	p.buf = nil
	device, actx := p.device, p.ctx
	p.device, p.ctx = nil, nil
	close(p.refTap)
	p.mu.Unlock()

	if device != nil {
		_ = device.Stop()
		device.Uninit()
	}
	if actx != nil {
		_ = actx.Uninit()
		actx.Free()
	}
	return nil
}

// bufferedLocked returns the play-out duration of the buffered audio.
// Must be called with p.mu held.
func (p *Playback) bufferedLocked() time.Duration {
	samples := len(p.buf) / audio.BytesPerSample
	return time.Duration(samples) * time.Second / time.Duration(p.sampleRate)
}
