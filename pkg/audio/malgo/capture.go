// Package malgo provides miniaudio-backed implementations of the audio.Capture
// and audio.Playback device contracts.
//
// The package owns a single malgo context shared by both devices. Device data
// callbacks run on miniaudio's realtime thread and must never block; the
// capture side therefore drops frames when the consumer lags, and the playback
// side copies from an internal buffer guarded by a mutex held only briefly.
package malgo

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gen2brain/malgo"

	"github.com/Lincept/personality-tts/pkg/audio"
)

// captureChanDepth bounds the frame channel to roughly two frame periods.
const captureChanDepth = 2

// CaptureOption configures a Capture device.
type CaptureOption func(*Capture)

// WithCaptureRate overrides the capture sample rate. Default 16000.
func WithCaptureRate(hz int) CaptureOption {
	return func(c *Capture) { c.sampleRate = hz }
}

// WithAggregateDevice switches the capture device to two-channel mode for
// hosts that present the microphone and a speaker loopback as channels of one
// aggregate stream. Frames then carry {mic, reference} interleaved.
func WithAggregateDevice() CaptureOption {
	return func(c *Capture) { c.channels = 2 }
}

// WithCaptureDevice selects the input device whose name contains the given
// substring, case-insensitive. Empty keeps the system default.
func WithCaptureDevice(name string) CaptureOption {
	return func(c *Capture) { c.deviceName = name }
}

// Capture implements audio.Capture on a miniaudio capture device.
type Capture struct {
	sampleRate int
	channels   int
	deviceName string

	mu      sync.Mutex
	ctx     *malgo.AllocatedContext
	device  *malgo.Device
	frames  chan audio.Frame
	err     error
	started bool
	stopped bool

	// pending accumulates callback bytes until a full frame period is
	// available. Touched only from the device callback.
	pending []byte
	start   time.Time
}

var _ audio.Capture = (*Capture)(nil)

// NewCapture creates an unstarted capture device.
func NewCapture(opts ...CaptureOption) *Capture {
	c := &Capture{
		sampleRate: audio.DefaultCaptureRate,
		channels:   1,
		frames:     make(chan audio.Frame, captureChanDepth),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Start acquires the input device and begins emitting frames.
func (c *Capture) Start(_ context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.started {
		return nil
	}
	if c.stopped {
		return fmt.Errorf("malgo: capture already stopped")
	}

	actx, err := malgo.InitContext(nil, malgo.ContextConfig{}, func(string) {})
	if err != nil {
		return fmt.Errorf("malgo: init context: %w", audio.ErrCaptureFailed)
	}
	c.ctx = actx

	cfg := malgo.DefaultDeviceConfig(malgo.Capture)
	cfg.SampleRate = uint32(c.sampleRate)
	cfg.Capture.Format = malgo.FormatS16
	cfg.Capture.Channels = uint32(c.channels)
	cfg.Alsa.NoMMap = 1
	cfg.PerformanceProfile = malgo.LowLatency

	devID, err := lookupDevice(actx, malgo.Capture, c.deviceName)
	if err != nil {
		_ = actx.Uninit()
		actx.Free()
		c.ctx = nil
		return fmt.Errorf("%w: %w", audio.ErrCaptureFailed, err)
	}
	if devID != nil {
		cfg.Capture.DeviceID = devID.Pointer()
	}

	frameBytes := c.frameBytes()
	device, err := malgo.InitDevice(actx.Context, cfg, malgo.DeviceCallbacks{
		Data: func(_, pInput []byte, frameCount uint32) {
			n := int(frameCount) * audio.BytesPerSample * c.channels
			if n == 0 {
				return
			}
			if len(pInput) < n {
				// Short read from the device. Pad with silence so the frame
				// cadence survives for downstream echo alignment.
				slog.Debug("capture short read", "got", len(pInput), "want", n)
				padded := make([]byte, n)
				copy(padded, pInput)
				pInput = padded
			}
			c.pending = append(c.pending, pInput[:n]...)
			for len(c.pending) >= frameBytes {
				data := make([]byte, frameBytes)
				copy(data, c.pending[:frameBytes])
				c.pending = c.pending[frameBytes:]
				f := audio.Frame{
					Data:       data,
					SampleRate: c.sampleRate,
					Channels:   c.channels,
					Timestamp:  time.Since(c.start),
				}
				select {
				case c.frames <- f:
				default:
					// Consumer lagging. The channel bound is the
					// back-pressure contract; the realtime callback must
					// not block, so the frame is dropped.
					slog.Debug("capture frame dropped", "buffered", cap(c.frames))
				}
			}
		},
	})
	if err != nil {
		_ = actx.Uninit()
		actx.Free()
		c.ctx = nil
		return fmt.Errorf("malgo: init capture device: %w", audio.ErrDeviceBusy)
	}
	c.device = device
	c.start = time.Now()

	if err := device.Start(); err != nil {
		device.Uninit()
		_ = actx.Uninit()
		actx.Free()
		c.ctx, c.device = nil, nil
		return fmt.Errorf("malgo: start capture device: %w", audio.ErrDeviceBusy)
	}
	c.started = true
	return nil
}

// Frames returns the capture frame channel.
func (c *Capture) Frames() <-chan audio.Frame { return c.frames }

// Err reports the fault that terminated the stream, nil after a clean Stop.
func (c *Capture) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Stop releases the device and closes the frame channel. Idempotent.
func (c *Capture) Stop() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stopped {
		return nil
	}
	c.stopped = true
	if c.device != nil {
		_ = c.device.Stop()
		c.device.Uninit()
		c.device = nil
	}
	if c.ctx != nil {
		_ = c.ctx.Uninit()
		c.ctx.Free()
		c.ctx = nil
	}
	close(c.frames)
	return nil
}

// frameBytes is the byte length of one frame period at the configured format.
func (c *Capture) frameBytes() int {
	samples := int(audio.FramePeriod.Seconds() * float64(c.sampleRate))
	return samples * audio.BytesPerSample * c.channels
}
