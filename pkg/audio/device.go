package audio

import (
	"context"
	"errors"
	"time"
)

// Sentinel errors reported by device implementations.
var (
	// ErrDeviceBusy is returned by Capture.Start when the input device cannot
	// be acquired (typically held by another process).
	ErrDeviceBusy = errors.New("audio: input device busy")

	// ErrCaptureFailed is reported through the frame channel closing after an
	// unrecoverable device fault. Transient faults (a dropped buffer) are
	// logged and papered over with a silence frame instead.
	ErrCaptureFailed = errors.New("audio: capture failed")
)

// Capture owns the input device and produces fixed-cadence PCM frames.
//
// Implementations must be safe for concurrent use. The frame channel is
// bounded to roughly two frame periods so a stalled consumer exerts
// back-pressure on the device loop rather than growing memory.
type Capture interface {
	// Start acquires the device and begins producing frames. Returns
	// ErrDeviceBusy if the device cannot be acquired, and an error wrapping
	// ErrCaptureFailed for any other unrecoverable startup fault.
	Start(ctx context.Context) error

	// Frames returns the read-only frame channel. It is closed when the
	// capture stops, whether by Stop or by an unrecoverable device fault.
	Frames() <-chan Frame

	// Err reports the fault that closed the frame channel, or nil after a
	// clean Stop. Valid only once Frames has been closed.
	Err() error

	// Stop releases the device. Idempotent; after it returns no further
	// frames are emitted.
	Stop() error
}

// Playback owns the output device and consumes PCM frames.
//
// Implementations must be safe for concurrent use.
type Playback interface {
	// Start acquires the output device.
	Start(ctx context.Context) error

	// Submit enqueues a frame for play-out. It blocks cooperatively while the
	// buffered audio exceeds the configured watermark, and returns early with
	// ctx.Err() on cancellation.
	Submit(ctx context.Context, f Frame) error

	// Flush blocks until every enqueued frame has been written to the device
	// and the buffer has drained.
	Flush(ctx context.Context) error

	// Abort discards all pending frames and silences the device within one
	// frame period. Idempotent. A Submit issued after Abort returns is
	// ordered after the abort; aborted frames are never replayed.
	Abort() error

	// IsPlaying reports whether a frame has been written to the device within
	// the last frame period and the buffer is non-empty.
	IsPlaying() bool

	// LastSubmit reports when a frame was most recently submitted. The
	// barge-in grace window is measured against this instant.
	LastSubmit() time.Time

	// ReferenceTap returns a channel mirroring every frame submitted to the
	// device, stamped with its intended play-out time. It is the reference
	// input to the echo canceller in the software-AEC deployment. The tap is
	// lossy: frames are dropped rather than blocking the play-out path when
	// the subscriber lags.
	ReferenceTap() <-chan Frame

	// Stop aborts pending audio and releases the device. Idempotent.
	Stop() error
}
