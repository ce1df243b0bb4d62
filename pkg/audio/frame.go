// Package audio defines the audio frame type and the capture/playback device
// contracts used by the voice pipeline.
//
// Frames are the atomic unit of audio transport: captured from the input
// device, echo-cancelled, pushed into the recognizer, synthesised by TTS, and
// played through the output device. All audio is interleaved little-endian
// signed 16-bit linear PCM; the pipeline performs no codec work.
package audio

import "time"

const (
	// DefaultCaptureRate is the capture sample rate in Hz expected by the
	// recognizer and the echo canceller.
	DefaultCaptureRate = 16000

	// DefaultPlaybackRate is the playback sample rate in Hz commonly produced
	// by streaming TTS providers.
	DefaultPlaybackRate = 24000

	// FramePeriod is the capture cadence. Capture devices emit one frame per
	// period; at 16 kHz mono this is 160 samples.
	FramePeriod = 10 * time.Millisecond

	// BytesPerSample is the width of one s16le PCM sample.
	BytesPerSample = 2
)

// Frame represents a single span of PCM audio flowing through the pipeline.
//
// A Frame is transferred by value through bounded channels and must not be
// mutated after it has been handed off. The Data slice is owned by the
// receiver once sent.
type Frame struct {
	// Data is interleaved little-endian signed 16-bit PCM.
	Data []byte

	// SampleRate in Hz (16000 for capture, typically 24000 for playback).
	SampleRate int

	// Channels is the interleaved channel count. Capture frames are mono
	// except in aggregate-device mode, where channel 0 is the microphone and
	// channel 1 is the loopback reference.
	Channels int

	// Timestamp marks when the frame was captured (or is intended to play
	// out), relative to stream start on a monotonic clock.
	Timestamp time.Duration

	// Turn tags the frame with the conversation turn that produced it.
	// Zero for capture frames, which exist outside any single turn.
	Turn uint64
}

// Samples returns the per-channel sample count carried by the frame.
func (f Frame) Samples() int {
	if f.Channels == 0 {
		return 0
	}
	return len(f.Data) / (BytesPerSample * f.Channels)
}

// Duration returns the play-out duration of the frame.
func (f Frame) Duration() time.Duration {
	if f.SampleRate == 0 {
		return 0
	}
	return time.Duration(f.Samples()) * time.Second / time.Duration(f.SampleRate)
}

// Silence returns a zeroed mono frame of one FramePeriod at the given rate.
func Silence(sampleRate int) Frame {
	n := int(FramePeriod.Seconds() * float64(sampleRate))
	return Frame{
		Data:       make([]byte, n*BytesPerSample),
		SampleRate: sampleRate,
		Channels:   1,
	}
}

// Deinterleave splits a two-channel frame into its microphone and reference
// halves. Used in aggregate-device mode, where the host presents the mic and
// a speaker loopback as channels of the same capture stream.
//
// Frames with any other channel count are returned unchanged as mic with a
// zero reference.
func Deinterleave(f Frame) (mic, ref Frame) {
	if f.Channels != 2 {
		return f, Frame{}
	}
	n := f.Samples()
	micData := make([]byte, n*BytesPerSample)
	refData := make([]byte, n*BytesPerSample)
	for i := 0; i < n; i++ {
		micData[2*i] = f.Data[4*i]
		micData[2*i+1] = f.Data[4*i+1]
		refData[2*i] = f.Data[4*i+2]
		refData[2*i+1] = f.Data[4*i+3]
	}
	mic = Frame{Data: micData, SampleRate: f.SampleRate, Channels: 1, Timestamp: f.Timestamp}
	ref = Frame{Data: refData, SampleRate: f.SampleRate, Channels: 1, Timestamp: f.Timestamp}
	return mic, ref
}
