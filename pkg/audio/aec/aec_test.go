package aec

import (
	"math"
	"testing"
	"time"

	"github.com/Lincept/personality-tts/pkg/audio"
)

// sineFrame builds a 10-ms mono frame of a sine at the given amplitude.
// phase is carried across frames via the returned value.
func sineFrame(rate int, freq, amp, phase float64, ts time.Duration) (audio.Frame, float64) {
	n := int(audio.FramePeriod.Seconds() * float64(rate))
	data := make([]byte, n*audio.BytesPerSample)
	for i := 0; i < n; i++ {
		s := amp * math.Sin(phase)
		phase += 2 * math.Pi * freq / float64(rate)
		v := uint16(int16(s * 32767))
		data[2*i] = byte(v)
		data[2*i+1] = byte(v >> 8)
	}
	return audio.Frame{Data: data, SampleRate: rate, Channels: 1, Timestamp: ts}, phase
}

// rms computes the root-mean-square of a frame in the [-1, 1) sample domain.
func rms(f audio.Frame) float64 {
	var sum float64
	n := f.Samples()
	for i := 0; i < n; i++ {
		v := float64(int16(uint16(f.Data[2*i])|uint16(f.Data[2*i+1])<<8)) / 32768
		sum += v * v
	}
	return math.Sqrt(sum / float64(n))
}

func TestProcess_CancelsAlignedEcho(t *testing.T) {
	t.Parallel()

	const delay = 40 * time.Millisecond
	p, err := New(Config{StreamDelay: delay, Suppression: SuppressionOff})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	// The capture signal is a pure echo: the reference scaled by 0.5 with no
	// additional lag beyond the configured stream delay. After adaptation the
	// canceller should remove most of its energy.
	var refPhase, micPhase float64
	var echoIn, echoOut float64
	const frames = 40
	for i := 0; i < frames; i++ {
		ts := time.Duration(i) * audio.FramePeriod

		var ref audio.Frame
		ref, refPhase = sineFrame(16000, 440, 0.6, refPhase, ts)
		p.PushReference(ref)

		var mic audio.Frame
		mic, micPhase = sineFrame(16000, 440, 0.3, micPhase, ts+delay)
		out := p.Process(mic)

		if out.Samples() != mic.Samples() {
			t.Fatalf("frame %d: sample count changed: got %d, want %d", i, out.Samples(), mic.Samples())
		}
		// Only score the second half, after the filter has had time to adapt.
		if i >= frames/2 {
			echoIn += rms(mic)
			echoOut += rms(out)
		}
	}

	if echoOut >= echoIn/4 {
		t.Errorf("residual echo too high: in RMS %.4f, out RMS %.4f", echoIn, echoOut)
	}
}

func TestProcess_SilenceReferencePassesThrough(t *testing.T) {
	t.Parallel()

	p, err := New(Config{Suppression: SuppressionOff})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	// No reference pushed: the ring is empty, silence is substituted, and
	// with post filters off the capture must pass through bit-exact.
	mic, _ := sineFrame(16000, 300, 0.4, 0, 0)
	out := p.Process(mic)

	if len(out.Data) != len(mic.Data) {
		t.Fatalf("length changed: got %d, want %d", len(out.Data), len(mic.Data))
	}
	for i := range mic.Data {
		if out.Data[i] != mic.Data[i] {
			t.Fatalf("byte %d changed: got %#x, want %#x", i, out.Data[i], mic.Data[i])
		}
	}
}

func TestProcess_StaleReferenceIsDropped(t *testing.T) {
	t.Parallel()

	p, err := New(Config{Suppression: SuppressionOff})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	// Push a reference far older than the ring age relative to the capture
	// alignment point; the canceller must fall back to silence.
	old, _ := sineFrame(16000, 440, 0.6, 0, 0)
	p.PushReference(old)
	recent, _ := sineFrame(16000, 440, 0.6, 0, 2*time.Second)
	p.PushReference(recent)

	mic, _ := sineFrame(16000, 300, 0.4, 0, 3*time.Second)
	out := p.Process(mic)

	// 3 s − 40 ms aligns with neither slot, so pass-through is expected.
	for i := range mic.Data {
		if out.Data[i] != mic.Data[i] {
			t.Fatalf("stale reference was applied (byte %d differs)", i)
		}
	}
}

func TestProcessAggregate_CancelsInterleavedEcho(t *testing.T) {
	t.Parallel()

	p, err := New(Config{Suppression: SuppressionOff})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	var phase float64
	var echoIn, echoOut float64
	const frames = 40
	for i := 0; i < frames; i++ {
		ref, next := sineFrame(16000, 440, 0.6, phase, 0)
		mic, _ := sineFrame(16000, 440, 0.3, phase, 0)
		phase = next

		// Interleave {mic, ref} into one aggregate frame.
		n := mic.Samples()
		data := make([]byte, n*4)
		for s := 0; s < n; s++ {
			data[4*s] = mic.Data[2*s]
			data[4*s+1] = mic.Data[2*s+1]
			data[4*s+2] = ref.Data[2*s]
			data[4*s+3] = ref.Data[2*s+1]
		}
		agg := audio.Frame{Data: data, SampleRate: 16000, Channels: 2}

		out := p.ProcessAggregate(agg)
		if i >= frames/2 {
			echoIn += rms(mic)
			echoOut += rms(out)
		}
	}

	if echoOut >= echoIn/4 {
		t.Errorf("residual echo too high: in RMS %.4f, out RMS %.4f", echoIn, echoOut)
	}
}

func TestSuppress_GatesLowEnergyFrames(t *testing.T) {
	t.Parallel()

	p, err := New(Config{Suppression: SuppressionHigh})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	// A very quiet frame should be attenuated further by the gate.
	quiet, _ := sineFrame(16000, 440, 0.002, 0, 0)
	before := rms(quiet)
	out := p.Process(quiet)
	after := rms(out)

	if after >= before/2 {
		t.Errorf("gate did not attenuate: before %.6f, after %.6f", before, after)
	}
}

func TestNew_RejectsUnsupportedRate(t *testing.T) {
	t.Parallel()

	if _, err := New(Config{SampleRate: 44100}); err == nil {
		t.Fatal("New accepted a 44.1 kHz config; want error")
	}
}

func TestResample_RateConversion(t *testing.T) {
	t.Parallel()

	in := make([]float64, 240) // 10 ms at 24 kHz
	for i := range in {
		in[i] = math.Sin(2 * math.Pi * float64(i) / 48)
	}
	out := resample(in, 24000, 16000)
	if len(out) != 160 {
		t.Fatalf("resampled length: got %d, want 160", len(out))
	}
}
