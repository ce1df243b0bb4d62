// Package aec implements acoustic echo cancellation for the capture path.
//
// The processor removes the assistant's own speaker output from the
// microphone signal so that self-audio does not reach the recognizer. It runs
// a normalised least-mean-squares (NLMS) adaptive filter against a reference
// copy of the played audio, followed by an optional DC-blocking high-pass
// filter and an energy-gate noise suppressor.
//
// Two deployment modes are supported:
//
//   - Aggregate-device mode: the capture frame already interleaves the
//     microphone and a hardware loopback of the speaker at the same rate.
//     [Processor.ProcessAggregate] slices the two channels and cancels
//     synchronously.
//   - Software mode: reference frames arrive independently via
//     [Processor.PushReference] (normally wired to the playback reference
//     tap) and are aligned to capture frames by play-out timestamp minus the
//     configured stream delay. When no reference is near enough, silence is
//     substituted and the filter free-runs.
//
// Cancellation is best-effort by design; the barge-in controller's grace
// window is the hard guarantee against self-triggering.
package aec

import (
	"fmt"
	"time"

	"github.com/Lincept/personality-tts/pkg/audio"
)

// NoiseSuppression selects the aggressiveness of the post-filter energy gate.
type NoiseSuppression int

const (
	SuppressionOff NoiseSuppression = iota
	SuppressionLow
	SuppressionModerate
	SuppressionHigh
)

// String returns the human-readable suppression level name.
func (n NoiseSuppression) String() string {
	switch n {
	case SuppressionOff:
		return "off"
	case SuppressionLow:
		return "low"
	case SuppressionModerate:
		return "moderate"
	case SuppressionHigh:
		return "high"
	default:
		return "unknown"
	}
}

const (
	// filterTaps is the adaptive filter length: 256 taps = 16 ms of echo
	// tail at 16 kHz.
	filterTaps = 256

	// stepSize is the NLMS adaptation rate.
	stepSize = 0.5

	// regulariser keeps the NLMS power normalisation away from zero.
	regulariser = 1e-3

	// dcBlockPole is the pole of the one-pole high-pass (DC blocking) filter.
	dcBlockPole = 0.995
)

// Config holds the tuning knobs for a [Processor].
type Config struct {
	// SampleRate is the capture rate in Hz. Only 16000 is supported.
	SampleRate int

	// StreamDelay is the expected round-trip delay from reference submission
	// to echoed microphone capture. Default 40 ms. An empirical tunable; no
	// correctness property is claimed for any particular value.
	StreamDelay time.Duration

	// RingAge bounds how much reference audio is retained for alignment.
	// Default 500 ms; references older than this are treated as silence.
	RingAge time.Duration

	// Suppression selects the noise-gate level. The zero value disables the
	// gate.
	Suppression NoiseSuppression

	// HighPass enables the DC-blocking high-pass filter.
	HighPass bool
}

// refSlot is one 10-ms reference frame held in the alignment ring.
type refSlot struct {
	playout time.Duration
	samples []float64
}

// Processor is a single-stream echo canceller. It is stateful and must be
// used from one goroutine at a time; the capture stage owns it.
type Processor struct {
	cfg Config

	// NLMS state.
	weights []float64
	refHist []float64 // most recent reference samples, newest last

	// Software-mode reference ring, ordered by play-out time.
	ring []refSlot

	// High-pass filter state.
	hpPrevIn  float64
	hpPrevOut float64
}

// New creates a Processor. Returns an error for unsupported formats so the
// pipeline can degrade to pass-through.
func New(cfg Config) (*Processor, error) {
	if cfg.SampleRate == 0 {
		cfg.SampleRate = audio.DefaultCaptureRate
	}
	if cfg.SampleRate != audio.DefaultCaptureRate {
		return nil, fmt.Errorf("aec: unsupported sample rate %d (want %d)", cfg.SampleRate, audio.DefaultCaptureRate)
	}
	if cfg.StreamDelay == 0 {
		cfg.StreamDelay = 40 * time.Millisecond
	}
	if cfg.RingAge == 0 {
		cfg.RingAge = 500 * time.Millisecond
	}
	return &Processor{
		cfg:     cfg,
		weights: make([]float64, filterTaps),
		refHist: make([]float64, filterTaps),
	}, nil
}

// PushReference feeds one played-out frame into the alignment ring
// (software mode). The frame's Timestamp must be its intended play-out time.
// Frames at rates other than the capture rate are resampled.
func (p *Processor) PushReference(f audio.Frame) {
	samples := toFloat(f.Data)
	if f.SampleRate != p.cfg.SampleRate {
		samples = resample(samples, f.SampleRate, p.cfg.SampleRate)
	}
	p.ring = append(p.ring, refSlot{playout: f.Timestamp, samples: samples})

	// Evict slots older than the ring age relative to the newest entry.
	cutoff := f.Timestamp - p.cfg.RingAge
	start := 0
	for start < len(p.ring) && p.ring[start].playout < cutoff {
		start++
	}
	if start > 0 {
		p.ring = append(p.ring[:0:0], p.ring[start:]...)
	}
}

// Process cancels echo from one mono capture frame (software mode). The
// reference is the ring slot nearest capture time minus the stream delay;
// silence is substituted when none is close enough.
func (p *Processor) Process(capture audio.Frame) audio.Frame {
	ref := p.referenceFor(capture.Timestamp - p.cfg.StreamDelay)
	return p.cancel(capture, ref)
}

// ProcessAggregate cancels echo from one two-channel {mic, reference}
// aggregate frame. The two channels are already synchronous, so no ring
// lookup is involved.
func (p *Processor) ProcessAggregate(f audio.Frame) audio.Frame {
	mic, ref := audio.Deinterleave(f)
	return p.cancel(mic, toFloat(ref.Data))
}

// Reset clears all adaptive state. Use when the capture stream restarts.
func (p *Processor) Reset() {
	for i := range p.weights {
		p.weights[i] = 0
	}
	for i := range p.refHist {
		p.refHist[i] = 0
	}
	p.ring = nil
	p.hpPrevIn, p.hpPrevOut = 0, 0
}

// referenceFor returns the ring samples whose play-out time is nearest want,
// within half a frame period. Returns nil (silence) otherwise.
func (p *Processor) referenceFor(want time.Duration) []float64 {
	best := -1
	bestDist := audio.FramePeriod / 2
	for i, slot := range p.ring {
		d := slot.playout - want
		if d < 0 {
			d = -d
		}
		if d <= bestDist {
			best = i
			bestDist = d
		}
	}
	if best < 0 {
		return nil
	}
	return p.ring[best].samples
}

// cancel runs the NLMS filter sample by sample, then the post filters.
// A nil ref means silence: the filter state still advances so alignment is
// kept when playback resumes.
func (p *Processor) cancel(capture audio.Frame, ref []float64) audio.Frame {
	mic := toFloat(capture.Data)
	out := make([]float64, len(mic))

	for i := range mic {
		var x float64
		if ref != nil && i < len(ref) {
			x = ref[i]
		}
		// Shift the reference history and estimate the echo.
		copy(p.refHist, p.refHist[1:])
		p.refHist[len(p.refHist)-1] = x

		var est, power float64
		for t, w := range p.weights {
			s := p.refHist[len(p.refHist)-1-t]
			est += w * s
			power += s * s
		}
		e := mic[i] - est

		// NLMS weight update.
		mu := stepSize / (power + regulariser)
		for t := range p.weights {
			p.weights[t] += mu * e * p.refHist[len(p.refHist)-1-t]
		}
		out[i] = e
	}

	if p.cfg.HighPass {
		for i := range out {
			y := out[i] - p.hpPrevIn + dcBlockPole*p.hpPrevOut
			p.hpPrevIn = out[i]
			p.hpPrevOut = y
			out[i] = y
		}
	}

	p.suppress(out)

	return audio.Frame{
		Data:       toPCM(out),
		SampleRate: capture.SampleRate,
		Channels:   1,
		Timestamp:  capture.Timestamp,
	}
}

// suppress applies the energy gate in place: frames whose RMS falls below the
// gate threshold are attenuated according to the configured level.
func (p *Processor) suppress(samples []float64) {
	if p.cfg.Suppression == SuppressionOff || len(samples) == 0 {
		return
	}
	var sum float64
	for _, s := range samples {
		sum += s * s
	}
	rms := sum / float64(len(samples))

	var gate, atten float64
	switch p.cfg.Suppression {
	case SuppressionLow:
		gate, atten = 1e-5, 0.5
	case SuppressionModerate:
		gate, atten = 4e-5, 0.25
	case SuppressionHigh:
		gate, atten = 1e-4, 0.1
	}
	if rms < gate {
		for i := range samples {
			samples[i] *= atten
		}
	}
}

// ─── PCM helpers ─────────────────────────────────────────────────────────────

// toFloat converts interleaved s16le bytes to samples in [-1, 1).
func toFloat(data []byte) []float64 {
	out := make([]float64, len(data)/audio.BytesPerSample)
	for i := range out {
		v := int16(uint16(data[2*i]) | uint16(data[2*i+1])<<8)
		out[i] = float64(v) / 32768
	}
	return out
}

// toPCM converts samples back to s16le bytes with clipping.
func toPCM(samples []float64) []byte {
	out := make([]byte, len(samples)*audio.BytesPerSample)
	for i, s := range samples {
		v := s * 32768
		if v > 32767 {
			v = 32767
		} else if v < -32768 {
			v = -32768
		}
		u := uint16(int16(v))
		out[2*i] = byte(u)
		out[2*i+1] = byte(u >> 8)
	}
	return out
}

// resample converts samples between rates by linear interpolation. Adequate
// for reference alignment; the speech path itself is never resampled here.
func resample(in []float64, from, to int) []float64 {
	if from == to || len(in) == 0 {
		return in
	}
	n := len(in) * to / from
	out := make([]float64, n)
	for i := range out {
		pos := float64(i) * float64(from) / float64(to)
		j := int(pos)
		if j >= len(in)-1 {
			out[i] = in[len(in)-1]
			continue
		}
		frac := pos - float64(j)
		out[i] = in[j]*(1-frac) + in[j+1]*frac
	}
	return out
}
