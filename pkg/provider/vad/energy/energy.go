// Package energy implements a lightweight energy-based VAD engine.
//
// Frames are classified by short-term RMS energy mapped onto a pseudo
// probability in [0, 1] via a log-energy ramp. It is not a learned model:
// accuracy is adequate for gating barge-in on an echo-cancelled capture
// stream, where the residual background is quiet and user speech is
// near-field. Swap in a model-backed vad.Engine for far-field setups.
package energy

import (
	"errors"
	"fmt"
	"math"

	"github.com/Lincept/personality-tts/pkg/audio"
	"github.com/Lincept/personality-tts/pkg/provider/vad"
)

const (
	// floorDB and ceilDB bound the log-energy ramp. RMS at or below the
	// floor maps to probability 0; at or above the ceiling maps to 1.
	floorDB = -60.0
	ceilDB  = -20.0

	// defaultHangover bridges pauses up to 300 ms at 10 ms frames.
	defaultHangover = 30
)

// Engine creates energy-based VAD sessions.
type Engine struct{}

var _ vad.Engine = (*Engine)(nil)

// New creates an Engine.
func New() *Engine { return &Engine{} }

// NewSession implements vad.Engine.
func (e *Engine) NewSession(cfg vad.Config) (vad.SessionHandle, error) {
	if cfg.SampleRate <= 0 {
		return nil, errors.New("energy: SampleRate must be positive")
	}
	if cfg.SpeechThreshold == 0 {
		cfg.SpeechThreshold = 0.5
	}
	if cfg.SilenceThreshold == 0 {
		cfg.SilenceThreshold = 0.35
	}
	if cfg.SilenceThreshold > cfg.SpeechThreshold {
		return nil, fmt.Errorf("energy: SilenceThreshold %.2f exceeds SpeechThreshold %.2f",
			cfg.SilenceThreshold, cfg.SpeechThreshold)
	}
	if cfg.HangoverFrames == 0 {
		cfg.HangoverFrames = defaultHangover
	}
	return &session{cfg: cfg}, nil
}

// session holds per-stream detection state.
type session struct {
	cfg vad.Config

	inSpeech bool
	quiet    int // consecutive sub-threshold frames while inSpeech
	closed   bool
}

var _ vad.SessionHandle = (*session)(nil)

// ProcessFrame implements vad.SessionHandle.
func (s *session) ProcessFrame(f audio.Frame) (vad.Event, error) {
	if s.closed {
		return vad.Event{}, errors.New("energy: session is closed")
	}
	if f.SampleRate != s.cfg.SampleRate {
		return vad.Event{}, fmt.Errorf("energy: frame rate %d does not match session rate %d",
			f.SampleRate, s.cfg.SampleRate)
	}

	prob := probability(f.Data)
	ev := vad.Event{Probability: prob}

	if s.inSpeech {
		if prob < s.cfg.SilenceThreshold {
			s.quiet++
			if s.quiet >= s.cfg.HangoverFrames {
				s.inSpeech = false
				s.quiet = 0
				ev.Type = vad.SpeechEnd
				return ev, nil
			}
		} else {
			s.quiet = 0
		}
		ev.Type = vad.SpeechContinue
		return ev, nil
	}

	if prob >= s.cfg.SpeechThreshold {
		s.inSpeech = true
		s.quiet = 0
		ev.Type = vad.SpeechStart
		return ev, nil
	}
	ev.Type = vad.Silence
	return ev, nil
}

// Reset implements vad.SessionHandle.
func (s *session) Reset() {
	s.inSpeech = false
	s.quiet = 0
}

// Close implements vad.SessionHandle.
func (s *session) Close() error {
	s.closed = true
	return nil
}

// probability maps frame RMS onto [0, 1] along a dBFS ramp.
func probability(data []byte) float64 {
	n := len(data) / audio.BytesPerSample
	if n == 0 {
		return 0
	}
	var sum float64
	for i := 0; i < n; i++ {
		v := int16(uint16(data[2*i]) | uint16(data[2*i+1])<<8)
		s := float64(v) / 32768
		sum += s * s
	}
	rms := math.Sqrt(sum / float64(n))
	if rms == 0 {
		return 0
	}
	db := 20 * math.Log10(rms)
	p := (db - floorDB) / (ceilDB - floorDB)
	return math.Max(0, math.Min(1, p))
}
