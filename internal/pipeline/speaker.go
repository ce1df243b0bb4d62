package pipeline

import (
	"context"
	"sync"
	"time"

	"github.com/Lincept/personality-tts/pkg/provider/tts"
)

// speaker owns the per-turn synthesis session and the playback feed. The turn
// worker creates one per turn, submits sanitised utterances via say, and
// finishes or closes it when the turn ends.
//
// Failure policy: a session that cannot be opened, or that errors after
// producing audio, degrades the turn to text-only — the user already has the
// words on screen, so the turn still completes. Only a first-frame timeout
// (after one session retry) aborts the turn; the worker drives that through
// timeoutC and recover.
type speaker struct {
	p    *Pipeline
	turn uint64

	// timeoutC is signalled by the first-frame watchdog. The worker selects
	// on it and calls recover.
	timeoutC chan struct{}

	mu       sync.Mutex
	sess     tts.SessionHandle
	doneC    chan error // forwarder exit for the current session
	sent     []string   // utterances delivered, replayed on the one retry
	openedAt time.Time
	timer    *time.Timer
	gotFirst bool
	spoke    bool // at least one utterance was accepted by any session
	retried  bool
	dead     bool // text-only fallback engaged
}

func newSpeaker(p *Pipeline, turn uint64) *speaker {
	return &speaker{p: p, turn: turn, timeoutC: make(chan struct{}, 1)}
}

// timeout returns the channel signalled when the first-frame deadline passes
// without audio.
func (s *speaker) timeout() <-chan struct{} { return s.timeoutC }

// say submits one utterance for synthesis, opening the session on first use.
// Empty text is ignored. Errors degrade to text-only; say never fails the
// turn.
func (s *speaker) say(ctx context.Context, text string) {
	if text == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.dead {
		return
	}
	if s.sess == nil && !s.openLocked(ctx) {
		return
	}
	s.sent = append(s.sent, text)
	if err := s.sess.SendText(text); err != nil {
		s.p.log.Warn("tts send failed, continuing text-only", "turn", s.turn, "err", err)
		s.p.metrics.RecordProviderError(ctx, "tts", "send")
		s.abandonLocked()
		return
	}
	s.spoke = true
	s.p.metrics.Utterances.Add(ctx, 1)
}

// openLocked starts a synthesis session, its forwarder, and the first-frame
// watchdog. Reports the Speaking transition to the orchestrator. On failure
// it engages the text-only fallback and returns false. Caller holds s.mu.
func (s *speaker) openLocked(ctx context.Context) bool {
	sess, err := s.p.tts.StartSession(ctx, s.p.cfg.Voice)
	if err != nil {
		s.p.log.Warn("tts session open failed, continuing text-only", "turn", s.turn, "err", err)
		s.p.metrics.RecordProviderError(ctx, "tts", "open")
		s.dead = true
		return false
	}
	s.sess = sess
	s.openedAt = time.Now()
	done := make(chan error, 1)
	s.doneC = done
	s.timer = time.AfterFunc(s.p.cfg.TTSFirstFrame, s.watchdog)
	go s.forward(ctx, s.sess, done)
	if !s.spoke {
		s.p.send(command{kind: cmdState, turn: s.turn, state: StateSpeaking})
	}
	return true
}

// watchdog fires the first-frame deadline unless audio already arrived.
func (s *speaker) watchdog() {
	s.mu.Lock()
	missed := !s.gotFirst && !s.dead
	s.mu.Unlock()
	if missed {
		select {
		case s.timeoutC <- struct{}{}:
		default:
		}
	}
}

// forward moves synthesised frames to the playback device, tagging each with
// the turn id. It exits when the session's frame stream closes or the turn is
// cancelled, and reports the stream error on done.
func (s *speaker) forward(ctx context.Context, sess tts.SessionHandle, done chan<- error) {
	for {
		select {
		case <-ctx.Done():
			done <- ctx.Err()
			return
		case f, ok := <-sess.Frames():
			if !ok {
				done <- sess.Err()
				return
			}
			if ctx.Err() != nil {
				done <- ctx.Err()
				return
			}
			s.mu.Lock()
			if !s.gotFirst {
				s.gotFirst = true
				lat := time.Since(s.openedAt)
				s.mu.Unlock()
				s.p.metrics.TTSFirstFrame.Record(ctx, lat.Seconds())
			} else {
				s.mu.Unlock()
			}
			f.Turn = s.turn
			if err := s.p.playback.Submit(ctx, f); err != nil {
				if ctx.Err() == nil {
					s.p.log.Error("playback submit failed", "turn", s.turn, "err", err)
				}
				done <- err
				return
			}
		}
	}
}

// recover handles a first-frame timeout: the first one reopens the session
// and replays the utterances already submitted; the second aborts the turn
// with ErrTTSTimeout.
func (s *speaker) recover(ctx context.Context) error {
	s.mu.Lock()
	if s.dead || s.gotFirst {
		// The frame arrived while the watchdog signal was in flight.
		s.mu.Unlock()
		return nil
	}
	if s.retried {
		s.abandonLocked()
		s.mu.Unlock()
		return ErrTTSTimeout
	}
	s.retried = true
	old := s.sess
	s.sess = nil
	pending := s.sent
	s.sent = nil
	s.mu.Unlock()

	if old != nil {
		_ = old.Close()
	}
	s.p.log.Warn("tts first frame timeout, reopening session", "turn", s.turn)
	s.p.metrics.RecordProviderError(ctx, "tts", "first_frame_timeout")

	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.openLocked(ctx) {
		return nil
	}
	for _, text := range pending {
		s.sent = append(s.sent, text)
		if err := s.sess.SendText(text); err != nil {
			s.p.log.Warn("tts send failed after reopen, continuing text-only", "turn", s.turn, "err", err)
			s.abandonLocked()
			return nil
		}
	}
	return nil
}

// finish signals end of text, waits for the synthesised audio to reach the
// playback device, and drains the playback buffer. The first-frame watchdog
// stays armed through the drain: a session that never produced audio is
// reopened once and then fails the turn with ErrTTSTimeout. Returns ctx.Err
// on cancellation; other synthesis errors at this stage are logged, not
// returned, so the turn still completes.
func (s *speaker) finish(ctx context.Context) error {
	s.mu.Lock()
	opened := s.sess != nil
	s.mu.Unlock()
	if !opened {
		return nil
	}

	s.p.send(command{kind: cmdState, turn: s.turn, state: StateDraining})
	for {
		s.mu.Lock()
		sess := s.sess
		done := s.doneC
		s.mu.Unlock()
		if sess == nil {
			// Text-only fallback engaged mid-drain.
			return nil
		}
		if err := sess.Finish(); err != nil {
			s.p.log.Warn("tts finish failed", "turn", s.turn, "err", err)
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.timeoutC:
			if err := s.recover(ctx); err != nil {
				return err
			}
			// The session was reopened; signal end of text again.
			continue
		case err := <-done:
			if err != nil && ctx.Err() == nil {
				s.p.log.Warn("tts stream ended with error", "turn", s.turn, "err", err)
				return nil
			}
		}
		break
	}

	if err := s.p.playback.Flush(ctx); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		s.p.log.Warn("playback flush failed", "turn", s.turn, "err", err)
	}
	return nil
}

// abandonLocked engages the text-only fallback: the session is closed and all
// further say calls are ignored. Audio already queued on the device is left
// to play out. Caller holds s.mu.
func (s *speaker) abandonLocked() {
	if s.timer != nil {
		s.timer.Stop()
	}
	s.dead = true
	if s.sess != nil {
		_ = s.sess.Close()
		s.sess = nil
	}
}

// close aborts the session if it is still open. Idempotent; safe after
// finish.
func (s *speaker) close() {
	s.mu.Lock()
	sess := s.sess
	s.sess = nil
	if s.timer != nil {
		s.timer.Stop()
	}
	s.dead = true
	s.mu.Unlock()
	if sess != nil {
		_ = sess.Close()
	}
}
