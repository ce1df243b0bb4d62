// Package pipeline implements the realtime conversation loop. A single
// command loop owns the turn state machine; capture, recognition, generation,
// synthesis and playback run as stages that report into it over one channel
// and never touch shared state. Back-pressure stays local to a stage while
// the loop remains responsive to interruptions.
//
// A turn normally moves Idle, Listening, Recognizing, Generating, Speaking,
// Draining, Completed. Barge-in and explicit cancellation divert it to
// Cancelling; the next turn starts only once the cancelled worker has
// acknowledged its exit, so at most one turn is audible at any time.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/Lincept/personality-tts/internal/observe"
	"github.com/Lincept/personality-tts/pkg/audio"
	"github.com/Lincept/personality-tts/pkg/audio/aec"
	"github.com/Lincept/personality-tts/pkg/memory"
	"github.com/Lincept/personality-tts/pkg/provider/asr"
	"github.com/Lincept/personality-tts/pkg/provider/llm"
	"github.com/Lincept/personality-tts/pkg/provider/tts"
	"github.com/Lincept/personality-tts/pkg/provider/vad"
)

const (
	// cmdBuffer bounds the orchestrator inbox. Voiced ticks are dropped when
	// it is full; transcripts and stage reports block, preserving order.
	cmdBuffer = 64

	// eventBuffer bounds the observer feed, which is lossy by contract.
	eventBuffer = 256

	// voicedInterval throttles voiced-frame reports while speech continues.
	voicedInterval = 100 * time.Millisecond

	// asrReopenDelay spaces attempts to reopen a failed recognition stream.
	asrReopenDelay = 500 * time.Millisecond

	// stopBudget bounds how long Stop waits for stages and workers.
	stopBudget = 2 * time.Second
)

// Defaults for the per-stage deadlines, applied when the Config field is
// zero.
const (
	// DefaultASRFinalTimeout is the silence-to-final budget; the first
	// expiry flushes the recognizer, the second discards the utterance.
	DefaultASRFinalTimeout = 8 * time.Second

	// DefaultLLMFirstToken is the first-token budget per stream attempt.
	DefaultLLMFirstToken = 10 * time.Second

	// DefaultTTSFirstFrame is the first-audio budget per synthesis session.
	DefaultTTSFirstFrame = 3 * time.Second

	// DefaultMemoryDeadline bounds each memory store call.
	DefaultMemoryDeadline = 500 * time.Millisecond
)

// cmdKind discriminates commands on the orchestrator loop.
type cmdKind int

const (
	cmdSubmitText cmdKind = iota
	cmdTranscript
	cmdVoiced
	cmdState
	cmdTurnDone
	cmdCancel
	cmdCaptureDown
	cmdASRDown
)

// command is one message to the orchestrator loop. All turn state lives on
// that loop; stages communicate with it exclusively through commands.
type command struct {
	kind    cmdKind
	text    string
	tr      asr.Transcript
	at      time.Time
	turn    uint64
	state   TurnState
	outcome TurnOutcome
	err     error
}

// Config carries the conversation tunables. The zero value is usable for
// text-only operation; normalize fills the deadlines with their documented
// defaults.
type Config struct {
	// SystemPrompt is the base system message, typically a rendered role
	// prompt. Memory snippets are appended to it per turn.
	SystemPrompt string

	// Voice is the synthesis voice profile passed to the TTS provider.
	Voice tts.VoiceProfile

	// UserID scopes memory retrieval and persistence.
	UserID string

	// Temperature and MaxTokens are forwarded to every completion request.
	Temperature float64
	MaxTokens   int

	// ASRStream describes the recognition stream opened at start. The
	// sample rate defaults to the capture rate, channels to mono.
	ASRStream asr.StreamConfig

	// MinFlushLen and MaxFlushLen bound the sanitiser's utterance sizes in
	// codepoints. Zero selects the sanitiser defaults.
	MinFlushLen int
	MaxFlushLen int

	// BargeInMinChars is the minimum trimmed partial length that counts as
	// an interruption. Zero selects DefaultBargeInMinChars.
	BargeInMinChars int

	// BargeInGrace suppresses interruptions within this interval of the
	// most recent playback submit. Zero disables the window; it is only
	// needed when echo cancellation runs in software.
	BargeInGrace time.Duration

	// ASRFinalTimeout is the silence-to-final budget while Listening.
	ASRFinalTimeout time.Duration

	// LLMFirstToken is the first-token budget per stream attempt. The
	// stream is retried once before the turn fails with ErrLLMTimeout.
	LLMFirstToken time.Duration

	// TTSFirstFrame is the first-audio budget per synthesis session. The
	// session is reopened once before the turn fails with ErrTTSTimeout.
	TTSFirstFrame time.Duration

	// MemoryDeadline bounds each memory store call.
	MemoryDeadline time.Duration

	// HistoryDepth is the number of conversation messages retained. Zero
	// selects DefaultHistoryDepth.
	HistoryDepth int
}

// normalize fills zero-valued tunables with their documented defaults.
func (c *Config) normalize() {
	if c.ASRStream.SampleRate == 0 {
		c.ASRStream.SampleRate = audio.DefaultCaptureRate
	}
	if c.ASRStream.Channels == 0 {
		c.ASRStream.Channels = 1
	}
	if c.ASRFinalTimeout == 0 {
		c.ASRFinalTimeout = DefaultASRFinalTimeout
	}
	if c.LLMFirstToken == 0 {
		c.LLMFirstToken = DefaultLLMFirstToken
	}
	if c.TTSFirstFrame == 0 {
		c.TTSFirstFrame = DefaultTTSFirstFrame
	}
	if c.MemoryDeadline == 0 {
		c.MemoryDeadline = DefaultMemoryDeadline
	}
}

// Stages collects the devices and providers the pipeline drives. Playback,
// LLM and TTS are required. Capture and ASR enable the voice path; VAD, AEC
// and Store are optional refinements.
type Stages struct {
	// Capture is the microphone. Nil disables voice input.
	Capture audio.Capture

	// Playback is the output device. Always required: replies are spoken
	// even when the input is typed.
	Playback audio.Playback

	// ASR is the recognition backend. Required when Capture is set.
	ASR asr.Provider

	// VAD gates the Listening transition and anchors the final-transcript
	// timer. Nil falls back to transcript-driven listening.
	VAD vad.Engine

	// AEC is the echo canceller. Nil means the platform or an aggregate
	// device handles echo, or echo handling is off.
	AEC *aec.Processor

	// LLM generates replies.
	LLM llm.Provider

	// TTS synthesises replies.
	TTS tts.Provider

	// Store is the long-term conversation memory. Nil disables retrieval
	// and persistence.
	Store memory.Store
}

// Pipeline is the conversation orchestrator. Create with New, drive with
// Start, SubmitText and Cancel, observe through Events and Status, and shut
// down with Stop.
type Pipeline struct {
	cfg Config
	log *slog.Logger

	metrics *observe.Metrics

	capture  audio.Capture
	playback audio.Playback
	asr      asr.Provider
	vad      vad.Engine
	aec      *aec.Processor
	llm      llm.Provider
	tts      tts.Provider
	store    memory.Store

	history *History
	bargein *BargeInController

	cmds   chan command
	events chan Event

	mu         sync.Mutex // lifecycle
	running    bool
	rootCtx    context.Context
	rootCancel context.CancelFunc
	runDone    chan struct{}
	loops      sync.WaitGroup // command, capture and events loops
	wg         sync.WaitGroup // turn workers

	sessMu sync.Mutex
	sess   asr.SessionHandle

	// Loop-owned turn state. The command loop is the only writer; statusMu
	// serialises writes against Status readers.
	statusMu     sync.RWMutex
	state        TurnState
	turn         uint64
	lastOutcome  *TurnOutcome
	turnCancel   context.CancelFunc
	cancelReason CancelReason
	pendingText  string
	pendingFinal string
	lastVoiced   time.Time
	asrFlushed   bool
	stopping     bool
	finalTimer   *time.Timer
	finalTimerC  <-chan time.Time
}

// Option customises a Pipeline.
type Option func(*Pipeline)

// WithLogger sets the logger. Defaults to slog.Default.
func WithLogger(l *slog.Logger) Option {
	return func(p *Pipeline) {
		if l != nil {
			p.log = l
		}
	}
}

// WithMetrics sets the metrics sink. Defaults to the global meter provider.
func WithMetrics(m *observe.Metrics) Option {
	return func(p *Pipeline) {
		if m != nil {
			p.metrics = m
		}
	}
}

// New assembles a Pipeline from its stages. It validates the required
// stages but touches no device; acquisition happens in Start.
func New(cfg Config, st Stages, opts ...Option) (*Pipeline, error) {
	if st.Playback == nil {
		return nil, errors.New("pipeline: Stages.Playback is required")
	}
	if st.LLM == nil {
		return nil, errors.New("pipeline: Stages.LLM is required")
	}
	if st.TTS == nil {
		return nil, errors.New("pipeline: Stages.TTS is required")
	}
	if st.Capture != nil && st.ASR == nil {
		return nil, errors.New("pipeline: Stages.ASR is required when Capture is set")
	}
	cfg.normalize()

	p := &Pipeline{
		cfg:      cfg,
		log:      slog.Default(),
		metrics:  observe.DefaultMetrics(),
		capture:  st.Capture,
		playback: st.Playback,
		asr:      st.ASR,
		vad:      st.VAD,
		aec:      st.AEC,
		llm:      st.LLM,
		tts:      st.TTS,
		store:    st.Store,
		history:  NewHistory(cfg.HistoryDepth),
		cmds:     make(chan command, cmdBuffer),
		events:   make(chan Event, eventBuffer),
	}
	p.bargein = NewBargeInController(BargeInConfig{
		MinChars:   cfg.BargeInMinChars,
		Grace:      cfg.BargeInGrace,
		LastSubmit: st.Playback.LastSubmit,
	})
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// Start acquires the devices, opens the recognition stream and launches the
// orchestrator. ctx bounds startup only; the pipeline's own lifetime ends
// with Stop.
func (p *Pipeline) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.running {
		return errors.New("pipeline: already started")
	}

	rctx, cancel := context.WithCancel(context.Background())

	if err := p.playback.Start(ctx); err != nil {
		cancel()
		return fmt.Errorf("pipeline: playback start: %w", err)
	}

	voice := p.capture != nil
	if voice {
		if err := p.capture.Start(ctx); err != nil {
			_ = p.playback.Stop()
			cancel()
			return fmt.Errorf("pipeline: capture start: %w", err)
		}
		sess, err := p.asr.StartStream(rctx, p.cfg.ASRStream)
		if err != nil {
			_ = p.capture.Stop()
			_ = p.playback.Stop()
			cancel()
			return fmt.Errorf("pipeline: asr stream open: %w", err)
		}
		p.setSession(sess)

		var vs vad.SessionHandle
		if p.vad != nil {
			vs, err = p.vad.NewSession(vad.Config{SampleRate: p.cfg.ASRStream.SampleRate})
			if err != nil {
				_ = sess.Close()
				p.setSession(nil)
				_ = p.capture.Stop()
				_ = p.playback.Stop()
				cancel()
				return fmt.Errorf("pipeline: vad session: %w", err)
			}
		}

		p.loops.Add(2)
		go p.captureLoop(rctx, vs)
		go p.eventsLoop(rctx)
	}

	p.rootCtx = rctx
	p.rootCancel = cancel
	p.runDone = make(chan struct{})
	p.loops.Add(1)
	go p.run(rctx)

	p.running = true
	p.log.Info("pipeline started",
		"voice", voice, "aec", p.aec != nil, "vad", p.vad != nil, "memory", p.store != nil)
	return nil
}

// Stop cancels any active turn, releases the devices and waits for the
// stages to exit, bounded by stopBudget. Idempotent.
func (p *Pipeline) Stop() error {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return nil
	}
	p.running = false
	p.mu.Unlock()

	p.rootCancel()
	if p.capture != nil {
		_ = p.capture.Stop()
	}
	if sess := p.session(); sess != nil {
		_ = sess.Close()
	}

	done := make(chan struct{})
	go func() {
		p.loops.Wait()
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		close(p.events)
	case <-time.After(stopBudget):
		// Leave the events channel open: a straggling worker may still
		// emit. Consumers exit through their own contexts.
		p.log.Warn("pipeline stop timed out waiting for stages")
	}

	err := p.playback.Stop()
	p.log.Info("pipeline stopped")
	return err
}

// SubmitText starts a turn from typed input. During an active turn it is a
// barge-in: the current reply is cut and the text starts the next turn.
// Whitespace-only input is ignored.
func (p *Pipeline) SubmitText(text string) error {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}
	if !p.isRunning() {
		return ErrNotRunning
	}
	p.send(command{kind: cmdSubmitText, text: text, at: time.Now()})
	return nil
}

// Cancel interrupts the active turn without starting a new one. A no-op when
// no turn is active.
func (p *Pipeline) Cancel() error {
	if !p.isRunning() {
		return ErrNotRunning
	}
	p.send(command{kind: cmdCancel, at: time.Now()})
	return nil
}

// Events returns the observer feed. The channel is closed by Stop; when the
// consumer lags, events are dropped rather than slowing the audio path.
func (p *Pipeline) Events() <-chan Event { return p.events }

// Status is a point-in-time snapshot for health checks and display.
type Status struct {
	// State is the current turn state.
	State TurnState

	// Turn is the id of the most recently started turn; zero before the
	// first.
	Turn uint64

	// LastOutcome is the outcome of the most recently finished turn, nil
	// until a first turn has ended.
	LastOutcome *TurnOutcome
}

// Status reports the pipeline's current state. Safe for concurrent use.
func (p *Pipeline) Status() Status {
	p.statusMu.RLock()
	defer p.statusMu.RUnlock()
	s := Status{State: p.state, Turn: p.turn}
	if p.lastOutcome != nil {
		o := *p.lastOutcome
		s.LastOutcome = &o
	}
	return s
}

// History returns the conversation log shared with the turn workers.
func (p *Pipeline) History() *History { return p.history }

func (p *Pipeline) isRunning() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.running
}

// send delivers one command to the orchestrator, dropping it only when the
// loop has already exited.
func (p *Pipeline) send(cmd command) {
	select {
	case p.cmds <- cmd:
	case <-p.runDone:
	}
}

// emit publishes an event to the observer feed, dropping it when full.
func (p *Pipeline) emit(ev Event) {
	select {
	case p.events <- ev:
	default:
	}
}

// ─── Orchestrator loop ───

// run is the orchestrator goroutine. After shutdown begins it keeps
// consuming commands until the active worker has reported its exit, so turn
// accounting never leaks.
func (p *Pipeline) run(ctx context.Context) {
	defer p.loops.Done()
	defer close(p.runDone)

	done := ctx.Done()
	for {
		select {
		case cmd := <-p.cmds:
			p.handle(cmd)
		case <-p.finalTimerC:
			p.onFinalTimeout()
		case <-done:
			done = nil
			p.stopping = true
			if p.turnCancel != nil {
				p.turnCancel()
			}
		}
		if p.stopping && p.turnCancel == nil {
			p.disarmFinalTimer()
			return
		}
	}
}

func (p *Pipeline) handle(cmd command) {
	switch cmd.kind {
	case cmdSubmitText:
		p.onSubmitText(cmd.text, cmd.at)
	case cmdTranscript:
		p.onTranscript(cmd.tr, cmd.at)
	case cmdVoiced:
		p.onVoiced(cmd.at)
	case cmdState:
		p.onStageState(cmd.turn, cmd.state)
	case cmdTurnDone:
		p.onTurnDone(cmd.outcome)
	case cmdCancel:
		p.cancelTurn(CancelExplicit, cmd.at)
	case cmdCaptureDown:
		p.onCaptureDown(cmd.err)
	case cmdASRDown:
		p.onASRDown(cmd.err)
	}
}

// onSubmitText handles typed input. During an active turn it is a barge-in;
// during cancellation it replaces the pending next-turn text.
func (p *Pipeline) onSubmitText(text string, at time.Time) {
	switch {
	case p.state.active():
		p.pendingText = text
		p.cancelTurn(CancelBargeIn, at)
	case p.state == StateCancelling:
		p.pendingText = text
	default:
		p.startTurn(text)
	}
}

// onTranscript routes one recognition event by turn state: interruption
// check while a turn is active, next-turn capture while cancelling, and
// utterance assembly while listening.
func (p *Pipeline) onTranscript(tr asr.Transcript, at time.Time) {
	text := strings.TrimSpace(tr.Text)
	p.emit(Event{Type: EventTranscript, Turn: p.eventTurn(), Text: tr.Text, Final: tr.IsFinal})

	switch {
	case p.state.active():
		if p.bargein.Evaluate(p.state, tr, at) {
			if tr.IsFinal && text != "" {
				p.pendingFinal = text
			}
			p.cancelTurn(CancelBargeIn, at)
		}

	case p.state == StateCancelling:
		// The final of the interrupting utterance starts the next turn as
		// soon as the cancelled worker acknowledges.
		if tr.IsFinal && text != "" {
			p.pendingFinal = text
		}

	case p.state == StateListening:
		if !tr.IsFinal {
			// Still hearing something; keep the final-transcript timer
			// anchored at recognition activity.
			p.armFinalTimer()
			return
		}
		p.disarmFinalTimer()
		p.asrFlushed = false
		if !p.lastVoiced.IsZero() {
			p.metrics.ASRFinalLatency.Record(context.Background(), at.Sub(p.lastVoiced).Seconds())
		}
		if text == "" {
			p.log.Debug("empty final transcript, discarding utterance")
			p.setState(StateIdle)
			return
		}
		p.setState(StateRecognizing)
		p.startTurn(text)

	case p.state == StateIdle:
		if tr.IsFinal {
			// A final with no preceding Listening still starts a turn; the
			// recognizer may collapse a short utterance into one event.
			if text != "" {
				p.startTurn(text)
			}
			return
		}
		if text != "" {
			p.setState(StateListening)
			p.armFinalTimer()
		}
	}
}

// onVoiced notes voice activity. It opens the Listening window from Idle and
// re-anchors the final-transcript timer while Listening.
func (p *Pipeline) onVoiced(at time.Time) {
	p.lastVoiced = at
	switch p.state {
	case StateIdle:
		if p.session() == nil {
			return
		}
		p.setState(StateListening)
		p.armFinalTimer()
	case StateListening:
		p.armFinalTimer()
	}
}

// onFinalTimeout fires when no final transcript arrived in time. The first
// expiry asks the recognizer to flush; the second discards the utterance.
func (p *Pipeline) onFinalTimeout() {
	p.finalTimerC = nil
	if p.state != StateListening {
		return
	}
	if !p.asrFlushed {
		p.asrFlushed = true
		if sess := p.session(); sess != nil {
			if err := sess.Flush(); err != nil && !errors.Is(err, asr.ErrSessionClosed) {
				p.log.Warn("asr flush failed", "err", err)
			}
		}
		p.armFinalTimer()
		return
	}
	p.log.Warn("no final transcript, discarding utterance")
	p.asrFlushed = false
	p.setState(StateIdle)
}

// startTurn allocates the next turn id and launches its worker. The user
// message enters history now; the assistant message only on completion.
func (p *Pipeline) startTurn(text string) {
	if p.stopping {
		return
	}
	p.disarmFinalTimer()
	p.asrFlushed = false

	p.setTurn(p.turn + 1)
	p.history.AppendUser(text)

	tctx, cancel := context.WithCancel(p.rootCtx)
	p.turnCancel = cancel
	p.setState(StateGenerating)
	p.log.Info("turn started", "turn", p.turn, "user_chars", len(text))

	p.wg.Add(1)
	go p.runTurn(tctx, p.turn, text)
}

// cancelTurn interrupts the active turn: the worker's context is cancelled,
// playback is silenced, and the loop waits for the worker's exit report
// before anything new becomes audible.
func (p *Pipeline) cancelTurn(reason CancelReason, at time.Time) {
	if !p.state.active() {
		return
	}
	p.cancelReason = reason
	p.setState(StateCancelling)
	p.turnCancel()
	if err := p.playback.Abort(); err != nil {
		p.log.Error("playback abort failed", "turn", p.turn, "err", err)
	}

	if reason == CancelBargeIn {
		lat := time.Since(at)
		p.metrics.RecordBargeIn(context.Background(), lat)
		p.log.Info("barge-in", "turn", p.turn, "abort_ms", lat.Milliseconds())
	} else {
		p.log.Info("cancelling turn", "turn", p.turn)
	}
}

// onStageState applies a Speaking or Draining report from the turn worker.
// Reports from a previous turn, or arriving after cancellation, are stale
// and ignored.
func (p *Pipeline) onStageState(turn uint64, state TurnState) {
	if turn != p.turn || !p.state.active() {
		return
	}
	switch {
	case state == StateSpeaking && p.state == StateGenerating:
		p.setState(StateSpeaking)
	case state == StateDraining && p.state != StateDraining:
		p.setState(StateDraining)
	}
}

// onTurnDone finishes a turn: history and memory on completion, state
// bookkeeping always, then whichever input is pending starts the next turn.
func (p *Pipeline) onTurnDone(outcome TurnOutcome) {
	if p.turnCancel != nil {
		p.turnCancel()
		p.turnCancel = nil
	}
	if outcome.Kind == OutcomeCancelled {
		outcome.Reason = p.cancelReason
		if p.state != StateCancelling {
			// The worker's context died without a cancel command: shutdown.
			outcome.Reason = CancelExplicit
		}
	}

	ctx := context.Background()
	p.metrics.RecordTurn(ctx, outcome.metricLabel(), outcome.Duration)

	switch outcome.Kind {
	case OutcomeCompleted:
		if p.state == StateGenerating || p.state == StateSpeaking {
			// A turn whose audio already played out, or that produced none,
			// drains trivially.
			p.setState(StateDraining)
		}
		if outcome.AssistantText != "" {
			p.history.AppendAssistant(outcome.AssistantText)
		}
		p.setState(StateCompleted)
		p.recordTurn(outcome.UserText, outcome.AssistantText)
		p.log.Info("turn completed", "turn", outcome.Turn,
			"ms", outcome.Duration.Milliseconds(), "reply_chars", len(outcome.AssistantText))

	case OutcomeCancelled:
		// Second abort closes the race where a frame slipped in between the
		// first abort and the worker observing cancellation.
		_ = p.playback.Abort()
		p.log.Info("turn cancelled", "turn", outcome.Turn, "reason", outcome.Reason.String())

	case OutcomeFailed:
		p.setState(StateFailed)
		p.log.Error("turn failed", "turn", outcome.Turn, "err", outcome.Err)
	}

	p.setLastOutcome(outcome)
	p.emit(Event{Type: EventTurnEnd, Turn: outcome.Turn, Outcome: outcome})

	if p.stopping {
		p.setState(StateIdle)
		return
	}

	next := p.pendingText
	if next == "" {
		next = p.pendingFinal
	}
	p.pendingText, p.pendingFinal = "", ""
	if next != "" {
		p.startTurn(next)
		return
	}
	if outcome.Kind == OutcomeCancelled && outcome.Reason == CancelBargeIn && p.session() != nil {
		// The interrupting utterance is still in flight; wait for its final.
		p.setState(StateListening)
		p.armFinalTimer()
		return
	}
	p.setState(StateIdle)
}

// onCaptureDown handles an unrecoverable microphone fault. Voice input
// stops; typed turns keep working.
func (p *Pipeline) onCaptureDown(err error) {
	p.log.Error("capture failed, voice input disabled", "err", err)
	p.metrics.RecordProviderError(context.Background(), "capture", "device")
	if sess := p.session(); sess != nil {
		_ = sess.Close()
		p.setSession(nil)
	}
	if p.state == StateListening {
		p.disarmFinalTimer()
		p.setState(StateIdle)
	}
}

// onASRDown handles a recognition stream that could not be reopened.
func (p *Pipeline) onASRDown(err error) {
	p.log.Error("asr reopen failed, voice input disabled", "err", err)
	if p.state == StateListening {
		p.disarmFinalTimer()
		p.setState(StateIdle)
	}
}

// ─── Audio stages ───

// captureLoop moves microphone frames through echo cancellation and voice
// activity detection into the recognition stream. The canceller runs here
// because its filter state is single-goroutine; reference frames from the
// playback tap are consumed in the same select.
func (p *Pipeline) captureLoop(ctx context.Context, vs vad.SessionHandle) {
	defer p.loops.Done()

	frames := p.capture.Frames()
	var ref <-chan audio.Frame
	if p.aec != nil {
		ref = p.playback.ReferenceTap()
	}
	var lastVoiced time.Time
	var lastSendWarn time.Time

	for {
		select {
		case <-ctx.Done():
			return

		case rf, ok := <-ref:
			if !ok {
				ref = nil
				continue
			}
			p.aec.PushReference(rf)

		case f, ok := <-frames:
			if !ok {
				if err := p.capture.Err(); err != nil && ctx.Err() == nil {
					p.send(command{kind: cmdCaptureDown, err: err})
				}
				return
			}
			mic := p.cleanFrame(f)

			if vs != nil {
				ev, err := vs.ProcessFrame(mic)
				switch {
				case err != nil:
					p.log.Warn("vad failed, disabling", "err", err)
					vs = nil
				case ev.Type.IsSpeech():
					now := time.Now()
					if ev.Type == vad.SpeechStart || now.Sub(lastVoiced) >= voicedInterval {
						lastVoiced = now
						select {
						case p.cmds <- command{kind: cmdVoiced, at: now}:
						default: // voiced ticks are droppable
						}
					}
				}
			}

			sess := p.session()
			if sess == nil {
				continue
			}
			if err := sess.SendAudio(mic); err != nil && !errors.Is(err, asr.ErrSessionClosed) {
				if time.Since(lastSendWarn) > time.Second {
					lastSendWarn = time.Now()
					p.log.Warn("asr send failed", "err", err)
				}
			}
		}
	}
}

// cleanFrame routes one capture frame through the configured echo path.
// Two-channel frames come from an aggregate device carrying reference and
// microphone together; mono frames pair with the playback tap when the
// canceller is present, and pass through untouched otherwise.
func (p *Pipeline) cleanFrame(f audio.Frame) audio.Frame {
	switch {
	case p.aec != nil && f.Channels == 2:
		return p.aec.ProcessAggregate(f)
	case p.aec != nil:
		return p.aec.Process(f)
	case f.Channels == 2:
		mic, _ := audio.Deinterleave(f)
		return mic
	default:
		return f
	}
}

// eventsLoop forwards recognition events to the orchestrator for the life of
// the pipeline. A failed stream is reopened once per failure; when the
// reopen also fails, voice input is disabled and typed input keeps working.
func (p *Pipeline) eventsLoop(ctx context.Context) {
	defer p.loops.Done()
	for {
		sess := p.session()
		if sess == nil {
			return
		}
		if !p.pumpTranscripts(ctx, sess) {
			return
		}
		p.log.Warn("asr stream failed, reopening", "err", sess.Err())
		p.metrics.RecordProviderError(ctx, "asr", "stream")

		select {
		case <-ctx.Done():
			return
		case <-time.After(asrReopenDelay):
		}
		ns, rerr := p.asr.StartStream(ctx, p.cfg.ASRStream)
		if rerr != nil {
			p.metrics.RecordProviderError(ctx, "asr", "reopen")
			p.setSession(nil)
			p.send(command{kind: cmdASRDown, err: rerr})
			return
		}
		p.setSession(ns)
		p.log.Info("asr stream reopened")
	}
}

// pumpTranscripts forwards transcripts until the stream or the pipeline
// ends. It reports whether a reopen should be attempted.
func (p *Pipeline) pumpTranscripts(ctx context.Context, sess asr.SessionHandle) bool {
	for {
		select {
		case <-ctx.Done():
			return false
		case tr, ok := <-sess.Events():
			if !ok {
				return ctx.Err() == nil && sess.Err() != nil
			}
			p.send(command{kind: cmdTranscript, tr: tr, at: time.Now()})
		}
	}
}

// ─── Loop-owned helpers ───

func (p *Pipeline) session() asr.SessionHandle {
	p.sessMu.Lock()
	defer p.sessMu.Unlock()
	return p.sess
}

func (p *Pipeline) setSession(s asr.SessionHandle) {
	p.sessMu.Lock()
	p.sess = s
	p.sessMu.Unlock()
}

// setState applies and publishes a state transition.
func (p *Pipeline) setState(s TurnState) {
	if p.state == s {
		return
	}
	p.statusMu.Lock()
	p.state = s
	p.statusMu.Unlock()
	p.emit(Event{Type: EventState, Turn: p.eventTurn(), State: s})
	p.log.Debug("state", "state", s.String(), "turn", p.turn)
}

func (p *Pipeline) setTurn(n uint64) {
	p.statusMu.Lock()
	p.turn = n
	p.statusMu.Unlock()
}

func (p *Pipeline) setLastOutcome(o TurnOutcome) {
	p.statusMu.Lock()
	p.lastOutcome = &o
	p.statusMu.Unlock()
}

// eventTurn is the turn id carried on events: zero outside any turn.
func (p *Pipeline) eventTurn() uint64 {
	switch p.state {
	case StateIdle, StateListening, StateRecognizing:
		return 0
	}
	return p.turn
}

func (p *Pipeline) armFinalTimer() {
	if p.finalTimer == nil {
		p.finalTimer = time.NewTimer(p.cfg.ASRFinalTimeout)
	} else {
		if !p.finalTimer.Stop() {
			select {
			case <-p.finalTimer.C:
			default:
			}
		}
		p.finalTimer.Reset(p.cfg.ASRFinalTimeout)
	}
	p.finalTimerC = p.finalTimer.C
}

func (p *Pipeline) disarmFinalTimer() {
	if p.finalTimer != nil && !p.finalTimer.Stop() {
		select {
		case <-p.finalTimer.C:
		default:
		}
	}
	p.finalTimerC = nil
}
