// Package app wires the personality-tts subsystems into a running
// application.
//
// The App struct owns the full lifecycle: New creates and connects all
// subsystems, Run drives the conversation until the context is cancelled or
// typed input runs out, and Shutdown tears everything down in order.
//
// For testing, inject doubles via functional options (WithStore, WithCapture,
// WithPlayback, WithConsole, etc.). When an option is not provided, New
// creates real implementations from the config.
package app

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/Lincept/personality-tts/internal/config"
	"github.com/Lincept/personality-tts/internal/health"
	"github.com/Lincept/personality-tts/internal/observe"
	"github.com/Lincept/personality-tts/internal/pipeline"
	"github.com/Lincept/personality-tts/pkg/audio"
	"github.com/Lincept/personality-tts/pkg/audio/aec"
	"github.com/Lincept/personality-tts/pkg/audio/malgo"
	"github.com/Lincept/personality-tts/pkg/memory"
	"github.com/Lincept/personality-tts/pkg/memory/postgres"
	"github.com/Lincept/personality-tts/pkg/provider/asr"
	"github.com/Lincept/personality-tts/pkg/provider/embeddings"
	"github.com/Lincept/personality-tts/pkg/provider/llm"
	"github.com/Lincept/personality-tts/pkg/provider/tts"
	"github.com/Lincept/personality-tts/pkg/provider/vad"
	"github.com/Lincept/personality-tts/pkg/role"
)

// settlePoll is the interval at which Run re-checks the pipeline state after
// typed input has ended, waiting for the last turn to finish.
const settlePoll = 100 * time.Millisecond

// opsReadHeaderTimeout bounds header reads on the metrics/health listener.
const opsReadHeaderTimeout = 10 * time.Second

// defaultRole is used when no roles file is configured.
var defaultRole = role.Role{
	ID:            "assistant",
	Name:          "assistant",
	SystemPrompt:  "You are a helpful voice assistant. Replies are spoken aloud, so keep them short and conversational.",
	MaxReplyChars: 280,
}

// Providers holds one interface value per provider slot. Nil means the
// provider is not configured. Populated by main.go via the config registry.
type Providers struct {
	ASR        asr.Provider
	LLM        llm.Provider
	TTS        tts.Provider
	VAD        vad.Engine
	Embeddings embeddings.Provider
}

// App owns all subsystem lifetimes and drives the voice-assistant loop.
type App struct {
	cfg       *config.Config
	mode      config.Mode
	providers *Providers
	roleID    string

	// Subsystems — initialised in New, torn down in Shutdown.
	role      role.Role
	store     memory.Store
	capture   audio.Capture
	playback  audio.Playback
	canceller *aec.Processor
	pipe      *pipeline.Pipeline
	metrics   *observe.Metrics
	ops       *http.Server
	watcher   *config.Watcher

	// level receives hot-reloaded log levels when a watcher is attached.
	level     *slog.LevelVar
	watchPath string

	// in and out are the console streams the conversation is rendered on.
	in  io.Reader
	out io.Writer

	// replyOpen tracks whether the current assistant line is mid-stream.
	replyOpen bool

	running atomic.Bool

	// closers are called in order during Shutdown.
	closers []func() error

	// stopOnce guards the Shutdown path.
	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithMode selects text or voice operation. Default voice.
func WithMode(m config.Mode) Option {
	return func(a *App) { a.mode = m }
}

// WithRole selects a role from the configured roles file by ID.
func WithRole(id string) Option {
	return func(a *App) { a.roleID = id }
}

// WithStore injects a memory store instead of connecting to Postgres.
func WithStore(s memory.Store) Option {
	return func(a *App) { a.store = s }
}

// WithCapture injects a capture device instead of opening the microphone.
func WithCapture(c audio.Capture) Option {
	return func(a *App) { a.capture = c }
}

// WithPlayback injects a playback device instead of opening the speaker.
func WithPlayback(p audio.Playback) Option {
	return func(a *App) { a.playback = p }
}

// WithConsole redirects the conversation console. Defaults to stdin/stdout.
func WithConsole(in io.Reader, out io.Writer) Option {
	return func(a *App) { a.in, a.out = in, out }
}

// WithMetrics injects a metrics handle instead of the default meter provider.
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithConfigWatch watches the given config file and applies hot-reloadable
// changes to the running application. The level var, when set, receives log
// level updates.
func WithConfigWatch(path string, level *slog.LevelVar) Option {
	return func(a *App) { a.watchPath, a.level = path, level }
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App by wiring all subsystems together. The providers struct
// comes from main.go (populated via the config registry). Use Option functions
// to inject test doubles for any subsystem.
//
// New performs all initialisation synchronously: role selection, memory store
// connection, audio device construction, pipeline assembly, and the optional
// metrics endpoint and config watcher. Devices are not opened until Run.
func New(ctx context.Context, cfg *config.Config, providers *Providers, opts ...Option) (*App, error) {
	a := &App{
		cfg:       cfg,
		mode:      config.ModeVoice,
		providers: providers,
		in:        os.Stdin,
		out:       os.Stdout,
	}
	for _, o := range opts {
		o(a)
	}
	if a.providers == nil {
		a.providers = &Providers{}
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}

	// ── 1. Validation ────────────────────────────────────────────────────
	if err := a.validate(); err != nil {
		return nil, fmt.Errorf("app: %w", err)
	}

	// ── 2. Role ──────────────────────────────────────────────────────────
	if err := a.initRole(); err != nil {
		return nil, fmt.Errorf("app: init role: %w", err)
	}

	// ── 3. Long-term memory ──────────────────────────────────────────────
	if err := a.initMemory(ctx); err != nil {
		return nil, fmt.Errorf("app: init memory: %w", err)
	}

	// ── 4. Audio devices ─────────────────────────────────────────────────
	if err := a.initAudio(); err != nil {
		return nil, fmt.Errorf("app: init audio: %w", err)
	}

	// ── 5. Conversation pipeline ─────────────────────────────────────────
	if err := a.initPipeline(); err != nil {
		return nil, fmt.Errorf("app: init pipeline: %w", err)
	}

	// ── 6. Metrics and health endpoint ───────────────────────────────────
	a.initOps()

	// ── 7. Config watcher ────────────────────────────────────────────────
	if err := a.initWatcher(); err != nil {
		return nil, fmt.Errorf("app: init watcher: %w", err)
	}

	return a, nil
}

// ─── Init helpers ────────────────────────────────────────────────────────────

// validate checks the mode and the required provider slots.
func (a *App) validate() error {
	if !a.mode.IsValid() {
		return fmt.Errorf("unknown mode %q", a.mode)
	}
	if a.providers.LLM == nil {
		return errors.New("an llm provider is required")
	}
	if a.providers.TTS == nil {
		return errors.New("a tts provider is required")
	}
	if a.mode == config.ModeVoice && a.providers.ASR == nil {
		return errors.New("voice mode requires an asr provider")
	}
	return nil
}

// initRole loads the roles file and selects the active role, or falls back
// to the built-in default when no file is configured.
func (a *App) initRole() error {
	if a.cfg.RolesFile == "" {
		if a.roleID != "" && a.roleID != defaultRole.ID {
			return fmt.Errorf("role %q requested but no roles file configured", a.roleID)
		}
		a.role = defaultRole
		return nil
	}
	rf, err := role.Load(a.cfg.RolesFile)
	if err != nil {
		return err
	}
	ro, err := rf.Select(a.roleID)
	if err != nil {
		return err
	}
	a.role = ro
	slog.Info("role selected", "id", ro.ID, "name", ro.Name)
	return nil
}

// initMemory connects the pgvector store when a DSN is configured and no
// store was injected. Long-term memory is optional.
func (a *App) initMemory(ctx context.Context) error {
	if a.store != nil {
		return nil // injected
	}
	dsn := a.cfg.Memory.PostgresDSN
	if dsn == "" {
		return nil
	}
	if a.providers.Embeddings == nil {
		return errors.New("memory.postgres_dsn is set but no embeddings provider is configured")
	}
	store, err := postgres.NewStore(ctx, dsn, a.providers.Embeddings)
	if err != nil {
		return err
	}
	a.store = store
	a.closers = append(a.closers, func() error {
		store.Close()
		return nil
	})
	return nil
}

// initAudio constructs the playback device, and in voice mode the capture
// device and echo canceller. Injected devices are used as-is.
func (a *App) initAudio() error {
	if a.playback == nil {
		a.playback = malgo.NewPlayback(
			malgo.WithPlaybackRate(a.cfg.Audio.PlaybackRate),
			malgo.WithWatermark(a.cfg.Audio.Watermark()),
			malgo.WithPlaybackDevice(a.cfg.Audio.PlaybackDevice),
		)
	}
	if a.mode != config.ModeVoice {
		return nil
	}

	aecMode := a.cfg.Audio.AEC.Mode
	if a.capture == nil {
		opts := []malgo.CaptureOption{
			malgo.WithCaptureRate(a.cfg.Audio.CaptureRate),
			malgo.WithCaptureDevice(a.cfg.Audio.CaptureDevice),
		}
		if aecMode == config.AECHardware {
			opts = append(opts, malgo.WithAggregateDevice())
		}
		a.capture = malgo.NewCapture(opts...)
	}

	if aecMode == config.AECSoftware || aecMode == config.AECHardware {
		proc, err := aec.New(aec.Config{
			SampleRate:  a.cfg.Audio.CaptureRate,
			StreamDelay: a.cfg.Audio.AEC.StreamDelay(),
			RingAge:     a.cfg.Audio.AEC.Ring(),
			HighPass:    true,
		})
		if err != nil {
			return err
		}
		a.canceller = proc
	}
	return nil
}

// initPipeline assembles the conversation orchestrator from the role, the
// providers and the devices.
func (a *App) initPipeline() error {
	voiceID := a.role.VoiceID
	if voiceID == "" {
		if v, ok := a.cfg.Providers.TTS.Options["voice_id"].(string); ok {
			voiceID = v
		}
	}

	pcfg := pipeline.Config{
		SystemPrompt: a.role.Prompt(),
		Voice: tts.VoiceProfile{
			ID:       voiceID,
			Provider: a.cfg.Providers.TTS.Name,
		},
		UserID: a.cfg.Memory.UserID,
		ASRStream: asr.StreamConfig{
			SampleRate: a.cfg.Audio.CaptureRate,
			Channels:   1,
			Model:      a.cfg.Providers.ASR.Model,
		},
		MinFlushLen:     a.cfg.Pipeline.MinFlushLen,
		MaxFlushLen:     a.cfg.Pipeline.MaxFlushLen,
		BargeInMinChars: a.cfg.Pipeline.BargeInMinChars,
		ASRFinalTimeout: a.cfg.Pipeline.ASRFinalTimeout(),
		LLMFirstToken:   a.cfg.Pipeline.LLMFirstTokenTimeout(),
		TTSFirstFrame:   a.cfg.Pipeline.TTSFirstFrameTimeout(),
		HistoryDepth:    a.cfg.Pipeline.HistoryDepth,
	}
	// The grace window papers over reference-to-capture skew, which only
	// exists when echo cancellation runs in software.
	if a.cfg.Audio.AEC.Mode == config.AECSoftware {
		pcfg.BargeInGrace = a.cfg.Pipeline.BargeInGrace()
	}

	st := pipeline.Stages{
		Capture:  a.capture,
		Playback: a.playback,
		ASR:      a.providers.ASR,
		VAD:      a.providers.VAD,
		AEC:      a.canceller,
		LLM:      a.providers.LLM,
		TTS:      a.providers.TTS,
		Store:    a.store,
	}

	p, err := pipeline.New(pcfg, st,
		pipeline.WithLogger(slog.Default()),
		pipeline.WithMetrics(a.metrics),
	)
	if err != nil {
		return err
	}
	a.pipe = p
	return nil
}

// initOps builds the metrics and health HTTP server when an address is
// configured. The listener is opened in Run.
func (a *App) initOps() {
	addr := a.cfg.Metrics.ListenAddr
	if addr == "" {
		return
	}
	mux := http.NewServeMux()
	health.New(
		health.CheckFunc("pipeline", func(context.Context) error {
			if !a.running.Load() {
				return errors.New("pipeline not running")
			}
			return nil
		}),
	).Register(mux)
	mux.Handle("/metrics", promhttp.Handler())

	a.ops = &http.Server{
		Addr:              addr,
		Handler:           observe.Middleware(a.metrics)(mux),
		ReadHeaderTimeout: opsReadHeaderTimeout,
	}
}

// initWatcher starts the config file watcher when a watch path was given.
func (a *App) initWatcher() error {
	if a.watchPath == "" {
		return nil
	}
	w, err := config.NewWatcher(a.watchPath, a.onConfigChange)
	if err != nil {
		return err
	}
	a.watcher = w
	return nil
}

// onConfigChange applies hot-reloadable settings and reports everything else.
func (a *App) onConfigChange(old, new *config.Config) {
	d := config.Diff(old, new)
	if d.Empty() {
		return
	}
	if d.LogLevelChanged && a.level != nil {
		a.level.Set(d.NewLogLevel.Level())
		slog.Info("log level changed", "level", d.NewLogLevel)
	}
	if d.PipelineChanged {
		slog.Warn("pipeline tunables changed, restart to apply")
	}
	if d.RolesFileChanged {
		slog.Warn("roles file changed, restart to apply", "path", d.NewRolesFile)
	}
	for _, section := range d.RequiresRestart {
		slog.Warn("config change requires restart", "section", section)
	}
}

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run starts the pipeline and drives the conversation until ctx is cancelled.
// In text mode, Run also returns once stdin is exhausted and the last turn
// has settled. The pipeline is left running; call Shutdown to tear down.
func (a *App) Run(ctx context.Context) error {
	if a.ops != nil {
		go func() {
			slog.Info("ops endpoint listening", "addr", a.ops.Addr)
			if err := a.ops.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				slog.Error("ops endpoint failed", "err", err)
			}
		}()
	}

	if err := a.pipe.Start(ctx); err != nil {
		return fmt.Errorf("app: pipeline start: %w", err)
	}
	a.running.Store(true)
	defer a.running.Store(false)

	slog.Info("app running", "mode", a.mode, "role", a.role.ID, "voice", a.role.VoiceID)

	lines := a.readLines()
	events := a.pipe.Events()
	var settle <-chan time.Time

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case line, ok := <-lines:
			if !ok {
				lines = nil
				if a.mode == config.ModeText {
					// No further input is possible; leave once the
					// in-flight turn settles.
					t := time.NewTicker(settlePoll)
					defer t.Stop()
					settle = t.C
				}
				continue
			}
			if err := a.pipe.SubmitText(line); err != nil {
				slog.Warn("input rejected", "err", err)
			}

		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			a.render(ev)

		case <-settle:
			// The state machine parks on Idle only after the final
			// turn-end event is on the feed, so a drain here cannot
			// miss output.
			if a.pipe.Status().State == pipeline.StateIdle {
				a.drainEvents(events)
				return nil
			}
		}
	}
}

// drainEvents renders whatever the observer feed already holds.
func (a *App) drainEvents(events <-chan pipeline.Event) {
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return
			}
			a.render(ev)
		default:
			return
		}
	}
}

// readLines feeds console lines to the returned channel, closing it on EOF.
// Reads on stdin are not cancellable, so the goroutine lives until the next
// line arrives after Run returns; on os.Stdin that is process lifetime.
func (a *App) readLines() <-chan string {
	ch := make(chan string)
	go func() {
		defer close(ch)
		sc := bufio.NewScanner(a.in)
		for sc.Scan() {
			ch <- sc.Text()
		}
	}()
	return ch
}

// render writes one pipeline event to the console. Raw tokens stream onto
// the assistant line as they arrive; the sanitized text goes to the speaker
// separately.
func (a *App) render(ev pipeline.Event) {
	switch ev.Type {
	case pipeline.EventTranscript:
		if ev.Final {
			fmt.Fprintf(a.out, "you> %s\n", ev.Text)
		}
	case pipeline.EventToken:
		if !a.replyOpen {
			fmt.Fprintf(a.out, "%s> ", a.role.Name)
			a.replyOpen = true
		}
		fmt.Fprint(a.out, ev.Text)
	case pipeline.EventTurnEnd:
		if a.replyOpen {
			fmt.Fprintln(a.out)
			a.replyOpen = false
		}
		switch ev.Outcome.Kind {
		case pipeline.OutcomeCancelled:
			fmt.Fprintln(a.out, "(interrupted)")
		case pipeline.OutcomeFailed:
			fmt.Fprintf(a.out, "(turn failed: %v)\n", ev.Outcome.Err)
		}
	}
}

// Pipeline exposes the conversation orchestrator, for status inspection and
// direct turn control.
func (a *App) Pipeline() *pipeline.Pipeline { return a.pipe }

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown tears down all subsystems in reverse-init order. It respects the
// context deadline: if ctx expires before all closers finish, remaining
// closers are skipped and the context error is returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		slog.Info("shutting down")

		if a.watcher != nil {
			a.watcher.Stop()
		}
		// Stop releases the devices and drains playback within its own
		// budget.
		if err := a.pipe.Stop(); err != nil {
			slog.Warn("pipeline stop", "err", err)
		}
		if a.ops != nil {
			if err := a.ops.Shutdown(ctx); err != nil {
				slog.Warn("ops endpoint shutdown", "err", err)
			}
		}

		for i, closer := range a.closers {
			select {
			case <-ctx.Done():
				slog.Warn("shutdown deadline exceeded", "remaining", len(a.closers)-i)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := closer(); err != nil {
				slog.Warn("closer error", "index", i, "err", err)
			}
		}

		slog.Info("shutdown complete")
	})
	return shutdownErr
}
