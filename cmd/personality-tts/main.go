// Command personality-tts is the realtime voice assistant entry point.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	anyllmlib "github.com/mozilla-ai/any-llm-go"

	"github.com/Lincept/personality-tts/internal/app"
	"github.com/Lincept/personality-tts/internal/config"
	"github.com/Lincept/personality-tts/internal/observe"
	"github.com/Lincept/personality-tts/internal/resilience"
	"github.com/Lincept/personality-tts/pkg/provider/asr"
	"github.com/Lincept/personality-tts/pkg/provider/asr/deepgram"
	"github.com/Lincept/personality-tts/pkg/provider/embeddings"
	olembed "github.com/Lincept/personality-tts/pkg/provider/embeddings/ollama"
	oaembed "github.com/Lincept/personality-tts/pkg/provider/embeddings/openai"
	"github.com/Lincept/personality-tts/pkg/provider/llm"
	"github.com/Lincept/personality-tts/pkg/provider/llm/anyllm"
	oallm "github.com/Lincept/personality-tts/pkg/provider/llm/openai"
	"github.com/Lincept/personality-tts/pkg/provider/tts"
	"github.com/Lincept/personality-tts/pkg/provider/tts/elevenlabs"
	"github.com/Lincept/personality-tts/pkg/provider/vad"
	"github.com/Lincept/personality-tts/pkg/provider/vad/energy"
)

// Exit codes: 0 clean shutdown, 2 configuration or auth failure, 1 any other
// fatal.
const (
	exitOK     = 0
	exitFatal  = 1
	exitConfig = 2
)

// shutdownTimeout bounds the graceful teardown after Run returns.
const shutdownTimeout = 15 * time.Second

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	roleID := flag.String("role", "", "role id from the roles file (empty selects the file's default)")
	mode := flag.String("mode", "voice", "conversation mode: voice or text")
	flag.Parse()

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "personality-tts: config file %q not found — copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "personality-tts: %v\n", err)
		}
		return exitConfig
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	level := new(slog.LevelVar)
	level.Set(cfg.LogLevel.Level())
	slog.SetDefault(newLogger(level))

	slog.Info("personality-tts starting",
		"config", *configPath,
		"mode", *mode,
		"log_level", cfg.LogLevel,
	)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	shutdownTelemetry, err := observe.InitProvider(ctx, observe.ProviderConfig{})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return exitFatal
	}
	defer func() {
		tctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTelemetry(tctx); err != nil {
			slog.Warn("telemetry shutdown", "err", err)
		}
	}()

	// ── Provider registry ─────────────────────────────────────────────────────
	reg := config.NewRegistry()
	registerBuiltinProviders(reg)

	// ── Instantiate providers ─────────────────────────────────────────────────
	providers, err := buildProviders(cfg, reg)
	if err != nil {
		slog.Error("failed to build providers", "err", err)
		return exitConfig
	}

	// ── Startup summary ───────────────────────────────────────────────────────
	printStartupSummary(cfg, *mode)

	application, err := app.New(ctx, cfg, providers,
		app.WithMode(config.Mode(*mode)),
		app.WithRole(*roleID),
		app.WithConfigWatch(*configPath, level),
	)
	if err != nil {
		slog.Error("failed to initialise application", "err", err)
		return exitConfig
	}

	slog.Info("ready — press Ctrl+C to shut down")

	runErr := application.Run(ctx)

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := application.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
		return exitFatal
	}

	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		slog.Error("run error", "err", runErr)
		if errors.Is(runErr, asr.ErrAuthFailed) {
			return exitConfig
		}
		return exitFatal
	}
	slog.Info("goodbye")
	return exitOK
}

// ── Provider wiring ───────────────────────────────────────────────────────────

// builtinProviders maps provider category names to the implementations that
// ship with personality-tts. Used for startup logging.
var builtinProviders = map[string][]string{
	"asr":        {"deepgram"},
	"llm":        {"openai", "anthropic", "gemini", "deepseek", "mistral", "groq", "ollama", "compatible"},
	"tts":        {"elevenlabs"},
	"vad":        {"energy"},
	"embeddings": {"openai", "ollama"},
}

// registerBuiltinProviders wires all built-in provider factories into reg.
// Each factory receives a config.ProviderEntry and constructs the appropriate
// provider from the real implementation packages.
func registerBuiltinProviders(reg *config.Registry) {
	// ── LLM ───────────────────────────────────────────────────────────────────

	reg.RegisterLLM("openai", func(entry config.ProviderEntry) (llm.Provider, error) {
		var opts []oallm.Option
		if entry.BaseURL != "" {
			opts = append(opts, oallm.WithBaseURL(entry.BaseURL))
		}
		return oallm.New(entry.APIKey, entry.Model, opts...)
	})

	// anthropic, gemini, deepseek, mistral and groq share the same pattern:
	// optional APIKey + optional BaseURL.
	for _, providerName := range []string{"anthropic", "gemini", "deepseek", "mistral", "groq"} {
		reg.RegisterLLM(providerName, func(entry config.ProviderEntry) (llm.Provider, error) {
			var opts []anyllmlib.Option
			if entry.APIKey != "" {
				opts = append(opts, anyllmlib.WithAPIKey(entry.APIKey))
			}
			if entry.BaseURL != "" {
				opts = append(opts, anyllmlib.WithBaseURL(entry.BaseURL))
			}
			return anyllm.New(providerName, entry.Model, opts...)
		})
	}

	// ollama is a local server; it uses BaseURL for the address, not an API key.
	reg.RegisterLLM("ollama", func(entry config.ProviderEntry) (llm.Provider, error) {
		var opts []anyllmlib.Option
		if entry.BaseURL != "" {
			opts = append(opts, anyllmlib.WithBaseURL(entry.BaseURL))
		}
		return anyllm.New("ollama", entry.Model, opts...)
	})

	// compatible targets any OpenAI-compatible chat endpoint by base URL
	// (DashScope, Doubao, vLLM, llama.cpp server).
	reg.RegisterLLM("compatible", func(entry config.ProviderEntry) (llm.Provider, error) {
		if entry.BaseURL == "" {
			return nil, errors.New("llm provider \"compatible\" requires base_url")
		}
		return anyllm.NewCompatible(entry.BaseURL, entry.APIKey, entry.Model)
	})

	// ── ASR ───────────────────────────────────────────────────────────────────

	reg.RegisterASR("deepgram", func(entry config.ProviderEntry) (asr.Provider, error) {
		var opts []deepgram.Option
		if entry.Model != "" {
			opts = append(opts, deepgram.WithModel(entry.Model))
		}
		if lang := optString(entry.Options, "language"); lang != "" {
			opts = append(opts, deepgram.WithLanguage(lang))
		}
		return deepgram.New(entry.APIKey, opts...)
	})

	// ── TTS ───────────────────────────────────────────────────────────────────

	reg.RegisterTTS("elevenlabs", func(entry config.ProviderEntry) (tts.Provider, error) {
		var opts []elevenlabs.Option
		if entry.Model != "" {
			opts = append(opts, elevenlabs.WithModel(entry.Model))
		}
		if rate := optInt(entry.Options, "sample_rate"); rate > 0 {
			opts = append(opts, elevenlabs.WithSampleRate(rate))
		}
		return elevenlabs.New(entry.APIKey, opts...)
	})

	// ── VAD ───────────────────────────────────────────────────────────────────

	reg.RegisterVAD("energy", func(config.ProviderEntry) (vad.Engine, error) {
		return energy.New(), nil
	})

	// ── Embeddings ────────────────────────────────────────────────────────────

	reg.RegisterEmbeddings("openai", func(entry config.ProviderEntry) (embeddings.Provider, error) {
		var opts []oaembed.Option
		if entry.BaseURL != "" {
			opts = append(opts, oaembed.WithBaseURL(entry.BaseURL))
		}
		return oaembed.New(entry.APIKey, entry.Model, opts...)
	})

	reg.RegisterEmbeddings("ollama", func(entry config.ProviderEntry) (embeddings.Provider, error) {
		var opts []olembed.Option
		if dims := optInt(entry.Options, "dimensions"); dims > 0 {
			opts = append(opts, olembed.WithDimensions(dims))
		}
		return olembed.New(entry.BaseURL, entry.Model, opts...)
	})

	// Debug log of all registered providers.
	for kind, names := range builtinProviders {
		for _, name := range names {
			slog.Debug("registered provider", "kind", kind, "name", name)
		}
	}
}

// buildProviders instantiates all providers named in cfg using the registry
// and returns them in an [app.Providers] struct for the application to
// consume. Entries with fallbacks are wrapped in circuit-breaking failover
// groups.
func buildProviders(cfg *config.Config, reg *config.Registry) (*app.Providers, error) {
	ps := &app.Providers{}

	if entry := cfg.Providers.ASR; entry.Name != "" {
		p, err := reg.CreateASR(entry)
		if err != nil {
			return nil, fmt.Errorf("create asr provider %q: %w", entry.Name, err)
		}
		if len(entry.Fallbacks) > 0 {
			fb := resilience.NewASRFallback(p, entry.Name, resilience.FallbackConfig{})
			for _, alt := range entry.Fallbacks {
				ap, err := reg.CreateASR(alt)
				if err != nil {
					return nil, fmt.Errorf("create asr fallback %q: %w", alt.Name, err)
				}
				fb.AddFallback(alt.Name, ap)
			}
			ps.ASR = fb
		} else {
			ps.ASR = p
		}
		slog.Info("provider created", "kind", "asr", "name", entry.Name, "fallbacks", len(entry.Fallbacks))
	}

	if entry := cfg.Providers.LLM; entry.Name != "" {
		p, err := reg.CreateLLM(entry)
		if err != nil {
			return nil, fmt.Errorf("create llm provider %q: %w", entry.Name, err)
		}
		if len(entry.Fallbacks) > 0 {
			fb := resilience.NewLLMFallback(p, entry.Name, resilience.FallbackConfig{})
			for _, alt := range entry.Fallbacks {
				ap, err := reg.CreateLLM(alt)
				if err != nil {
					return nil, fmt.Errorf("create llm fallback %q: %w", alt.Name, err)
				}
				fb.AddFallback(alt.Name, ap)
			}
			ps.LLM = fb
		} else {
			ps.LLM = p
		}
		slog.Info("provider created", "kind", "llm", "name", entry.Name, "fallbacks", len(entry.Fallbacks))
	}

	if entry := cfg.Providers.TTS; entry.Name != "" {
		p, err := reg.CreateTTS(entry)
		if err != nil {
			return nil, fmt.Errorf("create tts provider %q: %w", entry.Name, err)
		}
		if len(entry.Fallbacks) > 0 {
			fb := resilience.NewTTSFallback(p, entry.Name, resilience.FallbackConfig{})
			for _, alt := range entry.Fallbacks {
				ap, err := reg.CreateTTS(alt)
				if err != nil {
					return nil, fmt.Errorf("create tts fallback %q: %w", alt.Name, err)
				}
				fb.AddFallback(alt.Name, ap)
			}
			ps.TTS = fb
		} else {
			ps.TTS = p
		}
		slog.Info("provider created", "kind", "tts", "name", entry.Name, "fallbacks", len(entry.Fallbacks))
	}

	if entry := cfg.Providers.VAD; entry.Name != "" {
		p, err := reg.CreateVAD(entry)
		if err != nil {
			return nil, fmt.Errorf("create vad provider %q: %w", entry.Name, err)
		}
		ps.VAD = p
		slog.Info("provider created", "kind", "vad", "name", entry.Name)
	}

	if entry := cfg.Providers.Embeddings; entry.Name != "" {
		p, err := reg.CreateEmbeddings(entry)
		if err != nil {
			return nil, fmt.Errorf("create embeddings provider %q: %w", entry.Name, err)
		}
		ps.Embeddings = p
		slog.Info("provider created", "kind", "embeddings", "name", entry.Name)
	}

	return ps, nil
}

// ── Startup summary ───────────────────────────────────────────────────────────

func printStartupSummary(cfg *config.Config, mode string) {
	fmt.Println("╔═══════════════════════════════════════╗")
	fmt.Println("║     personality-tts — startup         ║")
	fmt.Println("╠═══════════════════════════════════════╣")
	printRow("Mode", mode)
	printProvider("ASR", cfg.Providers.ASR.Name, cfg.Providers.ASR.Model)
	printProvider("LLM", cfg.Providers.LLM.Name, cfg.Providers.LLM.Model)
	printProvider("TTS", cfg.Providers.TTS.Name, cfg.Providers.TTS.Model)
	printProvider("VAD", cfg.Providers.VAD.Name, "")
	printProvider("Embeddings", cfg.Providers.Embeddings.Name, "")
	printRow("AEC", string(cfg.Audio.AEC.Mode))
	if cfg.Memory.PostgresDSN != "" {
		printRow("Memory", "postgres")
	} else {
		printRow("Memory", "(disabled)")
	}
	if cfg.Metrics.ListenAddr != "" {
		printRow("Metrics", cfg.Metrics.ListenAddr)
	} else {
		printRow("Metrics", "(disabled)")
	}
	fmt.Println("╚═══════════════════════════════════════╝")
}

func printProvider(kind, name, model string) {
	value := name
	if value == "" {
		value = "(not configured)"
	} else if model != "" {
		value = name + " / " + model
	}
	printRow(kind, value)
}

func printRow(kind, value string) {
	if len(value) > 19 {
		value = value[:16] + "…"
	}
	fmt.Printf("║  %-12s    : %-19s ║\n", kind, value)
}

// ── Logger ─────────────────────────────────────────────────────────────────────

func newLogger(level slog.Leveler) *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

// ── Helpers ───────────────────────────────────────────────────────────────────

// optString extracts a string value from a provider Options map[string]any.
// Returns "" if the map is nil, the key is absent, or the value is not a string.
func optString(opts map[string]any, key string) string {
	if opts == nil {
		return ""
	}
	v, ok := opts[key]
	if !ok {
		return ""
	}
	s, ok := v.(string)
	if !ok {
		return ""
	}
	return s
}

// optInt extracts an integer value from a provider Options map[string]any.
// Returns 0 if the map is nil, the key is absent, or the value is not an int.
func optInt(opts map[string]any, key string) int {
	if opts == nil {
		return 0
	}
	n, ok := opts[key].(int)
	if !ok {
		return 0
	}
	return n
}
