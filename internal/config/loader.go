package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"regexp"
	"slices"

	"gopkg.in/yaml.v3"
)

// ValidProviderNames lists known provider names per provider kind.
// Used by [Validate] to warn about unrecognised provider names.
var ValidProviderNames = map[string][]string{
	"asr":        {"deepgram"},
	"llm":        {"openai", "anthropic", "ollama", "gemini", "deepseek", "mistral", "groq", "compatible"},
	"tts":        {"elevenlabs"},
	"vad":        {"energy"},
	"embeddings": {"openai", "ollama"},
}

// envVarPattern matches ${VAR} references in config values.
var envVarPattern = regexp.MustCompile(`\$\{[A-Za-z_][A-Za-z0-9_]*\}`)

// Load reads the YAML configuration file at path and returns a validated [Config].
// It is a convenience wrapper around [LoadFromReader] and [Validate].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, expands ${VAR} environment
// references, applies defaults, and validates the result.
// Useful in tests where configs are constructed from string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("config: read: %w", err)
	}
	data = expandEnv(data)

	cfg := &Config{}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	cfg.applyDefaults()
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// expandEnv replaces ${VAR} references with environment variable values.
// Undefined variables expand to the empty string. Bare $VAR is left alone
// so YAML content containing dollar signs survives untouched.
func expandEnv(data []byte) []byte {
	return envVarPattern.ReplaceAllFunc(data, func(match []byte) []byte {
		name := string(match[2 : len(match)-1])
		return []byte(os.Getenv(name))
	})
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	if cfg.LogLevel != "" && !cfg.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("log_level %q is invalid; valid values: debug, info, warn, error", cfg.LogLevel))
	}

	// Audio
	if cfg.Audio.CaptureRate < 0 {
		errs = append(errs, fmt.Errorf("audio.capture_rate %d must not be negative", cfg.Audio.CaptureRate))
	}
	if cfg.Audio.PlaybackRate < 0 {
		errs = append(errs, fmt.Errorf("audio.playback_rate %d must not be negative", cfg.Audio.PlaybackRate))
	}
	if cfg.Audio.WatermarkMS < 0 {
		errs = append(errs, fmt.Errorf("audio.watermark_ms %d must not be negative", cfg.Audio.WatermarkMS))
	}
	if cfg.Audio.AEC.Mode != "" && !cfg.Audio.AEC.Mode.IsValid() {
		errs = append(errs, fmt.Errorf("audio.aec.mode %q is invalid; valid values: hardware, software, off", cfg.Audio.AEC.Mode))
	}
	if cfg.Audio.AEC.StreamDelayMS < 0 {
		errs = append(errs, fmt.Errorf("audio.aec.stream_delay_ms %d must not be negative", cfg.Audio.AEC.StreamDelayMS))
	}
	if cfg.Audio.AEC.Mode == AECSoftware && cfg.Audio.AEC.RingMS < cfg.Audio.AEC.StreamDelayMS {
		errs = append(errs, fmt.Errorf("audio.aec.ring_ms %d must cover stream_delay_ms %d", cfg.Audio.AEC.RingMS, cfg.Audio.AEC.StreamDelayMS))
	}

	// Pipeline tunables
	if cfg.Pipeline.MinFlushLen < 0 || cfg.Pipeline.MaxFlushLen < 0 {
		errs = append(errs, errors.New("pipeline.min_flush_len and pipeline.max_flush_len must not be negative"))
	}
	if cfg.Pipeline.MinFlushLen > cfg.Pipeline.MaxFlushLen {
		errs = append(errs, fmt.Errorf("pipeline.min_flush_len %d exceeds pipeline.max_flush_len %d", cfg.Pipeline.MinFlushLen, cfg.Pipeline.MaxFlushLen))
	}
	if cfg.Pipeline.BargeInMinChars < 0 {
		errs = append(errs, fmt.Errorf("pipeline.barge_in_min_chars %d must not be negative", cfg.Pipeline.BargeInMinChars))
	}
	if cfg.Pipeline.HistoryDepth < 0 {
		errs = append(errs, fmt.Errorf("pipeline.history_depth %d must not be negative", cfg.Pipeline.HistoryDepth))
	}

	// Provider name validation — warn for unknown provider names.
	validateProviderName("asr", cfg.Providers.ASR.Name)
	validateProviderName("llm", cfg.Providers.LLM.Name)
	validateProviderName("tts", cfg.Providers.TTS.Name)
	validateProviderName("vad", cfg.Providers.VAD.Name)
	validateProviderName("embeddings", cfg.Providers.Embeddings.Name)

	// Memory requires an embeddings provider to vectorise turns.
	if cfg.Memory.PostgresDSN != "" && cfg.Providers.Embeddings.Name == "" {
		errs = append(errs, errors.New("memory.postgres_dsn is set but providers.embeddings is not configured"))
	}
	if cfg.Memory.PostgresDSN == "" {
		slog.Warn("memory.postgres_dsn is empty; long-term memory is disabled")
	}

	return errors.Join(errs...)
}

// validateProviderName logs a warning if name is non-empty and not found in
// the [ValidProviderNames] list for the given kind.
func validateProviderName(kind, name string) {
	if name == "" {
		return
	}
	known, ok := ValidProviderNames[kind]
	if !ok {
		return
	}
	if slices.Contains(known, name) {
		return
	}
	slog.Warn("unknown provider name — may be a typo or third-party provider",
		"kind", kind,
		"name", name,
		"known", known,
	)
}
