package config_test

import (
	"strings"
	"testing"

	"github.com/Lincept/personality-tts/internal/config"
)

func TestValidate_InvalidLogLevel(t *testing.T) {
	t.Parallel()
	yaml := `
log_level: verbose
`
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err == nil {
		t.Fatal("expected error for invalid log_level, got nil")
	}
	if !strings.Contains(err.Error(), "log_level") {
		t.Errorf("error should mention log_level, got: %v", err)
	}
}

func TestValidate_InvalidAECMode(t *testing.T) {
	t.Parallel()
	yaml := `
audio:
  aec:
    mode: loopback
`
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err == nil {
		t.Fatal("expected error for invalid aec mode, got nil")
	}
	if !strings.Contains(err.Error(), "aec.mode") {
		t.Errorf("error should mention aec.mode, got: %v", err)
	}
}

func TestValidate_FlushLengthsInverted(t *testing.T) {
	t.Parallel()
	yaml := `
pipeline:
  min_flush_len: 200
  max_flush_len: 100
`
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err == nil {
		t.Fatal("expected error for min_flush_len > max_flush_len, got nil")
	}
	if !strings.Contains(err.Error(), "min_flush_len") {
		t.Errorf("error should mention min_flush_len, got: %v", err)
	}
}

func TestValidate_RingSmallerThanStreamDelay(t *testing.T) {
	t.Parallel()
	yaml := `
audio:
  aec:
    mode: software
    stream_delay_ms: 600
    ring_ms: 100
`
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err == nil {
		t.Fatal("expected error for ring smaller than stream delay, got nil")
	}
	if !strings.Contains(err.Error(), "ring_ms") {
		t.Errorf("error should mention ring_ms, got: %v", err)
	}
}

func TestValidate_MemoryRequiresEmbeddings(t *testing.T) {
	t.Parallel()
	yaml := `
memory:
  postgres_dsn: "postgres://localhost/test"
`
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err == nil {
		t.Fatal("expected error for memory without embeddings provider, got nil")
	}
	if !strings.Contains(err.Error(), "embeddings") {
		t.Errorf("error should mention embeddings, got: %v", err)
	}
}

func TestValidate_MemoryWithEmbeddingsIsValid(t *testing.T) {
	t.Parallel()
	yaml := `
providers:
  embeddings:
    name: openai
memory:
  postgres_dsn: "postgres://localhost/test"
`
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestValidate_MultipleErrors(t *testing.T) {
	t.Parallel()
	yaml := `
log_level: verbose
audio:
  aec:
    mode: loopback
`
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err == nil {
		t.Fatal("expected errors, got nil")
	}
	errStr := err.Error()
	if !strings.Contains(errStr, "log_level") {
		t.Errorf("error should mention log_level, got: %v", err)
	}
	if !strings.Contains(errStr, "aec.mode") {
		t.Errorf("error should mention aec.mode, got: %v", err)
	}
}

func TestLoadFromReader_UnknownKey(t *testing.T) {
	t.Parallel()
	yaml := `
log_level: info
unknown_key: true
`
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err == nil {
		t.Fatal("expected error for unknown top-level key, got nil")
	}
}

func TestLoadFromReader_EnvExpansion(t *testing.T) {
	t.Setenv("PTTS_TEST_API_KEY", "sk-from-env")
	t.Setenv("PTTS_TEST_DSN", "postgres://env-host/db")

	yaml := `
providers:
  llm:
    name: openai
    api_key: ${PTTS_TEST_API_KEY}
  embeddings:
    name: openai
memory:
  postgres_dsn: ${PTTS_TEST_DSN}
`
	cfg, err := config.LoadFromReader(strings.NewReader(yaml))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Providers.LLM.APIKey != "sk-from-env" {
		t.Errorf("api_key: got %q, want %q", cfg.Providers.LLM.APIKey, "sk-from-env")
	}
	if cfg.Memory.PostgresDSN != "postgres://env-host/db" {
		t.Errorf("postgres_dsn: got %q, want %q", cfg.Memory.PostgresDSN, "postgres://env-host/db")
	}
}

func TestLoadFromReader_EnvExpansionUndefined(t *testing.T) {
	t.Parallel()
	yaml := `
providers:
  llm:
    name: openai
    api_key: ${PTTS_TEST_SURELY_UNDEFINED_VAR}
`
	cfg, err := config.LoadFromReader(strings.NewReader(yaml))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Providers.LLM.APIKey != "" {
		t.Errorf("undefined var should expand to empty, got %q", cfg.Providers.LLM.APIKey)
	}
}

func TestLoadFromReader_BareDollarUntouched(t *testing.T) {
	t.Parallel()
	yaml := `
providers:
  llm:
    name: openai
    api_key: "pa$$word"
`
	cfg, err := config.LoadFromReader(strings.NewReader(yaml))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Providers.LLM.APIKey != "pa$$word" {
		t.Errorf("bare dollars should be untouched, got %q", cfg.Providers.LLM.APIKey)
	}
}

func TestValidProviderNames(t *testing.T) {
	t.Parallel()
	// Sanity-check that the map is populated.
	if len(config.ValidProviderNames) == 0 {
		t.Fatal("ValidProviderNames should not be empty")
	}
	asrNames := config.ValidProviderNames["asr"]
	if len(asrNames) == 0 {
		t.Fatal("ValidProviderNames[\"asr\"] should not be empty")
	}
	// Check that "deepgram" is in the ASR list.
	found := false
	for _, n := range asrNames {
		if n == "deepgram" {
			found = true
			break
		}
	}
	if !found {
		t.Error("ValidProviderNames[\"asr\"] should contain \"deepgram\"")
	}
}
