package elevenlabs

import (
	"strings"
	"testing"

	"github.com/Lincept/personality-tts/pkg/provider/tts"
)

// ---- URL construction ----

func TestBuildURLForVoice(t *testing.T) {
	got := buildURLForVoice("voice-123", "eleven_flash_v2_5", 24000)

	if !strings.HasPrefix(got, "wss://api.elevenlabs.io/v1/text-to-speech/voice-123/stream-input") {
		t.Errorf("unexpected URL prefix: %s", got)
	}
	if !strings.Contains(got, "model_id=eleven_flash_v2_5") {
		t.Errorf("missing model_id in URL: %s", got)
	}
	if !strings.Contains(got, "output_format=pcm_24000") {
		t.Errorf("missing output_format in URL: %s", got)
	}
}

// ---- voice settings mapping ----

func TestSettingsFor_Defaults(t *testing.T) {
	vs := settingsFor(tts.VoiceProfile{ID: "v"})
	if vs.Stability != 0.5 {
		t.Errorf("stability: got %f, want 0.5", vs.Stability)
	}
	if vs.SimilarityBoost != 0.75 {
		t.Errorf("similarity: got %f, want 0.75", vs.SimilarityBoost)
	}
}

func TestSettingsFor_Overrides(t *testing.T) {
	vs := settingsFor(tts.VoiceProfile{ID: "v", Stability: 0.9, SimilarityBoost: 0.3})
	if vs.Stability != 0.9 {
		t.Errorf("stability: got %f, want 0.9", vs.Stability)
	}
	if vs.SimilarityBoost != 0.3 {
		t.Errorf("similarity: got %f, want 0.3", vs.SimilarityBoost)
	}
}

// ---- voices response parsing ----

func TestParseVoicesResponse(t *testing.T) {
	raw := []byte(`{
		"voices": [
			{
				"voice_id": "abc123",
				"name": "Rachel",
				"category": "premade",
				"labels": {"gender": "female", "accent": "american"}
			},
			{
				"voice_id": "def456",
				"name": "Custom",
				"category": "",
				"labels": {}
			}
		]
	}`)

	profiles, err := parseVoicesResponse(raw)
	if err != nil {
		t.Fatalf("parseVoicesResponse: %v", err)
	}
	if len(profiles) != 2 {
		t.Fatalf("expected 2 profiles, got %d", len(profiles))
	}

	first := profiles[0]
	if first.ID != "abc123" {
		t.Errorf("ID: got %q, want %q", first.ID, "abc123")
	}
	if first.Name != "Rachel" {
		t.Errorf("Name: got %q, want %q", first.Name, "Rachel")
	}
	if first.Provider != "elevenlabs" {
		t.Errorf("Provider: got %q, want %q", first.Provider, "elevenlabs")
	}
	if first.Metadata["gender"] != "female" {
		t.Errorf("metadata gender: got %q", first.Metadata["gender"])
	}
	if first.Metadata["category"] != "premade" {
		t.Errorf("metadata category: got %q", first.Metadata["category"])
	}

	second := profiles[1]
	if _, ok := second.Metadata["category"]; ok {
		t.Error("empty category should not be stored in metadata")
	}
}

func TestParseVoicesResponse_InvalidJSON(t *testing.T) {
	if _, err := parseVoicesResponse([]byte(`{invalid`)); err == nil {
		t.Error("expected error for invalid JSON")
	}
}

// ---- constructor ----

func TestNew_EmptyAPIKey(t *testing.T) {
	if _, err := New(""); err == nil {
		t.Error("expected error for empty API key")
	}
}

func TestNew_Options(t *testing.T) {
	p, err := New("key", WithModel("eleven_turbo_v2"), WithSampleRate(16000))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if p.model != "eleven_turbo_v2" {
		t.Errorf("model: got %q", p.model)
	}
	if p.sampleRate != 16000 {
		t.Errorf("sampleRate: got %d", p.sampleRate)
	}
}

func TestNew_Defaults(t *testing.T) {
	p, err := New("key")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if p.model != defaultModel {
		t.Errorf("model: got %q, want %q", p.model, defaultModel)
	}
	if p.sampleRate != 24000 {
		t.Errorf("sampleRate: got %d, want 24000", p.sampleRate)
	}
}
