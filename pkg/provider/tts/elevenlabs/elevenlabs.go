// Package elevenlabs provides an ElevenLabs-backed TTS provider using the
// ElevenLabs streaming WebSocket API. It implements the tts.Provider interface.
package elevenlabs

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"sync"

	"github.com/coder/websocket"

	"github.com/Lincept/personality-tts/pkg/audio"
	"github.com/Lincept/personality-tts/pkg/provider/tts"
)

const (
	wsEndpointFmt  = "wss://api.elevenlabs.io/v1/text-to-speech/%s/stream-input?model_id=%s&output_format=%s"
	voicesEndpoint = "https://api.elevenlabs.io/v1/voices"
	defaultModel   = "eleven_flash_v2_5"
)

// Option is a functional option for configuring the ElevenLabs Provider.
type Option func(*Provider)

// WithModel sets the ElevenLabs model ID (e.g., "eleven_flash_v2_5").
func WithModel(model string) Option {
	return func(p *Provider) {
		p.model = model
	}
}

// WithSampleRate sets the PCM output rate in Hz. Supported values are 16000,
// 22050, 24000 and 44100. Default 24000.
func WithSampleRate(rate int) Option {
	return func(p *Provider) {
		p.sampleRate = rate
	}
}

// Provider implements tts.Provider backed by the ElevenLabs streaming API.
type Provider struct {
	apiKey     string
	model      string
	sampleRate int
	httpClient *http.Client
}

var _ tts.Provider = (*Provider)(nil)

// New creates a new ElevenLabs Provider. apiKey must be non-empty.
func New(apiKey string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, errors.New("elevenlabs: apiKey must not be empty")
	}
	p := &Provider{
		apiKey:     apiKey,
		model:      defaultModel,
		sampleRate: audio.DefaultPlaybackRate,
		httpClient: &http.Client{},
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// ---- WebSocket message types ----

// textMessage is the JSON payload sent to ElevenLabs for each text fragment.
type textMessage struct {
	Text          string         `json:"text"`
	VoiceSettings *voiceSettings `json:"voice_settings,omitempty"`

	// TryTriggerGeneration asks the server to start synthesising without
	// waiting for more context. Keeps first-frame latency low for short
	// sanitiser segments.
	TryTriggerGeneration bool `json:"try_trigger_generation,omitempty"`
}

// voiceSettings mirrors the ElevenLabs voice_settings object.
type voiceSettings struct {
	Stability       float64 `json:"stability"`
	SimilarityBoost float64 `json:"similarity_boost"`
}

// audioResponse is the JSON message received from ElevenLabs over the WebSocket.
type audioResponse struct {
	Audio   string `json:"audio"` // base64-encoded PCM
	IsFinal bool   `json:"isFinal"`
	Message string `json:"message,omitempty"` // error or info
}

// boiMessage is used for the initial "begin of input" handshake.
type boiMessage struct {
	Text          string         `json:"text"`
	VoiceSettings *voiceSettings `json:"voice_settings,omitempty"`
	XiAPIKey      string         `json:"xi_api_key"`
}

// StartSession opens a WebSocket to ElevenLabs for one incremental synthesis
// session.
func (p *Provider) StartSession(ctx context.Context, voice tts.VoiceProfile) (tts.SessionHandle, error) {
	if voice.ID == "" {
		return nil, errors.New("elevenlabs: voice.ID must not be empty")
	}

	wsURL := buildURLForVoice(voice.ID, p.model, p.sampleRate)
	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		return nil, fmt.Errorf("elevenlabs: dial: %w", err)
	}

	vs := settingsFor(voice)
	boi := boiMessage{
		Text:          " ", // ElevenLabs requires a non-empty first text value
		VoiceSettings: vs,
		XiAPIKey:      p.apiKey,
	}
	boiBytes, _ := json.Marshal(boi)
	if err := conn.Write(ctx, websocket.MessageText, boiBytes); err != nil {
		conn.Close(websocket.StatusInternalError, "failed to send BOI")
		return nil, fmt.Errorf("elevenlabs: send BOI: %w", err)
	}

	sessCtx, cancel := context.WithCancel(ctx)
	s := &session{
		conn:       conn,
		sampleRate: p.sampleRate,
		frames:     make(chan audio.Frame, 256),
		ctx:        sessCtx,
		cancel:     cancel,
	}
	s.readDone = make(chan struct{})
	go s.readLoop()

	return s, nil
}

// settingsFor maps a VoiceProfile onto ElevenLabs voice settings, filling in
// the documented defaults for zero values.
func settingsFor(voice tts.VoiceProfile) *voiceSettings {
	vs := &voiceSettings{Stability: 0.5, SimilarityBoost: 0.75}
	if voice.Stability > 0 {
		vs.Stability = voice.Stability
	}
	if voice.SimilarityBoost > 0 {
		vs.SimilarityBoost = voice.SimilarityBoost
	}
	return vs
}

// session is one live stream-input connection. SendText, Finish and Close may
// race from different goroutines; the write mutex serialises the socket.
type session struct {
	conn       *websocket.Conn
	sampleRate int

	frames   chan audio.Frame
	readDone chan struct{}

	ctx    context.Context
	cancel context.CancelFunc

	writeMu  sync.Mutex
	finished bool

	errMu sync.Mutex
	err   error

	closeOnce sync.Once
}

var _ tts.SessionHandle = (*session)(nil)

// SendText submits one text fragment for synthesis.
func (s *session) SendText(text string) error {
	if text == "" {
		return nil
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if s.finished || s.ctx.Err() != nil {
		return tts.ErrSessionClosed
	}
	payload, _ := json.Marshal(textMessage{Text: text, TryTriggerGeneration: true})
	if err := s.conn.Write(s.ctx, websocket.MessageText, payload); err != nil {
		return fmt.Errorf("elevenlabs: send text: %w", err)
	}
	return nil
}

// Frames returns the synthesised PCM stream.
func (s *session) Frames() <-chan audio.Frame { return s.frames }

// Finish sends the end-of-input marker. The read loop keeps draining until
// the server reports the final chunk.
func (s *session) Finish() error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if s.finished || s.ctx.Err() != nil {
		return tts.ErrSessionClosed
	}
	s.finished = true
	// An empty text value is the ElevenLabs end-of-input marker.
	if err := s.conn.Write(s.ctx, websocket.MessageText, []byte(`{"text":""}`)); err != nil {
		return fmt.Errorf("elevenlabs: finish: %w", err)
	}
	return nil
}

// Err reports why the frame stream terminated.
func (s *session) Err() error {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	return s.err
}

// Close aborts the session. Undelivered audio is discarded.
func (s *session) Close() error {
	s.closeOnce.Do(func() {
		s.cancel()
		s.conn.Close(websocket.StatusNormalClosure, "session closed")
		<-s.readDone
	})
	return nil
}

// readLoop receives audio messages and forwards decoded PCM frames until the
// server signals the final chunk or the session is aborted.
func (s *session) readLoop() {
	defer close(s.readDone)
	defer close(s.frames)

	for {
		_, msg, err := s.conn.Read(s.ctx)
		if err != nil {
			if s.ctx.Err() == nil {
				s.setErr(fmt.Errorf("elevenlabs: read: %w", err))
			}
			return
		}
		var resp audioResponse
		if err := json.Unmarshal(msg, &resp); err != nil {
			continue
		}
		if resp.Audio != "" {
			pcm, err := base64.StdEncoding.DecodeString(resp.Audio)
			if err != nil {
				continue
			}
			f := audio.Frame{
				Data:       pcm,
				SampleRate: s.sampleRate,
				Channels:   1,
			}
			select {
			case s.frames <- f:
			case <-s.ctx.Done():
				return
			}
		}
		if resp.IsFinal {
			return
		}
	}
}

func (s *session) setErr(err error) {
	s.errMu.Lock()
	s.err = err
	s.errMu.Unlock()
}

// ---- ListVoices ----

// voicesResponse is the top-level response from GET /v1/voices.
type voicesResponse struct {
	Voices []elevenLabsVoice `json:"voices"`
}

// elevenLabsVoice is a single voice entry from the ElevenLabs API.
type elevenLabsVoice struct {
	VoiceID  string            `json:"voice_id"`
	Name     string            `json:"name"`
	Category string            `json:"category"`
	Labels   map[string]string `json:"labels"`
}

// ListVoices returns all voices available from ElevenLabs for the configured API key.
func (p *Provider) ListVoices(ctx context.Context) ([]tts.VoiceProfile, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, voicesEndpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("elevenlabs: list voices: %w", err)
	}
	req.Header.Set("xi-api-key", p.apiKey)
	req.Header.Set("Accept", "application/json")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("elevenlabs: list voices HTTP: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("elevenlabs: list voices: unexpected status %d", resp.StatusCode)
	}

	body := json.NewDecoder(resp.Body)
	var vr voicesResponse
	if err := body.Decode(&vr); err != nil {
		return nil, fmt.Errorf("elevenlabs: list voices decode: %w", err)
	}
	return convertVoices(vr), nil
}

// ---- helpers ----

// buildURLForVoice constructs the WebSocket URL for a given voice, model and
// PCM output rate.
func buildURLForVoice(voiceID, model string, sampleRate int) string {
	return fmt.Sprintf(wsEndpointFmt, voiceID, model, "pcm_"+strconv.Itoa(sampleRate))
}

// parseVoicesResponse parses a raw JSON byte slice (matching the ElevenLabs
// /v1/voices response) into a slice of VoiceProfile values.
func parseVoicesResponse(data []byte) ([]tts.VoiceProfile, error) {
	var vr voicesResponse
	if err := json.Unmarshal(data, &vr); err != nil {
		return nil, err
	}
	return convertVoices(vr), nil
}

// convertVoices maps ElevenLabs voice entries onto VoiceProfile values.
func convertVoices(vr voicesResponse) []tts.VoiceProfile {
	profiles := make([]tts.VoiceProfile, 0, len(vr.Voices))
	for _, v := range vr.Voices {
		meta := make(map[string]string, len(v.Labels)+1)
		for k, val := range v.Labels {
			meta[k] = val
		}
		if v.Category != "" {
			meta["category"] = v.Category
		}
		profiles = append(profiles, tts.VoiceProfile{
			ID:       v.VoiceID,
			Name:     v.Name,
			Provider: "elevenlabs",
			Metadata: meta,
		})
	}
	return profiles
}
