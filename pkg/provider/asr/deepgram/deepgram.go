// Package deepgram provides a Deepgram-backed ASR provider using the
// Deepgram streaming WebSocket API. It implements the asr.Provider interface.
package deepgram

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/Lincept/personality-tts/pkg/audio"
	"github.com/Lincept/personality-tts/pkg/provider/asr"
)

const (
	endpoint          = "wss://api.deepgram.com/v1/listen"
	defaultModel      = "nova-3"
	defaultLanguage   = "en"
	defaultSampleRate = 16000

	// audioChanDepth bounds the outbound audio queue; at 10 ms per frame this
	// absorbs ~2.5 s of capture before SendAudio starts failing over.
	audioChanDepth = 256

	eventChanDepth = 64
)

// Option is a functional option for configuring the Provider.
type Option func(*Provider)

// WithModel sets the Deepgram model (e.g., "nova-3").
func WithModel(model string) Option {
	return func(p *Provider) { p.model = model }
}

// WithLanguage sets the BCP-47 recognition language (e.g., "en", "zh-CN").
func WithLanguage(language string) Option {
	return func(p *Provider) { p.language = language }
}

// Provider implements asr.Provider backed by the Deepgram streaming API.
type Provider struct {
	apiKey   string
	model    string
	language string
}

var _ asr.Provider = (*Provider)(nil)

// New creates a Deepgram Provider. apiKey must be non-empty.
func New(apiKey string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, errors.New("deepgram: apiKey must not be empty")
	}
	p := &Provider{apiKey: apiKey, model: defaultModel, language: defaultLanguage}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// StartStream opens a streaming recognition session.
func (p *Provider) StartStream(ctx context.Context, cfg asr.StreamConfig) (asr.SessionHandle, error) {
	wsURL, err := p.buildURL(cfg)
	if err != nil {
		return nil, fmt.Errorf("deepgram: build URL: %w", err)
	}

	conn, err := p.dial(ctx, wsURL)
	if err != nil {
		return nil, err
	}

	s := &session{
		id:     uuid.NewString(),
		dial:   func(ctx context.Context) (*websocket.Conn, error) { return p.dial(ctx, wsURL) },
		conn:   conn,
		events: make(chan asr.Transcript, eventChanDepth),
		audio:  make(chan []byte, audioChanDepth),
		done:   make(chan struct{}),
	}

	s.wg.Add(2)
	go s.readLoop(ctx)
	go s.writeLoop(ctx)

	return s, nil
}

// dial opens the WebSocket and maps credential rejections to asr.ErrAuthFailed.
func (p *Provider) dial(ctx context.Context, wsURL string) (*websocket.Conn, error) {
	headers := http.Header{}
	headers.Set("Authorization", "Token "+p.apiKey)

	conn, resp, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{HTTPHeader: headers})
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized ||
			resp.StatusCode == http.StatusForbidden ||
			resp.StatusCode == http.StatusTooManyRequests) {
			return nil, fmt.Errorf("deepgram: dial status %d: %w", resp.StatusCode, asr.ErrAuthFailed)
		}
		return nil, fmt.Errorf("deepgram: dial: %w", err)
	}
	return conn, nil
}

// buildURL constructs the streaming endpoint URL for the given config.
func (p *Provider) buildURL(cfg asr.StreamConfig) (string, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return "", err
	}

	model := cfg.Model
	if model == "" {
		model = p.model
	}
	lang := cfg.Language
	if lang == "" {
		lang = p.language
	}
	sr := cfg.SampleRate
	if sr == 0 {
		sr = defaultSampleRate
	}

	q := u.Query()
	q.Set("model", model)
	q.Set("language", lang)
	q.Set("encoding", "linear16")
	q.Set("punctuate", "true")
	q.Set("interim_results", "true")
	q.Set("sample_rate", strconv.Itoa(sr))
	if cfg.Channels > 0 {
		q.Set("channels", strconv.Itoa(cfg.Channels))
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// ─── session ─────────────────────────────────────────────────────────────────

// result is the JSON structure of a Deepgram Results event.
type result struct {
	Type     string  `json:"type"`
	IsFinal  bool    `json:"is_final"`
	Start    float64 `json:"start"`
	Duration float64 `json:"duration"`
	Channel  struct {
		Alternatives []struct {
			Transcript string  `json:"transcript"`
			Confidence float64 `json:"confidence"`
		} `json:"alternatives"`
	} `json:"channel"`
}

// session is a live Deepgram streaming session. It implements
// asr.SessionHandle and survives a single transparent reconnect: on a read
// failure while the session is still open, the dial is retried once and the
// event stream continues. A second failure terminates the stream.
type session struct {
	id   string
	dial func(context.Context) (*websocket.Conn, error)

	connMu sync.Mutex
	conn   *websocket.Conn

	events chan asr.Transcript
	audio  chan []byte

	seq     uint64 // next event sequence, owned by readLoop
	errMu   sync.Mutex
	err     error
	done    chan struct{}
	once    sync.Once
	wg      sync.WaitGroup
}

// SendAudio queues a capture frame for delivery.
func (s *session) SendAudio(f audio.Frame) error {
	select {
	case <-s.done:
		return asr.ErrSessionClosed
	default:
	}
	select {
	case s.audio <- f.Data:
		return nil
	case <-s.done:
		return asr.ErrSessionClosed
	}
}

// Events returns the ordered transcript stream.
func (s *session) Events() <-chan asr.Transcript { return s.events }

// Flush asks Deepgram to finalise whatever audio has been sent so far.
func (s *session) Flush() error {
	select {
	case <-s.done:
		return asr.ErrSessionClosed
	default:
	}
	return s.write(context.Background(), websocket.MessageText, []byte(`{"type":"Finalize"}`))
}

// Err reports why the event stream terminated.
func (s *session) Err() error {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	return s.err
}

// Close terminates the session cleanly. Safe to call more than once.
func (s *session) Close() error {
	s.once.Do(func() {
		// Ask the server to flush pending audio before tearing down.
		_ = s.write(context.Background(), websocket.MessageText, []byte(`{"type":"CloseStream"}`))
		close(s.done)
		// Closing the connection unblocks the read loop; it must not stay
		// parked in Read waiting for the server to hang up.
		s.connMu.Lock()
		s.conn.Close(websocket.StatusNormalClosure, "session closed")
		s.connMu.Unlock()
		s.wg.Wait()
	})
	return nil
}

// write sends one message on the current connection.
func (s *session) write(ctx context.Context, typ websocket.MessageType, data []byte) error {
	s.connMu.Lock()
	conn := s.conn
	s.connMu.Unlock()
	return conn.Write(ctx, typ, data)
}

// writeLoop drains the audio queue onto the connection.
func (s *session) writeLoop(ctx context.Context) {
	defer s.wg.Done()
	for {
		select {
		case chunk := <-s.audio:
			if err := s.write(ctx, websocket.MessageBinary, chunk); err != nil {
				// The read loop owns reconnect handling; dropped frames are
				// lost per the session contract.
				select {
				case <-s.done:
					return
				case <-time.After(50 * time.Millisecond):
				}
			}
		case <-s.done:
			return
		}
	}
}

// readLoop receives Deepgram messages, assigns sequence numbers, and
// dispatches transcripts. It performs at most one transparent reconnect.
func (s *session) readLoop(ctx context.Context) {
	defer s.wg.Done()
	defer close(s.events)

	reconnected := false
	for {
		s.connMu.Lock()
		conn := s.conn
		s.connMu.Unlock()

		_, msg, err := conn.Read(ctx)
		if err != nil {
			select {
			case <-s.done:
				return // clean close
			default:
			}
			if ctx.Err() != nil {
				s.setErr(ctx.Err())
				return
			}
			if reconnected {
				s.setErr(fmt.Errorf("deepgram: stream lost: %w", err))
				return
			}
			reconnected = true
			slog.Warn("asr stream interrupted, reconnecting once", "session", s.id, "err", err)
			fresh, dialErr := s.dial(ctx)
			if dialErr != nil {
				s.setErr(fmt.Errorf("deepgram: reconnect: %w", dialErr))
				return
			}
			s.connMu.Lock()
			select {
			case <-s.done:
				// Close raced the reconnect; the fresh connection is ours
				// to tear down.
				s.connMu.Unlock()
				fresh.Close(websocket.StatusNormalClosure, "session closed")
				return
			default:
				s.conn = fresh
				s.connMu.Unlock()
			}
			continue
		}

		t, ok := parseResult(msg)
		if !ok {
			continue
		}
		s.seq++
		t.Sequence = s.seq

		select {
		case s.events <- t:
		case <-s.done:
			return
		}
	}
}

func (s *session) setErr(err error) {
	s.errMu.Lock()
	s.err = err
	s.errMu.Unlock()
}

// parseResult parses a raw Deepgram message into a Transcript. Returns
// (zero, false) for messages that should be ignored, including empty-text
// interim results.
func parseResult(data []byte) (asr.Transcript, bool) {
	var r result
	if err := json.Unmarshal(data, &r); err != nil {
		return asr.Transcript{}, false
	}
	if r.Type != "Results" || len(r.Channel.Alternatives) == 0 {
		return asr.Transcript{}, false
	}
	alt := r.Channel.Alternatives[0]
	if alt.Transcript == "" && !r.IsFinal {
		return asr.Transcript{}, false
	}
	return asr.Transcript{
		Text:       alt.Transcript,
		IsFinal:    r.IsFinal,
		Confidence: alt.Confidence,
		Start:      time.Duration(r.Start * float64(time.Second)),
		End:        time.Duration((r.Start + r.Duration) * float64(time.Second)),
	}, true
}
