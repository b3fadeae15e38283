// Package transcribe implements the fallback transcription leg of the bridge
// over the Deepgram streaming WebSocket API.
//
// Streams whose call has no instruction set are not conversational; their
// caller audio is forwarded to a streaming speech-to-text engine and the
// resulting partial and final transcripts, plus voice-activity onsets, are
// surfaced through handlers. The session mirrors the conversational leg's
// lifecycle discipline (create unconnected, wire handlers, Connect, Close
// idempotently) but accumulates nothing and has no hangup concept.
package transcribe

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"

	"github.com/coder/websocket"

	"github.com/P0rt/agent-server/pkg/voice"
)

// Compile-time assertion that Session satisfies the bridge contract.
var _ voice.TranscriptionSession = (*Session)(nil)

const (
	defaultBaseURL  = "wss://api.deepgram.com/v1/listen"
	defaultModel    = "nova-3"
	defaultLanguage = "en"

	// Telephony media streams carry G.711 mu-law at 8 kHz, one channel.
	// The engine is told exactly that so chunks pass through untouched.
	encoding   = "mulaw"
	sampleRate = 8000
	channels   = 1
)

// ErrSessionClosed is returned by Connect when the session was closed before
// the engine connection was established.
var ErrSessionClosed = errors.New("transcribe: session closed")

// ── Options ────────────────────────────────────────────────────────────────────

// Option is a functional option for configuring a Client.
type Option func(*Client)

// WithModel sets the transcription model (e.g. "nova-3", "base").
func WithModel(model string) Option {
	return func(c *Client) { c.model = model }
}

// WithLanguage sets the BCP-47 language code for recognition.
func WithLanguage(language string) Option {
	return func(c *Client) { c.language = language }
}

// WithBaseURL overrides the streaming endpoint URL. Primarily used in tests
// to point at a local mock server.
func WithBaseURL(url string) Option {
	return func(c *Client) { c.baseURL = url }
}

// ── Client ─────────────────────────────────────────────────────────────────────

// Client holds engine-level settings shared by all transcription sessions.
type Client struct {
	apiKey   string
	model    string
	language string
	baseURL  string
}

// NewClient creates a Client with the given API key and options.
func NewClient(apiKey string, opts ...Option) (*Client, error) {
	if apiKey == "" {
		return nil, errors.New("transcribe: api key must not be empty")
	}
	c := &Client{
		apiKey:   apiKey,
		model:    defaultModel,
		language: defaultLanguage,
		baseURL:  defaultBaseURL,
	}
	for _, o := range opts {
		o(c)
	}
	return c, nil
}

// NewSession creates an unconnected session for one call. Register handlers
// on the returned session, then call Connect.
func (c *Client) NewSession(callID string) *Session {
	return &Session{
		client: c,
		callID: callID,
		audio:  make(chan []byte, 256),
		done:   make(chan struct{}),
	}
}

// buildURL constructs the streaming endpoint URL with the fixed telephony
// codec parameters and voice-activity events enabled.
func (c *Client) buildURL() (string, error) {
	u, err := url.Parse(c.baseURL)
	if err != nil {
		return "", err
	}
	q := u.Query()
	q.Set("model", c.model)
	q.Set("language", c.language)
	q.Set("encoding", encoding)
	q.Set("sample_rate", strconv.Itoa(sampleRate))
	q.Set("channels", strconv.Itoa(channels))
	q.Set("punctuate", "true")
	q.Set("interim_results", "true")
	q.Set("vad_events", "true")
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// ── Session ────────────────────────────────────────────────────────────────────

// engineResponse is the JSON structure of the engine messages the session
// reads. Anything but Results and SpeechStarted is skipped.
type engineResponse struct {
	Type    string `json:"type"`
	IsFinal bool   `json:"is_final"`
	Channel struct {
		Alternatives []struct {
			Transcript string  `json:"transcript"`
			Confidence float64 `json:"confidence"`
		} `json:"alternatives"`
	} `json:"channel"`
}

// Session is one live streaming transcription bound to a single call. All
// methods are safe for concurrent use; handlers are invoked sequentially
// from the session's read goroutine.
type Session struct {
	client *Client
	callID string

	mu              sync.Mutex
	conn            *websocket.Conn
	connected       bool
	onPartial       func(string)
	onFinal         func(string)
	onSpeechStarted func()

	audio chan []byte
	done  chan struct{}
	once  sync.Once
	wg    sync.WaitGroup
}

// OnPartial registers the handler for interim transcripts. The last
// registered handler wins.
func (s *Session) OnPartial(fn func(text string)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onPartial = fn
}

// OnFinal registers the handler for finalized transcripts. The last
// registered handler wins.
func (s *Session) OnFinal(fn func(text string)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onFinal = fn
}

// OnSpeechStarted registers the handler for voice-activity onsets. The last
// registered handler wins.
func (s *Session) OnSpeechStarted(fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onSpeechStarted = fn
}

// Connect dials the transcription engine and starts the read and write
// loops. The given context also governs the established stream: cancelling
// it terminates both loops.
func (s *Session) Connect(ctx context.Context) error {
	select {
	case <-s.done:
		return ErrSessionClosed
	default:
	}
	s.mu.Lock()
	if s.conn != nil {
		s.mu.Unlock()
		return errors.New("transcribe: connect: session already connected")
	}
	s.mu.Unlock()

	wsURL, err := s.client.buildURL()
	if err != nil {
		return fmt.Errorf("transcribe: build url: %w", err)
	}

	headers := http.Header{}
	headers.Set("Authorization", "Token "+s.client.apiKey)

	conn, _, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		HTTPHeader: headers,
	})
	if err != nil {
		return fmt.Errorf("transcribe: dial: %w", err)
	}

	s.mu.Lock()
	select {
	case <-s.done:
		s.mu.Unlock()
		conn.Close(websocket.StatusNormalClosure, "session closed")
		return ErrSessionClosed
	default:
	}
	s.conn = conn
	s.connected = true
	s.mu.Unlock()

	s.wg.Add(2)
	go s.readLoop(ctx)
	go s.writeLoop(ctx)

	return nil
}

// SendAudio queues one mu-law chunk for delivery to the engine. It is a
// silent no-op before Connect and after Close; when the outbound buffer is
// full the chunk is dropped rather than stalling the caller.
func (s *Session) SendAudio(chunk []byte) {
	s.mu.Lock()
	connected := s.connected
	s.mu.Unlock()
	if !connected || len(chunk) == 0 {
		return
	}
	select {
	case <-s.done:
		return
	default:
	}
	select {
	case s.audio <- chunk:
	case <-s.done:
	default:
		slog.Debug("transcribe: audio buffer full, dropping chunk", "call_id", s.callID)
	}
}

// Close terminates the session cleanly: it stops intake, asks the engine to
// flush buffered audio, waits for the loops and closes the socket. Idempotent.
func (s *Session) Close() error {
	s.once.Do(func() {
		close(s.done)
		s.mu.Lock()
		conn := s.conn
		s.connected = false
		s.mu.Unlock()
		if conn == nil {
			return
		}
		_ = conn.Write(context.Background(), websocket.MessageText, []byte(`{"type":"CloseStream"}`))
		s.wg.Wait()
		conn.Close(websocket.StatusNormalClosure, "session closed")
	})
	return nil
}

// writeLoop reads from the audio channel and sends binary messages to the
// engine. After done it drains whatever is already queued, then exits.
func (s *Session) writeLoop(ctx context.Context) {
	defer s.wg.Done()
	for {
		select {
		case chunk := <-s.audio:
			if err := s.conn.Write(ctx, websocket.MessageBinary, chunk); err != nil {
				return
			}
		case <-s.done:
			for {
				select {
				case chunk := <-s.audio:
					_ = s.conn.Write(ctx, websocket.MessageBinary, chunk)
				default:
					return
				}
			}
		}
	}
}

// readLoop receives engine messages and dispatches them to the handlers.
func (s *Session) readLoop(ctx context.Context) {
	defer s.wg.Done()
	for {
		_, msg, err := s.conn.Read(ctx)
		if err != nil {
			return
		}
		s.dispatch(msg)
	}
}

// dispatch routes one engine message. Empty transcripts and unknown message
// types (Metadata, UtteranceEnd, future additions) are skipped.
func (s *Session) dispatch(data []byte) {
	var resp engineResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		slog.Warn("transcribe: unparseable engine message", "call_id", s.callID, "error", err)
		return
	}

	switch resp.Type {
	case "Results":
		if len(resp.Channel.Alternatives) == 0 {
			return
		}
		text := resp.Channel.Alternatives[0].Transcript
		if strings.TrimSpace(text) == "" {
			return
		}
		s.mu.Lock()
		fn := s.onPartial
		if resp.IsFinal {
			fn = s.onFinal
		}
		s.mu.Unlock()
		if fn != nil {
			fn(text)
		}

	case "SpeechStarted":
		s.mu.Lock()
		fn := s.onSpeechStarted
		s.mu.Unlock()
		if fn != nil {
			fn()
		}
	}
}
