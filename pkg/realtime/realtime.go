// Package realtime implements the conversational speech-to-speech engine leg
// of the bridge over the OpenAI Realtime WebSocket protocol.
//
// A Client holds engine-level settings; each phone call gets its own Session
// created unconnected so the caller can register event handlers before
// dialing. Connect resolves only after the engine has confirmed the session
// configuration (session.updated), never at socket open, so no audio is
// forwarded against a half-configured session. Audio crosses the wire as
// base64-encoded G.711 mu-law at 8 kHz in both directions; the engine is told
// to invoke the end_call tool when the conversation should conclude, which
// surfaces here as a deduplicated hangup event.
package realtime

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"slices"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/P0rt/agent-server/pkg/voice"
)

// Compile-time assertion that Session satisfies the bridge contract.
var _ voice.ConversationSession = (*Session)(nil)

const (
	defaultModel              = "gpt-4o-realtime-preview"
	defaultBaseURL            = "wss://api.openai.com/v1/realtime"
	defaultVoice              = "alloy"
	defaultTranscriptionModel = "whisper-1"
	defaultConnectTimeout     = 10 * time.Second

	// audioFormat is the only codec the bridge speaks. Telephony media
	// streams deliver G.711 mu-law at 8 kHz and the engine is configured to
	// accept and emit exactly that, so chunks pass through untouched.
	audioFormat = "g711_ulaw"

	// endCallToolName is the single capability declared to the engine.
	endCallToolName = "end_call"
)

// endCallDirective is appended to every per-call instruction set so the
// engine knows how to terminate the call instead of leaving the line open.
const endCallDirective = "\n\nWhen the conversation has reached its natural end, " +
	"or the caller asks to hang up, say a brief goodbye and then invoke the " +
	"end_call function."

var (
	// ErrSessionClosed is returned by Connect when the session was closed
	// before or while the engine connection was being established.
	ErrSessionClosed = errors.New("realtime: session closed")

	// ErrConnectTimeout is returned by Connect when the engine does not
	// confirm the session configuration within the connect timeout.
	ErrConnectTimeout = errors.New("realtime: session confirmation timed out")
)

// TurnDetection tunes the engine's server-side voice activity detection.
type TurnDetection struct {
	// Threshold is the activation threshold in [0, 1]. Higher values
	// require louder speech to open a turn.
	Threshold float64
	// PrefixPaddingMs is how much audio before the detected onset is
	// included in the turn.
	PrefixPaddingMs int
	// SilenceDurationMs is how long the caller must stay silent before
	// the turn is considered finished.
	SilenceDurationMs int
}

// ── Options ────────────────────────────────────────────────────────────────────

// Option is a functional option for configuring a Client.
type Option func(*Client)

// WithModel sets the engine model used for sessions.
func WithModel(model string) Option {
	return func(c *Client) { c.model = model }
}

// WithBaseURL overrides the base WebSocket URL. Primarily used in tests to
// point at a local mock server.
func WithBaseURL(url string) Option {
	return func(c *Client) { c.baseURL = url }
}

// WithVoice sets the default synthesis voice, used when a call's
// instructions carry no voice override.
func WithVoice(voice string) Option {
	return func(c *Client) { c.voice = voice }
}

// WithTranscriptionModel sets the sub-model used to transcribe caller audio.
func WithTranscriptionModel(model string) Option {
	return func(c *Client) { c.transcriptionModel = model }
}

// WithTurnDetection overrides the server VAD tuning sent in the session
// configuration.
func WithTurnDetection(td TurnDetection) Option {
	return func(c *Client) { c.turnDetection = td }
}

// WithConnectTimeout bounds how long Connect waits for the engine to confirm
// the session configuration.
func WithConnectTimeout(d time.Duration) Option {
	return func(c *Client) { c.connectTimeout = d }
}

// ── Client ─────────────────────────────────────────────────────────────────────

// Client holds engine-level settings shared by all call sessions.
type Client struct {
	apiKey             string
	model              string
	baseURL            string
	voice              string
	transcriptionModel string
	turnDetection      TurnDetection
	connectTimeout     time.Duration
}

// NewClient creates a Client with the given API key and options.
func NewClient(apiKey string, opts ...Option) (*Client, error) {
	if apiKey == "" {
		return nil, errors.New("realtime: api key must not be empty")
	}
	c := &Client{
		apiKey:             apiKey,
		model:              defaultModel,
		baseURL:            defaultBaseURL,
		voice:              defaultVoice,
		transcriptionModel: defaultTranscriptionModel,
		turnDetection: TurnDetection{
			Threshold:         0.5,
			PrefixPaddingMs:   300,
			SilenceDurationMs: 500,
		},
		connectTimeout: defaultConnectTimeout,
	}
	for _, o := range opts {
		o(c)
	}
	return c, nil
}

// NewSession creates an unconnected session for one call. Register handlers
// on the returned session, then call Connect.
func (c *Client) NewSession(callID string, inst voice.CallInstructions) *Session {
	ctx, cancel := context.WithCancel(context.Background())
	return &Session{
		client:    c,
		callID:    callID,
		inst:      inst,
		confirmed: make(chan struct{}),
		recvErr:   make(chan error, 1),
		ctx:       ctx,
		cancel:    cancel,
	}
}

// ── Session ────────────────────────────────────────────────────────────────────

// Session is one speech-to-speech conversation bound to a single call. All
// methods are safe for concurrent use; event handlers are invoked
// sequentially from the session's receive goroutine.
type Session struct {
	client *Client
	callID string
	inst   voice.CallInstructions

	mu         sync.Mutex
	conn       *websocket.Conn
	dialed     bool
	connected  bool // engine confirmed the session configuration
	closed     bool
	hangup     bool // end_call observed; no further audio leaves this session
	transcript []voice.TranscriptEntry

	onAudio         func([]byte)
	onSpeechStarted func()
	onTranscript    func(voice.TranscriptEntry)
	onHangup        func()

	// confirmed is closed by the receive loop when session.updated arrives.
	confirmed   chan struct{}
	confirmOnce sync.Once

	// recvErr carries the first terminal receive-loop error to an
	// in-flight Connect. Buffered so the loop never blocks on it.
	recvErr chan error

	ctx    context.Context
	cancel context.CancelFunc
}

// OnAudio registers the handler for synthesized audio chunks. The last
// registered handler wins.
func (s *Session) OnAudio(fn func(chunk []byte)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onAudio = fn
}

// OnSpeechStarted registers the handler for caller speech onsets. The last
// registered handler wins.
func (s *Session) OnSpeechStarted(fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onSpeechStarted = fn
}

// OnTranscript registers the handler for completed utterances. The last
// registered handler wins.
func (s *Session) OnTranscript(fn func(entry voice.TranscriptEntry)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onTranscript = fn
}

// OnHangup registers the handler fired when the engine requests the call to
// end. The last registered handler wins; the event fires at most once.
func (s *Session) OnHangup(fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onHangup = fn
}

// Connect dials the engine, submits the session configuration and blocks
// until the engine confirms it. It returns ErrSessionClosed when the session
// is already closed (or gets closed while waiting), ErrConnectTimeout when
// no confirmation arrives within the connect timeout, and a wrapped cause
// for socket or engine errors before confirmation.
func (s *Session) Connect(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrSessionClosed
	}
	if s.dialed {
		s.mu.Unlock()
		return errors.New("realtime: connect: session already connected")
	}
	s.dialed = true
	s.mu.Unlock()

	dialCtx, cancelDial := context.WithTimeout(ctx, s.client.connectTimeout)
	defer cancelDial()

	wsURL := fmt.Sprintf("%s?model=%s", s.client.baseURL, s.client.model)
	conn, _, err := websocket.Dial(dialCtx, wsURL, &websocket.DialOptions{
		HTTPHeader: http.Header{
			"Authorization": []string{"Bearer " + s.client.apiKey},
			"OpenAI-Beta":   []string{"realtime=v1"},
		},
	})
	if err != nil {
		return fmt.Errorf("realtime: dial: %w", err)
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		conn.Close(websocket.StatusNormalClosure, "session closed")
		return ErrSessionClosed
	}
	s.conn = conn
	s.mu.Unlock()

	if err := s.sendSessionUpdate(); err != nil {
		s.Close()
		return fmt.Errorf("realtime: session update: %w", err)
	}

	go s.receiveLoop()

	timer := time.NewTimer(s.client.connectTimeout)
	defer timer.Stop()

	select {
	case <-s.confirmed:
		s.mu.Lock()
		s.connected = true
		s.mu.Unlock()
		slog.Debug("realtime: session configured", "call_id", s.callID)
		return nil
	case err := <-s.recvErr:
		s.Close()
		return fmt.Errorf("realtime: connect: %w", err)
	case <-s.ctx.Done():
		return ErrSessionClosed
	case <-ctx.Done():
		s.Close()
		return fmt.Errorf("realtime: connect: %w", ctx.Err())
	case <-timer.C:
		s.Close()
		return ErrConnectTimeout
	}
}

// sendSessionUpdate submits the full session configuration: modalities,
// directive-augmented instructions, voice, the fixed telephony codec on both
// directions, caller transcription, server VAD tuning and the end_call tool.
func (s *Session) sendSessionUpdate() error {
	voiceID := s.inst.Voice
	if voiceID == "" {
		voiceID = s.client.voice
	}
	td := s.client.turnDetection
	params := sessionParams{
		Modalities:        []string{"text", "audio"},
		Instructions:      s.inst.Instructions + endCallDirective,
		Voice:             voiceID,
		InputAudioFormat:  audioFormat,
		OutputAudioFormat: audioFormat,
		InputAudioTranscription: &transcriptionParams{
			Model: s.client.transcriptionModel,
		},
		TurnDetection: &turnDetectionParams{
			Type:              "server_vad",
			Threshold:         td.Threshold,
			PrefixPaddingMs:   td.PrefixPaddingMs,
			SilenceDurationMs: td.SilenceDurationMs,
		},
		Tools: []engineTool{{
			Type:        "function",
			Name:        endCallToolName,
			Description: "End the phone call once the conversation is over and you have said goodbye.",
			Parameters: map[string]any{
				"type":       "object",
				"properties": map[string]any{},
			},
		}},
		ToolChoice: "auto",
	}
	return s.writeJSON(sessionUpdateMessage{Type: "session.update", Session: params})
}

// SendAudio forwards one mu-law chunk to the engine. It is a silent no-op
// unless the session is connected and neither closed nor hanging up; write
// failures after confirmation are logged and the chunk dropped.
func (s *Session) SendAudio(chunk []byte) {
	s.mu.Lock()
	ok := s.connected && !s.closed && !s.hangup
	s.mu.Unlock()
	if !ok || len(chunk) == 0 {
		return
	}
	msg := appendAudioMessage{
		Type:  "input_audio_buffer.append",
		Audio: base64.StdEncoding.EncodeToString(chunk),
	}
	if err := s.writeJSON(msg); err != nil {
		slog.Debug("realtime: dropping audio chunk", "call_id", s.callID, "error", err)
	}
}

// TriggerResponse asks the engine to produce a response immediately. The
// relay calls this once after Connect so the agent greets the caller.
func (s *Session) TriggerResponse() {
	s.mu.Lock()
	ok := s.connected && !s.closed && !s.hangup
	s.mu.Unlock()
	if !ok {
		return
	}
	if err := s.writeJSON(createResponseMessage{Type: "response.create"}); err != nil {
		slog.Warn("realtime: response trigger failed", "call_id", s.callID, "error", err)
	}
}

// Transcript returns a copy of all utterances recorded so far, oldest first.
func (s *Session) Transcript() []voice.TranscriptEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.transcript)
}

// Close shuts the session down. It is idempotent, releases any in-flight
// Connect waiter and closes the engine socket with a normal closure.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	conn := s.conn
	s.mu.Unlock()

	s.cancel()
	if conn != nil {
		return conn.Close(websocket.StatusNormalClosure, "session closed")
	}
	return nil
}

// writeJSON marshals v and writes it as a text WebSocket message.
func (s *Session) writeJSON(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("realtime: marshal: %w", err)
	}
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		return errors.New("realtime: not connected")
	}
	return conn.Write(s.ctx, websocket.MessageText, data)
}

// receiveLoop reads engine events until the connection or session ends. It
// is the only goroutine that dispatches event handlers.
func (s *Session) receiveLoop() {
	for {
		_, data, err := s.conn.Read(s.ctx)
		if err != nil {
			s.mu.Lock()
			s.connected = false
			s.mu.Unlock()
			if s.ctx.Err() == nil {
				select {
				case s.recvErr <- err:
				default:
				}
				slog.Debug("realtime: engine connection closed", "call_id", s.callID, "error", err)
			}
			return
		}

		var ev serverEvent
		if err := json.Unmarshal(data, &ev); err != nil {
			slog.Warn("realtime: unparseable engine event", "call_id", s.callID, "error", err)
			continue
		}
		s.handleEvent(ev)
	}
}

// handleEvent dispatches a single engine event. Unknown event types fall
// through silently so newer engine revisions do not break the session.
func (s *Session) handleEvent(ev serverEvent) {
	switch ev.Type {
	case "session.created":
		slog.Debug("realtime: session created", "call_id", s.callID)

	case "session.updated":
		s.confirmOnce.Do(func() { close(s.confirmed) })

	case "response.audio.delta":
		chunk, err := base64.StdEncoding.DecodeString(ev.Delta)
		if err != nil {
			slog.Warn("realtime: undecodable audio delta", "call_id", s.callID, "error", err)
			return
		}
		s.mu.Lock()
		fn := s.onAudio
		s.mu.Unlock()
		if fn != nil {
			fn(chunk)
		}

	case "input_audio_buffer.speech_started":
		s.mu.Lock()
		fn := s.onSpeechStarted
		s.mu.Unlock()
		if fn != nil {
			fn()
		}

	case "conversation.item.input_audio_transcription.completed":
		s.recordUtterance(voice.RoleUser, ev.Transcript)

	case "conversation.item.input_audio_transcription.failed":
		slog.Warn("realtime: caller transcription failed", "call_id", s.callID, "detail", errorDetail(ev.Error))

	case "response.done":
		s.handleResponseDone(ev.Response)

	case "error":
		slog.Error("realtime: engine error", "call_id", s.callID, "detail", errorDetail(ev.Error))
		select {
		case s.recvErr <- fmt.Errorf("engine error: %s", errorDetail(ev.Error)):
		default:
		}
	}
}

// handleResponseDone scans a completed response for assistant utterances and
// for the end_call invocation.
func (s *Session) handleResponseDone(resp *responsePayload) {
	if resp == nil {
		return
	}
	for _, item := range resp.Output {
		switch item.Type {
		case "message":
			if item.Role != string(voice.RoleAssistant) {
				continue
			}
			for _, part := range item.Content {
				text := part.Transcript
				if text == "" {
					text = part.Text
				}
				s.recordUtterance(voice.RoleAssistant, text)
			}
		case "function_call":
			if item.Name == endCallToolName {
				s.initiateHangup()
			}
		}
	}
}

// recordUtterance appends one completed utterance to the transcript and
// notifies the transcript handler. Empty utterances are skipped.
func (s *Session) recordUtterance(role voice.Role, text string) {
	if text == "" {
		return
	}
	entry := voice.TranscriptEntry{Role: role, Text: text, Timestamp: time.Now()}
	s.mu.Lock()
	s.transcript = append(s.transcript, entry)
	fn := s.onTranscript
	s.mu.Unlock()
	if fn != nil {
		fn(entry)
	}
}

// initiateHangup fires the hangup handler exactly once, no matter how many
// end_call invocations the engine produces, and stops further outbound audio.
func (s *Session) initiateHangup() {
	s.mu.Lock()
	if s.hangup {
		s.mu.Unlock()
		return
	}
	s.hangup = true
	fn := s.onHangup
	s.mu.Unlock()

	slog.Info("realtime: engine requested hangup", "call_id", s.callID)
	if fn != nil {
		fn()
	}
}

// errorDetail formats a nested engine error for logging.
func errorDetail(detail *serverErrorDetail) string {
	if detail == nil {
		return "unknown"
	}
	if detail.Code != "" {
		return fmt.Sprintf("%s (%s): %s", detail.Type, detail.Code, detail.Message)
	}
	return fmt.Sprintf("%s: %s", detail.Type, detail.Message)
}
