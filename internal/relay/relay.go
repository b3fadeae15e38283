// Package relay bridges telephony media streams to speech engines. It accepts
// the carrier's media-stream WebSocket connections, authorizes each stream
// against a call directory, and pairs the stream with an inner session: a
// conversational speech-to-speech session when the call has instructions, or
// a plain transcription session otherwise. Caller audio is forwarded to the
// engine as it arrives and engine audio is written back as telephony media
// frames. The relay also owns a per-stream playback queue that serializes
// audio injected by external callers in transcription mode.
//
// Each stream walks a forward-only state machine:
//
//	CONNECTING → ACTIVE → ENDING → CLOSED
//
// The CLOSED transition is atomic and runs the teardown side effects exactly
// once, no matter how many triggers race into it (explicit stop frame, socket
// error, hangup-grace expiry, relay shutdown).
package relay

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/P0rt/agent-server/internal/observe"
	"github.com/P0rt/agent-server/pkg/voice"
)

// ErrUnknownStream is resolved into a playback result when the stream a task
// was queued for does not exist (never started, or already torn down).
var ErrUnknownStream = fmt.Errorf("relay: unknown stream")

// defaultHangupGrace is the delay between an engine-issued hangup and the
// telephony socket close. Farewell audio and the hangup signal are not
// ordered relative to each other, so the socket stays open long enough for
// the last audio chunks to reach the caller.
const defaultHangupGrace = 5 * time.Second

// streamMode selects which inner session drives a stream.
type streamMode string

const (
	modeConversation  streamMode = "conversation"
	modeTranscription streamMode = "transcription"
)

// streamState tracks a stream's position in its lifecycle. States only move
// forward.
type streamState int32

const (
	stateConnecting streamState = iota // registered, inner session dialing
	stateActive                        // inner session confirmed, audio flowing
	stateEnding                        // hangup observed, grace timer running
	stateClosed                        // teardown ran, terminal
)

// Hooks are the relay's outbound notifications. All fields are optional; nil
// entries are skipped. Hooks run on relay-internal goroutines and must not
// block for long.
type Hooks struct {
	// OnConnect fires once a stream is authorized and registered.
	OnConnect func(callID, streamID string)

	// OnSpeechStart fires when the caller starts speaking, in both modes.
	OnSpeechStart func(callID string)

	// OnTranscript fires per finalized caller utterance in transcription mode.
	OnTranscript func(callID, text string)

	// OnPartialTranscript fires per interim transcript in transcription mode.
	OnPartialTranscript func(callID, text string)

	// OnCallComplete fires exactly once per conversational stream during
	// teardown, with the full transcript. It fires even when the transcript
	// is empty: external callers resolve pending work on this signal.
	OnCallComplete func(callID string, transcript []voice.TranscriptEntry)

	// OnDisconnect fires exactly once per stream as the last teardown step.
	OnDisconnect func(callID, streamID string)
}

// Config wires the relay's collaborators.
type Config struct {
	// Directory authorizes streams and supplies per-call instructions.
	Directory voice.CallDirectory

	// NewConversation builds the speech-to-speech session for a call that has
	// instructions. The returned session must be unconnected.
	NewConversation func(callID string, inst voice.CallInstructions) voice.ConversationSession

	// NewTranscriber builds the transcription session for a call without
	// instructions. The returned session must be unconnected.
	NewTranscriber func(callID string) voice.TranscriptionSession

	Hooks Hooks

	// Metrics defaults to [observe.DefaultMetrics].
	Metrics *observe.Metrics
}

// Option configures a [Relay].
type Option func(*Relay)

// WithHangupGrace overrides the delay between an engine-issued hangup and the
// telephony socket close. Useful in tests to keep suite execution fast.
func WithHangupGrace(d time.Duration) Option {
	return func(r *Relay) {
		r.hangupGrace = d
	}
}

// Relay multiplexes concurrent telephony media streams, one inner speech
// session per stream. Safe for concurrent use.
type Relay struct {
	directory       voice.CallDirectory
	newConversation func(callID string, inst voice.CallInstructions) voice.ConversationSession
	newTranscriber  func(callID string) voice.TranscriptionSession
	hooks           Hooks
	metrics         *observe.Metrics
	hangupGrace     time.Duration

	mu      sync.Mutex
	streams map[string]*stream
	closed  bool
}

// stream is the relay-side state for one telephony media stream.
type stream struct {
	callID    string
	streamID  string
	conn      *websocket.Conn
	mode      streamMode
	startedAt time.Time

	// Exactly one of convo and trans is set, per the stream's mode.
	convo voice.ConversationSession
	trans voice.TranscriptionSession

	queue *playbackQueue
	state atomic.Int32

	// ctx scopes all writes to the telephony socket and carries the stream's
	// trace span; cancelled at teardown, where the span also ends.
	ctx    context.Context
	cancel context.CancelFunc
	span   trace.Span

	mu          sync.Mutex
	hangupTimer *time.Timer
}

// New creates a Relay. The directory and both session factories are required.
func New(cfg Config, opts ...Option) (*Relay, error) {
	if cfg.Directory == nil {
		return nil, fmt.Errorf("relay: call directory is required")
	}
	if cfg.NewConversation == nil {
		return nil, fmt.Errorf("relay: conversation session factory is required")
	}
	if cfg.NewTranscriber == nil {
		return nil, fmt.Errorf("relay: transcription session factory is required")
	}

	r := &Relay{
		directory:       cfg.Directory,
		newConversation: cfg.NewConversation,
		newTranscriber:  cfg.NewTranscriber,
		hooks:           cfg.Hooks,
		metrics:         cfg.Metrics,
		hangupGrace:     defaultHangupGrace,
		streams:         make(map[string]*stream),
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.metrics == nil {
		r.metrics = observe.DefaultMetrics()
	}
	return r, nil
}

// HandleUpgrade accepts an inbound media-stream WebSocket connection and
// serves it until the stream ends. It is an [http.HandlerFunc].
func (r *Relay) HandleUpgrade(w http.ResponseWriter, req *http.Request) {
	r.mu.Lock()
	closed := r.closed
	r.mu.Unlock()
	if closed {
		http.Error(w, "relay is shutting down", http.StatusServiceUnavailable)
		return
	}

	// Carrier media streams do not send browser origins.
	conn, err := websocket.Accept(w, req, &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		slog.Warn("relay: websocket accept failed", "remote", req.RemoteAddr, "err", err)
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "stream ended")

	r.serve(req.Context(), conn)
}

// serve is the per-connection read loop. It dispatches telephony frames until
// the stream stops or the socket errors, then runs teardown for whichever
// stream the connection registered.
func (r *Relay) serve(ctx context.Context, conn *websocket.Conn) {
	var st *stream
	defer func() {
		if st != nil {
			r.teardown(st)
		}
	}()

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return
		}

		var frame telephonyFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			slog.Warn("relay: dropping malformed frame", "err", err)
			continue
		}

		switch frame.Event {
		case eventConnected:
			slog.Debug("relay: telephony handshake", "protocol", frame.Protocol, "version", frame.Version)
		case eventStart:
			if st != nil {
				slog.Warn("relay: duplicate start frame ignored", "stream_sid", st.streamID)
				continue
			}
			st = r.register(ctx, conn, frame)
			if st == nil {
				return // rejected; socket already closed with a status
			}
		case eventMedia:
			// Media before start has no session to land in; drop it.
			if st == nil || frame.Media == nil {
				continue
			}
			r.forwardCallerAudio(st, frame.Media.Payload)
		case eventStop:
			return // deferred teardown covers the stop path
		default:
			slog.Debug("relay: ignoring frame", "event", frame.Event)
		}
	}
}

// register processes a start frame: authorize the stream, pick the mode,
// construct and wire the inner session, and record the stream in the
// registry. Returns nil when the stream was rejected, in which case the
// socket has already been closed with a status describing why.
func (r *Relay) register(ctx context.Context, conn *websocket.Conn, frame telephonyFrame) *stream {
	start := frame.Start
	if start == nil || start.CallSid == "" {
		slog.Warn("relay: start frame missing call sid", "stream_sid", frame.StreamSid)
		r.metrics.RecordStreamRejection(ctx, "missing_call_sid")
		conn.Close(websocket.StatusUnsupportedData, "missing call sid")
		return nil
	}

	callID := start.CallSid
	streamID := start.StreamSid
	if streamID == "" {
		streamID = frame.StreamSid
	}

	accepted, err := r.directory.Accept(ctx, voice.StreamAuth{
		CallID:   callID,
		StreamID: streamID,
		Token:    start.CustomParameters["token"],
	})
	if err != nil {
		slog.Error("relay: acceptance lookup failed", "call_sid", callID, "err", err)
		r.metrics.RecordStreamRejection(ctx, "lookup_error")
		conn.Close(websocket.StatusInternalError, "acceptance lookup failed")
		return nil
	}
	if !accepted {
		slog.Warn("relay: stream rejected", "call_sid", callID, "stream_sid", streamID)
		r.metrics.RecordStreamRejection(ctx, "unauthorized")
		conn.Close(websocket.StatusPolicyViolation, "unauthorized call")
		return nil
	}

	inst, found, err := r.directory.Instructions(ctx, callID)
	if err != nil {
		// Degrade to transcription mode rather than dropping the call.
		slog.Error("relay: instruction lookup failed, falling back to transcription",
			"call_sid", callID, "err", err)
		found = false
	}

	st := &stream{
		callID:    callID,
		streamID:  streamID,
		conn:      conn,
		queue:     newPlaybackQueue(),
		startedAt: time.Now(),
	}
	st.ctx, st.cancel = context.WithCancel(context.Background())

	if found {
		st.mode = modeConversation
		st.convo = r.newConversation(callID, inst)
		r.wireConversation(st)
	} else {
		st.mode = modeTranscription
		st.trans = r.newTranscriber(callID)
		r.wireTranscriber(st)
	}

	// The media-stream socket is hijacked, so the HTTP middleware never sees
	// it; the stream carries its own span instead.
	st.ctx, st.span = observe.StartSpan(st.ctx, "media-stream", trace.WithAttributes(
		attribute.String("call_sid", callID),
		attribute.String("stream_sid", streamID),
		attribute.String("mode", string(st.mode)),
	))

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		st.span.End()
		st.cancel()
		conn.Close(websocket.StatusGoingAway, "relay shutting down")
		return nil
	}
	r.streams[streamID] = st
	r.mu.Unlock()

	slog.Info("relay: stream started", "call_sid", callID, "stream_sid", streamID, "mode", st.mode)
	r.metrics.RecordCallStarted(st.ctx, string(st.mode))
	r.metrics.ActiveStreams.Add(st.ctx, 1)

	if hook := r.hooks.OnConnect; hook != nil {
		hook(callID, streamID)
	}

	// Dial off the read loop so media frames keep flowing during the engine
	// handshake.
	go r.connectInner(st)

	return st
}

// wireConversation subscribes the relay to a conversational session's events
// before the session connects.
func (r *Relay) wireConversation(st *stream) {
	st.convo.OnAudio(func(chunk []byte) {
		if err := st.writeMedia(chunk); err != nil {
			slog.Debug("relay: media write failed", "stream_sid", st.streamID, "err", err)
			return
		}
		r.metrics.RecordAudioFrame(st.ctx, "outbound")
	})

	st.convo.OnSpeechStarted(func() {
		// The caller talked over the assistant. Flush whatever assistant
		// audio the telephony side has buffered before more of it plays.
		if err := st.writeClear(); err != nil {
			slog.Debug("relay: clear write failed", "stream_sid", st.streamID, "err", err)
		}
		r.metrics.RecordBargeIn(st.ctx)
		if hook := r.hooks.OnSpeechStart; hook != nil {
			hook(st.callID)
		}
	})

	st.convo.OnTranscript(func(entry voice.TranscriptEntry) {
		r.metrics.RecordUtterance(st.ctx, string(entry.Role))
	})

	st.convo.OnHangup(func() {
		r.scheduleHangup(st)
	})
}

// wireTranscriber subscribes the relay to a transcription session's events
// before the session connects.
func (r *Relay) wireTranscriber(st *stream) {
	st.trans.OnPartial(func(text string) {
		if hook := r.hooks.OnPartialTranscript; hook != nil {
			hook(st.callID, text)
		}
	})

	st.trans.OnFinal(func(text string) {
		r.metrics.RecordUtterance(st.ctx, string(voice.RoleUser))
		if hook := r.hooks.OnTranscript; hook != nil {
			hook(st.callID, text)
		}
	})

	st.trans.OnSpeechStarted(func() {
		if hook := r.hooks.OnSpeechStart; hook != nil {
			hook(st.callID)
		}
	})
}

// connectInner dials the stream's inner session and, for conversational
// streams, requests the agent's opening turn once the engine has confirmed
// the session. Dial failures leave the call without audio until the
// telephony side tears the stream down; the relay itself carries on.
func (r *Relay) connectInner(st *stream) {
	started := time.Now()

	var err error
	if st.convo != nil {
		err = st.convo.Connect(st.ctx)
	} else {
		err = st.trans.Connect(st.ctx)
	}
	r.metrics.RecordEngineConnect(st.ctx, err == nil, time.Since(started))

	if err != nil {
		slog.Error("relay: engine connect failed", "call_sid", st.callID, "mode", st.mode, "err", err)
		return
	}

	if !st.state.CompareAndSwap(int32(stateConnecting), int32(stateActive)) {
		return // stream ended while the engine was dialing
	}

	if st.convo != nil {
		// The caller has not spoken yet; the first turn is the greeting.
		st.convo.TriggerResponse()
	}
}

// forwardCallerAudio decodes one inbound media payload and hands it to the
// stream's inner session. Undecodable payloads are dropped.
func (r *Relay) forwardCallerAudio(st *stream, payload string) {
	raw, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		slog.Warn("relay: dropping undecodable media payload", "stream_sid", st.streamID, "err", err)
		return
	}

	r.metrics.RecordAudioFrame(st.ctx, "inbound")
	if st.convo != nil {
		st.convo.SendAudio(raw)
		return
	}
	st.trans.SendAudio(raw)
}

// scheduleHangup moves the stream to ENDING and closes the telephony socket
// once the grace delay elapses. Repeat hangup signals are ignored.
func (r *Relay) scheduleHangup(st *stream) {
	if !st.beginEnding() {
		return
	}

	slog.Info("relay: engine requested hangup", "call_sid", st.callID, "grace", r.hangupGrace)
	timer := time.AfterFunc(r.hangupGrace, func() {
		st.conn.Close(websocket.StatusNormalClosure, "call ended by agent")
	})

	st.mu.Lock()
	st.hangupTimer = timer
	st.mu.Unlock()
}

// teardown runs the end-of-stream sequence. Stop frames, socket errors,
// hangup-grace closes and relay shutdown can all race into it; the atomic
// CLOSED transition guarantees the side effects run exactly once.
func (r *Relay) teardown(st *stream) {
	if streamState(st.state.Swap(int32(stateClosed))) == stateClosed {
		return
	}

	st.mu.Lock()
	if st.hangupTimer != nil {
		st.hangupTimer.Stop()
	}
	st.mu.Unlock()

	st.queue.clear()

	switch {
	case st.convo != nil:
		transcript := st.convo.Transcript()
		if err := st.convo.Close(); err != nil {
			slog.Warn("relay: conversation close failed", "call_sid", st.callID, "err", err)
		}
		if hook := r.hooks.OnCallComplete; hook != nil {
			hook(st.callID, transcript)
		}
	case st.trans != nil:
		if err := st.trans.Close(); err != nil {
			slog.Warn("relay: transcriber close failed", "call_sid", st.callID, "err", err)
		}
	}

	r.mu.Lock()
	delete(r.streams, st.streamID)
	r.mu.Unlock()

	if hook := r.hooks.OnDisconnect; hook != nil {
		hook(st.callID, st.streamID)
	}

	st.cancel()
	st.span.End()

	duration := time.Since(st.startedAt)
	r.metrics.ActiveStreams.Add(context.Background(), -1)
	r.metrics.RecordCallCompleted(context.Background(), string(st.mode), duration)
	slog.Info("relay: stream ended", "call_sid", st.callID, "stream_sid", st.streamID,
		"mode", st.mode, "duration", duration.Truncate(time.Millisecond))
}

// ── consumer surface ─────────────────────────────────────────────────────────

// SendAudio writes one chunk of locally produced audio to a stream's
// telephony socket as a media frame. Best effort: unknown streams and write
// failures are silently dropped, since the socket may close between the
// caller's intent and the send.
func (r *Relay) SendAudio(streamID string, chunk []byte) {
	st := r.lookup(streamID)
	if st == nil {
		return
	}
	if err := st.writeMedia(chunk); err != nil {
		slog.Debug("relay: send audio failed", "stream_sid", streamID, "err", err)
		return
	}
	r.metrics.RecordAudioFrame(st.ctx, "outbound")
}

// SendMark labels the current position in a stream's outbound audio. Best
// effort, like [Relay.SendAudio].
func (r *Relay) SendMark(streamID, name string) {
	st := r.lookup(streamID)
	if st == nil {
		return
	}
	if err := st.writeMark(name); err != nil {
		slog.Debug("relay: send mark failed", "stream_sid", streamID, "err", err)
	}
}

// ClearAudio asks the telephony side to drop its buffered outbound audio.
// Best effort, like [Relay.SendAudio].
func (r *Relay) ClearAudio(streamID string) {
	st := r.lookup(streamID)
	if st == nil {
		return
	}
	if err := st.writeClear(); err != nil {
		slog.Debug("relay: clear audio failed", "stream_sid", streamID, "err", err)
	}
}

// QueueAudio schedules a playback task for strict sequential execution on the
// stream: one task at a time, in enqueue order. The returned channel receives
// exactly one value, the task's outcome; cancellation via [Relay.ClearQueue]
// resolves as nil. Unknown streams resolve immediately with
// [ErrUnknownStream].
func (r *Relay) QueueAudio(streamID string, task PlaybackTask) <-chan error {
	st := r.lookup(streamID)
	if st == nil {
		result := make(chan error, 1)
		result <- ErrUnknownStream
		return result
	}
	return st.queue.enqueue(task)
}

// ClearQueue drops a stream's pending playback tasks and cancels the one in
// flight. This is the barge-in primitive for transcription-mode consumers.
func (r *Relay) ClearQueue(streamID string) {
	if st := r.lookup(streamID); st != nil {
		st.queue.clear()
	}
}

// ActiveStreams reports how many streams are currently registered.
func (r *Relay) ActiveStreams() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.streams)
}

// CloseAll tears down every active stream and stops accepting new ones. Used
// on process shutdown.
func (r *Relay) CloseAll() {
	r.mu.Lock()
	r.closed = true
	streams := make([]*stream, 0, len(r.streams))
	for _, st := range r.streams {
		streams = append(streams, st)
	}
	r.mu.Unlock()

	var g errgroup.Group
	for _, st := range streams {
		g.Go(func() error {
			st.conn.Close(websocket.StatusGoingAway, "relay shutting down")
			r.teardown(st)
			return nil
		})
	}
	_ = g.Wait()
}

func (r *Relay) lookup(streamID string) *stream {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.streams[streamID]
}

// ── stream helpers ───────────────────────────────────────────────────────────

// beginEnding transitions the stream to ENDING unless it is already ending or
// closed. Reports whether this call won the transition.
func (st *stream) beginEnding() bool {
	for {
		cur := st.state.Load()
		if streamState(cur) == stateEnding || streamState(cur) == stateClosed {
			return false
		}
		if st.state.CompareAndSwap(cur, int32(stateEnding)) {
			return true
		}
	}
}

func (st *stream) writeMedia(chunk []byte) error {
	return st.writeFrame(telephonyFrame{
		Event:     eventMedia,
		StreamSid: st.streamID,
		Media:     &mediaFrame{Payload: base64.StdEncoding.EncodeToString(chunk)},
	})
}

func (st *stream) writeMark(name string) error {
	return st.writeFrame(telephonyFrame{
		Event:     eventMark,
		StreamSid: st.streamID,
		Mark:      &markFrame{Name: name},
	})
}

func (st *stream) writeClear() error {
	return st.writeFrame(telephonyFrame{
		Event:     eventClear,
		StreamSid: st.streamID,
	})
}

func (st *stream) writeFrame(frame telephonyFrame) error {
	data, err := json.Marshal(frame)
	if err != nil {
		return fmt.Errorf("relay: marshal %s frame: %w", frame.Event, err)
	}
	return st.conn.Write(st.ctx, websocket.MessageText, data)
}
