package relay

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/P0rt/agent-server/pkg/voice"
	"github.com/P0rt/agent-server/pkg/voice/mock"
)

// convFactoryCall records one invocation of the conversation session factory.
type convFactoryCall struct {
	callID string
	inst   voice.CallInstructions
}

// harness bundles a relay under test with scripted collaborators and signal
// channels fed by the relay's hooks. The channels double as synchronization
// points: a mock field is safe to read once the hook that follows its write
// has been received.
type harness struct {
	relay *Relay
	srv   *httptest.Server

	dir   *mock.Directory
	conv  *mock.Conversation
	trans *mock.Transcriber

	convBuilt  chan convFactoryCall
	transBuilt chan string

	connected   chan string
	speech      chan string
	partials    chan string
	finals      chan string
	completed   chan []voice.TranscriptEntry
	disconnects chan string
}

func newHarness(t *testing.T, opts ...Option) *harness {
	t.Helper()
	h := &harness{
		dir:         &mock.Directory{},
		conv:        &mock.Conversation{},
		trans:       &mock.Transcriber{},
		convBuilt:   make(chan convFactoryCall, 4),
		transBuilt:  make(chan string, 4),
		connected:   make(chan string, 4),
		speech:      make(chan string, 4),
		partials:    make(chan string, 4),
		finals:      make(chan string, 4),
		completed:   make(chan []voice.TranscriptEntry, 4),
		disconnects: make(chan string, 4),
	}

	r, err := New(Config{
		Directory: h.dir,
		NewConversation: func(callID string, inst voice.CallInstructions) voice.ConversationSession {
			h.convBuilt <- convFactoryCall{callID: callID, inst: inst}
			return h.conv
		},
		NewTranscriber: func(callID string) voice.TranscriptionSession {
			h.transBuilt <- callID
			return h.trans
		},
		Hooks: Hooks{
			OnConnect:           func(_, streamID string) { h.connected <- streamID },
			OnSpeechStart:       func(callID string) { h.speech <- callID },
			OnTranscript:        func(_, text string) { h.finals <- text },
			OnPartialTranscript: func(_, text string) { h.partials <- text },
			OnCallComplete:      func(_ string, tr []voice.TranscriptEntry) { h.completed <- tr },
			OnDisconnect:        func(_, streamID string) { h.disconnects <- streamID },
		},
	}, opts...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	h.relay = r

	h.srv = httptest.NewServer(http.HandlerFunc(r.HandleUpgrade))
	t.Cleanup(h.srv.Close)
	return h
}

// withInstructions records call instructions so the next stream for callID
// lands in conversational mode.
func (h *harness) withInstructions(callID string, inst voice.CallInstructions) {
	h.dir.InstructionsByCall = map[string]voice.CallInstructions{callID: inst}
}

// dial opens a client connection playing the telephony side.
func (h *harness) dial(t *testing.T) *websocket.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(h.srv.URL, "http"), nil)
	if err != nil {
		t.Fatalf("dial relay: %v", err)
	}
	t.Cleanup(func() { conn.Close(websocket.StatusNormalClosure, "test finished") })
	return conn
}

func writeWire(t *testing.T, conn *websocket.Conn, frame telephonyFrame) {
	t.Helper()
	data, err := json.Marshal(frame)
	if err != nil {
		t.Fatalf("marshal %s frame: %v", frame.Event, err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		t.Fatalf("write %s frame: %v", frame.Event, err)
	}
}

func sendStart(t *testing.T, conn *websocket.Conn, callSid, streamSid string, params map[string]string) {
	t.Helper()
	writeWire(t, conn, telephonyFrame{
		Event:     eventStart,
		StreamSid: streamSid,
		Start: &startFrame{
			CallSid:          callSid,
			StreamSid:        streamSid,
			CustomParameters: params,
			MediaFormat:      &mediaFormat{Encoding: "audio/x-mulaw", SampleRate: 8000, Channels: 1},
		},
	})
}

func sendMedia(t *testing.T, conn *websocket.Conn, streamSid string, chunk []byte) {
	t.Helper()
	writeWire(t, conn, telephonyFrame{
		Event:     eventMedia,
		StreamSid: streamSid,
		Media:     &mediaFrame{Payload: base64.StdEncoding.EncodeToString(chunk)},
	})
}

func sendStop(t *testing.T, conn *websocket.Conn, callSid, streamSid string) {
	t.Helper()
	writeWire(t, conn, telephonyFrame{
		Event:     eventStop,
		StreamSid: streamSid,
		Stop:      &stopFrame{CallSid: callSid},
	})
}

// readWire reads and decodes the next frame the relay wrote to the telephony
// side.
func readWire(t *testing.T, conn *websocket.Conn) telephonyFrame {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("read frame: %v", err)
	}
	var frame telephonyFrame
	if err := json.Unmarshal(data, &frame); err != nil {
		t.Fatalf("unmarshal frame: %v", err)
	}
	return frame
}

// awaitClose reads until the connection closes and returns the close status.
func awaitClose(t *testing.T, conn *websocket.Conn) websocket.StatusCode {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	for {
		if _, _, err := conn.Read(ctx); err != nil {
			return websocket.CloseStatus(err)
		}
	}
}

// waitSignal receives one value from ch or fails the test after a timeout.
func waitSignal[T any](t *testing.T, ch <-chan T, what string) T {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(3 * time.Second):
		t.Fatalf("timed out waiting for %s", what)
		panic("unreachable")
	}
}

// expectQuiet asserts that ch stays silent long enough to rule out a stray
// signal.
func expectQuiet[T any](t *testing.T, ch <-chan T, what string) {
	t.Helper()
	select {
	case v := <-ch:
		t.Fatalf("unexpected %s: %v", what, v)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestNew_RequiresCollaborators(t *testing.T) {
	dir := &mock.Directory{}
	newConv := func(string, voice.CallInstructions) voice.ConversationSession { return &mock.Conversation{} }
	newTrans := func(string) voice.TranscriptionSession { return &mock.Transcriber{} }

	cases := []struct {
		name string
		cfg  Config
	}{
		{"missing directory", Config{NewConversation: newConv, NewTranscriber: newTrans}},
		{"missing conversation factory", Config{Directory: dir, NewTranscriber: newTrans}},
		{"missing transcriber factory", Config{Directory: dir, NewConversation: newConv}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := New(tc.cfg); err == nil {
				t.Error("New accepted an incomplete config")
			}
		})
	}
}

func TestConversationalStream_GreetsAfterConnect(t *testing.T) {
	h := newHarness(t)
	h.withInstructions("CA100", voice.CallInstructions{Instructions: "be a helpful receptionist", Voice: "alloy"})

	gate := make(chan struct{})
	h.conv.ConnectGate = gate
	h.conv.TriggerResponseSignal = make(chan struct{}, 1)

	conn := h.dial(t)
	sendStart(t, conn, "CA100", "MS100", nil)
	waitSignal(t, h.connected, "connect hook")

	built := waitSignal(t, h.convBuilt, "conversation factory")
	if built.callID != "CA100" {
		t.Errorf("factory call ID = %q, want %q", built.callID, "CA100")
	}
	if built.inst.Instructions != "be a helpful receptionist" || built.inst.Voice != "alloy" {
		t.Errorf("factory instructions = %+v", built.inst)
	}

	// The greeting must wait for the engine to confirm the session.
	expectQuiet(t, h.conv.TriggerResponseSignal, "response trigger before connect")

	close(gate)
	waitSignal(t, h.conv.TriggerResponseSignal, "response trigger")
}

func TestFallbackStream_UsesTranscriber(t *testing.T) {
	h := newHarness(t)
	// No instructions recorded for the call.

	conn := h.dial(t)
	sendStart(t, conn, "CA200", "MS200", nil)
	waitSignal(t, h.connected, "connect hook")

	if got := waitSignal(t, h.transBuilt, "transcriber factory"); got != "CA200" {
		t.Errorf("factory call ID = %q, want %q", got, "CA200")
	}
	expectQuiet(t, h.convBuilt, "conversation factory call")
}

func TestInstructionLookupFailure_FallsBackToTranscription(t *testing.T) {
	h := newHarness(t)
	h.withInstructions("CA300", voice.CallInstructions{Instructions: "unreachable"})
	h.dir.InstructionsErr = errors.New("directory down")

	conn := h.dial(t)
	sendStart(t, conn, "CA300", "MS300", nil)
	waitSignal(t, h.connected, "connect hook")

	waitSignal(t, h.transBuilt, "transcriber factory")
	expectQuiet(t, h.convBuilt, "conversation factory call")
}

func TestRejection_MissingCallSid(t *testing.T) {
	h := newHarness(t)
	conn := h.dial(t)

	writeWire(t, conn, telephonyFrame{
		Event:     eventStart,
		StreamSid: "MS400",
		Start:     &startFrame{StreamSid: "MS400"},
	})

	if got := awaitClose(t, conn); got != websocket.StatusUnsupportedData {
		t.Errorf("close status = %v, want %v", got, websocket.StatusUnsupportedData)
	}
	expectQuiet(t, h.connected, "connect hook")
	if n := h.relay.ActiveStreams(); n != 0 {
		t.Errorf("active streams = %d, want 0", n)
	}
}

func TestRejection_Unauthorized(t *testing.T) {
	h := newHarness(t)
	auths := make(chan voice.StreamAuth, 1)
	h.dir.AcceptFn = func(auth voice.StreamAuth) (bool, error) {
		auths <- auth
		return false, nil
	}

	conn := h.dial(t)
	sendStart(t, conn, "CA500", "MS500", map[string]string{"token": "wrong"})

	if got := awaitClose(t, conn); got != websocket.StatusPolicyViolation {
		t.Errorf("close status = %v, want %v", got, websocket.StatusPolicyViolation)
	}

	auth := waitSignal(t, auths, "accept lookup")
	if auth.CallID != "CA500" || auth.StreamID != "MS500" || auth.Token != "wrong" {
		t.Errorf("accept auth = %+v", auth)
	}
	expectQuiet(t, h.connected, "connect hook")
	if n := h.relay.ActiveStreams(); n != 0 {
		t.Errorf("active streams = %d, want 0", n)
	}
}

func TestRejection_DirectoryError(t *testing.T) {
	h := newHarness(t)
	h.dir.AcceptFn = func(voice.StreamAuth) (bool, error) {
		return false, errors.New("backend unavailable")
	}

	conn := h.dial(t)
	sendStart(t, conn, "CA600", "MS600", nil)

	if got := awaitClose(t, conn); got != websocket.StatusInternalError {
		t.Errorf("close status = %v, want %v", got, websocket.StatusInternalError)
	}
	expectQuiet(t, h.connected, "connect hook")
}

func TestCallerAudio_ForwardedToEngine(t *testing.T) {
	h := newHarness(t)
	h.withInstructions("CA700", voice.CallInstructions{Instructions: "hi"})

	conn := h.dial(t)
	sendStart(t, conn, "CA700", "MS700", nil)
	waitSignal(t, h.connected, "connect hook")

	chunk := []byte{0x7f, 0x00, 0xff, 0x10}
	sendMedia(t, conn, "MS700", chunk)
	sendStop(t, conn, "CA700", "MS700")
	waitSignal(t, h.disconnects, "disconnect hook")

	if len(h.conv.SendAudioCalls) != 1 {
		t.Fatalf("engine received %d chunks, want 1", len(h.conv.SendAudioCalls))
	}
	if !bytes.Equal(h.conv.SendAudioCalls[0], chunk) {
		t.Errorf("forwarded chunk = %v, want %v", h.conv.SendAudioCalls[0], chunk)
	}
}

func TestUndecodableMedia_Dropped(t *testing.T) {
	h := newHarness(t)
	conn := h.dial(t)
	sendStart(t, conn, "CA710", "MS710", nil)
	waitSignal(t, h.connected, "connect hook")

	writeWire(t, conn, telephonyFrame{
		Event:     eventMedia,
		StreamSid: "MS710",
		Media:     &mediaFrame{Payload: "not base64!!!"},
	})
	sendStop(t, conn, "CA710", "MS710")
	waitSignal(t, h.disconnects, "disconnect hook")

	if n := len(h.trans.SendAudioCalls); n != 0 {
		t.Errorf("engine received %d chunks, want 0", n)
	}
}

func TestMediaBeforeStart_Dropped(t *testing.T) {
	h := newHarness(t)
	conn := h.dial(t)

	sendMedia(t, conn, "MS800", []byte{0x01})
	sendStart(t, conn, "CA800", "MS800", nil)
	waitSignal(t, h.connected, "connect hook")

	sendStop(t, conn, "CA800", "MS800")
	waitSignal(t, h.disconnects, "disconnect hook")

	if n := len(h.trans.SendAudioCalls); n != 0 {
		t.Errorf("engine received %d chunks, want 0", n)
	}
}

func TestEngineAudio_WrittenAsMediaFrames(t *testing.T) {
	h := newHarness(t)
	h.withInstructions("CA900", voice.CallInstructions{Instructions: "hi"})

	conn := h.dial(t)
	sendStart(t, conn, "CA900", "MS900", nil)
	waitSignal(t, h.connected, "connect hook")

	chunk := []byte{0xfe, 0xed, 0x00}
	h.conv.EmitAudio(chunk)

	frame := readWire(t, conn)
	if frame.Event != eventMedia {
		t.Fatalf("frame event = %q, want %q", frame.Event, eventMedia)
	}
	if frame.StreamSid != "MS900" {
		t.Errorf("frame stream sid = %q, want %q", frame.StreamSid, "MS900")
	}
	if frame.Media == nil {
		t.Fatal("media frame missing payload")
	}
	raw, err := base64.StdEncoding.DecodeString(frame.Media.Payload)
	if err != nil {
		t.Fatalf("payload not base64: %v", err)
	}
	if !bytes.Equal(raw, chunk) {
		t.Errorf("payload = %v, want %v", raw, chunk)
	}
}

func TestBargeIn_ClearPrecedesLaterAudio(t *testing.T) {
	h := newHarness(t)
	h.withInstructions("CA1000", voice.CallInstructions{Instructions: "hi"})

	conn := h.dial(t)
	sendStart(t, conn, "CA1000", "MS1000", nil)
	waitSignal(t, h.connected, "connect hook")

	// Both events arrive on the session's receive goroutine, so the clear
	// frame must hit the wire before any audio that follows the barge-in.
	h.conv.EmitSpeechStarted()
	h.conv.EmitAudio([]byte{0xab})

	first := readWire(t, conn)
	if first.Event != eventClear {
		t.Fatalf("first frame = %q, want %q", first.Event, eventClear)
	}
	second := readWire(t, conn)
	if second.Event != eventMedia {
		t.Fatalf("second frame = %q, want %q", second.Event, eventMedia)
	}

	if got := waitSignal(t, h.speech, "speech start hook"); got != "CA1000" {
		t.Errorf("speech hook call ID = %q, want %q", got, "CA1000")
	}
}

func TestConversationTranscripts_StayInternal(t *testing.T) {
	h := newHarness(t)
	h.withInstructions("CA1100", voice.CallInstructions{Instructions: "hi"})

	conn := h.dial(t)
	sendStart(t, conn, "CA1100", "MS1100", nil)
	waitSignal(t, h.connected, "connect hook")

	h.conv.EmitTranscript(voice.TranscriptEntry{Role: voice.RoleUser, Text: "hello"})

	// Per-utterance hooks are a transcription-mode surface; conversational
	// transcripts arrive once, at completion.
	expectQuiet(t, h.finals, "final transcript hook")
	expectQuiet(t, h.partials, "partial transcript hook")
}

func TestFallbackWiring_EmitsHooks(t *testing.T) {
	h := newHarness(t)
	conn := h.dial(t)
	sendStart(t, conn, "CA1200", "MS1200", nil)
	waitSignal(t, h.connected, "connect hook")

	h.trans.EmitSpeechStarted()
	if got := waitSignal(t, h.speech, "speech start hook"); got != "CA1200" {
		t.Errorf("speech hook call ID = %q, want %q", got, "CA1200")
	}

	h.trans.EmitPartial("one tw")
	if got := waitSignal(t, h.partials, "partial transcript hook"); got != "one tw" {
		t.Errorf("partial = %q, want %q", got, "one tw")
	}

	h.trans.EmitFinal("one two")
	if got := waitSignal(t, h.finals, "final transcript hook"); got != "one two" {
		t.Errorf("final = %q, want %q", got, "one two")
	}
}

func TestStop_TearsDownOnce(t *testing.T) {
	h := newHarness(t)
	h.withInstructions("CA1300", voice.CallInstructions{Instructions: "hi"})
	h.conv.TranscriptEntries = []voice.TranscriptEntry{
		{Role: voice.RoleAssistant, Text: "hello, how can I help?"},
		{Role: voice.RoleUser, Text: "what are your opening hours?"},
	}

	conn := h.dial(t)
	sendStart(t, conn, "CA1300", "MS1300", nil)
	waitSignal(t, h.connected, "connect hook")
	if n := h.relay.ActiveStreams(); n != 1 {
		t.Fatalf("active streams = %d, want 1", n)
	}

	sendStop(t, conn, "CA1300", "MS1300")

	transcript := waitSignal(t, h.completed, "call complete hook")
	if len(transcript) != 2 || transcript[1].Text != "what are your opening hours?" {
		t.Errorf("completion transcript = %+v", transcript)
	}
	if got := waitSignal(t, h.disconnects, "disconnect hook"); got != "MS1300" {
		t.Errorf("disconnect stream = %q, want %q", got, "MS1300")
	}
	if h.conv.CloseCalls != 1 {
		t.Errorf("session close calls = %d, want 1", h.conv.CloseCalls)
	}
	if n := h.relay.ActiveStreams(); n != 0 {
		t.Errorf("active streams = %d, want 0", n)
	}
	expectQuiet(t, h.completed, "second completion")

	if got := awaitClose(t, conn); got != websocket.StatusNormalClosure {
		t.Errorf("close status = %v, want %v", got, websocket.StatusNormalClosure)
	}
}

func TestEmptyConversation_StillCompletes(t *testing.T) {
	h := newHarness(t)
	h.withInstructions("CA1400", voice.CallInstructions{Instructions: "hi"})

	conn := h.dial(t)
	sendStart(t, conn, "CA1400", "MS1400", nil)
	waitSignal(t, h.connected, "connect hook")
	sendStop(t, conn, "CA1400", "MS1400")

	transcript := waitSignal(t, h.completed, "call complete hook")
	if len(transcript) != 0 {
		t.Errorf("transcript = %+v, want empty", transcript)
	}
}

func TestFallbackStop_NoCompletionHook(t *testing.T) {
	h := newHarness(t)
	conn := h.dial(t)
	sendStart(t, conn, "CA1500", "MS1500", nil)
	waitSignal(t, h.connected, "connect hook")
	sendStop(t, conn, "CA1500", "MS1500")

	waitSignal(t, h.disconnects, "disconnect hook")
	if h.trans.CloseCalls != 1 {
		t.Errorf("transcriber close calls = %d, want 1", h.trans.CloseCalls)
	}
	expectQuiet(t, h.completed, "call complete hook")
}

func TestHangup_ClosesAfterGrace(t *testing.T) {
	h := newHarness(t, WithHangupGrace(30*time.Millisecond))
	h.withInstructions("CA1600", voice.CallInstructions{Instructions: "hi"})

	conn := h.dial(t)
	sendStart(t, conn, "CA1600", "MS1600", nil)
	waitSignal(t, h.connected, "connect hook")

	h.conv.EmitHangup()
	h.conv.EmitHangup() // repeat signals are ignored

	if got := awaitClose(t, conn); got != websocket.StatusNormalClosure {
		t.Errorf("close status = %v, want %v", got, websocket.StatusNormalClosure)
	}
	waitSignal(t, h.completed, "call complete hook")
	waitSignal(t, h.disconnects, "disconnect hook")
	expectQuiet(t, h.completed, "second completion")
}

func TestEngineConnectFailure_CallSurvives(t *testing.T) {
	h := newHarness(t)
	h.withInstructions("CA1700", voice.CallInstructions{Instructions: "hi"})
	h.conv.ConnectErr = errors.New("engine unreachable")
	h.conv.TriggerResponseSignal = make(chan struct{}, 1)

	conn := h.dial(t)
	sendStart(t, conn, "CA1700", "MS1700", nil)
	waitSignal(t, h.connected, "connect hook")

	// No greeting on a failed session, and the stream stays registered.
	expectQuiet(t, h.conv.TriggerResponseSignal, "response trigger")
	if n := h.relay.ActiveStreams(); n != 1 {
		t.Fatalf("active streams = %d, want 1", n)
	}

	sendMedia(t, conn, "MS1700", []byte{0x42})
	sendStop(t, conn, "CA1700", "MS1700")

	waitSignal(t, h.completed, "call complete hook")
	if len(h.conv.SendAudioCalls) != 1 {
		t.Errorf("engine received %d chunks, want 1", len(h.conv.SendAudioCalls))
	}
}

func TestDuplicateStart_Ignored(t *testing.T) {
	h := newHarness(t)
	conn := h.dial(t)

	sendStart(t, conn, "CA1800", "MS1800", nil)
	waitSignal(t, h.connected, "connect hook")
	waitSignal(t, h.transBuilt, "transcriber factory")

	sendStart(t, conn, "CA1801", "MS1801", nil)
	sendStop(t, conn, "CA1800", "MS1800")
	waitSignal(t, h.disconnects, "disconnect hook")

	expectQuiet(t, h.connected, "second connect hook")
	expectQuiet(t, h.transBuilt, "second factory call")
}

func TestCloseAll_EvictsStreamsAndRefusesNew(t *testing.T) {
	h := newHarness(t)
	conn := h.dial(t)
	sendStart(t, conn, "CA1900", "MS1900", nil)
	waitSignal(t, h.connected, "connect hook")

	h.relay.CloseAll()

	if got := awaitClose(t, conn); got != websocket.StatusGoingAway {
		t.Errorf("close status = %v, want %v", got, websocket.StatusGoingAway)
	}
	waitSignal(t, h.disconnects, "disconnect hook")
	if n := h.relay.ActiveStreams(); n != 0 {
		t.Errorf("active streams = %d, want 0", n)
	}

	// New upgrades are refused while shut down.
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	_, resp, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(h.srv.URL, "http"), nil)
	if err == nil {
		t.Fatal("dial succeeded against a shut-down relay")
	}
	if resp != nil && resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("handshake status = %d, want %d", resp.StatusCode, http.StatusServiceUnavailable)
	}
}

func TestTeardown_ExactlyOnceUnderRacingStopAndShutdown(t *testing.T) {
	h := newHarness(t)
	h.withInstructions("CA2000", voice.CallInstructions{Instructions: "hi"})

	conn := h.dial(t)
	sendStart(t, conn, "CA2000", "MS2000", nil)
	waitSignal(t, h.connected, "connect hook")

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		data, _ := json.Marshal(telephonyFrame{
			Event:     eventStop,
			StreamSid: "MS2000",
			Stop:      &stopFrame{CallSid: "CA2000"},
		})
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		// The socket may already be closing; a failed write is part of
		// the race under test.
		_ = conn.Write(ctx, websocket.MessageText, data)
	}()
	go func() {
		defer wg.Done()
		h.relay.CloseAll()
	}()
	wg.Wait()

	waitSignal(t, h.completed, "call complete hook")
	waitSignal(t, h.disconnects, "disconnect hook")
	expectQuiet(t, h.completed, "second completion")
	expectQuiet(t, h.disconnects, "second disconnect")
	if h.conv.CloseCalls != 1 {
		t.Errorf("session close calls = %d, want 1", h.conv.CloseCalls)
	}
}

func TestQueueAudio_UnknownStream(t *testing.T) {
	h := newHarness(t)

	res := h.relay.QueueAudio("missing", func(ctx context.Context) error {
		t.Error("task ran for an unknown stream")
		return nil
	})
	if err := awaitResult(t, res); !errors.Is(err, ErrUnknownStream) {
		t.Errorf("result = %v, want %v", err, ErrUnknownStream)
	}
}

func TestQueueAudio_RunsOnLiveStream(t *testing.T) {
	h := newHarness(t)
	conn := h.dial(t)
	sendStart(t, conn, "CA2100", "MS2100", nil)
	waitSignal(t, h.connected, "connect hook")

	res := h.relay.QueueAudio("MS2100", func(ctx context.Context) error {
		h.relay.SendAudio("MS2100", []byte{0x05, 0x06})
		return nil
	})
	if err := awaitResult(t, res); err != nil {
		t.Fatalf("queued task result = %v, want nil", err)
	}

	frame := readWire(t, conn)
	if frame.Event != eventMedia {
		t.Errorf("frame event = %q, want %q", frame.Event, eventMedia)
	}
}

func TestClearQueue_CancelsInFlightTask(t *testing.T) {
	h := newHarness(t)
	conn := h.dial(t)
	sendStart(t, conn, "CA2200", "MS2200", nil)
	waitSignal(t, h.connected, "connect hook")

	started := make(chan struct{})
	res := h.relay.QueueAudio("MS2200", func(ctx context.Context) error {
		close(started)
		<-ctx.Done()
		return ctx.Err()
	})
	waitSignal(t, started, "task start")

	h.relay.ClearQueue("MS2200")
	if err := awaitResult(t, res); err != nil {
		t.Errorf("cancelled task result = %v, want nil", err)
	}
}

func TestConsumerWrites_ReachTheSocket(t *testing.T) {
	h := newHarness(t)
	conn := h.dial(t)
	sendStart(t, conn, "CA2300", "MS2300", nil)
	waitSignal(t, h.connected, "connect hook")

	h.relay.SendAudio("MS2300", []byte{0x11})
	h.relay.SendMark("MS2300", "farewell-done")
	h.relay.ClearAudio("MS2300")

	media := readWire(t, conn)
	if media.Event != eventMedia {
		t.Fatalf("first frame = %q, want %q", media.Event, eventMedia)
	}
	mark := readWire(t, conn)
	if mark.Event != eventMark || mark.Mark == nil || mark.Mark.Name != "farewell-done" {
		t.Fatalf("second frame = %+v, want mark %q", mark, "farewell-done")
	}
	flush := readWire(t, conn)
	if flush.Event != eventClear {
		t.Fatalf("third frame = %q, want %q", flush.Event, eventClear)
	}

	// Unknown streams are a silent no-op.
	h.relay.SendAudio("missing", []byte{0x22})
	h.relay.SendMark("missing", "x")
	h.relay.ClearAudio("missing")
}

func TestConsumerWrites_AfterTeardownAreNoOps(t *testing.T) {
	h := newHarness(t)
	conn := h.dial(t)
	sendStart(t, conn, "CA2400", "MS2400", nil)
	waitSignal(t, h.connected, "connect hook")
	sendStop(t, conn, "CA2400", "MS2400")
	waitSignal(t, h.disconnects, "disconnect hook")

	h.relay.SendAudio("MS2400", []byte{0x33})
	h.relay.SendMark("MS2400", "late")

	res := h.relay.QueueAudio("MS2400", func(ctx context.Context) error { return nil })
	if err := awaitResult(t, res); !errors.Is(err, ErrUnknownStream) {
		t.Errorf("result = %v, want %v", err, ErrUnknownStream)
	}
}
