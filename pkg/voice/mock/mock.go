// Package mock provides test doubles for the voice package interfaces.
//
// Use Conversation and Transcriber to stand in for engine sessions and drive
// their event handlers from tests, and Directory to script call-record
// lookups. All doubles record the calls made against them.
//
// Example:
//
//	sess := &mock.Conversation{}
//	sess.OnAudio(nil) // relay wires handlers here
//	sess.EmitAudio([]byte{0xff}) // test drives the engine side
package mock

import (
	"context"
	"sync"

	"github.com/P0rt/agent-server/pkg/voice"
)

// Conversation is a mock implementation of voice.ConversationSession.
type Conversation struct {
	mu sync.Mutex

	// ConnectErr, if non-nil, is returned by Connect.
	ConnectErr error

	// ConnectGate, when non-nil, blocks Connect until the channel is
	// closed or the Connect context is done. Useful for asserting what
	// happens strictly before or after connection establishment.
	ConnectGate chan struct{}

	// TranscriptEntries is returned (copied) by Transcript.
	TranscriptEntries []voice.TranscriptEntry

	// TriggerResponseSignal, when non-nil, receives one value per
	// TriggerResponse call. Size the buffer for the expected call count so
	// the session user is never blocked.
	TriggerResponseSignal chan struct{}

	// CloseErr, if non-nil, is returned by every Close call.
	CloseErr error

	// ConnectCalls is the number of times Connect was invoked.
	ConnectCalls int

	// TriggerResponseCalls is the number of times TriggerResponse was invoked.
	TriggerResponseCalls int

	// CloseCalls is the number of times Close was invoked.
	CloseCalls int

	// SendAudioCalls records a copy of every chunk passed to SendAudio, in order.
	SendAudioCalls [][]byte

	onAudio         func([]byte)
	onSpeechStarted func()
	onTranscript    func(voice.TranscriptEntry)
	onHangup        func()
}

// Connect records the call, waits on ConnectGate when set, and returns ConnectErr.
func (c *Conversation) Connect(ctx context.Context) error {
	c.mu.Lock()
	c.ConnectCalls++
	gate := c.ConnectGate
	err := c.ConnectErr
	c.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return err
}

// SendAudio records a copy of chunk.
func (c *Conversation) SendAudio(chunk []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	cp := make([]byte, len(chunk))
	copy(cp, chunk)
	c.SendAudioCalls = append(c.SendAudioCalls, cp)
}

// TriggerResponse records the call and notifies TriggerResponseSignal.
func (c *Conversation) TriggerResponse() {
	c.mu.Lock()
	c.TriggerResponseCalls++
	ch := c.TriggerResponseSignal
	c.mu.Unlock()
	if ch != nil {
		ch <- struct{}{}
	}
}

// OnAudio stores the handler.
func (c *Conversation) OnAudio(fn func(chunk []byte)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onAudio = fn
}

// OnSpeechStarted stores the handler.
func (c *Conversation) OnSpeechStarted(fn func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onSpeechStarted = fn
}

// OnTranscript stores the handler.
func (c *Conversation) OnTranscript(fn func(entry voice.TranscriptEntry)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onTranscript = fn
}

// OnHangup stores the handler.
func (c *Conversation) OnHangup(fn func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onHangup = fn
}

// Transcript returns a copy of TranscriptEntries.
func (c *Conversation) Transcript() []voice.TranscriptEntry {
	c.mu.Lock()
	defer c.mu.Unlock()
	cp := make([]voice.TranscriptEntry, len(c.TranscriptEntries))
	copy(cp, c.TranscriptEntries)
	return cp
}

// Close records the call and returns CloseErr.
func (c *Conversation) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.CloseCalls++
	return c.CloseErr
}

// EmitAudio invokes the registered audio handler, if any, with chunk.
func (c *Conversation) EmitAudio(chunk []byte) {
	c.mu.Lock()
	fn := c.onAudio
	c.mu.Unlock()
	if fn != nil {
		fn(chunk)
	}
}

// EmitSpeechStarted invokes the registered speech-started handler, if any.
func (c *Conversation) EmitSpeechStarted() {
	c.mu.Lock()
	fn := c.onSpeechStarted
	c.mu.Unlock()
	if fn != nil {
		fn()
	}
}

// EmitTranscript invokes the registered transcript handler, if any.
func (c *Conversation) EmitTranscript(entry voice.TranscriptEntry) {
	c.mu.Lock()
	fn := c.onTranscript
	c.mu.Unlock()
	if fn != nil {
		fn(entry)
	}
}

// EmitHangup invokes the registered hangup handler, if any.
func (c *Conversation) EmitHangup() {
	c.mu.Lock()
	fn := c.onHangup
	c.mu.Unlock()
	if fn != nil {
		fn()
	}
}

// Ensure Conversation implements voice.ConversationSession at compile time.
var _ voice.ConversationSession = (*Conversation)(nil)

// Transcriber is a mock implementation of voice.TranscriptionSession.
type Transcriber struct {
	mu sync.Mutex

	// ConnectErr, if non-nil, is returned by Connect.
	ConnectErr error

	// CloseErr, if non-nil, is returned by every Close call.
	CloseErr error

	// ConnectCalls is the number of times Connect was invoked.
	ConnectCalls int

	// CloseCalls is the number of times Close was invoked.
	CloseCalls int

	// SendAudioCalls records a copy of every chunk passed to SendAudio, in order.
	SendAudioCalls [][]byte

	onPartial       func(string)
	onFinal         func(string)
	onSpeechStarted func()
}

// Connect records the call and returns ConnectErr.
func (m *Transcriber) Connect(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ConnectCalls++
	return m.ConnectErr
}

// SendAudio records a copy of chunk.
func (m *Transcriber) SendAudio(chunk []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := make([]byte, len(chunk))
	copy(cp, chunk)
	m.SendAudioCalls = append(m.SendAudioCalls, cp)
}

// OnPartial stores the handler.
func (m *Transcriber) OnPartial(fn func(text string)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onPartial = fn
}

// OnFinal stores the handler.
func (m *Transcriber) OnFinal(fn func(text string)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onFinal = fn
}

// OnSpeechStarted stores the handler.
func (m *Transcriber) OnSpeechStarted(fn func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onSpeechStarted = fn
}

// Close records the call and returns CloseErr.
func (m *Transcriber) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.CloseCalls++
	return m.CloseErr
}

// EmitPartial invokes the registered partial-transcript handler, if any.
func (m *Transcriber) EmitPartial(text string) {
	m.mu.Lock()
	fn := m.onPartial
	m.mu.Unlock()
	if fn != nil {
		fn(text)
	}
}

// EmitFinal invokes the registered final-transcript handler, if any.
func (m *Transcriber) EmitFinal(text string) {
	m.mu.Lock()
	fn := m.onFinal
	m.mu.Unlock()
	if fn != nil {
		fn(text)
	}
}

// EmitSpeechStarted invokes the registered speech-started handler, if any.
func (m *Transcriber) EmitSpeechStarted() {
	m.mu.Lock()
	fn := m.onSpeechStarted
	m.mu.Unlock()
	if fn != nil {
		fn()
	}
}

// Ensure Transcriber implements voice.TranscriptionSession at compile time.
var _ voice.TranscriptionSession = (*Transcriber)(nil)

// AcceptCall records a single invocation of Directory.Accept.
type AcceptCall struct {
	// Auth is the StreamAuth passed to Accept.
	Auth voice.StreamAuth
}

// Directory is a mock implementation of voice.CallDirectory.
type Directory struct {
	mu sync.Mutex

	// AcceptFn, if non-nil, is consulted for every Accept call. When nil,
	// Accept returns true.
	AcceptFn func(auth voice.StreamAuth) (bool, error)

	// InstructionsByCall maps call IDs to instruction sets. Calls absent
	// from the map report no instructions.
	InstructionsByCall map[string]voice.CallInstructions

	// InstructionsErr, if non-nil, is returned by every Instructions call.
	InstructionsErr error

	// AcceptCalls records every call to Accept in order.
	AcceptCalls []AcceptCall

	// InstructionsCalls records the call ID of every Instructions call in order.
	InstructionsCalls []string
}

// Accept records the call and consults AcceptFn.
func (d *Directory) Accept(ctx context.Context, auth voice.StreamAuth) (bool, error) {
	d.mu.Lock()
	d.AcceptCalls = append(d.AcceptCalls, AcceptCall{Auth: auth})
	fn := d.AcceptFn
	d.mu.Unlock()
	if fn != nil {
		return fn(auth)
	}
	return true, nil
}

// Instructions records the call and looks up InstructionsByCall.
func (d *Directory) Instructions(ctx context.Context, callID string) (voice.CallInstructions, bool, error) {
	d.mu.Lock()
	d.InstructionsCalls = append(d.InstructionsCalls, callID)
	inst, ok := d.InstructionsByCall[callID]
	err := d.InstructionsErr
	d.mu.Unlock()
	if err != nil {
		return voice.CallInstructions{}, false, err
	}
	return inst, ok, nil
}

// Ensure Directory implements voice.CallDirectory at compile time.
var _ voice.CallDirectory = (*Directory)(nil)
