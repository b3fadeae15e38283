// Package voice defines the shared contracts of the audio bridge: the
// transcript model, the call-record lookup consulted when a telephony stream
// starts, and the two kinds of engine sessions a stream can be wired to.
//
// The media relay consumes these interfaces; pkg/realtime and pkg/transcribe
// provide the production implementations, and the mock subpackage provides
// scripted doubles for tests. Keeping the contracts in one leaf package lets
// implementations assert conformance at compile time without importing the
// relay.
package voice

import (
	"context"
	"time"
)

// Role identifies which party produced a transcript utterance.
type Role string

const (
	// RoleUser is the human caller on the telephony leg.
	RoleUser Role = "user"
	// RoleAssistant is the speech engine's synthesized agent.
	RoleAssistant Role = "assistant"
)

// IsValid reports whether the role is one of the defined constants.
func (r Role) IsValid() bool {
	return r == RoleUser || r == RoleAssistant
}

// TranscriptEntry is one completed utterance of a conversation. Entries are
// appended in the order the engine finalizes them, which is chronological
// per role but may interleave between roles.
type TranscriptEntry struct {
	// Role is the speaking party.
	Role Role
	// Text is the engine-finalized utterance text, never a partial.
	Text string
	// Timestamp is the wall-clock time the utterance was recorded.
	Timestamp time.Time
}

// CallInstructions is the per-call configuration returned by a call-record
// lookup. Its presence selects conversational mode for a stream; absence
// selects fallback transcription mode.
type CallInstructions struct {
	// Instructions is the system prompt handed to the speech engine.
	Instructions string
	// Voice optionally overrides the engine's default synthesis voice.
	// Empty means use the default.
	Voice string
}

// StreamAuth carries the identity material a telephony stream presents in
// its start frame.
type StreamAuth struct {
	// CallID is the telephony provider's call identifier (callSid).
	CallID string
	// StreamID is the media stream identifier (streamSid).
	StreamID string
	// Token is the optional per-call token from the stream's custom
	// parameters. Empty when the dial plan did not set one.
	Token string
}

// CallDirectory is the call-record lookup the relay consults when a stream
// announces itself. Implementations must be safe for concurrent use; the
// relay invokes them from per-connection goroutines.
//
// Errors are treated conservatively: a failing Accept rejects the stream and
// a failing Instructions lookup falls back to transcription mode.
type CallDirectory interface {
	// Accept decides whether the announced stream belongs to a known,
	// authorized call.
	Accept(ctx context.Context, auth StreamAuth) (bool, error)

	// Instructions returns the per-call instruction set. The boolean is
	// false when no instructions exist for the call, which is a valid
	// state, not an error.
	Instructions(ctx context.Context, callID string) (CallInstructions, bool, error)
}

// ConversationSession is one bidirectional speech-to-speech conversation
// with the engine. Implementations are created unconnected so handlers can
// be registered before Connect.
//
// Handler registration follows a one-slot, last-registration-wins rule and
// may be called at any time. Handlers are invoked sequentially from the
// session's receive goroutine; a slow handler delays subsequent events.
type ConversationSession interface {
	// Connect establishes the engine connection and blocks until the
	// engine has confirmed the session configuration. Audio sent before
	// Connect returns is dropped.
	Connect(ctx context.Context) error

	// SendAudio forwards one codec-fixed audio chunk to the engine. It is
	// a silent no-op unless the session is connected and neither closed
	// nor hanging up.
	SendAudio(chunk []byte)

	// TriggerResponse asks the engine to produce a response now. Used
	// once after Connect so the agent speaks first.
	TriggerResponse()

	// OnAudio registers the handler for synthesized audio chunks. Chunks
	// are in the same fixed codec and must be forwarded verbatim.
	OnAudio(fn func(chunk []byte))

	// OnSpeechStarted registers the handler fired when the engine detects
	// the caller speaking, the barge-in signal.
	OnSpeechStarted(fn func())

	// OnTranscript registers the handler for completed utterances.
	OnTranscript(fn func(entry TranscriptEntry))

	// OnHangup registers the handler fired, at most once per session,
	// when the engine invokes its end-call capability.
	OnHangup(fn func())

	// Transcript returns a defensive copy of all utterances so far, in
	// append order. Callable at any point of the session lifecycle.
	Transcript() []TranscriptEntry

	// Close tears the session down. It is idempotent and releases any
	// in-flight Connect waiter.
	Close() error
}

// TranscriptionSession is one streaming speech-to-text session, used for
// streams with no call instructions. It mirrors ConversationSession's
// lifecycle discipline but accumulates nothing and has no hangup concept.
type TranscriptionSession interface {
	// Connect establishes the engine connection.
	Connect(ctx context.Context) error

	// SendAudio forwards one codec-fixed audio chunk. Silent no-op before
	// Connect and after Close.
	SendAudio(chunk []byte)

	// OnPartial registers the handler for interim transcripts.
	OnPartial(fn func(text string))

	// OnFinal registers the handler for finalized transcripts.
	OnFinal(fn func(text string))

	// OnSpeechStarted registers the handler for voice-activity onsets.
	OnSpeechStarted(fn func())

	// Close tears the session down, flushing any buffered audio. Idempotent.
	Close() error
}
