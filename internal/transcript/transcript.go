// Package transcript persists the transcripts of finished conversational
// calls. The relay hands a completed call's entries to a [Recorder] exactly
// once, at stream teardown; only text is retained, never audio.
package transcript

import (
	"context"
	"log/slog"

	"github.com/P0rt/agent-server/pkg/voice"
)

// Recorder stores the complete transcript of one finished call.
//
// Implementations must be safe for concurrent use; the relay invokes them
// from per-stream teardown goroutines.
type Recorder interface {
	// Record persists all entries for the given call. Entries arrive in
	// engine finalization order and may be empty when the caller hung up
	// before any utterance completed.
	Record(ctx context.Context, callID string, entries []voice.TranscriptEntry) error
}

// Log is a [Recorder] that writes transcripts to the log only. It is what
// the server falls back to when no durable store is configured.
type Log struct{}

// Compile-time interface check.
var _ Recorder = Log{}

// Record emits one summary line per call and one debug line per utterance.
// It never fails.
func (Log) Record(_ context.Context, callID string, entries []voice.TranscriptEntry) error {
	slog.Info("transcript: call finished", "call_sid", callID, "utterances", len(entries))
	for i, e := range entries {
		slog.Debug("transcript: utterance",
			"call_sid", callID, "seq", i, "role", string(e.Role), "text", e.Text)
	}
	return nil
}
