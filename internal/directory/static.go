// Package directory provides the call-record lookups that authorize telephony
// streams and supply per-call agent instructions. Static serves fixed or
// programmatically provisioned records from memory; Postgres backs the same
// contract with a call_instructions table.
package directory

import (
	"context"
	"sync"

	"github.com/P0rt/agent-server/pkg/voice"
)

// Record is one provisioned call. The zero value is a valid record: no token
// requirement and no instructions, meaning the call lands in transcription
// mode.
type Record struct {
	// Token, when set, must be presented by the stream's custom parameters.
	// It overrides the directory-wide shared token for this call.
	Token string

	// Instructions is the agent's system prompt. Empty selects fallback
	// transcription mode.
	Instructions string

	// Voice optionally overrides the engine's default synthesis voice.
	Voice string
}

// StaticConfig configures a [Static] directory. The zero value rejects every
// stream, since no calls are known and unknown calls are not allowed.
type StaticConfig struct {
	// Token is the shared secret expected from every stream that has no
	// per-call token. Empty disables the check.
	Token string

	// DefaultInstructions is applied to accepted calls whose record carries
	// no instructions of its own. Empty means such calls use transcription
	// mode.
	DefaultInstructions string

	// DefaultVoice accompanies DefaultInstructions.
	DefaultVoice string

	// AllowUnknown accepts streams for calls that have no record. The
	// shared token check still applies.
	AllowUnknown bool
}

// Static is an in-memory [voice.CallDirectory]. Safe for concurrent use.
type Static struct {
	cfg StaticConfig

	mu      sync.RWMutex
	records map[string]Record
}

var _ voice.CallDirectory = (*Static)(nil)

// NewStatic creates a Static directory.
func NewStatic(cfg StaticConfig) *Static {
	return &Static{
		cfg:     cfg,
		records: make(map[string]Record),
	}
}

// SetConfig replaces the directory-wide policy: shared token, instruction
// defaults and unknown-call acceptance. Provisioned records are kept. Used
// when the calls section of the configuration is hot-reloaded.
func (d *Static) SetConfig(cfg StaticConfig) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.cfg = cfg
}

// Put provisions or replaces the record for a call.
func (d *Static) Put(callID string, rec Record) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.records[callID] = rec
}

// Delete removes a call's record. Deleting an unknown call is a no-op.
func (d *Static) Delete(callID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.records, callID)
}

// Accept authorizes a stream: the call must be provisioned (or AllowUnknown
// set) and the stream's token must match the record's token, falling back to
// the shared token when the record carries none.
func (d *Static) Accept(_ context.Context, auth voice.StreamAuth) (bool, error) {
	d.mu.RLock()
	rec, known := d.records[auth.CallID]
	cfg := d.cfg
	d.mu.RUnlock()

	if !known && !cfg.AllowUnknown {
		return false, nil
	}

	expected := cfg.Token
	if known && rec.Token != "" {
		expected = rec.Token
	}
	if expected != "" && auth.Token != expected {
		return false, nil
	}
	return true, nil
}

// Instructions returns the call's instruction set: the record's own if it has
// one, the directory default otherwise. Reports false when neither exists,
// which places the call in transcription mode.
func (d *Static) Instructions(_ context.Context, callID string) (voice.CallInstructions, bool, error) {
	d.mu.RLock()
	rec, known := d.records[callID]
	cfg := d.cfg
	d.mu.RUnlock()

	if known && rec.Instructions != "" {
		return voice.CallInstructions{Instructions: rec.Instructions, Voice: rec.Voice}, true, nil
	}
	if cfg.DefaultInstructions != "" {
		return voice.CallInstructions{
			Instructions: cfg.DefaultInstructions,
			Voice:        cfg.DefaultVoice,
		}, true, nil
	}
	return voice.CallInstructions{}, false, nil
}
