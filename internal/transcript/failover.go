package transcript

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/P0rt/agent-server/pkg/voice"
)

// breakerState is the failover's view of the primary recorder's health.
type breakerState int

const (
	// stateClosed forwards every call to the primary.
	stateClosed breakerState = iota

	// stateOpen bypasses the primary after too many consecutive failures.
	// Calls go straight to the fallback until the reset timeout elapses.
	stateOpen

	// stateHalfOpen is the probe state entered after the reset timeout. A
	// limited number of calls reach the primary; if they succeed the breaker
	// closes, otherwise it re-opens.
	stateHalfOpen
)

// String returns the human-readable name of the state.
func (s breakerState) String() string {
	switch s {
	case stateClosed:
		return "closed"
	case stateOpen:
		return "open"
	case stateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// FailoverConfig holds the tuning knobs for a [Failover]. Zero-value fields
// are replaced with defaults.
type FailoverConfig struct {
	// MaxFailures is the number of consecutive primary failures before the
	// breaker opens. Default: 5.
	MaxFailures int

	// ResetTimeout is how long the breaker stays open before probing the
	// primary again. Default: 30s.
	ResetTimeout time.Duration

	// HalfOpenMax is the number of probe calls allowed while half-open
	// before the breaker decides whether to close or re-open. Default: 3.
	HalfOpenMax int
}

// Failover is a [Recorder] that writes through a primary recorder guarded by
// a three-state circuit breaker (closed, then open, then half-open). While
// the breaker is open every transcript lands in the fallback recorder
// instead, so a database outage degrades retention rather than dropping
// transcripts or stalling call teardown on a dead connection.
type Failover struct {
	primary  Recorder
	fallback Recorder

	maxFailures  int
	resetTimeout time.Duration
	halfOpenMax  int

	mu              sync.Mutex
	state           breakerState
	consecutiveFail int
	lastFailure     time.Time
	halfOpenCalls   int
}

var _ Recorder = (*Failover)(nil)

// NewFailover wraps primary with fallback. Both recorders are required.
func NewFailover(primary, fallback Recorder, cfg FailoverConfig) *Failover {
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = 5
	}
	if cfg.ResetTimeout <= 0 {
		cfg.ResetTimeout = 30 * time.Second
	}
	if cfg.HalfOpenMax <= 0 {
		cfg.HalfOpenMax = 3
	}
	return &Failover{
		primary:      primary,
		fallback:     fallback,
		maxFailures:  cfg.MaxFailures,
		resetTimeout: cfg.ResetTimeout,
		halfOpenMax:  cfg.HalfOpenMax,
		state:        stateClosed,
	}
}

// Record persists the transcript through the primary when the breaker admits
// the call, and through the fallback otherwise. A primary failure is absorbed
// as long as the fallback succeeds.
func (f *Failover) Record(ctx context.Context, callID string, entries []voice.TranscriptEntry) error {
	if !f.admit() {
		slog.Debug("transcript: primary recorder bypassed", "call_sid", callID)
		return f.fallback.Record(ctx, callID, entries)
	}

	err := f.primary.Record(ctx, callID, entries)
	f.settle(err)
	if err == nil {
		return nil
	}

	slog.Warn("transcript: primary recorder failed, using fallback",
		"call_sid", callID, "err", err)
	if fbErr := f.fallback.Record(ctx, callID, entries); fbErr != nil {
		return errors.Join(err, fbErr)
	}
	return nil
}

// admit decides whether the next call may reach the primary, performing the
// open-to-half-open transition when the reset timeout has elapsed.
func (f *Failover) admit() bool {
	f.mu.Lock()
	defer f.mu.Unlock()

	switch f.state {
	case stateOpen:
		if time.Since(f.lastFailure) < f.resetTimeout {
			return false
		}
		f.state = stateHalfOpen
		f.halfOpenCalls = 0
		slog.Info("transcript: probing primary recorder again")

	case stateHalfOpen:
		if f.halfOpenCalls >= f.halfOpenMax {
			// Probe budget spent, wait for the in-flight probes to settle.
			return false
		}
	}

	if f.state == stateHalfOpen {
		f.halfOpenCalls++
	}
	return true
}

// settle folds a primary call's outcome into the breaker state.
func (f *Failover) settle(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if err != nil {
		f.lastFailure = time.Now()

		if f.state == stateHalfOpen {
			// Any probe failure re-opens immediately.
			f.state = stateOpen
			f.consecutiveFail = f.maxFailures
			slog.Warn("transcript: primary recorder still failing, staying on fallback")
			return
		}

		f.consecutiveFail++
		if f.consecutiveFail >= f.maxFailures {
			f.state = stateOpen
			slog.Warn("transcript: primary recorder disabled after repeated failures",
				"consecutive_failures", f.consecutiveFail)
		}
		return
	}

	if f.state == stateHalfOpen {
		// A failed probe re-opens immediately, so reaching the last probe
		// with the breaker still half-open means the batch succeeded.
		if f.halfOpenCalls >= f.halfOpenMax {
			f.state = stateClosed
			f.consecutiveFail = 0
			f.halfOpenCalls = 0
			slog.Info("transcript: primary recorder recovered")
		}
		return
	}

	f.consecutiveFail = 0
}
