package transcript

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/P0rt/agent-server/pkg/voice"
)

// scriptedRecorder fails with the queued errors, in order, then succeeds.
type scriptedRecorder struct {
	mu    sync.Mutex
	errs  []error
	calls int
}

func (r *scriptedRecorder) Record(_ context.Context, _ string, _ []voice.TranscriptEntry) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++
	if len(r.errs) == 0 {
		return nil
	}
	err := r.errs[0]
	r.errs = r.errs[1:]
	return err
}

func (r *scriptedRecorder) callCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls
}

func record(t *testing.T, rec Recorder) error {
	t.Helper()
	return rec.Record(context.Background(), "CA1", []voice.TranscriptEntry{
		{Role: voice.RoleUser, Text: "hello", Timestamp: time.Now()},
	})
}

func TestFailover_PrimaryHealthy(t *testing.T) {
	t.Parallel()

	primary := &scriptedRecorder{}
	fallback := &scriptedRecorder{}
	f := NewFailover(primary, fallback, FailoverConfig{})

	if err := record(t, f); err != nil {
		t.Fatalf("Record() error = %v", err)
	}
	if primary.callCount() != 1 {
		t.Errorf("primary calls = %d, want 1", primary.callCount())
	}
	if fallback.callCount() != 0 {
		t.Errorf("fallback calls = %d, want 0", fallback.callCount())
	}
}

func TestFailover_PrimaryFailureUsesFallback(t *testing.T) {
	t.Parallel()

	primary := &scriptedRecorder{errs: []error{errors.New("connection refused")}}
	fallback := &scriptedRecorder{}
	f := NewFailover(primary, fallback, FailoverConfig{})

	if err := record(t, f); err != nil {
		t.Fatalf("Record() error = %v, want nil when the fallback succeeds", err)
	}
	if fallback.callCount() != 1 {
		t.Errorf("fallback calls = %d, want 1", fallback.callCount())
	}

	// One failure is below the threshold; the next call still tries the
	// primary.
	if err := record(t, f); err != nil {
		t.Fatalf("Record() error = %v", err)
	}
	if primary.callCount() != 2 {
		t.Errorf("primary calls = %d, want 2", primary.callCount())
	}
}

func TestFailover_OpensAfterMaxFailures(t *testing.T) {
	t.Parallel()

	primary := &scriptedRecorder{errs: []error{
		errors.New("down"), errors.New("down"), errors.New("down"),
	}}
	fallback := &scriptedRecorder{}
	f := NewFailover(primary, fallback, FailoverConfig{MaxFailures: 2, ResetTimeout: time.Hour})

	record(t, f)
	record(t, f)

	// Breaker is open now: the primary must not see this call.
	if err := record(t, f); err != nil {
		t.Fatalf("Record() error = %v", err)
	}
	if primary.callCount() != 2 {
		t.Errorf("primary calls = %d, want 2 (third call bypassed)", primary.callCount())
	}
	if fallback.callCount() != 3 {
		t.Errorf("fallback calls = %d, want 3", fallback.callCount())
	}
}

func TestFailover_BothFail(t *testing.T) {
	t.Parallel()

	primary := &scriptedRecorder{errs: []error{errors.New("primary down")}}
	fallback := &scriptedRecorder{errs: []error{errors.New("fallback down")}}
	f := NewFailover(primary, fallback, FailoverConfig{})

	err := record(t, f)
	if err == nil {
		t.Fatal("Record() = nil, want both errors")
	}
	if !strings.Contains(err.Error(), "primary down") || !strings.Contains(err.Error(), "fallback down") {
		t.Errorf("error = %v, want both causes", err)
	}
}

func TestFailover_RecoversAfterReset(t *testing.T) {
	t.Parallel()

	primary := &scriptedRecorder{errs: []error{errors.New("down")}}
	fallback := &scriptedRecorder{}
	f := NewFailover(primary, fallback, FailoverConfig{
		MaxFailures:  1,
		ResetTimeout: 20 * time.Millisecond,
		HalfOpenMax:  1,
	})

	record(t, f) // opens the breaker
	record(t, f) // bypassed
	if primary.callCount() != 1 {
		t.Fatalf("primary calls = %d, want 1 while open", primary.callCount())
	}

	time.Sleep(50 * time.Millisecond)

	// Probe call reaches the now-healthy primary and closes the breaker.
	if err := record(t, f); err != nil {
		t.Fatalf("probe Record() error = %v", err)
	}
	if err := record(t, f); err != nil {
		t.Fatalf("post-recovery Record() error = %v", err)
	}
	if primary.callCount() != 3 {
		t.Errorf("primary calls = %d, want 3 after recovery", primary.callCount())
	}
	// The fallback saw the initial failure and the bypassed call, nothing after.
	if fallback.callCount() != 2 {
		t.Errorf("fallback calls = %d, want 2", fallback.callCount())
	}
}

func TestFailover_HalfOpenFailureReopens(t *testing.T) {
	t.Parallel()

	primary := &scriptedRecorder{errs: []error{errors.New("down"), errors.New("still down")}}
	fallback := &scriptedRecorder{}
	f := NewFailover(primary, fallback, FailoverConfig{
		MaxFailures:  1,
		ResetTimeout: 20 * time.Millisecond,
		HalfOpenMax:  1,
	})

	record(t, f) // opens
	time.Sleep(50 * time.Millisecond)
	record(t, f) // probe fails, re-opens

	// Immediately after the failed probe the breaker is open again.
	record(t, f)
	if primary.callCount() != 2 {
		t.Errorf("primary calls = %d, want 2 (post-probe call bypassed)", primary.callCount())
	}
	if fallback.callCount() != 3 {
		t.Errorf("fallback calls = %d, want 3", fallback.callCount())
	}
}
