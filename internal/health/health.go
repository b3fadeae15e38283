// Package health serves the liveness and readiness probes of the agent
// server.
//
// Two endpoints:
//
//   - /healthz is liveness: a process that can answer HTTP is alive, so the
//     handler always returns 200.
//   - /readyz is readiness: it returns 200 only when every registered
//     [Checker] passes. The response carries per-check results and the number
//     of telephony media streams currently held by the relay.
//
// Responses are JSON objects with a top-level "status" of "ok" or "fail".
package health

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"
)

// defaultCheckTimeout bounds a single readiness check.
const defaultCheckTimeout = 5 * time.Second

// Checker is a named readiness probe. Check returns nil when the dependency
// can serve calls and an error describing why not otherwise.
type Checker struct {
	// Name keys the check's result in the JSON response (e.g. "database",
	// "engine").
	Name string

	// Check probes the dependency. It must respect context cancellation.
	Check func(ctx context.Context) error
}

// Pinger matches the Ping method shared by pgx pools and connections.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Database returns a Checker that pings the call-record database.
func Database(db Pinger) Checker {
	return Checker{Name: "database", Check: db.Ping}
}

// StreamCounter reports how many telephony media streams are currently
// registered. The relay server satisfies it.
type StreamCounter interface {
	ActiveStreams() int
}

type liveResult struct {
	Status string `json:"status"`
}

type readyResult struct {
	Status        string            `json:"status"`
	ActiveStreams int               `json:"active_streams"`
	Checks        map[string]string `json:"checks,omitempty"`
}

// Handler serves the probe endpoints. It is safe for concurrent use; the
// checker list is fixed at construction time.
type Handler struct {
	streams      StreamCounter
	checkers     []Checker
	checkTimeout time.Duration
}

// Option configures a [Handler].
type Option func(*Handler)

// WithCheckTimeout overrides the per-check deadline applied on /readyz.
func WithCheckTimeout(d time.Duration) Option {
	return func(h *Handler) {
		if d > 0 {
			h.checkTimeout = d
		}
	}
}

// New creates a [Handler] that reports streams's gauge and evaluates the
// given checkers on each /readyz request. streams may be nil, in which case
// the active-stream count reads zero.
func New(streams StreamCounter, checkers []Checker, opts ...Option) *Handler {
	h := &Handler{
		streams:      streams,
		checkers:     make([]Checker, len(checkers)),
		checkTimeout: defaultCheckTimeout,
	}
	copy(h.checkers, checkers)
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Healthz is the liveness probe.
func (h *Handler) Healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, liveResult{Status: "ok"})
}

// Readyz is the readiness probe. Checks run concurrently, each with its own
// deadline, so one stuck dependency cannot pin the request for the sum of
// all timeouts.
func (h *Handler) Readyz(w http.ResponseWriter, r *http.Request) {
	errs := make([]error, len(h.checkers))

	var wg sync.WaitGroup
	for i, c := range h.checkers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ctx, cancel := context.WithTimeout(r.Context(), h.checkTimeout)
			defer cancel()
			errs[i] = c.Check(ctx)
		}()
	}
	wg.Wait()

	checks := make(map[string]string, len(h.checkers))
	allOK := true
	for i, c := range h.checkers {
		if err := errs[i]; err != nil {
			checks[c.Name] = "fail: " + err.Error()
			allOK = false
			slog.Warn("health: readiness check failed", "check", c.Name, "error", err)
		} else {
			checks[c.Name] = "ok"
		}
	}

	res := readyResult{
		Status:        "ok",
		ActiveStreams: h.activeStreams(),
		Checks:        checks,
	}
	status := http.StatusOK
	if !allOK {
		res.Status = "fail"
		status = http.StatusServiceUnavailable
	}

	writeJSON(w, status, res)
}

func (h *Handler) activeStreams() int {
	if h.streams == nil {
		return 0
	}
	return h.streams.ActiveStreams()
}

// Register adds the probe routes to mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /healthz", h.Healthz)
	mux.HandleFunc("GET /readyz", h.Readyz)
}

// writeJSON encodes v as JSON and writes it with the given status code. On
// encoding failure it falls back to a plain-text 500 response.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"status":"error"}`, http.StatusInternalServerError)
	}
}
