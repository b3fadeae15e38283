package relay

import (
	"context"
	"errors"
	"sync"
)

// PlaybackTask is one unit of audio playback work, typically a function that
// synthesizes speech and pushes the resulting chunks through [Relay.SendAudio].
// Tasks must honor ctx and return promptly once it is cancelled.
type PlaybackTask func(ctx context.Context) error

// playbackItem pairs a queued task with the channel its caller is waiting on.
// The result channel is buffered so resolution never blocks the drain loop,
// even when the caller has abandoned it.
type playbackItem struct {
	task   PlaybackTask
	result chan error
}

// playbackQueue serializes playback tasks for a single stream: tasks run one
// at a time, in enqueue order. A drain goroutine exists only while the queue
// is non-empty.
type playbackQueue struct {
	mu       sync.Mutex
	pending  []*playbackItem
	draining bool
	cancel   context.CancelFunc // cancels the in-flight task, nil when idle
}

func newPlaybackQueue() *playbackQueue {
	return &playbackQueue{}
}

// enqueue appends a task and starts the drain loop if none is running. The
// returned channel receives exactly one value: the task's error, or nil when
// the task succeeded or was cancelled via clear.
func (q *playbackQueue) enqueue(task PlaybackTask) <-chan error {
	item := &playbackItem{task: task, result: make(chan error, 1)}

	q.mu.Lock()
	q.pending = append(q.pending, item)
	if !q.draining {
		q.draining = true
		go q.drain()
	}
	q.mu.Unlock()

	return item.result
}

// drain executes queued tasks sequentially until the queue empties, then
// exits. The draining flag guarantees at most one drain loop per queue.
func (q *playbackQueue) drain() {
	for {
		q.mu.Lock()
		if len(q.pending) == 0 {
			q.draining = false
			q.cancel = nil
			q.mu.Unlock()
			return
		}
		item := q.pending[0]
		q.pending = q.pending[1:]
		ctx, cancel := context.WithCancel(context.Background())
		q.cancel = cancel
		q.mu.Unlock()

		err := item.task(ctx)
		cancel()

		q.mu.Lock()
		q.cancel = nil
		q.mu.Unlock()

		// Cancellation is a clean stop, not a failure outcome.
		if errors.Is(err, context.Canceled) {
			err = nil
		}
		item.result <- err
	}
}

// clear drops every pending task and cancels the in-flight one. Dropped tasks
// resolve immediately with nil; the in-flight task resolves once it unwinds.
func (q *playbackQueue) clear() {
	q.mu.Lock()
	dropped := q.pending
	q.pending = nil
	cancel := q.cancel
	q.mu.Unlock()

	for _, item := range dropped {
		item.result <- nil
	}
	if cancel != nil {
		cancel()
	}
}
