// Package periodic runs a function on a fixed interval in a background
// goroutine until stopped.
package periodic

import (
	"context"
	"sync"
	"time"
)

// Task manages a background function that runs at regular intervals.
type Task struct {
	interval  time.Duration
	fn        func(ctx context.Context)
	immediate bool

	mu      sync.Mutex
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running bool
}

// Option configures a Task.
type Option func(*Task)

// RunImmediately makes Start invoke fn once before waiting for the first tick.
func RunImmediately() Option {
	return func(t *Task) { t.immediate = true }
}

// New creates a Task. A non-positive interval defaults to one minute.
func New(interval time.Duration, fn func(ctx context.Context), opts ...Option) *Task {
	if interval <= 0 {
		interval = time.Minute
	}
	t := &Task{interval: interval, fn: fn}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Start begins executing fn every interval. The context passed to fn is
// cancelled by Stop or when parent is done. Calling Start on a running task
// is a no-op.
func (t *Task) Start(parent context.Context) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.running {
		return
	}
	if parent == nil {
		parent = context.Background()
	}

	ctx, cancel := context.WithCancel(parent)
	t.cancel = cancel
	t.running = true

	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		if t.immediate {
			t.fn(ctx)
		}

		ticker := time.NewTicker(t.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				t.fn(ctx)
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop cancels the task and waits for an in-progress run to return.
func (t *Task) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.running {
		return
	}

	t.cancel()
	t.wg.Wait()
	t.running = false
}

// IsRunning reports whether the task has been started and not stopped.
func (t *Task) IsRunning() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.running
}

// Interval returns the configured interval.
func (t *Task) Interval() time.Duration {
	return t.interval
}
