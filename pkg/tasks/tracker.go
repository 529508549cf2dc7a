// Package tasks provides a process-wide registry of deferred background work.
// Ticket returns and cache writes spawned after a caller disconnects run on a
// Tracker, and graceful shutdown waits for every pending task to finish.
package tasks

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
)

// Tracker registers background tasks and awaits them at shutdown. The zero
// value is not usable; call New.
type Tracker struct {
	wg      sync.WaitGroup
	pending atomic.Int64
	closed  atomic.Bool
}

// New creates an empty tracker.
func New() *Tracker {
	return &Tracker{}
}

// Go runs fn on a tracked goroutine. Returns false without running fn when
// the tracker is already shutting down; callers needing the work done must
// then run it inline.
func (t *Tracker) Go(name string, fn func()) bool {
	if t.closed.Load() {
		slog.Warn("task rejected during shutdown", "task", name)
		return false
	}
	t.wg.Add(1)
	t.pending.Add(1)
	go func() {
		defer t.wg.Done()
		defer t.pending.Add(-1)
		defer func() {
			if r := recover(); r != nil {
				slog.Error("background task panicked", "task", name, "panic", r)
			}
		}()
		fn()
	}()
	return true
}

// Pending reports how many tasks are currently running.
func (t *Tracker) Pending() int64 {
	return t.pending.Load()
}

// Shutdown stops accepting new tasks and blocks until every pending task
// finishes or the context expires. Returns ctx.Err() on timeout; pending
// tasks keep running in that case.
func (t *Tracker) Shutdown(ctx context.Context) error {
	t.closed.Store(true)

	done := make(chan struct{})
	go func() {
		t.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		slog.Warn("shutdown timed out with tasks still pending", "pending", t.Pending())
		return ctx.Err()
	}
}
