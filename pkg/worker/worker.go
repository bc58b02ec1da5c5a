// Package worker tracks detached operations. Callers that do not want to
// block on an ingestion or removal receive a Task handle they can poll or
// wait on; a Group owns every outstanding task so shutdown can drain them
// all. Failures of tasks nobody waits on are logged rather than lost.
package worker

import (
	"context"
	"sync"

	"go.uber.org/zap"
)

// Task is a handle to one detached operation.
type Task struct {
	name string
	done chan struct{}
	err  error
}

// Name returns the label the task was started with.
func (t *Task) Name() string { return t.name }

// Done reports whether the task has finished, without blocking.
func (t *Task) Done() bool {
	select {
	case <-t.done:
		return true
	default:
		return false
	}
}

// Err returns the task's failure once it has finished. While the task is
// still running it returns nil; use Done or Wait to distinguish a running
// task from a succeeded one.
func (t *Task) Err() error {
	select {
	case <-t.done:
		return t.err
	default:
		return nil
	}
}

// Wait blocks until the task finishes or ctx is cancelled.
func (t *Task) Wait(ctx context.Context) error {
	select {
	case <-t.done:
		return t.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Group owns a set of detached tasks.
type Group struct {
	log *zap.Logger
	wg  sync.WaitGroup

	mu      sync.Mutex
	pending int
	failed  int
}

// NewGroup returns a Group that reports task failures on log.
func NewGroup(log *zap.Logger) *Group {
	if log == nil {
		log = zap.NewNop()
	}
	return &Group{log: log}
}

// Go starts fn on its own goroutine and returns the task handle. A non-nil
// error from fn is recorded on the handle and logged, so a task whose
// handle is discarded still leaves a trace.
func (g *Group) Go(name string, fn func() error) *Task {
	t := &Task{name: name, done: make(chan struct{})}
	g.wg.Add(1)
	g.mu.Lock()
	g.pending++
	g.mu.Unlock()
	go func() {
		defer g.wg.Done()
		err := fn()
		g.mu.Lock()
		g.pending--
		if err != nil {
			g.failed++
		}
		g.mu.Unlock()
		if err != nil {
			t.err = err
			g.log.Warn("detached task failed", zap.String("task", name), zap.Error(err))
		}
		close(t.done)
	}()
	return t
}

// Pending reports how many tasks have not finished yet.
func (g *Group) Pending() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.pending
}

// Failed reports how many tasks have finished with an error.
func (g *Group) Failed() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.failed
}

// Wait blocks until every task started so far has finished or ctx is
// cancelled. Task errors are reported on the individual handles, not here.
func (g *Group) Wait(ctx context.Context) error {
	settled := make(chan struct{})
	go func() {
		g.wg.Wait()
		close(settled)
	}()
	select {
	case <-settled:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
