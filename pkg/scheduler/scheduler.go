// Package scheduler provides the delayed task scheduling the controllers rely
// on: run an operation after a delay and hand back a cancellable handle. A
// delay of zero means "run asynchronously, as soon as possible".
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Handle identifies a scheduled task so it can be cancelled before it fires.
type Handle string

// Task is the unit of scheduled work. The context is the scheduler's base
// context; tasks must stop promptly when it is cancelled.
type Task func(ctx context.Context)

// Scheduler schedules tasks to run after a delay.
type Scheduler interface {
	// RunAfter schedules task to run once after delay and returns a handle
	// that can cancel it while it is still pending.
	RunAfter(delay time.Duration, task Task) (Handle, error)

	// Cancel stops a pending task. It reports whether the task was still
	// pending; cancelling an unknown or already-fired handle is a no-op.
	Cancel(handle Handle) bool
}

// Timers is the production Scheduler, backed by in-process timers.
type Timers struct {
	ctx    context.Context
	cancel context.CancelFunc
	timers map[Handle]*time.Timer
	mu     sync.Mutex
	wg     sync.WaitGroup
	closed bool
}

// NewTimers creates a running timer scheduler.
func NewTimers() *Timers {
	ctx, cancel := context.WithCancel(context.Background())
	return &Timers{
		ctx:    ctx,
		cancel: cancel,
		timers: make(map[Handle]*time.Timer),
	}
}

// RunAfter implements Scheduler.
func (t *Timers) RunAfter(delay time.Duration, task Task) (Handle, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return "", fmt.Errorf("scheduler is closed")
	}

	handle := Handle(uuid.NewString())
	t.wg.Add(1)

	if delay <= 0 {
		go func() {
			defer t.wg.Done()
			task(t.ctx)
		}()
		return handle, nil
	}

	t.timers[handle] = time.AfterFunc(delay, func() {
		defer t.wg.Done()
		t.mu.Lock()
		_, pending := t.timers[handle]
		delete(t.timers, handle)
		closed := t.closed
		t.mu.Unlock()
		// Lost the race against Cancel or Close between firing and locking.
		if !pending || closed {
			return
		}
		task(t.ctx)
	})
	return handle, nil
}

// Cancel implements Scheduler.
func (t *Timers) Cancel(handle Handle) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	timer, ok := t.timers[handle]
	if !ok {
		return false
	}
	delete(t.timers, handle)
	if timer.Stop() {
		t.wg.Done()
	}
	return true
}

// Close cancels all pending timers, signals running tasks through their
// context, and waits for them to finish.
func (t *Timers) Close() {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	t.closed = true
	for handle, timer := range t.timers {
		delete(t.timers, handle)
		if timer.Stop() {
			t.wg.Done()
		}
	}
	t.mu.Unlock()

	t.cancel()
	t.wg.Wait()
}
