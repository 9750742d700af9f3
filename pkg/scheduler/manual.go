package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Manual is a Scheduler for deterministic tests: nothing runs until the test
// fires it. Pending tasks are kept in scheduling order together with their
// requested delays so tests can assert on backoff shapes.
type Manual struct {
	pending []*pendingTask
	mu      sync.Mutex
}

type pendingTask struct {
	task   Task
	handle Handle
	delay  time.Duration
}

// NewManual creates an empty manual scheduler.
func NewManual() *Manual {
	return &Manual{}
}

// RunAfter implements Scheduler. The task is queued, never run.
func (m *Manual) RunAfter(delay time.Duration, task Task) (Handle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	handle := Handle(uuid.NewString())
	m.pending = append(m.pending, &pendingTask{handle: handle, delay: delay, task: task})
	return handle, nil
}

// Cancel implements Scheduler.
func (m *Manual) Cancel(handle Handle) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, p := range m.pending {
		if p.handle == handle {
			m.pending = append(m.pending[:i], m.pending[i+1:]...)
			return true
		}
	}
	return false
}

// Len returns the number of pending tasks.
func (m *Manual) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.pending)
}

// Delays returns the requested delays of the pending tasks in scheduling
// order.
func (m *Manual) Delays() []time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	delays := make([]time.Duration, len(m.pending))
	for i, p := range m.pending {
		delays[i] = p.delay
	}
	return delays
}

// RunNext pops and runs the oldest pending task. It reports whether a task
// ran.
func (m *Manual) RunNext(ctx context.Context) bool {
	m.mu.Lock()
	if len(m.pending) == 0 {
		m.mu.Unlock()
		return false
	}
	p := m.pending[0]
	m.pending = m.pending[1:]
	m.mu.Unlock()

	p.task(ctx)
	return true
}

// RunAll drains the queue, including tasks scheduled by the tasks it runs,
// and returns how many ran. Tests that exercise endless retry loops should
// use RunNext instead.
func (m *Manual) RunAll(ctx context.Context) int {
	ran := 0
	for m.RunNext(ctx) {
		ran++
	}
	return ran
}
