package scheduler

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTimers_RunAfterZeroDelayRunsImmediately(t *testing.T) {
	s := NewTimers()
	defer s.Close()

	done := make(chan struct{})
	_, err := s.RunAfter(0, func(ctx context.Context) {
		close(done)
	})
	require.NoError(t, err)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("task did not run")
	}
}

func TestTimers_RunAfterDelay(t *testing.T) {
	s := NewTimers()
	defer s.Close()

	done := make(chan struct{})
	_, err := s.RunAfter(10*time.Millisecond, func(ctx context.Context) {
		close(done)
	})
	require.NoError(t, err)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("task did not run")
	}
}

func TestTimers_Cancel(t *testing.T) {
	s := NewTimers()
	defer s.Close()

	var ran sync.Map
	handle, err := s.RunAfter(time.Hour, func(ctx context.Context) {
		ran.Store("ran", true)
	})
	require.NoError(t, err)

	assert.True(t, s.Cancel(handle))
	assert.False(t, s.Cancel(handle), "second cancel finds nothing")

	_, found := ran.Load("ran")
	assert.False(t, found)
}

func TestTimers_CloseWaitsForRunningTasks(t *testing.T) {
	s := NewTimers()

	started := make(chan struct{})
	finished := false
	_, err := s.RunAfter(0, func(ctx context.Context) {
		close(started)
		time.Sleep(20 * time.Millisecond)
		finished = true
	})
	require.NoError(t, err)

	<-started
	s.Close()
	assert.True(t, finished)
}

func TestManual_QueuesWithoutRunning(t *testing.T) {
	m := NewManual()

	ran := false
	_, err := m.RunAfter(5*time.Second, func(ctx context.Context) { ran = true })
	require.NoError(t, err)

	assert.False(t, ran)
	assert.Equal(t, 1, m.Len())
	assert.Equal(t, []time.Duration{5 * time.Second}, m.Delays())
}

func TestManual_RunNextIsFIFO(t *testing.T) {
	m := NewManual()

	var order []int
	for i := 1; i <= 3; i++ {
		i := i
		_, err := m.RunAfter(0, func(ctx context.Context) { order = append(order, i) })
		require.NoError(t, err)
	}

	assert.True(t, m.RunNext(context.Background()))
	assert.Equal(t, []int{1}, order)

	assert.Equal(t, 2, m.RunAll(context.Background()))
	assert.Equal(t, []int{1, 2, 3}, order)
	assert.False(t, m.RunNext(context.Background()))
}

func TestManual_Cancel(t *testing.T) {
	m := NewManual()

	ran := false
	handle, err := m.RunAfter(0, func(ctx context.Context) { ran = true })
	require.NoError(t, err)

	assert.True(t, m.Cancel(handle))
	assert.False(t, m.Cancel(handle))
	assert.Equal(t, 0, m.RunAll(context.Background()))
	assert.False(t, ran)
}
