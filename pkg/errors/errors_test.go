package errors

import (
	stderrors "errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestStateError(t *testing.T) {
	err := NewStateError("flush", "orders::0", "flushing", "accumulating")
	assert.Contains(t, err.Error(), "flush orders::0")
	assert.Contains(t, err.Error(), `"flushing"`)
	assert.Contains(t, err.Error(), `"accumulating"`)
	assert.True(t, IsInvalidState(err))
	assert.False(t, IsNotFound(err))

	noReq := NewStateError("pause", "j1", "completed", "")
	assert.Contains(t, noReq.Error(), `invalid state "completed"`)
}

func TestCallbackError(t *testing.T) {
	cause := stderrors.New("boom")
	err := NewCallbackError("proc", cause)
	assert.Contains(t, err.Error(), "callback proc failed: boom")
	assert.True(t, IsCallbackError(err))
	assert.ErrorIs(t, err, cause)

	wrapped := fmt.Errorf("outer: %w", err)
	assert.True(t, IsCallbackError(wrapped))
	assert.False(t, IsCallbackError(cause))
}

func TestSentinelPredicates(t *testing.T) {
	assert.True(t, IsNotFound(fmt.Errorf("%w: batch x", ErrNotFound)))
	assert.True(t, IsWriteConflict(fmt.Errorf("%w: record moved", ErrWriteConflict)))
	assert.False(t, IsWriteConflict(ErrNotFound))
}
