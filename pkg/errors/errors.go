// Package errors defines error types and utilities for batchtheory
package errors

import (
	"errors"
	"fmt"
)

// Common errors that can occur in batchtheory operations
var (
	// ErrNotFound is returned when a batch, chunk, or iterator job does not exist
	ErrNotFound = errors.New("record not found")

	// ErrInvalidState is returned when an operation is attempted against an
	// entity that is not in the required state
	ErrInvalidState = errors.New("invalid state for operation")

	// ErrEmptyBatch is returned when a flush is requested for a batch with no items
	ErrEmptyBatch = errors.New("batch has no items")

	// ErrJobExists is returned when starting an iterator job with an id that is already taken
	ErrJobExists = errors.New("iterator job already exists")

	// ErrRetriesExhausted is returned when an iterator job fails more times than its retry budget allows
	ErrRetriesExhausted = errors.New("retries exhausted")

	// ErrWriteConflict signals that a transaction observed a concurrent write.
	// The store retries the transaction transparently; callers of the public
	// surface only ever see it when the retry budget itself runs out.
	ErrWriteConflict = errors.New("write conflict")

	// ErrCallbackNotRegistered is returned when a stored callback reference
	// has no registered implementation
	ErrCallbackNotRegistered = errors.New("callback not registered")

	// ErrInvalidConfig is returned when a batch or iterator config fails validation
	ErrInvalidConfig = errors.New("invalid config")

	// ErrTransactionTooLarge is returned when a single transaction would exceed
	// the store's write item limit
	ErrTransactionTooLarge = errors.New("transaction exceeds write item limit")

	// ErrDeadlineApproaching is returned when a transaction retry loop stops
	// early because the surrounding Lambda invocation is nearly out of time
	ErrDeadlineApproaching = errors.New("execution deadline approaching")
)

// StateError reports an operation attempted against an entity in the wrong state.
type StateError struct {
	Op       string
	ID       string
	State    string
	Required string
}

// Error implements the error interface.
func (e *StateError) Error() string {
	if e == nil {
		return "batchtheory: invalid state"
	}
	if e.Required != "" {
		return fmt.Sprintf("batchtheory: %s %s: state is %q, requires %q", e.Op, e.ID, e.State, e.Required)
	}
	return fmt.Sprintf("batchtheory: %s %s: invalid state %q", e.Op, e.ID, e.State)
}

// Unwrap returns ErrInvalidState so errors.Is matches the sentinel.
func (e *StateError) Unwrap() error {
	return ErrInvalidState
}

// NewStateError creates a StateError for the given operation.
func NewStateError(op, id, state, required string) *StateError {
	return &StateError{Op: op, ID: id, State: state, Required: required}
}

// CallbackError wraps a failure raised by an external callback. It is caught
// at the flush/processing boundary and recorded; it never propagates to the
// caller that originally triggered the work.
type CallbackError struct {
	Err error
	Ref string
}

// Error implements the error interface.
func (e *CallbackError) Error() string {
	if e == nil {
		return "batchtheory: callback failed"
	}
	if e.Err == nil {
		return fmt.Sprintf("batchtheory: callback %s failed", e.Ref)
	}
	return fmt.Sprintf("batchtheory: callback %s failed: %v", e.Ref, e.Err)
}

// Unwrap returns the underlying error.
func (e *CallbackError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// NewCallbackError wraps err as a CallbackError for the named callback reference.
func NewCallbackError(ref string, err error) *CallbackError {
	return &CallbackError{Ref: ref, Err: err}
}

// IsNotFound checks if an error indicates a missing record.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsInvalidState checks if an error indicates a state machine violation.
func IsInvalidState(err error) bool {
	return errors.Is(err, ErrInvalidState)
}

// IsWriteConflict checks if an error is a retryable store write conflict.
func IsWriteConflict(err error) bool {
	return errors.Is(err, ErrWriteConflict)
}

// IsCallbackError checks if an error originated in an external callback.
func IsCallbackError(err error) bool {
	var target *CallbackError
	return errors.As(err, &target)
}
