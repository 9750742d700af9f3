// Package callback provides the registry that resolves stored callback
// references to host-supplied functions. Records persist only the reference
// string; the host application registers the implementations at startup.
package callback

import (
	"context"
	"fmt"
	"sync"

	"github.com/theory-cloud/batchtheory/pkg/errors"
)

// Page is one page returned by a FetchPageFunc.
type Page struct {
	// Cursor is the opaque position token for the next page. Ignored when
	// Done is true.
	Cursor string
	Items  []any
	// Done indicates that iteration is finished after this page.
	Done bool
}

// ProcessBatchFunc consumes a batch of items. It may be invoked more than
// once with the same items under retry, so it must be safe to re-run
// (at-least-once delivery).
type ProcessBatchFunc func(ctx context.Context, items []any) error

// FetchPageFunc produces the next page of a table iteration. An empty cursor
// requests the first page.
type FetchPageFunc func(ctx context.Context, cursor string, pageSize int) (Page, error)

// OnCompleteFunc is invoked once when an iterator job completes successfully.
type OnCompleteFunc func(ctx context.Context, jobID string, processedCount int) error

// Registry maps reference names to callback implementations.
type Registry struct {
	process  map[string]ProcessBatchFunc
	fetch    map[string]FetchPageFunc
	complete map[string]OnCompleteFunc
	mu       sync.RWMutex
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		process:  make(map[string]ProcessBatchFunc),
		fetch:    make(map[string]FetchPageFunc),
		complete: make(map[string]OnCompleteFunc),
	}
}

// RegisterProcessBatch registers a batch processor under ref, replacing any
// previous registration.
func (r *Registry) RegisterProcessBatch(ref string, fn ProcessBatchFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.process[ref] = fn
}

// RegisterFetchPage registers a page fetcher under ref.
func (r *Registry) RegisterFetchPage(ref string, fn FetchPageFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fetch[ref] = fn
}

// RegisterOnComplete registers a completion callback under ref.
func (r *Registry) RegisterOnComplete(ref string, fn OnCompleteFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.complete[ref] = fn
}

// ProcessBatch resolves a batch processor reference.
func (r *Registry) ProcessBatch(ref string) (ProcessBatchFunc, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	fn, ok := r.process[ref]
	if !ok {
		return nil, fmt.Errorf("%w: processBatch %q", errors.ErrCallbackNotRegistered, ref)
	}
	return fn, nil
}

// FetchPage resolves a page fetcher reference.
func (r *Registry) FetchPage(ref string) (FetchPageFunc, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	fn, ok := r.fetch[ref]
	if !ok {
		return nil, fmt.Errorf("%w: fetchPage %q", errors.ErrCallbackNotRegistered, ref)
	}
	return fn, nil
}

// OnComplete resolves a completion callback reference.
func (r *Registry) OnComplete(ref string) (OnCompleteFunc, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	fn, ok := r.complete[ref]
	if !ok {
		return nil, fmt.Errorf("%w: onComplete %q", errors.ErrCallbackNotRegistered, ref)
	}
	return fn, nil
}
