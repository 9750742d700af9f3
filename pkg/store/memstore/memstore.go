// Package memstore provides an in-memory implementation of store.Store with
// the same optimistic concurrency semantics as the DynamoDB-backed store:
// reads track the record versions they observed, commits validate those
// versions atomically, and a losing transaction is re-run transparently.
//
// It backs the unit tests and is usable as an embedded store for
// single-process applications.
package memstore

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/theory-cloud/batchtheory/pkg/errors"
	"github.com/theory-cloud/batchtheory/pkg/model"
	"github.com/theory-cloud/batchtheory/pkg/store"
)

const (
	colBatches = "batches"
	colChunks  = "chunks"
	colHistory = "history"
	colJobs    = "jobs"

	defaultMaxAttempts = 8
)

type record struct {
	data    any
	version int64
}

// Store is an in-memory store.Store.
type Store struct {
	now         func() time.Time
	commitHook  func(op string)
	collections map[string]map[string]*record
	mu          sync.Mutex
	maxAttempts int
}

// Option configures a Store.
type Option func(*Store)

// WithNow injects the clock used for Tx.Now. Tests use a ticking fake so that
// timestamps inside consecutive transactions are strictly increasing.
func WithNow(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// WithMaxAttempts bounds how often a conflicting transaction is re-run.
func WithMaxAttempts(n int) Option {
	return func(s *Store) { s.maxAttempts = n }
}

// WithCommitHook installs a hook invoked after the transaction function has
// run but before its writes are validated and applied. Tests use it to commit
// a competing write in that window and force the conflict retry path.
func WithCommitHook(hook func(op string)) Option {
	return func(s *Store) { s.commitHook = hook }
}

// New creates an empty in-memory store.
func New(opts ...Option) *Store {
	s := &Store{
		now:         time.Now,
		maxAttempts: defaultMaxAttempts,
		collections: map[string]map[string]*record{
			colBatches: {},
			colChunks:  {},
			colHistory: {},
			colJobs:    {},
		},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Update implements store.Store.
func (s *Store) Update(ctx context.Context, op string, fn func(tx store.Tx) error) error {
	return s.run(ctx, op, fn, false)
}

// View implements store.Store.
func (s *Store) View(ctx context.Context, op string, fn func(tx store.Tx) error) error {
	return s.run(ctx, op, fn, true)
}

func (s *Store) run(ctx context.Context, op string, fn func(tx store.Tx) error, readonly bool) error {
	var lastErr error
	for attempt := 0; attempt < s.maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		t := &tx{
			s:        s,
			now:      s.now(),
			readonly: readonly,
			reads:    make(map[string]int64),
			staged:   make(map[string]*write),
		}
		if err := fn(t); err != nil {
			return err
		}
		if s.commitHook != nil {
			s.commitHook(op)
		}
		err := s.commit(t)
		if err == nil {
			return nil
		}
		if !errors.IsWriteConflict(err) {
			return err
		}
		lastErr = err
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff(attempt)):
		}
	}
	return fmt.Errorf("%w: %s gave up after %d attempts: %w",
		errors.ErrRetriesExhausted, op, s.maxAttempts, lastErr)
}

func backoff(attempt int) time.Duration {
	d := time.Millisecond << attempt
	if d > 20*time.Millisecond {
		d = 20 * time.Millisecond
	}
	return d
}

// commit validates every version observed by the transaction's reads and
// applies the staged writes atomically, or reports a write conflict.
func (s *Store) commit(t *tx) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for key, seen := range t.reads {
		col, id := splitKey(key)
		current := int64(0)
		if rec, ok := s.collections[col][id]; ok {
			current = rec.version
		}
		if current != seen {
			return fmt.Errorf("%w: %s changed", errors.ErrWriteConflict, key)
		}
	}
	for _, w := range t.writes {
		if w.op == opInsert {
			if _, ok := s.collections[w.col][w.id]; ok {
				return fmt.Errorf("%w: %s/%s already exists", errors.ErrWriteConflict, w.col, w.id)
			}
		}
	}
	for _, w := range t.writes {
		col := s.collections[w.col]
		switch w.op {
		case opInsert:
			col[w.id] = &record{version: 1, data: w.data}
		case opPut:
			version := int64(1)
			if rec, ok := col[w.id]; ok {
				version = rec.version + 1
			}
			col[w.id] = &record{version: version, data: w.data}
		case opDelete:
			delete(col, w.id)
		}
	}
	return nil
}

type writeOp int

const (
	opInsert writeOp = iota
	opPut
	opDelete
)

type write struct {
	data any
	col  string
	id   string
	op   writeOp
}

type tx struct {
	s        *Store
	reads    map[string]int64
	staged   map[string]*write
	writes   []*write
	now      time.Time
	readonly bool
}

func txKey(col, id string) string {
	return col + "/" + id
}

func splitKey(key string) (col, id string) {
	idx := strings.Index(key, "/")
	return key[:idx], key[idx+1:]
}

// Now implements store.Tx.
func (t *tx) Now() time.Time {
	return t.now
}

// get fetches one record under lock and tracks the version seen.
func (t *tx) get(col, id string) (any, bool) {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	rec, ok := t.s.collections[col][id]
	if !ok {
		return nil, false
	}
	t.reads[txKey(col, id)] = rec.version
	return rec.data, true
}

// scan visits every record of a collection under lock, tracking versions of
// the records the filter accepts.
func (t *tx) scan(col string, accept func(data any) bool) {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	for id, rec := range t.s.collections[col] {
		if accept(rec.data) {
			t.reads[txKey(col, id)] = rec.version
		}
	}
}

func (t *tx) stage(w *write) error {
	if t.readonly {
		return fmt.Errorf("write to %s/%s in read-only transaction", w.col, w.id)
	}
	key := txKey(w.col, w.id)
	if _, ok := t.staged[key]; ok {
		return fmt.Errorf("duplicate write to %s in one transaction", key)
	}
	if w.op != opInsert {
		if _, read := t.reads[key]; !read {
			return fmt.Errorf("%s of %s without a prior read in this transaction", opName(w.op), key)
		}
	}
	t.staged[key] = w
	t.writes = append(t.writes, w)
	return nil
}

func opName(op writeOp) string {
	switch op {
	case opInsert:
		return "insert"
	case opPut:
		return "update"
	default:
		return "delete"
	}
}

// --- batches ---

func (t *tx) GetBatch(batchID string) (*model.Batch, error) {
	data, ok := t.get(colBatches, batchID)
	if !ok {
		return nil, fmt.Errorf("%w: batch %s", errors.ErrNotFound, batchID)
	}
	return data.(*model.Batch).Clone(), nil
}

func (t *tx) InsertBatch(b *model.Batch) error {
	return t.stage(&write{col: colBatches, id: b.ID(), op: opInsert, data: b.Clone()})
}

func (t *tx) UpdateBatch(b *model.Batch) error {
	return t.stage(&write{col: colBatches, id: b.ID(), op: opPut, data: b.Clone()})
}

func (t *tx) DeleteBatch(batchID string) error {
	return t.stage(&write{col: colBatches, id: batchID, op: opDelete})
}

func (t *tx) ActiveBatches(baseID string) ([]*model.Batch, error) {
	return t.batches(func(b *model.Batch) bool {
		return b.BaseID == baseID && (b.Status == model.BatchAccumulating || b.Status == model.BatchFlushing)
	}), nil
}

func (t *tx) BatchesByBase(baseID string) ([]*model.Batch, error) {
	return t.batches(func(b *model.Batch) bool { return b.BaseID == baseID }), nil
}

func (t *tx) BatchesByStatus(status model.BatchStatus, limit int) ([]*model.Batch, error) {
	out := t.batches(func(b *model.Batch) bool { return b.Status == status })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (t *tx) MaxSequence(baseID string) (int64, bool, error) {
	gens := t.batches(func(b *model.Batch) bool { return b.BaseID == baseID })
	if len(gens) == 0 {
		return 0, false, nil
	}
	return gens[len(gens)-1].Sequence, true, nil
}

func (t *tx) batches(accept func(*model.Batch) bool) []*model.Batch {
	var out []*model.Batch
	t.scan(colBatches, func(data any) bool {
		b := data.(*model.Batch)
		if !accept(b) {
			return false
		}
		out = append(out, b.Clone())
		return true
	})
	sort.Slice(out, func(i, j int) bool {
		if out[i].BaseID != out[j].BaseID {
			return out[i].BaseID < out[j].BaseID
		}
		return out[i].Sequence < out[j].Sequence
	})
	return out
}

// --- chunks ---

func (t *tx) InsertChunk(c *model.ItemChunk) error {
	return t.stage(&write{col: colChunks, id: c.ChunkID, op: opInsert, data: c.Clone()})
}

func (t *tx) ChunksByBatch(batchID string) ([]*model.ItemChunk, error) {
	return t.chunks(func(c *model.ItemChunk) bool { return c.BatchID == batchID }), nil
}

func (t *tx) ChunksBefore(batchID string, cutoff time.Time) ([]*model.ItemChunk, error) {
	return t.chunks(func(c *model.ItemChunk) bool {
		return c.BatchID == batchID && !c.CreatedAt.After(cutoff)
	}), nil
}

func (t *tx) DeleteChunk(c *model.ItemChunk) error {
	return t.stage(&write{col: colChunks, id: c.ChunkID, op: opDelete})
}

func (t *tx) chunks(accept func(*model.ItemChunk) bool) []*model.ItemChunk {
	var out []*model.ItemChunk
	t.scan(colChunks, func(data any) bool {
		c := data.(*model.ItemChunk)
		if !accept(c) {
			return false
		}
		out = append(out, c.Clone())
		return true
	})
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ChunkID < out[j].ChunkID
	})
	return out
}

// --- flush history ---

func (t *tx) AppendHistory(e *model.FlushHistoryEntry) error {
	return t.stage(&write{col: colHistory, id: e.EntryID, op: opInsert, data: e.Clone()})
}

func (t *tx) HistoryByBase(baseID string, limit int) ([]*model.FlushHistoryEntry, error) {
	var out []*model.FlushHistoryEntry
	t.scan(colHistory, func(data any) bool {
		e := data.(*model.FlushHistoryEntry)
		if e.BaseID != baseID {
			return false
		}
		out = append(out, e.Clone())
		return true
	})
	sort.Slice(out, func(i, j int) bool {
		if !out[i].FlushedAt.Equal(out[j].FlushedAt) {
			return out[i].FlushedAt.After(out[j].FlushedAt)
		}
		return out[i].EntryID > out[j].EntryID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (t *tx) DeleteHistory(e *model.FlushHistoryEntry) error {
	return t.stage(&write{col: colHistory, id: e.EntryID, op: opDelete})
}

// --- iterator jobs ---

func (t *tx) GetJob(jobID string) (*model.IteratorJob, error) {
	data, ok := t.get(colJobs, jobID)
	if !ok {
		return nil, fmt.Errorf("%w: iterator job %s", errors.ErrNotFound, jobID)
	}
	return data.(*model.IteratorJob).Clone(), nil
}

func (t *tx) InsertJob(j *model.IteratorJob) error {
	return t.stage(&write{col: colJobs, id: j.JobID, op: opInsert, data: j.Clone()})
}

func (t *tx) UpdateJob(j *model.IteratorJob) error {
	return t.stage(&write{col: colJobs, id: j.JobID, op: opPut, data: j.Clone()})
}

func (t *tx) DeleteJob(jobID string) error {
	return t.stage(&write{col: colJobs, id: jobID, op: opDelete})
}

func (t *tx) JobsByStatus(status model.JobStatus, limit int) ([]*model.IteratorJob, error) {
	return t.jobs(func(j *model.IteratorJob) bool { return j.Status == status }, limit), nil
}

func (t *tx) ListJobs(limit int) ([]*model.IteratorJob, error) {
	return t.jobs(func(j *model.IteratorJob) bool { return true }, limit), nil
}

func (t *tx) jobs(accept func(*model.IteratorJob) bool, limit int) []*model.IteratorJob {
	var out []*model.IteratorJob
	t.scan(colJobs, func(data any) bool {
		j := data.(*model.IteratorJob)
		if !accept(j) {
			return false
		}
		out = append(out, j.Clone())
		return true
	})
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].JobID < out[j].JobID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}
