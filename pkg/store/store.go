// Package store defines the transactional document store interface that
// batchtheory persists into. Every controller operation that touches state
// runs as a function against a Tx; the store commits the buffered writes with
// conflict checks and transparently re-runs the function when a concurrent
// writer got there first.
package store

import (
	"context"
	"time"

	"github.com/theory-cloud/batchtheory/pkg/model"
)

// Tx is one isolated transaction over the four record collections.
//
// Reads observe committed state only; they do not see writes staged earlier
// in the same transaction (matching DynamoDB TransactWriteItems, where reads
// and writes cannot mix). Callers therefore read everything they need before
// staging writes.
//
// Point reads of mutable records (GetBatch, GetJob, ActiveBatches) are
// conflict-checked at commit: the transaction fails and is re-run when such a
// record changed after being read. Bulk collection scans (chunks, history,
// listings) are snapshot reads and are not necessarily revalidated. Updates
// require a prior conflict-checked read in the same transaction.
type Tx interface {
	// Now returns the transaction clock. All timestamps stamped inside one
	// transaction come from the same reading.
	Now() time.Time

	// GetBatch fetches a batch by its external id. Returns ErrNotFound.
	GetBatch(batchID string) (*model.Batch, error)
	// InsertBatch creates a batch; the commit fails with a write conflict if
	// a batch with the same id already exists.
	InsertBatch(b *model.Batch) error
	// UpdateBatch replaces a batch previously read in this transaction.
	UpdateBatch(b *model.Batch) error
	// DeleteBatch removes a batch by its external id.
	DeleteBatch(batchID string) error
	// ActiveBatches returns the accumulating and flushing generations for a
	// base id, ascending by sequence.
	ActiveBatches(baseID string) ([]*model.Batch, error)
	// BatchesByBase returns every stored generation for a base id, ascending
	// by sequence.
	BatchesByBase(baseID string) ([]*model.Batch, error)
	// BatchesByStatus lists batches in the given status. limit <= 0 means no
	// limit.
	BatchesByStatus(status model.BatchStatus, limit int) ([]*model.Batch, error)
	// MaxSequence returns the highest stored sequence for a base id, and
	// whether any generation exists.
	MaxSequence(baseID string) (int64, bool, error)

	// InsertChunk appends an immutable item chunk.
	InsertChunk(c *model.ItemChunk) error
	// ChunksByBatch returns all chunks of a batch, ascending by creation time.
	ChunksByBatch(batchID string) ([]*model.ItemChunk, error)
	// ChunksBefore returns the chunks of a batch with CreatedAt <= cutoff,
	// ascending by creation time.
	ChunksBefore(batchID string, cutoff time.Time) ([]*model.ItemChunk, error)
	// DeleteChunk removes a chunk previously read in this transaction.
	DeleteChunk(c *model.ItemChunk) error

	// AppendHistory records a flush outcome.
	AppendHistory(e *model.FlushHistoryEntry) error
	// HistoryByBase returns flush history for a base id, newest first.
	// limit <= 0 means no limit.
	HistoryByBase(baseID string, limit int) ([]*model.FlushHistoryEntry, error)
	// DeleteHistory removes a history entry previously read in this
	// transaction.
	DeleteHistory(e *model.FlushHistoryEntry) error

	// GetJob fetches an iterator job. Returns ErrNotFound.
	GetJob(jobID string) (*model.IteratorJob, error)
	// InsertJob creates a job; the commit fails with a write conflict if the
	// id is taken.
	InsertJob(j *model.IteratorJob) error
	// UpdateJob replaces a job previously read in this transaction.
	UpdateJob(j *model.IteratorJob) error
	// DeleteJob removes a job.
	DeleteJob(jobID string) error
	// JobsByStatus lists jobs in the given status. limit <= 0 means no limit.
	JobsByStatus(status model.JobStatus, limit int) ([]*model.IteratorJob, error)
	// ListJobs lists all jobs. limit <= 0 means no limit.
	ListJobs(limit int) ([]*model.IteratorJob, error)
}

// Store executes functions as isolated, conflict-checked transactions.
type Store interface {
	// Update runs fn in a read-write transaction named op (for logging). The
	// buffered writes commit atomically; when the commit detects a concurrent
	// write the whole function is re-run with backoff, so fn must be free of
	// external side effects.
	Update(ctx context.Context, op string, fn func(tx Tx) error) error

	// View runs fn in a read-only transaction named op. Writes staged on the
	// Tx are rejected at commit.
	View(ctx context.Context, op string, fn func(tx Tx) error) error
}
