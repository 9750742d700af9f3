// Package model defines the persisted record types for batchtheory: batches,
// their append-only item chunks, flush history, and iterator jobs.
package model

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/theory-cloud/batchtheory/pkg/errors"
)

// BatchStatus describes the lifecycle state of a batch generation.
type BatchStatus string

// Batch lifecycle states. A batch never moves from accumulating to completed
// directly; every flush passes through flushing.
const (
	BatchAccumulating BatchStatus = "accumulating"
	BatchFlushing     BatchStatus = "flushing"
	BatchCompleted    BatchStatus = "completed"
)

// JobStatus describes the lifecycle state of an iterator job.
type JobStatus string

// Iterator job states. Completed and failed are terminal.
const (
	JobRunning   JobStatus = "running"
	JobPaused    JobStatus = "paused"
	JobCompleted JobStatus = "completed"
	JobFailed    JobStatus = "failed"
)

// Terminal reports whether no further transitions can leave this status.
func (s JobStatus) Terminal() bool {
	return s == JobCompleted || s == JobFailed
}

// batchIDSeparator joins a base id and a sequence into an externally visible
// batch id.
const batchIDSeparator = "::"

// Default limits applied when a config leaves the corresponding field zero.
const (
	DefaultHistoryLimit = 100
	DefaultPageSize     = 100
	DefaultMaxRetries   = 5
)

// BatchConfig carries the per-base-id accumulation settings. The config
// supplied on the call that creates a generation is stored on that generation
// and governs it for its whole lifetime.
type BatchConfig struct {
	// ProcessBatchRef names the registered callback that receives flushed items.
	ProcessBatchRef string `yaml:"processBatch"`

	// ImmediateFlushThreshold triggers a size-based flush attempt once reached.
	ImmediateFlushThreshold int `yaml:"immediateFlushThreshold"`

	// MaxBatchSize is the legacy name for ImmediateFlushThreshold. When both
	// are set, ImmediateFlushThreshold wins.
	MaxBatchSize int `yaml:"maxBatchSize"`

	// FlushIntervalMs forces a flush attempt this many milliseconds after a
	// generation is created, regardless of size. Zero disables the timer.
	FlushIntervalMs int64 `yaml:"flushIntervalMs"`

	// HistoryLimit caps the flush history kept per base id. Zero means
	// DefaultHistoryLimit.
	HistoryLimit int `yaml:"historyLimit"`
}

// EffectiveThreshold returns the size trigger, preferring
// ImmediateFlushThreshold over the legacy MaxBatchSize. Zero means no size
// trigger is configured.
func (c BatchConfig) EffectiveThreshold() int {
	if c.ImmediateFlushThreshold > 0 {
		return c.ImmediateFlushThreshold
	}
	return c.MaxBatchSize
}

// FlushInterval returns the interval trigger as a duration.
func (c BatchConfig) FlushInterval() time.Duration {
	return time.Duration(c.FlushIntervalMs) * time.Millisecond
}

// EffectiveHistoryLimit returns the history cap, defaulted.
func (c BatchConfig) EffectiveHistoryLimit() int {
	if c.HistoryLimit > 0 {
		return c.HistoryLimit
	}
	return DefaultHistoryLimit
}

// Validate checks the config for a batch creation call.
func (c BatchConfig) Validate() error {
	if c.ProcessBatchRef == "" {
		return fmt.Errorf("%w: processBatch callback reference is required", errors.ErrInvalidConfig)
	}
	if c.ImmediateFlushThreshold < 0 || c.MaxBatchSize < 0 || c.FlushIntervalMs < 0 {
		return fmt.Errorf("%w: thresholds and intervals must not be negative", errors.ErrInvalidConfig)
	}
	return nil
}

// Batch is one generation of accumulation for a base id. Generations are
// identified by (BaseID, Sequence); the externally visible id is
// BaseID + "::" + Sequence.
type Batch struct {
	CreatedAt     time.Time
	LastUpdatedAt time.Time

	// FlushStartedAt is the cutoff stamped when the batch transitions to
	// flushing. Chunks created at or before it belong to the in-flight flush;
	// later chunks are stranded and carried into the next cycle.
	FlushStartedAt time.Time

	BaseID string
	Status BatchStatus

	// ScheduledFlushHandle is the pending interval timer handle, empty if none.
	ScheduledFlushHandle string

	Config   BatchConfig
	Sequence int64
}

// ID returns the externally visible batch id.
func (b *Batch) ID() string {
	return FormatBatchID(b.BaseID, b.Sequence)
}

// Clone returns a copy safe for the caller to mutate.
func (b *Batch) Clone() *Batch {
	if b == nil {
		return nil
	}
	clone := *b
	return &clone
}

// FormatBatchID composes the external batch id for a generation.
func FormatBatchID(baseID string, sequence int64) string {
	return baseID + batchIDSeparator + strconv.FormatInt(sequence, 10)
}

// ParseBatchID splits an external batch id into base id and sequence.
func ParseBatchID(id string) (baseID string, sequence int64, err error) {
	idx := strings.LastIndex(id, batchIDSeparator)
	if idx < 0 {
		return "", 0, fmt.Errorf("%w: %q is not a batch id", errors.ErrNotFound, id)
	}
	sequence, err = strconv.ParseInt(id[idx+len(batchIDSeparator):], 10, 64)
	if err != nil {
		return "", 0, fmt.Errorf("%w: %q is not a batch id", errors.ErrNotFound, id)
	}
	return id[:idx], sequence, nil
}

// IsBatchID reports whether id looks like a full batch id rather than a bare
// base id.
func IsBatchID(id string) bool {
	_, _, err := ParseBatchID(id)
	return err == nil
}

// ItemChunk holds the items from exactly one AddItems call. Chunks are
// immutable once written; they are only ever inserted or deleted, never
// updated, so concurrent producers never contend on a shared record.
type ItemChunk struct {
	CreatedAt time.Time
	ChunkID   string
	BatchID   string
	Items     []any
	Count     int
}

// Clone returns a copy of the chunk. Items are treated as immutable payloads,
// so the slice is copied but the elements are shared.
func (c *ItemChunk) Clone() *ItemChunk {
	if c == nil {
		return nil
	}
	clone := *c
	clone.Items = make([]any, len(c.Items))
	copy(clone.Items, c.Items)
	return &clone
}

// FlushHistoryEntry records the outcome of one completed flush attempt.
type FlushHistoryEntry struct {
	FlushedAt time.Time
	EntryID   string
	BaseID    string
	Error     string
	Duration  time.Duration
	ItemCount int
	Success   bool
}

// Clone returns a copy of the entry.
func (e *FlushHistoryEntry) Clone() *FlushHistoryEntry {
	if e == nil {
		return nil
	}
	clone := *e
	return &clone
}

// IteratorConfig carries the settings for a table iterator job.
type IteratorConfig struct {
	// FetchPageRef names the registered callback that produces pages.
	FetchPageRef string `yaml:"fetchPage"`

	// ProcessBatchRef names the registered callback that consumes page items.
	ProcessBatchRef string `yaml:"processBatch"`

	// OnCompleteRef optionally names a callback invoked once on completion.
	OnCompleteRef string `yaml:"onComplete,omitempty"`

	// PageSize is the number of items requested per page. Zero means
	// DefaultPageSize.
	PageSize int `yaml:"pageSize"`

	// DelayBetweenPagesMs spaces out successful loop steps. Zero schedules the
	// next page immediately.
	DelayBetweenPagesMs int64 `yaml:"delayBetweenPagesMs"`

	// MaxRetries is the number of consecutive failures tolerated before the
	// job is marked failed. Zero means DefaultMaxRetries.
	MaxRetries int `yaml:"maxRetries"`
}

// EffectivePageSize returns the page size, defaulted.
func (c IteratorConfig) EffectivePageSize() int {
	if c.PageSize > 0 {
		return c.PageSize
	}
	return DefaultPageSize
}

// EffectiveMaxRetries returns the retry budget, defaulted.
func (c IteratorConfig) EffectiveMaxRetries() int {
	if c.MaxRetries > 0 {
		return c.MaxRetries
	}
	return DefaultMaxRetries
}

// DelayBetweenPages returns the inter-page delay as a duration.
func (c IteratorConfig) DelayBetweenPages() time.Duration {
	return time.Duration(c.DelayBetweenPagesMs) * time.Millisecond
}

// Validate checks the config for a job start call.
func (c IteratorConfig) Validate() error {
	if c.FetchPageRef == "" {
		return fmt.Errorf("%w: fetchPage callback reference is required", errors.ErrInvalidConfig)
	}
	if c.ProcessBatchRef == "" {
		return fmt.Errorf("%w: processBatch callback reference is required", errors.ErrInvalidConfig)
	}
	if c.PageSize < 0 || c.DelayBetweenPagesMs < 0 || c.MaxRetries < 0 {
		return fmt.Errorf("%w: page size, delay, and retries must not be negative", errors.ErrInvalidConfig)
	}
	return nil
}

// IteratorJob is the stored state of one table iteration. Status transitions
// are driven only by the public operations and the controller loop; nothing
// else mutates Cursor or ProcessedCount.
type IteratorJob struct {
	CreatedAt time.Time
	LastRunAt time.Time

	JobID  string
	Status JobStatus

	// Cursor is the opaque resume token from the last successful page, empty
	// at the start of iteration.
	Cursor string

	ErrorMessage string

	Config         IteratorConfig
	ProcessedCount int
	RetryCount     int
}

// Clone returns a copy safe for the caller to mutate.
func (j *IteratorJob) Clone() *IteratorJob {
	if j == nil {
		return nil
	}
	clone := *j
	return &clone
}
