// Package accumulator implements the batch accumulator: items are buffered in
// append-only chunks under a per-base-id batch generation and flushed to a
// registered callback once a size threshold or an interval timer fires,
// whichever comes first.
//
// Concurrent producers never contend on a shared counter or array: every
// AddItems call inserts its own immutable chunk, and totals are computed by
// summing chunks only at the few points that need them. The one deliberate
// serialization point is the flush transition, where the store's conflict
// detection lets exactly one of several racing attempts win.
package accumulator

import (
	"context"
	stderrors "errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/theory-cloud/batchtheory/internal/logctx"
	"github.com/theory-cloud/batchtheory/pkg/callback"
	"github.com/theory-cloud/batchtheory/pkg/errors"
	"github.com/theory-cloud/batchtheory/pkg/model"
	"github.com/theory-cloud/batchtheory/pkg/scheduler"
	"github.com/theory-cloud/batchtheory/pkg/store"
)

// defaultHistoryQueryLimit bounds GetFlushHistory when the caller passes no
// limit.
const defaultHistoryQueryLimit = 20

// errTimerObsolete aborts the handle-persisting transaction when the batch
// moved on before the timer handle could be stored.
var errTimerObsolete = stderrors.New("interval timer obsolete")

// Controller owns the batch lifecycle: ingestion, the dual-trigger flush
// decision, the atomic transition, flush execution, and reconciliation of
// stranded chunks.
type Controller struct {
	store     store.Store
	sched     scheduler.Scheduler
	callbacks *callback.Registry
}

// New creates an accumulator controller.
func New(st store.Store, sched scheduler.Scheduler, callbacks *callback.Registry) *Controller {
	return &Controller{store: st, sched: sched, callbacks: callbacks}
}

// AddResult is returned by AddItems. ItemsAdded counts only the items passed
// in that call; batch totals require GetBatchStatus, which computes them on
// demand.
type AddResult struct {
	BaseID     string
	BatchID    string
	Status     model.BatchStatus
	ItemsAdded int
}

// FlushResult is returned by Flush.
type FlushResult struct {
	BaseID  string
	BatchID string
	Status  model.BatchStatus
}

// GenerationStatus describes one active generation in a status query.
type GenerationStatus struct {
	CreatedAt     time.Time
	LastUpdatedAt time.Time
	BatchID       string
	Status        model.BatchStatus
	ItemCount     int
	Sequence      int64
}

// BatchStatusResult lists the active generations for a base id, newest first.
type BatchStatusResult struct {
	BaseID      string
	Generations []GenerationStatus
}

// DeleteResult is returned by DeleteBatch.
type DeleteResult struct {
	Reason  string
	Deleted bool
}

// AddItems appends items to the current batch for baseID, creating a new
// generation when none is active. The call always inserts a fresh chunk; it
// never updates an existing chunk or a running total. When the per-call item
// count alone reaches the size threshold, an unforced flush attempt is
// scheduled with zero delay; the call does not wait for it.
func (c *Controller) AddItems(ctx context.Context, baseID string, items []any, cfg model.BatchConfig) (*AddResult, error) {
	if baseID == "" {
		return nil, fmt.Errorf("%w: baseId is required", errors.ErrInvalidConfig)
	}
	if len(items) == 0 {
		return nil, fmt.Errorf("%w: items are required", errors.ErrInvalidConfig)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if _, err := c.callbacks.ProcessBatch(cfg.ProcessBatchRef); err != nil {
		return nil, err
	}

	var (
		batch   *model.Batch
		created bool
	)
	err := c.store.Update(ctx, "accumulator.addItems", func(tx store.Tx) error {
		created = false
		target, err := c.activeBatch(tx, baseID)
		if err != nil {
			return err
		}
		now := tx.Now()
		if target == nil {
			sequence := int64(0)
			maxSeq, found, err := tx.MaxSequence(baseID)
			if err != nil {
				return err
			}
			if found {
				sequence = maxSeq + 1
			}
			target = &model.Batch{
				BaseID:        baseID,
				Sequence:      sequence,
				Status:        model.BatchAccumulating,
				Config:        cfg,
				CreatedAt:     now,
				LastUpdatedAt: now,
			}
			if err := tx.InsertBatch(target); err != nil {
				return err
			}
			created = true
		} else if target.Status == model.BatchFlushing {
			// The finishing flush re-reads the batch before committing.
			// Bumping its version here makes a finish transaction that
			// already scanned the chunks conflict and re-run, so this
			// chunk is counted as stranded instead of orphaned under a
			// completed batch.
			target.LastUpdatedAt = now
			if err := tx.UpdateBatch(target); err != nil {
				return err
			}
		}
		batch = target
		chunk := &model.ItemChunk{
			ChunkID:   uuid.NewString(),
			BatchID:   target.ID(),
			Items:     items,
			Count:     len(items),
			CreatedAt: now,
		}
		return tx.InsertChunk(chunk)
	})
	if err != nil {
		return nil, err
	}

	if created && batch.Config.FlushInterval() > 0 {
		c.armIntervalTimer(ctx, batch.ID(), batch.Config.FlushInterval())
	}
	if threshold := batch.Config.EffectiveThreshold(); threshold > 0 && len(items) >= threshold {
		c.scheduleFlushAttempt(ctx, batch.ID(), false, 0)
	}

	return &AddResult{
		BaseID:     baseID,
		BatchID:    batch.ID(),
		Status:     batch.Status,
		ItemsAdded: len(items),
	}, nil
}

// activeBatch returns the generation new chunks attach to: the accumulating
// generation when one exists, otherwise the newest flushing one (its chunks
// land after the cutoff and are reconciled as stranded), otherwise nil.
func (c *Controller) activeBatch(tx store.Tx, baseID string) (*model.Batch, error) {
	active, err := tx.ActiveBatches(baseID)
	if err != nil {
		return nil, err
	}
	var flushing *model.Batch
	for _, b := range active {
		if b.Status == model.BatchAccumulating {
			return b, nil
		}
		flushing = b
	}
	return flushing, nil
}

// Flush schedules a forced flush attempt for the batch identified by id,
// which may be a full batch id or a base id (resolving to its accumulating
// generation). It validates state synchronously and returns without waiting
// for the flush itself.
func (c *Controller) Flush(ctx context.Context, id string) (*FlushResult, error) {
	var batch *model.Batch
	err := c.store.View(ctx, "accumulator.flush", func(tx store.Tx) error {
		b, err := c.locate(tx, id)
		if err != nil {
			return err
		}
		if b.Status != model.BatchAccumulating {
			return errors.NewStateError("flush", b.ID(), string(b.Status), string(model.BatchAccumulating))
		}
		chunks, err := tx.ChunksByBatch(b.ID())
		if err != nil {
			return err
		}
		if sumCounts(chunks) == 0 {
			return fmt.Errorf("%w: %s", errors.ErrEmptyBatch, b.ID())
		}
		batch = b
		return nil
	})
	if err != nil {
		return nil, err
	}

	c.scheduleFlushAttempt(ctx, batch.ID(), true, 0)
	return &FlushResult{BaseID: batch.BaseID, BatchID: batch.ID(), Status: model.BatchFlushing}, nil
}

// GetBatchStatus returns the active generations for a base id with on-demand
// item counts, newest first. It returns nil when no generation is active.
func (c *Controller) GetBatchStatus(ctx context.Context, baseID string) (*BatchStatusResult, error) {
	var result *BatchStatusResult
	err := c.store.View(ctx, "accumulator.getBatchStatus", func(tx store.Tx) error {
		result = nil
		active, err := tx.ActiveBatches(baseID)
		if err != nil {
			return err
		}
		if len(active) == 0 {
			return nil
		}
		generations := make([]GenerationStatus, 0, len(active))
		for i := len(active) - 1; i >= 0; i-- {
			b := active[i]
			chunks, err := tx.ChunksByBatch(b.ID())
			if err != nil {
				return err
			}
			generations = append(generations, GenerationStatus{
				BatchID:       b.ID(),
				Sequence:      b.Sequence,
				Status:        b.Status,
				ItemCount:     sumCounts(chunks),
				CreatedAt:     b.CreatedAt,
				LastUpdatedAt: b.LastUpdatedAt,
			})
		}
		result = &BatchStatusResult{BaseID: baseID, Generations: generations}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// GetFlushHistory returns the flush history for a base id, newest first.
// limit <= 0 applies a default.
func (c *Controller) GetFlushHistory(ctx context.Context, baseID string, limit int) ([]*model.FlushHistoryEntry, error) {
	if limit <= 0 {
		limit = defaultHistoryQueryLimit
	}
	var entries []*model.FlushHistoryEntry
	err := c.store.View(ctx, "accumulator.getFlushHistory", func(tx store.Tx) error {
		var err error
		entries, err = tx.HistoryByBase(baseID, limit)
		return err
	})
	if err != nil {
		return nil, err
	}
	return entries, nil
}

// DeleteBatch removes a batch and its chunks. It refuses while the batch is
// flushing, or while it is accumulating with items present.
func (c *Controller) DeleteBatch(ctx context.Context, id string) (*DeleteResult, error) {
	var (
		result       *DeleteResult
		cancelHandle string
	)
	err := c.store.Update(ctx, "accumulator.deleteBatch", func(tx store.Tx) error {
		cancelHandle = ""
		b, err := c.locate(tx, id)
		if errors.IsNotFound(err) {
			result = &DeleteResult{Deleted: false, Reason: "batch not found"}
			return nil
		}
		if err != nil {
			return err
		}
		chunks, err := tx.ChunksByBatch(b.ID())
		if err != nil {
			return err
		}
		switch {
		case b.Status == model.BatchFlushing:
			result = &DeleteResult{Deleted: false, Reason: "batch is flushing"}
			return nil
		case b.Status == model.BatchAccumulating && sumCounts(chunks) > 0:
			result = &DeleteResult{Deleted: false, Reason: "batch has items"}
			return nil
		}
		for _, chunk := range chunks {
			if err := tx.DeleteChunk(chunk); err != nil {
				return err
			}
		}
		if err := tx.DeleteBatch(b.ID()); err != nil {
			return err
		}
		cancelHandle = b.ScheduledFlushHandle
		result = &DeleteResult{Deleted: true}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if cancelHandle != "" {
		c.sched.Cancel(scheduler.Handle(cancelHandle))
	}
	return result, nil
}

// locate resolves a full batch id, or a base id to its accumulating
// generation.
func (c *Controller) locate(tx store.Tx, id string) (*model.Batch, error) {
	if model.IsBatchID(id) {
		b, err := tx.GetBatch(id)
		if err == nil {
			return b, nil
		}
		if !errors.IsNotFound(err) {
			return nil, err
		}
		// Fall through: the id may be a base id that happens to parse.
	}
	active, err := tx.ActiveBatches(id)
	if err != nil {
		return nil, err
	}
	for _, b := range active {
		if b.Status == model.BatchAccumulating {
			return b, nil
		}
	}
	return nil, fmt.Errorf("%w: no accumulating batch for %q", errors.ErrNotFound, id)
}

// scheduleFlushAttempt queues a flush attempt through the scheduler. Attempts
// are fire-and-forget: racing attempts are expected, and losers terminate on
// the transition's state check.
func (c *Controller) scheduleFlushAttempt(ctx context.Context, batchID string, force bool, delay time.Duration) {
	_, err := c.sched.RunAfter(delay, func(taskCtx context.Context) {
		c.maybeFlush(taskCtx, batchID, force)
	})
	if err != nil {
		log := logctx.FromContext(ctx)
		log.Warn().Err(err).Str("batch_id", batchID).Msg("failed to schedule flush attempt")
	}
}

// armIntervalTimer schedules the forced interval flush and persists its
// handle on the batch so a later transition can cancel it. When the batch
// moved on in the meantime the fresh timer is cancelled instead.
func (c *Controller) armIntervalTimer(ctx context.Context, batchID string, delay time.Duration) {
	log := logctx.FromContext(ctx).With().Str("batch_id", batchID).Logger()

	handle, err := c.sched.RunAfter(delay, func(taskCtx context.Context) {
		c.maybeFlush(taskCtx, batchID, true)
	})
	if err != nil {
		log.Warn().Err(err).Msg("failed to arm interval timer")
		return
	}

	err = c.store.Update(ctx, "accumulator.armIntervalTimer", func(tx store.Tx) error {
		b, err := tx.GetBatch(batchID)
		if err != nil {
			return err
		}
		if b.Status != model.BatchAccumulating || b.ScheduledFlushHandle != "" {
			return errTimerObsolete
		}
		b.ScheduledFlushHandle = string(handle)
		b.LastUpdatedAt = tx.Now()
		return tx.UpdateBatch(b)
	})
	if err != nil {
		c.sched.Cancel(handle)
		if !stderrors.Is(err, errTimerObsolete) && !errors.IsNotFound(err) {
			log.Warn().Err(err).Msg("failed to persist interval timer handle")
		}
	}
}

func sumCounts(chunks []*model.ItemChunk) int {
	total := 0
	for _, chunk := range chunks {
		total += chunk.Count
	}
	return total
}
