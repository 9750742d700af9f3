package accumulator

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/theory-cloud/batchtheory/internal/logctx"
	"github.com/theory-cloud/batchtheory/pkg/errors"
	"github.com/theory-cloud/batchtheory/pkg/model"
	"github.com/theory-cloud/batchtheory/pkg/scheduler"
	"github.com/theory-cloud/batchtheory/pkg/store"
)

// transition is the outcome of one atomic flush transition attempt.
type transition struct {
	reason       string
	callbackRef  string
	cancelHandle string
	itemCount    int
	flushed      bool
}

// maybeFlush coordinates one flush attempt: run the atomic transition, and on
// success hand the batch to the executor. The split exists because the
// transition must run inside a conflict-retryable transaction while the
// external callback performs side effects that must not be retried by the
// store.
func (c *Controller) maybeFlush(ctx context.Context, batchID string, force bool) {
	log := logctx.FromContext(ctx).With().Str("batch_id", batchID).Bool("force", force).Logger()

	res, err := c.doFlushTransition(ctx, batchID, force)
	if err != nil {
		log.Error().Err(err).Msg("flush transition failed")
		return
	}
	if res.cancelHandle != "" {
		c.sched.Cancel(scheduler.Handle(res.cancelHandle))
	}
	if !res.flushed {
		log.Debug().Str("reason", res.reason).Msg("flush attempt skipped")
		return
	}

	log.Info().Int("item_count", res.itemCount).Msg("batch transitioned to flushing")
	c.executeFlush(ctx, batchID, res.callbackRef)
}

// doFlushTransition atomically moves an accumulating batch to flushing and
// stamps the cutoff. A batch that is missing or no longer accumulating is a
// clean no-op: another concurrent attempt already won the race. The total is
// computed by summing chunks, paid once here instead of on every append.
func (c *Controller) doFlushTransition(ctx context.Context, batchID string, force bool) (transition, error) {
	var res transition
	err := c.store.Update(ctx, "accumulator.flushTransition", func(tx store.Tx) error {
		res = transition{}
		b, err := tx.GetBatch(batchID)
		if errors.IsNotFound(err) {
			res.reason = "batch not found"
			return nil
		}
		if err != nil {
			return err
		}
		if b.Status != model.BatchAccumulating {
			res.reason = "not accumulating"
			return nil
		}
		chunks, err := tx.ChunksByBatch(batchID)
		if err != nil {
			return err
		}
		total := sumCounts(chunks)
		if total == 0 {
			res.reason = "batch is empty"
			return nil
		}
		if !force {
			threshold := b.Config.EffectiveThreshold()
			if threshold <= 0 || total < threshold {
				res.reason = "below threshold"
				return nil
			}
		}

		res.cancelHandle = b.ScheduledFlushHandle
		now := tx.Now()
		b.ScheduledFlushHandle = ""
		b.Status = model.BatchFlushing
		b.FlushStartedAt = now
		b.LastUpdatedAt = now
		if err := tx.UpdateBatch(b); err != nil {
			return err
		}
		res.flushed = true
		res.itemCount = total
		res.callbackRef = b.Config.ProcessBatchRef
		return nil
	})
	return res, err
}

// executeFlush runs the three-phase flush: collect the chunks at or before
// the cutoff, invoke the callback outside any transaction, then record the
// outcome and reconcile. Chunks inserted after the cutoff are stranded and
// deferred to the next cycle.
func (c *Controller) executeFlush(ctx context.Context, batchID, callbackRef string) {
	log := logctx.FromContext(ctx).With().Str("batch_id", batchID).Logger()

	// Phase 1: collect the consumed set under the cutoff.
	var consumed []*model.ItemChunk
	err := c.store.View(ctx, "accumulator.collectChunks", func(tx store.Tx) error {
		b, err := tx.GetBatch(batchID)
		if err != nil {
			return err
		}
		if b.Status != model.BatchFlushing {
			return errors.NewStateError("executeFlush", batchID, string(b.Status), string(model.BatchFlushing))
		}
		consumed, err = tx.ChunksBefore(batchID, b.FlushStartedAt)
		return err
	})
	if err != nil {
		log.Error().Err(err).Msg("failed to collect chunks for flush")
		return
	}

	items := make([]any, 0, sumCounts(consumed))
	for _, chunk := range consumed {
		items = append(items, chunk.Items...)
	}

	// Phase 2: the callback runs outside the transactional boundary and is
	// invoked at most once per attempt.
	var (
		cbErr    error
		duration time.Duration
	)
	fn, err := c.callbacks.ProcessBatch(callbackRef)
	if err != nil {
		cbErr = err
	} else {
		start := time.Now()
		if err := fn(ctx, items); err != nil {
			cbErr = errors.NewCallbackError(callbackRef, err)
		}
		duration = time.Since(start)
	}

	// Phase 3: record the outcome and reconcile state transactionally.
	var rearm rearmAction
	err = c.store.Update(ctx, "accumulator.finishFlush", func(tx store.Tx) error {
		rearm = rearmAction{}
		b, err := tx.GetBatch(batchID)
		if err != nil {
			return err
		}
		if b.Status != model.BatchFlushing {
			return errors.NewStateError("finishFlush", batchID, string(b.Status), string(model.BatchFlushing))
		}

		if err := c.recordHistory(tx, b, len(items), duration, cbErr); err != nil {
			return err
		}

		now := tx.Now()
		if cbErr != nil {
			// Revert so the same still-present chunks are retried later.
			b.Status = model.BatchAccumulating
			b.FlushStartedAt = time.Time{}
			b.LastUpdatedAt = now
			rearm = rearmAction{interval: b.Config.FlushInterval()}
			return tx.UpdateBatch(b)
		}

		all, err := tx.ChunksByBatch(batchID)
		if err != nil {
			return err
		}
		consumedIDs := make(map[string]bool, len(consumed))
		for _, chunk := range consumed {
			consumedIDs[chunk.ChunkID] = true
		}
		strandedCount := 0
		for _, chunk := range all {
			if !consumedIDs[chunk.ChunkID] {
				strandedCount += chunk.Count
			}
		}
		for _, chunk := range consumed {
			if err := tx.DeleteChunk(chunk); err != nil {
				return err
			}
		}

		if strandedCount > 0 {
			b.Status = model.BatchAccumulating
			b.FlushStartedAt = time.Time{}
			b.LastUpdatedAt = now
			rearm = rearmAction{
				interval:  b.Config.FlushInterval(),
				immediate: b.Config.EffectiveThreshold() > 0 && strandedCount >= b.Config.EffectiveThreshold(),
			}
			return tx.UpdateBatch(b)
		}

		b.Status = model.BatchCompleted
		b.FlushStartedAt = time.Time{}
		b.LastUpdatedAt = now
		if err := tx.UpdateBatch(b); err != nil {
			return err
		}
		return c.pruneCompleted(tx, b)
	})
	if err != nil {
		log.Error().Err(err).Msg("failed to finish flush")
		return
	}

	if cbErr != nil {
		log.Warn().Err(cbErr).Dur("duration", duration).Msg("flush callback failed, batch reverted")
	} else {
		log.Info().Int("item_count", len(items)).Dur("duration", duration).Msg("flush completed")
	}

	switch {
	case rearm.immediate:
		c.scheduleFlushAttempt(ctx, batchID, false, 0)
	case rearm.interval > 0:
		c.armIntervalTimer(ctx, batchID, rearm.interval)
	}
}

// rearmAction describes how a reverted batch gets its next trigger.
type rearmAction struct {
	interval  time.Duration
	immediate bool
}

// recordHistory appends the flush outcome and prunes entries beyond the
// configured cap, oldest first. The staged entry is accounted for explicitly
// because reads do not observe this transaction's own writes.
func (c *Controller) recordHistory(tx store.Tx, b *model.Batch, itemCount int, duration time.Duration, cbErr error) error {
	entry := &model.FlushHistoryEntry{
		EntryID:   uuid.NewString(),
		BaseID:    b.BaseID,
		ItemCount: itemCount,
		FlushedAt: tx.Now(),
		Duration:  duration,
		Success:   cbErr == nil,
	}
	if cbErr != nil {
		entry.Error = cbErr.Error()
	}
	if err := tx.AppendHistory(entry); err != nil {
		return err
	}

	existing, err := tx.HistoryByBase(b.BaseID, 0)
	if err != nil {
		return err
	}
	limit := b.Config.EffectiveHistoryLimit()
	excess := len(existing) + 1 - limit
	for i := 0; i < excess; i++ {
		// existing is newest first; prune from the tail.
		if err := tx.DeleteHistory(existing[len(existing)-1-i]); err != nil {
			return err
		}
	}
	return nil
}

// pruneCompleted deletes older completed generations of the same base id,
// keeping only the newest, so storage stays bounded.
func (c *Controller) pruneCompleted(tx store.Tx, newest *model.Batch) error {
	generations, err := tx.BatchesByBase(newest.BaseID)
	if err != nil {
		return err
	}
	for _, g := range generations {
		if g.Status != model.BatchCompleted || g.Sequence >= newest.Sequence {
			continue
		}
		chunks, err := tx.ChunksByBatch(g.ID())
		if err != nil {
			return err
		}
		for _, chunk := range chunks {
			if err := tx.DeleteChunk(chunk); err != nil {
				return err
			}
		}
		if err := tx.DeleteBatch(g.ID()); err != nil {
			return err
		}
	}
	return nil
}
