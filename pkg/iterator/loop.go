package iterator

import (
	"context"

	"github.com/theory-cloud/batchtheory/internal/logctx"
	"github.com/theory-cloud/batchtheory/pkg/callback"
	"github.com/theory-cloud/batchtheory/pkg/errors"
	"github.com/theory-cloud/batchtheory/pkg/model"
	"github.com/theory-cloud/batchtheory/pkg/store"
)

// processNextPage is one loop step: fetch a page, process it, and record
// progress. It reloads the job first and stops silently when the job is no
// longer running: a pause or cancel that landed between scheduling and
// execution is expected, not an error.
func (c *Controller) processNextPage(ctx context.Context, jobID string) {
	log := logctx.FromContext(ctx).With().Str("job_id", jobID).Logger()

	var job *model.IteratorJob
	err := c.store.View(ctx, "iterator.loadJob", func(tx store.Tx) error {
		j, err := tx.GetJob(jobID)
		if err != nil {
			return err
		}
		job = j
		return nil
	})
	if err != nil {
		if !errors.IsNotFound(err) {
			log.Error().Err(err).Msg("failed to load iterator job")
		}
		return
	}
	if job.Status != model.JobRunning {
		log.Debug().Str("status", string(job.Status)).Msg("iterator step skipped")
		return
	}

	page, cbErr := c.runCallbacks(ctx, job)
	if cbErr != nil {
		c.recordFailure(ctx, jobID, cbErr)
		return
	}
	c.recordProgress(ctx, jobID, page)
}

// runCallbacks invokes the external fetch and process callbacks outside any
// transaction. They are invoked at most once per attempt; their outcome is
// recorded transactionally afterward.
func (c *Controller) runCallbacks(ctx context.Context, job *model.IteratorJob) (callback.Page, error) {
	fetch, err := c.callbacks.FetchPage(job.Config.FetchPageRef)
	if err != nil {
		return callback.Page{}, err
	}
	process, err := c.callbacks.ProcessBatch(job.Config.ProcessBatchRef)
	if err != nil {
		return callback.Page{}, err
	}

	page, err := fetch(ctx, job.Cursor, job.Config.EffectivePageSize())
	if err != nil {
		return callback.Page{}, errors.NewCallbackError(job.Config.FetchPageRef, err)
	}
	if len(page.Items) > 0 {
		if err := process(ctx, page.Items); err != nil {
			return callback.Page{}, errors.NewCallbackError(job.Config.ProcessBatchRef, err)
		}
	}
	return page, nil
}

// recordProgress advances the cursor after a successful page, resets the
// retry count, and either completes the job or schedules the next step.
func (c *Controller) recordProgress(ctx context.Context, jobID string, page callback.Page) {
	log := logctx.FromContext(ctx).With().Str("job_id", jobID).Logger()

	var (
		completed bool
		job       *model.IteratorJob
	)
	err := c.store.Update(ctx, "iterator.recordProgress", func(tx store.Tx) error {
		j, err := tx.GetJob(jobID)
		if err != nil {
			return err
		}
		if j.Status != model.JobRunning {
			completed = false
			job = j
			return nil
		}
		j.ProcessedCount += len(page.Items)
		j.Cursor = page.Cursor
		j.RetryCount = 0
		j.LastRunAt = tx.Now()
		if page.Done {
			j.Status = model.JobCompleted
		}
		completed = page.Done
		job = j
		return tx.UpdateJob(j)
	})
	if err != nil {
		log.Error().Err(err).Msg("failed to record iterator progress")
		return
	}
	if job.Status != model.JobRunning && !completed {
		log.Debug().Str("status", string(job.Status)).Msg("iterator progress dropped, job no longer running")
		return
	}

	if completed {
		log.Info().Int("processed_count", job.ProcessedCount).Msg("iterator job completed")
		c.invokeOnComplete(ctx, job)
		return
	}
	c.scheduleStep(ctx, jobID, job.Config.DelayBetweenPages())
}

// recordFailure increments the retry count and either schedules a backoff
// retry of the same step, without advancing the cursor, or marks the job
// failed once the budget is spent.
func (c *Controller) recordFailure(ctx context.Context, jobID string, cbErr error) {
	log := logctx.FromContext(ctx).With().Str("job_id", jobID).Logger()

	var job *model.IteratorJob
	err := c.store.Update(ctx, "iterator.recordFailure", func(tx store.Tx) error {
		j, err := tx.GetJob(jobID)
		if err != nil {
			return err
		}
		job = j
		if j.Status != model.JobRunning {
			return nil
		}
		j.RetryCount++
		j.ErrorMessage = cbErr.Error()
		j.LastRunAt = tx.Now()
		if j.RetryCount >= j.Config.EffectiveMaxRetries() {
			j.Status = model.JobFailed
		}
		return tx.UpdateJob(j)
	})
	if err != nil {
		log.Error().Err(err).Msg("failed to record iterator failure")
		return
	}

	switch job.Status {
	case model.JobRunning:
		delay := retryBackoff(job.RetryCount)
		log.Warn().Err(cbErr).Int("retry_count", job.RetryCount).Dur("backoff", delay).Msg("iterator step failed, retrying")
		c.scheduleStep(ctx, jobID, delay)
	case model.JobFailed:
		log.Error().Err(cbErr).Int("retry_count", job.RetryCount).Msg("iterator job failed, retries exhausted")
	default:
		log.Debug().Str("status", string(job.Status)).Msg("iterator failure dropped, job no longer running")
	}
}

// invokeOnComplete runs the optional completion callback once. Failures are
// logged; the job stays completed.
func (c *Controller) invokeOnComplete(ctx context.Context, job *model.IteratorJob) {
	if job.Config.OnCompleteRef == "" {
		return
	}
	log := logctx.FromContext(ctx).With().Str("job_id", job.JobID).Logger()
	fn, err := c.callbacks.OnComplete(job.Config.OnCompleteRef)
	if err != nil {
		log.Warn().Err(err).Msg("onComplete callback not registered")
		return
	}
	if err := fn(ctx, job.JobID, job.ProcessedCount); err != nil {
		log.Warn().Err(err).Msg("onComplete callback failed")
	}
}
