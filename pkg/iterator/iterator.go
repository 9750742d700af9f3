// Package iterator implements the table iterator: a stored job walks a large
// collection in bounded pages through host-supplied callbacks, with
// pause/resume/cancel control and capped exponential backoff on failures.
//
// Cancellation is cooperative, never preemptive: pause and cancel flip the
// stored status, and an already-scheduled loop step observes it on re-entry
// and stops itself.
package iterator

import (
	"context"
	"fmt"
	"time"

	"github.com/theory-cloud/batchtheory/internal/logctx"
	"github.com/theory-cloud/batchtheory/pkg/callback"
	"github.com/theory-cloud/batchtheory/pkg/errors"
	"github.com/theory-cloud/batchtheory/pkg/model"
	"github.com/theory-cloud/batchtheory/pkg/scheduler"
	"github.com/theory-cloud/batchtheory/pkg/store"
)

// maxRetryBackoff caps the exponential retry delay.
const maxRetryBackoff = 30 * time.Second

// Controller owns the iterator job lifecycle: paging, invoking the external
// page-fetch and process callbacks, retry/backoff, and the control surface.
type Controller struct {
	store     store.Store
	sched     scheduler.Scheduler
	callbacks *callback.Registry
}

// New creates an iterator controller.
func New(st store.Store, sched scheduler.Scheduler, callbacks *callback.Registry) *Controller {
	return &Controller{store: st, sched: sched, callbacks: callbacks}
}

// JobResult is the snapshot returned by the job control operations.
type JobResult struct {
	JobID          string
	Status         model.JobStatus
	ErrorMessage   string
	ProcessedCount int
	RetryCount     int
}

// JobStatusResult is the full read-only projection of a job.
type JobStatusResult struct {
	CreatedAt      time.Time
	LastRunAt      time.Time
	JobID          string
	Status         model.JobStatus
	Cursor         string
	ErrorMessage   string
	Config         model.IteratorConfig
	ProcessedCount int
	RetryCount     int
}

// JobListItem is one row of a job listing.
type JobListItem struct {
	CreatedAt      time.Time
	LastRunAt      time.Time
	JobID          string
	Status         model.JobStatus
	ProcessedCount int
}

// DeleteResult is returned by DeleteJob.
type DeleteResult struct {
	Reason  string
	Deleted bool
}

// StartJob creates a job in running state and schedules the processing loop
// immediately. It fails when the job id is already taken.
func (c *Controller) StartJob(ctx context.Context, jobID string, cfg model.IteratorConfig) (*JobResult, error) {
	if jobID == "" {
		return nil, fmt.Errorf("%w: jobId is required", errors.ErrInvalidConfig)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if _, err := c.callbacks.FetchPage(cfg.FetchPageRef); err != nil {
		return nil, err
	}
	if _, err := c.callbacks.ProcessBatch(cfg.ProcessBatchRef); err != nil {
		return nil, err
	}
	if cfg.OnCompleteRef != "" {
		if _, err := c.callbacks.OnComplete(cfg.OnCompleteRef); err != nil {
			return nil, err
		}
	}

	err := c.store.Update(ctx, "iterator.startJob", func(tx store.Tx) error {
		_, err := tx.GetJob(jobID)
		if err == nil {
			return fmt.Errorf("%w: %s", errors.ErrJobExists, jobID)
		}
		if !errors.IsNotFound(err) {
			return err
		}
		now := tx.Now()
		return tx.InsertJob(&model.IteratorJob{
			JobID:     jobID,
			Status:    model.JobRunning,
			Config:    cfg,
			CreatedAt: now,
			LastRunAt: now,
		})
	})
	if err != nil {
		return nil, err
	}

	c.scheduleStep(ctx, jobID, 0)
	return &JobResult{JobID: jobID, Status: model.JobRunning}, nil
}

// PauseJob moves a running job to paused. An already-scheduled loop step is
// not cancelled; it observes paused on re-entry and stops.
func (c *Controller) PauseJob(ctx context.Context, jobID string) (*JobResult, error) {
	return c.transition(ctx, "iterator.pauseJob", jobID, func(j *model.IteratorJob, now time.Time) error {
		if j.Status != model.JobRunning {
			return errors.NewStateError("pause", jobID, string(j.Status), string(model.JobRunning))
		}
		j.Status = model.JobPaused
		return nil
	})
}

// ResumeJob moves a paused job back to running, resets its retry count, and
// reschedules the loop immediately.
func (c *Controller) ResumeJob(ctx context.Context, jobID string) (*JobResult, error) {
	result, err := c.transition(ctx, "iterator.resumeJob", jobID, func(j *model.IteratorJob, now time.Time) error {
		if j.Status != model.JobPaused {
			return errors.NewStateError("resume", jobID, string(j.Status), string(model.JobPaused))
		}
		j.Status = model.JobRunning
		j.RetryCount = 0
		return nil
	})
	if err != nil {
		return nil, err
	}
	c.scheduleStep(ctx, jobID, 0)
	return result, nil
}

// CancelJob marks a job failed with a cancellation message. Jobs already in a
// terminal state are left untouched and their current status is returned.
// There is no mechanism to abort an in-flight scheduled step; cancellation is
// cooperative via the status check at loop entry.
func (c *Controller) CancelJob(ctx context.Context, jobID string) (*JobResult, error) {
	return c.transition(ctx, "iterator.cancelJob", jobID, func(j *model.IteratorJob, now time.Time) error {
		if j.Status.Terminal() {
			return nil
		}
		j.Status = model.JobFailed
		j.ErrorMessage = "cancelled by user"
		return nil
	})
}

// transition runs a guarded job mutation and returns the resulting snapshot.
// A mutate that returns nil without changing the job leaves it untouched.
func (c *Controller) transition(ctx context.Context, op, jobID string, mutate func(j *model.IteratorJob, now time.Time) error) (*JobResult, error) {
	var result *JobResult
	err := c.store.Update(ctx, op, func(tx store.Tx) error {
		j, err := tx.GetJob(jobID)
		if err != nil {
			return err
		}
		before := *j
		if err := mutate(j, tx.Now()); err != nil {
			return err
		}
		if *j != before {
			if err := tx.UpdateJob(j); err != nil {
				return err
			}
		}
		result = &JobResult{
			JobID:          j.JobID,
			Status:         j.Status,
			ErrorMessage:   j.ErrorMessage,
			ProcessedCount: j.ProcessedCount,
			RetryCount:     j.RetryCount,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// GetJobStatus returns the job projection, or nil when the job is unknown.
func (c *Controller) GetJobStatus(ctx context.Context, jobID string) (*JobStatusResult, error) {
	var result *JobStatusResult
	err := c.store.View(ctx, "iterator.getJobStatus", func(tx store.Tx) error {
		result = nil
		j, err := tx.GetJob(jobID)
		if errors.IsNotFound(err) {
			return nil
		}
		if err != nil {
			return err
		}
		result = &JobStatusResult{
			JobID:          j.JobID,
			Status:         j.Status,
			Cursor:         j.Cursor,
			ErrorMessage:   j.ErrorMessage,
			Config:         j.Config,
			ProcessedCount: j.ProcessedCount,
			RetryCount:     j.RetryCount,
			CreatedAt:      j.CreatedAt,
			LastRunAt:      j.LastRunAt,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// ListJobs lists jobs, optionally filtered by status. limit <= 0 means no
// limit.
func (c *Controller) ListJobs(ctx context.Context, status model.JobStatus, limit int) ([]JobListItem, error) {
	var items []JobListItem
	err := c.store.View(ctx, "iterator.listJobs", func(tx store.Tx) error {
		var (
			jobs []*model.IteratorJob
			err  error
		)
		if status == "" {
			jobs, err = tx.ListJobs(limit)
		} else {
			jobs, err = tx.JobsByStatus(status, limit)
		}
		if err != nil {
			return err
		}
		items = make([]JobListItem, 0, len(jobs))
		for _, j := range jobs {
			items = append(items, JobListItem{
				JobID:          j.JobID,
				Status:         j.Status,
				ProcessedCount: j.ProcessedCount,
				CreatedAt:      j.CreatedAt,
				LastRunAt:      j.LastRunAt,
			})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return items, nil
}

// DeleteJob removes a job record. It refuses while the job is running or
// paused.
func (c *Controller) DeleteJob(ctx context.Context, jobID string) (*DeleteResult, error) {
	var result *DeleteResult
	err := c.store.Update(ctx, "iterator.deleteJob", func(tx store.Tx) error {
		j, err := tx.GetJob(jobID)
		if errors.IsNotFound(err) {
			result = &DeleteResult{Deleted: false, Reason: "job not found"}
			return nil
		}
		if err != nil {
			return err
		}
		if !j.Status.Terminal() {
			result = &DeleteResult{Deleted: false, Reason: fmt.Sprintf("job is %s", j.Status)}
			return nil
		}
		if err := tx.DeleteJob(jobID); err != nil {
			return err
		}
		result = &DeleteResult{Deleted: true}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// scheduleStep queues the next loop step through the scheduler.
func (c *Controller) scheduleStep(ctx context.Context, jobID string, delay time.Duration) {
	_, err := c.sched.RunAfter(delay, func(taskCtx context.Context) {
		c.processNextPage(taskCtx, jobID)
	})
	if err != nil {
		log := logctx.FromContext(ctx)
		log.Warn().Err(err).Str("job_id", jobID).Msg("failed to schedule iterator step")
	}
}

// retryBackoff returns the delay before retry number retry (1-based):
// 1s, 2s, 4s, ... capped at 30s.
func retryBackoff(retry int) time.Duration {
	if retry < 1 {
		retry = 1
	}
	if retry > 6 {
		return maxRetryBackoff
	}
	d := time.Second << (retry - 1)
	if d > maxRetryBackoff {
		d = maxRetryBackoff
	}
	return d
}
