// Package queue is the durable, ordered record of pipeline work. It is a
// thin policy layer over the processing_job table: all mutual exclusion
// happens through the repository's conditional updates, so workers in
// separate processes coordinate correctly.
package queue

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/tuzimao/Ai-Question-Generator-sub002/pkg/errorsx"
	"github.com/tuzimao/Ai-Question-Generator-sub002/pkg/repository"
	"github.com/tuzimao/Ai-Question-Generator-sub002/pkg/types"
)

// Config holds the retry policy of the queue.
type Config struct {
	MaxRetries int
	// BackoffBase is the delay before the first retry; each subsequent
	// retry doubles it.
	BackoffBase time.Duration
	// StaleRunning is the horizon after which a running job is claimable
	// again.
	StaleRunning time.Duration
}

// Queue exposes enqueue/claim/complete/fail/cancel/list over the job table.
type Queue struct {
	repo repository.Repository
	cfg  Config
	log  *zap.Logger
}

// New returns a queue over the given repository.
func New(repo repository.Repository, cfg Config, log *zap.Logger) *Queue {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = 5 * time.Second
	}
	if cfg.StaleRunning <= 0 {
		cfg.StaleRunning = 10 * time.Minute
	}
	return &Queue{repo: repo, cfg: cfg, log: log}
}

// Enqueue inserts a queued job for the document and stage. Enqueueing over
// an already active (doc, job type) pair returns ErrAlreadyExists.
func (q *Queue) Enqueue(ctx context.Context, docUID types.DocUIDType, ownerUID types.UserUIDType, jobType types.JobType, priority int) (*repository.JobModel, error) {
	job, err := q.repo.EnqueueJob(ctx, repository.JobModel{
		DocUID:     docUID,
		OwnerUID:   ownerUID,
		JobType:    jobType,
		Priority:   priority,
		MaxRetries: q.cfg.MaxRetries,
	})
	if err != nil {
		return nil, err
	}
	q.log.Info("job enqueued",
		zap.String("jobUID", job.UID.String()),
		zap.String("docUID", docUID.String()),
		zap.String("jobType", string(jobType)))
	return job, nil
}

// Claim hands the highest-priority eligible job to exactly one caller, or
// returns nil with no side effects when nothing is claimable.
func (q *Queue) Claim(ctx context.Context, workerID string, jobTypes []types.JobType) (*repository.JobModel, error) {
	return q.repo.ClaimNextJob(ctx, workerID, jobTypes, q.cfg.StaleRunning)
}

// Complete moves a running job to succeeded; completing a terminal job is a
// no-op.
func (q *Queue) Complete(ctx context.Context, jobUID types.JobUIDType) error {
	return q.repo.CompleteJob(ctx, jobUID)
}

// Fail records a stage failure. The retry decision follows the error
// taxonomy: structural failures go terminal immediately, anything else is
// requeued with exponential backoff until max retries. The updated job is
// returned so the caller can tell whether the failure was terminal.
func (q *Queue) Fail(ctx context.Context, jobUID types.JobUIDType, execErr error) (*repository.JobModel, error) {
	job, err := q.repo.GetJobByUID(ctx, jobUID)
	if err != nil {
		return nil, err
	}
	retryable := errorsx.Retryable(execErr)
	backoff := q.cfg.BackoffBase << uint(job.RetryCount)

	updated, err := q.repo.FailJob(ctx, jobUID, execErr.Error(), retryable, backoff)
	if err != nil {
		if errors.Is(err, errorsx.ErrJobTerminal) {
			return job, nil
		}
		return nil, err
	}
	q.log.Warn("job failed",
		zap.String("jobUID", jobUID.String()),
		zap.String("jobType", string(updated.JobType)),
		zap.String("status", string(updated.Status)),
		zap.Int("retryCount", updated.RetryCount),
		zap.Bool("retryable", retryable),
		zap.Error(execErr))
	return updated, nil
}

// Cancel moves a queued job to cancelled; a running job is flagged for
// cooperative cancellation and aborts at the worker's next safe point.
func (q *Queue) Cancel(ctx context.Context, jobUID types.JobUIDType) error {
	err := q.repo.CancelJob(ctx, jobUID)
	if err == nil {
		return nil
	}
	if !errors.Is(err, errorsx.ErrConcurrencyConflict) {
		return err
	}
	job, getErr := q.repo.GetJobByUID(ctx, jobUID)
	if getErr != nil {
		return getErr
	}
	if job.Status == types.JobStatusRunning {
		return q.repo.RequestJobCancel(ctx, jobUID)
	}
	return errorsx.ErrJobTerminal
}

// CancelRequested reports whether the job should abort at the next safe
// point.
func (q *Queue) CancelRequested(ctx context.Context, jobUID types.JobUIDType) (bool, error) {
	return q.repo.JobCancelRequested(ctx, jobUID)
}

// List returns jobs matching the filter.
func (q *Queue) List(ctx context.Context, filter repository.JobListFilter) ([]repository.JobModel, error) {
	return q.repo.ListJobs(ctx, filter)
}
