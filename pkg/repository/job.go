package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gofrs/uuid"
	"gorm.io/gorm"

	"github.com/tuzimao/Ai-Question-Generator-sub002/pkg/errorsx"
	"github.com/tuzimao/Ai-Question-Generator-sub002/pkg/types"
)

const (
	// JobTableName is the table name for processing jobs
	JobTableName = "processing_job"
)

// claimRetries bounds the test-and-set loop when concurrent workers race
// for the same candidate row.
const claimRetries = 3

// ProcessingJob interface defines the methods for the processing job table.
// Claim is the only contention-prone operation: it hands a queued job to
// exactly one caller through a conditional update on the job row.
type ProcessingJob interface {
	// EnqueueJob inserts a queued job. At most one job per (doc, job type)
	// may be active; enqueueing over an active one returns ErrAlreadyExists.
	EnqueueJob(ctx context.Context, job JobModel) (*JobModel, error)
	// GetJobByUID returns a job by UID.
	GetJobByUID(ctx context.Context, jobUID types.JobUIDType) (*JobModel, error)
	// ClaimNextJob atomically selects the highest-priority eligible job for
	// the accepted job types and marks it running. Returns nil without side
	// effects when nothing is claimable. A running job whose started_at is
	// older than staleRunning is claimable again (crashed worker).
	ClaimNextJob(ctx context.Context, workerID string, jobTypes []types.JobType, staleRunning time.Duration) (*JobModel, error)
	// CompleteJob moves a running job to succeeded. Completing a job that is
	// already terminal is a no-op.
	CompleteJob(ctx context.Context, jobUID types.JobUIDType) error
	// FailJob records a failure. Retryable failures increment retry_count
	// and requeue the job with a run_after delay until max_retries is
	// exhausted; non-retryable ones go terminal immediately without touching
	// retry_count. The updated job is returned.
	FailJob(ctx context.Context, jobUID types.JobUIDType, lastError string, retryable bool, backoff time.Duration) (*JobModel, error)
	// CancelJob moves a queued job to cancelled.
	CancelJob(ctx context.Context, jobUID types.JobUIDType) error
	// RequestJobCancel flags a running job for cooperative cancellation.
	RequestJobCancel(ctx context.Context, jobUID types.JobUIDType) error
	// FinishJobCancelled moves a running job to cancelled after the worker
	// aborted at a safe point.
	FinishJobCancelled(ctx context.Context, jobUID types.JobUIDType) error
	// JobCancelRequested reports whether cancellation has been requested.
	JobCancelRequested(ctx context.Context, jobUID types.JobUIDType) (bool, error)
	// CancelQueuedJobsByDoc cancels all queued jobs of a document.
	CancelQueuedJobsByDoc(ctx context.Context, docUID types.DocUIDType) error
	// ListJobs returns jobs matching the filter, newest first.
	ListJobs(ctx context.Context, filter JobListFilter) ([]JobModel, error)
	// CountJobsByTypeAndStatus aggregates job counts for the health surface.
	CountJobsByTypeAndStatus(ctx context.Context) (map[types.JobType]map[types.JobStatus]int64, error)
}

// JobModel is the model for the processing job table. Jobs reference a
// document by UID only and may outlive a soft-deleted document for audit.
type JobModel struct {
	UID             types.JobUIDType  `gorm:"column:uid;type:uuid;primaryKey" json:"uid"`
	DocUID          types.DocUIDType  `gorm:"column:doc_uid;type:uuid;not null;index" json:"doc_uid"`
	OwnerUID        types.UserUIDType `gorm:"column:owner_uid;type:uuid;not null" json:"owner_uid"`
	JobType         types.JobType     `gorm:"column:job_type;size:32;not null" json:"job_type"`
	Status          types.JobStatus   `gorm:"column:status;size:32;not null" json:"status"`
	Priority        int               `gorm:"column:priority;not null" json:"priority"`
	RetryCount      int               `gorm:"column:retry_count;not null" json:"retry_count"`
	MaxRetries      int               `gorm:"column:max_retries;not null" json:"max_retries"`
	WorkerID        string            `gorm:"column:worker_id;size:128" json:"worker_id"`
	LastError       *string           `gorm:"column:last_error" json:"last_error"`
	CancelRequested bool              `gorm:"column:cancel_requested;not null" json:"cancel_requested"`
	// RunAfter is the eligibility timestamp implementing retry backoff.
	RunAfter   time.Time  `gorm:"column:run_after;not null" json:"run_after"`
	CreateTime *time.Time `gorm:"column:create_time;not null;autoCreateTime" json:"create_time"`
	StartedAt  *time.Time `gorm:"column:started_at" json:"started_at"`
	FinishedAt *time.Time `gorm:"column:finished_at" json:"finished_at"`
	UpdateTime *time.Time `gorm:"column:update_time;not null;autoUpdateTime" json:"update_time"`
}

// TableName overrides the table name used by gorm
func (JobModel) TableName() string { return JobTableName }

// JobColumns is the table column map
type JobColumns struct {
	UID        string
	DocUID     string
	JobType    string
	Status     string
	Priority   string
	RetryCount string
	RunAfter   string
	StartedAt  string
	CreateTime string
}

// JobColumn holds the column names of the processing job table
var JobColumn = JobColumns{
	UID:        "uid",
	DocUID:     "doc_uid",
	JobType:    "job_type",
	Status:     "status",
	Priority:   "priority",
	RetryCount: "retry_count",
	RunAfter:   "run_after",
	StartedAt:  "started_at",
	CreateTime: "create_time",
}

// JobListFilter narrows ListJobs results; zero values mean "any".
type JobListFilter struct {
	DocUID   *types.DocUIDType
	JobType  types.JobType
	Status   types.JobStatus
	PageSize int
}

func (r *repository) EnqueueJob(ctx context.Context, job JobModel) (*JobModel, error) {
	if job.UID == uuid.Nil {
		job.UID = uuid.Must(uuid.NewV4())
	}
	if job.Status == "" {
		job.Status = types.JobStatusQueued
	}
	if job.RunAfter.IsZero() {
		job.RunAfter = time.Now()
	}

	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		// At most one active job per (doc, job type). The partial unique
		// index in the migration backs this check under concurrency.
		var count int64
		whereClause := fmt.Sprintf("%v = ? AND %v = ? AND %v IN ?",
			JobColumn.DocUID, JobColumn.JobType, JobColumn.Status)
		active := []types.JobStatus{types.JobStatusQueued, types.JobStatusRunning}
		if err := tx.Model(&JobModel{}).
			Where(whereClause, job.DocUID, job.JobType, active).
			Count(&count).Error; err != nil {
			return err
		}
		if count > 0 {
			return errorsx.ErrAlreadyExists
		}
		return tx.Create(&job).Error
	})
	if err != nil {
		return nil, err
	}
	return &job, nil
}

func (r *repository) GetJobByUID(ctx context.Context, jobUID types.JobUIDType) (*JobModel, error) {
	var job JobModel
	if err := r.db.WithContext(ctx).Where(JobColumn.UID+" = ?", jobUID).First(&job).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, errorsx.ErrNotFound
		}
		return nil, err
	}
	return &job, nil
}

func (r *repository) ClaimNextJob(ctx context.Context, workerID string, jobTypes []types.JobType, staleRunning time.Duration) (*JobModel, error) {
	if len(jobTypes) == 0 {
		return nil, nil
	}
	now := time.Now()
	staleCutoff := now.Add(-staleRunning)

	if err := r.retireAbandonedJobs(ctx, jobTypes, staleCutoff); err != nil {
		return nil, err
	}

	for attempt := 0; attempt < claimRetries; attempt++ {
		var candidate JobModel
		err := r.db.WithContext(ctx).
			Where(fmt.Sprintf(`%v IN ? AND (
				(%v = ? AND %v <= ?)
				OR (%v = ? AND %v IS NOT NULL AND %v < ? AND %v < max_retries)
			)`,
				JobColumn.JobType,
				JobColumn.Status, JobColumn.RunAfter,
				JobColumn.Status, JobColumn.StartedAt, JobColumn.StartedAt, JobColumn.RetryCount),
				jobTypes,
				types.JobStatusQueued, now,
				types.JobStatusRunning, staleCutoff).
			Order(JobColumn.Priority + " DESC, " + JobColumn.CreateTime + " ASC").
			First(&candidate).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		if err != nil {
			return nil, err
		}

		// Test-and-set on the observed status. Exactly one concurrent caller
		// can flip the row; the losers observe zero rows and retry.
		updates := map[string]any{
			JobColumn.Status:    types.JobStatusRunning,
			JobColumn.StartedAt: now,
			"worker_id":         workerID,
		}
		if candidate.Status == types.JobStatusRunning {
			// Reclaiming a stale run counts against the retry budget.
			updates[JobColumn.RetryCount] = gorm.Expr(JobColumn.RetryCount + " + 1")
		}
		result := r.db.WithContext(ctx).Model(&JobModel{}).
			Where("uid = ? AND status = ? AND update_time = ?",
				candidate.UID, candidate.Status, candidate.UpdateTime).
			Updates(updates)
		if result.Error != nil {
			return nil, result.Error
		}
		if result.RowsAffected == 1 {
			return r.GetJobByUID(ctx, candidate.UID)
		}
		// Lost the race; pick the next candidate.
	}
	return nil, nil
}

// retireAbandonedJobs fails stale running jobs whose retry budget is already
// spent. A worker dying during the last permitted attempt leaves such a job
// behind; without this sweep the job and its document stay mid-stage forever.
func (r *repository) retireAbandonedJobs(ctx context.Context, jobTypes []types.JobType, staleCutoff time.Time) error {
	var abandoned []JobModel
	err := r.db.WithContext(ctx).
		Where(fmt.Sprintf("%v IN ? AND %v = ? AND %v IS NOT NULL AND %v < ? AND %v >= max_retries",
			JobColumn.JobType, JobColumn.Status, JobColumn.StartedAt, JobColumn.StartedAt, JobColumn.RetryCount),
			jobTypes, types.JobStatusRunning, staleCutoff).
		Find(&abandoned).Error
	if err != nil {
		return err
	}

	now := time.Now()
	for _, job := range abandoned {
		result := r.db.WithContext(ctx).Model(&JobModel{}).
			Where(fmt.Sprintf("%v = ? AND %v = ?", JobColumn.UID, JobColumn.Status),
				job.UID, types.JobStatusRunning).
			Updates(map[string]any{
				JobColumn.Status: types.JobStatusFailed,
				"last_error":     "worker lost during the final attempt",
				"finished_at":    now,
			})
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			continue
		}
		// The document may already be terminal or deleted; that is fine.
		if err := r.MarkDocumentFailed(ctx, job.DocUID, "worker lost during processing"); err != nil &&
			!errors.Is(err, errorsx.ErrConcurrencyConflict) {
			return err
		}
	}
	return nil
}

func (r *repository) CompleteJob(ctx context.Context, jobUID types.JobUIDType) error {
	now := time.Now()
	result := r.db.WithContext(ctx).Model(&JobModel{}).
		Where(fmt.Sprintf("%v = ? AND %v = ?", JobColumn.UID, JobColumn.Status),
			jobUID, types.JobStatusRunning).
		Updates(map[string]any{
			JobColumn.Status: types.JobStatusSucceeded,
			"finished_at":    now,
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		job, err := r.GetJobByUID(ctx, jobUID)
		if err != nil {
			return err
		}
		// Idempotent on repeated completion of a terminal job.
		if job.Status.Terminal() {
			return nil
		}
		return errorsx.ErrConcurrencyConflict
	}
	return nil
}

func (r *repository) FailJob(ctx context.Context, jobUID types.JobUIDType, lastError string, retryable bool, backoff time.Duration) (*JobModel, error) {
	now := time.Now()
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var job JobModel
		if err := tx.Where(JobColumn.UID+" = ?", jobUID).First(&job).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return errorsx.ErrNotFound
			}
			return err
		}
		if job.Status.Terminal() {
			return errorsx.ErrJobTerminal
		}

		updates := map[string]any{
			"last_error": lastError,
		}
		switch {
		case !retryable:
			// Structural failures go terminal without consuming a retry.
			updates[JobColumn.Status] = types.JobStatusFailed
			updates["finished_at"] = now
		case job.RetryCount+1 >= job.MaxRetries:
			updates[JobColumn.Status] = types.JobStatusFailed
			updates[JobColumn.RetryCount] = job.RetryCount + 1
			updates["finished_at"] = now
		default:
			updates[JobColumn.Status] = types.JobStatusQueued
			updates[JobColumn.RetryCount] = job.RetryCount + 1
			updates[JobColumn.RunAfter] = now.Add(backoff)
			updates["worker_id"] = ""
			updates[JobColumn.StartedAt] = nil
		}
		return tx.Model(&JobModel{}).Where(JobColumn.UID+" = ?", jobUID).Updates(updates).Error
	})
	if err != nil {
		return nil, err
	}
	return r.GetJobByUID(ctx, jobUID)
}

func (r *repository) CancelJob(ctx context.Context, jobUID types.JobUIDType) error {
	now := time.Now()
	result := r.db.WithContext(ctx).Model(&JobModel{}).
		Where(fmt.Sprintf("%v = ? AND %v = ?", JobColumn.UID, JobColumn.Status),
			jobUID, types.JobStatusQueued).
		Updates(map[string]any{
			JobColumn.Status: types.JobStatusCancelled,
			"finished_at":    now,
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return errorsx.ErrConcurrencyConflict
	}
	return nil
}

func (r *repository) FinishJobCancelled(ctx context.Context, jobUID types.JobUIDType) error {
	now := time.Now()
	result := r.db.WithContext(ctx).Model(&JobModel{}).
		Where(fmt.Sprintf("%v = ? AND %v = ?", JobColumn.UID, JobColumn.Status),
			jobUID, types.JobStatusRunning).
		Updates(map[string]any{
			JobColumn.Status: types.JobStatusCancelled,
			"finished_at":    now,
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return errorsx.ErrConcurrencyConflict
	}
	return nil
}

func (r *repository) RequestJobCancel(ctx context.Context, jobUID types.JobUIDType) error {
	return r.db.WithContext(ctx).Model(&JobModel{}).
		Where(JobColumn.UID+" = ?", jobUID).
		Update("cancel_requested", true).Error
}

func (r *repository) JobCancelRequested(ctx context.Context, jobUID types.JobUIDType) (bool, error) {
	job, err := r.GetJobByUID(ctx, jobUID)
	if err != nil {
		return false, err
	}
	return job.CancelRequested || job.Status == types.JobStatusCancelled, nil
}

func (r *repository) CancelQueuedJobsByDoc(ctx context.Context, docUID types.DocUIDType) error {
	now := time.Now()
	return r.db.WithContext(ctx).Model(&JobModel{}).
		Where(fmt.Sprintf("%v = ? AND %v = ?", JobColumn.DocUID, JobColumn.Status),
			docUID, types.JobStatusQueued).
		Updates(map[string]any{
			JobColumn.Status: types.JobStatusCancelled,
			"finished_at":    now,
		}).Error
}

func (r *repository) ListJobs(ctx context.Context, filter JobListFilter) ([]JobModel, error) {
	query := r.db.WithContext(ctx).Model(&JobModel{})
	if filter.DocUID != nil {
		query = query.Where(JobColumn.DocUID+" = ?", *filter.DocUID)
	}
	if filter.JobType != "" {
		query = query.Where(JobColumn.JobType+" = ?", filter.JobType)
	}
	if filter.Status != "" {
		query = query.Where(JobColumn.Status+" = ?", filter.Status)
	}
	pageSize := filter.PageSize
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	} else if pageSize > MaxPageSize {
		pageSize = MaxPageSize
	}
	var jobs []JobModel
	if err := query.Order(JobColumn.CreateTime + " DESC").Limit(pageSize).Find(&jobs).Error; err != nil {
		return nil, err
	}
	return jobs, nil
}

func (r *repository) CountJobsByTypeAndStatus(ctx context.Context) (map[types.JobType]map[types.JobStatus]int64, error) {
	type row struct {
		JobType types.JobType   `gorm:"column:job_type"`
		Status  types.JobStatus `gorm:"column:status"`
		Total   int64           `gorm:"column:total"`
	}
	var rows []row
	if err := r.db.WithContext(ctx).Model(&JobModel{}).
		Select("job_type, status, count(*) as total").
		Group("job_type").Group("status").
		Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make(map[types.JobType]map[types.JobStatus]int64, len(rows))
	for _, rw := range rows {
		if out[rw.JobType] == nil {
			out[rw.JobType] = make(map[types.JobStatus]int64)
		}
		out[rw.JobType][rw.Status] = rw.Total
	}
	return out, nil
}
