package repository

import (
	"context"
	"testing"
	"time"

	qt "github.com/frankban/quicktest"

	"github.com/tuzimao/Ai-Question-Generator-sub002/pkg/errorsx"
	"github.com/tuzimao/Ai-Question-Generator-sub002/pkg/types"
)

const testStale = 10 * time.Minute

var parseTypes = []types.JobType{types.JobTypeParseMarkdown, types.JobTypeParsePDF}

func seedJob(t *testing.T, repo Repository, doc *DocumentModel, jobType types.JobType, priority int) *JobModel {
	t.Helper()
	job, err := repo.EnqueueJob(context.Background(), JobModel{
		DocUID:     doc.UID,
		OwnerUID:   doc.OwnerUID,
		JobType:    jobType,
		Priority:   priority,
		MaxRetries: 3,
	})
	if err != nil {
		t.Fatalf("seeding job: %v", err)
	}
	return job
}

func TestEnqueueJobActiveUniqueness(t *testing.T) {
	c := qt.New(t)
	ctx := context.Background()
	repo, _ := newTestRepo(t)
	doc := seedDocument(t, repo, newOwner(), types.IngestStatusUploaded)

	seedJob(t, repo, doc, types.JobTypeParseMarkdown, 0)

	_, err := repo.EnqueueJob(ctx, JobModel{
		DocUID:   doc.UID,
		OwnerUID: doc.OwnerUID,
		JobType:  types.JobTypeParseMarkdown,
	})
	c.Assert(err, qt.ErrorIs, errorsx.ErrAlreadyExists)

	// A different stage for the same document is fine.
	_, err = repo.EnqueueJob(ctx, JobModel{
		DocUID:   doc.UID,
		OwnerUID: doc.OwnerUID,
		JobType:  types.JobTypeChunk,
	})
	c.Assert(err, qt.IsNil)
}

func TestClaimNextJob(t *testing.T) {
	c := qt.New(t)
	ctx := context.Background()
	repo, _ := newTestRepo(t)
	owner := newOwner()

	t.Run("empty queue claims nothing", func(t *testing.T) {
		job, err := repo.ClaimNextJob(ctx, "w1", parseTypes, testStale)
		c.Assert(err, qt.IsNil)
		c.Assert(job, qt.IsNil)
	})

	t.Run("priority wins over age", func(t *testing.T) {
		docA := seedDocument(t, repo, owner, types.IngestStatusUploaded)
		docB := seedDocument(t, repo, owner, types.IngestStatusUploaded)
		seedJob(t, repo, docA, types.JobTypeParseMarkdown, 0)
		urgent := seedJob(t, repo, docB, types.JobTypeParseMarkdown, 5)

		claimed, err := repo.ClaimNextJob(ctx, "w1", parseTypes, testStale)
		c.Assert(err, qt.IsNil)
		c.Assert(claimed, qt.IsNotNil)
		c.Assert(claimed.UID, qt.Equals, urgent.UID)
		c.Assert(claimed.Status, qt.Equals, types.JobStatusRunning)
		c.Assert(claimed.WorkerID, qt.Equals, "w1")
		c.Assert(claimed.StartedAt, qt.IsNotNil)

		// Each job goes to exactly one claimer.
		second, err := repo.ClaimNextJob(ctx, "w2", parseTypes, testStale)
		c.Assert(err, qt.IsNil)
		c.Assert(second, qt.IsNotNil)
		c.Assert(second.UID, qt.Not(qt.Equals), claimed.UID)

		third, err := repo.ClaimNextJob(ctx, "w3", parseTypes, testStale)
		c.Assert(err, qt.IsNil)
		c.Assert(third, qt.IsNil)
	})

	t.Run("job type filter is respected", func(t *testing.T) {
		doc := seedDocument(t, repo, owner, types.IngestStatusParsed)
		seedJob(t, repo, doc, types.JobTypeChunk, 0)

		job, err := repo.ClaimNextJob(ctx, "w1", parseTypes, testStale)
		c.Assert(err, qt.IsNil)
		c.Assert(job, qt.IsNil)

		job, err = repo.ClaimNextJob(ctx, "w1", []types.JobType{types.JobTypeChunk}, testStale)
		c.Assert(err, qt.IsNil)
		c.Assert(job, qt.IsNotNil)
	})
}

func TestClaimBackoffEligibility(t *testing.T) {
	c := qt.New(t)
	ctx := context.Background()
	repo, _ := newTestRepo(t)
	doc := seedDocument(t, repo, newOwner(), types.IngestStatusUploaded)
	job := seedJob(t, repo, doc, types.JobTypeParseMarkdown, 0)

	claimed, err := repo.ClaimNextJob(ctx, "w1", parseTypes, testStale)
	c.Assert(err, qt.IsNil)
	c.Assert(claimed.UID, qt.Equals, job.UID)

	// Requeued with a future run_after: not claimable until it elapses.
	failed, err := repo.FailJob(ctx, job.UID, "transient blip", true, time.Hour)
	c.Assert(err, qt.IsNil)
	c.Assert(failed.Status, qt.Equals, types.JobStatusQueued)
	c.Assert(failed.RetryCount, qt.Equals, 1)

	none, err := repo.ClaimNextJob(ctx, "w1", parseTypes, testStale)
	c.Assert(err, qt.IsNil)
	c.Assert(none, qt.IsNil)
}

func TestStaleRunningReclaim(t *testing.T) {
	c := qt.New(t)
	ctx := context.Background()
	repo, db := newTestRepo(t)
	doc := seedDocument(t, repo, newOwner(), types.IngestStatusUploaded)
	job := seedJob(t, repo, doc, types.JobTypeParseMarkdown, 0)

	claimed, err := repo.ClaimNextJob(ctx, "w1", parseTypes, testStale)
	c.Assert(err, qt.IsNil)
	c.Assert(claimed, qt.IsNotNil)

	// Simulate a crashed worker: the run started long ago and never reported.
	old := time.Now().Add(-time.Hour)
	err = db.Model(&JobModel{}).Where("uid = ?", job.UID).Update("started_at", old).Error
	c.Assert(err, qt.IsNil)

	reclaimed, err := repo.ClaimNextJob(ctx, "w2", parseTypes, time.Minute)
	c.Assert(err, qt.IsNil)
	c.Assert(reclaimed, qt.IsNotNil)
	c.Assert(reclaimed.UID, qt.Equals, job.UID)
	c.Assert(reclaimed.WorkerID, qt.Equals, "w2")
	// Reclaiming consumes a retry so a crash-looping job still terminates.
	c.Assert(reclaimed.RetryCount, qt.Equals, 1)
}

func TestStaleRunningWithoutRetriesGoesTerminal(t *testing.T) {
	c := qt.New(t)
	ctx := context.Background()
	repo, db := newTestRepo(t)
	doc := seedDocument(t, repo, newOwner(), types.IngestStatusUploaded)
	job := seedJob(t, repo, doc, types.JobTypeParseMarkdown, 0)

	_, err := repo.ClaimNextJob(ctx, "w1", parseTypes, testStale)
	c.Assert(err, qt.IsNil)
	c.Assert(repo.UpdateDocumentStatus(ctx, doc.UID, types.IngestStatusUploaded, types.IngestStatusParsing), qt.IsNil)

	// The worker died mid-run after its last permitted attempt: the run is
	// stale and the retry counter already sits at max_retries.
	old := time.Now().Add(-time.Hour)
	err = db.Model(&JobModel{}).Where("uid = ?", job.UID).
		Updates(map[string]any{"started_at": old, "retry_count": 3}).Error
	c.Assert(err, qt.IsNil)

	// The claim scan retires the job instead of handing it out again.
	claimed, err := repo.ClaimNextJob(ctx, "w2", parseTypes, time.Minute)
	c.Assert(err, qt.IsNil)
	c.Assert(claimed, qt.IsNil)

	stored, err := repo.GetJobByUID(ctx, job.UID)
	c.Assert(err, qt.IsNil)
	c.Assert(stored.Status, qt.Equals, types.JobStatusFailed)
	c.Assert(stored.FinishedAt, qt.IsNotNil)
	c.Assert(stored.LastError, qt.IsNotNil)

	// The document is not left stuck mid-stage.
	failedDoc, err := repo.GetDocumentByUID(ctx, doc.UID)
	c.Assert(err, qt.IsNil)
	c.Assert(failedDoc.IngestStatus, qt.Equals, types.IngestStatusFailed)
}

func TestCompleteJob(t *testing.T) {
	c := qt.New(t)
	ctx := context.Background()
	repo, _ := newTestRepo(t)
	doc := seedDocument(t, repo, newOwner(), types.IngestStatusUploaded)
	job := seedJob(t, repo, doc, types.JobTypeParseMarkdown, 0)

	t.Run("completing a queued job is a conflict", func(t *testing.T) {
		err := repo.CompleteJob(ctx, job.UID)
		c.Assert(err, qt.ErrorIs, errorsx.ErrConcurrencyConflict)
	})

	t.Run("complete is idempotent once terminal", func(t *testing.T) {
		_, err := repo.ClaimNextJob(ctx, "w1", parseTypes, testStale)
		c.Assert(err, qt.IsNil)

		c.Assert(repo.CompleteJob(ctx, job.UID), qt.IsNil)
		c.Assert(repo.CompleteJob(ctx, job.UID), qt.IsNil)

		stored, err := repo.GetJobByUID(ctx, job.UID)
		c.Assert(err, qt.IsNil)
		c.Assert(stored.Status, qt.Equals, types.JobStatusSucceeded)
		c.Assert(stored.FinishedAt, qt.IsNotNil)
	})
}

func TestFailJob(t *testing.T) {
	c := qt.New(t)
	ctx := context.Background()

	t.Run("structural failure goes terminal without consuming a retry", func(t *testing.T) {
		repo, _ := newTestRepo(t)
		doc := seedDocument(t, repo, newOwner(), types.IngestStatusUploaded)
		job := seedJob(t, repo, doc, types.JobTypeParseMarkdown, 0)
		_, err := repo.ClaimNextJob(ctx, "w1", parseTypes, testStale)
		c.Assert(err, qt.IsNil)

		failed, err := repo.FailJob(ctx, job.UID, "corrupt PDF", false, time.Second)
		c.Assert(err, qt.IsNil)
		c.Assert(failed.Status, qt.Equals, types.JobStatusFailed)
		c.Assert(failed.RetryCount, qt.Equals, 0)
		c.Assert(*failed.LastError, qt.Equals, "corrupt PDF")
	})

	t.Run("retries exhaust into terminal failure", func(t *testing.T) {
		repo, db := newTestRepo(t)
		doc := seedDocument(t, repo, newOwner(), types.IngestStatusUploaded)
		job := seedJob(t, repo, doc, types.JobTypeParseMarkdown, 0)

		for attempt := 1; attempt <= 3; attempt++ {
			// Make the job immediately eligible again.
			err := db.Model(&JobModel{}).Where("uid = ?", job.UID).
				Update("run_after", time.Now().Add(-time.Second)).Error
			c.Assert(err, qt.IsNil)

			claimed, err := repo.ClaimNextJob(ctx, "w1", parseTypes, testStale)
			c.Assert(err, qt.IsNil)
			c.Assert(claimed, qt.IsNotNil)

			failed, err := repo.FailJob(ctx, job.UID, "still failing", true, time.Minute)
			c.Assert(err, qt.IsNil)
			c.Assert(failed.RetryCount, qt.Equals, attempt)
			if attempt < 3 {
				c.Assert(failed.Status, qt.Equals, types.JobStatusQueued)
			} else {
				c.Assert(failed.Status, qt.Equals, types.JobStatusFailed)
			}
		}

		// Terminal jobs reject further failure reports.
		_, err := repo.FailJob(ctx, job.UID, "late report", true, time.Minute)
		c.Assert(err, qt.ErrorIs, errorsx.ErrJobTerminal)
	})
}

func TestJobCancellation(t *testing.T) {
	c := qt.New(t)
	ctx := context.Background()
	repo, _ := newTestRepo(t)
	owner := newOwner()

	t.Run("queued job cancels directly", func(t *testing.T) {
		doc := seedDocument(t, repo, owner, types.IngestStatusUploaded)
		job := seedJob(t, repo, doc, types.JobTypeParseMarkdown, 0)

		c.Assert(repo.CancelJob(ctx, job.UID), qt.IsNil)
		stored, err := repo.GetJobByUID(ctx, job.UID)
		c.Assert(err, qt.IsNil)
		c.Assert(stored.Status, qt.Equals, types.JobStatusCancelled)
	})

	t.Run("running job is flagged then finished cancelled", func(t *testing.T) {
		doc := seedDocument(t, repo, owner, types.IngestStatusUploaded)
		job := seedJob(t, repo, doc, types.JobTypeParseMarkdown, 0)
		_, err := repo.ClaimNextJob(ctx, "w1", parseTypes, testStale)
		c.Assert(err, qt.IsNil)

		c.Assert(repo.CancelJob(ctx, job.UID), qt.ErrorIs, errorsx.ErrConcurrencyConflict)
		c.Assert(repo.RequestJobCancel(ctx, job.UID), qt.IsNil)

		requested, err := repo.JobCancelRequested(ctx, job.UID)
		c.Assert(err, qt.IsNil)
		c.Assert(requested, qt.IsTrue)

		c.Assert(repo.FinishJobCancelled(ctx, job.UID), qt.IsNil)
		stored, err := repo.GetJobByUID(ctx, job.UID)
		c.Assert(err, qt.IsNil)
		c.Assert(stored.Status, qt.Equals, types.JobStatusCancelled)
	})

	t.Run("cancel queued jobs by document", func(t *testing.T) {
		doc := seedDocument(t, repo, owner, types.IngestStatusUploaded)
		parse := seedJob(t, repo, doc, types.JobTypeParseMarkdown, 0)
		chunk := seedJob(t, repo, doc, types.JobTypeChunk, 0)

		c.Assert(repo.CancelQueuedJobsByDoc(ctx, doc.UID), qt.IsNil)
		for _, uid := range []types.JobUIDType{parse.UID, chunk.UID} {
			stored, err := repo.GetJobByUID(ctx, uid)
			c.Assert(err, qt.IsNil)
			c.Assert(stored.Status, qt.Equals, types.JobStatusCancelled)
		}
	})
}
