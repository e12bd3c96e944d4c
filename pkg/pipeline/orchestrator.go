// Package pipeline drives a document through its ingest state machine. The
// orchestrator owns every ingest_status transition; workers only report
// stage outcomes.
package pipeline

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/tuzimao/Ai-Question-Generator-sub002/pkg/errorsx"
	"github.com/tuzimao/Ai-Question-Generator-sub002/pkg/parser"
	"github.com/tuzimao/Ai-Question-Generator-sub002/pkg/queue"
	"github.com/tuzimao/Ai-Question-Generator-sub002/pkg/repository"
	"github.com/tuzimao/Ai-Question-Generator-sub002/pkg/types"
)

// stageRule describes one rung of the pipeline ladder.
type stageRule struct {
	pre     types.IngestStatus
	running types.IngestStatus
	done    types.IngestStatus
	next    types.JobType // empty when the stage is last
}

var stageRules = map[types.JobType]stageRule{
	types.JobTypeParsePDF: {
		pre:     types.IngestStatusUploaded,
		running: types.IngestStatusParsing,
		done:    types.IngestStatusParsed,
		next:    types.JobTypeChunk,
	},
	types.JobTypeParseMarkdown: {
		pre:     types.IngestStatusUploaded,
		running: types.IngestStatusParsing,
		done:    types.IngestStatusParsed,
		next:    types.JobTypeChunk,
	},
	types.JobTypeChunk: {
		pre:     types.IngestStatusParsed,
		running: types.IngestStatusChunking,
		done:    types.IngestStatusChunked,
		next:    types.JobTypeEmbed,
	},
	types.JobTypeEmbed: {
		pre:     types.IngestStatusChunked,
		running: types.IngestStatusEmbedding,
		done:    types.IngestStatusReady,
	},
}

// Orchestrator advances documents stage by stage, enqueueing the next job
// when one succeeds and marking the document failed when retries run out.
type Orchestrator struct {
	repo repository.Repository
	q    *queue.Queue
	log  *zap.Logger
	// embedEnabled gates the embed stage; without an embedder documents
	// terminate at chunked.
	embedEnabled bool
}

// NewOrchestrator returns an orchestrator over the repository and queue.
func NewOrchestrator(repo repository.Repository, q *queue.Queue, log *zap.Logger, embedEnabled bool) *Orchestrator {
	return &Orchestrator{repo: repo, q: q, log: log, embedEnabled: embedEnabled}
}

// StartDocument enqueues the parse job for a freshly admitted document.
func (o *Orchestrator) StartDocument(ctx context.Context, doc *repository.DocumentModel) (*repository.JobModel, error) {
	jobType, err := parser.JobTypeForMimeType(doc.MimeType)
	if err != nil {
		return nil, err
	}
	job, err := o.q.Enqueue(ctx, doc.UID, doc.OwnerUID, jobType, 0)
	if err != nil {
		if errors.Is(err, errorsx.ErrAlreadyExists) {
			// A parse job is already in flight for this document.
			return nil, nil
		}
		return nil, err
	}
	return job, nil
}

// BeginStage moves the document into the stage's running state before the
// worker executes it. A retried job finds the document already in the
// running state, which is fine; any other mismatch is a stale or duplicate
// claim and surfaces as ErrConcurrencyConflict.
func (o *Orchestrator) BeginStage(ctx context.Context, job *repository.JobModel) error {
	rule, ok := stageRules[job.JobType]
	if !ok {
		return errorsx.Structural(fmt.Sprintf("unknown job type %q", job.JobType), nil)
	}
	err := o.repo.UpdateDocumentStatus(ctx, job.DocUID, rule.pre, rule.running)
	if err == nil {
		return nil
	}
	if !errors.Is(err, errorsx.ErrConcurrencyConflict) {
		return err
	}
	doc, getErr := o.repo.GetDocumentByUID(ctx, job.DocUID)
	if getErr != nil {
		return getErr
	}
	if doc.IngestStatus == rule.running {
		return nil
	}
	return errorsx.ErrConcurrencyConflict
}

// CompleteStage records a successful stage: the job goes terminal, the
// document advances, and the next stage (if any) is enqueued. Optimistic
// check failures are logged and dropped; they mean a stale worker reported
// after a duplicate or cancelled job.
func (o *Orchestrator) CompleteStage(ctx context.Context, job *repository.JobModel) error {
	rule, ok := stageRules[job.JobType]
	if !ok {
		return errorsx.Structural(fmt.Sprintf("unknown job type %q", job.JobType), nil)
	}
	if err := o.q.Complete(ctx, job.UID); err != nil {
		if errors.Is(err, errorsx.ErrConcurrencyConflict) {
			o.log.Info("dropping stale job completion", zap.String("jobUID", job.UID.String()))
			return nil
		}
		return err
	}
	if err := o.repo.UpdateDocumentStatus(ctx, job.DocUID, rule.running, rule.done); err != nil {
		if errors.Is(err, errorsx.ErrConcurrencyConflict) {
			o.log.Info("dropping stale document transition",
				zap.String("docUID", job.DocUID.String()),
				zap.String("jobType", string(job.JobType)))
			return nil
		}
		return err
	}

	if rule.next == "" {
		return nil
	}
	if rule.next == types.JobTypeEmbed && !o.embedEnabled {
		return nil
	}
	if _, err := o.q.Enqueue(ctx, job.DocUID, job.OwnerUID, rule.next, job.Priority); err != nil {
		if errors.Is(err, errorsx.ErrAlreadyExists) {
			return nil
		}
		return err
	}
	return nil
}

// FailStage records a stage failure. Retryable failures leave the document
// in the running state waiting for the retry; exhausted or structural
// failures move the document to failed and stop the pipeline for it.
func (o *Orchestrator) FailStage(ctx context.Context, job *repository.JobModel, execErr error) error {
	updated, err := o.q.Fail(ctx, job.UID, execErr)
	if err != nil {
		return err
	}
	if updated.Status != types.JobStatusFailed {
		return nil
	}

	message := execErr.Error()
	if markErr := o.repo.MarkDocumentFailed(ctx, job.DocUID, message); markErr != nil {
		if errors.Is(markErr, errorsx.ErrConcurrencyConflict) {
			o.log.Info("dropping stale failure report", zap.String("docUID", job.DocUID.String()))
			return nil
		}
		return markErr
	}
	o.log.Warn("document failed",
		zap.String("docUID", job.DocUID.String()),
		zap.String("jobType", string(job.JobType)),
		zap.String("error", message))
	return nil
}

// HandleResult converts a stage outcome into queue and document state.
func (o *Orchestrator) HandleResult(ctx context.Context, job *repository.JobModel, execErr error) error {
	if execErr == nil {
		return o.CompleteStage(ctx, job)
	}
	return o.FailStage(ctx, job, execErr)
}
