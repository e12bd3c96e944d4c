// Package worker runs the pull-based worker pool: a fixed number of
// goroutines poll the job queue, execute stage functions under a bounded
// timeout and report every outcome back through the orchestrator.
package worker

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/tuzimao/Ai-Question-Generator-sub002/pkg/errorsx"
	"github.com/tuzimao/Ai-Question-Generator-sub002/pkg/pipeline"
	"github.com/tuzimao/Ai-Question-Generator-sub002/pkg/queue"
	"github.com/tuzimao/Ai-Question-Generator-sub002/pkg/repository"
	"github.com/tuzimao/Ai-Question-Generator-sub002/pkg/types"
)

// ErrCancelRequested is returned by a stage that aborted at a safe point
// after cooperative cancellation was requested.
var ErrCancelRequested = errors.New("cancel requested")

// Options configures the pool.
type Options struct {
	Concurrency  int
	PollInterval time.Duration
	JobTimeout   time.Duration
}

// Pool claims and executes jobs until stopped. All coordination with other
// pools happens through the queue's conditional updates; pools share no
// state and can run in separate processes.
type Pool struct {
	q      *queue.Queue
	orch   *pipeline.Orchestrator
	repo   repository.Repository
	stages map[types.JobType]StageFunc
	opts   Options
	log    *zap.Logger
	stats  *Stats
	events *EventPublisher

	workerID string
	stop     chan struct{}
	wg       sync.WaitGroup
}

// NewPool wires a pool over the queue, orchestrator and stage registry.
// events may be nil when no event bus is configured.
func NewPool(q *queue.Queue, orch *pipeline.Orchestrator, repo repository.Repository, stages *Stages, opts Options, events *EventPublisher, log *zap.Logger) *Pool {
	if opts.Concurrency <= 0 {
		opts.Concurrency = 4
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = time.Second
	}
	if opts.JobTimeout <= 0 {
		opts.JobTimeout = 5 * time.Minute
	}
	hostname, _ := os.Hostname()
	if hostname == "" {
		hostname = "worker"
	}
	return &Pool{
		q:        q,
		orch:     orch,
		repo:     repo,
		stages:   stages.Registry(),
		opts:     opts,
		log:      log,
		stats:    NewStats(),
		events:   events,
		workerID: fmt.Sprintf("%s-%d", hostname, os.Getpid()),
		stop:     make(chan struct{}),
	}
}

// Stats returns the pool's live counters.
func (p *Pool) Stats() *Stats { return p.stats }

// Start launches the worker goroutines. It returns immediately; call Stop
// to drain.
func (p *Pool) Start(ctx context.Context) {
	jobTypes := make([]types.JobType, 0, len(p.stages))
	for jobType := range p.stages {
		jobTypes = append(jobTypes, jobType)
	}
	for i := 0; i < p.opts.Concurrency; i++ {
		p.wg.Add(1)
		go p.run(ctx, fmt.Sprintf("%s-%d", p.workerID, i), jobTypes)
	}
	p.log.Info("worker pool started",
		zap.Int("concurrency", p.opts.Concurrency),
		zap.Duration("pollInterval", p.opts.PollInterval))
}

// Stop signals all workers and waits for in-flight jobs to finish their
// current execution and report.
func (p *Pool) Stop() {
	close(p.stop)
	p.wg.Wait()
	p.log.Info("worker pool stopped")
}

// run is one worker goroutine: claim until the queue is empty, then sleep
// for a poll interval.
func (p *Pool) run(ctx context.Context, workerID string, jobTypes []types.JobType) {
	defer p.wg.Done()
	ticker := time.NewTicker(p.opts.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-p.stop:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		for {
			job, err := p.q.Claim(ctx, workerID, jobTypes)
			if err != nil {
				p.log.Error("claim failed", zap.String("workerID", workerID), zap.Error(err))
				break
			}
			if job == nil {
				break
			}
			p.execute(ctx, workerID, job)

			select {
			case <-p.stop:
				return
			case <-ctx.Done():
				return
			default:
			}
		}
	}
}

// execute runs one claimed job end to end and reports the outcome. A claim
// is never abandoned silently; even a panic inside a stage becomes a
// recorded failure.
func (p *Pool) execute(ctx context.Context, workerID string, job *repository.JobModel) {
	started := time.Now()
	p.publish(ctx, EventJobStarted, job, "")

	if job.CancelRequested {
		p.finishCancelled(ctx, job)
		return
	}

	if err := p.orch.BeginStage(ctx, job); err != nil {
		if errors.Is(err, errorsx.ErrConcurrencyConflict) {
			// The document is not where this stage expects it; the claim is
			// stale. Close out the job without touching the document.
			p.log.Info("dropping job on document state conflict",
				zap.String("jobUID", job.UID.String()),
				zap.String("jobType", string(job.JobType)))
			if _, failErr := p.q.Fail(ctx, job.UID, errorsx.Structural("document state conflict", nil)); failErr != nil {
				p.log.Error("closing conflicted job", zap.Error(failErr))
			}
			return
		}
		p.report(ctx, workerID, job, err, started)
		return
	}

	execErr := p.runStage(ctx, job)
	if errors.Is(execErr, ErrCancelRequested) {
		p.finishCancelled(ctx, job)
		return
	}
	p.report(ctx, workerID, job, execErr, started)
}

// runStage executes the stage function under the bounded timeout with panic
// recovery.
func (p *Pool) runStage(ctx context.Context, job *repository.JobModel) (execErr error) {
	stage, ok := p.stages[job.JobType]
	if !ok {
		return errorsx.Structural(fmt.Sprintf("no stage registered for job type %q", job.JobType), nil)
	}

	stageCtx, cancel := context.WithTimeout(ctx, p.opts.JobTimeout)
	defer cancel()

	defer func() {
		if r := recover(); r != nil {
			execErr = errorsx.Structural("stage panicked", fmt.Errorf("%v", r))
		}
	}()

	err := stage(stageCtx, job)
	if err != nil && (errors.Is(err, context.DeadlineExceeded) || stageCtx.Err() == context.DeadlineExceeded) {
		return errorsx.Timeout(fmt.Errorf("stage %s exceeded %s", job.JobType, p.opts.JobTimeout))
	}
	return err
}

// report hands the outcome to the orchestrator and updates counters.
func (p *Pool) report(ctx context.Context, workerID string, job *repository.JobModel, execErr error, started time.Time) {
	duration := time.Since(started)
	if err := p.orch.HandleResult(ctx, job, execErr); err != nil {
		p.log.Error("reporting job outcome",
			zap.String("jobUID", job.UID.String()),
			zap.Error(err))
	}
	p.stats.Record(duration, execErr == nil)

	if execErr == nil {
		p.log.Info("job succeeded",
			zap.String("workerID", workerID),
			zap.String("jobUID", job.UID.String()),
			zap.String("jobType", string(job.JobType)),
			zap.Duration("duration", duration))
		p.publish(ctx, EventJobSucceeded, job, "")
		return
	}
	p.publish(ctx, EventJobFailed, job, execErr.Error())
}

// finishCancelled closes out a cooperatively cancelled job and marks the
// document so its owner sees why processing stopped.
func (p *Pool) finishCancelled(ctx context.Context, job *repository.JobModel) {
	if err := p.repo.FinishJobCancelled(ctx, job.UID); err != nil {
		if !errors.Is(err, errorsx.ErrConcurrencyConflict) {
			p.log.Error("finishing cancelled job", zap.Error(err))
			return
		}
	}
	if err := p.repo.MarkDocumentFailed(ctx, job.DocUID, "processing cancelled"); err != nil && !errors.Is(err, errorsx.ErrConcurrencyConflict) {
		p.log.Error("marking cancelled document", zap.Error(err))
	}
	p.log.Info("job cancelled",
		zap.String("jobUID", job.UID.String()),
		zap.String("jobType", string(job.JobType)))
	p.publish(ctx, EventJobCancelled, job, "")
}

func (p *Pool) publish(ctx context.Context, eventType EventType, job *repository.JobModel, message string) {
	if p.events == nil {
		return
	}
	p.events.Publish(ctx, Event{
		Type:    eventType,
		JobUID:  job.UID,
		DocUID:  job.DocUID,
		JobType: job.JobType,
		Message: message,
	})
}
