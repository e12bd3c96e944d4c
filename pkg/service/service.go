// Package service implements the pipeline's use cases on top of the
// repository, object store, queue and orchestrator. Handlers call only into
// this package.
package service

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/tuzimao/Ai-Question-Generator-sub002/pkg/errorsx"
	"github.com/tuzimao/Ai-Question-Generator-sub002/pkg/minio"
	"github.com/tuzimao/Ai-Question-Generator-sub002/pkg/parser"
	"github.com/tuzimao/Ai-Question-Generator-sub002/pkg/pipeline"
	"github.com/tuzimao/Ai-Question-Generator-sub002/pkg/queue"
	"github.com/tuzimao/Ai-Question-Generator-sub002/pkg/repository"
	"github.com/tuzimao/Ai-Question-Generator-sub002/pkg/types"
	"github.com/tuzimao/Ai-Question-Generator-sub002/pkg/worker"
)

// Service bundles the pipeline use cases.
type Service struct {
	repo         repository.Repository
	store        minio.ContentStore
	q            *queue.Queue
	orch         *pipeline.Orchestrator
	log          *zap.Logger
	embedEnabled bool
	// poolStats reports worker counters when a pool runs in this process;
	// nil on API-only replicas.
	poolStats func() worker.Snapshot
}

// NewService wires the use cases. poolStats may be nil.
func NewService(repo repository.Repository, store minio.ContentStore, q *queue.Queue, orch *pipeline.Orchestrator, embedEnabled bool, poolStats func() worker.Snapshot, log *zap.Logger) *Service {
	return &Service{
		repo:         repo,
		store:        store,
		q:            q,
		orch:         orch,
		log:          log,
		embedEnabled: embedEnabled,
		poolStats:    poolStats,
	}
}

// Fingerprint returns the hex SHA-256 of the content, the per-owner
// deduplication key.
func Fingerprint(content []byte) string {
	sum := sha256.Sum256(content)
	return hex.EncodeToString(sum[:])
}

// AdmitDocument stores an uploaded file and starts its pipeline. Admission
// is idempotent per owner: re-uploading identical bytes returns the
// existing document with isNew=false and writes nothing.
//
// The object write commits before the metadata row, so a crash in between
// leaves an unreferenced object rather than a document whose bytes are
// missing. The path is content addressed, so a later upload of the same
// bytes reuses it.
func (s *Service) AdmitDocument(ctx context.Context, ownerUID types.UserUIDType, filename, mimeType string, content []byte) (doc *repository.DocumentModel, isNew bool, err error) {
	if len(content) == 0 {
		return nil, false, fmt.Errorf("%w: empty file", errorsx.ErrInvalidArgument)
	}
	if _, err := parser.JobTypeForMimeType(mimeType); err != nil {
		return nil, false, fmt.Errorf("%w: unsupported mime type %q", errorsx.ErrInvalidArgument, mimeType)
	}

	hash := Fingerprint(content)
	existing, err := s.repo.GetDocumentByOwnerAndHash(ctx, ownerUID, hash)
	if err == nil {
		return existing, false, nil
	}
	if !errors.Is(err, errorsx.ErrNotFound) {
		return nil, false, err
	}

	storagePath := fmt.Sprintf("doc/%s/%s", ownerUID.String(), hash)
	if err := s.store.Put(ctx, storagePath, content, mimeType); err != nil {
		return nil, false, fmt.Errorf("storing document content: %w", err)
	}

	doc, err = s.repo.CreateDocument(ctx, repository.DocumentModel{
		OwnerUID:     ownerUID,
		Filename:     filename,
		ContentHash:  hash,
		MimeType:     mimeType,
		SizeBytes:    int64(len(content)),
		StoragePath:  storagePath,
		IngestStatus: types.IngestStatusUploaded,
	})
	if err != nil {
		// A unique violation here means a concurrent admission of the same
		// bytes won the race; the winner's row is authoritative.
		if winner, getErr := s.repo.GetDocumentByOwnerAndHash(ctx, ownerUID, hash); getErr == nil {
			return winner, false, nil
		}
		return nil, false, err
	}

	if _, err := s.orch.StartDocument(ctx, doc); err != nil {
		return nil, false, err
	}
	s.log.Info("document admitted",
		zap.String("docUID", doc.UID.String()),
		zap.String("filename", filename),
		zap.String("mimeType", mimeType),
		zap.Int("sizeBytes", len(content)))
	return doc, true, nil
}

// DocumentStatus is the progress view of one document.
type DocumentStatus struct {
	Document     *repository.DocumentModel `json:"document"`
	Progress     float64                   `json:"progress"`
	SectionCount int64                     `json:"section_count"`
	ChunkCount   int64                     `json:"chunk_count"`
}

// GetDocumentStatus returns the document with its pipeline progress.
func (s *Service) GetDocumentStatus(ctx context.Context, docUID types.DocUIDType) (*DocumentStatus, error) {
	doc, err := s.repo.GetDocumentByUID(ctx, docUID)
	if err != nil {
		return nil, err
	}
	var sections, chunks int64
	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() (err error) {
		sections, err = s.repo.CountSectionsByDoc(groupCtx, docUID)
		return err
	})
	group.Go(func() (err error) {
		chunks, err = s.repo.CountChunksByDoc(groupCtx, docUID)
		return err
	})
	if err := group.Wait(); err != nil {
		return nil, err
	}
	return &DocumentStatus{
		Document:     doc,
		Progress:     s.progress(doc.IngestStatus),
		SectionCount: sections,
		ChunkCount:   chunks,
	}, nil
}

// progress maps the ingest status to a coarse completion fraction. With no
// embedder configured the pipeline ends at chunked, which then counts as
// complete.
func (s *Service) progress(status types.IngestStatus) float64 {
	fractions := map[types.IngestStatus]float64{
		types.IngestStatusUploading: 0,
		types.IngestStatusUploaded:  0.1,
		types.IngestStatusParsing:   0.25,
		types.IngestStatusParsed:    0.4,
		types.IngestStatusChunking:  0.55,
		types.IngestStatusChunked:   0.7,
		types.IngestStatusEmbedding: 0.85,
		types.IngestStatusReady:     1,
		types.IngestStatusFailed:    0,
	}
	if !s.embedEnabled && status == types.IngestStatusChunked {
		return 1
	}
	return fractions[status]
}

// ListDocuments returns the owner's documents, newest first.
func (s *Service) ListDocuments(ctx context.Context, ownerUID types.UserUIDType, pageSize int) ([]repository.DocumentModel, error) {
	return s.repo.ListDocumentsByOwner(ctx, ownerUID, pageSize)
}

// ListSections returns the document's sections in document order.
func (s *Service) ListSections(ctx context.Context, docUID types.DocUIDType) ([]repository.SectionModel, error) {
	if _, err := s.repo.GetDocumentByUID(ctx, docUID); err != nil {
		return nil, err
	}
	return s.repo.ListSectionsByDoc(ctx, docUID)
}

// ListChunks returns the document's chunks ordered by chunk index.
func (s *Service) ListChunks(ctx context.Context, docUID types.DocUIDType) ([]repository.ChunkModel, error) {
	if _, err := s.repo.GetDocumentByUID(ctx, docUID); err != nil {
		return nil, err
	}
	return s.repo.ListChunksByDoc(ctx, docUID)
}

// DeleteDocument tombstones the document, cancels its pending work and
// removes derived data and the stored object. Running jobs are flagged for
// cooperative cancellation and abort at the worker's next safe point.
func (s *Service) DeleteDocument(ctx context.Context, docUID types.DocUIDType) error {
	doc, err := s.repo.GetDocumentByUID(ctx, docUID)
	if err != nil {
		return err
	}
	if err := s.repo.SoftDeleteDocument(ctx, docUID); err != nil {
		return err
	}
	if err := s.repo.CancelQueuedJobsByDoc(ctx, docUID); err != nil {
		return err
	}
	running, err := s.q.List(ctx, repository.JobListFilter{DocUID: &docUID, Status: types.JobStatusRunning})
	if err != nil {
		return err
	}
	for _, job := range running {
		if err := s.repo.RequestJobCancel(ctx, job.UID); err != nil {
			return err
		}
	}

	if err := s.repo.HardDeleteEmbeddingsByDoc(ctx, docUID); err != nil {
		return err
	}
	if err := s.repo.HardDeleteChunksByDoc(ctx, docUID); err != nil {
		return err
	}
	if err := s.repo.HardDeleteSectionsByDoc(ctx, docUID); err != nil {
		return err
	}
	if err := s.store.Remove(ctx, doc.StoragePath); err != nil {
		// Metadata is already gone; an orphaned object is not worth failing
		// the request over.
		s.log.Warn("removing stored object",
			zap.String("docUID", docUID.String()),
			zap.String("storagePath", doc.StoragePath),
			zap.Error(err))
	}
	s.log.Info("document deleted", zap.String("docUID", docUID.String()))
	return nil
}

// ReprocessDocument restarts the pipeline for a failed document from the
// parse stage. Derived data is replaced transactionally by the stages, so
// nothing needs pre-clearing here.
func (s *Service) ReprocessDocument(ctx context.Context, docUID types.DocUIDType) (*repository.DocumentModel, error) {
	if err := s.repo.ResetDocumentForReprocess(ctx, docUID); err != nil {
		return nil, err
	}
	doc, err := s.repo.GetDocumentByUID(ctx, docUID)
	if err != nil {
		return nil, err
	}
	if _, err := s.orch.StartDocument(ctx, doc); err != nil {
		return nil, err
	}
	s.log.Info("document reprocess started", zap.String("docUID", docUID.String()))
	return doc, nil
}

// CancelJob cancels a queued job or flags a running one for cooperative
// cancellation.
func (s *Service) CancelJob(ctx context.Context, jobUID types.JobUIDType) error {
	return s.q.Cancel(ctx, jobUID)
}

// ListJobs returns jobs matching the filter.
func (s *Service) ListJobs(ctx context.Context, filter repository.JobListFilter) ([]repository.JobModel, error) {
	return s.q.List(ctx, filter)
}

// Health is the system health view: queue depths per job type and status,
// plus worker counters when a pool runs in this process.
type Health struct {
	Queue  map[types.JobType]map[types.JobStatus]int64 `json:"queue"`
	Worker *worker.Snapshot                            `json:"worker,omitempty"`
}

// SystemHealth aggregates the health view.
func (s *Service) SystemHealth(ctx context.Context) (*Health, error) {
	counts, err := s.repo.CountJobsByTypeAndStatus(ctx)
	if err != nil {
		return nil, err
	}
	health := &Health{Queue: counts}
	if s.poolStats != nil {
		snap := s.poolStats()
		health.Worker = &snap
	}
	return health, nil
}
