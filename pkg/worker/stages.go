package worker

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/gofrs/uuid"
	"gorm.io/datatypes"

	"github.com/tuzimao/Ai-Question-Generator-sub002/pkg/ai"
	"github.com/tuzimao/Ai-Question-Generator-sub002/pkg/chunker"
	"github.com/tuzimao/Ai-Question-Generator-sub002/pkg/errorsx"
	"github.com/tuzimao/Ai-Question-Generator-sub002/pkg/minio"
	"github.com/tuzimao/Ai-Question-Generator-sub002/pkg/parser"
	"github.com/tuzimao/Ai-Question-Generator-sub002/pkg/repository"
	"github.com/tuzimao/Ai-Question-Generator-sub002/pkg/types"
)

// StageFunc executes one pipeline stage for a claimed job. The context
// carries the bounded-execution deadline.
type StageFunc func(ctx context.Context, job *repository.JobModel) error

// Stages bundles the dependencies of the stage implementations and exposes
// them as a job-type registry.
type Stages struct {
	repo      repository.Repository
	store     minio.ContentStore
	parsers   *parser.Registry
	chunker   *chunker.Chunker
	embedder  ai.Embedder // nil disables the embed stage
	batchSize int
}

// NewStages wires the stage implementations.
func NewStages(repo repository.Repository, store minio.ContentStore, parsers *parser.Registry, ch *chunker.Chunker, embedder ai.Embedder, batchSize int) *Stages {
	if batchSize <= 0 {
		batchSize = 32
	}
	return &Stages{
		repo:      repo,
		store:     store,
		parsers:   parsers,
		chunker:   ch,
		embedder:  embedder,
		batchSize: batchSize,
	}
}

// Registry maps job types to their stage functions.
func (s *Stages) Registry() map[types.JobType]StageFunc {
	registry := map[types.JobType]StageFunc{
		types.JobTypeParsePDF:      s.Parse,
		types.JobTypeParseMarkdown: s.Parse,
		types.JobTypeChunk:         s.Chunk,
	}
	if s.embedder != nil {
		registry[types.JobTypeEmbed] = s.Embed
	}
	return registry
}

// Parse fetches the stored file, extracts the section tree and replaces the
// document's sections. The stage is idempotent: a retry rewrites the same
// sections transactionally.
func (s *Stages) Parse(ctx context.Context, job *repository.JobModel) error {
	doc, err := s.repo.GetDocumentByUID(ctx, job.DocUID)
	if err != nil {
		return err
	}

	content, err := s.store.Get(ctx, doc.StoragePath)
	if err != nil {
		// Object storage being unreachable is worth a retry.
		return errorsx.Transient(fmt.Errorf("fetching %s: %w", doc.StoragePath, err))
	}

	p, err := s.parsers.ForMimeType(doc.MimeType)
	if err != nil {
		return err
	}
	result, err := p.Parse(ctx, content)
	if err != nil {
		return err
	}

	models := make([]*repository.SectionModel, len(result.Sections))
	for i, section := range result.Sections {
		models[i] = &repository.SectionModel{
			UID:        uuid.Must(uuid.NewV4()),
			DocUID:     doc.UID,
			Level:      section.Level,
			InOrder:    section.Order,
			Title:      section.Title,
			Content:    section.Content,
			StartPos:   section.Start,
			EndPos:     section.End,
			Confidence: section.Confidence,
		}
		if section.ParentIndex >= 0 {
			parentUID := models[section.ParentIndex].UID
			models[i].ParentUID = &parentUID
		}
		if section.Page > 0 {
			meta, _ := json.Marshal(map[string]int{"page": section.Page})
			models[i].MetadataJSON = datatypes.JSON(meta)
		}
	}
	if _, err := s.repo.DeleteAndCreateSections(ctx, doc.UID, models); err != nil {
		return err
	}

	return s.repo.UpdateDocumentParseMeta(ctx, doc.UID, result.PageCount, result.Language, result.TextLength)
}

// Chunk reads the section sequence and replaces the document's chunks with
// a fresh token-bounded partition.
func (s *Stages) Chunk(ctx context.Context, job *repository.JobModel) error {
	sections, err := s.repo.ListSectionsByDoc(ctx, job.DocUID)
	if err != nil {
		return err
	}
	if len(sections) == 0 {
		return errorsx.Structural("document has no sections to chunk", nil)
	}

	spans := make([]parser.Section, len(sections))
	for i, section := range sections {
		spans[i] = parser.Section{
			Level:   section.Level,
			Title:   section.Title,
			Content: section.Content,
			Start:   section.StartPos,
			End:     section.EndPos,
		}
	}
	chunks, err := s.chunker.Chunk(spans)
	if err != nil {
		return err
	}

	models := make([]*repository.ChunkModel, len(chunks))
	for i, c := range chunks {
		model := &repository.ChunkModel{
			DocUID:          job.DocUID,
			SpansSections:   c.SpansSections,
			ChunkIndex:      c.Index,
			Content:         c.Content,
			StartPos:        c.Start,
			EndPos:          c.End,
			Tokens:          c.Tokens,
			EmbeddingStatus: types.EmbeddingStatusPending,
		}
		if !c.SpansSections {
			sectionUID := sections[c.SectionIndex].UID
			model.SectionUID = &sectionUID
		}
		models[i] = model
	}
	_, err = s.repo.DeleteAndCreateChunks(ctx, job.DocUID, models)
	return err
}

// Embed generates vectors for every chunk of the document, batch by batch,
// and replaces the stored embeddings in one transaction. Cancellation is
// honored between batches.
func (s *Stages) Embed(ctx context.Context, job *repository.JobModel) error {
	if s.embedder == nil {
		return errorsx.Structural("no embedder configured", nil)
	}
	chunks, err := s.repo.ListChunksByDoc(ctx, job.DocUID)
	if err != nil {
		return err
	}
	if len(chunks) == 0 {
		return errorsx.Structural("document has no chunks to embed", nil)
	}

	embeddings := make([]*repository.EmbeddingModel, 0, len(chunks))
	chunkUIDs := make([]types.ChunkUIDType, 0, len(chunks))
	for start := 0; start < len(chunks); start += s.batchSize {
		if cancelled, cancelErr := s.repo.JobCancelRequested(ctx, job.UID); cancelErr == nil && cancelled {
			return ErrCancelRequested
		}

		end := start + s.batchSize
		if end > len(chunks) {
			end = len(chunks)
		}
		batch := chunks[start:end]
		texts := make([]string, len(batch))
		for i, c := range batch {
			texts[i] = c.Content
		}
		result, err := s.embedder.EmbedTexts(ctx, texts)
		if err != nil {
			return err
		}
		for i, vector := range result.Vectors {
			raw, err := json.Marshal(vector)
			if err != nil {
				return errorsx.Structural("serializing embedding vector", err)
			}
			embeddings = append(embeddings, &repository.EmbeddingModel{
				DocUID:   job.DocUID,
				ChunkUID: batch[i].UID,
				Model:    result.Model,
				Vector:   datatypes.JSON(raw),
			})
			chunkUIDs = append(chunkUIDs, batch[i].UID)
		}
	}

	if _, err := s.repo.DeleteAndCreateEmbeddings(ctx, job.DocUID, embeddings); err != nil {
		return err
	}
	return s.repo.UpdateChunkEmbeddingStatus(ctx, chunkUIDs, types.EmbeddingStatusEmbedded)
}
