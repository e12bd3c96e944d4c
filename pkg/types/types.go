package types

import (
	"github.com/gofrs/uuid"
)

type (
	// DocUIDType is the unique identifier of an uploaded document
	DocUIDType = uuid.UUID
	// SectionUIDType is the unique identifier of a document section
	SectionUIDType = uuid.UUID
	// ChunkUIDType is the unique identifier of a document chunk
	ChunkUIDType = uuid.UUID
	// JobUIDType is the unique identifier of a processing job
	JobUIDType = uuid.UUID
	// UserUIDType is the unique identifier of the owning user
	UserUIDType = uuid.UUID
)

// IngestStatus is the coarse lifecycle stage of a document across the pipeline
type IngestStatus string

const (
	// IngestStatusUploading means the object write has not been committed yet
	IngestStatusUploading IngestStatus = "uploading"
	// IngestStatusUploaded means the raw file is persisted and a parse job is eligible
	IngestStatusUploaded IngestStatus = "uploaded"
	// IngestStatusParsing means a parse job is executing
	IngestStatusParsing IngestStatus = "parsing"
	// IngestStatusParsed means section extraction completed
	IngestStatusParsed IngestStatus = "parsed"
	// IngestStatusChunking means a chunk job is executing
	IngestStatusChunking IngestStatus = "chunking"
	// IngestStatusChunked means chunking completed; terminal when no embedder is configured
	IngestStatusChunked IngestStatus = "chunked"
	// IngestStatusEmbedding means an embed job is executing
	IngestStatusEmbedding IngestStatus = "embedding"
	// IngestStatusReady means the document completed the full pipeline
	IngestStatusReady IngestStatus = "ready"
	// IngestStatusFailed is reachable from any non-terminal state
	IngestStatusFailed IngestStatus = "failed"
)

// Terminal reports whether no automatic transition leaves the status.
func (s IngestStatus) Terminal() bool {
	switch s {
	case IngestStatusReady, IngestStatusFailed, IngestStatusChunked:
		return true
	}
	return false
}

// JobType identifies which pipeline stage a processing job represents
type JobType string

const (
	// JobTypeParsePDF parses a PDF file into sections
	JobTypeParsePDF JobType = "parse_pdf"
	// JobTypeParseMarkdown parses a Markdown file into sections
	JobTypeParseMarkdown JobType = "parse_markdown"
	// JobTypeChunk splits the section sequence into token-bounded chunks
	JobTypeChunk JobType = "chunk"
	// JobTypeEmbed generates embeddings for the document's chunks
	JobTypeEmbed JobType = "embed"
)

// JobStatus is the lifecycle state of a processing job
type JobStatus string

const (
	// JobStatusQueued means the job is eligible for claiming
	JobStatusQueued JobStatus = "queued"
	// JobStatusRunning means the job has been claimed by exactly one worker
	JobStatusRunning JobStatus = "running"
	// JobStatusSucceeded is terminal
	JobStatusSucceeded JobStatus = "succeeded"
	// JobStatusFailed is terminal, reached after retries are exhausted
	JobStatusFailed JobStatus = "failed"
	// JobStatusCancelled is terminal
	JobStatusCancelled JobStatus = "cancelled"
)

// Terminal reports whether the job status is final and immutable.
func (s JobStatus) Terminal() bool {
	switch s {
	case JobStatusSucceeded, JobStatusFailed, JobStatusCancelled:
		return true
	}
	return false
}

// EmbeddingStatus tracks a chunk's embedding lifecycle
type EmbeddingStatus string

const (
	// EmbeddingStatusPending means no embedding exists yet
	EmbeddingStatusPending EmbeddingStatus = "pending"
	// EmbeddingStatusEmbedded means a vector has been persisted
	EmbeddingStatusEmbedded EmbeddingStatus = "embedded"
	// EmbeddingStatusFailed means embedding failed terminally
	EmbeddingStatusFailed EmbeddingStatus = "failed"
)

// MIME types accepted by the parser registry
const (
	MimeTypePDF      = "application/pdf"
	MimeTypeMarkdown = "text/markdown"
)
