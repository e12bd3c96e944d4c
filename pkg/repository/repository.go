package repository

import (
	"gorm.io/gorm"
)

// DefaultPageSize is the default pagination page size when page size is not assigned
const DefaultPageSize = 10

// MaxPageSize is the maximum pagination page size if the assigned value is over this number
const MaxPageSize = 100

// Repository bundles the metadata-store operations of the ingestion
// pipeline. The job queue and the orchestrator coordinate exclusively
// through these conditional updates; there is no shared in-memory state
// between workers.
type Repository interface {
	Document
	DocumentSection
	DocumentChunk
	ProcessingJob
	Embedding
}

type repository struct {
	db *gorm.DB
}

// NewRepository returns the gorm-backed metadata store implementation.
func NewRepository(db *gorm.DB) Repository {
	return &repository{
		db: db,
	}
}
