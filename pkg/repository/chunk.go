package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/gofrs/uuid"
	"gorm.io/gorm"

	"github.com/tuzimao/Ai-Question-Generator-sub002/pkg/types"
)

const (
	// ChunkTableName is the table name for document chunks
	ChunkTableName = "document_chunk"
)

// DocumentChunk interface defines the methods for the chunk table
type DocumentChunk interface {
	// DeleteAndCreateChunks replaces the chunks of a document in a single
	// transaction, keeping chunk_index contiguous from 0.
	DeleteAndCreateChunks(ctx context.Context, docUID types.DocUIDType, chunks []*ChunkModel) ([]*ChunkModel, error)
	// ListChunksByDoc returns the document's chunks ordered by chunk_index.
	ListChunksByDoc(ctx context.Context, docUID types.DocUIDType) ([]ChunkModel, error)
	// ListChunksByEmbeddingStatus returns the document's chunks with the
	// given embedding status, ordered by chunk_index.
	ListChunksByEmbeddingStatus(ctx context.Context, docUID types.DocUIDType, status types.EmbeddingStatus) ([]ChunkModel, error)
	// UpdateChunkEmbeddingStatus flips the embedding status of the chunks.
	// embedding_status is the only mutable chunk column.
	UpdateChunkEmbeddingStatus(ctx context.Context, chunkUIDs []types.ChunkUIDType, status types.EmbeddingStatus) error
	// CountChunksByDoc returns the number of chunks of a document.
	CountChunksByDoc(ctx context.Context, docUID types.DocUIDType) (int64, error)
	// HardDeleteChunksByDoc removes all chunks of a document.
	HardDeleteChunksByDoc(ctx context.Context, docUID types.DocUIDType) error
}

// ChunkModel is the unit handed to downstream embedding and question
// generation. Chunks of a document, ordered by chunk_index, partition the
// extracted text without gaps or overlaps.
type ChunkModel struct {
	UID    types.ChunkUIDType `gorm:"column:uid;type:uuid;primaryKey" json:"uid"`
	DocUID types.DocUIDType   `gorm:"column:doc_uid;type:uuid;not null;index" json:"doc_uid"`
	// SectionUID is a back-reference, not an ownership edge. It is nil when
	// the chunk spans a section boundary; SpansSections is set instead.
	SectionUID      *types.SectionUIDType `gorm:"column:section_uid;type:uuid" json:"section_uid"`
	SpansSections   bool                  `gorm:"column:spans_sections;not null" json:"spans_sections"`
	ChunkIndex      int                   `gorm:"column:chunk_index;not null" json:"chunk_index"`
	Content         string                `gorm:"column:content;not null" json:"content"`
	StartPos        int                   `gorm:"column:start_pos;not null" json:"start"`
	EndPos          int                   `gorm:"column:end_pos;not null" json:"end"`
	Tokens          int                   `gorm:"column:tokens;not null" json:"tokens"`
	EmbeddingStatus types.EmbeddingStatus `gorm:"column:embedding_status;size:32;not null" json:"embedding_status"`
	CreateTime      *time.Time            `gorm:"column:create_time;not null;autoCreateTime" json:"create_time"`
	UpdateTime      *time.Time            `gorm:"column:update_time;not null;autoUpdateTime" json:"update_time"`
}

// TableName overrides the table name used by gorm
func (ChunkModel) TableName() string { return ChunkTableName }

// ChunkColumns is the table column map
type ChunkColumns struct {
	UID             string
	DocUID          string
	ChunkIndex      string
	EmbeddingStatus string
}

// ChunkColumn holds the column names of the chunk table
var ChunkColumn = ChunkColumns{
	UID:             "uid",
	DocUID:          "doc_uid",
	ChunkIndex:      "chunk_index",
	EmbeddingStatus: "embedding_status",
}

func (r *repository) DeleteAndCreateChunks(ctx context.Context, docUID types.DocUIDType, chunks []*ChunkModel) ([]*ChunkModel, error) {
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		whereClause := fmt.Sprintf("%v = ?", ChunkColumn.DocUID)
		if err := tx.Where(whereClause, docUID).Delete(&ChunkModel{}).Error; err != nil {
			return err
		}
		if len(chunks) == 0 {
			return nil
		}
		for _, c := range chunks {
			if c.UID == uuid.Nil {
				c.UID = uuid.Must(uuid.NewV4())
			}
			c.DocUID = docUID
			if c.EmbeddingStatus == "" {
				c.EmbeddingStatus = types.EmbeddingStatusPending
			}
		}
		return tx.Create(&chunks).Error
	})
	if err != nil {
		return nil, err
	}
	return chunks, nil
}

func (r *repository) ListChunksByDoc(ctx context.Context, docUID types.DocUIDType) ([]ChunkModel, error) {
	var chunks []ChunkModel
	whereClause := fmt.Sprintf("%v = ?", ChunkColumn.DocUID)
	if err := r.db.WithContext(ctx).Where(whereClause, docUID).
		Order(ChunkColumn.ChunkIndex + " ASC").
		Find(&chunks).Error; err != nil {
		return nil, err
	}
	return chunks, nil
}

func (r *repository) ListChunksByEmbeddingStatus(ctx context.Context, docUID types.DocUIDType, status types.EmbeddingStatus) ([]ChunkModel, error) {
	var chunks []ChunkModel
	whereClause := fmt.Sprintf("%v = ? AND %v = ?", ChunkColumn.DocUID, ChunkColumn.EmbeddingStatus)
	if err := r.db.WithContext(ctx).Where(whereClause, docUID, status).
		Order(ChunkColumn.ChunkIndex + " ASC").
		Find(&chunks).Error; err != nil {
		return nil, err
	}
	return chunks, nil
}

func (r *repository) UpdateChunkEmbeddingStatus(ctx context.Context, chunkUIDs []types.ChunkUIDType, status types.EmbeddingStatus) error {
	if len(chunkUIDs) == 0 {
		return nil
	}
	return r.db.WithContext(ctx).Model(&ChunkModel{}).
		Where(ChunkColumn.UID+" IN ?", chunkUIDs).
		Update(ChunkColumn.EmbeddingStatus, status).Error
}

func (r *repository) CountChunksByDoc(ctx context.Context, docUID types.DocUIDType) (int64, error) {
	var count int64
	whereClause := fmt.Sprintf("%v = ?", ChunkColumn.DocUID)
	if err := r.db.WithContext(ctx).Model(&ChunkModel{}).
		Where(whereClause, docUID).Count(&count).Error; err != nil {
		return 0, err
	}
	return count, nil
}

func (r *repository) HardDeleteChunksByDoc(ctx context.Context, docUID types.DocUIDType) error {
	whereClause := fmt.Sprintf("%v = ?", ChunkColumn.DocUID)
	return r.db.WithContext(ctx).Where(whereClause, docUID).Delete(&ChunkModel{}).Error
}
