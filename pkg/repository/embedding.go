package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/gofrs/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/tuzimao/Ai-Question-Generator-sub002/pkg/types"
)

const (
	// EmbeddingTableName is the table name for chunk embeddings
	EmbeddingTableName = "embedding"
)

// Embedding interface defines the methods for the embedding table
type Embedding interface {
	// DeleteAndCreateEmbeddings replaces the embeddings of the given chunks
	// in one transaction so a retried embed stage never duplicates vectors.
	DeleteAndCreateEmbeddings(ctx context.Context, docUID types.DocUIDType, embeddings []*EmbeddingModel) ([]*EmbeddingModel, error)
	// ListEmbeddingsByDoc returns the embeddings of a document.
	ListEmbeddingsByDoc(ctx context.Context, docUID types.DocUIDType) ([]EmbeddingModel, error)
	// HardDeleteEmbeddingsByDoc removes all embeddings of a document.
	HardDeleteEmbeddingsByDoc(ctx context.Context, docUID types.DocUIDType) error
}

// EmbeddingModel stores one vector per chunk. Vectors are kept relationally
// next to their chunks; no vector-search operation exists in this system.
type EmbeddingModel struct {
	UID      uuid.UUID          `gorm:"column:uid;type:uuid;primaryKey" json:"uid"`
	DocUID   types.DocUIDType   `gorm:"column:doc_uid;type:uuid;not null;index" json:"doc_uid"`
	ChunkUID types.ChunkUIDType `gorm:"column:chunk_uid;type:uuid;not null" json:"chunk_uid"`
	Model    string             `gorm:"column:model;size:128;not null" json:"model"`
	// Vector is the embedding serialized as a JSON array of floats.
	Vector     datatypes.JSON `gorm:"column:vector;type:jsonb;not null" json:"vector"`
	CreateTime *time.Time     `gorm:"column:create_time;not null;autoCreateTime" json:"create_time"`
}

// TableName overrides the table name used by gorm
func (EmbeddingModel) TableName() string { return EmbeddingTableName }

func (r *repository) DeleteAndCreateEmbeddings(ctx context.Context, docUID types.DocUIDType, embeddings []*EmbeddingModel) ([]*EmbeddingModel, error) {
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		chunkUIDs := make([]types.ChunkUIDType, 0, len(embeddings))
		for _, e := range embeddings {
			if e.UID == uuid.Nil {
				e.UID = uuid.Must(uuid.NewV4())
			}
			e.DocUID = docUID
			chunkUIDs = append(chunkUIDs, e.ChunkUID)
		}
		if len(chunkUIDs) > 0 {
			if err := tx.Where("chunk_uid IN ?", chunkUIDs).Delete(&EmbeddingModel{}).Error; err != nil {
				return err
			}
			if err := tx.Create(&embeddings).Error; err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return embeddings, nil
}

func (r *repository) ListEmbeddingsByDoc(ctx context.Context, docUID types.DocUIDType) ([]EmbeddingModel, error) {
	var embeddings []EmbeddingModel
	whereClause := fmt.Sprintf("%v = ?", "doc_uid")
	if err := r.db.WithContext(ctx).Where(whereClause, docUID).Find(&embeddings).Error; err != nil {
		return nil, err
	}
	return embeddings, nil
}

func (r *repository) HardDeleteEmbeddingsByDoc(ctx context.Context, docUID types.DocUIDType) error {
	return r.db.WithContext(ctx).Where("doc_uid = ?", docUID).Delete(&EmbeddingModel{}).Error
}
