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
	// DocumentTableName is the table name for documents
	DocumentTableName = "document"
)

// Document interface defines the methods for the document table
type Document interface {
	// CreateDocument inserts a new document row.
	CreateDocument(ctx context.Context, doc DocumentModel) (*DocumentModel, error)
	// GetDocumentByUID returns a non-deleted document by UID.
	GetDocumentByUID(ctx context.Context, docUID types.DocUIDType) (*DocumentModel, error)
	// GetDocumentByOwnerAndHash returns the non-deleted document owned by
	// ownerUID with the given content fingerprint, or ErrNotFound.
	GetDocumentByOwnerAndHash(ctx context.Context, ownerUID types.UserUIDType, contentHash string) (*DocumentModel, error)
	// UpdateDocumentStatus transitions ingest_status from expected to next.
	// It returns ErrConcurrencyConflict when the stored status no longer
	// matches expected at update time.
	UpdateDocumentStatus(ctx context.Context, docUID types.DocUIDType, expected, next types.IngestStatus) error
	// MarkDocumentFailed moves a document to failed with a user-readable
	// message, unless it is already in a terminal state.
	MarkDocumentFailed(ctx context.Context, docUID types.DocUIDType, errorMessage string) error
	// UpdateDocumentParseMeta stores the attributes populated by the parser.
	UpdateDocumentParseMeta(ctx context.Context, docUID types.DocUIDType, pageCount int, language string, textLength int) error
	// ResetDocumentForReprocess moves a failed document back to uploaded and
	// clears its error message.
	ResetDocumentForReprocess(ctx context.Context, docUID types.DocUIDType) error
	// SoftDeleteDocument tombstones the document row.
	SoftDeleteDocument(ctx context.Context, docUID types.DocUIDType) error
	// ListDocumentsByOwner returns the owner's non-deleted documents, newest first.
	ListDocumentsByOwner(ctx context.Context, ownerUID types.UserUIDType, pageSize int) ([]DocumentModel, error)
}

// DocumentModel is the model for the document table
type DocumentModel struct {
	UID      types.DocUIDType   `gorm:"column:uid;type:uuid;primaryKey" json:"uid"`
	OwnerUID types.UserUIDType  `gorm:"column:owner_uid;type:uuid;not null" json:"owner_uid"`
	Filename string             `gorm:"column:filename;size:255;not null" json:"filename"`
	// ContentHash is the hex-encoded SHA-256 fingerprint used for
	// per-owner deduplication.
	ContentHash  string             `gorm:"column:content_hash;size:64;not null" json:"content_hash"`
	MimeType     string             `gorm:"column:mime_type;size:100;not null" json:"mime_type"`
	SizeBytes    int64              `gorm:"column:size_bytes;not null" json:"size_bytes"`
	StoragePath  string             `gorm:"column:storage_path;size:512;not null" json:"storage_path"`
	IngestStatus types.IngestStatus `gorm:"column:ingest_status;size:32;not null" json:"ingest_status"`
	PageCount    *int               `gorm:"column:page_count" json:"page_count"`
	Language     *string            `gorm:"column:language;size:16" json:"language"`
	TextLength   *int               `gorm:"column:text_length" json:"text_length"`
	ErrorMessage *string            `gorm:"column:error_message" json:"error_message"`
	CreateTime   *time.Time         `gorm:"column:create_time;not null;autoCreateTime" json:"create_time"`
	UpdateTime   *time.Time         `gorm:"column:update_time;not null;autoUpdateTime" json:"update_time"`
	DeleteTime   *time.Time         `gorm:"column:delete_time" json:"delete_time"`
}

// TableName overrides the table name used by gorm
func (DocumentModel) TableName() string { return DocumentTableName }

// DocumentColumns is the table column map
type DocumentColumns struct {
	UID          string
	OwnerUID     string
	ContentHash  string
	IngestStatus string
	ErrorMessage string
	PageCount    string
	Language     string
	TextLength   string
	CreateTime   string
	DeleteTime   string
}

// DocumentColumn holds the column names of the document table
var DocumentColumn = DocumentColumns{
	UID:          "uid",
	OwnerUID:     "owner_uid",
	ContentHash:  "content_hash",
	IngestStatus: "ingest_status",
	ErrorMessage: "error_message",
	PageCount:    "page_count",
	Language:     "language",
	TextLength:   "text_length",
	CreateTime:   "create_time",
	DeleteTime:   "delete_time",
}

func (r *repository) CreateDocument(ctx context.Context, doc DocumentModel) (*DocumentModel, error) {
	if doc.UID == uuid.Nil {
		doc.UID = uuid.Must(uuid.NewV4())
	}
	if doc.IngestStatus == "" {
		doc.IngestStatus = types.IngestStatusUploading
	}
	if err := r.db.WithContext(ctx).Create(&doc).Error; err != nil {
		return nil, err
	}
	return &doc, nil
}

func (r *repository) GetDocumentByUID(ctx context.Context, docUID types.DocUIDType) (*DocumentModel, error) {
	var doc DocumentModel
	whereClause := fmt.Sprintf("%v = ? AND %v IS NULL", DocumentColumn.UID, DocumentColumn.DeleteTime)
	if err := r.db.WithContext(ctx).Where(whereClause, docUID).First(&doc).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, errorsx.ErrNotFound
		}
		return nil, err
	}
	return &doc, nil
}

func (r *repository) GetDocumentByOwnerAndHash(ctx context.Context, ownerUID types.UserUIDType, contentHash string) (*DocumentModel, error) {
	var doc DocumentModel
	whereClause := fmt.Sprintf("%v = ? AND %v = ? AND %v IS NULL",
		DocumentColumn.OwnerUID, DocumentColumn.ContentHash, DocumentColumn.DeleteTime)
	if err := r.db.WithContext(ctx).Where(whereClause, ownerUID, contentHash).First(&doc).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, errorsx.ErrNotFound
		}
		return nil, err
	}
	return &doc, nil
}

func (r *repository) UpdateDocumentStatus(ctx context.Context, docUID types.DocUIDType, expected, next types.IngestStatus) error {
	whereClause := fmt.Sprintf("%v = ? AND %v = ? AND %v IS NULL",
		DocumentColumn.UID, DocumentColumn.IngestStatus, DocumentColumn.DeleteTime)
	result := r.db.WithContext(ctx).Model(&DocumentModel{}).
		Where(whereClause, docUID, expected).
		Update(DocumentColumn.IngestStatus, next)
	if result.Error != nil {
		return result.Error
	}
	// A zero-row update means a stale worker lost the optimistic race.
	if result.RowsAffected == 0 {
		return errorsx.ErrConcurrencyConflict
	}
	return nil
}

func (r *repository) MarkDocumentFailed(ctx context.Context, docUID types.DocUIDType, errorMessage string) error {
	whereClause := fmt.Sprintf("%v = ? AND %v NOT IN ? AND %v IS NULL",
		DocumentColumn.UID, DocumentColumn.IngestStatus, DocumentColumn.DeleteTime)
	terminal := []types.IngestStatus{types.IngestStatusReady, types.IngestStatusFailed}
	result := r.db.WithContext(ctx).Model(&DocumentModel{}).
		Where(whereClause, docUID, terminal).
		Updates(map[string]any{
			DocumentColumn.IngestStatus: types.IngestStatusFailed,
			DocumentColumn.ErrorMessage: errorMessage,
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return errorsx.ErrConcurrencyConflict
	}
	return nil
}

func (r *repository) UpdateDocumentParseMeta(ctx context.Context, docUID types.DocUIDType, pageCount int, language string, textLength int) error {
	return r.db.WithContext(ctx).Model(&DocumentModel{}).
		Where(DocumentColumn.UID+" = ?", docUID).
		Updates(map[string]any{
			DocumentColumn.PageCount:  pageCount,
			DocumentColumn.Language:   language,
			DocumentColumn.TextLength: textLength,
		}).Error
}

func (r *repository) ResetDocumentForReprocess(ctx context.Context, docUID types.DocUIDType) error {
	whereClause := fmt.Sprintf("%v = ? AND %v = ? AND %v IS NULL",
		DocumentColumn.UID, DocumentColumn.IngestStatus, DocumentColumn.DeleteTime)
	result := r.db.WithContext(ctx).Model(&DocumentModel{}).
		Where(whereClause, docUID, types.IngestStatusFailed).
		Updates(map[string]any{
			DocumentColumn.IngestStatus: types.IngestStatusUploaded,
			DocumentColumn.ErrorMessage: nil,
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return errorsx.ErrConcurrencyConflict
	}
	return nil
}

// SoftDeleteDocument sets the delete time; sections, chunks and embeddings
// are removed by the service layer (cascade semantics live there so the
// storage object can be removed as well).
func (r *repository) SoftDeleteDocument(ctx context.Context, docUID types.DocUIDType) error {
	currentTime := time.Now()
	whereClause := fmt.Sprintf("%v = ? AND %v IS NULL", DocumentColumn.UID, DocumentColumn.DeleteTime)
	result := r.db.WithContext(ctx).Model(&DocumentModel{}).
		Where(whereClause, docUID).
		Update(DocumentColumn.DeleteTime, currentTime)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return errorsx.ErrNotFound
	}
	return nil
}

func (r *repository) ListDocumentsByOwner(ctx context.Context, ownerUID types.UserUIDType, pageSize int) ([]DocumentModel, error) {
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	} else if pageSize > MaxPageSize {
		pageSize = MaxPageSize
	}
	var docs []DocumentModel
	whereClause := fmt.Sprintf("%v = ? AND %v IS NULL", DocumentColumn.OwnerUID, DocumentColumn.DeleteTime)
	if err := r.db.WithContext(ctx).Where(whereClause, ownerUID).
		Order(DocumentColumn.CreateTime + " DESC").
		Limit(pageSize).
		Find(&docs).Error; err != nil {
		return nil, err
	}
	return docs, nil
}
