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
	// SectionTableName is the table name for document sections
	SectionTableName = "document_section"
)

// DocumentSection interface defines the methods for the section table.
// Sections are created in bulk by the parse stage and immutable afterwards;
// later stages only read.
type DocumentSection interface {
	// DeleteAndCreateSections replaces the section arena of a document in a
	// single transaction. Reprocessing a document therefore never leaves a
	// mixed tree behind.
	DeleteAndCreateSections(ctx context.Context, docUID types.DocUIDType, sections []*SectionModel) ([]*SectionModel, error)
	// ListSectionsByDoc returns the document's sections in document order.
	ListSectionsByDoc(ctx context.Context, docUID types.DocUIDType) ([]SectionModel, error)
	// HardDeleteSectionsByDoc removes all sections of a document.
	HardDeleteSectionsByDoc(ctx context.Context, docUID types.DocUIDType) error
	// CountSectionsByDoc returns the number of sections of a document.
	CountSectionsByDoc(ctx context.Context, docUID types.DocUIDType) (int64, error)
}

// SectionModel is a node in the hierarchical section arena. Parent links are
// back-references by UID only; traversal is driven by (start_pos, level),
// never by following parent pointers.
type SectionModel struct {
	UID       types.SectionUIDType  `gorm:"column:uid;type:uuid;primaryKey" json:"uid"`
	DocUID    types.DocUIDType      `gorm:"column:doc_uid;type:uuid;not null;index" json:"doc_uid"`
	ParentUID *types.SectionUIDType `gorm:"column:parent_uid;type:uuid" json:"parent_uid"`
	// Level is the depth in the tree, root sections are level 1.
	Level int `gorm:"column:level;not null" json:"level"`
	// InOrder is the sibling ordering within a level.
	InOrder int    `gorm:"column:in_order;not null" json:"order"`
	Title   string `gorm:"column:title;size:512" json:"title"`
	Content string `gorm:"column:content;not null" json:"content"`
	// StartPos/EndPos delimit the section's exclusive span in the document's
	// extracted text. Visited in document order the spans partition the text.
	StartPos int `gorm:"column:start_pos;not null" json:"start"`
	EndPos   int `gorm:"column:end_pos;not null" json:"end"`
	// Confidence is 1.0 when the structure is explicit (Markdown headings)
	// and heuristic (0.0-1.0) when inferred (PDF layout analysis).
	Confidence float64 `gorm:"column:confidence;not null" json:"confidence"`
	// MetadataJSON carries optional page/coordinate information.
	MetadataJSON datatypes.JSON `gorm:"column:metadata;type:jsonb" json:"metadata"`
	CreateTime   *time.Time     `gorm:"column:create_time;not null;autoCreateTime" json:"create_time"`
}

// TableName overrides the table name used by gorm
func (SectionModel) TableName() string { return SectionTableName }

// SectionColumns is the table column map
type SectionColumns struct {
	UID      string
	DocUID   string
	Level    string
	InOrder  string
	StartPos string
}

// SectionColumn holds the column names of the section table
var SectionColumn = SectionColumns{
	UID:      "uid",
	DocUID:   "doc_uid",
	Level:    "level",
	InOrder:  "in_order",
	StartPos: "start_pos",
}

func (r *repository) DeleteAndCreateSections(ctx context.Context, docUID types.DocUIDType, sections []*SectionModel) ([]*SectionModel, error) {
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		whereClause := fmt.Sprintf("%v = ?", SectionColumn.DocUID)
		if err := tx.Where(whereClause, docUID).Delete(&SectionModel{}).Error; err != nil {
			return err
		}
		if len(sections) == 0 {
			return nil
		}
		for _, s := range sections {
			if s.UID == uuid.Nil {
				s.UID = uuid.Must(uuid.NewV4())
			}
			s.DocUID = docUID
		}
		return tx.Create(&sections).Error
	})
	if err != nil {
		return nil, err
	}
	return sections, nil
}

func (r *repository) ListSectionsByDoc(ctx context.Context, docUID types.DocUIDType) ([]SectionModel, error) {
	var sections []SectionModel
	whereClause := fmt.Sprintf("%v = ?", SectionColumn.DocUID)
	if err := r.db.WithContext(ctx).Where(whereClause, docUID).
		Order(SectionColumn.StartPos + " ASC").
		Find(&sections).Error; err != nil {
		return nil, err
	}
	return sections, nil
}

func (r *repository) HardDeleteSectionsByDoc(ctx context.Context, docUID types.DocUIDType) error {
	whereClause := fmt.Sprintf("%v = ?", SectionColumn.DocUID)
	return r.db.WithContext(ctx).Where(whereClause, docUID).Delete(&SectionModel{}).Error
}

func (r *repository) CountSectionsByDoc(ctx context.Context, docUID types.DocUIDType) (int64, error) {
	var count int64
	whereClause := fmt.Sprintf("%v = ?", SectionColumn.DocUID)
	if err := r.db.WithContext(ctx).Model(&SectionModel{}).
		Where(whereClause, docUID).Count(&count).Error; err != nil {
		return 0, err
	}
	return count, nil
}
