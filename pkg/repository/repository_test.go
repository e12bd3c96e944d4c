package repository

import (
	"context"
	"fmt"
	"strings"
	"testing"

	"github.com/gofrs/uuid"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/tuzimao/Ai-Question-Generator-sub002/pkg/types"
)

// newTestDB opens an isolated in-memory database with the full schema.
func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	name := strings.ReplaceAll(t.Name(), "/", "_")
	db, err := gorm.Open(sqlite.Open(fmt.Sprintf("file:%s?mode=memory&cache=shared&_busy_timeout=5000", name)), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("opening test database: %v", err)
	}
	if err := db.AutoMigrate(
		&DocumentModel{},
		&SectionModel{},
		&ChunkModel{},
		&JobModel{},
		&EmbeddingModel{},
	); err != nil {
		t.Fatalf("migrating test database: %v", err)
	}
	return db
}

func newTestRepo(t *testing.T) (Repository, *gorm.DB) {
	t.Helper()
	db := newTestDB(t)
	return NewRepository(db), db
}

func newOwner() types.UserUIDType {
	return uuid.Must(uuid.NewV4())
}

func seedDocument(t *testing.T, repo Repository, owner types.UserUIDType, status types.IngestStatus) *DocumentModel {
	t.Helper()
	doc, err := repo.CreateDocument(context.Background(), DocumentModel{
		OwnerUID:     owner,
		Filename:     "doc.md",
		ContentHash:  uuid.Must(uuid.NewV4()).String(),
		MimeType:     types.MimeTypeMarkdown,
		SizeBytes:    42,
		StoragePath:  "doc/test",
		IngestStatus: status,
	})
	if err != nil {
		t.Fatalf("seeding document: %v", err)
	}
	return doc
}
