package repository

import (
	"context"
	"testing"

	qt "github.com/frankban/quicktest"
	"github.com/gofrs/uuid"

	"github.com/tuzimao/Ai-Question-Generator-sub002/pkg/errorsx"
	"github.com/tuzimao/Ai-Question-Generator-sub002/pkg/types"
)

func TestUpdateDocumentStatusOptimistic(t *testing.T) {
	c := qt.New(t)
	ctx := context.Background()
	repo, _ := newTestRepo(t)
	doc := seedDocument(t, repo, newOwner(), types.IngestStatusUploaded)

	err := repo.UpdateDocumentStatus(ctx, doc.UID, types.IngestStatusUploaded, types.IngestStatusParsing)
	c.Assert(err, qt.IsNil)

	// The expected state no longer matches; the stale caller loses.
	err = repo.UpdateDocumentStatus(ctx, doc.UID, types.IngestStatusUploaded, types.IngestStatusParsing)
	c.Assert(err, qt.ErrorIs, errorsx.ErrConcurrencyConflict)

	stored, err := repo.GetDocumentByUID(ctx, doc.UID)
	c.Assert(err, qt.IsNil)
	c.Assert(stored.IngestStatus, qt.Equals, types.IngestStatusParsing)
}

func TestMarkDocumentFailed(t *testing.T) {
	c := qt.New(t)
	ctx := context.Background()
	repo, _ := newTestRepo(t)
	doc := seedDocument(t, repo, newOwner(), types.IngestStatusParsing)

	err := repo.MarkDocumentFailed(ctx, doc.UID, "stage timeout after 3 attempts")
	c.Assert(err, qt.IsNil)

	stored, err := repo.GetDocumentByUID(ctx, doc.UID)
	c.Assert(err, qt.IsNil)
	c.Assert(stored.IngestStatus, qt.Equals, types.IngestStatusFailed)
	c.Assert(*stored.ErrorMessage, qt.Equals, "stage timeout after 3 attempts")

	// Terminal documents reject further failure marks.
	err = repo.MarkDocumentFailed(ctx, doc.UID, "late report")
	c.Assert(err, qt.ErrorIs, errorsx.ErrConcurrencyConflict)
}

func TestGetDocumentByOwnerAndHash(t *testing.T) {
	c := qt.New(t)
	ctx := context.Background()
	repo, _ := newTestRepo(t)
	owner := newOwner()
	doc := seedDocument(t, repo, owner, types.IngestStatusUploaded)

	found, err := repo.GetDocumentByOwnerAndHash(ctx, owner, doc.ContentHash)
	c.Assert(err, qt.IsNil)
	c.Assert(found.UID, qt.Equals, doc.UID)

	t.Run("other owners do not match", func(t *testing.T) {
		_, err := repo.GetDocumentByOwnerAndHash(ctx, newOwner(), doc.ContentHash)
		c.Assert(err, qt.ErrorIs, errorsx.ErrNotFound)
	})

	t.Run("soft-deleted documents do not match", func(t *testing.T) {
		c.Assert(repo.SoftDeleteDocument(ctx, doc.UID), qt.IsNil)
		_, err := repo.GetDocumentByOwnerAndHash(ctx, owner, doc.ContentHash)
		c.Assert(err, qt.ErrorIs, errorsx.ErrNotFound)
		_, err = repo.GetDocumentByUID(ctx, doc.UID)
		c.Assert(err, qt.ErrorIs, errorsx.ErrNotFound)
	})
}

func TestResetDocumentForReprocess(t *testing.T) {
	c := qt.New(t)
	ctx := context.Background()
	repo, _ := newTestRepo(t)
	doc := seedDocument(t, repo, newOwner(), types.IngestStatusParsing)

	// Only failed documents can be reset.
	err := repo.ResetDocumentForReprocess(ctx, doc.UID)
	c.Assert(err, qt.ErrorIs, errorsx.ErrConcurrencyConflict)

	c.Assert(repo.MarkDocumentFailed(ctx, doc.UID, "boom"), qt.IsNil)
	c.Assert(repo.ResetDocumentForReprocess(ctx, doc.UID), qt.IsNil)

	stored, err := repo.GetDocumentByUID(ctx, doc.UID)
	c.Assert(err, qt.IsNil)
	c.Assert(stored.IngestStatus, qt.Equals, types.IngestStatusUploaded)
	c.Assert(stored.ErrorMessage, qt.IsNil)
}

func TestDeleteAndCreateSections(t *testing.T) {
	c := qt.New(t)
	ctx := context.Background()
	repo, _ := newTestRepo(t)
	doc := seedDocument(t, repo, newOwner(), types.IngestStatusParsing)

	first := []*SectionModel{
		{Level: 1, InOrder: 0, Content: "old", StartPos: 0, EndPos: 3, Confidence: 1},
	}
	_, err := repo.DeleteAndCreateSections(ctx, doc.UID, first)
	c.Assert(err, qt.IsNil)

	parentUID := uuid.Must(uuid.NewV4())
	replacement := []*SectionModel{
		{UID: parentUID, Level: 1, InOrder: 0, Content: "root ", StartPos: 0, EndPos: 5, Confidence: 1},
		{ParentUID: &parentUID, Level: 2, InOrder: 0, Content: "child", StartPos: 5, EndPos: 10, Confidence: 1},
	}
	_, err = repo.DeleteAndCreateSections(ctx, doc.UID, replacement)
	c.Assert(err, qt.IsNil)

	stored, err := repo.ListSectionsByDoc(ctx, doc.UID)
	c.Assert(err, qt.IsNil)
	c.Assert(stored, qt.HasLen, 2)
	c.Assert(stored[0].Content, qt.Equals, "root ")
	c.Assert(stored[1].ParentUID, qt.IsNotNil)
	c.Assert(*stored[1].ParentUID, qt.Equals, parentUID)
}

func TestDeleteAndCreateChunks(t *testing.T) {
	c := qt.New(t)
	ctx := context.Background()
	repo, _ := newTestRepo(t)
	doc := seedDocument(t, repo, newOwner(), types.IngestStatusChunking)

	chunks := []*ChunkModel{
		{ChunkIndex: 0, Content: "part one ", StartPos: 0, EndPos: 9, Tokens: 3, EmbeddingStatus: types.EmbeddingStatusPending},
		{ChunkIndex: 1, Content: "part two", StartPos: 9, EndPos: 17, Tokens: 2, EmbeddingStatus: types.EmbeddingStatusPending},
	}
	created, err := repo.DeleteAndCreateChunks(ctx, doc.UID, chunks)
	c.Assert(err, qt.IsNil)
	c.Assert(created, qt.HasLen, 2)

	// A re-run replaces instead of appending.
	_, err = repo.DeleteAndCreateChunks(ctx, doc.UID, chunks[:1])
	c.Assert(err, qt.IsNil)
	count, err := repo.CountChunksByDoc(ctx, doc.UID)
	c.Assert(err, qt.IsNil)
	c.Assert(count, qt.Equals, int64(1))

	c.Assert(repo.UpdateChunkEmbeddingStatus(ctx, []types.ChunkUIDType{created[0].UID}, types.EmbeddingStatusEmbedded), qt.IsNil)
	embedded, err := repo.ListChunksByEmbeddingStatus(ctx, doc.UID, types.EmbeddingStatusEmbedded)
	c.Assert(err, qt.IsNil)
	c.Assert(embedded, qt.HasLen, 1)
}
