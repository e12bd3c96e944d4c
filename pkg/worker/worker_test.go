package worker

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	qt "github.com/frankban/quicktest"
	"github.com/gofrs/uuid"
	"go.uber.org/zap"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/tuzimao/Ai-Question-Generator-sub002/config"
	"github.com/tuzimao/Ai-Question-Generator-sub002/pkg/ai"
	"github.com/tuzimao/Ai-Question-Generator-sub002/pkg/chunker"
	"github.com/tuzimao/Ai-Question-Generator-sub002/pkg/parser"
	"github.com/tuzimao/Ai-Question-Generator-sub002/pkg/pipeline"
	"github.com/tuzimao/Ai-Question-Generator-sub002/pkg/queue"
	"github.com/tuzimao/Ai-Question-Generator-sub002/pkg/repository"
	"github.com/tuzimao/Ai-Question-Generator-sub002/pkg/types"
)

// fakeStore is an in-memory content store. getDelay, when set, stalls reads
// to provoke stage timeouts.
type fakeStore struct {
	mu       sync.Mutex
	objects  map[string][]byte
	getDelay time.Duration
}

func newFakeStore() *fakeStore {
	return &fakeStore{objects: map[string][]byte{}}
}

func (s *fakeStore) Put(_ context.Context, path string, content []byte, _ string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.objects[path] = content
	return nil
}

func (s *fakeStore) Get(ctx context.Context, path string) ([]byte, error) {
	if s.getDelay > 0 {
		select {
		case <-time.After(s.getDelay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	content, ok := s.objects[path]
	if !ok {
		return nil, fmt.Errorf("object %s not found", path)
	}
	return content, nil
}

func (s *fakeStore) Remove(_ context.Context, path string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.objects, path)
	return nil
}

// fakeEmbedder returns a constant vector per text.
type fakeEmbedder struct{}

func (fakeEmbedder) EmbedTexts(_ context.Context, texts []string) (*ai.EmbedResult, error) {
	vectors := make([][]float32, len(texts))
	for i := range texts {
		vectors[i] = []float32{0.1, 0.2, 0.3}
	}
	return &ai.EmbedResult{Vectors: vectors, Model: "fake", Dimensionality: 3}, nil
}

func (fakeEmbedder) Model() string { return "fake" }
func (fakeEmbedder) Close() error  { return nil }

type testEnv struct {
	repo  repository.Repository
	store *fakeStore
	q     *queue.Queue
	orch  *pipeline.Orchestrator
	pool  *Pool
}

func newTestEnv(t *testing.T, embedder ai.Embedder, queueCfg queue.Config, opts Options) *testEnv {
	t.Helper()
	name := strings.ReplaceAll(t.Name(), "/", "_")
	db, err := gorm.Open(sqlite.Open(fmt.Sprintf("file:%s?mode=memory&cache=shared&_busy_timeout=5000", name)), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("opening test database: %v", err)
	}
	if err := db.AutoMigrate(
		&repository.DocumentModel{},
		&repository.SectionModel{},
		&repository.ChunkModel{},
		&repository.JobModel{},
		&repository.EmbeddingModel{},
	); err != nil {
		t.Fatalf("migrating test database: %v", err)
	}

	repo := repository.NewRepository(db)
	store := newFakeStore()
	log := zap.NewNop()
	q := queue.New(repo, queueCfg, log)
	orch := pipeline.NewOrchestrator(repo, q, log, embedder != nil)

	parsers := parser.NewRegistry(&config.ParserConfig{PDFHeadingScale: 1.15})
	ch := chunker.NewChunker(50, chunker.HeuristicCounter{})
	stages := NewStages(repo, store, parsers, ch, embedder, 2)
	pool := NewPool(q, orch, repo, stages, opts, nil, log)

	return &testEnv{repo: repo, store: store, q: q, orch: orch, pool: pool}
}

func (e *testEnv) admitMarkdown(t *testing.T, content string) *repository.DocumentModel {
	t.Helper()
	ctx := context.Background()
	path := "doc/" + uuid.Must(uuid.NewV4()).String()
	if err := e.store.Put(ctx, path, []byte(content), types.MimeTypeMarkdown); err != nil {
		t.Fatalf("storing content: %v", err)
	}
	doc, err := e.repo.CreateDocument(ctx, repository.DocumentModel{
		OwnerUID:     uuid.Must(uuid.NewV4()),
		Filename:     "doc.md",
		ContentHash:  uuid.Must(uuid.NewV4()).String(),
		MimeType:     types.MimeTypeMarkdown,
		SizeBytes:    int64(len(content)),
		StoragePath:  path,
		IngestStatus: types.IngestStatusUploaded,
	})
	if err != nil {
		t.Fatalf("creating document: %v", err)
	}
	if _, err := e.orch.StartDocument(ctx, doc); err != nil {
		t.Fatalf("starting document: %v", err)
	}
	return doc
}

// waitForStatus polls until the document reaches the status or the deadline
// passes.
func (e *testEnv) waitForStatus(t *testing.T, docUID types.DocUIDType, want types.IngestStatus) *repository.DocumentModel {
	t.Helper()
	ctx := context.Background()
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		doc, err := e.repo.GetDocumentByUID(ctx, docUID)
		if err != nil {
			t.Fatalf("fetching document: %v", err)
		}
		if doc.IngestStatus == want {
			return doc
		}
		if doc.IngestStatus == types.IngestStatusFailed && want != types.IngestStatusFailed {
			t.Fatalf("document failed: %v", *doc.ErrorMessage)
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("document never reached %s", want)
	return nil
}

const sampleMarkdown = "# Title\nsome introduction text.\n## Details\nmore text in the details section.\n"

func TestPoolProcessesDocumentToChunked(t *testing.T) {
	c := qt.New(t)
	ctx := context.Background()
	env := newTestEnv(t, nil, queue.Config{MaxRetries: 3, BackoffBase: 10 * time.Millisecond},
		Options{Concurrency: 2, PollInterval: 10 * time.Millisecond, JobTimeout: 5 * time.Second})

	doc := env.admitMarkdown(t, sampleMarkdown)
	env.pool.Start(ctx)
	defer env.pool.Stop()

	env.waitForStatus(t, doc.UID, types.IngestStatusChunked)

	sections, err := env.repo.ListSectionsByDoc(ctx, doc.UID)
	c.Assert(err, qt.IsNil)
	c.Assert(sections, qt.HasLen, 2)

	chunks, err := env.repo.ListChunksByDoc(ctx, doc.UID)
	c.Assert(err, qt.IsNil)
	c.Assert(len(chunks) > 0, qt.IsTrue)

	// Chunks reassemble the extracted text exactly.
	var sb strings.Builder
	for _, chunk := range chunks {
		sb.WriteString(chunk.Content)
	}
	c.Assert(sb.String(), qt.Equals, sampleMarkdown)

	snap := env.pool.Stats().Snapshot()
	c.Assert(snap.Processed >= 2, qt.IsTrue)
	c.Assert(snap.Failed, qt.Equals, int64(0))
}

func TestPoolProcessesDocumentToReady(t *testing.T) {
	c := qt.New(t)
	ctx := context.Background()
	env := newTestEnv(t, fakeEmbedder{}, queue.Config{MaxRetries: 3, BackoffBase: 10 * time.Millisecond},
		Options{Concurrency: 2, PollInterval: 10 * time.Millisecond, JobTimeout: 5 * time.Second})

	doc := env.admitMarkdown(t, sampleMarkdown)
	env.pool.Start(ctx)
	defer env.pool.Stop()

	env.waitForStatus(t, doc.UID, types.IngestStatusReady)

	chunks, err := env.repo.ListChunksByDoc(ctx, doc.UID)
	c.Assert(err, qt.IsNil)
	embeddings, err := env.repo.ListEmbeddingsByDoc(ctx, doc.UID)
	c.Assert(err, qt.IsNil)
	c.Assert(embeddings, qt.HasLen, len(chunks))
	for _, chunk := range chunks {
		c.Assert(chunk.EmbeddingStatus, qt.Equals, types.EmbeddingStatusEmbedded)
	}
}

func TestPoolTimeoutExhaustsRetries(t *testing.T) {
	c := qt.New(t)
	ctx := context.Background()
	env := newTestEnv(t, nil, queue.Config{MaxRetries: 1, BackoffBase: 10 * time.Millisecond},
		Options{Concurrency: 1, PollInterval: 10 * time.Millisecond, JobTimeout: 30 * time.Millisecond})
	env.store.getDelay = time.Second

	doc := env.admitMarkdown(t, sampleMarkdown)
	env.pool.Start(ctx)
	defer env.pool.Stop()

	failed := env.waitForStatus(t, doc.UID, types.IngestStatusFailed)
	c.Assert(failed.ErrorMessage, qt.IsNotNil)
	c.Assert(strings.Contains(*failed.ErrorMessage, "timeout"), qt.IsTrue)
}

func TestStagesStructuralFailure(t *testing.T) {
	c := qt.New(t)
	ctx := context.Background()
	env := newTestEnv(t, nil, queue.Config{MaxRetries: 3, BackoffBase: 10 * time.Millisecond},
		Options{Concurrency: 1, PollInterval: 10 * time.Millisecond, JobTimeout: 5 * time.Second})

	// Whitespace-only content extracts to nothing, which no retry can fix.
	doc := env.admitMarkdown(t, "   \n\t\n")
	env.pool.Start(ctx)
	defer env.pool.Stop()

	failed := env.waitForStatus(t, doc.UID, types.IngestStatusFailed)
	c.Assert(strings.Contains(*failed.ErrorMessage, "empty"), qt.IsTrue)

	// Structural failures do not consume retries.
	jobs, err := env.q.List(ctx, repository.JobListFilter{DocUID: &doc.UID})
	c.Assert(err, qt.IsNil)
	c.Assert(jobs, qt.HasLen, 1)
	c.Assert(jobs[0].Status, qt.Equals, types.JobStatusFailed)
	c.Assert(jobs[0].RetryCount, qt.Equals, 0)
}
