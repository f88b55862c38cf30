package indexer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/studylabs/coursed/internal/embeddings"
	"github.com/studylabs/coursed/internal/status"
	"github.com/studylabs/coursed/internal/vectorstore"
)

// fakeStore is an in-memory vectorstore.Store with injectable failures.
type fakeStore struct {
	mu          sync.Mutex
	collections map[string]map[string]vectorstore.Item
	addCalls    int
	deletedIDs  []string
	addErr      error
	searchHits  []vectorstore.SearchResult
}

func newFakeStore() *fakeStore {
	return &fakeStore{collections: make(map[string]map[string]vectorstore.Item)}
}

func (f *fakeStore) EnsureCollection(ctx context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.collections[name]; !ok {
		f.collections[name] = make(map[string]vectorstore.Item)
	}
	return nil
}

func (f *fakeStore) Add(ctx context.Context, collection string, items []vectorstore.Item) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.addCalls++
	if f.addErr != nil {
		return f.addErr
	}
	coll, ok := f.collections[collection]
	if !ok {
		coll = make(map[string]vectorstore.Item)
		f.collections[collection] = coll
	}
	for _, item := range items {
		coll[item.ID] = item
	}
	return nil
}

func (f *fakeStore) Search(ctx context.Context, collection string, embedding []float32, k int, filter map[string]string) ([]vectorstore.SearchResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.collections[collection]; !ok && f.searchHits == nil {
		return nil, vectorstore.ErrCollectionNotFound
	}
	if len(f.searchHits) > k {
		return f.searchHits[:k], nil
	}
	return f.searchHits, nil
}

func (f *fakeStore) Delete(ctx context.Context, collection string, ids []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deletedIDs = append(f.deletedIDs, ids...)
	if coll, ok := f.collections[collection]; ok {
		for _, id := range ids {
			delete(coll, id)
		}
	}
	return nil
}

func (f *fakeStore) Stats(ctx context.Context, collection string) (*vectorstore.CollectionStats, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	coll, ok := f.collections[collection]
	if !ok {
		return nil, vectorstore.ErrCollectionNotFound
	}
	return &vectorstore.CollectionStats{Name: collection, DocumentCount: len(coll)}, nil
}

func (f *fakeStore) DeleteCollection(ctx context.Context, collection string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.collections, collection)
	return nil
}

func (f *fakeStore) Close() error { return nil }

func (f *fakeStore) itemCount(collection string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.collections[collection])
}

var _ vectorstore.Store = (*fakeStore)(nil)

// fakeEmbedder produces deterministic vectors; failures can be queued.
type fakeEmbedder struct {
	mu       sync.Mutex
	failures []error
}

func (f *fakeEmbedder) nextErr() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.failures) == 0 {
		return nil
	}
	err := f.failures[0]
	f.failures = f.failures[1:]
	return err
}

func (f *fakeEmbedder) EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error) {
	if err := f.nextErr(); err != nil {
		return nil, err
	}
	vectors := make([][]float32, len(texts))
	for i := range texts {
		vectors[i] = []float32{float32(len(texts[i])), 1, 0}
	}
	return vectors, nil
}

func (f *fakeEmbedder) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	if err := f.nextErr(); err != nil {
		return nil, err
	}
	return []float32{float32(len(text)), 1, 0}, nil
}

var _ embeddings.Embedder = (*fakeEmbedder)(nil)

// fakeEnqueuer records enqueued tasks.
type fakeEnqueuer struct {
	mu    sync.Mutex
	tasks []struct {
		Queue   string
		Payload []byte
	}
	err error
}

func (f *fakeEnqueuer) Enqueue(ctx context.Context, queue string, payload []byte) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return "", f.err
	}
	f.tasks = append(f.tasks, struct {
		Queue   string
		Payload []byte
	}{queue, payload})
	return fmt.Sprintf("task-%d", len(f.tasks)), nil
}

type testDeps struct {
	store    *fakeStore
	embedder *fakeEmbedder
	status   *status.Store
	queue    *fakeEnqueuer
	staging  string
}

func newTestService(t *testing.T, queue TaskEnqueuer) (*Service, *testDeps) {
	t.Helper()

	deps := &testDeps{
		store:    newFakeStore(),
		embedder: &fakeEmbedder{},
		staging:  t.TempDir(),
	}

	statusStore, err := status.Open(t.TempDir(), zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { statusStore.Close() })
	deps.status = statusStore

	svc, err := NewService(deps.store, deps.embedder, statusStore, queue, Config{
		StagingDir:        deps.staging,
		ChunkSize:         50,
		ChunkOverlap:      10,
		EmbedRetries:      3,
		EmbedRetryBackoff: 1,
	}, zap.NewNop())
	require.NoError(t, err)

	return svc, deps
}

func TestParseDocumentType(t *testing.T) {
	tests := []struct {
		input   string
		want    DocumentType
		wantErr bool
	}{
		{"pdf", TypePDF, false},
		{"application/pdf", TypePDF, false},
		{"text/plain", TypeText, false},
		{"TXT", TypeText, false},
		{"markdown", TypeMarkdown, false},
		{"text/markdown", TypeMarkdown, false},
		{"docx", TypeDocx, false},
		{"image/png", "", true},
		{"", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got, err := ParseDocumentType(tt.input)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrUnsupportedType)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestService_PrepareAndIndex(t *testing.T) {
	svc, deps := newTestService(t, nil)
	ctx := context.Background()

	documentID, err := svc.Prepare(ctx, PrepareRequest{
		Content:     []byte("an introduction to sorting algorithms and their complexity analysis"),
		ContentType: "text",
		Collection:  "general",
		CourseID:    42,
		Metadata:    map[string]string{"title": "Sorting"},
	})
	require.NoError(t, err)
	require.NotEmpty(t, documentID)

	rec, err := svc.Status(ctx, documentID)
	require.NoError(t, err)
	assert.Equal(t, status.DocumentPending, rec.Status)

	require.NoError(t, svc.Index(ctx, documentID))

	rec, err = svc.Status(ctx, documentID)
	require.NoError(t, err)
	assert.Equal(t, status.DocumentCompleted, rec.Status)
	assert.Greater(t, rec.ChunkCount, 0)
	assert.Equal(t, rec.ChunkCount, deps.store.itemCount("general_42"))

	// Chunk items carry the document id and caller metadata.
	deps.store.mu.Lock()
	first := deps.store.collections["general_42"][chunkID(documentID, 0)]
	deps.store.mu.Unlock()
	assert.Equal(t, documentID, first.Metadata["document_id"])
	assert.Equal(t, "Sorting", first.Metadata["title"])
	assert.NotEmpty(t, first.Embedding)
}

func TestService_Prepare_UnsupportedType(t *testing.T) {
	svc, _ := newTestService(t, nil)

	_, err := svc.Prepare(context.Background(), PrepareRequest{
		Content:     []byte("data"),
		ContentType: "image/png",
	})
	assert.ErrorIs(t, err, ErrUnsupportedType)
}

func TestService_Prepare_EnqueuesTask(t *testing.T) {
	queue := &fakeEnqueuer{}
	svc, _ := newTestService(t, queue)

	documentID, err := svc.Prepare(context.Background(), PrepareRequest{
		Content:     []byte("content"),
		ContentType: "text",
	})
	require.NoError(t, err)

	require.Len(t, queue.tasks, 1)
	assert.Equal(t, QueueIndexing, queue.tasks[0].Queue)

	var payload TaskPayload
	require.NoError(t, json.Unmarshal(queue.tasks[0].Payload, &payload))
	assert.Equal(t, documentID, payload.DocumentID)
}

func TestService_Index_IdempotentTrigger(t *testing.T) {
	svc, deps := newTestService(t, nil)
	ctx := context.Background()

	documentID, err := svc.Prepare(ctx, PrepareRequest{
		Content:     []byte("some indexable content"),
		ContentType: "text",
	})
	require.NoError(t, err)

	require.NoError(t, svc.Index(ctx, documentID))
	addsAfterFirst := deps.store.addCalls

	// Re-invoking on a terminal document is a no-op.
	require.NoError(t, svc.Index(ctx, documentID))
	assert.Equal(t, addsAfterFirst, deps.store.addCalls)
}

func TestService_Index_ConcurrentSingleWinner(t *testing.T) {
	svc, deps := newTestService(t, nil)
	ctx := context.Background()

	documentID, err := svc.Prepare(ctx, PrepareRequest{
		Content:     []byte("concurrently indexed content"),
		ContentType: "text",
	})
	require.NoError(t, err)

	const racers = 6
	var wg sync.WaitGroup
	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, svc.Index(ctx, documentID))
		}()
	}
	wg.Wait()

	// Exactly one attempt wrote chunks.
	assert.Equal(t, 1, deps.store.addCalls)

	rec, err := svc.Status(ctx, documentID)
	require.NoError(t, err)
	assert.Equal(t, status.DocumentCompleted, rec.Status)
}

func TestService_Index_EmbedFailureMarksFailed(t *testing.T) {
	svc, deps := newTestService(t, nil)
	ctx := context.Background()

	deps.embedder.failures = []error{errors.New("model exploded")}

	documentID, err := svc.Prepare(ctx, PrepareRequest{
		Content:     []byte("content"),
		ContentType: "text",
	})
	require.NoError(t, err)

	err = svc.Index(ctx, documentID)
	assert.ErrorIs(t, err, ErrIndexingFailed)

	rec, err := svc.Status(ctx, documentID)
	require.NoError(t, err)
	assert.Equal(t, status.DocumentFailed, rec.Status)
	assert.Contains(t, rec.Error, "model exploded")
	assert.Zero(t, deps.store.itemCount("general_none"))
}

func TestService_Index_RetriesTransientEmbedFailure(t *testing.T) {
	svc, deps := newTestService(t, nil)
	ctx := context.Background()

	deps.embedder.failures = []error{
		fmt.Errorf("%w: connection refused", embeddings.ErrEmbeddingUnavailable),
		fmt.Errorf("%w: connection refused", embeddings.ErrEmbeddingUnavailable),
	}

	documentID, err := svc.Prepare(ctx, PrepareRequest{
		Content:     []byte("content"),
		ContentType: "text",
	})
	require.NoError(t, err)

	require.NoError(t, svc.Index(ctx, documentID))

	rec, err := svc.Status(ctx, documentID)
	require.NoError(t, err)
	assert.Equal(t, status.DocumentCompleted, rec.Status)
}

func TestService_Index_StoreFailureRollsBack(t *testing.T) {
	svc, deps := newTestService(t, nil)
	ctx := context.Background()

	deps.store.addErr = errors.New("disk full")

	documentID, err := svc.Prepare(ctx, PrepareRequest{
		Content:     []byte("content that will fail to store"),
		ContentType: "text",
	})
	require.NoError(t, err)

	err = svc.Index(ctx, documentID)
	assert.ErrorIs(t, err, ErrIndexingFailed)

	// The attempt's chunk ids were swept.
	assert.Contains(t, deps.store.deletedIDs, chunkID(documentID, 0))

	rec, err := svc.Status(ctx, documentID)
	require.NoError(t, err)
	assert.Equal(t, status.DocumentFailed, rec.Status)
	assert.Zero(t, rec.ChunkCount)
}

func TestService_Index_NotFound(t *testing.T) {
	svc, _ := newTestService(t, nil)
	assert.ErrorIs(t, svc.Index(context.Background(), "missing"), ErrNotFound)
}

func TestService_Search(t *testing.T) {
	svc, deps := newTestService(t, nil)
	ctx := context.Background()

	deps.store.searchHits = []vectorstore.SearchResult{
		{ID: "doc1_0", Content: "best match", Score: 1.0, Metadata: map[string]string{"document_id": "doc1"}},
		{ID: "doc2_3", Content: "weak match", Score: -1.0, Metadata: map[string]string{"document_id": "doc2"}},
	}
	require.NoError(t, deps.store.EnsureCollection(ctx, "general_none"))

	matches, err := svc.Search(ctx, "sorting", "general", 0, 10, nil)
	require.NoError(t, err)
	require.Len(t, matches, 2)

	assert.Equal(t, "doc1", matches[0].DocumentID)
	assert.Equal(t, "doc1_0", matches[0].ChunkID)
	assert.InDelta(t, 1.0, matches[0].Score, 0.001)
	assert.InDelta(t, 0.0, matches[1].Score, 0.001)
}

func TestService_Search_MissingCollection(t *testing.T) {
	svc, _ := newTestService(t, nil)

	matches, err := svc.Search(context.Background(), "query", "general", 99, 10, nil)
	require.NoError(t, err)
	assert.Empty(t, matches)
}

func TestService_Delete(t *testing.T) {
	svc, deps := newTestService(t, nil)
	ctx := context.Background()

	documentID, err := svc.Prepare(ctx, PrepareRequest{
		Content:     []byte("content to be deleted after indexing completes"),
		ContentType: "text",
	})
	require.NoError(t, err)
	require.NoError(t, svc.Index(ctx, documentID))
	require.Greater(t, deps.store.itemCount("general_none"), 0)

	require.NoError(t, svc.Delete(ctx, documentID))

	assert.Zero(t, deps.store.itemCount("general_none"))

	_, err = svc.Status(ctx, documentID)
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = os.Stat(filepath.Join(deps.staging, documentID))
	assert.True(t, os.IsNotExist(err))

	assert.ErrorIs(t, svc.Delete(ctx, documentID), ErrNotFound)
}

func TestCollectionName(t *testing.T) {
	assert.Equal(t, "general_42", CollectionName("general", 42))
	assert.Equal(t, "general_none", CollectionName("general", 0))
	assert.Equal(t, "faq_none", CollectionName("faq", -1))
}

func TestNormalizeScore(t *testing.T) {
	assert.InDelta(t, 1.0, NormalizeScore(1), 0.001)
	assert.InDelta(t, 0.5, NormalizeScore(0), 0.001)
	assert.InDelta(t, 0.0, NormalizeScore(-1), 0.001)
	assert.Equal(t, 1.0, NormalizeScore(1.5))
	assert.Equal(t, 0.0, NormalizeScore(-2))
}
