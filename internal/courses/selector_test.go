package courses

import (
	"context"
	"errors"
	"math"
	"sort"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/studylabs/coursed/internal/vectorstore"
)

// rankingStore is an in-memory vectorstore.Store that filters on
// metadata equality and ranks by cosine similarity, mirroring the
// contract the selector depends on.
type rankingStore struct {
	mu          sync.Mutex
	collections map[string]map[string]vectorstore.Item
}

func newRankingStore() *rankingStore {
	return &rankingStore{collections: make(map[string]map[string]vectorstore.Item)}
}

func (s *rankingStore) EnsureCollection(ctx context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.collections[name]; !ok {
		s.collections[name] = make(map[string]vectorstore.Item)
	}
	return nil
}

func (s *rankingStore) Add(ctx context.Context, collection string, items []vectorstore.Item) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	coll, ok := s.collections[collection]
	if !ok {
		coll = make(map[string]vectorstore.Item)
		s.collections[collection] = coll
	}
	for _, item := range items {
		coll[item.ID] = item
	}
	return nil
}

func cosine(a, b []float32) float32 {
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return float32(dot / (math.Sqrt(na) * math.Sqrt(nb)))
}

func (s *rankingStore) Search(ctx context.Context, collection string, embedding []float32, k int, filter map[string]string) ([]vectorstore.SearchResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	coll, ok := s.collections[collection]
	if !ok {
		return nil, vectorstore.ErrCollectionNotFound
	}

	var results []vectorstore.SearchResult
	for _, item := range coll {
		matches := true
		for key, want := range filter {
			if item.Metadata[key] != want {
				matches = false
				break
			}
		}
		if !matches {
			continue
		}
		results = append(results, vectorstore.SearchResult{
			ID:       item.ID,
			Content:  item.Content,
			Score:    cosine(embedding, item.Embedding),
			Metadata: item.Metadata,
		})
	}
	sort.Slice(results, func(i, j int) bool { return results[i].Score > results[j].Score })
	if len(results) > k {
		results = results[:k]
	}
	return results, nil
}

func (s *rankingStore) Delete(ctx context.Context, collection string, ids []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if coll, ok := s.collections[collection]; ok {
		for _, id := range ids {
			delete(coll, id)
		}
	}
	return nil
}

func (s *rankingStore) Stats(ctx context.Context, collection string) (*vectorstore.CollectionStats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	coll, ok := s.collections[collection]
	if !ok {
		return nil, vectorstore.ErrCollectionNotFound
	}
	return &vectorstore.CollectionStats{Name: collection, DocumentCount: len(coll)}, nil
}

func (s *rankingStore) DeleteCollection(ctx context.Context, collection string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.collections, collection)
	return nil
}

func (s *rankingStore) Close() error { return nil }

var _ vectorstore.Store = (*rankingStore)(nil)

// substringEmbedder maps texts to fixed vectors by substring lookup,
// so tests control similarity exactly.
type substringEmbedder struct {
	vectors map[string][]float32
	failOn  string
}

func (e *substringEmbedder) vectorFor(text string) ([]float32, error) {
	if e.failOn != "" && strings.Contains(text, e.failOn) {
		return nil, errors.New("embedding backend rejected input")
	}
	// Longest matching key wins, keeping lookups deterministic when a
	// text contains several keys.
	var best string
	for key := range e.vectors {
		if strings.Contains(text, key) && len(key) > len(best) {
			best = key
		}
	}
	if best != "" {
		return e.vectors[best], nil
	}
	return []float32{0, 0, 1}, nil
}

func (e *substringEmbedder) EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error) {
	vectors := make([][]float32, len(texts))
	for i, text := range texts {
		vec, err := e.vectorFor(text)
		if err != nil {
			return nil, err
		}
		vectors[i] = vec
	}
	return vectors, nil
}

func (e *substringEmbedder) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	return e.vectorFor(text)
}

func testCatalog() []CourseDescriptor {
	return []CourseDescriptor{
		{
			CourseID: 1, Code: "CS301", Title: "Machine Learning",
			Description: "statistical learning and optimization",
			Topics:      []string{"gradient descent", "history of AI"},
			Weeks: []CourseWeek{
				{Week: 1, Topics: []string{"gradient descent"}},
				{Week: 2, Topics: []string{"history of AI"}},
			},
		},
		{
			CourseID: 2, Code: "CS302", Title: "Deep Learning",
			Description: "neural network architectures",
			Topics:      []string{"backpropagation"},
		},
		{
			CourseID: 3, Code: "HI101", Title: "Art History",
			Description: "renaissance painting",
		},
		{
			CourseID: 4, Code: "CS350", Title: "Applied Learning Systems",
			Description: "neural network deployment",
		},
	}
}

func testEmbedder() *substringEmbedder {
	return &substringEmbedder{vectors: map[string][]float32{
		"machine learning":       {1, 0, 0},   // query
		"statistical learning":   {1, 0, 0},   // course 1: score 1.0
		"neural network archit":  {0.8, 0.6, 0}, // course 2: score 0.9
		"renaissance":            {0, 1, 0},   // course 3: score 0.5
		"neural network deploy":  {0.8, 0.6, 0}, // course 4: score 0.9, ties with 2
		"gradient descent":       {1, 0, 0},   // topic: matched
		"history of AI":          {0, 1, 0},   // topic: below threshold
		"backpropagation":        {0.8, 0.6, 0},
	}}
}

func newTestSelector(t *testing.T) (*Selector, *rankingStore) {
	t.Helper()
	store := newRankingStore()
	selector, err := NewSelector(store, testEmbedder(), 0.6, zap.NewNop())
	require.NoError(t, err)
	return selector, store
}

func TestSelector_BulkIndex(t *testing.T) {
	selector, store := newTestSelector(t)
	ctx := context.Background()

	result, err := selector.BulkIndex(ctx, testCatalog())
	require.NoError(t, err)

	assert.Equal(t, 4, result.TotalIndexed)
	assert.Equal(t, []int64{1, 2, 3, 4}, result.CourseIDs)
	assert.Empty(t, result.FailedItems)

	stats, err := store.Stats(ctx, CollectionCourses)
	require.NoError(t, err)
	assert.Equal(t, 4, stats.DocumentCount)

	topicStats, err := store.Stats(ctx, CollectionCourseTopics)
	require.NoError(t, err)
	assert.Equal(t, 3, topicStats.DocumentCount)
}

func TestSelector_BulkIndex_PartialFailure(t *testing.T) {
	selector, store := newTestSelector(t)
	ctx := context.Background()

	catalog := append(testCatalog(), CourseDescriptor{CourseID: 0, Title: "No ID"})
	catalog = append(catalog, CourseDescriptor{CourseID: 5, Code: "X", Title: ""})

	result, err := selector.BulkIndex(ctx, catalog)
	require.NoError(t, err)

	// Failures are recorded without aborting the rest of the batch.
	assert.Equal(t, 4, result.TotalIndexed)
	require.Len(t, result.FailedItems, 2)
	assert.Equal(t, int64(0), result.FailedItems[0].CourseID)
	assert.Contains(t, result.FailedItems[0].Error, "course_id")
	assert.Contains(t, result.FailedItems[1].Error, "title")

	stats, err := store.Stats(ctx, CollectionCourses)
	require.NoError(t, err)
	assert.Equal(t, 4, stats.DocumentCount)
}

func TestSelector_BulkIndex_EmbedFailure(t *testing.T) {
	store := newRankingStore()
	embedder := testEmbedder()
	embedder.failOn = "renaissance"
	selector, err := NewSelector(store, embedder, 0.6, zap.NewNop())
	require.NoError(t, err)

	result, err := selector.BulkIndex(context.Background(), testCatalog())
	require.NoError(t, err)

	assert.Equal(t, 3, result.TotalIndexed)
	require.Len(t, result.FailedItems, 1)
	assert.Equal(t, int64(3), result.FailedItems[0].CourseID)
}

func TestSelector_Select_Ranking(t *testing.T) {
	selector, _ := newTestSelector(t)
	ctx := context.Background()

	_, err := selector.BulkIndex(ctx, testCatalog())
	require.NoError(t, err)

	result, err := selector.Select(ctx, "machine learning", []int64{1, 2, 3, 4}, 0.6, 10)
	require.NoError(t, err)

	// Course 3 scores 0.5 and is dropped by the threshold. The 0.9 tie
	// between courses 2 and 4 resolves by ascending course id.
	assert.Equal(t, 3, result.TotalResults)
	require.Len(t, result.Results, 3)
	assert.Equal(t, int64(1), result.Results[0].CourseID)
	assert.InDelta(t, 1.0, result.Results[0].Score, 0.01)
	assert.Equal(t, int64(2), result.Results[1].CourseID)
	assert.Equal(t, int64(4), result.Results[2].CourseID)
	assert.GreaterOrEqual(t, result.QueryTimeMS, int64(0))
}

func TestSelector_Select_MatchedTopicsAndWeeks(t *testing.T) {
	selector, _ := newTestSelector(t)
	ctx := context.Background()

	_, err := selector.BulkIndex(ctx, testCatalog())
	require.NoError(t, err)

	result, err := selector.Select(ctx, "machine learning", []int64{1}, 0.6, 10)
	require.NoError(t, err)
	require.Len(t, result.Results, 1)

	match := result.Results[0]
	assert.Equal(t, "CS301", match.Code)
	assert.Equal(t, []string{"gradient descent"}, match.MatchedTopics)
	require.Len(t, match.Weeks, 1)
	assert.Equal(t, 1, match.Weeks[0].Week)
}

func TestSelector_Select_LimitTruncates(t *testing.T) {
	selector, _ := newTestSelector(t)
	ctx := context.Background()

	_, err := selector.BulkIndex(ctx, testCatalog())
	require.NoError(t, err)

	result, err := selector.Select(ctx, "machine learning", []int64{1, 2, 4}, 0.6, 2)
	require.NoError(t, err)

	// TotalResults counts all above-threshold matches, before the limit.
	assert.Equal(t, 3, result.TotalResults)
	require.Len(t, result.Results, 2)
	assert.Equal(t, int64(1), result.Results[0].CourseID)
	assert.Equal(t, int64(2), result.Results[1].CourseID)
}

func TestSelector_Select_UnsubscribedExcluded(t *testing.T) {
	selector, _ := newTestSelector(t)
	ctx := context.Background()

	_, err := selector.BulkIndex(ctx, testCatalog())
	require.NoError(t, err)

	result, err := selector.Select(ctx, "machine learning", []int64{2}, 0, 10)
	require.NoError(t, err)
	require.Len(t, result.Results, 1)
	assert.Equal(t, int64(2), result.Results[0].CourseID)
}

func TestSelector_Select_NoSubscriptions(t *testing.T) {
	selector, _ := newTestSelector(t)

	result, err := selector.Select(context.Background(), "anything", nil, 0, 10)
	require.NoError(t, err)
	assert.Zero(t, result.TotalResults)
	assert.Empty(t, result.Results)
}

func TestSelector_Select_EmptyCatalog(t *testing.T) {
	selector, _ := newTestSelector(t)

	result, err := selector.Select(context.Background(), "machine learning", []int64{1, 2}, 0, 10)
	require.NoError(t, err)
	assert.Empty(t, result.Results)
}

func TestSelector_Reindex_SweepsStaleTopics(t *testing.T) {
	selector, store := newTestSelector(t)
	ctx := context.Background()

	_, err := selector.BulkIndex(ctx, testCatalog()[:1])
	require.NoError(t, err)

	topicStats, err := store.Stats(ctx, CollectionCourseTopics)
	require.NoError(t, err)
	assert.Equal(t, 2, topicStats.DocumentCount)

	// Re-index with fewer topics: the extra entry must not survive.
	shorter := testCatalog()[0]
	shorter.Topics = shorter.Topics[:1]
	_, err = selector.BulkIndex(ctx, []CourseDescriptor{shorter})
	require.NoError(t, err)

	topicStats, err = store.Stats(ctx, CollectionCourseTopics)
	require.NoError(t, err)
	assert.Equal(t, 1, topicStats.DocumentCount)
}
