package vectorstore

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// newTestStore creates a ChromemStore backed by a temp directory.
func newTestStore(t *testing.T) *ChromemStore {
	t.Helper()
	store, err := NewChromemStore(ChromemConfig{
		Path:       t.TempDir(),
		VectorSize: 3,
	}, zap.NewNop())
	require.NoError(t, err)
	return store
}

func testItems() []Item {
	return []Item{
		{ID: "a", Content: "alpha", Embedding: []float32{1, 0, 0}, Metadata: map[string]string{"document_id": "doc1"}},
		{ID: "b", Content: "beta", Embedding: []float32{0, 1, 0}, Metadata: map[string]string{"document_id": "doc1"}},
		{ID: "c", Content: "gamma", Embedding: []float32{0, 0, 1}, Metadata: map[string]string{"document_id": "doc2"}},
	}
}

func TestChromemStore_AddAndSearch(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.EnsureCollection(ctx, "general_none"))
	require.NoError(t, store.Add(ctx, "general_none", testItems()))

	results, err := store.Search(ctx, "general_none", []float32{1, 0, 0}, 2, nil)
	require.NoError(t, err)
	require.Len(t, results, 2)

	assert.Equal(t, "a", results[0].ID)
	assert.Equal(t, "alpha", results[0].Content)
	assert.InDelta(t, 1.0, float64(results[0].Score), 0.001)
	assert.Equal(t, "doc1", results[0].Metadata["document_id"])
}

func TestChromemStore_SearchWithFilter(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.Add(ctx, "general_none", testItems()))

	results, err := store.Search(ctx, "general_none", []float32{1, 0, 0}, 3,
		map[string]string{"document_id": "doc2"})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "c", results[0].ID)
}

func TestChromemStore_SearchCapsKAtCount(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.Add(ctx, "general_none", testItems()))

	results, err := store.Search(ctx, "general_none", []float32{1, 0, 0}, 50, nil)
	require.NoError(t, err)
	assert.Len(t, results, 3)
}

func TestChromemStore_SearchMissingCollection(t *testing.T) {
	store := newTestStore(t)

	_, err := store.Search(context.Background(), "missing", []float32{1, 0, 0}, 5, nil)
	assert.ErrorIs(t, err, ErrCollectionNotFound)
}

func TestChromemStore_SearchEmptyCollection(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.EnsureCollection(ctx, "empty"))

	results, err := store.Search(ctx, "empty", []float32{1, 0, 0}, 5, nil)
	require.NoError(t, err)
	assert.Empty(t, results)
}

func TestChromemStore_AddUpsert(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.Add(ctx, "general_none", []Item{
		{ID: "a", Content: "old", Embedding: []float32{1, 0, 0}},
	}))
	require.NoError(t, store.Add(ctx, "general_none", []Item{
		{ID: "a", Content: "new", Embedding: []float32{1, 0, 0}},
	}))

	stats, err := store.Stats(ctx, "general_none")
	require.NoError(t, err)
	assert.Equal(t, 1, stats.DocumentCount)

	results, err := store.Search(ctx, "general_none", []float32{1, 0, 0}, 1, nil)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "new", results[0].Content)
}

func TestChromemStore_AddValidation(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	err := store.Add(ctx, "general_none", nil)
	assert.ErrorIs(t, err, ErrEmptyItems)

	err = store.Add(ctx, "general_none", []Item{{ID: "x", Content: "no vector"}})
	assert.Error(t, err)

	err = store.Add(ctx, "Bad-Name!", testItems())
	assert.ErrorIs(t, err, ErrInvalidCollectionName)
}

func TestChromemStore_Delete(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.Add(ctx, "general_none", testItems()))
	require.NoError(t, store.Delete(ctx, "general_none", []string{"a", "b"}))

	stats, err := store.Stats(ctx, "general_none")
	require.NoError(t, err)
	assert.Equal(t, 1, stats.DocumentCount)

	// Missing collections and empty id lists are no-ops.
	assert.NoError(t, store.Delete(ctx, "missing", []string{"a"}))
	assert.NoError(t, store.Delete(ctx, "general_none", nil))
}

func TestChromemStore_DeleteCollection(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.Add(ctx, "general_none", testItems()))
	require.NoError(t, store.DeleteCollection(ctx, "general_none"))

	_, err := store.Stats(ctx, "general_none")
	assert.ErrorIs(t, err, ErrCollectionNotFound)
}

func TestChromemStore_Persistence(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	store, err := NewChromemStore(ChromemConfig{Path: dir, VectorSize: 3}, zap.NewNop())
	require.NoError(t, err)
	require.NoError(t, store.Add(ctx, "general_none", testItems()))
	require.NoError(t, store.Close())

	reopened, err := NewChromemStore(ChromemConfig{Path: dir, VectorSize: 3}, zap.NewNop())
	require.NoError(t, err)

	stats, err := reopened.Stats(ctx, "general_none")
	require.NoError(t, err)
	assert.Equal(t, 3, stats.DocumentCount)
}

func TestValidateCollectionName(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		wantErr bool
	}{
		{"simple", "general", false},
		{"with course suffix", "course_42", false},
		{"none suffix", "personal_none", false},
		{"empty", "", true},
		{"uppercase", "General", true},
		{"hyphen", "general-1", true},
		{"spaces", "my docs", true},
		{"too long", strings.Repeat("a", 65), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateCollectionName(tt.input)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidCollectionName)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestNewStore_Factory(t *testing.T) {
	store, err := NewStore(Config{
		Provider: "chromem",
		Chromem:  ChromemConfig{Path: t.TempDir(), VectorSize: 3},
	}, zap.NewNop())
	require.NoError(t, err)
	assert.IsType(t, &ChromemStore{}, store)

	_, err = NewStore(Config{Provider: "sqlite"}, zap.NewNop())
	assert.ErrorIs(t, err, ErrInvalidConfig)
}
