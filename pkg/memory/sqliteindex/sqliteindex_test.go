package sqliteindex

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cexll/companion/pkg/memory"
)

func openTestIndex(t *testing.T) (*Index, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "memory.db")
	idx, err := Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = idx.Close() })
	return idx, path
}

func TestOpenCreatesParentDirs(t *testing.T) {
	path := filepath.Join(t.TempDir(), "app", "data", "long_term_memory.db")
	idx, err := Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = idx.Close() })

	require.NoError(t, idx.CreateCollection(context.Background(), "long_term_memory", 2))
	assert.FileExists(t, path)
}

func TestIndexLifecycle(t *testing.T) {
	idx, _ := openTestIndex(t)
	ctx := context.Background()

	exists, err := idx.CollectionExists(ctx, "long_term_memory")
	require.NoError(t, err)
	assert.False(t, exists)

	require.NoError(t, idx.CreateCollection(ctx, "long_term_memory", 3))
	require.NoError(t, idx.CreateCollection(ctx, "long_term_memory", 3), "create is idempotent")
	exists, err = idx.CollectionExists(ctx, "long_term_memory")
	require.NoError(t, err)
	assert.True(t, exists)

	require.NoError(t, idx.Upsert(ctx, "long_term_memory", []memory.Point{
		{ID: "a", Vector: []float64{1, 0, 0}, Payload: map[string]any{"text": "Likes tea", "id": "a"}},
		{ID: "b", Vector: []float64{0, 1, 0}, Payload: map[string]any{"text": "Has a dog", "id": "b"}},
	}))
	require.NoError(t, idx.Upsert(ctx, "long_term_memory", []memory.Point{
		{ID: "a", Vector: []float64{0.9, 0.1, 0}, Payload: map[string]any{"text": "Loves tea", "id": "a"}},
	}))

	hits, err := idx.Search(ctx, "long_term_memory", []float64{1, 0, 0}, 5)
	require.NoError(t, err)
	require.Len(t, hits, 2)
	assert.Equal(t, "a", hits[0].ID)
	assert.Equal(t, "Loves tea", hits[0].Payload["text"])
	assert.Greater(t, hits[0].Score, hits[1].Score)

	top, err := idx.Search(ctx, "long_term_memory", []float64{0, 1, 0}, 1)
	require.NoError(t, err)
	require.Len(t, top, 1)
	assert.Equal(t, "b", top[0].ID)
}

func TestIndexRejectsBadInput(t *testing.T) {
	idx, _ := openTestIndex(t)
	ctx := context.Background()

	assert.Error(t, idx.CreateCollection(ctx, "c", 0))
	assert.Error(t, idx.Upsert(ctx, "missing", []memory.Point{{ID: "x", Vector: []float64{1}}}))
	require.NoError(t, idx.CreateCollection(ctx, "c", 2))
	assert.Error(t, idx.Upsert(ctx, "c", []memory.Point{{ID: "x", Vector: []float64{1, 2, 3}}}))
}

func TestIndexPersistsAcrossReopen(t *testing.T) {
	idx, path := openTestIndex(t)
	ctx := context.Background()
	require.NoError(t, idx.CreateCollection(ctx, "c", 2))
	require.NoError(t, idx.Upsert(ctx, "c", []memory.Point{{ID: "x", Vector: []float64{1, 0}, Payload: map[string]any{"text": "kept"}}}))
	require.NoError(t, idx.Close())

	reopened, err := Open(path)
	require.NoError(t, err)
	defer reopened.Close()
	hits, err := reopened.Search(ctx, "c", []float64{1, 0}, 1)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, "kept", hits[0].Payload["text"])
}

func TestStoreOnSQLiteDeduplicates(t *testing.T) {
	idx, _ := openTestIndex(t)
	store, err := memory.NewStore(idx, &memory.StaticEmbedder{Vector: []float64{0.3, 0.4}})
	require.NoError(t, err)
	ctx := context.Background()

	_, err = store.Store(ctx, "Lives in Lagos", nil)
	require.NoError(t, err)
	_, err = store.Store(ctx, "Lives in Lagos, Nigeria", nil)
	require.NoError(t, err)

	hits, err := store.Search(ctx, "Lagos", 10)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, "Lives in Lagos, Nigeria", hits[0].Text)
}

func TestVectorCodecRoundTrip(t *testing.T) {
	in := []float64{0.25, -1.5, 3}
	out, err := decodeVector(encodeVector(in))
	require.NoError(t, err)
	assert.Equal(t, in, out)
	_, err = decodeVector([]byte{1, 2, 3})
	assert.Error(t, err)
}
