package chromem

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zoeflow/zoeflow/errs"
	"github.com/zoeflow/zoeflow/schema"
	"github.com/zoeflow/zoeflow/storage"
)

func testItem(id, text string, vec []float32, meta map[string]any) schema.VectorStoreItem {
	return schema.VectorStoreItem{ID: id, Text: text, Embedding: vec, Metadata: meta}
}

func newTestStore(t *testing.T) (*Store, string) {
	t.Helper()
	dir := filepath.Join(t.TempDir(), "kb.vectra")
	return NewStore(dir, "kb", nil), dir
}

func TestStoreUpsertCountsAndSidecar(t *testing.T) {
	store, dir := newTestStore(t)
	ctx := context.Background()

	inserted, updated, err := store.Upsert(ctx, []schema.VectorStoreItem{
		testItem("a", "alpha", []float32{1, 0, 0}, nil),
		testItem("b", "beta", []float32{0, 1, 0}, nil),
	})
	require.NoError(t, err)
	assert.Equal(t, 2, inserted)
	assert.Equal(t, 0, updated)

	var meta sidecar
	require.NoError(t, storage.ReadJSON(filepath.Join(dir, sidecarName), &meta))
	assert.Equal(t, sidecarVersion, meta.Version)
	assert.Equal(t, 3, meta.Dimension)

	inserted, updated, err = store.Upsert(ctx, []schema.VectorStoreItem{
		testItem("a", "alpha again", []float32{0, 0, 1}, nil),
	})
	require.NoError(t, err)
	assert.Equal(t, 0, inserted)
	assert.Equal(t, 1, updated)
}

func TestStoreRejectsDimensionMismatch(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	_, _, err := store.Upsert(ctx, []schema.VectorStoreItem{
		testItem("a", "alpha", []float32{1, 0, 0}, nil),
	})
	require.NoError(t, err)

	_, _, err = store.Upsert(ctx, []schema.VectorStoreItem{
		testItem("b", "beta", []float32{1, 0}, nil),
	})
	assert.True(t, errs.IsKind(err, errs.KindConflict))

	_, err = store.Query(ctx, []float32{1, 0}, 1)
	assert.True(t, errs.IsKind(err, errs.KindConflict))
}

func TestStoreMetadataRoundTrip(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	meta := map[string]any{
		schema.MetaDocID:       "doc-1",
		schema.MetaChunkIndex:  2,
		schema.MetaSourceURI:   "docs/guide.md",
		schema.MetaVersion:     "100",
		schema.MetaHeadingPath: "Guide > Setup",
		"custom":               "value",
	}
	_, _, err := store.Upsert(ctx, []schema.VectorStoreItem{
		testItem("c", "chunk text", []float32{1, 0, 0}, meta),
	})
	require.NoError(t, err)

	items, err := store.List(ctx)
	require.NoError(t, err)
	require.Len(t, items, 1)

	got := items[0].Metadata
	assert.Equal(t, "doc-1", got[schema.MetaDocID])
	assert.Equal(t, float64(2), got[schema.MetaChunkIndex])
	assert.Equal(t, "docs/guide.md", got[schema.MetaSourceURI])
	assert.Equal(t, "100", got[schema.MetaVersion])
	assert.Equal(t, "Guide > Setup", got[schema.MetaHeadingPath])
	assert.Equal(t, "value", got["custom"])
	assert.NotZero(t, items[0].CreatedAt)
	assert.NotZero(t, items[0].UpdatedAt)
}

func TestStoreLegacyIDFallback(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	// Items written before metadata promotion carry everything in the id.
	_, _, err := store.Upsert(ctx, []schema.VectorStoreItem{
		testItem("chunk_doc9_3_100", "legacy chunk", []float32{1, 0}, nil),
	})
	require.NoError(t, err)

	items, err := store.List(ctx)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, "doc9", items[0].Metadata[schema.MetaDocID])
	assert.Equal(t, float64(3), items[0].Metadata[schema.MetaChunkIndex])
}

func TestStoreQueryRanksBySimilarity(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	_, _, err := store.Upsert(ctx, []schema.VectorStoreItem{
		testItem("x", "x axis", []float32{1, 0}, nil),
		testItem("y", "y axis", []float32{0, 1}, nil),
	})
	require.NoError(t, err)

	results, err := store.Query(ctx, []float32{1, 0}, 2)
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, "x", results[0].ID)
	assert.InDelta(t, 1.0, float64(results[0].Score), 1e-4)
	assert.Greater(t, results[0].Score, results[1].Score)

	// topK above the collection size clamps instead of failing.
	results, err = store.Query(ctx, []float32{1, 0}, 50)
	require.NoError(t, err)
	assert.Len(t, results, 2)
}

func TestStoreQueryEmptyStore(t *testing.T) {
	store, _ := newTestStore(t)

	results, err := store.Query(context.Background(), []float32{1, 0}, 5)
	require.NoError(t, err)
	assert.Empty(t, results)
}

func TestStoreDelete(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	_, _, err := store.Upsert(ctx, []schema.VectorStoreItem{
		testItem("a", "alpha", []float32{1, 0}, nil),
		testItem("b", "beta", []float32{0, 1}, nil),
	})
	require.NoError(t, err)

	deleted, err := store.Delete(ctx, []string{"a", "missing"})
	require.NoError(t, err)
	assert.Equal(t, 1, deleted)

	items, err := store.List(ctx)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, "b", items[0].ID)
}

func TestStorePersistsAcrossHandles(t *testing.T) {
	first, dir := newTestStore(t)
	ctx := context.Background()

	_, _, err := first.Upsert(ctx, []schema.VectorStoreItem{
		testItem("a", "alpha", []float32{1, 0, 0}, map[string]any{schema.MetaDocID: "doc-1"}),
	})
	require.NoError(t, err)

	second := NewStore(dir, "kb", nil)
	dim, err := second.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, dim)

	items, err := second.List(ctx)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, "a", items[0].ID)
	assert.Equal(t, "alpha", items[0].Text)
	assert.Equal(t, "doc-1", items[0].Metadata[schema.MetaDocID])
}

func TestParseLegacyID(t *testing.T) {
	docID, index, ok := parseLegacyID("chunk_abc123_7_1700000000000")
	require.True(t, ok)
	assert.Equal(t, "abc123", docID)
	assert.Equal(t, 7, index)

	_, _, ok = parseLegacyID("not_a_chunk")
	assert.False(t, ok)

	_, _, ok = parseLegacyID("chunk_abc_x_1")
	assert.False(t, ok)

	_, _, ok = parseLegacyID("plain-uuid")
	assert.False(t, ok)
}
