package vectorstore

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zoeflow/zoeflow/cache"
	"github.com/zoeflow/zoeflow/embedding"
	"github.com/zoeflow/zoeflow/errs"
	"github.com/zoeflow/zoeflow/schema"
	"github.com/zoeflow/zoeflow/storage"
	"github.com/zoeflow/zoeflow/usage"
)

type serviceEnv struct {
	paths    storage.Paths
	embedder *embedding.MockEmbedder
	ledger   *usage.Ledger
	service  *Service
}

func newServiceEnv(t *testing.T) *serviceEnv {
	t.Helper()
	paths := storage.NewPaths(t.TempDir())
	manager := NewManager(paths, false, nil)
	embedder := &embedding.MockEmbedder{Dim: 4}
	chunkCache := cache.NewEmbeddingCache(paths.EmbeddingCachePath(), nil)
	queryCache := cache.NewEmbeddingCache(paths.QueryCachePath(), nil)
	ledger := usage.NewLedger(paths.UsageLedgerPath(), nil)
	service := NewService(manager, embedder, chunkCache, queryCache, ledger, "test-model", nil)
	return &serviceEnv{paths: paths, embedder: embedder, ledger: ledger, service: service}
}

func TestServiceUpsertEmbedsAndAssignsIDs(t *testing.T) {
	env := newServiceEnv(t)
	ctx := context.Background()

	res, err := env.service.Upsert(ctx, UpsertInput{
		StoreID: "kb",
		Items: []UpsertItem{
			{Text: "first item"},
			{ID: "explicit", Text: "second item"},
			{ID: "carried", Text: "third item", Embedding: []float32{1, 0, 0, 0}},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, "kb", res.StoreID)
	assert.Equal(t, 3, res.Inserted)
	assert.Equal(t, 0, res.Updated)
	assert.Equal(t, 3, res.Count)

	// Only the two items without embeddings went to the provider.
	assert.Equal(t, []string{"first item", "second item"}, env.embedder.Texts)

	items, err := env.service.List(ctx, "kb")
	require.NoError(t, err)
	require.Len(t, items, 3)
	assert.NotEmpty(t, items[0].ID)
	assert.Equal(t, "explicit", items[1].ID)
	assert.Equal(t, "carried", items[2].ID)
	assert.Equal(t, []float32{1, 0, 0, 0}, items[2].Embedding)
}

func TestServiceUpsertValidation(t *testing.T) {
	env := newServiceEnv(t)
	ctx := context.Background()

	_, err := env.service.Upsert(ctx, UpsertInput{StoreID: "bad store!", Items: []UpsertItem{{Text: "x"}}})
	assert.True(t, errs.IsKind(err, errs.KindValidation))

	_, err = env.service.Upsert(ctx, UpsertInput{StoreID: "kb"})
	assert.True(t, errs.IsKind(err, errs.KindValidation))

	_, err = env.service.Upsert(ctx, UpsertInput{StoreID: "kb", Items: []UpsertItem{{Text: ""}}})
	assert.True(t, errs.IsKind(err, errs.KindValidation))
}

func TestServiceUpsertUsesEmbeddingCache(t *testing.T) {
	env := newServiceEnv(t)
	ctx := context.Background()

	_, err := env.service.Upsert(ctx, UpsertInput{
		StoreID: "kb",
		Items:   []UpsertItem{{ID: "a", Text: "cached text"}},
	})
	require.NoError(t, err)
	assert.Equal(t, 1, env.embedder.Calls)

	// Re-upserting the same text is served from the chunk cache.
	_, err = env.service.Upsert(ctx, UpsertInput{
		StoreID: "kb",
		Items:   []UpsertItem{{ID: "a", Text: "cached text"}},
	})
	require.NoError(t, err)
	assert.Equal(t, 1, env.embedder.Calls)
}

func TestServiceUpsertBooksUsage(t *testing.T) {
	env := newServiceEnv(t)
	ctx := context.Background()

	_, err := env.service.Upsert(ctx, UpsertInput{
		StoreID: "kb",
		Items:   []UpsertItem{{Text: "alpha"}, {Text: "beta"}},
	})
	require.NoError(t, err)

	records, err := env.ledger.All(ctx)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, schema.UsageKindEmbedding, records[0].Kind)
	assert.Equal(t, "test-model", records[0].Model)
}

func TestServiceQueryManyFusesResults(t *testing.T) {
	env := newServiceEnv(t)
	ctx := context.Background()

	_, err := env.service.Upsert(ctx, UpsertInput{
		StoreID: "kb",
		Items: []UpsertItem{
			{ID: "a", Text: "go concurrency patterns"},
			{ID: "b", Text: "vector search basics"},
			{ID: "c", Text: "markdown chunking rules"},
		},
	})
	require.NoError(t, err)

	res, err := env.service.QueryMany(ctx, QueryManyInput{
		StoreID: "kb",
		Queries: []string{"go concurrency patterns", "vector search basics"},
		TopK:    2,
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"go concurrency patterns", "vector search basics"}, res.Queries)
	require.Len(t, res.Results, 2)
	assert.Len(t, res.Results[0], 2)
	assert.Len(t, res.Results[1], 2)
	require.NotEmpty(t, res.Fused)
	assert.LessOrEqual(t, len(res.Fused), 2)

	// The hash embedder makes the exact text its own best match.
	assert.Equal(t, "a", res.Results[0][0].ID)
	assert.Equal(t, "b", res.Results[1][0].ID)
}

func TestServiceQueryManyUsesQueryCache(t *testing.T) {
	env := newServiceEnv(t)
	ctx := context.Background()

	_, err := env.service.Upsert(ctx, UpsertInput{
		StoreID: "kb",
		Items:   []UpsertItem{{ID: "a", Text: "alpha"}},
	})
	require.NoError(t, err)
	require.Equal(t, 1, env.embedder.Calls)

	for i := 0; i < 3; i++ {
		_, err = env.service.QueryMany(ctx, QueryManyInput{StoreID: "kb", Queries: []string{"find alpha"}})
		require.NoError(t, err)
	}
	// One embedding call for the first query; repeats hit the cache.
	assert.Equal(t, 2, env.embedder.Calls)
}

func TestServiceQueryManyValidation(t *testing.T) {
	env := newServiceEnv(t)
	ctx := context.Background()

	_, err := env.service.QueryMany(ctx, QueryManyInput{StoreID: "kb"})
	assert.True(t, errs.IsKind(err, errs.KindValidation))

	_, err = env.service.QueryMany(ctx, QueryManyInput{StoreID: "kb", Queries: []string{""}})
	assert.True(t, errs.IsKind(err, errs.KindValidation))

	_, err = env.service.QueryMany(ctx, QueryManyInput{StoreID: "kb", Queries: []string{"q"}, TopK: -1})
	assert.True(t, errs.IsKind(err, errs.KindValidation))
}

func TestServiceDelete(t *testing.T) {
	env := newServiceEnv(t)
	ctx := context.Background()

	_, err := env.service.Upsert(ctx, UpsertInput{
		StoreID: "kb",
		Items:   []UpsertItem{{ID: "a", Text: "alpha"}, {ID: "b", Text: "beta"}},
	})
	require.NoError(t, err)

	res, err := env.service.Delete(ctx, DeleteInput{StoreID: "kb", IDs: []string{"a", "missing"}})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Deleted)

	items, err := env.service.List(ctx, "kb")
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, "b", items[0].ID)
}

func TestServiceStores(t *testing.T) {
	env := newServiceEnv(t)
	ctx := context.Background()

	stores, err := env.service.Stores(ctx)
	require.NoError(t, err)
	assert.Empty(t, stores)

	for _, id := range []string{"kb", "archive"} {
		_, err := env.service.Upsert(ctx, UpsertInput{StoreID: id, Items: []UpsertItem{{Text: "x"}}})
		require.NoError(t, err)
	}

	stores, err = env.service.Stores(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"archive", "kb"}, stores)
}

func TestServiceChunksOfDocument(t *testing.T) {
	env := newServiceEnv(t)
	ctx := context.Background()

	_, err := env.service.Upsert(ctx, UpsertInput{
		StoreID: "kb",
		Items: []UpsertItem{
			{ID: "c2", Text: "third", Metadata: map[string]any{schema.MetaDocID: "doc-1", schema.MetaChunkIndex: 2}},
			{ID: "c0", Text: "first", Metadata: map[string]any{schema.MetaDocID: "doc-1", schema.MetaChunkIndex: 0}},
			{ID: "other", Text: "noise", Metadata: map[string]any{schema.MetaDocID: "doc-2", schema.MetaChunkIndex: 0}},
			{ID: "c1", Text: "second", Metadata: map[string]any{schema.MetaDocID: "doc-1", schema.MetaChunkIndex: 1}},
		},
	})
	require.NoError(t, err)

	chunks, err := env.service.ChunksOfDocument(ctx, "doc-1", "kb")
	require.NoError(t, err)
	require.Len(t, chunks, 3)
	assert.Equal(t, []string{"c0", "c1", "c2"}, []string{chunks[0].ID, chunks[1].ID, chunks[2].ID})
	for _, chunk := range chunks {
		assert.Nil(t, chunk.Embedding)
	}

	_, err = env.service.ChunksOfDocument(ctx, "", "kb")
	assert.True(t, errs.IsKind(err, errs.KindValidation))
}

func TestServiceEmbedderFailurePropagates(t *testing.T) {
	env := newServiceEnv(t)
	env.embedder.Err = errs.New(errs.KindProvider, "upstream down")
	ctx := context.Background()

	_, err := env.service.Upsert(ctx, UpsertInput{StoreID: "kb", Items: []UpsertItem{{Text: "x"}}})
	assert.True(t, errs.IsKind(err, errs.KindProvider))

	_, err = env.service.QueryMany(ctx, QueryManyInput{StoreID: "kb", Queries: []string{"q"}})
	assert.True(t, errs.IsKind(err, errs.KindProvider))
}
