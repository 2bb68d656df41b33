package cache

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zoeflow/zoeflow/schema"
)

func TestEmbeddingCacheRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "vectorStoreCache.json")
	c := NewEmbeddingCache(path, nil)

	_, ok := c.Get("model-a", "hello world")
	assert.False(t, ok)

	require.NoError(t, c.Set("model-a", "hello world", []float32{0.1, 0.2}))

	vec, ok := c.Get("model-a", "hello world")
	require.True(t, ok)
	assert.Equal(t, []float32{0.1, 0.2}, vec)

	// Same text under another model is a distinct entry.
	_, ok = c.Get("model-b", "hello world")
	assert.False(t, ok)

	// Keys trim surrounding whitespace.
	vec, ok = c.Get("model-a", "  hello world\n")
	require.True(t, ok)
	assert.Equal(t, []float32{0.1, 0.2}, vec)
}

func TestEmbeddingCachePersistsAcrossHandles(t *testing.T) {
	path := filepath.Join(t.TempDir(), "vectorStoreCache.json")

	first := NewEmbeddingCache(path, nil)
	require.NoError(t, first.Set("m", "alpha", []float32{1}))

	second := NewEmbeddingCache(path, nil)
	vec, ok := second.Get("m", "alpha")
	require.True(t, ok)
	assert.Equal(t, []float32{1}, vec)
}

func TestEmbeddingCacheGetManyAlignsWithInput(t *testing.T) {
	path := filepath.Join(t.TempDir(), "vectorStoreCache.json")
	c := NewEmbeddingCache(path, nil)

	texts := []string{"a", "b", "c"}
	require.NoError(t, c.SetMany("m", texts, [][]float32{{1}, nil, {3}}))

	got := c.GetMany("m", []string{"a", "b", "c", "d"})
	require.Len(t, got, 4)
	assert.Equal(t, []float32{1}, got[0])
	assert.Nil(t, got[1])
	assert.Equal(t, []float32{3}, got[2])
	assert.Nil(t, got[3])
	assert.Equal(t, 2, c.Len())
}

func TestEmbeddingCacheCorruptFileStartsEmpty(t *testing.T) {
	path := filepath.Join(t.TempDir(), "vectorStoreCache.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o644))

	c := NewEmbeddingCache(path, nil)
	assert.Equal(t, 0, c.Len())

	// Writes still succeed and replace the corrupt file.
	require.NoError(t, c.Set("m", "x", []float32{2}))
	vec, ok := c.Get("m", "x")
	require.True(t, ok)
	assert.Equal(t, []float32{2}, vec)
}

func TestEmbeddingCacheDeleteByFilter(t *testing.T) {
	path := filepath.Join(t.TempDir(), "vectorStoreCache.json")
	c := NewEmbeddingCache(path, nil)
	require.NoError(t, c.Set("m", "doc_id: abc\nkeep me", []float32{1}))
	require.NoError(t, c.Set("m", "doc_id: xyz\ndrop me", []float32{2}))

	removed, err := c.DeleteByFilter(func(_ string, e schema.EmbeddingCacheEntry) bool {
		return len(e.Text) > 0 && e.Text[len(e.Text)-7:] == "drop me"
	})
	require.NoError(t, err)
	assert.Equal(t, 1, removed)
	assert.Equal(t, 1, c.Len())

	// No-op delete does not rewrite the file.
	info, err := os.Stat(path)
	require.NoError(t, err)
	removed, err = c.DeleteByFilter(func(string, schema.EmbeddingCacheEntry) bool { return false })
	require.NoError(t, err)
	assert.Equal(t, 0, removed)
	after, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, info.ModTime(), after.ModTime())
}

func TestEnrichmentKeySensitivity(t *testing.T) {
	base := EnrichmentKeyInput{
		Model:          "google/gemini-flash",
		PromptVersion:  "v2",
		DocID:          "doc1",
		Version:        "100",
		HeadingPath:    []string{"Intro", "Setup"},
		ContentType:    "markdown",
		ChunkText:      "some chunk",
		OutwardContext: "before\nafter",
		ContentSet:     "source,heading_path,summary,key_points",
	}
	key := EnrichmentKey(base)
	assert.Contains(t, key, "google/gemini-flash:v2:")

	variants := []EnrichmentKeyInput{base, base, base, base, base}
	variants[0].ChunkText = "other chunk"
	variants[1].Version = "200"
	variants[2].PromptVersion = "v3"
	variants[3].OutwardContext = "changed"
	variants[4].ContentSet = "source,summary"
	for _, v := range variants {
		assert.NotEqual(t, key, EnrichmentKey(v))
	}

	// Identical inputs derive the identical key.
	assert.Equal(t, key, EnrichmentKey(base))
}

func TestEnrichmentCacheDeleteByDocID(t *testing.T) {
	path := filepath.Join(t.TempDir(), "chunkEnrichmentCache.json")
	c := NewEnrichmentCache(path, nil)

	keyA := EnrichmentKey(EnrichmentKeyInput{Model: "m", PromptVersion: "v2", DocID: "a", ChunkText: "1"})
	keyB := EnrichmentKey(EnrichmentKeyInput{Model: "m", PromptVersion: "v2", DocID: "b", ChunkText: "2"})
	require.NoError(t, c.SetMany(map[string]schema.EnrichmentCacheEntry{
		keyA: {EmbeddedText: "enriched a", Model: "m", PromptVersion: "v2", DocID: "a", Version: "1"},
		keyB: {EmbeddedText: "enriched b", Model: "m", PromptVersion: "v2", DocID: "b", Version: "1"},
	}))

	removed, err := c.DeleteByDocID("a")
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	_, ok := c.Get(keyA)
	assert.False(t, ok)
	entry, ok := c.Get(keyB)
	require.True(t, ok)
	assert.Equal(t, "enriched b", entry.EmbeddedText)
	assert.NotZero(t, entry.CreatedAt)
}
