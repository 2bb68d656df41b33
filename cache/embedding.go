package cache

import (
	"log/slog"
	"strings"

	"github.com/zoeflow/zoeflow/schema"
)

// EmbeddingCache memoizes embedding vectors keyed by model and the
// exact embedded text. Ingestion and query paths share one file, so a
// chunk embedded during processing is a cache hit when the same text
// is later embedded for retrieval.
type EmbeddingCache struct {
	file *fileCache[schema.EmbeddingCacheEntry]
}

func NewEmbeddingCache(path string, logger *slog.Logger) *EmbeddingCache {
	return &EmbeddingCache{file: newFileCache[schema.EmbeddingCacheEntry](path, logger)}
}

// EmbeddingKey derives the cache key for one text under one model.
// The text is trimmed so incidental surrounding whitespace does not
// split otherwise identical entries.
func EmbeddingKey(model, text string) string {
	return model + ":" + strings.TrimSpace(text)
}

func (c *EmbeddingCache) Get(model, text string) ([]float32, bool) {
	entry, ok := c.file.get(EmbeddingKey(model, text))
	if !ok {
		return nil, false
	}
	return entry.Embedding, true
}

// GetMany resolves a batch of texts in order. Misses are nil slots,
// so callers can embed only the gaps and merge results positionally.
func (c *EmbeddingCache) GetMany(model string, texts []string) [][]float32 {
	keys := make([]string, len(texts))
	for i, text := range texts {
		keys[i] = EmbeddingKey(model, text)
	}
	entries := c.file.getMany(keys)
	out := make([][]float32, len(texts))
	for i, entry := range entries {
		if entry != nil {
			out[i] = entry.Embedding
		}
	}
	return out
}

func (c *EmbeddingCache) Set(model, text string, embedding []float32) error {
	return c.file.set(EmbeddingKey(model, text), schema.EmbeddingCacheEntry{
		Text:      strings.TrimSpace(text),
		Model:     model,
		Embedding: embedding,
		CreatedAt: schema.NowMillis(),
	})
}

// SetMany stores aligned texts and vectors in a single write. Slots
// with a nil vector are skipped.
func (c *EmbeddingCache) SetMany(model string, texts []string, embeddings [][]float32) error {
	now := schema.NowMillis()
	values := make(map[string]schema.EmbeddingCacheEntry, len(texts))
	for i, text := range texts {
		if i >= len(embeddings) || embeddings[i] == nil {
			continue
		}
		values[EmbeddingKey(model, text)] = schema.EmbeddingCacheEntry{
			Text:      strings.TrimSpace(text),
			Model:     model,
			Embedding: embeddings[i],
			CreatedAt: now,
		}
	}
	return c.file.setMany(values)
}

// DeleteByFilter removes every entry the predicate selects and reports
// how many were dropped. Document deletion uses this to purge entries
// whose embedded text references the document.
func (c *EmbeddingCache) DeleteByFilter(pred func(key string, entry schema.EmbeddingCacheEntry) bool) (int, error) {
	return c.file.deleteByFilter(pred)
}

func (c *EmbeddingCache) Len() int {
	return c.file.len()
}
