package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"strings"

	"github.com/zoeflow/zoeflow/schema"
)

// EnrichmentCache memoizes LLM chunk enrichments. The key hashes every
// input that feeds the enrichment prompt, so any change to the chunk,
// its surroundings, the prompt version, or the rendered content set
// produces a fresh entry instead of serving a stale one.
type EnrichmentCache struct {
	file *fileCache[schema.EnrichmentCacheEntry]
}

func NewEnrichmentCache(path string, logger *slog.Logger) *EnrichmentCache {
	return &EnrichmentCache{file: newFileCache[schema.EnrichmentCacheEntry](path, logger)}
}

// EnrichmentKeyInput collects everything that influences one enriched
// embedded text.
type EnrichmentKeyInput struct {
	Model          string
	PromptVersion  string
	DocID          string
	Version        string
	HeadingPath    []string
	ContentType    string
	Language       string
	ChunkText      string
	OutwardContext string
	ContentSet     string
}

// EnrichmentKey derives the cache key. Model and prompt version stay
// readable as a prefix; the remaining inputs collapse into a sha256.
func EnrichmentKey(in EnrichmentKeyInput) string {
	h := sha256.New()
	for _, part := range []string{
		in.Model,
		in.PromptVersion,
		in.DocID,
		in.Version,
		strings.Join(in.HeadingPath, " > "),
		in.ContentType,
		in.Language,
		in.ChunkText,
		in.OutwardContext,
		in.ContentSet,
	} {
		h.Write([]byte(part))
		h.Write([]byte{0})
	}
	return in.Model + ":" + in.PromptVersion + ":" + hex.EncodeToString(h.Sum(nil))
}

func (c *EnrichmentCache) Get(key string) (*schema.EnrichmentCacheEntry, bool) {
	entry, ok := c.file.get(key)
	if !ok {
		return nil, false
	}
	return &entry, true
}

// GetMany resolves keys in order with nil slots for misses.
func (c *EnrichmentCache) GetMany(keys []string) []*schema.EnrichmentCacheEntry {
	return c.file.getMany(keys)
}

func (c *EnrichmentCache) Set(key string, entry schema.EnrichmentCacheEntry) error {
	if entry.CreatedAt == 0 {
		entry.CreatedAt = schema.NowMillis()
	}
	return c.file.set(key, entry)
}

func (c *EnrichmentCache) SetMany(entries map[string]schema.EnrichmentCacheEntry) error {
	now := schema.NowMillis()
	values := make(map[string]schema.EnrichmentCacheEntry, len(entries))
	for key, entry := range entries {
		if entry.CreatedAt == 0 {
			entry.CreatedAt = now
		}
		values[key] = entry
	}
	return c.file.setMany(values)
}

// DeleteByDocID purges every enrichment produced for one document,
// across all of its versions.
func (c *EnrichmentCache) DeleteByDocID(docID string) (int, error) {
	return c.file.deleteByFilter(func(_ string, entry schema.EnrichmentCacheEntry) bool {
		return entry.DocID == docID
	})
}

func (c *EnrichmentCache) Len() int {
	return c.file.len()
}
