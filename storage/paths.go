// Package storage provides the on-disk layout of the content root, the
// versioned document blob store, and the per-document metadata store.
//
// Layout under the content root:
//
//	documents/<docId>/<version>.md
//	vectorstores/_metadata/<docId>.json
//	vectorstores/<storeId>.json
//	vectorstores/<storeId>.vectra/
//	vectorstores/cache/vectorStoreCache.json
//	vectorstores/cache/queryCache.json
//	vectorstores/cache/chunkEnrichmentCache.json
//	vectorstores/usage.jsonl
//	flows/*.json
package storage

import "path/filepath"

// DefaultContentDir is the content root used when none is configured.
const DefaultContentDir = "content"

// Paths resolves the fixed on-disk layout relative to a content root.
type Paths struct {
	Root string
}

// NewPaths returns a Paths for the given content root, falling back to
// DefaultContentDir when root is empty.
func NewPaths(root string) Paths {
	if root == "" {
		root = DefaultContentDir
	}
	return Paths{Root: root}
}

// DocumentsDir is the root of the versioned document blobs.
func (p Paths) DocumentsDir() string {
	return filepath.Join(p.Root, "documents")
}

// VectorStoresDir holds the vector store files and metadata directory.
func (p Paths) VectorStoresDir() string {
	return filepath.Join(p.Root, "vectorstores")
}

// MetadataDir holds one JSON file per document.
func (p Paths) MetadataDir() string {
	return filepath.Join(p.VectorStoresDir(), "_metadata")
}

// CacheDir holds the embedding and enrichment cache files.
func (p Paths) CacheDir() string {
	return filepath.Join(p.VectorStoresDir(), "cache")
}

// FlowsDir holds bundled flow definitions.
func (p Paths) FlowsDir() string {
	return filepath.Join(p.Root, "flows")
}

// StoreJSONPath is the self-contained JSON backend file for a store.
func (p Paths) StoreJSONPath(storeID string) string {
	return filepath.Join(p.VectorStoresDir(), storeID+".json")
}

// StoreVectraDir is the external-backend directory for a store.
func (p Paths) StoreVectraDir(storeID string) string {
	return filepath.Join(p.VectorStoresDir(), storeID+".vectra")
}

// EmbeddingCachePath is the chunk-embedding cache file.
func (p Paths) EmbeddingCachePath() string {
	return filepath.Join(p.CacheDir(), "vectorStoreCache.json")
}

// QueryCachePath is the query-embedding cache file.
func (p Paths) QueryCachePath() string {
	return filepath.Join(p.CacheDir(), "queryCache.json")
}

// EnrichmentCachePath is the chunk-enrichment cache file.
func (p Paths) EnrichmentCachePath() string {
	return filepath.Join(p.CacheDir(), "chunkEnrichmentCache.json")
}

// UsageLedgerPath is the append-only usage ledger file.
func (p Paths) UsageLedgerPath() string {
	return filepath.Join(p.VectorStoresDir(), "usage.jsonl")
}
