// Package schema defines the shared data model of the ZoeFlow core:
// vector store items, document metadata, chunks, and usage records.
package schema

import (
	"crypto/sha256"
	"encoding/hex"
	"regexp"
	"strconv"
	"time"
)

// storeIDPattern constrains store identifiers to filesystem-safe names.
var storeIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,64}$`)

// ValidStoreID reports whether id is a legal vector store identifier.
func ValidStoreID(id string) bool {
	return storeIDPattern.MatchString(id)
}

// NowMillis returns the current time as epoch milliseconds.
func NowMillis() int64 {
	return time.Now().UnixMilli()
}

// VectorStoreItem is one embedded entry in a vector store.
type VectorStoreItem struct {
	ID            string         `json:"id"`
	Text          string         `json:"text"`
	Embedding     []float32      `json:"embedding"`
	EmbeddingNorm float32        `json:"embeddingNorm"`
	Metadata      map[string]any `json:"metadata,omitempty"`
	CreatedAt     int64          `json:"createdAt"`
	UpdatedAt     int64          `json:"updatedAt"`
}

// QueryResult is a single similarity search hit.
type QueryResult struct {
	ID       string         `json:"id"`
	Text     string         `json:"text"`
	Metadata map[string]any `json:"metadata,omitempty"`
	Score    float32        `json:"score"`
}

// Metadata keys attached to chunk items by the ingestion pipeline.
// The vector store backends and the query surface treat these as the
// stable contract for document-scoped operations.
const (
	MetaDocID            = "doc_id"
	MetaSourceURI        = "source_uri"
	MetaDocDescription   = "doc_description"
	MetaDocAuthor        = "doc_author"
	MetaDocTags          = "doc_tags"
	MetaVersion          = "version"
	MetaHeadingPath      = "heading_path"
	MetaChunkIndex       = "chunk_index"
	MetaStartChar        = "start_char"
	MetaEndChar          = "end_char"
	MetaStartLine        = "start_line"
	MetaEndLine          = "end_line"
	MetaContentType      = "content_type"
	MetaLanguage         = "language"
	MetaParentID         = "parent_id"
	MetaChunkVariant     = "chunk_variant"
	MetaVectorizedText   = "vectorized_text"
	MetaEnrichPromptVer  = "enrichment_prompt_version"
	MetaEnrichContentSet = "enrichment_content_set"
	MetaCreatedAt        = "created_at"
	MetaIndexedAt        = "indexed_at"
)

// Chunk variants recorded under MetaChunkVariant.
const (
	ChunkVariantRaw      = "raw"
	ChunkVariantEnriched = "enriched"
)

// NewDocumentID derives a document id from its source URI and an
// optional content hash. When the hash is empty the current timestamp
// is used instead so re-uploads of changed content get fresh ids.
func NewDocumentID(sourceURI, contentHash string) string {
	if contentHash == "" {
		contentHash = strconv.FormatInt(NowMillis(), 10)
	}
	sum := sha256.Sum256([]byte(sourceURI + ":" + contentHash))
	return hex.EncodeToString(sum[:])[:16]
}

// ContentHash returns the sha256 hex digest of content, used for
// content-addressed document ids and cache keys.
func ContentHash(content string) string {
	sum := sha256.Sum256([]byte(content))
	return hex.EncodeToString(sum[:])
}
