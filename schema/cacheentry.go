package schema

// EmbeddingCacheEntry is one cached (model, text) embedding.
type EmbeddingCacheEntry struct {
	Text      string    `json:"text"`
	Model     string    `json:"model"`
	Embedding []float32 `json:"embedding"`
	CreatedAt int64     `json:"createdAt"`
}

// EnrichmentCacheEntry is one cached enriched-chunk rendering. The
// stored payload is the text that was embedded, not a vector.
type EnrichmentCacheEntry struct {
	EmbeddedText  string `json:"embeddedText"`
	Model         string `json:"model"`
	PromptVersion string `json:"promptVersion"`
	DocID         string `json:"docId,omitempty"`
	Version       string `json:"version,omitempty"`
	CreatedAt     int64  `json:"createdAt"`
}
