package schema

// ContentType classifies the dominant content of a chunk.
type ContentType string

const (
	ContentTypeMarkdown ContentType = "markdown"
	ContentTypeCode     ContentType = "code"
	ContentTypeTable    ContentType = "table"
)

// Section is one heading-delimited region of a normalized document.
// A document without headings is a single section with an empty
// heading and level 0.
type Section struct {
	Heading     string   `json:"heading"`
	Level       int      `json:"level"`
	HeadingPath []string `json:"headingPath"`
	Content     string   `json:"content"`
	StartChar   int      `json:"startChar"`
	EndChar     int      `json:"endChar"`
	StartLine   int      `json:"startLine"`
	EndLine     int      `json:"endLine"`
}

// Chunk is a bounded span of document text designated for embedding.
// Character and line offsets are absolute within the normalized
// document; Index is globally monotonic across the document.
type Chunk struct {
	Text        string      `json:"text"`
	Index       int         `json:"index"`
	StartChar   int         `json:"startChar"`
	EndChar     int         `json:"endChar"`
	StartLine   int         `json:"startLine"`
	EndLine     int         `json:"endLine"`
	HeadingPath []string    `json:"headingPath"`
	ContentType ContentType `json:"contentType"`
	Language    string      `json:"language,omitempty"`
}
