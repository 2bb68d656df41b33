package enrich

import (
	"fmt"
	"strings"

	"github.com/zoeflow/zoeflow/schema"
)

// DefaultPromptVersion selects the system prompt when none is
// configured. Bumping the version invalidates cached enrichments.
const DefaultPromptVersion = "v2"

const (
	// outwardContextLines is how many document lines on each side of a
	// chunk feed the prompt.
	outwardContextLines = 2
	// maxOutwardContextChars clips the assembled context window.
	maxOutwardContextChars = 2000
)

var systemPrompts = map[string]string{
	"v1": `You index document chunks for semantic search. Given one chunk and its metadata, respond with a single JSON object with the fields "summary" (string), "key_points" (array of strings), "keywords" (array of strings), "entities" (array of strings) and "possible_queries" (array of strings). Respond with JSON only.`,
	"v2": `You are a retrieval indexing assistant. You receive one chunk of a larger document together with document metadata and a little surrounding context.

Respond with a single JSON object and nothing else:
{"summary": string, "key_points": [string], "keywords": [string], "entities": [string], "possible_queries": [string]}

summary: at most two sentences describing what the chunk states.
key_points: the chunk's standalone facts or steps.
keywords: search terms a reader would use to find this chunk.
entities: named people, products, APIs, files or identifiers in the chunk.
possible_queries: questions this chunk answers.

Ground every field strictly in the chunk text. Use the metadata and surrounding context only to resolve references, never as content. Return only the JSON object.`,
}

// SystemPrompt returns the prompt for a version, falling back to the
// default version for unknown names.
func SystemPrompt(version string) string {
	if prompt, ok := systemPrompts[version]; ok {
		return prompt
	}
	return systemPrompts[DefaultPromptVersion]
}

// Doc carries the document-level descriptors included in prompts and
// rendered embedded text.
type Doc struct {
	SourceURI   string
	DocID       string
	Version     string
	Author      string
	Description string
	Tags        []string
}

// userPrompt assembles the per-chunk request body.
func userPrompt(doc Doc, chunk schema.Chunk, outwardContext string) string {
	var b strings.Builder
	b.WriteString("Document:\n")
	fmt.Fprintf(&b, "- source: %s\n", doc.SourceURI)
	fmt.Fprintf(&b, "- docId: %s\n", doc.DocID)
	fmt.Fprintf(&b, "- version: %s\n", doc.Version)
	if doc.Author != "" {
		fmt.Fprintf(&b, "- author: %s\n", doc.Author)
	}
	if doc.Description != "" {
		fmt.Fprintf(&b, "- description: %s\n", doc.Description)
	}
	if len(doc.Tags) > 0 {
		fmt.Fprintf(&b, "- tags: %s\n", strings.Join(doc.Tags, ", "))
	}

	b.WriteString("\nChunk")
	var attrs []string
	if len(chunk.HeadingPath) > 0 {
		attrs = append(attrs, "section: "+strings.Join(chunk.HeadingPath, " > "))
	}
	attrs = append(attrs, "type: "+string(chunk.ContentType))
	if chunk.Language != "" {
		attrs = append(attrs, "language: "+chunk.Language)
	}
	fmt.Fprintf(&b, " (%s):\n<<<\n%s\n>>>\n", strings.Join(attrs, "; "), chunk.Text)

	if outwardContext != "" {
		fmt.Fprintf(&b, "\nSurrounding context:\n<<<\n%s\n>>>\n", outwardContext)
	}
	return b.String()
}

// OutwardContext returns up to outwardContextLines document lines on
// each side of the chunk, joined with an ellipsis line, clipped to
// maxOutwardContextChars. content must be the normalized document the
// chunk's line numbers refer to.
func OutwardContext(content string, chunk schema.Chunk) string {
	if content == "" || chunk.StartLine < 1 {
		return ""
	}
	lines := strings.Split(content, "\n")

	beforeEnd := chunk.StartLine - 1 // 0-based index of the chunk's first line
	if beforeEnd > len(lines) {
		beforeEnd = len(lines)
	}
	beforeStart := beforeEnd - outwardContextLines
	if beforeStart < 0 {
		beforeStart = 0
	}
	afterStart := chunk.EndLine // 0-based index just past the chunk's last line
	afterEnd := afterStart + outwardContextLines
	if afterStart > len(lines) {
		afterStart = len(lines)
	}
	if afterEnd > len(lines) {
		afterEnd = len(lines)
	}

	before := strings.TrimSpace(strings.Join(lines[beforeStart:beforeEnd], "\n"))
	after := strings.TrimSpace(strings.Join(lines[afterStart:afterEnd], "\n"))

	var parts []string
	if before != "" {
		parts = append(parts, before)
	}
	if after != "" {
		parts = append(parts, after)
	}
	return clampRunes(strings.Join(parts, "\n...\n"), maxOutwardContextChars)
}

// clampRunes truncates s to at most limit runes.
func clampRunes(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	runes := []rune(s)
	if len(runes) <= limit {
		return s
	}
	return string(runes[:limit])
}
