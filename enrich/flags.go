// Package enrich augments chunks with LLM-generated summaries, key
// points and related retrieval scaffolding before embedding.
package enrich

import "strings"

// Embedded-text field names, in canonical render order.
const (
	FieldSource          = "source"
	FieldHeadingPath     = "heading_path"
	FieldAuthor          = "author"
	FieldDescription     = "description"
	FieldTags            = "tags"
	FieldContentType     = "content_type"
	FieldSummary         = "summary"
	FieldKeyPoints       = "key_points"
	FieldKeywords        = "keywords"
	FieldEntities        = "entities"
	FieldPossibleQueries = "possible_queries"
)

// canonicalFields fixes render order and the cache-key encoding of a
// content set.
var canonicalFields = []string{
	FieldSource,
	FieldHeadingPath,
	FieldAuthor,
	FieldDescription,
	FieldTags,
	FieldContentType,
	FieldSummary,
	FieldKeyPoints,
	FieldKeywords,
	FieldEntities,
	FieldPossibleQueries,
}

// ContentSet selects which fields are rendered into embedded text.
type ContentSet map[string]bool

// DefaultContentSet enables every field.
func DefaultContentSet() ContentSet {
	set := make(ContentSet, len(canonicalFields))
	for _, name := range canonicalFields {
		set[name] = true
	}
	return set
}

// ParseContentSet reads a comma-separated field list. Unknown names are
// dropped; an empty or all-unknown input yields the default set.
func ParseContentSet(s string) ContentSet {
	set := make(ContentSet)
	for _, part := range strings.Split(s, ",") {
		name := strings.ToLower(strings.TrimSpace(part))
		for _, known := range canonicalFields {
			if name == known {
				set[name] = true
				break
			}
		}
	}
	if len(set) == 0 {
		return DefaultContentSet()
	}
	return set
}

func (cs ContentSet) Has(name string) bool {
	return cs[name]
}

// String renders the set in canonical order; it keys the enrichment
// cache and is persisted in chunk metadata.
func (cs ContentSet) String() string {
	names := make([]string, 0, len(cs))
	for _, name := range canonicalFields {
		if cs[name] {
			names = append(names, name)
		}
	}
	return strings.Join(names, ",")
}
