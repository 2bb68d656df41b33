package enrich

import "encoding/json"

// Fields is the structured payload the model returns for one chunk.
type Fields struct {
	Summary         string   `json:"summary"`
	KeyPoints       []string `json:"key_points"`
	Keywords        []string `json:"keywords"`
	Entities        []string `json:"entities"`
	PossibleQueries []string `json:"possible_queries"`
}

// ParseFields extracts the first JSON object from a model response and
// decodes it. Models wrap answers in fences or prose often enough that
// plain unmarshalling is not an option.
func ParseFields(response string) (Fields, bool) {
	raw, ok := firstJSONObject(response)
	if !ok {
		return Fields{}, false
	}
	var fields Fields
	if err := json.Unmarshal([]byte(raw), &fields); err != nil {
		return Fields{}, false
	}
	return fields, true
}

// firstJSONObject returns the first balanced top-level object in s.
// String contents are tracked so braces inside values do not skew the
// depth count.
func firstJSONObject(s string) (string, bool) {
	depth := 0
	start := -1
	inString := false
	escaped := false
	for i := 0; i < len(s); i++ {
		c := s[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			if depth > 0 {
				inString = true
			}
		case '{':
			if depth == 0 {
				start = i
			}
			depth++
		case '}':
			if depth > 0 {
				depth--
				if depth == 0 {
					return s[start : i+1], true
				}
			}
		}
	}
	return "", false
}
