// Package textsplitter turns markdown documents into token-bounded chunks
// that preserve section structure, code fences and tables.
package textsplitter

import "strings"

// Normalize canonicalizes line endings to LF and strips trailing
// whitespace from every line. The line count is preserved, so line
// numbers computed against the normalized text map directly onto the
// original document.
func Normalize(text string) string {
	text = strings.ReplaceAll(text, "\r\n", "\n")
	text = strings.ReplaceAll(text, "\r", "\n")

	lines := strings.Split(text, "\n")
	for i, line := range lines {
		lines[i] = strings.TrimRight(line, " \t")
	}
	return strings.Join(lines, "\n")
}
