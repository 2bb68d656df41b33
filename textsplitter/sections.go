package textsplitter

import (
	"strings"

	"github.com/zoeflow/zoeflow/schema"
)

// fenceTracker follows fenced code block state across lines so that
// hash lines inside fences are not mistaken for headings.
type fenceTracker struct {
	inFence   bool
	fenceChar byte
	fenceLen  int
}

// fenceRun reports the fence character and run length when a trimmed
// line opens or closes a fence, or (0, 0) otherwise.
func fenceRun(trimmed string) (byte, int) {
	if trimmed == "" {
		return 0, 0
	}
	c := trimmed[0]
	if c != '`' && c != '~' {
		return 0, 0
	}
	n := 0
	for n < len(trimmed) && trimmed[n] == c {
		n++
	}
	if n < 3 {
		return 0, 0
	}
	return c, n
}

func (f *fenceTracker) observe(line string) {
	trimmed := strings.TrimLeft(line, " \t")
	c, n := fenceRun(trimmed)
	if n == 0 {
		return
	}
	if !f.inFence {
		f.inFence = true
		f.fenceChar = c
		f.fenceLen = n
		return
	}
	// A closing fence repeats the opening character at least as many
	// times and carries nothing else on the line.
	if c == f.fenceChar && n >= f.fenceLen && strings.TrimSpace(trimmed[n:]) == "" {
		f.inFence = false
	}
}

// headingLevel parses an ATX heading line and returns its level and
// text, or (0, "") when the line is not a heading. Up to three leading
// spaces are tolerated and a trailing closing hash run is stripped.
func headingLevel(line string) (int, string) {
	trimmed := strings.TrimLeft(line, " ")
	if len(line)-len(trimmed) > 3 {
		return 0, ""
	}
	level := 0
	for level < len(trimmed) && trimmed[level] == '#' {
		level++
	}
	if level == 0 || level > 6 {
		return 0, ""
	}
	rest := trimmed[level:]
	if rest != "" && rest[0] != ' ' && rest[0] != '\t' {
		return 0, ""
	}
	heading := strings.TrimSpace(rest)
	if stripped := strings.TrimRight(heading, "#"); stripped != heading && strings.HasSuffix(stripped, " ") {
		heading = strings.TrimRight(stripped, " ")
	}
	return level, heading
}

type headingMark struct {
	line  int
	level int
	text  string
}

// ParseSections splits a normalized document into heading-delimited
// sections. Section content excludes the heading line itself; char and
// line offsets are absolute within the document, lines are 1-based. A
// document without headings becomes a single level-0 section.
func ParseSections(text string) []schema.Section {
	if strings.TrimSpace(text) == "" {
		return nil
	}

	lines := strings.Split(text, "\n")
	lineStarts := make([]int, len(lines))
	off := 0
	for i, line := range lines {
		lineStarts[i] = off
		off += len(line) + 1
	}

	var marks []headingMark
	var fence fenceTracker
	for i, line := range lines {
		if !fence.inFence {
			if level, heading := headingLevel(line); level > 0 {
				marks = append(marks, headingMark{line: i, level: level, text: heading})
				continue
			}
		}
		fence.observe(line)
	}

	if len(marks) == 0 {
		return []schema.Section{{
			Heading:     "",
			Level:       0,
			HeadingPath: []string{},
			Content:     text,
			StartChar:   0,
			EndChar:     len(text),
			StartLine:   1,
			EndLine:     len(lines),
		}}
	}

	var sections []schema.Section

	// Text before the first heading forms an untitled prologue section
	// when it carries any content.
	if first := marks[0].line; first > 0 {
		prologue := strings.Join(lines[:first], "\n")
		if strings.TrimSpace(prologue) != "" {
			end := first - 1
			sections = append(sections, schema.Section{
				Heading:     "",
				Level:       0,
				HeadingPath: []string{},
				Content:     prologue,
				StartChar:   0,
				EndChar:     lineStarts[end] + len(lines[end]),
				StartLine:   1,
				EndLine:     end + 1,
			})
		}
	}

	path := make([]string, 0, 6)
	for k, mark := range marks {
		keep := mark.level - 1
		if keep > len(path) {
			keep = len(path)
		}
		path = append(path[:keep], mark.text)

		start := mark.line + 1
		end := len(lines) - 1
		if k+1 < len(marks) {
			end = marks[k+1].line - 1
		}

		section := schema.Section{
			Heading:     mark.text,
			Level:       mark.level,
			HeadingPath: append([]string(nil), path...),
		}
		if start > end {
			at := lineStarts[mark.line] + len(lines[mark.line])
			section.StartChar = at
			section.EndChar = at
			section.StartLine = mark.line + 1
			section.EndLine = mark.line + 1
		} else {
			section.Content = strings.Join(lines[start:end+1], "\n")
			section.StartChar = lineStarts[start]
			section.EndChar = lineStarts[end] + len(lines[end])
			section.StartLine = start + 1
			section.EndLine = end + 1
		}
		sections = append(sections, section)
	}
	return sections
}
