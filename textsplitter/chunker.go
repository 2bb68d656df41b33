package textsplitter

import (
	"sort"
	"strings"
	"unicode/utf8"

	"github.com/zoeflow/zoeflow/schema"
)

const (
	// DefaultChunkTokens is the target token count per chunk.
	DefaultChunkTokens = 500
	// DefaultOverlapTokens is the desired overlap between neighbors.
	DefaultOverlapTokens = 50

	// tokenTolerance is the accepted deviation from the target when
	// binary-searching a cut offset.
	tokenTolerance = 20
	// maxCutIterations bounds the binary search per cut.
	maxCutIterations = 5
	// minChunkRatio is the smallest emitted chunk relative to the target;
	// shorter tails are absorbed into the previous chunk.
	minChunkRatio = 0.3
	// overlapRatioCap bounds the overlap relative to the produced chunk.
	overlapRatioCap = 0.3
	// minParagraphChars gates the paragraph breakpoint preference.
	minParagraphChars = 200
	// charsPerToken seeds offset guesses before exact counting.
	charsPerToken = 4
)

// Splitter cuts section content into token-bounded chunks while keeping
// fenced code blocks, pipe tables and list runs intact.
type Splitter struct {
	// ChunkTokens is the target tokens per chunk. Defaults to
	// DefaultChunkTokens.
	ChunkTokens int
	// OverlapTokens is the desired token overlap between neighboring
	// chunks. Zero disables overlap.
	OverlapTokens int
	// Tokenizer counts tokens. Defaults to DefaultTokenizer.
	Tokenizer Tokenizer
}

// NewSplitter creates a Splitter. Pass 0 for chunkTokens, a negative
// overlap, or a nil tokenizer to use the defaults.
func NewSplitter(chunkTokens, overlapTokens int, tokenizer Tokenizer) *Splitter {
	if chunkTokens <= 0 {
		chunkTokens = DefaultChunkTokens
	}
	if overlapTokens < 0 {
		overlapTokens = DefaultOverlapTokens
	}
	if tokenizer == nil {
		tokenizer = DefaultTokenizer()
	}
	return &Splitter{
		ChunkTokens:   chunkTokens,
		OverlapTokens: overlapTokens,
		Tokenizer:     tokenizer,
	}
}

// Split normalizes a document, parses its sections and cuts each into
// chunks. Chunk indexes are monotonic across the whole document and
// char/line offsets are absolute within the normalized text.
func (s *Splitter) Split(text string) []schema.Chunk {
	var chunks []schema.Chunk
	for _, section := range ParseSections(Normalize(text)) {
		chunks = append(chunks, s.SplitSection(section)...)
	}
	for i := range chunks {
		chunks[i].Index = i
	}
	return chunks
}

// SplitSection cuts one section into chunks. Sections with only
// whitespace content produce no chunks.
func (s *Splitter) SplitSection(section schema.Section) []schema.Chunk {
	content := section.Content
	if strings.TrimSpace(content) == "" {
		return nil
	}
	blocks := protectedBlocks(content)
	minTokens := int(float64(s.ChunkTokens) * minChunkRatio)

	var chunks []schema.Chunk
	pos := 0
	for pos < len(content) {
		for pos < len(content) && isSpaceByte(content[pos]) {
			pos++
		}
		if pos >= len(content) {
			break
		}
		if s.Tokenizer.Count(content[pos:]) <= s.ChunkTokens+tokenTolerance {
			chunks = append(chunks, s.emit(section, content, pos, len(content)))
			break
		}

		cut := s.findCut(content, pos)
		cut = preferBreakpoint(content, pos, cut)
		cut = respectBlocks(s.Tokenizer, blocks, content, pos, cut, minTokens)
		if cut < len(content) && s.Tokenizer.Count(strings.TrimSpace(content[cut:])) < minTokens {
			cut = len(content)
		}
		if cut <= pos {
			cut = len(content)
		}

		chunks = append(chunks, s.emit(section, content, pos, cut))
		if cut >= len(content) {
			break
		}
		pos = s.nextStart(content, blocks, pos, cut)
	}
	return chunks
}

// findCut binary-searches a byte offset whose token count lands within
// tokenTolerance of the target, starting from a chars-per-token guess.
func (s *Splitter) findCut(content string, pos int) int {
	lo := nextRune(content, pos)
	hi := len(content)
	cut := pos + s.ChunkTokens*charsPerToken
	for iter := 0; iter < maxCutIterations; iter++ {
		cut = alignRune(content, cut)
		if cut < lo {
			cut = lo
		}
		if cut > hi {
			cut = hi
		}
		got := s.Tokenizer.Count(content[pos:cut])
		switch {
		case got > s.ChunkTokens+tokenTolerance:
			hi = cut
		case got < s.ChunkTokens-tokenTolerance:
			lo = cut
		default:
			return cut
		}
		cut = (lo + hi) / 2
	}
	return alignRune(content, cut)
}

// preferBreakpoint moves a cut backward to the strongest natural
// boundary in the window between 30% of the chunk and the cut:
// paragraph break, sentence end, line end, then word boundary.
func preferBreakpoint(content string, pos, cut int) int {
	if cut >= len(content) || cut <= pos {
		return cut
	}
	floor := alignRune(content, pos+int(float64(cut-pos)*minChunkRatio))
	if floor >= cut {
		return cut
	}
	window := content[floor:cut]
	if idx := strings.LastIndex(window, "\n\n"); idx >= 0 && floor+idx-pos >= minParagraphChars {
		return floor + idx
	}
	if idx := strings.LastIndex(window, ". "); idx >= 0 {
		return floor + idx + 1
	}
	if idx := strings.LastIndex(window, "\n"); idx >= 0 {
		return floor + idx
	}
	if idx := strings.LastIndex(window, " "); idx >= 0 {
		return floor + idx
	}
	return cut
}

// respectBlocks keeps a cut out of the middle of a protected block:
// break before the block when enough text precedes it, otherwise
// extend the chunk to the block end.
func respectBlocks(tok Tokenizer, blocks []protectedBlock, content string, pos, cut, minTokens int) int {
	for _, b := range blocks {
		if cut <= b.start || cut >= b.end {
			continue
		}
		if b.start > pos && tok.Count(content[pos:b.start]) >= minTokens {
			return b.start
		}
		return b.end
	}
	return cut
}

// nextStart computes where the next chunk begins, stepping back from
// the cut by the overlap budget. The overlap never exceeds 30% of the
// produced chunk, never opens mid-word and never reaches back into a
// protected block.
func (s *Splitter) nextStart(content string, blocks []protectedBlock, pos, cut int) int {
	if s.OverlapTokens <= 0 || cut >= len(content) {
		return cut
	}
	overlap := s.OverlapTokens * charsPerToken
	if limit := int(float64(cut-pos) * overlapRatioCap); overlap > limit {
		overlap = limit
	}
	back := cut - overlap
	if back <= pos {
		return cut
	}
	for _, b := range blocks {
		if back > b.start && back < b.end {
			back = b.end
			break
		}
	}
	if back >= cut {
		return cut
	}
	back = alignRune(content, back)
	if back > 0 && !isSpaceByte(content[back-1]) {
		idx := strings.IndexAny(content[back:cut], " \t\n")
		if idx < 0 {
			return cut
		}
		back += idx + 1
	}
	if back <= pos || back >= cut {
		return cut
	}
	return back
}

// emit trims the span to its non-whitespace extent and materializes the
// chunk with absolute offsets and 1-based line numbers.
func (s *Splitter) emit(section schema.Section, content string, start, end int) schema.Chunk {
	for start < end && isSpaceByte(content[start]) {
		start++
	}
	for end > start && isSpaceByte(content[end-1]) {
		end--
	}
	text := content[start:end]
	contentType, language := detectContentType(text)
	return schema.Chunk{
		Text:        text,
		StartChar:   section.StartChar + start,
		EndChar:     section.StartChar + end,
		StartLine:   section.StartLine + strings.Count(content[:start], "\n"),
		EndLine:     section.StartLine + strings.Count(content[:end], "\n"),
		HeadingPath: append([]string(nil), section.HeadingPath...),
		ContentType: contentType,
		Language:    language,
	}
}

// protectedBlock is a byte span of section content that must not be
// split: a fenced code block, a pipe table or a run of list items.
type protectedBlock struct {
	start int
	end   int
}

// protectedBlocks locates fenced code blocks, pipe tables and list
// runs. Tables end at the first line that does not start with a pipe;
// a lone pipe line or list item is not protected.
func protectedBlocks(content string) []protectedBlock {
	lines := strings.Split(content, "\n")
	starts := make([]int, len(lines))
	off := 0
	for i, line := range lines {
		starts[i] = off
		off += len(line) + 1
	}
	lineEnd := func(i int) int { return starts[i] + len(lines[i]) }

	var blocks []protectedBlock

	i := 0
	for i < len(lines) {
		trimmed := strings.TrimLeft(lines[i], " \t")
		c, n := fenceRun(trimmed)
		if n == 0 {
			i++
			continue
		}
		endLine := len(lines) - 1
		for j := i + 1; j < len(lines); j++ {
			t := strings.TrimLeft(lines[j], " \t")
			if c2, n2 := fenceRun(t); n2 >= n && c2 == c && strings.TrimSpace(t[n2:]) == "" {
				endLine = j
				break
			}
		}
		blocks = append(blocks, protectedBlock{start: starts[i], end: lineEnd(endLine)})
		i = endLine + 1
	}

	covered := func(lineStart int) bool {
		for _, b := range blocks {
			if lineStart >= b.start && lineStart < b.end {
				return true
			}
		}
		return false
	}

	i = 0
	for i < len(lines) {
		if covered(starts[i]) || !strings.HasPrefix(strings.TrimLeft(lines[i], " \t"), "|") {
			i++
			continue
		}
		j := i
		for j+1 < len(lines) && !covered(starts[j+1]) &&
			strings.HasPrefix(strings.TrimLeft(lines[j+1], " \t"), "|") {
			j++
		}
		if j > i {
			blocks = append(blocks, protectedBlock{start: starts[i], end: lineEnd(j)})
		}
		i = j + 1
	}

	i = 0
	for i < len(lines) {
		if covered(starts[i]) || !isListItem(lines[i]) {
			i++
			continue
		}
		j := i
		items := 1
		for j+1 < len(lines) && !covered(starts[j+1]) {
			next := lines[j+1]
			if isListItem(next) {
				items++
				j++
				continue
			}
			if strings.TrimSpace(next) != "" && (strings.HasPrefix(next, "  ") || strings.HasPrefix(next, "\t")) {
				j++
				continue
			}
			break
		}
		if items >= 2 {
			blocks = append(blocks, protectedBlock{start: starts[i], end: lineEnd(j)})
		}
		i = j + 1
	}

	sort.Slice(blocks, func(a, b int) bool { return blocks[a].start < blocks[b].start })
	return blocks
}

// isListItem reports whether a line opens a bulleted or numbered list
// item.
func isListItem(line string) bool {
	t := strings.TrimLeft(line, " \t")
	if strings.HasPrefix(t, "- ") || strings.HasPrefix(t, "* ") || strings.HasPrefix(t, "+ ") {
		return true
	}
	k := 0
	for k < len(t) && t[k] >= '0' && t[k] <= '9' {
		k++
	}
	return k > 0 && k <= 9 && k+1 < len(t) && (t[k] == '.' || t[k] == ')') && t[k+1] == ' '
}

// detectContentType classifies chunk text: a leading fence marks code
// (with the fence's info string as language), half or more piped lines
// mark a table, everything else is markdown.
func detectContentType(text string) (schema.ContentType, string) {
	trimmed := strings.TrimLeft(text, " \t\n")
	firstLine := trimmed
	if idx := strings.IndexByte(trimmed, '\n'); idx >= 0 {
		firstLine = trimmed[:idx]
	}
	if _, n := fenceRun(firstLine); n > 0 {
		if fields := strings.Fields(firstLine[n:]); len(fields) > 0 {
			return schema.ContentTypeCode, fields[0]
		}
		return schema.ContentTypeCode, ""
	}
	total, piped := 0, 0
	for _, line := range strings.Split(text, "\n") {
		t := strings.TrimSpace(line)
		if t == "" {
			continue
		}
		total++
		if strings.HasPrefix(t, "|") {
			piped++
		}
	}
	if total > 0 && piped*2 >= total {
		return schema.ContentTypeTable, ""
	}
	return schema.ContentTypeMarkdown, ""
}

func isSpaceByte(b byte) bool {
	return b == ' ' || b == '\t' || b == '\n' || b == '\r'
}

// alignRune moves an offset left onto a rune boundary.
func alignRune(s string, i int) int {
	for i > 0 && i < len(s) && !utf8.RuneStart(s[i]) {
		i--
	}
	return i
}

// nextRune moves an offset right past the rune starting at or covering
// i.
func nextRune(s string, i int) int {
	i++
	for i < len(s) && !utf8.RuneStart(s[i]) {
		i++
	}
	return i
}
