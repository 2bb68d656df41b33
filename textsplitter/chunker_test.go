package textsplitter

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zoeflow/zoeflow/schema"
)

// testSplitter uses the heuristic tokenizer so tests never touch the
// network for BPE tables.
func testSplitter(chunkTokens, overlapTokens int) *Splitter {
	return NewSplitter(chunkTokens, overlapTokens, HeuristicTokenizer{})
}

func TestSplitEmptyAndHeadingOnly(t *testing.T) {
	s := testSplitter(50, 10)
	assert.Empty(t, s.Split(""))
	assert.Empty(t, s.Split("   \n\t\n"))
	assert.Empty(t, s.Split("# Title"))
	assert.Empty(t, s.Split("# A\n\n## B\n"))
}

func TestSplitSmallDocumentSingleChunk(t *testing.T) {
	s := testSplitter(500, 50)
	doc := "# Guide\n\nA short body that fits in one chunk."
	chunks := s.Split(doc)
	require.Len(t, chunks, 1)

	c := chunks[0]
	assert.Equal(t, 0, c.Index)
	assert.Equal(t, "A short body that fits in one chunk.", c.Text)
	assert.Equal(t, []string{"Guide"}, c.HeadingPath)
	assert.Equal(t, schema.ContentTypeMarkdown, c.ContentType)
	assert.Equal(t, 3, c.StartLine)
	assert.Equal(t, 3, c.EndLine)
	assert.Equal(t, c.Text, doc[c.StartChar:c.EndChar])
}

func TestSplitProseMultipleChunks(t *testing.T) {
	s := testSplitter(50, 10)
	doc := strings.Repeat("alpha beta gamma delta epsilon zeta. ", 40)
	norm := Normalize(doc)
	chunks := s.Split(doc)
	require.Greater(t, len(chunks), 3)

	for i, c := range chunks {
		assert.Equal(t, i, c.Index)
		assert.Equal(t, c.Text, norm[c.StartChar:c.EndChar], "chunk %d offsets must slice back to its text", i)
		if i > 0 {
			assert.Greater(t, c.StartChar, chunks[i-1].StartChar, "chunk starts must advance")
		}
		if i < len(chunks)-1 {
			assert.LessOrEqual(t, s.Tokenizer.Count(c.Text), s.ChunkTokens+tokenTolerance)
		}
	}
}

func TestSplitOverlapReachesBack(t *testing.T) {
	s := testSplitter(50, 10)
	doc := strings.Repeat("alpha beta gamma delta epsilon zeta. ", 40)
	chunks := s.Split(doc)
	require.Greater(t, len(chunks), 1)
	assert.Less(t, chunks[1].StartChar, chunks[0].EndChar, "second chunk should overlap the first")
}

func TestSplitNoOverlapWhenDisabled(t *testing.T) {
	s := testSplitter(50, 0)
	doc := strings.Repeat("alpha beta gamma delta epsilon zeta. ", 40)
	chunks := s.Split(doc)
	require.Greater(t, len(chunks), 1)
	for i := 1; i < len(chunks); i++ {
		assert.GreaterOrEqual(t, chunks[i].StartChar, chunks[i-1].EndChar)
	}
}

func TestSplitKeepsFencedCodeIntact(t *testing.T) {
	s := testSplitter(20, 0)
	code := "```go\nfunc main() {\n\tfmt.Println(\"hello world of chunking\")\n\tfmt.Println(\"second line to pad the block out\")\n}\n```"
	doc := "Intro prose that runs long enough to stand on its own before code.\n\n" + code + "\n\nTrailing prose after the fence to close things out properly here."
	chunks := s.Split(doc)
	require.NotEmpty(t, chunks)

	var fenced *schema.Chunk
	for i := range chunks {
		if strings.Contains(chunks[i].Text, "```go") {
			fenced = &chunks[i]
			break
		}
	}
	require.NotNil(t, fenced, "some chunk must carry the fence opener")
	assert.Contains(t, fenced.Text, "second line to pad the block out")
	assert.Equal(t, 2, strings.Count(fenced.Text, "```"), "opener and closer stay together")
}

func TestSplitFenceOnlyDocumentIsCode(t *testing.T) {
	s := testSplitter(500, 50)
	chunks := s.Split("```python\nprint(1)\nprint(2)\n```")
	require.Len(t, chunks, 1)
	assert.Equal(t, schema.ContentTypeCode, chunks[0].ContentType)
	assert.Equal(t, "python", chunks[0].Language)
}

func TestSplitKeepsTableIntact(t *testing.T) {
	s := testSplitter(20, 0)
	table := "| name | role | region | tenure |\n|------|------|--------|--------|\n| ada | engineer | emea | nine years |\n| grace | admiral | amer | forty years |\n| linus | maintainer | emea | thirty years |"
	doc := "A preamble paragraph that is long enough to fill one whole chunk by itself here.\n\n" + table + "\nafter the table there is more prose to keep the closing text alive"
	chunks := s.Split(doc)

	var withTable *schema.Chunk
	for i := range chunks {
		if strings.Contains(chunks[i].Text, "| ada ") {
			withTable = &chunks[i]
			break
		}
	}
	require.NotNil(t, withTable)
	assert.Contains(t, withTable.Text, "| linus ", "table rows stay in one chunk")
	assert.NotContains(t, withTable.Text, "after the table")
}

func TestSplitTableOnlyDocumentType(t *testing.T) {
	s := testSplitter(500, 50)
	chunks := s.Split("| a | b |\n|---|---|\n| 1 | 2 |")
	require.Len(t, chunks, 1)
	assert.Equal(t, schema.ContentTypeTable, chunks[0].ContentType)
}

func TestSplitKeepsListRunTogether(t *testing.T) {
	s := testSplitter(20, 0)
	items := []string{
		"- item one with several words of filler text",
		"- item two with several words of filler text",
		"- item three with several words of filler text",
		"- item four with several words of filler text",
		"- item five with several words of filler text",
		"- item six with several words of filler text",
	}
	doc := "Opening paragraph long enough to be cut off before the list begins here.\n\n" + strings.Join(items, "\n")
	chunks := s.Split(doc)

	var withList *schema.Chunk
	for i := range chunks {
		if strings.Contains(chunks[i].Text, "item one") {
			withList = &chunks[i]
			break
		}
	}
	require.NotNil(t, withList)
	assert.Contains(t, withList.Text, "item six", "list run must not be split")
}

func TestSplitHeadingPathPerSection(t *testing.T) {
	s := testSplitter(500, 50)
	doc := "# Root\nroot body text\n## Child\nchild body text\n### Leaf\nleaf body text"
	chunks := s.Split(doc)
	require.Len(t, chunks, 3)
	assert.Equal(t, []string{"Root"}, chunks[0].HeadingPath)
	assert.Equal(t, []string{"Root", "Child"}, chunks[1].HeadingPath)
	assert.Equal(t, []string{"Root", "Child", "Leaf"}, chunks[2].HeadingPath)
}

func TestSplitLineNumbers(t *testing.T) {
	s := testSplitter(500, 50)
	doc := "intro line\n\n# Heading\nfirst body line\nsecond body line"
	chunks := s.Split(doc)
	require.Len(t, chunks, 2)

	assert.Equal(t, 1, chunks[0].StartLine)
	assert.Equal(t, 1, chunks[0].EndLine)
	assert.Equal(t, 4, chunks[1].StartLine)
	assert.Equal(t, 5, chunks[1].EndLine)
}

func TestSplitNormalizesBeforeCutting(t *testing.T) {
	s := testSplitter(500, 50)
	chunks := s.Split("# H\r\nbody with windows endings\r\n")
	require.Len(t, chunks, 1)
	assert.Equal(t, "body with windows endings", chunks[0].Text)
}

func TestNewSplitterDefaults(t *testing.T) {
	s := NewSplitter(0, -1, HeuristicTokenizer{})
	assert.Equal(t, DefaultChunkTokens, s.ChunkTokens)
	assert.Equal(t, DefaultOverlapTokens, s.OverlapTokens)
}

func TestHeuristicTokenizerCount(t *testing.T) {
	tok := HeuristicTokenizer{}
	assert.Equal(t, 0, tok.Count(""))
	assert.Equal(t, 1, tok.Count("hi"))
	// Four chars per token on longer text.
	assert.Equal(t, 10, tok.Count(strings.Repeat("abcd", 10)))
	// Word count wins for runs of tiny words.
	assert.Equal(t, 10, tok.Count("a a a a a a a a a a"))
}

func TestProtectedBlocksTableEndsAtNonPipeLine(t *testing.T) {
	content := "| a | b |\n| 1 | 2 |\nnot a table row\n| solo |"
	blocks := protectedBlocks(content)
	require.Len(t, blocks, 1)
	assert.Equal(t, 0, blocks[0].start)
	assert.Equal(t, len("| a | b |\n| 1 | 2 |"), blocks[0].end)
}

func TestProtectedBlocksUnclosedFenceRunsToEnd(t *testing.T) {
	content := "text\n```\ncode without closer"
	blocks := protectedBlocks(content)
	require.Len(t, blocks, 1)
	assert.Equal(t, len("text\n"), blocks[0].start)
	assert.Equal(t, len(content), blocks[0].end)
}

func TestIsListItem(t *testing.T) {
	assert.True(t, isListItem("- bullet"))
	assert.True(t, isListItem("  * indented"))
	assert.True(t, isListItem("1. numbered"))
	assert.True(t, isListItem("12) numbered"))
	assert.False(t, isListItem("-no space"))
	assert.False(t, isListItem("1234567890. too long"))
	assert.False(t, isListItem("plain"))
}
