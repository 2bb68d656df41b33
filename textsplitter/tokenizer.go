package textsplitter

import (
	"strings"
	"sync"

	"github.com/pkoukk/tiktoken-go"

	"github.com/zoeflow/zoeflow/errs"
)

// EncodingCL100kBase is the BPE encoding used by the GPT-4 family and
// the text-embedding-3 models.
const EncodingCL100kBase = "cl100k_base"

// Tokenizer counts tokens in text.
type Tokenizer interface {
	Count(text string) int
}

// TikTokenizer counts tokens with a real BPE encoding table.
type TikTokenizer struct {
	encoding *tiktoken.Tiktoken
}

// NewTikTokenizer loads the named tiktoken encoding. The table is
// fetched over the network on first use, so construction can fail
// offline; callers should fall back to HeuristicTokenizer.
func NewTikTokenizer(encodingName string) (*TikTokenizer, error) {
	if encodingName == "" {
		encodingName = EncodingCL100kBase
	}
	enc, err := tiktoken.GetEncoding(encodingName)
	if err != nil {
		return nil, errs.Wrap(errs.KindInternal, "load tiktoken encoding "+encodingName, err)
	}
	return &TikTokenizer{encoding: enc}, nil
}

func (t *TikTokenizer) Count(text string) int {
	return len(t.encoding.Encode(text, nil, nil))
}

// HeuristicTokenizer approximates GPT-style token counts without a BPE
// table: about four characters per token, floored at the word count so
// runs of short words are not undercounted.
type HeuristicTokenizer struct{}

func (HeuristicTokenizer) Count(text string) int {
	if text == "" {
		return 0
	}
	tokens := (len(text) + 3) / 4
	if words := len(strings.Fields(text)); words > tokens {
		return words
	}
	return tokens
}

var (
	defaultTokenizerOnce sync.Once
	defaultTokenizer     Tokenizer
)

// DefaultTokenizer returns a process-wide cl100k_base tokenizer,
// degrading to the heuristic when the encoding table is unavailable.
func DefaultTokenizer() Tokenizer {
	defaultTokenizerOnce.Do(func() {
		if tok, err := NewTikTokenizer(EncodingCL100kBase); err == nil {
			defaultTokenizer = tok
		} else {
			defaultTokenizer = HeuristicTokenizer{}
		}
	})
	return defaultTokenizer
}
