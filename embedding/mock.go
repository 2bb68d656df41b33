package embedding

import (
	"context"
	"crypto/sha256"

	"github.com/zoeflow/zoeflow/schema"
)

// MockEmbedder is a deterministic Embedder for tests. When Vec is set
// every text embeds to it; otherwise each text hashes to a stable
// vector of Dim components so unequal texts get unequal embeddings.
type MockEmbedder struct {
	Vec   []float32
	Dim   int
	Err   error
	Calls int
	Texts []string
}

// Embed implements Embedder.
func (m *MockEmbedder) Embed(ctx context.Context, texts []string, model string) ([][]float32, schema.UsageRecord, error) {
	m.Calls++
	m.Texts = append(m.Texts, texts...)
	if m.Err != nil {
		return nil, schema.UsageRecord{}, m.Err
	}
	if err := ctx.Err(); err != nil {
		return nil, schema.UsageRecord{}, err
	}

	out := make([][]float32, len(texts))
	for i, text := range texts {
		if m.Vec != nil {
			out[i] = m.Vec
			continue
		}
		out[i] = hashVector(text, m.dim())
	}
	usage := schema.UsageRecord{
		Model:       model,
		TotalTokens: len(texts),
		Kind:        schema.UsageKindEmbedding,
		At:          schema.NowMillis(),
	}
	return out, usage, nil
}

func (m *MockEmbedder) dim() int {
	if m.Dim > 0 {
		return m.Dim
	}
	return 8
}

func hashVector(text string, dim int) []float32 {
	sum := sha256.Sum256([]byte(text))
	v := make([]float32, dim)
	for i := 0; i < dim; i++ {
		v[i] = float32(sum[i%len(sum)])/255.0 - 0.5
	}
	return v
}

var _ Embedder = (*MockEmbedder)(nil)
