// Package embedding provides the embedding provider interface, the
// OpenRouter implementation, and the vector math used by the stores.
package embedding

import (
	"context"

	"github.com/zoeflow/zoeflow/schema"
)

// Embedder turns batches of texts into vectors. Implementations must
// preserve input order: vectors[i] embeds texts[i].
type Embedder interface {
	// Embed returns one vector per input text plus the provider's token
	// accounting for the call.
	Embed(ctx context.Context, texts []string, model string) ([][]float32, schema.UsageRecord, error)
}
