package embedding

import (
	"log/slog"
	"os"

	"context"

	openai "github.com/sashabaranov/go-openai"

	"github.com/zoeflow/zoeflow/errs"
	"github.com/zoeflow/zoeflow/schema"
)

const (
	// OpenRouterAPIURL is the default OpenRouter endpoint. Any
	// OpenAI-compatible endpoint works.
	OpenRouterAPIURL = "https://openrouter.ai/api/v1"
	// DefaultEmbeddingModel is used when no model is configured.
	DefaultEmbeddingModel = "openai/text-embedding-3-small"
)

// OpenRouterEmbedder implements Embedder against an OpenAI-compatible
// embeddings endpoint.
type OpenRouterEmbedder struct {
	client       *openai.Client
	defaultModel string
	logger       *slog.Logger
}

// NewOpenRouterEmbedder creates an embedder. Empty arguments fall back
// to OPENROUTER_BASE_URL, OPENROUTER_EMBEDDING_MODEL, and
// OPENROUTER_API_KEY.
func NewOpenRouterEmbedder(baseURL, model, apiKey string) *OpenRouterEmbedder {
	if apiKey == "" {
		apiKey = os.Getenv("OPENROUTER_API_KEY")
	}
	if baseURL == "" {
		baseURL = os.Getenv("OPENROUTER_BASE_URL")
		if baseURL == "" {
			baseURL = OpenRouterAPIURL
		}
	}
	if model == "" {
		model = os.Getenv("OPENROUTER_EMBEDDING_MODEL")
		if model == "" {
			model = DefaultEmbeddingModel
		}
	}

	config := openai.DefaultConfig(apiKey)
	config.BaseURL = baseURL
	client := openai.NewClientWithConfig(config)

	return &OpenRouterEmbedder{
		client:       client,
		defaultModel: model,
		logger:       slog.New(slog.NewJSONHandler(os.Stdout, nil)),
	}
}

// NewOpenRouterEmbedderWithClient creates an embedder around an
// existing client, used by tests.
func NewOpenRouterEmbedderWithClient(client *openai.Client, model string) *OpenRouterEmbedder {
	if model == "" {
		model = DefaultEmbeddingModel
	}
	return &OpenRouterEmbedder{
		client:       client,
		defaultModel: model,
		logger:       slog.New(slog.NewJSONHandler(os.Stdout, nil)),
	}
}

// DefaultModel returns the model used when callers pass an empty model.
func (e *OpenRouterEmbedder) DefaultModel() string {
	return e.defaultModel
}

// Embed implements Embedder.
func (e *OpenRouterEmbedder) Embed(ctx context.Context, texts []string, model string) ([][]float32, schema.UsageRecord, error) {
	if len(texts) == 0 {
		return nil, schema.UsageRecord{}, nil
	}
	if model == "" {
		model = e.defaultModel
	}

	resp, err := e.client.CreateEmbeddings(ctx, openai.EmbeddingRequest{
		Input: texts,
		Model: openai.EmbeddingModel(model),
	})
	if err != nil {
		e.logger.Error("Embed failed", "model", model, "count", len(texts), "error", err)
		if ctx.Err() != nil {
			return nil, schema.UsageRecord{}, errs.Wrap(errs.KindCancelled, "embedding cancelled", ctx.Err())
		}
		return nil, schema.UsageRecord{}, errs.Wrap(errs.KindProvider, "embedding request failed", err)
	}
	if len(resp.Data) != len(texts) {
		return nil, schema.UsageRecord{}, errs.Errorf(errs.KindProvider,
			"embedding count mismatch: sent %d texts, got %d vectors", len(texts), len(resp.Data))
	}

	vectors := make([][]float32, len(resp.Data))
	for i, d := range resp.Data {
		vectors[i] = d.Embedding
	}

	usage := schema.UsageRecord{
		Model:        model,
		PromptTokens: resp.Usage.PromptTokens,
		TotalTokens:  resp.Usage.TotalTokens,
		Kind:         schema.UsageKindEmbedding,
		At:           schema.NowMillis(),
	}
	return vectors, usage, nil
}

var _ Embedder = (*OpenRouterEmbedder)(nil)
