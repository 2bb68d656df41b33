package bedrock

import (
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"

	"github.com/zoeflow/zoeflow/embedding"
	"github.com/zoeflow/zoeflow/errs"
	"github.com/zoeflow/zoeflow/schema"
)

// Embedding model identifiers.
const (
	TitanEmbedTextV1          = "amazon.titan-embed-text-v1"
	TitanEmbedTextV2          = "amazon.titan-embed-text-v2:0"
	CohereEmbedEnglishV3      = "cohere.embed-english-v3"
	CohereEmbedMultilingualV3 = "cohere.embed-multilingual-v3"
)

// DefaultEmbeddingModel is used when no model is configured.
const DefaultEmbeddingModel = TitanEmbedTextV2

// cohereMaxChars is the per-text input limit of the Cohere embedding
// models on Bedrock.
const cohereMaxChars = 2048

// Embedder generates vectors with Titan or Cohere embedding models
// over InvokeModel. Titan embeds one text per call, Cohere embeds a
// batch per call.
type Embedder struct {
	client     *bedrockruntime.Client
	model      string
	region     string
	dimensions int
	normalize  bool
	logger     *slog.Logger
}

// EmbedderOption configures an Embedder.
type EmbedderOption func(*Embedder)

// WithEmbeddingModel sets the default embedding model.
func WithEmbeddingModel(model string) EmbedderOption {
	return func(e *Embedder) { e.model = model }
}

// WithEmbeddingRegion sets the AWS region.
func WithEmbeddingRegion(region string) EmbedderOption {
	return func(e *Embedder) { e.region = region }
}

// WithEmbeddingDimensions sets the output width. Titan V2 accepts 256,
// 512, or 1024.
func WithEmbeddingDimensions(dimensions int) EmbedderOption {
	return func(e *Embedder) { e.dimensions = dimensions }
}

// WithEmbeddingNormalize toggles vector normalization (Titan V2 only).
func WithEmbeddingNormalize(normalize bool) EmbedderOption {
	return func(e *Embedder) { e.normalize = normalize }
}

// WithEmbeddingLogger sets the logger.
func WithEmbeddingLogger(logger *slog.Logger) EmbedderOption {
	return func(e *Embedder) { e.logger = logger }
}

// WithEmbeddingCredentials uses static AWS credentials instead of the
// default provider chain.
func WithEmbeddingCredentials(accessKeyID, secretAccessKey, sessionToken string) EmbedderOption {
	return func(e *Embedder) {
		cfg, err := config.LoadDefaultConfig(context.Background(),
			config.WithRegion(e.region),
			config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
				accessKeyID,
				secretAccessKey,
				sessionToken,
			)),
		)
		if err == nil {
			e.client = bedrockruntime.NewFromConfig(cfg)
		}
	}
}

// WithEmbeddingClient injects a prebuilt Bedrock runtime client.
func WithEmbeddingClient(client *bedrockruntime.Client) EmbedderOption {
	return func(e *Embedder) { e.client = client }
}

// NewEmbedder builds an Embedder with the same region resolution as
// New.
func NewEmbedder(opts ...EmbedderOption) *Embedder {
	region := os.Getenv("AWS_REGION")
	if region == "" {
		region = os.Getenv("AWS_DEFAULT_REGION")
	}
	if region == "" {
		region = DefaultRegion
	}

	e := &Embedder{
		model:      DefaultEmbeddingModel,
		region:     region,
		dimensions: 1024,
		normalize:  true,
		logger:     slog.New(slog.NewJSONHandler(os.Stdout, nil)),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.client == nil {
		cfg, err := config.LoadDefaultConfig(context.Background(),
			config.WithRegion(e.region),
		)
		if err == nil {
			e.client = bedrockruntime.NewFromConfig(cfg)
		}
	}
	return e
}

// Embed returns one vector per input text. A non-empty model argument
// overrides the configured default for this call.
func (e *Embedder) Embed(ctx context.Context, texts []string, model string) ([][]float32, schema.UsageRecord, error) {
	if model == "" {
		model = e.model
	}
	rec := schema.UsageRecord{
		Model: model,
		Kind:  schema.UsageKindEmbedding,
		At:    schema.NowMillis(),
	}
	if len(texts) == 0 {
		return nil, rec, nil
	}

	var vectors [][]float32
	var err error
	switch provider := modelProvider(model); provider {
	case "amazon":
		vectors, err = e.embedTitan(ctx, texts, model, &rec)
	case "cohere":
		vectors, err = e.embedCohere(ctx, texts, model)
	default:
		return nil, rec, errs.Errorf(errs.KindValidation, "unsupported embedding provider %q", provider)
	}
	if err != nil {
		return nil, rec, err
	}
	rec.TotalTokens = rec.PromptTokens
	return vectors, rec, nil
}

// embedTitan invokes the model once per text. Titan responses carry an
// input token count, which accumulates into the usage record.
func (e *Embedder) embedTitan(ctx context.Context, texts []string, model string, rec *schema.UsageRecord) ([][]float32, error) {
	vectors := make([][]float32, 0, len(texts))
	for _, text := range texts {
		body := map[string]any{"inputText": text}
		if model == TitanEmbedTextV2 {
			body["dimensions"] = e.dimensions
			body["normalize"] = e.normalize
		}
		raw, err := e.invoke(ctx, model, body)
		if err != nil {
			return nil, err
		}
		var resp struct {
			Embedding           []float32 `json:"embedding"`
			InputTextTokenCount int       `json:"inputTextTokenCount"`
		}
		if err := json.Unmarshal(raw, &resp); err != nil {
			return nil, errs.Wrap(errs.KindProvider, "parse titan embedding response", err)
		}
		rec.PromptTokens += resp.InputTextTokenCount
		vectors = append(vectors, resp.Embedding)
	}
	return vectors, nil
}

// embedCohere invokes the model once for the whole batch. Inputs are
// truncated to the model's character limit.
func (e *Embedder) embedCohere(ctx context.Context, texts []string, model string) ([][]float32, error) {
	truncated := make([]string, len(texts))
	for i, text := range texts {
		if len(text) > cohereMaxChars {
			text = text[:cohereMaxChars]
		}
		truncated[i] = text
	}
	raw, err := e.invoke(ctx, model, map[string]any{
		"texts":      truncated,
		"input_type": "search_document",
	})
	if err != nil {
		return nil, err
	}
	vectors, err := parseCohereEmbeddings(raw)
	if err != nil {
		return nil, err
	}
	if len(vectors) != len(texts) {
		return nil, errs.Errorf(errs.KindProvider, "cohere returned %d embeddings for %d texts", len(vectors), len(texts))
	}
	return vectors, nil
}

func (e *Embedder) invoke(ctx context.Context, model string, body map[string]any) ([]byte, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, errs.Wrap(errs.KindInternal, "marshal embedding request", err)
	}
	out, err := e.client.InvokeModel(ctx, &bedrockruntime.InvokeModelInput{
		ModelId:     aws.String(model),
		Body:        payload,
		Accept:      aws.String("application/json"),
		ContentType: aws.String("application/json"),
	})
	if err != nil {
		if ctx.Err() != nil {
			return nil, errs.Wrap(errs.KindCancelled, "invoke embedding model", err)
		}
		e.logger.Error("bedrock invoke failed", "model", model, "error", err)
		return nil, errs.Wrap(errs.KindProvider, "invoke embedding model", err)
	}
	return out.Body, nil
}

// modelProvider extracts the provider segment of a model identifier,
// skipping region prefixes like us. or eu.
func modelProvider(model string) string {
	parts := strings.Split(model, ".")
	switch len(parts) {
	case 2:
		return parts[0]
	case 3:
		return parts[1]
	default:
		return "amazon"
	}
}

// parseCohereEmbeddings handles both response shapes: the v3 array
// form {"embeddings": [[...]]} and the v4 nested form
// {"embeddings": {"float": [[...]]}}.
func parseCohereEmbeddings(raw []byte) ([][]float32, error) {
	var v3 struct {
		Embeddings [][]float32 `json:"embeddings"`
	}
	if err := json.Unmarshal(raw, &v3); err == nil && len(v3.Embeddings) > 0 {
		return v3.Embeddings, nil
	}
	var v4 struct {
		Embeddings struct {
			Float [][]float32 `json:"float"`
		} `json:"embeddings"`
	}
	if err := json.Unmarshal(raw, &v4); err == nil && len(v4.Embeddings.Float) > 0 {
		return v4.Embeddings.Float, nil
	}
	return nil, errs.New(errs.KindProvider, "no embeddings in cohere response")
}

var _ embedding.Embedder = (*Embedder)(nil)
