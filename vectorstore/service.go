package vectorstore

import (
	"context"
	"log/slog"
	"os"
	"sort"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/samber/lo"
	"golang.org/x/sync/errgroup"

	"github.com/zoeflow/zoeflow/cache"
	"github.com/zoeflow/zoeflow/embedding"
	"github.com/zoeflow/zoeflow/errs"
	"github.com/zoeflow/zoeflow/schema"
	"github.com/zoeflow/zoeflow/usage"
)

// DefaultTopK applies when a query does not name a result count.
const DefaultTopK = 5

// queryConcurrency bounds parallel per-query searches in QueryMany.
const queryConcurrency = 4

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	_ = v.RegisterValidation("storeid", func(fl validator.FieldLevel) bool {
		return schema.ValidStoreID(fl.Field().String())
	})
	return v
}

// Service exposes the vector operations: embedding-aware upsert,
// multi-query search with fusion, deletion, listing, and per-document
// chunk retrieval.
type Service struct {
	manager    *Manager
	embedder   embedding.Embedder
	chunkCache *cache.EmbeddingCache
	queryCache *cache.EmbeddingCache
	ledger     *usage.Ledger
	model      string
	logger     *slog.Logger
	validate   *validator.Validate
}

// NewService wires the vector service. ledger may be nil; model is the
// default embedding model used when inputs do not name one.
func NewService(manager *Manager, embedder embedding.Embedder, chunkCache, queryCache *cache.EmbeddingCache, ledger *usage.Ledger, model string, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.New(slog.NewJSONHandler(os.Stdout, nil))
	}
	return &Service{
		manager:    manager,
		embedder:   embedder,
		chunkCache: chunkCache,
		queryCache: queryCache,
		ledger:     ledger,
		model:      model,
		logger:     logger,
		validate:   newValidator(),
	}
}

func (s *Service) invalid(err error) error {
	return errs.Wrap(errs.KindValidation, "invalid input", err)
}

func (s *Service) modelOr(model string) string {
	if model != "" {
		return model
	}
	return s.model
}

// embedThrough resolves texts to vectors cache-first, embeds only the
// misses, writes them back, and returns vectors aligned with texts.
func (s *Service) embedThrough(ctx context.Context, c *cache.EmbeddingCache, texts []string, model string) ([][]float32, error) {
	vectors := c.GetMany(model, texts)

	var missTexts []string
	var missAt []int
	for i, vec := range vectors {
		if vec == nil {
			missTexts = append(missTexts, texts[i])
			missAt = append(missAt, i)
		}
	}
	if len(missTexts) == 0 {
		return vectors, nil
	}

	embedded, rec, err := s.embedder.Embed(ctx, missTexts, model)
	if err != nil {
		return nil, err
	}
	if s.ledger != nil {
		if err := s.ledger.Append(ctx, rec); err != nil {
			s.logger.Warn("usage ledger append failed", "error", err)
		}
	}
	if err := c.SetMany(model, missTexts, embedded); err != nil {
		return nil, err
	}
	for i, at := range missAt {
		vectors[at] = embedded[i]
	}
	return vectors, nil
}

// UpsertItem is one inbound item. Embedding is optional; items without
// one are embedded from Text.
type UpsertItem struct {
	ID        string         `json:"id,omitempty"`
	Text      string         `json:"text" validate:"required"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	Embedding []float32      `json:"embedding,omitempty"`
}

type UpsertInput struct {
	StoreID string       `json:"storeId" validate:"required,storeid"`
	Items   []UpsertItem `json:"items" validate:"required,min=1,dive"`
	Model   string       `json:"model,omitempty"`
}

type UpsertResult struct {
	StoreID  string `json:"storeId"`
	Inserted int    `json:"inserted"`
	Updated  int    `json:"updated"`
	Count    int    `json:"count"`
}

func (s *Service) Upsert(ctx context.Context, in UpsertInput) (*UpsertResult, error) {
	if err := s.validate.Struct(in); err != nil {
		return nil, s.invalid(err)
	}
	store, err := s.manager.Get(in.StoreID)
	if err != nil {
		return nil, err
	}
	model := s.modelOr(in.Model)

	pending := lo.Filter(in.Items, func(item UpsertItem, _ int) bool {
		return len(item.Embedding) == 0
	})
	var vectors [][]float32
	if len(pending) > 0 {
		texts := lo.Map(pending, func(item UpsertItem, _ int) string { return item.Text })
		vectors, err = s.embedThrough(ctx, s.chunkCache, texts, model)
		if err != nil {
			return nil, err
		}
	}

	next := 0
	items := make([]schema.VectorStoreItem, 0, len(in.Items))
	for _, in := range in.Items {
		vec := in.Embedding
		if len(vec) == 0 {
			vec = vectors[next]
			next++
		}
		id := in.ID
		if id == "" {
			id = uuid.NewString()
		}
		items = append(items, schema.VectorStoreItem{
			ID:        id,
			Text:      in.Text,
			Embedding: vec,
			Metadata:  in.Metadata,
		})
	}

	inserted, updated, err := store.Upsert(ctx, items)
	if err != nil {
		return nil, err
	}
	s.logger.Info("vector upsert", "store", in.StoreID, "inserted", inserted, "updated", updated)
	return &UpsertResult{StoreID: in.StoreID, Inserted: inserted, Updated: updated, Count: inserted + updated}, nil
}

type QueryManyInput struct {
	StoreID string   `json:"storeId" validate:"required,storeid"`
	Queries []string `json:"queries" validate:"required,min=1,dive,required"`
	TopK    int      `json:"topK,omitempty" validate:"omitempty,min=1,max=1000"`
	Model   string   `json:"model,omitempty"`
}

type QueryManyResult struct {
	StoreID string                 `json:"storeId"`
	Queries []string               `json:"queries"`
	Results [][]schema.QueryResult `json:"results"`
	Fused   []schema.QueryResult   `json:"fused"`
}

// QueryMany embeds all queries through the query cache, searches them
// concurrently, and fuses the lists with reciprocal-rank fusion.
func (s *Service) QueryMany(ctx context.Context, in QueryManyInput) (*QueryManyResult, error) {
	if err := s.validate.Struct(in); err != nil {
		return nil, s.invalid(err)
	}
	store, err := s.manager.Get(in.StoreID)
	if err != nil {
		return nil, err
	}
	topK := in.TopK
	if topK == 0 {
		topK = DefaultTopK
	}
	model := s.modelOr(in.Model)

	vectors, err := s.embedThrough(ctx, s.queryCache, in.Queries, model)
	if err != nil {
		return nil, err
	}

	results := make([][]schema.QueryResult, len(in.Queries))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(queryConcurrency)
	for i, vec := range vectors {
		g.Go(func() error {
			res, err := store.Query(gctx, vec, topK)
			if err != nil {
				return err
			}
			results[i] = res
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	return &QueryManyResult{
		StoreID: in.StoreID,
		Queries: in.Queries,
		Results: results,
		Fused:   FuseRRF(results, topK),
	}, nil
}

type DeleteInput struct {
	StoreID string   `json:"storeId" validate:"required,storeid"`
	IDs     []string `json:"ids" validate:"required,min=1,dive,required"`
}

type DeleteResult struct {
	StoreID string `json:"storeId"`
	Deleted int    `json:"deleted"`
}

func (s *Service) Delete(ctx context.Context, in DeleteInput) (*DeleteResult, error) {
	if err := s.validate.Struct(in); err != nil {
		return nil, s.invalid(err)
	}
	store, err := s.manager.Get(in.StoreID)
	if err != nil {
		return nil, err
	}
	deleted, err := store.Delete(ctx, in.IDs)
	if err != nil {
		return nil, err
	}
	return &DeleteResult{StoreID: in.StoreID, Deleted: deleted}, nil
}

// List returns every item of one store.
func (s *Service) List(ctx context.Context, storeID string) ([]schema.VectorStoreItem, error) {
	store, err := s.manager.Get(storeID)
	if err != nil {
		return nil, err
	}
	return store.List(ctx)
}

// Stores names all stores under the content root.
func (s *Service) Stores(ctx context.Context) ([]string, error) {
	return s.manager.List()
}

// ChunksOfDocument returns the stored chunks of one document ordered
// by chunk index. Embeddings are omitted from the result.
func (s *Service) ChunksOfDocument(ctx context.Context, docID, storeID string) ([]schema.VectorStoreItem, error) {
	if docID == "" {
		return nil, errs.New(errs.KindValidation, "docId is required")
	}
	store, err := s.manager.Get(storeID)
	if err != nil {
		return nil, err
	}
	items, err := store.List(ctx)
	if err != nil {
		return nil, err
	}

	chunks := lo.FilterMap(items, func(item schema.VectorStoreItem, _ int) (schema.VectorStoreItem, bool) {
		if item.Metadata == nil || toString(item.Metadata[schema.MetaDocID]) != docID {
			return schema.VectorStoreItem{}, false
		}
		item.Embedding = nil
		item.EmbeddingNorm = 0
		return item, true
	})
	sort.SliceStable(chunks, func(i, j int) bool {
		return chunkIndexValue(chunks[i].Metadata) < chunkIndexValue(chunks[j].Metadata)
	})
	return chunks, nil
}

func toString(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	return ""
}

func chunkIndexValue(meta map[string]any) float64 {
	switch v := meta[schema.MetaChunkIndex].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	case int64:
		return float64(v)
	default:
		return 0
	}
}
