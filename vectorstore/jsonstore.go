package vectorstore

import (
	"context"
	"log/slog"
	"os"
	"sort"
	"sync"

	"github.com/zoeflow/zoeflow/embedding"
	"github.com/zoeflow/zoeflow/errs"
	"github.com/zoeflow/zoeflow/schema"
	"github.com/zoeflow/zoeflow/storage"
)

const storeFileVersion = "v1"

type storeFile struct {
	Version   string                   `json:"version"`
	Dimension int                      `json:"dimension"`
	Items     []schema.VectorStoreItem `json:"items"`
}

// JSONStore keeps one store in a single JSON file and scans linearly
// on query. Writes go through a temp file and rename, so a crash never
// leaves a half-written store behind.
type JSONStore struct {
	path   string
	logger *slog.Logger

	mu     sync.Mutex
	loaded bool
	file   storeFile
	index  map[string]int
}

func NewJSONStore(path string, logger *slog.Logger) *JSONStore {
	if logger == nil {
		logger = slog.New(slog.NewJSONHandler(os.Stdout, nil))
	}
	return &JSONStore{path: path, logger: logger}
}

// loadLocked reads the file once. A missing file is an empty store; an
// unreadable or wrong-version file fails loudly so a corrupt index is
// never silently rebuilt over.
func (s *JSONStore) loadLocked() error {
	if s.loaded {
		return nil
	}
	var file storeFile
	if err := storage.ReadJSON(s.path, &file); err != nil {
		if os.IsNotExist(err) {
			s.file = storeFile{Version: storeFileVersion}
			s.rebuildIndexLocked()
			s.loaded = true
			return nil
		}
		return errs.Wrap(errs.KindCorrupt, "read vector store "+s.path, err)
	}
	if file.Version != storeFileVersion {
		return errs.Errorf(errs.KindCorrupt, "vector store %s has unsupported version %q", s.path, file.Version)
	}
	s.file = file
	s.rebuildIndexLocked()
	s.loaded = true
	return nil
}

func (s *JSONStore) rebuildIndexLocked() {
	s.index = make(map[string]int, len(s.file.Items))
	for i := range s.file.Items {
		s.index[s.file.Items[i].ID] = i
	}
}

func (s *JSONStore) persistLocked() error {
	return errs.Wrap(errs.KindInternal, "persist vector store "+s.path, storage.WriteJSONAtomic(s.path, s.file))
}

func (s *JSONStore) Load(ctx context.Context) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, errs.Wrap(errs.KindCancelled, "load vector store", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.loadLocked(); err != nil {
		return 0, err
	}
	return s.file.Dimension, nil
}

func (s *JSONStore) Upsert(ctx context.Context, items []schema.VectorStoreItem) (int, int, error) {
	if err := ctx.Err(); err != nil {
		return 0, 0, errs.Wrap(errs.KindCancelled, "upsert", err)
	}
	if len(items) == 0 {
		return 0, 0, nil
	}
	if err := validateItems(items); err != nil {
		return 0, 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.loadLocked(); err != nil {
		return 0, 0, err
	}

	// Dimension is pinned by the first item ever stored.
	if s.file.Dimension == 0 {
		s.file.Dimension = len(items[0].Embedding)
	}
	for i := range items {
		if len(items[i].Embedding) != s.file.Dimension {
			return 0, 0, dimensionMismatch(len(items[i].Embedding), s.file.Dimension)
		}
	}

	now := schema.NowMillis()
	inserted, updated := 0, 0
	for _, item := range items {
		item.EmbeddingNorm = embedding.Norm(item.Embedding)
		item.UpdatedAt = now
		if pos, ok := s.index[item.ID]; ok {
			if created := s.file.Items[pos].CreatedAt; created != 0 {
				item.CreatedAt = created
			}
			s.file.Items[pos] = item
			updated++
			continue
		}
		if item.CreatedAt == 0 {
			item.CreatedAt = now
		}
		s.index[item.ID] = len(s.file.Items)
		s.file.Items = append(s.file.Items, item)
		inserted++
	}
	if err := s.persistLocked(); err != nil {
		return 0, 0, err
	}
	return inserted, updated, nil
}

func (s *JSONStore) Query(ctx context.Context, vec []float32, topK int) ([]schema.QueryResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, errs.Wrap(errs.KindCancelled, "query", err)
	}
	if len(vec) == 0 {
		return nil, errs.New(errs.KindValidation, "query embedding is empty")
	}
	if topK <= 0 {
		return nil, errs.New(errs.KindValidation, "topK must be positive")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.loadLocked(); err != nil {
		return nil, err
	}
	if len(s.file.Items) == 0 {
		return nil, nil
	}
	if len(vec) != s.file.Dimension {
		return nil, dimensionMismatch(len(vec), s.file.Dimension)
	}

	queryNorm := embedding.Norm(vec)
	type scored struct {
		pos   int
		score float32
	}
	scores := make([]scored, 0, len(s.file.Items))
	for pos := range s.file.Items {
		item := &s.file.Items[pos]
		norm := item.EmbeddingNorm
		if norm == 0 {
			norm = embedding.Norm(item.Embedding)
		}
		var score float32
		if queryNorm != 0 && norm != 0 {
			score = embedding.DotProduct(vec, item.Embedding) / (queryNorm * norm)
		}
		scores = append(scores, scored{pos: pos, score: score})
	}
	// Stable keeps insertion order for equal scores.
	sort.SliceStable(scores, func(i, j int) bool { return scores[i].score > scores[j].score })

	if topK > len(scores) {
		topK = len(scores)
	}
	results := make([]schema.QueryResult, 0, topK)
	for _, sc := range scores[:topK] {
		item := &s.file.Items[sc.pos]
		results = append(results, schema.QueryResult{
			ID:       item.ID,
			Text:     item.Text,
			Metadata: item.Metadata,
			Score:    sc.score,
		})
	}
	return results, nil
}

func (s *JSONStore) Delete(ctx context.Context, ids []string) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, errs.Wrap(errs.KindCancelled, "delete", err)
	}
	if len(ids) == 0 {
		return 0, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.loadLocked(); err != nil {
		return 0, err
	}

	drop := make(map[string]bool, len(ids))
	for _, id := range ids {
		if _, ok := s.index[id]; ok {
			drop[id] = true
		}
	}
	if len(drop) == 0 {
		return 0, nil
	}

	kept := s.file.Items[:0]
	for _, item := range s.file.Items {
		if !drop[item.ID] {
			kept = append(kept, item)
		}
	}
	s.file.Items = kept
	s.rebuildIndexLocked()
	if err := s.persistLocked(); err != nil {
		return 0, err
	}
	return len(drop), nil
}

func (s *JSONStore) List(ctx context.Context) ([]schema.VectorStoreItem, error) {
	if err := ctx.Err(); err != nil {
		return nil, errs.Wrap(errs.KindCancelled, "list", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.loadLocked(); err != nil {
		return nil, err
	}
	out := make([]schema.VectorStoreItem, len(s.file.Items))
	copy(out, s.file.Items)
	return out, nil
}
