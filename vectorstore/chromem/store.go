// Package chromem adapts philippgille/chromem-go persistent
// collections to the vector store engine. One store occupies one
// <storeId>.vectra directory with a zoeflow.meta.json sidecar pinning
// the file format version and embedding dimension.
package chromem

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/philippgille/chromem-go"

	"github.com/zoeflow/zoeflow/embedding"
	"github.com/zoeflow/zoeflow/errs"
	"github.com/zoeflow/zoeflow/schema"
	"github.com/zoeflow/zoeflow/storage"
)

const (
	sidecarName    = "zoeflow.meta.json"
	sidecarVersion = "v1"

	// Promoted metadata keys stored as first-class chromem fields.
	fieldCreatedAt    = "createdAt"
	fieldUpdatedAt    = "updatedAt"
	fieldDocID        = "docId"
	fieldChunkIndex   = "chunkIndex"
	fieldSourceURI    = "sourceUri"
	fieldVersion      = "version"
	fieldMetadataJSON = "metadataJson"
)

type sidecar struct {
	Version   string `json:"version"`
	Dimension int    `json:"dimension"`
}

// Store is a chromem-backed vector store. chromem persists one gob
// file per document, so item writes are durable individually rather
// than through a whole-file rename.
type Store struct {
	dir    string
	name   string
	logger *slog.Logger

	mu         sync.Mutex
	loaded     bool
	db         *chromem.DB
	collection *chromem.Collection
	dimension  int
}

func NewStore(dir, name string, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.New(slog.NewJSONHandler(os.Stdout, nil))
	}
	return &Store{dir: dir, name: name, logger: logger}
}

func (s *Store) sidecarPath() string {
	return filepath.Join(s.dir, sidecarName)
}

func (s *Store) loadLocked() error {
	if s.loaded {
		return nil
	}

	var meta sidecar
	err := storage.ReadJSON(s.sidecarPath(), &meta)
	switch {
	case err == nil:
		if meta.Version != sidecarVersion {
			return errs.Errorf(errs.KindCorrupt, "store %s has unsupported sidecar version %q", s.name, meta.Version)
		}
		s.dimension = meta.Dimension
	case os.IsNotExist(err):
		s.dimension = 0
	default:
		return errs.Wrap(errs.KindCorrupt, "read store sidecar "+s.sidecarPath(), err)
	}

	db, err := chromem.NewPersistentDB(s.dir, false)
	if err != nil {
		return errs.Wrap(errs.KindCorrupt, "open chromem store "+s.dir, err)
	}
	collection, err := db.GetOrCreateCollection(s.name, nil, nil)
	if err != nil {
		return errs.Wrap(errs.KindCorrupt, "open chromem collection "+s.name, err)
	}
	s.db = db
	s.collection = collection
	s.loaded = true
	return nil
}

func (s *Store) persistSidecarLocked() error {
	err := storage.WriteJSONAtomic(s.sidecarPath(), sidecar{Version: sidecarVersion, Dimension: s.dimension})
	return errs.Wrap(errs.KindInternal, "persist store sidecar", err)
}

func (s *Store) Load(ctx context.Context) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, errs.Wrap(errs.KindCancelled, "load vector store", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.loadLocked(); err != nil {
		return 0, err
	}
	return s.dimension, nil
}

func (s *Store) Upsert(ctx context.Context, items []schema.VectorStoreItem) (int, int, error) {
	if err := ctx.Err(); err != nil {
		return 0, 0, errs.Wrap(errs.KindCancelled, "upsert", err)
	}
	if len(items) == 0 {
		return 0, 0, nil
	}
	for i := range items {
		if items[i].Text == "" {
			return 0, 0, errs.Errorf(errs.KindValidation, "item %q has empty text", items[i].ID)
		}
		if len(items[i].Embedding) == 0 {
			return 0, 0, errs.Errorf(errs.KindValidation, "item %q has empty embedding", items[i].ID)
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.loadLocked(); err != nil {
		return 0, 0, err
	}

	if s.dimension == 0 {
		s.dimension = len(items[0].Embedding)
		if err := s.persistSidecarLocked(); err != nil {
			return 0, 0, err
		}
	}
	for i := range items {
		if len(items[i].Embedding) != s.dimension {
			return 0, 0, errs.Errorf(errs.KindConflict,
				"embedding dimension mismatch: got %d, store has %d", len(items[i].Embedding), s.dimension)
		}
	}

	// Batch-internal duplicates collapse to the last write.
	now := schema.NowMillis()
	byID := make(map[string]chromem.Document, len(items))
	order := make([]string, 0, len(items))
	for _, item := range items {
		if _, ok := byID[item.ID]; !ok {
			order = append(order, item.ID)
		}
		createdAt := item.CreatedAt
		if createdAt == 0 {
			createdAt = now
		}
		byID[item.ID] = chromem.Document{
			ID:        item.ID,
			Content:   item.Text,
			Embedding: embedding.Normalize(item.Embedding),
			Metadata:  promoteMetadata(item, createdAt, now),
		}
	}
	docs := make([]chromem.Document, 0, len(order))
	for _, id := range order {
		docs = append(docs, byID[id])
	}

	before := s.collection.Count()
	if err := s.collection.AddDocuments(ctx, docs, runtime.NumCPU()); err != nil {
		if ctx.Err() != nil {
			return 0, 0, errs.Wrap(errs.KindCancelled, "upsert", ctx.Err())
		}
		return 0, 0, errs.Wrap(errs.KindInternal, "add documents to chromem", err)
	}
	inserted := s.collection.Count() - before
	updated := len(docs) - inserted
	return inserted, updated, nil
}

func (s *Store) Query(ctx context.Context, vec []float32, topK int) ([]schema.QueryResult, error) {
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
	count := s.collection.Count()
	if count == 0 {
		return nil, nil
	}
	if len(vec) != s.dimension {
		return nil, errs.Errorf(errs.KindConflict,
			"embedding dimension mismatch: got %d, store has %d", len(vec), s.dimension)
	}
	if topK > count {
		topK = count
	}

	results, err := s.collection.QueryEmbedding(ctx, embedding.Normalize(vec), topK, nil, nil)
	if err != nil {
		return nil, errs.Wrap(errs.KindInternal, "query chromem collection", err)
	}
	out := make([]schema.QueryResult, 0, len(results))
	for _, res := range results {
		out = append(out, schema.QueryResult{
			ID:       res.ID,
			Text:     res.Content,
			Metadata: restoreMetadata(res.ID, res.Metadata),
			Score:    res.Similarity,
		})
	}
	return out, nil
}

func (s *Store) Delete(ctx context.Context, ids []string) (int, error) {
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
	before := s.collection.Count()
	if before == 0 {
		return 0, nil
	}
	if err := s.collection.Delete(ctx, nil, nil, ids...); err != nil {
		return 0, errs.Wrap(errs.KindInternal, "delete from chromem collection", err)
	}
	return before - s.collection.Count(), nil
}

// List reconstructs every item. chromem has no enumeration call, so a
// probe query with nResults == Count retrieves the full collection;
// results are reordered by creation time, then chunk index, then id.
func (s *Store) List(ctx context.Context) ([]schema.VectorStoreItem, error) {
	if err := ctx.Err(); err != nil {
		return nil, errs.Wrap(errs.KindCancelled, "list", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.loadLocked(); err != nil {
		return nil, err
	}
	count := s.collection.Count()
	if count == 0 {
		return nil, nil
	}
	if s.dimension == 0 {
		return nil, errs.Errorf(errs.KindCorrupt, "store %s has documents but no sidecar dimension", s.name)
	}

	probe := make([]float32, s.dimension)
	probe[0] = 1
	results, err := s.collection.QueryEmbedding(ctx, probe, count, nil, nil)
	if err != nil {
		return nil, errs.Wrap(errs.KindInternal, "list chromem collection", err)
	}

	items := make([]schema.VectorStoreItem, 0, len(results))
	for _, res := range results {
		item := schema.VectorStoreItem{
			ID:        res.ID,
			Text:      res.Content,
			Embedding: res.Embedding,
			Metadata:  restoreMetadata(res.ID, res.Metadata),
		}
		item.EmbeddingNorm = embedding.Norm(res.Embedding)
		item.CreatedAt, _ = strconv.ParseInt(res.Metadata[fieldCreatedAt], 10, 64)
		item.UpdatedAt, _ = strconv.ParseInt(res.Metadata[fieldUpdatedAt], 10, 64)
		items = append(items, item)
	}
	sort.SliceStable(items, func(i, j int) bool {
		if items[i].CreatedAt != items[j].CreatedAt {
			return items[i].CreatedAt < items[j].CreatedAt
		}
		ci := chunkIndexOf(items[i].Metadata)
		cj := chunkIndexOf(items[j].Metadata)
		if ci != cj {
			return ci < cj
		}
		return items[i].ID < items[j].ID
	})
	return items, nil
}

// promoteMetadata flattens an item into chromem's string-only metadata:
// well-known fields become first-class keys and the complete original
// map rides along as one JSON string.
func promoteMetadata(item schema.VectorStoreItem, createdAt, updatedAt int64) map[string]string {
	out := map[string]string{
		fieldCreatedAt: strconv.FormatInt(createdAt, 10),
		fieldUpdatedAt: strconv.FormatInt(updatedAt, 10),
	}
	if len(item.Metadata) > 0 {
		if raw, err := json.Marshal(item.Metadata); err == nil {
			out[fieldMetadataJSON] = string(raw)
		}
		if v, ok := item.Metadata[schema.MetaDocID]; ok {
			out[fieldDocID] = fmt.Sprint(v)
		}
		if v, ok := item.Metadata[schema.MetaChunkIndex]; ok {
			out[fieldChunkIndex] = fmt.Sprint(v)
		}
		if v, ok := item.Metadata[schema.MetaSourceURI]; ok {
			out[fieldSourceURI] = fmt.Sprint(v)
		}
		if v, ok := item.Metadata[schema.MetaVersion]; ok {
			out[fieldVersion] = fmt.Sprint(v)
		}
	}
	return out
}

// restoreMetadata rebuilds the item metadata map: parse metadataJson,
// overlay the promoted fields, and as a last resort recover doc id and
// chunk index from legacy chunk_<docId>_<chunkIndex>_... ids.
func restoreMetadata(id string, fields map[string]string) map[string]any {
	meta := map[string]any{}
	if raw := fields[fieldMetadataJSON]; raw != "" {
		if err := json.Unmarshal([]byte(raw), &meta); err != nil {
			meta = map[string]any{}
		}
	}
	if v := fields[fieldDocID]; v != "" {
		meta[schema.MetaDocID] = v
	}
	if v := fields[fieldChunkIndex]; v != "" {
		if n, err := strconv.ParseFloat(v, 64); err == nil {
			meta[schema.MetaChunkIndex] = n
		}
	}
	if v := fields[fieldSourceURI]; v != "" {
		meta[schema.MetaSourceURI] = v
	}
	if v := fields[fieldVersion]; v != "" {
		meta[schema.MetaVersion] = v
	}

	if _, ok := meta[schema.MetaDocID]; !ok {
		if docID, chunkIndex, ok := parseLegacyID(id); ok {
			meta[schema.MetaDocID] = docID
			meta[schema.MetaChunkIndex] = float64(chunkIndex)
		}
	}
	return meta
}

func parseLegacyID(id string) (docID string, chunkIndex int, ok bool) {
	parts := strings.Split(id, "_")
	if len(parts) < 3 || parts[0] != "chunk" {
		return "", 0, false
	}
	n, err := strconv.Atoi(parts[2])
	if err != nil {
		return "", 0, false
	}
	return parts[1], n, true
}

func chunkIndexOf(meta map[string]any) float64 {
	switch v := meta[schema.MetaChunkIndex].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	default:
		return 0
	}
}
