package ingestion

import (
	"context"
	"log/slog"
	"os"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/zoeflow/zoeflow/cache"
	"github.com/zoeflow/zoeflow/errs"
	"github.com/zoeflow/zoeflow/schema"
	"github.com/zoeflow/zoeflow/status"
	"github.com/zoeflow/zoeflow/storage"
	"github.com/zoeflow/zoeflow/vectorstore"
)

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	_ = v.RegisterValidation("storeid", func(fl validator.FieldLevel) bool {
		return schema.ValidStoreID(fl.Field().String())
	})
	return v
}

// Service exposes the document operations: upload, processing control,
// reprocessing, deletion, listing, and crash recovery. Jobs run as
// goroutines owned by the registry; status changes are announced on
// the broker.
type Service struct {
	docs        *storage.DocumentStore
	meta        *storage.MetadataStore
	stores      *vectorstore.Manager
	pipeline    *Pipeline
	registry    *Registry
	broker      *status.Broker
	chunkCache  *cache.EmbeddingCache
	enrichCache *cache.EnrichmentCache
	logger      *slog.Logger
	validate    *validator.Validate
}

// NewService wires the document service. broker and both caches may be
// nil; a non-nil broker is pointed at the registry's live-job probe.
func NewService(docs *storage.DocumentStore, meta *storage.MetadataStore, stores *vectorstore.Manager, pipeline *Pipeline, registry *Registry, broker *status.Broker, chunkCache *cache.EmbeddingCache, enrichCache *cache.EnrichmentCache, logger *slog.Logger) *Service {
	if registry == nil {
		registry = NewRegistry()
	}
	if logger == nil {
		logger = slog.New(slog.NewJSONHandler(os.Stdout, nil))
	}
	if broker != nil {
		broker.SetProcessingCheck(registry.IsProcessing)
	}
	return &Service{
		docs:        docs,
		meta:        meta,
		stores:      stores,
		pipeline:    pipeline,
		registry:    registry,
		broker:      broker,
		chunkCache:  chunkCache,
		enrichCache: enrichCache,
		logger:      logger,
		validate:    newValidator(),
	}
}

// IsProcessing reports whether a live job exists for the document.
func (s *Service) IsProcessing(docID string) bool {
	return s.registry.IsProcessing(docID)
}

type UploadInput struct {
	StoreID   string `json:"storeId" validate:"required,storeid"`
	SourceURI string `json:"sourceUri" validate:"required"`
	Data      []byte `json:"data" validate:"required"`
}

type UploadResult struct {
	DocID      string        `json:"docId"`
	StoreID    string        `json:"storeId"`
	SourceURI  string        `json:"sourceUri"`
	Version    string        `json:"version"`
	Status     schema.Status `json:"status"`
	UploadedAt int64         `json:"uploadedAt"`
}

// Upload extracts text from the payload, stores it as a new version,
// and writes a pending metadata record. Re-uploading a known sourceUri
// keeps the document id and its descriptors; the new version starts
// over as pending.
func (s *Service) Upload(ctx context.Context, in UploadInput) (*UploadResult, error) {
	if err := s.validate.Struct(in); err != nil {
		return nil, errs.Wrap(errs.KindValidation, "invalid input", err)
	}
	text, err := storage.ExtractText(in.Data)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(text) == "" {
		return nil, errs.New(errs.KindValidation, "document has no text content")
	}

	var docID string
	existing, err := s.meta.FindBySourceURI(in.SourceURI, in.StoreID)
	switch {
	case err == nil:
		docID = existing.DocID
	case errs.IsKind(err, errs.KindNotFound):
		docID = schema.NewDocumentID(in.SourceURI, schema.ContentHash(text))
	default:
		return nil, err
	}

	version := storage.NewVersion()
	if err := s.docs.Store(docID, version, []byte(text)); err != nil {
		return nil, err
	}

	meta := schema.DocumentMetadata{
		DocID:       docID,
		StoreID:     in.StoreID,
		SourceURI:   in.SourceURI,
		Author:      existing.Author,
		Description: existing.Description,
		Tags:        existing.Tags,
		Version:     version,
		Status:      schema.StatusPending,
		UploadedAt:  schema.NowMillis(),
	}
	if err := s.meta.Write(meta); err != nil {
		return nil, err
	}
	s.publish(&meta)
	s.logger.Info("document uploaded",
		"docId", docID, "storeId", in.StoreID, "sourceUri", in.SourceURI, "version", version)

	return &UploadResult{
		DocID:      docID,
		StoreID:    in.StoreID,
		SourceURI:  in.SourceURI,
		Version:    version,
		Status:     meta.Status,
		UploadedAt: meta.UploadedAt,
	}, nil
}

type StartInput struct {
	DocID       string   `json:"docId" validate:"required"`
	Author      string   `json:"author,omitempty"`
	Description string   `json:"description,omitempty"`
	Tags        []string `json:"tags,omitempty"`
}

type StartResult struct {
	DocID             string        `json:"docId"`
	Started           bool          `json:"started"`
	AlreadyProcessing bool          `json:"alreadyProcessing,omitempty"`
	Status            schema.Status `json:"status"`
}

// StartProcessing patches the optional descriptors onto the metadata,
// marks the document processing, and spawns the job goroutine. A
// document with a live job is reported instead of restarted.
func (s *Service) StartProcessing(ctx context.Context, in StartInput) (*StartResult, error) {
	if err := s.validate.Struct(in); err != nil {
		return nil, errs.Wrap(errs.KindValidation, "invalid input", err)
	}
	if _, err := s.meta.Read(in.DocID); err != nil {
		return nil, err
	}
	if s.registry.IsProcessing(in.DocID) {
		return &StartResult{DocID: in.DocID, AlreadyProcessing: true, Status: schema.StatusProcessing}, nil
	}

	job, err := s.registry.Register(in.DocID)
	if err != nil {
		return nil, err
	}
	meta, err := s.meta.UpdateStatus(in.DocID, schema.StatusProcessing, func(m *schema.DocumentMetadata) {
		if in.Author != "" {
			m.Author = in.Author
		}
		if in.Description != "" {
			m.Description = in.Description
		}
		if len(in.Tags) > 0 {
			m.Tags = in.Tags
		}
		m.Error = ""
		m.ProcessedAt = nil
		m.ProcessingStep = ""
		m.Progress = nil
	})
	if err != nil {
		s.registry.Unregister(in.DocID)
		return nil, err
	}
	s.publish(&meta)
	go s.runJob(job, meta)

	return &StartResult{DocID: in.DocID, Started: true, Status: schema.StatusProcessing}, nil
}

// runJob drives one registered job to a terminal status.
func (s *Service) runJob(job *Job, meta schema.DocumentMetadata) {
	defer s.registry.Unregister(job.DocID)

	content, _, err := s.docs.Read(job.DocID, meta.Version)
	if err == nil {
		err = s.pipeline.Run(job.Ctx, meta, string(content))
	}
	switch {
	case err == nil:
	case errs.IsCancelled(err):
		s.terminal(job.DocID, schema.StatusCancelled, "")
		s.logger.Info("processing cancelled", "docId", job.DocID)
	default:
		s.terminal(job.DocID, schema.StatusError, err.Error())
		s.logger.Error("processing failed", "docId", job.DocID, "error", err)
	}
}

// terminal writes a terminal status outside the pipeline and announces
// it.
func (s *Service) terminal(docID string, st schema.Status, message string) {
	meta, err := s.meta.UpdateStatus(docID, st, func(m *schema.DocumentMetadata) {
		m.Error = message
		m.ProcessingStep = ""
		m.Progress = nil
	})
	if err != nil {
		s.logger.Warn("terminal status update failed", "docId", docID, "status", st, "error", err)
		return
	}
	s.publish(&meta)
}

type CancelResult struct {
	DocID     string `json:"docId"`
	Cancelled bool   `json:"cancelled"`
}

// CancelProcessing signals the live job; the job goroutine writes the
// terminal status. A document stuck in processing without a live job
// is repaired here directly.
func (s *Service) CancelProcessing(ctx context.Context, docID string) (*CancelResult, error) {
	if docID == "" {
		return nil, errs.New(errs.KindValidation, "docId is required")
	}
	meta, err := s.meta.Read(docID)
	if err != nil {
		return nil, err
	}
	if !s.registry.Cancel(docID) && meta.Status == schema.StatusProcessing {
		s.terminal(docID, schema.StatusCancelled, "")
	}
	return &CancelResult{DocID: docID, Cancelled: true}, nil
}

type ReprocessResult struct {
	DocID         string `json:"docId"`
	Reprocessing  bool   `json:"reprocessing"`
	ChunksDeleted int    `json:"chunksDeleted"`
}

// Reprocess cancels any live job, removes the document's stored chunks
// and cache entries, and reruns the pipeline on the latest uploaded
// version.
func (s *Service) Reprocess(ctx context.Context, docID string) (*ReprocessResult, error) {
	if docID == "" {
		return nil, errs.New(errs.KindValidation, "docId is required")
	}
	meta, err := s.meta.Read(docID)
	if err != nil {
		return nil, err
	}

	s.registry.CancelAndWait(docID)

	deleted, err := s.deleteDocChunks(ctx, meta.StoreID, docID)
	if err != nil {
		return nil, err
	}
	s.purgeCaches(docID)

	latest, err := s.docs.LatestVersion(docID)
	if err != nil {
		return nil, err
	}

	job, err := s.registry.Register(docID)
	if err != nil {
		return nil, err
	}
	updated, err := s.meta.UpdateStatus(docID, schema.StatusProcessing, func(m *schema.DocumentMetadata) {
		m.Version = latest
		m.Error = ""
		m.ChunkCount = nil
		m.ProcessedAt = nil
		m.ProcessingStep = ""
		m.Progress = nil
	})
	if err != nil {
		s.registry.Unregister(docID)
		return nil, err
	}
	s.publish(&updated)
	go s.runJob(job, updated)

	s.logger.Info("document reprocessing", "docId", docID, "chunksDeleted", deleted)
	return &ReprocessResult{DocID: docID, Reprocessing: true, ChunksDeleted: deleted}, nil
}

type DeleteDocumentResult struct {
	DocID   string `json:"docId"`
	Deleted bool   `json:"deleted"`
}

// DeleteDocument cascades: cancel the live job, delete the document's
// chunks from its store, purge cache entries referencing it, drop all
// stored versions, and remove the metadata record.
func (s *Service) DeleteDocument(ctx context.Context, docID, storeID string) (*DeleteDocumentResult, error) {
	if docID == "" {
		return nil, errs.New(errs.KindValidation, "docId is required")
	}
	meta, err := s.meta.Read(docID)
	if err != nil {
		return nil, err
	}
	if storeID == "" {
		storeID = meta.StoreID
	}

	s.registry.CancelAndWait(docID)
	if _, err := s.deleteDocChunks(ctx, storeID, docID); err != nil {
		return nil, err
	}
	s.purgeCaches(docID)
	if err := s.docs.Delete(docID); err != nil {
		return nil, err
	}
	if err := s.meta.Delete(docID); err != nil {
		return nil, err
	}
	s.logger.Info("document deleted", "docId", docID, "storeId", storeID)
	return &DeleteDocumentResult{DocID: docID, Deleted: true}, nil
}

// List returns document metadata, newest upload first, optionally
// filtered to one store.
func (s *Service) List(ctx context.Context, storeID string) ([]schema.DocumentMetadata, error) {
	return s.meta.List(storeID)
}

// Recover repairs records stranded by a crash and announces each.
func (s *Service) Recover(ctx context.Context) (int, error) {
	repaired, err := RecoverStranded(s.meta, s.logger)
	if err != nil {
		return 0, err
	}
	for i := range repaired {
		s.publish(&repaired[i])
	}
	return len(repaired), nil
}

// deleteDocChunks removes every stored item of the document, across all
// versions, in batches.
func (s *Service) deleteDocChunks(ctx context.Context, storeID, docID string) (int, error) {
	store, err := s.stores.Get(storeID)
	if err != nil {
		return 0, err
	}
	items, err := store.List(ctx)
	if err != nil {
		return 0, err
	}
	var ids []string
	for _, item := range items {
		if item.Metadata != nil && metaString(item.Metadata, schema.MetaDocID) == docID {
			ids = append(ids, item.ID)
		}
	}

	deleted := 0
	for start := 0; start < len(ids); start += deleteBatchSize {
		end := min(start+deleteBatchSize, len(ids))
		n, err := store.Delete(ctx, ids[start:end])
		if err != nil {
			return deleted, err
		}
		deleted += n
	}
	return deleted, nil
}

// purgeCaches drops cache entries referencing the document. Embedding
// entries are matched through the doc_id line of the embedded text;
// enrichment entries carry the id directly.
func (s *Service) purgeCaches(docID string) {
	if s.chunkCache != nil {
		n, err := s.chunkCache.DeleteByFilter(func(_ string, entry schema.EmbeddingCacheEntry) bool {
			return strings.Contains(entry.Text, docID)
		})
		if err != nil {
			s.logger.Warn("embedding cache purge failed", "docId", docID, "error", err)
		} else if n > 0 {
			s.logger.Debug("embedding cache purged", "docId", docID, "entries", n)
		}
	}
	if s.enrichCache != nil {
		if _, err := s.enrichCache.DeleteByDocID(docID); err != nil {
			s.logger.Warn("enrichment cache purge failed", "docId", docID, "error", err)
		}
	}
}

func (s *Service) publish(meta *schema.DocumentMetadata) {
	if s.broker != nil {
		s.broker.Publish(meta)
	}
}
