package storage

import (
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/zoeflow/zoeflow/errs"
	"github.com/zoeflow/zoeflow/schema"
)

// MetadataStore keeps one JSON record per document under
// vectorstores/_metadata/<docId>.json. All mutations go through
// UpdateStatus so concurrent writers re-read before writing.
type MetadataStore struct {
	paths  Paths
	logger *slog.Logger

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewMetadataStore creates a metadata store rooted at paths.
func NewMetadataStore(paths Paths, logger *slog.Logger) *MetadataStore {
	if logger == nil {
		logger = slog.New(slog.NewJSONHandler(os.Stdout, nil))
	}
	return &MetadataStore{
		paths:  paths,
		logger: logger,
		locks:  map[string]*sync.Mutex{},
	}
}

func (s *MetadataStore) lockFor(docID string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[docID]
	if !ok {
		l = &sync.Mutex{}
		s.locks[docID] = l
	}
	return l
}

func (s *MetadataStore) recordPath(docID string) string {
	return filepath.Join(s.paths.MetadataDir(), docID+".json")
}

// Read loads the metadata record for docID.
func (s *MetadataStore) Read(docID string) (schema.DocumentMetadata, error) {
	var meta schema.DocumentMetadata
	if docID == "" {
		return meta, errs.New(errs.KindValidation, "document id is required")
	}
	if err := ReadJSON(s.recordPath(docID), &meta); err != nil {
		if os.IsNotExist(err) {
			return meta, errs.Errorf(errs.KindNotFound, "document metadata not found: %s", docID)
		}
		return meta, errs.Wrap(errs.KindCorrupt, "read document metadata "+docID, err)
	}
	return meta, nil
}

// Write persists the full record, replacing any prior content.
func (s *MetadataStore) Write(meta schema.DocumentMetadata) error {
	if meta.DocID == "" {
		return errs.New(errs.KindValidation, "document id is required")
	}
	lock := s.lockFor(meta.DocID)
	lock.Lock()
	defer lock.Unlock()
	return s.writeLocked(meta)
}

func (s *MetadataStore) writeLocked(meta schema.DocumentMetadata) error {
	if err := WriteJSONAtomic(s.recordPath(meta.DocID), meta); err != nil {
		return errs.Wrap(errs.KindInternal, "write document metadata "+meta.DocID, err)
	}
	return nil
}

// UpdateStatus re-reads the record under the per-document lock, sets
// status, applies patch, and persists. It returns the stored record.
func (s *MetadataStore) UpdateStatus(docID string, status schema.Status, patch func(*schema.DocumentMetadata)) (schema.DocumentMetadata, error) {
	lock := s.lockFor(docID)
	lock.Lock()
	defer lock.Unlock()

	meta, err := s.Read(docID)
	if err != nil {
		return schema.DocumentMetadata{}, err
	}
	if status != "" {
		meta.Status = status
	}
	if patch != nil {
		patch(&meta)
	}
	if err := s.writeLocked(meta); err != nil {
		return schema.DocumentMetadata{}, err
	}
	s.logger.Debug("document status updated",
		"docId", docID,
		"status", meta.Status,
		"step", meta.ProcessingStep)
	return meta, nil
}

// List returns all records, newest upload first. A non-empty storeID
// filters to documents of that store. Unreadable records are skipped.
func (s *MetadataStore) List(storeID string) ([]schema.DocumentMetadata, error) {
	entries, err := os.ReadDir(s.paths.MetadataDir())
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, errs.Wrap(errs.KindInternal, "list document metadata", err)
	}

	out := make([]schema.DocumentMetadata, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		var meta schema.DocumentMetadata
		if err := ReadJSON(filepath.Join(s.paths.MetadataDir(), entry.Name()), &meta); err != nil {
			s.logger.Warn("skipping unreadable document metadata", "file", entry.Name(), "error", err)
			continue
		}
		if storeID != "" && meta.StoreID != storeID {
			continue
		}
		out = append(out, meta)
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].UploadedAt != out[j].UploadedAt {
			return out[i].UploadedAt > out[j].UploadedAt
		}
		return out[i].DocID < out[j].DocID
	})
	return out, nil
}

// FindBySourceURI returns the most recently uploaded record whose
// sourceUri matches. A non-empty storeID narrows the search.
func (s *MetadataStore) FindBySourceURI(sourceURI, storeID string) (schema.DocumentMetadata, error) {
	if sourceURI == "" {
		return schema.DocumentMetadata{}, errs.New(errs.KindValidation, "source uri is required")
	}
	all, err := s.List(storeID)
	if err != nil {
		return schema.DocumentMetadata{}, err
	}
	for _, meta := range all {
		if meta.SourceURI == sourceURI {
			return meta, nil
		}
	}
	return schema.DocumentMetadata{}, errs.Errorf(errs.KindNotFound, "no document with source uri %q", sourceURI)
}

// Delete removes the record. Deleting an unknown document is not an
// error.
func (s *MetadataStore) Delete(docID string) error {
	if docID == "" {
		return errs.New(errs.KindValidation, "document id is required")
	}
	lock := s.lockFor(docID)
	lock.Lock()
	defer lock.Unlock()

	if err := os.Remove(s.recordPath(docID)); err != nil && !os.IsNotExist(err) {
		return errs.Wrap(errs.KindInternal, "delete document metadata "+docID, err)
	}
	s.mu.Lock()
	delete(s.locks, docID)
	s.mu.Unlock()
	return nil
}
