package storage

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/zoeflow/zoeflow/errs"
	"github.com/zoeflow/zoeflow/schema"
)

// DocumentStore persists uploaded source text as
// documents/<docId>/<version>.md. Versions are decimal epoch-millisecond
// strings, so the latest version is the lexicographically largest
// filename of equal length; we compare numerically to stay correct
// across the year-9999 length rollover.
type DocumentStore struct {
	paths  Paths
	logger *slog.Logger
}

// NewDocumentStore creates a DocumentStore rooted at the content dir.
func NewDocumentStore(paths Paths) *DocumentStore {
	return &DocumentStore{
		paths:  paths,
		logger: slog.New(slog.NewJSONHandler(os.Stdout, nil)),
	}
}

// NewVersion returns a fresh monotonic version string.
func NewVersion() string {
	return strconv.FormatInt(schema.NowMillis(), 10)
}

func (s *DocumentStore) docDir(docID string) string {
	return filepath.Join(s.paths.DocumentsDir(), docID)
}

func (s *DocumentStore) versionPath(docID, version string) string {
	return filepath.Join(s.docDir(docID), version+".md")
}

// Store writes one version of a document, creating parent directories.
func (s *DocumentStore) Store(docID, version string, content []byte) error {
	if docID == "" || version == "" {
		return errs.New(errs.KindValidation, "docId and version are required")
	}
	if err := WriteFileAtomic(s.versionPath(docID, version), content); err != nil {
		return fmt.Errorf("store document %s@%s: %w", docID, version, err)
	}
	s.logger.Debug("document stored", "doc_id", docID, "version", version, "bytes", len(content))
	return nil
}

// Read returns the requested version, or the newest one when version is
// empty, along with the version actually read.
func (s *DocumentStore) Read(docID, version string) ([]byte, string, error) {
	if version == "" {
		latest, err := s.LatestVersion(docID)
		if err != nil {
			return nil, "", err
		}
		version = latest
	}

	data, err := os.ReadFile(s.versionPath(docID, version))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, "", errs.Errorf(errs.KindNotFound, "document %s version %s not found", docID, version)
		}
		return nil, "", fmt.Errorf("read document %s@%s: %w", docID, version, err)
	}
	return data, version, nil
}

// Versions lists the stored versions of a document, oldest first.
func (s *DocumentStore) Versions(docID string) ([]string, error) {
	entries, err := os.ReadDir(s.docDir(docID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errs.Errorf(errs.KindNotFound, "document %s not found", docID)
		}
		return nil, fmt.Errorf("list versions of %s: %w", docID, err)
	}

	var versions []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, ".md") {
			continue
		}
		versions = append(versions, strings.TrimSuffix(name, ".md"))
	}
	if len(versions) == 0 {
		return nil, errs.Errorf(errs.KindNotFound, "document %s has no versions", docID)
	}

	sort.Slice(versions, func(i, j int) bool {
		return versionLess(versions[i], versions[j])
	})
	return versions, nil
}

// LatestVersion returns the newest stored version of a document.
func (s *DocumentStore) LatestVersion(docID string) (string, error) {
	versions, err := s.Versions(docID)
	if err != nil {
		return "", err
	}
	return versions[len(versions)-1], nil
}

// List returns the ids of all stored documents.
func (s *DocumentStore) List() ([]string, error) {
	entries, err := os.ReadDir(s.paths.DocumentsDir())
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("list documents: %w", err)
	}

	var ids []string
	for _, e := range entries {
		if e.IsDir() {
			ids = append(ids, e.Name())
		}
	}
	return ids, nil
}

// Delete removes every version of a document. Deleting an unknown
// document is not an error.
func (s *DocumentStore) Delete(docID string) error {
	if err := os.RemoveAll(s.docDir(docID)); err != nil {
		return fmt.Errorf("delete document %s: %w", docID, err)
	}
	s.logger.Debug("document deleted", "doc_id", docID)
	return nil
}

// versionLess orders decimal version strings numerically with a
// lexicographic fallback for non-numeric names.
func versionLess(a, b string) bool {
	ai, errA := strconv.ParseInt(a, 10, 64)
	bi, errB := strconv.ParseInt(b, 10, 64)
	if errA == nil && errB == nil {
		return ai < bi
	}
	return a < b
}
