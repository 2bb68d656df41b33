// Package cache provides the content-addressed embedding and enrichment
// caches. Each cache is one JSON file shaped {"entries": {key: entry}},
// loaded lazily, written atomically, and shared across jobs through a
// single handle that serializes writers.
package cache

import (
	"log/slog"
	"os"
	"sync"

	"github.com/zoeflow/zoeflow/errs"
	"github.com/zoeflow/zoeflow/storage"
)

type envelope[T any] struct {
	Entries map[string]T `json:"entries"`
}

// fileCache is the shared container behind both cache kinds. The
// in-memory copy is dropped after every successful write so readers
// always observe the persisted state.
type fileCache[T any] struct {
	path   string
	logger *slog.Logger

	mu      sync.Mutex
	loaded  bool
	entries map[string]T
}

func newFileCache[T any](path string, logger *slog.Logger) *fileCache[T] {
	if logger == nil {
		logger = slog.New(slog.NewJSONHandler(os.Stdout, nil))
	}
	return &fileCache[T]{path: path, logger: logger}
}

// loadLocked reads the file into memory once. A missing file is an
// empty cache; an unreadable one is logged and treated as empty, so a
// corrupt cache costs recomputation instead of an outage.
func (c *fileCache[T]) loadLocked() {
	if c.loaded {
		return
	}
	c.entries = map[string]T{}
	c.loaded = true

	var env envelope[T]
	if err := storage.ReadJSON(c.path, &env); err != nil {
		if !os.IsNotExist(err) {
			c.logger.Warn("cache file unreadable, starting empty", "path", c.path, "error", err)
		}
		return
	}
	if env.Entries != nil {
		c.entries = env.Entries
	}
}

func (c *fileCache[T]) persistLocked() error {
	err := storage.WriteJSONAtomic(c.path, envelope[T]{Entries: c.entries})
	if err != nil {
		return errs.Wrap(errs.KindInternal, "persist cache "+c.path, err)
	}
	c.loaded = false
	c.entries = nil
	return nil
}

func (c *fileCache[T]) get(key string) (T, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.loadLocked()
	v, ok := c.entries[key]
	return v, ok
}

func (c *fileCache[T]) getMany(keys []string) []*T {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.loadLocked()

	out := make([]*T, len(keys))
	for i, key := range keys {
		if v, ok := c.entries[key]; ok {
			entry := v
			out[i] = &entry
		}
	}
	return out
}

func (c *fileCache[T]) set(key string, value T) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.loadLocked()
	c.entries[key] = value
	return c.persistLocked()
}

func (c *fileCache[T]) setMany(values map[string]T) error {
	if len(values) == 0 {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.loadLocked()
	for key, value := range values {
		c.entries[key] = value
	}
	return c.persistLocked()
}

// deleteByFilter removes every entry the predicate selects and returns
// how many were removed. Nothing is written when nothing matched.
func (c *fileCache[T]) deleteByFilter(pred func(key string, entry T) bool) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.loadLocked()

	removed := 0
	for key, entry := range c.entries {
		if pred(key, entry) {
			delete(c.entries, key)
			removed++
		}
	}
	if removed == 0 {
		return 0, nil
	}
	if err := c.persistLocked(); err != nil {
		return removed, err
	}
	return removed, nil
}

func (c *fileCache[T]) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.loadLocked()
	return len(c.entries)
}
