package vectorstore

import (
	"log/slog"
	"os"
	"sort"
	"strings"
	"sync"

	"github.com/zoeflow/zoeflow/errs"
	"github.com/zoeflow/zoeflow/schema"
	"github.com/zoeflow/zoeflow/storage"
	"github.com/zoeflow/zoeflow/vectorstore/chromem"
)

// Manager hands out one Store per storeId under the content root. The
// backend is chosen at construction: the JSON file store, or the
// chromem-backed local index when useVectra is set. Handles are cached
// so every caller shares the store's writer lock.
type Manager struct {
	paths     storage.Paths
	useVectra bool
	logger    *slog.Logger

	mu     sync.Mutex
	stores map[string]Store
}

func NewManager(paths storage.Paths, useVectra bool, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.New(slog.NewJSONHandler(os.Stdout, nil))
	}
	return &Manager{
		paths:     paths,
		useVectra: useVectra,
		logger:    logger,
		stores:    map[string]Store{},
	}
}

// Get returns the shared handle for storeId, creating it on first use.
func (m *Manager) Get(storeID string) (Store, error) {
	if !schema.ValidStoreID(storeID) {
		return nil, errs.Errorf(errs.KindValidation, "invalid store id %q", storeID)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if store, ok := m.stores[storeID]; ok {
		return store, nil
	}

	var store Store
	if m.useVectra {
		store = chromem.NewStore(m.paths.StoreVectraDir(storeID), storeID, m.logger)
	} else {
		store = NewJSONStore(m.paths.StoreJSONPath(storeID), m.logger)
	}
	m.stores[storeID] = store
	return store, nil
}

// List names every store present on disk, across both backends.
func (m *Manager) List() ([]string, error) {
	entries, err := os.ReadDir(m.paths.VectorStoresDir())
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, errs.Wrap(errs.KindInternal, "list vector stores", err)
	}

	seen := map[string]bool{}
	for _, entry := range entries {
		name := entry.Name()
		switch {
		case entry.IsDir() && strings.HasSuffix(name, ".vectra"):
			seen[strings.TrimSuffix(name, ".vectra")] = true
		case !entry.IsDir() && strings.HasSuffix(name, ".json"):
			seen[strings.TrimSuffix(name, ".json")] = true
		}
	}

	ids := make([]string, 0, len(seen))
	for id := range seen {
		if schema.ValidStoreID(id) {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids, nil
}
