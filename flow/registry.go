package flow

import (
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"

	"github.com/zoeflow/zoeflow/errs"
)

// Registry serves bundled flow definitions from a directory and keeps
// them fresh by watching the directory for changes.
type Registry struct {
	dir     string
	logger  *slog.Logger
	watcher *fsnotify.Watcher
	done    chan struct{}

	mu    sync.RWMutex
	flows map[string]*Graph
}

// NewRegistry loads every *.json definition under dir and starts the
// change watcher. A missing directory is created empty.
func NewRegistry(dir string, logger *slog.Logger) (*Registry, error) {
	if logger == nil {
		logger = slog.New(slog.NewJSONHandler(os.Stdout, nil))
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errs.Wrap(errs.KindInternal, "create flows dir", err)
	}
	r := &Registry{
		dir:    dir,
		logger: logger,
		done:   make(chan struct{}),
		flows:  map[string]*Graph{},
	}
	if err := r.reload(); err != nil {
		return nil, err
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, errs.Wrap(errs.KindInternal, "create flow watcher", err)
	}
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return nil, errs.Wrap(errs.KindInternal, "watch flows dir", err)
	}
	r.watcher = watcher
	go r.watch()
	return r, nil
}

// Get returns a bundled flow by name.
func (r *Registry) Get(name string) (*Graph, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	graph, ok := r.flows[name]
	if !ok {
		return nil, errs.Errorf(errs.KindNotFound, "flow %s not found", name)
	}
	return graph, nil
}

// List returns the bundled flow names, sorted.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.flows))
	for name := range r.flows {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Close stops the watcher.
func (r *Registry) Close() error {
	close(r.done)
	if r.watcher != nil {
		return r.watcher.Close()
	}
	return nil
}

// reload re-reads every definition. A file that fails to parse is
// skipped with a warning so one bad definition cannot take down the
// rest.
func (r *Registry) reload() error {
	entries, err := os.ReadDir(r.dir)
	if err != nil {
		return errs.Wrap(errs.KindInternal, "read flows dir", err)
	}
	flows := map[string]*Graph{}
	for _, entry := range entries {
		if entry.IsDir() || !strings.EqualFold(filepath.Ext(entry.Name()), ".json") {
			continue
		}
		path := filepath.Join(r.dir, entry.Name())
		raw, err := os.ReadFile(path)
		if err != nil {
			r.logger.Warn("read flow definition failed", "path", path, "error", err)
			continue
		}
		graph, err := ParseGraph(raw)
		if err != nil {
			r.logger.Warn("parse flow definition failed", "path", path, "error", err)
			continue
		}
		name := graph.Name
		if name == "" {
			name = strings.TrimSuffix(entry.Name(), filepath.Ext(entry.Name()))
		}
		flows[name] = graph
	}
	r.mu.Lock()
	r.flows = flows
	r.mu.Unlock()
	return nil
}

// watch reloads the definitions whenever a .json file in the directory
// is created, written, renamed, or removed.
func (r *Registry) watch() {
	for {
		select {
		case event, ok := <-r.watcher.Events:
			if !ok {
				return
			}
			if !strings.EqualFold(filepath.Ext(event.Name), ".json") {
				continue
			}
			if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename|fsnotify.Remove) == 0 {
				continue
			}
			if err := r.reload(); err != nil {
				r.logger.Warn("flow registry reload failed", "error", err)
				continue
			}
			r.logger.Info("flow definitions reloaded", "trigger", filepath.Base(event.Name))
		case err, ok := <-r.watcher.Errors:
			if !ok {
				return
			}
			r.logger.Warn("flow watcher error", "error", err)
		case <-r.done:
			return
		}
	}
}
