package devicemodel

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// Logger defines the logging interface used across the package.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// Registry caches models in memory in front of a Repository. Device
// services resolve a model on every create, update and sync, so lookups
// must not hit SQLite each time.
//
// The cache is populated by RefreshCache and kept current by Put and
// Remove. Every returned model is a deep copy.
//
// All public methods are thread-safe.
type Registry struct {
	repo    Repository
	cache   map[string]*DeviceModel
	cacheMu sync.RWMutex
	loaded  bool
	logger  Logger
}

// NewRegistry creates a model cache over repo.
func NewRegistry(repo Repository) *Registry {
	return &Registry{
		repo:   repo,
		cache:  make(map[string]*DeviceModel),
		logger: noopLogger{},
	}
}

// SetLogger sets the logger for the registry.
func (r *Registry) SetLogger(logger Logger) {
	r.logger = logger
}

// RefreshCache reloads every model from the repository.
func (r *Registry) RefreshCache(ctx context.Context) error {
	models, err := r.repo.ListAll(ctx)
	if err != nil {
		return fmt.Errorf("loading device models: %w", err)
	}

	r.cacheMu.Lock()
	defer r.cacheMu.Unlock()

	r.cache = make(map[string]*DeviceModel, len(models))
	for i := range models {
		r.cache[models[i].ID] = models[i].DeepCopy()
	}
	r.loaded = true

	r.logger.Info("device model cache refreshed", "count", len(models))
	return nil
}

// Get returns a model, falling back to the repository on a cache miss.
func (r *Registry) Get(ctx context.Context, id string) (*DeviceModel, error) {
	r.cacheMu.RLock()
	cached, ok := r.cache[id]
	r.cacheMu.RUnlock()
	if ok {
		return cached.DeepCopy(), nil
	}

	m, err := r.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	r.Put(m)
	return m, nil
}

// All returns every cached model ordered by name.
func (r *Registry) All(ctx context.Context) ([]DeviceModel, error) {
	r.cacheMu.RLock()
	loaded := r.loaded
	r.cacheMu.RUnlock()
	if !loaded {
		if err := r.RefreshCache(ctx); err != nil {
			return nil, err
		}
	}

	r.cacheMu.RLock()
	defer r.cacheMu.RUnlock()
	out := make([]DeviceModel, 0, len(r.cache))
	for _, m := range r.cache {
		out = append(out, *m.DeepCopy())
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Name != out[j].Name {
			return out[i].Name < out[j].Name
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// Put stores a copy of m.
func (r *Registry) Put(m *DeviceModel) {
	r.cacheMu.Lock()
	r.cache[m.ID] = m.DeepCopy()
	r.cacheMu.Unlock()
}

// Remove evicts a model.
func (r *Registry) Remove(id string) {
	r.cacheMu.Lock()
	delete(r.cache, id)
	r.cacheMu.Unlock()
}

// Len returns the number of cached models.
func (r *Registry) Len() int {
	r.cacheMu.RLock()
	defer r.cacheMu.RUnlock()
	return len(r.cache)
}
