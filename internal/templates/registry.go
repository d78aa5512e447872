package templates

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"
)

// Source yields template definitions from external data.
type Source interface {
	Load(ctx context.Context) ([]Template, error)
	Describe() string
}

// Registry is the read-mostly template lookup used by the engine.
type Registry struct {
	store     *Store
	validator ConditionValidator
	logger    *zap.Logger

	mu    sync.RWMutex
	cache map[string]Template
}

// NewRegistry constructs a registry over store. Templates are validated with
// validator before they are published.
func NewRegistry(store *Store, validator ConditionValidator, logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		store:     store,
		validator: validator,
		logger:    logger,
		cache:     make(map[string]Template),
	}
}

// Get returns the template registered under id.
func (r *Registry) Get(ctx context.Context, id string) (Template, error) {
	r.mu.RLock()
	template, ok := r.cache[id]
	r.mu.RUnlock()
	if ok {
		return template, nil
	}
	if r.store == nil {
		return Template{}, fmt.Errorf("%w: %q", ErrUnknownTemplate, id)
	}

	template, err := r.store.Find(ctx, id)
	if err != nil {
		return Template{}, err
	}
	r.mu.Lock()
	r.cache[id] = template
	r.mu.Unlock()
	return template, nil
}

// Publish validates, persists and caches template.
func (r *Registry) Publish(ctx context.Context, template Template) error {
	normalize(&template)
	if err := template.Validate(r.validator); err != nil {
		return err
	}
	if r.store != nil {
		created, err := r.store.Publish(ctx, template)
		if err != nil {
			return err
		}
		if created {
			r.logger.Info("template published",
				zap.String("template_id", template.ID),
				zap.Int("version", template.Version))
		}
	}
	r.mu.Lock()
	r.cache[template.ID] = template
	r.mu.Unlock()
	return nil
}

// Refresh replaces the cache with every persisted template.
func (r *Registry) Refresh(ctx context.Context) error {
	if r.store == nil {
		return nil
	}
	persisted, err := r.store.List(ctx)
	if err != nil {
		return err
	}
	refreshed := make(map[string]Template, len(persisted))
	for _, template := range persisted {
		refreshed[template.ID] = template
	}
	r.mu.Lock()
	r.cache = refreshed
	r.mu.Unlock()
	return nil
}

// LoadFrom publishes every template yielded by source. A template that fails
// validation or collides with a published definition aborts the load.
func (r *Registry) LoadFrom(ctx context.Context, source Source) (int, error) {
	loaded, err := source.Load(ctx)
	if err != nil {
		return 0, fmt.Errorf("templates: load %s: %w", source.Describe(), err)
	}
	published := 0
	var problems []error
	for _, template := range loaded {
		if err := r.Publish(ctx, template); err != nil {
			r.logger.Error("template rejected",
				zap.String("source", source.Describe()),
				zap.String("template_id", template.ID),
				zap.Error(err))
			problems = append(problems, err)
			continue
		}
		published++
	}
	return published, errors.Join(problems...)
}

// IDs lists the cached template ids.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.cache))
	for id := range r.cache {
		ids = append(ids, id)
	}
	return ids
}
