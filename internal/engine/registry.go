package engine

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// Factory builds an engine for a configuration id.
type Factory func(configID string) (*Engine, error)

// Registry supervises the live engines, keyed by configuration id. Engines
// are created on start and removed on stop; nothing holds a package-level
// engine variable.
type Registry struct {
	factory Factory

	mu      sync.Mutex
	engines map[string]*Engine
}

// NewRegistry creates a registry using factory for engine construction.
func NewRegistry(factory Factory) *Registry {
	return &Registry{
		factory: factory,
		engines: make(map[string]*Engine),
	}
}

// Start creates (if needed) and starts the engine for configID.
func (r *Registry) Start(ctx context.Context, configID string, contractExpiry *time.Time) error {
	r.mu.Lock()
	e, ok := r.engines[configID]
	if !ok {
		var err error
		e, err = r.factory(configID)
		if err != nil {
			r.mu.Unlock()
			return fmt.Errorf("creating engine for %s: %w", configID, err)
		}
		r.engines[configID] = e
	}
	r.mu.Unlock()

	if err := e.Start(ctx, contractExpiry); err != nil {
		r.mu.Lock()
		// A failed cold start leaves no engine worth keeping around.
		if !ok {
			delete(r.engines, configID)
		}
		r.mu.Unlock()
		return err
	}
	return nil
}

// Stop stops and removes the engine for configID.
func (r *Registry) Stop(ctx context.Context, configID string) error {
	r.mu.Lock()
	e, ok := r.engines[configID]
	r.mu.Unlock()
	if !ok {
		return ErrNotRunning
	}
	if err := e.Stop(ctx); err != nil {
		return err
	}
	r.mu.Lock()
	delete(r.engines, configID)
	r.mu.Unlock()
	return nil
}

// Get returns the live engine for configID, if any.
func (r *Registry) Get(configID string) (*Engine, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.engines[configID]
	return e, ok
}

// ConfigIDs lists the configurations with live engines, sorted.
func (r *Registry) ConfigIDs() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]string, 0, len(r.engines))
	for id := range r.engines {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// StopAll stops every live engine, returning the first error.
func (r *Registry) StopAll(ctx context.Context) error {
	var firstErr error
	for _, id := range r.ConfigIDs() {
		if err := r.Stop(ctx, id); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
