package config

import (
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/MrWong99/voxscribe/internal/asr"
)

// ErrEngineNotRegistered is returned by [Registry.Create] when no factory has
// been registered under the requested engine name.
var ErrEngineNotRegistered = errors.New("config: engine not registered")

// EngineFactory builds the model loader for an engine from the full
// configuration. It must not load the model itself.
type EngineFactory func(cfg *Config) (asr.LoadFunc, error)

// Registry maps ASR engine names to their factories. It is safe for
// concurrent use.
type Registry struct {
	mu      sync.RWMutex
	engines map[string]EngineFactory
}

// NewRegistry returns an empty, ready-to-use [Registry].
func NewRegistry() *Registry {
	return &Registry{engines: make(map[string]EngineFactory)}
}

// Register registers an engine factory under name.
// Subsequent calls with the same name overwrite the previous registration.
func (r *Registry) Register(name string, factory EngineFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.engines[name] = factory
}

// Names returns the registered engine names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.engines))
	for name := range r.engines {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// Create returns the loader built by the factory registered under
// cfg.ASR.Engine. Returns [ErrEngineNotRegistered] if there is none.
func (r *Registry) Create(cfg *Config) (asr.LoadFunc, error) {
	r.mu.RLock()
	factory, ok := r.engines[cfg.ASR.Engine]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrEngineNotRegistered, cfg.ASR.Engine)
	}
	load, err := factory(cfg)
	if err != nil {
		return nil, fmt.Errorf("config: engine %q: %w", cfg.ASR.Engine, err)
	}
	return load, nil
}
