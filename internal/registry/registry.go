// Package registry maps configuration module names to driver factories.
package registry

import (
	"errors"
	"fmt"
	"sort"
	"sync"
)

// ErrNotFound is returned for a module name nobody registered.
var ErrNotFound = errors.New("module not registered")

// Schema builds empty option structs so a module's config keys can be
// decoded and validated without constructing the driver. Nil fields mean the
// driver takes no keys at that level.
type Schema struct {
	Module func() any
	// Input is for per-input keys, used by sensor drivers.
	Input  func() any
}

type entry[F any] struct {
	factory F
	schema  Schema
}

// Registry holds factories of one driver kind (gpio, sensor, stream).
type Registry[F any] struct {
	kind    string
	entries map[string]entry[F]
	mu      sync.RWMutex
}

// New creates an empty registry. kind only appears in error messages.
func New[F any](kind string) *Registry[F] {
	return &Registry[F]{
		kind:    kind,
		entries: make(map[string]entry[F]),
	}
}

// Register adds a factory. Drivers call it from init; registering the same
// name twice is a programming error and panics.
func (r *Registry[F]) Register(name string, factory F, schema Schema) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.entries[name]; exists {
		panic(fmt.Sprintf("%s module %q registered twice", r.kind, name))
	}
	r.entries[name] = entry[F]{factory: factory, schema: schema}
}

// Get returns the factory registered under name.
func (r *Registry[F]) Get(name string) (F, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, exists := r.entries[name]
	if !exists {
		var zero F
		return zero, r.notFound(name)
	}
	return e.factory, nil
}

// Schema returns the option schema registered with name.
func (r *Registry[F]) Schema(name string) (Schema, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, exists := r.entries[name]
	if !exists {
		return Schema{}, r.notFound(name)
	}
	return e.schema, nil
}

func (r *Registry[F]) notFound(name string) error {
	return fmt.Errorf("%s module %q: %w", r.kind, name, ErrNotFound)
}

// List returns all registered names, sorted.
func (r *Registry[F]) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.entries))
	for name := range r.entries {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
