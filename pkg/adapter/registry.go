package adapter

import (
	"context"
	"fmt"
	"sync"

	"github.com/relialab/dbcore/pkg/dbcapabilities"
)

// Registry maps database types to their adapters. It is an explicit object
// owned by the caller, not a hidden package global.
type Registry struct {
	mu       sync.RWMutex
	adapters map[dbcapabilities.DatabaseType]Adapter
}

// NewRegistry creates an empty adapter registry.
func NewRegistry() *Registry {
	return &Registry{adapters: make(map[dbcapabilities.DatabaseType]Adapter)}
}

// Register registers an adapter, replacing any previous one of the same type.
func (r *Registry) Register(a Adapter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.adapters[a.Type()] = a
}

// Get retrieves a registered adapter by canonical type.
func (r *Registry) Get(dbType dbcapabilities.DatabaseType) (Adapter, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.adapters[dbType]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrAdapterNotFound, dbType)
	}
	return a, nil
}

// GetByName retrieves a registered adapter by name or alias.
func (r *Registry) GetByName(name string) (Adapter, error) {
	dbType, ok := dbcapabilities.ParseID(name)
	if !ok {
		return nil, fmt.Errorf("%w: unknown database type %q", ErrAdapterNotFound, name)
	}
	return r.Get(dbType)
}

// IsRegistered reports whether an adapter exists for the given type.
func (r *Registry) IsRegistered(dbType dbcapabilities.DatabaseType) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.adapters[dbType]
	return ok
}

// ListRegistered returns all registered database types.
func (r *Registry) ListRegistered() []dbcapabilities.DatabaseType {
	r.mu.RLock()
	defer r.mu.RUnlock()
	types := make([]dbcapabilities.DatabaseType, 0, len(r.adapters))
	for t := range r.adapters {
		types = append(types, t)
	}
	return types
}

// Connect resolves the adapter for the config's type tag and connects.
func (r *Registry) Connect(ctx context.Context, config ConnectionConfig) (Connection, error) {
	dbType, err := config.DatabaseType()
	if err != nil {
		return nil, err
	}
	a, err := r.Get(dbType)
	if err != nil {
		return nil, err
	}
	conn, err := a.Connect(ctx, config)
	if err != nil {
		return nil, WrapError(dbType, "connect", err)
	}
	return conn, nil
}

// GetCapabilities returns the capability entry for a registered adapter.
func (r *Registry) GetCapabilities(dbType dbcapabilities.DatabaseType) (dbcapabilities.Capability, error) {
	a, err := r.Get(dbType)
	if err != nil {
		return dbcapabilities.Capability{}, err
	}
	return a.Capabilities(), nil
}
