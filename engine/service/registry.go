package service

import (
	"sort"
	"sync"

	"github.com/gridweave/gridweave/engine/model"
)

// SystemRegistry holds converted systems by name so later jobs and queries
// can reference them without re-reading source files. Converting a system
// with an existing name replaces the earlier entry.
type SystemRegistry struct {
	mu      sync.RWMutex
	systems map[string]*model.DistributionSystem
}

// NewSystemRegistry creates an empty registry.
func NewSystemRegistry() *SystemRegistry {
	return &SystemRegistry{systems: make(map[string]*model.DistributionSystem)}
}

// Put stores a system under its normalized name.
func (r *SystemRegistry) Put(sys *model.DistributionSystem) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.systems[model.NormalizeIdentity(sys.Name)] = sys
}

// Get returns a system by name.
func (r *SystemRegistry) Get(name string) (*model.DistributionSystem, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sys, ok := r.systems[model.NormalizeIdentity(name)]
	return sys, ok
}

// Names returns the registered system names in ascending order.
func (r *SystemRegistry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.systems))
	for name := range r.systems {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Len returns the number of registered systems.
func (r *SystemRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.systems)
}
