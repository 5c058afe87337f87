package router

import (
	"maps"
	"slices"
	"sync"
)

// SupervisorRegistry tracks the supervisor of each running subsystem
// (adapters, relay engine, ledger, pprof) so command handlers and the
// hot-reload path can inspect them. Many goroutines read it while
// subsystems restart, hence the lock.
type SupervisorRegistry struct {
	mu     sync.RWMutex
	byName map[string]*Supervisor
}

func NewSupervisorRegistry() *SupervisorRegistry {
	return &SupervisorRegistry{byName: map[string]*Supervisor{}}
}

// Set binds name to sup, replacing any previous entry. Nil removes it.
func (r *SupervisorRegistry) Set(name string, sup *Supervisor) {
	if r == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if sup == nil {
		delete(r.byName, name)
		return
	}
	r.byName[name] = sup
}

func (r *SupervisorRegistry) Delete(name string) { r.Set(name, nil) }

// Snapshot copies the registry so callers can iterate without the lock.
func (r *SupervisorRegistry) Snapshot() map[string]*Supervisor {
	if r == nil {
		return nil
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	return maps.Clone(r.byName)
}

// Names returns the registered names in sorted order.
func (r *SupervisorRegistry) Names() []string {
	if r == nil {
		return nil
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Sorted(maps.Keys(r.byName))
}
