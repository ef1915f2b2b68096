// Package counter maintains denormalized counter columns on parent records.
// This file defines the Registry, the bookkeeping map from composite keys to
// live bindings, owned by the application's startup routine.
package counter

import (
	"sync"

	"github.com/leandroluk/tally/core"
)

// Key identifies a binding by its composite coordinates: parent collection,
// child collection, reference name on the child, and counter column on the
// parent.
type Key struct {
	Parent    string
	Child     string
	Reference string
	Counter   string
}

// Registry owns the driver and change bus shared by its bindings and records
// every binding created through Bind.
//
// There is no package-level registry: an application constructs one Registry
// at startup and declares its bindings against it.
type Registry struct {
	driver core.Driver
	bus    *core.ChangeBus

	mutex      sync.RWMutex
	bindingMap map[Key][]*Binding
}

// NewRegistry creates an empty Registry around a driver and change bus.
func NewRegistry(driver core.Driver, bus *core.ChangeBus) *Registry {
	return &Registry{
		driver:     driver,
		bus:        bus,
		bindingMap: make(map[Key][]*Binding),
	}
}

// Bind constructs a binding from def, attaches it to the registry's change
// bus, and records it under its composite key.
//
// Registration is idempotent-unsafe: binding the same key twice creates two
// independent subscriptions, both firing on every child change. Callers must
// not double-register.
func Bind[C any](registry *Registry, def Def[C]) (*Binding, error) {
	binding, err := New(registry.driver, def)
	if err != nil {
		return nil, err
	}
	binding.Attach(registry.bus)

	registry.mutex.Lock()
	defer registry.mutex.Unlock()
	key := binding.Key()
	registry.bindingMap[key] = append(registry.bindingMap[key], binding)
	return binding, nil
}

// Lookup returns the bindings recorded under the given key, in registration
// order. The result is nil when no binding was recorded for the key.
func (r *Registry) Lookup(key Key) []*Binding {
	r.mutex.RLock()
	defer r.mutex.RUnlock()
	return r.bindingMap[key]
}

// Len returns the number of distinct keys with at least one recorded binding.
func (r *Registry) Len() int {
	r.mutex.RLock()
	defer r.mutex.RUnlock()
	return len(r.bindingMap)
}
