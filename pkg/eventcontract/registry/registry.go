// Package registry is a small generic lookup table guarded by a RWMutex.
//
// The schema package keeps documents and compiled validators in it, and the
// pipeline keeps its handler dispatch table there. Lookups dominate.
package registry

import (
	"iter"
	"maps"
	"slices"
	"sync"
)

// Registry maps keys to values and is safe for concurrent use.
type Registry[K comparable, V any] struct {
	mu    sync.RWMutex
	items map[K]V
}

// New returns an empty Registry.
func New[K comparable, V any]() *Registry[K, V] {
	return &Registry[K, V]{items: map[K]V{}}
}

// Register sets value under key, overwriting any earlier value.
func (r *Registry[K, V]) Register(key K, value V) {
	r.mu.Lock()
	r.items[key] = value
	r.mu.Unlock()
}

// Get looks up key.
func (r *Registry[K, V]) Get(key K) (V, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	v, ok := r.items[key]
	return v, ok
}

// LoadOrStore keeps the first value registered under key. It returns the
// value now held and reports whether it was already there.
func (r *Registry[K, V]) LoadOrStore(key K, value V) (V, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if held, ok := r.items[key]; ok {
		return held, true
	}
	r.items[key] = value
	return value, false
}

// Len reports how many keys are registered.
func (r *Registry[K, V]) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.items)
}

// All iterates a copy of the entries taken when iteration starts, so the
// loop body may Register without deadlocking.
func (r *Registry[K, V]) All() iter.Seq2[K, V] {
	return func(yield func(K, V) bool) {
		for k, v := range r.snapshot() {
			if !yield(k, v) {
				return
			}
		}
	}
}

func (r *Registry[K, V]) snapshot() map[K]V {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return maps.Clone(r.items)
}

// SortedKeys lists the keys of a string-keyed registry in ascending order.
func SortedKeys[V any](r *Registry[string, V]) []string {
	return slices.Sorted(maps.Keys(r.snapshot()))
}
