package cpclient

import (
	"sync"
)

// Mutexmap is simply a generic map protected by a sync.RWMutex.
// The client caches resolved group ids in one.
type Mutexmap[K comparable, V any] struct {
	mut sync.RWMutex
	m   map[K]V
}

// NewMutexmap creates a new mutex-protected map.
func NewMutexmap[K comparable, V any]() *Mutexmap[K, V] {
	return &Mutexmap[K, V]{
		m: make(map[K]V),
	}
}

// Get returns the value val for key.
func (m *Mutexmap[K, V]) Get(key K) (val V, ok bool) {
	m.mut.RLock()
	val, ok = m.m[key]
	m.mut.RUnlock()
	return
}

// GetOrSet returns the value already stored under key,
// or stores and returns val. loaded tells which.
func (m *Mutexmap[K, V]) GetOrSet(key K, val V) (actual V, loaded bool) {
	m.mut.Lock()
	actual, loaded = m.m[key]
	if !loaded {
		m.m[key] = val
		actual = val
	}
	m.mut.Unlock()
	return
}
