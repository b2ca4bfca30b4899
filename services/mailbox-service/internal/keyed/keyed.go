// Package keyed provides per-key read/write locks whose entries are dropped once unused.
package keyed

import "sync"

type entry struct {
	mu   sync.RWMutex
	refs int
}

// RWMutex serializes work per key while leaving distinct keys fully parallel.
// The zero value is ready to use.
type RWMutex struct {
	mu      sync.Mutex
	entries map[string]*entry
}

// Lock acquires the exclusive lock for key and returns its release func
func (k *RWMutex) Lock(key string) func() {
	e := k.acquire(key)
	e.mu.Lock()
	return func() {
		e.mu.Unlock()
		k.release(key, e)
	}
}

// RLock acquires a shared lock for key and returns its release func
func (k *RWMutex) RLock(key string) func() {
	e := k.acquire(key)
	e.mu.RLock()
	return func() {
		e.mu.RUnlock()
		k.release(key, e)
	}
}

// Len reports how many keys currently hold or wait for a lock
func (k *RWMutex) Len() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.entries)
}

func (k *RWMutex) acquire(key string) *entry {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.entries == nil {
		k.entries = make(map[string]*entry)
	}
	e, ok := k.entries[key]
	if !ok {
		e = &entry{}
		k.entries[key] = e
	}
	e.refs++
	return e
}

func (k *RWMutex) release(key string, e *entry) {
	k.mu.Lock()
	defer k.mu.Unlock()
	e.refs--
	if e.refs == 0 {
		delete(k.entries, key)
	}
}
