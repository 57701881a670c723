// Package keymutex provides per-key mutual exclusion. Operations that
// target the same sandbox or container id are serialized against each
// other; operations on different ids never contend.
package keymutex

import (
	"sync"
)

// KeyMutex serializes callers per key
type KeyMutex struct {
	mu    sync.Mutex
	locks map[string]*entry
}

type entry struct {
	mu   sync.Mutex
	refs int
}

// New creates an empty KeyMutex
func New() *KeyMutex {
	return &KeyMutex{locks: make(map[string]*entry)}
}

// LockKey blocks until the lock for key is held by the caller
func (km *KeyMutex) LockKey(key string) {
	km.mu.Lock()
	e, ok := km.locks[key]
	if !ok {
		e = &entry{}
		km.locks[key] = e
	}
	e.refs++
	km.mu.Unlock()

	e.mu.Lock()
}

// UnlockKey releases the lock for key. Entries are dropped once the last
// waiter is gone so the map does not grow with dead ids.
func (km *KeyMutex) UnlockKey(key string) {
	km.mu.Lock()
	e, ok := km.locks[key]
	if ok {
		e.refs--
		if e.refs == 0 {
			delete(km.locks, key)
		}
	}
	km.mu.Unlock()

	if ok {
		e.mu.Unlock()
	}
}
