package state

import (
	"sync"

	"github.com/dshills/langbridge/internal/rpc"
)

// LockRegistry hands out one mutex per backend. It serializes lifecycle work
// (start, stop, configuration) on a backend without blocking the others.
// Entries are never removed; the number of backends is fixed by configuration.
type LockRegistry struct {
	mu    sync.Mutex
	locks map[rpc.LanguageID]*sync.Mutex
}

// NewLockRegistry creates an empty registry.
func NewLockRegistry() *LockRegistry {
	return &LockRegistry{locks: make(map[rpc.LanguageID]*sync.Mutex)}
}

// LockFor returns the mutex of id, creating it on first use. Every call with
// the same id returns the same mutex.
func (r *LockRegistry) LockFor(id rpc.LanguageID) *sync.Mutex {
	r.mu.Lock()
	defer r.mu.Unlock()

	l, ok := r.locks[id]
	if !ok {
		l = &sync.Mutex{}
		r.locks[id] = l
	}
	return l
}

// Len returns the number of backends that have a lock.
func (r *LockRegistry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.locks)
}
