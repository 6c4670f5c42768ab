// Package lock provides per-key mutual exclusion for irreversible financial
// transitions (settlement, bet refunds). Locks are held only for one
// read-decide-write critical section, never across external I/O.
package lock

import "sync"

// Keyed hands out one mutex per string key. Under contention exactly one
// caller holds the key; the rest block until release and then observe the
// terminal state the winner left behind.
type Keyed struct {
	mu    sync.Mutex
	locks map[string]*entry
}

type entry struct {
	mu   sync.Mutex
	refs int
}

// NewKeyed creates an empty keyed lock set.
func NewKeyed() *Keyed {
	return &Keyed{locks: make(map[string]*entry)}
}

// Acquire blocks until the key's mutex is held and returns the release
// function. Entries are reference-counted so idle keys do not accumulate.
func (k *Keyed) Acquire(key string) func() {
	k.mu.Lock()
	e, ok := k.locks[key]
	if !ok {
		e = &entry{}
		k.locks[key] = e
	}
	e.refs++
	k.mu.Unlock()

	e.mu.Lock()

	return func() {
		e.mu.Unlock()

		k.mu.Lock()
		e.refs--
		if e.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}
