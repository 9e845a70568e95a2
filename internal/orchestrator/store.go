package orchestrator

import "sync"

// KeyedLock serializes work per transaction id so validation, review
// decisions, and settlement writes for one transaction never interleave.
// Entries are reference counted and dropped when the last holder unlocks,
// keeping the map bounded by in-flight transactions.
type KeyedLock struct {
	mu      sync.Mutex
	entries map[string]*lockEntry
}

type lockEntry struct {
	mu   sync.Mutex
	refs int
}

func NewKeyedLock() *KeyedLock {
	return &KeyedLock{entries: make(map[string]*lockEntry)}
}

// Lock blocks until the per-id mutex is held and returns the unlock func.
func (l *KeyedLock) Lock(id string) func() {
	l.mu.Lock()
	e, ok := l.entries[id]
	if !ok {
		e = &lockEntry{}
		l.entries[id] = e
	}
	e.refs++
	l.mu.Unlock()

	e.mu.Lock()
	return func() {
		e.mu.Unlock()
		l.mu.Lock()
		e.refs--
		if e.refs == 0 {
			delete(l.entries, id)
		}
		l.mu.Unlock()
	}
}
