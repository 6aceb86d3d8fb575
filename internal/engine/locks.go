package engine

import "sync"

// nameLocks serialises writes to the same file name. Entries are reference
// counted and removed once no writer holds or waits for them.
type nameLocks struct {
	mu    sync.Mutex
	locks map[string]*nameLock
}

type nameLock struct {
	mu   sync.Mutex
	refs int
}

func newNameLocks() *nameLocks {
	return &nameLocks{locks: make(map[string]*nameLock)}
}

// Lock blocks until name is free and returns the function that releases it.
func (l *nameLocks) Lock(name string) func() {
	l.mu.Lock()
	nl, ok := l.locks[name]
	if !ok {
		nl = &nameLock{}
		l.locks[name] = nl
	}
	nl.refs++
	l.mu.Unlock()

	nl.mu.Lock()
	return func() {
		nl.mu.Unlock()

		l.mu.Lock()
		nl.refs--
		if nl.refs == 0 {
			delete(l.locks, name)
		}
		l.mu.Unlock()
	}
}

// held returns the number of names with an active or waiting writer.
func (l *nameLocks) held() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.locks)
}
