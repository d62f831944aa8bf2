package session

import (
	"context"
	"sync"

	"golang.org/x/sync/semaphore"
)

// lockTable hands out one exclusive lock per session id. Entries are
// reference counted and dropped once nobody holds or waits on them.
type lockTable struct {
	mu      sync.Mutex
	entries map[string]*lockEntry
}

type lockEntry struct {
	sem  *semaphore.Weighted
	refs int
}

func newLockTable() *lockTable {
	return &lockTable{entries: make(map[string]*lockEntry)}
}

// acquire blocks until the lock for id is held or ctx is done. The returned
// release func is safe to call more than once.
func (t *lockTable) acquire(ctx context.Context, id string) (func(), error) {
	t.mu.Lock()
	e, ok := t.entries[id]
	if !ok {
		e = &lockEntry{sem: semaphore.NewWeighted(1)}
		t.entries[id] = e
	}
	e.refs++
	t.mu.Unlock()

	if err := e.sem.Acquire(ctx, 1); err != nil {
		t.unref(id, e)
		return nil, err
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			e.sem.Release(1)
			t.unref(id, e)
		})
	}, nil
}

func (t *lockTable) unref(id string, e *lockEntry) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e.refs--
	if e.refs == 0 && t.entries[id] == e {
		delete(t.entries, id)
	}
}

// size returns the number of live entries.
func (t *lockTable) size() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}
