package healing

import (
	"context"
	"sync"
)

// keyedLocks serializes attempts per session. Entries are dropped when no
// holder or waiter remains.
type keyedLocks struct {
	mu      sync.Mutex
	entries map[string]*lockEntry
}

type lockEntry struct {
	ch   chan struct{}
	refs int
}

func newKeyedLocks() *keyedLocks {
	return &keyedLocks{entries: make(map[string]*lockEntry)}
}

// acquire blocks until key is free or ctx is done. The returned release
// must be called exactly once on success.
func (k *keyedLocks) acquire(ctx context.Context, key string) (func(), error) {
	k.mu.Lock()
	e, ok := k.entries[key]
	if !ok {
		e = &lockEntry{ch: make(chan struct{}, 1)}
		k.entries[key] = e
	}
	e.refs++
	k.mu.Unlock()

	select {
	case e.ch <- struct{}{}:
		return func() {
			<-e.ch
			k.unref(key, e)
		}, nil
	case <-ctx.Done():
		k.unref(key, e)
		return nil, ctx.Err()
	}
}

func (k *keyedLocks) unref(key string, e *lockEntry) {
	k.mu.Lock()
	e.refs--
	if e.refs == 0 && k.entries[key] == e {
		delete(k.entries, key)
	}
	k.mu.Unlock()
}

func (k *keyedLocks) size() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.entries)
}
