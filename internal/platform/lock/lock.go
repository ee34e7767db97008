// Package lock serialises work on ledger entities. Both lockers sort keys
// before acquiring and release in reverse order, so callers that lock
// overlapping sets cannot deadlock.
package lock

import (
	"context"
	"sort"
	"sync"
)

// Local is an in-process keyed mutex. Each key has its own lock; work on
// unrelated keys never waits.
type Local struct {
	mu      sync.Mutex
	entries map[string]*entry
}

type entry struct {
	ch   chan struct{}
	refs int
}

// NewLocal returns an empty keyed mutex.
func NewLocal() *Local {
	return &Local{entries: make(map[string]*entry)}
}

// Acquire locks every key, waiting until all are held or ctx is done.
func (l *Local) Acquire(ctx context.Context, keys ...string) (func(), error) {
	sorted := normalize(keys)
	held := make([]string, 0, len(sorted))
	release := func() {
		for i := len(held) - 1; i >= 0; i-- {
			l.unlock(held[i])
		}
	}
	for _, key := range sorted {
		if err := l.lock(ctx, key); err != nil {
			release()
			return nil, err
		}
		held = append(held, key)
	}
	var once sync.Once
	return func() { once.Do(release) }, nil
}

func (l *Local) lock(ctx context.Context, key string) error {
	l.mu.Lock()
	e, ok := l.entries[key]
	if !ok {
		e = &entry{ch: make(chan struct{}, 1)}
		l.entries[key] = e
	}
	e.refs++
	l.mu.Unlock()

	select {
	case e.ch <- struct{}{}:
		return nil
	case <-ctx.Done():
		l.mu.Lock()
		l.drop(key, e)
		l.mu.Unlock()
		return ctx.Err()
	}
}

func (l *Local) unlock(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	e, ok := l.entries[key]
	if !ok {
		return
	}
	<-e.ch
	l.drop(key, e)
}

func (l *Local) drop(key string, e *entry) {
	e.refs--
	if e.refs == 0 {
		delete(l.entries, key)
	}
}

func normalize(keys []string) []string {
	seen := make(map[string]struct{}, len(keys))
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
