// Package lock serializes work that shares a key, such as selecting units of
// one equipment type.
package lock

import (
	"context"
	"sort"
	"sync"
)

// Locker acquires exclusive ownership of a set of keys. The returned unlock
// releases all of them and is safe to call more than once.
type Locker interface {
	Lock(ctx context.Context, keys ...string) (unlock func(), err error)
}

// normalize sorts and dedupes keys so callers locking overlapping sets always
// acquire them in the same order.
func normalize(keys []string) []string {
	out := make([]string, 0, len(keys))
	seen := make(map[string]struct{}, len(keys))
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

type entry struct {
	ch   chan struct{}
	refs int
}

// Local is an in-process Locker backed by one semaphore per key.
type Local struct {
	mu      sync.Mutex
	entries map[string]*entry
}

// NewLocal creates an empty in-process locker.
func NewLocal() *Local {
	return &Local{entries: make(map[string]*entry)}
}

func (l *Local) acquire(ctx context.Context, key string) error {
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
		l.drop(key, e)
		return ctx.Err()
	}
}

func (l *Local) release(key string) {
	l.mu.Lock()
	e := l.entries[key]
	l.mu.Unlock()
	<-e.ch
	l.drop(key, e)
}

func (l *Local) drop(key string, e *entry) {
	l.mu.Lock()
	defer l.mu.Unlock()
	e.refs--
	if e.refs == 0 {
		delete(l.entries, key)
	}
}

// Lock blocks until every key is held or ctx is done.
func (l *Local) Lock(ctx context.Context, keys ...string) (func(), error) {
	keys = normalize(keys)
	for i, k := range keys {
		if err := l.acquire(ctx, k); err != nil {
			for j := i - 1; j >= 0; j-- {
				l.release(keys[j])
			}
			return nil, err
		}
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			for i := len(keys) - 1; i >= 0; i-- {
				l.release(keys[i])
			}
		})
	}, nil
}
