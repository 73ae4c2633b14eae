// Package lock provides per-key read/write locks for instance directories.
package lock

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"
)

// writerWeight is the full capacity of a key's semaphore. Readers take one
// unit, a writer takes all of them.
const writerWeight int64 = 1 << 20

var ErrLockTimeout = errors.New("lock acquisition timed out")

// LockTimeoutError is returned when a lock could not be taken within the
// requested timeout.
type LockTimeoutError struct {
	Key     string
	Timeout time.Duration
}

func (e *LockTimeoutError) Error() string {
	return fmt.Sprintf("lock %s: not acquired within %s", e.Key, e.Timeout)
}

func (e *LockTimeoutError) Unwrap() error { return ErrLockTimeout }

type entry struct {
	sem  *semaphore.Weighted
	refs int
}

// Registry hands out locks keyed by cleaned absolute path. Entries are
// reference counted and removed once nobody holds or waits on them.
type Registry struct {
	mu      sync.Mutex
	entries map[string]*entry
}

func NewRegistry() *Registry {
	return &Registry{entries: make(map[string]*entry)}
}

// Key normalises an instance path into a registry key.
func Key(path string) string {
	if abs, err := filepath.Abs(path); err == nil {
		path = abs
	}
	return filepath.Clean(path)
}

// Lock takes the write lock for key. A zero timeout waits until ctx is done.
func (r *Registry) Lock(ctx context.Context, key string, timeout time.Duration) (func(), error) {
	return r.acquire(ctx, Key(key), writerWeight, timeout)
}

// RLock takes a read lock for key.
func (r *Registry) RLock(ctx context.Context, key string, timeout time.Duration) (func(), error) {
	return r.acquire(ctx, Key(key), 1, timeout)
}

// Len reports how many keys currently have an entry.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

func (r *Registry) acquire(ctx context.Context, key string, weight int64, timeout time.Duration) (func(), error) {
	e := r.ref(key)

	waitCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	if err := e.sem.Acquire(waitCtx, weight); err != nil {
		r.unref(key)
		if ctx.Err() != nil {
			return nil, fmt.Errorf("lock %s: %w", key, ctx.Err())
		}
		return nil, &LockTimeoutError{Key: key, Timeout: timeout}
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			e.sem.Release(weight)
			r.unref(key)
		})
	}, nil
}

func (r *Registry) ref(key string) *entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[key]
	if !ok {
		e = &entry{sem: semaphore.NewWeighted(writerWeight)}
		r.entries[key] = e
	}
	e.refs++
	return e
}

func (r *Registry) unref(key string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[key]
	if !ok {
		return
	}
	e.refs--
	if e.refs <= 0 {
		delete(r.entries, key)
	}
}
