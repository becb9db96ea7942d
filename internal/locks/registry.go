// Package locks provides in-process mutual exclusion keyed by resource
// identity. The registry hands out one mutex per key so that independent
// resources never contend, while operations on the same resource are
// serialized in arrival order.
//
// The proxy and the refresh scheduler both lock on "tenantId:integration"
// before refreshing a credential, which is what prevents duplicate
// refreshes across their two trigger paths.
//
// Example usage:
//
//	registry := locks.NewRegistry()
//
//	err := registry.RunExclusive(ctx, "tenant-a:github", func() error {
//		// Only one refresh for tenant-a/github runs at a time
//		return refreshCredentials()
//	})
package locks

import (
	"container/list"
	"context"
	"sync"
)

// Registry manages one mutex per key. Entries are created lazily on first
// use and can be garbage-collected with Cleanup once idle.
//
// Registry is safe for concurrent use by multiple goroutines.
type Registry struct {
	mu      sync.Mutex
	entries map[string]*entry
}

// entry is a single keyed mutex: a locked flag plus a FIFO queue of waiters.
type entry struct {
	locked  bool
	waiters *list.List // of chan struct{}
}

// NewRegistry creates an empty mutex registry.
func NewRegistry() *Registry {
	return &Registry{
		entries: make(map[string]*entry),
	}
}

// RunExclusive runs fn while holding the mutex for key. Callers queue in
// FIFO order; a waiter acquires the lock only after the current holder's fn
// has returned, whether it succeeded or failed. The error from fn is
// returned to the caller after the lock is released.
//
// If ctx is cancelled while waiting, RunExclusive gives up its place in the
// queue and returns ctx.Err() without running fn.
func (r *Registry) RunExclusive(ctx context.Context, key string, fn func() error) error {
	if err := r.acquire(ctx, key); err != nil {
		return err
	}
	defer r.release(key)
	return fn()
}

// acquire blocks until the key's mutex is held by the caller.
func (r *Registry) acquire(ctx context.Context, key string) error {
	r.mu.Lock()
	e, ok := r.entries[key]
	if !ok {
		e = &entry{waiters: list.New()}
		r.entries[key] = e
	}

	if !e.locked {
		e.locked = true
		r.mu.Unlock()
		return nil
	}

	ready := make(chan struct{})
	elem := e.waiters.PushBack(ready)
	r.mu.Unlock()

	select {
	case <-ready:
		return nil
	case <-ctx.Done():
		r.mu.Lock()
		select {
		case <-ready:
			// Lost the race: the lock was handed to us after ctx fired.
			// Release it so the next waiter is not stranded.
			r.mu.Unlock()
			r.release(key)
		default:
			e.waiters.Remove(elem)
			r.mu.Unlock()
		}
		return ctx.Err()
	}
}

// release hands the mutex to the oldest waiter, or unlocks if none wait.
func (r *Registry) release(key string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[key]
	if !ok {
		return
	}

	if front := e.waiters.Front(); front != nil {
		e.waiters.Remove(front)
		close(front.Value.(chan struct{}))
		return
	}
	e.locked = false
}

// IsLocked reports whether the mutex for key is currently held.
func (r *Registry) IsLocked(key string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[key]
	return ok && e.locked
}

// Size returns the number of tracked keys, including idle ones not yet
// removed by Cleanup.
func (r *Registry) Size() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// Cleanup removes entries that are unlocked and have no waiters. Long-lived
// registries with high key cardinality should call this periodically.
func (r *Registry) Cleanup() {
	r.mu.Lock()
	defer r.mu.Unlock()

	for key, e := range r.entries {
		if !e.locked && e.waiters.Len() == 0 {
			delete(r.entries, key)
		}
	}
}
