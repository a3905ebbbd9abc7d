// Package singleflight implements the leader/follower request-coalescing
// registry used throughout tinyCDN: N concurrent callers for the same key
// perform the underlying work exactly once, with every caller receiving the
// same result.
//
// Unlike golang.org/x/sync/singleflight, callers are not required to supply
// the work function up front. The leader is identified at Add time and is
// expected to do the work itself, then call Remove to fetch every attached
// caller (itself included) and deliver the result to each.
package singleflight

import "sync"

// Registry coalesces concurrent callers keyed by a string. T is whatever a
// caller wants delivered back to it once the leader's work completes — for
// the request channel in the top-level handler it's a (request, response)
// pair. The filesystem primitives in internal/fsops use Group instead.
type Registry[T any] struct {
	mu      sync.Mutex
	waiters map[string][]T
}

// NewRegistry constructs an empty registry.
func NewRegistry[T any]() *Registry[T] {
	return &Registry[T]{waiters: make(map[string][]T)}
}

// Add appends caller to key's waiter list and reports whether caller is the
// leader (the first caller registered for this key since the last Remove).
// Followers must not initiate the underlying operation; they wait for the
// leader to call Remove and deliver the result.
func (r *Registry[T]) Add(key string, caller T) (leader bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	existing, ok := r.waiters[key]
	r.waiters[key] = append(existing, caller)
	return !ok
}

// Remove atomically detaches and returns every caller registered for key,
// in insertion order, and clears the key so a subsequent Add starts a fresh
// episode. Called once by the leader when the underlying operation
// completes.
func (r *Registry[T]) Remove(key string) []T {
	r.mu.Lock()
	defer r.mu.Unlock()
	callers := r.waiters[key]
	delete(r.waiters, key)
	return callers
}

// Len reports how many callers are currently attached to key. Intended for
// tests and diagnostics only.
func (r *Registry[T]) Len(key string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.waiters[key])
}
