// Package syncx provides extended synchronization primitives
package syncx

import "sync"

// Guard wraps a mutex-protected comparable value with scoped accessors.
// Used for small state enums that several goroutines observe and one
// coordinator mutates through explicit transitions.
type Guard[T comparable] struct {
	mu    sync.RWMutex
	value T
}

// NewGuard creates a guarded value.
func NewGuard[T comparable](initial T) *Guard[T] {
	return &Guard[T]{value: initial}
}

// Get returns the current value.
func (g *Guard[T]) Get() T {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.value
}

// Set replaces the value unconditionally.
func (g *Guard[T]) Set(v T) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.value = v
}

// Swap replaces the value and returns the old one.
func (g *Guard[T]) Swap(v T) T {
	g.mu.Lock()
	defer g.mu.Unlock()
	old := g.value
	g.value = v
	return old
}

// Is reports whether the current value equals v.
func (g *Guard[T]) Is(v T) bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.value == v
}

// Transition sets the value to `to` only if it currently equals `from`.
// Returns false, leaving the value untouched, otherwise.
func (g *Guard[T]) Transition(from, to T) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.value != from {
		return false
	}
	g.value = to
	return true
}
