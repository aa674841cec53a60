// Package buffer provides a generic, thread-safe bounded ring buffer.
// It backs the command history table: once full, the oldest entry is
// evicted to make room for the newest.
package buffer

import (
	"sync"
)

// Ring is a fixed-capacity ring buffer that drops the oldest item on
// overflow. All methods are safe for concurrent use.
type Ring[T any] struct {
	mu       sync.RWMutex
	items    []T
	capacity int
	size     int
	head     int // next write position
	dropped  uint64
}

// NewRing creates a ring buffer with the given capacity. A capacity
// below 1 is clamped to 1.
func NewRing[T any](capacity int) *Ring[T] {
	if capacity < 1 {
		capacity = 1
	}
	return &Ring[T]{
		items:    make([]T, capacity),
		capacity: capacity,
	}
}

// Append adds an item, evicting the oldest entry when full.
func (r *Ring[T]) Append(item T) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.items[r.head] = item
	r.head = (r.head + 1) % r.capacity
	if r.size < r.capacity {
		r.size++
	} else {
		r.dropped++
	}
}

// Items returns a copy of the buffered items ordered oldest to newest.
func (r *Ring[T]) Items() []T {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]T, 0, r.size)
	start := r.head - r.size
	if start < 0 {
		start += r.capacity
	}
	for i := 0; i < r.size; i++ {
		out = append(out, r.items[(start+i)%r.capacity])
	}
	return out
}

// Len returns the number of buffered items.
func (r *Ring[T]) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.size
}

// Capacity returns the fixed capacity.
func (r *Ring[T]) Capacity() int {
	return r.capacity
}

// Dropped returns the number of items evicted due to overflow.
func (r *Ring[T]) Dropped() uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.dropped
}
