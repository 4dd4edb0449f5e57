// Package ringbuf provides a fixed-capacity ring that keeps the most recent
// values, overwriting the oldest once full. Safe for concurrent use.
package ringbuf

import "sync"

// Ring holds at most Cap values of T in insertion order.
type Ring[T any] struct {
	mu   sync.RWMutex
	buf  []T
	head int // next write position
	n    int

	overwritten uint64
}

// New creates a ring. Minimum capacity is 1.
func New[T any](capacity int) *Ring[T] {
	if capacity < 1 {
		capacity = 1
	}
	return &Ring[T]{buf: make([]T, capacity)}
}

// Push appends v, evicting the oldest value when the ring is full.
func (r *Ring[T]) Push(v T) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.n == len(r.buf) {
		r.overwritten++
	} else {
		r.n++
	}
	r.buf[r.head] = v
	r.head = (r.head + 1) % len(r.buf)
}

// Last returns up to limit of the most recent values, oldest first.
// limit <= 0 returns everything held.
func (r *Ring[T]) Last(limit int) []T {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if limit <= 0 || limit > r.n {
		limit = r.n
	}
	out := make([]T, limit)
	start := r.head - limit
	if start < 0 {
		start += len(r.buf)
	}
	for i := range out {
		out[i] = r.buf[(start+i)%len(r.buf)]
	}
	return out
}

// Len returns the number of values held.
func (r *Ring[T]) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.n
}

// Cap returns the ring capacity.
func (r *Ring[T]) Cap() int {
	return len(r.buf)
}

// Overwritten returns how many values have been evicted.
func (r *Ring[T]) Overwritten() uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.overwritten
}
