package buffer

import (
	"sync"
)

// DefaultKeepFraction is the share of the newest items retained after a full
// queue is handed to its OnFull callback.
const DefaultKeepFraction = 0.2

// Queue is a thread-safe bounded buffer of observations.
//
// When OnFull is set, reaching capacity hands a snapshot of the full contents
// to the callback and truncates the queue to its newest KeepFraction share.
// Without a callback the oldest item is dropped instead.
type Queue[T any] struct {
	mu       sync.Mutex
	data     []T
	capacity int
	keep     int
	onFull   func([]T)
}

// Option configures a Queue.
type Option[T any] func(*Queue[T])

// WithOnFull registers the callback invoked when the queue reaches capacity.
func WithOnFull[T any](fn func([]T)) Option[T] {
	return func(q *Queue[T]) {
		q.onFull = fn
	}
}

// WithKeepFraction sets the share of items kept after OnFull fires.
func WithKeepFraction[T any](fraction float64) Option[T] {
	return func(q *Queue[T]) {
		if fraction < 0 {
			fraction = 0
		}
		if fraction > 1 {
			fraction = 1
		}
		q.keep = int(float64(q.capacity) * fraction)
	}
}

// New creates a new Queue with the specified capacity.
func New[T any](capacity int, opts ...Option[T]) *Queue[T] {
	if capacity < 1 {
		capacity = 1
	}
	q := &Queue[T]{
		data:     make([]T, 0, capacity),
		capacity: capacity,
		keep:     int(float64(capacity) * DefaultKeepFraction),
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// Push adds an item to the queue. It reports whether the push filled the
// queue and triggered OnFull. The callback runs on the caller's goroutine
// after the lock is released.
func (q *Queue[T]) Push(item T) bool {
	q.mu.Lock()

	if q.onFull == nil {
		if len(q.data) >= q.capacity {
			// Drop oldest (shift left)
			q.data = q.data[1:]
		}
		q.data = append(q.data, item)
		q.mu.Unlock()
		return false
	}

	q.data = append(q.data, item)
	if len(q.data) < q.capacity {
		q.mu.Unlock()
		return false
	}

	snapshot := make([]T, len(q.data))
	copy(snapshot, q.data)

	kept := make([]T, q.keep, q.capacity)
	copy(kept, q.data[len(q.data)-q.keep:])
	q.data = kept
	fn := q.onFull
	q.mu.Unlock()

	fn(snapshot)
	return true
}

// Pop removes and returns the oldest item from the queue.
// Returns zero value and false if empty.
func (q *Queue[T]) Pop() (T, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.data) == 0 {
		var zero T
		return zero, false
	}

	item := q.data[0]
	q.data = q.data[1:]
	return item, true
}

// Snapshot returns a copy of the buffered items, oldest first.
func (q *Queue[T]) Snapshot() []T {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]T, len(q.data))
	copy(out, q.data)
	return out
}

// Len returns the current number of items.
func (q *Queue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.data)
}

// Cap returns the configured capacity.
func (q *Queue[T]) Cap() int {
	return q.capacity
}

// IsEmpty returns true if the queue is empty.
func (q *Queue[T]) IsEmpty() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.data) == 0
}
