// Package queue provides the multi-producer, single-consumer FIFO used to hand
// completed background results to the consolidating goroutine.
package queue

import (
	"sync"
)

// Queue is an unbounded, mutex-guarded FIFO. Any number of goroutines may
// Push; a single consumer drains it.
type Queue[T any] struct {
	mu    sync.Mutex
	items []T
}

// New creates a new empty queue.
func New[T any]() *Queue[T] {
	return &Queue[T]{
		items: make([]T, 0),
	}
}

// Push appends items to the queue.
func (q *Queue[T]) Push(items ...T) {
	if len(items) == 0 {
		return
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	q.items = append(q.items, items...)
}

// Drain removes and returns everything currently enqueued, oldest first.
// Items pushed while the caller processes the batch wait for the next Drain,
// which keeps a single pass bounded.
func (q *Queue[T]) Drain() []T {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return nil
	}
	result := q.items
	q.items = make([]T, 0, cap(result))
	return result
}

// Empty returns true if the queue has no items.
func (q *Queue[T]) Empty() bool {
	return q.Len() == 0
}

// Len returns the number of items in the queue.
func (q *Queue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}
