// Package queue provides the FIFO used to buffer queued instrument events
// between the backend notification path and a blocking wait.
package queue

import "sync"

// Queue is a concurrency-safe generic FIFO.
//
// Enqueue happens on the backend notification goroutine while Dequeue and
// Drain happen on caller goroutines, so every operation takes the lock.
type Queue[T any] struct {
	mu    sync.Mutex
	items []T
}

// New creates a Queue with the given preallocated capacity.
func New[T any](prealloc int) *Queue[T] {
	return &Queue[T]{items: make([]T, 0, prealloc)}
}

// Enqueue adds an item to the tail of the queue.
func (q *Queue[T]) Enqueue(item T) {
	q.mu.Lock()
	q.items = append(q.items, item)
	q.mu.Unlock()
}

// Dequeue removes and returns the item at the head of the queue.
// The second return value is false if the queue is empty.
func (q *Queue[T]) Dequeue() (T, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	var zero T
	if len(q.items) == 0 {
		return zero, false
	}
	item := q.items[0]
	q.items[0] = zero
	q.items = q.items[1:]

	return item, true
}

// Peek returns the item at the head of the queue without removing it.
// The second return value is false if the queue is empty.
func (q *Queue[T]) Peek() (T, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	var zero T
	if len(q.items) == 0 {
		return zero, false
	}

	return q.items[0], true
}

// Drain removes and returns all queued items in FIFO order.
// Disabling or discarding an event registration drains its queue so a stale
// event cannot be observed by the next enable+wait cycle.
func (q *Queue[T]) Drain() []T {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.items) == 0 {
		return nil
	}
	drained := q.items
	q.items = make([]T, 0, cap(drained))

	return drained
}

// IsEmpty returns true if the queue is empty, false otherwise.
func (q *Queue[T]) IsEmpty() bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	return len(q.items) == 0
}

// Length returns the number of items in the queue.
func (q *Queue[T]) Length() int {
	q.mu.Lock()
	defer q.mu.Unlock()

	return len(q.items)
}
