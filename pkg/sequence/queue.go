// Package sequence contains small ordered-container helpers.
package sequence

// Queue is a bounded FIFO queue. The zero value is not usable; construct it
// with NewQueue. Not safe for concurrent use, callers synchronize.
type Queue[T any] struct {
	items []T
	cap   int
}

// NewQueue creates a FIFO queue. A non-positive capacity means unbounded.
func NewQueue[T any](capacity int) *Queue[T] {
	return &Queue[T]{cap: capacity}
}

// Enqueue appends value to the tail. It reports false when the queue is at
// capacity.
func (q *Queue[T]) Enqueue(value T) bool {
	if q.cap > 0 && len(q.items) >= q.cap {
		return false
	}
	q.items = append(q.items, value)
	return true
}

// EnqueueFront puts value back at the head, ahead of everything queued after
// it. Used to re-stage an element whose processing failed.
func (q *Queue[T]) EnqueueFront(value T) {
	q.items = append([]T{value}, q.items...)
}

// Dequeue removes and returns the head of the queue.
func (q *Queue[T]) Dequeue() (T, bool) {
	if len(q.items) == 0 {
		var zero T
		return zero, false
	}
	head := q.items[0]
	q.items[0] = *new(T) // avoid memory leak
	q.items = q.items[1:]
	return head, true
}

// Peek returns the head without removing it.
func (q *Queue[T]) Peek() (T, bool) {
	if len(q.items) == 0 {
		var zero T
		return zero, false
	}
	return q.items[0], true
}

// Items returns a copy of the queued elements in FIFO order without
// removing them.
func (q *Queue[T]) Items() []T {
	out := make([]T, len(q.items))
	copy(out, q.items)
	return out
}

// Drain removes and returns all queued elements in FIFO order.
func (q *Queue[T]) Drain() []T {
	out := q.items
	q.items = nil
	return out
}

func (q *Queue[T]) Len() int {
	return len(q.items)
}

func (q *Queue[T]) IsEmpty() bool {
	return len(q.items) == 0
}
