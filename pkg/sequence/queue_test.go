package sequence

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestQueueFIFO(t *testing.T) {
	q := NewQueue[int](0)
	assert.True(t, q.IsEmpty())

	q.Enqueue(1)
	q.Enqueue(2)
	q.Enqueue(3)
	assert.Equal(t, 3, q.Len())

	head, ok := q.Peek()
	assert.True(t, ok)
	assert.Equal(t, 1, head)
	assert.Equal(t, 3, q.Len())

	for want := 1; want <= 3; want++ {
		got, ok := q.Dequeue()
		assert.True(t, ok)
		assert.Equal(t, want, got)
	}

	_, ok = q.Dequeue()
	assert.False(t, ok)
}

func TestQueueCapacity(t *testing.T) {
	q := NewQueue[string](2)
	assert.True(t, q.Enqueue("a"))
	assert.True(t, q.Enqueue("b"))
	assert.False(t, q.Enqueue("c"))
	assert.Equal(t, 2, q.Len())

	// Freeing a slot makes room again.
	_, _ = q.Dequeue()
	assert.True(t, q.Enqueue("c"))
}

func TestQueueEnqueueFront(t *testing.T) {
	q := NewQueue[int](0)
	q.Enqueue(2)
	q.Enqueue(3)

	// A failed element goes back to the head ahead of everything else.
	q.EnqueueFront(1)

	assert.Equal(t, []int{1, 2, 3}, q.Items())
	assert.Equal(t, []int{1, 2, 3}, q.Drain())
	assert.True(t, q.IsEmpty())
}
