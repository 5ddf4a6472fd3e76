package queue

import (
	"sync"
)

// Queue is a generic thread-safe FIFO with an optional capacity.
// When a bounded queue is full, Push evicts the oldest items to make room.
type Queue[T any] struct {
	mu       sync.Mutex
	items    []T
	capacity int
}

// New creates a new empty queue. A capacity of 0 or less means unbounded.
func New[T any](capacity int) *Queue[T] {
	if capacity < 0 {
		capacity = 0
	}
	return &Queue[T]{
		items:    make([]T, 0, capacity),
		capacity: capacity,
	}
}

// Push appends items to the queue and returns how many old items were
// evicted to stay within capacity.
func (q *Queue[T]) Push(items ...T) (dropped int) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.items = append(q.items, items...)
	if q.capacity > 0 && len(q.items) > q.capacity {
		dropped = len(q.items) - q.capacity
		var zero T
		for i := 0; i < dropped; i++ {
			q.items[i] = zero
		}
		q.items = append(q.items[:0], q.items[dropped:]...)
	}
	return dropped
}

// Pop removes and returns the first item. ok is false if the queue is empty.
func (q *Queue[T]) Pop() (item T, ok bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return item, false
	}
	item = q.items[0]
	var zero T
	q.items[0] = zero
	q.items = q.items[1:]
	return item, true
}

// PushFront puts an item back at the head, e.g. after a failed send.
// If the queue is full the item is discarded and false is returned, since
// everything behind it is newer.
func (q *Queue[T]) PushFront(item T) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.capacity > 0 && len(q.items) >= q.capacity {
		return false
	}
	q.items = append(q.items, item)
	copy(q.items[1:], q.items[:len(q.items)-1])
	q.items[0] = item
	return true
}

// Empty returns true if the queue has no items.
func (q *Queue[T]) Empty() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items) == 0
}

// Len returns the number of items in the queue.
func (q *Queue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}
