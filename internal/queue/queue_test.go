package queue

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testItem is a simple struct for testing the generic queue
type testItem struct {
	ID    int
	Topic string
}

func TestQueue_New(t *testing.T) {
	q := New[testItem](0)
	require.NotNil(t, q)
	assert.True(t, q.Empty())
	assert.Equal(t, 0, q.Len())

	unbounded := New[testItem](-5)
	assert.Equal(t, 0, unbounded.Push(testItem{ID: 1}, testItem{ID: 2}))
	assert.Equal(t, 2, unbounded.Len())
}

// popAll empties q and returns the item ids in order.
func popAll(q *Queue[testItem]) []int {
	var ids []int
	for {
		item, ok := q.Pop()
		if !ok {
			return ids
		}
		ids = append(ids, item.ID)
	}
}

func TestQueue_PushPop(t *testing.T) {
	q := New[testItem](0)

	_, ok := q.Pop()
	assert.False(t, ok, "pop from empty queue")

	q.Push(testItem{ID: 1, Topic: "first"}, testItem{ID: 2, Topic: "second"})
	first, ok := q.Pop()
	require.True(t, ok)
	assert.Equal(t, testItem{ID: 1, Topic: "first"}, first)
	assert.Equal(t, 1, q.Len())
}

func TestQueue_BoundedDropsOldest(t *testing.T) {
	q := New[testItem](3)

	assert.Equal(t, 0, q.Push(testItem{ID: 1}, testItem{ID: 2}, testItem{ID: 3}))
	assert.Equal(t, 1, q.Push(testItem{ID: 4}))
	assert.Equal(t, 2, q.Push(testItem{ID: 5}, testItem{ID: 6}))

	assert.Equal(t, []int{4, 5, 6}, popAll(q))
	assert.True(t, q.Empty())
}

func TestQueue_BoundedPushLargerThanCapacity(t *testing.T) {
	q := New[testItem](2)

	dropped := q.Push(testItem{ID: 1}, testItem{ID: 2}, testItem{ID: 3}, testItem{ID: 4}, testItem{ID: 5})
	assert.Equal(t, 3, dropped)

	a, _ := q.Pop()
	b, _ := q.Pop()
	assert.Equal(t, 4, a.ID)
	assert.Equal(t, 5, b.ID)
}

func TestQueue_PushFront(t *testing.T) {
	q := New[testItem](3)
	q.Push(testItem{ID: 2}, testItem{ID: 3})

	assert.True(t, q.PushFront(testItem{ID: 1}))
	assert.False(t, q.PushFront(testItem{ID: 0}), "full queue keeps newer items")

	assert.Equal(t, []int{1, 2, 3}, popAll(q))
}

func TestQueue_ConcurrentAccess(t *testing.T) {
	q := New[int](100)
	var wg sync.WaitGroup
	var droppedMu sync.Mutex
	dropped := 0

	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(base int) {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				d := q.Push(base*100 + j)
				droppedMu.Lock()
				dropped += d
				droppedMu.Unlock()
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 100, q.Len())
	assert.Equal(t, 400, dropped)
}
