package containers

import (
	"sync"

	"github.com/edwingeng/deque"
)

// DequeQueue is a FIFO queue backed by a chunked deque, which keeps memory
// flat under long bursts of Add and Pop.
type DequeQueue[T any] struct {
	mu    sync.Mutex
	deque deque.Deque
}

// NewDequeQueue creates a new DequeQueue.
func NewDequeQueue[T any]() *DequeQueue[T] {
	return &DequeQueue[T]{
		deque: deque.NewDeque(),
	}
}

// Add implements Queue.
func (q *DequeQueue[T]) Add(elem T) {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.deque.PushBack(elem)
}

// Pop implements Queue.
func (q *DequeQueue[T]) Pop() (T, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.deque.Empty() {
		var zero T
		return zero, false
	}
	return q.deque.PopFront().(T), true
}

// Peek implements Queue.
func (q *DequeQueue[T]) Peek() (T, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.deque.Empty() {
		var zero T
		return zero, false
	}
	return q.deque.Front().(T), true
}

// Size implements Queue.
func (q *DequeQueue[T]) Size() int {
	q.mu.Lock()
	defer q.mu.Unlock()

	return q.deque.Len()
}
