package containers

import (
	"sync"
)

// SliceQueue is a FIFO queue implemented by a slice. C is signalled
// whenever an element is added.
type SliceQueue[T any] struct {
	mu    sync.Mutex
	elems []T

	// C is a signal for non-empty queue.
	// A consumer can select for C and then Pop
	// as many elements as possible in a for-select
	// loop.
	C chan struct{}
}

// NewSliceQueue creates a new SliceQueue.
func NewSliceQueue[T any]() *SliceQueue[T] {
	return &SliceQueue[T]{
		C: make(chan struct{}, 1),
	}
}

// Add implements Queue.
func (q *SliceQueue[T]) Add(elem T) {
	q.mu.Lock()
	q.elems = append(q.elems, elem)
	q.mu.Unlock()

	select {
	case q.C <- struct{}{}:
	default:
	}
}

// Pop implements Queue.
func (q *SliceQueue[T]) Pop() (T, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	var zero T
	if len(q.elems) == 0 {
		return zero, false
	}
	ret := q.elems[0]
	q.elems[0] = zero
	q.elems = q.elems[1:]
	return ret, true
}

// Peek implements Queue.
func (q *SliceQueue[T]) Peek() (T, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.elems) == 0 {
		var zero T
		return zero, false
	}
	return q.elems[0], true
}

// Size implements Queue.
func (q *SliceQueue[T]) Size() int {
	q.mu.Lock()
	defer q.mu.Unlock()

	return len(q.elems)
}
