package containers

// Queue is a FIFO safe for concurrent use. The task runner keeps its
// undelivered stop reports in one and the notifier buffers events in one.
type Queue[T any] interface {
	// Add appends elem to the tail.
	Add(elem T)
	// Pop removes the head. ok is false when the queue is empty.
	Pop() (elem T, ok bool)
	// Peek returns the head without removing it.
	Peek() (elem T, ok bool)
	Size() int
}

// Drain pops q until it is empty or fn returns false, and returns the
// number of elements handed to fn. The element fn rejects is consumed.
func Drain[T any](q Queue[T], fn func(T) bool) int {
	n := 0
	for {
		elem, ok := q.Pop()
		if !ok {
			return n
		}
		n++
		if !fn(elem) {
			return n
		}
	}
}
