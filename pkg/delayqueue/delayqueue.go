package delayqueue

import (
	"container/heap"
	"context"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/pingcap/errors"
	"golang.org/x/sync/errgroup"
)

const (
	// idleWait bounds the sleep of an empty queue.
	idleWait = time.Minute

	defaultConcurrency = 16
)

type item[T any] struct {
	value    T
	deadline time.Time
	// seq keeps items with the same deadline in put order
	seq uint64
}

type itemHeap[T any] []*item[T]

func (h itemHeap[T]) Len() int { return len(h) }

func (h itemHeap[T]) Less(i, j int) bool {
	if h[i].deadline.Equal(h[j].deadline) {
		return h[i].seq < h[j].seq
	}
	return h[i].deadline.Before(h[j].deadline)
}

func (h itemHeap[T]) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *itemHeap[T]) Push(x any) { *h = append(*h, x.(*item[T])) }

func (h *itemHeap[T]) Pop() any {
	old := *h
	n := len(old)
	it := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return it
}

// Queue hands values to a handler once their delay elapsed. Put never
// blocks. Time is read from a clock.Clock so tests can drive it.
type Queue[T any] struct {
	clock       clock.Clock
	handler     func(T)
	concurrency int

	mu     sync.Mutex
	items  itemHeap[T]
	seq    uint64
	wakeCh chan struct{}
}

// Option customizes a Queue.
type Option func(*queueOptions)

type queueOptions struct {
	concurrency int
}

// WithConcurrency bounds the handler calls running at once. Values due
// while every slot is busy wait for a free one.
func WithConcurrency(n int) Option {
	return func(o *queueOptions) {
		if n > 0 {
			o.concurrency = n
		}
	}
}

// New creates a delay queue. Run calls the handler from a bounded pool of
// goroutines, so a slow value does not hold back the others due.
func New[T any](clk clock.Clock, handler func(T), opts ...Option) *Queue[T] {
	o := &queueOptions{concurrency: defaultConcurrency}
	for _, opt := range opts {
		opt(o)
	}
	return &Queue[T]{
		clock:       clk,
		handler:     handler,
		concurrency: o.concurrency,
		wakeCh:      make(chan struct{}, 1),
	}
}

// Put schedules v to be handled after delay.
func (q *Queue[T]) Put(v T, delay time.Duration) {
	q.mu.Lock()
	q.seq++
	heap.Push(&q.items, &item[T]{value: v, deadline: q.clock.Now().Add(delay), seq: q.seq})
	q.mu.Unlock()

	select {
	case q.wakeCh <- struct{}{}:
	default:
	}
}

// Len returns the number of pending values.
func (q *Queue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// popExpired pops every value due at now and returns the wait until the
// next deadline.
func (q *Queue[T]) popExpired(now time.Time) ([]T, time.Duration) {
	q.mu.Lock()
	defer q.mu.Unlock()

	var expired []T
	for len(q.items) > 0 {
		head := q.items[0]
		if head.deadline.After(now) {
			return expired, head.deadline.Sub(now)
		}
		heap.Pop(&q.items)
		expired = append(expired, head.value)
	}
	return expired, idleWait
}

// Run handles due values until ctx is canceled. It returns after the
// running handlers finished.
func (q *Queue[T]) Run(ctx context.Context) error {
	var g errgroup.Group
	g.SetLimit(q.concurrency)
	defer func() {
		_ = g.Wait()
	}()

	for {
		expired, wait := q.popExpired(q.clock.Now())
		for _, v := range expired {
			v := v
			g.Go(func() error {
				q.handler(v)
				return nil
			})
		}

		timer := q.clock.Timer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return errors.Trace(ctx.Err())
		case <-q.wakeCh:
			timer.Stop()
		case <-timer.C:
		}
	}
}
