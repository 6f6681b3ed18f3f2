package notifier

import (
	"context"
	"sync"

	"github.com/pingcap/errors"
	"go.uber.org/atomic"

	"github.com/hanfei1991/dagsched/pkg/containers"
)

// Notifier fans published events out to its receivers in publish order.
//
// The task dispatcher publishes a model.DispatchFailedEvent once it gives up
// on a task, and the job manager subscribes to fail the task and settle its
// instance. Publishing never waits for the job manager: events are buffered
// until the delivery goroutine hands them to every open receiver.
type Notifier[T any] struct {
	receivers sync.Map // int64 -> *Receiver[T]
	lastID    atomic.Int64
	pending   *containers.SliceQueue[T]

	// done is closed by Close.
	done chan struct{}
	// idle is served by the delivery goroutine between two batches and
	// closed when it exits.
	idle      chan struct{}
	closeOnce sync.Once
}

// Receiver reads the events published after its creation from C. Delivery
// to every receiver waits on a receiver whose buffer is full, so a receiver
// must keep reading C until it is closed.
type Receiver[T any] struct {
	C chan T

	id        int64
	notifier  *Notifier[T]
	closed    atomic.Bool
	closeOnce sync.Once
}

const receiverBuffer = 16

// NewNotifier creates a Notifier and starts its delivery goroutine. Close
// stops it.
func NewNotifier[T any]() *Notifier[T] {
	n := &Notifier[T]{
		pending: containers.NewSliceQueue[T](),
		done:    make(chan struct{}),
		idle:    make(chan struct{}),
	}
	go n.deliverLoop()
	return n
}

// NewReceiver attaches a receiver to n.
func (n *Notifier[T]) NewReceiver() *Receiver[T] {
	r := &Receiver[T]{
		C:        make(chan T, receiverBuffer),
		id:       n.lastID.Add(1),
		notifier: n,
	}
	n.receivers.Store(r.id, r)
	return r
}

// Notify publishes event without blocking.
func (n *Notifier[T]) Notify(event T) {
	n.pending.Add(event)
}

// Subscribe runs fn on every event in a new goroutine until ctx is done or
// n is closed. The returned func blocks until that goroutine exits.
func (n *Notifier[T]) Subscribe(ctx context.Context, fn func(T)) (wait func()) {
	r := n.NewReceiver()
	exited := make(chan struct{})
	go func() {
		defer close(exited)
		defer r.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-r.C:
				if !ok {
					return
				}
				fn(event)
			}
		}
	}()
	return func() { <-exited }
}

// Flush waits until every event published before the call is delivered.
func (n *Notifier[T]) Flush(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return errors.Trace(ctx.Err())
		case <-n.idle:
		}
		if n.pending.Size() == 0 {
			return nil
		}
	}
}

// Close stops delivery and closes the channel of every receiver. Events not
// delivered yet are dropped.
func (n *Notifier[T]) Close() {
	n.closeOnce.Do(func() {
		close(n.done)
		for range n.idle {
		}
		n.receivers.Range(func(_, v any) bool {
			v.(*Receiver[T]).closeChan()
			return true
		})
	})
}

func (n *Notifier[T]) deliverLoop() {
	defer close(n.idle)
	for {
		select {
		case <-n.done:
			return
		case n.idle <- struct{}{}:
		case <-n.pending.C:
			containers.Drain[T](n.pending, n.deliver)
		}
	}
}

// deliver sends event to every open receiver. It returns false once n is
// closed.
func (n *Notifier[T]) deliver(event T) bool {
	open := true
	n.receivers.Range(func(_, v any) bool {
		r := v.(*Receiver[T])
		if r.closed.Load() {
			return true
		}
		select {
		case <-n.done:
			open = false
			return false
		case r.C <- event:
		}
		return true
	})
	return open
}

func (r *Receiver[T]) closeChan() {
	r.closed.Store(true)
	r.closeOnce.Do(func() {
		close(r.C)
	})
}

// Close detaches r and drops the events buffered for it.
func (r *Receiver[T]) Close() {
	r.closed.Store(true)
	// a send to r may be in flight until the delivery goroutine goes idle
	for draining := true; draining; {
		select {
		case <-r.C:
		case <-r.notifier.idle:
			draining = false
		case <-r.notifier.done:
			draining = false
		}
	}
	r.notifier.receivers.Delete(r.id)
	r.closeChan()
}
