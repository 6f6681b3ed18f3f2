package notifier

import (
	"context"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/atomic"
	"go.uber.org/goleak"

	"github.com/hanfei1991/dagsched/model"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestNotifierBasics(t *testing.T) {
	t.Parallel()

	n := NewNotifier[int]()
	defer n.Close()

	const (
		numReceivers = 10
		numEvents    = 10000
		finEv        = math.MaxInt
	)
	var wg sync.WaitGroup

	for i := 0; i < numReceivers; i++ {
		r := n.NewReceiver()
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer r.Close()

			var lastEv int
			for ev := range r.C {
				if ev == finEv {
					return
				}
				if lastEv != 0 {
					require.Equal(t, lastEv+1, ev)
				}
				lastEv = ev
			}
		}()
	}

	for i := 1; i <= numEvents; i++ {
		n.Notify(i)
	}

	n.Notify(finEv)
	err := n.Flush(context.Background())
	require.NoError(t, err)

	wg.Wait()
}

func TestNotifierSubscribe(t *testing.T) {
	t.Parallel()

	n := NewNotifier[model.DispatchFailedEvent]()
	defer n.Close()

	var (
		mu  sync.Mutex
		got []int64
	)
	ctx, cancel := context.WithCancel(context.Background())
	wait := n.Subscribe(ctx, func(ev model.DispatchFailedEvent) {
		mu.Lock()
		defer mu.Unlock()
		got = append(got, ev.TaskID)
	})

	n.Notify(model.DispatchFailedEvent{JobID: 1, InstanceID: 2, TaskID: 3})
	n.Notify(model.DispatchFailedEvent{JobID: 1, InstanceID: 2, TaskID: 4})
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 2
	}, 5*time.Second, 10*time.Millisecond)
	require.Equal(t, []int64{3, 4}, got)

	cancel()
	wait()
}

func TestNotifierCloseStopsSubscribers(t *testing.T) {
	t.Parallel()

	n := NewNotifier[int]()
	var count atomic.Int32
	wait := n.Subscribe(context.Background(), func(int) {
		count.Add(1)
	})
	n.Notify(1)
	require.NoError(t, n.Flush(context.Background()))
	n.Close()
	wait()
	require.LessOrEqual(t, count.Load(), int32(1))
}

func TestSlowReceiverClose(t *testing.T) {
	t.Parallel()

	n := NewNotifier[int]()
	defer n.Close()

	// nobody reads r.C, so the buffer fills up
	r := n.NewReceiver()
	for i := 0; i < 100; i++ {
		n.Notify(i)
	}
	r.Close()
	require.NoError(t, n.Flush(context.Background()))
}

func TestCloseWithBlockedDelivery(t *testing.T) {
	t.Parallel()

	n := NewNotifier[int]()
	r := n.NewReceiver()
	for i := 0; i < 100; i++ {
		n.Notify(i)
	}
	require.Eventually(t, func() bool {
		return len(r.C) == receiverBuffer
	}, 5*time.Second, 10*time.Millisecond)

	n.Close()
	count := 0
	for range r.C {
		count++
	}
	require.Equal(t, receiverBuffer, count)
	r.Close()
}
