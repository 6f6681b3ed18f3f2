package delayqueue

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type collector struct {
	mu     sync.Mutex
	values []int
}

func (c *collector) add(v int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.values = append(c.values, v)
}

func (c *collector) get() []int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]int(nil), c.values...)
}

func TestDeadlineOrder(t *testing.T) {
	t.Parallel()

	clk := clock.NewMock()
	c := &collector{}
	q := New[int](clk, c.add)
	q.Put(3, 3*time.Second)
	q.Put(1, time.Second)
	q.Put(2, 2*time.Second)
	q.Put(4, 3*time.Second)

	expired, wait := q.popExpired(clk.Now())
	require.Empty(t, expired)
	require.Equal(t, time.Second, wait)

	expired, wait = q.popExpired(clk.Now().Add(2 * time.Second))
	require.Equal(t, []int{1, 2}, expired)
	require.Equal(t, time.Second, wait)

	expired, wait = q.popExpired(clk.Now().Add(5 * time.Second))
	require.Equal(t, []int{3, 4}, expired)
	require.Equal(t, idleWait, wait)
	require.Equal(t, 0, q.Len())
}

func TestRunWithMockClock(t *testing.T) {
	t.Parallel()

	clk := clock.NewMock()
	c := &collector{}
	q := New[int](clk, c.add)

	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_ = q.Run(ctx)
	}()

	q.Put(1, 0)
	require.Eventually(t, func() bool {
		return len(c.get()) == 1
	}, time.Second, 10*time.Millisecond)

	q.Put(2, 10*time.Second)
	require.Equal(t, []int{1}, c.get())
	require.Eventually(t, func() bool {
		clk.Add(time.Second)
		return len(c.get()) == 2
	}, 5*time.Second, 10*time.Millisecond)
	require.Equal(t, []int{1, 2}, c.get())

	cancel()
	wg.Wait()
}

func TestSlowHandlerDoesNotBlockOthers(t *testing.T) {
	t.Parallel()

	clk := clock.NewMock()
	c := &collector{}
	release := make(chan struct{})
	q := New[int](clk, func(v int) {
		if v == 1 {
			<-release
		}
		c.add(v)
	}, WithConcurrency(2))

	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_ = q.Run(ctx)
	}()

	q.Put(1, 0)
	q.Put(2, 0)
	require.Eventually(t, func() bool {
		return len(c.get()) == 1
	}, time.Second, 10*time.Millisecond)
	require.Equal(t, []int{2}, c.get())

	close(release)
	require.Eventually(t, func() bool {
		return len(c.get()) == 2
	}, time.Second, 10*time.Millisecond)

	cancel()
	wg.Wait()
}
