package containers

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

func testQueueBasics(t *testing.T, q Queue[int]) {
	_, ok := q.Pop()
	require.False(t, ok)
	_, ok = q.Peek()
	require.False(t, ok)

	for i := 0; i < 100; i++ {
		q.Add(i)
	}
	require.Equal(t, 100, q.Size())

	v, ok := q.Peek()
	require.True(t, ok)
	require.Equal(t, 0, v)

	for i := 0; i < 100; i++ {
		v, ok := q.Pop()
		require.True(t, ok)
		require.Equal(t, i, v)
	}
	require.Equal(t, 0, q.Size())
}

func testQueueConcurrent(t *testing.T, q Queue[int]) {
	const (
		producers = 8
		perWorker = 1000
	)
	var wg sync.WaitGroup
	for i := 0; i < producers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < perWorker; j++ {
				q.Add(j)
			}
		}()
	}
	wg.Wait()
	require.Equal(t, producers*perWorker, q.Size())
}

func TestSliceQueue(t *testing.T) {
	t.Parallel()

	testQueueBasics(t, NewSliceQueue[int]())
	testQueueConcurrent(t, NewSliceQueue[int]())
}

func TestSliceQueueSignal(t *testing.T) {
	t.Parallel()

	q := NewSliceQueue[int]()
	q.Add(1)
	q.Add(2)
	<-q.C
	select {
	case <-q.C:
		require.FailNow(t, "signal is not coalesced")
	default:
	}
}

func TestDequeQueue(t *testing.T) {
	t.Parallel()

	testQueueBasics(t, NewDequeQueue[int]())
	testQueueConcurrent(t, NewDequeQueue[int]())
}

func TestDrain(t *testing.T) {
	t.Parallel()

	q := NewDequeQueue[int]()
	for i := 0; i < 5; i++ {
		q.Add(i)
	}
	var got []int
	n := Drain[int](q, func(v int) bool {
		got = append(got, v)
		return v < 2
	})
	require.Equal(t, 3, n)
	require.Equal(t, []int{0, 1, 2}, got)
	require.Equal(t, 2, q.Size())

	n = Drain[int](q, func(int) bool { return true })
	require.Equal(t, 2, n)
	require.Equal(t, 0, q.Size())
	require.Equal(t, 0, Drain[int](q, func(int) bool { return true }))
}
