package lockpool

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSameKeySerialized(t *testing.T) {
	t.Parallel()

	p := New(8)
	var (
		wg      sync.WaitGroup
		counter int
	)
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = p.Do(42, func() error {
				counter++
				return nil
			})
		}()
	}
	wg.Wait()
	require.Equal(t, 50, counter)
}

func TestNegativeKey(t *testing.T) {
	t.Parallel()

	p := New(0)
	require.Len(t, p.shards, defaultShards)
	unlock := p.Lock(-7)
	unlock()
	require.Same(t, p.shard(-7), p.shard(7))
}
