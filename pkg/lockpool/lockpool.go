package lockpool

import (
	"sync"
)

const defaultShards = 256

// Pool is a fixed set of mutexes. A key always maps to the same mutex, so
// callers working on the same key are serialized while different keys
// rarely contend.
type Pool struct {
	shards []sync.Mutex
}

// New creates a pool with the given number of shards. A non-positive size
// falls back to the default.
func New(size int) *Pool {
	if size <= 0 {
		size = defaultShards
	}
	return &Pool{shards: make([]sync.Mutex, size)}
}

func (p *Pool) shard(key int64) *sync.Mutex {
	idx := key % int64(len(p.shards))
	if idx < 0 {
		idx = -idx
	}
	return &p.shards[idx]
}

// Lock locks the mutex of key and returns the unlock function.
func (p *Pool) Lock(key int64) (unlock func()) {
	mu := p.shard(key)
	mu.Lock()
	return mu.Unlock
}

// Do runs fn while holding the mutex of key.
func (p *Pool) Do(key int64, fn func() error) error {
	unlock := p.Lock(key)
	defer unlock()
	return fn()
}
