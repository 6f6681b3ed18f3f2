package autoid

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"github.com/pingcap/errors"
)

// Generator hands out unique int64 ids.
type Generator interface {
	NextID(ctx context.Context) (int64, error)
}

// IDAllocator allocates ids in process, prefixed by a namespace in the
// high 32 bits.
type IDAllocator struct {
	sync.Mutex
	internalID int64
	namespace  int64
}

// NewIDAllocator creates an IDAllocator for namespace.
func NewIDAllocator(namespace int64) *IDAllocator {
	return &IDAllocator{
		namespace: namespace << 32,
	}
}

// AllocID returns the next id.
func (a *IDAllocator) AllocID() int64 {
	a.Lock()
	defer a.Unlock()
	a.internalID++
	return a.internalID + a.namespace
}

// NextID implements Generator.
func (a *IDAllocator) NextID(context.Context) (int64, error) {
	return a.AllocID(), nil
}

// BlockStore reserves blocks of ids in a shared store.
type BlockStore interface {
	AllocIDBlock(ctx context.Context, bizTag string, step int64) (int64, error)
}

// BlockAllocator serves ids from blocks reserved in a BlockStore, so
// several supervisors never hand out the same id.
type BlockAllocator struct {
	mu     sync.Mutex
	store  BlockStore
	bizTag string
	step   int64
	next   int64
	limit  int64 // exclusive
}

// NewBlockAllocator creates a BlockAllocator reserving step ids at a time.
func NewBlockAllocator(store BlockStore, bizTag string, step int64) *BlockAllocator {
	if step <= 0 {
		step = 1000
	}
	return &BlockAllocator{store: store, bizTag: bizTag, step: step}
}

// NextID implements Generator.
func (a *BlockAllocator) NextID(ctx context.Context) (int64, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.next >= a.limit {
		start, err := a.store.AllocIDBlock(ctx, a.bizTag, a.step)
		if err != nil {
			return 0, errors.Trace(err)
		}
		a.next, a.limit = start, start+a.step
	}
	id := a.next
	a.next++
	return id, nil
}

// UUIDAllocator generates string ids, used as request ids.
type UUIDAllocator struct{}

// NewUUIDAllocator creates a UUIDAllocator.
func NewUUIDAllocator() *UUIDAllocator {
	return new(UUIDAllocator)
}

// AllocID returns a random uuid.
func (a *UUIDAllocator) AllocID() string {
	return uuid.New().String()
}
