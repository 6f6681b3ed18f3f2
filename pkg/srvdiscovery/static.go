package srvdiscovery

import (
	"context"
	"sync"

	"github.com/hanfei1991/dagsched/model"
)

// StaticRegistry serves a fixed worker list, used by single process
// deployments and tests.
type StaticRegistry struct {
	*workerCache

	mu      sync.Mutex
	workers []model.Worker
}

// NewStaticRegistry creates a registry knowing exactly workers.
func NewStaticRegistry(workers ...model.Worker) *StaticRegistry {
	r := &StaticRegistry{workerCache: newWorkerCache()}
	r.workers = append(r.workers, workers...)
	r.reset(r.workers)
	return r
}

// Register implements Registry.
func (r *StaticRegistry) Register(_ context.Context, w model.Worker) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.workers = append(r.workers, w)
	r.reset(r.workers)
	return nil
}

// Deregister implements Registry.
func (r *StaticRegistry) Deregister(_ context.Context, w model.Worker) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	kept := r.workers[:0]
	for _, old := range r.workers {
		if !old.SameServer(w) {
			kept = append(kept, old)
		}
	}
	r.workers = kept
	r.reset(r.workers)
	return nil
}

// Refresh implements Discovery.
func (r *StaticRegistry) Refresh(context.Context) error {
	return nil
}

// Run implements WorkerRegistry.
func (r *StaticRegistry) Run(ctx context.Context) error {
	<-ctx.Done()
	return nil
}

// Close implements WorkerRegistry.
func (r *StaticRegistry) Close() error {
	return nil
}
