package srvdiscovery

import (
	"context"
	"sort"
	"sync"

	"github.com/hanfei1991/dagsched/model"
)

// Registry announces the worker of the current process.
type Registry interface {
	// Register publishes w and keeps it alive until Deregister or Close.
	Register(ctx context.Context, w model.Worker) error
	// Deregister withdraws w.
	Deregister(ctx context.Context, w model.Worker) error
}

// Discovery answers which workers are alive.
type Discovery interface {
	// DiscoveredWorkers returns the live workers of group sorted by their
	// string form.
	DiscoveredWorkers(group string) []model.Worker
	// IsAlive returns whether w is a live worker.
	IsAlive(w model.Worker) bool
	// Refresh reloads the live workers from the backend.
	Refresh(ctx context.Context) error
}

// WorkerRegistry is a registry that also discovers workers.
type WorkerRegistry interface {
	Registry
	Discovery
	// Run keeps the discovered workers up to date until ctx is done.
	Run(ctx context.Context) error
	Close() error
}

// workerCache is the discovered workers snapshot shared by implementations.
type workerCache struct {
	mu      sync.RWMutex
	byGroup map[string][]model.Worker
	alive   map[string]struct{}
}

func newWorkerCache() *workerCache {
	return &workerCache{
		byGroup: make(map[string][]model.Worker),
		alive:   make(map[string]struct{}),
	}
}

func (c *workerCache) reset(workers []model.Worker) {
	byGroup := make(map[string][]model.Worker)
	alive := make(map[string]struct{}, len(workers))
	for _, w := range workers {
		key := w.String()
		if _, ok := alive[key]; ok {
			continue
		}
		alive[key] = struct{}{}
		byGroup[w.Group] = append(byGroup[w.Group], w)
	}
	for _, ws := range byGroup {
		sort.Slice(ws, func(i, j int) bool { return ws[i].String() < ws[j].String() })
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.byGroup = byGroup
	c.alive = alive
}

func (c *workerCache) DiscoveredWorkers(group string) []model.Worker {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]model.Worker(nil), c.byGroup[group]...)
}

func (c *workerCache) IsAlive(w model.Worker) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.alive[w.String()]
	return ok
}
