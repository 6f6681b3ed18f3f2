package servermaster

import (
	"context"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/pingcap/errors"
	"github.com/pingcap/log"
	"go.uber.org/zap"

	"github.com/hanfei1991/dagsched/model"
)

const defaultGroupRefreshPeriod = 30 * time.Second

type groupStore interface {
	FindAllGroups(ctx context.Context) ([]*model.Group, error)
}

// GroupCache keeps the groups of the store in memory and reloads them
// periodically.
type GroupCache struct {
	store  groupStore
	clk    clock.Clock
	period time.Duration

	mu     sync.RWMutex
	groups map[string]*model.Group

	wg     sync.WaitGroup
	cancel context.CancelFunc
}

// NewGroupCache creates an empty cache. Start loads it.
func NewGroupCache(store groupStore, period time.Duration, clk clock.Clock) *GroupCache {
	if period <= 0 {
		period = defaultGroupRefreshPeriod
	}
	return &GroupCache{
		store:  store,
		clk:    clk,
		period: period,
		groups: make(map[string]*model.Group),
	}
}

// Start loads the groups once and keeps refreshing them in background
// until Close.
func (c *GroupCache) Start(ctx context.Context) error {
	if err := c.Refresh(ctx); err != nil {
		return err
	}
	ctx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		ticker := c.clk.Ticker(c.period)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := c.Refresh(ctx); err != nil {
					log.L().Warn("refresh group cache failed", zap.Error(err))
				}
			}
		}
	}()
	return nil
}

// Refresh reloads every group.
func (c *GroupCache) Refresh(ctx context.Context) error {
	groups, err := c.store.FindAllGroups(ctx)
	if err != nil {
		return errors.Trace(err)
	}
	m := make(map[string]*model.Group, len(groups))
	for _, g := range groups {
		m[g.Group] = g
	}
	c.mu.Lock()
	c.groups = m
	c.mu.Unlock()
	return nil
}

// Close stops the background refresh.
func (c *GroupCache) Close() {
	if c.cancel != nil {
		c.cancel()
	}
	c.wg.Wait()
}

// Get returns the cached group.
func (c *GroupCache) Get(group string) (*model.Group, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	g, ok := c.groups[group]
	return g, ok
}

// WorkerToken returns the token workers of group must present, empty for
// an unknown group or a nil cache.
func (c *GroupCache) WorkerToken(group string) string {
	if c == nil {
		return ""
	}
	if g, ok := c.Get(group); ok {
		return g.WorkerToken
	}
	return ""
}
