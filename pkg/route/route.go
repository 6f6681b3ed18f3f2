package route

import (
	"math/rand"
	"sync"

	"go.uber.org/atomic"

	"github.com/hanfei1991/dagsched/model"
	"github.com/hanfei1991/dagsched/pkg/errors"
)

// Router picks the worker a task is delivered to.
type Router interface {
	// Route returns the selected worker, false if workers is empty.
	Route(group string, taskID int64, workers []model.Worker) (model.Worker, bool)
}

// Routers holds one router per strategy. Routers keep state across calls,
// e.g. the round-robin cursors, so a process uses a single Routers.
type Routers struct {
	roundRobin     *roundRobinRouter
	random         randomRouter
	consistentHash *consistentHashRouter
	localPriority  *localPriorityRouter
}

// NewRouters creates the routers. local is the worker running in the
// current process, nil if there is none.
func NewRouters(local *model.Worker) *Routers {
	return &Routers{
		roundRobin:     &roundRobinRouter{},
		consistentHash: newConsistentHashRouter(defaultVirtualNodes),
		localPriority:  &localPriorityRouter{local: local},
	}
}

// Get returns the router of strategy. Broadcast tasks are assigned when
// they are created and have no router.
func (r *Routers) Get(strategy model.RouteStrategy) (Router, error) {
	switch strategy {
	case model.RouteRoundRobin:
		return r.roundRobin, nil
	case model.RouteRandom:
		return r.random, nil
	case model.RouteConsistentHash:
		return r.consistentHash, nil
	case model.RouteLocalPriority:
		return r.localPriority, nil
	default:
		return nil, errors.ErrInvalidArgument.GenWithStackByArgs("no router for strategy " + strategy.String())
	}
}

type roundRobinRouter struct {
	// cursors is group -> *atomic.Uint64
	cursors sync.Map
}

func (r *roundRobinRouter) Route(group string, _ int64, workers []model.Worker) (model.Worker, bool) {
	if len(workers) == 0 {
		return model.Worker{}, false
	}
	v, _ := r.cursors.LoadOrStore(group, atomic.NewUint64(0))
	n := v.(*atomic.Uint64).Inc() - 1
	return workers[n%uint64(len(workers))], true
}

type randomRouter struct{}

func (randomRouter) Route(_ string, _ int64, workers []model.Worker) (model.Worker, bool) {
	if len(workers) == 0 {
		return model.Worker{}, false
	}
	return workers[rand.Intn(len(workers))], true
}

type localPriorityRouter struct {
	local *model.Worker
}

func (r *localPriorityRouter) Route(_ string, _ int64, workers []model.Worker) (model.Worker, bool) {
	if len(workers) == 0 {
		return model.Worker{}, false
	}
	if r.local != nil {
		for _, w := range workers {
			if w.SameServer(*r.local) {
				return w, true
			}
		}
	}
	return workers[rand.Intn(len(workers))], true
}
