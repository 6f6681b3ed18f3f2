package client

import (
	"context"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/gavv/monotime"
	"github.com/pingcap/log"
	"go.uber.org/zap"

	"github.com/hanfei1991/dagsched/model"
	"github.com/hanfei1991/dagsched/pkg/delayqueue"
	derrors "github.com/hanfei1991/dagsched/pkg/errors"
	"github.com/hanfei1991/dagsched/pkg/notifier"
	"github.com/hanfei1991/dagsched/pkg/route"
	"github.com/hanfei1991/dagsched/pkg/srvdiscovery"
)

// RetryConfig bounds the redelivery of a task.
type RetryConfig struct {
	MaxCount      int           `toml:"max-count" json:"max-count"`
	BackoffPeriod time.Duration `toml:"backoff-period" json:"backoff-period"`
	// Concurrency bounds the redeliveries running at once.
	Concurrency int `toml:"concurrency" json:"concurrency"`
}

// DefaultRetryConfig returns the default redelivery bounds.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{MaxCount: 3, BackoffPeriod: 5 * time.Second, Concurrency: 16}
}

// Adjust validates the config.
func (c *RetryConfig) Adjust() error {
	if c.MaxCount < 0 {
		return derrors.ErrInvalidConfig.GenWithStackByArgs("retry max-count must not be negative")
	}
	if c.BackoffPeriod <= 0 {
		return derrors.ErrInvalidConfig.GenWithStackByArgs("retry backoff-period must be positive")
	}
	if c.Concurrency < 0 {
		return derrors.ErrInvalidConfig.GenWithStackByArgs("retry concurrency must not be negative")
	}
	return nil
}

// dispatchItem is a task waiting for delivery. group is set for trigger
// tasks that are routed by the dispatcher.
type dispatchItem struct {
	task    *model.ExecuteTaskParam
	group   string
	retried int
}

// TaskDispatcher delivers tasks to workers. A failed delivery is retried
// after backoffPeriod × attempt² and abandoned after MaxCount retries, at
// which point a DispatchFailedEvent is published. Delivery is at least
// once, workers treat a task they already run as accepted.
type TaskDispatcher struct {
	discovery srvdiscovery.Discovery
	routers   *route.Routers
	client    WorkerClient

	local    *model.Worker
	receiver TaskReceiver

	retry  RetryConfig
	clk    clock.Clock
	queue  *delayqueue.Queue[*dispatchItem]
	events *notifier.Notifier[model.DispatchFailedEvent]
}

// DispatcherOption customizes a TaskDispatcher.
type DispatcherOption func(*TaskDispatcher)

// WithLocalReceiver delivers the tasks routed to local to receiver without
// going through the network.
func WithLocalReceiver(local model.Worker, receiver TaskReceiver) DispatcherOption {
	return func(d *TaskDispatcher) {
		d.local = &local
		d.receiver = receiver
	}
}

// WithClock replaces the clock driving retries.
func WithClock(clk clock.Clock) DispatcherOption {
	return func(d *TaskDispatcher) {
		d.clk = clk
	}
}

// NewTaskDispatcher creates a TaskDispatcher. Run must be called to
// process retries.
func NewTaskDispatcher(
	discovery srvdiscovery.Discovery,
	routers *route.Routers,
	client WorkerClient,
	retry RetryConfig,
	events *notifier.Notifier[model.DispatchFailedEvent],
	opts ...DispatcherOption,
) *TaskDispatcher {
	d := &TaskDispatcher{
		discovery: discovery,
		routers:   routers,
		client:    client,
		retry:     retry,
		events:    events,
		clk:       clock.New(),
	}
	for _, opt := range opts {
		opt(d)
	}
	d.queue = delayqueue.New(d.clk, d.redispatch, delayqueue.WithConcurrency(retry.Concurrency))
	return d
}

// Run processes delayed retries until ctx is done.
func (d *TaskDispatcher) Run(ctx context.Context) error {
	return d.queue.Run(ctx)
}

// Pending returns the number of tasks waiting for a retry.
func (d *TaskDispatcher) Pending() int {
	return d.queue.Len()
}

// Dispatch delivers tasks to the worker each one carries. It is used to
// stop tasks that run on a known worker. It returns whether every first
// delivery succeeded.
func (d *TaskDispatcher) Dispatch(ctx context.Context, tasks []*model.ExecuteTaskParam) bool {
	items := make([]*dispatchItem, 0, len(tasks))
	for _, task := range tasks {
		if task.Operation.IsTrigger() || task.Worker == nil {
			log.L().Error("invalid task for specific dispatch", zap.Stringer("task", task))
			continue
		}
		items = append(items, &dispatchItem{task: task})
	}
	return d.dispatch(ctx, items)
}

// DispatchToGroup routes trigger tasks to the live workers of group and
// delivers them. Broadcast tasks keep the worker assigned at creation.
func (d *TaskDispatcher) DispatchToGroup(ctx context.Context, group string, tasks []*model.ExecuteTaskParam) bool {
	items := make([]*dispatchItem, 0, len(tasks))
	for _, task := range tasks {
		if !task.Operation.IsTrigger() {
			log.L().Error("invalid task for group dispatch", zap.Stringer("task", task))
			continue
		}
		if task.RouteStrategy.IsBroadcast() && task.Worker == nil {
			log.L().Error("broadcast task without worker", zap.Stringer("task", task))
			continue
		}
		items = append(items, &dispatchItem{task: task, group: group})
	}
	return d.dispatch(ctx, items)
}

func (d *TaskDispatcher) redispatch(item *dispatchItem) {
	d.dispatch(context.Background(), []*dispatchItem{item})
}

func (d *TaskDispatcher) dispatch(ctx context.Context, items []*dispatchItem) bool {
	if len(items) == 0 {
		return false
	}

	byInstance := make(map[int64][]*dispatchItem)
	var order []int64
	for _, item := range items {
		if item.group == "" || item.task.RouteStrategy.IsBroadcast() {
			continue
		}
		// routed again on every attempt
		item.task.Worker = nil
		id := item.task.InstanceID
		if _, ok := byInstance[id]; !ok {
			order = append(order, id)
		}
		byInstance[id] = append(byInstance[id], item)
	}
	for _, id := range order {
		d.assignWorkers(byInstance[id])
	}

	result := true
	for _, item := range items {
		task := item.task
		if task.Worker == nil {
			log.L().Warn("task not assigned a worker",
				zap.Int64("task-id", task.TaskID),
				zap.Stringer("operation", task.Operation))
			d.retryLater(item)
			result = false
			continue
		}

		log.L().Info("dispatching task",
			zap.Int("retried", item.retried),
			zap.Int64("task-id", task.TaskID),
			zap.Stringer("operation", task.Operation),
			zap.String("worker", task.Worker.String()))
		if err := d.deliver(ctx, task); err != nil {
			log.L().Error("dispatch task failed", zap.Stringer("task", task), zap.Error(err))
			d.retryLater(item)
			result = false
			continue
		}
	}
	return result
}

func (d *TaskDispatcher) assignWorkers(items []*dispatchItem) {
	first := items[0]
	workers := d.discovery.DiscoveredWorkers(first.group)
	if len(workers) == 0 {
		log.L().Error("no available worker to assign", zap.String("group", first.group))
		return
	}
	router, err := d.routers.Get(first.task.RouteStrategy)
	if err != nil {
		log.L().Error("get router failed", zap.Stringer("strategy", first.task.RouteStrategy), zap.Error(err))
		return
	}
	for _, item := range items {
		if w, ok := router.Route(item.group, item.task.TaskID, workers); ok {
			worker := w
			item.task.Worker = &worker
		}
	}
}

func (d *TaskDispatcher) deliver(ctx context.Context, task *model.ExecuteTaskParam) error {
	start := monotime.Now()
	var (
		accepted bool
		err      error
	)
	if d.receiver != nil && d.local != nil && task.Worker.SameServer(*d.local) {
		accepted, err = d.receiver.Receive(ctx, task)
	} else {
		accepted, err = d.client.Dispatch(ctx, *task.Worker, task)
	}
	dispatchDuration.Observe(monotime.Since(start).Seconds())

	result := "success"
	if err == nil && !accepted {
		err = derrors.ErrDispatchTaskFailed.GenWithStackByArgs(task.TaskID, task.Worker.String())
	}
	if err != nil {
		result = "failure"
	}
	dispatchCounter.WithLabelValues(task.Operation.String(), result).Inc()
	return err
}

func (d *TaskDispatcher) retryLater(item *dispatchItem) {
	task := item.task
	if item.retried >= d.retry.MaxCount {
		log.L().Error("dispatch task still failed after max retries",
			zap.Stringer("task", task),
			zap.Int("max-count", d.retry.MaxCount))
		dispatchFailedCounter.Inc()
		d.events.Notify(model.DispatchFailedEvent{
			JobID:      task.JobID,
			InstanceID: task.InstanceID,
			TaskID:     task.TaskID,
		})
		return
	}
	item.retried++
	delay := d.retry.BackoffPeriod * time.Duration(item.retried*item.retried)
	log.L().Info("delay retrying dispatch task",
		zap.Int("retried", item.retried),
		zap.Duration("delay", delay),
		zap.Int64("task-id", task.TaskID))
	d.queue.Put(item, delay)
}
