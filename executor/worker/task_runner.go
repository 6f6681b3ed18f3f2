package worker

import (
	"context"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/pingcap/errors"
	"github.com/pingcap/log"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/hanfei1991/dagsched/client"
	"github.com/hanfei1991/dagsched/model"
	"github.com/hanfei1991/dagsched/pkg/containers"
	"github.com/hanfei1991/dagsched/pkg/handler"
)

type runningTask struct {
	param *model.ExecuteTaskParam
	stop  handler.StopFlag

	// wake is closed when the task is asked to stop, so a task still
	// waiting for its trigger time gives up.
	wake     chan struct{}
	wakeOnce sync.Once
}

func (t *runningTask) raise(op model.Operation) bool {
	raised := t.stop.Stop(op)
	t.wakeOnce.Do(func() { close(t.wake) })
	return raised
}

// TaskRunner runs the tasks delivered to a worker. At most capacity tasks
// run at once, a delivery beyond that is refused so the supervisor routes
// it elsewhere.
//
// A task waits for its trigger time, asks the supervisor to start it,
// executes its handler and reports how it stopped. Reports are queued and
// sent by Run in order.
type TaskRunner struct {
	worker     model.Worker
	supervisor client.SupervisorClient
	handlers   *handler.Registry
	clk        clock.Clock

	capacity int64
	sem      *semaphore.Weighted

	mu      sync.Mutex
	closed  bool
	running map[int64]*runningTask
	wg      sync.WaitGroup

	reportMu sync.Mutex
	reports  *containers.DequeQueue[*model.StopTaskParam]
	notify   chan struct{}
}

// TaskRunnerOption customizes a TaskRunner.
type TaskRunnerOption func(*TaskRunner)

// WithClock replaces the clock used to wait for trigger times.
func WithClock(clk clock.Clock) TaskRunnerOption {
	return func(r *TaskRunner) {
		r.clk = clk
	}
}

// NewTaskRunner creates a TaskRunner executing tasks for worker.
func NewTaskRunner(
	worker model.Worker,
	capacity int,
	supervisor client.SupervisorClient,
	handlers *handler.Registry,
	opts ...TaskRunnerOption,
) *TaskRunner {
	if capacity <= 0 {
		capacity = 1
	}
	r := &TaskRunner{
		worker:     worker,
		supervisor: supervisor,
		handlers:   handlers,
		clk:        clock.New(),
		capacity:   int64(capacity),
		sem:        semaphore.NewWeighted(int64(capacity)),
		running:    make(map[int64]*runningTask),
		reports:    containers.NewDequeQueue[*model.StopTaskParam](),
		notify:     make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Receive implements client.TaskReceiver. A trigger is accepted when a
// slot is free, and a redelivered trigger of a task already held is
// accepted again. A stop raises the stop flag of the task.
func (r *TaskRunner) Receive(_ context.Context, param *model.ExecuteTaskParam) (bool, error) {
	if !param.Operation.IsTrigger() {
		return r.stopTask(param), nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return false, nil
	}
	if _, ok := r.running[param.TaskID]; ok {
		log.L().Info("task already held", zap.Int64("task-id", param.TaskID))
		return true, nil
	}
	if !r.sem.TryAcquire(1) {
		log.L().Warn("task runner is full, refuse task",
			zap.Int64("task-id", param.TaskID),
			zap.Int64("capacity", r.capacity))
		return false, nil
	}
	t := &runningTask{param: param, wake: make(chan struct{})}
	r.running[param.TaskID] = t
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		defer r.release(t)
		r.run(t)
	}()
	return true, nil
}

func (r *TaskRunner) stopTask(param *model.ExecuteTaskParam) bool {
	r.mu.Lock()
	t, ok := r.running[param.TaskID]
	r.mu.Unlock()
	if !ok {
		// already stopped, the supervisor learns the final state from the
		// stop report
		log.L().Info("stop a task not held",
			zap.Int64("task-id", param.TaskID),
			zap.Stringer("operation", param.Operation))
		return true
	}
	if !t.raise(param.Operation) {
		log.L().Info("task is already stopping",
			zap.Int64("task-id", param.TaskID),
			zap.Stringer("operation", t.stop.Operation()))
	}
	return true
}

func (r *TaskRunner) release(t *runningTask) {
	r.mu.Lock()
	delete(r.running, t.param.TaskID)
	r.mu.Unlock()
	r.sem.Release(1)
}

func (r *TaskRunner) run(t *runningTask) {
	p := t.param
	if d := time.UnixMilli(p.TriggerTime).Sub(r.clk.Now()); d > 0 {
		timer := r.clk.Timer(d)
		select {
		case <-timer.C:
		case <-t.wake:
			timer.Stop()
		}
	}
	if t.stop.IsStopped() {
		// the supervisor moved the WAITING task itself
		log.L().Info("task stopped before start",
			zap.Int64("task-id", p.TaskID),
			zap.Stringer("operation", t.stop.Operation()))
		return
	}

	ctx := context.Background()
	res, err := r.supervisor.StartTask(ctx, &model.StartTaskParam{
		JobID:          p.JobID,
		InstanceID:     p.InstanceID,
		WorkflowLeadID: p.WorkflowLeadID,
		TaskID:         p.TaskID,
		JobType:        p.JobType,
		Worker:         r.worker.String(),
		StartRequestID: uuid.NewString(),
	})
	if err != nil {
		// the task stays WAITING and is redispatched by the scanner
		log.L().Warn("start task failed", zap.Int64("task-id", p.TaskID), zap.Error(err))
		return
	}
	if !res.Success {
		log.L().Info("start task rejected", zap.Int64("task-id", p.TaskID), zap.String("message", res.Message))
		return
	}

	op, toState, errMsg := r.execute(ctx, t, res)
	log.L().Info("task stopped",
		zap.Int64("task-id", p.TaskID),
		zap.Stringer("operation", op),
		zap.Stringer("to-state", toState),
		zap.String("error-msg", errMsg))
	r.report(&model.StopTaskParam{
		JobID:          p.JobID,
		InstanceID:     p.InstanceID,
		WorkflowLeadID: p.WorkflowLeadID,
		TaskID:         p.TaskID,
		Operation:      op,
		ToState:        toState,
		Worker:         r.worker.String(),
		ErrorMsg:       errMsg,
	})
}

// execute runs the handler of a started task and maps its outcome to the
// state reported to the supervisor.
func (r *TaskRunner) execute(
	ctx context.Context, t *runningTask, started *model.StartTaskResult,
) (model.Operation, model.ExecuteState, string) {
	p := t.param
	h, err := r.handlers.Get(p.JobHandler)
	if err != nil {
		return model.OperationTrigger, model.ExecuteStateInitException, err.Error()
	}

	task := started.Task
	if task == nil {
		task = &model.Task{TaskID: p.TaskID, InstanceID: p.InstanceID}
	}
	if p.ExecuteTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(p.ExecuteTimeout)*time.Millisecond)
		defer cancel()
	}
	ec := &handler.ExecuteContext{
		Task:                 task,
		Param:                p,
		PredecessorInstances: started.PredecessorInstances,
		Stop:                 &t.stop,
		Checkpoint:           handler.CheckpointFunc(r.supervisor.Checkpoint),
	}
	result, err := safeExecute(ctx, h, ec)

	switch {
	case ctx.Err() == context.DeadlineExceeded:
		return model.OperationTrigger, model.ExecuteStateExecuteTimeout, "execute timeout"
	case err != nil:
		return model.OperationTrigger, model.ExecuteStateExecuteFailed, err.Error()
	case result.IsSuccess():
		return model.OperationTrigger, model.ExecuteStateCompleted, ""
	case result != nil && result.Stopped:
		if !t.stop.IsStopped() {
			return model.OperationTrigger, model.ExecuteStateExecuteFailed, "stopped without a stop request"
		}
		op := t.stop.Operation()
		return op, op.ToState(), ""
	case result == nil:
		return model.OperationTrigger, model.ExecuteStateExecuteFailed, "nil execute result"
	default:
		return model.OperationTrigger, model.ExecuteStateExecuteFailed, result.Msg
	}
}

func safeExecute(ctx context.Context, h handler.JobHandler, ec *handler.ExecuteContext) (result *handler.Result, err error) {
	defer func() {
		if v := recover(); v != nil {
			log.L().Error("task panicked", zap.Int64("task-id", ec.Param.TaskID), zap.Any("panic", v), zap.Stack("stack"))
			err = errors.Errorf("task panicked: %v", v)
		}
	}()
	return h.Execute(ctx, ec)
}

func (r *TaskRunner) report(param *model.StopTaskParam) {
	r.reports.Add(param)
	select {
	case r.notify <- struct{}{}:
	default:
	}
}

// flushReports sends the queued reports in order. A report is dropped from
// the queue only after a supervisor answered it.
func (r *TaskRunner) flushReports(ctx context.Context) error {
	r.reportMu.Lock()
	defer r.reportMu.Unlock()
	for {
		param, ok := r.reports.Peek()
		if !ok {
			return nil
		}
		accepted, err := r.supervisor.StopTask(ctx, param)
		if err != nil {
			return err
		}
		if !accepted {
			log.L().Warn("stop report rejected",
				zap.Int64("task-id", param.TaskID),
				zap.Stringer("to-state", param.ToState))
		}
		r.reports.Pop()
	}
}

// Run sends stop reports until ctx is done.
func (r *TaskRunner) Run(ctx context.Context) error {
	for {
		if err := r.flushReports(ctx); err != nil {
			return errors.Trace(err)
		}
		select {
		case <-ctx.Done():
			return errors.Trace(ctx.Err())
		case <-r.notify:
		}
	}
}

// Shutdown refuses new tasks and asks the running ones to hand their work
// back, then waits for them and sends the remaining reports until ctx is
// done.
func (r *TaskRunner) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	r.closed = true
	for _, t := range r.running {
		t.raise(model.OperationShutdownResume)
	}
	r.mu.Unlock()

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		log.L().Warn("tasks not stopped in time", zap.Int("workload", r.Workload()))
		return errors.Trace(ctx.Err())
	}
	return r.flushReports(ctx)
}

// Workload returns the number of tasks held.
func (r *TaskRunner) Workload() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.running)
}

// PendingReports returns the number of stop reports not sent yet.
func (r *TaskRunner) PendingReports() int {
	return r.reports.Size()
}
