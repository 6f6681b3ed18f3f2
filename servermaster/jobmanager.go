package servermaster

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/pingcap/errors"
	"github.com/pingcap/log"
	"go.uber.org/zap"

	"github.com/hanfei1991/dagsched/client"
	"github.com/hanfei1991/dagsched/model"
	"github.com/hanfei1991/dagsched/pb"
	"github.com/hanfei1991/dagsched/pkg/autoid"
	"github.com/hanfei1991/dagsched/pkg/dag"
	derrors "github.com/hanfei1991/dagsched/pkg/errors"
	"github.com/hanfei1991/dagsched/pkg/handler"
	"github.com/hanfei1991/dagsched/pkg/lockpool"
	"github.com/hanfei1991/dagsched/pkg/orm"
	"github.com/hanfei1991/dagsched/pkg/srvdiscovery"
)

// Dispatcher delivers tasks to workers.
type Dispatcher interface {
	// Dispatch delivers tasks that already carry their worker.
	Dispatch(ctx context.Context, tasks []*model.ExecuteTaskParam) bool
	// DispatchToGroup routes trigger tasks to the live workers of group.
	DispatchToGroup(ctx context.Context, group string, tasks []*model.ExecuteTaskParam) bool
}

// JobManagerConfig tunes the job manager.
type JobManagerConfig struct {
	// TaskDispatchFailedCountThreshold is the number of abandoned deliveries
	// after which a task is terminated as DISPATCH_FAILED.
	TaskDispatchFailedCountThreshold int `toml:"task-dispatch-failed-count-threshold" json:"task-dispatch-failed-count-threshold"`
	// ShutdownTaskDelayResume postpones the scan of an instance whose task
	// was handed back by a worker shutting down.
	ShutdownTaskDelayResume time.Duration `toml:"shutdown-task-delay-resume" json:"shutdown-task-delay-resume"`
	// ScanDelay is the time after the trigger time an instance is first
	// checked by the scanners.
	ScanDelay    time.Duration `toml:"scan-delay" json:"scan-delay"`
	LockPoolSize int           `toml:"lock-pool-size" json:"lock-pool-size"`
}

// DefaultJobManagerConfig returns the default job manager config.
func DefaultJobManagerConfig() JobManagerConfig {
	return JobManagerConfig{
		TaskDispatchFailedCountThreshold: 3,
		ShutdownTaskDelayResume:          30 * time.Second,
		ScanDelay:                        30 * time.Second,
		LockPoolSize:                     256,
	}
}

// Adjust validates the config.
func (c *JobManagerConfig) Adjust() error {
	if c.TaskDispatchFailedCountThreshold <= 0 {
		return derrors.ErrInvalidConfig.GenWithStackByArgs("task-dispatch-failed-count-threshold must be positive")
	}
	if c.ShutdownTaskDelayResume < 0 || c.ScanDelay < 0 {
		return derrors.ErrInvalidConfig.GenWithStackByArgs("job manager delays must not be negative")
	}
	return nil
}

// JobManager owns every state change of instances, tasks and workflow
// edges. Each change runs in one store transaction holding the row lock of
// the instance, or of the workflow lead for workflow instances.
type JobManager struct {
	cfg        JobManagerConfig
	store      *orm.Client
	idGen      autoid.Generator
	discovery  srvdiscovery.Discovery
	dispatcher Dispatcher
	workers    client.WorkerClient
	handlers   *handler.Registry
	groups     *GroupCache
	// locks only saves waiting on the row lock inside this process, the
	// row lock alone keeps supervisors consistent.
	locks *lockpool.Pool
	clk   clock.Clock
}

// JobManagerOption customizes a JobManager.
type JobManagerOption func(*JobManager)

// WithJobManagerClock replaces the clock of the job manager.
func WithJobManagerClock(clk clock.Clock) JobManagerOption {
	return func(jm *JobManager) {
		jm.clk = clk
	}
}

// NewJobManager creates a JobManager. handlers is consulted before asking a
// worker to split or verify a job, groups may be nil.
func NewJobManager(
	cfg JobManagerConfig,
	store *orm.Client,
	idGen autoid.Generator,
	discovery srvdiscovery.Discovery,
	dispatcher Dispatcher,
	workers client.WorkerClient,
	handlers *handler.Registry,
	groups *GroupCache,
	opts ...JobManagerOption,
) *JobManager {
	jm := &JobManager{
		cfg:        cfg,
		store:      store,
		idGen:      idGen,
		discovery:  discovery,
		dispatcher: dispatcher,
		workers:    workers,
		handlers:   handlers,
		groups:     groups,
		locks:      lockpool.New(cfg.LockPoolSize),
		clk:        clock.New(),
	}
	for _, opt := range opts {
		opt(jm)
	}
	return jm
}

func (jm *JobManager) now() time.Time {
	return jm.clk.Now()
}

func (jm *JobManager) nextID(ctx context.Context) (int64, error) {
	id, err := jm.idGen.NextID(ctx)
	return id, errors.Trace(err)
}

func (jm *JobManager) nextScanTime(triggerTime int64) time.Time {
	base := time.UnixMilli(triggerTime)
	if now := jm.now(); now.After(base) {
		base = now
	}
	return base.Add(jm.cfg.ScanDelay)
}

func (jm *JobManager) isAliveWorker(worker string) bool {
	if worker == "" {
		return false
	}
	w, err := model.ParseWorker(worker)
	if err != nil {
		return false
	}
	return jm.discovery.IsAlive(w)
}

func sameLead(a, b *int64) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}

// txAction runs inside doInSynchronizedTransaction. It reports whether the
// operation was applied, an error rolls the transaction back.
type txAction func(tx *orm.Tx, inst *model.Instance) (bool, error)

// doInSynchronizedTransaction locks the instance row, or the lead row when
// leadID is set, and runs action on the instance in the same transaction.
func (jm *JobManager) doInSynchronizedTransaction(ctx context.Context, instanceID int64, leadID *int64, action txAction) (bool, error) {
	lockID := instanceID
	if leadID != nil {
		lockID = *leadID
	}
	unlock := jm.locks.Lock(lockID)
	defer unlock()

	var applied bool
	err := jm.store.Transaction(ctx, func(tx *orm.Tx) error {
		locked, err := tx.LockInstance(ctx, lockID)
		if err != nil {
			return err
		}
		inst := locked
		if lockID != instanceID {
			if inst, err = tx.GetInstance(ctx, instanceID); err != nil {
				return err
			}
		}
		if !sameLead(inst.WorkflowLeadID, leadID) {
			return derrors.ErrIllegalState.GenWithStackByArgs(
				fmt.Sprintf("inconsistent workflow lead of instance %d", instanceID))
		}
		applied, err = action(tx, inst)
		return err
	})
	if err != nil {
		return false, err
	}
	return applied, nil
}

// requireLeadIDIfWorkflow returns the lead id of instanceID, which must be
// the lead itself when the instance belongs to a workflow.
func (jm *JobManager) requireLeadIDIfWorkflow(ctx context.Context, instanceID int64) (*int64, error) {
	inst, err := jm.store.GetInstance(ctx, instanceID)
	if err != nil {
		return nil, err
	}
	if inst.IsWorkflowNode() {
		return nil, derrors.ErrInvalidArgument.GenWithStackByArgs(
			fmt.Sprintf("instance %d is a node of workflow %d", instanceID, *inst.WorkflowLeadID))
	}
	return inst.WorkflowLeadID, nil
}

func (jm *JobManager) jobRequest(job *model.Job, handlerName string) *pb.JobRequest {
	return &pb.JobRequest{
		JobID:      job.JobID,
		JobType:    job.JobType,
		JobHandler: handlerName,
		JobParam:   job.JobParam,
	}
}

// pickWorker returns a random live worker of group.
func (jm *JobManager) pickWorker(group string) (model.Worker, error) {
	workers := jm.discovery.DiscoveredWorkers(group)
	if len(workers) == 0 {
		return model.Worker{}, derrors.ErrWorkerNotFound.GenWithStackByArgs(group)
	}
	return workers[rand.Intn(len(workers))], nil
}

func (jm *JobManager) split(ctx context.Context, job *model.Job, handlerName string) ([]model.SplitTask, error) {
	if jm.handlers != nil && jm.handlers.Has(handlerName) {
		h, err := jm.handlers.Get(handlerName)
		if err != nil {
			return nil, err
		}
		splits, err := h.Split(ctx, job.JobParam)
		if err != nil {
			return nil, derrors.ErrSplitJobFailed.Wrap(err).GenWithStackByArgs(job.JobID)
		}
		return splits, nil
	}
	worker, err := jm.pickWorker(job.Group)
	if err != nil {
		return nil, err
	}
	return jm.workers.Split(ctx, worker, jm.jobRequest(job, handlerName))
}

func (jm *JobManager) verify(ctx context.Context, job *model.Job, handlerName string) error {
	if jm.handlers != nil && jm.handlers.Has(handlerName) {
		h, err := jm.handlers.Get(handlerName)
		if err != nil {
			return err
		}
		if err := h.Verify(ctx, job.JobParam); err != nil {
			return derrors.ErrVerifyJobFailed.Wrap(err).GenWithStackByArgs(job.JobID)
		}
		return nil
	}
	worker, err := jm.pickWorker(job.Group)
	if err != nil {
		return err
	}
	return jm.workers.Verify(ctx, worker, jm.jobRequest(job, handlerName))
}

// splitJob cuts the job into the tasks of instanceID. A broadcast job gets
// one task per live worker of its group.
func (jm *JobManager) splitJob(ctx context.Context, job *model.Job, handlerName string, instanceID int64) ([]*model.Task, error) {
	if job.RouteStrategy.IsBroadcast() {
		workers := jm.discovery.DiscoveredWorkers(job.Group)
		if len(workers) == 0 {
			return nil, derrors.ErrWorkerNotFound.GenWithStackByArgs(job.Group)
		}
		tasks := make([]*model.Task, 0, len(workers))
		for i, w := range workers {
			taskID, err := jm.nextID(ctx)
			if err != nil {
				return nil, err
			}
			tasks = append(tasks, model.NewTask(job.JobParam, taskID, instanceID, i+1, len(workers), w.String()))
		}
		return tasks, nil
	}

	splits, err := jm.split(ctx, job, handlerName)
	if err != nil {
		return nil, err
	}
	if len(splits) == 0 {
		return nil, derrors.ErrSplitJobFailed.GenWithStackByArgs(job.JobID)
	}
	tasks := make([]*model.Task, 0, len(splits))
	for i, s := range splits {
		taskID, err := jm.nextID(ctx)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, model.NewTask(s.TaskParam, taskID, instanceID, i+1, len(splits), ""))
	}
	return tasks, nil
}

func (jm *JobManager) newExecuteTaskParam(
	job *model.Job, inst *model.Instance, op model.Operation, taskID, triggerTime int64, worker *model.Worker,
) *model.ExecuteTaskParam {
	param := &model.ExecuteTaskParam{
		Operation:      op,
		TaskID:         taskID,
		InstanceID:     inst.InstanceID,
		WorkflowLeadID: inst.WorkflowLeadID,
		TriggerTime:    triggerTime,
		JobID:          job.JobID,
		RetryCount:     job.RetryCount,
		RetriedCount:   inst.RetriedCount,
		JobType:        job.JobType,
		RouteStrategy:  job.RouteStrategy,
		ExecuteTimeout: job.ExecuteTimeout,
		JobHandler:     job.JobHandler,
		WorkerToken:    jm.groups.WorkerToken(job.Group),
		Worker:         worker,
	}
	if inst.IsWorkflowNode() {
		if node, err := dag.ParseNode(inst.CurNode()); err == nil {
			param.JobHandler = node.Name
		}
	}
	return param
}

// dispatch delivers the trigger of tasks. Broadcast tasks whose worker is
// gone are aborted instead.
func (jm *JobManager) dispatch(ctx context.Context, job *model.Job, inst *model.Instance, tasks []*model.Task) bool {
	params := make([]*model.ExecuteTaskParam, 0, len(tasks))
	for _, task := range tasks {
		if !job.RouteStrategy.IsBroadcast() {
			params = append(params, jm.newExecuteTaskParam(job, inst, model.OperationTrigger, task.TaskID, inst.TriggerTime, nil))
			continue
		}
		w, err := model.ParseWorker(task.Worker)
		if err != nil || !jm.discovery.IsAlive(w) {
			jm.abortBroadcastWaitingTask(ctx, task)
			continue
		}
		params = append(params, jm.newExecuteTaskParam(job, inst, model.OperationTrigger, task.TaskID, inst.TriggerTime, &w))
	}
	if len(params) == 0 {
		return false
	}
	return jm.dispatcher.DispatchToGroup(ctx, job.Group, params)
}

func (jm *JobManager) abortBroadcastWaitingTask(ctx context.Context, task *model.Task) {
	now := jm.now()
	ok, err := jm.store.TerminateTask(ctx, task.TaskID, "", model.ExecuteStateBroadcastAborted,
		[]model.ExecuteState{model.ExecuteStateWaiting}, &now, "")
	if err != nil || !ok {
		log.L().Warn("abort broadcast task failed",
			zap.Int64("task-id", task.TaskID), zap.String("worker", task.Worker), zap.Error(err))
	}
}

// loadExecutingTasks builds the op deliveries of the EXECUTING tasks of
// inst. Tasks on a dead worker are terminated as EXECUTE_TIMEOUT instead.
func (jm *JobManager) loadExecutingTasks(ctx context.Context, tx *orm.Tx, inst *model.Instance, op model.Operation) ([]*model.ExecuteTaskParam, error) {
	tasks, err := tx.FindTasks(ctx, inst.InstanceID)
	if err != nil {
		return nil, err
	}
	var (
		job    *model.Job
		params []*model.ExecuteTaskParam
		now    = jm.now()
	)
	for _, task := range tasks {
		if !task.IsExecuting() {
			continue
		}
		if jm.isAliveWorker(task.Worker) {
			if job == nil {
				if job, err = tx.GetJob(ctx, inst.JobID); err != nil {
					return nil, err
				}
			}
			w, _ := model.ParseWorker(task.Worker)
			params = append(params, jm.newExecuteTaskParam(job, inst, op, task.TaskID, now.UnixMilli(), &w))
			continue
		}

		var end *time.Time
		if op.ToState().IsTerminal() {
			end = &now
		}
		ok, err := tx.TerminateTask(ctx, task.TaskID, task.Worker, model.ExecuteStateExecuteTimeout,
			[]model.ExecuteState{model.ExecuteStateExecuting}, end, "")
		if err != nil {
			return nil, err
		}
		if ok {
			log.L().Info("terminate dead worker executing task", zap.Int64("task-id", task.TaskID), zap.String("worker", task.Worker))
		} else {
			log.L().Error("terminate dead worker executing task failed", zap.Int64("task-id", task.TaskID), zap.String("worker", task.Worker))
		}
	}
	return params, nil
}

func (jm *JobManager) obtainRunState(ctx context.Context, tx *orm.Tx, instanceID int64) (model.RunState, time.Time, bool, error) {
	tasks, err := tx.FindTasks(ctx, instanceID)
	if err != nil {
		return 0, time.Time{}, false, err
	}
	state, end, ok := model.ObtainRunState(tasks, jm.now())
	return state, end, ok, nil
}

// moveInstance moves inst out of fromStates into state, which is terminal
// or PAUSED.
func (jm *JobManager) moveInstance(ctx context.Context, tx *orm.Tx, inst *model.Instance, state model.RunState, fromStates []model.RunState, end time.Time) (bool, error) {
	if state.IsTerminal() {
		ok, err := tx.TerminateInstance(ctx, inst.InstanceID, inst.WorkflowLeadID, state, fromStates, end)
		if ok {
			instanceTerminatedCounter.WithLabelValues(state.String()).Inc()
		}
		return ok, err
	}
	n, err := tx.UpdateInstanceStates(ctx, []int64{inst.InstanceID}, state, fromStates)
	return n == 1, err
}

// OnDispatchFailed handles a task the dispatcher gave up on. The task is
// terminated once it was abandoned TaskDispatchFailedCountThreshold times.
func (jm *JobManager) OnDispatchFailed(ctx context.Context, event model.DispatchFailedEvent) {
	terminate, err := jm.shouldTerminateDispatchFailedTask(ctx, event.TaskID)
	if err != nil {
		log.L().Warn("check dispatch failed task failed", zap.Int64("task-id", event.TaskID), zap.Error(err))
		return
	}
	if !terminate {
		return
	}
	inst, err := jm.store.GetInstance(ctx, event.InstanceID)
	if err != nil {
		log.L().Warn("load dispatch failed instance failed", zap.Int64("instance-id", event.InstanceID), zap.Error(err))
		return
	}
	_, err = jm.doInSynchronizedTransaction(ctx, inst.InstanceID, inst.WorkflowLeadID, func(tx *orm.Tx, inst *model.Instance) (bool, error) {
		if inst.RunState.IsTerminal() {
			return false, nil
		}
		now := jm.now()
		ok, err := tx.TerminateTask(ctx, event.TaskID, "", model.ExecuteStateDispatchFailed,
			[]model.ExecuteState{model.ExecuteStateWaiting}, &now, "dispatch failed")
		if err != nil || !ok {
			if err == nil {
				log.L().Warn("terminate dispatch failed task unsuccessful", zap.Int64("task-id", event.TaskID))
			}
			return false, err
		}
		taskDispatchFailedCounter.Inc()
		return true, jm.settleAfterTaskStopped(ctx, tx, inst, model.OperationTrigger)
	})
	if err != nil {
		log.L().Error("terminate dispatch failed task failed", zap.Int64("task-id", event.TaskID), zap.Error(err))
	}
}

func (jm *JobManager) shouldTerminateDispatchFailedTask(ctx context.Context, taskID int64) (bool, error) {
	task, err := jm.store.GetTask(ctx, taskID)
	if err != nil {
		return false, err
	}
	if !task.IsWaiting() {
		return false, nil
	}
	current := task.DispatchFailedCount
	threshold := jm.cfg.TaskDispatchFailedCountThreshold
	if current >= threshold {
		return true, nil
	}
	ok, err := jm.store.IncrementDispatchFailedCount(ctx, taskID, current)
	if err != nil || !ok {
		return false, err
	}
	return current+1 == threshold, nil
}
