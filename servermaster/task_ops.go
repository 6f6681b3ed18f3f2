package servermaster

import (
	"context"
	"fmt"
	"sort"

	"github.com/pingcap/log"
	"go.uber.org/zap"

	"github.com/hanfei1991/dagsched/model"
	"github.com/hanfei1991/dagsched/pkg/dag"
	derrors "github.com/hanfei1991/dagsched/pkg/errors"
	"github.com/hanfei1991/dagsched/pkg/orm"
)

func startFailure(format string, args ...interface{}) *model.StartTaskResult {
	return &model.StartTaskResult{Message: fmt.Sprintf(format, args...)}
}

// StartTask moves a task to EXECUTING on the requesting worker. A repeated
// request carrying the same worker and start request id succeeds again
// without changing anything.
func (jm *JobManager) StartTask(ctx context.Context, param *model.StartTaskParam) (*model.StartTaskResult, error) {
	var result *model.StartTaskResult
	_, err := jm.doInSynchronizedTransaction(ctx, param.InstanceID, param.WorkflowLeadID, func(tx *orm.Tx, inst *model.Instance) (bool, error) {
		var err error
		result, err = jm.startTask0(ctx, tx, inst, param)
		if err != nil {
			return false, err
		}
		return result.Success, nil
	})
	if err != nil {
		return nil, err
	}
	if !result.Success {
		log.L().Info("start task refused", zap.Int64("task-id", param.TaskID),
			zap.String("worker", param.Worker), zap.String("message", result.Message))
	}
	return result, nil
}

func (jm *JobManager) startTask0(ctx context.Context, tx *orm.Tx, inst *model.Instance, param *model.StartTaskParam) (*model.StartTaskResult, error) {
	if inst.RunState != model.RunStateWaiting && inst.RunState != model.RunStateRunning {
		return startFailure("instance %d is %s", inst.InstanceID, inst.RunState), nil
	}
	task, err := tx.GetTask(ctx, param.TaskID)
	if err != nil {
		return nil, err
	}
	if task.InstanceID != inst.InstanceID {
		return startFailure("task %d does not belong to instance %d", param.TaskID, inst.InstanceID), nil
	}
	now := jm.now()
	started, err := tx.StartTask(ctx, param.TaskID, param.Worker, param.StartRequestID, now)
	if err != nil {
		return nil, err
	}
	switch {
	case started:
		if task, err = tx.GetTask(ctx, param.TaskID); err != nil {
			return nil, err
		}
	case !task.IsExecuting() || task.Worker != param.Worker || task.StartRequestID != param.StartRequestID:
		return startFailure("task %d is %s on %q", task.TaskID, task.ExecuteState, task.Worker), nil
	default:
		log.L().Info("repeated start task", zap.Int64("task-id", task.TaskID), zap.String("start-request-id", param.StartRequestID))
	}
	if inst.RunState == model.RunStateWaiting {
		ok, err := tx.StartInstance(ctx, inst.InstanceID, inst.WorkflowLeadID, now)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, derrors.ErrIllegalState.GenWithStackByArgs(fmt.Sprintf("start instance %d", inst.InstanceID))
		}
	}

	result := &model.StartTaskResult{Success: true, Task: task}
	if inst.IsWorkflowNode() {
		if result.PredecessorInstances, err = jm.findPredecessorInstances(ctx, tx, inst); err != nil {
			return nil, err
		}
	}
	return result, nil
}

// findPredecessorInstances collects the tasks of the node instances
// directly upstream of node.
func (jm *JobManager) findPredecessorInstances(ctx context.Context, tx *orm.Tx, node *model.Instance) ([]*model.PredecessorInstance, error) {
	cur, err := dag.ParseNode(node.CurNode())
	if err != nil {
		return nil, err
	}
	g, err := jm.loadWorkflowGraph(ctx, tx, *node.WorkflowLeadID)
	if err != nil {
		return nil, err
	}
	var (
		res  []*model.PredecessorInstance
		seen = make(map[string]struct{})
	)
	for _, e := range g.Predecessors(cur) {
		if _, ok := seen[e.Row.CurNode]; ok || e.Row.NodeInstanceID == nil {
			continue
		}
		seen[e.Row.CurNode] = struct{}{}
		tasks, err := jm.predecessorTasks(ctx, tx, *e.Row.NodeInstanceID)
		if err != nil {
			return nil, err
		}
		res = append(res, &model.PredecessorInstance{
			InstanceID: *e.Row.NodeInstanceID,
			CurNode:    e.Row.CurNode,
			Tasks:      tasks,
		})
	}
	return res, nil
}

// predecessorTasks returns the tasks of a node instance. A node retried
// with the FAILED type only holds the retried tasks, the tasks completed by
// earlier runs of the chain are added back.
func (jm *JobManager) predecessorTasks(ctx context.Context, tx *orm.Tx, instanceID int64) ([]*model.Task, error) {
	tasks, err := tx.FindTasks(ctx, instanceID)
	if err != nil {
		return nil, err
	}
	inst, err := tx.GetInstance(ctx, instanceID)
	if err != nil {
		return nil, err
	}
	if !inst.IsRunRetry() {
		return tasks, nil
	}
	job, err := tx.GetJob(ctx, inst.JobID)
	if err != nil {
		return nil, err
	}
	if job.RetryType != model.RetryFailed {
		return tasks, nil
	}
	originalID := inst.RetryOriginalInstanceID()
	siblings, err := tx.FindChildInstances(ctx, originalID, model.RunTypeRetry)
	if err != nil {
		return nil, err
	}
	ids := []int64{originalID}
	for _, s := range siblings {
		if s.InstanceID != instanceID {
			ids = append(ids, s.InstanceID)
		}
	}
	for _, id := range ids {
		earlier, err := tx.FindTasks(ctx, id)
		if err != nil {
			return nil, err
		}
		for _, task := range earlier {
			if task.ExecuteState == model.ExecuteStateCompleted {
				tasks = append(tasks, task)
			}
		}
	}
	sort.SliceStable(tasks, func(i, j int) bool { return tasks[i].TaskNo < tasks[j].TaskNo })
	return tasks, nil
}

// StopTask records the end of an EXECUTING task reported by its worker and
// settles the instance once no task is active. It returns false when the
// report no longer applies.
func (jm *JobManager) StopTask(ctx context.Context, param *model.StopTaskParam) (bool, error) {
	if param.WorkflowLeadID != nil && *param.WorkflowLeadID == param.InstanceID {
		return false, derrors.ErrInvalidArgument.GenWithStackByArgs("stop task of a workflow lead")
	}
	toState := param.ToState
	switch {
	case toState == model.ExecuteStateWaiting:
		if param.Operation != model.OperationShutdownResume {
			return false, derrors.ErrInvalidArgument.GenWithStackByArgs("stop task to WAITING with " + param.Operation.String())
		}
	case toState == model.ExecuteStatePaused, toState.IsTerminal():
	default:
		return false, derrors.ErrInvalidArgument.GenWithStackByArgs("stop task to " + toState.String())
	}

	return jm.doInSynchronizedTransaction(ctx, param.InstanceID, param.WorkflowLeadID, func(tx *orm.Tx, inst *model.Instance) (bool, error) {
		if inst.RunState.IsTerminal() {
			return false, nil
		}
		now := jm.now()
		if toState == model.ExecuteStateWaiting {
			ok, err := tx.TerminateTask(ctx, param.TaskID, param.Worker, model.ExecuteStateWaiting,
				[]model.ExecuteState{model.ExecuteStateExecuting}, nil, param.ErrorMsg)
			if err != nil || !ok {
				return false, err
			}
			if _, err := tx.UpdateNextScanTime(ctx, inst.InstanceID, now.Add(jm.cfg.ShutdownTaskDelayResume), inst.Version); err != nil {
				return false, err
			}
			log.L().Info("task handed back by worker", zap.Int64("task-id", param.TaskID), zap.String("worker", param.Worker))
			return true, nil
		}

		var end = &now
		if !toState.IsTerminal() {
			end = nil
		}
		ok, err := tx.TerminateTask(ctx, param.TaskID, param.Worker, toState,
			[]model.ExecuteState{model.ExecuteStateExecuting}, end, param.ErrorMsg)
		if err != nil || !ok {
			return false, err
		}
		return true, jm.settleAfterTaskStopped(ctx, tx, inst, param.Operation)
	})
}

// settleAfterTaskStopped aggregates the tasks of inst after one of them
// stopped under op and moves the instance when no task is active.
func (jm *JobManager) settleAfterTaskStopped(ctx context.Context, tx *orm.Tx, inst *model.Instance, op model.Operation) error {
	state, end, ok, err := jm.obtainRunState(ctx, tx, inst.InstanceID)
	if err != nil || !ok {
		return err
	}
	if state == model.RunStatePaused {
		if inst.IsWorkflowNode() {
			lead, err := jm.workflowLead(ctx, tx, inst)
			if err != nil {
				return err
			}
			_, err = jm.pauseWorkflow(ctx, tx, lead)
			return err
		}
		_, err := jm.pauseInstance0(ctx, tx, inst)
		return err
	}

	moved, err := jm.moveInstance(ctx, tx, inst, state, model.TerminableRunStates, end)
	if err != nil {
		return err
	}
	if !moved {
		return derrors.ErrIllegalState.GenWithStackByArgs(
			fmt.Sprintf("terminate instance %d to %s", inst.InstanceID, state))
	}
	inst.MarkTerminated(state, end)
	log.L().Info("instance terminated", zap.Int64("instance-id", inst.InstanceID), zap.Stringer("run-state", state))

	if op.IsTrigger() {
		return jm.afterTerminateTask(ctx, tx, inst)
	}
	if !inst.IsWorkflowNode() {
		return jm.renewFixedNextTriggerTime(ctx, tx, inst)
	}
	if err := jm.updateWorkflowCurNodeState(ctx, tx, inst, state); err != nil {
		return err
	}
	lead, err := jm.workflowLead(ctx, tx, inst)
	if err != nil {
		return err
	}
	if op == model.OperationPause {
		_, err = jm.updateWorkflowStopState(ctx, tx, lead)
		return err
	}
	return jm.updateWorkflowFreeNodeState(ctx, tx, lead, model.RunStateCanceled, model.RunnableRunStates)
}

// UpdateTaskWorker records the worker a WAITING task was routed to.
func (jm *JobManager) UpdateTaskWorker(ctx context.Context, taskID int64, worker string) (bool, error) {
	return jm.store.UpdateTaskWorker(ctx, taskID, worker)
}

// Checkpoint saves the snapshot of an EXECUTING task.
func (jm *JobManager) Checkpoint(ctx context.Context, taskID int64, snapshot string) (bool, error) {
	return jm.store.Checkpoint(ctx, taskID, snapshot)
}

// UpdateTaskErrorMsg saves the error message of a task.
func (jm *JobManager) UpdateTaskErrorMsg(ctx context.Context, taskID int64, errorMsg string) (bool, error) {
	return jm.store.UpdateTaskErrorMsg(ctx, taskID, errorMsg)
}
