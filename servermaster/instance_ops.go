package servermaster

import (
	"context"
	"fmt"
	"time"

	"github.com/pingcap/log"
	"go.uber.org/zap"

	"github.com/hanfei1991/dagsched/model"
	"github.com/hanfei1991/dagsched/pkg/dag"
	derrors "github.com/hanfei1991/dagsched/pkg/errors"
	"github.com/hanfei1991/dagsched/pkg/orm"
	"github.com/hanfei1991/dagsched/pkg/trigger"
)

// computeNextTriggerTime returns the first trigger of job after after in
// milliseconds, nil when the job does not trigger on its own any more.
func computeNextTriggerTime(job *model.Job, after time.Time) (*int64, error) {
	if job.TriggerType == model.TriggerTypeDepend {
		return nil, nil
	}
	if job.StartTime != nil && job.StartTime.After(after) {
		after = job.StartTime.Add(-time.Millisecond)
	}
	next, ok, err := trigger.Next(job.TriggerType, job.TriggerValue, after)
	if err != nil || !ok {
		return nil, err
	}
	if job.EndTime != nil && next.After(*job.EndTime) {
		return nil, nil
	}
	ms := next.UnixMilli()
	return &ms, nil
}

// AddJob validates and saves a job, then computes its first trigger time.
func (jm *JobManager) AddJob(ctx context.Context, job *model.Job) (int64, error) {
	if job.Group == "" || job.JobName == "" || job.JobHandler == "" {
		return 0, derrors.ErrInvalidArgument.GenWithStackByArgs("job group, name and handler are required")
	}
	if jm.groups != nil {
		if _, ok := jm.groups.Get(job.Group); !ok {
			return 0, derrors.ErrGroupNotFound.GenWithStackByArgs(job.Group)
		}
	}
	if err := trigger.Validate(job.TriggerType, job.TriggerValue); err != nil {
		return 0, err
	}
	if job.RetryType < model.RetryNone || job.RetryType > model.RetryFailed {
		return 0, derrors.ErrUnknownRetryType.GenWithStackByArgs(job.RetryType.String(), job.JobID)
	}
	if job.IsWorkflow() {
		if _, err := dag.Parse(job.JobHandler); err != nil {
			return 0, err
		}
	} else if err := jm.verify(ctx, job, job.JobHandler); err != nil {
		return 0, err
	}

	if job.JobID == 0 {
		id, err := jm.nextID(ctx)
		if err != nil {
			return 0, err
		}
		job.JobID = id
	}
	if job.CollidedStrategy == 0 {
		job.CollidedStrategy = model.CollidedConcurrent
	}
	job.Version = 1
	next, err := computeNextTriggerTime(job, jm.now())
	if err != nil {
		return 0, err
	}
	job.NextTriggerTime = next

	var depends []*model.Depend
	if job.TriggerType == model.TriggerTypeDepend {
		parents, err := trigger.ParseDependParents(job.TriggerValue)
		if err != nil {
			return 0, err
		}
		for _, parent := range parents {
			if parent == job.JobID {
				return 0, derrors.ErrInvalidArgument.GenWithStackByArgs("job depends on itself")
			}
			depends = append(depends, &model.Depend{ParentJobID: parent, ChildJobID: job.JobID})
		}
	}
	err = jm.store.Transaction(ctx, func(tx *orm.Tx) error {
		if err := tx.AddJob(ctx, job); err != nil {
			return err
		}
		return tx.AddDepends(ctx, depends...)
	})
	if err != nil {
		return 0, err
	}
	log.L().Info("add job", zap.Int64("job-id", job.JobID), zap.String("job-name", job.JobName))
	return job.JobID, nil
}

// DisableJob stops scheduling a job.
func (jm *JobManager) DisableJob(ctx context.Context, jobID int64) (bool, error) {
	return jm.store.DisableJob(ctx, jobID)
}

// TriggerJob creates an instance of job and dispatches it once saved.
func (jm *JobManager) TriggerJob(ctx context.Context, job *model.Job, runType model.RunType, triggerTime int64) (int64, error) {
	ti, err := jm.createInstance(ctx, job, runType, triggerTime, nil)
	if err != nil {
		return 0, err
	}
	err = jm.store.Transaction(ctx, func(tx *orm.Tx) error {
		if err := ti.save(ctx, tx); err != nil {
			return err
		}
		tx.AfterCommit(func() { ti.dispatch(ctx, jm) })
		return nil
	})
	if err != nil {
		return 0, err
	}
	log.L().Info("trigger job",
		zap.Int64("job-id", job.JobID),
		zap.Int64("instance-id", ti.instance.InstanceID),
		zap.Stringer("run-type", runType))
	return ti.instance.InstanceID, nil
}

// ManualTriggerJob triggers jobID now.
func (jm *JobManager) ManualTriggerJob(ctx context.Context, jobID int64) (int64, error) {
	job, err := jm.store.GetJob(ctx, jobID)
	if err != nil {
		return 0, err
	}
	return jm.TriggerJob(ctx, job, model.RunTypeManual, jm.now().UnixMilli())
}

// ScheduleJob fires the due trigger of job and advances its schedule. The
// schedule is moved with a conditional update on the trigger time, so only
// one supervisor fires a trigger. It returns false when another supervisor
// won.
func (jm *JobManager) ScheduleJob(ctx context.Context, job *model.Job) (bool, error) {
	if job.NextTriggerTime == nil {
		return false, nil
	}
	triggerTime := *job.NextTriggerTime

	var next *int64
	if !job.TriggerType.IsFixedType() {
		after := time.UnixMilli(triggerTime)
		if now := jm.now(); now.After(after) {
			after = now
		}
		var err error
		if next, err = computeNextTriggerTime(job, after); err != nil {
			log.L().Error("compute next trigger time failed", zap.Int64("job-id", job.JobID), zap.Error(err))
		}
	}
	ok, err := jm.store.UpdateNextTriggerTime(ctx, job, next)
	if err != nil || !ok {
		return false, err
	}

	if !job.TriggerType.IsFixedType() && job.CollidedStrategy != model.CollidedConcurrent {
		latest, err := jm.store.FindLatestInstance(ctx, job.JobID)
		if err != nil {
			return true, err
		}
		if latest != nil && !latest.RunState.IsTerminal() {
			switch job.CollidedStrategy {
			case model.CollidedDiscard:
				log.L().Info("discard collided trigger",
					zap.Int64("job-id", job.JobID), zap.Int64("running-instance-id", latest.InstanceID))
				return true, nil
			case model.CollidedOverride:
				if _, err := jm.CancelInstance(ctx, latest.InstanceID, model.OperationCollisionCancel); err != nil {
					log.L().Warn("cancel collided instance failed",
						zap.Int64("instance-id", latest.InstanceID), zap.Error(err))
				}
			}
		}
	}

	if _, err := jm.TriggerJob(ctx, job, model.RunTypeSchedule, triggerTime); err != nil {
		log.L().Error("schedule job failed", zap.Int64("job-id", job.JobID), zap.Int64("trigger-time", triggerTime), zap.Error(err))
		return true, err
	}
	return true, nil
}

// GetInstance returns an instance with its tasks.
func (jm *JobManager) GetInstance(ctx context.Context, instanceID int64) (*model.Instance, []*model.Task, error) {
	inst, err := jm.store.GetInstance(ctx, instanceID)
	if err != nil {
		return nil, nil, err
	}
	tasks, err := jm.store.FindTasks(ctx, instanceID)
	if err != nil {
		return nil, nil, err
	}
	return inst, tasks, nil
}

// syncInstanceOp runs action on an instance that is either a plain
// instance or a workflow lead.
func (jm *JobManager) syncInstanceOp(ctx context.Context, instanceID int64, action txAction) (bool, error) {
	leadID, err := jm.requireLeadIDIfWorkflow(ctx, instanceID)
	if err != nil {
		return false, err
	}
	return jm.doInSynchronizedTransaction(ctx, instanceID, leadID, action)
}

// workflowLead returns the lead of inst, loaded in tx.
func (jm *JobManager) workflowLead(ctx context.Context, tx *orm.Tx, inst *model.Instance) (*model.Instance, error) {
	if inst.IsWorkflowLead() {
		return inst, nil
	}
	return tx.GetInstance(ctx, *inst.WorkflowLeadID)
}

// PauseInstance pauses a plain instance or a whole workflow.
func (jm *JobManager) PauseInstance(ctx context.Context, instanceID int64) (bool, error) {
	return jm.syncInstanceOp(ctx, instanceID, func(tx *orm.Tx, inst *model.Instance) (bool, error) {
		if inst.IsWorkflowLead() {
			return jm.pauseWorkflow(ctx, tx, inst)
		}
		return jm.pauseInstance0(ctx, tx, inst)
	})
}

func (jm *JobManager) pauseWorkflow(ctx context.Context, tx *orm.Tx, lead *model.Instance) (bool, error) {
	if !lead.RunState.IsPausable() {
		return false, nil
	}
	nodes, err := tx.FindWorkflowNodeInstances(ctx, lead.InstanceID)
	if err != nil {
		return false, err
	}
	for _, node := range nodes {
		if !node.RunState.IsPausable() {
			continue
		}
		if _, err := jm.pauseInstance0(ctx, tx, node); err != nil {
			return false, err
		}
	}
	return true, jm.updateWorkflowFreeNodeState(ctx, tx, lead, model.RunStatePaused, []model.RunState{model.RunStateWaiting})
}

// pauseInstance0 pauses the tasks of inst that are not running and asks
// the workers of running ones to stop. The instance itself moves once no
// task is active any more.
func (jm *JobManager) pauseInstance0(ctx context.Context, tx *orm.Tx, inst *model.Instance) (bool, error) {
	if !inst.RunState.IsPausable() {
		return false, nil
	}
	if _, err := tx.UpdateTasksState(ctx, inst.InstanceID, model.ExecuteStatePaused,
		[]model.ExecuteState{model.ExecuteStateWaiting}, nil); err != nil {
		return false, err
	}
	params, err := jm.loadExecutingTasks(ctx, tx, inst, model.OperationPause)
	if err != nil {
		return false, err
	}
	if len(params) > 0 {
		tx.AfterCommit(func() { jm.dispatcher.Dispatch(ctx, params) })
		return true, nil
	}

	state, end, ok, err := jm.obtainRunState(ctx, tx, inst.InstanceID)
	if err != nil {
		return false, err
	}
	if !ok {
		return false, derrors.ErrIllegalState.GenWithStackByArgs(
			fmt.Sprintf("instance %d has active tasks after pause", inst.InstanceID))
	}
	moved, err := jm.moveInstance(ctx, tx, inst, state, model.PausableRunStates, end)
	if err != nil {
		return false, err
	}
	if !moved {
		return false, derrors.ErrIllegalState.GenWithStackByArgs(
			fmt.Sprintf("pause instance %d to %s", inst.InstanceID, state))
	}
	inst.MarkTerminated(state, end)
	if inst.IsWorkflowNode() {
		return true, jm.updateWorkflowCurNodeState(ctx, tx, inst, state)
	}
	if state.IsTerminal() {
		return true, jm.renewFixedNextTriggerTime(ctx, tx, inst)
	}
	return true, nil
}

// CancelInstance cancels a plain instance or a whole workflow. op must
// stop tasks with a failure state.
func (jm *JobManager) CancelInstance(ctx context.Context, instanceID int64, op model.Operation) (bool, error) {
	if !op.ToState().IsFailure() {
		return false, derrors.ErrInvalidArgument.GenWithStackByArgs("cancel with operation " + op.String())
	}
	return jm.syncInstanceOp(ctx, instanceID, func(tx *orm.Tx, inst *model.Instance) (bool, error) {
		if inst.IsWorkflowLead() {
			return jm.cancelWorkflow(ctx, tx, inst, op)
		}
		return jm.cancelInstance0(ctx, tx, inst, op)
	})
}

func (jm *JobManager) cancelWorkflow(ctx context.Context, tx *orm.Tx, lead *model.Instance, op model.Operation) (bool, error) {
	if !lead.RunState.IsTerminable() {
		return false, nil
	}
	nodes, err := tx.FindWorkflowNodeInstances(ctx, lead.InstanceID)
	if err != nil {
		return false, err
	}
	for _, node := range nodes {
		if !node.RunState.IsTerminable() {
			continue
		}
		if _, err := jm.cancelInstance0(ctx, tx, node, op); err != nil {
			return false, err
		}
	}
	// paused free edges are canceled too, otherwise a paused lead stays paused
	return true, jm.updateWorkflowFreeNodeState(ctx, tx, lead, model.RunStateCanceled, model.TerminableRunStates)
}

func (jm *JobManager) cancelInstance0(ctx context.Context, tx *orm.Tx, inst *model.Instance, op model.Operation) (bool, error) {
	if !inst.RunState.IsTerminable() {
		return false, nil
	}
	now := jm.now()
	if _, err := tx.UpdateTasksState(ctx, inst.InstanceID, op.ToState(), model.ExecutableExecuteStates, &now); err != nil {
		return false, err
	}
	params, err := jm.loadExecutingTasks(ctx, tx, inst, op)
	if err != nil {
		return false, err
	}
	if len(params) > 0 {
		tx.AfterCommit(func() { jm.dispatcher.Dispatch(ctx, params) })
		return true, nil
	}

	state, end, ok, err := jm.obtainRunState(ctx, tx, inst.InstanceID)
	if err != nil {
		return false, err
	}
	if !ok {
		return false, derrors.ErrIllegalState.GenWithStackByArgs(
			fmt.Sprintf("instance %d has active tasks after cancel", inst.InstanceID))
	}
	if state == model.RunStatePaused {
		state, end = model.RunStateCanceled, now
	}
	moved, err := jm.moveInstance(ctx, tx, inst, state, model.TerminableRunStates, end)
	if err != nil {
		return false, err
	}
	if !moved {
		return false, derrors.ErrIllegalState.GenWithStackByArgs(
			fmt.Sprintf("cancel instance %d to %s", inst.InstanceID, state))
	}
	inst.MarkTerminated(state, end)
	if inst.IsWorkflowNode() {
		return true, jm.updateWorkflowCurNodeState(ctx, tx, inst, state)
	}
	return true, jm.renewFixedNextTriggerTime(ctx, tx, inst)
}

// ResumeInstance resumes a paused plain instance or workflow.
func (jm *JobManager) ResumeInstance(ctx context.Context, instanceID int64) (bool, error) {
	return jm.syncInstanceOp(ctx, instanceID, func(tx *orm.Tx, inst *model.Instance) (bool, error) {
		if inst.IsWorkflowLead() {
			return jm.resumeWorkflow(ctx, tx, inst)
		}
		return jm.resumeInstance0(ctx, tx, inst)
	})
}

func (jm *JobManager) resumeWorkflow(ctx context.Context, tx *orm.Tx, lead *model.Instance) (bool, error) {
	if lead.RunState != model.RunStatePaused {
		return false, nil
	}
	ok, err := tx.UpdateInstanceState(ctx, lead.InstanceID, model.RunStateRunning, model.RunStatePaused)
	if err != nil || !ok {
		return false, err
	}
	lead.RunState = model.RunStateRunning
	if _, err := tx.UpdateFreeStates(ctx, lead.InstanceID, model.RunStateWaiting,
		[]model.RunState{model.RunStatePaused}); err != nil {
		return false, err
	}

	nodes, err := tx.FindWorkflowNodeInstances(ctx, lead.InstanceID)
	if err != nil {
		return false, err
	}
	for _, node := range nodes {
		if node.RunState != model.RunStatePaused {
			continue
		}
		if _, err := jm.resumeInstance0(ctx, tx, node); err != nil {
			return false, err
		}
		if err := jm.updateWorkflowCurNodeState(ctx, tx, node, model.RunStateRunning); err != nil {
			return false, err
		}
	}

	job, err := tx.GetJob(ctx, lead.JobID)
	if err != nil {
		return false, err
	}
	g, err := jm.loadWorkflowGraph(ctx, tx, lead.InstanceID)
	if err != nil {
		return false, err
	}
	for _, e := range g.AllEdges() {
		if err := jm.processWorkflowNode(ctx, tx, job, lead, g, e.Target); err != nil {
			return false, err
		}
	}
	_, err = jm.updateWorkflowStopState(ctx, tx, lead)
	return true, err
}

func (jm *JobManager) resumeInstance0(ctx context.Context, tx *orm.Tx, inst *model.Instance) (bool, error) {
	if inst.RunState != model.RunStatePaused {
		return false, nil
	}
	if _, err := tx.UpdateNextScanTime(ctx, inst.InstanceID, jm.now().Add(jm.cfg.ScanDelay), inst.Version); err != nil {
		return false, err
	}
	ok, err := tx.UpdateInstanceState(ctx, inst.InstanceID, model.RunStateWaiting, model.RunStatePaused)
	if err != nil || !ok {
		return false, err
	}
	inst.RunState = model.RunStateWaiting
	if _, err := tx.UpdateTasksState(ctx, inst.InstanceID, model.ExecuteStateWaiting,
		[]model.ExecuteState{model.ExecuteStatePaused}, nil); err != nil {
		return false, err
	}
	return true, jm.dispatchWaitingTasks(ctx, tx, inst)
}

// dispatchWaitingTasks delivers the WAITING tasks of inst after commit.
func (jm *JobManager) dispatchWaitingTasks(ctx context.Context, tx *orm.Tx, inst *model.Instance) error {
	job, err := tx.GetJob(ctx, inst.JobID)
	if err != nil {
		return err
	}
	tasks, err := tx.FindTasks(ctx, inst.InstanceID)
	if err != nil {
		return err
	}
	waiting := tasks[:0]
	for _, task := range tasks {
		if task.IsWaiting() {
			waiting = append(waiting, task)
		}
	}
	if len(waiting) == 0 {
		return nil
	}
	snapshot := *inst
	tx.AfterCommit(func() { jm.dispatch(ctx, job, &snapshot, waiting) })
	return nil
}

// PurgeInstance terminates an instance that has no WAITING task and no task
// executing on a live worker. An instance whose tasks would aggregate to
// PAUSED is left alone. Workflow leads are settled by their nodes.
func (jm *JobManager) PurgeInstance(ctx context.Context, instanceID int64) (bool, error) {
	inst, err := jm.store.GetInstance(ctx, instanceID)
	if err != nil {
		return false, err
	}
	if inst.IsWorkflowLead() {
		return false, derrors.ErrInvalidArgument.GenWithStackByArgs(
			fmt.Sprintf("purge workflow lead %d", instanceID))
	}
	return jm.doInSynchronizedTransaction(ctx, instanceID, inst.WorkflowLeadID, func(tx *orm.Tx, inst *model.Instance) (bool, error) {
		if inst.RunState != model.RunStateWaiting && inst.RunState != model.RunStateRunning {
			return false, nil
		}
		tasks, err := tx.FindTasks(ctx, inst.InstanceID)
		if err != nil {
			return false, err
		}
		for _, task := range tasks {
			if task.IsWaiting() || (task.IsExecuting() && jm.isAliveWorker(task.Worker)) {
				return false, nil
			}
		}

		now := jm.now()
		state, end, ok := model.ObtainRunState(tasks, now)
		if !ok {
			state, end = model.RunStateCanceled, now
		}
		if !state.IsTerminal() {
			// a purge only terminates, a paused task is left to its operation
			log.L().Warn("purge instance skipped", zap.Int64("instance-id", inst.InstanceID), zap.Stringer("run-state", state))
			return false, nil
		}
		moved, err := jm.moveInstance(ctx, tx, inst, state, model.RunnableRunStates, end)
		if err != nil || !moved {
			return false, err
		}
		inst.MarkTerminated(state, end)
		log.L().Info("purge instance", zap.Int64("instance-id", inst.InstanceID), zap.Stringer("run-state", state))
		if _, err := tx.UpdateTasksState(ctx, inst.InstanceID, model.ExecuteStateExecuteTimeout,
			model.PausableExecuteStates, &now); err != nil {
			return false, err
		}
		return true, jm.afterTerminateTask(ctx, tx, inst)
	})
}

// DeleteInstance removes a terminal instance. A workflow is deleted through
// its lead, with every node instance and edge row. A plain instance is
// deleted with its retries.
func (jm *JobManager) DeleteInstance(ctx context.Context, instanceID int64) (bool, error) {
	return jm.syncInstanceOp(ctx, instanceID, func(tx *orm.Tx, inst *model.Instance) (bool, error) {
		if !inst.RunState.IsTerminal() {
			return false, derrors.ErrInvalidArgument.GenWithStackByArgs(
				fmt.Sprintf("delete instance %d in %s", instanceID, inst.RunState))
		}
		var ids []int64
		if inst.IsWorkflowLead() {
			nodes, err := tx.FindWorkflowNodeInstances(ctx, inst.InstanceID)
			if err != nil {
				return false, err
			}
			for _, node := range nodes {
				ids = append(ids, node.InstanceID)
			}
			if err := tx.DeleteWorkflows(ctx, inst.InstanceID); err != nil {
				return false, err
			}
		} else {
			if inst.Retrying || inst.IsRunRetry() {
				return false, derrors.ErrInvalidArgument.GenWithStackByArgs(
					fmt.Sprintf("delete instance %d of an open retry chain", instanceID))
			}
			retries, err := tx.FindChildInstances(ctx, inst.InstanceID, model.RunTypeRetry)
			if err != nil {
				return false, err
			}
			for _, retry := range retries {
				ids = append(ids, retry.InstanceID)
			}
		}
		ids = append(ids, inst.InstanceID)
		for _, id := range ids {
			ok, err := tx.DeleteInstance(ctx, id)
			if err != nil {
				return false, err
			}
			if !ok {
				return false, derrors.ErrIllegalState.GenWithStackByArgs(fmt.Sprintf("delete instance %d", id))
			}
		}
		log.L().Info("delete instance", zap.Int64("instance-id", instanceID), zap.Int("deleted", len(ids)))
		return true, nil
	})
}

// ChangeInstanceState forces every unfinished task of a plain instance to
// toState. Moving to WAITING dispatches the tasks again.
func (jm *JobManager) ChangeInstanceState(ctx context.Context, instanceID int64, toState model.ExecuteState) (bool, error) {
	if !toState.Valid() || toState == model.ExecuteStateExecuting {
		return false, derrors.ErrInvalidArgument.GenWithStackByArgs("force change instance to " + toState.String())
	}
	inst, err := jm.store.GetInstance(ctx, instanceID)
	if err != nil {
		return false, err
	}
	if inst.IsWorkflow() {
		return false, derrors.ErrInvalidArgument.GenWithStackByArgs(
			fmt.Sprintf("force change workflow instance %d", instanceID))
	}
	return jm.doInSynchronizedTransaction(ctx, instanceID, nil, func(tx *orm.Tx, inst *model.Instance) (bool, error) {
		from, to := inst.RunState, toState.RunState()
		if from == model.RunStateRunning || from == to {
			return false, derrors.ErrInvalidArgument.GenWithStackByArgs(
				fmt.Sprintf("force change instance %d from %s to %s", instanceID, from, to))
		}
		now := jm.now()
		var (
			ok  bool
			err error
		)
		if to.IsTerminal() {
			ok, err = tx.TerminateInstance(ctx, instanceID, nil, to, []model.RunState{from}, now)
		} else {
			ok, err = tx.UpdateInstanceState(ctx, instanceID, to, from)
		}
		if err != nil {
			return false, err
		}
		if !ok {
			return false, derrors.ErrIllegalState.GenWithStackByArgs(fmt.Sprintf("force change instance %d", instanceID))
		}
		if _, err := tx.ForceChangeTaskState(ctx, instanceID, toState, now); err != nil {
			return false, err
		}
		inst.MarkTerminated(to, now)
		log.L().Info("force change instance state", zap.Int64("instance-id", instanceID), zap.Stringer("to-state", toState))
		if toState == model.ExecuteStateWaiting {
			return true, jm.dispatchWaitingTasks(ctx, tx, inst)
		}
		return true, nil
	})
}
