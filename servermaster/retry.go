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

// afterTerminateTask runs the follow ups of an instance that ended after
// its tasks ran: a retry when it failed, the workflow progression, the
// fixed schedule and the depend jobs when it completed.
func (jm *JobManager) afterTerminateTask(ctx context.Context, tx *orm.Tx, inst *model.Instance) error {
	switch inst.RunState {
	case model.RunStateCanceled:
		return jm.retryJob(ctx, tx, inst)
	case model.RunStateCompleted:
		if inst.IsWorkflowNode() {
			return jm.processWorkflowInstance(ctx, tx, inst)
		}
		if err := jm.renewFixedNextTriggerTime(ctx, tx, inst); err != nil {
			return err
		}
		return jm.dependJob(ctx, tx, inst)
	default:
		return nil
	}
}

func (jm *JobManager) retryJob(ctx context.Context, tx *orm.Tx, prev *model.Instance) error {
	job, err := tx.GetJob(ctx, prev.JobID)
	if err != nil {
		return err
	}
	created, err := jm.retryJob0(ctx, tx, job, prev)
	if err != nil {
		log.L().Error("retry instance failed", zap.Int64("instance-id", prev.InstanceID), zap.Error(err))
		created = false
	}
	if created {
		if prev.IsRunRetry() {
			return nil
		}
		ok, err := tx.StartRetrying(ctx, prev.InstanceID)
		if err != nil {
			return err
		}
		if !ok {
			return derrors.ErrIllegalState.GenWithStackByArgs(fmt.Sprintf("start retrying instance %d", prev.InstanceID))
		}
		prev.Retrying = true
		return nil
	}

	if !prev.IsWorkflowNode() {
		return jm.renewFixedNextTriggerTime(ctx, tx, prev)
	}
	if err := jm.updateWorkflowCurNodeState(ctx, tx, prev, model.RunStateCanceled); err != nil {
		return err
	}
	lead, err := jm.workflowLead(ctx, tx, prev)
	if err != nil {
		return err
	}
	return jm.updateWorkflowFreeNodeState(ctx, tx, lead, model.RunStateCanceled, model.RunnableRunStates)
}

// retryJob0 creates the next retry of prev if its job allows one. The rows
// are written in a savepoint so a failing retry leaves prev untouched.
func (jm *JobManager) retryJob0(ctx context.Context, tx *orm.Tx, job *model.Job, prev *model.Instance) (bool, error) {
	if !job.Retryable(prev.RunState, prev.RetriedCount) {
		return false, nil
	}
	retried := prev.RetriedCount + 1
	retryID, err := jm.nextID(ctx)
	if err != nil {
		return false, err
	}
	retry := model.NewChildInstance(prev, retryID, job.JobID, model.RunTypeRetry,
		job.ComputeRetryTriggerTime(retried, jm.now()), retried)
	if prev.IsWorkflowNode() {
		retry.SetCurNode(prev.CurNode())
	}
	next := jm.nextScanTime(retry.TriggerTime)
	retry.NextScanTime = &next

	tasks, err := jm.splitRetryTask(ctx, tx, job, prev, retryID)
	if err != nil {
		return false, err
	}
	if len(tasks) == 0 {
		log.L().Info("nothing to retry", zap.Int64("instance-id", prev.InstanceID))
		return false, nil
	}

	err = tx.Nested(ctx, func(ntx *orm.Tx) error {
		if prev.IsWorkflowNode() {
			n, err := ntx.UpdateNodeInstance(ctx, *prev.WorkflowLeadID, prev.CurNode(), prev.InstanceID, retryID)
			if err != nil {
				return err
			}
			if n == 0 {
				return derrors.ErrIllegalState.GenWithStackByArgs(
					fmt.Sprintf("move workflow node %s to retry %d", prev.CurNode(), retryID))
			}
		}
		if err := ntx.AddInstances(ctx, retry); err != nil {
			return err
		}
		if err := ntx.AddTasks(ctx, tasks...); err != nil {
			return err
		}
		ntx.AfterCommit(func() {
			instanceTriggeredCounter.WithLabelValues(model.RunTypeRetry.String()).Inc()
			jm.dispatch(ctx, job, retry, tasks)
		})
		return nil
	})
	if err != nil {
		return false, err
	}
	instanceRetriedCounter.Inc()
	log.L().Info("retry instance",
		zap.Int64("instance-id", prev.InstanceID), zap.Int64("retry-instance-id", retryID), zap.Int("retried-count", retried))
	return true, nil
}

// splitRetryTask builds the tasks of a retry. ALL splits the job again,
// FAILED copies the failed tasks of prev.
func (jm *JobManager) splitRetryTask(ctx context.Context, tx *orm.Tx, job *model.Job, prev *model.Instance, retryID int64) ([]*model.Task, error) {
	switch job.RetryType {
	case model.RetryAll:
		handlerName := job.JobHandler
		if prev.IsWorkflowNode() {
			node, err := dag.ParseNode(prev.CurNode())
			if err != nil {
				return nil, err
			}
			handlerName = node.Name
		}
		return jm.splitJob(ctx, job, handlerName, retryID)
	case model.RetryFailed:
		prevTasks, err := tx.FindTasks(ctx, prev.InstanceID)
		if err != nil {
			return nil, err
		}
		var tasks []*model.Task
		for _, t := range prevTasks {
			if !t.ExecuteState.IsFailure() {
				continue
			}
			worker := ""
			if job.RouteStrategy.IsBroadcast() {
				if !jm.isAliveWorker(t.Worker) {
					continue
				}
				worker = t.Worker
			}
			taskID, err := jm.nextID(ctx)
			if err != nil {
				return nil, err
			}
			task := model.NewTask(t.TaskParam, taskID, retryID, t.TaskNo, t.TaskCount, worker)
			task.ExecuteSnapshot = t.ExecuteSnapshot
			tasks = append(tasks, task)
		}
		return tasks, nil
	default:
		return nil, derrors.ErrUnknownRetryType.GenWithStackByArgs(job.RetryType.String(), job.JobID)
	}
}

// dependJob triggers the child jobs of a completed instance. A child that
// cannot be triggered is logged and skipped.
func (jm *JobManager) dependJob(ctx context.Context, tx *orm.Tx, inst *model.Instance) error {
	if inst.IsWorkflowNode() || inst.RunState != model.RunStateCompleted {
		return nil
	}
	childIDs, err := tx.FindChildJobIDs(ctx, inst.JobID)
	if err != nil {
		return err
	}
	for _, childID := range childIDs {
		err := tx.Nested(ctx, func(ntx *orm.Tx) error {
			job, err := ntx.GetJob(ctx, childID)
			if err != nil {
				return err
			}
			if !job.IsEnabled() {
				return nil
			}
			ti, err := jm.createInstance(ctx, job, model.RunTypeDepend, jm.now().UnixMilli(), inst)
			if err != nil {
				return err
			}
			if err := ti.save(ctx, ntx); err != nil {
				return err
			}
			ntx.AfterCommit(func() { ti.dispatch(ctx, jm) })
			return nil
		})
		if err != nil {
			log.L().Error("trigger depend job failed",
				zap.Int64("parent-instance-id", inst.InstanceID), zap.Int64("job-id", childID), zap.Error(err))
		}
	}
	return nil
}

// stopRetrying closes the retry chain inst belongs to with state.
func (jm *JobManager) stopRetrying(ctx context.Context, tx *orm.Tx, inst *model.Instance, state model.RunState) error {
	if !inst.IsRunRetry() {
		return nil
	}
	ok, err := tx.StopRetrying(ctx, inst.RetryOriginalInstanceID(), state)
	if err != nil {
		return err
	}
	if !ok {
		log.L().Warn("stop retrying unsuccessful", zap.Int64("instance-id", inst.RetryOriginalInstanceID()))
	}
	return nil
}

// renewFixedNextTriggerTime computes the next trigger of a FIXED_RATE or
// FIXED_DELAY job once the run it scheduled ended.
func (jm *JobManager) renewFixedNextTriggerTime(ctx context.Context, tx *orm.Tx, inst *model.Instance) error {
	if !inst.RunState.IsTerminal() {
		return nil
	}
	if err := jm.stopRetrying(ctx, tx, inst, inst.RunState); err != nil {
		return err
	}
	original := inst
	if inst.IsRunRetry() {
		var err error
		if original, err = tx.GetInstance(ctx, inst.RetryOriginalInstanceID()); err != nil {
			return err
		}
	}
	if original.RunType != model.RunTypeSchedule || original.JobID != inst.JobID {
		return nil
	}
	job, err := tx.GetJob(ctx, inst.JobID)
	if err != nil {
		return err
	}
	if !job.IsEnabled() || !job.TriggerType.IsFixedType() {
		return nil
	}
	interval, err := trigger.FixedInterval(job.TriggerType, job.TriggerValue)
	if err != nil {
		return err
	}
	end := jm.now()
	if inst.RunEndTime != nil {
		end = *inst.RunEndTime
	}
	var next time.Time
	if job.TriggerType == model.TriggerTypeFixedRate {
		next = time.UnixMilli(original.TriggerTime).Add(interval)
		if next.Before(end) {
			next = end
		}
	} else {
		next = end.Add(interval)
	}
	if job.EndTime != nil && next.After(*job.EndTime) {
		_, err := tx.DisableJob(ctx, job.JobID)
		return err
	}
	ok, err := tx.UpdateFixedNextTriggerTime(ctx, job.JobID, original.TriggerTime, next.UnixMilli())
	if err != nil {
		return err
	}
	if ok {
		log.L().Info("renew fixed trigger time", zap.Int64("job-id", job.JobID), zap.Time("next-trigger-time", next))
	}
	return nil
}
