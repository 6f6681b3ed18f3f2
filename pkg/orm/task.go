package orm

import (
	"context"
	"time"

	"github.com/pingcap/errors"
	"gorm.io/gorm"

	"github.com/hanfei1991/dagsched/model"
	derrors "github.com/hanfei1991/dagsched/pkg/errors"
)

// AddTasks inserts tasks.
func (o *metaOps) AddTasks(ctx context.Context, tasks ...*model.Task) error {
	if len(tasks) == 0 {
		return nil
	}
	if err := o.db.WithContext(ctx).Create(tasks).Error; err != nil {
		return opFail(err)
	}
	return nil
}

// GetTask returns the task taskID.
func (o *metaOps) GetTask(ctx context.Context, taskID int64) (*model.Task, error) {
	var task model.Task
	err := o.db.WithContext(ctx).Where("task_id = ?", taskID).First(&task).Error
	if errors.Cause(err) == gorm.ErrRecordNotFound {
		return nil, derrors.ErrTaskNotFound.GenWithStackByArgs(taskID)
	}
	if err != nil {
		return nil, opFail(err)
	}
	return &task, nil
}

// FindTasks returns the tasks of instanceID ordered by task number.
func (o *metaOps) FindTasks(ctx context.Context, instanceID int64) ([]*model.Task, error) {
	var tasks []*model.Task
	err := o.db.WithContext(ctx).Where("instance_id = ?", instanceID).Order("task_no").Find(&tasks).Error
	if err != nil {
		return nil, opFail(err)
	}
	return tasks, nil
}

// StartTask moves a WAITING task to EXECUTING on worker. The start request
// id makes a repeated start from the same worker recognizable.
func (o *metaOps) StartTask(ctx context.Context, taskID int64, worker, startRequestID string, startTime time.Time) (bool, error) {
	res := o.db.WithContext(ctx).Model(&model.Task{}).
		Where("task_id = ? AND execute_state = ?", taskID, model.ExecuteStateWaiting).
		Updates(map[string]interface{}{
			"execute_state":      model.ExecuteStateExecuting,
			"worker":             worker,
			"start_request_id":   startRequestID,
			"execute_start_time": startTime,
			"version":            gorm.Expr("version + 1"),
		})
	return o.updated(res)
}

// TerminateTask moves a task in fromStates to the terminal or paused
// toState recorded by worker. An empty worker matches any worker.
func (o *metaOps) TerminateTask(ctx context.Context, taskID int64, worker string, toState model.ExecuteState, fromStates []model.ExecuteState, endTime *time.Time, errorMsg string) (bool, error) {
	q := o.db.WithContext(ctx).Model(&model.Task{}).
		Where("task_id = ? AND execute_state IN ?", taskID, fromStates)
	if worker != "" {
		q = q.Where("worker = ?", worker)
	}
	updates := map[string]interface{}{
		"execute_state": toState,
		"version":       gorm.Expr("version + 1"),
	}
	if endTime != nil {
		updates["execute_end_time"] = *endTime
	}
	if errorMsg != "" {
		updates["error_msg"] = errorMsg
	}
	return o.updated(q.Updates(updates))
}

// UpdateTasksState moves every task of instanceID from fromStates to toState.
func (o *metaOps) UpdateTasksState(ctx context.Context, instanceID int64, toState model.ExecuteState, fromStates []model.ExecuteState, endTime *time.Time) (int64, error) {
	updates := map[string]interface{}{
		"execute_state": toState,
		"version":       gorm.Expr("version + 1"),
	}
	if endTime != nil {
		updates["execute_end_time"] = *endTime
	}
	res := o.db.WithContext(ctx).Model(&model.Task{}).
		Where("instance_id = ? AND execute_state IN ?", instanceID, fromStates).
		Updates(updates)
	return o.affected(res)
}

// ForceChangeTaskState sets the state of every task of instanceID that
// has not completed, failed tasks included.
func (o *metaOps) ForceChangeTaskState(ctx context.Context, instanceID int64, toState model.ExecuteState, endTime time.Time) (int64, error) {
	updates := map[string]interface{}{
		"execute_state": toState,
		"version":       gorm.Expr("version + 1"),
	}
	if toState.IsTerminal() {
		updates["execute_end_time"] = endTime
	} else {
		updates["execute_end_time"] = nil
	}
	res := o.db.WithContext(ctx).Model(&model.Task{}).
		Where("instance_id = ? AND execute_state NOT IN ?", instanceID,
			[]model.ExecuteState{model.ExecuteStateCompleted, toState}).
		Updates(updates)
	return o.affected(res)
}

// UpdateTaskWorker records the worker a WAITING task was assigned to.
func (o *metaOps) UpdateTaskWorker(ctx context.Context, taskID int64, worker string) (bool, error) {
	res := o.db.WithContext(ctx).Model(&model.Task{}).
		Where("task_id = ? AND execute_state = ?", taskID, model.ExecuteStateWaiting).
		Updates(map[string]interface{}{
			"worker":  worker,
			"version": gorm.Expr("version + 1"),
		})
	return o.updated(res)
}

// UpdateTaskWorkers records the workers of several WAITING tasks.
func (o *metaOps) UpdateTaskWorkers(ctx context.Context, workers map[int64]string) (int64, error) {
	var total int64
	for taskID, worker := range workers {
		ok, err := o.UpdateTaskWorker(ctx, taskID, worker)
		if err != nil {
			return total, err
		}
		if ok {
			total++
		}
	}
	return total, nil
}

// Checkpoint stores the snapshot of an EXECUTING task.
func (o *metaOps) Checkpoint(ctx context.Context, taskID int64, snapshot string) (bool, error) {
	res := o.db.WithContext(ctx).Model(&model.Task{}).
		Where("task_id = ? AND execute_state = ?", taskID, model.ExecuteStateExecuting).
		Update("execute_snapshot", snapshot)
	return o.updated(res)
}

// UpdateTaskErrorMsg stores the error message of a task.
func (o *metaOps) UpdateTaskErrorMsg(ctx context.Context, taskID int64, errorMsg string) (bool, error) {
	res := o.db.WithContext(ctx).Model(&model.Task{}).
		Where("task_id = ?", taskID).
		Update("error_msg", errorMsg)
	return o.updated(res)
}

// IncrementDispatchFailedCount bumps the dispatch failure counter of a
// WAITING task, conditional on the count the caller observed.
func (o *metaOps) IncrementDispatchFailedCount(ctx context.Context, taskID int64, currentCount int) (bool, error) {
	res := o.db.WithContext(ctx).Model(&model.Task{}).
		Where("task_id = ? AND execute_state = ? AND dispatch_failed_count = ?", taskID, model.ExecuteStateWaiting, currentCount).
		Updates(map[string]interface{}{
			"dispatch_failed_count": currentCount + 1,
			"version":               gorm.Expr("version + 1"),
		})
	return o.updated(res)
}

// DeleteTasks removes the tasks of instanceID.
func (o *metaOps) DeleteTasks(ctx context.Context, instanceID int64) error {
	if err := o.db.WithContext(ctx).Where("instance_id = ?", instanceID).Delete(&model.Task{}).Error; err != nil {
		return opFail(err)
	}
	return nil
}
