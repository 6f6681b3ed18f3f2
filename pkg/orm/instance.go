package orm

import (
	"context"
	"time"

	"github.com/pingcap/errors"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/hanfei1991/dagsched/model"
	derrors "github.com/hanfei1991/dagsched/pkg/errors"
)

// AddInstances inserts instances.
func (o *metaOps) AddInstances(ctx context.Context, instances ...*model.Instance) error {
	if len(instances) == 0 {
		return nil
	}
	for _, inst := range instances {
		inst.FillUniqueFlag()
	}
	if err := o.db.WithContext(ctx).Create(instances).Error; err != nil {
		return opFail(err)
	}
	return nil
}

// GetInstance returns the instance instanceID.
func (o *metaOps) GetInstance(ctx context.Context, instanceID int64) (*model.Instance, error) {
	return o.getInstance(o.db.WithContext(ctx), instanceID)
}

// LockInstance reads instanceID with SELECT ... FOR UPDATE.
func (o *metaOps) LockInstance(ctx context.Context, instanceID int64) (*model.Instance, error) {
	return o.getInstance(o.db.WithContext(ctx).Clauses(clause.Locking{Strength: "UPDATE"}), instanceID)
}

func (o *metaOps) getInstance(db *gorm.DB, instanceID int64) (*model.Instance, error) {
	var inst model.Instance
	err := db.Where("instance_id = ?", instanceID).First(&inst).Error
	if errors.Cause(err) == gorm.ErrRecordNotFound {
		return nil, derrors.ErrInstanceNotFound.GenWithStackByArgs(instanceID)
	}
	if err != nil {
		return nil, opFail(err)
	}
	return &inst, nil
}

// FindInstances returns the instances in ids.
func (o *metaOps) FindInstances(ctx context.Context, ids []int64) ([]*model.Instance, error) {
	var instances []*model.Instance
	if len(ids) == 0 {
		return instances, nil
	}
	err := o.db.WithContext(ctx).Where("instance_id IN ?", ids).Order("instance_id").Find(&instances).Error
	if err != nil {
		return nil, opFail(err)
	}
	return instances, nil
}

// FindWorkflowNodeInstances returns the node instances of a workflow.
func (o *metaOps) FindWorkflowNodeInstances(ctx context.Context, leadID int64) ([]*model.Instance, error) {
	var instances []*model.Instance
	err := o.db.WithContext(ctx).
		Where("workflow_lead_id = ? AND instance_id <> ?", leadID, leadID).
		Order("instance_id").
		Find(&instances).Error
	if err != nil {
		return nil, opFail(err)
	}
	return instances, nil
}

// FindChildInstances returns the instances created from parentID with runType.
func (o *metaOps) FindChildInstances(ctx context.Context, parentID int64, runType model.RunType) ([]*model.Instance, error) {
	var instances []*model.Instance
	err := o.db.WithContext(ctx).
		Where("parent_instance_id = ? AND run_type = ?", parentID, runType).
		Order("instance_id").
		Find(&instances).Error
	if err != nil {
		return nil, opFail(err)
	}
	return instances, nil
}

// FindLatestInstance returns the most recently triggered root instance of
// jobID, or nil.
func (o *metaOps) FindLatestInstance(ctx context.Context, jobID int64) (*model.Instance, error) {
	var inst model.Instance
	err := o.db.WithContext(ctx).
		Where("job_id = ? AND run_type <> ? AND (workflow_lead_id IS NULL OR workflow_lead_id = instance_id)", jobID, model.RunTypeRetry).
		Order("trigger_time DESC").
		First(&inst).Error
	if errors.Cause(err) == gorm.ErrRecordNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, opFail(err)
	}
	return &inst, nil
}

// FindUnterminatedInstances returns the root instances of jobID that are
// still in a terminable state.
func (o *metaOps) FindUnterminatedInstances(ctx context.Context, jobID int64) ([]*model.Instance, error) {
	var instances []*model.Instance
	err := o.db.WithContext(ctx).
		Where("job_id = ? AND run_state IN ? AND (workflow_lead_id IS NULL OR workflow_lead_id = instance_id)",
			jobID, model.TerminableRunStates).
		Order("instance_id").
		Find(&instances).Error
	if err != nil {
		return nil, opFail(err)
	}
	return instances, nil
}

// FindExpireInstances returns instances in state whose next scan time is
// before expireTime. Workflow leads are skipped, their nodes are scanned.
func (o *metaOps) FindExpireInstances(ctx context.Context, state model.RunState, expireTime time.Time, limit int) ([]*model.Instance, error) {
	var instances []*model.Instance
	err := o.db.WithContext(ctx).
		Where("run_state = ? AND next_scan_time IS NOT NULL AND next_scan_time < ?", state, expireTime).
		Where("workflow_lead_id IS NULL OR workflow_lead_id <> instance_id").
		Order("next_scan_time").
		Limit(limit).
		Find(&instances).Error
	if err != nil {
		return nil, opFail(err)
	}
	return instances, nil
}

// UpdateNextScanTime postpones the next scan of an instance, conditional on
// its version.
func (o *metaOps) UpdateNextScanTime(ctx context.Context, instanceID int64, next time.Time, version int) (bool, error) {
	res := o.db.WithContext(ctx).Model(&model.Instance{}).
		Where("instance_id = ? AND version = ?", instanceID, version).
		Updates(map[string]interface{}{
			"next_scan_time": next,
			"version":        gorm.Expr("version + 1"),
		})
	return o.updated(res)
}

// StartInstance moves a WAITING instance to RUNNING.
func (o *metaOps) StartInstance(ctx context.Context, instanceID int64, leadID *int64, runStartTime time.Time) (bool, error) {
	q := o.db.WithContext(ctx).Model(&model.Instance{}).
		Where("instance_id = ? AND run_state = ?", instanceID, model.RunStateWaiting)
	q = whereLead(q, leadID)
	return o.updated(q.Updates(map[string]interface{}{
		"run_state":      model.RunStateRunning,
		"run_start_time": runStartTime,
		"version":        gorm.Expr("version + 1"),
	}))
}

// TerminateInstance moves an instance in one of the terminable states to
// the terminal toState.
func (o *metaOps) TerminateInstance(ctx context.Context, instanceID int64, leadID *int64, toState model.RunState, fromStates []model.RunState, runEndTime time.Time) (bool, error) {
	if !toState.IsTerminal() {
		return false, derrors.ErrIllegalState.GenWithStackByArgs("terminate instance to " + toState.String())
	}
	q := o.db.WithContext(ctx).Model(&model.Instance{}).
		Where("instance_id = ? AND run_state IN ?", instanceID, fromStates)
	q = whereLead(q, leadID)
	return o.updated(q.Updates(map[string]interface{}{
		"run_state":    toState,
		"run_end_time": runEndTime,
		"version":      gorm.Expr("version + 1"),
	}))
}

// UpdateInstanceState moves an instance from fromState to a non terminal
// toState.
func (o *metaOps) UpdateInstanceState(ctx context.Context, instanceID int64, toState, fromState model.RunState) (bool, error) {
	if toState.IsTerminal() {
		return false, derrors.ErrIllegalState.GenWithStackByArgs("update instance to " + toState.String())
	}
	res := o.db.WithContext(ctx).Model(&model.Instance{}).
		Where("instance_id = ? AND run_state = ?", instanceID, fromState).
		Updates(map[string]interface{}{
			"run_state": toState,
			"version":   gorm.Expr("version + 1"),
		})
	return o.updated(res)
}

// UpdateInstanceStates moves every instance in ids from fromStates to
// toState and returns the number of changed rows.
func (o *metaOps) UpdateInstanceStates(ctx context.Context, ids []int64, toState model.RunState, fromStates []model.RunState) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	res := o.db.WithContext(ctx).Model(&model.Instance{}).
		Where("instance_id IN ? AND run_state IN ?", ids, fromStates).
		Updates(map[string]interface{}{
			"run_state": toState,
			"version":   gorm.Expr("version + 1"),
		})
	return o.affected(res)
}

// StartRetrying marks a canceled instance as having an open retry chain.
func (o *metaOps) StartRetrying(ctx context.Context, instanceID int64) (bool, error) {
	res := o.db.WithContext(ctx).Model(&model.Instance{}).
		Where("instance_id = ? AND retrying = ? AND run_state = ?", instanceID, false, model.RunStateCanceled).
		Updates(map[string]interface{}{
			"retrying": true,
			"version":  gorm.Expr("version + 1"),
		})
	return o.updated(res)
}

// StopRetrying closes the retry chain of an instance and settles it to the
// terminal state the last retry ended with.
func (o *metaOps) StopRetrying(ctx context.Context, instanceID int64, toState model.RunState) (bool, error) {
	if !toState.IsTerminal() {
		return false, derrors.ErrIllegalState.GenWithStackByArgs("stop retrying to " + toState.String())
	}
	res := o.db.WithContext(ctx).Model(&model.Instance{}).
		Where("instance_id = ? AND retrying = ? AND run_state = ?", instanceID, true, model.RunStateCanceled).
		Updates(map[string]interface{}{
			"retrying":  false,
			"run_state": toState,
			"version":   gorm.Expr("version + 1"),
		})
	return o.updated(res)
}

// DeleteInstance removes a terminal instance together with its tasks.
func (o *metaOps) DeleteInstance(ctx context.Context, instanceID int64) (bool, error) {
	res := o.db.WithContext(ctx).
		Where("instance_id = ? AND run_state IN ?", instanceID, []model.RunState{model.RunStateCompleted, model.RunStateCanceled}).
		Delete(&model.Instance{})
	ok, err := o.updated(res)
	if err != nil || !ok {
		return ok, err
	}
	if err := o.db.WithContext(ctx).Where("instance_id = ?", instanceID).Delete(&model.Task{}).Error; err != nil {
		return false, opFail(err)
	}
	return true, nil
}

func whereLead(q *gorm.DB, leadID *int64) *gorm.DB {
	if leadID == nil {
		return q.Where("workflow_lead_id IS NULL")
	}
	return q.Where("workflow_lead_id = ?", *leadID)
}
