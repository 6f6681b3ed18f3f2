package orm

import (
	"context"

	"gorm.io/gorm"

	"github.com/hanfei1991/dagsched/model"
)

// AddWorkflows inserts edge state rows.
func (o *metaOps) AddWorkflows(ctx context.Context, rows ...*model.Workflow) error {
	if len(rows) == 0 {
		return nil
	}
	if err := o.db.WithContext(ctx).Create(rows).Error; err != nil {
		return opFail(err)
	}
	return nil
}

// FindWorkflows returns the edge rows of a workflow ordered by sequence.
func (o *metaOps) FindWorkflows(ctx context.Context, leadID int64) ([]*model.Workflow, error) {
	var rows []*model.Workflow
	err := o.db.WithContext(ctx).Where("workflow_lead_id = ?", leadID).Order("sequence").Find(&rows).Error
	if err != nil {
		return nil, opFail(err)
	}
	return rows, nil
}

func (o *metaOps) workflowNode(ctx context.Context, leadID int64, curNode string) *gorm.DB {
	return o.db.WithContext(ctx).Model(&model.Workflow{}).
		Where("workflow_lead_id = ? AND cur_node = ?", leadID, curNode)
}

// UpdateNodeState moves every edge into curNode from fromStates to toState.
func (o *metaOps) UpdateNodeState(ctx context.Context, leadID int64, curNode string, toState model.RunState, fromStates []model.RunState) (int64, error) {
	res := o.workflowNode(ctx, leadID, curNode).
		Where("run_state IN ?", fromStates).
		Update("run_state", toState)
	return o.affected(res)
}

// StartNode attaches nodeInstanceID to the WAITING edges into curNode and
// marks them RUNNING.
func (o *metaOps) StartNode(ctx context.Context, leadID int64, curNode string, nodeInstanceID int64) (int64, error) {
	res := o.workflowNode(ctx, leadID, curNode).
		Where("run_state = ? AND node_instance_id IS NULL", model.RunStateWaiting).
		Updates(map[string]interface{}{
			"run_state":        model.RunStateRunning,
			"node_instance_id": nodeInstanceID,
		})
	return o.affected(res)
}

// UpdateFreeNodeState changes the edges into curNode that have no node
// instance yet.
func (o *metaOps) UpdateFreeNodeState(ctx context.Context, leadID int64, curNode string, toState model.RunState, fromStates []model.RunState) (int64, error) {
	res := o.workflowNode(ctx, leadID, curNode).
		Where("node_instance_id IS NULL AND run_state IN ?", fromStates).
		Update("run_state", toState)
	return o.affected(res)
}

// UpdateFreeStates changes every edge of a workflow that has no node
// instance yet.
func (o *metaOps) UpdateFreeStates(ctx context.Context, leadID int64, toState model.RunState, fromStates []model.RunState) (int64, error) {
	res := o.db.WithContext(ctx).Model(&model.Workflow{}).
		Where("workflow_lead_id = ? AND node_instance_id IS NULL AND run_state IN ?", leadID, fromStates).
		Update("run_state", toState)
	return o.affected(res)
}

// UpdateNodeInstance moves the edges into curNode from oldInstanceID to a
// retry instance newInstanceID and resets them to RUNNING.
func (o *metaOps) UpdateNodeInstance(ctx context.Context, leadID int64, curNode string, oldInstanceID, newInstanceID int64) (int64, error) {
	res := o.workflowNode(ctx, leadID, curNode).
		Where("node_instance_id = ?", oldInstanceID).
		Updates(map[string]interface{}{
			"run_state":        model.RunStateRunning,
			"node_instance_id": newInstanceID,
			"retried_count":    gorm.Expr("retried_count + 1"),
		})
	return o.affected(res)
}

// UpdateNodeStateByInstance changes the edges owned by nodeInstanceID.
func (o *metaOps) UpdateNodeStateByInstance(ctx context.Context, leadID, nodeInstanceID int64, toState model.RunState, fromStates []model.RunState) (int64, error) {
	res := o.db.WithContext(ctx).Model(&model.Workflow{}).
		Where("workflow_lead_id = ? AND node_instance_id = ? AND run_state IN ?", leadID, nodeInstanceID, fromStates).
		Update("run_state", toState)
	return o.affected(res)
}

// UpdateEdgeState changes a single edge.
func (o *metaOps) UpdateEdgeState(ctx context.Context, leadID int64, preNode, curNode string, toState, fromState model.RunState) (bool, error) {
	res := o.workflowNode(ctx, leadID, curNode).
		Where("pre_node = ? AND run_state = ?", preNode, fromState).
		Update("run_state", toState)
	return o.updated(res)
}

// DeleteWorkflows removes the edge rows of a workflow.
func (o *metaOps) DeleteWorkflows(ctx context.Context, leadID int64) error {
	if err := o.db.WithContext(ctx).Where("workflow_lead_id = ?", leadID).Delete(&model.Workflow{}).Error; err != nil {
		return opFail(err)
	}
	return nil
}
