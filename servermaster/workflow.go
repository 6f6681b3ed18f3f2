package servermaster

import (
	"context"
	"fmt"

	"github.com/pingcap/log"
	"go.uber.org/zap"

	"github.com/hanfei1991/dagsched/model"
	"github.com/hanfei1991/dagsched/pkg/dag"
	derrors "github.com/hanfei1991/dagsched/pkg/errors"
	"github.com/hanfei1991/dagsched/pkg/orm"
	"github.com/hanfei1991/dagsched/pkg/workflow"
)

func (jm *JobManager) loadWorkflowGraph(ctx context.Context, tx *orm.Tx, leadID int64) (*workflow.Graph, error) {
	rows, err := tx.FindWorkflows(ctx, leadID)
	if err != nil {
		return nil, err
	}
	return workflow.New(rows)
}

// nodeFromStates returns the edge states a node may leave for toState.
func nodeFromStates(toState model.RunState) []model.RunState {
	switch {
	case toState.IsTerminal():
		return model.TerminableRunStates
	case toState == model.RunStatePaused:
		return []model.RunState{model.RunStateRunning}
	default:
		return []model.RunState{model.RunStatePaused}
	}
}

// updateWorkflowCurNodeState moves the edges owned by node. A terminal
// node also closes the retry chain it belongs to.
func (jm *JobManager) updateWorkflowCurNodeState(ctx context.Context, tx *orm.Tx, node *model.Instance, toState model.RunState) error {
	n, err := tx.UpdateNodeStateByInstance(ctx, *node.WorkflowLeadID, node.InstanceID, toState, nodeFromStates(toState))
	if err != nil {
		return err
	}
	if n == 0 {
		return derrors.ErrIllegalState.GenWithStackByArgs(
			fmt.Sprintf("update workflow node %s of instance %d to %s", node.CurNode(), node.InstanceID, toState))
	}
	if toState.IsTerminal() {
		return jm.stopRetrying(ctx, tx, node, toState)
	}
	return nil
}

// updateWorkflowFreeNodeState moves the edges that have no node instance
// yet and settles the lead.
func (jm *JobManager) updateWorkflowFreeNodeState(ctx context.Context, tx *orm.Tx, lead *model.Instance, toState model.RunState, fromStates []model.RunState) error {
	if _, err := tx.UpdateFreeStates(ctx, lead.InstanceID, toState, fromStates); err != nil {
		return err
	}
	_, err := jm.updateWorkflowStopState(ctx, tx, lead)
	return err
}

// updateWorkflowStopState settles the END edges and then the lead once the
// workflow stopped. It reports whether the lead left RUNNING.
func (jm *JobManager) updateWorkflowStopState(ctx context.Context, tx *orm.Tx, lead *model.Instance) (bool, error) {
	g, err := jm.loadWorkflowGraph(ctx, tx, lead.InstanceID)
	if err != nil {
		return false, err
	}
	if endState, ok := g.EndState(); ok && !g.IsEndStopped() {
		if _, err := tx.UpdateNodeState(ctx, lead.InstanceID, dag.End.String(), endState, model.TerminableRunStates); err != nil {
			return false, err
		}
		for _, e := range g.Incoming(dag.End) {
			if !e.State().IsTerminal() {
				e.Row.RunState = endState
			}
		}
	}

	state, ok := g.IsStopped()
	if !ok {
		return false, nil
	}
	if state == model.RunStatePaused {
		n, err := tx.UpdateInstanceStates(ctx, []int64{lead.InstanceID}, model.RunStatePaused, []model.RunState{model.RunStateRunning})
		if err != nil {
			return false, err
		}
		if n > 0 {
			lead.RunState = model.RunStatePaused
			log.L().Info("workflow paused", zap.Int64("instance-id", lead.InstanceID))
		}
		return n > 0, nil
	}

	now := jm.now()
	moved, err := jm.moveInstance(ctx, tx, lead, state, model.TerminableRunStates, now)
	if err != nil || !moved {
		return false, err
	}
	lead.MarkTerminated(state, now)
	log.L().Info("workflow terminated", zap.Int64("instance-id", lead.InstanceID), zap.Stringer("run-state", state))
	if err := jm.dependJob(ctx, tx, lead); err != nil {
		return false, err
	}
	return true, jm.renewFixedNextTriggerTime(ctx, tx, lead)
}

// processWorkflowInstance completes the node of a finished node instance
// and starts the successors that became ready.
func (jm *JobManager) processWorkflowInstance(ctx context.Context, tx *orm.Tx, node *model.Instance) error {
	if err := jm.updateWorkflowCurNodeState(ctx, tx, node, model.RunStateCompleted); err != nil {
		return err
	}
	lead, err := jm.workflowLead(ctx, tx, node)
	if err != nil {
		return err
	}
	stopped, err := jm.updateWorkflowStopState(ctx, tx, lead)
	if err != nil || stopped {
		return err
	}

	err = tx.Nested(ctx, func(ntx *orm.Tx) error {
		job, err := ntx.GetJob(ctx, lead.JobID)
		if err != nil {
			return err
		}
		g, err := jm.loadWorkflowGraph(ctx, ntx, lead.InstanceID)
		if err != nil {
			return err
		}
		cur, err := dag.ParseNode(node.CurNode())
		if err != nil {
			return err
		}
		for _, e := range g.Successors(cur) {
			if err := jm.processWorkflowNode(ctx, ntx, job, lead, g, e.Target); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		log.L().Error("start workflow successors failed",
			zap.Int64("instance-id", node.InstanceID), zap.String("node", node.CurNode()), zap.Error(err))
		return jm.updateWorkflowFreeNodeState(ctx, tx, lead, model.RunStateCanceled, model.RunnableRunStates)
	}
	_, err = jm.updateWorkflowStopState(ctx, tx, lead)
	return err
}

// processWorkflowNode starts target when all of its predecessors completed,
// or cancels it when one of them failed. g is kept in sync with the rows
// written.
func (jm *JobManager) processWorkflowNode(ctx context.Context, tx *orm.Tx, job *model.Job, lead *model.Instance, g *workflow.Graph, target dag.Node) error {
	if target.IsEnd() {
		return nil
	}
	edges := g.Incoming(target)
	for _, e := range edges {
		if e.State() != model.RunStateWaiting {
			return nil
		}
	}
	if len(edges) == 0 || g.NodeInstanceID(target) != nil || !g.PredecessorsTerminal(target) {
		return nil
	}

	if g.PredecessorsFailed(target) {
		if _, err := tx.UpdateNodeState(ctx, lead.InstanceID, target.String(), model.RunStateCanceled,
			[]model.RunState{model.RunStateWaiting}); err != nil {
			return err
		}
		for _, e := range edges {
			e.Row.RunState = model.RunStateCanceled
		}
		log.L().Info("workflow node canceled by failed predecessor",
			zap.Int64("instance-id", lead.InstanceID), zap.Stringer("node", target))
		return nil
	}

	parent, err := jm.latestPredecessorInstance(ctx, tx, lead, g, target)
	if err != nil {
		return err
	}
	nodeID, err := jm.nextID(ctx)
	if err != nil {
		return err
	}
	now := jm.now()
	child := model.NewChildInstance(parent, nodeID, job.JobID, lead.RunType, now.UnixMilli(), 0)
	child.SetCurNode(target.String())
	next := jm.nextScanTime(child.TriggerTime)
	child.NextScanTime = &next
	tasks, err := jm.splitJob(ctx, job, target.Name, nodeID)
	if err != nil {
		return err
	}

	n, err := tx.StartNode(ctx, lead.InstanceID, target.String(), nodeID)
	if err != nil {
		return err
	}
	if n == 0 {
		return derrors.ErrIllegalState.GenWithStackByArgs(
			fmt.Sprintf("start workflow node %s of %d", target, lead.InstanceID))
	}
	if err := tx.AddInstances(ctx, child); err != nil {
		return err
	}
	if err := tx.AddTasks(ctx, tasks...); err != nil {
		return err
	}
	for _, e := range edges {
		e.Row.RunState = model.RunStateRunning
		e.Row.NodeInstanceID = &nodeID
	}
	log.L().Info("start workflow node",
		zap.Int64("instance-id", nodeID), zap.Int64("workflow-lead-id", lead.InstanceID), zap.Stringer("node", target))
	tx.AfterCommit(func() { jm.dispatch(ctx, job, child, tasks) })
	return nil
}

// latestPredecessorInstance returns the most recently finished predecessor
// node instance of target, or the lead when target follows START.
func (jm *JobManager) latestPredecessorInstance(ctx context.Context, tx *orm.Tx, lead *model.Instance, g *workflow.Graph, target dag.Node) (*model.Instance, error) {
	var latest *workflow.Edge
	for _, e := range g.Predecessors(target) {
		if e.Row.NodeInstanceID == nil {
			continue
		}
		if latest == nil || e.Row.UpdatedAt.After(latest.Row.UpdatedAt) {
			latest = e
		}
	}
	if latest == nil {
		return lead, nil
	}
	return tx.GetInstance(ctx, *latest.Row.NodeInstanceID)
}
