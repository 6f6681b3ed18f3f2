package servermaster

import (
	"context"

	"github.com/pingcap/log"
	"go.uber.org/zap"

	"github.com/hanfei1991/dagsched/model"
	"github.com/hanfei1991/dagsched/pkg/dag"
	"github.com/hanfei1991/dagsched/pkg/orm"
	"github.com/hanfei1991/dagsched/pkg/workflow"
)

type nodeInstance struct {
	instance *model.Instance
	tasks    []*model.Task
}

// triggerInstance is the set of rows one trigger of a job creates. For a
// general job it is one instance with its tasks, for a workflow job it is
// the lead, the edge rows and one instance per node right after Start.
type triggerInstance struct {
	job       *model.Job
	instance  *model.Instance
	tasks     []*model.Task
	workflows []*model.Workflow
	nodes     []nodeInstance
}

// createInstance builds the rows of one trigger of job. It runs before the
// transaction since splitting may call a worker.
func (jm *JobManager) createInstance(ctx context.Context, job *model.Job, runType model.RunType, triggerTime int64, parent *model.Instance) (*triggerInstance, error) {
	instanceID, err := jm.nextID(ctx)
	if err != nil {
		return nil, err
	}
	inst := model.NewInstance(instanceID, job.JobID, runType, triggerTime, 0)
	if parent != nil {
		// depend runs join the chain of the parent but never its workflow
		parentID, rootID := parent.InstanceID, parent.InstanceID
		if parent.RootInstanceID != nil {
			rootID = *parent.RootInstanceID
		}
		inst.ParentInstanceID, inst.RootInstanceID = &parentID, &rootID
	}
	ti := &triggerInstance{job: job, instance: inst}

	if !job.IsWorkflow() {
		if ti.tasks, err = jm.splitJob(ctx, job, job.JobHandler, instanceID); err != nil {
			return nil, err
		}
		next := jm.nextScanTime(triggerTime)
		inst.NextScanTime = &next
		return ti, nil
	}

	d, err := dag.Parse(job.JobHandler)
	if err != nil {
		return nil, err
	}
	now := jm.now()
	inst.RunState = model.RunStateRunning
	inst.RunStartTime = &now
	inst.WorkflowLeadID = &instanceID
	if ti.workflows, err = workflow.NewRows(instanceID, d); err != nil {
		return nil, err
	}
	g, err := workflow.New(ti.workflows)
	if err != nil {
		return nil, err
	}
	for _, e := range g.Successors(dag.Start) {
		nodeID, err := jm.nextID(ctx)
		if err != nil {
			return nil, err
		}
		node := model.NewChildInstance(inst, nodeID, job.JobID, runType, triggerTime+int64(e.Row.Sequence), 0)
		node.SetCurNode(e.Target.String())
		next := jm.nextScanTime(node.TriggerTime)
		node.NextScanTime = &next
		tasks, err := jm.splitJob(ctx, job, e.Target.Name, nodeID)
		if err != nil {
			return nil, err
		}
		e.Row.RunState = model.RunStateRunning
		e.Row.NodeInstanceID = &nodeID
		ti.nodes = append(ti.nodes, nodeInstance{instance: node, tasks: tasks})
	}
	return ti, nil
}

func (ti *triggerInstance) save(ctx context.Context, tx *orm.Tx) error {
	instances := []*model.Instance{ti.instance}
	tasks := ti.tasks
	for _, n := range ti.nodes {
		instances = append(instances, n.instance)
		tasks = append(tasks, n.tasks...)
	}
	if err := tx.AddInstances(ctx, instances...); err != nil {
		return err
	}
	if err := tx.AddWorkflows(ctx, ti.workflows...); err != nil {
		return err
	}
	return tx.AddTasks(ctx, tasks...)
}

func (ti *triggerInstance) dispatch(ctx context.Context, jm *JobManager) {
	instanceTriggeredCounter.WithLabelValues(ti.instance.RunType.String()).Inc()
	if len(ti.nodes) == 0 {
		jm.dispatch(ctx, ti.job, ti.instance, ti.tasks)
		return
	}
	for _, n := range ti.nodes {
		if !jm.dispatch(ctx, ti.job, n.instance, n.tasks) {
			log.L().Warn("dispatch workflow node unsuccessful",
				zap.Int64("instance-id", n.instance.InstanceID), zap.String("node", n.instance.CurNode()))
		}
	}
}
