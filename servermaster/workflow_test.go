package servermaster

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/hanfei1991/dagsched/model"
	"github.com/hanfei1991/dagsched/pkg/dag"
	"github.com/hanfei1991/dagsched/pkg/workflow"
)

func (s *jmTester) nodes(leadID int64) map[string]*model.Instance {
	instances, err := s.store.FindWorkflowNodeInstances(s.ctx, leadID)
	require.NoError(s.t, err)
	nodes := make(map[string]*model.Instance, len(instances))
	for _, inst := range instances {
		node, err := dag.ParseNode(inst.CurNode())
		require.NoError(s.t, err)
		nodes[node.Name] = inst
	}
	return nodes
}

func (s *jmTester) graph(leadID int64) *workflow.Graph {
	rows, err := s.store.FindWorkflows(s.ctx, leadID)
	require.NoError(s.t, err)
	g, err := workflow.New(rows)
	require.NoError(s.t, err)
	return g
}

func (s *jmTester) runNode(node *model.Instance, toState model.ExecuteState) *model.StartTaskResult {
	task := s.onlyTask(node.InstanceID)
	res := s.startTask(node, task, testWorker.String())
	require.True(s.t, res.Success, res.Message)
	s.stopTask(node, task, model.OperationTrigger, toState)
	return res
}

func TestWorkflowLongChain(t *testing.T) {
	t.Parallel()

	const length = 150
	s := newJMTester(t)
	lead := s.trigger(s.addJob(newWorkflowJob(strings.TrimSuffix(strings.Repeat("A->", length), "->"))))
	require.Equal(t, model.RunStateRunning, lead.RunState)

	rows, err := s.store.FindWorkflows(s.ctx, lead.InstanceID)
	require.NoError(t, err)
	require.Len(t, rows, length+1)
	nodes := s.nodes(lead.InstanceID)
	require.Len(t, nodes, 1)
	require.Equal(t, "1:1:A", nodes["A"].CurNode())
}

func TestWorkflowFanIn(t *testing.T) {
	t.Parallel()

	s := newJMTester(t)
	lead := s.trigger(s.addJob(newWorkflowJob("A,B->C")))
	require.True(t, lead.IsWorkflowLead())
	require.Equal(t, model.RunStateRunning, lead.RunState)
	require.Empty(t, s.tasks(lead.InstanceID))

	nodes := s.nodes(lead.InstanceID)
	require.Len(t, nodes, 2)
	require.Contains(t, nodes, "A")
	require.Contains(t, nodes, "B")
	require.Equal(t, 2, s.dispatcher.triggeredCount())

	s.runNode(nodes["A"], model.ExecuteStateCompleted)
	require.Equal(t, model.RunStateCompleted, s.instance(nodes["A"].InstanceID).RunState)
	require.Len(t, s.nodes(lead.InstanceID), 2)

	s.runNode(nodes["B"], model.ExecuteStateCompleted)
	nodes = s.nodes(lead.InstanceID)
	require.Len(t, nodes, 3)
	require.Equal(t, 3, s.dispatcher.triggeredCount())
	c := nodes["C"]
	require.Equal(t, model.RunStateWaiting, c.RunState)
	require.Equal(t, lead.InstanceID, *c.WorkflowLeadID)

	g := s.graph(lead.InstanceID)
	for _, e := range g.Incoming(dag.MustParseNode("1:1:C")) {
		require.Equal(t, model.RunStateRunning, e.State())
		require.Equal(t, c.InstanceID, *e.Row.NodeInstanceID)
	}

	res := s.runNode(c, model.ExecuteStateCompleted)
	require.Len(t, res.PredecessorInstances, 2)

	require.Equal(t, model.RunStateCompleted, s.instance(lead.InstanceID).RunState)
	state, ok := s.graph(lead.InstanceID).IsStopped()
	require.True(t, ok)
	require.Equal(t, model.RunStateCompleted, state)
}

func TestWorkflowFailedPredecessor(t *testing.T) {
	t.Parallel()

	s := newJMTester(t)
	lead := s.trigger(s.addJob(newWorkflowJob("A,B->C")))
	nodes := s.nodes(lead.InstanceID)

	s.runNode(nodes["A"], model.ExecuteStateExecuteFailed)
	require.Equal(t, model.RunStateCanceled, s.instance(nodes["A"].InstanceID).RunState)
	require.Equal(t, model.RunStateRunning, s.instance(lead.InstanceID).RunState)

	s.runNode(nodes["B"], model.ExecuteStateCompleted)
	require.Equal(t, model.RunStateCanceled, s.instance(lead.InstanceID).RunState)
	require.Len(t, s.nodes(lead.InstanceID), 2)

	state, ok := s.graph(lead.InstanceID).IsStopped()
	require.True(t, ok)
	require.Equal(t, model.RunStateCanceled, state)
}

func TestWorkflowPauseAndResume(t *testing.T) {
	t.Parallel()

	s := newJMTester(t)
	lead := s.trigger(s.addJob(newWorkflowJob("A->B")))
	a := s.nodes(lead.InstanceID)["A"]

	ok, err := s.jm.PauseInstance(s.ctx, lead.InstanceID)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, model.RunStatePaused, s.instance(lead.InstanceID).RunState)
	require.Equal(t, model.RunStatePaused, s.instance(a.InstanceID).RunState)
	require.Equal(t, model.ExecuteStatePaused, s.onlyTask(a.InstanceID).ExecuteState)

	ok, err = s.jm.ResumeInstance(s.ctx, lead.InstanceID)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, model.RunStateRunning, s.instance(lead.InstanceID).RunState)
	a = s.instance(a.InstanceID)
	require.Equal(t, model.RunStateWaiting, a.RunState)
	require.Equal(t, model.ExecuteStateWaiting, s.onlyTask(a.InstanceID).ExecuteState)
	require.Equal(t, 2, s.dispatcher.triggeredCount())

	s.runNode(a, model.ExecuteStateCompleted)
	b := s.nodes(lead.InstanceID)["B"]
	require.NotNil(t, b)
	s.runNode(b, model.ExecuteStateCompleted)
	require.Equal(t, model.RunStateCompleted, s.instance(lead.InstanceID).RunState)
}

func TestWorkflowCancel(t *testing.T) {
	t.Parallel()

	s := newJMTester(t)
	lead := s.trigger(s.addJob(newWorkflowJob("A->B")))
	a := s.nodes(lead.InstanceID)["A"]

	// node instances are operated through their lead
	_, err := s.jm.ChangeInstanceState(s.ctx, a.InstanceID, model.ExecuteStateWaiting)
	require.Error(t, err)

	ok, err := s.jm.CancelInstance(s.ctx, lead.InstanceID, model.OperationManualCancel)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, model.RunStateCanceled, s.instance(lead.InstanceID).RunState)
	require.Equal(t, model.RunStateCanceled, s.instance(a.InstanceID).RunState)
	require.Equal(t, model.ExecuteStateManualCanceled, s.onlyTask(a.InstanceID).ExecuteState)
	require.Len(t, s.nodes(lead.InstanceID), 1)

	ok, err = s.jm.DeleteInstance(s.ctx, lead.InstanceID)
	require.NoError(t, err)
	require.True(t, ok)
	rows, err := s.store.FindWorkflows(s.ctx, lead.InstanceID)
	require.NoError(t, err)
	require.Empty(t, rows)
	require.Empty(t, s.tasks(a.InstanceID))
}

func TestWorkflowCancelPaused(t *testing.T) {
	t.Parallel()

	s := newJMTester(t)
	lead := s.trigger(s.addJob(newWorkflowJob("A->B->C")))
	a := s.nodes(lead.InstanceID)["A"]

	ok, err := s.jm.PauseInstance(s.ctx, lead.InstanceID)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, model.RunStatePaused, s.instance(lead.InstanceID).RunState)

	ok, err = s.jm.CancelInstance(s.ctx, lead.InstanceID, model.OperationManualCancel)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, model.RunStateCanceled, s.instance(lead.InstanceID).RunState)
	require.Equal(t, model.RunStateCanceled, s.instance(a.InstanceID).RunState)
	require.Len(t, s.nodes(lead.InstanceID), 1)

	g := s.graph(lead.InstanceID)
	for _, e := range g.AllEdges() {
		require.True(t, e.State().IsTerminal(), e.String())
	}
	state, ok := g.IsStopped()
	require.True(t, ok)
	require.Equal(t, model.RunStateCanceled, state)
}
