package workflow

import (
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/hanfei1991/dagsched/model"
	"github.com/hanfei1991/dagsched/pkg/dag"
)

func newTestGraph(t *testing.T, expr string) *Graph {
	rows, err := NewRows(1, dag.MustParse(expr))
	require.NoError(t, err)
	g, err := New(rows)
	require.NoError(t, err)
	return g
}

func setState(g *Graph, node string, state model.RunState) {
	for _, e := range g.Incoming(dag.MustParseNode(node)) {
		e.Row.RunState = state
	}
}

func TestNewRows(t *testing.T) {
	t.Parallel()

	rows, err := NewRows(7, dag.MustParse("A->B,C->D"))
	require.NoError(t, err)
	require.Len(t, rows, 6)
	for i, row := range rows {
		require.Equal(t, int64(7), row.WorkflowLeadID)
		require.Equal(t, i+1, row.Sequence)
		require.Equal(t, model.RunStateWaiting, row.RunState)
		require.Nil(t, row.NodeInstanceID)
	}
	require.Equal(t, "0:0:HEAD", rows[0].PreNode)
	require.Equal(t, "1:1:A", rows[0].CurNode)
}

func TestNewRowsLongChain(t *testing.T) {
	t.Parallel()

	var names []string
	for i := 0; i < 300; i++ {
		names = append(names, fmt.Sprintf("N%d", i))
	}
	rows, err := NewRows(1, dag.MustParse(strings.Join(names, "->")))
	require.NoError(t, err)
	require.Len(t, rows, 301)
	require.Equal(t, "1:1:N299", rows[299].CurNode)
	require.Equal(t, "0:0:TAIL", rows[300].CurNode)

	g, err := New(rows)
	require.NoError(t, err)
	require.True(t, g.IsReady(dag.MustParseNode("1:1:N0")))
}

func TestNewRejectsBrokenRows(t *testing.T) {
	t.Parallel()

	_, err := New([]*model.Workflow{{PreNode: "bad", CurNode: "1:1:A"}})
	require.Error(t, err)

	// A has no way to End
	_, err = New([]*model.Workflow{{PreNode: "0:0:HEAD", CurNode: "1:1:A", Sequence: 1}})
	require.Error(t, err)
}

func TestPredecessorsAndSuccessors(t *testing.T) {
	t.Parallel()

	g := newTestGraph(t, "A,B,C->D")
	d := dag.MustParseNode("1:1:D")

	require.Empty(t, g.Predecessors(dag.MustParseNode("1:1:A")))
	require.True(t, g.IsReady(dag.MustParseNode("1:1:A")))

	preds := g.Predecessors(d)
	require.Len(t, preds, 3)
	for _, e := range preds {
		require.Equal(t, dag.Start, e.Source)
	}
	require.Len(t, g.Successors(dag.MustParseNode("1:1:A")), 1)
	require.Len(t, g.Incoming(d), 3)

	e, ok := g.Edge(dag.MustParseNode("1:1:B"), d)
	require.True(t, ok)
	require.Equal(t, "1:1:D", e.Row.CurNode)
	_, ok = g.Edge(d, dag.MustParseNode("1:1:B"))
	require.False(t, ok)
}

func TestFanInReadiness(t *testing.T) {
	t.Parallel()

	g := newTestGraph(t, "A,B,C->D")
	d := dag.MustParseNode("1:1:D")

	setState(g, "1:1:A", model.RunStateCompleted)
	setState(g, "1:1:B", model.RunStateRunning)
	setState(g, "1:1:C", model.RunStateCompleted)
	require.False(t, g.PredecessorsTerminal(d))
	require.False(t, g.IsReady(d))

	setState(g, "1:1:B", model.RunStateCompleted)
	require.True(t, g.PredecessorsTerminal(d))
	require.False(t, g.PredecessorsFailed(d))
	require.True(t, g.IsReady(d))

	setState(g, "1:1:C", model.RunStateCanceled)
	require.True(t, g.PredecessorsTerminal(d))
	require.True(t, g.PredecessorsFailed(d))
	require.False(t, g.IsReady(d))
}

func TestEndSettling(t *testing.T) {
	t.Parallel()

	g := newTestGraph(t, "A->B,C")
	_, ok := g.EndState()
	require.False(t, ok)
	require.False(t, g.IsEndStopped())

	setState(g, "1:1:A", model.RunStateCompleted)
	setState(g, "1:1:B", model.RunStateCompleted)
	setState(g, "1:1:C", model.RunStateCompleted)
	state, ok := g.EndState()
	require.True(t, ok)
	require.Equal(t, model.RunStateCompleted, state)

	setState(g, "1:1:C", model.RunStateCanceled)
	state, ok = g.EndState()
	require.True(t, ok)
	require.Equal(t, model.RunStateCanceled, state)

	setState(g, dag.End.String(), state)
	require.True(t, g.IsEndStopped())
}

func TestIsStopped(t *testing.T) {
	t.Parallel()

	g := newTestGraph(t, "A->B")
	_, ok := g.IsStopped()
	require.False(t, ok)

	setState(g, "1:1:A", model.RunStateCompleted)
	setState(g, "1:1:B", model.RunStatePaused)
	state, ok := g.IsStopped()
	require.True(t, ok)
	require.Equal(t, model.RunStatePaused, state)

	setState(g, "1:1:B", model.RunStateCompleted)
	setState(g, dag.End.String(), model.RunStateCompleted)
	state, ok = g.IsStopped()
	require.True(t, ok)
	require.Equal(t, model.RunStateCompleted, state)

	setState(g, "1:1:B", model.RunStateCanceled)
	state, ok = g.IsStopped()
	require.True(t, ok)
	require.Equal(t, model.RunStateCanceled, state)
}

func TestNodeInstanceID(t *testing.T) {
	t.Parallel()

	g := newTestGraph(t, "A->B")
	a := dag.MustParseNode("1:1:A")
	require.Nil(t, g.NodeInstanceID(a))

	id := int64(42)
	g.Incoming(a)[0].Row.NodeInstanceID = &id
	require.Equal(t, int64(42), *g.NodeInstanceID(a))
	require.Len(t, g.AllEdges(), 3)
}
