package workflow

import (
	"sort"

	"github.com/pingcap/errors"

	"github.com/hanfei1991/dagsched/model"
	"github.com/hanfei1991/dagsched/pkg/dag"
)

// Edge is a dag edge together with its persisted state row. The row
// carries the state of the edge target.
type Edge struct {
	dag.Edge
	Row *model.Workflow
}

// State returns the run state of the edge target.
func (e *Edge) State() model.RunState {
	return e.Row.RunState
}

// Graph is the compiled dag of a workflow instance decorated with the
// state rows of its edges.
type Graph struct {
	dag   *dag.Graph
	edges []*Edge
	index map[dag.Edge]*Edge
	// incoming groups the edges by target node
	incoming map[dag.Node][]*Edge
	outgoing map[dag.Node][]*Edge
}

// New builds a graph from the state rows of one workflow lead instance.
func New(rows []*model.Workflow) (*Graph, error) {
	sorted := append([]*model.Workflow(nil), rows...)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Sequence < sorted[j].Sequence
	})

	g := &Graph{
		index:    make(map[dag.Edge]*Edge, len(sorted)),
		incoming: make(map[dag.Node][]*Edge),
		outgoing: make(map[dag.Node][]*Edge),
	}
	dagEdges := make([]dag.Edge, 0, len(sorted))
	for _, row := range sorted {
		source, err := dag.ParseNode(row.PreNode)
		if err != nil {
			return nil, errors.Trace(err)
		}
		target, err := dag.ParseNode(row.CurNode)
		if err != nil {
			return nil, errors.Trace(err)
		}
		e := &Edge{Edge: dag.Edge{Source: source, Target: target}, Row: row}
		g.edges = append(g.edges, e)
		g.index[e.Edge] = e
		g.incoming[target] = append(g.incoming[target], e)
		g.outgoing[source] = append(g.outgoing[source], e)
		dagEdges = append(dagEdges, e.Edge)
	}

	d, err := dag.NewGraph(dagEdges)
	if err != nil {
		return nil, errors.Trace(err)
	}
	g.dag = d
	return g, nil
}

// NewRows creates the WAITING state rows of a freshly compiled dag. Rows
// are numbered from 1 in depth-first order from Start. A path of a dag
// never holds more nodes than the dag, so that bounds the walk.
func NewRows(leadID int64, d *dag.Graph) ([]*model.Workflow, error) {
	var rows []*model.Workflow
	walker := dag.NewWalker(func(node dag.Node) error {
		for _, next := range d.Successors(node) {
			rows = append(rows, &model.Workflow{
				WorkflowLeadID: leadID,
				PreNode:        node.String(),
				CurNode:        next.String(),
				Sequence:       len(rows) + 1,
				RunState:       model.RunStateWaiting,
			})
		}
		return nil
	}).WithMaximalDepth(len(d.Nodes()))
	if err := walker.Walk(d); err != nil {
		return nil, errors.Trace(err)
	}
	return rows, nil
}

// DAG returns the underlying graph.
func (g *Graph) DAG() *dag.Graph {
	return g.dag
}

// AllEdges returns every edge ordered by sequence.
func (g *Graph) AllEdges() []*Edge {
	return append([]*Edge(nil), g.edges...)
}

// Edge returns the edge source->target.
func (g *Graph) Edge(source, target dag.Node) (*Edge, bool) {
	e, ok := g.index[dag.Edge{Source: source, Target: target}]
	return e, ok
}

// Incoming returns the edges into node, which carry the state of node.
func (g *Graph) Incoming(node dag.Node) []*Edge {
	return append([]*Edge(nil), g.incoming[node]...)
}

// Successors returns the edges leaving node.
func (g *Graph) Successors(node dag.Node) []*Edge {
	return append([]*Edge(nil), g.outgoing[node]...)
}

// Predecessors returns the state edges of the direct predecessors of node,
// that is the edges into each predecessor. Start has no state edges so a
// node right after Start has none.
func (g *Graph) Predecessors(node dag.Node) []*Edge {
	var res []*Edge
	for _, pre := range g.dag.Predecessors(node) {
		res = append(res, g.incoming[pre]...)
	}
	return res
}

// PredecessorsTerminal returns whether every predecessor of node is
// terminal.
func (g *Graph) PredecessorsTerminal(node dag.Node) bool {
	for _, e := range g.Predecessors(node) {
		if !e.State().IsTerminal() {
			return false
		}
	}
	return true
}

// PredecessorsFailed returns whether any predecessor of node failed.
func (g *Graph) PredecessorsFailed(node dag.Node) bool {
	for _, e := range g.Predecessors(node) {
		if e.State().IsFailure() {
			return true
		}
	}
	return false
}

// IsReady returns whether node can run, i.e. every predecessor completed.
func (g *Graph) IsReady(node dag.Node) bool {
	return g.PredecessorsTerminal(node) && !g.PredecessorsFailed(node)
}

// IsEndStopped returns whether every edge into End is terminal.
func (g *Graph) IsEndStopped() bool {
	for _, e := range g.incoming[dag.End] {
		if !e.State().IsTerminal() {
			return false
		}
	}
	return true
}

// EndState computes the state the End edges settle to. ok is false while
// some node before End is still active.
func (g *Graph) EndState() (state model.RunState, ok bool) {
	if !g.PredecessorsTerminal(dag.End) {
		return 0, false
	}
	if g.PredecessorsFailed(dag.End) {
		return model.RunStateCanceled, true
	}
	return model.RunStateCompleted, true
}

// IsStopped reports the aggregate state once the workflow no longer runs.
// CANCELED or COMPLETED is returned when every edge is terminal, PAUSED
// when every edge is terminal or paused.
func (g *Graph) IsStopped() (state model.RunState, ok bool) {
	allTerminal, allTerminalOrPaused, anyFailure := true, true, false
	for _, e := range g.edges {
		s := e.State()
		if !s.IsTerminal() {
			allTerminal = false
			if s != model.RunStatePaused {
				allTerminalOrPaused = false
			}
		}
		if s.IsFailure() {
			anyFailure = true
		}
	}
	switch {
	case allTerminal && anyFailure:
		return model.RunStateCanceled, true
	case allTerminal:
		return model.RunStateCompleted, true
	case allTerminalOrPaused:
		return model.RunStatePaused, true
	default:
		return 0, false
	}
}

// NodeInstanceID returns the instance id attached to node, if any.
func (g *Graph) NodeInstanceID(node dag.Node) *int64 {
	for _, e := range g.incoming[node] {
		if e.Row.NodeInstanceID != nil {
			return e.Row.NodeInstanceID
		}
	}
	return nil
}
