package dag

import (
	"fmt"
	"strings"

	"github.com/hanfei1991/dagsched/pkg/errors"
)

// Graph is an immutable directed acyclic graph framed by Start and End.
// Nodes and edges keep the order they were first added in, so every
// traversal is deterministic. A Graph is safe for concurrent reads.
type Graph struct {
	nodes []Node
	edges []Edge
	succ  map[Node][]Node
	pred  map[Node][]Node
}

// Nodes returns all nodes, Start first.
func (g *Graph) Nodes() []Node {
	return append([]Node(nil), g.nodes...)
}

// Edges returns all edges in insertion order.
func (g *Graph) Edges() []Edge {
	return append([]Edge(nil), g.edges...)
}

// Successors returns the direct successors of n.
func (g *Graph) Successors(n Node) []Node {
	return append([]Node(nil), g.succ[n]...)
}

// Predecessors returns the direct predecessors of n.
func (g *Graph) Predecessors(n Node) []Node {
	return append([]Node(nil), g.pred[n]...)
}

// Contains returns whether n is a node of g.
func (g *Graph) Contains(n Node) bool {
	_, ok := g.succ[n]
	return ok
}

// HasEdge returns whether the edge source->target exists.
func (g *Graph) HasEdge(source, target Node) bool {
	for _, n := range g.succ[source] {
		if n == target {
			return true
		}
	}
	return false
}

// TopoSort returns the nodes in topological order. Ties are broken by
// insertion order.
func (g *Graph) TopoSort() []Node {
	order, _ := kahn(g.nodes, g.succ, g.pred)
	return order
}

func (g *Graph) String() string {
	return edgesString(g.edges)
}

// NewGraph validates a complete edge list, Start and End included, and
// returns the graph it describes.
func NewGraph(edges []Edge) (*Graph, error) {
	b := newBuilder()
	for _, e := range edges {
		b.addEdge(e.Source, e.Target)
	}
	g, err := b.build()
	if err != nil {
		return nil, errors.ErrInvalidDAGExpression.GenWithStackByArgs(edgesString(edges), err.Error())
	}
	return g, nil
}

func edgesString(edges []Edge) string {
	var sb strings.Builder
	for i, e := range edges {
		if i > 0 {
			sb.WriteString(", ")
		}
		sb.WriteString(e.String())
	}
	return sb.String()
}

// builder accumulates edges and freezes them into a Graph.
type builder struct {
	nodes []Node
	edges []Edge
	seen  map[Edge]struct{}
	succ  map[Node][]Node
	pred  map[Node][]Node
}

func newBuilder() *builder {
	b := &builder{
		seen: make(map[Edge]struct{}),
		succ: make(map[Node][]Node),
		pred: make(map[Node][]Node),
	}
	b.addNode(Start)
	b.addNode(End)
	return b
}

func (b *builder) addNode(n Node) {
	if _, ok := b.succ[n]; ok {
		return
	}
	b.nodes = append(b.nodes, n)
	b.succ[n] = nil
	b.pred[n] = nil
}

func (b *builder) addEdge(source, target Node) {
	e := Edge{Source: source, Target: target}
	if _, ok := b.seen[e]; ok {
		return
	}
	b.addNode(source)
	b.addNode(target)
	b.seen[e] = struct{}{}
	b.edges = append(b.edges, e)
	b.succ[source] = append(b.succ[source], target)
	b.pred[target] = append(b.pred[target], source)
}

// build validates the accumulated edges and returns the frozen graph.
func (b *builder) build() (*Graph, error) {
	if len(b.nodes) <= 2 {
		return nil, fmt.Errorf("expression has no node")
	}
	for _, n := range b.succ[Start] {
		if n.IsEnd() {
			return nil, fmt.Errorf("start links directly to end")
		}
	}
	if len(b.pred[Start]) > 0 || len(b.succ[End]) > 0 {
		return nil, fmt.Errorf("start or end is not at the frame of the graph")
	}
	for _, n := range b.nodes {
		if n.IsStartOrEnd() {
			continue
		}
		if len(b.pred[n]) == 0 || len(b.succ[n]) == 0 {
			return nil, fmt.Errorf("node %s is not reachable between start and end", n)
		}
	}
	if _, ok := kahn(b.nodes, b.succ, b.pred); !ok {
		return nil, fmt.Errorf("graph has cycle")
	}

	g := &Graph{
		nodes: b.nodes,
		edges: b.edges,
		succ:  b.succ,
		pred:  b.pred,
	}
	b.nodes, b.edges, b.succ, b.pred = nil, nil, nil, nil
	return g, nil
}

// kahn runs Kahn's algorithm and reports whether every node was visited,
// which is false iff the graph has a cycle.
func kahn(nodes []Node, succ, pred map[Node][]Node) ([]Node, bool) {
	indegree := make(map[Node]int, len(nodes))
	for _, n := range nodes {
		indegree[n] = len(pred[n])
	}
	queue := make([]Node, 0, len(nodes))
	for _, n := range nodes {
		if indegree[n] == 0 {
			queue = append(queue, n)
		}
	}
	order := make([]Node, 0, len(nodes))
	for len(queue) > 0 {
		n := queue[0]
		queue = queue[1:]
		order = append(order, n)
		for _, next := range succ[n] {
			indegree[next]--
			if indegree[next] == 0 {
				queue = append(queue, next)
			}
		}
	}
	return order, len(order) == len(nodes)
}
