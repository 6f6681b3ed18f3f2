package dag

import (
	"github.com/pingcap/errors"
	"github.com/pingcap/log"
)

const (
	// the maximum depth of the DAG
	defaultMaximalDepth = 100
)

// Walker walks the DAG depth-first from Start and calls the callback
// function once for each node.
// NOTE: We use a struct instead of a function to provide better extensibility
// for the future in case we want to implement more complicated graph algorithms.
type Walker struct {
	visited      map[Node]struct{}
	onVertex     func(Node) error
	maximalDepth int
}

// NewWalker creates a new Walker.
func NewWalker(onVertex func(Node) error) *Walker {
	return &Walker{
		onVertex:     onVertex,
		maximalDepth: defaultMaximalDepth,
	}
}

// WithMaximalDepth overrides the depth bound of the walk.
func (w *Walker) WithMaximalDepth(depth int) *Walker {
	w.maximalDepth = depth
	return w
}

// Walk walks the DAG and calls the callback function for each node.
func (w *Walker) Walk(g *Graph) error {
	if g == nil {
		log.L().Panic("unexpected nil graph")
	}
	w.visited = make(map[Node]struct{})
	return w.doWalk(g, Start, 0)
}

func (w *Walker) doWalk(g *Graph, node Node, depth int) error {
	if depth > w.maximalDepth {
		return errors.Errorf("exceed maximal depth %d", w.maximalDepth)
	}

	if _, ok := w.visited[node]; ok {
		return nil
	}
	if err := w.onVertex(node); err != nil {
		return errors.Trace(err)
	}
	w.visited[node] = struct{}{}
	for _, next := range g.succ[node] {
		if err := w.doWalk(g, next, depth+1); err != nil {
			return errors.Trace(err)
		}
	}
	return nil
}
