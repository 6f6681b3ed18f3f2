package dag

import (
	"strconv"
	"strings"

	"github.com/hanfei1991/dagsched/pkg/errors"
)

const nodeSeparator = ":"

// Node is a vertex of a workflow graph. A name may appear several times in
// an expression; section and ordinal tell the occurrences apart.
type Node struct {
	Section int
	Ordinal int
	Name    string
}

// Synthetic nodes every graph starts and ends with.
var (
	Start = Node{Section: 0, Ordinal: 0, Name: "HEAD"}
	End   = Node{Section: 0, Ordinal: 0, Name: "TAIL"}
)

// String formats the node as "section:ordinal:name".
func (n Node) String() string {
	return strconv.Itoa(n.Section) + nodeSeparator + strconv.Itoa(n.Ordinal) + nodeSeparator + n.Name
}

// IsStart returns whether n is the synthetic start node.
func (n Node) IsStart() bool {
	return n == Start
}

// IsEnd returns whether n is the synthetic end node.
func (n Node) IsEnd() bool {
	return n == End
}

// IsStartOrEnd returns whether n is synthetic.
func (n Node) IsStartOrEnd() bool {
	return n == Start || n == End
}

// ParseNode parses the form produced by Node.String.
func ParseNode(s string) (Node, error) {
	parts := strings.SplitN(strings.TrimSpace(s), nodeSeparator, 3)
	if len(parts) != 3 || parts[2] == "" {
		return Node{}, errors.ErrInvalidDAGNode.GenWithStackByArgs(s)
	}
	section, err := strconv.Atoi(parts[0])
	if err != nil || section < 0 {
		return Node{}, errors.ErrInvalidDAGNode.GenWithStackByArgs(s)
	}
	ordinal, err := strconv.Atoi(parts[1])
	if err != nil || ordinal < 0 {
		return Node{}, errors.ErrInvalidDAGNode.GenWithStackByArgs(s)
	}
	node := Node{Section: section, Ordinal: ordinal, Name: parts[2]}
	if (section == 0 || ordinal == 0) && !node.IsStartOrEnd() {
		return Node{}, errors.ErrInvalidDAGNode.GenWithStackByArgs(s)
	}
	return node, nil
}

// MustParseNode is like ParseNode but panics on error.
func MustParseNode(s string) Node {
	node, err := ParseNode(s)
	if err != nil {
		panic(err)
	}
	return node
}

// Edge is a directed edge of a workflow graph.
type Edge struct {
	Source Node
	Target Node
}

func (e Edge) String() string {
	return e.Source.String() + "->" + e.Target.String()
}
