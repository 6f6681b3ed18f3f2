package dag

import (
	"encoding/json"
	"fmt"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/pingcap/errors"

	derrors "github.com/hanfei1991/dagsched/pkg/errors"
)

type tokenKind int

const (
	tokenName tokenKind = iota
	tokenStage
	tokenUnion
	tokenOpen
	tokenClose
)

// token is a lexical unit of an expression. pos is the byte offset in the
// whole expression and identifies a name occurrence.
type token struct {
	kind tokenKind
	text string
	pos  int
}

var stageToken = token{kind: tokenStage, text: "->", pos: -1}

// Parse compiles a workflow expression into a graph.
//
// An expression is a list of sections separated by ';'. Inside a section
// "->" separates sequential stages, ',' separates parallel branches of a
// stage and parentheses group a sub expression, for example
//
//	A -> (B -> C), D -> E ; X -> Y
//
// Every section starts from Start and ends at End. The same name used at
// different places of an expression becomes different nodes.
//
// An expression beginning with '[' is read as a json edge list of the form
// [{"source": "1:1:A", "target": "1:1:B"}].
func Parse(expr string) (*Graph, error) {
	text := strings.TrimSpace(expr)
	if text == "" {
		return nil, derrors.ErrInvalidDAGExpression.GenWithStackByArgs(expr, "expression is blank")
	}
	var (
		g   *Graph
		err error
	)
	if strings.HasPrefix(text, "[") {
		g, err = parseJSON(text)
	} else {
		g, err = parseExpression(text)
	}
	if err != nil {
		return nil, derrors.ErrInvalidDAGExpression.GenWithStackByArgs(expr, err.Error())
	}
	return g, nil
}

// MustParse is like Parse but panics on error.
func MustParse(expr string) *Graph {
	g, err := Parse(expr)
	if err != nil {
		panic(err)
	}
	return g
}

func parseExpression(text string) (*Graph, error) {
	if !balanced(text) {
		return nil, fmt.Errorf("unbalanced parenthesis")
	}

	b := newBuilder()
	section, offset := 0, 0
	for _, part := range strings.Split(text, ";") {
		start := offset
		offset += len(part) + 1
		if strings.TrimSpace(part) == "" {
			continue
		}
		if !balanced(part) {
			return nil, fmt.Errorf("unbalanced parenthesis in section %q", part)
		}
		tokens, err := tokenize(part, start)
		if err != nil {
			return nil, err
		}
		section++
		p := newSectionParser(section, tokens, b)
		if err := p.buildGraph(tokens, Start, End); err != nil {
			return nil, err
		}
	}
	if section == 0 {
		return nil, fmt.Errorf("expression has no section")
	}
	return b.build()
}

func balanced(text string) bool {
	depth := 0
	for _, c := range text {
		switch c {
		case '(':
			depth++
		case ')':
			depth--
			if depth < 0 {
				return false
			}
		}
	}
	return depth == 0
}

func isOperatorChar(c byte) bool {
	switch c {
	case '-', '>', ',', '(', ')', ';':
		return true
	}
	return false
}

func tokenize(text string, base int) ([]token, error) {
	var tokens []token
	for i := 0; i < len(text); {
		c := text[i]
		r, width := utf8.DecodeRuneInString(text[i:])
		switch {
		case unicode.IsSpace(r):
			i += width
		case c == '-':
			if i+1 >= len(text) || text[i+1] != '>' {
				return nil, fmt.Errorf("invalid '-' at %d", base+i)
			}
			tokens = append(tokens, token{kind: tokenStage, text: "->", pos: base + i})
			i += 2
		case c == '>':
			return nil, fmt.Errorf("invalid '>' at %d", base+i)
		case c == ',':
			tokens = append(tokens, token{kind: tokenUnion, text: ",", pos: base + i})
			i++
		case c == '(':
			tokens = append(tokens, token{kind: tokenOpen, text: "(", pos: base + i})
			i++
		case c == ')':
			tokens = append(tokens, token{kind: tokenClose, text: ")", pos: base + i})
			i++
		default:
			j := i
			for j < len(text) && !isOperatorChar(text[j]) {
				r, width := utf8.DecodeRuneInString(text[j:])
				if unicode.IsSpace(r) {
					break
				}
				j += width
			}
			tokens = append(tokens, token{kind: tokenName, text: text[i:j], pos: base + i})
			i = j
		}
	}
	return tokens, nil
}

func joinTokens(tokens []token) string {
	var sb strings.Builder
	for _, t := range tokens {
		sb.WriteString(t.text)
	}
	return sb.String()
}

type sectionParser struct {
	// nodes keys the node by the position of its name token, so a tail
	// reached from several branches resolves to one node.
	nodes map[int]Node
	b     *builder
}

// newSectionParser numbers the occurrences of every name from left to right.
func newSectionParser(section int, tokens []token, b *builder) *sectionParser {
	ordinals := make(map[string]int)
	nodes := make(map[int]Node)
	for _, t := range tokens {
		if t.kind != tokenName {
			continue
		}
		ordinals[t.text]++
		nodes[t.pos] = Node{Section: section, Ordinal: ordinals[t.text], Name: t.text}
	}
	return &sectionParser{nodes: nodes, b: b}
}

func (p *sectionParser) node(t token) Node {
	return p.nodes[t.pos]
}

// buildGraph links the stage list tokens between prev and next.
func (p *sectionParser) buildGraph(tokens []token, prev, next Node) error {
	if len(tokens) == 0 {
		return fmt.Errorf("empty expression")
	}
	if k := tokens[0].kind; k == tokenStage || k == tokenUnion {
		return fmt.Errorf("expression %q starts with operator", joinTokens(tokens))
	}
	if k := tokens[len(tokens)-1].kind; k == tokenStage || k == tokenUnion {
		return fmt.Errorf("expression %q ends with operator", joinTokens(tokens))
	}

	head, tail := tokens, []token(nil)
	if i := indexTopLevel(tokens, tokenStage); i >= 0 {
		head, tail = tokens[:i], tokens[i+1:]
	}

	for _, item := range splitTopLevel(head, tokenUnion) {
		if len(item) == 0 {
			return fmt.Errorf("empty branch in %q", joinTokens(head))
		}
		if len(item) == 1 && item[0].kind == tokenName {
			node := p.node(item[0])
			p.b.addEdge(prev, node)
			if tail == nil {
				p.b.addEdge(node, next)
			} else if err := p.buildGraph(tail, node, next); err != nil {
				return err
			}
			continue
		}

		inner, ok := unwrapGroup(item)
		if !ok {
			return fmt.Errorf("missing operator in %q", joinTokens(item))
		}
		if len(inner) == 0 {
			return fmt.Errorf("empty group in %q", joinTokens(item))
		}
		// a group is spliced in front of the remaining stages
		sub := inner
		if tail != nil {
			sub = make([]token, 0, len(inner)+1+len(tail))
			sub = append(sub, inner...)
			sub = append(sub, stageToken)
			sub = append(sub, tail...)
		}
		if err := p.buildGraph(sub, prev, next); err != nil {
			return err
		}
	}
	return nil
}

// indexTopLevel returns the index of the first kind token outside any group.
func indexTopLevel(tokens []token, kind tokenKind) int {
	depth := 0
	for i, t := range tokens {
		switch t.kind {
		case tokenOpen:
			depth++
		case tokenClose:
			depth--
		case kind:
			if depth == 0 {
				return i
			}
		}
	}
	return -1
}

func splitTopLevel(tokens []token, kind tokenKind) [][]token {
	var (
		items [][]token
		depth int
		start int
	)
	for i, t := range tokens {
		switch t.kind {
		case tokenOpen:
			depth++
		case tokenClose:
			depth--
		case kind:
			if depth == 0 {
				items = append(items, tokens[start:i])
				start = i + 1
			}
		}
	}
	return append(items, tokens[start:])
}

// unwrapGroup returns the tokens inside the outermost parentheses if they
// enclose the whole item.
func unwrapGroup(item []token) ([]token, bool) {
	if len(item) < 2 || item[0].kind != tokenOpen || item[len(item)-1].kind != tokenClose {
		return nil, false
	}
	depth := 0
	for i, t := range item {
		switch t.kind {
		case tokenOpen:
			depth++
		case tokenClose:
			depth--
			if depth == 0 && i != len(item)-1 {
				return nil, false
			}
		}
	}
	return item[1 : len(item)-1], true
}

type jsonEdge struct {
	Source string `json:"source"`
	Target string `json:"target"`
}

func parseJSON(text string) (*Graph, error) {
	var raw []jsonEdge
	if err := json.Unmarshal([]byte(text), &raw); err != nil {
		return nil, errors.Annotate(err, "decode json edges")
	}
	if len(raw) == 0 {
		return nil, fmt.Errorf("json edges are empty")
	}

	b := newBuilder()
	var nodes []Node
	seen := make(map[Node]struct{})
	hasPred := make(map[Node]bool)
	hasSucc := make(map[Node]bool)
	for _, e := range raw {
		source, err := ParseNode(e.Source)
		if err != nil {
			return nil, err
		}
		target, err := ParseNode(e.Target)
		if err != nil {
			return nil, err
		}
		if source.IsStartOrEnd() || target.IsStartOrEnd() {
			return nil, fmt.Errorf("json edge %s->%s refers to a synthetic node", e.Source, e.Target)
		}
		for _, n := range []Node{source, target} {
			if _, ok := seen[n]; !ok {
				seen[n] = struct{}{}
				nodes = append(nodes, n)
			}
		}
		hasSucc[source] = true
		hasPred[target] = true
	}
	for _, n := range nodes {
		if !hasPred[n] {
			b.addEdge(Start, n)
		}
	}
	for _, e := range raw {
		b.addEdge(MustParseNode(e.Source), MustParseNode(e.Target))
	}
	for _, n := range nodes {
		if !hasSucc[n] {
			b.addEdge(n, End)
		}
	}
	return b.build()
}
