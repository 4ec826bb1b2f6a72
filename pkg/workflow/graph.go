// Package workflow runs small state graphs made of action and decision nodes.
package workflow

import (
	"errors"
	"fmt"
	"sync"
)

// End is the pseudo node that terminates a run when used as a transition
// target or decision result.
const End = "__end__"

var (
	ErrUnknownNode   = errors.New("workflow: unknown node")
	ErrDuplicateNode = errors.New("workflow: duplicate node")
	ErrNoStart       = errors.New("workflow: start node not set")
	ErrGraphClosed   = errors.New("workflow: graph is closed")
	ErrMaxSteps      = errors.New("workflow: step limit exceeded")
)

// NodeKind distinguishes node behaviours.
type NodeKind int

const (
	NodeAction NodeKind = iota + 1
	NodeDecision
)

func (k NodeKind) String() string {
	switch k {
	case NodeAction:
		return "action"
	case NodeDecision:
		return "decision"
	default:
		return "unknown"
	}
}

// Node is a named step in a Graph.
type Node interface {
	Name() string
	Kind() NodeKind
}

// ActionFunc mutates the execution context. Outgoing transitions pick the
// next node.
type ActionFunc func(*ExecutionContext) error

// DecisionFunc returns the name of the next node (or End).
type DecisionFunc func(*ExecutionContext) (string, error)

type actionNode struct {
	name string
	fn   ActionFunc
}

func (n *actionNode) Name() string   { return n.name }
func (n *actionNode) Kind() NodeKind { return NodeAction }

type decisionNode struct {
	name string
	fn   DecisionFunc
}

func (n *decisionNode) Name() string   { return n.name }
func (n *decisionNode) Kind() NodeKind { return NodeDecision }

// NewAction builds an action node.
func NewAction(name string, fn ActionFunc) Node { return &actionNode{name: name, fn: fn} }

// NewDecision builds a decision node.
func NewDecision(name string, fn DecisionFunc) Node { return &decisionNode{name: name, fn: fn} }

// Condition guards a transition.
type Condition func(*ExecutionContext) bool

// Always matches unconditionally.
func Always() Condition { return func(*ExecutionContext) bool { return true } }

// When wraps a predicate.
func When(pred func(*ExecutionContext) bool) Condition { return pred }

type transition struct {
	to   string
	cond Condition
}

// Graph holds nodes and their transitions. It is safe to run a closed graph
// from many executors concurrently.
type Graph struct {
	mu     sync.RWMutex
	nodes  map[string]Node
	order  []string
	edges  map[string][]transition
	start  string
	closed bool
}

// NewGraph returns an empty graph.
func NewGraph() *Graph {
	return &Graph{nodes: map[string]Node{}, edges: map[string][]transition{}}
}

// AddNode registers n. Names must be unique and non-empty.
func (g *Graph) AddNode(n Node) error {
	if n == nil || n.Name() == "" || n.Name() == End {
		return fmt.Errorf("workflow: invalid node")
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed {
		return ErrGraphClosed
	}
	if _, ok := g.nodes[n.Name()]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateNode, n.Name())
	}
	g.nodes[n.Name()] = n
	g.order = append(g.order, n.Name())
	return nil
}

// SetStart marks the entry node.
func (g *Graph) SetStart(name string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed {
		return ErrGraphClosed
	}
	if _, ok := g.nodes[name]; !ok {
		return fmt.Errorf("%w: %s", ErrUnknownNode, name)
	}
	g.start = name
	return nil
}

// Start returns the entry node name.
func (g *Graph) Start() string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.start
}

// Node looks up a node by name.
func (g *Graph) Node(name string) (Node, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	n, ok := g.nodes[name]
	return n, ok
}

// Nodes returns node names in registration order.
func (g *Graph) Nodes() []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return append([]string(nil), g.order...)
}

// AddTransition adds an edge from an action node. Edges are evaluated in
// insertion order; the first matching condition wins.
func (g *Graph) AddTransition(from, to string, cond Condition) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed {
		return ErrGraphClosed
	}
	src, ok := g.nodes[from]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownNode, from)
	}
	if src.Kind() == NodeDecision {
		return fmt.Errorf("workflow: decision node %s selects its own successor", from)
	}
	if _, ok := g.nodes[to]; !ok && to != End {
		return fmt.Errorf("%w: %s", ErrUnknownNode, to)
	}
	if cond == nil {
		cond = Always()
	}
	g.edges[from] = append(g.edges[from], transition{to: to, cond: cond})
	return nil
}

// Validate checks that the graph can be executed.
func (g *Graph) Validate() error {
	g.mu.RLock()
	defer g.mu.RUnlock()
	if g.start == "" {
		return ErrNoStart
	}
	return nil
}

// Close freezes the graph against further edits.
func (g *Graph) Close() {
	g.mu.Lock()
	g.closed = true
	g.mu.Unlock()
}

func (g *Graph) next(from string, ec *ExecutionContext) string {
	g.mu.RLock()
	edges := g.edges[from]
	g.mu.RUnlock()
	for _, e := range edges {
		if e.cond(ec) {
			return e.to
		}
	}
	return End
}
