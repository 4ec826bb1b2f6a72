package workflow

import (
	"context"
	"fmt"
	"sync"
	"time"
)

const defaultMaxSteps = 64

// ExecutionContext carries run-scoped data between nodes.
type ExecutionContext struct {
	ctx  context.Context
	mu   sync.RWMutex
	data map[string]any
	path []string
}

// Context returns the run's context.
func (ec *ExecutionContext) Context() context.Context { return ec.ctx }

// Get reads a value.
func (ec *ExecutionContext) Get(key string) (any, bool) {
	ec.mu.RLock()
	defer ec.mu.RUnlock()
	v, ok := ec.data[key]
	return v, ok
}

// Set stores a value.
func (ec *ExecutionContext) Set(key string, value any) {
	ec.mu.Lock()
	ec.data[key] = value
	ec.mu.Unlock()
}

// Path lists the nodes visited so far.
func (ec *ExecutionContext) Path() []string {
	ec.mu.RLock()
	defer ec.mu.RUnlock()
	return append([]string(nil), ec.path...)
}

// NodeHook observes each completed node.
type NodeHook func(ctx context.Context, node string, elapsed time.Duration, err error)

// ExecutorOption configures an Executor.
type ExecutorOption func(*Executor)

// WithInitialData seeds the execution context.
func WithInitialData(data map[string]any) ExecutorOption {
	return func(e *Executor) {
		for k, v := range data {
			e.initial[k] = v
		}
	}
}

// WithMaxSteps bounds the number of nodes a run may visit.
func WithMaxSteps(n int) ExecutorOption {
	return func(e *Executor) {
		if n > 0 {
			e.maxSteps = n
		}
	}
}

// WithNodeHook registers a hook invoked after every node.
func WithNodeHook(h NodeHook) ExecutorOption {
	return func(e *Executor) {
		if h != nil {
			e.hooks = append(e.hooks, h)
		}
	}
}

// Executor runs a Graph from its start node until End.
type Executor struct {
	graph    *Graph
	initial  map[string]any
	maxSteps int
	hooks    []NodeHook
}

// NewExecutor binds options to g.
func NewExecutor(g *Graph, opts ...ExecutorOption) *Executor {
	e := &Executor{graph: g, initial: map[string]any{}, maxSteps: defaultMaxSteps}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Run executes the graph. Node errors abort the run and are returned wrapped
// with the node name.
func (e *Executor) Run(ctx context.Context) error {
	_, err := e.Execute(ctx)
	return err
}

// Execute is Run but also returns the final execution context.
func (e *Executor) Execute(ctx context.Context) (*ExecutionContext, error) {
	if e.graph == nil {
		return nil, fmt.Errorf("workflow: nil graph")
	}
	if err := e.graph.Validate(); err != nil {
		return nil, err
	}
	ec := &ExecutionContext{ctx: ctx, data: make(map[string]any, len(e.initial))}
	for k, v := range e.initial {
		ec.data[k] = v
	}

	current := e.graph.Start()
	for steps := 0; current != End; steps++ {
		if steps >= e.maxSteps {
			return ec, fmt.Errorf("%w (%d)", ErrMaxSteps, e.maxSteps)
		}
		if err := ctx.Err(); err != nil {
			return ec, err
		}
		node, ok := e.graph.Node(current)
		if !ok {
			return ec, fmt.Errorf("%w: %s", ErrUnknownNode, current)
		}
		ec.mu.Lock()
		ec.path = append(ec.path, current)
		ec.mu.Unlock()

		started := time.Now()
		next, err := e.step(node, ec)
		for _, h := range e.hooks {
			h(ctx, current, time.Since(started), err)
		}
		if err != nil {
			return ec, fmt.Errorf("workflow: node %s: %w", current, err)
		}
		current = next
	}
	return ec, nil
}

func (e *Executor) step(node Node, ec *ExecutionContext) (string, error) {
	switch n := node.(type) {
	case *actionNode:
		if n.fn != nil {
			if err := n.fn(ec); err != nil {
				return "", err
			}
		}
		return e.graph.next(n.name, ec), nil
	case *decisionNode:
		next, err := n.fn(ec)
		if err != nil {
			return "", err
		}
		if next == End {
			return End, nil
		}
		if _, ok := e.graph.Node(next); !ok {
			return "", fmt.Errorf("%w: %s", ErrUnknownNode, next)
		}
		return next, nil
	default:
		return "", fmt.Errorf("workflow: unsupported node type %T", node)
	}
}
