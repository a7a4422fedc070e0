// Package graph implements a durable workflow engine: a directed graph of
// typed nodes executed over a state value, with a checkpoint persisted after
// every transition so that runs survive worker crashes and resume from the
// last committed state.
package graph

import (
	"context"
	"time"
)

// END is a special constant used to represent the terminal sink in the graph.
// It has no outgoing edges.
const END = "END"

// NodeFunc is the signature of a graph node. It receives the current state
// and returns a Result carrying a state delta and an optional command
// (fan-out Sends or an imperative Goto).
type NodeFunc[S any] func(ctx context.Context, state S) (Result[S], error)

// Node is a named unit of graph computation.
type Node[S any] struct {
	Name        string
	Description string
	Function    NodeFunc[S]

	// Timeout is the wall-clock limit for a single invocation.
	// Zero means the engine default applies.
	Timeout time.Duration

	// Retry, when non-nil, makes the engine retry the node on retryable
	// faults before surfacing the error.
	Retry *RetryPolicy
}

// Edge is a static transition between two nodes.
type Edge struct {
	From string
	To   string
}

// NodeOption configures a node at registration time.
type NodeOption[S any] func(*Node[S])

// WithTimeout sets the per-invocation wall-clock timeout for a node.
func WithTimeout[S any](d time.Duration) NodeOption[S] {
	return func(n *Node[S]) { n.Timeout = d }
}

// WithRetry attaches a retry policy to a node. The engine retries the node
// function on retryable faults with exponential backoff.
func WithRetry[S any](policy *RetryPolicy) NodeOption[S] {
	return func(n *Node[S]) { n.Retry = policy }
}

// StateGraph is a builder for a workflow graph over state type S.
//
// Example:
//
//	g := graph.NewStateGraph[MyState](mySchema)
//	g.AddNode("segment", "split pages into regions", segmentFn)
//	g.AddEdge("segment", "aggregate")
//	g.SetEntryPoint("segment")
type StateGraph[S any] struct {
	nodes            map[string]*Node[S]
	edges            []Edge
	conditionalEdges map[string]func(ctx context.Context, state S) string
	entryPoint       string
	schema           Schema[S]
}

// NewStateGraph creates a new graph builder. The schema defines the merge
// contract for state deltas (reducers realized as methods).
func NewStateGraph[S any](schema Schema[S]) *StateGraph[S] {
	return &StateGraph[S]{
		nodes:            make(map[string]*Node[S]),
		conditionalEdges: make(map[string]func(ctx context.Context, state S) string),
		schema:           schema,
	}
}

// AddNode registers a node under the given name.
func (g *StateGraph[S]) AddNode(name, description string, fn NodeFunc[S], opts ...NodeOption[S]) {
	n := &Node[S]{
		Name:        name,
		Description: description,
		Function:    fn,
	}
	for _, opt := range opts {
		opt(n)
	}
	g.nodes[name] = n
}

// AddEdge adds a static edge between the "from" and "to" nodes.
func (g *StateGraph[S]) AddEdge(from, to string) {
	g.edges = append(g.edges, Edge{From: from, To: to})
}

// AddConditionalEdge adds an edge whose target is decided at runtime from the
// merged state. The condition must return a node name or END.
func (g *StateGraph[S]) AddConditionalEdge(from string, condition func(ctx context.Context, state S) string) {
	g.conditionalEdges[from] = condition
}

// SetEntryPoint sets the node execution starts at.
func (g *StateGraph[S]) SetEntryPoint(name string) {
	g.entryPoint = name
}

// EntryPoint returns the configured entry node name.
func (g *StateGraph[S]) EntryPoint() string {
	return g.entryPoint
}

// Schema returns the graph's state schema.
func (g *StateGraph[S]) Schema() Schema[S] {
	return g.schema
}

// node looks up a registered node.
func (g *StateGraph[S]) node(name string) (*Node[S], bool) {
	n, ok := g.nodes[name]
	return n, ok
}

// nextFrom resolves the outgoing transitions of a node against the merged
// state: conditional edges win over static edges; multiple static edges mean
// a static fan-out. END targets are kept and filtered by the engine.
func (g *StateGraph[S]) nextFrom(ctx context.Context, from string, state S) ([]string, error) {
	if cond, ok := g.conditionalEdges[from]; ok {
		to := cond(ctx, state)
		if to == "" {
			return nil, &EngineError{Op: "route", Node: from, Err: ErrEmptyConditionalTarget}
		}
		return []string{to}, nil
	}

	var targets []string
	for _, e := range g.edges {
		if e.From == from {
			targets = append(targets, e.To)
		}
	}
	if len(targets) == 0 {
		return nil, &EngineError{Op: "route", Node: from, Err: ErrNoOutgoingEdge}
	}
	return targets, nil
}
