package graph

import (
	"errors"
	"fmt"
)

var (
	// ErrEntryPointNotSet is returned when the entry point of the graph is not set.
	ErrEntryPointNotSet = errors.New("entry point not set")

	// ErrNodeNotFound is returned when a node is not found in the graph.
	ErrNodeNotFound = errors.New("node not found")

	// ErrNoOutgoingEdge is returned when no outgoing edge is found for a node.
	ErrNoOutgoingEdge = errors.New("no outgoing edge found for node")

	// ErrEmptyConditionalTarget is returned when a conditional edge yields "".
	ErrEmptyConditionalTarget = errors.New("conditional edge returned empty next node")

	// ErrMissingCheckpointer is returned when Run is called without a checkpointer.
	ErrMissingCheckpointer = errors.New("checkpointer is required")
)

// EngineError wraps an engine failure with the operation and node it occurred at.
type EngineError struct {
	Op   string
	Node string
	Err  error
}

func (e *EngineError) Error() string {
	if e.Node != "" {
		return fmt.Sprintf("graph %s at node %s: %v", e.Op, e.Node, e.Err)
	}
	return fmt.Sprintf("graph %s: %v", e.Op, e.Err)
}

func (e *EngineError) Unwrap() error {
	return e.Err
}

// NodeInterrupt is returned when a node requests suspension (e.g. waiting for
// human review). The engine persists the payload with the checkpoint and the
// run transitions to PAUSED; resuming re-enters the same node with the resume
// payload exposed through the context.
type NodeInterrupt struct {
	// Node is the name of the node that triggered the interrupt.
	Node string

	// Value is the payload persisted for the operator (e.g. the results
	// awaiting review).
	Value any
}

func (e *NodeInterrupt) Error() string {
	return fmt.Sprintf("interrupt at node %s: %v", e.Node, e.Value)
}
