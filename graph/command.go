package graph

// Result is what a node returns: a partial state update plus an optional
// control command. Exactly one of Sends / Goto may be set; when neither is
// present control proceeds along the node's outgoing edges.
type Result[S any] struct {
	// Delta is a partial state update merged into the run state through the
	// graph schema's reducers. The zero value means "no update".
	Delta S

	// Sends schedules parallel child invocations (fan-out). Each child runs
	// the named node over its own derived sub-state; child deltas are merged
	// back into the parent state through the schema.
	Sends []Send[S]

	// Goto jumps to the named node, overriding static edges.
	Goto string
}

// Send schedules one parallel child invocation of a node over a derived
// sub-state. It is a value the engine inspects, not a control-flow construct.
type Send[S any] struct {
	// Node is the name of the node to invoke.
	Node string

	// State is the sub-state the child sees instead of the parent state.
	State S
}

// Update returns a Result carrying only a state delta.
func Update[S any](delta S) Result[S] {
	return Result[S]{Delta: delta}
}

// FanOut returns a Result that schedules the given child invocations.
func FanOut[S any](sends ...Send[S]) Result[S] {
	return Result[S]{Sends: sends}
}

// Goto returns a Result that jumps to the named node with a state delta.
func Goto[S any](node string, delta S) Result[S] {
	return Result[S]{Delta: delta, Goto: node}
}
