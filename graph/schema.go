package graph

// Schema defines the merge contract for a graph's state type. Each graph
// declares one concrete state struct; channels that accumulate (list-append,
// counters) are realized inside Merge, so concurrent fan-out branches writing
// the same channel compose deterministically instead of last-writer-wins.
type Schema[S any] interface {
	// Zero returns the initial state.
	Zero() S

	// Merge applies a partial delta to the current state and returns the
	// merged value. Merge must be safe to call from the engine's fan-out
	// merge loop (one call at a time, any order between siblings).
	Merge(current, delta S) (S, error)
}

// SchemaFunc adapts a pair of functions to the Schema interface.
type SchemaFunc[S any] struct {
	ZeroFn  func() S
	MergeFn func(current, delta S) (S, error)
}

// Zero returns the initial state.
func (s SchemaFunc[S]) Zero() S {
	if s.ZeroFn == nil {
		var zero S
		return zero
	}
	return s.ZeroFn()
}

// Merge applies the delta.
func (s SchemaFunc[S]) Merge(current, delta S) (S, error) {
	if s.MergeFn == nil {
		return delta, nil
	}
	return s.MergeFn(current, delta)
}

// ProgressReporter is implemented by state types that expose a progress
// channel. The engine copies the stage label and fraction into checkpoint
// metadata so status reads do not need to decode the state snapshot.
type ProgressReporter interface {
	ProgressInfo() (stage string, fraction float64)
}
