package graph

import "context"

type resumeValueKey struct{}

// WithResumeValue attaches a resume payload to the context. The engine sets
// it for the first execution wave after a resume; Interrupt returns it
// instead of suspending again.
func WithResumeValue(ctx context.Context, value any) context.Context {
	return context.WithValue(ctx, resumeValueKey{}, value)
}

// ResumeValue retrieves the resume payload from the context, or nil.
func ResumeValue(ctx context.Context) any {
	return ctx.Value(resumeValueKey{})
}

// Interrupt pauses execution at the calling node. On first entry it returns
// a *NodeInterrupt error which the caller must propagate; the engine persists
// the payload and suspends the run. When the run is resumed the same node is
// re-invoked and this call returns the resume payload instead.
//
//	decision, err := graph.Interrupt(ctx, map[string]any{"needs_review": true})
//	if err != nil {
//	    return graph.Result[State]{}, err
//	}
func Interrupt(ctx context.Context, payload any) (any, error) {
	if v := ResumeValue(ctx); v != nil {
		return v, nil
	}
	return nil, &NodeInterrupt{Value: payload}
}
