// Package worker executes runs. A pool of claim loops pulls PENDING runs
// from the store, holds a lease while driving the graph engine, and writes
// the terminal or suspended status back. Crash recovery is lease-based: a
// janitor re-queues runs whose lease expired, and the next claimant resumes
// from the latest checkpoint.
package worker

import (
	"context"
	"fmt"
	"sync"

	"github.com/smallnest/gradeflow/graph"
	"github.com/smallnest/gradeflow/store"
)

// RunResult is what a runner reports back for the store update.
type RunResult struct {
	// Status is PAUSED, COMPLETED or CANCELLED. Failures travel as errors.
	Status store.RunStatus
	Output map[string]any
}

// Runner executes one run of one graph until it settles.
type Runner interface {
	Run(ctx context.Context, run *store.Run) (*RunResult, error)
}

// RunnerFunc adapts a function to Runner.
type RunnerFunc func(ctx context.Context, run *store.Run) (*RunResult, error)

func (f RunnerFunc) Run(ctx context.Context, run *store.Run) (*RunResult, error) {
	return f(ctx, run)
}

// Registry maps graph names to runners. It doubles as the orchestrator's
// graph directory.
type Registry struct {
	mu      sync.RWMutex
	runners map[string]Runner
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{runners: make(map[string]Runner)}
}

// Register binds a graph name to its runner, replacing any previous binding.
func (r *Registry) Register(name string, runner Runner) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.runners[name] = runner
}

// Get returns the runner for a graph name.
func (r *Registry) Get(name string) (Runner, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	runner, ok := r.runners[name]
	return runner, ok
}

// HasGraph reports whether the graph name is registered.
func (r *Registry) HasGraph(name string) bool {
	_, ok := r.Get(name)
	return ok
}

// Names returns the registered graph names.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.runners))
	for name := range r.runners {
		names = append(names, name)
	}
	return names
}

type runIDKey struct{}

// WithRunID tags the context with the run being executed. The engine's
// cancel check reads it back to consult the run's cancel flag.
func WithRunID(ctx context.Context, runID string) context.Context {
	return context.WithValue(ctx, runIDKey{}, runID)
}

// RunIDFrom extracts the executing run's ID from the context.
func RunIDFrom(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(runIDKey{}).(string)
	return id, ok
}

// CancelCheck builds the engine hook that observes Cancel requests between
// node invocations.
func CancelCheck(st store.Store) func(ctx context.Context) (bool, error) {
	return func(ctx context.Context) (bool, error) {
		runID, ok := RunIDFrom(ctx)
		if !ok {
			return false, nil
		}
		run, err := st.GetRun(ctx, runID)
		if err != nil {
			return false, err
		}
		return run.CancelRequested, nil
	}
}

// NewEngineRunner adapts a typed engine to the Runner interface. decode maps
// the run's input payload to the graph's initial state; encode maps the final
// state to the run's output payload.
func NewEngineRunner[S any](
	engine *graph.Engine[S],
	decode func(input map[string]any) (S, error),
	encode func(state S) map[string]any,
) Runner {
	return RunnerFunc(func(ctx context.Context, run *store.Run) (*RunResult, error) {
		initial, err := decode(run.InputPayload)
		if err != nil {
			return nil, fmt.Errorf("decode input payload: %w", err)
		}

		var resume any
		if run.ResumePayload != nil {
			resume = run.ResumePayload
		}

		outcome, err := engine.Run(ctx, run.ID, initial, resume)
		if err != nil {
			return nil, err
		}

		switch outcome.Status {
		case graph.OutcomeInterrupted:
			return &RunResult{Status: store.StatusPaused}, nil
		case graph.OutcomeCancelled:
			return &RunResult{Status: store.StatusCancelled}, nil
		default:
			return &RunResult{Status: store.StatusCompleted, Output: encode(outcome.State)}, nil
		}
	})
}
