package graph

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/smallnest/gradeflow/log"
)

// Options configures engine execution behavior. Zero values fall back to
// sensible defaults.
type Options struct {
	// FanOutLimit caps concurrent fan-out children within one run. Default 10.
	FanOutLimit int

	// DefaultNodeTimeout is the wall-clock limit for nodes that do not set
	// their own. Default 120s.
	DefaultNodeTimeout time.Duration

	// CancelCheck is consulted before every node dispatch and before each
	// fan-out child. Returning true makes the engine write a final
	// cancelled checkpoint and stop. Nil means never cancelled.
	CancelCheck func(ctx context.Context) (bool, error)

	// Logger receives engine progress. Nil disables logging.
	Logger log.Logger

	// MaxSteps bounds the number of transitions to guard against cycles.
	// Default 1000.
	MaxSteps int
}

// OutcomeStatus is how a Run invocation ended.
type OutcomeStatus int

const (
	// OutcomeCompleted means the graph reached END.
	OutcomeCompleted OutcomeStatus = iota
	// OutcomeInterrupted means a node suspended the run for external input.
	OutcomeInterrupted
	// OutcomeCancelled means cancellation was observed at a node boundary.
	OutcomeCancelled
)

// Outcome is the result of driving a thread until it settles.
type Outcome[S any] struct {
	Status       OutcomeStatus
	State        S
	Interrupt    *NodeInterrupt
	CheckpointID string
}

// Engine drives a StateGraph over durable state. It persists a checkpoint
// after every transition; each checkpoint carries the merged state and the
// pending task frontier, which is both the resume point and the intent
// record for crash recovery.
type Engine[S any] struct {
	graph       *StateGraph[S]
	checkpoints Checkpointer
	opts        Options
}

// NewEngine creates an engine for the given graph and checkpoint backend.
func NewEngine[S any](g *StateGraph[S], checkpoints Checkpointer, opts Options) (*Engine[S], error) {
	if g.entryPoint == "" {
		return nil, ErrEntryPointNotSet
	}
	if _, ok := g.nodes[g.entryPoint]; !ok {
		return nil, fmt.Errorf("%w: %s", ErrNodeNotFound, g.entryPoint)
	}
	if checkpoints == nil {
		return nil, ErrMissingCheckpointer
	}
	if opts.FanOutLimit <= 0 {
		opts.FanOutLimit = 10
	}
	if opts.DefaultNodeTimeout <= 0 {
		opts.DefaultNodeTimeout = 120 * time.Second
	}
	if opts.MaxSteps <= 0 {
		opts.MaxSteps = 1000
	}
	if opts.Logger == nil {
		opts.Logger = log.Nop{}
	}
	return &Engine[S]{graph: g, checkpoints: checkpoints, opts: opts}, nil
}

// Run drives the thread until it completes, suspends, is cancelled, or fails
// fatally. A thread with no checkpoints starts at the entry node over the
// initial state; otherwise execution resumes from the latest checkpoint's
// pending frontier and the initial value is ignored. A non-nil resume payload
// is exposed to the first execution wave via the context, so an interrupted
// node re-entered after SendEvent observes it through Interrupt().
//
// A fatal node error returns without advancing the checkpoint chain: the
// frontier still names the failed node, so a later Run re-invokes it.
// Consequently nodes must be idempotent with respect to their own state
// updates and treat external side effects as at-least-once.
func (e *Engine[S]) Run(ctx context.Context, threadID string, initial S, resume any) (*Outcome[S], error) {
	state := initial
	pending := []Task{{Node: e.graph.entryPoint}}
	parentID := ""

	latest, err := e.checkpoints.LatestCheckpoint(ctx, threadID)
	if err != nil {
		return nil, fmt.Errorf("load latest checkpoint: %w", err)
	}
	if latest != nil {
		if err := json.Unmarshal(latest.State, &state); err != nil {
			return nil, fmt.Errorf("decode checkpoint state: %w", err)
		}
		pending = latest.Pending
		parentID = latest.ID
	}

	firstWave := true
	steps := 0

	for {
		pending = dropEnd(pending)
		if len(pending) == 0 {
			return &Outcome[S]{Status: OutcomeCompleted, State: state, CheckpointID: parentID}, nil
		}

		steps++
		if steps > e.opts.MaxSteps {
			return nil, &EngineError{Op: "run", Err: fmt.Errorf("exceeded %d steps", e.opts.MaxSteps)}
		}

		if err := ctx.Err(); err != nil {
			return nil, err
		}

		cancelled, err := e.cancelRequested(ctx)
		if err != nil {
			return nil, fmt.Errorf("cancel check: %w", err)
		}
		if cancelled {
			cpID, err := e.save(ctx, threadID, parentID, state, pending, CheckpointCancelled, nil)
			if err != nil {
				return nil, err
			}
			return &Outcome[S]{Status: OutcomeCancelled, State: state, CheckpointID: cpID}, nil
		}

		execCtx := ctx
		if firstWave && resume != nil {
			execCtx = WithResumeValue(ctx, resume)
		}
		firstWave = false

		if len(pending) == 1 && pending[0].SubState == nil {
			outcome, done, err := e.runSequential(execCtx, threadID, &state, &pending, &parentID)
			if err != nil {
				return nil, err
			}
			if done {
				return outcome, nil
			}
			continue
		}

		outcome, done, err := e.runFanOut(execCtx, ctx, threadID, &state, &pending, &parentID)
		if err != nil {
			return nil, err
		}
		if done {
			return outcome, nil
		}
	}
}

// runSequential executes a single plain task and advances the frontier.
func (e *Engine[S]) runSequential(ctx context.Context, threadID string, state *S, pending *[]Task, parentID *string) (*Outcome[S], bool, error) {
	task := (*pending)[0]
	node, ok := e.graph.node(task.Node)
	if !ok {
		return nil, false, &EngineError{Op: "run", Node: task.Node, Err: ErrNodeNotFound}
	}

	e.opts.Logger.Debug("thread %s: executing node %s", threadID, task.Node)

	res, err := e.invoke(ctx, node, *state)
	if err != nil {
		var ni *NodeInterrupt
		if errors.As(err, &ni) {
			ni.Node = task.Node
			cpID, serr := e.save(ctx, threadID, *parentID, *state, *pending, CheckpointInterrupted, ni.Value)
			if serr != nil {
				return nil, false, serr
			}
			return &Outcome[S]{Status: OutcomeInterrupted, State: *state, Interrupt: ni, CheckpointID: cpID}, true, nil
		}
		return nil, false, &EngineError{Op: "run", Node: task.Node, Err: err}
	}

	merged, err := e.graph.schema.Merge(*state, res.Delta)
	if err != nil {
		return nil, false, &EngineError{Op: "merge", Node: task.Node, Err: err}
	}
	*state = merged

	next, err := e.nextTasks(ctx, task.Node, res, *state)
	if err != nil {
		return nil, false, err
	}
	*pending = next

	cpID, err := e.save(ctx, threadID, *parentID, *state, *pending, CheckpointRunning, nil)
	if err != nil {
		return nil, false, err
	}
	*parentID = cpID
	return nil, false, nil
}

// runFanOut executes a frontier of parallel children up to the concurrency
// cap, merging each child's delta and checkpointing as it lands so a crash
// resumes only the unfinished siblings. All children settle before the
// frontier advances; an interrupt from any child suspends the run after
// in-flight siblings finish.
func (e *Engine[S]) runFanOut(execCtx, ctx context.Context, threadID string, state *S, pending *[]Task, parentID *string) (*Outcome[S], bool, error) {
	tasks := *pending

	var (
		mu        sync.Mutex
		wg        sync.WaitGroup
		remaining = make([]Task, len(tasks))
		firstErr  error
		interrupt *NodeInterrupt
		cancelled bool
	)
	copy(remaining, tasks)

	// Siblings without a sub-state all observe the state as of wave start;
	// only the reducer's merge contract orders their contributions.
	base := *state

	sem := make(chan struct{}, e.opts.FanOutLimit)

	for i := range tasks {
		task := tasks[i]

		// Cooperative cancellation between child dispatches.
		c, err := e.cancelRequested(ctx)
		if err != nil {
			mu.Lock()
			if firstErr == nil {
				firstErr = fmt.Errorf("cancel check: %w", err)
			}
			mu.Unlock()
			break
		}
		if c {
			cancelled = true
			break
		}

		mu.Lock()
		stop := firstErr != nil
		mu.Unlock()
		if stop {
			break
		}

		node, ok := e.graph.node(task.Node)
		if !ok {
			mu.Lock()
			if firstErr == nil {
				firstErr = &EngineError{Op: "fanout", Node: task.Node, Err: ErrNodeNotFound}
			}
			mu.Unlock()
			break
		}

		sem <- struct{}{}
		wg.Add(1)
		go func(task Task, node *Node[S]) {
			defer wg.Done()
			defer func() { <-sem }()
			defer func() {
				if r := recover(); r != nil {
					mu.Lock()
					if firstErr == nil {
						firstErr = &EngineError{Op: "fanout", Node: task.Node, Err: fmt.Errorf("panic: %v", r)}
					}
					mu.Unlock()
				}
			}()

			input := base
			if task.SubState != nil {
				var sub S
				if err := json.Unmarshal(task.SubState, &sub); err != nil {
					mu.Lock()
					if firstErr == nil {
						firstErr = &EngineError{Op: "fanout", Node: task.Node, Err: fmt.Errorf("decode sub-state: %w", err)}
					}
					mu.Unlock()
					return
				}
				input = sub
			}

			res, err := e.invoke(execCtx, node, input)

			mu.Lock()
			defer mu.Unlock()

			if err != nil {
				var ni *NodeInterrupt
				if errors.As(err, &ni) {
					ni.Node = task.Node
					if interrupt == nil {
						interrupt = ni
					}
					return // task stays in the frontier
				}
				if firstErr == nil {
					firstErr = &EngineError{Op: "fanout", Node: task.Node, Err: err}
				}
				return
			}
			if len(res.Sends) > 0 || res.Goto != "" {
				if firstErr == nil {
					firstErr = &EngineError{Op: "fanout", Node: task.Node, Err: errors.New("fan-out child returned a command")}
				}
				return
			}

			merged, err := e.graph.schema.Merge(*state, res.Delta)
			if err != nil {
				if firstErr == nil {
					firstErr = &EngineError{Op: "merge", Node: task.Node, Err: err}
				}
				return
			}
			*state = merged
			remaining = removeTask(remaining, task)

			// Durable partial progress: the checkpoint drops this child so
			// crash recovery resumes only unfinished siblings.
			cpID, err := e.save(ctx, threadID, *parentID, *state, remaining, CheckpointRunning, nil)
			if err != nil {
				if firstErr == nil {
					firstErr = err
				}
				return
			}
			*parentID = cpID
		}(task, node)
	}

	wg.Wait()

	if firstErr != nil {
		return nil, false, firstErr
	}

	if cancelled {
		cpID, err := e.save(ctx, threadID, *parentID, *state, remaining, CheckpointCancelled, nil)
		if err != nil {
			return nil, false, err
		}
		return &Outcome[S]{Status: OutcomeCancelled, State: *state, CheckpointID: cpID}, true, nil
	}

	if interrupt != nil {
		cpID, err := e.save(ctx, threadID, *parentID, *state, remaining, CheckpointInterrupted, interrupt.Value)
		if err != nil {
			return nil, false, err
		}
		return &Outcome[S]{Status: OutcomeInterrupted, State: *state, Interrupt: interrupt, CheckpointID: cpID}, true, nil
	}

	// Fan-in: every child settled; transition along the edges of the nodes
	// that just ran.
	next, err := e.fanInTasks(ctx, tasks, *state)
	if err != nil {
		return nil, false, err
	}
	*pending = next

	cpID, err := e.save(ctx, threadID, *parentID, *state, *pending, CheckpointRunning, nil)
	if err != nil {
		return nil, false, err
	}
	*parentID = cpID
	return nil, false, nil
}

// invoke runs a node under its timeout and optional retry policy.
func (e *Engine[S]) invoke(ctx context.Context, node *Node[S], state S) (Result[S], error) {
	if node.Retry == nil {
		return runWithTimeout(ctx, node, state, e.opts.DefaultNodeTimeout)
	}
	return Retry(ctx, node.Retry, func(ctx context.Context) (Result[S], error) {
		return runWithTimeout(ctx, node, state, e.opts.DefaultNodeTimeout)
	})
}

// nextTasks resolves the frontier after a sequential node: Sends override
// everything, then Goto, then the node's edges.
func (e *Engine[S]) nextTasks(ctx context.Context, from string, res Result[S], state S) ([]Task, error) {
	if len(res.Sends) > 0 {
		tasks := make([]Task, 0, len(res.Sends))
		for _, s := range res.Sends {
			if _, ok := e.graph.node(s.Node); !ok {
				return nil, &EngineError{Op: "send", Node: s.Node, Err: ErrNodeNotFound}
			}
			raw, err := json.Marshal(s.State)
			if err != nil {
				return nil, &EngineError{Op: "send", Node: s.Node, Err: fmt.Errorf("encode sub-state: %w", err)}
			}
			tasks = append(tasks, Task{Node: s.Node, SubState: raw})
		}
		return tasks, nil
	}

	if res.Goto != "" {
		if res.Goto == END {
			return nil, nil
		}
		if _, ok := e.graph.node(res.Goto); !ok {
			return nil, &EngineError{Op: "goto", Node: res.Goto, Err: ErrNodeNotFound}
		}
		return []Task{{Node: res.Goto}}, nil
	}

	targets, err := e.graph.nextFrom(ctx, from, state)
	if err != nil {
		return nil, err
	}
	tasks := make([]Task, 0, len(targets))
	for _, t := range targets {
		if t == END {
			continue
		}
		if _, ok := e.graph.node(t); !ok {
			return nil, &EngineError{Op: "route", Node: t, Err: ErrNodeNotFound}
		}
		tasks = append(tasks, Task{Node: t})
	}
	return tasks, nil
}

// fanInTasks resolves the frontier after a fan-out wave: the union of the
// outgoing edges of every distinct node that ran, deduplicated.
func (e *Engine[S]) fanInTasks(ctx context.Context, tasks []Task, state S) ([]Task, error) {
	seenNode := make(map[string]bool)
	seenNext := make(map[string]bool)
	var next []Task

	for _, t := range tasks {
		if seenNode[t.Node] {
			continue
		}
		seenNode[t.Node] = true

		targets, err := e.graph.nextFrom(ctx, t.Node, state)
		if err != nil {
			return nil, err
		}
		for _, target := range targets {
			if target == END || seenNext[target] {
				continue
			}
			if _, ok := e.graph.node(target); !ok {
				return nil, &EngineError{Op: "route", Node: target, Err: ErrNodeNotFound}
			}
			seenNext[target] = true
			next = append(next, Task{Node: target})
		}
	}
	return next, nil
}

// save writes one checkpoint. The state snapshot and the pending frontier
// travel in a single Checkpointer.Save call so the pair commits atomically.
func (e *Engine[S]) save(ctx context.Context, threadID, parentID string, state S, pending []Task, status string, interruptPayload any) (string, error) {
	raw, err := json.Marshal(state)
	if err != nil {
		return "", fmt.Errorf("encode state: %w", err)
	}

	pending = dropEnd(pending)
	if len(pending) == 0 && status == CheckpointRunning {
		status = CheckpointCompleted
	}

	meta := map[string]any{
		MetaStatus: status,
		MetaNodes:  taskNodes(pending),
	}
	if interruptPayload != nil {
		meta[MetaInterrupt] = interruptPayload
	}
	if pr, ok := any(state).(ProgressReporter); ok {
		stage, fraction := pr.ProgressInfo()
		meta[MetaProgressStage] = stage
		meta[MetaProgressFraction] = fraction
	}

	cp := &Checkpoint{
		ThreadID:  threadID,
		ID:        uuid.New().String(),
		ParentID:  parentID,
		State:     raw,
		Pending:   pending,
		Metadata:  meta,
		CreatedAt: time.Now().UTC(),
	}
	if err := e.checkpoints.SaveCheckpoint(ctx, cp); err != nil {
		return "", fmt.Errorf("save checkpoint: %w", err)
	}
	return cp.ID, nil
}

func (e *Engine[S]) cancelRequested(ctx context.Context) (bool, error) {
	if e.opts.CancelCheck == nil {
		return false, nil
	}
	return e.opts.CancelCheck(ctx)
}

func dropEnd(tasks []Task) []Task {
	out := tasks[:0:0]
	for _, t := range tasks {
		if t.Node != END {
			out = append(out, t)
		}
	}
	return out
}

// removeTask drops a single occurrence of target, so identical sibling
// sends are retired one completion at a time.
func removeTask(tasks []Task, target Task) []Task {
	out := make([]Task, 0, len(tasks))
	removed := false
	for _, t := range tasks {
		if !removed && t.Node == target.Node && string(t.SubState) == string(target.SubState) {
			removed = true
			continue
		}
		out = append(out, t)
	}
	return out
}

func taskNodes(tasks []Task) []string {
	nodes := make([]string, 0, len(tasks))
	for _, t := range tasks {
		nodes = append(nodes, t.Node)
	}
	return nodes
}
