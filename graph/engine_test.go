package graph_test

import (
	"context"
	"errors"
	"sort"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/smallnest/gradeflow/fault"
	"github.com/smallnest/gradeflow/graph"
	"github.com/smallnest/gradeflow/store/memory"
)

type testState struct {
	Items []string `json:"items,omitempty"`
	Count int      `json:"count,omitempty"`
	Route string   `json:"route,omitempty"`
	Done  bool     `json:"done,omitempty"`
}

type testSchema struct{}

func (testSchema) Zero() testState { return testState{} }

func (testSchema) Merge(current, delta testState) (testState, error) {
	out := current
	out.Items = append(out.Items, delta.Items...)
	out.Count += delta.Count
	if delta.Route != "" {
		out.Route = delta.Route
	}
	if delta.Done {
		out.Done = true
	}
	return out, nil
}

func appendNode(item string) graph.NodeFunc[testState] {
	return func(ctx context.Context, st testState) (graph.Result[testState], error) {
		return graph.Update(testState{Items: []string{item}, Count: 1}), nil
	}
}

func newEngine(t *testing.T, g *graph.StateGraph[testState], opts graph.Options) (*graph.Engine[testState], *memory.MemoryStore) {
	t.Helper()
	st := memory.NewMemoryStore()
	e, err := graph.NewEngine(g, st, opts)
	require.NoError(t, err)
	return e, st
}

func TestEngineSequentialRun(t *testing.T) {
	g := graph.NewStateGraph[testState](testSchema{})
	g.AddNode("a", "", appendNode("a"))
	g.AddNode("b", "", appendNode("b"))
	g.SetEntryPoint("a")
	g.AddEdge("a", "b")
	g.AddEdge("b", graph.END)

	e, st := newEngine(t, g, graph.Options{})

	out, err := e.Run(context.Background(), "t1", testState{}, nil)
	require.NoError(t, err)
	assert.Equal(t, graph.OutcomeCompleted, out.Status)
	assert.Equal(t, []string{"a", "b"}, out.State.Items)
	assert.Equal(t, 2, out.State.Count)

	// One checkpoint per transition, each linked to its parent.
	cps, err := st.ListCheckpoints(context.Background(), "t1")
	require.NoError(t, err)
	require.Len(t, cps, 2)
	assert.Empty(t, cps[0].ParentID)
	assert.Equal(t, cps[0].ID, cps[1].ParentID)
	assert.Equal(t, graph.CheckpointCompleted, cps[1].Metadata[graph.MetaStatus])
}

func TestEngineConditionalRouting(t *testing.T) {
	g := graph.NewStateGraph[testState](testSchema{})
	g.AddNode("decide", "", func(ctx context.Context, st testState) (graph.Result[testState], error) {
		return graph.Update(testState{Route: "right"}), nil
	})
	g.AddNode("left", "", appendNode("left"))
	g.AddNode("right", "", appendNode("right"))
	g.SetEntryPoint("decide")
	g.AddConditionalEdge("decide", func(ctx context.Context, st testState) string {
		return st.Route
	})
	g.AddEdge("left", graph.END)
	g.AddEdge("right", graph.END)

	e, _ := newEngine(t, g, graph.Options{})

	out, err := e.Run(context.Background(), "t1", testState{}, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"right"}, out.State.Items)
}

func TestEngineFanOutMergesAllChildren(t *testing.T) {
	var aggregates int32

	g := graph.NewStateGraph[testState](testSchema{})
	g.AddNode("router", "", func(ctx context.Context, st testState) (graph.Result[testState], error) {
		return graph.FanOut(
			graph.Send[testState]{Node: "child", State: testState{Route: "x"}},
			graph.Send[testState]{Node: "child", State: testState{Route: "y"}},
			graph.Send[testState]{Node: "child", State: testState{Route: "z"}},
		), nil
	})
	g.AddNode("child", "", func(ctx context.Context, st testState) (graph.Result[testState], error) {
		return graph.Update(testState{Items: []string{st.Route}, Count: 1}), nil
	})
	g.AddNode("fanin", "", func(ctx context.Context, st testState) (graph.Result[testState], error) {
		atomic.AddInt32(&aggregates, 1)
		return graph.Update(testState{Done: true}), nil
	})
	g.SetEntryPoint("router")
	g.AddEdge("child", "fanin")
	g.AddEdge("fanin", graph.END)

	e, _ := newEngine(t, g, graph.Options{})

	out, err := e.Run(context.Background(), "t1", testState{}, nil)
	require.NoError(t, err)

	got := append([]string(nil), out.State.Items...)
	sort.Strings(got)
	assert.Equal(t, []string{"x", "y", "z"}, got)
	assert.True(t, out.State.Done)
	// Fan-in runs once no matter how many siblings converged on it.
	assert.Equal(t, int32(1), atomic.LoadInt32(&aggregates))
}

func TestEngineFanOutRespectsConcurrencyCap(t *testing.T) {
	var inFlight, peak int32
	var mu sync.Mutex

	g := graph.NewStateGraph[testState](testSchema{})
	g.AddNode("router", "", func(ctx context.Context, st testState) (graph.Result[testState], error) {
		sends := make([]graph.Send[testState], 8)
		for i := range sends {
			sends[i] = graph.Send[testState]{Node: "child", State: testState{Count: i}}
		}
		return graph.FanOut(sends...), nil
	})
	g.AddNode("child", "", func(ctx context.Context, st testState) (graph.Result[testState], error) {
		n := atomic.AddInt32(&inFlight, 1)
		mu.Lock()
		if n > peak {
			peak = n
		}
		mu.Unlock()
		time.Sleep(20 * time.Millisecond)
		atomic.AddInt32(&inFlight, -1)
		return graph.Update(testState{Count: 1}), nil
	})
	g.SetEntryPoint("router")
	g.AddEdge("child", graph.END)

	e, _ := newEngine(t, g, graph.Options{FanOutLimit: 2})

	_, err := e.Run(context.Background(), "t1", testState{}, nil)
	require.NoError(t, err)

	mu.Lock()
	defer mu.Unlock()
	assert.LessOrEqual(t, peak, int32(2))
}

func TestEngineInterruptAndResume(t *testing.T) {
	g := graph.NewStateGraph[testState](testSchema{})
	g.AddNode("gate", "", func(ctx context.Context, st testState) (graph.Result[testState], error) {
		val, err := graph.Interrupt(ctx, map[string]any{"question": "approve?"})
		if err != nil {
			return graph.Result[testState]{}, err
		}
		answer, _ := val.(string)
		return graph.Update(testState{Items: []string{answer}}), nil
	})
	g.SetEntryPoint("gate")
	g.AddEdge("gate", graph.END)

	e, st := newEngine(t, g, graph.Options{})

	out, err := e.Run(context.Background(), "t1", testState{}, nil)
	require.NoError(t, err)
	require.Equal(t, graph.OutcomeInterrupted, out.Status)
	require.NotNil(t, out.Interrupt)
	assert.Equal(t, "gate", out.Interrupt.Node)

	// The interrupted checkpoint keeps the node in the frontier and carries
	// the interrupt payload.
	cp, err := st.LatestCheckpoint(context.Background(), "t1")
	require.NoError(t, err)
	assert.Equal(t, graph.CheckpointInterrupted, cp.Metadata[graph.MetaStatus])
	require.Len(t, cp.Pending, 1)
	assert.Equal(t, "gate", cp.Pending[0].Node)

	out, err = e.Run(context.Background(), "t1", testState{}, "yes")
	require.NoError(t, err)
	assert.Equal(t, graph.OutcomeCompleted, out.Status)
	assert.Equal(t, []string{"yes"}, out.State.Items)
}

func TestEngineFatalErrorLeavesFrontierForReplay(t *testing.T) {
	var aRuns, bRuns int32
	fail := true

	g := graph.NewStateGraph[testState](testSchema{})
	g.AddNode("a", "", func(ctx context.Context, st testState) (graph.Result[testState], error) {
		atomic.AddInt32(&aRuns, 1)
		return graph.Update(testState{Items: []string{"a"}}), nil
	})
	g.AddNode("b", "", func(ctx context.Context, st testState) (graph.Result[testState], error) {
		atomic.AddInt32(&bRuns, 1)
		if fail {
			return graph.Result[testState]{}, errors.New("boom")
		}
		return graph.Update(testState{Items: []string{"b"}}), nil
	})
	g.SetEntryPoint("a")
	g.AddEdge("a", "b")
	g.AddEdge("b", graph.END)

	e, _ := newEngine(t, g, graph.Options{})

	_, err := e.Run(context.Background(), "t1", testState{}, nil)
	require.Error(t, err)

	fail = false
	out, err := e.Run(context.Background(), "t1", testState{}, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, out.State.Items)

	// The replay re-entered only the failed node.
	assert.Equal(t, int32(1), atomic.LoadInt32(&aRuns))
	assert.Equal(t, int32(2), atomic.LoadInt32(&bRuns))
}

func TestEngineFanOutReplayRunsOnlyUnfinishedChildren(t *testing.T) {
	var executions sync.Map // item -> *int32
	fail := atomic.Bool{}
	fail.Store(true)

	count := func(item string) {
		v, _ := executions.LoadOrStore(item, new(int32))
		atomic.AddInt32(v.(*int32), 1)
	}
	executed := func(item string) int32 {
		v, ok := executions.Load(item)
		if !ok {
			return 0
		}
		return atomic.LoadInt32(v.(*int32))
	}

	g := graph.NewStateGraph[testState](testSchema{})
	g.AddNode("router", "", func(ctx context.Context, st testState) (graph.Result[testState], error) {
		return graph.FanOut(
			graph.Send[testState]{Node: "child", State: testState{Route: "x"}},
			graph.Send[testState]{Node: "child", State: testState{Route: "y"}},
			graph.Send[testState]{Node: "child", State: testState{Route: "z"}},
		), nil
	})
	g.AddNode("child", "", func(ctx context.Context, st testState) (graph.Result[testState], error) {
		count(st.Route)
		if st.Route == "y" && fail.Load() {
			return graph.Result[testState]{}, errors.New("child crashed")
		}
		return graph.Update(testState{Items: []string{st.Route}}), nil
	})
	g.SetEntryPoint("router")
	g.AddEdge("child", graph.END)

	// Serial children make the wave deterministic: x and z complete and are
	// checkpointed out of the frontier before the error surfaces.
	e, _ := newEngine(t, g, graph.Options{FanOutLimit: 1})

	_, err := e.Run(context.Background(), "t1", testState{}, nil)
	require.Error(t, err)

	fail.Store(false)
	out, err := e.Run(context.Background(), "t1", testState{}, nil)
	require.NoError(t, err)

	got := append([]string(nil), out.State.Items...)
	sort.Strings(got)
	assert.Equal(t, []string{"x", "y", "z"}, got)

	// Completed children never re-ran; only the failed one did.
	assert.Equal(t, int32(1), executed("x"))
	assert.Equal(t, int32(2), executed("y"))
}

func TestEngineCancellationStopsAtNodeBoundary(t *testing.T) {
	var cancelAfterFirst atomic.Bool
	var ranSecond atomic.Bool

	g := graph.NewStateGraph[testState](testSchema{})
	g.AddNode("a", "", func(ctx context.Context, st testState) (graph.Result[testState], error) {
		cancelAfterFirst.Store(true)
		return graph.Update(testState{Items: []string{"a"}}), nil
	})
	g.AddNode("b", "", func(ctx context.Context, st testState) (graph.Result[testState], error) {
		ranSecond.Store(true)
		return graph.Update(testState{Items: []string{"b"}}), nil
	})
	g.SetEntryPoint("a")
	g.AddEdge("a", "b")
	g.AddEdge("b", graph.END)

	st := memory.NewMemoryStore()
	e, err := graph.NewEngine(g, st, graph.Options{
		CancelCheck: func(ctx context.Context) (bool, error) {
			return cancelAfterFirst.Load(), nil
		},
	})
	require.NoError(t, err)

	out, err := e.Run(context.Background(), "t1", testState{}, nil)
	require.NoError(t, err)
	assert.Equal(t, graph.OutcomeCancelled, out.Status)
	assert.False(t, ranSecond.Load())

	cp, err := st.LatestCheckpoint(context.Background(), "t1")
	require.NoError(t, err)
	assert.Equal(t, graph.CheckpointCancelled, cp.Metadata[graph.MetaStatus])
}

func TestEngineNodeTimeout(t *testing.T) {
	g := graph.NewStateGraph[testState](testSchema{})
	g.AddNode("slow", "", func(ctx context.Context, st testState) (graph.Result[testState], error) {
		select {
		case <-time.After(time.Second):
			return graph.Update(testState{}), nil
		case <-ctx.Done():
			return graph.Result[testState]{}, ctx.Err()
		}
	}, graph.WithTimeout[testState](30*time.Millisecond))
	g.SetEntryPoint("slow")
	g.AddEdge("slow", graph.END)

	e, _ := newEngine(t, g, graph.Options{})

	_, err := e.Run(context.Background(), "t1", testState{}, nil)
	require.Error(t, err)
	assert.Equal(t, fault.KindTimeout, fault.KindOf(err))
}

func TestEngineZeroRegionGotoSkipsNode(t *testing.T) {
	g := graph.NewStateGraph[testState](testSchema{})
	g.AddNode("router", "", func(ctx context.Context, st testState) (graph.Result[testState], error) {
		return graph.Goto("late", testState{Items: []string{"router"}}), nil
	})
	g.AddNode("skipped", "", appendNode("skipped"))
	g.AddNode("late", "", appendNode("late"))
	g.SetEntryPoint("router")
	g.AddEdge("router", "skipped")
	g.AddEdge("skipped", "late")
	g.AddEdge("late", graph.END)

	e, _ := newEngine(t, g, graph.Options{})

	out, err := e.Run(context.Background(), "t1", testState{}, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"router", "late"}, out.State.Items)
}
