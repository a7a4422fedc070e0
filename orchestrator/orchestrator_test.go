package orchestrator

import (
	"context"
	"encoding/json"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/smallnest/gradeflow/graph"
	"github.com/smallnest/gradeflow/store"
	"github.com/smallnest/gradeflow/store/memory"
)

type allGraphs struct{}

func (allGraphs) HasGraph(string) bool { return true }

func newOrchestrator() (*Orchestrator, *memory.MemoryStore) {
	st := memory.NewMemoryStore()
	return New(st, allGraphs{}, nil), st
}

func examPayload() map[string]any {
	return map[string]any{
		"submission_id": "s1",
		"file_refs":     []any{"page1.png"},
		"rubric":        map[string]any{"q1": "full marks for 42"},
	}
}

func TestStartRunCreatesPendingRun(t *testing.T) {
	o, st := newOrchestrator()
	ctx := context.Background()

	runID, err := o.StartRun(ctx, "ExamPaper", examPayload(), "")
	require.NoError(t, err)
	require.NotEmpty(t, runID)

	run, err := st.GetRun(ctx, runID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusPending, run.Status)
	assert.Equal(t, "ExamPaper", run.GraphName)
	assert.NotEmpty(t, run.PayloadFingerprint)
}

func TestStartRunRejectsUnknownGraph(t *testing.T) {
	st := memory.NewMemoryStore()
	o := New(st, registryStub{known: "ExamPaper"}, nil)

	_, err := o.StartRun(context.Background(), "NoSuchGraph", examPayload(), "")
	assert.ErrorIs(t, err, ErrUnknownGraph)
}

type registryStub struct{ known string }

func (r registryStub) HasGraph(name string) bool { return name == r.known }

func TestStartRunIdempotentSameKeySamePayload(t *testing.T) {
	o, st := newOrchestrator()
	ctx := context.Background()

	first, err := o.StartRun(ctx, "ExamPaper", examPayload(), "key-1")
	require.NoError(t, err)
	second, err := o.StartRun(ctx, "ExamPaper", examPayload(), "key-1")
	require.NoError(t, err)
	assert.Equal(t, first, second)

	runs, err := st.ListRuns(ctx, store.RunFilter{})
	require.NoError(t, err)
	assert.Len(t, runs, 1)
}

func TestStartRunConcurrentSameKeyConvergesOnOneRun(t *testing.T) {
	o, st := newOrchestrator()
	ctx := context.Background()

	const callers = 16
	ids := make([]string, callers)
	errs := make([]error, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ids[i], errs[i] = o.StartRun(ctx, "ExamPaper", examPayload(), "key-1")
		}(i)
	}
	wg.Wait()

	for _, err := range errs {
		require.NoError(t, err)
	}
	for _, id := range ids {
		assert.Equal(t, ids[0], id)
	}

	runs, err := st.ListRuns(ctx, store.RunFilter{})
	require.NoError(t, err)
	assert.Len(t, runs, 1)
}

func TestStartRunIdempotencyConflictOnDifferentPayload(t *testing.T) {
	o, _ := newOrchestrator()
	ctx := context.Background()

	_, err := o.StartRun(ctx, "ExamPaper", examPayload(), "key-1")
	require.NoError(t, err)

	other := examPayload()
	other["submission_id"] = "s2"
	_, err = o.StartRun(ctx, "ExamPaper", other, "key-1")
	assert.ErrorIs(t, err, ErrIdempotencyConflict)
}

func TestGetStatusReflectsLatestCheckpoint(t *testing.T) {
	o, st := newOrchestrator()
	ctx := context.Background()

	runID, err := o.StartRun(ctx, "ExamPaper", examPayload(), "")
	require.NoError(t, err)

	require.NoError(t, st.SaveCheckpoint(ctx, &graph.Checkpoint{
		ThreadID: runID,
		ID:       "cp1",
		State:    json.RawMessage(`{}`),
		Metadata: map[string]any{
			graph.MetaStatus:           graph.CheckpointRunning,
			graph.MetaProgressStage:    "grading",
			graph.MetaProgressFraction: 0.3,
		},
	}))

	info, err := o.GetStatus(ctx, runID)
	require.NoError(t, err)
	assert.Equal(t, "grading", info.ProgressStage)
	assert.Equal(t, 0.3, info.ProgressFraction)
	assert.Equal(t, store.StatusPending, info.Status)

	_, err = o.GetStatus(ctx, "missing")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestCancel(t *testing.T) {
	o, st := newOrchestrator()
	ctx := context.Background()

	runID, err := o.StartRun(ctx, "ExamPaper", examPayload(), "")
	require.NoError(t, err)

	ok, err := o.Cancel(ctx, runID)
	require.NoError(t, err)
	assert.True(t, ok)

	run, _ := st.GetRun(ctx, runID)
	assert.Equal(t, store.StatusCancelled, run.Status)

	// Already terminal.
	ok, err = o.Cancel(ctx, runID)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRetryOnlyFailedRuns(t *testing.T) {
	o, st := newOrchestrator()
	ctx := context.Background()

	runID, err := o.StartRun(ctx, "ExamPaper", examPayload(), "key-1")
	require.NoError(t, err)

	_, err = o.Retry(ctx, runID)
	assert.ErrorIs(t, err, ErrNotFailed)

	require.NoError(t, st.FinishRun(ctx, runID, store.StatusFailed, nil, "segmentation failed"))

	newID, err := o.Retry(ctx, runID)
	require.NoError(t, err)
	assert.NotEqual(t, runID, newID)

	fresh, err := st.GetRun(ctx, newID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusPending, fresh.Status)
	assert.Equal(t, "ExamPaper", fresh.GraphName)
	// The retry is a fresh run: no idempotency key is carried over.
	assert.Empty(t, fresh.IdempotencyKey)
}

func TestSendEventRequiresPausedRun(t *testing.T) {
	o, st := newOrchestrator()
	ctx := context.Background()

	runID, err := o.StartRun(ctx, "ExamPaper", examPayload(), "")
	require.NoError(t, err)

	_, err = o.SendEvent(ctx, runID, "review_signal", map[string]any{"action": "APPROVE"})
	assert.ErrorIs(t, err, store.ErrNotPaused)

	_, err = st.ClaimPending(ctx, "w1", 0)
	require.NoError(t, err)
	require.NoError(t, st.PauseRun(ctx, runID))

	ok, err := o.SendEvent(ctx, runID, "review_signal", map[string]any{"action": "APPROVE"})
	require.NoError(t, err)
	assert.True(t, ok)

	run, _ := st.GetRun(ctx, runID)
	assert.Equal(t, store.StatusPending, run.Status)
	assert.Equal(t, "review_signal", run.ResumePayload["event_type"])
}
