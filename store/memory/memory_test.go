package memory

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/smallnest/gradeflow/graph"
	"github.com/smallnest/gradeflow/store"
)

func newRun(id string) *store.Run {
	return &store.Run{
		ID:           id,
		GraphName:    "ExamPaper",
		Status:       store.StatusPending,
		InputPayload: map[string]any{"submission_id": id},
	}
}

func TestCreateAndGetRun(t *testing.T) {
	m := NewMemoryStore()
	ctx := context.Background()

	require.NoError(t, m.CreateRun(ctx, newRun("r1")))

	got, err := m.GetRun(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, store.StatusPending, got.Status)
	assert.False(t, got.CreatedAt.IsZero())

	_, err = m.GetRun(ctx, "nope")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestIdempotencyKeyUniqueness(t *testing.T) {
	m := NewMemoryStore()
	ctx := context.Background()

	first := newRun("r1")
	first.IdempotencyKey = "k1"
	require.NoError(t, m.CreateRun(ctx, first))

	second := newRun("r2")
	second.IdempotencyKey = "k1"
	assert.ErrorIs(t, m.CreateRun(ctx, second), store.ErrDuplicateIdempotencyKey)

	found, err := m.FindRunByIdempotencyKey(ctx, "k1")
	require.NoError(t, err)
	assert.Equal(t, "r1", found.ID)
}

func TestClaimPendingOldestFirst(t *testing.T) {
	m := NewMemoryStore()
	ctx := context.Background()

	early := newRun("early")
	early.CreatedAt = time.Now().Add(-time.Hour)
	require.NoError(t, m.CreateRun(ctx, early))
	require.NoError(t, m.CreateRun(ctx, newRun("late")))

	claimed, err := m.ClaimPending(ctx, "w1", 30*time.Second)
	require.NoError(t, err)
	require.NotNil(t, claimed)
	assert.Equal(t, "early", claimed.ID)
	assert.Equal(t, store.StatusRunning, claimed.Status)
	assert.Equal(t, "w1", claimed.ClaimedBy)

	claimed, err = m.ClaimPending(ctx, "w2", 30*time.Second)
	require.NoError(t, err)
	require.NotNil(t, claimed)
	assert.Equal(t, "late", claimed.ID)

	claimed, err = m.ClaimPending(ctx, "w3", 30*time.Second)
	require.NoError(t, err)
	assert.Nil(t, claimed)
}

func TestExtendLeaseRequiresHolder(t *testing.T) {
	m := NewMemoryStore()
	ctx := context.Background()

	require.NoError(t, m.CreateRun(ctx, newRun("r1")))
	_, err := m.ClaimPending(ctx, "w1", time.Second)
	require.NoError(t, err)

	assert.NoError(t, m.ExtendLease(ctx, "r1", "w1", time.Minute))
	assert.ErrorIs(t, m.ExtendLease(ctx, "r1", "intruder", time.Minute), store.ErrNotClaimed)
}

func TestReleaseClaimRequeuesHeldRun(t *testing.T) {
	m := NewMemoryStore()
	ctx := context.Background()

	require.NoError(t, m.CreateRun(ctx, newRun("r1")))
	_, err := m.ClaimPending(ctx, "w1", time.Minute)
	require.NoError(t, err)

	assert.ErrorIs(t, m.ReleaseClaim(ctx, "r1", "intruder"), store.ErrNotClaimed)
	require.NoError(t, m.ReleaseClaim(ctx, "r1", "w1"))

	r, err := m.GetRun(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, store.StatusPending, r.Status)
	assert.Empty(t, r.ClaimedBy)

	// No longer RUNNING, so a second release has nothing to give back.
	assert.ErrorIs(t, m.ReleaseClaim(ctx, "r1", "w1"), store.ErrNotClaimed)
}

func TestReleaseClaimKeepsResumePayload(t *testing.T) {
	m := NewMemoryStore()
	ctx := context.Background()

	require.NoError(t, m.CreateRun(ctx, newRun("r1")))
	_, err := m.ClaimPending(ctx, "w1", time.Minute)
	require.NoError(t, err)
	require.NoError(t, m.PauseRun(ctx, "r1"))
	require.NoError(t, m.AttachResume(ctx, "r1", map[string]any{"action": "APPROVE"}))

	claimed, err := m.ClaimPending(ctx, "w1", time.Minute)
	require.NoError(t, err)
	require.NotNil(t, claimed)
	require.NoError(t, m.ReleaseClaim(ctx, "r1", "w1"))

	// The next claimant sees the same resume payload this worker saw.
	r, err := m.GetRun(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, "APPROVE", r.ResumePayload["action"])
}

func TestRequeueExpiredResetsOnlyExpiredLeases(t *testing.T) {
	m := NewMemoryStore()
	ctx := context.Background()

	require.NoError(t, m.CreateRun(ctx, newRun("expired")))
	require.NoError(t, m.CreateRun(ctx, newRun("healthy")))

	_, err := m.ClaimPending(ctx, "w1", -time.Second) // already expired
	require.NoError(t, err)
	_, err = m.ClaimPending(ctx, "w2", time.Hour)
	require.NoError(t, err)

	n, err := m.RequeueExpired(ctx, time.Now())
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	r, err := m.GetRun(ctx, "expired")
	require.NoError(t, err)
	assert.Equal(t, store.StatusPending, r.Status)
	assert.Empty(t, r.ClaimedBy)

	r, err = m.GetRun(ctx, "healthy")
	require.NoError(t, err)
	assert.Equal(t, store.StatusRunning, r.Status)
}

func TestCancelLifecycle(t *testing.T) {
	m := NewMemoryStore()
	ctx := context.Background()

	// PENDING cancels immediately.
	require.NoError(t, m.CreateRun(ctx, newRun("r1")))
	ok, err := m.MarkCancelRequested(ctx, "r1")
	require.NoError(t, err)
	assert.True(t, ok)

	r, _ := m.GetRun(ctx, "r1")
	assert.Equal(t, store.StatusCancelled, r.Status)
	require.NotNil(t, r.CompletedAt)

	// Terminal runs report false, idempotently.
	ok, err = m.MarkCancelRequested(ctx, "r1")
	require.NoError(t, err)
	assert.False(t, ok)

	// RUNNING runs only get the flag.
	require.NoError(t, m.CreateRun(ctx, newRun("r2")))
	_, err = m.ClaimPending(ctx, "w1", time.Minute)
	require.NoError(t, err)
	ok, err = m.MarkCancelRequested(ctx, "r2")
	require.NoError(t, err)
	assert.True(t, ok)

	r, _ = m.GetRun(ctx, "r2")
	assert.Equal(t, store.StatusRunning, r.Status)
	assert.True(t, r.CancelRequested)
}

func TestPauseAttachResumeCycle(t *testing.T) {
	m := NewMemoryStore()
	ctx := context.Background()

	require.NoError(t, m.CreateRun(ctx, newRun("r1")))
	_, err := m.ClaimPending(ctx, "w1", time.Minute)
	require.NoError(t, err)

	// Resume is only valid while paused.
	err = m.AttachResume(ctx, "r1", map[string]any{"event_type": "review_signal"})
	assert.ErrorIs(t, err, store.ErrNotPaused)

	require.NoError(t, m.PauseRun(ctx, "r1"))
	r, _ := m.GetRun(ctx, "r1")
	assert.Equal(t, store.StatusPaused, r.Status)
	assert.Empty(t, r.ClaimedBy)

	require.NoError(t, m.AttachResume(ctx, "r1", map[string]any{"event_type": "review_signal"}))
	r, _ = m.GetRun(ctx, "r1")
	assert.Equal(t, store.StatusPending, r.Status)
	assert.Equal(t, "review_signal", r.ResumePayload["event_type"])
}

func TestFinishRunStampsTerminalState(t *testing.T) {
	m := NewMemoryStore()
	ctx := context.Background()

	require.NoError(t, m.CreateRun(ctx, newRun("r1")))
	require.NoError(t, m.FinishRun(ctx, "r1", store.StatusCompleted, map[string]any{"total_score": 9.5}, ""))

	r, err := m.GetRun(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, store.StatusCompleted, r.Status)
	require.NotNil(t, r.CompletedAt)
	assert.Equal(t, 9.5, r.OutputPayload["total_score"])
}

func TestAttemptNumbersAreDense(t *testing.T) {
	m := NewMemoryStore()
	ctx := context.Background()

	require.NoError(t, m.CreateRun(ctx, newRun("r1")))

	a1, err := m.CreateAttempt(ctx, "r1")
	require.NoError(t, err)
	a2, err := m.CreateAttempt(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, 1, a1.Number)
	assert.Equal(t, 2, a2.Number)

	require.NoError(t, m.CompleteAttempt(ctx, a1.ID, store.StatusFailed, "boom"))

	attempts, err := m.ListAttempts(ctx, "r1")
	require.NoError(t, err)
	require.Len(t, attempts, 2)
	assert.Equal(t, store.StatusFailed, attempts[0].Status)
	assert.NotNil(t, attempts[0].CompletedAt)
	assert.Nil(t, attempts[1].CompletedAt)
}

func TestListRunsFilterAndPagination(t *testing.T) {
	m := NewMemoryStore()
	ctx := context.Background()

	for i, id := range []string{"r1", "r2", "r3"} {
		r := newRun(id)
		r.CreatedAt = time.Now().Add(time.Duration(i) * time.Minute)
		require.NoError(t, m.CreateRun(ctx, r))
	}
	require.NoError(t, m.FinishRun(ctx, "r2", store.StatusFailed, nil, "x"))

	failed, err := m.ListRuns(ctx, store.RunFilter{Statuses: []store.RunStatus{store.StatusFailed}})
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.Equal(t, "r2", failed[0].ID)

	page, err := m.ListRuns(ctx, store.RunFilter{Limit: 2})
	require.NoError(t, err)
	require.Len(t, page, 2)
	// Newest first.
	assert.Equal(t, "r3", page[0].ID)

	rest, err := m.ListRuns(ctx, store.RunFilter{Limit: 2, Offset: 2})
	require.NoError(t, err)
	require.Len(t, rest, 1)
	assert.Equal(t, "r1", rest[0].ID)
}

func TestCheckpointChain(t *testing.T) {
	m := NewMemoryStore()
	ctx := context.Background()

	cp, err := m.LatestCheckpoint(ctx, "t1")
	require.NoError(t, err)
	assert.Nil(t, cp)

	for i, id := range []string{"c1", "c2", "c3"} {
		parent := ""
		if i > 0 {
			parent = "c" + string(rune('0'+i))
		}
		require.NoError(t, m.SaveCheckpoint(ctx, &graph.Checkpoint{
			ThreadID: "t1",
			ID:       id,
			ParentID: parent,
			State:    json.RawMessage(`{}`),
		}))
	}

	cp, err = m.LatestCheckpoint(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, "c3", cp.ID)

	all, err := m.ListCheckpoints(ctx, "t1")
	require.NoError(t, err)
	assert.Len(t, all, 3)

	removed, err := m.PruneCheckpoints(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, 2, removed)

	all, err = m.ListCheckpoints(ctx, "t1")
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, "c3", all[0].ID)
}
