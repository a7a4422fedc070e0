// Package memory provides an in-memory Store used by tests and examples.
// All mutations run under one mutex, which gives the same atomicity the SQL
// backends get from transactions.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/smallnest/gradeflow/graph"
	"github.com/smallnest/gradeflow/store"
)

// MemoryStore implements store.Store with process-local maps.
type MemoryStore struct {
	mu sync.Mutex

	runs        map[string]*store.Run
	byIdemKey   map[string]string // idempotency key -> run ID
	attempts    map[string][]*store.Attempt
	checkpoints map[string][]*graph.Checkpoint // thread ID -> ordered by creation
}

var _ store.Store = (*MemoryStore)(nil)

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		runs:        make(map[string]*store.Run),
		byIdemKey:   make(map[string]string),
		attempts:    make(map[string][]*store.Attempt),
		checkpoints: make(map[string][]*graph.Checkpoint),
	}
}

func copyRun(r *store.Run) *store.Run {
	c := *r
	if r.CompletedAt != nil {
		t := *r.CompletedAt
		c.CompletedAt = &t
	}
	return &c
}

// CreateRun inserts a run, enforcing idempotency-key uniqueness.
func (m *MemoryStore) CreateRun(_ context.Context, run *store.Run) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if run.IdempotencyKey != "" {
		if _, exists := m.byIdemKey[run.IdempotencyKey]; exists {
			return store.ErrDuplicateIdempotencyKey
		}
	}

	now := time.Now().UTC()
	r := copyRun(run)
	if r.CreatedAt.IsZero() {
		r.CreatedAt = now
	}
	r.UpdatedAt = now

	m.runs[r.ID] = r
	if r.IdempotencyKey != "" {
		m.byIdemKey[r.IdempotencyKey] = r.ID
	}
	return nil
}

// GetRun returns a copy of the run.
func (m *MemoryStore) GetRun(_ context.Context, runID string) (*store.Run, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.runs[runID]
	if !ok {
		return nil, store.ErrNotFound
	}
	return copyRun(r), nil
}

// FindRunByIdempotencyKey returns the run holding the key.
func (m *MemoryStore) FindRunByIdempotencyKey(_ context.Context, key string) (*store.Run, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	id, ok := m.byIdemKey[key]
	if !ok {
		return nil, store.ErrNotFound
	}
	return copyRun(m.runs[id]), nil
}

// ListRuns returns runs matching the filter, newest first.
func (m *MemoryStore) ListRuns(_ context.Context, filter store.RunFilter) ([]*store.Run, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var matched []*store.Run
	for _, r := range m.runs {
		if filter.GraphName != "" && r.GraphName != filter.GraphName {
			continue
		}
		if len(filter.Statuses) > 0 {
			ok := false
			for _, s := range filter.Statuses {
				if r.Status == s {
					ok = true
					break
				}
			}
			if !ok {
				continue
			}
		}
		if !filter.CreatedAfter.IsZero() && r.CreatedAt.Before(filter.CreatedAfter) {
			continue
		}
		if !filter.CreatedBefore.IsZero() && !r.CreatedAt.Before(filter.CreatedBefore) {
			continue
		}
		matched = append(matched, copyRun(r))
	}

	sort.Slice(matched, func(i, j int) bool {
		if matched[i].CreatedAt.Equal(matched[j].CreatedAt) {
			return matched[i].ID > matched[j].ID
		}
		return matched[i].CreatedAt.After(matched[j].CreatedAt)
	})

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	if filter.Offset >= len(matched) {
		return nil, nil
	}
	matched = matched[filter.Offset:]
	if len(matched) > limit {
		matched = matched[:limit]
	}
	return matched, nil
}

// ClaimPending claims the oldest PENDING run for the worker.
func (m *MemoryStore) ClaimPending(_ context.Context, workerID string, lease time.Duration) (*store.Run, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var oldest *store.Run
	for _, r := range m.runs {
		if r.Status != store.StatusPending {
			continue
		}
		if oldest == nil || r.CreatedAt.Before(oldest.CreatedAt) {
			oldest = r
		}
	}
	if oldest == nil {
		return nil, nil
	}

	now := time.Now().UTC()
	oldest.Status = store.StatusRunning
	oldest.ClaimedBy = workerID
	oldest.ClaimedUntil = now.Add(lease)
	oldest.UpdatedAt = now
	return copyRun(oldest), nil
}

// ExtendLease pushes claimed_until forward for the holding worker.
func (m *MemoryStore) ExtendLease(_ context.Context, runID, workerID string, lease time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.runs[runID]
	if !ok {
		return store.ErrNotFound
	}
	if r.Status != store.StatusRunning || r.ClaimedBy != workerID {
		return store.ErrNotClaimed
	}
	now := time.Now().UTC()
	r.ClaimedUntil = now.Add(lease)
	r.UpdatedAt = now
	return nil
}

// ReleaseClaim puts a RUNNING run held by the worker back to PENDING,
// keeping its resume payload.
func (m *MemoryStore) ReleaseClaim(_ context.Context, runID, workerID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.runs[runID]
	if !ok {
		return store.ErrNotFound
	}
	if r.Status != store.StatusRunning || r.ClaimedBy != workerID {
		return store.ErrNotClaimed
	}
	r.Status = store.StatusPending
	r.ClaimedBy = ""
	r.ClaimedUntil = time.Time{}
	r.UpdatedAt = time.Now().UTC()
	return nil
}

// MarkCancelRequested sets the cancel flag; PENDING/PAUSED runs cancel
// immediately.
func (m *MemoryStore) MarkCancelRequested(_ context.Context, runID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.runs[runID]
	if !ok {
		return false, store.ErrNotFound
	}
	if r.Status.Terminal() {
		return false, nil
	}

	now := time.Now().UTC()
	r.CancelRequested = true
	r.UpdatedAt = now
	if r.Status == store.StatusPending || r.Status == store.StatusPaused {
		r.Status = store.StatusCancelled
		r.CompletedAt = &now
		r.ClaimedBy = ""
		r.ClaimedUntil = time.Time{}
	}
	return true, nil
}

// AttachResume stores the resume payload and re-queues a PAUSED run.
func (m *MemoryStore) AttachResume(_ context.Context, runID string, resume map[string]any) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.runs[runID]
	if !ok {
		return store.ErrNotFound
	}
	if r.Status != store.StatusPaused {
		return store.ErrNotPaused
	}
	r.ResumePayload = resume
	r.Status = store.StatusPending
	r.UpdatedAt = time.Now().UTC()
	return nil
}

// PauseRun transitions RUNNING to PAUSED and releases the claim.
func (m *MemoryStore) PauseRun(_ context.Context, runID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.runs[runID]
	if !ok {
		return store.ErrNotFound
	}
	r.Status = store.StatusPaused
	r.ClaimedBy = ""
	r.ClaimedUntil = time.Time{}
	r.ResumePayload = nil
	r.UpdatedAt = time.Now().UTC()
	return nil
}

// FinishRun transitions a run to a terminal status.
func (m *MemoryStore) FinishRun(_ context.Context, runID string, status store.RunStatus, output map[string]any, errMsg string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.runs[runID]
	if !ok {
		return store.ErrNotFound
	}
	now := time.Now().UTC()
	r.Status = status
	r.OutputPayload = output
	r.Error = errMsg
	r.ClaimedBy = ""
	r.ClaimedUntil = time.Time{}
	r.ResumePayload = nil
	r.UpdatedAt = now
	if status.Terminal() {
		r.CompletedAt = &now
	}
	return nil
}

// RequeueExpired resets RUNNING runs with an expired lease back to PENDING.
func (m *MemoryStore) RequeueExpired(_ context.Context, now time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	count := 0
	for _, r := range m.runs {
		if r.Status == store.StatusRunning && !r.ClaimedUntil.IsZero() && r.ClaimedUntil.Before(now) {
			r.Status = store.StatusPending
			r.ClaimedBy = ""
			r.ClaimedUntil = time.Time{}
			r.UpdatedAt = time.Now().UTC()
			count++
		}
	}
	return count, nil
}

// CreateAttempt opens the next attempt for a run.
func (m *MemoryStore) CreateAttempt(_ context.Context, runID string) (*store.Attempt, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.runs[runID]; !ok {
		return nil, store.ErrNotFound
	}

	a := &store.Attempt{
		ID:        uuid.New().String(),
		RunID:     runID,
		Number:    len(m.attempts[runID]) + 1,
		Status:    store.StatusRunning,
		StartedAt: time.Now().UTC(),
	}
	m.attempts[runID] = append(m.attempts[runID], a)

	c := *a
	return &c, nil
}

// CompleteAttempt closes an attempt.
func (m *MemoryStore) CompleteAttempt(_ context.Context, attemptID string, status store.RunStatus, errMsg string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, attempts := range m.attempts {
		for _, a := range attempts {
			if a.ID == attemptID {
				now := time.Now().UTC()
				a.Status = status
				a.Error = errMsg
				a.CompletedAt = &now
				return nil
			}
		}
	}
	return store.ErrNotFound
}

// ListAttempts returns attempts ordered by number.
func (m *MemoryStore) ListAttempts(_ context.Context, runID string) ([]*store.Attempt, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	attempts := m.attempts[runID]
	out := make([]*store.Attempt, 0, len(attempts))
	for _, a := range attempts {
		c := *a
		out = append(out, &c)
	}
	return out, nil
}

// SaveCheckpoint appends a checkpoint to the thread's chain.
func (m *MemoryStore) SaveCheckpoint(_ context.Context, cp *graph.Checkpoint) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	c := *cp
	m.checkpoints[cp.ThreadID] = append(m.checkpoints[cp.ThreadID], &c)
	return nil
}

// LatestCheckpoint returns the newest checkpoint or nil.
func (m *MemoryStore) LatestCheckpoint(_ context.Context, threadID string) (*graph.Checkpoint, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	chain := m.checkpoints[threadID]
	if len(chain) == 0 {
		return nil, nil
	}
	c := *chain[len(chain)-1]
	return &c, nil
}

// ListCheckpoints returns the thread's checkpoints in creation order.
func (m *MemoryStore) ListCheckpoints(_ context.Context, threadID string) ([]*graph.Checkpoint, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	chain := m.checkpoints[threadID]
	out := make([]*graph.Checkpoint, 0, len(chain))
	for _, cp := range chain {
		c := *cp
		out = append(out, &c)
	}
	return out, nil
}

// PruneCheckpoints removes all but the latest checkpoint of a thread.
func (m *MemoryStore) PruneCheckpoints(_ context.Context, threadID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	chain := m.checkpoints[threadID]
	if len(chain) <= 1 {
		return 0, nil
	}
	removed := len(chain) - 1
	m.checkpoints[threadID] = []*graph.Checkpoint{chain[len(chain)-1]}
	return removed, nil
}
