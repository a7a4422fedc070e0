// Package store defines the authoritative persistence model for runs,
// attempts and checkpoints, and the Store interface its backends implement.
// The store is the single point of shared mutability: every update is one
// transaction, and workers are mutually excluded through claim leases.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/smallnest/gradeflow/graph"
)

// RunStatus is the lifecycle state of a run.
type RunStatus string

const (
	StatusPending   RunStatus = "PENDING"
	StatusRunning   RunStatus = "RUNNING"
	StatusPaused    RunStatus = "PAUSED"
	StatusCompleted RunStatus = "COMPLETED"
	StatusFailed    RunStatus = "FAILED"
	StatusCancelled RunStatus = "CANCELLED"
)

// Terminal reports whether the status admits no further transitions.
func (s RunStatus) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	default:
		return false
	}
}

var (
	// ErrNotFound is returned when a run, attempt or checkpoint does not exist.
	ErrNotFound = errors.New("not found")

	// ErrDuplicateIdempotencyKey is returned by CreateRun when another run
	// already holds the idempotency key.
	ErrDuplicateIdempotencyKey = errors.New("duplicate idempotency key")

	// ErrNotPaused is returned by AttachResume when the run is not PAUSED.
	ErrNotPaused = errors.New("run is not paused")

	// ErrNotClaimed is returned by lease operations when the run is not held
	// by the given worker.
	ErrNotClaimed = errors.New("run is not claimed by this worker")
)

// Run is one execution of one named graph. Its ID doubles as the engine's
// thread ID. Runs are created by the orchestrator, mutated by workers and by
// SendEvent/Cancel, and never deleted.
type Run struct {
	ID                 string
	GraphName          string
	Status             RunStatus
	InputPayload       map[string]any
	OutputPayload      map[string]any
	IdempotencyKey     string // "" when absent; globally unique when set
	PayloadFingerprint string // stable hash of InputPayload for conflict checks
	ClaimedBy          string
	ClaimedUntil       time.Time
	CancelRequested    bool
	ResumePayload      map[string]any // set by SendEvent while PAUSED
	Error              string
	CreatedAt          time.Time
	UpdatedAt          time.Time
	CompletedAt        *time.Time // non-nil iff status is terminal
}

// Attempt is one execution pass over a run, from claim to terminal state or
// suspension. Numbers are dense per run, starting at 1.
type Attempt struct {
	ID          string
	RunID       string
	Number      int
	Status      RunStatus
	Error       string
	StartedAt   time.Time
	CompletedAt *time.Time
}

// RunFilter selects runs for ListRuns. Zero fields are ignored.
type RunFilter struct {
	GraphName     string
	Statuses      []RunStatus
	CreatedAfter  time.Time
	CreatedBefore time.Time
	Limit         int // page size; backends default to 100 when 0
	Offset        int
}

// Store is the authoritative state store. Implementations must make every
// method a single atomic transaction. It embeds graph.Checkpointer so the
// engine persists through the same backend.
type Store interface {
	graph.Checkpointer

	// CreateRun inserts a new run row. When the run carries an idempotency
	// key held by an existing run, it returns ErrDuplicateIdempotencyKey
	// without inserting; insertion and key lookup are serialized by a
	// unique constraint, never by application locks.
	CreateRun(ctx context.Context, run *Run) error

	// GetRun returns the run or ErrNotFound.
	GetRun(ctx context.Context, runID string) (*Run, error)

	// FindRunByIdempotencyKey returns the run holding the key, or ErrNotFound.
	FindRunByIdempotencyKey(ctx context.Context, key string) (*Run, error)

	// ListRuns returns runs matching the filter, newest first.
	ListRuns(ctx context.Context, filter RunFilter) ([]*Run, error)

	// ClaimPending atomically claims one PENDING run for the worker: status
	// becomes RUNNING, claimed_by/claimed_until are stamped. Returns
	// (nil, nil) when nothing is pending. SQL backends use row locking
	// (FOR UPDATE SKIP LOCKED) so N workers make progress without contention.
	ClaimPending(ctx context.Context, workerID string, lease time.Duration) (*Run, error)

	// ExtendLease pushes claimed_until forward for a run held by workerID.
	ExtendLease(ctx context.Context, runID, workerID string, lease time.Duration) error

	// ReleaseClaim hands a RUNNING run held by workerID back to PENDING
	// without settling it. The resume payload is kept so the next claimant
	// sees exactly what this worker saw. Returns ErrNotClaimed when the run
	// is not held by the worker.
	ReleaseClaim(ctx context.Context, runID, workerID string) error

	// MarkCancelRequested sets the cancel flag. If the run is PENDING or
	// PAUSED it is cancelled immediately. Returns false when the run was
	// already terminal. Idempotent.
	MarkCancelRequested(ctx context.Context, runID string) (bool, error)

	// AttachResume writes the resume payload and flips a PAUSED run back to
	// PENDING. Returns ErrNotPaused otherwise.
	AttachResume(ctx context.Context, runID string, resume map[string]any) error

	// PauseRun transitions a RUNNING run to PAUSED, releasing the claim and
	// clearing any consumed resume payload.
	PauseRun(ctx context.Context, runID string) error

	// FinishRun transitions a run to a terminal status, stamps completed_at,
	// records output/error and releases the claim.
	FinishRun(ctx context.Context, runID string, status RunStatus, output map[string]any, errMsg string) error

	// RequeueExpired resets RUNNING runs whose lease expired back to
	// PENDING so the next claimant resumes from the last checkpoint. This is
	// the sole crash-recovery mechanism. Returns the number of runs reset.
	RequeueExpired(ctx context.Context, now time.Time) (int, error)

	// CreateAttempt opens a new attempt with the next dense number.
	CreateAttempt(ctx context.Context, runID string) (*Attempt, error)

	// CompleteAttempt closes an attempt with its outcome.
	CompleteAttempt(ctx context.Context, attemptID string, status RunStatus, errMsg string) error

	// ListAttempts returns a run's attempts ordered by number.
	ListAttempts(ctx context.Context, runID string) ([]*Attempt, error)

	// ListCheckpoints returns a thread's checkpoints ordered by creation.
	ListCheckpoints(ctx context.Context, threadID string) ([]*graph.Checkpoint, error)

	// PruneCheckpoints deletes all but the latest checkpoint of a thread.
	// The latest is always preserved for audit. Returns the number removed.
	PruneCheckpoints(ctx context.Context, threadID string) (int, error)
}
