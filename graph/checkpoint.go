package graph

import (
	"context"
	"encoding/json"
	"time"
)

// Task is one pending unit of work recorded in a checkpoint: the node to
// invoke and, for fan-out children, the serialized sub-state it runs over.
// The pending frontier doubles as the engine's intent record: a crash after
// a node started but before its post-state checkpoint committed leaves the
// previous checkpoint whose frontier still names the node, so replay
// re-invokes it from the post-previous-checkpoint state.
type Task struct {
	Node     string          `json:"node"`
	SubState json.RawMessage `json:"sub_state,omitempty"`
}

// Checkpoint is the engine's durable memory for one thread (= run): the
// merged state snapshot after a transition plus the frontier of tasks still
// to execute. Parent links form a tree ordered by creation.
type Checkpoint struct {
	ThreadID  string          `json:"thread_id"`
	ID        string          `json:"checkpoint_id"`
	ParentID  string          `json:"parent_checkpoint_id,omitempty"`
	State     json.RawMessage `json:"state_snapshot"`
	Pending   []Task          `json:"pending_tasks"`
	Metadata  map[string]any  `json:"metadata,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

// Metadata keys written by the engine.
const (
	MetaStatus           = "status"
	MetaNodes            = "nodes"
	MetaInterrupt        = "interrupt"
	MetaProgressStage    = "progress_stage"
	MetaProgressFraction = "progress_fraction"
)

// Checkpoint status values stored under MetaStatus.
const (
	CheckpointRunning     = "running"
	CheckpointInterrupted = "interrupted"
	CheckpointCancelled   = "cancelled"
	CheckpointCompleted   = "completed"
)

// Checkpointer persists checkpoints. Save must be atomic: either the whole
// checkpoint (state + pending frontier) is visible to a later Latest call or
// none of it is.
type Checkpointer interface {
	// SaveCheckpoint stores a checkpoint.
	SaveCheckpoint(ctx context.Context, cp *Checkpoint) error

	// LatestCheckpoint returns the most recent checkpoint for a thread, or
	// nil when the thread has none.
	LatestCheckpoint(ctx context.Context, threadID string) (*Checkpoint, error)
}
