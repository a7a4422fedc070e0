// Package orchestrator is the public façade of the grading platform. It
// creates and inspects runs; it never executes graphs itself. Execution
// belongs to the worker pool, which shares only the store with this layer.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/smallnest/gradeflow/cache"
	"github.com/smallnest/gradeflow/fault"
	"github.com/smallnest/gradeflow/graph"
	"github.com/smallnest/gradeflow/log"
	"github.com/smallnest/gradeflow/store"
)

var (
	// ErrIdempotencyConflict is returned by StartRun when the idempotency key
	// is already held by a run with a different payload.
	ErrIdempotencyConflict = errors.New("idempotency key reused with a different payload")

	// ErrNotFailed is returned by Retry when the run is not FAILED.
	ErrNotFailed = errors.New("run is not in FAILED state")

	// ErrUnknownGraph is returned by StartRun for an unregistered graph name.
	ErrUnknownGraph = errors.New("unknown graph name")
)

// GraphDirectory answers which graph names can be started. The worker
// registry implements it.
type GraphDirectory interface {
	HasGraph(name string) bool
}

// RunInfo is the external view of a run.
type RunInfo struct {
	RunID            string         `json:"run_id"`
	GraphName        string         `json:"graph_name"`
	Status           store.RunStatus `json:"status"`
	ProgressStage    string         `json:"progress_stage,omitempty"`
	ProgressFraction float64        `json:"progress_fraction,omitempty"`
	Error            string         `json:"error,omitempty"`
	CreatedAt        time.Time      `json:"created_at"`
	UpdatedAt        time.Time      `json:"updated_at"`
	CompletedAt      *time.Time     `json:"completed_at,omitempty"`
}

// Orchestrator implements the run-facing API over a Store.
type Orchestrator struct {
	store  store.Store
	graphs GraphDirectory
	logger log.Logger
}

// New creates an orchestrator.
func New(st store.Store, graphs GraphDirectory, logger log.Logger) *Orchestrator {
	if logger == nil {
		logger = log.Nop{}
	}
	return &Orchestrator{store: st, graphs: graphs, logger: logger}
}

// StartRun creates a new PENDING run and returns its ID. With an idempotency
// key, a repeat call with the same payload returns the original run ID; a
// repeat with a different payload fails with ErrIdempotencyConflict. The
// unique constraint in the store serializes concurrent calls, so exactly one
// row wins and every caller converges on it.
func (o *Orchestrator) StartRun(ctx context.Context, graphName string, payload map[string]any, idempotencyKey string) (string, error) {
	if o.graphs != nil && !o.graphs.HasGraph(graphName) {
		return "", fmt.Errorf("%w: %q", ErrUnknownGraph, graphName)
	}
	if payload == nil {
		return "", fault.Invalid(errors.New("payload must not be nil"))
	}

	fingerprint, err := cache.PayloadFingerprint(payload)
	if err != nil {
		return "", fault.Invalid(fmt.Errorf("payload is not serializable: %w", err))
	}

	run := &store.Run{
		ID:                 uuid.New().String(),
		GraphName:          graphName,
		Status:             store.StatusPending,
		InputPayload:       payload,
		IdempotencyKey:     idempotencyKey,
		PayloadFingerprint: fingerprint,
	}

	err = o.store.CreateRun(ctx, run)
	if errors.Is(err, store.ErrDuplicateIdempotencyKey) {
		existing, lookupErr := o.store.FindRunByIdempotencyKey(ctx, idempotencyKey)
		if lookupErr != nil {
			return "", fmt.Errorf("failed to resolve idempotency key: %w", lookupErr)
		}
		if existing.PayloadFingerprint != fingerprint {
			return "", ErrIdempotencyConflict
		}
		o.logger.Debug("start_run deduplicated onto run %s via key %q", existing.ID, idempotencyKey)
		return existing.ID, nil
	}
	if err != nil {
		return "", err
	}

	o.logger.Info("run %s created for graph %s", run.ID, graphName)
	return run.ID, nil
}

// GetStatus returns the run's current view, including progress from the most
// recently committed checkpoint.
func (o *Orchestrator) GetStatus(ctx context.Context, runID string) (*RunInfo, error) {
	run, err := o.store.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}

	info := runInfo(run)

	cp, err := o.store.LatestCheckpoint(ctx, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to read latest checkpoint: %w", err)
	}
	if cp != nil {
		if stage, ok := cp.Metadata[graph.MetaProgressStage].(string); ok {
			info.ProgressStage = stage
		}
		if frac, ok := cp.Metadata[graph.MetaProgressFraction].(float64); ok {
			info.ProgressFraction = frac
		}
	}
	return info, nil
}

// Cancel requests cancellation. Returns false when the run was already
// terminal. A PENDING or PAUSED run cancels immediately; a RUNNING run stops
// at the next node boundary.
func (o *Orchestrator) Cancel(ctx context.Context, runID string) (bool, error) {
	ok, err := o.store.MarkCancelRequested(ctx, runID)
	if err != nil {
		return false, err
	}
	if ok {
		o.logger.Info("cancel requested for run %s", runID)
	}
	return ok, nil
}

// Retry starts a fresh run over the same graph and input as a FAILED run.
// The old run stays FAILED; the new run gets its own ID and no idempotency
// key.
func (o *Orchestrator) Retry(ctx context.Context, runID string) (string, error) {
	run, err := o.store.GetRun(ctx, runID)
	if err != nil {
		return "", err
	}
	if run.Status != store.StatusFailed {
		return "", fmt.Errorf("%w: run %s is %s", ErrNotFailed, runID, run.Status)
	}

	fresh := &store.Run{
		ID:                 uuid.New().String(),
		GraphName:          run.GraphName,
		Status:             store.StatusPending,
		InputPayload:       run.InputPayload,
		PayloadFingerprint: run.PayloadFingerprint,
	}
	if err := o.store.CreateRun(ctx, fresh); err != nil {
		return "", err
	}

	o.logger.Info("run %s retried as %s", runID, fresh.ID)
	return fresh.ID, nil
}

// ListRuns returns runs matching the filter, newest first.
func (o *Orchestrator) ListRuns(ctx context.Context, filter store.RunFilter) ([]*RunInfo, error) {
	runs, err := o.store.ListRuns(ctx, filter)
	if err != nil {
		return nil, err
	}
	infos := make([]*RunInfo, 0, len(runs))
	for _, r := range runs {
		infos = append(infos, runInfo(r))
	}
	return infos, nil
}

// SendEvent delivers an external event to a PAUSED run. The payload becomes
// the run's resume value and the run re-enters the PENDING queue; the next
// claimant resumes the suspended node with it.
func (o *Orchestrator) SendEvent(ctx context.Context, runID, eventType string, eventData map[string]any) (bool, error) {
	resume := map[string]any{
		"event_type": eventType,
		"event_data": eventData,
	}
	if err := o.store.AttachResume(ctx, runID, resume); err != nil {
		return false, err
	}
	o.logger.Info("event %q delivered to run %s", eventType, runID)
	return true, nil
}

func runInfo(r *store.Run) *RunInfo {
	return &RunInfo{
		RunID:       r.ID,
		GraphName:   r.GraphName,
		Status:      r.Status,
		Error:       r.Error,
		CreatedAt:   r.CreatedAt,
		UpdatedAt:   r.UpdatedAt,
		CompletedAt: r.CompletedAt,
	}
}
