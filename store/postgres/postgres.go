// Package postgres implements store.Store on PostgreSQL via pgx. Claims use
// FOR UPDATE SKIP LOCKED so multiple workers drain the pending queue without
// contention, and idempotency keys are enforced by a unique index rather
// than application locks.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/smallnest/gradeflow/graph"
	"github.com/smallnest/gradeflow/store"
)

// DBPool is the subset of pgxpool.Pool the store needs. It matches pgxmock,
// so unit tests run against a mock pool.
type DBPool interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Close()
}

// PostgresStore implements store.Store using PostgreSQL.
type PostgresStore struct {
	pool DBPool
}

var _ store.Store = (*PostgresStore)(nil)

// Options configures the Postgres connection.
type Options struct {
	ConnString string
}

// NewPostgresStore creates a store backed by a new pgx pool.
func NewPostgresStore(ctx context.Context, opts Options) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, opts.ConnString)
	if err != nil {
		return nil, fmt.Errorf("unable to create connection pool: %w", err)
	}
	return &PostgresStore{pool: pool}, nil
}

// NewPostgresStoreWithPool wraps an existing pool. Useful for testing with mocks.
func NewPostgresStoreWithPool(pool DBPool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// InitSchema creates the tables if they don't exist.
func (s *PostgresStore) InitSchema(ctx context.Context) error {
	query := `
		CREATE TABLE IF NOT EXISTS runs (
			run_id TEXT PRIMARY KEY,
			graph_name TEXT NOT NULL,
			status TEXT NOT NULL,
			input_payload JSONB,
			output_payload JSONB,
			idempotency_key TEXT,
			payload_fingerprint TEXT,
			claimed_by TEXT,
			claimed_until TIMESTAMPTZ,
			cancel_requested BOOLEAN NOT NULL DEFAULT FALSE,
			resume_payload JSONB,
			error TEXT,
			created_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL,
			completed_at TIMESTAMPTZ
		);
		CREATE UNIQUE INDEX IF NOT EXISTS idx_runs_idempotency_key
			ON runs (idempotency_key) WHERE idempotency_key IS NOT NULL;
		CREATE INDEX IF NOT EXISTS idx_runs_status_created ON runs (status, created_at);

		CREATE TABLE IF NOT EXISTS attempts (
			attempt_id TEXT PRIMARY KEY,
			run_id TEXT NOT NULL REFERENCES runs (run_id),
			attempt_number INTEGER NOT NULL,
			status TEXT NOT NULL,
			error TEXT,
			started_at TIMESTAMPTZ NOT NULL,
			completed_at TIMESTAMPTZ,
			UNIQUE (run_id, attempt_number)
		);

		CREATE TABLE IF NOT EXISTS checkpoints (
			thread_id TEXT NOT NULL,
			checkpoint_id TEXT NOT NULL,
			parent_checkpoint_id TEXT,
			state_snapshot JSONB NOT NULL,
			pending_tasks JSONB NOT NULL,
			metadata JSONB,
			created_at TIMESTAMPTZ NOT NULL,
			PRIMARY KEY (thread_id, checkpoint_id)
		);
		CREATE INDEX IF NOT EXISTS idx_checkpoints_thread_created
			ON checkpoints (thread_id, created_at);
	`
	if _, err := s.pool.Exec(ctx, query); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}
	return nil
}

// Close closes the connection pool.
func (s *PostgresStore) Close() {
	s.pool.Close()
}

const runColumns = `run_id, graph_name, status, input_payload, output_payload,
	idempotency_key, payload_fingerprint, claimed_by, claimed_until,
	cancel_requested, resume_payload, error, created_at, updated_at, completed_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (*store.Run, error) {
	var (
		r             store.Run
		inputJSON     []byte
		outputJSON    []byte
		resumeJSON    []byte
		idemKey       *string
		claimedBy     *string
		claimedUntil  *time.Time
		errMsg        *string
		fingerprint   *string
		completedAt   *time.Time
	)

	err := row.Scan(
		&r.ID, &r.GraphName, &r.Status, &inputJSON, &outputJSON,
		&idemKey, &fingerprint, &claimedBy, &claimedUntil,
		&r.CancelRequested, &resumeJSON, &errMsg, &r.CreatedAt, &r.UpdatedAt, &completedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, fmt.Errorf("failed to scan run: %w", err)
	}

	if idemKey != nil {
		r.IdempotencyKey = *idemKey
	}
	if fingerprint != nil {
		r.PayloadFingerprint = *fingerprint
	}
	if claimedBy != nil {
		r.ClaimedBy = *claimedBy
	}
	if claimedUntil != nil {
		r.ClaimedUntil = *claimedUntil
	}
	if errMsg != nil {
		r.Error = *errMsg
	}
	r.CompletedAt = completedAt

	if len(inputJSON) > 0 {
		if err := json.Unmarshal(inputJSON, &r.InputPayload); err != nil {
			return nil, fmt.Errorf("failed to unmarshal input payload: %w", err)
		}
	}
	if len(outputJSON) > 0 {
		if err := json.Unmarshal(outputJSON, &r.OutputPayload); err != nil {
			return nil, fmt.Errorf("failed to unmarshal output payload: %w", err)
		}
	}
	if len(resumeJSON) > 0 {
		if err := json.Unmarshal(resumeJSON, &r.ResumePayload); err != nil {
			return nil, fmt.Errorf("failed to unmarshal resume payload: %w", err)
		}
	}
	return &r, nil
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func marshalMap(m map[string]any) ([]byte, error) {
	if m == nil {
		return nil, nil
	}
	return json.Marshal(m)
}

// CreateRun inserts a run row. A unique-constraint violation on the
// idempotency key surfaces as store.ErrDuplicateIdempotencyKey.
func (s *PostgresStore) CreateRun(ctx context.Context, run *store.Run) error {
	inputJSON, err := marshalMap(run.InputPayload)
	if err != nil {
		return fmt.Errorf("failed to marshal input payload: %w", err)
	}

	now := time.Now().UTC()
	createdAt := run.CreatedAt
	if createdAt.IsZero() {
		createdAt = now
	}

	query := `
		INSERT INTO runs (run_id, graph_name, status, input_payload,
			idempotency_key, payload_fingerprint, cancel_requested, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, FALSE, $7, $8)
	`
	_, err = s.pool.Exec(ctx, query,
		run.ID, run.GraphName, string(run.Status), inputJSON,
		nullable(run.IdempotencyKey), nullable(run.PayloadFingerprint), createdAt, now,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return store.ErrDuplicateIdempotencyKey
		}
		return fmt.Errorf("failed to insert run: %w", err)
	}
	return nil
}

// GetRun returns a run by ID.
func (s *PostgresStore) GetRun(ctx context.Context, runID string) (*store.Run, error) {
	query := `SELECT ` + runColumns + ` FROM runs WHERE run_id = $1`
	return scanRun(s.pool.QueryRow(ctx, query, runID))
}

// FindRunByIdempotencyKey returns the run holding the key.
func (s *PostgresStore) FindRunByIdempotencyKey(ctx context.Context, key string) (*store.Run, error) {
	query := `SELECT ` + runColumns + ` FROM runs WHERE idempotency_key = $1`
	return scanRun(s.pool.QueryRow(ctx, query, key))
}

// ListRuns returns runs matching the filter, newest first.
func (s *PostgresStore) ListRuns(ctx context.Context, filter store.RunFilter) ([]*store.Run, error) {
	query := `SELECT ` + runColumns + ` FROM runs WHERE TRUE`
	var args []any
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	if filter.GraphName != "" {
		query += ` AND graph_name = ` + arg(filter.GraphName)
	}
	if len(filter.Statuses) > 0 {
		statuses := make([]string, 0, len(filter.Statuses))
		for _, st := range filter.Statuses {
			statuses = append(statuses, string(st))
		}
		query += ` AND status = ANY(` + arg(statuses) + `)`
	}
	if !filter.CreatedAfter.IsZero() {
		query += ` AND created_at >= ` + arg(filter.CreatedAfter)
	}
	if !filter.CreatedBefore.IsZero() {
		query += ` AND created_at < ` + arg(filter.CreatedBefore)
	}

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	query += ` ORDER BY created_at DESC, run_id DESC LIMIT ` + arg(limit) + ` OFFSET ` + arg(filter.Offset)

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer rows.Close()

	var runs []*store.Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating run rows: %w", err)
	}
	return runs, nil
}

// ClaimPending atomically claims the oldest PENDING run. SKIP LOCKED keeps
// concurrent claimants from blocking on the same row.
func (s *PostgresStore) ClaimPending(ctx context.Context, workerID string, lease time.Duration) (*store.Run, error) {
	now := time.Now().UTC()
	query := `
		WITH next AS (
			SELECT run_id FROM runs
			WHERE status = 'PENDING'
			ORDER BY created_at
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		)
		UPDATE runs SET status = 'RUNNING', claimed_by = $1, claimed_until = $2, updated_at = $3
		FROM next WHERE runs.run_id = next.run_id
		RETURNING ` + runColumns

	r, err := scanRun(s.pool.QueryRow(ctx, query, workerID, now.Add(lease), now))
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	return r, err
}

// ExtendLease pushes claimed_until forward for the holding worker.
func (s *PostgresStore) ExtendLease(ctx context.Context, runID, workerID string, lease time.Duration) error {
	now := time.Now().UTC()
	query := `
		UPDATE runs SET claimed_until = $1, updated_at = $2
		WHERE run_id = $3 AND claimed_by = $4 AND status = 'RUNNING'
	`
	tag, err := s.pool.Exec(ctx, query, now.Add(lease), now, runID, workerID)
	if err != nil {
		return fmt.Errorf("failed to extend lease: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return store.ErrNotClaimed
	}
	return nil
}

// MarkCancelRequested sets the cancel flag; PENDING/PAUSED runs cancel immediately.
func (s *PostgresStore) MarkCancelRequested(ctx context.Context, runID string) (bool, error) {
	now := time.Now().UTC()
	query := `
		UPDATE runs SET
			cancel_requested = TRUE,
			status = CASE WHEN status IN ('PENDING','PAUSED') THEN 'CANCELLED' ELSE status END,
			completed_at = CASE WHEN status IN ('PENDING','PAUSED') THEN $1 ELSE completed_at END,
			claimed_by = CASE WHEN status IN ('PENDING','PAUSED') THEN NULL ELSE claimed_by END,
			updated_at = $1
		WHERE run_id = $2 AND status NOT IN ('COMPLETED','FAILED','CANCELLED')
	`
	tag, err := s.pool.Exec(ctx, query, now, runID)
	if err != nil {
		return false, fmt.Errorf("failed to request cancel: %w", err)
	}
	if tag.RowsAffected() > 0 {
		return true, nil
	}

	// Distinguish "already terminal" from "no such run".
	var exists bool
	if err := s.pool.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM runs WHERE run_id = $1)`, runID).Scan(&exists); err != nil {
		return false, fmt.Errorf("failed to check run existence: %w", err)
	}
	if !exists {
		return false, store.ErrNotFound
	}
	return false, nil
}

// AttachResume writes the resume payload and re-queues a PAUSED run.
func (s *PostgresStore) AttachResume(ctx context.Context, runID string, resume map[string]any) error {
	resumeJSON, err := marshalMap(resume)
	if err != nil {
		return fmt.Errorf("failed to marshal resume payload: %w", err)
	}

	query := `
		UPDATE runs SET resume_payload = $1, status = 'PENDING', updated_at = $2
		WHERE run_id = $3 AND status = 'PAUSED'
	`
	tag, err := s.pool.Exec(ctx, query, resumeJSON, time.Now().UTC(), runID)
	if err != nil {
		return fmt.Errorf("failed to attach resume payload: %w", err)
	}
	if tag.RowsAffected() == 0 {
		var exists bool
		if err := s.pool.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM runs WHERE run_id = $1)`, runID).Scan(&exists); err != nil {
			return fmt.Errorf("failed to check run existence: %w", err)
		}
		if !exists {
			return store.ErrNotFound
		}
		return store.ErrNotPaused
	}
	return nil
}

// ReleaseClaim puts a RUNNING run held by the worker back to PENDING,
// keeping its resume payload.
func (s *PostgresStore) ReleaseClaim(ctx context.Context, runID, workerID string) error {
	query := `
		UPDATE runs SET status = 'PENDING', claimed_by = NULL, claimed_until = NULL, updated_at = $1
		WHERE run_id = $2 AND claimed_by = $3 AND status = 'RUNNING'
	`
	tag, err := s.pool.Exec(ctx, query, time.Now().UTC(), runID, workerID)
	if err != nil {
		return fmt.Errorf("failed to release claim: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return store.ErrNotClaimed
	}
	return nil
}

// PauseRun transitions RUNNING to PAUSED, releasing the claim and clearing
// the consumed resume payload.
func (s *PostgresStore) PauseRun(ctx context.Context, runID string) error {
	query := `
		UPDATE runs SET status = 'PAUSED', claimed_by = NULL, claimed_until = NULL,
			resume_payload = NULL, updated_at = $1
		WHERE run_id = $2
	`
	tag, err := s.pool.Exec(ctx, query, time.Now().UTC(), runID)
	if err != nil {
		return fmt.Errorf("failed to pause run: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}

// FinishRun transitions a run to a terminal status.
func (s *PostgresStore) FinishRun(ctx context.Context, runID string, status store.RunStatus, output map[string]any, errMsg string) error {
	outputJSON, err := marshalMap(output)
	if err != nil {
		return fmt.Errorf("failed to marshal output payload: %w", err)
	}

	now := time.Now().UTC()
	var completedAt *time.Time
	if status.Terminal() {
		completedAt = &now
	}

	query := `
		UPDATE runs SET status = $1, output_payload = $2, error = $3,
			claimed_by = NULL, claimed_until = NULL, resume_payload = NULL,
			updated_at = $4, completed_at = $5
		WHERE run_id = $6
	`
	tag, err := s.pool.Exec(ctx, query, string(status), outputJSON, nullable(errMsg), now, completedAt, runID)
	if err != nil {
		return fmt.Errorf("failed to finish run: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}

// RequeueExpired resets RUNNING runs whose lease expired back to PENDING.
func (s *PostgresStore) RequeueExpired(ctx context.Context, now time.Time) (int, error) {
	query := `
		UPDATE runs SET status = 'PENDING', claimed_by = NULL, claimed_until = NULL, updated_at = $1
		WHERE status = 'RUNNING' AND claimed_until IS NOT NULL AND claimed_until < $2
	`
	tag, err := s.pool.Exec(ctx, query, time.Now().UTC(), now)
	if err != nil {
		return 0, fmt.Errorf("failed to requeue expired runs: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// CreateAttempt opens the next dense-numbered attempt for a run.
func (s *PostgresStore) CreateAttempt(ctx context.Context, runID string) (*store.Attempt, error) {
	a := &store.Attempt{
		RunID:     runID,
		Status:    store.StatusRunning,
		StartedAt: time.Now().UTC(),
	}

	query := `
		INSERT INTO attempts (attempt_id, run_id, attempt_number, status, started_at)
		VALUES (gen_random_uuid()::text, $1,
			(SELECT COALESCE(MAX(attempt_number), 0) + 1 FROM attempts WHERE run_id = $1),
			$2, $3)
		RETURNING attempt_id, attempt_number
	`
	err := s.pool.QueryRow(ctx, query, runID, string(a.Status), a.StartedAt).Scan(&a.ID, &a.Number)
	if err != nil {
		return nil, fmt.Errorf("failed to create attempt: %w", err)
	}
	return a, nil
}

// CompleteAttempt closes an attempt with its outcome.
func (s *PostgresStore) CompleteAttempt(ctx context.Context, attemptID string, status store.RunStatus, errMsg string) error {
	query := `
		UPDATE attempts SET status = $1, error = $2, completed_at = $3
		WHERE attempt_id = $4
	`
	tag, err := s.pool.Exec(ctx, query, string(status), nullable(errMsg), time.Now().UTC(), attemptID)
	if err != nil {
		return fmt.Errorf("failed to complete attempt: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}

// ListAttempts returns a run's attempts ordered by number.
func (s *PostgresStore) ListAttempts(ctx context.Context, runID string) ([]*store.Attempt, error) {
	query := `
		SELECT attempt_id, run_id, attempt_number, status, error, started_at, completed_at
		FROM attempts WHERE run_id = $1 ORDER BY attempt_number
	`
	rows, err := s.pool.Query(ctx, query, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to list attempts: %w", err)
	}
	defer rows.Close()

	var attempts []*store.Attempt
	for rows.Next() {
		var (
			a      store.Attempt
			errMsg *string
		)
		if err := rows.Scan(&a.ID, &a.RunID, &a.Number, &a.Status, &errMsg, &a.StartedAt, &a.CompletedAt); err != nil {
			return nil, fmt.Errorf("failed to scan attempt row: %w", err)
		}
		if errMsg != nil {
			a.Error = *errMsg
		}
		attempts = append(attempts, &a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating attempt rows: %w", err)
	}
	return attempts, nil
}

// SaveCheckpoint stores a checkpoint. State and pending frontier land in one
// INSERT, so the pair is atomic.
func (s *PostgresStore) SaveCheckpoint(ctx context.Context, cp *graph.Checkpoint) error {
	pendingJSON, err := json.Marshal(cp.Pending)
	if err != nil {
		return fmt.Errorf("failed to marshal pending tasks: %w", err)
	}
	metadataJSON, err := json.Marshal(cp.Metadata)
	if err != nil {
		return fmt.Errorf("failed to marshal metadata: %w", err)
	}

	query := `
		INSERT INTO checkpoints (thread_id, checkpoint_id, parent_checkpoint_id,
			state_snapshot, pending_tasks, metadata, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`
	_, err = s.pool.Exec(ctx, query,
		cp.ThreadID, cp.ID, nullable(cp.ParentID),
		[]byte(cp.State), pendingJSON, metadataJSON, cp.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to save checkpoint: %w", err)
	}
	return nil
}

// LatestCheckpoint returns the newest checkpoint for a thread, or nil.
func (s *PostgresStore) LatestCheckpoint(ctx context.Context, threadID string) (*graph.Checkpoint, error) {
	query := `
		SELECT thread_id, checkpoint_id, parent_checkpoint_id, state_snapshot,
			pending_tasks, metadata, created_at
		FROM checkpoints WHERE thread_id = $1
		ORDER BY created_at DESC LIMIT 1
	`
	cp, err := scanCheckpoint(s.pool.QueryRow(ctx, query, threadID))
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	return cp, err
}

// ListCheckpoints returns the thread's checkpoints in creation order.
func (s *PostgresStore) ListCheckpoints(ctx context.Context, threadID string) ([]*graph.Checkpoint, error) {
	query := `
		SELECT thread_id, checkpoint_id, parent_checkpoint_id, state_snapshot,
			pending_tasks, metadata, created_at
		FROM checkpoints WHERE thread_id = $1 ORDER BY created_at
	`
	rows, err := s.pool.Query(ctx, query, threadID)
	if err != nil {
		return nil, fmt.Errorf("failed to list checkpoints: %w", err)
	}
	defer rows.Close()

	var checkpoints []*graph.Checkpoint
	for rows.Next() {
		cp, err := scanCheckpoint(rows)
		if err != nil {
			return nil, err
		}
		checkpoints = append(checkpoints, cp)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating checkpoint rows: %w", err)
	}
	return checkpoints, nil
}

// PruneCheckpoints deletes all but the latest checkpoint of a thread.
func (s *PostgresStore) PruneCheckpoints(ctx context.Context, threadID string) (int, error) {
	query := `
		DELETE FROM checkpoints
		WHERE thread_id = $1 AND checkpoint_id <> (
			SELECT checkpoint_id FROM checkpoints
			WHERE thread_id = $1 ORDER BY created_at DESC LIMIT 1
		)
	`
	tag, err := s.pool.Exec(ctx, query, threadID)
	if err != nil {
		return 0, fmt.Errorf("failed to prune checkpoints: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

func scanCheckpoint(row rowScanner) (*graph.Checkpoint, error) {
	var (
		cp           graph.Checkpoint
		parentID     *string
		stateJSON    []byte
		pendingJSON  []byte
		metadataJSON []byte
	)

	err := row.Scan(&cp.ThreadID, &cp.ID, &parentID, &stateJSON, &pendingJSON, &metadataJSON, &cp.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, fmt.Errorf("failed to scan checkpoint: %w", err)
	}

	if parentID != nil {
		cp.ParentID = *parentID
	}
	cp.State = stateJSON
	if err := json.Unmarshal(pendingJSON, &cp.Pending); err != nil {
		return nil, fmt.Errorf("failed to unmarshal pending tasks: %w", err)
	}
	if len(metadataJSON) > 0 {
		if err := json.Unmarshal(metadataJSON, &cp.Metadata); err != nil {
			return nil, fmt.Errorf("failed to unmarshal metadata: %w", err)
		}
	}
	return &cp, nil
}
