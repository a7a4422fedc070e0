// Package sqlite implements store.Store on SQLite. It is the embedded
// single-node backend: same schema shape as the Postgres store, with
// transactions standing in for row locks on the claim path.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	sqlite3 "github.com/mattn/go-sqlite3"

	"github.com/smallnest/gradeflow/graph"
	"github.com/smallnest/gradeflow/store"
)

// SqliteStore implements store.Store using SQLite.
type SqliteStore struct {
	db *sql.DB
}

var _ store.Store = (*SqliteStore)(nil)

// Options configures the SQLite database.
type Options struct {
	Path string // e.g. "gradeflow.db" or ":memory:"
}

// NewSqliteStore opens the database and bootstraps the schema.
func NewSqliteStore(opts Options) (*SqliteStore, error) {
	db, err := sql.Open("sqlite3", opts.Path)
	if err != nil {
		return nil, fmt.Errorf("unable to open database: %w", err)
	}
	// Claims and checkpoint writes interleave from multiple goroutines;
	// a single connection serializes them through SQLite's own locking.
	db.SetMaxOpenConns(1)

	s := &SqliteStore{db: db}
	if err := s.InitSchema(context.Background()); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// InitSchema creates the tables if they don't exist.
func (s *SqliteStore) InitSchema(ctx context.Context) error {
	query := `
		CREATE TABLE IF NOT EXISTS runs (
			run_id TEXT PRIMARY KEY,
			graph_name TEXT NOT NULL,
			status TEXT NOT NULL,
			input_payload TEXT,
			output_payload TEXT,
			idempotency_key TEXT,
			payload_fingerprint TEXT,
			claimed_by TEXT,
			claimed_until DATETIME,
			cancel_requested INTEGER NOT NULL DEFAULT 0,
			resume_payload TEXT,
			error TEXT,
			created_at DATETIME NOT NULL,
			updated_at DATETIME NOT NULL,
			completed_at DATETIME
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
			started_at DATETIME NOT NULL,
			completed_at DATETIME,
			UNIQUE (run_id, attempt_number)
		);

		CREATE TABLE IF NOT EXISTS checkpoints (
			thread_id TEXT NOT NULL,
			checkpoint_id TEXT NOT NULL,
			parent_checkpoint_id TEXT,
			state_snapshot TEXT NOT NULL,
			pending_tasks TEXT NOT NULL,
			metadata TEXT,
			created_at DATETIME NOT NULL,
			PRIMARY KEY (thread_id, checkpoint_id)
		);
		CREATE INDEX IF NOT EXISTS idx_checkpoints_thread_created
			ON checkpoints (thread_id, created_at);
	`
	if _, err := s.db.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}
	return nil
}

// Close closes the database.
func (s *SqliteStore) Close() error {
	return s.db.Close()
}

const runColumns = `run_id, graph_name, status, input_payload, output_payload,
	idempotency_key, payload_fingerprint, claimed_by, claimed_until,
	cancel_requested, resume_payload, error, created_at, updated_at, completed_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (*store.Run, error) {
	var (
		r            store.Run
		inputJSON    sql.NullString
		outputJSON   sql.NullString
		resumeJSON   sql.NullString
		idemKey      sql.NullString
		fingerprint  sql.NullString
		claimedBy    sql.NullString
		claimedUntil sql.NullTime
		errMsg       sql.NullString
		completedAt  sql.NullTime
	)

	err := row.Scan(
		&r.ID, &r.GraphName, &r.Status, &inputJSON, &outputJSON,
		&idemKey, &fingerprint, &claimedBy, &claimedUntil,
		&r.CancelRequested, &resumeJSON, &errMsg, &r.CreatedAt, &r.UpdatedAt, &completedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, fmt.Errorf("failed to scan run: %w", err)
	}

	r.IdempotencyKey = idemKey.String
	r.PayloadFingerprint = fingerprint.String
	r.ClaimedBy = claimedBy.String
	if claimedUntil.Valid {
		r.ClaimedUntil = claimedUntil.Time
	}
	r.Error = errMsg.String
	if completedAt.Valid {
		t := completedAt.Time
		r.CompletedAt = &t
	}

	if inputJSON.Valid && inputJSON.String != "" {
		if err := json.Unmarshal([]byte(inputJSON.String), &r.InputPayload); err != nil {
			return nil, fmt.Errorf("failed to unmarshal input payload: %w", err)
		}
	}
	if outputJSON.Valid && outputJSON.String != "" {
		if err := json.Unmarshal([]byte(outputJSON.String), &r.OutputPayload); err != nil {
			return nil, fmt.Errorf("failed to unmarshal output payload: %w", err)
		}
	}
	if resumeJSON.Valid && resumeJSON.String != "" {
		if err := json.Unmarshal([]byte(resumeJSON.String), &r.ResumePayload); err != nil {
			return nil, fmt.Errorf("failed to unmarshal resume payload: %w", err)
		}
	}
	return &r, nil
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func marshalMap(m map[string]any) (any, error) {
	if m == nil {
		return nil, nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

// CreateRun inserts a run row, mapping the unique-index violation on the
// idempotency key to store.ErrDuplicateIdempotencyKey.
func (s *SqliteStore) CreateRun(ctx context.Context, run *store.Run) error {
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
		VALUES (?, ?, ?, ?, ?, ?, 0, ?, ?)
	`
	_, err = s.db.ExecContext(ctx, query,
		run.ID, run.GraphName, string(run.Status), inputJSON,
		nullable(run.IdempotencyKey), nullable(run.PayloadFingerprint), createdAt, now,
	)
	if err != nil {
		var sqliteErr sqlite3.Error
		if errors.As(err, &sqliteErr) && sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique &&
			strings.Contains(err.Error(), "idempotency_key") {
			return store.ErrDuplicateIdempotencyKey
		}
		return fmt.Errorf("failed to insert run: %w", err)
	}
	return nil
}

// GetRun returns a run by ID.
func (s *SqliteStore) GetRun(ctx context.Context, runID string) (*store.Run, error) {
	query := `SELECT ` + runColumns + ` FROM runs WHERE run_id = ?`
	return scanRun(s.db.QueryRowContext(ctx, query, runID))
}

// FindRunByIdempotencyKey returns the run holding the key.
func (s *SqliteStore) FindRunByIdempotencyKey(ctx context.Context, key string) (*store.Run, error) {
	query := `SELECT ` + runColumns + ` FROM runs WHERE idempotency_key = ?`
	return scanRun(s.db.QueryRowContext(ctx, query, key))
}

// ListRuns returns runs matching the filter, newest first.
func (s *SqliteStore) ListRuns(ctx context.Context, filter store.RunFilter) ([]*store.Run, error) {
	query := `SELECT ` + runColumns + ` FROM runs WHERE 1=1`
	var args []any

	if filter.GraphName != "" {
		query += ` AND graph_name = ?`
		args = append(args, filter.GraphName)
	}
	if len(filter.Statuses) > 0 {
		query += ` AND status IN (` + strings.Repeat("?,", len(filter.Statuses)-1) + `?)`
		for _, st := range filter.Statuses {
			args = append(args, string(st))
		}
	}
	if !filter.CreatedAfter.IsZero() {
		query += ` AND created_at >= ?`
		args = append(args, filter.CreatedAfter)
	}
	if !filter.CreatedBefore.IsZero() {
		query += ` AND created_at < ?`
		args = append(args, filter.CreatedBefore)
	}

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	query += ` ORDER BY created_at DESC, run_id DESC LIMIT ? OFFSET ?`
	args = append(args, limit, filter.Offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
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

// ClaimPending claims the oldest PENDING run inside one transaction.
func (s *SqliteStore) ClaimPending(ctx context.Context, workerID string, lease time.Duration) (*store.Run, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin claim transaction: %w", err)
	}
	defer tx.Rollback()

	query := `SELECT ` + runColumns + ` FROM runs WHERE status = 'PENDING' ORDER BY created_at LIMIT 1`
	r, err := scanRun(tx.QueryRowContext(ctx, query))
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	until := now.Add(lease)
	_, err = tx.ExecContext(ctx,
		`UPDATE runs SET status = 'RUNNING', claimed_by = ?, claimed_until = ?, updated_at = ? WHERE run_id = ?`,
		workerID, until, now, r.ID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to claim run: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit claim: %w", err)
	}

	r.Status = store.StatusRunning
	r.ClaimedBy = workerID
	r.ClaimedUntil = until
	r.UpdatedAt = now
	return r, nil
}

// ExtendLease pushes claimed_until forward for the holding worker.
func (s *SqliteStore) ExtendLease(ctx context.Context, runID, workerID string, lease time.Duration) error {
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx,
		`UPDATE runs SET claimed_until = ?, updated_at = ? WHERE run_id = ? AND claimed_by = ? AND status = 'RUNNING'`,
		now.Add(lease), now, runID, workerID,
	)
	if err != nil {
		return fmt.Errorf("failed to extend lease: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return store.ErrNotClaimed
	}
	return nil
}

// ReleaseClaim puts a RUNNING run held by the worker back to PENDING,
// keeping its resume payload.
func (s *SqliteStore) ReleaseClaim(ctx context.Context, runID, workerID string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE runs SET status = 'PENDING', claimed_by = NULL, claimed_until = NULL, updated_at = ? WHERE run_id = ? AND claimed_by = ? AND status = 'RUNNING'`,
		time.Now().UTC(), runID, workerID,
	)
	if err != nil {
		return fmt.Errorf("failed to release claim: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return store.ErrNotClaimed
	}
	return nil
}

// MarkCancelRequested sets the cancel flag; PENDING/PAUSED runs cancel immediately.
func (s *SqliteStore) MarkCancelRequested(ctx context.Context, runID string) (bool, error) {
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx, `
		UPDATE runs SET
			cancel_requested = 1,
			completed_at = CASE WHEN status IN ('PENDING','PAUSED') THEN ? ELSE completed_at END,
			claimed_by = CASE WHEN status IN ('PENDING','PAUSED') THEN NULL ELSE claimed_by END,
			status = CASE WHEN status IN ('PENDING','PAUSED') THEN 'CANCELLED' ELSE status END,
			updated_at = ?
		WHERE run_id = ? AND status NOT IN ('COMPLETED','FAILED','CANCELLED')
	`, now, now, runID)
	if err != nil {
		return false, fmt.Errorf("failed to request cancel: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n > 0 {
		return true, nil
	}

	var exists bool
	if err := s.db.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM runs WHERE run_id = ?)`, runID).Scan(&exists); err != nil {
		return false, fmt.Errorf("failed to check run existence: %w", err)
	}
	if !exists {
		return false, store.ErrNotFound
	}
	return false, nil
}

// AttachResume writes the resume payload and re-queues a PAUSED run.
func (s *SqliteStore) AttachResume(ctx context.Context, runID string, resume map[string]any) error {
	resumeJSON, err := marshalMap(resume)
	if err != nil {
		return fmt.Errorf("failed to marshal resume payload: %w", err)
	}

	res, err := s.db.ExecContext(ctx,
		`UPDATE runs SET resume_payload = ?, status = 'PENDING', updated_at = ? WHERE run_id = ? AND status = 'PAUSED'`,
		resumeJSON, time.Now().UTC(), runID,
	)
	if err != nil {
		return fmt.Errorf("failed to attach resume payload: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		var exists bool
		if err := s.db.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM runs WHERE run_id = ?)`, runID).Scan(&exists); err != nil {
			return fmt.Errorf("failed to check run existence: %w", err)
		}
		if !exists {
			return store.ErrNotFound
		}
		return store.ErrNotPaused
	}
	return nil
}

// PauseRun transitions RUNNING to PAUSED, releasing the claim.
func (s *SqliteStore) PauseRun(ctx context.Context, runID string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE runs SET status = 'PAUSED', claimed_by = NULL, claimed_until = NULL, resume_payload = NULL, updated_at = ? WHERE run_id = ?`,
		time.Now().UTC(), runID,
	)
	if err != nil {
		return fmt.Errorf("failed to pause run: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return store.ErrNotFound
	}
	return nil
}

// FinishRun transitions a run to a terminal status.
func (s *SqliteStore) FinishRun(ctx context.Context, runID string, status store.RunStatus, output map[string]any, errMsg string) error {
	outputJSON, err := marshalMap(output)
	if err != nil {
		return fmt.Errorf("failed to marshal output payload: %w", err)
	}

	now := time.Now().UTC()
	var completedAt any
	if status.Terminal() {
		completedAt = now
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE runs SET status = ?, output_payload = ?, error = ?,
			claimed_by = NULL, claimed_until = NULL, resume_payload = NULL,
			updated_at = ?, completed_at = ?
		WHERE run_id = ?
	`, string(status), outputJSON, nullable(errMsg), now, completedAt, runID)
	if err != nil {
		return fmt.Errorf("failed to finish run: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return store.ErrNotFound
	}
	return nil
}

// RequeueExpired resets RUNNING runs whose lease expired back to PENDING.
func (s *SqliteStore) RequeueExpired(ctx context.Context, now time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE runs SET status = 'PENDING', claimed_by = NULL, claimed_until = NULL, updated_at = ?
		WHERE status = 'RUNNING' AND claimed_until IS NOT NULL AND claimed_until < ?
	`, time.Now().UTC(), now)
	if err != nil {
		return 0, fmt.Errorf("failed to requeue expired runs: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(n), nil
}

// CreateAttempt opens the next dense-numbered attempt for a run.
func (s *SqliteStore) CreateAttempt(ctx context.Context, runID string) (*store.Attempt, error) {
	a := &store.Attempt{
		ID:        uuid.New().String(),
		RunID:     runID,
		Status:    store.StatusRunning,
		StartedAt: time.Now().UTC(),
	}

	query := `
		INSERT INTO attempts (attempt_id, run_id, attempt_number, status, started_at)
		VALUES (?, ?, (SELECT COALESCE(MAX(attempt_number), 0) + 1 FROM attempts WHERE run_id = ?), ?, ?)
		RETURNING attempt_number
	`
	err := s.db.QueryRowContext(ctx, query, a.ID, runID, runID, string(a.Status), a.StartedAt).Scan(&a.Number)
	if err != nil {
		return nil, fmt.Errorf("failed to create attempt: %w", err)
	}
	return a, nil
}

// CompleteAttempt closes an attempt with its outcome.
func (s *SqliteStore) CompleteAttempt(ctx context.Context, attemptID string, status store.RunStatus, errMsg string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE attempts SET status = ?, error = ?, completed_at = ? WHERE attempt_id = ?`,
		string(status), nullable(errMsg), time.Now().UTC(), attemptID,
	)
	if err != nil {
		return fmt.Errorf("failed to complete attempt: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return store.ErrNotFound
	}
	return nil
}

// ListAttempts returns a run's attempts ordered by number.
func (s *SqliteStore) ListAttempts(ctx context.Context, runID string) ([]*store.Attempt, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT attempt_id, run_id, attempt_number, status, error, started_at, completed_at
		FROM attempts WHERE run_id = ? ORDER BY attempt_number
	`, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to list attempts: %w", err)
	}
	defer rows.Close()

	var attempts []*store.Attempt
	for rows.Next() {
		var (
			a           store.Attempt
			errMsg      sql.NullString
			completedAt sql.NullTime
		)
		if err := rows.Scan(&a.ID, &a.RunID, &a.Number, &a.Status, &errMsg, &a.StartedAt, &completedAt); err != nil {
			return nil, fmt.Errorf("failed to scan attempt row: %w", err)
		}
		a.Error = errMsg.String
		if completedAt.Valid {
			t := completedAt.Time
			a.CompletedAt = &t
		}
		attempts = append(attempts, &a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating attempt rows: %w", err)
	}
	return attempts, nil
}

// SaveCheckpoint stores a checkpoint in one INSERT.
func (s *SqliteStore) SaveCheckpoint(ctx context.Context, cp *graph.Checkpoint) error {
	pendingJSON, err := json.Marshal(cp.Pending)
	if err != nil {
		return fmt.Errorf("failed to marshal pending tasks: %w", err)
	}
	metadataJSON, err := json.Marshal(cp.Metadata)
	if err != nil {
		return fmt.Errorf("failed to marshal metadata: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO checkpoints (thread_id, checkpoint_id, parent_checkpoint_id,
			state_snapshot, pending_tasks, metadata, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, cp.ThreadID, cp.ID, nullable(cp.ParentID),
		string(cp.State), string(pendingJSON), string(metadataJSON), cp.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to save checkpoint: %w", err)
	}
	return nil
}

// LatestCheckpoint returns the newest checkpoint for a thread, or nil.
func (s *SqliteStore) LatestCheckpoint(ctx context.Context, threadID string) (*graph.Checkpoint, error) {
	// rowid breaks created_at ties within a timestamp granule.
	row := s.db.QueryRowContext(ctx, `
		SELECT thread_id, checkpoint_id, parent_checkpoint_id, state_snapshot,
			pending_tasks, metadata, created_at
		FROM checkpoints WHERE thread_id = ?
		ORDER BY created_at DESC, rowid DESC LIMIT 1
	`, threadID)

	cp, err := scanCheckpoint(row)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	return cp, err
}

// ListCheckpoints returns the thread's checkpoints in creation order.
func (s *SqliteStore) ListCheckpoints(ctx context.Context, threadID string) ([]*graph.Checkpoint, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT thread_id, checkpoint_id, parent_checkpoint_id, state_snapshot,
			pending_tasks, metadata, created_at
		FROM checkpoints WHERE thread_id = ? ORDER BY created_at, rowid
	`, threadID)
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
func (s *SqliteStore) PruneCheckpoints(ctx context.Context, threadID string) (int, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM checkpoints
		WHERE thread_id = ? AND rowid <> (
			SELECT rowid FROM checkpoints
			WHERE thread_id = ? ORDER BY created_at DESC, rowid DESC LIMIT 1
		)
	`, threadID, threadID)
	if err != nil {
		return 0, fmt.Errorf("failed to prune checkpoints: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(n), nil
}

func scanCheckpoint(row rowScanner) (*graph.Checkpoint, error) {
	var (
		cp           graph.Checkpoint
		parentID     sql.NullString
		stateJSON    string
		pendingJSON  string
		metadataJSON sql.NullString
	)

	err := row.Scan(&cp.ThreadID, &cp.ID, &parentID, &stateJSON, &pendingJSON, &metadataJSON, &cp.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, fmt.Errorf("failed to scan checkpoint: %w", err)
	}

	cp.ParentID = parentID.String
	cp.State = json.RawMessage(stateJSON)
	if err := json.Unmarshal([]byte(pendingJSON), &cp.Pending); err != nil {
		return nil, fmt.Errorf("failed to unmarshal pending tasks: %w", err)
	}
	if metadataJSON.Valid && metadataJSON.String != "" {
		if err := json.Unmarshal([]byte(metadataJSON.String), &cp.Metadata); err != nil {
			return nil, fmt.Errorf("failed to unmarshal metadata: %w", err)
		}
	}
	return &cp, nil
}
