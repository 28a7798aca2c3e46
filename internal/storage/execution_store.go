package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/fleetsync-io/fleetsync/internal/syncrun"
)

// Sentinel errors for sync execution storage operations.
var (
	// ErrExecutionStoreFailed is returned when an execution storage operation fails.
	ErrExecutionStoreFailed = errors.New("sync execution storage failed")

	// ExecutionStore implements syncrun.Store (compile-time assertion).
	_ syncrun.Store = (*ExecutionStore)(nil)
)

// ExecutionStore implements syncrun.Store with a PostgreSQL backend.
type ExecutionStore struct {
	conn *Connection
}

// NewExecutionStore creates a PostgreSQL-backed sync execution store.
func NewExecutionStore(conn *Connection) (*ExecutionStore, error) {
	if conn == nil {
		return nil, ErrNoDatabaseConnection
	}

	return &ExecutionStore{conn: conn}, nil
}

// CreateExecution implements syncrun.Store.
func (s *ExecutionStore) CreateExecution(ctx context.Context, e *syncrun.Execution) error {
	if !e.Trigger.IsValid() {
		return fmt.Errorf("%w: got %q", syncrun.ErrTriggerInvalid, e.Trigger)
	}

	query := `
		INSERT INTO sync_executions (
			id, configuration_id, feature_key, trigger_type, status,
			started_at, fetched, processed, failed, skipped, duplicates
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`

	_, err := s.conn.ExecContext(
		ctx,
		query,
		e.ID,
		e.ConfigurationID,
		e.FeatureKey,
		string(e.Trigger),
		string(e.Status),
		e.StartedAt,
		e.Counts.Fetched,
		e.Counts.Processed,
		e.Counts.Failed,
		e.Counts.Skipped,
		e.Counts.Duplicates,
	)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrExecutionStoreFailed, err)
	}

	return nil
}

// FinishExecution implements syncrun.Store. The running-status guard in the
// WHERE clause makes a double finish lose atomically.
func (s *ExecutionStore) FinishExecution(ctx context.Context, e *syncrun.Execution) error {
	query := `
		UPDATE sync_executions
		SET status = $2,
			finished_at = $3,
			duration_seconds = $4,
			error_message = $5
		WHERE id = $1 AND status = 'running'
	`

	result, err := s.conn.ExecContext(
		ctx,
		query,
		e.ID,
		string(e.Status),
		e.FinishedAt,
		e.DurationSeconds,
		e.ErrorMessage,
	)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrExecutionStoreFailed, err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("%w: %w", ErrExecutionStoreFailed, err)
	}

	if affected == 0 {
		var exists bool

		check := `SELECT EXISTS(SELECT 1 FROM sync_executions WHERE id = $1)`
		if err := s.conn.QueryRowContext(ctx, check, e.ID).Scan(&exists); err != nil {
			return fmt.Errorf("%w: %w", ErrExecutionStoreFailed, err)
		}

		if !exists {
			return syncrun.ErrExecutionNotFound
		}

		return syncrun.ErrAlreadyFinished
	}

	return nil
}

// AddCounts implements syncrun.Store. Counters only add; a correction batch
// never overwrites what earlier batches recorded.
func (s *ExecutionStore) AddCounts(ctx context.Context, id string, delta syncrun.Counts) error {
	query := `
		UPDATE sync_executions
		SET fetched = fetched + $2,
			processed = processed + $3,
			failed = failed + $4,
			skipped = skipped + $5,
			duplicates = duplicates + $6
		WHERE id = $1
	`

	result, err := s.conn.ExecContext(
		ctx, query, id,
		delta.Fetched, delta.Processed, delta.Failed, delta.Skipped, delta.Duplicates,
	)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrExecutionStoreFailed, err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("%w: %w", ErrExecutionStoreFailed, err)
	}

	if affected == 0 {
		return syncrun.ErrExecutionNotFound
	}

	return nil
}

// GetExecution implements syncrun.Store.
func (s *ExecutionStore) GetExecution(ctx context.Context, id string) (*syncrun.Execution, error) {
	query := `
		SELECT id, configuration_id, feature_key, trigger_type, status,
			started_at, finished_at, duration_seconds, error_message,
			fetched, processed, failed, skipped, duplicates
		FROM sync_executions
		WHERE id = $1
	`

	var (
		e          syncrun.Execution
		trigger    string
		status     string
		finishedAt sql.NullTime
		duration   sql.NullFloat64
		errMsg     sql.NullString
	)

	err := s.conn.QueryRowContext(ctx, query, id).Scan(
		&e.ID,
		&e.ConfigurationID,
		&e.FeatureKey,
		&trigger,
		&status,
		&e.StartedAt,
		&finishedAt,
		&duration,
		&errMsg,
		&e.Counts.Fetched,
		&e.Counts.Processed,
		&e.Counts.Failed,
		&e.Counts.Skipped,
		&e.Counts.Duplicates,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, syncrun.ErrExecutionNotFound
	}

	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrExecutionStoreFailed, err)
	}

	e.Trigger = syncrun.TriggerType(trigger)
	e.Status = syncrun.Status(status)

	if finishedAt.Valid {
		e.FinishedAt = &finishedAt.Time
	}

	if duration.Valid {
		e.DurationSeconds = duration.Float64
	}

	if errMsg.Valid {
		e.ErrorMessage = errMsg.String
	}

	return &e, nil
}
