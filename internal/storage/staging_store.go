package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/fleetsync-io/fleetsync/internal/config"
	"github.com/fleetsync-io/fleetsync/internal/staging"
)

// Sentinel errors for staging record storage operations.
var (
	// ErrStagingStoreFailed is returned when a staging storage operation fails.
	ErrStagingStoreFailed = errors.New("staging record storage failed")

	// StagingStore implements staging.Store (compile-time assertion).
	_ staging.Store = (*StagingStore)(nil)
)

// stagingColumns is the column list every record scan uses.
const stagingColumns = `
	id, execution_id, configuration_id, provider_slug, feature_key, external_id,
	payload, status, normalized_kind, normalized_id, last_error, error_category,
	retry_count, last_retry_at, normalized_at, metadata, created_at, deleted_at
`

// StagingStore implements staging.Store with a PostgreSQL backend.
//
// Concurrency design:
//   - Ingest resolves dedup races through the partial unique index on
//     (configuration_id, external_id, feature_key) WHERE deleted_at IS NULL;
//     the application never decides create-vs-update by check-then-act alone.
//   - The payload-changed update path takes a row lock (SELECT ... FOR
//     UPDATE) so the compare-and-replace is one atomic read-modify-write.
//   - Guarded status writes re-check the legal source states in the UPDATE's
//     WHERE clause; zero rows affected distinguishes a lost race from a
//     missing record.
type StagingStore struct {
	conn   *Connection
	logger *slog.Logger
}

// NewStagingStore creates a PostgreSQL-backed staging record store.
func NewStagingStore(conn *Connection) (*StagingStore, error) {
	if conn == nil {
		return nil, ErrNoDatabaseConnection
	}

	return &StagingStore{
		conn: conn,
		logger: slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level: config.GetEnvLogLevel("LOG_LEVEL", slog.LevelInfo),
		})),
	}, nil
}

// HealthCheck verifies the database connection is healthy.
func (s *StagingStore) HealthCheck(ctx context.Context) error {
	return s.conn.HealthCheck(ctx)
}

// Ingest implements staging.Store.
//
// Flow:
//  1. Lock the existing record for the dedup key, ignoring its status: a
//     normalized, failed, or skipped record is still the dedup anchor.
//  2. No record: INSERT with ON CONFLICT DO NOTHING. Zero rows means a
//     concurrent ingest won the create race; re-lock its row and fall
//     through to the compare path, observing duplicate or updated.
//  3. Record exists: compare payload fingerprints. Identical payloads are a
//     no-op duplicate. A changed payload is replaced in place, and a record
//     that had already normalized resets to pending for renormalization.
func (s *StagingStore) Ingest(ctx context.Context, req *staging.IngestRequest) (*staging.IngestResult, error) {
	if err := req.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrStagingStoreFailed, err)
	}

	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to begin transaction: %w", ErrStagingStoreFailed, err)
	}

	defer func() {
		_ = tx.Rollback() // Safe to call even after commit
	}()

	result, err := s.ingestInTx(ctx, tx, req)
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrStagingStoreFailed, err)
	}

	s.logger.Debug("event ingested",
		slog.String("dedup_key", req.Key().String()),
		slog.String("outcome", string(result.Outcome)),
		slog.String("record_id", result.Record.ID),
	)

	return result, nil
}

func (s *StagingStore) ingestInTx(
	ctx context.Context,
	tx *sql.Tx,
	req *staging.IngestRequest,
) (*staging.IngestResult, error) {
	existing, err := lockRecordByKey(ctx, tx, req.Key())
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrStagingStoreFailed, err)
	}

	if existing == nil {
		created, err := s.insertRecord(ctx, tx, req)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrStagingStoreFailed, err)
		}

		if created != nil {
			return &staging.IngestResult{Outcome: staging.OutcomeCreated, Record: created}, nil
		}

		// Lost the create race: the unique index arbitrated, a concurrent
		// ingest inserted first. Lock the winner's row and continue as an
		// update against it.
		existing, err = lockRecordByKey(ctx, tx, req.Key())
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrStagingStoreFailed, err)
		}

		if existing == nil {
			return nil, fmt.Errorf("%w: record vanished after unique conflict", ErrStagingStoreFailed)
		}
	}

	if staging.Fingerprint(existing.Payload) == staging.Fingerprint(req.Payload) {
		return &staging.IngestResult{Outcome: staging.OutcomeDuplicate, Record: existing}, nil
	}

	updated, err := s.replacePayload(ctx, tx, existing.ID, req.Payload, existing.Status == staging.StatusNormalized)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrStagingStoreFailed, err)
	}

	return &staging.IngestResult{Outcome: staging.OutcomeUpdated, Record: updated}, nil
}

// lockRecordByKey fetches the non-deleted record for a dedup key with a row
// lock, or nil when none exists.
func lockRecordByKey(ctx context.Context, tx *sql.Tx, key staging.DedupKey) (*staging.Record, error) {
	query := `
		SELECT ` + stagingColumns + `
		FROM staging_records
		WHERE configuration_id = $1 AND external_id = $2 AND feature_key = $3
		  AND deleted_at IS NULL
		FOR UPDATE
	`

	record, err := scanRecord(tx.QueryRowContext(ctx, query, key.ConfigurationID, key.ExternalID, key.FeatureKey))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}

	if err != nil {
		return nil, fmt.Errorf("failed to lock staging record: %w", err)
	}

	return record, nil
}

// insertRecord inserts a new pending record. Returns nil (no error) when the
// partial unique index reports a conflict, meaning a concurrent create won.
func (s *StagingStore) insertRecord(
	ctx context.Context,
	tx *sql.Tx,
	req *staging.IngestRequest,
) (*staging.Record, error) {
	record := req.NewRecord(time.Now().UTC())
	record.ID = uuid.NewString()

	payloadJSON, err := json.Marshal(record.Payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal payload: %w", err)
	}

	query := `
		INSERT INTO staging_records (
			id, execution_id, configuration_id, provider_slug, feature_key,
			external_id, payload, payload_fingerprint, status, metadata,
			created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, '{}'::jsonb, NOW(), NOW())
		ON CONFLICT (configuration_id, external_id, feature_key) WHERE deleted_at IS NULL
		DO NOTHING
		RETURNING created_at
	`

	err = tx.QueryRowContext(
		ctx,
		query,
		record.ID,
		record.ExecutionID,
		record.ConfigurationID,
		record.ProviderSlug,
		record.FeatureKey,
		record.ExternalID,
		payloadJSON,
		staging.Fingerprint(record.Payload),
		string(record.Status),
	).Scan(&record.CreatedAt)

	if errors.Is(err, sql.ErrNoRows) {
		// Conflict: concurrent create won the race.
		return nil, nil
	}

	if err != nil {
		return nil, fmt.Errorf("failed to insert staging record: %w", err)
	}

	return record, nil
}

// replacePayload overwrites the payload, resetting a normalized record to
// pending so it renormalizes against the corrected upstream data.
func (s *StagingStore) replacePayload(
	ctx context.Context,
	tx *sql.Tx,
	id string,
	payload staging.Payload,
	resetToPending bool,
) (*staging.Record, error) {
	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal payload: %w", err)
	}

	query := `
		UPDATE staging_records
		SET payload = $2,
			payload_fingerprint = $3,
			status = CASE WHEN $4 THEN 'pending' ELSE status END,
			normalized_kind = CASE WHEN $4 THEN NULL ELSE normalized_kind END,
			normalized_id = CASE WHEN $4 THEN NULL ELSE normalized_id END,
			normalized_at = CASE WHEN $4 THEN NULL ELSE normalized_at END,
			last_error = CASE WHEN $4 THEN '' ELSE last_error END,
			error_category = CASE WHEN $4 THEN '' ELSE error_category END,
			updated_at = NOW()
		WHERE id = $1 AND deleted_at IS NULL
		RETURNING ` + stagingColumns + `
	`

	record, err := scanRecord(tx.QueryRowContext(ctx, query, id, payloadJSON, staging.Fingerprint(payload), resetToPending))
	if err != nil {
		return nil, fmt.Errorf("failed to replace payload: %w", err)
	}

	return record, nil
}

// GetRecord implements staging.Store.
func (s *StagingStore) GetRecord(ctx context.Context, id string) (*staging.Record, error) {
	query := `
		SELECT ` + stagingColumns + `
		FROM staging_records
		WHERE id = $1 AND deleted_at IS NULL
	`

	record, err := scanRecord(s.conn.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, staging.ErrRecordNotFound
	}

	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrStagingStoreFailed, err)
	}

	return record, nil
}

// ListRecords implements staging.Store using a dynamically-built WHERE clause
// and a COUNT(*) OVER() window for the unpaginated total.
func (s *StagingStore) ListRecords(
	ctx context.Context,
	filter *staging.Filter,
	page *staging.Pagination,
) (*staging.ListResult, error) {
	p := page.Normalize()

	where, args := buildStagingFilter(filter)

	//nolint:gosec // where is assembled from fixed fragments; values are parameterized
	query := fmt.Sprintf(`
		SELECT %s, COUNT(*) OVER() AS total_count
		FROM staging_records
		%s
		ORDER BY created_at DESC, id
		LIMIT $%d OFFSET $%d
	`, stagingColumns, where, len(args)+1, len(args)+2)

	args = append(args, p.Limit, p.Offset)

	rows, err := s.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrStagingStoreFailed, err)
	}

	defer func() {
		_ = rows.Close()
	}()

	result := &staging.ListResult{}

	for rows.Next() {
		record, total, err := scanRecordWithTotal(rows)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrStagingStoreFailed, err)
		}

		result.Records = append(result.Records, record)
		result.TotalCount = total
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrStagingStoreFailed, err)
	}

	return result, nil
}

// SimilarFailures implements staging.Store. Failed records are grouped by the
// key error fragment recorded at failure time, so one root cause surfaces as
// one cluster.
func (s *StagingStore) SimilarFailures(ctx context.Context, id string, limit int) ([]*staging.Record, error) {
	if limit <= 0 {
		limit = staging.DefaultSimilarLimit
	}

	reference, err := s.GetRecord(ctx, id)
	if err != nil {
		return nil, err
	}

	fragment := staging.KeyErrorFragment(reference.LastError)
	if fragment == "" {
		return nil, nil
	}

	query := `
		SELECT ` + stagingColumns + `
		FROM staging_records
		WHERE key_error_fragment = $1 AND status = 'failed'
		  AND id <> $2 AND deleted_at IS NULL
		ORDER BY created_at DESC
		LIMIT $3
	`

	rows, err := s.conn.QueryContext(ctx, query, fragment, id, limit)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrStagingStoreFailed, err)
	}

	defer func() {
		_ = rows.Close()
	}()

	var records []*staging.Record

	for rows.Next() {
		record, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrStagingStoreFailed, err)
		}

		records = append(records, record)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrStagingStoreFailed, err)
	}

	return records, nil
}

// MarkNormalized implements staging.Store.
func (s *StagingStore) MarkNormalized(ctx context.Context, id string, ref staging.NormalizedRef, at time.Time) error {
	query := `
		UPDATE staging_records
		SET status = 'normalized',
			normalized_kind = $2,
			normalized_id = $3,
			normalized_at = $4,
			last_error = '',
			error_category = '',
			key_error_fragment = '',
			updated_at = NOW()
		WHERE id = $1 AND deleted_at IS NULL AND status IN ('pending', 'failed')
	`

	return s.guardedUpdate(ctx, id, query, string(ref.Kind), ref.ID, at)
}

// MarkFailed implements staging.Store. last_retry_at is set only when the
// record was already failed: the first failure is an attempt, every later
// one is a re-attempt.
func (s *StagingStore) MarkFailed(ctx context.Context, id string, outcome staging.FailureOutcome) error {
	query := `
		UPDATE staging_records
		SET last_retry_at = CASE WHEN status = 'failed' THEN $4 ELSE last_retry_at END,
			status = 'failed',
			last_error = $2,
			error_category = $3,
			key_error_fragment = $5,
			retry_count = retry_count + 1,
			updated_at = NOW()
		WHERE id = $1 AND deleted_at IS NULL AND status IN ('pending', 'failed')
	`

	return s.guardedUpdate(ctx, id, query,
		outcome.Message,
		string(outcome.Category),
		outcome.AttemptedAt,
		staging.KeyErrorFragment(outcome.Message),
	)
}

// MarkDuplicate implements staging.Store.
func (s *StagingStore) MarkDuplicate(ctx context.Context, id string, duplicateOf string) error {
	query := `
		UPDATE staging_records
		SET status = 'duplicate',
			metadata = metadata || jsonb_build_object('duplicate_of', $2::text),
			updated_at = NOW()
		WHERE id = $1 AND deleted_at IS NULL AND status IN ('pending', 'failed')
	`

	return s.guardedUpdate(ctx, id, query, duplicateOf)
}

// Skip implements staging.Store. The reason lands in metadata, not
// last_error: a skip is an operator decision, not a failure.
func (s *StagingStore) Skip(ctx context.Context, id string, reason string) error {
	if reason == "" {
		return staging.ErrReasonRequired
	}

	query := `
		UPDATE staging_records
		SET status = 'skipped',
			metadata = metadata || jsonb_build_object('skip_reason', $2::text),
			updated_at = NOW()
		WHERE id = $1 AND deleted_at IS NULL AND status IN ('pending', 'failed')
	`

	return s.guardedUpdate(ctx, id, query, reason)
}

// Reset implements staging.Store. All normalization outcome fields clear; a
// breadcrumb of the reset (prior status, timestamp) appends to metadata so
// the record's history survives.
func (s *StagingStore) Reset(ctx context.Context, id string) error {
	query := `
		UPDATE staging_records
		SET metadata = metadata || jsonb_build_object(
				'reset_history',
				COALESCE(metadata -> 'reset_history', '[]'::jsonb) || jsonb_build_object(
					'from', status,
					'at', to_char(NOW() AT TIME ZONE 'UTC', 'YYYY-MM-DD"T"HH24:MI:SS"Z"')
				)
			),
			status = 'pending',
			normalized_kind = NULL,
			normalized_id = NULL,
			normalized_at = NULL,
			last_error = '',
			error_category = '',
			key_error_fragment = '',
			updated_at = NOW()
		WHERE id = $1 AND deleted_at IS NULL AND status IN ('failed', 'skipped', 'duplicate')
	`

	return s.guardedUpdate(ctx, id, query)
}

// guardedUpdate runs a status-guarded UPDATE and maps "zero rows affected"
// to the precise failure: the record is gone, or its status moved underneath
// the caller.
func (s *StagingStore) guardedUpdate(ctx context.Context, id, query string, args ...interface{}) error {
	allArgs := append([]interface{}{id}, args...)

	result, err := s.conn.ExecContext(ctx, query, allArgs...)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrStagingStoreFailed, err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("%w: %w", ErrStagingStoreFailed, err)
	}

	if affected > 0 {
		return nil
	}

	var exists bool

	check := `SELECT EXISTS(SELECT 1 FROM staging_records WHERE id = $1 AND deleted_at IS NULL)`
	if err := s.conn.QueryRowContext(ctx, check, id).Scan(&exists); err != nil {
		return fmt.Errorf("%w: %w", ErrStagingStoreFailed, err)
	}

	if !exists {
		return staging.ErrRecordNotFound
	}

	return staging.ErrStaleStatus
}

// buildStagingFilter assembles the WHERE clause and args for a listing.
func buildStagingFilter(filter *staging.Filter) (string, []interface{}) {
	clauses := []string{"deleted_at IS NULL"}

	var args []interface{}

	add := func(clause string, value interface{}) {
		args = append(args, value)
		clauses = append(clauses, fmt.Sprintf(clause, len(args)))
	}

	if filter != nil {
		if filter.ConfigurationID != 0 {
			add("configuration_id = $%d", filter.ConfigurationID)
		}

		if filter.ExecutionID != "" {
			add("execution_id = $%d", filter.ExecutionID)
		}

		if filter.ProviderSlug != "" {
			add("provider_slug = $%d", filter.ProviderSlug)
		}

		if filter.FeatureKey != "" {
			add("feature_key = $%d", filter.FeatureKey)
		}

		if filter.Status != "" {
			add("status = $%d", string(filter.Status))
		}

		if filter.ErrorContains != "" {
			add("last_error ILIKE '%%' || $%d || '%%'", filter.ErrorContains)
		}

		if filter.Retriable != nil {
			clauses = append(clauses, "status = 'failed'")
			add("(error_category = ANY($%d)) = TRUE", pq.Array(categoriesByRetriability(*filter.Retriable)))
		}

		if filter.CreatedFrom != nil {
			add("created_at >= $%d", *filter.CreatedFrom)
		}

		if filter.CreatedUntil != nil {
			add("created_at < $%d", *filter.CreatedUntil)
		}
	}

	return "WHERE " + strings.Join(clauses, " AND "), args
}

// categoriesByRetriability enumerates the categories matching the requested
// retriable flag, so the filter stays consistent with the classifier.
func categoriesByRetriability(retriable bool) []string {
	all := []staging.Category{
		staging.CategoryMappingNotFound,
		staging.CategoryAuthentication,
		staging.CategoryTimeout,
		staging.CategoryInvalidFormat,
		staging.CategoryMissingField,
		staging.CategoryDuplicate,
		staging.CategoryUnsupported,
		staging.CategoryUnknown,
	}

	var out []string

	for _, c := range all {
		if c.Retriable() == retriable {
			out = append(out, string(c))
		}
	}

	// Failed records written before classification existed carry an empty
	// category; treat them as retriable like unknown.
	if retriable {
		out = append(out, "")
	}

	return out
}

// rowScanner covers *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanRecord(row rowScanner) (*staging.Record, error) {
	var (
		record         staging.Record
		payloadJSON    []byte
		metadataJSON   []byte
		normalizedKind sql.NullString
		normalizedID   sql.NullString
		lastRetryAt    sql.NullTime
		normalizedAt   sql.NullTime
		deletedAt      sql.NullTime
		status         string
		category       string
	)

	err := row.Scan(
		&record.ID,
		&record.ExecutionID,
		&record.ConfigurationID,
		&record.ProviderSlug,
		&record.FeatureKey,
		&record.ExternalID,
		&payloadJSON,
		&status,
		&normalizedKind,
		&normalizedID,
		&record.LastError,
		&category,
		&record.RetryCount,
		&lastRetryAt,
		&normalizedAt,
		&metadataJSON,
		&record.CreatedAt,
		&deletedAt,
	)
	if err != nil {
		return nil, err
	}

	record.Status = staging.Status(status)
	record.ErrorCategory = staging.Category(category)

	if normalizedKind.Valid && normalizedID.Valid {
		record.NormalizedRef = &staging.NormalizedRef{
			Kind: staging.RecordKind(normalizedKind.String),
			ID:   normalizedID.String,
		}
	}

	if lastRetryAt.Valid {
		record.LastRetryAt = &lastRetryAt.Time
	}

	if normalizedAt.Valid {
		record.NormalizedAt = &normalizedAt.Time
	}

	if deletedAt.Valid {
		record.DeletedAt = &deletedAt.Time
	}

	if err := json.Unmarshal(payloadJSON, &record.Payload); err != nil {
		return nil, fmt.Errorf("failed to unmarshal payload: %w", err)
	}

	if len(metadataJSON) > 0 {
		if err := json.Unmarshal(metadataJSON, &record.Metadata); err != nil {
			return nil, fmt.Errorf("failed to unmarshal metadata: %w", err)
		}
	}

	return &record, nil
}

func scanRecordWithTotal(rows *sql.Rows) (*staging.Record, int, error) {
	var (
		record         staging.Record
		payloadJSON    []byte
		metadataJSON   []byte
		normalizedKind sql.NullString
		normalizedID   sql.NullString
		lastRetryAt    sql.NullTime
		normalizedAt   sql.NullTime
		deletedAt      sql.NullTime
		status         string
		category       string
		total          int
	)

	err := rows.Scan(
		&record.ID,
		&record.ExecutionID,
		&record.ConfigurationID,
		&record.ProviderSlug,
		&record.FeatureKey,
		&record.ExternalID,
		&payloadJSON,
		&status,
		&normalizedKind,
		&normalizedID,
		&record.LastError,
		&category,
		&record.RetryCount,
		&lastRetryAt,
		&normalizedAt,
		&metadataJSON,
		&record.CreatedAt,
		&deletedAt,
		&total,
	)
	if err != nil {
		return nil, 0, err
	}

	record.Status = staging.Status(status)
	record.ErrorCategory = staging.Category(category)

	if normalizedKind.Valid && normalizedID.Valid {
		record.NormalizedRef = &staging.NormalizedRef{
			Kind: staging.RecordKind(normalizedKind.String),
			ID:   normalizedID.String,
		}
	}

	if lastRetryAt.Valid {
		record.LastRetryAt = &lastRetryAt.Time
	}

	if normalizedAt.Valid {
		record.NormalizedAt = &normalizedAt.Time
	}

	if deletedAt.Valid {
		record.DeletedAt = &deletedAt.Time
	}

	if err := json.Unmarshal(payloadJSON, &record.Payload); err != nil {
		return nil, 0, fmt.Errorf("failed to unmarshal payload: %w", err)
	}

	if len(metadataJSON) > 0 {
		if err := json.Unmarshal(metadataJSON, &record.Metadata); err != nil {
			return nil, 0, fmt.Errorf("failed to unmarshal metadata: %w", err)
		}
	}

	return &record, total, nil
}
