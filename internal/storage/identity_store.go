package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"log/slog"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/fleetsync-io/fleetsync/internal/config"
	"github.com/fleetsync-io/fleetsync/internal/identity"
)

// Sentinel errors for identity mapping storage operations.
var (
	// ErrIdentityStoreFailed is returned when an identity storage operation fails.
	ErrIdentityStoreFailed = errors.New("identity mapping storage failed")

	// IdentityStore implements identity.Store (compile-time assertion).
	_ identity.Store = (*IdentityStore)(nil)
)

const mappingColumns = `
	id, vehicle_id, configuration_id, external_id, external_label,
	valid_from, valid_until, mapped_at, last_sync_at, external_metadata
`

// IdentityStore implements identity.Store with a PostgreSQL backend.
//
// Concurrency design:
//   - Activate serializes on transaction-scoped advisory locks derived from
//     the (configuration, external id) and (vehicle, configuration) keys it
//     touches, so two activations racing over the same device or the same
//     vehicle order themselves, while unrelated keys proceed in parallel.
//     Lock keys acquire in sorted order to rule out lock-order deadlock.
//   - The overlap guard runs in the application (identity.CheckOverlap)
//     under the advisory lock; the btree_gist EXCLUDE constraint in the
//     schema backstops it against any write path that bypasses this store.
type IdentityStore struct {
	conn   *Connection
	logger *slog.Logger
}

// NewIdentityStore creates a PostgreSQL-backed identity mapping store.
func NewIdentityStore(conn *Connection) (*IdentityStore, error) {
	if conn == nil {
		return nil, ErrNoDatabaseConnection
	}

	return &IdentityStore{
		conn: conn,
		logger: slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level: config.GetEnvLogLevel("LOG_LEVEL", slog.LevelInfo),
		})),
	}, nil
}

// HealthCheck verifies the database connection is healthy.
func (s *IdentityStore) HealthCheck(ctx context.Context) error {
	return s.conn.HealthCheck(ctx)
}

// Activate implements identity.Store.
func (s *IdentityStore) Activate(
	ctx context.Context,
	vehicleID, configurationID int64,
	externalID string,
	startTime time.Time,
) error {
	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%w: failed to begin transaction: %w", ErrIdentityStoreFailed, err)
	}

	defer func() {
		_ = tx.Rollback() // Safe to call even after commit
	}()

	locks := []int64{
		advisoryLockKey("ext", configurationID, externalID),
		advisoryLockKey("veh", configurationID, fmt.Sprintf("%d", vehicleID)),
	}
	if locks[1] < locks[0] {
		locks[0], locks[1] = locks[1], locks[0]
	}

	for _, key := range locks {
		if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock($1)`, key); err != nil {
			return fmt.Errorf("%w: failed to acquire advisory lock: %w", ErrIdentityStoreFailed, err)
		}
	}

	openForExternal, err := openMappingForExternal(ctx, tx, configurationID, externalID)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrIdentityStoreFailed, err)
	}

	openForVehicle, err := openMappingForVehicle(ctx, tx, vehicleID, configurationID)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrIdentityStoreFailed, err)
	}

	plan, err := identity.PlanActivation(vehicleID, configurationID, externalID, startTime, openForExternal, openForVehicle)
	if err != nil {
		return err
	}

	if plan.NoOp {
		s.logger.Debug("activation is a no-op, vehicle already owns external id",
			slog.Int64("vehicle_id", vehicleID),
			slog.String("external_id", externalID),
		)

		return tx.Commit()
	}

	for _, closeID := range plan.CloseIDs {
		if err := closeMapping(ctx, tx, closeID, startTime); err != nil {
			return err
		}
	}

	plan.Open.ID = uuid.NewString()

	existing, err := listForKeyTx(ctx, tx, configurationID, externalID)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrIdentityStoreFailed, err)
	}

	if err := identity.CheckOverlap(plan.Open, existing); err != nil {
		return err
	}

	if err := insertMapping(ctx, tx, plan.Open); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%w: %w", ErrIdentityStoreFailed, err)
	}

	s.logger.Info("identity mapping activated",
		slog.Int64("vehicle_id", vehicleID),
		slog.Int64("configuration_id", configurationID),
		slog.String("external_id", externalID),
		slog.Int("closed", len(plan.CloseIDs)),
	)

	return nil
}

// ResolveAt implements identity.Store. Point-in-time resolution against the
// window containing the instant; when windows were corrected such that more
// than one contains it (transiently impossible under the EXCLUDE constraint,
// but cheap to order), the latest-starting window wins.
func (s *IdentityStore) ResolveAt(
	ctx context.Context,
	externalID string,
	configurationID int64,
	ts time.Time,
) (int64, bool, error) {
	query := `
		SELECT vehicle_id
		FROM identity_mappings
		WHERE configuration_id = $1 AND external_id = $2
		  AND valid_from <= $3
		  AND (valid_until IS NULL OR valid_until > $3)
		ORDER BY valid_from DESC
		LIMIT 1
	`

	var vehicleID int64

	err := s.conn.QueryRowContext(ctx, query, configurationID, externalID, ts).Scan(&vehicleID)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}

	if err != nil {
		return 0, false, fmt.Errorf("%w: %w", ErrIdentityStoreFailed, err)
	}

	return vehicleID, true, nil
}

// ListForKey implements identity.Store.
func (s *IdentityStore) ListForKey(ctx context.Context, configurationID int64, externalID string) ([]*identity.Mapping, error) {
	query := `
		SELECT ` + mappingColumns + `
		FROM identity_mappings
		WHERE configuration_id = $1 AND external_id = $2
		ORDER BY valid_from DESC
	`

	rows, err := s.conn.QueryContext(ctx, query, configurationID, externalID)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrIdentityStoreFailed, err)
	}

	defer func() {
		_ = rows.Close()
	}()

	var mappings []*identity.Mapping

	for rows.Next() {
		m, err := scanMapping(rows)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrIdentityStoreFailed, err)
		}

		mappings = append(mappings, m)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrIdentityStoreFailed, err)
	}

	return mappings, nil
}

// OpenForVehicle implements identity.Store.
func (s *IdentityStore) OpenForVehicle(ctx context.Context, vehicleID, configurationID int64) (*identity.Mapping, error) {
	query := `
		SELECT ` + mappingColumns + `
		FROM identity_mappings
		WHERE vehicle_id = $1 AND configuration_id = $2 AND valid_until IS NULL
	`

	m, err := scanMapping(s.conn.QueryRowContext(ctx, query, vehicleID, configurationID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, identity.ErrMappingNotFound
	}

	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrIdentityStoreFailed, err)
	}

	return m, nil
}

// CreateMapping implements identity.Store. Operator edits of history run
// under the same advisory locks and guards as Activate, but never supersede
// an existing claim: an open-ended insert for a vehicle that already holds
// one is rejected.
func (s *IdentityStore) CreateMapping(ctx context.Context, m *identity.Mapping) error {
	if err := m.Validate(); err != nil {
		return err
	}

	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%w: failed to begin transaction: %w", ErrIdentityStoreFailed, err)
	}

	defer func() {
		_ = tx.Rollback() // Safe to call even after commit
	}()

	locks := []int64{
		advisoryLockKey("ext", m.ConfigurationID, m.ExternalID),
		advisoryLockKey("veh", m.ConfigurationID, fmt.Sprintf("%d", m.VehicleID)),
	}
	if locks[1] < locks[0] {
		locks[0], locks[1] = locks[1], locks[0]
	}

	for _, key := range locks {
		if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock($1)`, key); err != nil {
			return fmt.Errorf("%w: failed to acquire advisory lock: %w", ErrIdentityStoreFailed, err)
		}
	}

	existing, err := listForKeyTx(ctx, tx, m.ConfigurationID, m.ExternalID)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrIdentityStoreFailed, err)
	}

	if err := identity.CheckOverlap(m, existing); err != nil {
		return err
	}

	if m.ValidUntil == nil {
		open, err := openMappingForVehicle(ctx, tx, m.VehicleID, m.ConfigurationID)
		if err != nil {
			return fmt.Errorf("%w: %w", ErrIdentityStoreFailed, err)
		}

		if open != nil {
			return fmt.Errorf("%w: vehicle %d", identity.ErrVehicleAlreadyMapped, m.VehicleID)
		}
	}

	if m.ID == "" {
		m.ID = uuid.NewString()
	}

	if err := insertMapping(ctx, tx, m); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%w: %w", ErrIdentityStoreFailed, err)
	}

	return nil
}

func openMappingForExternal(ctx context.Context, tx *sql.Tx, configurationID int64, externalID string) (*identity.Mapping, error) {
	query := `
		SELECT ` + mappingColumns + `
		FROM identity_mappings
		WHERE configuration_id = $1 AND external_id = $2 AND valid_until IS NULL
		FOR UPDATE
	`

	m, err := scanMapping(tx.QueryRowContext(ctx, query, configurationID, externalID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}

	if err != nil {
		return nil, err
	}

	return m, nil
}

func openMappingForVehicle(ctx context.Context, tx *sql.Tx, vehicleID, configurationID int64) (*identity.Mapping, error) {
	query := `
		SELECT ` + mappingColumns + `
		FROM identity_mappings
		WHERE vehicle_id = $1 AND configuration_id = $2 AND valid_until IS NULL
		FOR UPDATE
	`

	m, err := scanMapping(tx.QueryRowContext(ctx, query, vehicleID, configurationID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}

	if err != nil {
		return nil, err
	}

	return m, nil
}

func listForKeyTx(ctx context.Context, tx *sql.Tx, configurationID int64, externalID string) ([]*identity.Mapping, error) {
	query := `
		SELECT ` + mappingColumns + `
		FROM identity_mappings
		WHERE configuration_id = $1 AND external_id = $2
		ORDER BY valid_from DESC
	`

	rows, err := tx.QueryContext(ctx, query, configurationID, externalID)
	if err != nil {
		return nil, err
	}

	defer func() {
		_ = rows.Close()
	}()

	var mappings []*identity.Mapping

	for rows.Next() {
		m, err := scanMapping(rows)
		if err != nil {
			return nil, err
		}

		mappings = append(mappings, m)
	}

	return mappings, rows.Err()
}

func closeMapping(ctx context.Context, tx *sql.Tx, id string, at time.Time) error {
	result, err := tx.ExecContext(ctx, `
		UPDATE identity_mappings
		SET valid_until = $2
		WHERE id = $1 AND valid_until IS NULL AND valid_from <= $2
	`, id, at)
	if err != nil {
		return fmt.Errorf("%w: failed to close mapping: %w", ErrIdentityStoreFailed, err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("%w: %w", ErrIdentityStoreFailed, err)
	}

	if affected == 0 {
		// The open mapping started after the activation instant. Closing it
		// would invert its window; the conflict surfaces to the caller
		// instead of being papered over.
		return fmt.Errorf("%w: open mapping %s starts after activation time", identity.ErrWindowInverted, id)
	}

	return nil
}

func insertMapping(ctx context.Context, tx *sql.Tx, m *identity.Mapping) error {
	metadataJSON, err := json.Marshal(m.ExternalMetadata)
	if err != nil {
		return fmt.Errorf("%w: failed to marshal metadata: %w", ErrIdentityStoreFailed, err)
	}

	if m.ExternalMetadata == nil {
		metadataJSON = []byte(`{}`)
	}

	query := `
		INSERT INTO identity_mappings (
			id, vehicle_id, configuration_id, external_id, external_label,
			valid_from, valid_until, mapped_at, last_sync_at, external_metadata
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`

	_, err = tx.ExecContext(
		ctx,
		query,
		m.ID,
		m.VehicleID,
		m.ConfigurationID,
		m.ExternalID,
		m.ExternalLabel,
		m.ValidFrom,
		m.ValidUntil,
		m.MappedAt,
		m.LastSyncAt,
		metadataJSON,
	)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) {
			switch {
			// 23P01: exclusion_violation from the btree_gist backstop.
			case pqErr.Code == "23P01":
				return fmt.Errorf("%w: %s", identity.ErrWindowOverlap, m.ExternalID)
			// 23505 on the one-open-mapping-per-vehicle partial index.
			case pqErr.Code == "23505" && pqErr.Constraint == "idx_identity_mappings_open_vehicle":
				return fmt.Errorf("%w: vehicle %d", identity.ErrVehicleAlreadyMapped, m.VehicleID)
			}
		}

		return fmt.Errorf("%w: failed to insert mapping: %w", ErrIdentityStoreFailed, err)
	}

	return nil
}

// advisoryLockKey derives a 64-bit advisory lock key from a lock scope and
// the identifying fields. FNV keeps the derivation stable across processes.
func advisoryLockKey(scope string, configurationID int64, id string) int64 {
	h := fnv.New64a()
	_, _ = fmt.Fprintf(h, "%s:%d:%s", scope, configurationID, id)

	return int64(h.Sum64()) //nolint:gosec // deliberate wraparound into signed lock space
}

func scanMapping(row rowScanner) (*identity.Mapping, error) {
	var (
		m            identity.Mapping
		validUntil   sql.NullTime
		lastSyncAt   sql.NullTime
		metadataJSON []byte
	)

	err := row.Scan(
		&m.ID,
		&m.VehicleID,
		&m.ConfigurationID,
		&m.ExternalID,
		&m.ExternalLabel,
		&m.ValidFrom,
		&validUntil,
		&m.MappedAt,
		&lastSyncAt,
		&metadataJSON,
	)
	if err != nil {
		return nil, err
	}

	if validUntil.Valid {
		m.ValidUntil = &validUntil.Time
	}

	if lastSyncAt.Valid {
		m.LastSyncAt = &lastSyncAt.Time
	}

	if len(metadataJSON) > 0 {
		if err := json.Unmarshal(metadataJSON, &m.ExternalMetadata); err != nil {
			return nil, fmt.Errorf("failed to unmarshal external metadata: %w", err)
		}
	}

	return &m, nil
}
