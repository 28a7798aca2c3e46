package identity

import (
	"context"
	"errors"
	"time"
)

// Sentinel errors shared by every Store implementation.
var (
	// ErrMappingNotFound is returned when no mapping matches.
	ErrMappingNotFound = errors.New("identity mapping not found")
)

type (
	// ActivationPlan is the set of writes one Activate call commits as a
	// single atomic unit. Computed purely by PlanActivation so that every
	// store implementation applies identical semantics.
	ActivationPlan struct {
		// CloseIDs are open mappings to close by setting ValidUntil to the
		// activation start: the recycled-id mapping (same external id, other
		// vehicle) and the swapped-device mapping (same vehicle, other
		// external id).
		CloseIDs []string

		// Open is the new open-ended mapping to insert. Nil when NoOp.
		Open *Mapping

		// NoOp is true when the vehicle already holds the open mapping for
		// this external id. Re-activation is idempotent.
		NoOp bool
	}

	// Store defines identity mapping persistence.
	//
	// The domain package defines this interface; concrete implementations
	// (PostgreSQL, in-memory) live in internal/storage.
	//
	// Implementations must guarantee:
	//   - Activate computes its plan via PlanActivation and commits all of
	//     it inside one transaction/critical section scoped to the
	//     (configuration, external id) and (vehicle, configuration) keys it
	//     touches. Activations for unrelated keys do not block each other.
	//   - Every mapping write, not only Activate, enforces the no-overlap
	//     invariant (CheckOverlap semantics) and window validity, returning
	//     ErrWindowOverlap / ErrWindowInverted synchronously. Conflicts are
	//     never resolved by truncating the conflicting interval.
	Store interface {
		// Activate makes the vehicle the current owner of the external id
		// from startTime on, closing superseded claims atomically.
		Activate(ctx context.Context, vehicleID, configurationID int64, externalID string, startTime time.Time) error

		// ResolveAt returns the vehicle owning the external id at the given
		// instant, or ok=false when no window contains it. This is the
		// operation reprocessing uses: the current live mapping may have
		// changed since the event occurred.
		ResolveAt(ctx context.Context, externalID string, configurationID int64, ts time.Time) (vehicleID int64, ok bool, err error)

		// ListForKey returns all mappings for a (configuration, external id),
		// newest window first. Used by the audit surface and by tests
		// asserting the no-overlap invariant.
		ListForKey(ctx context.Context, configurationID int64, externalID string) ([]*Mapping, error)

		// OpenForVehicle returns the vehicle's current open-ended mapping
		// under the configuration, or ErrMappingNotFound.
		OpenForVehicle(ctx context.Context, vehicleID, configurationID int64) (*Mapping, error)

		// CreateMapping inserts an explicit mapping window (operator edit of
		// history, e.g. backfilling a closed window). Subject to the same
		// overlap guard as Activate; an open-ended insert for a vehicle that
		// already holds an open mapping returns ErrVehicleAlreadyMapped
		// rather than superseding the existing claim.
		CreateMapping(ctx context.Context, m *Mapping) error

		// HealthCheck verifies the backing storage is reachable.
		HealthCheck(ctx context.Context) error
	}
)

// PlanActivation computes the atomic write set for one Activate call from
// the two currently-open claims it may supersede:
//
//   - openForExternal: the open mapping for the same (configuration,
//     external id), regardless of vehicle. Owned by another vehicle, this is
//     the recycled-id case and the mapping closes at startTime. Owned by the
//     same vehicle, the activation is an idempotent no-op.
//   - openForVehicle: the open mapping for the same (vehicle, configuration)
//     but a different external id. This is the swapped-device case and it
//     closes at startTime too.
//
// All returned writes must commit together or not at all: committing the
// closes without the open would leave the external id orphaned.
func PlanActivation(
	vehicleID, configurationID int64,
	externalID string,
	startTime time.Time,
	openForExternal, openForVehicle *Mapping,
) (*ActivationPlan, error) {
	open := &Mapping{
		VehicleID:       vehicleID,
		ConfigurationID: configurationID,
		ExternalID:      externalID,
		ValidFrom:       startTime,
		MappedAt:        time.Now().UTC(),
	}

	if err := open.Validate(); err != nil {
		return nil, err
	}

	plan := &ActivationPlan{}

	if openForExternal != nil {
		if openForExternal.VehicleID == vehicleID {
			plan.NoOp = true

			return plan, nil
		}

		// Closing at startTime yields an empty [from, from) window when the
		// superseded claim started at the same instant; that degenerate
		// window matches nothing, which is the correct outcome for an
		// immediate correction.
		plan.CloseIDs = append(plan.CloseIDs, openForExternal.ID)
	}

	if openForVehicle != nil && openForVehicle.ExternalID != externalID {
		plan.CloseIDs = append(plan.CloseIDs, openForVehicle.ID)
	}

	plan.Open = open

	return plan, nil
}
