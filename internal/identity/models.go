// Package identity provides temporal resolution of external device and card
// identifiers to vehicles.
//
// Providers reassign physical devices and fuel cards between vehicles over
// time, so "which vehicle owned external id X" is a function of time, not a
// static mapping. Each Mapping is a time-bounded claim; for a fixed
// (configuration, external id) the claims' [ValidFrom, ValidUntil) windows
// never overlap, so at most one vehicle owns a given external id at any
// instant. Historical events are attributed through point-in-time resolution
// against these windows, never through the current live mapping.
package identity

import (
	"errors"
	"fmt"
	"time"
)

type (
	// Mapping is a time-bounded claim that a vehicle owned an external
	// identifier under a configuration - Domain Model.
	Mapping struct {
		// ID is a UUID assigned at creation.
		ID string

		// VehicleID is the physical vehicle claiming the identifier.
		VehicleID int64

		// ConfigurationID scopes the claim to a tenant+provider configuration.
		ConfigurationID int64

		// ExternalID is the provider-native device/card identifier.
		ExternalID string

		// ExternalLabel is the provider-side display name. Non-authoritative;
		// refreshed on sync, never used for resolution.
		ExternalLabel string

		// ValidFrom is the inclusive start of the ownership window.
		ValidFrom time.Time

		// ValidUntil is the exclusive end of the ownership window. Nil means
		// open-ended: the mapping is current.
		ValidUntil *time.Time

		// MappedAt is when the claim was recorded.
		MappedAt time.Time

		// LastSyncAt is when provider-side metadata was last refreshed.
		LastSyncAt *time.Time

		// ExternalMetadata holds provider-side details (device model, card
		// program). Opaque to resolution.
		ExternalMetadata map[string]interface{}
	}

	// MappingKey identifies the scope the no-overlap invariant holds over.
	MappingKey struct {
		ConfigurationID int64
		ExternalID      string
	}
)

// Domain validation errors (static sentinel errors for errors.Is() checks).
var (
	// ErrVehicleIDInvalid indicates a non-positive vehicle id.
	ErrVehicleIDInvalid = errors.New("vehicle id must be positive")

	// ErrConfigurationIDInvalid indicates a non-positive configuration id.
	ErrConfigurationIDInvalid = errors.New("configuration id must be positive")

	// ErrExternalIDEmpty indicates external id is required.
	ErrExternalIDEmpty = errors.New("external id cannot be empty")

	// ErrValidFromZero indicates the window start is required.
	ErrValidFromZero = errors.New("valid-from cannot be zero")

	// ErrWindowInverted indicates validUntil precedes validFrom.
	ErrWindowInverted = errors.New("valid-until cannot precede valid-from")

	// ErrWindowOverlap indicates the window intersects an existing mapping
	// for the same (configuration, external id). Overlaps are rejected,
	// never resolved by truncating the conflicting interval: silently
	// mutating history would corrupt resolution for already-staged records.
	ErrWindowOverlap = errors.New("mapping window overlaps an existing mapping")

	// ErrVehicleAlreadyMapped indicates the vehicle already holds an
	// open-ended mapping under the configuration. A vehicle carries at most
	// one live device claim; Activate supersedes the old claim, an explicit
	// CreateMapping never does.
	ErrVehicleAlreadyMapped = errors.New("vehicle already has an open mapping")
)

// IsActive reports whether the mapping is the current open-ended claim.
// Derived from ValidUntil rather than stored separately, so the flag and the
// window cannot drift apart.
func (m *Mapping) IsActive() bool {
	return m.ValidUntil == nil
}

// Key returns the (configuration, external id) scope of the mapping.
func (m *Mapping) Key() MappingKey {
	return MappingKey{ConfigurationID: m.ConfigurationID, ExternalID: m.ExternalID}
}

// String renders the mapping key for logging.
func (k MappingKey) String() string {
	return fmt.Sprintf("%d/%s", k.ConfigurationID, k.ExternalID)
}

// Contains reports whether the timestamp falls inside the half-open window
// [ValidFrom, ValidUntil). A nil ValidUntil extends to +infinity.
func (m *Mapping) Contains(ts time.Time) bool {
	if ts.Before(m.ValidFrom) {
		return false
	}

	return m.ValidUntil == nil || ts.Before(*m.ValidUntil)
}

// Overlaps reports whether two half-open windows intersect:
// otherFrom < thisUntil AND (otherUntil is null OR otherUntil > thisFrom),
// treating a nil until as +infinity on either side.
func (m *Mapping) Overlaps(from time.Time, until *time.Time) bool {
	if m.ValidUntil != nil && !from.Before(*m.ValidUntil) {
		return false
	}

	if until != nil && !m.ValidFrom.Before(*until) {
		return false
	}

	return true
}

// Validate performs domain validation on the Mapping. The no-overlap
// invariant is checked against existing mappings by CheckOverlap at write
// time, not here.
func (m *Mapping) Validate() error {
	if m.VehicleID <= 0 {
		return fmt.Errorf("%w: got %d", ErrVehicleIDInvalid, m.VehicleID)
	}

	if m.ConfigurationID <= 0 {
		return fmt.Errorf("%w: got %d", ErrConfigurationIDInvalid, m.ConfigurationID)
	}

	if m.ExternalID == "" {
		return ErrExternalIDEmpty
	}

	if m.ValidFrom.IsZero() {
		return ErrValidFromZero
	}

	if m.ValidUntil != nil && m.ValidUntil.Before(m.ValidFrom) {
		return fmt.Errorf("%w: [%s, %s)", ErrWindowInverted,
			m.ValidFrom.Format(time.RFC3339), m.ValidUntil.Format(time.RFC3339))
	}

	return nil
}

// CheckOverlap rejects a candidate window that intersects any existing
// mapping for the same (configuration, external id). The candidate's own id
// is skipped so edits of an existing mapping validate against its siblings
// only.
func CheckOverlap(candidate *Mapping, existing []*Mapping) error {
	for _, other := range existing {
		if other.ID == candidate.ID {
			continue
		}

		if other.Key() != candidate.Key() {
			continue
		}

		if other.Overlaps(candidate.ValidFrom, candidate.ValidUntil) {
			return fmt.Errorf("%w: %s claimed by vehicle %d from %s",
				ErrWindowOverlap, candidate.ExternalID, other.VehicleID,
				other.ValidFrom.Format(time.RFC3339))
		}
	}

	return nil
}

// ResolveFrom picks the mapping whose window contains the timestamp. Under
// the no-overlap invariant at most one qualifies; if corrupted data yields
// several, the one with the latest ValidFrom wins, defending resolution
// against the corruption instead of propagating it.
func ResolveFrom(mappings []*Mapping, ts time.Time) (*Mapping, bool) {
	var best *Mapping

	for _, m := range mappings {
		if !m.Contains(ts) {
			continue
		}

		if best == nil || m.ValidFrom.After(best.ValidFrom) {
			best = m
		}
	}

	return best, best != nil
}
