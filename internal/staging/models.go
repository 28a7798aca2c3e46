// Package staging provides the domain model for raw provider telemetry held
// pending normalization into canonical fleet records.
//
// Every event fetched from a provider (a fuel transaction, a charge session, a
// card payment) lands here first as a StagingRecord. Records are deduplicated
// on (configuration, external id, feature) and carry their full processing
// history: status, retry count, last error and classification, and the
// reference to the canonical record once normalization succeeds.
package staging

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

type (
	// Status represents the processing state of a staging record.
	//
	// Lifecycle: records are created as pending, move to normalized on
	// successful normalization, to failed on a normalization error (retryable),
	// to duplicate when the normalized target already exists, or to skipped by
	// operator action. Reset moves failed/skipped/duplicate records back to
	// pending.
	Status string

	// RecordKind identifies the canonical record type a staging record was
	// normalized into. The (Kind, ID) pair is a tagged reference resolved by
	// the owning domain models; this package never dereferences it.
	RecordKind string

	// Payload is the raw provider event data. Providers define their own
	// shapes, so the payload is an opaque string-keyed map; only the
	// normalizer registered for the (provider, feature) pair interprets
	// specific keys.
	Payload map[string]interface{}

	// Metadata is a free-form annotation map on a staging record: skip
	// reasons, duplicate-of references, reset breadcrumbs.
	Metadata map[string]interface{}

	// NormalizedRef is a tagged reference to the canonical record produced by
	// normalization. Set if and only if the record status is normalized.
	NormalizedRef struct {
		Kind RecordKind
		ID   string
	}

	// DedupKey is the tuple that uniquely identifies a provider event across
	// repeated fetches. At most one non-deleted staging record exists per key,
	// enforced by a unique constraint at the storage layer.
	DedupKey struct {
		ConfigurationID int64
		ExternalID      string
		FeatureKey      string
	}

	// Record is one externally-sourced event awaiting or having undergone
	// normalization - Domain Model.
	//
	// Pure domain model without JSON tags; the storage layer maps it to the
	// staging_records table.
	Record struct {
		// ID is a UUID assigned at creation.
		ID string

		// ExecutionID is the sync execution that first staged this record.
		ExecutionID string

		// ConfigurationID scopes the record to a tenant+provider configuration.
		ConfigurationID int64

		// ProviderSlug identifies the upstream provider (e.g. "webfleet").
		ProviderSlug string

		// FeatureKey categorizes the data (e.g. "fuel", "battery",
		// "financial_import"). Part of the dedup key because the same
		// external id may legitimately appear under different features.
		FeatureKey string

		// ExternalID is the provider-native identifier, unique within the
		// (configuration, feature) scope.
		ExternalID string

		// Payload is the raw provider event data.
		Payload Payload

		// Status is the current processing state.
		Status Status

		// NormalizedRef references the canonical record once normalized.
		// Nil unless Status is StatusNormalized.
		NormalizedRef *NormalizedRef

		// LastError is the message from the most recent normalization failure.
		LastError string

		// ErrorCategory is the classification of LastError, recorded at
		// failure time so listings can filter on retriability without
		// re-running the classifier.
		ErrorCategory Category

		// RetryCount is the number of normalization attempts that failed.
		RetryCount int

		// LastRetryAt is when the most recent re-attempt of a previously
		// failed normalization ran. Nil until a record fails at least twice
		// or is retried.
		LastRetryAt *time.Time

		// NormalizedAt is the timestamp of the last normalization attempt,
		// successful or not.
		NormalizedAt *time.Time

		// Metadata holds free-form annotations.
		Metadata Metadata

		// CreatedAt is when the record was first staged.
		CreatedAt time.Time

		// DeletedAt is the soft-delete marker. Deleted records are excluded
		// from dedup and from every query surface.
		DeletedAt *time.Time
	}
)

const (
	// StatusPending indicates the record is waiting for normalization.
	StatusPending Status = "pending"

	// StatusNormalized indicates normalization succeeded (terminal success).
	StatusNormalized Status = "normalized"

	// StatusFailed indicates normalization failed. Retryable.
	StatusFailed Status = "failed"

	// StatusDuplicate indicates a duplicate was detected at normalization
	// time: the canonical target already exists. Distinct from ingestion-time
	// dedup, which never creates a second record at all.
	StatusDuplicate Status = "duplicate"

	// StatusSkipped indicates an operator excluded the record from
	// normalization with a mandatory reason.
	StatusSkipped Status = "skipped"
)

const (
	// KindRefueling references a canonical refueling record.
	KindRefueling RecordKind = "refueling"

	// KindCharge references a canonical charge session record.
	KindCharge RecordKind = "charge"

	// KindFinancialTransaction references a canonical financial transaction.
	KindFinancialTransaction RecordKind = "financial_transaction"
)

// Well-known feature keys. The set is open: providers may introduce new
// features without code changes here.
const (
	FeatureFuel            = "fuel"
	FeatureBattery         = "battery"
	FeatureFinancialImport = "financial_import"
)

// Metadata keys written by the state machine and operator actions.
const (
	// MetaSkipReason stores the operator-supplied reason for a skip.
	MetaSkipReason = "skip_reason"

	// MetaDuplicateOf stores the id of the record or canonical target a
	// duplicate collided with.
	MetaDuplicateOf = "duplicate_of"

	// MetaResetHistory stores breadcrumbs of operator resets (one entry per
	// reset with the prior status and timestamp).
	MetaResetHistory = "reset_history"
)

// Domain validation errors (static sentinel errors for errors.Is() checks).
var (
	// ErrConfigurationIDInvalid indicates a non-positive configuration id.
	ErrConfigurationIDInvalid = errors.New("configuration id must be positive")

	// ErrExternalIDEmpty indicates external id is required.
	ErrExternalIDEmpty = errors.New("external id cannot be empty")

	// ErrFeatureKeyEmpty indicates feature key is required.
	ErrFeatureKeyEmpty = errors.New("feature key cannot be empty")

	// ErrProviderSlugEmpty indicates provider slug is required.
	ErrProviderSlugEmpty = errors.New("provider slug cannot be empty")

	// ErrPayloadEmpty indicates the payload is nil or empty.
	ErrPayloadEmpty = errors.New("payload cannot be empty")

	// ErrStatusInvalid indicates an unknown status value.
	ErrStatusInvalid = errors.New("status must be one of: pending, normalized, failed, duplicate, skipped")

	// ErrNormalizedRefInconsistent indicates the normalized reference and the
	// status disagree: the reference is set if and only if status is normalized.
	ErrNormalizedRefInconsistent = errors.New("normalized reference set if and only if status is normalized")
)

// ValidStatuses returns all valid staging record statuses.
func ValidStatuses() []Status {
	return []Status{StatusPending, StatusNormalized, StatusFailed, StatusDuplicate, StatusSkipped}
}

// IsValid checks if the Status is a known value.
func (s Status) IsValid() bool {
	switch s {
	case StatusPending, StatusNormalized, StatusFailed, StatusDuplicate, StatusSkipped:
		return true
	default:
		return false
	}
}

// IsTerminal returns true for statuses that normal processing never leaves.
// Failed is not terminal: retry moves it back through normalization. Terminal
// statuses can still be reset by an operator, which is an explicit escape
// hatch, not a processing transition.
func (s Status) IsTerminal() bool {
	return s == StatusNormalized || s == StatusDuplicate || s == StatusSkipped
}

// String returns the string representation of the status.
func (s Status) String() string {
	return string(s)
}

// IsValid checks if the RecordKind is a known canonical record type.
func (k RecordKind) IsValid() bool {
	switch k {
	case KindRefueling, KindCharge, KindFinancialTransaction:
		return true
	default:
		return false
	}
}

// Key returns the dedup key for this record.
func (r *Record) Key() DedupKey {
	return DedupKey{
		ConfigurationID: r.ConfigurationID,
		ExternalID:      r.ExternalID,
		FeatureKey:      r.FeatureKey,
	}
}

// String renders the dedup key for logging.
func (k DedupKey) String() string {
	return fmt.Sprintf("%d/%s/%s", k.ConfigurationID, k.FeatureKey, k.ExternalID)
}

// Validate performs domain validation on the Record.
//
// Storage-level validations (unique constraint on the dedup key, FK to the
// owning execution) are handled by the storage layer.
func (r *Record) Validate() error {
	if r.ConfigurationID <= 0 {
		return fmt.Errorf("%w: got %d", ErrConfigurationIDInvalid, r.ConfigurationID)
	}

	if strings.TrimSpace(r.ExternalID) == "" {
		return ErrExternalIDEmpty
	}

	if strings.TrimSpace(r.FeatureKey) == "" {
		return ErrFeatureKeyEmpty
	}

	if strings.TrimSpace(r.ProviderSlug) == "" {
		return ErrProviderSlugEmpty
	}

	if !r.Status.IsValid() {
		return fmt.Errorf("%w: got '%s'", ErrStatusInvalid, r.Status)
	}

	hasRef := r.NormalizedRef != nil
	if hasRef != (r.Status == StatusNormalized) {
		return ErrNormalizedRefInconsistent
	}

	return nil
}

// Fingerprint returns a structural fingerprint of a payload.
//
// Two payloads with the same keys and values produce the same fingerprint
// regardless of in-memory map ordering: encoding/json marshals map keys in
// sorted order at every nesting level, so the serialized form is canonical.
// Ingestion compares fingerprints to decide duplicate (identical) versus
// updated (changed upstream).
//
// Returns: 64-character lowercase hex string (SHA256 output).
func Fingerprint(p Payload) string {
	if len(p) == 0 {
		return ""
	}

	// Marshal errors are not possible for values that arrived via JSON
	// decoding; a payload constructed in-process with an unmarshalable value
	// degrades to an empty fingerprint and is treated as changed.
	data, err := json.Marshal(p)
	if err != nil {
		return ""
	}

	sum := sha256.Sum256(data)

	return hex.EncodeToString(sum[:])
}

// KeyErrorFragment extracts a normalized fragment of an error message used to
// group failures sharing a root cause ("similar failures" lookup).
//
// The fragment is the error text lowercased, with volatile details stripped:
// digits collapse to '#' so ids and timestamps in messages do not split
// otherwise identical failures, and the result is capped to a stable prefix.
//
// Example:
//
//	"vehicle mapping not found for device 4711" and
//	"vehicle mapping not found for device 9000"
//	both yield "vehicle mapping not found for device #"
func KeyErrorFragment(errText string) string {
	const maxFragmentLen = 120

	if errText == "" {
		return ""
	}

	var b strings.Builder

	lastHash := false

	for _, r := range strings.ToLower(errText) {
		if r >= '0' && r <= '9' {
			if !lastHash {
				b.WriteByte('#')

				lastHash = true
			}

			continue
		}

		lastHash = false

		b.WriteRune(r)

		if b.Len() >= maxFragmentLen {
			break
		}
	}

	return strings.TrimSpace(b.String())
}
