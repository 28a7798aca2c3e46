package staging

import (
	"context"
	"errors"
	"strings"
	"time"
)

// Query and pagination bounds.
const (
	// DefaultPageSize is applied when a listing request carries no limit.
	DefaultPageSize = 50

	// MaxPageSize caps a single listing page.
	MaxPageSize = 500

	// DefaultSimilarLimit bounds the similar-failure lookup.
	DefaultSimilarLimit = 20
)

// Sentinel errors shared by every Store implementation.
var (
	// ErrRecordNotFound is returned when no non-deleted record matches.
	ErrRecordNotFound = errors.New("staging record not found")

	// ErrStaleStatus is returned when a guarded status write finds the record
	// in a different source state than the transition requires. The caller
	// lost a race or acted on an outdated listing.
	ErrStaleStatus = errors.New("record status changed since it was read")
)

type (
	// Filter narrows staging record listings. Zero values mean "no filter".
	Filter struct {
		ConfigurationID int64
		ExecutionID     string
		ProviderSlug    string
		FeatureKey      string
		Status          Status

		// ErrorContains matches a substring of last_error (case-insensitive).
		ErrorContains string

		// Retriable filters failed records by classification: true returns
		// only retriable failures, false only permanent ones. Nil disables
		// the filter.
		Retriable *bool

		// CreatedFrom/CreatedUntil bound created_at, half-open.
		CreatedFrom  *time.Time
		CreatedUntil *time.Time
	}

	// Pagination bounds a listing page.
	Pagination struct {
		Limit  int
		Offset int
	}

	// ListResult is one page of records plus the unpaginated total, so
	// callers can render page counts.
	ListResult struct {
		Records    []*Record
		TotalCount int
	}

	// FailureOutcome carries everything a failed normalization attempt
	// writes in one guarded update.
	FailureOutcome struct {
		Message     string
		Category    Category
		AttemptedAt time.Time
	}

	// Store defines staging record persistence.
	//
	// The domain package defines this interface to specify what it needs;
	// concrete implementations (PostgreSQL, in-memory) live in
	// internal/storage.
	//
	// Implementations must guarantee:
	//   - Ingest resolves dedup-key races through a storage-level uniqueness
	//     constraint, never an application-level check-then-act: concurrent
	//     creates for one key yield exactly one created record, the loser
	//     observes duplicate or updated.
	//   - Every guarded status write (MarkNormalized, MarkFailed, Skip,
	//     Reset, MarkDuplicate) re-checks the legal source states atomically
	//     and returns ErrStaleStatus when the record moved underneath the
	//     caller.
	//   - Soft-deleted records are invisible to every method.
	Store interface {
		// Ingest stages one provider event: create on first sight of the
		// dedup key, no-op duplicate when the stored payload is structurally
		// identical, payload replacement (with normalized→pending reset)
		// when upstream changed the record.
		Ingest(ctx context.Context, req *IngestRequest) (*IngestResult, error)

		// GetRecord returns one record by id.
		GetRecord(ctx context.Context, id string) (*Record, error)

		// ListRecords returns a filtered, paginated listing.
		ListRecords(ctx context.Context, filter *Filter, page *Pagination) (*ListResult, error)

		// SimilarFailures returns failed records sharing the given record's
		// key error fragment, letting an operator see the blast radius of
		// one root cause. The reference record itself is excluded.
		SimilarFailures(ctx context.Context, id string, limit int) ([]*Record, error)

		// MarkNormalized transitions pending|failed → normalized, setting
		// the canonical reference and clearing the last error.
		MarkNormalized(ctx context.Context, id string, ref NormalizedRef, at time.Time) error

		// MarkFailed transitions pending|failed → failed, recording the
		// error, its classification, the attempt timestamp, and bumping the
		// retry count.
		MarkFailed(ctx context.Context, id string, outcome FailureOutcome) error

		// MarkDuplicate transitions pending|failed → duplicate, recording
		// what the record collided with in metadata.
		MarkDuplicate(ctx context.Context, id string, duplicateOf string) error

		// Skip transitions pending|failed → skipped with the operator's
		// reason stored in metadata.
		Skip(ctx context.Context, id string, reason string) error

		// Reset transitions failed|skipped|duplicate → pending, clearing all
		// normalization outcome fields and appending a reset breadcrumb to
		// metadata.
		Reset(ctx context.Context, id string) error

		// HealthCheck verifies the backing storage is reachable.
		HealthCheck(ctx context.Context) error
	}
)

// Normalize applies defaults and caps to a pagination request. Nil yields the
// default page.
func (p *Pagination) Normalize() Pagination {
	if p == nil {
		return Pagination{Limit: DefaultPageSize}
	}

	out := *p

	if out.Limit <= 0 {
		out.Limit = DefaultPageSize
	}

	if out.Limit > MaxPageSize {
		out.Limit = MaxPageSize
	}

	if out.Offset < 0 {
		out.Offset = 0
	}

	return out
}

// Matches reports whether a record satisfies the filter. Shared by the
// in-memory store and by tests; the PostgreSQL store expresses the same
// conditions in SQL.
func (f *Filter) Matches(r *Record) bool {
	if f == nil {
		return true
	}

	if f.ConfigurationID != 0 && r.ConfigurationID != f.ConfigurationID {
		return false
	}

	if f.ExecutionID != "" && r.ExecutionID != f.ExecutionID {
		return false
	}

	if f.ProviderSlug != "" && r.ProviderSlug != f.ProviderSlug {
		return false
	}

	if f.FeatureKey != "" && r.FeatureKey != f.FeatureKey {
		return false
	}

	if f.Status != "" && r.Status != f.Status {
		return false
	}

	if f.ErrorContains != "" && !containsFold(r.LastError, f.ErrorContains) {
		return false
	}

	if f.Retriable != nil {
		if r.Status != StatusFailed {
			return false
		}

		if r.ErrorCategory.Retriable() != *f.Retriable {
			return false
		}
	}

	if f.CreatedFrom != nil && r.CreatedAt.Before(*f.CreatedFrom) {
		return false
	}

	if f.CreatedUntil != nil && !r.CreatedAt.Before(*f.CreatedUntil) {
		return false
	}

	return true
}

func containsFold(haystack, needle string) bool {
	return strings.Contains(strings.ToLower(haystack), strings.ToLower(needle))
}
