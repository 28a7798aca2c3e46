package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/fleetsync-io/fleetsync/internal/staging"
)

// MemoryStagingStore implements staging.Store (compile-time assertion).
var _ staging.Store = (*MemoryStagingStore)(nil)

// MemoryStagingStore is a thread-safe in-memory staging.Store for tests and
// local development. It applies the same semantics as the PostgreSQL store
// through the shared domain helpers (Fingerprint, Filter.Matches,
// ValidateTransition source sets).
type MemoryStagingStore struct {
	mu      sync.RWMutex
	records map[string]*staging.Record
	byKey   map[staging.DedupKey]string
}

// NewMemoryStagingStore creates an empty in-memory staging record store.
func NewMemoryStagingStore() *MemoryStagingStore {
	return &MemoryStagingStore{
		records: make(map[string]*staging.Record),
		byKey:   make(map[staging.DedupKey]string),
	}
}

// HealthCheck implements staging.Store. Always healthy.
func (s *MemoryStagingStore) HealthCheck(_ context.Context) error {
	return nil
}

// Ingest implements staging.Store.
func (s *MemoryStagingStore) Ingest(_ context.Context, req *staging.IngestRequest) (*staging.IngestResult, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	key := req.Key()

	if id, ok := s.byKey[key]; ok {
		existing := s.records[id]

		if staging.Fingerprint(existing.Payload) == staging.Fingerprint(req.Payload) {
			return &staging.IngestResult{Outcome: staging.OutcomeDuplicate, Record: cloneRecord(existing)}, nil
		}

		existing.Payload = clonePayload(req.Payload)

		if existing.Status == staging.StatusNormalized {
			existing.Status = staging.StatusPending
			existing.NormalizedRef = nil
			existing.NormalizedAt = nil
			existing.LastError = ""
			existing.ErrorCategory = ""
		}

		return &staging.IngestResult{Outcome: staging.OutcomeUpdated, Record: cloneRecord(existing)}, nil
	}

	record := req.NewRecord(time.Now().UTC())
	record.ID = uuid.NewString()

	s.records[record.ID] = record
	s.byKey[key] = record.ID

	return &staging.IngestResult{Outcome: staging.OutcomeCreated, Record: cloneRecord(record)}, nil
}

// GetRecord implements staging.Store.
func (s *MemoryStagingStore) GetRecord(_ context.Context, id string) (*staging.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	record, ok := s.records[id]
	if !ok || record.DeletedAt != nil {
		return nil, staging.ErrRecordNotFound
	}

	return cloneRecord(record), nil
}

// ListRecords implements staging.Store.
func (s *MemoryStagingStore) ListRecords(
	_ context.Context,
	filter *staging.Filter,
	page *staging.Pagination,
) (*staging.ListResult, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var matched []*staging.Record

	for _, record := range s.records {
		if record.DeletedAt != nil {
			continue
		}

		if filter.Matches(record) {
			matched = append(matched, record)
		}
	}

	// Newest first, id as tiebreaker, mirroring the SQL ordering.
	sort.Slice(matched, func(i, j int) bool {
		if !matched[i].CreatedAt.Equal(matched[j].CreatedAt) {
			return matched[i].CreatedAt.After(matched[j].CreatedAt)
		}

		return matched[i].ID < matched[j].ID
	})

	p := page.Normalize()
	result := &staging.ListResult{TotalCount: len(matched)}

	for i := p.Offset; i < len(matched) && i < p.Offset+p.Limit; i++ {
		result.Records = append(result.Records, cloneRecord(matched[i]))
	}

	return result, nil
}

// SimilarFailures implements staging.Store.
func (s *MemoryStagingStore) SimilarFailures(ctx context.Context, id string, limit int) ([]*staging.Record, error) {
	reference, err := s.GetRecord(ctx, id)
	if err != nil {
		return nil, err
	}

	fragment := staging.KeyErrorFragment(reference.LastError)
	if fragment == "" {
		return nil, nil
	}

	if limit <= 0 {
		limit = staging.DefaultSimilarLimit
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	var matched []*staging.Record

	for _, record := range s.records {
		if record.ID == id || record.DeletedAt != nil || record.Status != staging.StatusFailed {
			continue
		}

		if staging.KeyErrorFragment(record.LastError) == fragment {
			matched = append(matched, record)
		}
	}

	sort.Slice(matched, func(i, j int) bool {
		return matched[i].CreatedAt.After(matched[j].CreatedAt)
	})

	if len(matched) > limit {
		matched = matched[:limit]
	}

	out := make([]*staging.Record, 0, len(matched))
	for _, record := range matched {
		out = append(out, cloneRecord(record))
	}

	return out, nil
}

// MarkNormalized implements staging.Store.
func (s *MemoryStagingStore) MarkNormalized(_ context.Context, id string, ref staging.NormalizedRef, at time.Time) error {
	return s.guarded(id, []staging.Status{staging.StatusPending, staging.StatusFailed}, func(r *staging.Record) {
		r.Status = staging.StatusNormalized
		refCopy := ref
		r.NormalizedRef = &refCopy
		atCopy := at
		r.NormalizedAt = &atCopy
		r.LastError = ""
		r.ErrorCategory = ""
	})
}

// MarkFailed implements staging.Store.
func (s *MemoryStagingStore) MarkFailed(_ context.Context, id string, outcome staging.FailureOutcome) error {
	return s.guarded(id, []staging.Status{staging.StatusPending, staging.StatusFailed}, func(r *staging.Record) {
		if r.Status == staging.StatusFailed {
			at := outcome.AttemptedAt
			r.LastRetryAt = &at
		}

		r.Status = staging.StatusFailed
		r.LastError = outcome.Message
		r.ErrorCategory = outcome.Category
		r.RetryCount++
	})
}

// MarkDuplicate implements staging.Store.
func (s *MemoryStagingStore) MarkDuplicate(_ context.Context, id string, duplicateOf string) error {
	return s.guarded(id, []staging.Status{staging.StatusPending, staging.StatusFailed}, func(r *staging.Record) {
		r.Status = staging.StatusDuplicate
		setMetadata(r, staging.MetaDuplicateOf, duplicateOf)
	})
}

// Skip implements staging.Store.
func (s *MemoryStagingStore) Skip(_ context.Context, id string, reason string) error {
	if reason == "" {
		return staging.ErrReasonRequired
	}

	return s.guarded(id, []staging.Status{staging.StatusPending, staging.StatusFailed}, func(r *staging.Record) {
		r.Status = staging.StatusSkipped
		setMetadata(r, staging.MetaSkipReason, reason)
	})
}

// Reset implements staging.Store.
func (s *MemoryStagingStore) Reset(_ context.Context, id string) error {
	sources := []staging.Status{staging.StatusFailed, staging.StatusSkipped, staging.StatusDuplicate}

	return s.guarded(id, sources, func(r *staging.Record) {
		entry := map[string]interface{}{
			"from": string(r.Status),
			"at":   time.Now().UTC().Format(time.RFC3339),
		}

		history, _ := r.Metadata[staging.MetaResetHistory].([]interface{})
		setMetadata(r, staging.MetaResetHistory, append(history, entry))

		r.Status = staging.StatusPending
		r.NormalizedRef = nil
		r.NormalizedAt = nil
		r.LastError = ""
		r.ErrorCategory = ""
	})
}

// guarded applies a mutation only when the record exists, is not
// soft-deleted, and currently sits in one of the legal source states.
func (s *MemoryStagingStore) guarded(id string, sources []staging.Status, mutate func(*staging.Record)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	record, ok := s.records[id]
	if !ok || record.DeletedAt != nil {
		return staging.ErrRecordNotFound
	}

	for _, src := range sources {
		if record.Status == src {
			mutate(record)

			return nil
		}
	}

	return staging.ErrStaleStatus
}

func setMetadata(r *staging.Record, key string, value interface{}) {
	if r.Metadata == nil {
		r.Metadata = make(staging.Metadata)
	}

	r.Metadata[key] = value
}

func cloneRecord(r *staging.Record) *staging.Record {
	out := *r
	out.Payload = clonePayload(r.Payload)

	if r.Metadata != nil {
		out.Metadata = make(staging.Metadata, len(r.Metadata))
		for k, v := range r.Metadata {
			out.Metadata[k] = v
		}
	}

	if r.NormalizedRef != nil {
		ref := *r.NormalizedRef
		out.NormalizedRef = &ref
	}

	return &out
}

func clonePayload(p staging.Payload) staging.Payload {
	if p == nil {
		return nil
	}

	out := make(staging.Payload, len(p))
	for k, v := range p {
		out[k] = v
	}

	return out
}
