package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/fleetsync-io/fleetsync/internal/identity"
)

// MemoryIdentityStore implements identity.Store (compile-time assertion).
var _ identity.Store = (*MemoryIdentityStore)(nil)

// MemoryIdentityStore is a thread-safe in-memory identity.Store for tests
// and local development. A single mutex stands in for the PostgreSQL store's
// per-key advisory locks; the semantics come from the same shared helpers
// (PlanActivation, CheckOverlap, ResolveFrom).
type MemoryIdentityStore struct {
	mu       sync.RWMutex
	mappings map[string]*identity.Mapping
}

// NewMemoryIdentityStore creates an empty in-memory identity mapping store.
func NewMemoryIdentityStore() *MemoryIdentityStore {
	return &MemoryIdentityStore{
		mappings: make(map[string]*identity.Mapping),
	}
}

// HealthCheck implements identity.Store. Always healthy.
func (s *MemoryIdentityStore) HealthCheck(_ context.Context) error {
	return nil
}

// Activate implements identity.Store.
func (s *MemoryIdentityStore) Activate(
	_ context.Context,
	vehicleID, configurationID int64,
	externalID string,
	startTime time.Time,
) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	openForExternal := s.openForExternalLocked(configurationID, externalID)
	openForVehicle := s.openForVehicleLocked(vehicleID, configurationID)

	plan, err := identity.PlanActivation(vehicleID, configurationID, externalID, startTime, openForExternal, openForVehicle)
	if err != nil {
		return err
	}

	if plan.NoOp {
		return nil
	}

	for _, closeID := range plan.CloseIDs {
		m := s.mappings[closeID]
		if m.ValidFrom.After(startTime) {
			return identity.ErrWindowInverted
		}
	}

	// Simulate the closes for the overlap check, then commit everything or
	// nothing.
	closed := make(map[string]bool, len(plan.CloseIDs))
	for _, id := range plan.CloseIDs {
		closed[id] = true
	}

	plan.Open.ID = uuid.NewString()

	var existing []*identity.Mapping

	for _, m := range s.mappings {
		if m.ConfigurationID != configurationID || m.ExternalID != externalID {
			continue
		}

		if closed[m.ID] {
			sim := *m
			until := startTime
			sim.ValidUntil = &until
			existing = append(existing, &sim)

			continue
		}

		existing = append(existing, m)
	}

	if err := identity.CheckOverlap(plan.Open, existing); err != nil {
		return err
	}

	for _, id := range plan.CloseIDs {
		until := startTime
		s.mappings[id].ValidUntil = &until
	}

	s.mappings[plan.Open.ID] = plan.Open

	return nil
}

// ResolveAt implements identity.Store.
func (s *MemoryIdentityStore) ResolveAt(
	_ context.Context,
	externalID string,
	configurationID int64,
	ts time.Time,
) (int64, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	m, ok := identity.ResolveFrom(s.forKeyLocked(configurationID, externalID), ts)
	if !ok {
		return 0, false, nil
	}

	return m.VehicleID, true, nil
}

// ListForKey implements identity.Store.
func (s *MemoryIdentityStore) ListForKey(
	_ context.Context,
	configurationID int64,
	externalID string,
) ([]*identity.Mapping, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	mappings := s.forKeyLocked(configurationID, externalID)

	sort.Slice(mappings, func(i, j int) bool {
		return mappings[i].ValidFrom.After(mappings[j].ValidFrom)
	})

	out := make([]*identity.Mapping, 0, len(mappings))
	for _, m := range mappings {
		out = append(out, cloneMapping(m))
	}

	return out, nil
}

// OpenForVehicle implements identity.Store.
func (s *MemoryIdentityStore) OpenForVehicle(
	_ context.Context,
	vehicleID, configurationID int64,
) (*identity.Mapping, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if m := s.openForVehicleLocked(vehicleID, configurationID); m != nil {
		return cloneMapping(m), nil
	}

	return nil, identity.ErrMappingNotFound
}

// CreateMapping implements identity.Store.
func (s *MemoryIdentityStore) CreateMapping(_ context.Context, m *identity.Mapping) error {
	if err := m.Validate(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := identity.CheckOverlap(m, s.forKeyLocked(m.ConfigurationID, m.ExternalID)); err != nil {
		return err
	}

	if m.ValidUntil == nil && s.openForVehicleLocked(m.VehicleID, m.ConfigurationID) != nil {
		return identity.ErrVehicleAlreadyMapped
	}

	stored := cloneMapping(m)
	if stored.ID == "" {
		stored.ID = uuid.NewString()
	}

	s.mappings[stored.ID] = stored
	m.ID = stored.ID

	return nil
}

func (s *MemoryIdentityStore) forKeyLocked(configurationID int64, externalID string) []*identity.Mapping {
	var out []*identity.Mapping

	for _, m := range s.mappings {
		if m.ConfigurationID == configurationID && m.ExternalID == externalID {
			out = append(out, m)
		}
	}

	return out
}

func (s *MemoryIdentityStore) openForExternalLocked(configurationID int64, externalID string) *identity.Mapping {
	for _, m := range s.mappings {
		if m.ConfigurationID == configurationID && m.ExternalID == externalID && m.ValidUntil == nil {
			return m
		}
	}

	return nil
}

func (s *MemoryIdentityStore) openForVehicleLocked(vehicleID, configurationID int64) *identity.Mapping {
	for _, m := range s.mappings {
		if m.VehicleID == vehicleID && m.ConfigurationID == configurationID && m.ValidUntil == nil {
			return m
		}
	}

	return nil
}

func cloneMapping(m *identity.Mapping) *identity.Mapping {
	out := *m

	if m.ValidUntil != nil {
		until := *m.ValidUntil
		out.ValidUntil = &until
	}

	if m.LastSyncAt != nil {
		at := *m.LastSyncAt
		out.LastSyncAt = &at
	}

	if m.ExternalMetadata != nil {
		out.ExternalMetadata = make(map[string]interface{}, len(m.ExternalMetadata))
		for k, v := range m.ExternalMetadata {
			out.ExternalMetadata[k] = v
		}
	}

	return &out
}
