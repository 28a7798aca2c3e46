package storage

import (
	"context"
	"fmt"
	"sync"

	"github.com/fleetsync-io/fleetsync/internal/syncrun"
)

// MemoryExecutionStore implements syncrun.Store (compile-time assertion).
var _ syncrun.Store = (*MemoryExecutionStore)(nil)

// MemoryExecutionStore is a thread-safe in-memory syncrun.Store for tests
// and local development.
type MemoryExecutionStore struct {
	mu         sync.RWMutex
	executions map[string]*syncrun.Execution
}

// NewMemoryExecutionStore creates an empty in-memory execution store.
func NewMemoryExecutionStore() *MemoryExecutionStore {
	return &MemoryExecutionStore{
		executions: make(map[string]*syncrun.Execution),
	}
}

// CreateExecution implements syncrun.Store.
func (s *MemoryExecutionStore) CreateExecution(_ context.Context, e *syncrun.Execution) error {
	if !e.Trigger.IsValid() {
		return fmt.Errorf("%w: got %q", syncrun.ErrTriggerInvalid, e.Trigger)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	stored := *e
	s.executions[e.ID] = &stored

	return nil
}

// FinishExecution implements syncrun.Store.
func (s *MemoryExecutionStore) FinishExecution(_ context.Context, e *syncrun.Execution) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored, ok := s.executions[e.ID]
	if !ok {
		return syncrun.ErrExecutionNotFound
	}

	if stored.Status != syncrun.StatusRunning {
		return syncrun.ErrAlreadyFinished
	}

	stored.Status = e.Status
	stored.FinishedAt = e.FinishedAt
	stored.DurationSeconds = e.DurationSeconds
	stored.ErrorMessage = e.ErrorMessage

	return nil
}

// AddCounts implements syncrun.Store.
func (s *MemoryExecutionStore) AddCounts(_ context.Context, id string, delta syncrun.Counts) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored, ok := s.executions[id]
	if !ok {
		return syncrun.ErrExecutionNotFound
	}

	stored.Counts.Add(delta)

	return nil
}

// GetExecution implements syncrun.Store.
func (s *MemoryExecutionStore) GetExecution(_ context.Context, id string) (*syncrun.Execution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stored, ok := s.executions[id]
	if !ok {
		return nil, syncrun.ErrExecutionNotFound
	}

	out := *stored

	if stored.FinishedAt != nil {
		at := *stored.FinishedAt
		out.FinishedAt = &at
	}

	return &out, nil
}
