// Staging record lifecycle state machine. Governs which status transitions
// are legal and which operator actions apply from which source states.
//
// Architecture:
//   - Application layer (this file): validates transitions before any write
//   - Database layer (storage): UPDATE ... WHERE status IN (...) re-checks the
//     source state atomically, so a concurrent transition cannot slip through
//     between validation and write
//
// Both layers exist on purpose: the application layer produces precise
// operator-facing errors, the database layer guarantees integrity under
// concurrent ingestion and bulk operations touching the same record.
package staging

import (
	"errors"
	"fmt"
)

// Action is an operator-facing bulk operation on staging records.
type Action string

const (
	// ActionRetry re-runs normalization. Applies from pending or failed.
	ActionRetry Action = "retry"

	// ActionSkip excludes the record from normalization with a mandatory
	// reason. Applies from pending or failed.
	ActionSkip Action = "skip"

	// ActionReset returns the record to pending, clearing all normalization
	// outcome fields. Applies from failed, skipped, or duplicate.
	ActionReset Action = "reset"
)

// Sentinel errors for state machine validation.
var (
	// ErrInvalidTransition indicates an illegal status transition.
	ErrInvalidTransition = errors.New("invalid status transition")

	// ErrActionNotAllowed indicates an operator action applied from a status
	// it does not cover (e.g. retry on a normalized record).
	ErrActionNotAllowed = errors.New("action not allowed from current status")

	// ErrUnknownAction indicates an unrecognized operator action.
	ErrUnknownAction = errors.New("unknown action")
)

// actionSources lists the legal source statuses per operator action.
var actionSources = map[Action][]Status{
	ActionRetry: {StatusPending, StatusFailed},
	ActionSkip:  {StatusPending, StatusFailed},
	ActionReset: {StatusFailed, StatusSkipped, StatusDuplicate},
}

// transitionTargets lists the legal target statuses per source status. A
// transition to the current status is never legal: callers must check the
// source state instead of issuing no-op writes.
var transitionTargets = map[Status][]Status{
	StatusPending:   {StatusNormalized, StatusFailed, StatusSkipped, StatusDuplicate},
	StatusFailed:    {StatusNormalized, StatusFailed, StatusSkipped, StatusDuplicate, StatusPending},
	StatusSkipped:   {StatusPending},
	StatusDuplicate: {StatusPending},
	// Normalized leaves only through ingestion's payload-change reset, which
	// is part of the ingest write itself, not a state machine action.
	StatusNormalized: {StatusPending},
}

// ValidateTransition checks whether moving a record from one status to
// another is legal.
//
// failed → failed is the one permitted self-transition: every failed
// normalization attempt rewrites the error and bumps the retry count, which
// is a real state change even though the status value stays the same.
func ValidateTransition(from, to Status) error {
	if !from.IsValid() {
		return fmt.Errorf("%w: unknown source status '%s'", ErrInvalidTransition, from)
	}

	if !to.IsValid() {
		return fmt.Errorf("%w: unknown target status '%s'", ErrInvalidTransition, to)
	}

	for _, target := range transitionTargets[from] {
		if target == to {
			return nil
		}
	}

	return fmt.Errorf("%w: %s → %s", ErrInvalidTransition, from, to)
}

// ActionSources returns the statuses an action may be applied from.
func ActionSources(action Action) ([]Status, error) {
	sources, ok := actionSources[action]
	if !ok {
		return nil, fmt.Errorf("%w: '%s'", ErrUnknownAction, action)
	}

	return sources, nil
}

// ValidateAction checks whether an operator action applies from the given
// status. Returns ErrActionNotAllowed with both the action and status named,
// so per-id outcomes in bulk operations are self-explanatory.
func ValidateAction(action Action, current Status) error {
	sources, err := ActionSources(action)
	if err != nil {
		return err
	}

	for _, s := range sources {
		if s == current {
			return nil
		}
	}

	return fmt.Errorf("%w: %s on %s record", ErrActionNotAllowed, action, current)
}
