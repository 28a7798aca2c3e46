// Package syncrun brackets one batch of fetch + ingest + normalize work.
//
// An Execution records when a sync ran, what triggered it, how long it took,
// and aggregate per-record counts. Once per-record processing has started,
// partial failure is expressed through the counts, not by failing the whole
// execution; an execution fails only when the surrounding orchestration
// (authentication, fetch) breaks before any record is processed.
package syncrun

import (
	"context"
	"errors"
	"fmt"
	"time"
)

type (
	// Status is the lifecycle state of a sync execution.
	Status string

	// TriggerType records what started an execution.
	TriggerType string

	// Counts aggregates per-record outcomes of one execution. Counters only
	// increase; corrections within the same batch add, never overwrite.
	Counts struct {
		// Fetched is the number of raw events returned by the connector.
		Fetched int

		// Processed is the number of records normalized successfully.
		Processed int

		// Failed is the number of records whose normalization failed.
		Failed int

		// Skipped is the number of records excluded from normalization.
		Skipped int

		// Duplicates is the number of events ingestion recognized as
		// byte-identical repeats of already-staged records.
		Duplicates int
	}

	// Execution is one bracketed sync batch - Domain Model.
	Execution struct {
		// ID is a UUID assigned at creation.
		ID string

		// ConfigurationID scopes the execution to a tenant+provider
		// configuration.
		ConfigurationID int64

		// FeatureKey is the data category this execution synced.
		FeatureKey string

		// Trigger records what started the execution.
		Trigger TriggerType

		// Status is running until Finish, then completed or failed, and
		// immutable thereafter except for count corrections made by the
		// same batch.
		Status Status

		// StartedAt is when the execution was created.
		StartedAt time.Time

		// FinishedAt is set exactly once by Finish.
		FinishedAt *time.Time

		// DurationSeconds is FinishedAt - StartedAt, computed by Finish.
		DurationSeconds float64

		// Counts aggregates per-record outcomes.
		Counts Counts

		// ErrorMessage is set when the execution failed before per-record
		// processing began.
		ErrorMessage string
	}

	// Store defines sync execution persistence. Implemented in
	// internal/storage (PostgreSQL and in-memory).
	Store interface {
		// CreateExecution persists a new running execution.
		CreateExecution(ctx context.Context, e *Execution) error

		// FinishExecution terminally updates a running execution. Returns
		// ErrAlreadyFinished when the execution is not running.
		FinishExecution(ctx context.Context, e *Execution) error

		// AddCounts adds deltas to a running execution's counters.
		AddCounts(ctx context.Context, id string, delta Counts) error

		// GetExecution returns one execution by id.
		GetExecution(ctx context.Context, id string) (*Execution, error)
	}
)

const (
	// StatusRunning indicates the execution is in flight.
	StatusRunning Status = "running"

	// StatusCompleted indicates the execution finished; per-record failures
	// show up in the counts, not here.
	StatusCompleted Status = "completed"

	// StatusFailed indicates orchestration broke before per-record
	// processing began.
	StatusFailed Status = "failed"
)

const (
	// TriggerManual marks operator-started executions.
	TriggerManual TriggerType = "manual"

	// TriggerScheduled marks timer-started executions.
	TriggerScheduled TriggerType = "scheduled"

	// TriggerTest marks connectivity-test executions.
	TriggerTest TriggerType = "test"
)

// Sentinel errors for execution lifecycle.
var (
	// ErrAlreadyFinished indicates a second Finish on the same execution.
	ErrAlreadyFinished = errors.New("execution already finished")

	// ErrExecutionNotFound is returned when no execution matches.
	ErrExecutionNotFound = errors.New("sync execution not found")

	// ErrTriggerInvalid indicates an unknown trigger type.
	ErrTriggerInvalid = errors.New("trigger must be one of: manual, scheduled, test")
)

// IsValid checks if the TriggerType is a known value.
func (t TriggerType) IsValid() bool {
	switch t {
	case TriggerManual, TriggerScheduled, TriggerTest:
		return true
	default:
		return false
	}
}

// IsTerminal reports whether the status is completed or failed.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Add accumulates another set of counts.
func (c *Counts) Add(delta Counts) {
	c.Fetched += delta.Fetched
	c.Processed += delta.Processed
	c.Failed += delta.Failed
	c.Skipped += delta.Skipped
	c.Duplicates += delta.Duplicates
}

// Finish terminally closes the execution, computing its duration. Called
// exactly once; a second call returns ErrAlreadyFinished.
func (e *Execution) Finish(success bool, errorMessage string, at time.Time) error {
	if e.Status != StatusRunning {
		return fmt.Errorf("%w: status is %s", ErrAlreadyFinished, e.Status)
	}

	e.FinishedAt = &at
	e.DurationSeconds = at.Sub(e.StartedAt).Seconds()

	if success {
		e.Status = StatusCompleted
	} else {
		e.Status = StatusFailed
		e.ErrorMessage = errorMessage
	}

	return nil
}
