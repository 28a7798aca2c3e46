package syncrun

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/google/uuid"

	"github.com/fleetsync-io/fleetsync/internal/config"
	"github.com/fleetsync-io/fleetsync/internal/staging"
)

type (
	// Connector fetches raw events from a provider for one feature and time
	// window. Provider API clients implement this outside the core pipeline;
	// the runner only consumes the batch they return.
	Connector interface {
		FetchEvents(ctx context.Context, featureKey string, from, to time.Time) ([]staging.RawEvent, error)
	}

	// Runner drives one sync execution end to end: open the bracket, fetch
	// a batch, stage every event, normalize the stageable ones, close the
	// bracket with aggregate counts.
	Runner struct {
		executions Store
		records    staging.Store
		processor  *staging.Processor
		logger     *slog.Logger
	}

	// Request describes one sync run.
	Request struct {
		ConfigurationID int64
		ProviderSlug    string
		FeatureKey      string
		Trigger         TriggerType

		// From/To bound the upstream fetch window.
		From time.Time
		To   time.Time
	}
)

// Sentinel errors for runner construction and requests.
var (
	// ErrExecutionStoreNil indicates the runner was built without an
	// execution store.
	ErrExecutionStoreNil = errors.New("execution store cannot be nil")

	// ErrRecordStoreNil indicates the runner was built without a staging store.
	ErrRecordStoreNil = errors.New("staging store cannot be nil")

	// ErrProcessorNil indicates the runner was built without a processor.
	ErrProcessorNil = errors.New("processor cannot be nil")

	// ErrConnectorNil indicates a run was requested without a connector.
	ErrConnectorNil = errors.New("connector cannot be nil")
)

// NewRunner creates a sync runner over the given stores and processor.
func NewRunner(executions Store, records staging.Store, processor *staging.Processor) (*Runner, error) {
	if executions == nil {
		return nil, ErrExecutionStoreNil
	}

	if records == nil {
		return nil, ErrRecordStoreNil
	}

	if processor == nil {
		return nil, ErrProcessorNil
	}

	return &Runner{
		executions: executions,
		records:    records,
		processor:  processor,
		logger: slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level: config.GetEnvLogLevel("LOG_LEVEL", slog.LevelInfo),
		})),
	}, nil
}

// Run executes one sync batch and returns the finished execution.
//
// The execution fails only when the fetch itself breaks: once per-record
// ingestion has started, every per-record outcome (duplicate, normalization
// failure, storage error on one record) is absorbed into the counts and the
// execution completes. The returned error is non-nil only when the execution
// bracket itself could not be maintained.
func (r *Runner) Run(ctx context.Context, connector Connector, req *Request) (*Execution, error) {
	if connector == nil {
		return nil, ErrConnectorNil
	}

	if !req.Trigger.IsValid() {
		return nil, fmt.Errorf("%w: got '%s'", ErrTriggerInvalid, req.Trigger)
	}

	exec := &Execution{
		ID:              uuid.NewString(),
		ConfigurationID: req.ConfigurationID,
		FeatureKey:      req.FeatureKey,
		Trigger:         req.Trigger,
		Status:          StatusRunning,
		StartedAt:       time.Now().UTC(),
	}

	if err := r.executions.CreateExecution(ctx, exec); err != nil {
		return nil, fmt.Errorf("create execution: %w", err)
	}

	r.logger.Info("sync execution started",
		slog.String("execution_id", exec.ID),
		slog.Int64("configuration_id", req.ConfigurationID),
		slog.String("feature", req.FeatureKey),
		slog.String("trigger", string(req.Trigger)),
	)

	events, err := connector.FetchEvents(ctx, req.FeatureKey, req.From, req.To)
	if err != nil {
		return r.finish(ctx, exec, false, fmt.Sprintf("fetch failed: %v", err))
	}

	counts := r.processBatch(ctx, exec, req, events)

	exec.Counts.Add(counts)

	if err := r.executions.AddCounts(ctx, exec.ID, counts); err != nil {
		r.logger.Error("failed to persist execution counts",
			slog.String("execution_id", exec.ID),
			slog.String("error", err.Error()),
		)
	}

	return r.finish(ctx, exec, true, "")
}

// processBatch stages and normalizes every event in the batch. Per-record
// failures are counted, never propagated.
func (r *Runner) processBatch(
	ctx context.Context,
	exec *Execution,
	req *Request,
	events []staging.RawEvent,
) Counts {
	counts := Counts{Fetched: len(events)}

	for _, event := range events {
		ingestReq := &staging.IngestRequest{
			ExecutionID:     exec.ID,
			ConfigurationID: req.ConfigurationID,
			ProviderSlug:    req.ProviderSlug,
			FeatureKey:      req.FeatureKey,
			ExternalID:      event.ExternalID,
			Payload:         event.Payload,
		}

		result, err := r.records.Ingest(ctx, ingestReq)
		if err != nil {
			counts.Failed++

			r.logger.Warn("ingest failed",
				slog.String("execution_id", exec.ID),
				slog.String("external_id", event.ExternalID),
				slog.String("error", err.Error()),
			)

			continue
		}

		if result.Outcome == staging.OutcomeDuplicate {
			counts.Duplicates++

			continue
		}

		// Created and updated records are pending and go straight through
		// normalization within the same execution.
		status, err := r.processor.Normalize(ctx, result.Record)
		if err != nil {
			counts.Failed++

			r.logger.Warn("normalization could not be applied",
				slog.String("execution_id", exec.ID),
				slog.String("record_id", result.Record.ID),
				slog.String("error", err.Error()),
			)

			continue
		}

		switch status {
		case staging.StatusNormalized:
			counts.Processed++
		case staging.StatusDuplicate:
			counts.Duplicates++
		default:
			counts.Failed++
		}
	}

	return counts
}

// finish closes the execution bracket, preferring the original outcome over
// any bookkeeping error.
func (r *Runner) finish(ctx context.Context, exec *Execution, success bool, errorMessage string) (*Execution, error) {
	if err := exec.Finish(success, errorMessage, time.Now().UTC()); err != nil {
		return exec, err
	}

	if err := r.executions.FinishExecution(ctx, exec); err != nil {
		return exec, fmt.Errorf("finish execution: %w", err)
	}

	r.logger.Info("sync execution finished",
		slog.String("execution_id", exec.ID),
		slog.String("status", string(exec.Status)),
		slog.Int("fetched", exec.Counts.Fetched),
		slog.Int("processed", exec.Counts.Processed),
		slog.Int("failed", exec.Counts.Failed),
		slog.Int("duplicates", exec.Counts.Duplicates),
		slog.Float64("duration_seconds", exec.DurationSeconds),
	)

	return exec, nil
}
