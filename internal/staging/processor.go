package staging

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"golang.org/x/time/rate"

	"github.com/fleetsync-io/fleetsync/internal/config"
)

// MaxBulkIDs bounds one bulk retry/skip/reset call.
const MaxBulkIDs = 1000

// Validation errors for bulk operations, rejected before any record is touched.
var (
	// ErrEmptyBatch indicates an empty id list.
	ErrEmptyBatch = errors.New("id list cannot be empty")

	// ErrBatchTooLarge indicates more than MaxBulkIDs ids in one call.
	ErrBatchTooLarge = errors.New("id list exceeds maximum batch size")

	// ErrReasonRequired indicates a skip without the mandatory reason.
	ErrReasonRequired = errors.New("skip reason cannot be empty")

	// ErrStoreNil indicates the processor was constructed without a store.
	ErrStoreNil = errors.New("store cannot be nil")

	// ErrRegistryNil indicates the processor was constructed without a registry.
	ErrRegistryNil = errors.New("registry cannot be nil")
)

type (
	// ActionOutcome is the per-id result of one bulk operation entry.
	ActionOutcome struct {
		ID string

		// OK is true when the action applied. For retry that means the
		// record landed normalized or duplicate; a retry whose normalization
		// fails again reports OK false with the fresh failure message.
		OK bool

		// Status is the record's status after the action, when known.
		Status Status

		// Error describes why the id counts as failed (record not found,
		// wrong source state, storage failure, normalization error).
		Error string
	}

	// BulkResult summarizes one bulk operation.
	BulkResult struct {
		Succeeded int
		Failed    int
		Duration  time.Duration
		Outcomes  []ActionOutcome
	}

	// Processor drives normalization: automatic, after ingestion during a
	// sync run, and manual, through the operator bulk actions. One record's
	// failure never aborts its siblings; panics inside a normalizer are
	// caught at the per-record boundary and recorded as that record's
	// failure.
	Processor struct {
		store      Store
		registry   *Registry
		classifier *Classifier
		limiter    *rate.Limiter
		logger     *slog.Logger
	}

	// ProcessorOption configures optional Processor behavior.
	ProcessorOption func(*Processor)
)

// WithRateLimiter throttles normalizer invocations. Useful when normalizers
// call out to mapping lookups and a bulk retry of thousands of records would
// otherwise stampede them.
func WithRateLimiter(l *rate.Limiter) ProcessorOption {
	return func(p *Processor) {
		p.limiter = l
	}
}

// WithLogger overrides the default JSON logger.
func WithLogger(logger *slog.Logger) ProcessorOption {
	return func(p *Processor) {
		p.logger = logger
	}
}

// NewProcessor creates a processor over the given store and normalizer
// registry. A nil classifier falls back to the built-in rules.
func NewProcessor(store Store, registry *Registry, classifier *Classifier, opts ...ProcessorOption) (*Processor, error) {
	if store == nil {
		return nil, ErrStoreNil
	}

	if registry == nil {
		return nil, ErrRegistryNil
	}

	if classifier == nil {
		classifier = NewClassifier()
	}

	p := &Processor{
		store:      store,
		registry:   registry,
		classifier: classifier,
		logger: slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level: config.GetEnvLogLevel("LOG_LEVEL", slog.LevelInfo),
		})),
	}

	for _, opt := range opts {
		opt(p)
	}

	return p, nil
}

// Normalize runs one record through its registered normalizer and applies the
// outcome to the state machine: normalized on success, duplicate when the
// canonical target already exists, failed (with classification) otherwise.
//
// Returns the record's resulting status. The returned error is non-nil only
// for infrastructure failures (storage write failed); a normalization error
// is an expected outcome, not an error to the caller.
func (p *Processor) Normalize(ctx context.Context, record *Record) (Status, error) {
	status, _, err := p.normalize(ctx, record)

	return status, err
}

// normalize is Normalize plus the failure message, which bulk retry needs to
// report per-id outcomes.
func (p *Processor) normalize(ctx context.Context, record *Record) (Status, string, error) {
	if err := ValidateAction(ActionRetry, record.Status); err != nil {
		return record.Status, "", err
	}

	if p.limiter != nil {
		if err := p.limiter.Wait(ctx); err != nil {
			return record.Status, "", fmt.Errorf("rate limiter wait: %w", err)
		}
	}

	now := time.Now().UTC()
	cfg := &Configuration{ID: record.ConfigurationID, ProviderSlug: record.ProviderSlug}

	ref, err := p.invokeNormalizer(ctx, record, cfg)

	switch {
	case err == nil:
		if err := p.store.MarkNormalized(ctx, record.ID, ref, now); err != nil {
			return record.Status, "", fmt.Errorf("mark normalized: %w", err)
		}

		p.logger.Info("record normalized",
			slog.String("record_id", record.ID),
			slog.String("dedup_key", record.Key().String()),
			slog.String("kind", string(ref.Kind)),
			slog.String("canonical_id", ref.ID),
		)

		return StatusNormalized, "", nil

	case errors.Is(err, ErrDuplicateTarget):
		if err := p.store.MarkDuplicate(ctx, record.ID, err.Error()); err != nil {
			return record.Status, "", fmt.Errorf("mark duplicate: %w", err)
		}

		p.logger.Info("duplicate target detected at normalize time",
			slog.String("record_id", record.ID),
			slog.String("dedup_key", record.Key().String()),
		)

		return StatusDuplicate, "", nil

	default:
		category := p.classifier.Classify(err.Error())

		outcome := FailureOutcome{
			Message:     err.Error(),
			Category:    category,
			AttemptedAt: now,
		}

		if err := p.store.MarkFailed(ctx, record.ID, outcome); err != nil {
			return record.Status, "", fmt.Errorf("mark failed: %w", err)
		}

		p.logger.Warn("normalization failed",
			slog.String("record_id", record.ID),
			slog.String("dedup_key", record.Key().String()),
			slog.String("category", category.String()),
			slog.Bool("retriable", category.Retriable()),
			slog.String("error", outcome.Message),
		)

		return StatusFailed, outcome.Message, nil
	}
}

// invokeNormalizer dispatches to the registered normalizer with panic
// containment. A panicking normalizer must not abort sibling records in a
// bulk operation or fail the owning sync execution.
func (p *Processor) invokeNormalizer(
	ctx context.Context,
	record *Record,
	cfg *Configuration,
) (ref NormalizedRef, err error) {
	normalizer, lookupErr := p.registry.Lookup(record.ProviderSlug, record.FeatureKey)
	if lookupErr != nil {
		return NormalizedRef{}, lookupErr
	}

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("normalizer panic: %v", r)
		}
	}()

	return normalizer.Normalize(ctx, record, cfg)
}

// Retry re-runs normalization for a batch of record ids.
//
// Each id is processed independently: a wrong source state, a missing record,
// or a normalizer exception turns into that id's outcome, never a batch
// abort. An id succeeds only when its record lands normalized or duplicate;
// a normalization failure counts that id as failed in the summary, with the
// record stored as failed carrying the fresh error.
func (p *Processor) Retry(ctx context.Context, ids []string) (*BulkResult, error) {
	if err := validateBatch(ids); err != nil {
		return nil, err
	}

	start := time.Now()
	result := &BulkResult{Outcomes: make([]ActionOutcome, 0, len(ids))}

	for _, id := range ids {
		outcome := p.retryOne(ctx, id)
		result.add(outcome)
	}

	result.Duration = time.Since(start)

	p.logger.Info("bulk retry finished",
		slog.Int("requested", len(ids)),
		slog.Int("succeeded", result.Succeeded),
		slog.Int("failed", result.Failed),
		slog.Duration("duration", result.Duration),
	)

	return result, nil
}

// Skip marks a batch of records skipped with the mandatory operator reason.
func (p *Processor) Skip(ctx context.Context, ids []string, reason string) (*BulkResult, error) {
	if err := validateBatch(ids); err != nil {
		return nil, err
	}

	if reason == "" {
		return nil, ErrReasonRequired
	}

	start := time.Now()
	result := &BulkResult{Outcomes: make([]ActionOutcome, 0, len(ids))}

	for _, id := range ids {
		if err := p.store.Skip(ctx, id, reason); err != nil {
			result.add(ActionOutcome{ID: id, Error: err.Error()})

			continue
		}

		result.add(ActionOutcome{ID: id, OK: true, Status: StatusSkipped})
	}

	result.Duration = time.Since(start)

	p.logger.Info("bulk skip finished",
		slog.Int("requested", len(ids)),
		slog.Int("succeeded", result.Succeeded),
		slog.Int("failed", result.Failed),
		slog.Duration("duration", result.Duration),
	)

	return result, nil
}

// Reset returns a batch of failed/skipped/duplicate records to pending.
func (p *Processor) Reset(ctx context.Context, ids []string) (*BulkResult, error) {
	if err := validateBatch(ids); err != nil {
		return nil, err
	}

	start := time.Now()
	result := &BulkResult{Outcomes: make([]ActionOutcome, 0, len(ids))}

	for _, id := range ids {
		if err := p.store.Reset(ctx, id); err != nil {
			result.add(ActionOutcome{ID: id, Error: err.Error()})

			continue
		}

		result.add(ActionOutcome{ID: id, OK: true, Status: StatusPending})
	}

	result.Duration = time.Since(start)

	p.logger.Info("bulk reset finished",
		slog.Int("requested", len(ids)),
		slog.Int("succeeded", result.Succeeded),
		slog.Int("failed", result.Failed),
		slog.Duration("duration", result.Duration),
	)

	return result, nil
}

// retryOne loads, guards, and normalizes a single record for a bulk retry.
func (p *Processor) retryOne(ctx context.Context, id string) ActionOutcome {
	record, err := p.store.GetRecord(ctx, id)
	if err != nil {
		return ActionOutcome{ID: id, Error: err.Error()}
	}

	if err := ValidateAction(ActionRetry, record.Status); err != nil {
		return ActionOutcome{ID: id, Status: record.Status, Error: err.Error()}
	}

	status, failure, err := p.normalize(ctx, record)
	if err != nil {
		return ActionOutcome{ID: id, Status: record.Status, Error: err.Error()}
	}

	if status == StatusFailed {
		return ActionOutcome{ID: id, Status: status, Error: failure}
	}

	return ActionOutcome{ID: id, OK: true, Status: status}
}

func (r *BulkResult) add(outcome ActionOutcome) {
	r.Outcomes = append(r.Outcomes, outcome)

	if outcome.OK {
		r.Succeeded++
	} else {
		r.Failed++
	}
}

func validateBatch(ids []string) error {
	if len(ids) == 0 {
		return ErrEmptyBatch
	}

	if len(ids) > MaxBulkIDs {
		return fmt.Errorf("%w: got %d, max %d", ErrBatchTooLarge, len(ids), MaxBulkIDs)
	}

	return nil
}
