package staging

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

type (
	// IngestOutcome is the result of staging one provider event.
	IngestOutcome string

	// RawEvent is one event as returned by a provider connector: the
	// provider-native identifier plus the opaque payload.
	RawEvent struct {
		ExternalID string
		Payload    Payload
	}

	// IngestRequest carries everything needed to stage one provider event.
	IngestRequest struct {
		ExecutionID     string
		ConfigurationID int64
		ProviderSlug    string
		FeatureKey      string
		ExternalID      string
		Payload         Payload
	}

	// IngestResult reports what ingestion did with the event and the staging
	// record it created or found.
	IngestResult struct {
		Outcome IngestOutcome
		Record  *Record
	}
)

const (
	// OutcomeCreated indicates a new staging record was created (first sight
	// of this dedup key).
	OutcomeCreated IngestOutcome = "created"

	// OutcomeUpdated indicates an existing record's payload was replaced
	// because upstream changed it. A record that had already normalized is
	// reset to pending for renormalization.
	OutcomeUpdated IngestOutcome = "updated"

	// OutcomeDuplicate indicates the incoming payload is structurally
	// identical to the stored one. No write occurred. This is the mechanism
	// that makes repeated fetches of the same upstream window safe.
	OutcomeDuplicate IngestOutcome = "duplicate"
)

// Sentinel errors for ingest validation.
var (
	// ErrExecutionIDEmpty indicates the owning execution id is required.
	ErrExecutionIDEmpty = errors.New("execution id cannot be empty")
)

// Validate performs domain validation on the IngestRequest.
func (req *IngestRequest) Validate() error {
	if strings.TrimSpace(req.ExecutionID) == "" {
		return ErrExecutionIDEmpty
	}

	if req.ConfigurationID <= 0 {
		return fmt.Errorf("%w: got %d", ErrConfigurationIDInvalid, req.ConfigurationID)
	}

	if strings.TrimSpace(req.ProviderSlug) == "" {
		return ErrProviderSlugEmpty
	}

	if strings.TrimSpace(req.FeatureKey) == "" {
		return ErrFeatureKeyEmpty
	}

	if strings.TrimSpace(req.ExternalID) == "" {
		return ErrExternalIDEmpty
	}

	if len(req.Payload) == 0 {
		return ErrPayloadEmpty
	}

	return nil
}

// Key returns the dedup key the request resolves against.
func (req *IngestRequest) Key() DedupKey {
	return DedupKey{
		ConfigurationID: req.ConfigurationID,
		ExternalID:      req.ExternalID,
		FeatureKey:      req.FeatureKey,
	}
}

// NewRecord builds the staging record ingestion creates on first sight of a
// dedup key. The storage layer assigns the id.
func (req *IngestRequest) NewRecord(now time.Time) *Record {
	return &Record{
		ExecutionID:     req.ExecutionID,
		ConfigurationID: req.ConfigurationID,
		ProviderSlug:    req.ProviderSlug,
		FeatureKey:      req.FeatureKey,
		ExternalID:      req.ExternalID,
		Payload:         req.Payload,
		Status:          StatusPending,
		Metadata:        Metadata{},
		CreatedAt:       now,
	}
}
