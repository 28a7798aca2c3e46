package staging_test

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fleetsync-io/fleetsync/internal/staging"
	"github.com/fleetsync-io/fleetsync/internal/storage"
)

func stageRecord(t *testing.T, store staging.Store, externalID string) *staging.Record {
	t.Helper()

	result, err := store.Ingest(context.Background(), &staging.IngestRequest{
		ExecutionID:     "exec-1",
		ConfigurationID: 7,
		ProviderSlug:    "webfleet",
		FeatureKey:      staging.FeatureFuel,
		ExternalID:      externalID,
		Payload:         staging.Payload{"liters": 40.0, "ref": externalID},
	})
	require.NoError(t, err)
	require.Equal(t, staging.OutcomeCreated, result.Outcome)

	return result.Record
}

func newProcessor(t *testing.T, store staging.Store, registry *staging.Registry) *staging.Processor {
	t.Helper()

	p, err := staging.NewProcessor(store, registry, nil)
	require.NoError(t, err)

	return p
}

func TestProcessor_Normalize_Success(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStagingStore()
	registry := staging.NewRegistry()

	require.NoError(t, registry.Register("webfleet", staging.FeatureFuel,
		staging.NormalizerFunc(func(_ context.Context, r *staging.Record, _ *staging.Configuration) (staging.NormalizedRef, error) {
			return staging.NormalizedRef{Kind: staging.KindRefueling, ID: "canonical-" + r.ExternalID}, nil
		})))

	p := newProcessor(t, store, registry)
	record := stageRecord(t, store, "txn-1")

	status, err := p.Normalize(ctx, record)
	require.NoError(t, err)
	assert.Equal(t, staging.StatusNormalized, status)

	stored, err := store.GetRecord(ctx, record.ID)
	require.NoError(t, err)
	assert.Equal(t, staging.StatusNormalized, stored.Status)
	require.NotNil(t, stored.NormalizedRef)
	assert.Equal(t, staging.KindRefueling, stored.NormalizedRef.Kind)
	assert.Equal(t, "canonical-txn-1", stored.NormalizedRef.ID)
	assert.NotNil(t, stored.NormalizedAt)
}

func TestProcessor_Normalize_FailureClassified(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStagingStore()
	registry := staging.NewRegistry()

	require.NoError(t, registry.Register("webfleet", staging.FeatureFuel,
		staging.NormalizerFunc(func(_ context.Context, _ *staging.Record, _ *staging.Configuration) (staging.NormalizedRef, error) {
			return staging.NormalizedRef{}, errors.New("vehicle mapping not found for device 4711")
		})))

	p := newProcessor(t, store, registry)
	record := stageRecord(t, store, "txn-2")

	status, err := p.Normalize(ctx, record)
	require.NoError(t, err)
	assert.Equal(t, staging.StatusFailed, status)

	stored, err := store.GetRecord(ctx, record.ID)
	require.NoError(t, err)
	assert.Equal(t, staging.StatusFailed, stored.Status)
	assert.Equal(t, staging.CategoryMappingNotFound, stored.ErrorCategory)
	assert.Contains(t, stored.LastError, "mapping not found")
	assert.Equal(t, 1, stored.RetryCount)
	assert.Nil(t, stored.LastRetryAt, "first failure is an attempt, not a re-attempt")
}

func TestProcessor_Normalize_DuplicateTarget(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStagingStore()
	registry := staging.NewRegistry()

	require.NoError(t, registry.Register("webfleet", staging.FeatureFuel,
		staging.NormalizerFunc(func(_ context.Context, _ *staging.Record, _ *staging.Configuration) (staging.NormalizedRef, error) {
			return staging.NormalizedRef{}, fmt.Errorf("%w: refueling 99", staging.ErrDuplicateTarget)
		})))

	p := newProcessor(t, store, registry)
	record := stageRecord(t, store, "txn-3")

	status, err := p.Normalize(ctx, record)
	require.NoError(t, err)
	assert.Equal(t, staging.StatusDuplicate, status)

	stored, err := store.GetRecord(ctx, record.ID)
	require.NoError(t, err)
	assert.Equal(t, staging.StatusDuplicate, stored.Status)
	assert.NotEmpty(t, stored.Metadata[staging.MetaDuplicateOf])
}

func TestProcessor_Normalize_DispatchMissIsPermanent(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStagingStore()

	p := newProcessor(t, store, staging.NewRegistry())
	record := stageRecord(t, store, "txn-4")

	status, err := p.Normalize(ctx, record)
	require.NoError(t, err)
	assert.Equal(t, staging.StatusFailed, status)

	stored, err := store.GetRecord(ctx, record.ID)
	require.NoError(t, err)
	assert.Equal(t, staging.CategoryUnsupported, stored.ErrorCategory)
	assert.False(t, stored.ErrorCategory.Retriable())
}

func TestProcessor_Normalize_PanicContained(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStagingStore()
	registry := staging.NewRegistry()

	require.NoError(t, registry.Register("webfleet", staging.FeatureFuel,
		staging.NormalizerFunc(func(_ context.Context, _ *staging.Record, _ *staging.Configuration) (staging.NormalizedRef, error) {
			panic("nil dereference in provider parser")
		})))

	p := newProcessor(t, store, registry)
	record := stageRecord(t, store, "txn-5")

	status, err := p.Normalize(ctx, record)
	require.NoError(t, err)
	assert.Equal(t, staging.StatusFailed, status)

	stored, err := store.GetRecord(ctx, record.ID)
	require.NoError(t, err)
	assert.Contains(t, stored.LastError, "normalizer panic")
}

func TestProcessor_Normalize_RejectsTerminalStatus(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStagingStore()
	registry := staging.NewRegistry()

	require.NoError(t, registry.Register("webfleet", staging.FeatureFuel,
		staging.NormalizerFunc(func(_ context.Context, _ *staging.Record, _ *staging.Configuration) (staging.NormalizedRef, error) {
			return staging.NormalizedRef{Kind: staging.KindRefueling, ID: "c-1"}, nil
		})))

	p := newProcessor(t, store, registry)
	record := stageRecord(t, store, "txn-6")

	_, err := p.Normalize(ctx, record)
	require.NoError(t, err)

	normalized, err := store.GetRecord(ctx, record.ID)
	require.NoError(t, err)

	_, err = p.Normalize(ctx, normalized)
	assert.ErrorIs(t, err, staging.ErrActionNotAllowed)
}

func TestProcessor_Retry_PerIDIsolation(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStagingStore()
	registry := staging.NewRegistry()

	require.NoError(t, registry.Register("webfleet", staging.FeatureFuel,
		staging.NormalizerFunc(func(_ context.Context, r *staging.Record, _ *staging.Configuration) (staging.NormalizedRef, error) {
			if r.ExternalID == "bad" {
				return staging.NormalizedRef{}, errors.New("missing required field: amount")
			}

			return staging.NormalizedRef{Kind: staging.KindRefueling, ID: "c-" + r.ExternalID}, nil
		})))

	p := newProcessor(t, store, registry)

	good := stageRecord(t, store, "good")
	bad := stageRecord(t, store, "bad")

	result, err := p.Retry(ctx, []string{good.ID, bad.ID, "no-such-id"})
	require.NoError(t, err)

	assert.Equal(t, 1, result.Succeeded)
	assert.Equal(t, 2, result.Failed)
	require.Len(t, result.Outcomes, 3)

	assert.True(t, result.Outcomes[0].OK)
	assert.Equal(t, staging.StatusNormalized, result.Outcomes[0].Status)

	assert.False(t, result.Outcomes[1].OK)
	assert.Equal(t, staging.StatusFailed, result.Outcomes[1].Status)
	assert.Contains(t, result.Outcomes[1].Error, "missing required field")

	assert.False(t, result.Outcomes[2].OK)
	assert.Contains(t, result.Outcomes[2].Error, "not found")

	// The failing record still moved to failed with the fresh error.
	stored, err := store.GetRecord(ctx, bad.ID)
	require.NoError(t, err)
	assert.Equal(t, staging.StatusFailed, stored.Status)
	assert.Contains(t, stored.LastError, "missing required field")
}

func TestProcessor_Retry_PanicCountsAsFailure(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStagingStore()
	registry := staging.NewRegistry()

	require.NoError(t, registry.Register("webfleet", staging.FeatureFuel,
		staging.NormalizerFunc(func(_ context.Context, r *staging.Record, _ *staging.Configuration) (staging.NormalizedRef, error) {
			if r.ExternalID == "txn-4" {
				panic("nil dereference in provider parser")
			}

			return staging.NormalizedRef{Kind: staging.KindRefueling, ID: "c-" + r.ExternalID}, nil
		})))

	p := newProcessor(t, store, registry)

	ids := make([]string, 0, 10)
	for i := 0; i < 10; i++ {
		ids = append(ids, stageRecord(t, store, fmt.Sprintf("txn-%d", i)).ID)
	}

	result, err := p.Retry(ctx, ids)
	require.NoError(t, err)

	assert.Equal(t, 9, result.Succeeded)
	assert.Equal(t, 1, result.Failed)

	assert.False(t, result.Outcomes[4].OK)
	assert.Equal(t, staging.StatusFailed, result.Outcomes[4].Status)
	assert.Contains(t, result.Outcomes[4].Error, "normalizer panic")
}

func TestProcessor_Retry_BatchValidation(t *testing.T) {
	p := newProcessor(t, storage.NewMemoryStagingStore(), staging.NewRegistry())

	_, err := p.Retry(context.Background(), nil)
	assert.ErrorIs(t, err, staging.ErrEmptyBatch)

	ids := make([]string, staging.MaxBulkIDs+1)
	for i := range ids {
		ids[i] = fmt.Sprintf("id-%d", i)
	}

	_, err = p.Retry(context.Background(), ids)
	assert.ErrorIs(t, err, staging.ErrBatchTooLarge)
}

func TestProcessor_Skip_RequiresReason(t *testing.T) {
	store := storage.NewMemoryStagingStore()
	p := newProcessor(t, store, staging.NewRegistry())
	record := stageRecord(t, store, "txn-7")

	_, err := p.Skip(context.Background(), []string{record.ID}, "")
	assert.ErrorIs(t, err, staging.ErrReasonRequired)
}

func TestProcessor_Skip_WritesReason(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStagingStore()
	p := newProcessor(t, store, staging.NewRegistry())
	record := stageRecord(t, store, "txn-8")

	result, err := p.Skip(ctx, []string{record.ID}, "test data from provider sandbox")
	require.NoError(t, err)
	assert.Equal(t, 1, result.Succeeded)

	stored, err := store.GetRecord(ctx, record.ID)
	require.NoError(t, err)
	assert.Equal(t, staging.StatusSkipped, stored.Status)
	assert.Equal(t, "test data from provider sandbox", stored.Metadata[staging.MetaSkipReason])
}

func TestProcessor_Reset_RestoresPending(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStagingStore()
	p := newProcessor(t, store, staging.NewRegistry())
	record := stageRecord(t, store, "txn-9")

	_, err := p.Skip(ctx, []string{record.ID}, "wrong import window")
	require.NoError(t, err)

	result, err := p.Reset(ctx, []string{record.ID})
	require.NoError(t, err)
	assert.Equal(t, 1, result.Succeeded)

	stored, err := store.GetRecord(ctx, record.ID)
	require.NoError(t, err)
	assert.Equal(t, staging.StatusPending, stored.Status)
	assert.NotEmpty(t, stored.Metadata[staging.MetaResetHistory])
}

func TestProcessor_Reset_RejectsPending(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStagingStore()
	p := newProcessor(t, store, staging.NewRegistry())
	record := stageRecord(t, store, "txn-10")

	result, err := p.Reset(ctx, []string{record.ID})
	require.NoError(t, err)

	assert.Equal(t, 0, result.Succeeded)
	assert.Equal(t, 1, result.Failed)
}
