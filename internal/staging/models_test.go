package staging

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validRecord() *Record {
	return &Record{
		ID:              "4f9c1c1e-0000-0000-0000-000000000001",
		ExecutionID:     "exec-1",
		ConfigurationID: 42,
		ProviderSlug:    "webfleet",
		FeatureKey:      FeatureFuel,
		ExternalID:      "txn-1001",
		Payload:         Payload{"liters": 41.5},
		Status:          StatusPending,
		CreatedAt:       time.Now().UTC(),
	}
}

func TestRecord_Validate_Valid(t *testing.T) {
	require.NoError(t, validRecord().Validate())
}

func TestRecord_Validate_Errors(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Record)
		wantErr error
	}{
		{
			name:    "zero configuration id",
			mutate:  func(r *Record) { r.ConfigurationID = 0 },
			wantErr: ErrConfigurationIDInvalid,
		},
		{
			name:    "negative configuration id",
			mutate:  func(r *Record) { r.ConfigurationID = -1 },
			wantErr: ErrConfigurationIDInvalid,
		},
		{
			name:    "empty external id",
			mutate:  func(r *Record) { r.ExternalID = "  " },
			wantErr: ErrExternalIDEmpty,
		},
		{
			name:    "empty feature key",
			mutate:  func(r *Record) { r.FeatureKey = "" },
			wantErr: ErrFeatureKeyEmpty,
		},
		{
			name:    "empty provider slug",
			mutate:  func(r *Record) { r.ProviderSlug = "" },
			wantErr: ErrProviderSlugEmpty,
		},
		{
			name:    "unknown status",
			mutate:  func(r *Record) { r.Status = "archived" },
			wantErr: ErrStatusInvalid,
		},
		{
			name: "normalized without reference",
			mutate: func(r *Record) {
				r.Status = StatusNormalized
			},
			wantErr: ErrNormalizedRefInconsistent,
		},
		{
			name: "reference without normalized status",
			mutate: func(r *Record) {
				r.NormalizedRef = &NormalizedRef{Kind: KindRefueling, ID: "ref-1"}
			},
			wantErr: ErrNormalizedRefInconsistent,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := validRecord()
			tt.mutate(r)

			err := r.Validate()
			require.Error(t, err)
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestRecord_Validate_NormalizedWithRef(t *testing.T) {
	r := validRecord()
	r.Status = StatusNormalized
	r.NormalizedRef = &NormalizedRef{Kind: KindRefueling, ID: "ref-1"}

	require.NoError(t, r.Validate())
}

func TestStatus_IsTerminal(t *testing.T) {
	assert.False(t, StatusPending.IsTerminal())
	assert.False(t, StatusFailed.IsTerminal())
	assert.True(t, StatusNormalized.IsTerminal())
	assert.True(t, StatusDuplicate.IsTerminal())
	assert.True(t, StatusSkipped.IsTerminal())
}

func TestFingerprint_OrderIndependent(t *testing.T) {
	// Maps iterate in random order; the fingerprint must not care.
	a := Payload{"liters": 41.5, "odometer": 120031, "station": "Q8 Antwerpen"}
	b := Payload{"station": "Q8 Antwerpen", "odometer": 120031, "liters": 41.5}

	require.NotEmpty(t, Fingerprint(a))
	assert.Equal(t, Fingerprint(a), Fingerprint(b))
}

func TestFingerprint_DetectsChange(t *testing.T) {
	a := Payload{"liters": 41.5}
	b := Payload{"liters": 42.0}

	assert.NotEqual(t, Fingerprint(a), Fingerprint(b))
}

func TestFingerprint_NestedPayloads(t *testing.T) {
	a := Payload{"card": map[string]interface{}{"last4": "1234", "scheme": "visa"}}
	b := Payload{"card": map[string]interface{}{"scheme": "visa", "last4": "1234"}}

	assert.Equal(t, Fingerprint(a), Fingerprint(b))
}

func TestFingerprint_Empty(t *testing.T) {
	assert.Empty(t, Fingerprint(nil))
	assert.Empty(t, Fingerprint(Payload{}))
}

func TestKeyErrorFragment_CollapsesDigits(t *testing.T) {
	a := KeyErrorFragment("vehicle mapping not found for device 4711")
	b := KeyErrorFragment("vehicle mapping not found for device 9000")

	assert.Equal(t, a, b)
	assert.Equal(t, "vehicle mapping not found for device #", a)
}

func TestKeyErrorFragment_Lowercases(t *testing.T) {
	assert.Equal(t,
		KeyErrorFragment("Timeout fetching transactions"),
		KeyErrorFragment("timeout fetching transactions"),
	)
}

func TestKeyErrorFragment_CollapsesDigitRuns(t *testing.T) {
	// A timestamp is one run of digits per group, not one '#' per digit.
	fragment := KeyErrorFragment("failed at 2026-08-28T10:15:00Z")

	assert.Equal(t, "failed at #-#-#t#:#:#z", fragment)
}

func TestKeyErrorFragment_Empty(t *testing.T) {
	assert.Empty(t, KeyErrorFragment(""))
}

func TestKeyErrorFragment_Capped(t *testing.T) {
	long := make([]byte, 500)
	for i := range long {
		long[i] = 'x'
	}

	fragment := KeyErrorFragment(string(long))

	assert.LessOrEqual(t, len(fragment), 120)
}

func TestDedupKey_String(t *testing.T) {
	r := validRecord()

	assert.Equal(t, "42/fuel/txn-1001", r.Key().String())
}
