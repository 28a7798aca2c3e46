package identity

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var baseTime = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

func tp(t time.Time) *time.Time {
	return &t
}

func validMapping() *Mapping {
	return &Mapping{
		ID:              "m-1",
		VehicleID:       100,
		ConfigurationID: 7,
		ExternalID:      "dev-4711",
		ValidFrom:       baseTime,
		MappedAt:        baseTime,
	}
}

func TestMapping_IsActive(t *testing.T) {
	m := validMapping()
	assert.True(t, m.IsActive())

	m.ValidUntil = tp(baseTime.Add(24 * time.Hour))
	assert.False(t, m.IsActive())
}

func TestMapping_Contains_HalfOpen(t *testing.T) {
	m := validMapping()
	m.ValidUntil = tp(baseTime.Add(24 * time.Hour))

	assert.False(t, m.Contains(baseTime.Add(-time.Second)))
	assert.True(t, m.Contains(baseTime), "start is inclusive")
	assert.True(t, m.Contains(baseTime.Add(time.Hour)))
	assert.False(t, m.Contains(baseTime.Add(24*time.Hour)), "end is exclusive")
}

func TestMapping_Contains_OpenEnded(t *testing.T) {
	m := validMapping()

	assert.True(t, m.Contains(baseTime.Add(100000*time.Hour)))
	assert.False(t, m.Contains(baseTime.Add(-time.Second)))
}

func TestMapping_Contains_EmptyWindow(t *testing.T) {
	// [from, from) matches nothing; an immediately-corrected claim never
	// resolves.
	m := validMapping()
	m.ValidUntil = tp(baseTime)

	assert.False(t, m.Contains(baseTime))
}

func TestMapping_Overlaps(t *testing.T) {
	m := validMapping()
	m.ValidUntil = tp(baseTime.Add(10 * time.Hour))

	tests := []struct {
		name  string
		from  time.Time
		until *time.Time
		want  bool
	}{
		{"inside", baseTime.Add(2 * time.Hour), tp(baseTime.Add(4 * time.Hour)), true},
		{"covers", baseTime.Add(-time.Hour), tp(baseTime.Add(20 * time.Hour)), true},
		{"starts at end", baseTime.Add(10 * time.Hour), nil, false},
		{"ends at start", baseTime.Add(-5 * time.Hour), tp(baseTime), false},
		{"before", baseTime.Add(-5 * time.Hour), tp(baseTime.Add(-time.Hour)), false},
		{"after", baseTime.Add(11 * time.Hour), tp(baseTime.Add(12 * time.Hour)), false},
		{"open candidate overlapping", baseTime.Add(5 * time.Hour), nil, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, m.Overlaps(tt.from, tt.until))
		})
	}
}

func TestMapping_Overlaps_BothOpen(t *testing.T) {
	m := validMapping()

	assert.True(t, m.Overlaps(baseTime.Add(100*time.Hour), nil))
}

func TestMapping_Validate(t *testing.T) {
	require.NoError(t, validMapping().Validate())

	tests := []struct {
		name    string
		mutate  func(*Mapping)
		wantErr error
	}{
		{"zero vehicle id", func(m *Mapping) { m.VehicleID = 0 }, ErrVehicleIDInvalid},
		{"zero configuration id", func(m *Mapping) { m.ConfigurationID = 0 }, ErrConfigurationIDInvalid},
		{"empty external id", func(m *Mapping) { m.ExternalID = "" }, ErrExternalIDEmpty},
		{"zero valid-from", func(m *Mapping) { m.ValidFrom = time.Time{} }, ErrValidFromZero},
		{"inverted window", func(m *Mapping) { m.ValidUntil = tp(baseTime.Add(-time.Hour)) }, ErrWindowInverted},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := validMapping()
			tt.mutate(m)

			assert.ErrorIs(t, m.Validate(), tt.wantErr)
		})
	}
}

func TestMapping_Validate_PointWindow(t *testing.T) {
	// [from, from) is degenerate but not inverted.
	m := validMapping()
	m.ValidUntil = tp(baseTime)

	require.NoError(t, m.Validate())
}

func TestCheckOverlap(t *testing.T) {
	closed := validMapping()
	closed.ID = "m-old"
	closed.ValidUntil = tp(baseTime.Add(10 * time.Hour))

	t.Run("adjacent windows do not overlap", func(t *testing.T) {
		candidate := validMapping()
		candidate.ID = "m-new"
		candidate.ValidFrom = baseTime.Add(10 * time.Hour)

		assert.NoError(t, CheckOverlap(candidate, []*Mapping{closed}))
	})

	t.Run("intersecting windows rejected", func(t *testing.T) {
		candidate := validMapping()
		candidate.ID = "m-new"
		candidate.ValidFrom = baseTime.Add(5 * time.Hour)

		assert.ErrorIs(t, CheckOverlap(candidate, []*Mapping{closed}), ErrWindowOverlap)
	})

	t.Run("own id skipped", func(t *testing.T) {
		candidate := validMapping()
		candidate.ID = closed.ID
		candidate.ValidFrom = baseTime.Add(5 * time.Hour)

		assert.NoError(t, CheckOverlap(candidate, []*Mapping{closed}))
	})

	t.Run("different external id ignored", func(t *testing.T) {
		candidate := validMapping()
		candidate.ID = "m-new"
		candidate.ExternalID = "dev-9999"
		candidate.ValidFrom = baseTime.Add(5 * time.Hour)

		assert.NoError(t, CheckOverlap(candidate, []*Mapping{closed}))
	})
}

func TestResolveFrom(t *testing.T) {
	first := validMapping()
	first.ID = "m-1"
	first.VehicleID = 100
	first.ValidUntil = tp(baseTime.Add(10 * time.Hour))

	second := validMapping()
	second.ID = "m-2"
	second.VehicleID = 200
	second.ValidFrom = baseTime.Add(10 * time.Hour)

	mappings := []*Mapping{first, second}

	t.Run("resolves inside first window", func(t *testing.T) {
		m, ok := ResolveFrom(mappings, baseTime.Add(time.Hour))
		require.True(t, ok)
		assert.Equal(t, int64(100), m.VehicleID)
	})

	t.Run("boundary belongs to the later window", func(t *testing.T) {
		m, ok := ResolveFrom(mappings, baseTime.Add(10*time.Hour))
		require.True(t, ok)
		assert.Equal(t, int64(200), m.VehicleID)
	})

	t.Run("before any window", func(t *testing.T) {
		_, ok := ResolveFrom(mappings, baseTime.Add(-time.Hour))
		assert.False(t, ok)
	})

	t.Run("empty set", func(t *testing.T) {
		_, ok := ResolveFrom(nil, baseTime)
		assert.False(t, ok)
	})
}
