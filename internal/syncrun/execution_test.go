package syncrun

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func runningExecution() *Execution {
	return &Execution{
		ID:              "e-1",
		ConfigurationID: 7,
		FeatureKey:      "fuel",
		Trigger:         TriggerScheduled,
		Status:          StatusRunning,
		StartedAt:       time.Date(2026, 8, 28, 10, 0, 0, 0, time.UTC),
	}
}

func TestExecution_Finish_Success(t *testing.T) {
	e := runningExecution()
	at := e.StartedAt.Add(90 * time.Second)

	require.NoError(t, e.Finish(true, "", at))

	assert.Equal(t, StatusCompleted, e.Status)
	require.NotNil(t, e.FinishedAt)
	assert.Equal(t, at, *e.FinishedAt)
	assert.InDelta(t, 90.0, e.DurationSeconds, 0.001)
	assert.Empty(t, e.ErrorMessage)
}

func TestExecution_Finish_Failure(t *testing.T) {
	e := runningExecution()

	require.NoError(t, e.Finish(false, "fetch failed: 401 unauthorized", e.StartedAt.Add(time.Second)))

	assert.Equal(t, StatusFailed, e.Status)
	assert.Equal(t, "fetch failed: 401 unauthorized", e.ErrorMessage)
}

func TestExecution_Finish_Once(t *testing.T) {
	e := runningExecution()
	at := e.StartedAt.Add(time.Second)

	require.NoError(t, e.Finish(true, "", at))

	err := e.Finish(true, "", at.Add(time.Second))
	assert.ErrorIs(t, err, ErrAlreadyFinished)
	assert.Equal(t, at, *e.FinishedAt, "first finish stays authoritative")
}

func TestCounts_Add(t *testing.T) {
	c := Counts{Fetched: 10, Processed: 5, Failed: 2, Duplicates: 3}
	c.Add(Counts{Fetched: 4, Processed: 2, Failed: 1, Skipped: 1, Duplicates: 1})

	assert.Equal(t, Counts{Fetched: 14, Processed: 7, Failed: 3, Skipped: 1, Duplicates: 4}, c)
}

func TestTriggerType_IsValid(t *testing.T) {
	assert.True(t, TriggerManual.IsValid())
	assert.True(t, TriggerScheduled.IsValid())
	assert.True(t, TriggerTest.IsValid())
	assert.False(t, TriggerType("cron").IsValid())
	assert.False(t, TriggerType("").IsValid())
}

func TestStatus_IsTerminal(t *testing.T) {
	assert.False(t, StatusRunning.IsTerminal())
	assert.True(t, StatusCompleted.IsTerminal())
	assert.True(t, StatusFailed.IsTerminal())
}
