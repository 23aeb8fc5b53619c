package persistence

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustTime(t *testing.T, value string) time.Time {
	t.Helper()
	parsed, err := time.Parse(time.RFC3339, value)
	require.NoError(t, err)
	return parsed
}

func TestEvaluateQuietWindow_SameDay(t *testing.T) {
	qh := quietHoursDoc{Enabled: true, Start: "13:00", End: "15:00", Timezone: "UTC"}

	in, end, err := evaluateQuietWindow(qh, mustTime(t, "2026-08-24T14:00:00Z"))
	require.NoError(t, err)
	assert.True(t, in)
	assert.Equal(t, mustTime(t, "2026-08-24T15:00:00Z"), end)

	in, _, err = evaluateQuietWindow(qh, mustTime(t, "2026-08-24T15:00:00Z"))
	require.NoError(t, err)
	assert.False(t, in, "window end is exclusive")

	in, _, err = evaluateQuietWindow(qh, mustTime(t, "2026-08-24T09:00:00Z"))
	require.NoError(t, err)
	assert.False(t, in)
}

func TestEvaluateQuietWindow_CrossesMidnight(t *testing.T) {
	qh := quietHoursDoc{Enabled: true, Start: "22:00", End: "07:00", Timezone: "UTC"}

	// Late evening: the window ends tomorrow morning.
	in, end, err := evaluateQuietWindow(qh, mustTime(t, "2026-08-24T23:30:00Z"))
	require.NoError(t, err)
	assert.True(t, in)
	assert.Equal(t, mustTime(t, "2026-08-25T07:00:00Z"), end)

	// Early morning: the window ends later today.
	in, end, err = evaluateQuietWindow(qh, mustTime(t, "2026-08-24T05:00:00Z"))
	require.NoError(t, err)
	assert.True(t, in)
	assert.Equal(t, mustTime(t, "2026-08-24T07:00:00Z"), end)

	in, _, err = evaluateQuietWindow(qh, mustTime(t, "2026-08-24T12:00:00Z"))
	require.NoError(t, err)
	assert.False(t, in)
}

func TestEvaluateQuietWindow_HonoursTimezone(t *testing.T) {
	qh := quietHoursDoc{Enabled: true, Start: "22:00", End: "07:00", Timezone: "America/New_York"}

	// 03:00 UTC is 23:00 in New York (EDT): inside the window.
	in, end, err := evaluateQuietWindow(qh, mustTime(t, "2026-08-24T03:00:00Z"))
	require.NoError(t, err)
	assert.True(t, in)
	assert.Equal(t, "2026-08-24T07:00:00-04:00", end.Format(time.RFC3339))

	// 15:00 UTC is 11:00 in New York: outside.
	in, _, err = evaluateQuietWindow(qh, mustTime(t, "2026-08-24T15:00:00Z"))
	require.NoError(t, err)
	assert.False(t, in)
}

func TestEvaluateQuietWindow_Disabled(t *testing.T) {
	in, _, err := evaluateQuietWindow(quietHoursDoc{Start: "22:00", End: "07:00"}, time.Now())
	require.NoError(t, err)
	assert.False(t, in)
}

func TestEvaluateQuietWindow_ZeroLengthWindow(t *testing.T) {
	qh := quietHoursDoc{Enabled: true, Start: "22:00", End: "22:00"}
	in, _, err := evaluateQuietWindow(qh, time.Now())
	require.NoError(t, err)
	assert.False(t, in)
}

func TestEvaluateQuietWindow_BadInput(t *testing.T) {
	_, _, err := evaluateQuietWindow(quietHoursDoc{Enabled: true, Start: "25:00", End: "07:00"}, time.Now())
	assert.Error(t, err)

	_, _, err = evaluateQuietWindow(quietHoursDoc{Enabled: true, Start: "22:00", End: "07:00", Timezone: "Not/AZone"}, time.Now())
	assert.Error(t, err)
}

func TestParseClock(t *testing.T) {
	minutes, err := parseClock("07:30")
	require.NoError(t, err)
	assert.Equal(t, 450, minutes)

	_, err = parseClock("bogus")
	assert.Error(t, err)
}
