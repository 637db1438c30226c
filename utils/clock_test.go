package utils

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseWallClock_UsesCanonicalZone(t *testing.T) {
	clock, err := NewSystemClock("")
	require.NoError(t, err)

	got, err := ParseWallClock(clock, "2025-01-10 13:00:00")
	require.NoError(t, err)

	assert.Equal(t, "America/Sao_Paulo", got.Location().String())
	assert.Equal(t, time.Date(2025, 1, 10, 16, 0, 0, 0, time.UTC), got.UTC())
}

func TestParseWallClock_RFC3339IsNormalized(t *testing.T) {
	clock, err := NewSystemClock(DefaultTimezone)
	require.NoError(t, err)

	got, err := ParseWallClock(clock, "2025-01-10T16:00:00Z")
	require.NoError(t, err)
	assert.Equal(t, 13, got.Hour())

	_, err = ParseWallClock(clock, "tomorrow")
	assert.Error(t, err)
}

func TestPeriod_CrossesMonthInCanonicalZone(t *testing.T) {
	clock, err := NewSystemClock(DefaultTimezone)
	require.NoError(t, err)

	// 01:30 UTC on Feb 1st is still January 31st in São Paulo.
	assert.Equal(t, "2025-01", Period(clock, time.Date(2025, 2, 1, 1, 30, 0, 0, time.UTC)))
}

func TestEvaluateNoShowWindow(t *testing.T) {
	start := time.Date(2025, 1, 10, 13, 0, 0, 0, time.UTC)

	tests := []struct {
		name string
		now  time.Time
		want NoShowWindow
	}{
		{"well before start", start.Add(-5 * time.Minute), WindowTooEarly},
		{"inside start window", start.Add(-30 * time.Second), WindowStarting},
		{"at start", start, WindowStarting},
		{"inside grace", start.Add(9*time.Minute + 59*time.Second), WindowStarting},
		{"at deadline", start.Add(10 * time.Minute), WindowExpired},
		{"after deadline", start.Add(10*time.Minute + time.Second), WindowExpired},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, EvaluateNoShowWindow(tt.now, start))
		})
	}
}

func TestClampDelay(t *testing.T) {
	now := time.Now()
	assert.Equal(t, time.Duration(0), ClampDelay(now, now.Add(-time.Hour)))
	assert.Equal(t, time.Minute, ClampDelay(now, now.Add(time.Minute)))
}

func TestFixedClock_Advance(t *testing.T) {
	loc, err := time.LoadLocation(DefaultTimezone)
	require.NoError(t, err)
	c := NewFixedClock(time.Date(2025, 1, 10, 13, 0, 0, 0, loc), loc)
	c.Advance(10 * time.Minute)
	assert.Equal(t, 10, c.Now().Minute())
}
