package clock

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAddMonthsClamps(t *testing.T) {
	jan31 := time.Date(2024, 1, 31, 10, 0, 0, 0, time.UTC)

	assert.Equal(t, time.Date(2024, 2, 29, 10, 0, 0, 0, time.UTC), AddMonths(jan31, 1))
	assert.Equal(t, time.Date(2024, 3, 31, 10, 0, 0, 0, time.UTC), AddMonths(jan31, 2))
	assert.Equal(t, time.Date(2023, 12, 31, 10, 0, 0, 0, time.UTC), AddMonths(jan31, -1))
}

func TestDayBoundsAcrossDST(t *testing.T) {
	loc, err := time.LoadLocation("America/New_York")
	if err != nil {
		t.Skip("tzdata not available")
	}
	// 2024-03-10 is 23 hours long in New York.
	noon := time.Date(2024, 3, 10, 12, 0, 0, 0, loc)

	assert.Equal(t, time.Date(2024, 3, 10, 0, 0, 0, 0, loc), StartOfDay(noon))
	assert.Equal(t, 10, EndOfDay(noon).Day())
	assert.Equal(t, time.Date(2024, 3, 11, 12, 0, 0, 0, loc), AddDays(noon, 1))
}

func TestSameMinuteIgnoresSeconds(t *testing.T) {
	a := time.Date(2024, 5, 10, 14, 0, 5, 0, time.UTC)
	b := time.Date(2024, 5, 10, 14, 0, 59, 0, time.UTC)
	c := time.Date(2024, 5, 11, 14, 0, 5, 0, time.UTC)

	assert.True(t, SameMinute(a, b))
	assert.False(t, SameMinute(a, c))
}

func TestMonthWindow(t *testing.T) {
	start, end := MonthWindow(time.Date(2024, 2, 14, 9, 30, 0, 0, time.UTC))

	assert.Equal(t, time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC), start)
	assert.Equal(t, 29, end.Day())
	assert.True(t, IsLastDayOfMonth(end))
}

func TestParseDate(t *testing.T) {
	d, err := ParseDate("2024-03-10", time.UTC)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2024, 3, 10, 0, 0, 0, 0, time.UTC), d)

	d, err = ParseDate("2024-03-10T09:00:00.000Z", time.UTC)
	require.NoError(t, err)
	assert.Equal(t, 9, d.Hour())

	_, err = ParseDate("10/03/2024", time.UTC)
	assert.Error(t, err)
}

func TestWithClockOf(t *testing.T) {
	day := time.Date(2024, 6, 3, 0, 0, 0, 0, time.UTC)
	clk := time.Date(2024, 1, 1, 8, 15, 30, 0, time.UTC)

	assert.Equal(t, time.Date(2024, 6, 3, 8, 15, 30, 0, time.UTC), WithClockOf(day, clk))
}

func TestParseWeekday(t *testing.T) {
	d, ok := ParseWeekday("Monday")
	assert.True(t, ok)
	assert.Equal(t, time.Monday, d)

	_, ok = ParseWeekday("someday")
	assert.False(t, ok)
}
