// Package clock holds the calendar arithmetic used by expansion and conflict
// checks. Every helper works in the location carried by its argument, and day
// arithmetic always goes through time.Date so DST shifts never move a value
// onto a different calendar day.
package clock

import (
	"fmt"
	"strings"
	"time"
)

// Clock abstracts the wall clock so services can be tested deterministically.
type Clock interface {
	Now() time.Time
}

// RealClock reads time.Now in a fixed location.
type RealClock struct {
	Location *time.Location
}

func (c RealClock) Now() time.Time {
	if c.Location == nil {
		return time.Now()
	}
	return time.Now().In(c.Location)
}

// Fixed always returns the same instant.
type Fixed time.Time

func (f Fixed) Now() time.Time { return time.Time(f) }

func StartOfDay(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, t.Location())
}

// EndOfDay returns the last representable nanosecond of t's day.
func EndOfDay(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d+1, 0, 0, 0, 0, t.Location()).Add(-time.Nanosecond)
}

func AddDays(t time.Time, n int) time.Time {
	y, m, d := t.Date()
	h, mi, s := t.Clock()
	return time.Date(y, m, d+n, h, mi, s, t.Nanosecond(), t.Location())
}

// AddMonths adds n months, clamping the day to the target month's length
// (Jan 31 + 1 month = Feb 29 in a leap year) instead of rolling over.
func AddMonths(t time.Time, n int) time.Time {
	y, m, d := t.Date()
	h, mi, s := t.Clock()
	first := time.Date(y, m+time.Month(n), 1, 0, 0, 0, 0, t.Location())
	if last := DaysIn(first.Year(), first.Month()); d > last {
		d = last
	}
	return time.Date(first.Year(), first.Month(), d, h, mi, s, t.Nanosecond(), t.Location())
}

func DaysIn(year int, month time.Month) int {
	return time.Date(year, month+1, 0, 0, 0, 0, 0, time.UTC).Day()
}

func IsLastDayOfMonth(t time.Time) bool {
	return t.Day() == DaysIn(t.Year(), t.Month())
}

func FirstOfMonth(t time.Time) time.Time {
	y, m, _ := t.Date()
	return time.Date(y, m, 1, 0, 0, 0, 0, t.Location())
}

// WithClockOf returns day's calendar date combined with the time-of-day of clk.
func WithClockOf(day, clk time.Time) time.Time {
	y, m, d := day.Date()
	h, mi, s := clk.Clock()
	return time.Date(y, m, d, h, mi, s, clk.Nanosecond(), day.Location())
}

// Within reports start <= t <= end.
func Within(t, start, end time.Time) bool {
	return !t.Before(start) && !t.After(end)
}

func SameDay(a, b time.Time) bool {
	ay, am, ad := a.Date()
	by, bm, bd := b.Date()
	return ay == by && am == bm && ad == bd
}

// SameMinute reports whether a and b share day, hour and minute. Seconds are
// ignored.
func SameMinute(a, b time.Time) bool {
	return SameDay(a, b) && a.Hour() == b.Hour() && a.Minute() == b.Minute()
}

// MonthWindow returns the first and last day of t's month.
func MonthWindow(t time.Time) (time.Time, time.Time) {
	first := FirstOfMonth(t)
	return first, EndOfDay(time.Date(first.Year(), first.Month()+1, 0, 0, 0, 0, 0, t.Location()))
}

// ParseDate accepts "YYYY-MM-DD" (interpreted in loc) or any RFC 3339 timestamp.
func ParseDate(s string, loc *time.Location) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, fmt.Errorf("empty date")
	}
	if loc == nil {
		loc = time.Local
	}
	if t, err := time.ParseInLocation(time.DateOnly, s, loc); err == nil {
		return t, nil
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse date %q: %w", s, err)
	}
	return t.In(loc), nil
}

// ParseMonth parses "YYYY-MM" into the first day of that month in loc.
func ParseMonth(s string, loc *time.Location) (time.Time, error) {
	if loc == nil {
		loc = time.Local
	}
	t, err := time.ParseInLocation("2006-01", strings.TrimSpace(s), loc)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse month %q: %w", s, err)
	}
	return t, nil
}

// ParseWeekday maps "sunday"/"monday" style names to time.Weekday.
func ParseWeekday(s string) (time.Weekday, bool) {
	s = strings.ToLower(strings.TrimSpace(s))
	for d := time.Sunday; d <= time.Saturday; d++ {
		if strings.ToLower(d.String()) == s {
			return d, true
		}
	}
	return time.Sunday, false
}
