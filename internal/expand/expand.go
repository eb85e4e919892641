package expand

import (
	"errors"
	"sort"
	"time"

	"flamcal/internal/clock"
	appLog "flamcal/internal/log"
	"flamcal/internal/model"
	"flamcal/internal/recurrence"
)

const (
	defaultMaxOccurrencesPerEvent = 5000
)

// Config controls how recurrence expansion is performed.
type Config struct {
	// Location is the single local zone all calendar-day arithmetic happens
	// in. If nil, time.Local is used.
	Location *time.Location

	// WeekStart is the weekday a custom weekly rule treats as the first day
	// of a new week when skipping interval weeks.
	WeekStart time.Weekday

	// MaxOccurrencesPerEvent is a safety cap on how many occurrences one
	// definition may emit into a single window. If zero,
	// defaultMaxOccurrencesPerEvent is used.
	MaxOccurrencesPerEvent int
}

// Result wraps the list of expanded occurrences and optionally information
// about truncation.
type Result struct {
	Occurrences []model.Occurrence
	// Truncated records definition IDs that hit MaxOccurrencesPerEvent.
	Truncated []string
}

// Expander turns event definitions into the concrete occurrences inside a
// window. It holds no state besides its configuration; every call is pure.
type Expander struct {
	cfg Config
}

func New(cfg Config) *Expander {
	if cfg.Location == nil {
		cfg.Location = time.Local
	}
	if cfg.MaxOccurrencesPerEvent <= 0 {
		cfg.MaxOccurrencesPerEvent = defaultMaxOccurrencesPerEvent
	}
	return &Expander{cfg: cfg}
}

func (e *Expander) Location() *time.Location { return e.cfg.Location }

// Expand returns the occurrences of def whose calendar day lies in
// [windowStart, windowEnd], both taken as whole days, in chronological order.
func (e *Expander) Expand(def model.EventDefinition, windowStart, windowEnd time.Time) []model.Occurrence {
	out, _ := e.expand(def, windowStart, windowEnd)
	return out
}

// ExpandAll expands every definition over the same window and merges the
// results by start time. Generated slots that a materialized instance
// replaces (same source, same RecurrenceID) are left out.
func (e *Expander) ExpandAll(defs []model.EventDefinition, windowStart, windowEnd time.Time) (Result, error) {
	var result Result

	if windowEnd.Before(windowStart) {
		return result, errors.New("expand: window end is before window start")
	}

	replaced := make(map[string]bool)
	for _, d := range defs {
		if d.IsInstance() && !d.RecurrenceID.IsZero() {
			replaced[model.InstanceKey(d.OriginalEventID, d.RecurrenceID)] = true
		}
	}

	all := make([]model.Occurrence, 0)
	for _, d := range defs {
		occ, hitCap := e.expand(d, windowStart, windowEnd)
		if hitCap {
			result.Truncated = append(result.Truncated, d.ID)
			appLog.Error("expand: truncated occurrences due to cap",
				errors.New("max occurrences reached"),
				"id", d.ID,
				"cap", e.cfg.MaxOccurrencesPerEvent,
			)
		}
		for _, o := range occ {
			if o.Recurring && replaced[o.Key()] {
				continue
			}
			all = append(all, o)
		}
	}

	sort.SliceStable(all, func(i, j int) bool {
		return all[i].DateTime.Before(all[j].DateTime)
	})
	result.Occurrences = all
	return result, nil
}

// expand returns the occurrences and whether the per-event cap was hit.
func (e *Expander) expand(def model.EventDefinition, windowStart, windowEnd time.Time) ([]model.Occurrence, bool) {
	loc := e.cfg.Location
	anchor := def.Anchor.In(loc)
	start := clock.StartOfDay(windowStart.In(loc))
	end := clock.EndOfDay(windowEnd.In(loc))
	if end.Before(start) {
		return nil, false
	}

	rule := recurrence.OrNone(def.Rule)
	if _, ok := rule.(recurrence.None); ok {
		if clock.Within(anchor, start, end) {
			return []model.Occurrence{makeOccurrence(def, anchor, 1, false)}, false
		}
		return nil, false
	}

	// No instance can precede its own anchor.
	if anchor.After(end) {
		return nil, false
	}

	s, ok := e.seriesFor(rule, anchor, end)
	if !ok {
		return nil, false
	}

	out := make([]model.Occurrence, 0)
	count := 0
	for day := clock.StartOfDay(anchor); !day.After(end); day = s.advance(day, end) {
		if s.until != nil && !day.Before(*s.until) {
			break
		}
		if !s.matches(day) {
			continue
		}

		// The counter is global to the series: days before the window
		// still consume the occurrence budget.
		count++
		if s.limited && count > s.limit {
			break
		}
		if day.Before(start) {
			continue
		}
		if len(out) >= e.cfg.MaxOccurrencesPerEvent {
			return out, true
		}
		out = append(out, makeOccurrence(def, clock.WithClockOf(day, anchor), count, true))
	}
	return out, false
}

// series is the day-walking cursor for one rule. Days passed to matches and
// next are always midnight in the expander's location.
type series struct {
	matches func(day time.Time) bool
	next    func(day time.Time) time.Time

	limited bool
	limit   int
	until   *time.Time
}

// advance moves to the next candidate day. A step that does not move
// forward ends the walk.
func (s series) advance(day, end time.Time) time.Time {
	n := s.next(day)
	if !n.After(day) {
		return pastEnd(end)
	}
	return n
}

func pastEnd(end time.Time) time.Time { return end.Add(time.Nanosecond) }

// daysBetween counts calendar days from a to b without going through
// time.Duration, which saturates after about 292 years.
func daysBetween(a, b time.Time) int {
	ay, am, ad := a.Date()
	by, bm, bd := b.Date()
	ua := time.Date(ay, am, ad, 0, 0, 0, 0, time.UTC).Unix()
	ub := time.Date(by, bm, bd, 0, 0, 0, 0, time.UTC).Unix()
	return int((ub - ua) / 86400)
}

func monthsBetween(a, b time.Time) int {
	return (b.Year()-a.Year())*12 + int(b.Month()) - int(a.Month())
}

func (e *Expander) seriesFor(rule recurrence.Rule, anchor, end time.Time) (series, bool) {
	always := func(time.Time) bool { return true }

	switch r := rule.(type) {
	case recurrence.Daily:
		return series{matches: always, next: stepDays(1)}, true
	case recurrence.Weekly:
		return series{matches: always, next: stepDays(7)}, true
	case recurrence.Monthly:
		return series{matches: always, next: nextMonthWithDay(anchor.Day())}, true
	case recurrence.Custom:
		return e.customSeries(r, end)
	default:
		return series{}, false
	}
}

// customSeries builds the cursor for c. Steps that would land past end
// jump straight there, so the date arithmetic never sees an interval large
// enough to overflow.
func (e *Expander) customSeries(c recurrence.Custom, end time.Time) (series, bool) {
	step := c.Step()
	var s series

	switch c.Unit {
	case recurrence.UnitDay:
		s.matches = func(time.Time) bool { return true }
		s.next = func(day time.Time) time.Time {
			if step > daysBetween(day, end) {
				return pastEnd(end)
			}
			return clock.AddDays(day, step)
		}
	case recurrence.UnitWeek:
		if len(c.DaysOfWeek) == 0 {
			return series{}, false
		}
		var days [7]bool
		for _, d := range c.DaysOfWeek {
			if d >= 0 && d <= 6 {
				days[d] = true
			}
		}
		weekStart := e.cfg.WeekStart
		s.matches = func(day time.Time) bool { return days[day.Weekday()] }
		s.next = func(day time.Time) time.Time {
			n := clock.AddDays(day, 1)
			if n.Weekday() == weekStart && step > 1 {
				if step-1 > daysBetween(n, end)/7 {
					return pastEnd(end)
				}
				n = clock.AddDays(n, 7*(step-1))
			}
			return n
		}
	case recurrence.UnitMonth:
		if len(c.DaysOfMonth) == 0 {
			return series{}, false
		}
		var days [32]bool
		for _, d := range c.DaysOfMonth {
			if d >= 1 && d <= 31 {
				days[d] = true
			}
		}
		s.matches = func(day time.Time) bool { return days[day.Day()] }
		s.next = func(day time.Time) time.Time {
			if clock.IsLastDayOfMonth(day) {
				if step > monthsBetween(day, end) {
					return pastEnd(end)
				}
				return time.Date(day.Year(), day.Month()+time.Month(step), 1, 0, 0, 0, 0, day.Location())
			}
			return clock.AddDays(day, 1)
		}
	default:
		return series{}, false
	}

	switch end := c.EndOrUnbounded().(type) {
	case recurrence.AfterOccurrences:
		s.limited = true
		s.limit = end.Count
	case recurrence.OnDate:
		if !end.Date.IsZero() {
			y, m, d := end.Date.Date()
			until := time.Date(y, m, d, 0, 0, 0, 0, e.cfg.Location)
			s.until = &until
		}
	case recurrence.Unbounded:
	}
	return s, true
}

func stepDays(n int) func(time.Time) time.Time {
	return func(day time.Time) time.Time { return clock.AddDays(day, n) }
}

// nextMonthWithDay jumps to dom in the next month long enough to have it.
func nextMonthWithDay(dom int) func(time.Time) time.Time {
	return func(day time.Time) time.Time {
		for k := 1; ; k++ {
			first := time.Date(day.Year(), day.Month()+time.Month(k), 1, 0, 0, 0, 0, day.Location())
			if clock.DaysIn(first.Year(), first.Month()) >= dom {
				return time.Date(first.Year(), first.Month(), dom, 0, 0, 0, 0, day.Location())
			}
		}
	}
}

// makeOccurrence copies the display fields of def onto a dated occurrence.
func makeOccurrence(def model.EventDefinition, at time.Time, index int, recurring bool) model.Occurrence {
	return model.Occurrence{
		SourceEventID:   def.ID,
		DateTime:        at,
		Index:           index,
		Recurring:       recurring,
		OriginalEventID: def.OriginalEventID,
		Title:           def.Title,
		Description:     def.Description,
		Category:        def.Category,
		Color:           def.Color,
	}
}
