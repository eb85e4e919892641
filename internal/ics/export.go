package ics

import (
	"fmt"
	"time"

	ical "github.com/arran4/golang-ical"
	"github.com/teambition/rrule-go"

	"flamcal/internal/clock"
	appLog "flamcal/internal/log"
	"flamcal/internal/model"
	"flamcal/internal/recurrence"
)

const (
	productID = "-//flamcal//flamcal//EN"

	// propertyEventID carries our own ID on overrides, whose UID is the
	// series UID.
	propertyEventID = ical.ComponentProperty("X-FLAMCAL-ID")
	propertyRecurID = ical.ComponentProperty("RECURRENCE-ID")

	layoutUTC   = "20060102T150405Z"
	layoutLocal = "20060102T150405"
	layoutDate  = "20060102"
)

// ExportOptions describes the zone and week layout rules are written in.
type ExportOptions struct {
	Location  *time.Location
	WeekStart time.Weekday
	// Name is written as X-WR-CALNAME when set.
	Name string
	// Now stamps every VEVENT (DTSTAMP). Zero means time.Now.
	Now time.Time
}

// Export serializes defs as one VCALENDAR. Definitions whose rule has no
// RRULE equivalent (e.g. a weekly rule without days) are skipped and logged.
func Export(defs []model.EventDefinition, opts ExportOptions) string {
	loc := opts.Location
	if loc == nil {
		loc = time.Local
	}
	now := opts.Now
	if now.IsZero() {
		now = time.Now()
	}

	cal := ical.NewCalendar()
	cal.SetProductId(productID)
	cal.SetMethod(ical.MethodPublish)
	if opts.Name != "" {
		cal.SetXWRCalName(opts.Name)
	}
	if tz := tzid(loc); tz != "" {
		cal.SetXWRTimezone(tz)
	}

	exported := 0
	for _, d := range defs {
		rule, err := RRule(d.Rule, opts.WeekStart, loc)
		if err != nil {
			appLog.Warn("ics export: skipping event", "id", d.ID, "reason", err.Error())
			continue
		}

		uid := d.ID
		if d.IsInstance() {
			uid = d.OriginalEventID
		}
		ev := cal.AddEvent(uid)
		ev.SetDtStampTime(now)
		setTime(ev, ical.ComponentPropertyDtStart, d.Anchor, loc)
		ev.SetSummary(d.Title)
		if d.Description != "" {
			ev.SetDescription(d.Description)
		}
		if d.Category != "" {
			ev.SetProperty(ical.ComponentPropertyCategories, d.Category)
		}
		if d.Color != "" {
			ev.SetProperty(ical.ComponentPropertyColor, d.Color)
		}
		if rule != "" {
			ev.AddRrule(rule)
		}
		if d.IsInstance() {
			ev.SetProperty(propertyEventID, d.ID)
			rid := d.RecurrenceID
			if rid.IsZero() {
				rid = d.Anchor
			}
			setTime(ev, propertyRecurID, rid, loc)
		}
		exported++
	}

	appLog.Debug("ics export completed", "events", exported, "skipped", len(defs)-exported)
	return cal.Serialize()
}

// RRule renders r as an RFC 5545 RRULE value, or "" for a one-off.
func RRule(r recurrence.Rule, weekStart time.Weekday, loc *time.Location) (string, error) {
	var opt rrule.ROption

	switch rule := recurrence.OrNone(r).(type) {
	case recurrence.None:
		return "", nil
	case recurrence.Daily:
		opt.Freq = rrule.DAILY
	case recurrence.Weekly:
		opt.Freq = rrule.WEEKLY
	case recurrence.Monthly:
		opt.Freq = rrule.MONTHLY
	case recurrence.Custom:
		opt.Interval = rule.Step()
		switch rule.Unit {
		case recurrence.UnitDay:
			opt.Freq = rrule.DAILY
		case recurrence.UnitWeek:
			if len(rule.DaysOfWeek) == 0 {
				return "", fmt.Errorf("weekly rule without days")
			}
			opt.Freq = rrule.WEEKLY
			opt.Wkst = toRRuleWeekday(weekStart)
			for _, d := range rule.DaysOfWeek {
				if d < 0 || d > 6 {
					return "", fmt.Errorf("weekday %d out of range", d)
				}
				opt.Byweekday = append(opt.Byweekday, toRRuleWeekday(time.Weekday(d)))
			}
		case recurrence.UnitMonth:
			if len(rule.DaysOfMonth) == 0 {
				return "", fmt.Errorf("monthly rule without days")
			}
			opt.Freq = rrule.MONTHLY
			opt.Bymonthday = append([]int(nil), rule.DaysOfMonth...)
		default:
			return "", fmt.Errorf("unknown unit %q", rule.Unit)
		}

		switch end := rule.EndOrUnbounded().(type) {
		case recurrence.AfterOccurrences:
			if end.Count < 1 {
				return "", fmt.Errorf("occurrence count %d", end.Count)
			}
			opt.Count = end.Count
		case recurrence.OnDate:
			if !end.Date.IsZero() {
				// The end date itself is excluded; UNTIL is inclusive.
				y, m, d := end.Date.Date()
				opt.Until = time.Date(y, m, d, 0, 0, 0, 0, loc).Add(-time.Second)
			}
		}
	default:
		return "", fmt.Errorf("unsupported rule %T", r)
	}

	if opt.Interval == 1 {
		opt.Interval = 0
	}
	return opt.RRuleString(), nil
}

func setTime(ev *ical.VEvent, prop ical.ComponentProperty, t time.Time, loc *time.Location) {
	tz := tzid(loc)
	if tz == "" || tz == "UTC" {
		ev.SetProperty(prop, t.UTC().Format(layoutUTC))
		return
	}
	ev.SetProperty(prop, t.In(loc).Format(layoutLocal), &ical.KeyValues{
		Key:   string(ical.ParameterTzid),
		Value: []string{tz},
	})
}

// tzid returns loc's IANA name, or "" when it has none (time.Local).
func tzid(loc *time.Location) string {
	if loc == nil || loc == time.Local || loc.String() == "Local" {
		return ""
	}
	return loc.String()
}

// toRRuleWeekday maps Sunday=0 numbering onto rrule-go's weekdays.
func toRRuleWeekday(d time.Weekday) rrule.Weekday {
	return [...]rrule.Weekday{rrule.SU, rrule.MO, rrule.TU, rrule.WE, rrule.TH, rrule.FR, rrule.SA}[d]
}

func fromRRuleWeekday(w rrule.Weekday) time.Weekday {
	// rrule-go numbers Monday as 0.
	return time.Weekday((w.Day() + 1) % 7)
}

// untilToEndDate converts an inclusive UNTIL into the exclusive civil end
// date used by OnDate.
func untilToEndDate(until time.Time, loc *time.Location) time.Time {
	next := clock.AddDays(clock.StartOfDay(until.In(loc)), 1)
	y, m, d := next.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}
