package ics

import (
	"bytes"
	"errors"
	"fmt"
	"strings"
	"time"

	ical "github.com/arran4/golang-ical"
	"github.com/teambition/rrule-go"

	appLog "flamcal/internal/log"
	"flamcal/internal/model"
	"flamcal/internal/recurrence"
)

// ErrUnsupportedRule marks an RRULE that has no equivalent recurrence rule.
var ErrUnsupportedRule = errors.New("unsupported RRULE")

// ImportOptions controls how a payload is mapped onto definitions.
type ImportOptions struct {
	// Location is the zone floating and all-day times are read in, and the
	// zone resulting definitions are expressed in.
	Location *time.Location
	// Category is assigned to events that have none.
	Category string
}

// Import parses an ICS payload into event definitions.
//
//   - Plain DAILY/WEEKLY/MONTHLY rules become the short rule forms; anything
//     with an interval, BYDAY, BYMONTHDAY, COUNT or UNTIL becomes Custom.
//   - VEVENTs with RECURRENCE-ID become materialized instances of their
//     series.
//   - Events that cannot be represented are logged and skipped. Parsing
//     continues with the next VEVENT.
func Import(src Source, body []byte, opts ImportOptions) ([]model.EventDefinition, error) {
	if len(body) == 0 {
		return nil, errors.New("empty ICS body")
	}
	if opts.Location == nil {
		opts.Location = time.Local
	}

	cal, err := ical.ParseCalendar(bytes.NewReader(body))
	if err != nil {
		appLog.Error("ics parse failed", err, "id", src.ID, "url", redactURL(src.URL))
		return nil, err
	}

	defs := make([]model.EventDefinition, 0)
	for _, ve := range cal.Events() {
		d, perr := parseVEvent(ve, opts)
		if perr != nil {
			appLog.Warn("ics vevent skipped", "id", src.ID, "url", redactURL(src.URL), "reason", perr.Error())
			continue
		}
		defs = append(defs, d)
	}

	appLog.Info("ics parse completed", "id", src.ID, "url", redactURL(src.URL), "event_count", len(defs))
	return defs, nil
}

func parseVEvent(ve *ical.VEvent, opts ImportOptions) (model.EventDefinition, error) {
	var out model.EventDefinition
	loc := opts.Location

	uid := propValue(ve, ical.ComponentPropertyUniqueId)
	if uid == "" {
		return out, errors.New("missing UID")
	}
	if strings.EqualFold(propValue(ve, ical.ComponentPropertyStatus), "CANCELLED") {
		return out, fmt.Errorf("%s: cancelled", uid)
	}

	dtStart := ve.GetProperty(ical.ComponentPropertyDtStart)
	if dtStart == nil {
		return out, fmt.Errorf("%s: missing DTSTART", uid)
	}
	start, err := parsePropTime(dtStart, loc)
	if err != nil {
		return out, fmt.Errorf("%s: DTSTART: %w", uid, err)
	}

	out.ID = uid
	out.Title = propValue(ve, ical.ComponentPropertySummary)
	out.Description = propValue(ve, ical.ComponentPropertyDescription)
	out.Category = firstCategory(propValue(ve, ical.ComponentPropertyCategories))
	if out.Category == "" {
		out.Category = opts.Category
	}
	out.Color = propValue(ve, ical.ComponentPropertyColor)
	out.Anchor = start
	out.Rule = recurrence.None{}

	// RECURRENCE-ID turns this VEVENT into an override of the series UID.
	if rid := ve.GetProperty(propertyRecurID); rid != nil {
		t, err := parsePropTime(rid, loc)
		if err != nil {
			return out, fmt.Errorf("%s: RECURRENCE-ID: %w", uid, err)
		}
		out.OriginalEventID = uid
		out.RecurrenceID = t
		out.ID = propValue(ve, propertyEventID)
		if out.ID == "" {
			out.ID = uid + "-" + t.UTC().Format(layoutUTC)
		}
		return out, nil
	}

	if raw := propValue(ve, ical.ComponentPropertyRrule); raw != "" {
		rule, err := ParseRRule(raw, start, loc)
		if err != nil {
			return out, fmt.Errorf("%s: %w", uid, err)
		}
		out.Rule = rule
	}
	if n := len(ve.GetProperties(ical.ComponentPropertyExdate)); n > 0 {
		appLog.Debug("ics exdate ignored", "uid", uid, "count", n)
	}
	return out, nil
}

// ParseRRule maps an RRULE value onto a recurrence rule. anchor supplies the
// day when a weekly or monthly rule lists none.
func ParseRRule(raw string, anchor time.Time, loc *time.Location) (recurrence.Rule, error) {
	opt, err := rrule.StrToROption(strings.TrimPrefix(strings.TrimSpace(raw), "RRULE:"))
	if err != nil {
		return nil, fmt.Errorf("RRULE %q: %w", raw, err)
	}
	if len(opt.Bysetpos)+len(opt.Bymonth)+len(opt.Byyearday)+len(opt.Byweekno)+
		len(opt.Byhour)+len(opt.Byminute)+len(opt.Bysecond)+len(opt.Byeaster) > 0 {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedRule, raw)
	}

	interval := opt.Interval
	if interval < 1 {
		interval = 1
	}
	var end recurrence.EndCondition = recurrence.Unbounded{}
	switch {
	case opt.Count > 0:
		end = recurrence.AfterOccurrences{Count: opt.Count}
	case !opt.Until.IsZero():
		end = recurrence.OnDate{Date: untilToEndDate(opt.Until, loc)}
	}
	plain := interval == 1 && opt.Count == 0 && opt.Until.IsZero()
	anchor = anchor.In(loc)

	switch opt.Freq {
	case rrule.DAILY:
		if len(opt.Byweekday)+len(opt.Bymonthday) > 0 {
			return nil, fmt.Errorf("%w: %s", ErrUnsupportedRule, raw)
		}
		if plain {
			return recurrence.Daily{}, nil
		}
		return recurrence.Custom{Unit: recurrence.UnitDay, Interval: interval, End: end}, nil

	case rrule.WEEKLY:
		if len(opt.Bymonthday) > 0 {
			return nil, fmt.Errorf("%w: %s", ErrUnsupportedRule, raw)
		}
		if plain && len(opt.Byweekday) == 0 {
			return recurrence.Weekly{}, nil
		}
		days := make([]int, 0, len(opt.Byweekday))
		for i := range opt.Byweekday {
			if opt.Byweekday[i].N() != 0 {
				return nil, fmt.Errorf("%w: %s", ErrUnsupportedRule, raw)
			}
			days = append(days, int(fromRRuleWeekday(opt.Byweekday[i])))
		}
		if len(days) == 0 {
			days = append(days, int(anchor.Weekday()))
		}
		return recurrence.Custom{Unit: recurrence.UnitWeek, Interval: interval, DaysOfWeek: days, End: end}, nil

	case rrule.MONTHLY:
		if len(opt.Byweekday) > 0 {
			return nil, fmt.Errorf("%w: %s", ErrUnsupportedRule, raw)
		}
		if plain && len(opt.Bymonthday) == 0 {
			return recurrence.Monthly{}, nil
		}
		days := make([]int, 0, len(opt.Bymonthday))
		for _, d := range opt.Bymonthday {
			if d < 1 {
				return nil, fmt.Errorf("%w: %s", ErrUnsupportedRule, raw)
			}
			days = append(days, d)
		}
		if len(days) == 0 {
			days = append(days, anchor.Day())
		}
		return recurrence.Custom{Unit: recurrence.UnitMonth, Interval: interval, DaysOfMonth: days, End: end}, nil
	}
	return nil, fmt.Errorf("%w: %s", ErrUnsupportedRule, raw)
}

func propValue(ve *ical.VEvent, prop ical.ComponentProperty) string {
	if p := ve.GetProperty(prop); p != nil {
		return strings.TrimSpace(p.Value)
	}
	return ""
}

func firstCategory(v string) string {
	first, _, _ := strings.Cut(v, ",")
	return strings.TrimSpace(first)
}

// parsePropTime reads a DATE or DATE-TIME property. UTC and TZID values are
// converted into loc; floating and all-day values are read in loc.
func parsePropTime(p *ical.IANAProperty, loc *time.Location) (time.Time, error) {
	v := strings.TrimSpace(p.Value)
	if v == "" {
		return time.Time{}, errors.New("empty time value")
	}

	in := loc
	if params := p.ICalParameters; params != nil {
		if vs, ok := params[string(ical.ParameterValue)]; ok && len(vs) > 0 && strings.EqualFold(vs[0], "DATE") {
			return time.ParseInLocation(layoutDate, v, loc)
		}
		if tzs, ok := params[string(ical.ParameterTzid)]; ok && len(tzs) > 0 {
			if tz, err := time.LoadLocation(tzs[0]); err == nil {
				in = tz
			} else {
				appLog.Warn("ics unknown TZID, using local zone", "tzid", tzs[0])
			}
		}
	}

	switch {
	case strings.HasSuffix(v, "Z"):
		t, err := time.Parse(layoutUTC, v)
		return t.In(loc), err
	case strings.Contains(v, "T"):
		t, err := time.ParseInLocation(layoutLocal, v, in)
		return t.In(loc), err
	default:
		return time.ParseInLocation(layoutDate, v, loc)
	}
}
