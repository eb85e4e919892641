package recurrence

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"
)

// End types used by the custom wire object.
const (
	endTypeOccurrences = "occurrences"
	endTypeDate        = "date"
	endTypeNever       = "never"
)

// customWire is the persisted object form:
//
//	{ "type": "custom", "unit": "week", "interval": 2, "endType": "occurrences",
//	  "endAfter": 10, "daysOfWeek": [1, 3] }
//
// Day lists use omitzero so an explicit empty list survives a round trip.
type customWire struct {
	Type        string `json:"type"`
	Unit        string `json:"unit,omitempty"`
	Interval    *int   `json:"interval,omitempty"`
	EndType     string `json:"endType,omitempty"`
	EndAfter    *int   `json:"endAfter,omitempty"`
	EndDate     string `json:"endDate,omitempty"`
	DaysOfWeek  []int  `json:"daysOfWeek,omitzero"`
	DaysOfMonth []int  `json:"daysOfMonth,omitzero"`
}

// wireExtras is the part of a decoded custom object that has no place in
// Custom's fields. Each entry only applies while the field it shadows still
// holds the decoded value, so an edited rule encodes canonically.
type wireExtras struct {
	noInterval bool
	noEndAfter bool
	// endType is an unrecognized end type, kept verbatim.
	endType string
	// endAfter and endDate are values the end type did not consume, or
	// (for endDate) a non YYYY-MM-DD spelling of the end date.
	endAfter *int
	endDate  string
}

// Marshal encodes r as either a short token ("none", "daily", "weekly",
// "monthly") or the custom object.
func Marshal(r Rule) ([]byte, error) {
	switch v := OrNone(r).(type) {
	case None, Daily, Weekly, Monthly:
		return json.Marshal(string(v.Kind()))
	case Custom:
		return json.Marshal(toWire(v))
	default:
		return nil, fmt.Errorf("recurrence: unknown rule type %T", r)
	}
}

// Unmarshal accepts the short token form, the custom object form, an object
// whose type is one of the short tokens, and null (None).
func Unmarshal(data []byte) (Rule, error) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		return None{}, nil
	}

	if data[0] == '"' {
		var token string
		if err := json.Unmarshal(data, &token); err != nil {
			return nil, fmt.Errorf("recurrence: %w", err)
		}
		return fromToken(token)
	}

	var w customWire
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, fmt.Errorf("recurrence: %w", err)
	}
	if w.Type != string(KindCustom) {
		return fromToken(w.Type)
	}
	return fromWire(w)
}

func fromToken(token string) (Rule, error) {
	switch Kind(token) {
	case KindNone, "":
		return None{}, nil
	case KindDaily:
		return Daily{}, nil
	case KindWeekly:
		return Weekly{}, nil
	case KindMonthly:
		return Monthly{}, nil
	default:
		return nil, fmt.Errorf("recurrence: unknown token %q", token)
	}
}

func toWire(c Custom) customWire {
	x := c.wire
	w := customWire{
		Type:        string(KindCustom),
		Unit:        string(c.Unit),
		DaysOfWeek:  c.DaysOfWeek,
		DaysOfMonth: c.DaysOfMonth,
	}
	if !(x.noInterval && c.Interval == 0) {
		n := c.Interval
		w.Interval = &n
	}

	switch e := c.End.(type) {
	case nil:
		w.EndType = x.endType
	case AfterOccurrences:
		w.EndType = endTypeOccurrences
		if !(x.noEndAfter && e.Count == 0) {
			n := e.Count
			w.EndAfter = &n
		}
	case OnDate:
		w.EndType = endTypeDate
		if !e.Date.IsZero() {
			w.EndDate = e.Date.Format(time.DateOnly)
			if x.endDate != "" {
				if d, err := parseEndDate(x.endDate); err == nil && d.Equal(e.Date) {
					w.EndDate = x.endDate
				}
			}
		}
	case Unbounded:
		w.EndType = endTypeNever
	}

	// Values the end type never consumed go back out untouched.
	if w.EndAfter == nil && x.endAfter != nil {
		n := *x.endAfter
		w.EndAfter = &n
	}
	if _, isDate := c.End.(OnDate); !isDate && x.endDate != "" {
		w.EndDate = x.endDate
	}
	return w
}

func fromWire(w customWire) (Rule, error) {
	c := Custom{
		Unit:        Unit(w.Unit),
		DaysOfWeek:  w.DaysOfWeek,
		DaysOfMonth: w.DaysOfMonth,
	}
	if w.Interval != nil {
		c.Interval = *w.Interval
	} else {
		c.wire.noInterval = true
	}

	switch w.EndType {
	case endTypeOccurrences:
		n := 0
		if w.EndAfter != nil {
			n = *w.EndAfter
		} else {
			c.wire.noEndAfter = true
		}
		c.End = AfterOccurrences{Count: n}
		c.wire.endDate = w.EndDate
	case endTypeDate:
		var d time.Time
		if w.EndDate != "" {
			parsed, err := parseEndDate(w.EndDate)
			if err != nil {
				return nil, err
			}
			d = parsed
			if w.EndDate != parsed.Format(time.DateOnly) {
				c.wire.endDate = w.EndDate
			}
		}
		c.End = OnDate{Date: d}
		c.wire.endAfter = w.EndAfter
	case endTypeNever:
		c.End = Unbounded{}
		c.wire.endAfter = w.EndAfter
		c.wire.endDate = w.EndDate
	default:
		// Absent and unknown end types both mean "until the window ends";
		// End stays nil and the spelling is kept for encoding.
		c.wire.endType = w.EndType
		c.wire.endAfter = w.EndAfter
		c.wire.endDate = w.EndDate
	}
	return c, nil
}

// parseEndDate keeps only the civil date. "2024-03-10" and
// "2024-03-10T00:00:00Z" both become 2024-03-10 00:00 UTC; the expander
// re-anchors it into its own location.
func parseEndDate(s string) (time.Time, error) {
	if t, err := time.Parse(time.DateOnly, s); err == nil {
		return t, nil
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("recurrence: endDate %q: %w", s, err)
	}
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC), nil
}
