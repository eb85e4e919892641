package recurrence

import "fmt"

// MaxInterval bounds the step of a custom rule accepted from input.
const MaxInterval = 10000

// InvalidError reports a rule that cannot be accepted from user input.
type InvalidError struct {
	Field  string
	Reason string
}

func (e *InvalidError) Error() string {
	return fmt.Sprintf("recurrence: %s: %s", e.Field, e.Reason)
}

// Validate checks a rule the way the event form does before saving. The
// expander never calls it: malformed rules simply produce no occurrences.
func Validate(r Rule) error {
	c, ok := OrNone(r).(Custom)
	if !ok {
		return nil
	}

	if c.Interval < 1 {
		return &InvalidError{Field: "interval", Reason: "must be at least 1"}
	}
	if c.Interval > MaxInterval {
		return &InvalidError{Field: "interval", Reason: fmt.Sprintf("must be at most %d", MaxInterval)}
	}

	switch c.Unit {
	case UnitDay:
	case UnitWeek:
		if len(c.DaysOfWeek) == 0 {
			return &InvalidError{Field: "daysOfWeek", Reason: "select at least one day of the week"}
		}
		for _, d := range c.DaysOfWeek {
			if d < 0 || d > 6 {
				return &InvalidError{Field: "daysOfWeek", Reason: fmt.Sprintf("%d is not a weekday (0-6)", d)}
			}
		}
	case UnitMonth:
		if len(c.DaysOfMonth) == 0 {
			return &InvalidError{Field: "daysOfMonth", Reason: "select at least one day of the month"}
		}
		for _, d := range c.DaysOfMonth {
			if d < 1 || d > 31 {
				return &InvalidError{Field: "daysOfMonth", Reason: fmt.Sprintf("%d is not a day of month (1-31)", d)}
			}
		}
	default:
		return &InvalidError{Field: "unit", Reason: fmt.Sprintf("unknown unit %q", c.Unit)}
	}

	switch e := c.EndOrUnbounded().(type) {
	case AfterOccurrences:
		if e.Count < 1 {
			return &InvalidError{Field: "endAfter", Reason: "must be at least 1"}
		}
	case OnDate:
		if e.Date.IsZero() {
			return &InvalidError{Field: "endDate", Reason: "select an end date"}
		}
	}
	return nil
}
