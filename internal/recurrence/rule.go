// Package recurrence models how an event repeats.
//
// Rule is a closed set of variants: None, Daily, Weekly, Monthly and Custom.
// The set is sealed by an unexported method so a type switch over Rule in
// another package only has to cover the cases declared here.
package recurrence

import "time"

type Kind string

const (
	KindNone    Kind = "none"
	KindDaily   Kind = "daily"
	KindWeekly  Kind = "weekly"
	KindMonthly Kind = "monthly"
	KindCustom  Kind = "custom"
)

// Rule describes the repetition of an event definition.
type Rule interface {
	Kind() Kind
	isRule()
}

// None means the event happens exactly once, at its anchor.
type None struct{}

// Daily repeats every day from the anchor, without end.
type Daily struct{}

// Weekly repeats every week on the anchor's weekday, without end.
type Weekly struct{}

// Monthly repeats every month on the anchor's day-of-month, without end.
// Months that lack that day are skipped.
type Monthly struct{}

type Unit string

const (
	UnitDay   Unit = "day"
	UnitWeek  Unit = "week"
	UnitMonth Unit = "month"
)

// Custom is the fully parameterised rule.
//
// DaysOfWeek uses 0=Sunday..6=Saturday and is only consulted for UnitWeek.
// DaysOfMonth uses 1..31 and is only consulted for UnitMonth.
// A nil End is treated as Unbounded; decoding leaves it nil when the
// stored object names no end type.
type Custom struct {
	Unit        Unit
	Interval    int
	DaysOfWeek  []int
	DaysOfMonth []int
	End         EndCondition

	// wire remembers how a decoded object spelled fields the rule itself
	// cannot express. It is zero for canonical input and for rules built
	// in code.
	wire wireExtras
}

func (None) Kind() Kind    { return KindNone }
func (Daily) Kind() Kind   { return KindDaily }
func (Weekly) Kind() Kind  { return KindWeekly }
func (Monthly) Kind() Kind { return KindMonthly }
func (Custom) Kind() Kind  { return KindCustom }

func (None) isRule()    {}
func (Daily) isRule()   {}
func (Weekly) isRule()  {}
func (Monthly) isRule() {}
func (Custom) isRule()  {}

// Step returns the interval with non-positive values treated as 1.
func (c Custom) Step() int {
	if c.Interval <= 0 {
		return 1
	}
	return c.Interval
}

// EndOrUnbounded never returns nil.
func (c Custom) EndOrUnbounded() EndCondition {
	if c.End == nil {
		return Unbounded{}
	}
	return c.End
}

// EndCondition decides when a series stops producing occurrences.
type EndCondition interface {
	isEnd()
}

// AfterOccurrences stops after Count occurrences counted from the anchor,
// regardless of which window is being viewed.
type AfterOccurrences struct {
	Count int
}

// OnDate stops before Date: only days strictly earlier than Date's calendar
// day produce occurrences. A zero Date behaves like Unbounded.
type OnDate struct {
	Date time.Time
}

// Unbounded never stops on its own; expansion is capped by the window.
type Unbounded struct{}

func (AfterOccurrences) isEnd() {}
func (OnDate) isEnd()           {}
func (Unbounded) isEnd()        {}

// IsRecurring reports whether r produces more than the anchor occurrence.
func IsRecurring(r Rule) bool {
	if r == nil {
		return false
	}
	_, none := r.(None)
	return !none
}

// OrNone maps a nil rule to None.
func OrNone(r Rule) Rule {
	if r == nil {
		return None{}
	}
	return r
}
