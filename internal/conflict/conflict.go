// Package conflict decides whether two calendar entries occupy the same slot.
package conflict

import (
	"time"

	"github.com/samber/mo"

	"flamcal/internal/clock"
	"flamcal/internal/model"
)

// Item is the minimal view of an entry the detector needs. Generated
// occurrences of a recurring definition carry their occurrence key as ID and
// the source definition's ID as OriginalEventID.
type Item struct {
	ID              string
	OriginalEventID string
	DateTime        time.Time
}

// ItemFromOccurrence converts an expanded occurrence.
func ItemFromOccurrence(o model.Occurrence) Item {
	if o.Recurring {
		return Item{ID: o.Key(), OriginalEventID: o.SourceEventID, DateTime: o.DateTime}
	}
	return Item{ID: o.SourceEventID, OriginalEventID: o.OriginalEventID, DateTime: o.DateTime}
}

// ItemFromDefinition uses the definition's anchor as its slot.
func ItemFromDefinition(d model.EventDefinition) Item {
	return Item{ID: d.ID, OriginalEventID: d.OriginalEventID, DateTime: d.Anchor}
}

// Detector compares slots on the wall clock of Location.
type Detector struct {
	Location *time.Location
}

func (d Detector) loc() *time.Location {
	if d.Location == nil {
		return time.Local
	}
	return d.Location
}

// Conflicts reports whether candidate shares a day and hour:minute with any
// item in against that is not the candidate itself or part of its series.
func (d Detector) Conflicts(candidate Item, against []Item) bool {
	return d.First(candidate, against).IsPresent()
}

// First returns the first item candidate conflicts with.
func (d Detector) First(candidate Item, against []Item) mo.Option[Item] {
	loc := d.loc()
	at := candidate.DateTime.In(loc)
	for _, other := range against {
		if related(candidate, other) {
			continue
		}
		if clock.SameMinute(at, other.DateTime.In(loc)) {
			return mo.Some(other)
		}
	}
	return mo.None[Item]()
}

// Pair is the symmetric two-item form of Conflicts.
func (d Detector) Pair(a, b Item) bool {
	return d.Conflicts(a, []Item{b})
}

// related is true when a and b are the same entry or belong to one series.
func related(a, b Item) bool {
	switch {
	case a.ID != "" && a.ID == b.ID:
		return true
	case a.ID != "" && b.OriginalEventID == a.ID:
		return true
	case b.ID != "" && a.OriginalEventID == b.ID:
		return true
	case a.OriginalEventID != "" && a.OriginalEventID == b.OriginalEventID:
		return true
	}
	return false
}
