package model

import (
	"encoding/json"
	"fmt"
	"time"

	"flamcal/internal/recurrence"
)

// ISOLayout is the persisted timestamp form: UTC with millisecond precision,
// e.g. 2024-03-01T09:00:00.000Z.
const ISOLayout = "2006-01-02T15:04:05.000Z"

// EventDefinition is the durable, user-authored record. Edits replace the
// whole value; nothing mutates a definition in place.
type EventDefinition struct {
	ID          string
	Title       string
	Description string
	Category    string
	Color       string

	// Anchor is the first occurrence's date and time-of-day.
	Anchor time.Time
	Rule   recurrence.Rule

	// OriginalEventID is set on materialized instances (imported overrides of
	// a recurring series) and points at the source definition.
	OriginalEventID string
	// RecurrenceID is the slot of the source series this instance replaces.
	RecurrenceID time.Time
}

// IsInstance reports whether the definition is a materialized instance of
// another definition.
func (d EventDefinition) IsInstance() bool {
	return d.OriginalEventID != ""
}

// IsRecurring reports whether the definition repeats.
func (d EventDefinition) IsRecurring() bool {
	return recurrence.IsRecurring(d.Rule)
}

// In returns a copy with all timestamps converted to loc.
func (d EventDefinition) In(loc *time.Location) EventDefinition {
	d.Anchor = d.Anchor.In(loc)
	if !d.RecurrenceID.IsZero() {
		d.RecurrenceID = d.RecurrenceID.In(loc)
	}
	return d
}

// definitionJSON is the persisted record shape.
type definitionJSON struct {
	ID              string          `json:"id"`
	Title           string          `json:"title"`
	Description     string          `json:"description,omitempty"`
	Category        string          `json:"category,omitempty"`
	Color           string          `json:"color,omitempty"`
	Date            string          `json:"date"`
	Recurrence      json.RawMessage `json:"recurrence"`
	OriginalEventID string          `json:"originalEventId,omitempty"`
	RecurrenceID    string          `json:"recurrenceId,omitempty"`
}

func (d EventDefinition) MarshalJSON() ([]byte, error) {
	rule, err := recurrence.Marshal(d.Rule)
	if err != nil {
		return nil, err
	}
	out := definitionJSON{
		ID:              d.ID,
		Title:           d.Title,
		Description:     d.Description,
		Category:        d.Category,
		Color:           d.Color,
		Date:            FormatISO(d.Anchor),
		Recurrence:      rule,
		OriginalEventID: d.OriginalEventID,
	}
	if !d.RecurrenceID.IsZero() {
		out.RecurrenceID = FormatISO(d.RecurrenceID)
	}
	return json.Marshal(out)
}

func (d *EventDefinition) UnmarshalJSON(data []byte) error {
	var in definitionJSON
	if err := json.Unmarshal(data, &in); err != nil {
		return err
	}

	anchor, err := time.Parse(time.RFC3339Nano, in.Date)
	if err != nil {
		return fmt.Errorf("event %q: date: %w", in.ID, err)
	}
	rule, err := recurrence.Unmarshal(in.Recurrence)
	if err != nil {
		return fmt.Errorf("event %q: %w", in.ID, err)
	}

	*d = EventDefinition{
		ID:              in.ID,
		Title:           in.Title,
		Description:     in.Description,
		Category:        in.Category,
		Color:           in.Color,
		Anchor:          anchor,
		Rule:            rule,
		OriginalEventID: in.OriginalEventID,
	}
	if in.RecurrenceID != "" {
		rid, err := time.Parse(time.RFC3339Nano, in.RecurrenceID)
		if err != nil {
			return fmt.Errorf("event %q: recurrenceId: %w", in.ID, err)
		}
		d.RecurrenceID = rid
	}
	return nil
}

// Occurrence is one concrete, dated materialization of a definition. It is
// derived on demand and never persisted.
type Occurrence struct {
	SourceEventID string
	DateTime      time.Time
	// Index is the 1-based position of this occurrence in its series,
	// counted from the anchor.
	Index int
	// Recurring is true for occurrences generated by a repeating rule.
	Recurring bool
	// OriginalEventID is set when the source definition is itself a
	// materialized instance of another definition.
	OriginalEventID string

	Title       string
	Description string
	Category    string
	Color       string
}

// Key is the stable UI identity: source id joined with the ISO timestamp.
func (o Occurrence) Key() string {
	return InstanceKey(o.SourceEventID, o.DateTime)
}

// InstanceKey builds the "<id>_<iso>" identity of an occurrence.
func InstanceKey(sourceID string, at time.Time) string {
	return sourceID + "_" + FormatISO(at)
}

// SameSlot reports whether two occurrences are the same slot of the same
// series.
func (o Occurrence) SameSlot(other Occurrence) bool {
	return o.SourceEventID == other.SourceEventID && o.DateTime.Equal(other.DateTime)
}

func FormatISO(t time.Time) string {
	return t.UTC().Format(ISOLayout)
}
