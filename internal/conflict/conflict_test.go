package conflict

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"flamcal/internal/expand"
	"flamcal/internal/model"
	"flamcal/internal/recurrence"
)

func at(d, h, m, s int) time.Time {
	return time.Date(2024, 5, d, h, m, s, 0, time.UTC)
}

func TestConflicts_SameMinuteDifferentEvents(t *testing.T) {
	det := Detector{Location: time.UTC}

	a := Item{ID: "a", DateTime: at(10, 14, 0, 0)}
	b := Item{ID: "b", DateTime: at(10, 14, 0, 45)}
	c := Item{ID: "c", DateTime: at(10, 14, 1, 0)}
	d := Item{ID: "d", DateTime: at(11, 14, 0, 0)}

	assert.True(t, det.Pair(a, b))
	assert.False(t, det.Pair(a, c))
	assert.False(t, det.Pair(a, d))
	assert.False(t, det.Conflicts(a, nil))
}

func TestConflicts_Symmetric(t *testing.T) {
	det := Detector{Location: time.UTC}
	items := []Item{
		{ID: "a", DateTime: at(10, 9, 0, 0)},
		{ID: "b", DateTime: at(10, 9, 0, 0)},
		{ID: "a_2024-05-11T09:00:00.000Z", OriginalEventID: "a", DateTime: at(11, 9, 0, 0)},
		{ID: "a_2024-05-12T09:00:00.000Z", OriginalEventID: "a", DateTime: at(12, 9, 0, 0)},
		{ID: "c", DateTime: at(11, 9, 0, 0)},
		{ID: "m", OriginalEventID: "a", DateTime: at(12, 9, 0, 0)},
		{ID: "n", DateTime: at(12, 9, 0, 30)},
	}
	for _, x := range items {
		for _, y := range items {
			assert.Equal(t, det.Pair(x, y), det.Pair(y, x), "%s vs %s", x.ID, y.ID)
		}
	}
}

func TestConflicts_ExcludesOwnSeries(t *testing.T) {
	det := Detector{Location: time.UTC}
	source := Item{ID: "a", DateTime: at(10, 9, 0, 0)}
	inst := Item{ID: "a_x", OriginalEventID: "a", DateTime: at(10, 9, 0, 0)}
	sibling := Item{ID: "a_y", OriginalEventID: "a", DateTime: at(10, 9, 0, 0)}

	assert.False(t, det.Pair(source, source))
	assert.False(t, det.Pair(source, inst))
	assert.False(t, det.Pair(inst, sibling))
}

func TestConflicts_DailySeriesNeverConflictsWithItself(t *testing.T) {
	e := expand.New(expand.Config{Location: time.UTC})
	daily := model.EventDefinition{ID: "d", Title: "d", Anchor: at(1, 9, 0, 0), Rule: recurrence.Daily{}}

	occ := e.Expand(daily, at(1, 0, 0, 0), at(5, 0, 0, 0))
	require.Len(t, occ, 5)

	items := make([]Item, 0, len(occ))
	for _, o := range occ {
		items = append(items, ItemFromOccurrence(o))
	}
	det := Detector{Location: time.UTC}
	for _, it := range items {
		assert.False(t, det.Conflicts(it, items))
	}
	assert.False(t, det.Conflicts(ItemFromDefinition(daily), items))
}

func TestConflicts_DailyAgainstOneOff(t *testing.T) {
	e := expand.New(expand.Config{Location: time.UTC})
	daily := model.EventDefinition{ID: "d", Title: "d", Anchor: at(1, 14, 0, 0), Rule: recurrence.Daily{}}
	oneOff := model.EventDefinition{ID: "o", Title: "o", Anchor: at(10, 14, 0, 0), Rule: recurrence.None{}}

	var against []Item
	for _, o := range e.Expand(daily, at(1, 0, 0, 0), at(31, 0, 0, 0)) {
		against = append(against, ItemFromOccurrence(o))
	}

	det := Detector{Location: time.UTC}
	hit := det.First(ItemFromDefinition(oneOff), against)
	require.True(t, hit.IsPresent())
	assert.Equal(t, "d", hit.MustGet().OriginalEventID)
	assert.True(t, hit.MustGet().DateTime.Equal(at(10, 14, 0, 0)))
}
