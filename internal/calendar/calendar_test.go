package calendar

import (
	"context"
	"errors"
	"fmt"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"flamcal/internal/clock"
	"flamcal/internal/model"
	"flamcal/internal/recurrence"
	"flamcal/internal/store"
)

func at(m time.Month, d, h, min int) time.Time {
	return time.Date(2024, m, d, h, min, 0, 0, time.UTC)
}

type recorder struct {
	mutations []string
	conflicts []string
}

func (r *recorder) Mutation(op string, err error) {
	r.mutations = append(r.mutations, fmt.Sprintf("%s:%v", op, err == nil))
}

func (r *recorder) Conflict(op string) { r.conflicts = append(r.conflicts, op) }

func newCalendar(t *testing.T, defs ...model.EventDefinition) (*Calendar, *store.MemoryStore, *recorder) {
	t.Helper()
	st := store.NewMemoryStore(defs...)
	rec := &recorder{}
	n := 0
	c, err := New(context.Background(), st, Options{
		Location: time.UTC,
		Clock:    clock.Fixed(at(5, 10, 8, 0)),
		Observer: rec,
		NewID: func() string {
			n++
			return fmt.Sprintf("gen-%d", n)
		},
	})
	require.NoError(t, err)
	return c, st, rec
}

func oneOff(id string, t time.Time) model.EventDefinition {
	return model.EventDefinition{ID: id, Title: id, Anchor: t, Rule: recurrence.None{}}
}

func TestAdd_AssignsIDAndPersists(t *testing.T) {
	c, st, rec := newCalendar(t)
	ctx := context.Background()

	got, err := c.Add(ctx, model.EventDefinition{Title: "  Lunch ", Anchor: at(5, 10, 12, 0)})
	require.NoError(t, err)
	assert.Equal(t, "gen-1", got.ID)
	assert.Equal(t, "Lunch", got.Title)
	assert.Equal(t, recurrence.None{}, got.Rule)
	assert.Equal(t, uint64(1), c.Version())

	stored, err := st.Load(ctx)
	require.NoError(t, err)
	require.Len(t, stored, 1)
	assert.Equal(t, []string{"add:true"}, rec.mutations)
}

func TestAdd_DefaultIDsAreUUIDs(t *testing.T) {
	c, err := New(context.Background(), store.NewMemoryStore(), Options{Location: time.UTC})
	require.NoError(t, err)

	got, err := c.Add(context.Background(), oneOff("", at(5, 1, 9, 0)))
	require.NoError(t, err)
	assert.Len(t, got.ID, 36)
}

func TestAdd_Validation(t *testing.T) {
	c, _, _ := newCalendar(t)
	ctx := context.Background()

	tests := []struct {
		name  string
		def   model.EventDefinition
		field string
	}{
		{name: "blank title", def: model.EventDefinition{Title: " ", Anchor: at(5, 1, 9, 0)}, field: "title"},
		{name: "missing date", def: model.EventDefinition{Title: "x"}, field: "date"},
		{
			name:  "weekly without days",
			def:   model.EventDefinition{Title: "x", Anchor: at(5, 1, 9, 0), Rule: recurrence.Custom{Unit: recurrence.UnitWeek, Interval: 1}},
			field: "daysOfWeek",
		},
		{
			name:  "end date missing",
			def:   model.EventDefinition{Title: "x", Anchor: at(5, 1, 9, 0), Rule: recurrence.Custom{Unit: recurrence.UnitDay, Interval: 1, End: recurrence.OnDate{}}},
			field: "endDate",
		},
		{
			name:  "interval too large",
			def:   model.EventDefinition{Title: "x", Anchor: at(5, 1, 9, 0), Rule: recurrence.Custom{Unit: recurrence.UnitDay, Interval: math.MaxInt}},
			field: "interval",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := c.Add(ctx, tt.def)
			require.ErrorIs(t, err, ErrValidation)
			var verr *ValidationError
			require.ErrorAs(t, err, &verr)
			assert.Equal(t, tt.field, verr.Field)
		})
	}
	assert.Empty(t, c.Definitions())
	assert.Equal(t, uint64(0), c.Version())
}

func TestAdd_DuplicateID(t *testing.T) {
	c, _, _ := newCalendar(t, oneOff("a", at(5, 1, 9, 0)))

	_, err := c.Add(context.Background(), oneOff("a", at(5, 2, 9, 0)))
	assert.ErrorIs(t, err, ErrValidation)
}

func TestAdd_ConflictWithRecurringSeries(t *testing.T) {
	daily := model.EventDefinition{ID: "d", Title: "Daily", Anchor: at(5, 1, 14, 0), Rule: recurrence.Daily{}}
	c, st, rec := newCalendar(t, daily)
	ctx := context.Background()

	_, err := c.Add(ctx, oneOff("o", at(5, 10, 14, 0)))
	require.ErrorIs(t, err, ErrConflict)
	var cerr *ConflictError
	require.ErrorAs(t, err, &cerr)
	assert.Equal(t, "d", cerr.With.OriginalEventID)
	assert.Contains(t, err.Error(), "2024-05-10T14:00:00.000Z")

	stored, _ := st.Load(ctx)
	assert.Len(t, stored, 1)
	assert.Equal(t, []string{"add"}, rec.conflicts)

	// Seconds are ignored, a different minute is fine.
	_, err = c.Add(ctx, oneOff("p", at(5, 10, 14, 1)))
	assert.NoError(t, err)
}

func TestCheck_IsNonBlocking(t *testing.T) {
	c, _, _ := newCalendar(t, oneOff("a", at(5, 10, 9, 0)))

	hit := c.Check(oneOff("", at(5, 10, 9, 0)), "")
	require.True(t, hit.IsPresent())
	assert.Equal(t, "a", hit.MustGet().ID)

	// Editing "a" in place never warns about its own slot.
	assert.False(t, c.Check(oneOff("", at(5, 10, 9, 0)), "a").IsPresent())
	assert.Len(t, c.Definitions(), 1)
}

func TestUpdate_ResolvesOccurrenceKey(t *testing.T) {
	weekly := model.EventDefinition{ID: "w", Title: "Weekly", Anchor: at(3, 1, 9, 0), Rule: recurrence.Weekly{}}
	c, _, _ := newCalendar(t, weekly)

	edit := weekly
	edit.ID = model.InstanceKey("w", at(3, 15, 9, 0))
	edit.Title = "Renamed"

	got, err := c.Update(context.Background(), edit)
	require.NoError(t, err)
	assert.Equal(t, "w", got.ID)
	assert.Equal(t, "Renamed", c.Get("w").MustGet().Title)
}

func TestUpdate_NotFound(t *testing.T) {
	c, _, _ := newCalendar(t)

	_, err := c.Update(context.Background(), oneOff("ghost", at(5, 1, 9, 0)))
	require.ErrorIs(t, err, ErrNotFound)

	_, err = c.Update(context.Background(), oneOff("ghost_2024-05-01T09:00:00.000Z", at(5, 1, 9, 0)))
	require.ErrorIs(t, err, ErrNotFound)
}

func TestUpdate_ConflictLeavesCollectionUnchanged(t *testing.T) {
	c, _, _ := newCalendar(t, oneOff("a", at(5, 10, 9, 0)), oneOff("b", at(5, 10, 11, 0)))

	edit := oneOff("b", at(5, 10, 9, 0))
	_, err := c.Update(context.Background(), edit)
	require.ErrorIs(t, err, ErrConflict)
	assert.True(t, c.Get("b").MustGet().Anchor.Equal(at(5, 10, 11, 0)))

	// Keeping its own slot is not a conflict.
	_, err = c.Update(context.Background(), oneOff("b", at(5, 10, 11, 0)))
	assert.NoError(t, err)
}

func TestDelete_Policies(t *testing.T) {
	source := model.EventDefinition{ID: "s", Title: "Series", Anchor: at(6, 10, 9, 0), Rule: recurrence.Daily{}}
	before := model.EventDefinition{ID: "i1", Title: "early", Anchor: at(6, 5, 10, 0), OriginalEventID: "s", RecurrenceID: at(6, 5, 9, 0)}
	after := model.EventDefinition{ID: "i2", Title: "late", Anchor: at(6, 12, 10, 0), OriginalEventID: "s", RecurrenceID: at(6, 12, 9, 0)}
	other := oneOff("o", at(6, 12, 15, 0))

	tests := []struct {
		name    string
		policy  DeletePolicy
		removed []string
		kept    []string
	}{
		{name: "after", policy: DeleteInstancesAfter, removed: []string{"s", "i2"}, kept: []string{"i1", "o"}},
		{name: "before", policy: DeleteInstancesBefore, removed: []string{"s", "i1"}, kept: []string{"i2", "o"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, _, _ := newCalendar(t, source, before, after, other)

			removed, err := c.Delete(context.Background(), "s", tt.policy)
			require.NoError(t, err)
			assert.ElementsMatch(t, tt.removed, removed)

			var kept []string
			for _, d := range c.Definitions() {
				kept = append(kept, d.ID)
			}
			assert.ElementsMatch(t, tt.kept, kept)
		})
	}
}

func TestDelete_OneOffAndOccurrenceKey(t *testing.T) {
	weekly := model.EventDefinition{ID: "w", Title: "Weekly", Anchor: at(3, 1, 9, 0), Rule: recurrence.Weekly{}}
	c, _, _ := newCalendar(t, weekly, oneOff("a", at(3, 2, 9, 0)))
	ctx := context.Background()

	removed, err := c.Delete(ctx, "a", DeleteInstancesAfter)
	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, removed)

	removed, err = c.Delete(ctx, model.InstanceKey("w", at(3, 8, 9, 0)), DeleteInstancesAfter)
	require.NoError(t, err)
	assert.Equal(t, []string{"w"}, removed)
	assert.Empty(t, c.Definitions())

	_, err = c.Delete(ctx, "a", DeleteInstancesAfter)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMove(t *testing.T) {
	weekly := model.EventDefinition{ID: "w", Title: "Weekly", Anchor: at(3, 1, 9, 0), Rule: recurrence.Weekly{}}
	instance := model.EventDefinition{ID: "m", Title: "Override", Anchor: at(3, 9, 10, 0), OriginalEventID: "w", RecurrenceID: at(3, 8, 9, 0)}
	single := oneOff("a", at(3, 4, 16, 30))
	c, _, rec := newCalendar(t, weekly, instance, single)
	ctx := context.Background()

	t.Run("keeps time of day", func(t *testing.T) {
		got, err := c.Move(ctx, "a", time.Date(2024, 3, 20, 0, 0, 0, 0, time.UTC))
		require.NoError(t, err)
		assert.True(t, got.Anchor.Equal(at(3, 20, 16, 30)))
		assert.True(t, c.Get("a").MustGet().Anchor.Equal(at(3, 20, 16, 30)))
	})

	t.Run("recurring definition rejected", func(t *testing.T) {
		_, err := c.Move(ctx, "w", at(3, 21, 0, 0))
		assert.ErrorIs(t, err, ErrValidation)
	})

	t.Run("generated occurrence rejected", func(t *testing.T) {
		_, err := c.Move(ctx, model.InstanceKey("w", at(3, 15, 9, 0)), at(3, 21, 0, 0))
		assert.ErrorIs(t, err, ErrValidation)
	})

	t.Run("materialized instance rejected", func(t *testing.T) {
		_, err := c.Move(ctx, "m", at(3, 21, 0, 0))
		assert.ErrorIs(t, err, ErrValidation)
	})

	t.Run("conflict restores prior state", func(t *testing.T) {
		moveConflict := oneOff("b", at(3, 2, 9, 0))
		_, err := c.Add(ctx, moveConflict)
		require.NoError(t, err)

		// 2024-03-22 is a Friday: the weekly series sits at 09:00.
		_, err = c.Move(ctx, "b", at(3, 22, 0, 0))
		require.ErrorIs(t, err, ErrConflict)
		assert.True(t, c.Get("b").MustGet().Anchor.Equal(at(3, 2, 9, 0)))
		assert.Contains(t, rec.conflicts, "move")
	})

	t.Run("unknown id", func(t *testing.T) {
		_, err := c.Move(ctx, "nope", at(3, 21, 0, 0))
		assert.ErrorIs(t, err, ErrNotFound)
	})
}

func TestStoreFailureIsAllOrNothing(t *testing.T) {
	c, st, rec := newCalendar(t, oneOff("a", at(5, 1, 9, 0)))
	st.Fail = errors.New("disk full")
	ctx := context.Background()

	_, err := c.Add(ctx, oneOff("b", at(5, 2, 9, 0)))
	require.Error(t, err)
	_, err = c.Delete(ctx, "a", DeleteInstancesAfter)
	require.Error(t, err)
	require.Error(t, c.DeleteAll(ctx))

	assert.Len(t, c.Definitions(), 1)
	assert.Equal(t, uint64(0), c.Version())
	assert.Equal(t, []string{"add:false", "delete:false", "delete_all:false"}, rec.mutations)
}

func TestDeleteAll(t *testing.T) {
	c, st, _ := newCalendar(t, oneOff("a", at(5, 1, 9, 0)), oneOff("b", at(5, 2, 9, 0)))

	require.NoError(t, c.DeleteAll(context.Background()))
	assert.Empty(t, c.Definitions())
	stored, _ := st.Load(context.Background())
	assert.Empty(t, stored)
}

func TestCategoriesAndFilter(t *testing.T) {
	defs := []model.EventDefinition{
		{ID: "a", Title: "Standup", Category: "Work", Anchor: at(5, 1, 9, 0)},
		{ID: "b", Title: "Gym", Description: "leg day", Category: "Health", Anchor: at(5, 1, 18, 0)},
		{ID: "c", Title: "Retro", Category: "Work", Anchor: at(5, 2, 9, 0)},
		{ID: "d", Title: "Nap", Anchor: at(5, 3, 14, 0)},
	}
	c, _, _ := newCalendar(t, defs...)

	assert.Equal(t, []string{"Work", "Health"}, c.Categories())

	res, err := c.Occurrences(at(5, 1, 0, 0), at(5, 31, 0, 0), Filter{Categories: []string{"work"}})
	require.NoError(t, err)
	require.Len(t, res.Occurrences, 2)

	res, err = c.Occurrences(at(5, 1, 0, 0), at(5, 31, 0, 0), Filter{Term: "LEG"})
	require.NoError(t, err)
	require.Len(t, res.Occurrences, 1)
	assert.Equal(t, "b", res.Occurrences[0].SourceEventID)

	res, err = c.Occurrences(at(5, 1, 0, 0), at(5, 31, 0, 0), Filter{})
	require.NoError(t, err)
	assert.Len(t, res.Occurrences, 4)
}

func TestUpcoming(t *testing.T) {
	daily := model.EventDefinition{ID: "d", Title: "Daily", Anchor: at(5, 1, 7, 0), Rule: recurrence.Daily{}}
	c, _, _ := newCalendar(t, daily)

	res, err := c.Upcoming(3)
	require.NoError(t, err)
	require.Len(t, res.Occurrences, 3)
	assert.True(t, res.Occurrences[0].DateTime.Equal(at(5, 10, 7, 0)))
}

func TestImport_ReportsRejections(t *testing.T) {
	c, _, _ := newCalendar(t, oneOff("a", at(5, 1, 9, 0)))
	ctx := context.Background()

	report, err := c.Import(ctx, []model.EventDefinition{
		oneOff("b", at(5, 2, 9, 0)),
		oneOff("clash", at(5, 1, 9, 0)),
		{ID: "untitled", Anchor: at(5, 3, 9, 0)},
		{ID: "a", Title: "a renamed", Anchor: at(5, 1, 9, 0)},
		// Conflicts with "b" accepted earlier in the same batch.
		oneOff("c", at(5, 2, 9, 0)),
	})
	require.NoError(t, err)

	assert.Equal(t, []string{"b"}, report.Added)
	assert.Equal(t, []string{"a"}, report.Updated)
	require.Len(t, report.Rejected, 3)
	assert.ErrorIs(t, report.Rejected[0].Err, ErrConflict)
	assert.ErrorIs(t, report.Rejected[1].Err, ErrValidation)
	assert.ErrorIs(t, report.Rejected[2].Err, ErrConflict)

	assert.Equal(t, "a renamed", c.Get("a").MustGet().Title)
	assert.Len(t, c.Definitions(), 2)
}

func TestSplitInstanceKey(t *testing.T) {
	id, ts, ok := SplitInstanceKey("my_event_2024-03-01T09:00:00.000Z")
	require.True(t, ok)
	assert.Equal(t, "my_event", id)
	assert.True(t, ts.Equal(at(3, 1, 9, 0)))

	_, _, ok = SplitInstanceKey("plain_id")
	assert.False(t, ok)
	_, _, ok = SplitInstanceKey("trailing_")
	assert.False(t, ok)
}

func TestParseDeletePolicy(t *testing.T) {
	p, err := ParseDeletePolicy("")
	require.NoError(t, err)
	assert.Equal(t, DeleteInstancesAfter, p)

	p, err = ParseDeletePolicy("Before")
	require.NoError(t, err)
	assert.Equal(t, DeleteInstancesBefore, p)

	_, err = ParseDeletePolicy("sideways")
	assert.ErrorIs(t, err, ErrValidation)
}
