// Package calendar owns the event collection and applies every mutation to
// it: validation, conflict checks, deletion policy and moves. The store is
// only ever written with a whole new collection, so a rejected mutation
// leaves both memory and disk unchanged.
package calendar

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/samber/mo"

	"flamcal/internal/clock"
	"flamcal/internal/conflict"
	"flamcal/internal/expand"
	appLog "flamcal/internal/log"
	"flamcal/internal/model"
	"flamcal/internal/recurrence"
	"flamcal/internal/store"
)

// DeletePolicy picks which materialized instances are removed together with
// a deleted recurring definition.
type DeletePolicy int

const (
	// DeleteInstancesAfter removes instances dated at or after the anchor.
	DeleteInstancesAfter DeletePolicy = iota
	// DeleteInstancesBefore removes instances dated before the anchor.
	DeleteInstancesBefore
)

func (p DeletePolicy) String() string {
	if p == DeleteInstancesBefore {
		return "before"
	}
	return "after"
}

// ParseDeletePolicy accepts "after", "before" or "" (the default, after).
func ParseDeletePolicy(s string) (DeletePolicy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "after":
		return DeleteInstancesAfter, nil
	case "before":
		return DeleteInstancesBefore, nil
	}
	return DeleteInstancesAfter, &ValidationError{Field: "policy", Msg: fmt.Sprintf("unknown delete policy %q", s)}
}

// Observer receives mutation outcomes, e.g. for metrics.
type Observer interface {
	Mutation(op string, err error)
	Conflict(op string)
}

type nopObserver struct{}

func (nopObserver) Mutation(string, error) {}
func (nopObserver) Conflict(string)        {}

type Options struct {
	Location               *time.Location
	WeekStart              time.Weekday
	MaxOccurrencesPerEvent int
	DeletePolicy           DeletePolicy
	Clock                  clock.Clock
	Observer               Observer
	// NewID generates IDs for definitions added without one.
	NewID func() string
}

// Calendar serializes all access to the collection behind one lock.
type Calendar struct {
	mu      sync.RWMutex
	store   store.Store
	exp     *expand.Expander
	det     conflict.Detector
	loc     *time.Location
	policy  DeletePolicy
	clk     clock.Clock
	obs     Observer
	newID   func() string
	defs    []model.EventDefinition
	version uint64
}

// New loads the collection from st.
func New(ctx context.Context, st store.Store, opts Options) (*Calendar, error) {
	if opts.Location == nil {
		opts.Location = time.Local
	}
	if opts.Clock == nil {
		opts.Clock = clock.RealClock{Location: opts.Location}
	}
	if opts.Observer == nil {
		opts.Observer = nopObserver{}
	}
	if opts.NewID == nil {
		opts.NewID = uuid.NewString
	}

	defs, err := st.Load(ctx)
	if err != nil {
		return nil, fmt.Errorf("calendar: load: %w", err)
	}
	for i := range defs {
		defs[i] = normalize(defs[i].In(opts.Location))
	}

	c := &Calendar{
		store: st,
		exp: expand.New(expand.Config{
			Location:               opts.Location,
			WeekStart:              opts.WeekStart,
			MaxOccurrencesPerEvent: opts.MaxOccurrencesPerEvent,
		}),
		det:    conflict.Detector{Location: opts.Location},
		loc:    opts.Location,
		policy: opts.DeletePolicy,
		clk:    opts.Clock,
		obs:    opts.Observer,
		newID:  opts.NewID,
		defs:   defs,
	}
	appLog.Info("calendar: loaded", "events", len(defs), "tz", opts.Location.String())
	return c, nil
}

func (c *Calendar) Location() *time.Location { return c.loc }

func (c *Calendar) DefaultDeletePolicy() DeletePolicy { return c.policy }

// Version increases with every committed mutation.
func (c *Calendar) Version() uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.version
}

// Definitions returns a copy of the collection.
func (c *Calendar) Definitions() []model.EventDefinition {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return slices.Clone(c.defs)
}

func (c *Calendar) Get(id string) mo.Option[model.EventDefinition] {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if i := indexOf(c.defs, id); i >= 0 {
		return mo.Some(c.defs[i])
	}
	return mo.None[model.EventDefinition]()
}

// Resolve maps id to a stored definition. id may be a definition ID or the
// key of one of its generated occurrences, which resolves to the source.
func (c *Calendar) Resolve(id string) (model.EventDefinition, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	d, _, err := c.resolveLocked(id)
	return d, err
}

func (c *Calendar) resolveLocked(id string) (model.EventDefinition, bool, error) {
	if i := indexOf(c.defs, id); i >= 0 {
		return c.defs[i], false, nil
	}
	if src, _, ok := SplitInstanceKey(id); ok {
		if i := indexOf(c.defs, src); i >= 0 {
			return c.defs[i], true, nil
		}
	}
	return model.EventDefinition{}, false, &NotFoundError{ID: id}
}

// SplitInstanceKey splits an occurrence key "<id>_<iso>" into its parts.
func SplitInstanceKey(key string) (string, time.Time, bool) {
	i := strings.LastIndex(key, "_")
	if i <= 0 || i == len(key)-1 {
		return "", time.Time{}, false
	}
	at, err := time.Parse(model.ISOLayout, key[i+1:])
	if err != nil {
		return "", time.Time{}, false
	}
	return key[:i], at, true
}

// Occurrences expands the definitions matching f over the window.
func (c *Calendar) Occurrences(windowStart, windowEnd time.Time, f Filter) (expand.Result, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	defs := make([]model.EventDefinition, 0, len(c.defs))
	for _, d := range c.defs {
		if f.Match(d) {
			defs = append(defs, d)
		}
	}
	return c.exp.ExpandAll(defs, windowStart, windowEnd)
}

// Upcoming expands the next days calendar days starting today.
func (c *Calendar) Upcoming(days int) (expand.Result, error) {
	if days < 1 {
		days = 1
	}
	today := clock.StartOfDay(c.clk.Now().In(c.loc))
	return c.Occurrences(today, clock.AddDays(today, days-1), Filter{})
}

// Check is the non-blocking warning path: it reports the first entry the
// candidate's slot collides with. excludeID names a definition to ignore,
// typically the one being edited.
func (c *Calendar) Check(candidate model.EventDefinition, excludeID string) mo.Option[conflict.Item] {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if candidate.ID == "" {
		candidate.ID = excludeID
	}
	hit := c.firstConflictLocked(candidate.In(c.loc), excludeID, dayWindow)
	if hit.IsPresent() {
		c.obs.Conflict("check")
	}
	return hit
}

// Add validates def, assigns an ID when missing and stores it.
func (c *Calendar) Add(ctx context.Context, def model.EventDefinition) (model.EventDefinition, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	out, err := c.addLocked(ctx, def)
	c.obs.Mutation("add", err)
	return out, err
}

func (c *Calendar) addLocked(ctx context.Context, def model.EventDefinition) (model.EventDefinition, error) {
	def = normalize(def.In(c.loc))
	if def.ID == "" {
		def.ID = c.newID()
	} else if indexOf(c.defs, def.ID) >= 0 {
		return model.EventDefinition{}, &ValidationError{Field: "id", Msg: fmt.Sprintf("event %q already exists", def.ID)}
	}
	if err := validateDefinition(def); err != nil {
		return model.EventDefinition{}, err
	}
	if hit, ok := c.firstConflictLocked(def, def.ID, dayWindow).Get(); ok {
		c.obs.Conflict("add")
		return model.EventDefinition{}, &ConflictError{With: hit}
	}

	next := append(slices.Clone(c.defs), def)
	if err := c.commitLocked(ctx, next); err != nil {
		return model.EventDefinition{}, err
	}
	appLog.Info("calendar: added", "id", def.ID, "title", def.Title)
	return def, nil
}

// Update replaces a stored definition. def.ID may be an occurrence key, in
// which case the source definition is updated.
func (c *Calendar) Update(ctx context.Context, def model.EventDefinition) (model.EventDefinition, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	out, err := c.updateLocked(ctx, def)
	c.obs.Mutation("update", err)
	return out, err
}

func (c *Calendar) updateLocked(ctx context.Context, def model.EventDefinition) (model.EventDefinition, error) {
	current, _, err := c.resolveLocked(def.ID)
	if err != nil {
		return model.EventDefinition{}, err
	}
	def.ID = current.ID
	def = normalize(def.In(c.loc))
	if err := validateDefinition(def); err != nil {
		return model.EventDefinition{}, err
	}
	if hit, ok := c.firstConflictLocked(def, def.ID, dayWindow).Get(); ok {
		c.obs.Conflict("update")
		return model.EventDefinition{}, &ConflictError{With: hit}
	}

	next := slices.Clone(c.defs)
	next[indexOf(next, def.ID)] = def
	if err := c.commitLocked(ctx, next); err != nil {
		return model.EventDefinition{}, err
	}
	appLog.Info("calendar: updated", "id", def.ID)
	return def, nil
}

// Delete removes the definition id resolves to. For a recurring definition
// the materialized instances on the policy's side of its anchor go with it.
// It returns the IDs removed.
func (c *Calendar) Delete(ctx context.Context, id string, policy DeletePolicy) ([]string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	removed, err := c.deleteLocked(ctx, id, policy)
	c.obs.Mutation("delete", err)
	return removed, err
}

func (c *Calendar) deleteLocked(ctx context.Context, id string, policy DeletePolicy) ([]string, error) {
	target, _, err := c.resolveLocked(id)
	if err != nil {
		return nil, err
	}

	removed := []string{target.ID}
	next := make([]model.EventDefinition, 0, len(c.defs))
	for _, d := range c.defs {
		if d.ID == target.ID {
			continue
		}
		if target.IsRecurring() && d.OriginalEventID == target.ID && policy.covers(instanceDate(d), target.Anchor) {
			removed = append(removed, d.ID)
			continue
		}
		next = append(next, d)
	}

	if err := c.commitLocked(ctx, next); err != nil {
		return nil, err
	}
	appLog.Info("calendar: deleted", "id", target.ID, "removed", len(removed), "policy", policy.String())
	return removed, nil
}

func (p DeletePolicy) covers(at, anchor time.Time) bool {
	if p == DeleteInstancesBefore {
		return at.Before(anchor)
	}
	return !at.Before(anchor)
}

// instanceDate is the slot a materialized instance belongs to.
func instanceDate(d model.EventDefinition) time.Time {
	if !d.RecurrenceID.IsZero() {
		return d.RecurrenceID
	}
	return d.Anchor
}

// Move reschedules a one-off definition onto newDate, keeping its
// time-of-day. Recurring definitions and instances of any kind are rejected.
func (c *Calendar) Move(ctx context.Context, id string, newDate time.Time) (model.EventDefinition, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	out, err := c.moveLocked(ctx, id, newDate)
	c.obs.Mutation("move", err)
	return out, err
}

func (c *Calendar) moveLocked(ctx context.Context, id string, newDate time.Time) (model.EventDefinition, error) {
	def, generated, err := c.resolveLocked(id)
	if err != nil {
		return model.EventDefinition{}, err
	}
	switch {
	case generated:
		return model.EventDefinition{}, &ValidationError{Field: "id", Msg: "occurrences of a recurring event cannot be moved"}
	case def.IsRecurring():
		return model.EventDefinition{}, &ValidationError{Field: "recurrence", Msg: "recurring events cannot be moved"}
	case def.IsInstance():
		return model.EventDefinition{}, &ValidationError{Field: "id", Msg: "recurring instances cannot be moved"}
	}
	if newDate.IsZero() {
		return model.EventDefinition{}, &ValidationError{Field: "date", Msg: "target date is required"}
	}

	moved := def
	moved.Anchor = clock.WithClockOf(newDate.In(c.loc), def.Anchor.In(c.loc))
	if hit, ok := c.firstConflictLocked(moved, def.ID, clock.MonthWindow).Get(); ok {
		c.obs.Conflict("move")
		return model.EventDefinition{}, &ConflictError{With: hit}
	}

	next := slices.Clone(c.defs)
	next[indexOf(next, def.ID)] = moved
	if err := c.commitLocked(ctx, next); err != nil {
		return model.EventDefinition{}, err
	}
	appLog.Info("calendar: moved", "id", def.ID, "from", model.FormatISO(def.Anchor), "to", model.FormatISO(moved.Anchor))
	return moved, nil
}

// DeleteAll empties the collection.
func (c *Calendar) DeleteAll(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	err := c.commitLocked(ctx, []model.EventDefinition{})
	c.obs.Mutation("delete_all", err)
	if err == nil {
		appLog.Warn("calendar: all events deleted")
	}
	return err
}

// Categories lists the distinct non-empty categories in first-seen order.
func (c *Calendar) Categories() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	seen := make(map[string]bool)
	out := []string{}
	for _, d := range c.defs {
		if d.Category == "" || seen[d.Category] {
			continue
		}
		seen[d.Category] = true
		out = append(out, d.Category)
	}
	return out
}

// Rejection is one definition Import refused.
type Rejection struct {
	ID    string
	Title string
	Err   error
}

type ImportReport struct {
	Added    []string
	Updated  []string
	Rejected []Rejection
}

// Import upserts defs by ID. Each candidate is validated and conflict
// checked against the collection as it stands with the earlier candidates
// applied. Accepted candidates are committed together.
func (c *Calendar) Import(ctx context.Context, defs []model.EventDefinition) (ImportReport, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var report ImportReport
	working := slices.Clone(c.defs)

	for _, def := range defs {
		def = normalize(def.In(c.loc))
		if def.ID == "" {
			def.ID = c.newID()
		}
		err := validateDefinition(def)
		if err == nil {
			hit := c.firstConflictIn(working, def, def.ID, dayWindow)
			if item, ok := hit.Get(); ok {
				c.obs.Conflict("import")
				err = &ConflictError{With: item}
			}
		}
		if err != nil {
			report.Rejected = append(report.Rejected, Rejection{ID: def.ID, Title: def.Title, Err: err})
			appLog.Warn("calendar: import rejected", "id", def.ID, "title", def.Title, "reason", err.Error())
			continue
		}
		if i := indexOf(working, def.ID); i >= 0 {
			working[i] = def
			report.Updated = append(report.Updated, def.ID)
		} else {
			working = append(working, def)
			report.Added = append(report.Added, def.ID)
		}
	}

	if len(report.Added)+len(report.Updated) == 0 {
		c.obs.Mutation("import", nil)
		return report, nil
	}
	err := c.commitLocked(ctx, working)
	c.obs.Mutation("import", err)
	if err != nil {
		return ImportReport{}, err
	}
	appLog.Info("calendar: imported",
		"added", len(report.Added),
		"updated", len(report.Updated),
		"rejected", len(report.Rejected),
	)
	return report, nil
}

func (c *Calendar) commitLocked(ctx context.Context, next []model.EventDefinition) error {
	if err := c.store.ReplaceAll(ctx, next); err != nil {
		return fmt.Errorf("calendar: persist: %w", err)
	}
	c.defs = next
	c.version++
	return nil
}

// windowFunc returns the closed window a hard check expands over.
type windowFunc func(time.Time) (time.Time, time.Time)

func dayWindow(t time.Time) (time.Time, time.Time) {
	return clock.StartOfDay(t), clock.EndOfDay(t)
}

func (c *Calendar) firstConflictLocked(candidate model.EventDefinition, excludeID string, window windowFunc) mo.Option[conflict.Item] {
	return c.firstConflictIn(c.defs, candidate, excludeID, window)
}

// firstConflictIn checks candidate's anchor slot against the occurrences of
// every definition in defs except excludeID.
func (c *Calendar) firstConflictIn(defs []model.EventDefinition, candidate model.EventDefinition, excludeID string, window windowFunc) mo.Option[conflict.Item] {
	others := make([]model.EventDefinition, 0, len(defs))
	for _, d := range defs {
		if excludeID != "" && d.ID == excludeID {
			continue
		}
		others = append(others, d)
	}

	start, end := window(candidate.Anchor.In(c.loc))
	res, err := c.exp.ExpandAll(others, start, end)
	if err != nil {
		appLog.Error("calendar: conflict expansion failed", err, "id", candidate.ID)
		return mo.None[conflict.Item]()
	}

	against := make([]conflict.Item, 0, len(res.Occurrences))
	for _, o := range res.Occurrences {
		against = append(against, conflict.ItemFromOccurrence(o))
	}
	return c.det.First(conflict.ItemFromDefinition(candidate), against)
}

func validateDefinition(d model.EventDefinition) error {
	if strings.TrimSpace(d.Title) == "" {
		return &ValidationError{Field: "title", Msg: "title is required"}
	}
	if d.Anchor.IsZero() {
		return &ValidationError{Field: "date", Msg: "date is required"}
	}
	if err := recurrence.Validate(d.Rule); err != nil {
		var invalid *recurrence.InvalidError
		if errors.As(err, &invalid) {
			return &ValidationError{Field: invalid.Field, Msg: invalid.Reason}
		}
		return &ValidationError{Field: "recurrence", Msg: err.Error()}
	}
	return nil
}

func normalize(d model.EventDefinition) model.EventDefinition {
	d.Title = strings.TrimSpace(d.Title)
	d.Category = strings.TrimSpace(d.Category)
	d.Rule = recurrence.OrNone(d.Rule)
	return d
}

func indexOf(defs []model.EventDefinition, id string) int {
	return slices.IndexFunc(defs, func(d model.EventDefinition) bool { return d.ID == id })
}
