package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"flamcal/internal/calendar"
	"flamcal/internal/clock"
	"flamcal/internal/config"
	"flamcal/internal/ics"
	"flamcal/internal/model"
	"flamcal/internal/recurrence"
)

// eventFlags are the definition fields shared by add, update and check.
type eventFlags struct {
	title       string
	description string
	category    string
	color       string
	date        string
	recurrence  string
}

func (f *eventFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.title, "title", "", "Event title")
	cmd.Flags().StringVar(&f.description, "description", "", "Event description")
	cmd.Flags().StringVar(&f.category, "category", "", "Event category")
	cmd.Flags().StringVar(&f.color, "color", "", "Display color")
	cmd.Flags().StringVar(&f.date, "date", "", `Start, e.g. "2024-03-01 09:00" or RFC 3339`)
	cmd.Flags().StringVar(&f.recurrence, "recurrence", "none", `none|daily|weekly|monthly or a custom rule as JSON`)
}

// apply copies every flag the user set onto def.
func (f *eventFlags) apply(cmd *cobra.Command, def model.EventDefinition, loc *time.Location) (model.EventDefinition, error) {
	set := cmd.Flags().Changed
	if set("title") {
		def.Title = f.title
	}
	if set("description") {
		def.Description = f.description
	}
	if set("category") {
		def.Category = f.category
	}
	if set("color") {
		def.Color = f.color
	}
	if set("date") {
		t, err := parseDateTime(f.date, loc)
		if err != nil {
			return def, err
		}
		def.Anchor = t
	}
	if set("recurrence") || def.Rule == nil {
		r, err := parseRule(f.recurrence)
		if err != nil {
			return def, err
		}
		def.Rule = r
	}
	return def, nil
}

var dateTimeLayouts = []string{"2006-01-02T15:04", "2006-01-02 15:04", "2006-01-02T15:04:05", time.DateOnly}

func parseDateTime(s string, loc *time.Location) (time.Time, error) {
	s = strings.TrimSpace(s)
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t.In(loc), nil
	}
	for _, layout := range dateTimeLayouts {
		if t, err := time.ParseInLocation(layout, s, loc); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("invalid date %q", s)
}

func parseRule(s string) (recurrence.Rule, error) {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "{") {
		return recurrence.Unmarshal([]byte(s))
	}
	token, err := json.Marshal(strings.ToLower(s))
	if err != nil {
		return nil, err
	}
	return recurrence.Unmarshal(token)
}

func printDefinition(w io.Writer, d model.EventDefinition) {
	rule, _ := recurrence.Marshal(recurrence.OrNone(d.Rule))
	fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", d.ID, d.Anchor.Format("2006-01-02 15:04"), d.Title, rule)
}

func newExpandCommand(a *app) *cobra.Command {
	var month, start, end, term string
	var categories []string

	cmd := &cobra.Command{
		Use:   "expand",
		Short: "List the occurrences inside a month or a date range",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ws, we, err := window(month, start, end, a.loc)
			if err != nil {
				return err
			}
			cal, err := a.calendar(cmd.Context())
			if err != nil {
				return err
			}
			res, err := cal.Occurrences(ws, we, calendar.Filter{Term: term, Categories: categories})
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			for _, o := range res.Occurrences {
				fmt.Fprintf(out, "%s\t%s\t%s\t%s\n", o.DateTime.In(a.loc).Format("2006-01-02 15:04"), o.Title, o.Category, o.Key())
			}
			for _, id := range res.Truncated {
				fmt.Fprintf(cmd.ErrOrStderr(), "warning: %s was truncated\n", id)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&month, "month", "", "Month to expand (YYYY-MM)")
	cmd.Flags().StringVar(&start, "start", "", "First day (YYYY-MM-DD)")
	cmd.Flags().StringVar(&end, "end", "", "Last day, inclusive (YYYY-MM-DD)")
	cmd.Flags().StringVar(&term, "q", "", "Only events whose title or description contains this")
	cmd.Flags().StringSliceVar(&categories, "category", nil, "Only these categories")
	cmd.MarkFlagsMutuallyExclusive("month", "start")
	cmd.MarkFlagsRequiredTogether("start", "end")
	return cmd
}

func window(month, start, end string, loc *time.Location) (time.Time, time.Time, error) {
	if start != "" {
		ws, err := clock.ParseDate(start, loc)
		if err != nil {
			return ws, ws, err
		}
		we, err := clock.ParseDate(end, loc)
		if err != nil {
			return ws, we, err
		}
		if we.Before(ws) {
			return ws, we, errors.New("end is before start")
		}
		return ws, we, nil
	}
	m := time.Now().In(loc)
	if month != "" {
		var err error
		if m, err = clock.ParseMonth(month, loc); err != nil {
			return m, m, err
		}
	}
	ws, we := clock.MonthWindow(m)
	return ws, we, nil
}

func newAddCommand(a *app) *cobra.Command {
	var f eventFlags
	var id string

	cmd := &cobra.Command{
		Use:   "add",
		Short: "Add an event",
		RunE: func(cmd *cobra.Command, _ []string) error {
			def, err := f.apply(cmd, model.EventDefinition{ID: id}, a.loc)
			if err != nil {
				return err
			}
			cal, err := a.calendar(cmd.Context())
			if err != nil {
				return err
			}
			added, err := cal.Add(cmd.Context(), def)
			if err != nil {
				return err
			}
			printDefinition(cmd.OutOrStdout(), added)
			return nil
		},
	}
	f.register(cmd)
	cmd.Flags().StringVar(&id, "id", "", "Event ID (generated when empty)")
	_ = cmd.MarkFlagRequired("title")
	_ = cmd.MarkFlagRequired("date")
	return cmd
}

func newUpdateCommand(a *app) *cobra.Command {
	var f eventFlags

	cmd := &cobra.Command{
		Use:   "update <id|key>",
		Short: "Replace the fields given as flags on an event",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cal, err := a.calendar(cmd.Context())
			if err != nil {
				return err
			}
			cur, err := cal.Resolve(args[0])
			if err != nil {
				return err
			}
			def, err := f.apply(cmd, cur, a.loc)
			if err != nil {
				return err
			}
			updated, err := cal.Update(cmd.Context(), def)
			if err != nil {
				return err
			}
			printDefinition(cmd.OutOrStdout(), updated)
			return nil
		},
	}
	f.register(cmd)
	return cmd
}

func newDeleteCommand(a *app) *cobra.Command {
	var policy string
	var all bool

	cmd := &cobra.Command{
		Use:   "delete [id|key]",
		Short: "Delete an event, its matching instances, or everything with --all",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if all == (len(args) == 1) {
				return errors.New("give exactly one of an event ID or --all")
			}
			cal, err := a.calendar(cmd.Context())
			if err != nil {
				return err
			}
			if all {
				return cal.DeleteAll(cmd.Context())
			}
			p := a.policy
			if policy != "" {
				if p, err = calendar.ParseDeletePolicy(policy); err != nil {
					return err
				}
			}
			removed, err := cal.Delete(cmd.Context(), args[0], p)
			if err != nil {
				return err
			}
			for _, id := range removed {
				fmt.Fprintln(cmd.OutOrStdout(), id)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&policy, "policy", "", "Which instances go with a series: after|before (default from config)")
	cmd.Flags().BoolVar(&all, "all", false, "Delete every event")
	return cmd
}

func newMoveCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "move <id> <YYYY-MM-DD>",
		Short: "Move a one-off event to another day, keeping its time",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			day, err := clock.ParseDate(args[1], a.loc)
			if err != nil {
				return err
			}
			cal, err := a.calendar(cmd.Context())
			if err != nil {
				return err
			}
			moved, err := cal.Move(cmd.Context(), args[0], day)
			if err != nil {
				return err
			}
			printDefinition(cmd.OutOrStdout(), moved)
			return nil
		},
	}
}

func newCheckCommand(a *app) *cobra.Command {
	var f eventFlags
	var exclude string

	cmd := &cobra.Command{
		Use:   "check",
		Short: "Report whether a candidate slot collides with an existing event",
		RunE: func(cmd *cobra.Command, _ []string) error {
			candidate, err := f.apply(cmd, model.EventDefinition{}, a.loc)
			if err != nil {
				return err
			}
			cal, err := a.calendar(cmd.Context())
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if hit, ok := cal.Check(candidate, exclude).Get(); ok {
				fmt.Fprintf(out, "conflict\t%s\t%s\n", hit.ID, hit.DateTime.In(a.loc).Format("2006-01-02 15:04"))
				return nil
			}
			fmt.Fprintln(out, "free")
			return nil
		},
	}
	f.register(cmd)
	cmd.Flags().StringVar(&exclude, "exclude", "", "Event ID to ignore, usually the one being edited")
	_ = cmd.MarkFlagRequired("date")
	return cmd
}

func newImportCommand(a *app) *cobra.Command {
	var url, category string

	cmd := &cobra.Command{
		Use:   "import [file.ics]",
		Short: "Import events from an ICS file or URL",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if (url == "") == (len(args) == 0) {
				return errors.New("give exactly one of a file or --url")
			}
			var src ics.Source
			var body []byte
			if url != "" {
				src = ics.Source{ID: "cli", URL: url}
				res, err := ics.NewFetcher(a.cfg.CacheDir, nil).FetchOne(cmd.Context(), src)
				if err != nil {
					return err
				}
				body = res.Body
			} else {
				src = ics.Source{ID: filepath.Base(args[0])}
				var err error
				if body, err = os.ReadFile(args[0]); err != nil {
					return err
				}
			}

			defs, err := ics.Import(src, body, ics.ImportOptions{Location: a.loc, Category: category})
			if err != nil {
				return err
			}
			cal, err := a.calendar(cmd.Context())
			if err != nil {
				return err
			}
			report, err := cal.Import(cmd.Context(), defs)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "added %d, updated %d, rejected %d\n", len(report.Added), len(report.Updated), len(report.Rejected))
			for _, r := range report.Rejected {
				fmt.Fprintf(out, "rejected\t%s\t%s\t%v\n", r.ID, r.Title, r.Err)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&url, "url", "", "ICS URL to fetch")
	cmd.Flags().StringVar(&category, "category", "", "Category for events that carry none")
	return cmd
}

func newExportCommand(a *app) *cobra.Command {
	var out, name string

	cmd := &cobra.Command{
		Use:   "export",
		Short: "Write every event as an ICS calendar",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cal, err := a.calendar(cmd.Context())
			if err != nil {
				return err
			}
			body := ics.Export(cal.Definitions(), ics.ExportOptions{
				Location:  a.loc,
				WeekStart: a.cfg.WeekStartDay(),
				Name:      name,
				Now:       time.Now(),
			})
			if out == "" || out == "-" {
				_, err := io.WriteString(cmd.OutOrStdout(), body)
				return err
			}
			return config.WriteFileAtomic(out, []byte(body))
		},
	}
	cmd.Flags().StringVarP(&out, "out", "o", "", "Output file (stdout when empty)")
	cmd.Flags().StringVar(&name, "name", "flamcal", "Calendar display name")
	return cmd
}
