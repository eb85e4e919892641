// Package feed runs the scheduled job that pulls subscribed calendars into
// the collection and republishes the collection as an ICS file.
package feed

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"flamcal/internal/calendar"
	"flamcal/internal/clock"
	"flamcal/internal/config"
	"flamcal/internal/ics"
	appLog "flamcal/internal/log"
	"flamcal/internal/metrics"
)

type Options struct {
	// Path receives the exported calendar. Empty skips the file.
	Path string
	// Name is written as the calendar's display name.
	Name          string
	Subscriptions []config.SubscriptionConfig
	HorizonDays   int
	WeekStart     time.Weekday
	Clock         clock.Clock
	Metrics       *metrics.Metrics
}

// Publisher owns the cron schedule. Runs never overlap.
type Publisher struct {
	cal     *calendar.Calendar
	fetcher *ics.Fetcher
	opts    Options

	runMu sync.Mutex
	cron  *cron.Cron
	stop  sync.Once
}

func New(cal *calendar.Calendar, fetcher *ics.Fetcher, opts Options) *Publisher {
	if opts.Clock == nil {
		opts.Clock = clock.RealClock{Location: cal.Location()}
	}
	if opts.HorizonDays <= 0 {
		opts.HorizonDays = 7
	}
	return &Publisher{cal: cal, fetcher: fetcher, opts: opts}
}

// Start schedules RunOnce on spec (standard five-field cron syntax) until
// ctx is canceled.
func (p *Publisher) Start(ctx context.Context, spec string) error {
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	c := cron.New(
		cron.WithParser(parser),
		cron.WithLocation(p.cal.Location()),
		cron.WithChain(cron.SkipIfStillRunning(cron.DefaultLogger)),
	)
	if _, err := c.AddFunc(spec, func() {
		if err := p.RunOnce(ctx); err != nil {
			appLog.Error("feed run failed", err)
		}
	}); err != nil {
		return fmt.Errorf("feed: schedule %q: %w", spec, err)
	}

	p.cron = c
	c.Start()
	appLog.Info("feed scheduler started", "schedule", spec, "subscriptions", len(p.opts.Subscriptions))

	go func() {
		<-ctx.Done()
		p.Stop()
	}()
	return nil
}

// Stop halts the schedule and waits for a running job to finish.
func (p *Publisher) Stop() {
	p.stop.Do(func() {
		if p.cron == nil {
			return
		}
		<-p.cron.Stop().Done()
		appLog.Info("feed scheduler stopped")
	})
}

// RunOnce refreshes every subscription and then rewrites the feed file.
// A failing subscription does not stop the others or the export; all
// failures are joined into the returned error.
func (p *Publisher) RunOnce(ctx context.Context) error {
	p.runMu.Lock()
	defer p.runMu.Unlock()

	start := p.opts.Clock.Now()
	var errs []error

	if len(p.opts.Subscriptions) > 0 && p.fetcher != nil {
		errs = append(errs, p.refresh(ctx)...)
	}
	if err := p.publish(start); err != nil {
		errs = append(errs, err)
	}

	if up, err := p.cal.Upcoming(p.opts.HorizonDays); err == nil {
		appLog.Info("feed run completed",
			"upcoming", len(up.Occurrences),
			"horizon_days", p.opts.HorizonDays,
			"errors", len(errs),
			"took", time.Since(start).String(),
		)
	}

	err := errors.Join(errs...)
	p.opts.Metrics.RecordFeedRun(start, err)
	return err
}

func (p *Publisher) refresh(ctx context.Context) []error {
	var errs []error
	for _, sub := range p.opts.Subscriptions {
		src := ics.Source{ID: sub.ID, URL: sub.URL}
		res, err := p.fetcher.FetchOne(ctx, src)
		if err != nil {
			errs = append(errs, fmt.Errorf("subscription %s: %w", sub.ID, err))
			continue
		}
		defs, err := ics.Import(src, res.Body, ics.ImportOptions{
			Location: p.cal.Location(),
			Category: sub.Category,
		})
		if err != nil {
			errs = append(errs, fmt.Errorf("subscription %s: %w", sub.ID, err))
			continue
		}
		report, err := p.cal.Import(ctx, defs)
		if err != nil {
			errs = append(errs, fmt.Errorf("subscription %s: %w", sub.ID, err))
			continue
		}
		appLog.Info("subscription refreshed",
			"id", sub.ID,
			"from_cache", res.FromCache,
			"added", len(report.Added),
			"updated", len(report.Updated),
			"rejected", len(report.Rejected),
		)
	}
	return errs
}

func (p *Publisher) publish(now time.Time) error {
	if p.opts.Path == "" {
		return nil
	}
	body := ics.Export(p.cal.Definitions(), ics.ExportOptions{
		Location:  p.cal.Location(),
		WeekStart: p.opts.WeekStart,
		Name:      p.opts.Name,
		Now:       now,
	})
	if err := config.WriteFileAtomic(p.opts.Path, []byte(body)); err != nil {
		return fmt.Errorf("feed: write %s: %w", p.opts.Path, err)
	}
	appLog.Debug("feed written", "path", p.opts.Path, "bytes", len(body))
	return nil
}
