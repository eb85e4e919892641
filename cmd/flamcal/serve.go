package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"flamcal/internal/feed"
	"flamcal/internal/ics"
	appLog "flamcal/internal/log"
	"flamcal/internal/metrics"
	"flamcal/internal/web"
)

func newServeCommand(a *app) *cobra.Command {
	var listen string
	var once bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and the feed job",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if listen != "" {
				a.cfg.Listen = listen
			}
			return a.serve(cmd.Context(), once)
		},
	}
	cmd.Flags().StringVar(&listen, "listen", "", "HTTP listen address (overrides config if set)")
	cmd.Flags().BoolVar(&once, "once", false, "Run one feed cycle and exit")
	return cmd
}

func (a *app) serve(parent context.Context, once bool) error {
	appLog.Info("flamcal starting", "version", version)

	if parent == nil {
		parent = context.Background()
	}
	// Root context with cancellation on SIGINT/SIGTERM.
	ctx, cancel := context.WithCancel(parent)
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	go func() {
		select {
		case sig := <-sigCh:
			appLog.Info("signal received, shutting down", "signal", sig.String())
			cancel()
		case <-ctx.Done():
		}
	}()

	m, err := metrics.New("flamcal", prometheus.DefaultRegisterer)
	if err != nil {
		return err
	}
	a.metrics = m

	cal, err := a.calendar(ctx)
	if err != nil {
		return err
	}

	appLog.Info("effective config",
		"listen", a.cfg.Listen,
		"timezone", a.loc.String(),
		"week_start", a.cfg.WeekStart,
		"store_path", a.cfg.StorePath,
		"feed_path", a.cfg.Feed.Path,
		"feed_refresh", a.cfg.Feed.Refresh,
		"subscriptions", len(a.cfg.Subscriptions),
		"events", len(cal.Definitions()),
	)

	pub := feed.New(cal, ics.NewFetcher(a.cfg.CacheDir, nil), feed.Options{
		Path:          a.cfg.Feed.Path,
		Name:          "flamcal",
		Subscriptions: a.cfg.Subscriptions,
		HorizonDays:   a.cfg.Feed.HorizonDays,
		WeekStart:     a.cfg.WeekStartDay(),
		Metrics:       m,
	})
	if err := pub.RunOnce(ctx); err != nil {
		appLog.Warn("initial feed run had errors", "reason", err.Error())
	}
	if once {
		return nil
	}
	if err := pub.Start(ctx, a.cfg.Feed.Refresh); err != nil {
		return err
	}
	defer pub.Stop()

	srv, err := web.NewServer(cal, web.Options{
		Listen:    a.cfg.Listen,
		BasicAuth: a.cfg.BasicAuth,
		CacheSize: a.cfg.CacheSize,
		WeekStart: a.cfg.WeekStartDay(),
		Name:      "flamcal",
		Metrics:   m,
	})
	if err != nil {
		return err
	}
	if err := srv.ListenAndServe(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	appLog.Info("flamcal exiting")
	return nil
}
