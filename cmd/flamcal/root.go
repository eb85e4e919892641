package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"flamcal/internal/calendar"
	"flamcal/internal/config"
	appLog "flamcal/internal/log"
	"flamcal/internal/metrics"
	"flamcal/internal/store"
)

const version = "0.3.0"

// app is the state shared by every subcommand once config is loaded.
type app struct {
	configPath string
	ephemeral  bool
	logLevel   string

	cfg     *config.Config
	loc     *time.Location
	policy  calendar.DeletePolicy
	metrics *metrics.Metrics
}

func newRootCommand() *cobra.Command {
	a := &app{}

	root := &cobra.Command{
		Use:           "flamcal",
		Short:         "Recurring-event calendar: expansion, conflicts and an HTTP API",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return a.load()
		},
	}
	root.PersistentFlags().StringVar(&a.configPath, "config", "flamcal.yaml", "Path to config file")
	root.PersistentFlags().BoolVar(&a.ephemeral, "ephemeral", false, "Keep events in memory only")
	root.PersistentFlags().StringVar(&a.logLevel, "log-level", "", "Log level (overrides config)")

	root.AddCommand(
		newServeCommand(a),
		newExpandCommand(a),
		newAddCommand(a),
		newUpdateCommand(a),
		newDeleteCommand(a),
		newMoveCommand(a),
		newCheckCommand(a),
		newImportCommand(a),
		newExportCommand(a),
	)
	return root
}

func (a *app) load() error {
	cfg, err := config.Load(a.configPath)
	if err != nil {
		return fmt.Errorf("load config %s: %w", a.configPath, err)
	}
	a.cfg = cfg

	level := cfg.LogLevel
	if a.logLevel != "" {
		level = a.logLevel
	}
	appLog.SetLevel(appLog.ParseLevel(level))

	if a.loc, err = cfg.Location(); err != nil {
		return err
	}
	if a.policy, err = calendar.ParseDeletePolicy(cfg.DeletePolicy); err != nil {
		return err
	}

	appLog.Debug("effective config",
		"config_path", a.configPath,
		"listen", cfg.Listen,
		"timezone", a.loc.String(),
		"week_start", cfg.WeekStart,
		"store_path", cfg.StorePath,
		"delete_policy", cfg.DeletePolicy,
		"subscriptions", len(cfg.Subscriptions),
	)
	return nil
}

func (a *app) store() store.Store {
	if a.ephemeral {
		return store.NewMemoryStore()
	}
	return store.NewFileStore(a.cfg.StorePath, a.cfg.StoreKey)
}

func (a *app) calendar(ctx context.Context) (*calendar.Calendar, error) {
	opts := calendar.Options{
		Location:               a.loc,
		WeekStart:              a.cfg.WeekStartDay(),
		MaxOccurrencesPerEvent: a.cfg.MaxOccurrencesPerEvent,
		DeletePolicy:           a.policy,
	}
	if a.metrics != nil {
		opts.Observer = a.metrics
	}
	return calendar.New(ctx, a.store(), opts)
}
