package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// NOTE: configuration is a YAML file created with defaults on first run
// (0600 permissions). FLAMCAL_* environment variables override scalar keys
// after the file has been read.

const envPrefix = "FLAMCAL"

// SubscriptionConfig describes a remote ICS calendar imported on a schedule.
type SubscriptionConfig struct {
	// ID is an internal identifier used for logging and cache file names.
	ID string `yaml:"id" json:"id"`
	// URL is the ICS endpoint.
	URL string `yaml:"url" json:"url"`
	// Category is assigned to imported events that carry none.
	Category string `yaml:"category,omitempty" json:"category,omitempty"`
}

// FeedConfig controls the published ICS feed and the refresh job.
type FeedConfig struct {
	// Path is where the exported calendar is written. Empty disables the file.
	Path string `yaml:"path" json:"path"`
	// Refresh is a cron-style schedule string (e.g. "*/15 * * * *").
	Refresh string `yaml:"refresh" json:"refresh"`
	// HorizonDays bounds how far ahead the feed job logs upcoming occurrences.
	HorizonDays int `yaml:"horizon_days" json:"horizon_days"`
}

// BasicAuthConfig holds HTTP Basic Auth credentials for the API.
type BasicAuthConfig struct {
	Username string `yaml:"username" json:"username"`
	Password string `yaml:"password" json:"password"`
}

// Config is the top-level application configuration.
type Config struct {
	// Listen is the HTTP listen address for the API.
	Listen string `yaml:"listen" json:"listen"`

	// Timezone is the IANA zone all calendar-day arithmetic happens in.
	Timezone string `yaml:"timezone" json:"timezone"`

	// WeekStart is the first day of a week for custom weekly rules:
	//   - "sunday" (default)
	//   - "monday"
	WeekStart string `yaml:"week_start" json:"week_start"`

	// StorePath is the JSON file holding event definitions.
	StorePath string `yaml:"store_path" json:"store_path"`
	// StoreKey is the key inside StorePath the collection lives under.
	StoreKey string `yaml:"store_key" json:"store_key"`

	// DeletePolicy picks which materialized instances go with a deleted
	// recurring definition: "after" (default) or "before" its anchor.
	DeletePolicy string `yaml:"delete_policy" json:"delete_policy"`

	MaxOccurrencesPerEvent int `yaml:"max_occurrences_per_event" json:"max_occurrences_per_event"`

	// LogLevel is one of debug, info, warn, error.
	LogLevel string `yaml:"log_level" json:"log_level"`

	Feed FeedConfig `yaml:"feed" json:"feed"`

	Subscriptions []SubscriptionConfig `yaml:"subscriptions" json:"subscriptions"`

	// CacheDir stores fetched subscription bodies and their validators.
	CacheDir string `yaml:"cache_dir" json:"cache_dir"`
	// CacheSize is the number of expansion windows kept by the API cache.
	CacheSize int `yaml:"cache_size" json:"cache_size"`

	// BasicAuth, if non-nil, enables HTTP Basic Authentication on all endpoints
	// except /health.
	BasicAuth *BasicAuthConfig `yaml:"basic_auth,omitempty" json:"basic_auth,omitempty"`
}

// DefaultConfig returns an in-memory default configuration.
func DefaultConfig() *Config {
	return &Config{
		Listen:                 "127.0.0.1:8080",
		Timezone:               "Local",
		WeekStart:              "sunday",
		StorePath:              "data/events.json",
		StoreKey:               "calendarEvents",
		DeletePolicy:           "after",
		MaxOccurrencesPerEvent: 5000,
		LogLevel:               "info",
		Feed: FeedConfig{
			Path:        "data/calendar.ics",
			Refresh:     "*/15 * * * *",
			HorizonDays: 7,
		},
		Subscriptions: []SubscriptionConfig{},
		CacheDir:      "cache",
		CacheSize:     64,
		BasicAuth:     nil,
	}
}

// Normalize fills in missing/zero values with defaults so partially-filled
// configs still behave correctly.
func (c *Config) Normalize() {
	def := DefaultConfig()

	if c.Listen == "" {
		c.Listen = def.Listen
	}
	if c.Timezone == "" {
		c.Timezone = def.Timezone
	}
	c.WeekStart = strings.ToLower(strings.TrimSpace(c.WeekStart))
	switch c.WeekStart {
	case "monday", "sunday":
	default:
		c.WeekStart = def.WeekStart
	}
	if c.StorePath == "" {
		c.StorePath = def.StorePath
	}
	if c.StoreKey == "" {
		c.StoreKey = def.StoreKey
	}
	c.DeletePolicy = strings.ToLower(strings.TrimSpace(c.DeletePolicy))
	switch c.DeletePolicy {
	case "after", "before":
	default:
		c.DeletePolicy = def.DeletePolicy
	}
	if c.MaxOccurrencesPerEvent <= 0 {
		c.MaxOccurrencesPerEvent = def.MaxOccurrencesPerEvent
	}
	if c.LogLevel == "" {
		c.LogLevel = def.LogLevel
	}
	if c.Feed.Refresh == "" {
		c.Feed.Refresh = def.Feed.Refresh
	}
	if c.Feed.HorizonDays <= 0 {
		c.Feed.HorizonDays = def.Feed.HorizonDays
	}
	if c.Subscriptions == nil {
		c.Subscriptions = []SubscriptionConfig{}
	}
	if c.CacheDir == "" {
		c.CacheDir = def.CacheDir
	}
	if c.CacheSize <= 0 {
		c.CacheSize = def.CacheSize
	}
}

// Location resolves Timezone. "Local" and "" map to time.Local.
func (c *Config) Location() (*time.Location, error) {
	if c.Timezone == "" || c.Timezone == "Local" {
		return time.Local, nil
	}
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return nil, fmt.Errorf("timezone %q: %w", c.Timezone, err)
	}
	return loc, nil
}

func (c *Config) WeekStartDay() time.Weekday {
	if c.WeekStart == "monday" {
		return time.Monday
	}
	return time.Sunday
}

// Load loads configuration from the given YAML path.
//
// Behavior:
//   - If the file does not exist, a default config is written with 0600
//     perms and returned.
//   - Otherwise the YAML is unmarshalled and normalized.
//   - In both cases FLAMCAL_* environment overrides are applied last.
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("config path is empty")
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			// First run: create default config file.
			cfg := DefaultConfig()
			if err := Save(path, cfg); err != nil {
				return cfg, err
			}
			applyEnv(cfg)
			return cfg, nil
		}
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	cfg.Normalize()
	applyEnv(&cfg)

	return &cfg, nil
}

// applyEnv overrides scalar keys from the environment. Overrides are never
// written back by Save.
func applyEnv(cfg *Config) {
	v := viper.New()
	v.SetEnvPrefix(envPrefix)
	v.AutomaticEnv()

	strs := map[string]*string{
		"listen":        &cfg.Listen,
		"timezone":      &cfg.Timezone,
		"week_start":    &cfg.WeekStart,
		"store_path":    &cfg.StorePath,
		"store_key":     &cfg.StoreKey,
		"delete_policy": &cfg.DeletePolicy,
		"log_level":     &cfg.LogLevel,
		"feed_path":     &cfg.Feed.Path,
		"feed_refresh":  &cfg.Feed.Refresh,
		"cache_dir":     &cfg.CacheDir,
	}
	for key, dst := range strs {
		_ = v.BindEnv(key)
		if v.IsSet(key) {
			*dst = strings.TrimSpace(v.GetString(key))
		}
	}

	ints := map[string]*int{
		"max_occurrences_per_event": &cfg.MaxOccurrencesPerEvent,
		"feed_horizon_days":         &cfg.Feed.HorizonDays,
		"cache_size":                &cfg.CacheSize,
	}
	for key, dst := range ints {
		_ = v.BindEnv(key)
		if v.IsSet(key) {
			*dst = v.GetInt(key)
		}
	}

	_ = v.BindEnv("basic_auth_username")
	_ = v.BindEnv("basic_auth_password")
	if v.IsSet("basic_auth_username") && v.IsSet("basic_auth_password") {
		cfg.BasicAuth = &BasicAuthConfig{
			Username: v.GetString("basic_auth_username"),
			Password: v.GetString("basic_auth_password"),
		}
	}

	cfg.Normalize()
}

// Save writes the given configuration to the specified path.
//
// Implementation details:
//   - Ensures parent directory exists (0700).
//   - Marshals cfg to YAML.
//   - Writes atomically via a temp file + rename.
//   - Ensures final file permissions are 0600.
func Save(path string, cfg *Config) error {
	if path == "" {
		return errors.New("config path is empty")
	}
	if cfg == nil {
		return errors.New("config is nil")
	}

	cfg.Normalize()

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}
	return WriteFileAtomic(path, data)
}

// WriteFileAtomic writes data next to path and renames it into place with
// 0600 permissions, creating the parent directory (0700) when needed.
func WriteFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, ".flamcal-*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()

	// Ensure we clean up temp file on error.
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}

	// Flush and close before chmod/rename.
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}

	if err := os.Chmod(tmpName, 0o600); err != nil {
		return err
	}
	return os.Rename(tmpName, path)
}

// Save is a convenience method on Config that delegates to the package-level
// Save function.
func (c *Config) Save(path string) error {
	return Save(path, c)
}
