package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadCreatesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "config.yaml")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "sunday", cfg.WeekStart)
	assert.Equal(t, "after", cfg.DeletePolicy)
	assert.Equal(t, 5000, cfg.MaxOccurrencesPerEvent)

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())
}

func TestLoadNormalizesPartialFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	body := "listen: \":9000\"\nweek_start: Monday\ndelete_policy: sideways\nsubscriptions:\n  - id: work\n    url: https://example.com/work.ics\n"
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, ":9000", cfg.Listen)
	assert.Equal(t, "monday", cfg.WeekStart)
	assert.Equal(t, time.Monday, cfg.WeekStartDay())
	assert.Equal(t, "after", cfg.DeletePolicy)
	assert.Equal(t, "calendarEvents", cfg.StoreKey)
	assert.Equal(t, "*/15 * * * *", cfg.Feed.Refresh)
	require.Len(t, cfg.Subscriptions, 1)
	assert.Equal(t, "work", cfg.Subscriptions[0].ID)
}

func TestLoadRejectsBadYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("listen: [unterminated"), 0o600))

	_, err := Load(path)
	assert.Error(t, err)
}

func TestEnvOverrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("listen: \":9000\"\n"), 0o600))

	t.Setenv("FLAMCAL_LISTEN", ":7000")
	t.Setenv("FLAMCAL_DELETE_POLICY", "before")
	t.Setenv("FLAMCAL_CACHE_SIZE", "5")
	t.Setenv("FLAMCAL_BASIC_AUTH_USERNAME", "admin")
	t.Setenv("FLAMCAL_BASIC_AUTH_PASSWORD", "secret")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, ":7000", cfg.Listen)
	assert.Equal(t, "before", cfg.DeletePolicy)
	assert.Equal(t, 5, cfg.CacheSize)
	require.NotNil(t, cfg.BasicAuth)
	assert.Equal(t, "admin", cfg.BasicAuth.Username)
}

func TestSaveRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	cfg := DefaultConfig()
	cfg.Timezone = "UTC"
	cfg.BasicAuth = &BasicAuthConfig{Username: "u", Password: "p"}
	require.NoError(t, cfg.Save(path))

	got, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, cfg, got)

	loc, err := got.Location()
	require.NoError(t, err)
	assert.Equal(t, time.UTC, loc)
}

func TestLocationRejectsUnknownZone(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Timezone = "Mars/Olympus"
	_, err := cfg.Location()
	assert.Error(t, err)
}
