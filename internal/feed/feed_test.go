package feed

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"flamcal/internal/calendar"
	"flamcal/internal/clock"
	"flamcal/internal/config"
	"flamcal/internal/ics"
	"flamcal/internal/metrics"
	"flamcal/internal/model"
	"flamcal/internal/recurrence"
	"flamcal/internal/store"
)

const remote = "BEGIN:VCALENDAR\r\n" +
	"VERSION:2.0\r\n" +
	"PRODID:-//remote//EN\r\n" +
	"BEGIN:VEVENT\r\n" +
	"UID:remote-1\r\n" +
	"SUMMARY:Team offsite\r\n" +
	"DTSTART:20240515T100000Z\r\n" +
	"END:VEVENT\r\n" +
	"END:VCALENDAR\r\n"

func newCalendar(t *testing.T) *calendar.Calendar {
	t.Helper()
	st := store.NewMemoryStore(model.EventDefinition{
		ID: "local", Title: "Standup", Anchor: time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC), Rule: recurrence.Daily{},
	})
	cal, err := calendar.New(context.Background(), st, calendar.Options{Location: time.UTC})
	require.NoError(t, err)
	return cal
}

func TestRunOnceImportsAndPublishes(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(remote))
	}))
	defer srv.Close()

	cal := newCalendar(t)
	out := filepath.Join(t.TempDir(), "feed", "calendar.ics")
	m, err := metrics.New("feedtest", prometheus.NewRegistry())
	require.NoError(t, err)

	p := New(cal, ics.NewFetcher(t.TempDir(), srv.Client()), Options{
		Path:          out,
		Name:          "flamcal",
		Subscriptions: []config.SubscriptionConfig{{ID: "work", URL: srv.URL, Category: "Work"}},
		Clock:         clock.Fixed(time.Date(2024, 5, 10, 8, 0, 0, 0, time.UTC)),
		Metrics:       m,
	})
	require.NoError(t, p.RunOnce(context.Background()))

	imported := cal.Get("remote-1")
	require.True(t, imported.IsPresent())
	assert.Equal(t, "Work", imported.MustGet().Category)

	body, err := os.ReadFile(out)
	require.NoError(t, err)
	assert.Contains(t, string(body), "UID:remote-1")
	assert.Contains(t, string(body), "RRULE:FREQ=DAILY")
	assert.True(t, strings.Contains(string(body), "X-WR-CALNAME:flamcal"))

	// A second run updates in place instead of duplicating.
	require.NoError(t, p.RunOnce(context.Background()))
	assert.Len(t, cal.Definitions(), 2)
}

func TestRunOnceReportsFailedSubscription(t *testing.T) {
	cal := newCalendar(t)
	out := filepath.Join(t.TempDir(), "calendar.ics")

	p := New(cal, ics.NewFetcher(t.TempDir(), nil), Options{
		Path:          out,
		Subscriptions: []config.SubscriptionConfig{{ID: "broken", URL: ""}},
	})
	err := p.RunOnce(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "broken")

	// The export still happened.
	_, statErr := os.Stat(out)
	assert.NoError(t, statErr)
}

func TestStartRejectsBadSchedule(t *testing.T) {
	p := New(newCalendar(t), nil, Options{})
	assert.Error(t, p.Start(context.Background(), "not a schedule"))
}

func TestStartAndStop(t *testing.T) {
	p := New(newCalendar(t), nil, Options{})
	ctx, cancel := context.WithCancel(context.Background())

	require.NoError(t, p.Start(ctx, "@every 1h"))
	cancel()
	p.Stop()
}
