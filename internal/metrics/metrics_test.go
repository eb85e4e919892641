package metrics

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetricsRecord(t *testing.T) {
	reg := prometheus.NewRegistry()
	m, err := New("", reg)
	require.NoError(t, err)

	m.Mutation("add", nil)
	m.Mutation("add", errors.New("boom"))
	m.Conflict("move")
	m.RecordRequest("/api/events", 200, 3*time.Millisecond)
	m.RecordExpansion(time.Millisecond, 12, 1)
	m.RecordCache(true)
	m.RecordCache(false)
	m.RecordFeedRun(time.Unix(1700000000, 0), nil)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.mutations.WithLabelValues("add", "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.mutations.WithLabelValues("add", "error")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.conflicts.WithLabelValues("move")))
	assert.Equal(t, 12.0, testutil.ToFloat64(m.occurrences))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.cacheLookups.WithLabelValues("hit")))
	assert.Equal(t, 1700000000.0, testutil.ToFloat64(m.feedLastRunAt))
}

func TestNewTwiceOnSameRegistry(t *testing.T) {
	reg := prometheus.NewRegistry()
	first, err := New("x", reg)
	require.NoError(t, err)
	second, err := New("x", reg)
	require.NoError(t, err)

	second.Conflict("add")
	assert.Equal(t, 1.0, testutil.ToFloat64(first.conflicts.WithLabelValues("add")))
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.Mutation("add", nil)
		m.RecordRequest("/", 200, time.Second)
		m.RecordFeedRun(time.Now(), errors.New("x"))
	})
}
