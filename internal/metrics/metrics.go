// Package metrics exports calendar telemetry to Prometheus.
package metrics

import (
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const defaultNamespace = "flamcal"

// Metrics implements calendar.Observer and records HTTP, expansion, cache
// and feed activity. A nil *Metrics is a valid no-op.
type Metrics struct {
	mutations     *prometheus.CounterVec
	conflicts     *prometheus.CounterVec
	requests      *prometheus.CounterVec
	latency       *prometheus.HistogramVec
	expansions    prometheus.Histogram
	occurrences   prometheus.Counter
	truncated     prometheus.Counter
	cacheLookups  *prometheus.CounterVec
	feedRuns      *prometheus.CounterVec
	feedLastRunAt prometheus.Gauge
}

// New registers the collectors on reg (prometheus.DefaultRegisterer when
// nil). Collectors that are already registered are reused.
func New(namespace string, reg prometheus.Registerer) (*Metrics, error) {
	if namespace == "" {
		namespace = defaultNamespace
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	m := &Metrics{
		mutations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "mutations_total",
			Help:      "Calendar mutations by operation and result.",
		}, []string{"op", "result"}),
		conflicts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "conflicts_total",
			Help:      "Time conflicts detected, by call site.",
		}, []string{"op"}),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests by route and status code.",
		}, []string{"route", "code"}),
		latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency by route.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"route"}),
		expansions: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "expansion_duration_seconds",
			Help:      "Time spent expanding a window.",
			Buckets:   prometheus.ExponentialBuckets(0.0001, 4, 8),
		}),
		occurrences: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "occurrences_expanded_total",
			Help:      "Occurrences produced by expansion.",
		}),
		truncated: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "expansion_truncations_total",
			Help:      "Definitions that hit the per-event occurrence cap.",
		}),
		cacheLookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "expansion_cache_lookups_total",
			Help:      "Expansion cache lookups by result.",
		}, []string{"result"}),
		feedRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "feed_runs_total",
			Help:      "Feed job runs by result.",
		}, []string{"result"}),
		feedLastRunAt: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "feed_last_success_timestamp_seconds",
			Help:      "Unix time of the last successful feed run.",
		}),
	}

	var err error
	register := func(c prometheus.Collector) prometheus.Collector {
		if err != nil {
			return c
		}
		if rerr := reg.Register(c); rerr != nil {
			var are prometheus.AlreadyRegisteredError
			if errors.As(rerr, &are) {
				return are.ExistingCollector
			}
			err = fmt.Errorf("register metric: %w", rerr)
		}
		return c
	}
	m.mutations = register(m.mutations).(*prometheus.CounterVec)
	m.conflicts = register(m.conflicts).(*prometheus.CounterVec)
	m.requests = register(m.requests).(*prometheus.CounterVec)
	m.latency = register(m.latency).(*prometheus.HistogramVec)
	m.expansions = register(m.expansions).(prometheus.Histogram)
	m.occurrences = register(m.occurrences).(prometheus.Counter)
	m.truncated = register(m.truncated).(prometheus.Counter)
	m.cacheLookups = register(m.cacheLookups).(*prometheus.CounterVec)
	m.feedRuns = register(m.feedRuns).(*prometheus.CounterVec)
	m.feedLastRunAt = register(m.feedLastRunAt).(prometheus.Gauge)
	if err != nil {
		return nil, err
	}
	return m, nil
}

func result(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}

func (m *Metrics) Mutation(op string, err error) {
	if m == nil {
		return
	}
	m.mutations.WithLabelValues(op, result(err)).Inc()
}

func (m *Metrics) Conflict(op string) {
	if m == nil {
		return
	}
	m.conflicts.WithLabelValues(op).Inc()
}

func (m *Metrics) RecordRequest(route string, code int, d time.Duration) {
	if m == nil {
		return
	}
	m.requests.WithLabelValues(route, strconv.Itoa(code)).Inc()
	m.latency.WithLabelValues(route).Observe(d.Seconds())
}

func (m *Metrics) RecordExpansion(d time.Duration, occurrences, truncated int) {
	if m == nil {
		return
	}
	m.expansions.Observe(d.Seconds())
	m.occurrences.Add(float64(occurrences))
	m.truncated.Add(float64(truncated))
}

func (m *Metrics) RecordCache(hit bool) {
	if m == nil {
		return
	}
	if hit {
		m.cacheLookups.WithLabelValues("hit").Inc()
		return
	}
	m.cacheLookups.WithLabelValues("miss").Inc()
}

func (m *Metrics) RecordFeedRun(at time.Time, err error) {
	if m == nil {
		return
	}
	m.feedRuns.WithLabelValues(result(err)).Inc()
	if err == nil {
		m.feedLastRunAt.Set(float64(at.Unix()))
	}
}
