// Package metrics defines the Prometheus collectors exported by the service.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "tunestream"

// Metrics holds every collector. A nil *Metrics is valid and records nothing.
type Metrics struct {
	ResolutionsTotal   *prometheus.CounterVec
	CacheLookupsTotal  *prometheus.CounterVec
	ExtractionDuration *prometheus.HistogramVec
	RefreshTicksTotal  *prometheus.CounterVec
	PrefetchTotal      *prometheus.CounterVec
	RetryDecisions     *prometheus.CounterVec
	CacheEntries       prometheus.Gauge
}

// New creates the collectors and registers them with reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		ResolutionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "resolutions_total",
				Help:      "Total number of stream resolutions by outcome",
			},
			[]string{"outcome"},
		),
		CacheLookupsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "cache_lookups_total",
				Help:      "URI cache lookups by result",
			},
			[]string{"result"},
		),
		ExtractionDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "extraction_duration_seconds",
				Help:      "Time spent in extraction client calls",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"path"},
		),
		RefreshTicksTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "refresh_ticks_total",
				Help:      "Proactive refresher ticks by outcome",
			},
			[]string{"outcome"},
		),
		PrefetchTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "prefetch_items_total",
				Help:      "Prefetched queue items by result",
			},
			[]string{"result"},
		),
		RetryDecisions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "retry_decisions_total",
				Help:      "Playback error decisions by action and error kind",
			},
			[]string{"action", "kind"},
		),
		CacheEntries: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "cache_entries",
				Help:      "Current number of entries in the URI cache",
			},
		),
	}

	reg.MustRegister(
		m.ResolutionsTotal,
		m.CacheLookupsTotal,
		m.ExtractionDuration,
		m.RefreshTicksTotal,
		m.PrefetchTotal,
		m.RetryDecisions,
		m.CacheEntries,
	)

	return m
}

func (m *Metrics) RecordResolution(outcome string) {
	if m == nil {
		return
	}
	m.ResolutionsTotal.WithLabelValues(outcome).Inc()
}

func (m *Metrics) RecordCacheLookup(result string) {
	if m == nil {
		return
	}
	m.CacheLookupsTotal.WithLabelValues(result).Inc()
}

func (m *Metrics) RecordExtraction(path string, duration time.Duration) {
	if m == nil {
		return
	}
	m.ExtractionDuration.WithLabelValues(path).Observe(duration.Seconds())
}

func (m *Metrics) RecordRefreshTick(outcome string) {
	if m == nil {
		return
	}
	m.RefreshTicksTotal.WithLabelValues(outcome).Inc()
}

func (m *Metrics) RecordPrefetch(result string) {
	if m == nil {
		return
	}
	m.PrefetchTotal.WithLabelValues(result).Inc()
}

func (m *Metrics) RecordRetryDecision(action, kind string) {
	if m == nil {
		return
	}
	m.RetryDecisions.WithLabelValues(action, kind).Inc()
}

func (m *Metrics) SetCacheEntries(n int) {
	if m == nil {
		return
	}
	m.CacheEntries.Set(float64(n))
}
