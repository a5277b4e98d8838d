// Package metrics holds the pipeline's Prometheus collectors.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "playervalues"

// Metrics groups the pipeline collectors. A nil *Metrics records nothing.
type Metrics struct {
	registry *prometheus.Registry

	RebuildsTotal    *prometheus.CounterVec
	RebuildDuration  prometheus.Histogram
	PlayersProcessed prometheus.Gauge
	CurrentEpoch     prometheus.Gauge
	AlertsTotal      *prometheus.CounterVec
	BatchesGated     *prometheus.CounterVec
	OracleChecks     *prometheus.CounterVec
	TrendRecords     *prometheus.GaugeVec
	CacheLookups     *prometheus.CounterVec
}

// New builds and registers the collectors on a private registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		RebuildsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rebuilds_total",
			Help:      "Rebuild attempts by result.",
		}, []string{"result"}),
		RebuildDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "rebuild_duration_seconds",
			Help:      "Wall time of a rebuild.",
			Buckets:   []float64{0.5, 1, 2, 5, 10, 30, 60, 120, 300},
		}),
		PlayersProcessed: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "players_processed",
			Help:      "Players published by the last successful rebuild.",
		}),
		CurrentEpoch: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "current_epoch_number",
			Help:      "Epoch number currently served.",
		}),
		AlertsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "quality_alerts_total",
			Help:      "Data-quality alerts raised by type and severity.",
		}, []string{"type", "severity"}),
		BatchesGated: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "batches_gated_total",
			Help:      "Gated batches by resulting status.",
		}, []string{"status"}),
		OracleChecks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "oracle_checks_total",
			Help:      "Consistency checks by outcome.",
		}, []string{"outcome"}),
		TrendRecords: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "trend_records",
			Help:      "Trend records of the last run by format and tag.",
		}, []string{"format", "tag"}),
		CacheLookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "value_cache_lookups_total",
			Help:      "Value cache lookups by result.",
		}, []string{"result"}),
	}
	m.registry.MustRegister(
		m.RebuildsTotal,
		m.RebuildDuration,
		m.PlayersProcessed,
		m.CurrentEpoch,
		m.AlertsTotal,
		m.BatchesGated,
		m.OracleChecks,
		m.TrendRecords,
		m.CacheLookups,
	)
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Gatherer exposes the registry for tests and push gateways.
func (m *Metrics) Gatherer() prometheus.Gatherer {
	return m.registry
}

// ObserveRebuild records one rebuild attempt.
func (m *Metrics) ObserveRebuild(result string, took time.Duration, players int, epochNumber int64) {
	if m == nil {
		return
	}
	m.RebuildsTotal.WithLabelValues(result).Inc()
	m.RebuildDuration.Observe(took.Seconds())
	if result == "success" {
		m.PlayersProcessed.Set(float64(players))
		m.CurrentEpoch.Set(float64(epochNumber))
	}
}

// ObserveAlert counts a raised alert.
func (m *Metrics) ObserveAlert(alertType, severity string) {
	if m == nil {
		return
	}
	m.AlertsTotal.WithLabelValues(alertType, severity).Inc()
}

// ObserveGate counts a batch leaving the gate with status.
func (m *Metrics) ObserveGate(status string) {
	if m == nil {
		return
	}
	m.BatchesGated.WithLabelValues(status).Inc()
}

// ObserveOracle counts one consistency check.
func (m *Metrics) ObserveOracle(outcome string) {
	if m == nil {
		return
	}
	m.OracleChecks.WithLabelValues(outcome).Inc()
}

// SetTrendCount records the size of a trend tag bucket.
func (m *Metrics) SetTrendCount(format, tag string, n int) {
	if m == nil {
		return
	}
	m.TrendRecords.WithLabelValues(format, tag).Set(float64(n))
}

// ObserveCache counts a cache hit or miss.
func (m *Metrics) ObserveCache(hit bool) {
	if m == nil {
		return
	}
	result := "miss"
	if hit {
		result = "hit"
	}
	m.CacheLookups.WithLabelValues(result).Inc()
}
