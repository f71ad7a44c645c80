// Package metrics holds the Prometheus collectors shared by the scheduler sync,
// history and live output services.
//
// Every Metrics owns its registry, so tests can build as many as they like.
// A nil *Metrics is valid and records nothing.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Metrics struct {
	reg *prometheus.Registry

	syncActions       *prometheus.CounterVec
	driftRepaired     *prometheus.CounterVec
	reconcileDuration prometheus.Histogram
	statusQueries     *prometheus.CounterVec
	jobsRunning       prometheus.Gauge
	historyReloads    prometheus.Counter
	historyRecords    prometheus.Gauge
	outputReads       prometheus.Counter
}

func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)
	return &Metrics{
		reg: reg,
		syncActions: f.NewCounterVec(prometheus.CounterOpts{
			Name: "clockwork_sync_actions_total",
			Help: "Scheduler actions by kind and result",
		}, []string{"action", "result"}),
		driftRepaired: f.NewCounterVec(prometheus.CounterOpts{
			Name: "clockwork_drift_repaired_total",
			Help: "Drift between declared jobs and the OS scheduler repaired by reconcile",
		}, []string{"kind"}),
		reconcileDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "clockwork_reconcile_duration_seconds",
			Help:    "Duration of each reconcile pass",
			Buckets: prometheus.DefBuckets,
		}),
		statusQueries: f.NewCounterVec(prometheus.CounterOpts{
			Name: "clockwork_status_queries_total",
			Help: "OS scheduler status queries by outcome",
		}, []string{"outcome"}),
		jobsRunning: f.NewGauge(prometheus.GaugeOpts{
			Name: "clockwork_jobs_running",
			Help: "Jobs with a live process at the last status refresh",
		}),
		historyReloads: f.NewCounter(prometheus.CounterOpts{
			Name: "clockwork_history_reloads_total",
			Help: "History reconstructions from disk",
		}),
		historyRecords: f.NewGauge(prometheus.GaugeOpts{
			Name: "clockwork_history_records",
			Help: "Run records currently loaded",
		}),
		outputReads: f.NewCounter(prometheus.CounterOpts{
			Name: "clockwork_live_output_reads_total",
			Help: "Re-reads of the live output file",
		}),
	}
}

// Registry exposes the underlying registry, mainly for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.reg
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{Registry: m.reg})
}

func result(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}

func (m *Metrics) SyncAction(action string, err error) {
	if m == nil {
		return
	}
	m.syncActions.WithLabelValues(action, result(err)).Inc()
}

func (m *Metrics) DriftRepaired(kind string) {
	if m == nil {
		return
	}
	m.driftRepaired.WithLabelValues(kind).Inc()
}

func (m *Metrics) ReconcileDone(took time.Duration) {
	if m == nil {
		return
	}
	m.reconcileDuration.Observe(took.Seconds())
}

// StatusQuery records one status lookup; outcome is "loaded", "not_loaded" or "unknown".
func (m *Metrics) StatusQuery(outcome string) {
	if m == nil {
		return
	}
	m.statusQueries.WithLabelValues(outcome).Inc()
}

func (m *Metrics) SetRunning(n int) {
	if m == nil {
		return
	}
	m.jobsRunning.Set(float64(n))
}

func (m *Metrics) HistoryReloaded(records int) {
	if m == nil {
		return
	}
	m.historyReloads.Inc()
	m.historyRecords.Set(float64(records))
}

func (m *Metrics) OutputRead() {
	if m == nil {
		return
	}
	m.outputReads.Inc()
}
