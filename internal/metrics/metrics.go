// Package metrics exposes the engine's operational counters and gauges over
// a dedicated Prometheus registry, so the daemon's /metrics endpoint carries
// only maestro series plus the standard process and Go runtime collectors.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"maestro/internal/store"
)

// Metrics holds every instrument the daemon records.
type Metrics struct {
	registry *prometheus.Registry

	JobsByStatus  *prometheus.GaugeVec
	JobsPaused    prometheus.Gauge
	RunQueueDepth prometheus.Gauge

	TicksTotal   *prometheus.CounterVec
	TickDuration prometheus.Histogram

	RunsTotal   *prometheus.CounterVec
	RunDuration prometheus.Histogram

	FanOutsTotal    *prometheus.CounterVec
	PromotionsTotal *prometheus.CounterVec

	LeaseReclaimsTotal prometheus.Counter
}

// New builds the instrument set on a fresh registry.
func New() *Metrics {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(registry)

	return &Metrics{
		registry: registry,
		JobsByStatus: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "maestro_jobs",
			Help: "Jobs by lifecycle status.",
		}, []string{"status"}),
		JobsPaused: factory.NewGauge(prometheus.GaugeOpts{
			Name: "maestro_jobs_paused",
			Help: "Jobs waiting on a human decision.",
		}),
		RunQueueDepth: factory.NewGauge(prometheus.GaugeOpts{
			Name: "maestro_run_queue_depth",
			Help: "Provider runs waiting for a worker.",
		}),
		TicksTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "maestro_ticks_total",
			Help: "Engine ticks by stop reason.",
		}, []string{"stop_reason"}),
		TickDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "maestro_tick_duration_seconds",
			Help:    "Wall time of one engine tick.",
			Buckets: prometheus.ExponentialBuckets(0.005, 2, 12),
		}),
		RunsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "maestro_runs_total",
			Help: "Resolved provider runs by type and status.",
		}, []string{"run_type", "status"}),
		RunDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "maestro_run_duration_seconds",
			Help:    "Wall time of one provider run.",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 14),
		}),
		FanOutsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "maestro_fanouts_total",
			Help: "Candidate groups opened by candidate type.",
		}, []string{"candidate_type"}),
		PromotionsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "maestro_promotions_total",
			Help: "Candidate promotions by candidate type and mode.",
		}, []string{"candidate_type", "mode"}),
		LeaseReclaimsTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "maestro_lease_reclaims_total",
			Help: "Jobs requeued after their lease expired.",
		}),
	}
}

// Handler serves the registry for the daemon's /metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// ObserveTick records one engine tick.
func (m *Metrics) ObserveTick(stopReason string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.TicksTotal.WithLabelValues(stopReason).Inc()
	m.TickDuration.Observe(elapsed.Seconds())
}

// ObserveRun records one resolved provider run.
func (m *Metrics) ObserveRun(runType string, status store.RunStatus, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.RunsTotal.WithLabelValues(runType, string(status)).Inc()
	m.RunDuration.Observe(elapsed.Seconds())
}

// ObserveFanOut records an opened candidate group.
func (m *Metrics) ObserveFanOut(candidateType string) {
	if m == nil {
		return
	}
	m.FanOutsTotal.WithLabelValues(candidateType).Inc()
}

// ObservePromotion records a candidate promotion. Mode is "auto" or "human".
func (m *Metrics) ObservePromotion(candidateType, mode string) {
	if m == nil {
		return
	}
	m.PromotionsTotal.WithLabelValues(candidateType, mode).Inc()
}

// ObserveLeaseReclaims records jobs requeued by the sweeper.
func (m *Metrics) ObserveLeaseReclaims(count int) {
	if m == nil || count <= 0 {
		return
	}
	m.LeaseReclaimsTotal.Add(float64(count))
}

// SetHealth publishes the sampled queue state.
func (m *Metrics) SetHealth(health store.HealthSummary, runDepth int) {
	if m == nil {
		return
	}
	m.JobsByStatus.WithLabelValues(string(store.JobQueued)).Set(float64(health.Queued))
	m.JobsByStatus.WithLabelValues(string(store.JobRunning)).Set(float64(health.Running))
	m.JobsByStatus.WithLabelValues(string(store.JobSucceeded)).Set(float64(health.Succeeded))
	m.JobsByStatus.WithLabelValues(string(store.JobFailed)).Set(float64(health.Failed))
	m.JobsPaused.Set(float64(health.Paused))
	m.RunQueueDepth.Set(float64(runDepth))
}
