// Package telemetry centralizes the master's prometheus collectors so
// every component records into one registry exposed at /metrics.
package telemetry

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the pre-registered collectors shared by the dispatcher,
// registry and state machine. Safe for concurrent use after creation.
type Metrics struct {
	registry *prometheus.Registry

	// DispatchesTotal counts dispatch attempts by outcome
	// (dispatched, requeued, failed).
	DispatchesTotal *prometheus.CounterVec

	// DispatchOutcomes counts reported dispatch outcomes per agent
	// (success, failure) as seen by the circuit breaker.
	DispatchOutcomes *prometheus.CounterVec

	// QueueDepth tracks builds currently waiting for an agent.
	QueueDepth prometheus.Gauge

	// ActiveBuilds tracks builds in the running state.
	ActiveBuilds prometheus.Gauge

	// AgentsOnline tracks agents whose heartbeat is within the threshold.
	AgentsOnline prometheus.Gauge

	// BreakerState reports each agent's breaker as 0=closed, 1=open,
	// 2=half-open.
	BreakerState *prometheus.GaugeVec

	// BuildDuration records wall time of completed builds in seconds.
	BuildDuration prometheus.Histogram
}

// New creates the collectors on a fresh registry
func New() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		registry: reg,
		DispatchesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "conveyor_dispatches_total",
			Help: "Dispatch attempts by outcome",
		}, []string{"outcome"}),
		DispatchOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "conveyor_dispatch_outcomes_total",
			Help: "Dispatch outcomes reported to the circuit breaker",
		}, []string{"agent", "outcome"}),
		QueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "conveyor_queue_depth",
			Help: "Builds waiting for an eligible agent",
		}),
		ActiveBuilds: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "conveyor_active_builds",
			Help: "Builds currently running",
		}),
		AgentsOnline: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "conveyor_agents_online",
			Help: "Agents with a recent heartbeat",
		}),
		BreakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "conveyor_breaker_state",
			Help: "Circuit breaker state per agent (0=closed, 1=open, 2=half-open)",
		}, []string{"agent"}),
		BuildDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "conveyor_build_duration_seconds",
			Help:    "Wall time of completed builds",
			Buckets: prometheus.ExponentialBuckets(1, 2, 12),
		}),
	}

	reg.MustRegister(
		m.DispatchesTotal,
		m.DispatchOutcomes,
		m.QueueDepth,
		m.ActiveBuilds,
		m.AgentsOnline,
		m.BreakerState,
		m.BuildDuration,
	)
	return m
}

// Handler returns the /metrics endpoint handler
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
