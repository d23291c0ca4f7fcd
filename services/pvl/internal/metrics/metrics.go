package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type Metrics struct {
	runs            *prometheus.CounterVec
	plans           *prometheus.CounterVec
	gatewayRequests *prometheus.CounterVec
	gatewayRetries  *prometheus.CounterVec
	runDuration     prometheus.Histogram
}

func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		runs: f.NewCounterVec(prometheus.CounterOpts{
			Name: "pvl_runs_total",
			Help: "Orchestrator runs by outcome.",
		}, []string{"outcome"}),
		plans: f.NewCounterVec(prometheus.CounterOpts{
			Name: "pvl_plans_total",
			Help: "Plans processed by final state for the run.",
		}, []string{"state"}),
		gatewayRequests: f.NewCounterVec(prometheus.CounterOpts{
			Name: "pvl_gateway_requests_total",
			Help: "Gateway wire attempts by operation and HTTP status (status 0 is a transport failure).",
		}, []string{"operation", "status"}),
		gatewayRetries: f.NewCounterVec(prometheus.CounterOpts{
			Name: "pvl_gateway_retries_total",
			Help: "Backoff retries by operation.",
		}, []string{"operation"}),
		runDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "pvl_run_duration_seconds",
			Help:    "Wall-clock duration of orchestrator runs.",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
		}),
	}
}

// Methods are nil-safe so components can run without metrics wired.

func (m *Metrics) RecordRun(outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.runs.WithLabelValues(outcome).Inc()
	m.runDuration.Observe(d.Seconds())
}

func (m *Metrics) RecordPlan(state string) {
	if m == nil {
		return
	}
	m.plans.WithLabelValues(state).Inc()
}

func (m *Metrics) RecordGatewayRequest(operation string, status int) {
	if m == nil {
		return
	}
	m.gatewayRequests.WithLabelValues(operation, strconv.Itoa(status)).Inc()
}

func (m *Metrics) RecordGatewayRetry(operation string) {
	if m == nil {
		return
	}
	m.gatewayRetries.WithLabelValues(operation).Inc()
}
