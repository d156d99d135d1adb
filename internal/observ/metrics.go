package observ

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var registry = prometheus.NewRegistry()

var (
	cycleTransitions = promauto.With(registry).NewCounterVec(
		prometheus.CounterOpts{
			Name: "coordinator_cycle_transitions_total",
			Help: "Trading-cycle state transitions",
		},
		[]string{"from", "to"},
	)

	cyclesActive = promauto.With(registry).NewGauge(
		prometheus.GaugeOpts{
			Name: "coordinator_cycles_active",
			Help: "1 while a cycle holds the active slot",
		},
	)

	stageDuration = promauto.With(registry).NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "coordinator_stage_duration_seconds",
			Help:    "Wall time of one pipeline stage",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		},
		[]string{"stage"},
	)

	stageCandidates = promauto.With(registry).NewCounterVec(
		prometheus.CounterOpts{
			Name: "coordinator_stage_candidates_total",
			Help: "Candidate outcomes per stage",
		},
		[]string{"stage", "decision", "reason"},
	)

	stageFatal = promauto.With(registry).NewCounterVec(
		prometheus.CounterOpts{
			Name: "coordinator_stage_fatal_total",
			Help: "Stages whose failure rate exceeded the fatal ratio",
		},
		[]string{"stage"},
	)

	serviceCalls = promauto.With(registry).NewCounterVec(
		prometheus.CounterOpts{
			Name: "coordinator_service_calls_total",
			Help: "Collaborator call attempts by result",
		},
		[]string{"service", "result"},
	)

	serviceLatency = promauto.With(registry).NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "coordinator_service_latency_seconds",
			Help:    "Collaborator call latency per attempt",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"service"},
	)

	serviceRetries = promauto.With(registry).NewCounterVec(
		prometheus.CounterOpts{
			Name: "coordinator_service_retries_total",
			Help: "Retries of transient collaborator failures",
		},
		[]string{"service"},
	)

	breakerState = promauto.With(registry).NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "coordinator_circuit_breaker_state",
			Help: "0=closed 1=half_open 2=open",
		},
		[]string{"service"},
	)

	riskViolations = promauto.With(registry).NewCounterVec(
		prometheus.CounterOpts{
			Name: "coordinator_risk_invariant_violations_total",
			Help: "Candidates dropped by coordinator-side risk checks",
		},
		[]string{"reason"},
	)

	orders = promauto.With(registry).NewCounterVec(
		prometheus.CounterOpts{
			Name: "coordinator_orders_total",
			Help: "Execute-trade requests by result",
		},
		[]string{"result"},
	)

	positionsOpen = promauto.With(registry).NewGauge(
		prometheus.GaugeOpts{
			Name: "coordinator_positions_open",
			Help: "Open positions in the cached view",
		},
	)

	auditEvents = promauto.With(registry).NewCounterVec(
		prometheus.CounterOpts{
			Name: "coordinator_audit_events_total",
			Help: "Audit events recorded by type",
		},
		[]string{"type"},
	)

	auditSinkErrors = promauto.With(registry).NewCounterVec(
		prometheus.CounterOpts{
			Name: "coordinator_audit_sink_errors_total",
			Help: "Audit sink write failures",
		},
		[]string{"sink"},
	)
)

func init() {
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
}

// Registry exposes the private registry for tests and custom exporters
func Registry() *prometheus.Registry {
	return registry
}

// Handler serves the registry in Prometheus text format
func Handler() http.Handler {
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}

// Health is the liveness probe
func Health() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
}

func RecordTransition(from, to string) {
	cycleTransitions.WithLabelValues(from, to).Inc()
}

func SetCycleActive(active bool) {
	if active {
		cyclesActive.Set(1)
		return
	}
	cyclesActive.Set(0)
}

func ObserveStage(stage string, d time.Duration) {
	stageDuration.WithLabelValues(stage).Observe(d.Seconds())
}

func RecordCandidate(stage, decision, reason string) {
	stageCandidates.WithLabelValues(stage, decision, reason).Inc()
}

func RecordStageFatal(stage string) {
	stageFatal.WithLabelValues(stage).Inc()
}

func RecordServiceCall(service, result string, latency time.Duration) {
	serviceCalls.WithLabelValues(service, result).Inc()
	serviceLatency.WithLabelValues(service).Observe(latency.Seconds())
}

func RecordRetry(service string) {
	serviceRetries.WithLabelValues(service).Inc()
}

func SetBreakerState(service string, v float64) {
	breakerState.WithLabelValues(service).Set(v)
}

func RecordRiskViolation(reason string) {
	riskViolations.WithLabelValues(reason).Inc()
}

func RecordOrder(result string) {
	orders.WithLabelValues(result).Inc()
}

func SetPositionsOpen(n int) {
	positionsOpen.Set(float64(n))
}

func RecordAuditEvent(eventType string) {
	auditEvents.WithLabelValues(eventType).Inc()
}

func RecordAuditSinkError(sink string) {
	auditSinkErrors.WithLabelValues(sink).Inc()
}

// Collectors used by tests via prometheus/testutil

func BreakerStateGauge() *prometheus.GaugeVec      { return breakerState }
func RiskViolationCounter() *prometheus.CounterVec { return riskViolations }
