package observability

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the pipeline's Prometheus collectors on a private registry so
// tests can build as many instances as they like.
type Metrics struct {
	registry *prometheus.Registry

	stageOutcomes   *prometheus.CounterVec
	stageLatency    *prometheus.HistogramVec
	requestOutcomes *prometheus.CounterVec
	retries         *prometheus.CounterVec
	deadLetters     *prometheus.CounterVec
	claimConflicts  prometheus.Counter
	degraded        *prometheus.CounterVec
	providerCalls   *prometheus.CounterVec
	providerLatency *prometheus.HistogramVec
	apiRequests     *prometheus.CounterVec
	apiLatency      *prometheus.HistogramVec
	inflight        prometheus.Gauge
}

func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		stageOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "contentgen_stage_outcomes_total",
			Help: "Stage executions by stage and outcome.",
		}, []string{"stage", "outcome", "error_class"}),
		stageLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "contentgen_stage_duration_seconds",
			Help:    "Wall time spent inside each stage processor.",
			Buckets: []float64{0.05, 0.25, 1, 2.5, 5, 10, 30, 60, 120, 300, 600},
		}, []string{"stage"}),
		requestOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "contentgen_request_outcomes_total",
			Help: "Message handling results.",
		}, []string{"outcome"}),
		retries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "contentgen_retries_total",
			Help: "Retries scheduled by stage and error class.",
		}, []string{"stage", "error_class"}),
		deadLetters: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "contentgen_dead_letters_total",
			Help: "Messages routed to the dead-letter channel.",
		}, []string{"reason"}),
		claimConflicts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "contentgen_claim_conflicts_total",
			Help: "Deliveries dropped because another worker held the claim.",
		}),
		degraded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "contentgen_retrieval_degraded_total",
			Help: "Requests that continued with degraded grounding context.",
		}, []string{"reason"}),
		providerCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "contentgen_provider_calls_total",
			Help: "Outbound AI provider calls by endpoint and status.",
		}, []string{"path", "status"}),
		providerLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "contentgen_provider_call_duration_seconds",
			Help:    "Latency of outbound AI provider calls.",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 14),
		}, []string{"path"}),
		apiRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "contentgen_api_requests_total",
			Help: "HTTP API requests by route and status.",
		}, []string{"method", "route", "status"}),
		apiLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "contentgen_api_request_duration_seconds",
			Help:    "HTTP API latency.",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "route"}),
		inflight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "contentgen_requests_inflight",
			Help: "Requests currently being processed by this instance.",
		}),
	}
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.stageOutcomes, m.stageLatency, m.requestOutcomes, m.retries, m.deadLetters,
		m.claimConflicts, m.degraded, m.providerCalls, m.providerLatency,
		m.apiRequests, m.apiLatency, m.inflight,
	)
	return m
}

func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

func (m *Metrics) ObserveStage(stage, outcome, errorClass string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.stageOutcomes.WithLabelValues(stage, outcome, errorClass).Inc()
	m.stageLatency.WithLabelValues(stage).Observe(elapsed.Seconds())
}

func (m *Metrics) ObserveRequest(outcome string) {
	if m == nil {
		return
	}
	m.requestOutcomes.WithLabelValues(outcome).Inc()
}

func (m *Metrics) ObserveRetry(stage, errorClass string) {
	if m == nil {
		return
	}
	m.retries.WithLabelValues(stage, errorClass).Inc()
}

func (m *Metrics) ObserveDeadLetter(reason string) {
	if m == nil {
		return
	}
	m.deadLetters.WithLabelValues(reason).Inc()
}

func (m *Metrics) ObserveClaimConflict() {
	if m == nil {
		return
	}
	m.claimConflicts.Inc()
}

func (m *Metrics) ObserveDegraded(reason string) {
	if m == nil {
		return
	}
	m.degraded.WithLabelValues(reason).Inc()
}

// ObserveProviderCall satisfies openai.Observer.
func (m *Metrics) ObserveProviderCall(path string, status int, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.providerCalls.WithLabelValues(path, strconv.Itoa(status)).Inc()
	m.providerLatency.WithLabelValues(path).Observe(elapsed.Seconds())
}

func (m *Metrics) ObserveAPI(method, route string, status int, elapsed time.Duration) {
	if m == nil {
		return
	}
	if route == "" {
		route = "unmatched"
	}
	m.apiRequests.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	m.apiLatency.WithLabelValues(method, route).Observe(elapsed.Seconds())
}

func (m *Metrics) InflightAdd(delta float64) {
	if m == nil {
		return
	}
	m.inflight.Add(delta)
}
