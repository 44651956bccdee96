package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/BastienGimbert/TheSolanaApi/pkg/models"
)

// Metrics collects proxy instrumentation into its own Prometheus
// registry, exposed on /metrics. All methods are nil-safe so components
// can run without instrumentation in tests.
type Metrics struct {
	registry *prometheus.Registry

	requestsTotal   *prometheus.CounterVec
	forwardedTotal  *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	probeFailures   *prometheus.CounterVec
	validatorState  *prometheus.GaugeVec
}

// New creates and registers the proxy metric set.
func New(namespace string) *Metrics {
	if namespace == "" {
		namespace = "solproxy"
	}

	m := &Metrics{
		registry: prometheus.NewRegistry(),
		requestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "requests_total",
				Help:      "Total number of proxied RPC requests by outcome",
			},
			[]string{"result"},
		),
		forwardedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "forwarded_total",
				Help:      "Total number of requests forwarded per validator",
			},
			[]string{"validator"},
		),
		requestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "request_duration_seconds",
				Help:      "End-to-end request latency by outcome",
				Buckets:   prometheus.ExponentialBuckets(0.001, 2, 15),
			},
			[]string{"result"},
		),
		probeFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "probe_failures_total",
				Help:      "Total number of failed liveness probes per validator",
			},
			[]string{"validator"},
		),
		validatorState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "validators",
				Help:      "Number of registered validators by health state",
			},
			[]string{"state"},
		),
	}

	m.registry.MustRegister(
		m.requestsTotal,
		m.forwardedTotal,
		m.requestDuration,
		m.probeFailures,
		m.validatorState,
		collectors.NewGoCollector(),
	)

	return m
}

// Handler returns the exposition handler for /metrics.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// ObserveRequest records one finished client request.
func (m *Metrics) ObserveRequest(result string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.requestsTotal.WithLabelValues(result).Inc()
	m.requestDuration.WithLabelValues(result).Observe(elapsed.Seconds())
}

// MarkForwarded records a request handed to the named validator.
func (m *Metrics) MarkForwarded(validator string) {
	if m == nil {
		return
	}
	m.forwardedTotal.WithLabelValues(validator).Inc()
}

// MarkProbeFailure records one failed liveness probe.
func (m *Metrics) MarkProbeFailure(validator string) {
	if m == nil {
		return
	}
	m.probeFailures.WithLabelValues(validator).Inc()
}

// SetValidatorStates publishes the per-state fleet counts.
func (m *Metrics) SetValidatorStates(statuses []models.ValidatorStatus) {
	if m == nil {
		return
	}

	counts := map[models.HealthState]int{
		models.HealthUnknown:   0,
		models.HealthHealthy:   0,
		models.HealthUnhealthy: 0,
	}
	for _, s := range statuses {
		counts[s.Health]++
	}
	for state, n := range counts {
		m.validatorState.WithLabelValues(string(state)).Set(float64(n))
	}
}
