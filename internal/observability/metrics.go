package observability

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the data plane.
//
// A Metrics value is created once by the process entrypoint and passed to
// each component. Every method is safe to call on a nil receiver, which
// records nothing.
type Metrics struct {
	requestsTotal       *prometheus.CounterVec
	requestDuration     *prometheus.HistogramVec
	upstreamAttempts    *prometheus.CounterVec
	upstreamErrors      *prometheus.CounterVec
	retriesTotal        *prometheus.CounterVec
	backendConnections  *prometheus.GaugeVec
	backendHealth       *prometheus.GaugeVec
	healthProbes        *prometheus.CounterVec
	healthProbeDuration *prometheus.HistogramVec
	ingressEvents       *prometheus.CounterVec
	resolutionFailures  *prometheus.CounterVec
	relists             *prometheus.CounterVec
	unroutableEvents    prometheus.Counter
	eventChannelDepth   prometheus.Gauge
	circuitBreaker      *prometheus.GaugeVec
	cacheLookups        *prometheus.CounterVec
	rateLimitHits       prometheus.Counter
	configReloads       *prometheus.CounterVec
	buildInfo           *prometheus.GaugeVec
	startTime           prometheus.Gauge
	registry            *prometheus.Registry
}

// NewMetrics creates a new Metrics instance backed by its own registry.
func NewMetrics(namespace string) *Metrics {
	if namespace == "" {
		namespace = "flusso"
	}

	m := &Metrics{
		registry: prometheus.NewRegistry(),
	}

	m.requestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_total",
			Help:      "Total number of proxied HTTP requests",
		},
		[]string{"method", "route", "status"},
	)

	m.requestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "request_duration_seconds",
			Help:      "Proxied request duration in seconds",
			Buckets: []float64{
				.001, .005, .01, .025, .05,
				.1, .25, .5, 1, 2.5, 5, 10,
			},
		},
		[]string{"method", "route", "status"},
	)

	m.upstreamAttempts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "upstream_attempts_total",
			Help:      "Total number of attempts sent to backends",
		},
		[]string{"route", "outcome"},
	)

	m.upstreamErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "upstream_errors_total",
			Help:      "Total number of failed requests by error kind",
		},
		[]string{"route", "kind"},
	)

	m.retriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "retries_total",
			Help:      "Total number of retried backend attempts",
		},
		[]string{"route"},
	)

	m.backendConnections = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "backend_active_connections",
			Help:      "Number of in-flight requests per backend",
		},
		[]string{"route", "backend"},
	)

	m.backendHealth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "backend_health",
			Help: "Backend health status " +
				"(1=healthy, 0=unhealthy)",
		},
		[]string{"backend"},
	)

	m.healthProbes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "health_probes_total",
			Help:      "Total number of backend health probes",
		},
		[]string{"result"},
	)

	m.healthProbeDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "health_probe_duration_seconds",
			Help:      "Backend health probe duration in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"result"},
	)

	m.ingressEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ingress_events_total",
			Help:      "Total number of backend events by source and type",
		},
		[]string{"source", "type"},
	)

	m.resolutionFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ingress_resolution_failures_total",
			Help:      "Total number of dropped targets whose service could not be resolved",
		},
		[]string{"source"},
	)

	m.relists = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ingress_relists_total",
			Help:      "Total number of full relists per watched resource",
		},
		[]string{"source"},
	)

	m.unroutableEvents = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ingress_unroutable_events_total",
			Help:      "Total number of events whose prefix matched no route",
		},
	)

	m.eventChannelDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "event_channel_depth",
			Help:      "Number of events waiting in the shared event channel",
		},
	)

	m.circuitBreaker = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "circuit_breaker_state",
			Help: "Circuit breaker state " +
				"(0=closed, 1=half-open, 2=open)",
		},
		[]string{"name"},
	)

	m.cacheLookups = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_lookups_total",
			Help:      "Total number of response cache lookups",
		},
		[]string{"result"},
	)

	m.rateLimitHits = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rate_limit_hits_total",
			Help:      "Total number of rejected rate limited requests",
		},
	)

	m.configReloads = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "config_reloads_total",
			Help:      "Total number of configuration reloads",
		},
		[]string{"result"},
	)

	m.buildInfo = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "build_info",
			Help:      "Build information",
		},
		[]string{"version", "commit", "build_time"},
	)

	m.startTime = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "start_time_seconds",
			Help:      "Start time of the process in unix seconds",
		},
	)

	m.registerCollectors()

	m.startTime.SetToCurrentTime()

	return m
}

// registerCollectors registers all metric collectors with the
// Prometheus registry.
func (m *Metrics) registerCollectors() {
	m.registry.MustRegister(
		m.requestsTotal,
		m.requestDuration,
		m.upstreamAttempts,
		m.upstreamErrors,
		m.retriesTotal,
		m.backendConnections,
		m.backendHealth,
		m.healthProbes,
		m.healthProbeDuration,
		m.ingressEvents,
		m.resolutionFailures,
		m.relists,
		m.unroutableEvents,
		m.eventChannelDepth,
		m.circuitBreaker,
		m.cacheLookups,
		m.rateLimitHits,
		m.configReloads,
		m.buildInfo,
		m.startTime,
	)

	m.registry.MustRegister(collectors.NewGoCollector())
	m.registry.MustRegister(
		collectors.NewProcessCollector(
			collectors.ProcessCollectorOpts{},
		),
	)
}

// RecordRequest records a completed proxied request.
// The route parameter is the matched route name, never the raw path.
func (m *Metrics) RecordRequest(
	method, route string,
	status int,
	duration time.Duration,
) {
	if m == nil {
		return
	}
	statusStr := strconv.Itoa(status)

	m.requestsTotal.WithLabelValues(
		method, route, statusStr,
	).Inc()
	m.requestDuration.WithLabelValues(
		method, route, statusStr,
	).Observe(duration.Seconds())
}

// RecordUpstreamAttempt records one attempt against a backend.
func (m *Metrics) RecordUpstreamAttempt(route, outcome string) {
	if m == nil {
		return
	}
	m.upstreamAttempts.WithLabelValues(route, outcome).Inc()
}

// RecordUpstreamError records a request that failed with the given kind.
func (m *Metrics) RecordUpstreamError(route, kind string) {
	if m == nil {
		return
	}
	m.upstreamErrors.WithLabelValues(route, kind).Inc()
}

// RecordRetry records a retried attempt.
func (m *Metrics) RecordRetry(route string) {
	if m == nil {
		return
	}
	m.retriesTotal.WithLabelValues(route).Inc()
}

// AddBackendConnections adjusts the in-flight gauge of a backend.
func (m *Metrics) AddBackendConnections(route, backend string, delta float64) {
	if m == nil {
		return
	}
	m.backendConnections.WithLabelValues(route, backend).Add(delta)
}

// SetBackendHealth sets the backend health status.
func (m *Metrics) SetBackendHealth(backend string, healthy bool) {
	if m == nil {
		return
	}
	value := 0.0
	if healthy {
		value = 1.0
	}
	m.backendHealth.WithLabelValues(backend).Set(value)
}

// DeleteBackend drops per-backend series of a removed backend.
func (m *Metrics) DeleteBackend(route, backend string) {
	if m == nil {
		return
	}
	m.backendHealth.DeleteLabelValues(backend)
	m.backendConnections.DeleteLabelValues(route, backend)
}

// RecordHealthProbe records a health probe result and duration.
func (m *Metrics) RecordHealthProbe(result string, duration time.Duration) {
	if m == nil {
		return
	}
	m.healthProbes.WithLabelValues(result).Inc()
	m.healthProbeDuration.WithLabelValues(result).Observe(duration.Seconds())
}

// RecordIngressEvent records a backend event emitted by a source.
func (m *Metrics) RecordIngressEvent(source, eventType string) {
	if m == nil {
		return
	}
	m.ingressEvents.WithLabelValues(source, eventType).Inc()
}

// RecordResolutionFailure records a dropped, unresolvable target.
func (m *Metrics) RecordResolutionFailure(source string) {
	if m == nil {
		return
	}
	m.resolutionFailures.WithLabelValues(source).Inc()
}

// RecordRelist records a full relist of a watched resource.
func (m *Metrics) RecordRelist(source string) {
	if m == nil {
		return
	}
	m.relists.WithLabelValues(source).Inc()
}

// RecordUnroutableEvent records an event dropped for lack of a route.
func (m *Metrics) RecordUnroutableEvent() {
	if m == nil {
		return
	}
	m.unroutableEvents.Inc()
}

// SetEventChannelDepth sets the number of queued events.
func (m *Metrics) SetEventChannelDepth(depth int) {
	if m == nil {
		return
	}
	m.eventChannelDepth.Set(float64(depth))
}

// SetCircuitBreakerState sets the circuit breaker state.
func (m *Metrics) SetCircuitBreakerState(name string, state int) {
	if m == nil {
		return
	}
	m.circuitBreaker.WithLabelValues(name).Set(float64(state))
}

// RecordCacheLookup records a response cache hit or miss.
func (m *Metrics) RecordCacheLookup(hit bool) {
	if m == nil {
		return
	}
	result := "miss"
	if hit {
		result = "hit"
	}
	m.cacheLookups.WithLabelValues(result).Inc()
}

// RecordRateLimitHit records a rejected request.
func (m *Metrics) RecordRateLimitHit() {
	if m == nil {
		return
	}
	m.rateLimitHits.Inc()
}

// RecordConfigReload records a configuration reload attempt.
func (m *Metrics) RecordConfigReload(success bool) {
	if m == nil {
		return
	}
	result := "success"
	if !success {
		result = "failure"
	}
	m.configReloads.WithLabelValues(result).Inc()
}

// SetBuildInfo sets the build information metric.
func (m *Metrics) SetBuildInfo(version, commit, buildTime string) {
	if m == nil {
		return
	}
	m.buildInfo.WithLabelValues(version, commit, buildTime).Set(1)
}

// Handler returns an HTTP handler for the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(
		m.registry,
		promhttp.HandlerOpts{EnableOpenMetrics: true},
	)
}

// Registry returns the Prometheus registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}
