package observability

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewMetrics(t *testing.T) {
	t.Parallel()

	m := NewMetrics("")
	require.NotNil(t, m)
	assert.NotNil(t, m.Registry())
}

func TestMetrics_RecordRequest(t *testing.T) {
	t.Parallel()

	m := NewMetrics("test")
	m.RecordRequest(http.MethodGet, "api", http.StatusOK, 10*time.Millisecond)
	m.RecordRequest(http.MethodGet, "api", http.StatusOK, 20*time.Millisecond)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.requestsTotal.WithLabelValues("GET", "api", "200")))
}

func TestMetrics_Counters(t *testing.T) {
	t.Parallel()

	m := NewMetrics("test")

	m.RecordUpstreamAttempt("api", "success")
	m.RecordUpstreamError("api", "backend_timeout")
	m.RecordRetry("api")
	m.RecordRetry("api")
	m.RecordIngressEvent("Ingress", "add")
	m.RecordResolutionFailure("Ingress")
	m.RecordRelist("Ingress")
	m.RecordUnroutableEvent()
	m.RecordCacheLookup(true)
	m.RecordCacheLookup(false)
	m.RecordRateLimitHit()
	m.RecordConfigReload(false)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.upstreamAttempts.WithLabelValues("api", "success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.upstreamErrors.WithLabelValues("api", "backend_timeout")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.retriesTotal.WithLabelValues("api")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ingressEvents.WithLabelValues("Ingress", "add")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.resolutionFailures.WithLabelValues("Ingress")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.relists.WithLabelValues("Ingress")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.unroutableEvents))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.cacheLookups.WithLabelValues("hit")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.cacheLookups.WithLabelValues("miss")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.rateLimitHits))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.configReloads.WithLabelValues("failure")))
}

func TestMetrics_Gauges(t *testing.T) {
	t.Parallel()

	m := NewMetrics("test")

	m.AddBackendConnections("api", "10.0.0.1:80", 1)
	m.AddBackendConnections("api", "10.0.0.1:80", 1)
	m.AddBackendConnections("api", "10.0.0.1:80", -1)
	m.SetBackendHealth("10.0.0.1:80", true)
	m.SetEventChannelDepth(7)
	m.SetCircuitBreakerState("10.0.0.1:80", 2)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.backendConnections.WithLabelValues("api", "10.0.0.1:80")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.backendHealth.WithLabelValues("10.0.0.1:80")))
	assert.Equal(t, 7.0, testutil.ToFloat64(m.eventChannelDepth))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.circuitBreaker.WithLabelValues("10.0.0.1:80")))

	m.DeleteBackend("api", "10.0.0.1:80")
	assert.Equal(t, 0, testutil.CollectAndCount(m.backendHealth))
}

func TestMetrics_NilReceiver(t *testing.T) {
	t.Parallel()

	var m *Metrics
	assert.NotPanics(t, func() {
		m.RecordRequest("GET", "api", 200, time.Millisecond)
		m.RecordRetry("api")
		m.AddBackendConnections("api", "a", 1)
		m.SetBackendHealth("a", false)
		m.RecordHealthProbe("success", time.Millisecond)
		m.RecordIngressEvent("Ingress", "add")
		m.RecordUnroutableEvent()
		m.SetEventChannelDepth(1)
		m.RecordCacheLookup(true)
	})
}

func TestMetrics_Handler(t *testing.T) {
	t.Parallel()

	m := NewMetrics("test")
	m.RecordHealthProbe("success", 5*time.Millisecond)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "test_health_probes_total")
	assert.Contains(t, string(body), "go_goroutines")
}
