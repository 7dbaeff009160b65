package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vyrodovalexey/flusso/internal/backend"
	"github.com/vyrodovalexey/flusso/internal/cache"
	"github.com/vyrodovalexey/flusso/internal/config"
	"github.com/vyrodovalexey/flusso/internal/router"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type fakeSource struct {
	kind   string
	synced atomic.Bool
}

func (s *fakeSource) Kind() string    { return s.kind }
func (s *fakeSource) HasSynced() bool { return s.synced.Load() }

func ok(name string) HealthCheck {
	return NewCheckFunc(name, func(context.Context) error { return nil })
}

func failing(name string) HealthCheck {
	return NewCheckFunc(name, func(context.Context) error { return errors.New(name + " down") })
}

func get(t *testing.T, h *Handler, path string) (*httptest.ResponseRecorder, HealthStatus) {
	t.Helper()

	engine := gin.New()
	h.RegisterRoutes(engine)

	rec := httptest.NewRecorder()
	engine.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))

	var status HealthStatus
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &status))
	return rec, status
}

func TestHandler_Readiness(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		critical   []HealthCheck
		optional   []HealthCheck
		draining   bool
		wantCode   int
		wantStatus string
	}{
		{name: "no checks", wantCode: http.StatusOK, wantStatus: StatusOK},
		{name: "all passing", critical: []HealthCheck{ok("a")}, optional: []HealthCheck{ok("b")}, wantCode: http.StatusOK, wantStatus: StatusOK},
		{name: "optional failing", critical: []HealthCheck{ok("a")}, optional: []HealthCheck{failing("b")}, wantCode: http.StatusOK, wantStatus: StatusDegraded},
		{name: "critical failing", critical: []HealthCheck{failing("a")}, optional: []HealthCheck{failing("b")}, wantCode: http.StatusServiceUnavailable, wantStatus: StatusError},
		{name: "draining", critical: []HealthCheck{ok("a")}, draining: true, wantCode: http.StatusServiceUnavailable, wantStatus: StatusDraining},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			h := NewHandler("v1")
			for _, c := range tt.critical {
				h.AddCheck(c, true)
			}
			for _, c := range tt.optional {
				h.AddCheck(c, false)
			}
			h.SetDraining(tt.draining)

			rec, status := get(t, h, "/readyz")
			assert.Equal(t, tt.wantCode, rec.Code)
			assert.Equal(t, tt.wantStatus, status.Status)
			assert.Len(t, status.Checks, len(tt.critical)+len(tt.optional))
		})
	}
}

func TestHandler_CheckResults(t *testing.T) {
	t.Parallel()

	h := NewHandler("v1")
	h.AddCheck(ok("a"), true)
	h.AddCheck(failing("b"), false)

	status := h.Run(context.Background())
	require.Contains(t, status.Checks, "a")
	require.Contains(t, status.Checks, "b")
	assert.Equal(t, StatusOK, status.Checks["a"].Status)
	assert.True(t, status.Checks["a"].Critical)
	assert.Equal(t, StatusDegraded, status.Checks["b"].Status)
	assert.Equal(t, "b down", status.Checks["b"].Error)
}

func TestHandler_CheckTimeout(t *testing.T) {
	t.Parallel()

	h := NewHandler("v1", WithCheckTimeout(20*time.Millisecond))
	h.AddCheck(NewCheckFunc("slow", func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	}), true)

	start := time.Now()
	status := h.Run(context.Background())
	assert.Less(t, time.Since(start), time.Second)
	assert.Equal(t, StatusError, status.Status)
}

func TestHandler_HealthAndLiveness(t *testing.T) {
	t.Parallel()

	h := NewHandler("v1.2.3")
	h.AddCheck(failing("a"), true)

	rec, status := get(t, h, "/health")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "v1.2.3", status.Version)
	assert.NotEmpty(t, status.Uptime)

	for _, path := range []string{"/healthz", "/livez"} {
		rec, status = get(t, h, path)
		assert.Equal(t, http.StatusOK, rec.Code, path)
		assert.Equal(t, StatusOK, status.Status, path)
	}
}

func TestSourceCheck(t *testing.T) {
	t.Parallel()

	src := &fakeSource{kind: "Ingress"}
	check := SourceCheck(src)
	assert.Equal(t, "source:ingress", check.Name())

	assert.Error(t, check.Check(context.Background()))
	src.synced.Store(true)
	assert.NoError(t, check.Check(context.Background()))
}

func TestBackendsCheck(t *testing.T) {
	t.Parallel()

	table := router.NewTable()
	route, err := table.AddRoute(router.RouteSpec{Name: "api", Prefix: "/api"})
	require.NoError(t, err)

	check := BackendsCheck(table)
	require.Error(t, check.Check(context.Background()))

	addr := backend.MustParseAddress("10.0.0.1:80")
	route.Pool.AddBackend(addr)
	assert.NoError(t, check.Check(context.Background()), "unknown health is selectable")

	route.Pool.SetHealth(addr, backend.HealthUnhealthy)
	err = check.Check(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "api")
}

func TestCacheCheck(t *testing.T) {
	t.Parallel()

	c, err := cache.New(&config.CacheConfig{Enabled: true, Type: config.CacheTypeMemory})
	require.NoError(t, err)
	defer c.Close()
	assert.NoError(t, CacheCheck(c).Check(context.Background()))

	disabled, err := cache.New(&config.CacheConfig{})
	require.NoError(t, err)
	assert.ErrorIs(t, CacheCheck(disabled).Check(context.Background()), cache.ErrCacheDisabled)
}
