package admin

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vyrodovalexey/flusso/internal/backend"
	"github.com/vyrodovalexey/flusso/internal/health"
	"github.com/vyrodovalexey/flusso/internal/observability"
	"github.com/vyrodovalexey/flusso/internal/router"
)

func newTestServer(t *testing.T) (*Server, *router.Table) {
	t.Helper()

	table := router.NewTable()
	api, err := table.AddRoute(router.RouteSpec{Name: "api", Prefix: "/api"})
	require.NoError(t, err)
	_, err = table.AddRoute(router.RouteSpec{Name: "web", Prefix: "/"})
	require.NoError(t, err)

	addr := backend.MustParseAddress("10.0.0.1:8080")
	api.Pool.AddBackend(addr)
	api.Pool.SetHealth(addr, backend.HealthHealthy)

	return NewServer(":0", table, health.NewHandler("test"), observability.NewMetrics("test")), table
}

func do(t *testing.T, h http.Handler, path string) *httptest.ResponseRecorder {
	t.Helper()

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	return rec
}

func TestServer_ListRoutes(t *testing.T) {
	t.Parallel()

	srv, _ := newTestServer(t)
	rec := do(t, srv.Handler(), "/api/v1/routes")
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Routes []struct {
			Name     string `json:"name"`
			Prefix   string `json:"prefix"`
			Strategy string `json:"strategy"`
			Backends []struct {
				Address           string `json:"address"`
				Health            string `json:"health"`
				ActiveConnections int64  `json:"activeConnections"`
			} `json:"backends"`
		} `json:"routes"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Len(t, body.Routes, 2)

	assert.Equal(t, "api", body.Routes[0].Name)
	assert.Equal(t, "/api", body.Routes[0].Prefix)
	require.Len(t, body.Routes[0].Backends, 1)
	assert.Equal(t, "10.0.0.1:8080", body.Routes[0].Backends[0].Address)
	assert.Equal(t, "healthy", body.Routes[0].Backends[0].Health)
	assert.Empty(t, body.Routes[1].Backends)
}

func TestServer_GetRoute(t *testing.T) {
	t.Parallel()

	srv, _ := newTestServer(t)

	rec := do(t, srv.Handler(), "/api/v1/routes/api")
	require.Equal(t, http.StatusOK, rec.Code)
	var snap router.RouteSnapshot
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &snap))
	assert.Equal(t, "api", snap.Name)
	require.Len(t, snap.Backends, 1)
	assert.Equal(t, backend.MustParseAddress("10.0.0.1:8080"), snap.Backends[0].Address)

	rec = do(t, srv.Handler(), "/api/v1/routes/missing")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Contains(t, rec.Body.String(), "route_not_found")
}

func TestServer_ProbesAndMetrics(t *testing.T) {
	t.Parallel()

	srv, _ := newTestServer(t)

	for _, path := range []string{"/healthz", "/livez", "/readyz", "/health"} {
		assert.Equal(t, http.StatusOK, do(t, srv.Handler(), path).Code, path)
	}

	rec := do(t, srv.Handler(), "/metrics")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "go_goroutines")
}

func TestServer_OptionalEndpoints(t *testing.T) {
	t.Parallel()

	srv := NewServer(":0", router.NewTable(), nil, nil)
	assert.Equal(t, http.StatusNotFound, do(t, srv.Handler(), "/metrics").Code)
	assert.Equal(t, http.StatusNotFound, do(t, srv.Handler(), "/readyz").Code)
}

func TestServer_StartStop(t *testing.T) {
	t.Parallel()

	srv := NewServer("127.0.0.1:0", router.NewTable(), health.NewHandler("test"), nil)
	assert.NoError(t, srv.Stop(context.Background()), "stop before start")

	done := make(chan error, 1)
	go func() { done <- srv.Start(context.Background()) }()

	require.Eventually(t, func() bool { return srv.Addr() != nil }, 2*time.Second, 5*time.Millisecond)

	resp, err := http.Get("http://" + srv.Addr().String() + "/livez")
	require.NoError(t, err)
	_, _ = io.Copy(io.Discard, resp.Body)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	require.NoError(t, srv.Stop(context.Background()))
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("server did not stop")
	}
}

func TestServer_StartListenError(t *testing.T) {
	t.Parallel()

	srv := NewServer("256.0.0.1:bad", router.NewTable(), nil, nil)
	assert.Error(t, srv.Start(context.Background()))
}
