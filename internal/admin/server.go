// Package admin serves the operator-facing HTTP surface: route and
// backend snapshots, health probes and Prometheus metrics.
package admin

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/vyrodovalexey/flusso/internal/health"
	"github.com/vyrodovalexey/flusso/internal/observability"
	"github.com/vyrodovalexey/flusso/internal/router"
)

// ginModeOnce ensures gin.SetMode is only called once.
var ginModeOnce sync.Once

const (
	readHeaderTimeout = 10 * time.Second
	idleTimeout       = 120 * time.Second
)

// Routes exposes the routing table state served under /api/v1/routes.
type Routes interface {
	Snapshot() []router.RouteSnapshot
	SnapshotRoute(name string) (router.RouteSnapshot, bool)
}

// Server is the admin HTTP server.
type Server struct {
	address string
	engine  *gin.Engine
	logger  observability.Logger

	mu         sync.Mutex
	httpServer *http.Server
	listener   net.Listener
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the server logger.
func WithLogger(logger observability.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

// NewServer creates an admin server. A nil health handler or metrics
// omits the corresponding endpoints.
func NewServer(
	address string,
	routes Routes,
	probes *health.Handler,
	metrics *observability.Metrics,
	opts ...Option,
) *Server {
	ginModeOnce.Do(func() {
		gin.SetMode(gin.ReleaseMode)
	})

	s := &Server{
		address: address,
		engine:  gin.New(),
		logger:  observability.NopLogger(),
	}
	for _, opt := range opts {
		opt(s)
	}

	s.engine.Use(gin.Recovery(), s.accessLog())

	api := s.engine.Group("/api/v1")
	api.GET("/routes", listRoutes(routes))
	api.GET("/routes/:name", getRoute(routes))

	if probes != nil {
		probes.RegisterRoutes(s.engine)
	}
	if metrics != nil {
		s.engine.GET("/metrics", gin.WrapH(metrics.Handler()))
	}

	return s
}

// Handler returns the server's HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.engine
}

// Start listens on the configured address and serves until Stop is
// called. It returns nil after a clean shutdown.
func (s *Server) Start(ctx context.Context) error {
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", s.address)
	if err != nil {
		return fmt.Errorf("admin listen on %s: %w", s.address, err)
	}

	srv := &http.Server{
		Handler:           s.engine,
		ReadHeaderTimeout: readHeaderTimeout,
		IdleTimeout:       idleTimeout,
	}

	s.mu.Lock()
	s.httpServer = srv
	s.listener = ln
	s.mu.Unlock()

	s.logger.Info("starting admin server",
		observability.String("address", ln.Addr().String()))

	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("admin server: %w", err)
	}
	return nil
}

// Addr returns the bound address once Start is listening.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Stop shuts the server down gracefully.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	srv := s.httpServer
	s.mu.Unlock()

	if srv == nil {
		return nil
	}

	s.logger.Info("stopping admin server")
	if err := srv.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown admin server: %w", err)
	}
	return nil
}

func (s *Server) accessLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.logger.Debug("admin request",
			observability.String("method", c.Request.Method),
			observability.String("path", c.Request.URL.Path),
			observability.Int("status", c.Writer.Status()),
			observability.Duration("duration", time.Since(start)),
		)
	}
}
