package health

import (
	"context"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/vyrodovalexey/flusso/internal/observability"
)

// Status values reported by the handler.
const (
	StatusOK       = "ok"
	StatusDegraded = "degraded"
	StatusError    = "error"
	StatusDraining = "draining"
)

// DefaultCheckTimeout bounds a full round of checks.
const DefaultCheckTimeout = 5 * time.Second

// HealthCheck is one named check.
type HealthCheck interface {
	Name() string
	Check(ctx context.Context) error
}

// HealthStatus is the JSON body of the readiness and health endpoints.
type HealthStatus struct {
	Status    string                  `json:"status"`
	Version   string                  `json:"version,omitempty"`
	Uptime    string                  `json:"uptime,omitempty"`
	Timestamp time.Time               `json:"timestamp"`
	Checks    map[string]*CheckResult `json:"checks,omitempty"`
}

// CheckResult is the outcome of one check.
type CheckResult struct {
	Status   string `json:"status"`
	Critical bool   `json:"critical"`
	Error    string `json:"error,omitempty"`
	Duration string `json:"duration"`
}

type registeredCheck struct {
	check    HealthCheck
	critical bool
}

// Handler runs registered checks and serves them over gin.
type Handler struct {
	logger    observability.Logger
	version   string
	startTime time.Time
	timeout   time.Duration
	draining  atomic.Bool

	mu     sync.RWMutex
	checks []registeredCheck
}

// Option configures a Handler.
type Option func(*Handler)

// WithLogger sets the handler logger.
func WithLogger(logger observability.Logger) Option {
	return func(h *Handler) {
		h.logger = logger
	}
}

// WithCheckTimeout bounds a round of checks.
func WithCheckTimeout(timeout time.Duration) Option {
	return func(h *Handler) {
		h.timeout = timeout
	}
}

// NewHandler creates a handler reporting the given version.
func NewHandler(version string, opts ...Option) *Handler {
	h := &Handler{
		logger:    observability.NopLogger(),
		version:   version,
		startTime: time.Now(),
		timeout:   DefaultCheckTimeout,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// AddCheck registers a check. A failing critical check fails readiness.
func (h *Handler) AddCheck(check HealthCheck, critical bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.checks = append(h.checks, registeredCheck{check: check, critical: critical})
}

// SetDraining marks the process as shutting down; readiness then fails so
// load balancers stop sending new connections.
func (h *Handler) SetDraining(draining bool) {
	h.draining.Store(draining)
}

// IsDraining reports whether the process is shutting down.
func (h *Handler) IsDraining() bool {
	return h.draining.Load()
}

// Run executes every check and aggregates the result.
func (h *Handler) Run(ctx context.Context) *HealthStatus {
	ctx, cancel := context.WithTimeout(ctx, h.timeout)
	defer cancel()

	h.mu.RLock()
	checks := make([]registeredCheck, len(h.checks))
	copy(checks, h.checks)
	h.mu.RUnlock()

	status := &HealthStatus{
		Status:    StatusOK,
		Timestamp: time.Now().UTC(),
		Checks:    make(map[string]*CheckResult, len(checks)),
	}

	var (
		wg sync.WaitGroup
		mu sync.Mutex
	)
	for _, rc := range checks {
		wg.Add(1)
		go func(rc registeredCheck) {
			defer wg.Done()

			start := time.Now()
			err := rc.check.Check(ctx)
			duration := time.Since(start)

			result := &CheckResult{
				Status:   StatusOK,
				Critical: rc.critical,
				Duration: duration.String(),
			}

			mu.Lock()
			defer mu.Unlock()

			if err != nil {
				result.Error = err.Error()
				if rc.critical {
					result.Status = StatusError
					status.Status = StatusError
				} else {
					result.Status = StatusDegraded
					if status.Status == StatusOK {
						status.Status = StatusDegraded
					}
				}
				h.logger.Debug("health check failed",
					observability.String("check", rc.check.Name()),
					observability.Bool("critical", rc.critical),
					observability.Error(err),
					observability.Duration("duration", duration),
				)
			}
			status.Checks[rc.check.Name()] = result
		}(rc)
	}
	wg.Wait()

	if h.IsDraining() {
		status.Status = StatusDraining
	}
	return status
}

// LivenessHandler reports that the process is running.
func (h *Handler) LivenessHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":    StatusOK,
			"timestamp": time.Now().UTC(),
		})
	}
}

// ReadinessHandler reports whether the process should receive traffic.
func (h *Handler) ReadinessHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		status := h.Run(c.Request.Context())
		c.JSON(statusCode(status), status)
	}
}

// HealthHandler reports every check along with version and uptime.
func (h *Handler) HealthHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		status := h.Run(c.Request.Context())
		status.Version = h.version
		status.Uptime = time.Since(h.startTime).Round(time.Second).String()
		c.JSON(statusCode(status), status)
	}
}

// RegisterRoutes registers the probe routes on a gin router.
func (h *Handler) RegisterRoutes(r gin.IRouter) {
	r.GET("/health", h.HealthHandler())
	r.GET("/healthz", h.LivenessHandler())
	r.GET("/livez", h.LivenessHandler())
	r.GET("/readyz", h.ReadinessHandler())
}

func statusCode(status *HealthStatus) int {
	switch status.Status {
	case StatusOK, StatusDegraded:
		return http.StatusOK
	default:
		return http.StatusServiceUnavailable
	}
}
