package backend

import (
	"context"
	"io"
	"net/http"
	"sync"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/connectivity"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/vyrodovalexey/flusso/internal/config"
	"github.com/vyrodovalexey/flusso/internal/observability"
)

// Health check default configuration constants.
const (
	// DefaultHealthCheckTimeout is the default timeout of one probe.
	DefaultHealthCheckTimeout = 5 * time.Second

	// DefaultHealthCheckInterval is the default interval between rounds.
	DefaultHealthCheckInterval = 10 * time.Second

	// DefaultHealthyThreshold is the default number of consecutive
	// successes that mark a backend healthy.
	DefaultHealthyThreshold = 1

	// DefaultUnhealthyThreshold is the default number of consecutive
	// failures that mark a backend unhealthy.
	DefaultUnhealthyThreshold = 3

	// DefaultHealthCheckPath is probed when no path is configured.
	DefaultHealthCheckPath = "/healthz"

	// maxProbeDrainBytes bounds how much of a probe body is read.
	maxProbeDrainBytes = 64 << 10
)

// PoolSource yields the pools whose backends are probed.
type PoolSource interface {
	Pools() []*Registry
}

// Pools is a fixed PoolSource.
type Pools []*Registry

// Pools implements PoolSource.
func (p Pools) Pools() []*Registry {
	return p
}

// HealthStatusFunc is called when a backend's health changes.
type HealthStatusFunc func(addr Address, health Health)

// probeState tracks consecutive results of one backend.
type probeState struct {
	successes int
	failures  int
	health    Health
}

// HealthChecker periodically probes every backend of every pool and
// updates its health. It never removes a backend.
type HealthChecker struct {
	source             PoolSource
	path               string
	interval           time.Duration
	timeout            time.Duration
	healthyThreshold   int
	unhealthyThreshold int
	useGRPC            bool
	grpcService        string

	client         *http.Client
	logger         observability.Logger
	metrics        *observability.Metrics
	onStatusChange HealthStatusFunc

	mu        sync.Mutex
	states    map[Address]*probeState
	running   bool
	stopCh    chan struct{}
	stoppedCh chan struct{}

	grpcMu    sync.Mutex
	grpcConns map[string]*grpc.ClientConn
}

// HealthCheckOption is a functional option for configuring the health checker.
type HealthCheckOption func(*HealthChecker)

// WithHealthCheckLogger sets the logger for the health checker.
func WithHealthCheckLogger(logger observability.Logger) HealthCheckOption {
	return func(hc *HealthChecker) {
		hc.logger = logger
	}
}

// WithHealthCheckClient sets the HTTP client used for probes.
func WithHealthCheckClient(client *http.Client) HealthCheckOption {
	return func(hc *HealthChecker) {
		hc.client = client
	}
}

// WithHealthCheckMetrics sets the metrics collector.
func WithHealthCheckMetrics(metrics *observability.Metrics) HealthCheckOption {
	return func(hc *HealthChecker) {
		hc.metrics = metrics
	}
}

// WithHealthStatusCallback sets a callback for health transitions.
func WithHealthStatusCallback(fn HealthStatusFunc) HealthCheckOption {
	return func(hc *HealthChecker) {
		hc.onStatusChange = fn
	}
}

// NewHealthChecker creates a health checker over the pools of source.
func NewHealthChecker(source PoolSource, cfg config.HealthCheckConfig, opts ...HealthCheckOption) *HealthChecker {
	hc := &HealthChecker{
		source:             source,
		path:               cfg.Path,
		interval:           cfg.Interval.Duration(),
		timeout:            cfg.Timeout.Duration(),
		healthyThreshold:   cfg.HealthyThreshold,
		unhealthyThreshold: cfg.UnhealthyThreshold,
		useGRPC:            cfg.UseGRPC,
		grpcService:        cfg.GRPCService,
		client:             &http.Client{},
		logger:             observability.NopLogger(),
		states:             make(map[Address]*probeState),
		grpcConns:          make(map[string]*grpc.ClientConn),
	}

	if hc.path == "" {
		hc.path = DefaultHealthCheckPath
	}
	if hc.interval <= 0 {
		hc.interval = DefaultHealthCheckInterval
	}
	if hc.timeout <= 0 {
		hc.timeout = DefaultHealthCheckTimeout
	}
	if hc.healthyThreshold <= 0 {
		hc.healthyThreshold = DefaultHealthyThreshold
	}
	if hc.unhealthyThreshold <= 0 {
		hc.unhealthyThreshold = DefaultUnhealthyThreshold
	}

	for _, opt := range opts {
		opt(hc)
	}

	return hc
}

// Start starts the probe loop. A stopped checker may be started again.
func (hc *HealthChecker) Start(ctx context.Context) {
	hc.mu.Lock()
	if hc.running {
		hc.mu.Unlock()
		return
	}
	hc.running = true
	stopCh := make(chan struct{})
	stoppedCh := make(chan struct{})
	hc.stopCh = stopCh
	hc.stoppedCh = stoppedCh
	hc.mu.Unlock()

	go hc.run(ctx, stopCh, stoppedCh)
}

// Stop stops the probe loop and waits for the current round to finish.
func (hc *HealthChecker) Stop() {
	hc.mu.Lock()
	if !hc.running {
		hc.mu.Unlock()
		return
	}
	hc.running = false
	stopCh, stoppedCh := hc.stopCh, hc.stoppedCh
	hc.mu.Unlock()

	close(stopCh)
	<-stoppedCh
	hc.closeAllGRPCConns()
}

// IsRunning returns true if the health checker is running.
func (hc *HealthChecker) IsRunning() bool {
	hc.mu.Lock()
	defer hc.mu.Unlock()
	return hc.running
}

// run is the main health check loop.
func (hc *HealthChecker) run(ctx context.Context, stopCh <-chan struct{}, stoppedCh chan<- struct{}) {
	defer close(stoppedCh)

	ticker := time.NewTicker(hc.interval)
	defer ticker.Stop()

	hc.CheckAll(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		case <-ticker.C:
			hc.CheckAll(ctx)
		}
	}
}

// CheckAll runs one probe round. Every distinct backend address is probed
// once, concurrently, each under its own timeout.
func (hc *HealthChecker) CheckAll(ctx context.Context) {
	targets := make(map[Address][]*Registry)
	for _, pool := range hc.source.Pools() {
		for _, addr := range pool.Addresses() {
			targets[addr] = append(targets[addr], pool)
		}
	}

	hc.forgetAbsent(targets)

	var wg sync.WaitGroup
	for addr, pools := range targets {
		wg.Add(1)
		go func(addr Address, pools []*Registry) {
			defer wg.Done()
			hc.checkBackend(ctx, addr, pools)
		}(addr, pools)
	}
	wg.Wait()
}

// forgetAbsent drops probe counters of addresses no longer in any pool,
// so a backend that returns later starts from a clean slate.
func (hc *HealthChecker) forgetAbsent(present map[Address][]*Registry) {
	var gone []string

	hc.mu.Lock()
	for addr := range hc.states {
		if _, ok := present[addr]; !ok {
			delete(hc.states, addr)
			gone = append(gone, addr.String())
		}
	}
	hc.mu.Unlock()

	hc.grpcMu.Lock()
	defer hc.grpcMu.Unlock()
	for _, target := range gone {
		hc.closeGRPCConn(target)
	}
}

// checkBackend probes one backend and records the result.
func (hc *HealthChecker) checkBackend(ctx context.Context, addr Address, pools []*Registry) {
	if ctx.Err() != nil {
		return
	}

	probeCtx, cancel := context.WithTimeout(ctx, hc.timeout)
	defer cancel()

	start := time.Now()
	var err error
	if hc.useGRPC {
		err = hc.probeGRPC(probeCtx, addr)
	} else {
		err = hc.probeHTTP(probeCtx, addr)
	}
	duration := time.Since(start)

	// Shutdown is not a backend failure.
	if ctx.Err() != nil {
		return
	}

	if err != nil {
		hc.metrics.RecordHealthProbe("failure", duration)
		hc.record(addr, pools, false, err)
		return
	}
	hc.metrics.RecordHealthProbe("success", duration)
	hc.record(addr, pools, true, nil)
}

// probeHTTP issues GET <path> and expects a 2xx status.
func (hc *HealthChecker) probeHTTP(ctx context.Context, addr Address) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, addr.URL("http")+hc.path, http.NoBody)
	if err != nil {
		return err
	}

	resp, err := hc.client.Do(req)
	if err != nil {
		return err
	}
	defer func() {
		// Drain so the keep-alive connection returns to the pool.
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxProbeDrainBytes))
		_ = resp.Body.Close()
	}()

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		return &ProbeStatusError{StatusCode: resp.StatusCode}
	}
	return nil
}

// probeGRPC calls grpc.health.v1.Health/Check and expects SERVING.
func (hc *HealthChecker) probeGRPC(ctx context.Context, addr Address) error {
	target := addr.String()

	conn, err := hc.getGRPCConn(target)
	if err != nil {
		return err
	}

	resp, err := healthpb.NewHealthClient(conn).Check(ctx, &healthpb.HealthCheckRequest{
		Service: hc.grpcService,
	})
	if err != nil {
		hc.grpcMu.Lock()
		hc.closeGRPCConn(target)
		hc.grpcMu.Unlock()
		return err
	}

	if resp.GetStatus() != healthpb.HealthCheckResponse_SERVING {
		return &ProbeStatusError{GRPCStatus: resp.GetStatus().String()}
	}
	return nil
}

// record updates the consecutive counters of addr and applies the
// resulting health to every pool holding it.
func (hc *HealthChecker) record(addr Address, pools []*Registry, success bool, probeErr error) {
	hc.mu.Lock()
	st, ok := hc.states[addr]
	if !ok {
		st = &probeState{health: HealthUnknown}
		hc.states[addr] = st
	}

	previous := st.health
	if success {
		st.successes++
		st.failures = 0
		if st.successes >= hc.healthyThreshold {
			st.health = HealthHealthy
		}
	} else {
		st.failures++
		st.successes = 0
		if st.failures >= hc.unhealthyThreshold {
			st.health = HealthUnhealthy
		}
	}
	current := st.health
	hc.mu.Unlock()

	if current == HealthUnknown {
		return
	}

	for _, pool := range pools {
		pool.SetHealth(addr, current)
	}

	if current == previous {
		return
	}

	hc.metrics.SetBackendHealth(addr.String(), current == HealthHealthy)

	if current == HealthHealthy {
		hc.logger.Info("backend became healthy",
			observability.String("address", addr.String()),
		)
	} else {
		hc.logger.Warn("backend became unhealthy",
			observability.String("address", addr.String()),
			observability.Error(probeErr),
		)
	}

	if hc.onStatusChange != nil {
		hc.onStatusChange(addr, current)
	}
}

// getGRPCConn returns a pooled gRPC connection for the address.
func (hc *HealthChecker) getGRPCConn(target string) (*grpc.ClientConn, error) {
	hc.grpcMu.Lock()
	defer hc.grpcMu.Unlock()

	if conn, ok := hc.grpcConns[target]; ok {
		state := conn.GetState()
		if state != connectivity.Shutdown && state != connectivity.TransientFailure {
			return conn, nil
		}
		hc.closeGRPCConn(target)
	}

	conn, err := grpc.NewClient(target, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, err
	}

	hc.grpcConns[target] = conn
	return conn, nil
}

// closeGRPCConn closes and forgets a pooled connection.
// Must be called with hc.grpcMu held.
func (hc *HealthChecker) closeGRPCConn(target string) {
	conn, ok := hc.grpcConns[target]
	if !ok {
		return
	}
	if err := conn.Close(); err != nil {
		hc.logger.Warn("failed to close gRPC connection",
			observability.String("addr", target),
			observability.Error(err),
		)
	}
	delete(hc.grpcConns, target)
}

// closeAllGRPCConns closes all pooled gRPC connections.
func (hc *HealthChecker) closeAllGRPCConns() {
	hc.grpcMu.Lock()
	defer hc.grpcMu.Unlock()

	for target := range hc.grpcConns {
		hc.closeGRPCConn(target)
	}
}

// ProbeStatusError reports a probe that reached the backend but got an
// unhealthy answer.
type ProbeStatusError struct {
	StatusCode int
	GRPCStatus string
}

// Error implements the error interface.
func (e *ProbeStatusError) Error() string {
	if e.GRPCStatus != "" {
		return "health check returned gRPC status " + e.GRPCStatus
	}
	return "health check returned HTTP status " + http.StatusText(e.StatusCode)
}
