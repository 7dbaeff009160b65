package router

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/vyrodovalexey/flusso/internal/backend"
	"github.com/vyrodovalexey/flusso/internal/config"
	"github.com/vyrodovalexey/flusso/internal/observability"
	"github.com/vyrodovalexey/flusso/internal/retry"
)

// ErrNoRoute is returned when no route prefix matches a path.
var ErrNoRoute = errors.New("no route")

// DefaultTimeout bounds one backend attempt when a route sets none.
const DefaultTimeout = 30 * time.Second

// Policy is the per-request behavior of a route.
type Policy struct {
	Retry   *retry.Policy
	Timeout time.Duration
}

// Route binds a path prefix to a backend pool.
type Route struct {
	Name     string
	Prefix   string
	Pool     *backend.Registry
	Balancer backend.LoadBalancer

	policy atomic.Pointer[Policy]
}

// Policy returns the current retry policy and timeout of the route. The
// returned value must be treated as read-only.
func (r *Route) Policy() *Policy {
	return r.policy.Load()
}

// setPolicy replaces the policy; requests already running keep theirs.
func (r *Route) setPolicy(p Policy) {
	if p.Retry == nil {
		p.Retry = retry.DefaultPolicy()
	}
	if p.Timeout <= 0 {
		p.Timeout = DefaultTimeout
	}
	r.policy.Store(&p)
}

// RouteSpec describes a route to register.
type RouteSpec struct {
	Name     string
	Prefix   string
	Balancer backend.LoadBalancer
	Policy   Policy
}

// RouteSnapshot is the admin view of one route.
type RouteSnapshot struct {
	Name     string          `json:"name"`
	Prefix   string          `json:"prefix"`
	Strategy string          `json:"strategy"`
	Backends []backend.State `json:"backends"`
}

// Table is the ordered set of routes.
type Table struct {
	logger  observability.Logger
	metrics *observability.Metrics

	mu     sync.RWMutex
	routes []*Route
}

// TableOption is a functional option for configuring a table.
type TableOption func(*Table)

// WithLogger sets the logger for the table and its pools.
func WithLogger(logger observability.Logger) TableOption {
	return func(t *Table) {
		t.logger = logger
	}
}

// WithMetrics sets the metrics collector for the pools.
func WithMetrics(metrics *observability.Metrics) TableOption {
	return func(t *Table) {
		t.metrics = metrics
	}
}

// NewTable creates an empty route table.
func NewTable(opts ...TableOption) *Table {
	t := &Table{
		logger: observability.NopLogger(),
	}

	for _, opt := range opts {
		opt(t)
	}

	return t
}

// AddRoute registers a route with an empty pool.
func (t *Table) AddRoute(spec RouteSpec) (*Route, error) {
	if !strings.HasPrefix(spec.Prefix, "/") {
		return nil, fmt.Errorf("route %q: prefix %q must start with '/'", spec.Name, spec.Prefix)
	}

	balancer := spec.Balancer
	if balancer == nil {
		balancer = backend.RoundRobinBalancer{}
	}

	route := &Route{
		Name:     spec.Name,
		Prefix:   spec.Prefix,
		Balancer: balancer,
		Pool: backend.NewRegistry(spec.Name,
			backend.WithRegistryLogger(t.logger),
			backend.WithRegistryMetrics(t.metrics),
		),
	}
	route.setPolicy(spec.Policy)

	t.mu.Lock()
	defer t.mu.Unlock()

	for _, existing := range t.routes {
		if existing.Prefix == route.Prefix {
			t.logger.Warn("route prefix already registered, earlier route wins",
				observability.String("prefix", route.Prefix),
				observability.String("route", route.Name),
				observability.String("winner", existing.Name),
			)
			break
		}
	}

	t.routes = append(t.routes, route)

	t.logger.Info("route registered",
		observability.String("route", route.Name),
		observability.String("prefix", route.Prefix),
		observability.String("strategy", string(balancer.Strategy())),
	)

	return route, nil
}

// Match returns the route with the longest prefix matching path. Among
// equal prefixes the earliest registered route wins.
func (t *Table) Match(path string) (*Route, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	var best *Route
	for _, route := range t.routes {
		if !matchPrefix(route.Prefix, path) {
			continue
		}
		if best == nil || len(route.Prefix) > len(best.Prefix) {
			best = route
		}
	}

	if best == nil {
		return nil, ErrNoRoute
	}
	return best, nil
}

// Lookup returns the earliest registered route with exactly this prefix.
func (t *Table) Lookup(prefix string) (*Route, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	for _, route := range t.routes {
		if route.Prefix == prefix {
			return route, true
		}
	}
	return nil, false
}

// Route returns the route with the given name.
func (t *Table) Route(name string) (*Route, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	for _, route := range t.routes {
		if route.Name == name {
			return route, true
		}
	}
	return nil, false
}

// Routes returns the routes in registration order.
func (t *Table) Routes() []*Route {
	t.mu.RLock()
	defer t.mu.RUnlock()

	routes := make([]*Route, len(t.routes))
	copy(routes, t.routes)
	return routes
}

// Pools returns the pool of every route. It implements backend.PoolSource.
func (t *Table) Pools() []*backend.Registry {
	t.mu.RLock()
	defer t.mu.RUnlock()

	pools := make([]*backend.Registry, len(t.routes))
	for i, route := range t.routes {
		pools[i] = route.Pool
	}
	return pools
}

// UpdatePolicy replaces the policy of the route with the given prefix.
func (t *Table) UpdatePolicy(prefix string, p Policy) bool {
	route, ok := t.Lookup(prefix)
	if !ok {
		return false
	}
	route.setPolicy(p)
	return true
}

// Snapshot returns the backends of every route.
func (t *Table) Snapshot() []RouteSnapshot {
	routes := t.Routes()

	snaps := make([]RouteSnapshot, len(routes))
	for i, route := range routes {
		snaps[i] = snapshotOf(route)
	}
	return snaps
}

// SnapshotRoute returns the backends of the named route.
func (t *Table) SnapshotRoute(name string) (RouteSnapshot, bool) {
	route, ok := t.Route(name)
	if !ok {
		return RouteSnapshot{}, false
	}
	return snapshotOf(route), true
}

func snapshotOf(route *Route) RouteSnapshot {
	return RouteSnapshot{
		Name:     route.Name,
		Prefix:   route.Prefix,
		Strategy: string(route.Balancer.Strategy()),
		Backends: route.Pool.Snapshot(),
	}
}

// FromConfig builds a table from the configured routes and seeds static
// backends. Static backends start healthy when active health checking is
// disabled, since nothing else would ever mark them.
func FromConfig(cfg *config.Config, opts ...TableOption) (*Table, error) {
	t := NewTable(opts...)

	for i := range cfg.Routes {
		rc := &cfg.Routes[i]

		policy, err := PolicyFromConfig(cfg, rc)
		if err != nil {
			return nil, err
		}

		balancer, err := backend.NewLoadBalancer(cfg.RouteStrategy(rc))
		if err != nil {
			return nil, fmt.Errorf("route %q: %w", rc.Name, err)
		}

		route, err := t.AddRoute(RouteSpec{
			Name:     rc.Name,
			Prefix:   rc.PathPrefix,
			Balancer: balancer,
			Policy:   policy,
		})
		if err != nil {
			return nil, err
		}

		for _, raw := range rc.Backends {
			addr, err := backend.ParseAddress(raw)
			if err != nil {
				return nil, fmt.Errorf("route %q: %w", rc.Name, err)
			}
			route.Pool.AddBackend(addr)
			if !cfg.HealthCheck.Enabled {
				route.Pool.SetHealth(addr, backend.HealthHealthy)
			}
		}
	}

	return t, nil
}

// PolicyFromConfig builds the effective policy of a configured route.
func PolicyFromConfig(cfg *config.Config, rc *config.RouteConfig) (Policy, error) {
	rp, err := retry.NewPolicy(cfg.RouteRetry(rc))
	if err != nil {
		return Policy{}, fmt.Errorf("route %q: %w", rc.Name, err)
	}
	return Policy{Retry: rp, Timeout: cfg.RouteTimeout(rc)}, nil
}

// ApplyConfig updates the policies of existing routes from a reloaded
// configuration. Routes are matched by prefix; added or removed routes
// are reported and take effect only after a restart.
func (t *Table) ApplyConfig(cfg *config.Config) (updated int, err error) {
	seen := make(map[string]bool, len(cfg.Routes))

	for i := range cfg.Routes {
		rc := &cfg.Routes[i]
		seen[rc.PathPrefix] = true

		policy, perr := PolicyFromConfig(cfg, rc)
		if perr != nil {
			return updated, perr
		}
		if t.UpdatePolicy(rc.PathPrefix, policy) {
			updated++
			continue
		}
		t.logger.Warn("new route in configuration requires restart",
			observability.String("route", rc.Name),
			observability.String("prefix", rc.PathPrefix),
		)
	}

	for _, route := range t.Routes() {
		if !seen[route.Prefix] {
			t.logger.Warn("route removed from configuration stays active until restart",
				observability.String("route", route.Name),
				observability.String("prefix", route.Prefix),
			)
		}
	}

	return updated, nil
}
