package backend

import (
	"crypto/rand"
	"encoding/binary"
	"errors"
	"sync"

	"github.com/vyrodovalexey/flusso/internal/observability"
)

// ErrNoBackendAvailable is returned when a pool has no selectable backend.
var ErrNoBackendAvailable = errors.New("no backend available")

// Health represents the health of a backend.
type Health int32

const (
	// HealthUnknown means the backend has not been probed yet.
	HealthUnknown Health = iota
	// HealthHealthy means the backend passed its health checks.
	HealthHealthy
	// HealthUnhealthy means the backend failed its health checks.
	HealthUnhealthy
)

// String returns the string representation of the health.
func (h Health) String() string {
	switch h {
	case HealthHealthy:
		return "healthy"
	case HealthUnhealthy:
		return "unhealthy"
	default:
		return "unknown"
	}
}

// selectable reports whether a backend in this state may receive traffic.
// Unknown backends are selectable so that a freshly discovered backend
// serves before its first probe completes.
func (h Health) selectable() bool {
	return h != HealthUnhealthy
}

// State is a point-in-time copy of one backend's bookkeeping.
type State struct {
	Address           Address `json:"address"`
	Health            Health  `json:"-"`
	HealthName        string  `json:"health"`
	ActiveConnections int64   `json:"activeConnections"`
}

type entry struct {
	addr   Address
	health Health
	conns  int64
}

// Registry is the backend pool of one route.
type Registry struct {
	name    string
	logger  observability.Logger
	metrics *observability.Metrics

	mu      sync.Mutex
	entries []*entry
	index   map[Address]*entry
	cursor  int
}

// RegistryOption is a functional option for configuring a registry.
type RegistryOption func(*Registry)

// WithRegistryLogger sets the logger for the registry.
func WithRegistryLogger(logger observability.Logger) RegistryOption {
	return func(r *Registry) {
		r.logger = logger
	}
}

// WithRegistryMetrics sets the metrics collector for the registry.
func WithRegistryMetrics(metrics *observability.Metrics) RegistryOption {
	return func(r *Registry) {
		r.metrics = metrics
	}
}

// NewRegistry creates an empty pool. The name labels logs and metrics.
func NewRegistry(name string, opts ...RegistryOption) *Registry {
	r := &Registry{
		name:   name,
		logger: observability.NopLogger(),
		index:  make(map[Address]*entry),
	}

	for _, opt := range opts {
		opt(r)
	}

	return r
}

// Name returns the pool name.
func (r *Registry) Name() string {
	return r.name
}

// AddBackend inserts addr with unknown health and no connections. It
// reports whether the backend was added; adding a present address is a
// no-op.
func (r *Registry) AddBackend(addr Address) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.index[addr]; ok {
		return false
	}

	e := &entry{addr: addr, health: HealthUnknown}
	r.entries = append(r.entries, e)
	r.index[addr] = e

	r.logger.Debug("backend added",
		observability.String("pool", r.name),
		observability.String("address", addr.String()),
	)
	return true
}

// RemoveBackend deletes addr. It reports whether the backend was present;
// removing an absent address is a no-op.
func (r *Registry) RemoveBackend(addr Address) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.index[addr]; !ok {
		return false
	}

	delete(r.index, addr)
	for i, e := range r.entries {
		if e.addr == addr {
			r.entries = append(r.entries[:i], r.entries[i+1:]...)
			break
		}
	}
	r.clampCursor()

	r.metrics.DeleteBackend(r.name, addr.String())
	r.logger.Debug("backend removed",
		observability.String("pool", r.name),
		observability.String("address", addr.String()),
	)
	return true
}

// SelectRoundRobin returns the selectable backend at the cursor and
// advances the cursor modulo the number of selectable backends.
func (r *Registry) SelectRoundRobin() (Address, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	eligible := r.eligible()
	if len(eligible) == 0 {
		r.cursor = 0
		return Address{}, ErrNoBackendAvailable
	}

	if r.cursor >= len(eligible) {
		r.cursor = 0
	}
	selected := eligible[r.cursor]
	r.cursor = (r.cursor + 1) % len(eligible)

	return selected.addr, nil
}

// SelectRandom returns a uniformly chosen selectable backend.
func (r *Registry) SelectRandom() (Address, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	eligible := r.eligible()
	if len(eligible) == 0 {
		return Address{}, ErrNoBackendAvailable
	}

	return eligible[secureRandomInt(len(eligible))].addr, nil
}

// SelectLeastConnections returns the selectable backend with the fewest
// active connections. Ties go to the backend added first.
func (r *Registry) SelectLeastConnections() (Address, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var selected *entry
	for _, e := range r.entries {
		if !e.health.selectable() {
			continue
		}
		if selected == nil || e.conns < selected.conns {
			selected = e
		}
	}

	if selected == nil {
		return Address{}, ErrNoBackendAvailable
	}
	return selected.addr, nil
}

// IncrementConnections increments the active connection count of addr.
// It is a no-op when addr is absent.
func (r *Registry) IncrementConnections(addr Address) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.index[addr]
	if !ok {
		return
	}
	e.conns++
	r.metrics.AddBackendConnections(r.name, addr.String(), 1)
}

// DecrementConnections decrements the active connection count of addr,
// saturating at zero. It is a no-op when addr is absent.
func (r *Registry) DecrementConnections(addr Address) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.index[addr]
	if !ok || e.conns == 0 {
		return
	}
	e.conns--
	r.metrics.AddBackendConnections(r.name, addr.String(), -1)
}

// SetHealth updates the health of addr. It reports whether addr is
// present.
func (r *Registry) SetHealth(addr Address, health Health) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.index[addr]
	if !ok {
		return false
	}
	e.health = health
	r.clampCursor()
	return true
}

// Health returns the health of addr.
func (r *Registry) Health(addr Address) (Health, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.index[addr]
	if !ok {
		return HealthUnknown, false
	}
	return e.health, true
}

// Connections returns the active connection count of addr.
func (r *Registry) Connections(addr Address) (int64, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.index[addr]
	if !ok {
		return 0, false
	}
	return e.conns, true
}

// Contains reports whether addr is in the pool.
func (r *Registry) Contains(addr Address) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	_, ok := r.index[addr]
	return ok
}

// Len returns the number of backends in the pool.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	return len(r.entries)
}

// Addresses returns the backend addresses in insertion order.
func (r *Registry) Addresses() []Address {
	r.mu.Lock()
	defer r.mu.Unlock()

	addrs := make([]Address, len(r.entries))
	for i, e := range r.entries {
		addrs[i] = e.addr
	}
	return addrs
}

// Snapshot returns a copy of every backend's state in insertion order.
func (r *Registry) Snapshot() []State {
	r.mu.Lock()
	defer r.mu.Unlock()

	states := make([]State, len(r.entries))
	for i, e := range r.entries {
		states[i] = State{
			Address:           e.addr,
			Health:            e.health,
			HealthName:        e.health.String(),
			ActiveConnections: e.conns,
		}
	}
	return states
}

// eligible returns the selectable entries in insertion order.
// Must be called with r.mu held.
func (r *Registry) eligible() []*entry {
	eligible := make([]*entry, 0, len(r.entries))
	for _, e := range r.entries {
		if e.health.selectable() {
			eligible = append(eligible, e)
		}
	}
	return eligible
}

// clampCursor keeps the round-robin cursor inside the selectable set.
// Must be called with r.mu held.
func (r *Registry) clampCursor() {
	n := 0
	for _, e := range r.entries {
		if e.health.selectable() {
			n++
		}
	}
	if n == 0 || r.cursor >= n {
		r.cursor = 0
	}
}

// secureRandomInt returns a random int in [0, n) using crypto/rand.
func secureRandomInt(n int) int {
	if n <= 0 {
		return 0
	}
	var b [8]byte
	if _, err := rand.Read(b[:]); err != nil {
		return 0
	}
	return int(binary.LittleEndian.Uint64(b[:]) % uint64(n)) //nolint:gosec // bounded by n
}
