package backend

import (
	"fmt"

	"github.com/vyrodovalexey/flusso/internal/config"
)

// Strategy names a backend selection algorithm.
type Strategy string

// Supported strategies.
const (
	StrategyRoundRobin       Strategy = config.LoadBalancerRoundRobin
	StrategyRandom           Strategy = config.LoadBalancerRandom
	StrategyLeastConnections Strategy = config.LoadBalancerLeastConn
)

// LoadBalancer selects a backend from a pool. Implementations delegate to
// the registry so the whole selection runs under the registry lock.
type LoadBalancer interface {
	Select(pool *Registry) (Address, error)
	Strategy() Strategy
}

// RoundRobinBalancer rotates through the selectable backends.
type RoundRobinBalancer struct{}

// Select implements LoadBalancer.
func (RoundRobinBalancer) Select(pool *Registry) (Address, error) {
	return pool.SelectRoundRobin()
}

// Strategy implements LoadBalancer.
func (RoundRobinBalancer) Strategy() Strategy {
	return StrategyRoundRobin
}

// RandomBalancer picks a selectable backend uniformly at random.
type RandomBalancer struct{}

// Select implements LoadBalancer.
func (RandomBalancer) Select(pool *Registry) (Address, error) {
	return pool.SelectRandom()
}

// Strategy implements LoadBalancer.
func (RandomBalancer) Strategy() Strategy {
	return StrategyRandom
}

// LeastConnBalancer picks the selectable backend with the fewest
// in-flight requests.
type LeastConnBalancer struct{}

// Select implements LoadBalancer.
func (LeastConnBalancer) Select(pool *Registry) (Address, error) {
	return pool.SelectLeastConnections()
}

// Strategy implements LoadBalancer.
func (LeastConnBalancer) Strategy() Strategy {
	return StrategyLeastConnections
}

// NewLoadBalancer returns the balancer for a strategy name. An empty name
// selects round-robin.
func NewLoadBalancer(strategy string) (LoadBalancer, error) {
	switch Strategy(strategy) {
	case "", StrategyRoundRobin:
		return RoundRobinBalancer{}, nil
	case StrategyRandom:
		return RandomBalancer{}, nil
	case StrategyLeastConnections:
		return LeastConnBalancer{}, nil
	default:
		return nil, fmt.Errorf("unknown load balancing strategy %q", strategy)
	}
}
