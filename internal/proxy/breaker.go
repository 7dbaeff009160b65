package proxy

import (
	"context"
	"sync"

	"github.com/sony/gobreaker"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/vyrodovalexey/flusso/internal/backend"
	"github.com/vyrodovalexey/flusso/internal/config"
	"github.com/vyrodovalexey/flusso/internal/observability"
)

// Breakers holds one circuit breaker per backend address. Breakers are
// shared by every route that uses the address.
type Breakers struct {
	cfg     config.CircuitBreakerConfig
	logger  observability.Logger
	metrics *observability.Metrics
	tracer  *observability.Tracer

	mu       sync.Mutex
	breakers map[backend.Address]*gobreaker.TwoStepCircuitBreaker
}

// NewBreakers creates the breaker set. It returns nil when circuit
// breaking is disabled; a nil set admits every attempt.
func NewBreakers(
	cfg config.CircuitBreakerConfig,
	logger observability.Logger,
	metrics *observability.Metrics,
	tracer *observability.Tracer,
) *Breakers {
	if !cfg.Enabled {
		return nil
	}
	if logger == nil {
		logger = observability.NopLogger()
	}
	if tracer == nil {
		tracer = observability.NoopTracer()
	}
	if cfg.ConsecutiveFailures == 0 {
		cfg.ConsecutiveFailures = 5
	}

	return &Breakers{
		cfg:      cfg,
		logger:   logger,
		metrics:  metrics,
		tracer:   tracer,
		breakers: make(map[backend.Address]*gobreaker.TwoStepCircuitBreaker),
	}
}

// Allow admits one attempt to addr. The returned function must be called
// with the attempt's outcome.
func (b *Breakers) Allow(addr backend.Address) (func(success bool), error) {
	if b == nil {
		return func(bool) {}, nil
	}

	done, err := b.get(addr).Allow()
	if err != nil {
		return nil, ErrCircuitOpen
	}
	return done, nil
}

// State returns the state of the breaker of addr.
func (b *Breakers) State(addr backend.Address) gobreaker.State {
	if b == nil {
		return gobreaker.StateClosed
	}
	return b.get(addr).State()
}

func (b *Breakers) get(addr backend.Address) *gobreaker.TwoStepCircuitBreaker {
	b.mu.Lock()
	defer b.mu.Unlock()

	if cb, ok := b.breakers[addr]; ok {
		return cb
	}

	threshold := b.cfg.ConsecutiveFailures
	cb := gobreaker.NewTwoStepCircuitBreaker(gobreaker.Settings{
		Name:        addr.String(),
		MaxRequests: b.cfg.MaxRequests,
		Interval:    b.cfg.Interval.Duration(),
		Timeout:     b.cfg.Timeout.Duration(),
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		OnStateChange: b.onStateChange,
	})
	b.breakers[addr] = cb
	return cb
}

func (b *Breakers) onStateChange(name string, from, to gobreaker.State) {
	b.logger.Info("circuit breaker state change",
		observability.String("backend", name),
		observability.String("from", from.String()),
		observability.String("to", to.String()),
	)

	b.metrics.SetCircuitBreakerState(name, int(to))

	_, span := b.tracer.StartSpan(context.Background(), "flusso.circuitbreaker.state_change",
		trace.WithSpanKind(trace.SpanKindInternal),
	)
	span.AddEvent("state_change", trace.WithAttributes(
		attribute.String("circuitbreaker.name", name),
		attribute.String("circuitbreaker.from", from.String()),
		attribute.String("circuitbreaker.to", to.String()),
	))
	span.End()
}
