package ingress

import (
	"context"
	"sync/atomic"

	"github.com/vyrodovalexey/flusso/internal/observability"
	"github.com/vyrodovalexey/flusso/internal/router"
)

// RouteLookup finds the route an event applies to.
type RouteLookup interface {
	Lookup(prefix string) (*router.Route, bool)
}

// Processor is the single consumer of the event channel.
type Processor struct {
	routes  RouteLookup
	events  <-chan Event
	logger  observability.Logger
	metrics *observability.Metrics

	processed atomic.Int64
	dropped   atomic.Int64
}

// ProcessorOption is a functional option for configuring a processor.
type ProcessorOption func(*Processor)

// WithProcessorLogger sets the logger for the processor.
func WithProcessorLogger(logger observability.Logger) ProcessorOption {
	return func(p *Processor) {
		p.logger = logger
	}
}

// WithProcessorMetrics sets the metrics collector for the processor.
func WithProcessorMetrics(metrics *observability.Metrics) ProcessorOption {
	return func(p *Processor) {
		p.metrics = metrics
	}
}

// NewProcessor creates a processor applying events to routes.
func NewProcessor(routes RouteLookup, events <-chan Event, opts ...ProcessorOption) *Processor {
	p := &Processor{
		routes: routes,
		events: events,
		logger: observability.NopLogger(),
	}

	for _, opt := range opts {
		opt(p)
	}

	return p
}

// Run applies events in arrival order until ctx is done or the channel is
// closed.
func (p *Processor) Run(ctx context.Context) error {
	p.logger.Info("event processor started")
	defer p.logger.Info("event processor stopped")

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-p.events:
			if !ok {
				return nil
			}
			p.Apply(ev)
			p.metrics.SetEventChannelDepth(len(p.events))
		}
	}
}

// Apply applies one event and reports whether a route took it. Only the
// route registered for exactly the event's prefix takes it; a shorter
// matching prefix would merge unrelated services into one pool.
func (p *Processor) Apply(ev Event) bool {
	defer p.processed.Add(1)

	route, ok := p.routes.Lookup(ev.Prefix)
	if !ok {
		p.dropped.Add(1)
		p.metrics.RecordUnroutableEvent()
		p.logger.Warn("no route for event, dropping",
			observability.String("type", ev.Type.String()),
			observability.String("prefix", ev.Prefix),
			observability.String("backend", ev.Address.String()),
			observability.String("source", ev.Source),
		)
		return false
	}

	var changed bool
	switch ev.Type {
	case EventAdd:
		changed = route.Pool.AddBackend(ev.Address)
	case EventRemove:
		changed = route.Pool.RemoveBackend(ev.Address)
	default:
		return false
	}

	p.logger.Debug("event applied",
		observability.String("type", ev.Type.String()),
		observability.String("prefix", ev.Prefix),
		observability.String("route", route.Name),
		observability.String("backend", ev.Address.String()),
		observability.Bool("changed", changed),
	)
	return true
}

// ProcessedCount returns the number of events taken off the channel.
func (p *Processor) ProcessedCount() int64 {
	return p.processed.Load()
}

// DroppedCount returns the number of events no route accepted.
func (p *Processor) DroppedCount() int64 {
	return p.dropped.Load()
}
