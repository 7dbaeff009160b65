package ingress

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/watch"

	"github.com/vyrodovalexey/flusso/internal/backend"
	"github.com/vyrodovalexey/flusso/internal/observability"
)

// State is the connection state of a Source.
type State int32

const (
	// StateDisconnected means the source is not listing or watching.
	StateDisconnected State = iota
	// StateListing means the source is performing a full list.
	StateListing
	// StateWatching means the source is consuming a watch stream.
	StateWatching
)

// String returns the string representation of the state.
func (s State) String() string {
	switch s {
	case StateListing:
		return "listing"
	case StateWatching:
		return "watching"
	default:
		return "disconnected"
	}
}

// Default reconnect backoff bounds.
const (
	DefaultInitialBackoff = 500 * time.Millisecond
	DefaultMaxBackoff     = 30 * time.Second
)

type pair struct {
	prefix string
	addr   backend.Address
}

// Source lists and watches one resource kind and emits membership events.
// Run must be called at most once.
type Source struct {
	adapter  Adapter
	resolver Resolver
	events   chan<- Event
	logger   observability.Logger
	metrics  *observability.Metrics

	initialBackoff time.Duration
	maxBackoff     time.Duration

	state  atomic.Int32
	synced atomic.Bool

	// Owned by the Run goroutine.
	objects map[string][]pair
	refs    map[pair]int
}

// SourceOption is a functional option for configuring a source.
type SourceOption func(*Source)

// WithSourceLogger sets the logger for the source.
func WithSourceLogger(logger observability.Logger) SourceOption {
	return func(s *Source) {
		s.logger = logger
	}
}

// WithSourceMetrics sets the metrics collector for the source.
func WithSourceMetrics(metrics *observability.Metrics) SourceOption {
	return func(s *Source) {
		s.metrics = metrics
	}
}

// WithReconnectBackoff sets the bounds of the reconnect backoff.
func WithReconnectBackoff(initial, maxDelay time.Duration) SourceOption {
	return func(s *Source) {
		if initial > 0 {
			s.initialBackoff = initial
		}
		if maxDelay > 0 {
			s.maxBackoff = maxDelay
		}
	}
}

// NewSource creates a source sending on events. The resolver may be nil
// when the adapter only yields resolved targets.
func NewSource(adapter Adapter, resolver Resolver, events chan<- Event, opts ...SourceOption) *Source {
	s := &Source{
		adapter:        adapter,
		resolver:       resolver,
		events:         events,
		logger:         observability.NopLogger(),
		initialBackoff: DefaultInitialBackoff,
		maxBackoff:     DefaultMaxBackoff,
		objects:        make(map[string][]pair),
		refs:           make(map[pair]int),
	}

	for _, opt := range opts {
		opt(s)
	}

	s.logger = s.logger.With(observability.String("source", adapter.Kind()))

	return s
}

// Kind returns the resource kind watched by the source.
func (s *Source) Kind() string {
	return s.adapter.Kind()
}

// State returns the current connection state.
func (s *Source) State() State {
	return State(s.state.Load())
}

// HasSynced reports whether at least one full list has been applied.
func (s *Source) HasSynced() bool {
	return s.synced.Load()
}

func (s *Source) setState(state State) {
	if State(s.state.Swap(int32(state))) != state {
		s.logger.Debug("source state changed", observability.String("state", state.String()))
	}
}

// Run lists, watches and relists until ctx is done. It returns nil on
// cancellation; stream failures are retried forever.
func (s *Source) Run(ctx context.Context) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = s.initialBackoff
	bo.MaxInterval = s.maxBackoff

	defer s.setState(StateDisconnected)

	for {
		err := s.session(ctx, bo)
		s.setState(StateDisconnected)

		if ctx.Err() != nil {
			return nil
		}

		delay := bo.NextBackOff()
		s.metrics.RecordRelist(s.Kind())
		s.logger.Warn("watch disconnected, relisting",
			observability.Error(err),
			observability.Duration("backoff", delay),
		)

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
		}
	}
}

// session performs one list followed by a watch until the stream fails.
func (s *Source) session(ctx context.Context, bo *backoff.ExponentialBackOff) error {
	s.setState(StateListing)

	resourceVersion, err := s.relist(ctx)
	if err != nil {
		return err
	}
	bo.Reset()

	w, err := s.adapter.Watch(ctx, resourceVersion)
	if err != nil {
		return fmt.Errorf("%w: open: %w", ErrWatchStream, err)
	}
	defer w.Stop()

	s.setState(StateWatching)
	s.logger.Info("watching", observability.String("resourceVersion", resourceVersion))

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-w.ResultChan():
			if !ok {
				return fmt.Errorf("%w: stream closed", ErrWatchStream)
			}
			if err := s.handle(ctx, ev); err != nil {
				return err
			}
		}
	}
}

func (s *Source) handle(ctx context.Context, ev watch.Event) error {
	switch ev.Type {
	case watch.Added, watch.Modified:
		key, relevant, targets := s.adapter.Targets(ev.Object)
		if key == "" {
			return nil
		}
		var pairs []pair
		if relevant {
			pairs = s.resolve(ctx, key, targets)
		}
		return s.update(ctx, key, pairs)

	case watch.Deleted:
		key, _, _ := s.adapter.Targets(ev.Object)
		if key == "" {
			return nil
		}
		return s.update(ctx, key, nil)

	case watch.Bookmark:
		return nil

	case watch.Error:
		if ev.Object != nil {
			return fmt.Errorf("%w: %w", ErrWatchStream, apierrors.FromObject(ev.Object))
		}
		return fmt.Errorf("%w: error event", ErrWatchStream)

	default:
		return nil
	}
}

// relist lists every object, emits Add for every current pair and Remove
// for remembered pairs that are gone, then replaces the remembered state.
func (s *Source) relist(ctx context.Context) (string, error) {
	objs, resourceVersion, err := s.adapter.List(ctx)
	if err != nil {
		return "", fmt.Errorf("list %s: %w", s.Kind(), err)
	}

	objects := make(map[string][]pair, len(objs))
	refs := make(map[pair]int)
	var order []pair

	for _, obj := range objs {
		key, relevant, targets := s.adapter.Targets(obj)
		if key == "" || !relevant {
			continue
		}
		pairs := s.resolve(ctx, key, targets)
		if len(pairs) == 0 {
			continue
		}
		objects[key] = pairs
		for _, p := range pairs {
			if refs[p] == 0 {
				order = append(order, p)
			}
			refs[p]++
		}
	}

	for _, p := range order {
		if err := s.send(ctx, EventAdd, p); err != nil {
			return "", err
		}
	}

	for p := range s.refs {
		if refs[p] > 0 {
			continue
		}
		if err := s.send(ctx, EventRemove, p); err != nil {
			return "", err
		}
	}

	s.objects = objects
	s.refs = refs
	s.synced.Store(true)

	s.logger.Info("listed",
		observability.Int("objects", len(objs)),
		observability.Int("targets", len(refs)),
	)

	return resourceVersion, nil
}

// update replaces the remembered pairs of one object, emitting Add for
// pairs no other object held and Remove for pairs no object holds anymore.
func (s *Source) update(ctx context.Context, key string, pairs []pair) error {
	old := s.objects[key]

	next := make(map[pair]bool, len(pairs))
	for _, p := range pairs {
		next[p] = true
	}
	prev := make(map[pair]bool, len(old))
	for _, p := range old {
		prev[p] = true
	}

	if len(pairs) == 0 {
		delete(s.objects, key)
	} else {
		s.objects[key] = pairs
	}

	for _, p := range pairs {
		if prev[p] {
			continue
		}
		s.refs[p]++
		if s.refs[p] == 1 {
			if err := s.send(ctx, EventAdd, p); err != nil {
				return err
			}
		}
	}

	for _, p := range old {
		if next[p] {
			continue
		}
		s.refs[p]--
		if s.refs[p] <= 0 {
			delete(s.refs, p)
			if err := s.send(ctx, EventRemove, p); err != nil {
				return err
			}
		}
	}

	return nil
}

// resolve maps targets to pairs, dropping duplicates and targets whose
// service does not exist. When resolution fails for any other reason the
// pairs already remembered for that object and prefix are kept, so a
// transient API error never removes a live backend.
func (s *Source) resolve(ctx context.Context, key string, targets []Target) []pair {
	pairs := make([]pair, 0, len(targets))
	seen := make(map[pair]bool, len(targets))

	appendPair := func(p pair) {
		if seen[p] {
			return
		}
		seen[p] = true
		pairs = append(pairs, p)
	}

	for _, t := range targets {
		addr := t.Address
		if !t.resolved() {
			if s.resolver == nil {
				continue
			}
			var err error
			addr, err = s.resolver.ResolveServiceAddress(ctx, t.Service)
			if err != nil {
				s.metrics.RecordResolutionFailure(s.Kind())
				if errors.Is(err, ErrServiceNotFound) {
					s.logger.Warn("failed to resolve backend, dropping target",
						observability.String("object", key),
						observability.String("prefix", t.Prefix),
						observability.String("service", t.Service.String()),
						observability.Error(err),
					)
					continue
				}

				kept := 0
				for _, p := range s.objects[key] {
					if p.prefix == t.Prefix {
						appendPair(p)
						kept++
					}
				}
				s.logger.Warn("failed to resolve backend, keeping known targets",
					observability.String("object", key),
					observability.String("prefix", t.Prefix),
					observability.String("service", t.Service.String()),
					observability.Int("kept", kept),
					observability.Error(err),
				)
				continue
			}
		}

		appendPair(pair{prefix: t.Prefix, addr: addr})
	}

	return pairs
}

// send blocks until the event is accepted or ctx is done.
func (s *Source) send(ctx context.Context, typ EventType, p pair) error {
	ev := Event{Type: typ, Prefix: p.prefix, Address: p.addr, Source: s.Kind()}

	select {
	case s.events <- ev:
	case <-ctx.Done():
		return ctx.Err()
	}

	s.metrics.RecordIngressEvent(s.Kind(), typ.String())
	s.metrics.SetEventChannelDepth(len(s.events))
	s.logger.Debug("event sent",
		observability.String("type", typ.String()),
		observability.String("prefix", p.prefix),
		observability.String("backend", p.addr.String()),
	)
	return nil
}
