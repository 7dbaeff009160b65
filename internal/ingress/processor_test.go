package ingress

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vyrodovalexey/flusso/internal/backend"
	"github.com/vyrodovalexey/flusso/internal/observability"
	"github.com/vyrodovalexey/flusso/internal/router"
)

func newProcessorTable(t *testing.T) *router.Table {
	t.Helper()

	table := router.NewTable()
	for _, spec := range []router.RouteSpec{
		{Name: "api", Prefix: "/api"},
		{Name: "web", Prefix: "/"},
	} {
		_, err := table.AddRoute(spec)
		require.NoError(t, err)
	}
	return table
}

func pool(t *testing.T, table *router.Table, name string) *backend.Registry {
	t.Helper()

	route, ok := table.Route(name)
	require.True(t, ok)
	return route.Pool
}

func TestProcessor_Apply(t *testing.T) {
	t.Parallel()

	table := newProcessorTable(t)
	p := NewProcessor(table, nil)

	a := backend.MustParseAddress("10.0.0.1:80")
	b := backend.MustParseAddress("10.0.0.2:80")

	assert.True(t, p.Apply(Event{Type: EventAdd, Prefix: "/api", Address: a}))
	assert.True(t, p.Apply(Event{Type: EventAdd, Prefix: "/api", Address: a}))
	assert.True(t, p.Apply(Event{Type: EventAdd, Prefix: "/", Address: b}))

	api := pool(t, table, "api")
	assert.Equal(t, []backend.Address{a}, api.Addresses())
	assert.Equal(t, []backend.Address{b}, pool(t, table, "web").Addresses())

	assert.True(t, p.Apply(Event{Type: EventRemove, Prefix: "/api", Address: a}))
	assert.True(t, p.Apply(Event{Type: EventRemove, Prefix: "/api", Address: a}))
	assert.Zero(t, api.Len())

	assert.Equal(t, int64(5), p.ProcessedCount())
	assert.Zero(t, p.DroppedCount())
}

func TestProcessor_RequiresExactPrefix(t *testing.T) {
	t.Parallel()

	table := newProcessorTable(t)
	p := NewProcessor(table, nil)
	api := backend.MustParseAddress("10.0.0.1:80")
	shop := backend.MustParseAddress("10.0.0.2:80")

	// "/" would match both prefixes, but neither has a route of its own.
	assert.False(t, p.Apply(Event{Type: EventAdd, Prefix: "/api/v2", Address: api}))
	assert.False(t, p.Apply(Event{Type: EventAdd, Prefix: "/shop", Address: shop}))

	assert.Zero(t, pool(t, table, "api").Len())
	assert.Zero(t, pool(t, table, "web").Len())
	assert.Equal(t, int64(2), p.DroppedCount())
}

func TestProcessor_UnroutableEventDropped(t *testing.T) {
	t.Parallel()

	table := router.NewTable()
	_, err := table.AddRoute(router.RouteSpec{Name: "api", Prefix: "/api"})
	require.NoError(t, err)

	metrics := observability.NewMetrics("test")
	p := NewProcessor(table, nil, WithProcessorMetrics(metrics))

	ok := p.Apply(Event{
		Type:    EventAdd,
		Prefix:  "/shop",
		Address: backend.MustParseAddress("10.0.0.1:80"),
	})
	assert.False(t, ok)
	assert.Equal(t, int64(1), p.ProcessedCount())
	assert.Equal(t, int64(1), p.DroppedCount())

	route, _ := table.Route("api")
	assert.Zero(t, route.Pool.Len())
}

func TestProcessor_RunAppliesInOrder(t *testing.T) {
	t.Parallel()

	table := newProcessorTable(t)
	events := NewEventChannel(8)
	p := NewProcessor(table, events)

	a := backend.MustParseAddress("10.0.0.1:80")
	b := backend.MustParseAddress("10.0.0.2:80")

	// Add then Remove of the same address leaves it absent.
	events <- Event{Type: EventAdd, Prefix: "/api", Address: a}
	events <- Event{Type: EventAdd, Prefix: "/api", Address: b}
	events <- Event{Type: EventRemove, Prefix: "/api", Address: a}
	// Remove then Add leaves it present.
	events <- Event{Type: EventRemove, Prefix: "/api", Address: b}
	events <- Event{Type: EventAdd, Prefix: "/api", Address: b}
	close(events)

	require.NoError(t, p.Run(context.Background()))

	api := pool(t, table, "api")
	assert.False(t, api.Contains(a))
	assert.True(t, api.Contains(b))
	assert.Equal(t, int64(5), p.ProcessedCount())
}

func TestProcessor_RunStopsOnCancel(t *testing.T) {
	t.Parallel()

	p := NewProcessor(newProcessorTable(t), NewEventChannel(1))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(eventTimeout):
		t.Fatal("processor did not stop")
	}
}

func TestSourceAndProcessor_EndToEnd(t *testing.T) {
	t.Parallel()

	table := newProcessorTable(t)
	client := newTestClient()
	watchers, _ := installWatchers(client, "ingresses", 1)

	events := NewEventChannel(4)
	src := newTestSource(client, events)
	p := NewProcessor(table, events)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = p.Run(ctx) }()
	startSource(t, src)
	waitState(t, src, StateWatching)

	ing := newIngress("shop", "shop", strPtr(testClass), ingressPath("/api", "api", port(8080)))
	watchers[0].Add(ing)

	api := pool(t, table, "api")
	addr := backend.MustParseAddress("10.0.0.1:8080")
	require.Eventually(t, func() bool { return api.Contains(addr) }, eventTimeout, 5*time.Millisecond)

	watchers[0].Delete(ing)
	require.Eventually(t, func() bool { return !api.Contains(addr) }, eventTimeout, 5*time.Millisecond)
}
