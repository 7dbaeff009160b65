package ingress

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
	corev1 "k8s.io/api/core/v1"
	networkingv1 "k8s.io/api/networking/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/apimachinery/pkg/watch"
	"k8s.io/client-go/kubernetes/fake"
	k8stesting "k8s.io/client-go/testing"

	"github.com/vyrodovalexey/flusso/internal/backend"
	"github.com/vyrodovalexey/flusso/internal/observability"
)

const eventTimeout = 2 * time.Second

// installWatchers makes successive watch calls on resource return the
// given fake watchers in order, then idle watchers.
func installWatchers(client *fake.Clientset, resource string, n int) ([]*watch.FakeWatcher, *atomic.Int32) {
	watchers := make([]*watch.FakeWatcher, n)
	for i := range watchers {
		watchers[i] = watch.NewFake()
	}

	calls := &atomic.Int32{}
	client.PrependWatchReactor(resource, func(k8stesting.Action) (bool, watch.Interface, error) {
		i := int(calls.Add(1)) - 1
		if i >= len(watchers) {
			return true, watch.NewFake(), nil
		}
		return true, watchers[i], nil
	})

	return watchers, calls
}

func startSource(t *testing.T, src *Source) context.CancelFunc {
	t.Helper()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- src.Run(ctx)
	}()

	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(eventTimeout):
			t.Error("source did not stop")
		}
	})

	return cancel
}

func waitState(t *testing.T, src *Source, state State) {
	t.Helper()
	require.Eventually(t, func() bool {
		return src.State() == state
	}, eventTimeout, 5*time.Millisecond)
}

func nextEvents(t *testing.T, ch <-chan Event, n int) []Event {
	t.Helper()

	events := make([]Event, 0, n)
	for len(events) < n {
		select {
		case ev := <-ch:
			events = append(events, ev)
		case <-time.After(eventTimeout):
			t.Fatalf("timed out after %d of %d events", len(events), n)
		}
	}
	return events
}

func assertNoEvent(t *testing.T, ch <-chan Event) {
	t.Helper()

	select {
	case ev := <-ch:
		t.Fatalf("unexpected event %+v", ev)
	case <-time.After(50 * time.Millisecond):
	}
}

func add(prefix, addr string) Event {
	return Event{Type: EventAdd, Prefix: prefix, Address: backend.MustParseAddress(addr), Source: "Ingress"}
}

func remove(prefix, addr string) Event {
	return Event{Type: EventRemove, Prefix: prefix, Address: backend.MustParseAddress(addr), Source: "Ingress"}
}

func testServices() []*corev1.Service {
	return []*corev1.Service{
		newService("shop", "api", "10.0.0.1", corev1.ServicePort{Name: "http", Port: 8080}),
		newService("shop", "web", "10.0.0.2", corev1.ServicePort{Name: "http", Port: 8080}),
	}
}

func newTestSource(client *fake.Clientset, events chan Event, opts ...SourceOption) *Source {
	opts = append([]SourceOption{WithReconnectBackoff(time.Millisecond, 10*time.Millisecond)}, opts...)
	return NewSource(
		NewIngressAdapter(client, "", testClass),
		NewServiceResolver(client),
		events,
		opts...,
	)
}

func newTestClient(ingresses ...*networkingv1.Ingress) *fake.Clientset {
	client := fake.NewSimpleClientset()
	for _, svc := range testServices() {
		_ = client.Tracker().Add(svc)
	}
	for _, ing := range ingresses {
		_ = client.Tracker().Add(ing)
	}
	return client
}

func TestSource_InitialListEmitsAdds(t *testing.T) {
	t.Parallel()

	client := newTestClient(newIngress("shop", "shop", strPtr(testClass),
		ingressPath("/api", "api", namedPort("http")),
		ingressPath("/web", "web", port(80)),
	))
	installWatchers(client, "ingresses", 1)

	events := NewEventChannel(16)
	src := newTestSource(client, events)
	assert.Equal(t, StateDisconnected, src.State())
	assert.False(t, src.HasSynced())

	startSource(t, src)

	got := nextEvents(t, events, 2)
	assert.Equal(t, []Event{add("/api", "10.0.0.1:8080"), add("/web", "10.0.0.2:80")}, got)

	waitState(t, src, StateWatching)
	assert.True(t, src.HasSynced())
}

func TestSource_WatchEvents(t *testing.T) {
	t.Parallel()

	client := newTestClient()
	watchers, _ := installWatchers(client, "ingresses", 1)

	events := NewEventChannel(16)
	src := newTestSource(client, events)
	startSource(t, src)
	waitState(t, src, StateWatching)

	ing := newIngress("shop", "shop", strPtr(testClass),
		ingressPath("/api", "api", port(8080)),
		ingressPath("/web", "web", port(8080)),
	)
	watchers[0].Add(ing)
	assert.ElementsMatch(t,
		[]Event{add("/api", "10.0.0.1:8080"), add("/web", "10.0.0.2:8080")},
		nextEvents(t, events, 2))

	// Unchanged targets produce nothing.
	watchers[0].Modify(ing.DeepCopy())
	assertNoEvent(t, events)

	modified := newIngress("shop", "shop", strPtr(testClass),
		ingressPath("/api", "api", port(8080)),
	)
	watchers[0].Modify(modified)
	assert.Equal(t, []Event{remove("/web", "10.0.0.2:8080")}, nextEvents(t, events, 1))

	// Bookmarks are ignored.
	watchers[0].Action(watch.Bookmark, modified.DeepCopy())
	assertNoEvent(t, events)

	watchers[0].Delete(modified)
	assert.Equal(t, []Event{remove("/api", "10.0.0.1:8080")}, nextEvents(t, events, 1))
}

func TestSource_ClassChangeRemovesTargets(t *testing.T) {
	t.Parallel()

	client := newTestClient()
	watchers, _ := installWatchers(client, "ingresses", 1)

	events := NewEventChannel(16)
	src := newTestSource(client, events)
	startSource(t, src)
	waitState(t, src, StateWatching)

	watchers[0].Add(newIngress("shop", "shop", strPtr(testClass), ingressPath("/api", "api", port(8080))))
	nextEvents(t, events, 1)

	watchers[0].Modify(newIngress("shop", "shop", strPtr("nginx"), ingressPath("/api", "api", port(8080))))
	assert.Equal(t, []Event{remove("/api", "10.0.0.1:8080")}, nextEvents(t, events, 1))
}

func TestSource_SharedTargetIsReferenceCounted(t *testing.T) {
	t.Parallel()

	client := newTestClient()
	watchers, _ := installWatchers(client, "ingresses", 1)

	events := NewEventChannel(16)
	src := newTestSource(client, events)
	startSource(t, src)
	waitState(t, src, StateWatching)

	first := newIngress("shop", "first", strPtr(testClass), ingressPath("/api", "api", port(8080)))
	second := newIngress("shop", "second", strPtr(testClass), ingressPath("/api", "api", port(8080)))

	watchers[0].Add(first)
	assert.Equal(t, []Event{add("/api", "10.0.0.1:8080")}, nextEvents(t, events, 1))

	watchers[0].Add(second)
	assertNoEvent(t, events)

	watchers[0].Delete(first)
	assertNoEvent(t, events)

	watchers[0].Delete(second)
	assert.Equal(t, []Event{remove("/api", "10.0.0.1:8080")}, nextEvents(t, events, 1))
}

func TestSource_RelistReconcilesAfterStreamClose(t *testing.T) {
	t.Parallel()

	keep := newIngress("shop", "keep", strPtr(testClass), ingressPath("/api", "api", port(8080)))
	gone := newIngress("shop", "gone", strPtr(testClass), ingressPath("/web", "web", port(8080)))
	client := newTestClient(keep, gone)
	watchers, calls := installWatchers(client, "ingresses", 2)

	events := NewEventChannel(16)
	src := newTestSource(client, events)
	startSource(t, src)

	assert.ElementsMatch(t,
		[]Event{add("/api", "10.0.0.1:8080"), add("/web", "10.0.0.2:8080")},
		nextEvents(t, events, 2))
	waitState(t, src, StateWatching)

	// The delete happens while nobody watches the stream.
	require.NoError(t, client.Tracker().Delete(
		networkingv1.SchemeGroupVersion.WithResource("ingresses"), "shop", "gone"))
	watchers[0].Stop()

	got := nextEvents(t, events, 2)
	assert.Equal(t, []Event{add("/api", "10.0.0.1:8080"), remove("/web", "10.0.0.2:8080")}, got)

	require.Eventually(t, func() bool { return calls.Load() == 2 }, eventTimeout, 5*time.Millisecond)
	waitState(t, src, StateWatching)
}

func TestSource_ErrorEventTriggersRelist(t *testing.T) {
	t.Parallel()

	client := newTestClient(newIngress("shop", "shop", strPtr(testClass), ingressPath("/api", "api", port(8080))))
	watchers, calls := installWatchers(client, "ingresses", 2)

	events := NewEventChannel(16)
	src := newTestSource(client, events)
	startSource(t, src)

	nextEvents(t, events, 1)
	waitState(t, src, StateWatching)

	watchers[0].Error(&metav1.Status{
		Status:  metav1.StatusFailure,
		Reason:  metav1.StatusReasonExpired,
		Message: "resource version too old",
		Code:    410,
	})

	// The relist re-announces surviving targets.
	assert.Equal(t, []Event{add("/api", "10.0.0.1:8080")}, nextEvents(t, events, 1))
	require.Eventually(t, func() bool { return calls.Load() == 2 }, eventTimeout, 5*time.Millisecond)
}

func TestSource_ListFailureRetries(t *testing.T) {
	t.Parallel()

	client := newTestClient(newIngress("shop", "shop", strPtr(testClass), ingressPath("/api", "api", port(8080))))
	installWatchers(client, "ingresses", 1)

	var lists atomic.Int32
	client.PrependReactor("list", "ingresses", func(k8stesting.Action) (bool, runtime.Object, error) {
		if lists.Add(1) <= 2 {
			return true, nil, assert.AnError
		}
		return false, nil, nil
	})

	events := NewEventChannel(16)
	src := newTestSource(client, events)
	startSource(t, src)

	assert.Equal(t, []Event{add("/api", "10.0.0.1:8080")}, nextEvents(t, events, 1))
	waitState(t, src, StateWatching)
	assert.Equal(t, int32(3), lists.Load())
}

func TestSource_ResolutionFailureIsDropped(t *testing.T) {
	t.Parallel()

	core, logs := observer.New(zap.WarnLevel)
	logger := observability.NewLoggerFromZap(zap.New(core))

	client := newTestClient(newIngress("shop", "shop", strPtr(testClass),
		ingressPath("/missing", "ghost", port(80)),
		ingressPath("/api", "api", port(8080)),
	))
	installWatchers(client, "ingresses", 1)

	events := NewEventChannel(16)
	src := newTestSource(client, events, WithSourceLogger(logger))
	startSource(t, src)

	assert.Equal(t, []Event{add("/api", "10.0.0.1:8080")}, nextEvents(t, events, 1))
	waitState(t, src, StateWatching)
	assertNoEvent(t, events)

	entries := logs.FilterMessage("failed to resolve backend, dropping target").All()
	require.Len(t, entries, 1)
	assert.Equal(t, "/missing", entries[0].ContextMap()["prefix"])
}

func TestSource_TransientResolutionFailureKeepsTargets(t *testing.T) {
	t.Parallel()

	ing := newIngress("shop", "shop", strPtr(testClass), ingressPath("/api", "api", port(8080)))
	client := newTestClient(ing)
	watchers, calls := installWatchers(client, "ingresses", 2)

	events := NewEventChannel(16)
	src := newTestSource(client, events)
	startSource(t, src)

	assert.Equal(t, []Event{add("/api", "10.0.0.1:8080")}, nextEvents(t, events, 1))
	waitState(t, src, StateWatching)

	client.PrependReactor("get", "services", func(action k8stesting.Action) (bool, runtime.Object, error) {
		if action.(k8stesting.GetAction).GetName() != "api" {
			return false, nil, nil
		}
		return true, nil, errors.New("apiserver unavailable")
	})

	// Same targets, but the service can no longer be read.
	watchers[0].Modify(ing.DeepCopy())
	assertNoEvent(t, events)

	// A relist while the resolver still fails re-announces the known
	// target instead of removing it.
	watchers[0].Stop()
	assert.Equal(t, []Event{add("/api", "10.0.0.1:8080")}, nextEvents(t, events, 1))
	require.Eventually(t, func() bool { return calls.Load() == 2 }, eventTimeout, 5*time.Millisecond)
	assertNoEvent(t, events)

	// A service that is really gone is still dropped.
	watchers[1].Modify(newIngress("shop", "shop", strPtr(testClass), ingressPath("/api", "ghost", port(8080))))
	assert.Equal(t, []Event{remove("/api", "10.0.0.1:8080")}, nextEvents(t, events, 1))
}

func TestSource_BlocksWhenChannelFull(t *testing.T) {
	t.Parallel()

	client := newTestClient(newIngress("shop", "shop", strPtr(testClass),
		ingressPath("/a", "api", port(8080)),
		ingressPath("/b", "api", port(8080)),
		ingressPath("/c", "api", port(8080)),
	))
	installWatchers(client, "ingresses", 1)

	events := NewEventChannel(1)
	src := newTestSource(client, events)
	startSource(t, src)

	require.Eventually(t, func() bool { return len(events) == 1 }, eventTimeout, 5*time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, StateListing, src.State())

	got := nextEvents(t, events, 3)
	assert.Equal(t, []string{"/a", "/b", "/c"}, []string{got[0].Prefix, got[1].Prefix, got[2].Prefix})
	waitState(t, src, StateWatching)
}

func TestSource_StopsOnCancel(t *testing.T) {
	t.Parallel()

	client := newTestClient()
	installWatchers(client, "ingresses", 1)

	src := newTestSource(client, NewEventChannel(1))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- src.Run(ctx) }()

	waitState(t, src, StateWatching)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(eventTimeout):
		t.Fatal("source did not stop")
	}
	assert.Equal(t, StateDisconnected, src.State())
}

func TestSource_ServiceAdapter(t *testing.T) {
	t.Parallel()

	svc := annotatedService("/cart", "http", "10.0.0.9", corev1.ServicePort{Name: "http", Port: 8080})
	client := fake.NewSimpleClientset(svc)
	installWatchers(client, "services", 1)

	events := NewEventChannel(4)
	src := NewSource(NewServiceAdapter(client, "", testClass), nil, events)
	startSource(t, src)

	got := nextEvents(t, events, 1)
	assert.Equal(t, Event{
		Type:    EventAdd,
		Prefix:  "/cart",
		Address: backend.Address{Host: "10.0.0.9", Port: 8080},
		Source:  "Service",
	}, got[0])
}

func TestState_String(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "disconnected", StateDisconnected.String())
	assert.Equal(t, "listing", StateListing.String())
	assert.Equal(t, "watching", StateWatching.String())
	assert.Equal(t, "add", EventAdd.String())
	assert.Equal(t, "remove", EventRemove.String())
	assert.Equal(t, "unknown", EventType(9).String())
}
