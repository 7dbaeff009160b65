package health

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/vyrodovalexey/flusso/internal/backend"
	"github.com/vyrodovalexey/flusso/internal/cache"
	"github.com/vyrodovalexey/flusso/internal/router"
)

// CheckFunc adapts a function to HealthCheck.
type CheckFunc struct {
	name  string
	check func(ctx context.Context) error
}

// NewCheckFunc creates a named check from a function.
func NewCheckFunc(name string, check func(ctx context.Context) error) *CheckFunc {
	return &CheckFunc{name: name, check: check}
}

// Name implements HealthCheck.
func (f *CheckFunc) Name() string {
	return f.name
}

// Check implements HealthCheck.
func (f *CheckFunc) Check(ctx context.Context) error {
	return f.check(ctx)
}

// Syncer is an ingress source as seen by the readiness probe.
type Syncer interface {
	Kind() string
	HasSynced() bool
}

// SourceCheck fails until the source has completed its first list.
func SourceCheck(src Syncer) HealthCheck {
	return NewCheckFunc("source:"+strings.ToLower(src.Kind()), func(context.Context) error {
		if !src.HasSynced() {
			return fmt.Errorf("%s source has not completed its initial list", src.Kind())
		}
		return nil
	})
}

// Snapshotter exposes the routing table state.
type Snapshotter interface {
	Snapshot() []router.RouteSnapshot
}

// BackendsCheck fails when some route has no selectable backend.
func BackendsCheck(table Snapshotter) HealthCheck {
	return NewCheckFunc("backends", func(context.Context) error {
		var empty []string
		for _, route := range table.Snapshot() {
			if !hasSelectable(route) {
				empty = append(empty, route.Name)
			}
		}
		if len(empty) > 0 {
			return fmt.Errorf("routes without a selectable backend: %s", strings.Join(empty, ", "))
		}
		return nil
	})
}

func hasSelectable(route router.RouteSnapshot) bool {
	for _, b := range route.Backends {
		if b.Health != backend.HealthUnhealthy {
			return true
		}
	}
	return false
}

// probeKey is looked up by CacheCheck; it is never stored.
const probeKey = "flusso:health:probe"

// CacheCheck fails when the response cache cannot be reached. A miss is
// the expected answer.
func CacheCheck(c cache.Cache) HealthCheck {
	return NewCheckFunc("cache", func(ctx context.Context) error {
		_, err := c.Get(ctx, probeKey)
		if err == nil || errors.Is(err, cache.ErrCacheMiss) {
			return nil
		}
		return err
	})
}
