package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/vyrodovalexey/flusso/internal/config"
	"github.com/vyrodovalexey/flusso/internal/observability"
)

// shutdownTimeout bounds graceful shutdown after the context is done.
const shutdownTimeout = 30 * time.Second

const readHeaderTimeout = 10 * time.Second

// run serves traffic until ctx is done, then shuts everything down.
func (app *application) run(ctx context.Context, configPath string) error {
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", app.config.Listener.Address)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", app.config.Listener.Address, err)
	}
	app.setAddr(ln.Addr())

	server := &http.Server{
		Handler:           app.handler,
		ReadHeaderTimeout: readHeaderTimeout,
		ReadTimeout:       app.config.Listener.ReadTimeout.Duration(),
		WriteTimeout:      app.config.Listener.WriteTimeout.Duration(),
		IdleTimeout:       app.config.Listener.IdleTimeout.Duration(),
	}

	g, gctx := errgroup.WithContext(ctx)

	if app.processor != nil {
		g.Go(func() error { return app.processor.Run(gctx) })
	}
	for _, src := range app.sources {
		g.Go(func() error { return src.Run(gctx) })
	}
	if app.healthChecker != nil {
		app.healthChecker.Start(gctx)
	}
	if app.admin != nil {
		g.Go(func() error { return app.admin.Start(gctx) })
	}

	watcher := app.startConfigWatcher(gctx, configPath)

	g.Go(func() error {
		app.logger.Info("proxy listening",
			observability.String("address", ln.Addr().String()))
		if err := server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("proxy server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		app.shutdown(server, watcher)
		return nil
	})

	return g.Wait()
}

// startConfigWatcher hot-reloads route policies. Failures leave the
// running configuration in place.
func (app *application) startConfigWatcher(ctx context.Context, configPath string) *config.Watcher {
	if configPath == "" {
		return nil
	}

	watcher, err := config.NewWatcher(configPath, app.reload,
		config.WithWatcherLogger(app.logger),
		config.WithErrorFunc(func(err error) {
			app.metrics.RecordConfigReload(false)
			app.logger.Error("configuration reload failed", observability.Error(err))
		}),
	)
	if err != nil {
		app.logger.Warn("configuration watcher disabled", observability.Error(err))
		return nil
	}

	if err := watcher.Start(ctx); err != nil {
		app.logger.Warn("configuration watcher disabled", observability.Error(err))
		_ = watcher.Stop()
		return nil
	}
	return watcher
}

// reload applies a changed configuration to the live route table.
func (app *application) reload(cfg *config.Config) {
	updated, err := app.table.ApplyConfig(cfg)
	if err != nil {
		app.metrics.RecordConfigReload(false)
		app.logger.Error("failed to apply configuration", observability.Error(err))
		return
	}
	app.metrics.RecordConfigReload(true)
	app.logger.Info("configuration reloaded", observability.Int("routes_updated", updated))
}

// shutdown drains in-flight requests then releases every component.
func (app *application) shutdown(server *http.Server, watcher *config.Watcher) {
	app.logger.Info("shutting down", observability.Duration("timeout", shutdownTimeout))

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	// Readiness fails first so load balancers stop sending traffic.
	app.probes.SetDraining(true)

	if err := server.Shutdown(ctx); err != nil {
		app.logger.Error("failed to stop proxy server gracefully", observability.Error(err))
	}

	if app.admin != nil {
		if err := app.admin.Stop(ctx); err != nil {
			app.logger.Error("failed to stop admin server", observability.Error(err))
		}
	}

	if app.healthChecker != nil {
		app.healthChecker.Stop()
	}

	if watcher != nil {
		if err := watcher.Stop(); err != nil {
			app.logger.Error("failed to stop configuration watcher", observability.Error(err))
		}
	}

	if app.rateLimiter != nil {
		app.rateLimiter.Stop()
	}

	if app.cache != nil {
		if err := app.cache.Close(); err != nil {
			app.logger.Error("failed to close response cache", observability.Error(err))
		}
	}

	if err := app.tracer.Shutdown(ctx); err != nil {
		app.logger.Error("failed to shutdown tracer", observability.Error(err))
	}
}

func (app *application) setAddr(addr net.Addr) {
	app.mu.Lock()
	app.addr = addr
	app.mu.Unlock()
}

// Addr returns the proxy listener address once run is serving.
func (app *application) Addr() net.Addr {
	app.mu.Lock()
	defer app.mu.Unlock()
	return app.addr
}
