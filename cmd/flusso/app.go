package main

import (
	"fmt"
	"net"
	"net/http"
	"sync"

	"k8s.io/client-go/kubernetes"

	"github.com/vyrodovalexey/flusso/internal/admin"
	"github.com/vyrodovalexey/flusso/internal/backend"
	"github.com/vyrodovalexey/flusso/internal/cache"
	"github.com/vyrodovalexey/flusso/internal/config"
	"github.com/vyrodovalexey/flusso/internal/health"
	"github.com/vyrodovalexey/flusso/internal/ingress"
	"github.com/vyrodovalexey/flusso/internal/middleware"
	"github.com/vyrodovalexey/flusso/internal/observability"
	"github.com/vyrodovalexey/flusso/internal/proxy"
	"github.com/vyrodovalexey/flusso/internal/router"
)

const defaultServiceName = "flusso"

// application holds all application components.
type application struct {
	config        *config.Config
	logger        observability.Logger
	metrics       *observability.Metrics
	tracer        *observability.Tracer
	table         *router.Table
	events        chan ingress.Event
	sources       []*ingress.Source
	processor     *ingress.Processor
	healthChecker *backend.HealthChecker
	proxy         *proxy.ReverseProxy
	cache         cache.Cache
	rateLimiter   *middleware.RateLimiter
	probes        *health.Handler
	admin         *admin.Server
	handler       http.Handler

	mu   sync.Mutex
	addr net.Addr
}

// newApplication wires every component from cfg. A nil client runs
// with static routes only.
func newApplication(
	cfg *config.Config,
	logger observability.Logger,
	client kubernetes.Interface,
) (*application, error) {
	app := &application{
		config:  cfg,
		logger:  logger,
		metrics: observability.NewMetrics("flusso"),
	}
	app.metrics.SetBuildInfo(version, gitCommit, buildTime)

	tracer, err := initTracer(cfg.Tracing)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize tracer: %w", err)
	}
	app.tracer = tracer

	table, err := router.FromConfig(cfg,
		router.WithLogger(logger),
		router.WithMetrics(app.metrics),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to build route table: %w", err)
	}
	app.table = table

	app.initIngress(client)

	if cfg.HealthCheck.Enabled {
		app.healthChecker = backend.NewHealthChecker(table, cfg.HealthCheck,
			backend.WithHealthCheckLogger(logger),
			backend.WithHealthCheckMetrics(app.metrics),
			backend.WithHealthCheckClient(&http.Client{
				Transport: backend.NewTransport(backend.DefaultPoolConfig()),
			}),
		)
	}

	app.proxy = proxy.New(table,
		proxy.WithLogger(logger),
		proxy.WithMetrics(app.metrics),
		proxy.WithTracer(tracer),
		proxy.WithTransport(backend.NewTransport(backend.DefaultPoolConfig())),
		proxy.WithBreakers(proxy.NewBreakers(cfg.CircuitBreaker, logger, app.metrics, tracer)),
		proxy.WithMaxReplayBodyBytes(cfg.Proxy.MaxReplayBodyBytes),
	)

	if err := app.initCache(); err != nil {
		return nil, err
	}

	app.handler = app.buildHandler()
	app.initProbes()

	if cfg.Admin.Enabled {
		app.admin = admin.NewServer(cfg.Admin.Address, table, app.probes, app.metrics,
			admin.WithLogger(logger))
	}

	return app, nil
}

// initTracer creates the tracer; a disabled configuration is a no-op.
func initTracer(cfg config.TracingConfig) (*observability.Tracer, error) {
	serviceName := cfg.ServiceName
	if serviceName == "" {
		serviceName = defaultServiceName
	}
	return observability.NewTracer(observability.TracerConfig{
		ServiceName:  serviceName,
		OTLPEndpoint: cfg.OTLPEndpoint,
		SamplingRate: cfg.SamplingRate,
		Enabled:      cfg.Enabled,
	})
}

// initIngress creates one source per watched kind, all feeding a single
// processor through a shared channel.
func (app *application) initIngress(client kubernetes.Interface) {
	kc := app.config.Kubernetes
	if client == nil || !kc.Enabled {
		return
	}

	app.events = ingress.NewEventChannel(kc.EventBuffer)
	resolver := ingress.NewServiceResolver(client)

	var adapters []ingress.Adapter
	if kc.WatchIngresses {
		adapters = append(adapters, ingress.NewIngressAdapter(client, kc.Namespace, kc.IngressClass))
	}
	if kc.WatchServices {
		adapters = append(adapters, ingress.NewServiceAdapter(client, kc.Namespace, kc.IngressClass))
	}

	for _, adapter := range adapters {
		app.sources = append(app.sources, ingress.NewSource(adapter, resolver, app.events,
			ingress.WithSourceLogger(app.logger),
			ingress.WithSourceMetrics(app.metrics),
			ingress.WithReconnectBackoff(kc.InitialBackoff.Duration(), kc.MaxBackoff.Duration()),
		))
	}

	app.processor = ingress.NewProcessor(app.table, app.events,
		ingress.WithProcessorLogger(app.logger),
		ingress.WithProcessorMetrics(app.metrics),
	)
}

func (app *application) initCache() error {
	if !app.config.Cache.Enabled {
		return nil
	}
	c, err := cache.New(&app.config.Cache,
		cache.WithLogger(app.logger),
		cache.WithMetrics(app.metrics),
	)
	if err != nil {
		return fmt.Errorf("failed to create response cache: %w", err)
	}
	app.cache = c
	return nil
}

// buildHandler assembles the data plane middleware chain around the proxy.
func (app *application) buildHandler() http.Handler {
	middleware.SetGlobalIPExtractor(middleware.NewClientIPExtractor(app.config.Listener.TrustedProxies))

	rateLimit, limiter := middleware.RateLimitFromConfig(&app.config.RateLimit,
		middleware.WithRateLimiterLogger(app.logger),
		middleware.WithRateLimiterMetrics(app.metrics),
	)
	app.rateLimiter = limiter

	return middleware.Chain(
		middleware.Recovery(app.logger),
		middleware.RequestID(),
		observability.TracingMiddleware(app.tracer),
		middleware.Logging(app.logger),
		rateLimit,
		middleware.Cache(app.cache, &app.config.Cache, app.logger),
	)(app.proxy)
}

// initProbes registers readiness checks. Sources gate readiness; backend
// and cache problems only degrade it.
func (app *application) initProbes() {
	app.probes = health.NewHandler(version, health.WithLogger(app.logger))
	for _, src := range app.sources {
		app.probes.AddCheck(health.SourceCheck(src), true)
	}
	app.probes.AddCheck(health.BackendsCheck(app.table), false)
	if app.cache != nil {
		app.probes.AddCheck(health.CacheCheck(app.cache), false)
	}
}
