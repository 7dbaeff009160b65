// Package config provides configuration types, loading, validation and
// hot reload for flusso.
package config

import "time"

// Load balancing strategies accepted by a route.
const (
	LoadBalancerRoundRobin = "round-robin"
	LoadBalancerRandom     = "random"
	LoadBalancerLeastConn  = "least-connections"
)

// Backoff strategies accepted by a retry policy.
const (
	BackoffExponential = "exponential"
	BackoffConstant    = "constant"
	BackoffLinear      = "linear"
)

// Cache backends.
const (
	CacheTypeMemory = "memory"
	CacheTypeRedis  = "redis"
)

// DefaultIngressClass is the class flusso claims when none is configured.
const DefaultIngressClass = "flusso"

// DefaultEventBuffer is the capacity of the shared backend event channel.
const DefaultEventBuffer = 32

// Config is the root configuration document.
type Config struct {
	Listener       ListenerConfig       `yaml:"listener" json:"listener"`
	Admin          AdminConfig          `yaml:"admin" json:"admin"`
	Kubernetes     KubernetesConfig     `yaml:"kubernetes" json:"kubernetes"`
	HealthCheck    HealthCheckConfig    `yaml:"healthCheck" json:"healthCheck"`
	Retry          RetryConfig          `yaml:"retry" json:"retry"`
	Proxy          ProxyConfig          `yaml:"proxy" json:"proxy"`
	Routes         []RouteConfig        `yaml:"routes" json:"routes"`
	CircuitBreaker CircuitBreakerConfig `yaml:"circuitBreaker" json:"circuitBreaker"`
	RateLimit      RateLimitConfig      `yaml:"rateLimit" json:"rateLimit"`
	Cache          CacheConfig          `yaml:"cache" json:"cache"`
	Logging        LoggingConfig        `yaml:"logging" json:"logging"`
	Tracing        TracingConfig        `yaml:"tracing" json:"tracing"`
}

// ListenerConfig configures the inbound HTTP listener.
type ListenerConfig struct {
	Address      string   `yaml:"address" json:"address"`
	ReadTimeout  Duration `yaml:"readTimeout,omitempty" json:"readTimeout,omitempty"`
	WriteTimeout Duration `yaml:"writeTimeout,omitempty" json:"writeTimeout,omitempty"`
	IdleTimeout  Duration `yaml:"idleTimeout,omitempty" json:"idleTimeout,omitempty"`
	// TrustedProxies lists CIDRs whose X-Forwarded-For is believed when
	// resolving the client address for logs and rate limiting.
	TrustedProxies []string `yaml:"trustedProxies,omitempty" json:"trustedProxies,omitempty"`
}

// AdminConfig configures the administrative HTTP server.
type AdminConfig struct {
	Enabled bool   `yaml:"enabled" json:"enabled"`
	Address string `yaml:"address" json:"address"`
}

// KubernetesConfig configures the cluster watch.
type KubernetesConfig struct {
	Enabled        bool     `yaml:"enabled" json:"enabled"`
	Kubeconfig     string   `yaml:"kubeconfig,omitempty" json:"kubeconfig,omitempty"`
	Namespace      string   `yaml:"namespace,omitempty" json:"namespace,omitempty"`
	IngressClass   string   `yaml:"ingressClass" json:"ingressClass"`
	WatchIngresses bool     `yaml:"watchIngresses" json:"watchIngresses"`
	WatchServices  bool     `yaml:"watchServices" json:"watchServices"`
	EventBuffer    int      `yaml:"eventBuffer" json:"eventBuffer"`
	InitialBackoff Duration `yaml:"initialBackoff,omitempty" json:"initialBackoff,omitempty"`
	MaxBackoff     Duration `yaml:"maxBackoff,omitempty" json:"maxBackoff,omitempty"`
}

// HealthCheckConfig configures active backend probing.
type HealthCheckConfig struct {
	Enabled            bool     `yaml:"enabled" json:"enabled"`
	Path               string   `yaml:"path" json:"path"`
	Interval           Duration `yaml:"interval" json:"interval"`
	Timeout            Duration `yaml:"timeout" json:"timeout"`
	HealthyThreshold   int      `yaml:"healthyThreshold" json:"healthyThreshold"`
	UnhealthyThreshold int      `yaml:"unhealthyThreshold" json:"unhealthyThreshold"`
	UseGRPC            bool     `yaml:"useGRPC,omitempty" json:"useGRPC,omitempty"`
	GRPCService        string   `yaml:"grpcService,omitempty" json:"grpcService,omitempty"`
}

// RetryConfig configures retry-with-backoff for proxied requests.
type RetryConfig struct {
	MaxAttempts    int      `yaml:"maxAttempts" json:"maxAttempts"`
	Strategy       string   `yaml:"strategy" json:"strategy"`
	InitialBackoff Duration `yaml:"initialBackoff" json:"initialBackoff"`
	MaxBackoff     Duration `yaml:"maxBackoff" json:"maxBackoff"`
	Factor         float64  `yaml:"factor,omitempty" json:"factor,omitempty"`
	Jitter         float64  `yaml:"jitter,omitempty" json:"jitter,omitempty"`
}

// ProxyConfig configures the forwarding path.
type ProxyConfig struct {
	Timeout            Duration `yaml:"timeout" json:"timeout"`
	MaxReplayBodyBytes int64    `yaml:"maxReplayBodyBytes" json:"maxReplayBodyBytes"`
}

// RouteConfig binds a path prefix to a backend pool.
type RouteConfig struct {
	Name         string       `yaml:"name" json:"name"`
	PathPrefix   string       `yaml:"pathPrefix" json:"pathPrefix"`
	LoadBalancer string       `yaml:"loadBalancer,omitempty" json:"loadBalancer,omitempty"`
	Timeout      Duration     `yaml:"timeout,omitempty" json:"timeout,omitempty"`
	Retry        *RetryConfig `yaml:"retry,omitempty" json:"retry,omitempty"`
	Backends     []string     `yaml:"backends,omitempty" json:"backends,omitempty"`
}

// CircuitBreakerConfig configures per-backend circuit breakers.
type CircuitBreakerConfig struct {
	Enabled             bool     `yaml:"enabled" json:"enabled"`
	MaxRequests         uint32   `yaml:"maxRequests" json:"maxRequests"`
	Interval            Duration `yaml:"interval" json:"interval"`
	Timeout             Duration `yaml:"timeout" json:"timeout"`
	ConsecutiveFailures uint32   `yaml:"consecutiveFailures" json:"consecutiveFailures"`
}

// RateLimitConfig configures inbound rate limiting.
type RateLimitConfig struct {
	Enabled           bool `yaml:"enabled" json:"enabled"`
	RequestsPerSecond int  `yaml:"requestsPerSecond" json:"requestsPerSecond"`
	Burst             int  `yaml:"burst" json:"burst"`
	PerClient         bool `yaml:"perClient,omitempty" json:"perClient,omitempty"`
}

// CacheConfig configures the GET response cache.
type CacheConfig struct {
	Enabled      bool         `yaml:"enabled" json:"enabled"`
	Type         string       `yaml:"type" json:"type"`
	TTL          Duration     `yaml:"ttl" json:"ttl"`
	MaxEntries   int          `yaml:"maxEntries,omitempty" json:"maxEntries,omitempty"`
	MaxBodyBytes int64        `yaml:"maxBodyBytes,omitempty" json:"maxBodyBytes,omitempty"`
	Redis        *RedisConfig `yaml:"redis,omitempty" json:"redis,omitempty"`
}

// RedisConfig configures the Redis cache backend.
type RedisConfig struct {
	Address   string `yaml:"address" json:"address"`
	Password  string `yaml:"password,omitempty" json:"password,omitempty"`
	DB        int    `yaml:"db,omitempty" json:"db,omitempty"`
	KeyPrefix string `yaml:"keyPrefix,omitempty" json:"keyPrefix,omitempty"`
}

// LoggingConfig configures the process logger.
type LoggingConfig struct {
	Level  string `yaml:"level" json:"level"`
	Format string `yaml:"format" json:"format"`
}

// TracingConfig configures OpenTelemetry tracing.
type TracingConfig struct {
	Enabled      bool    `yaml:"enabled" json:"enabled"`
	OTLPEndpoint string  `yaml:"otlpEndpoint,omitempty" json:"otlpEndpoint,omitempty"`
	SamplingRate float64 `yaml:"samplingRate" json:"samplingRate"`
	ServiceName  string  `yaml:"serviceName,omitempty" json:"serviceName,omitempty"`
}

// DefaultConfig returns a configuration with every default applied and
// no routes.
func DefaultConfig() *Config {
	return &Config{
		Listener: ListenerConfig{
			Address:      ":8080",
			ReadTimeout:  Duration(30 * time.Second),
			WriteTimeout: Duration(60 * time.Second),
			IdleTimeout:  Duration(120 * time.Second),
		},
		Admin: AdminConfig{
			Enabled: true,
			Address: ":9090",
		},
		Kubernetes: KubernetesConfig{
			Enabled:        true,
			IngressClass:   DefaultIngressClass,
			WatchIngresses: true,
			EventBuffer:    DefaultEventBuffer,
			InitialBackoff: Duration(500 * time.Millisecond),
			MaxBackoff:     Duration(30 * time.Second),
		},
		HealthCheck: HealthCheckConfig{
			Enabled:            true,
			Path:               "/healthz",
			Interval:           Duration(10 * time.Second),
			Timeout:            Duration(5 * time.Second),
			HealthyThreshold:   1,
			UnhealthyThreshold: 3,
		},
		Retry: DefaultRetryConfig(),
		Proxy: ProxyConfig{
			Timeout:            Duration(30 * time.Second),
			MaxReplayBodyBytes: 1 << 20,
		},
		CircuitBreaker: CircuitBreakerConfig{
			MaxRequests:         1,
			Interval:            Duration(60 * time.Second),
			Timeout:             Duration(30 * time.Second),
			ConsecutiveFailures: 5,
		},
		RateLimit: RateLimitConfig{
			RequestsPerSecond: 100,
			Burst:             200,
		},
		Cache: CacheConfig{
			Type:         CacheTypeMemory,
			TTL:          Duration(60 * time.Second),
			MaxEntries:   1000,
			MaxBodyBytes: 1 << 20,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Tracing: TracingConfig{
			SamplingRate: 1.0,
			ServiceName:  "flusso",
		},
	}
}

// DefaultRetryConfig returns the global retry defaults.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:    3,
		Strategy:       BackoffExponential,
		InitialBackoff: Duration(100 * time.Millisecond),
		MaxBackoff:     Duration(2 * time.Second),
		Factor:         2.0,
	}
}

// RouteRetry returns the retry configuration effective for a route.
func (c *Config) RouteRetry(route *RouteConfig) RetryConfig {
	if route.Retry != nil {
		return *route.Retry
	}
	return c.Retry
}

// RouteTimeout returns the per-attempt timeout effective for a route.
func (c *Config) RouteTimeout(route *RouteConfig) time.Duration {
	if route.Timeout > 0 {
		return route.Timeout.Duration()
	}
	return c.Proxy.Timeout.Duration()
}

// RouteStrategy returns the load balancing strategy effective for a route.
func (c *Config) RouteStrategy(route *RouteConfig) string {
	if route.LoadBalancer != "" {
		return route.LoadBalancer
	}
	return LoadBalancerRoundRobin
}
