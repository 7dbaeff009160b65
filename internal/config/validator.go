package config

import (
	"fmt"
	"net"
	"net/netip"
	"strconv"
	"strings"
)

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Path    string
	Message string
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	if e.Path != "" {
		return fmt.Sprintf("%s: %s", e.Path, e.Message)
	}
	return e.Message
}

// ValidationErrors is a collection of validation errors.
type ValidationErrors []ValidationError

// Error implements the error interface.
func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return "no validation errors"
	}
	if len(e) == 1 {
		return e[0].Error()
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("%d validation errors:\n", len(e)))
	for i, err := range e {
		sb.WriteString(fmt.Sprintf("  %d. %s\n", i+1, err.Error()))
	}
	return sb.String()
}

// HasErrors returns true if there are validation errors.
func (e ValidationErrors) HasErrors() bool {
	return len(e) > 0
}

// Validator validates configuration.
type Validator struct {
	errors ValidationErrors
}

// NewValidator creates a new configuration validator.
func NewValidator() *Validator {
	return &Validator{
		errors: make(ValidationErrors, 0),
	}
}

// ValidateConfig validates a configuration.
func ValidateConfig(cfg *Config) error {
	return NewValidator().Validate(cfg)
}

// Validate validates the configuration and returns any errors.
func (v *Validator) Validate(cfg *Config) error {
	v.errors = make(ValidationErrors, 0)

	if cfg == nil {
		v.addError("", "configuration is nil")
		return v.errors
	}

	if cfg.Listener.Address == "" {
		v.addError("listener.address", "address is required")
	}
	for i, cidr := range cfg.Listener.TrustedProxies {
		if !validProxyEntry(cidr) {
			v.addError(fmt.Sprintf("listener.trustedProxies[%d]", i), "must be a CIDR or IP address")
		}
	}
	if cfg.Admin.Enabled && cfg.Admin.Address == "" {
		v.addError("admin.address", "address is required when admin is enabled")
	}

	v.validateKubernetes(&cfg.Kubernetes)
	v.validateHealthCheck(&cfg.HealthCheck)
	v.validateRetry(&cfg.Retry, "retry")
	v.validateRoutes(cfg.Routes)
	v.validateCache(&cfg.Cache)

	if cfg.Proxy.MaxReplayBodyBytes < 0 {
		v.addError("proxy.maxReplayBodyBytes", "must not be negative")
	}
	if cfg.RateLimit.Enabled && cfg.RateLimit.RequestsPerSecond <= 0 {
		v.addError("rateLimit.requestsPerSecond", "must be positive when rate limiting is enabled")
	}
	if cfg.Tracing.SamplingRate < 0 || cfg.Tracing.SamplingRate > 1 {
		v.addError("tracing.samplingRate", "must be between 0 and 1")
	}

	if v.errors.HasErrors() {
		return v.errors
	}
	return nil
}

// validateKubernetes validates the cluster watch settings.
func (v *Validator) validateKubernetes(k *KubernetesConfig) {
	if !k.Enabled {
		return
	}
	if k.IngressClass == "" {
		v.addError("kubernetes.ingressClass", "ingressClass is required")
	}
	if k.EventBuffer <= 0 {
		v.addError("kubernetes.eventBuffer", "eventBuffer must be positive")
	}
	if !k.WatchIngresses && !k.WatchServices {
		v.addError("kubernetes", "at least one of watchIngresses or watchServices must be enabled")
	}
}

// validateHealthCheck validates probing settings.
func (v *Validator) validateHealthCheck(hc *HealthCheckConfig) {
	if !hc.Enabled {
		return
	}
	if !hc.UseGRPC && !strings.HasPrefix(hc.Path, "/") {
		v.addError("healthCheck.path", "path must start with '/'")
	}
	if hc.Interval <= 0 {
		v.addError("healthCheck.interval", "interval must be positive")
	}
	if hc.Timeout <= 0 {
		v.addError("healthCheck.timeout", "timeout must be positive")
	}
	if hc.UnhealthyThreshold <= 0 {
		v.addError("healthCheck.unhealthyThreshold", "must be positive")
	}
	if hc.HealthyThreshold <= 0 {
		v.addError("healthCheck.healthyThreshold", "must be positive")
	}
}

// validateRetry validates a retry policy.
func (v *Validator) validateRetry(r *RetryConfig, path string) {
	if r.MaxAttempts <= 0 {
		v.addError(path+".maxAttempts", "maxAttempts must be at least 1")
	}

	switch r.Strategy {
	case "", BackoffExponential, BackoffConstant, BackoffLinear:
	default:
		v.addError(path+".strategy", fmt.Sprintf("unknown backoff strategy %q", r.Strategy))
	}

	if r.InitialBackoff < 0 || r.MaxBackoff < 0 {
		v.addError(path, "backoff durations must not be negative")
	}
	if r.MaxBackoff > 0 && r.InitialBackoff > r.MaxBackoff {
		v.addError(path+".initialBackoff", "initialBackoff must not exceed maxBackoff")
	}
	if r.Jitter < 0 || r.Jitter > 1 {
		v.addError(path+".jitter", "jitter must be between 0 and 1")
	}
}

// validateRoutes validates route definitions. Two routes may not share a
// prefix; events address a pool by its prefix.
func (v *Validator) validateRoutes(routes []RouteConfig) {
	names := make(map[string]bool, len(routes))
	prefixes := make(map[string]bool, len(routes))

	for i := range routes {
		route := &routes[i]
		path := fmt.Sprintf("routes[%d]", i)

		if route.Name == "" {
			v.addError(path+".name", "name is required")
		} else if names[route.Name] {
			v.addError(path+".name", fmt.Sprintf("duplicate route name %q", route.Name))
		}
		names[route.Name] = true

		if !strings.HasPrefix(route.PathPrefix, "/") {
			v.addError(path+".pathPrefix", "pathPrefix must start with '/'")
		} else if prefixes[route.PathPrefix] {
			v.addError(path+".pathPrefix", fmt.Sprintf("duplicate pathPrefix %q", route.PathPrefix))
		}
		prefixes[route.PathPrefix] = true

		switch route.LoadBalancer {
		case "", LoadBalancerRoundRobin, LoadBalancerRandom, LoadBalancerLeastConn:
		default:
			v.addError(path+".loadBalancer", fmt.Sprintf("unknown load balancer %q", route.LoadBalancer))
		}

		if route.Timeout < 0 {
			v.addError(path+".timeout", "timeout must not be negative")
		}
		if route.Retry != nil {
			v.validateRetry(route.Retry, path+".retry")
		}

		for j, addr := range route.Backends {
			if err := validateHostPort(addr); err != nil {
				v.addError(fmt.Sprintf("%s.backends[%d]", path, j), err.Error())
			}
		}
	}
}

// validateCache validates the response cache settings.
func (v *Validator) validateCache(c *CacheConfig) {
	if !c.Enabled {
		return
	}
	switch c.Type {
	case CacheTypeMemory:
	case CacheTypeRedis:
		if c.Redis == nil || c.Redis.Address == "" {
			v.addError("cache.redis.address", "address is required for redis cache")
		}
	default:
		v.addError("cache.type", fmt.Sprintf("unknown cache type %q", c.Type))
	}
	if c.TTL <= 0 {
		v.addError("cache.ttl", "ttl must be positive")
	}
}

// validateHostPort checks a "host:port" backend address.
func validateHostPort(addr string) error {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return fmt.Errorf("invalid backend address %q: %w", addr, err)
	}
	if host == "" {
		return fmt.Errorf("invalid backend address %q: empty host", addr)
	}
	p, err := strconv.Atoi(port)
	if err != nil || p <= 0 || p > 65535 {
		return fmt.Errorf("invalid backend address %q: bad port", addr)
	}
	return nil
}

// addError adds a validation error.
func (v *Validator) addError(path, message string) {
	v.errors = append(v.errors, ValidationError{
		Path:    path,
		Message: message,
	})
}

// validProxyEntry reports whether s is a CIDR or a single IP address.
func validProxyEntry(s string) bool {
	if _, err := netip.ParsePrefix(s); err == nil {
		return true
	}
	_, err := netip.ParseAddr(s)
	return err == nil
}
