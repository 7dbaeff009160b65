package cache

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/vyrodovalexey/flusso/internal/config"
	"github.com/vyrodovalexey/flusso/internal/observability"
	"github.com/vyrodovalexey/flusso/internal/retry"
)

// DefaultKeyPrefix namespaces flusso keys in a shared Redis.
const DefaultKeyPrefix = "flusso:"

const pingTimeout = 5 * time.Second

// redisRetryPolicy bounds retries of a single Redis command.
func redisRetryPolicy() *retry.Policy {
	return &retry.Policy{
		MaxAttempts: 3,
		Backoff:     retry.NewExponentialBackoff(50*time.Millisecond, time.Second, 2, 0.1),
	}
}

// isRetryableRedisError reports whether err is worth another attempt.
func isRetryableRedisError(err error) bool {
	if err == nil {
		return false
	}
	return !errors.Is(err, redis.Nil) &&
		!errors.Is(err, context.Canceled) &&
		!errors.Is(err, context.DeadlineExceeded)
}

// redisCache implements a Redis-based cache.
type redisCache struct {
	logger     observability.Logger
	metrics    *observability.Metrics
	client     *redis.Client
	keyPrefix  string
	defaultTTL time.Duration
	policy     *retry.Policy

	hits   atomic.Int64
	misses atomic.Int64
}

func newRedisCache(cfg *config.CacheConfig, o *options) (*redisCache, error) {
	if cfg.Redis == nil || cfg.Redis.Address == "" {
		return nil, fmt.Errorf("%w: redis address is required", ErrInvalidConfig)
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Address,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), pingTimeout)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("%w: %w", ErrConnectionFailed, err)
	}

	keyPrefix := cfg.Redis.KeyPrefix
	if keyPrefix == "" {
		keyPrefix = DefaultKeyPrefix
	}

	c := &redisCache{
		logger:     o.logger,
		metrics:    o.metrics,
		client:     client,
		keyPrefix:  keyPrefix,
		defaultTTL: cfg.TTL.Duration(),
		policy:     redisRetryPolicy(),
	}

	c.logger.Info("redis cache initialized",
		observability.String("address", cfg.Redis.Address),
		observability.String("keyPrefix", keyPrefix),
		observability.Duration("defaultTTL", c.defaultTTL))

	return c, nil
}

// resolveKey hashes the key under the prefix so arbitrary request
// keys stay short and free of separators.
func (c *redisCache) resolveKey(key string) string {
	return c.keyPrefix + HashKey(key)
}

// do runs fn until it succeeds, fails with a non-retryable error, or the
// retry policy is exhausted.
func (c *redisCache) do(ctx context.Context, op, key string, fn func() error) error {
	var err error
	for attempt := 1; ; attempt++ {
		if attempt > 1 {
			if waitErr := c.policy.Wait(ctx, attempt-1); waitErr != nil {
				return err
			}
			c.logger.Debug("retrying redis "+op,
				observability.String("key", key),
				observability.Int("attempt", attempt))
		}

		err = fn()
		if !isRetryableRedisError(err) || !c.policy.CanRetry(attempt) {
			return err
		}
	}
}

func (c *redisCache) startSpan(ctx context.Context, name, key string) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, name,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("cache.backend", config.CacheTypeRedis),
			attribute.String("cache.key", key),
		),
	)
}

func (c *redisCache) fail(span trace.Span, op, key string, err error) {
	span.SetStatus(codes.Error, err.Error())
	span.RecordError(err)
	c.logger.Error("redis "+op+" failed",
		observability.String("key", key),
		observability.Error(err))
}

// Get retrieves a value from the cache.
func (c *redisCache) Get(ctx context.Context, key string) ([]byte, error) {
	ctx, span := c.startSpan(ctx, "cache.Get", key)
	defer span.End()

	var value []byte
	err := c.do(ctx, "get", key, func() error {
		var getErr error
		value, getErr = c.client.Get(ctx, c.resolveKey(key)).Bytes()
		return getErr
	})

	switch {
	case err == nil:
		c.hits.Add(1)
		c.metrics.RecordCacheLookup(true)
		span.SetAttributes(
			attribute.Bool("cache.hit", true),
			attribute.Int("cache.value_size", len(value)),
		)
		return value, nil
	case errors.Is(err, redis.Nil):
		c.misses.Add(1)
		c.metrics.RecordCacheLookup(false)
		span.SetAttributes(attribute.Bool("cache.hit", false))
		return nil, ErrCacheMiss
	default:
		c.metrics.RecordCacheLookup(false)
		c.fail(span, "get", key, err)
		return nil, err
	}
}

// Set stores a value in the cache.
func (c *redisCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	ctx, span := c.startSpan(ctx, "cache.Set", key)
	defer span.End()
	span.SetAttributes(attribute.Int("cache.value_size", len(value)))

	if ttl == 0 {
		ttl = c.defaultTTL
	}

	err := c.do(ctx, "set", key, func() error {
		return c.client.Set(ctx, c.resolveKey(key), value, ttl).Err()
	})
	if err != nil {
		c.fail(span, "set", key, err)
		return err
	}
	return nil
}

// Delete removes a value from the cache.
func (c *redisCache) Delete(ctx context.Context, key string) error {
	ctx, span := c.startSpan(ctx, "cache.Delete", key)
	defer span.End()

	err := c.do(ctx, "delete", key, func() error {
		return c.client.Del(ctx, c.resolveKey(key)).Err()
	})
	if err != nil {
		c.fail(span, "delete", key, err)
		return err
	}
	return nil
}

// Close closes the Redis client.
func (c *redisCache) Close() error {
	return c.client.Close()
}

// Stats returns the hits and misses seen by this process. Size is not
// tracked for a shared store.
func (c *redisCache) Stats() Stats {
	return Stats{
		Hits:   c.hits.Load(),
		Misses: c.misses.Load(),
	}
}
