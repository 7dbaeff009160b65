// Package cache stores proxied GET responses so repeated reads of the same
// resource skip the backend.
//
// Two implementations exist:
//
//   - memory: a process-local LRU with per-entry TTL
//   - redis: a shared store reached through go-redis, with keys hashed
//     under a configurable prefix
//
// Both satisfy Cache and are safe for concurrent use. New picks the
// implementation from configuration:
//
//	c, err := cache.New(&cfg.Cache, cache.WithLogger(logger), cache.WithMetrics(metrics))
//	if err != nil {
//	    return err
//	}
//	defer c.Close()
package cache
