// Package middleware provides the HTTP middleware wrapped around the
// reverse proxy.
//
//   - Recovery: panic recovery with stack trace logging
//   - RequestID: request identifier injection and propagation
//   - Logging: structured access logging
//   - RateLimit: token bucket rate limiting, global or per client
//   - Cache: response cache for idempotent GET requests
//
// Middleware functions follow the standard Go pattern and compose with
// Chain, outermost first:
//
//	handler := middleware.Chain(
//	    middleware.Recovery(logger),
//	    middleware.RequestID(),
//	    middleware.Logging(logger),
//	)(proxy)
package middleware
