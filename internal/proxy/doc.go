// Package proxy forwards client requests to route backends.
//
// Forward matches the request path against the route table, selects a
// backend with the route's load balancer and sends the request with
// hop-by-hop headers removed. Backend I/O errors and timeouts are retried
// with the route's retry policy against a freshly selected backend. The
// backend's connection count is held until the returned response body is
// drained or closed.
//
// ReverseProxy.ServeHTTP streams the response back to the client and maps
// failures to HTTP statuses:
//
//	no route            500 no_route
//	no backend          503 no_backend
//	backend timeout     504 upstream_timeout
//	backend I/O error   502 upstream_failure
//
// Usage:
//
//	p := proxy.New(table,
//	    proxy.WithLogger(logger),
//	    proxy.WithMetrics(metrics),
//	)
//	http.Handle("/", p)
package proxy
