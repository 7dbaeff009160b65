package proxy

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"

	"github.com/vyrodovalexey/flusso/internal/backend"
	"github.com/vyrodovalexey/flusso/internal/router"
)

// Sentinel errors for proxy operations.
var (
	// ErrNoRoute indicates that no route matches the request path.
	ErrNoRoute = router.ErrNoRoute

	// ErrNoBackendAvailable indicates that the route has no selectable backend.
	ErrNoBackendAvailable = backend.ErrNoBackendAvailable

	// ErrBackendIO indicates a connection, write or read failure with a backend.
	ErrBackendIO = errors.New("backend i/o error")

	// ErrBackendTimeout indicates that a backend attempt exceeded its timeout.
	ErrBackendTimeout = errors.New("backend timeout")

	// ErrCircuitOpen indicates that the backend's circuit breaker rejected
	// the attempt. It is a backend I/O error.
	ErrCircuitOpen = fmt.Errorf("%w: circuit breaker open", ErrBackendIO)
)

// Error codes written in error responses.
const (
	CodeNoRoute         = "no_route"
	CodeNoBackend       = "no_backend"
	CodeUpstreamTimeout = "upstream_timeout"
	CodeUpstreamFailure = "upstream_failure"
)

// ProxyError represents a proxy-related error with details.
type ProxyError struct {
	Op      string // Operation that failed
	Route   string // Route name if applicable
	Target  string // Backend address if applicable
	Message string // Human-readable message
	Cause   error  // Underlying error
}

// Error implements the error interface.
func (e *ProxyError) Error() string {
	if e.Route != "" && e.Target != "" {
		return e.formatWithRouteAndTarget()
	}
	if e.Route != "" {
		return e.formatWithRoute()
	}
	return e.formatBasic()
}

func (e *ProxyError) formatWithRouteAndTarget() string {
	if e.Cause != nil {
		return fmt.Sprintf("proxy error [%s] route=%s target=%s: %s: %v",
			e.Op, e.Route, e.Target, e.Message, e.Cause)
	}
	return fmt.Sprintf("proxy error [%s] route=%s target=%s: %s",
		e.Op, e.Route, e.Target, e.Message)
}

func (e *ProxyError) formatWithRoute() string {
	if e.Cause != nil {
		return fmt.Sprintf("proxy error [%s] route=%s: %s: %v",
			e.Op, e.Route, e.Message, e.Cause)
	}
	return fmt.Sprintf("proxy error [%s] route=%s: %s", e.Op, e.Route, e.Message)
}

func (e *ProxyError) formatBasic() string {
	if e.Cause != nil {
		return fmt.Sprintf("proxy error [%s]: %s: %v", e.Op, e.Message, e.Cause)
	}
	return fmt.Sprintf("proxy error [%s]: %s", e.Op, e.Message)
}

// Unwrap returns the underlying error.
func (e *ProxyError) Unwrap() error {
	return e.Cause
}

// newNoRouteError creates an error for a path without a route.
func newNoRouteError(method, path string) *ProxyError {
	return &ProxyError{
		Op:      "match_route",
		Message: fmt.Sprintf("no route for %s %s", method, path),
		Cause:   ErrNoRoute,
	}
}

// newNoBackendError creates an error for a route without selectable backends.
func newNoBackendError(route string) *ProxyError {
	return &ProxyError{
		Op:      "select_backend",
		Route:   route,
		Message: "no backend available",
		Cause:   ErrNoBackendAvailable,
	}
}

// newAttemptError classifies a failed backend attempt. The attempt context
// carries the per-attempt deadline; the client context carries the
// client's cancellation.
func newAttemptError(route string, addr backend.Address, err error, attemptCtx, clientCtx context.Context) *ProxyError {
	pe := &ProxyError{
		Op:     "forward",
		Route:  route,
		Target: addr.String(),
	}

	switch {
	case clientCtx.Err() != nil:
		pe.Message = "client canceled request"
		pe.Cause = fmt.Errorf("%w: %w", ErrBackendIO, clientCtx.Err())
	case errors.Is(attemptCtx.Err(), context.DeadlineExceeded) || isTimeout(err):
		pe.Message = "backend did not respond in time"
		pe.Cause = fmt.Errorf("%w: %w", ErrBackendTimeout, err)
	case errors.Is(err, ErrBackendIO):
		pe.Message = "backend unavailable"
		pe.Cause = err
	default:
		pe.Message = "backend request failed"
		pe.Cause = fmt.Errorf("%w: %w", ErrBackendIO, err)
	}

	return pe
}

func isTimeout(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

// IsProxyError checks if an error is a ProxyError.
func IsProxyError(err error) bool {
	var proxyErr *ProxyError
	return errors.As(err, &proxyErr)
}

// IsRetryable reports whether a failed attempt may be retried on another
// backend.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrBackendIO) || errors.Is(err, ErrBackendTimeout)
}

// StatusFor maps an error to the HTTP status and error code sent to the
// client.
func StatusFor(err error) (int, string) {
	switch {
	case errors.Is(err, ErrNoRoute):
		return http.StatusInternalServerError, CodeNoRoute
	case errors.Is(err, ErrNoBackendAvailable):
		return http.StatusServiceUnavailable, CodeNoBackend
	case errors.Is(err, ErrBackendTimeout):
		return http.StatusGatewayTimeout, CodeUpstreamTimeout
	default:
		return http.StatusBadGateway, CodeUpstreamFailure
	}
}

// errorKind labels upstream error metrics.
func errorKind(err error) string {
	switch {
	case errors.Is(err, context.Canceled):
		return "canceled"
	case errors.Is(err, ErrCircuitOpen):
		return "circuit_open"
	case errors.Is(err, ErrBackendTimeout):
		return "timeout"
	default:
		return "io"
	}
}
