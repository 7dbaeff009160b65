package middleware

import "net/http"

// HTTP header constants.
const (
	HeaderContentType   = "Content-Type"
	HeaderRetryAfter    = "Retry-After"
	HeaderCacheControl  = "Cache-Control"
	HeaderContentLength = "Content-Length"
	HeaderXCache        = "X-Cache"
	HeaderXForwardedFor = "X-Forwarded-For"
	HeaderAuthorization = "Authorization"
	HeaderCookie        = "Cookie"
	HeaderSetCookie     = "Set-Cookie"
	HeaderVary          = "Vary"
)

// ContentTypeJSON is the JSON content type.
const ContentTypeJSON = "application/json"

// Error response bodies.
const (
	ErrRateLimitExceeded   = `{"error":"rate limit exceeded"}`
	ErrInternalServerError = `{"error":"internal server error"}`
)

// Chain composes middleware so the first argument is the outermost
// wrapper.
func Chain(mws ...func(http.Handler) http.Handler) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		for i := len(mws) - 1; i >= 0; i-- {
			next = mws[i](next)
		}
		return next
	}
}
