package middleware

import (
	"bufio"
	"bytes"
	"encoding/json"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/vyrodovalexey/flusso/internal/cache"
	"github.com/vyrodovalexey/flusso/internal/config"
	"github.com/vyrodovalexey/flusso/internal/observability"
)

// Values of the X-Cache response header.
const (
	CacheHit  = "HIT"
	CacheMiss = "MISS"
)

// defaultCacheTTL applies when the configuration leaves the TTL unset.
const defaultCacheTTL = 60 * time.Second

// cachedResponse holds a serialized HTTP response for cache storage.
type cachedResponse struct {
	StatusCode int                 `json:"statusCode"`
	Headers    map[string][]string `json:"headers"`
	Body       []byte              `json:"body"`
}

type cacheMiddleware struct {
	cache   cache.Cache
	logger  observability.Logger
	ttl     time.Duration
	maxBody int64
}

// Cache returns a middleware serving GET responses from c. Only 200
// responses with a Content-Length no larger than the configured limit are
// stored, keyed by cache.ResponseKey. A request carrying
// Cache-Control: no-cache or no-store bypasses the cache entirely.
// Responses to requests with Authorization or Cookie are stored only when
// marked public or s-maxage; responses that set cookies or vary on
// everything are never stored.
func Cache(c cache.Cache, cfg *config.CacheConfig, logger observability.Logger) func(http.Handler) http.Handler {
	if c == nil || cfg == nil || !cfg.Enabled {
		return func(next http.Handler) http.Handler { return next }
	}

	if logger == nil {
		logger = observability.NopLogger()
	}

	cm := &cacheMiddleware{
		cache:   c,
		logger:  logger,
		ttl:     cfg.TTL.Duration(),
		maxBody: cfg.MaxBodyBytes,
	}
	if cm.ttl <= 0 {
		cm.ttl = defaultCacheTTL
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !isCacheable(r) {
				next.ServeHTTP(w, r)
				return
			}

			key := cache.ResponseKey(r)
			if cm.serveCached(w, r, key) {
				return
			}

			w.Header().Set(HeaderXCache, CacheMiss)
			cm.captureAndStore(w, r, next, key)
		})
	}
}

func isCacheable(r *http.Request) bool {
	if r.Method != http.MethodGet {
		return false
	}
	cc := cacheDirectives(r.Header)
	return !cc["no-cache"] && !cc["no-store"]
}

// hasCredentials reports whether the response may be specific to the
// caller.
func hasCredentials(r *http.Request) bool {
	return r.Header.Get(HeaderAuthorization) != "" || r.Header.Get(HeaderCookie) != ""
}

// cacheDirectives returns the lowercased Cache-Control directive names in h.
func cacheDirectives(h http.Header) map[string]bool {
	directives := make(map[string]bool)
	for _, value := range h.Values(HeaderCacheControl) {
		for _, part := range strings.Split(value, ",") {
			name, _, _ := strings.Cut(strings.TrimSpace(part), "=")
			if name != "" {
				directives[strings.ToLower(name)] = true
			}
		}
	}
	return directives
}

// serveCached writes the stored response for key, if any. Backend errors
// of the cache are treated as a miss.
func (cm *cacheMiddleware) serveCached(w http.ResponseWriter, r *http.Request, key string) bool {
	data, err := cm.cache.Get(r.Context(), key)
	if err != nil {
		return false
	}

	var cached cachedResponse
	if err := json.Unmarshal(data, &cached); err != nil {
		cm.logger.Debug("cache entry undecodable, treating as miss",
			observability.String("key", key))
		return false
	}

	for k, vals := range cached.Headers {
		for _, v := range vals {
			w.Header().Add(k, v)
		}
	}
	w.Header().Set(HeaderXCache, CacheHit)
	w.WriteHeader(cached.StatusCode)
	_, _ = w.Write(cached.Body)
	return true
}

func (cm *cacheMiddleware) captureAndStore(w http.ResponseWriter, r *http.Request, next http.Handler, key string) {
	rec := &cacheRecorder{
		ResponseWriter: w,
		statusCode:     http.StatusOK,
		limit:          cm.maxBody,
		credentialed:   hasCredentials(r),
	}

	next.ServeHTTP(rec, r)

	if !rec.storable() {
		return
	}

	headers := rec.Header().Clone()
	headers.Del(HeaderXCache)

	data, err := json.Marshal(cachedResponse{
		StatusCode: rec.statusCode,
		Headers:    headers,
		Body:       rec.body.Bytes(),
	})
	if err != nil {
		return
	}

	if err := cm.cache.Set(r.Context(), key, data, cm.ttl); err != nil {
		cm.logger.Debug("failed to store response in cache",
			observability.String("key", key),
			observability.Error(err))
	}
}

// cacheRecorder tees the response body into a buffer while it streams to
// the client.
type cacheRecorder struct {
	http.ResponseWriter
	statusCode    int
	headerWritten bool
	limit         int64
	length        int64
	body          bytes.Buffer
	overflow      bool
	credentialed  bool
}

func (r *cacheRecorder) WriteHeader(code int) {
	if r.headerWritten {
		return
	}
	if code >= http.StatusOK {
		r.statusCode = code
		r.headerWritten = true
		r.length = declaredLength(r.Header())
		r.overflow = r.length < 0 || (r.limit > 0 && r.length > r.limit)
	}
	r.ResponseWriter.WriteHeader(code)
}

func (r *cacheRecorder) Write(b []byte) (int, error) {
	if !r.headerWritten {
		r.WriteHeader(http.StatusOK)
	}
	if !r.overflow {
		if int64(r.body.Len()+len(b)) > r.length {
			r.overflow = true
			r.body.Reset()
		} else {
			r.body.Write(b)
		}
	}
	return r.ResponseWriter.Write(b)
}

// storable reports whether the captured response may be cached.
func (r *cacheRecorder) storable() bool {
	if r.statusCode != http.StatusOK || r.overflow || !r.headerWritten {
		return false
	}
	if int64(r.body.Len()) != r.length {
		return false
	}

	h := r.Header()
	if len(h.Values(HeaderSetCookie)) > 0 {
		return false
	}
	for _, vary := range h.Values(HeaderVary) {
		if strings.Contains(vary, "*") {
			return false
		}
	}

	cc := cacheDirectives(h)
	if cc["no-store"] || cc["private"] {
		return false
	}
	if r.credentialed {
		return cc["public"] || cc["s-maxage"]
	}
	return true
}

// Flush implements http.Flusher for streaming support.
func (r *cacheRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Hijack implements http.Hijacker for upgraded connections.
func (r *cacheRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if h, ok := r.ResponseWriter.(http.Hijacker); ok {
		r.overflow = true
		return h.Hijack()
	}
	return nil, nil, http.ErrNotSupported
}

// declaredLength returns the Content-Length header, or -1 if it is
// absent or malformed.
func declaredLength(h http.Header) int64 {
	v := h.Get(HeaderContentLength)
	if v == "" {
		return -1
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil || n < 0 {
		return -1
	}
	return n
}
