package proxy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/vyrodovalexey/flusso/internal/backend"
	"github.com/vyrodovalexey/flusso/internal/observability"
	"github.com/vyrodovalexey/flusso/internal/router"
)

// DefaultMaxReplayBodyBytes is the largest request body buffered for retries.
const DefaultMaxReplayBodyBytes int64 = 1 << 20

// ErrorHeader carries the error code on proxy-generated error responses.
const ErrorHeader = "X-Flusso-Error"

// hopHeaders are headers that should not be forwarded.
var hopHeaders = []string{
	"Connection",
	"Proxy-Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// Routes is the route table used by the proxy.
type Routes interface {
	Match(path string) (*router.Route, error)
}

// ReverseProxy forwards requests to the backends of the matched route.
type ReverseProxy struct {
	routes    Routes
	transport http.RoundTripper
	logger    observability.Logger
	metrics   *observability.Metrics
	tracer    *observability.Tracer
	breakers  *Breakers
	maxReplay int64

	handler *httputil.ReverseProxy
}

// Option is a functional option for configuring the proxy.
type Option func(*ReverseProxy)

// WithLogger sets the logger for the proxy.
func WithLogger(logger observability.Logger) Option {
	return func(p *ReverseProxy) {
		p.logger = logger
	}
}

// WithTransport sets the transport used for backend attempts.
func WithTransport(transport http.RoundTripper) Option {
	return func(p *ReverseProxy) {
		p.transport = transport
	}
}

// WithMetrics sets the metrics collector for the proxy.
func WithMetrics(metrics *observability.Metrics) Option {
	return func(p *ReverseProxy) {
		p.metrics = metrics
	}
}

// WithTracer sets the tracer for forward and attempt spans.
func WithTracer(tracer *observability.Tracer) Option {
	return func(p *ReverseProxy) {
		p.tracer = tracer
	}
}

// WithBreakers sets the per-backend circuit breakers.
func WithBreakers(breakers *Breakers) Option {
	return func(p *ReverseProxy) {
		p.breakers = breakers
	}
}

// WithMaxReplayBodyBytes sets the largest request body buffered for
// retries. Zero disables buffering.
func WithMaxReplayBodyBytes(n int64) Option {
	return func(p *ReverseProxy) {
		if n >= 0 {
			p.maxReplay = n
		}
	}
}

// New creates a reverse proxy over routes.
func New(routes Routes, opts ...Option) *ReverseProxy {
	p := &ReverseProxy{
		routes:    routes,
		logger:    observability.NopLogger(),
		tracer:    observability.NoopTracer(),
		maxReplay: DefaultMaxReplayBodyBytes,
	}

	for _, opt := range opts {
		opt(p)
	}

	if p.transport == nil {
		p.transport = backend.NewTransport(backend.DefaultPoolConfig())
	}

	p.handler = &httputil.ReverseProxy{
		Rewrite: func(pr *httputil.ProxyRequest) {
			// Forward appends the client address to the inbound chain.
			pr.Out.Header["X-Forwarded-For"] = pr.In.Header["X-Forwarded-For"]
		},
		Transport:     roundTripFunc(p.Forward),
		FlushInterval: -1,
		ErrorHandler:  p.errorHandler,
	}

	return p
}

type roundTripFunc func(*http.Request) (*http.Response, error)

func (f roundTripFunc) RoundTrip(req *http.Request) (*http.Response, error) {
	return f(req)
}

// Forward sends req to a backend of the matched route and returns the
// backend's response with its body streaming. The caller must close the
// response body. Backend I/O errors and timeouts are retried on freshly
// selected backends while the route's retry policy allows.
func (p *ReverseProxy) Forward(req *http.Request) (*http.Response, error) {
	ctx := req.Context()

	route, err := p.routes.Match(req.URL.Path)
	if err != nil {
		return nil, newNoRouteError(req.Method, req.URL.Path)
	}
	if label, ok := ctx.Value(routeLabelKey{}).(*routeLabel); ok {
		label.name = route.Name
	}

	policy := route.Policy()

	ctx, span := p.tracer.StartSpan(ctx, "flusso.forward",
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(
			attribute.String("flusso.route", route.Name),
			attribute.String("http.request.method", req.Method),
			attribute.String("url.path", req.URL.Path),
		),
	)
	defer span.End()

	body, err := newRequestBody(req, p.maxReplay)
	if err != nil {
		pe := &ProxyError{Op: "read_body", Route: route.Name, Message: "failed to read request body", Cause: err}
		observability.RecordSpanError(span, pe)
		return nil, pe
	}

	var lastErr error
	for attempt := 1; ; attempt++ {
		if attempt > 1 {
			p.metrics.RecordRetry(route.Name)
			if werr := policy.Retry.Wait(ctx, attempt-1); werr != nil {
				pe := &ProxyError{
					Op:      "forward",
					Route:   route.Name,
					Message: "client canceled request",
					Cause:   fmt.Errorf("%w: %w", ErrBackendIO, werr),
				}
				observability.RecordSpanError(span, pe)
				return nil, pe
			}
		}

		addr, serr := route.Balancer.Select(route.Pool)
		if serr != nil {
			if lastErr != nil {
				observability.RecordSpanError(span, lastErr)
				return nil, lastErr
			}
			pe := newNoBackendError(route.Name)
			observability.RecordSpanError(span, pe)
			return nil, pe
		}

		resp, aerr := p.attempt(ctx, req, route, policy.Timeout, addr, body)
		if aerr == nil {
			span.SetAttributes(attribute.Int("flusso.attempts", attempt))
			return resp, nil
		}
		lastErr = aerr

		p.logger.Debug("backend attempt failed",
			observability.String("route", route.Name),
			observability.String("backend", addr.String()),
			observability.Int("attempt", attempt),
			observability.Error(aerr),
		)

		if ctx.Err() != nil || !policy.Retry.CanRetry(attempt) || !body.replayable() {
			observability.RecordSpanError(span, lastErr)
			return nil, lastErr
		}
	}
}

// attempt performs one backend call. The connection count of addr stays
// incremented until the returned body is drained or closed, or until the
// attempt fails.
func (p *ReverseProxy) attempt(
	ctx context.Context,
	in *http.Request,
	route *router.Route,
	timeout time.Duration,
	addr backend.Address,
	body *requestBody,
) (resp *http.Response, err error) {
	ctx, span := p.tracer.StartSpan(ctx, "flusso.attempt",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(attribute.String("server.address", addr.String())),
	)
	defer span.End()

	done, berr := p.breakers.Allow(addr)
	if berr != nil {
		pe := &ProxyError{
			Op:      "forward",
			Route:   route.Name,
			Target:  addr.String(),
			Message: "backend unavailable",
			Cause:   berr,
		}
		p.recordAttemptError(route.Name, pe)
		observability.RecordSpanError(span, pe)
		return nil, pe
	}

	route.Pool.IncrementConnections(addr)
	attemptCtx, cancel := context.WithTimeout(ctx, timeout)

	handedOff := false
	defer func() {
		if !handedOff {
			cancel()
			route.Pool.DecrementConnections(addr)
		}
	}()

	out := p.outbound(attemptCtx, in, addr, body)
	observability.InjectTraceContext(attemptCtx, out)

	resp, err = p.transport.RoundTrip(out)
	if err != nil {
		// A client that gave up says nothing about the backend.
		done(ctx.Err() != nil)
		pe := newAttemptError(route.Name, addr, err, attemptCtx, ctx)
		p.recordAttemptError(route.Name, pe)
		observability.RecordSpanError(span, pe)
		return nil, pe
	}

	done(resp.StatusCode < http.StatusInternalServerError)
	p.metrics.RecordUpstreamAttempt(route.Name, "success")
	span.SetAttributes(attribute.Int("http.response.status_code", resp.StatusCode))

	removeHopHeaders(resp.Header)
	resp.Body = newReleaseBody(resp.Body, func() {
		cancel()
		route.Pool.DecrementConnections(addr)
	})
	handedOff = true

	return resp, nil
}

func (p *ReverseProxy) recordAttemptError(route string, err error) {
	kind := errorKind(err)
	p.metrics.RecordUpstreamAttempt(route, kind)
	p.metrics.RecordUpstreamError(route, kind)
}

// outbound builds the request sent to addr.
func (p *ReverseProxy) outbound(ctx context.Context, in *http.Request, addr backend.Address, body *requestBody) *http.Request {
	out := in.Clone(ctx)

	out.URL = &url.URL{
		Scheme:   "http",
		Host:     addr.String(),
		Path:     in.URL.Path,
		RawPath:  in.URL.RawPath,
		RawQuery: in.URL.RawQuery,
	}
	out.Host = addr.String()
	out.RequestURI = ""
	out.Close = false
	out.Body, out.ContentLength = body.reader()
	out.GetBody = nil
	if out.ContentLength >= 0 {
		out.TransferEncoding = nil
	}

	removeHopHeaders(out.Header)

	if clientIP, _, err := net.SplitHostPort(in.RemoteAddr); err == nil {
		if prior := in.Header.Values("X-Forwarded-For"); len(prior) > 0 {
			clientIP = strings.Join(prior, ", ") + ", " + clientIP
		}
		out.Header.Set("X-Forwarded-For", clientIP)
	}

	if in.TLS != nil {
		out.Header.Set("X-Forwarded-Proto", "https")
	} else {
		out.Header.Set("X-Forwarded-Proto", "http")
	}

	if in.Host != "" {
		out.Header.Set("X-Forwarded-Host", in.Host)
	}

	return out
}

// removeHopHeaders deletes hop-by-hop headers, including those named in
// Connection.
func removeHopHeaders(h http.Header) {
	for _, field := range h.Values("Connection") {
		for _, name := range strings.Split(field, ",") {
			if name = strings.TrimSpace(name); name != "" {
				h.Del(name)
			}
		}
	}
	for _, name := range hopHeaders {
		h.Del(name)
	}
}

// ServeHTTP implements http.Handler.
func (p *ReverseProxy) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}

	label := &routeLabel{name: "none"}
	r = r.WithContext(context.WithValue(r.Context(), routeLabelKey{}, label))

	p.handler.ServeHTTP(sw, r)

	p.metrics.RecordRequest(r.Method, label.name, sw.status, time.Since(start))
}

type routeLabelKey struct{}

// routeLabel receives the name of the route Forward matched, so the
// request metric does not need a second table lookup.
type routeLabel struct {
	name string
}

// errorHandler writes the error response for a failed Forward.
func (p *ReverseProxy) errorHandler(w http.ResponseWriter, r *http.Request, err error) {
	status, code := StatusFor(err)

	if errors.Is(err, context.Canceled) && r.Context().Err() != nil {
		p.logger.Debug("client canceled request",
			observability.String("path", r.URL.Path),
			observability.String("method", r.Method),
		)
		w.WriteHeader(status)
		return
	}

	logger := p.logger.WithContext(r.Context())
	fields := []observability.Field{
		observability.String("path", r.URL.Path),
		observability.String("method", r.Method),
		observability.Int("status", status),
		observability.Error(err),
	}
	if status == http.StatusInternalServerError {
		logger.Warn("request rejected", fields...)
	} else {
		logger.Error("proxy error", fields...)
	}

	writeError(w, status, code, err)
}

type errorBody struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

func writeError(w http.ResponseWriter, status int, code string, err error) {
	message := http.StatusText(status)
	var pe *ProxyError
	if errors.As(err, &pe) {
		message = pe.Message
	}

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set(ErrorHeader, code)
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(errorBody{Error: code, Message: message})
}

// statusWriter records the status written by the wrapped handler.
type statusWriter struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
}

func (w *statusWriter) WriteHeader(code int) {
	if !w.wroteHeader && code >= http.StatusOK {
		w.status = code
		w.wroteHeader = true
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusWriter) Write(b []byte) (int, error) {
	w.wroteHeader = true
	return w.ResponseWriter.Write(b)
}

// Unwrap lets http.ResponseController reach the underlying writer.
func (w *statusWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}
