// Package observability provides logging, metrics, and tracing
// for the flusso ingress data plane.
//
// # Logging
//
// The Logger interface wraps zap and is passed to every component
// through a functional option:
//
//	logger, err := observability.NewLogger(observability.DefaultLogConfig())
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer logger.Sync()
//
// LogrLogger adapts the same logger to logr so client-go and
// controller-runtime write through one zap core.
//
// # Metrics
//
// Metrics owns a private Prometheus registry. A single instance is
// created at startup and injected into the proxy, the health checker,
// the ingress sources and the event processor:
//
//	metrics := observability.NewMetrics("flusso")
//	http.Handle("/metrics", metrics.Handler())
//
// # Tracing
//
// NewTracer configures OpenTelemetry with an OTLP gRPC exporter, or a
// no-op tracer when tracing is disabled.
package observability
