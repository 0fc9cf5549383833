// Package observability provides the ambient concerns shared by every
// component: structured JSON logging (slog), Prometheus metrics,
// dependency health checks, OpenTelemetry setup and graceful shutdown.
//
// Components receive a *Logger and *Metrics at construction; nothing in
// this package carries domain state.
package observability
