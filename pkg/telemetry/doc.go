// Package telemetry provides observability instrumentation for issuesync:
// structured logging with zerolog, Prometheus metrics, and OpenTelemetry
// tracing around sync operations and webhook processing.
package telemetry
