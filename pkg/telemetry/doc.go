// Package telemetry provides observability instrumentation for idbridge.
//
// It wires three concerns into the sync engine:
//
//  1. Structured logging with zerolog. NewLogger builds the root logger from
//     LoggingConfig; components receive child loggers via ComponentLogger and
//     bind sync-scoped fields (sync_id, org, resource_type) themselves.
//  2. Prometheus metrics. Metrics tracks sync runs, plan items, executed
//     operations, API client calls, and drift warnings on a private registry
//     exposed through Handler.
//  3. OpenTelemetry tracing. Tracer wraps an SDK provider with a stdout
//     exporter for local inspection; plan and apply operations are wrapped in
//     spans by the CLI layer.
//
// Loggers travel through contexts via WithLogger/LoggerFromContext so deeply
// nested helpers never reach for a global.
package telemetry
