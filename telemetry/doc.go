// Package telemetry holds the observability plumbing around the agent loop:
// slog logger construction and an event sink that logs, Prometheus metrics
// fed by loop events and an LLM middleware, and OpenTelemetry spans around
// model calls and tool executions.
package telemetry
