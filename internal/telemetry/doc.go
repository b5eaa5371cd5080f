// Package telemetry sets up OpenTelemetry tracing and metrics.
//
// New installs global tracer and meter providers that export over OTLP
// (gRPC or HTTP). Components keep calling otel.Tracer and otel.Meter, so
// nothing changes for them when telemetry is off. Provider failures leave
// the instance degraded instead of failing startup.
//
// Tests use NewTestTelemetry, which records spans in memory and collects
// metrics through a manual reader.
package telemetry
