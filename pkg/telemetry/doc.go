// Package telemetry provides logging, tracing, metrics and lifecycle events
// for procdriver.
//
// Structured logging uses zerolog, tracing uses OpenTelemetry with an OTLP
// or stdout exporter, and metrics are Prometheus collectors registered on a
// private registry. Metrics, Tracer and EventPublisher methods are safe to
// call on nil receivers, so components can take them as optional
// dependencies.
//
// Initialize telemetry at application startup:
//
//	cfg := telemetry.DefaultConfig()
//	tel, err := telemetry.NewTelemetry(cfg)
//	if err != nil {
//	    return err
//	}
//	defer tel.Shutdown(context.Background())
//
//	ctx := tel.WithContext(context.Background())
package telemetry
