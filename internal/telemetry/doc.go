// Package telemetry sets up OpenTelemetry tracing and metrics export for
// expertd.
//
// When enabled, New installs global tracer and meter providers exporting
// over OTLP (gRPC or HTTP/protobuf). Packages instrument themselves through
// otel.Tracer and otel.Meter, so they record into no-op providers when
// telemetry is off. Export failures never fail a command; the instance
// reports itself degraded instead.
//
//	tel, err := telemetry.New(ctx, cfg)
//	if err != nil {
//	    return err
//	}
//	defer tel.Shutdown(context.Background())
package telemetry
