// Package instrumentation provides OpenTelemetry instrumentation for the
// auth gateway.
//
// This package enables observability across all gateway layers through:
// - Metrics: Counters, histograms, and gauges for monitoring auth operations
// - Traces: Distributed tracing for request flows across components
//
// Metrics are exported in Prometheus exposition format; serve Handler() from
// the gateway's /metrics endpoint. When disabled, no-op providers are used
// and recording has zero overhead.
//
// Example usage:
//
//	inst, err := instrumentation.New(instrumentation.Config{
//		ServiceName:    "mcp-authgate",
//		ServiceVersion: "1.0.0",
//		Enabled:        true,
//	})
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer inst.Shutdown(context.Background())
//
//	mux.Handle("/metrics", inst.Handler())
package instrumentation
