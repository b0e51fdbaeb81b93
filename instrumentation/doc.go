// Package instrumentation provides OpenTelemetry metrics and tracing for the
// authorization server.
//
// Instrumentation is optional. With Enabled=false every provider is a no-op
// and recording a metric costs nothing. With MetricsExporter set to
// "prometheus" the meter provider exports through a dedicated Prometheus
// registry served by MetricsHandler:
//
//	inst, err := instrumentation.New(instrumentation.Config{
//		Enabled:         true,
//		ServiceName:     "authzd",
//		MetricsExporter: instrumentation.ExporterPrometheus,
//	})
//	if err != nil {
//		return err
//	}
//	defer inst.Shutdown(context.Background())
//	mux.Handle("/metrics", inst.MetricsHandler())
//
// Meters and tracers are created per layer ("http", "server", "token",
// "storage", "security"). Attribute keys live in tracing.go.
//
// Never record credential values (codes, tokens, secrets) as attributes.
package instrumentation
