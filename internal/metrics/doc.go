// Package metrics collects request metrics for the dev server.
//
// Request handlers emit events on a buffered channel without blocking; a
// single collector goroutine aggregates them per route (each proxy prefix,
// plus "static" for everything served locally):
//   - Request counts and circuit breaker rejections
//   - Response times with percentile calculations (P50, P95, P99)
//   - HTTP status code distribution
//   - Upstream reachability
//   - Live reload notifications
//
// The same events feed a private Prometheus registry.
//
//	collector := metrics.NewCollector(1000, logger)
//	collector.Start(ctx)
//
//	collector.Emit(metrics.MetricEvent{
//		Type:       metrics.EventResponseCompleted,
//		Route:      "/api",
//		Duration:   150 * time.Millisecond,
//		StatusCode: 200,
//	})
//
//	mux.Handle("/__devserver/metrics", collector.Handler())
//	mux.Handle("/__devserver/prometheus", collector.PrometheusHandler())
//
// On shutdown the collector drains whatever is still buffered.
package metrics
