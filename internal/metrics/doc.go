// Package metrics provides observability for the balancer.
//
// A channel-based event pipeline collects what happens on the request path:
//   - Requests received by the front door
//   - Dispatch attempts per backend
//   - Response times with percentile calculations (P50, P95, P99)
//   - HTTP status code distribution
//   - Retries, transport failures and exhausted requests
//
// The collector runs in a dedicated goroutine and processes events without
// blocking the request path. Emit drops events when the buffer is full.
//
// Example usage:
//
//	collector := metrics.NewCollector(1000, logger)
//	collector.Start(ctx)
//
//	collector.Emit(metrics.MetricEvent{
//		Type:       metrics.EventResponseCompleted,
//		Backend:    "http://localhost:8081",
//		Duration:   150 * time.Millisecond,
//		StatusCode: 200,
//	})
//
//	snapshot := collector.Snapshot("power-of-two")
//
// StatsCollector exports the balancer's live per-backend statistics (health
// score, latency score, request and error counts) to Prometheus on every
// scrape.
package metrics
