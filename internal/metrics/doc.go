// Package metrics collects proxy metrics off the request path.
//
// Handlers emit events into a buffered channel without blocking. A single
// collector goroutine folds them into:
//   - prometheus counters, a latency histogram and a reachability gauge
//     served on /metrics
//   - an in-memory snapshot with per-backend attempts, retries, errors,
//     status codes and latency percentiles, served as JSON on /stats
//
// Example usage:
//
//	collector := metrics.NewCollector(1024, logger)
//	collector.Start(ctx)
//
//	collector.Emit(metrics.MetricEvent{
//		Type:       metrics.EventAttemptCompleted,
//		Backend:    "https://api.example.com",
//		Duration:   150 * time.Millisecond,
//		StatusCode: 200,
//	})
//
// When the context is cancelled the collector drains buffered events
// before returning.
package metrics
