// Package metric provides Prometheus instrumentation for the Keep engine.
//
// This package implements metrics collection and exposition:
//
//   - prometheus.go: registry, recorder methods, and HTTP handler
//   - collector.go: scrape-time collector for engine stats
//
// Metrics include:
//
//   - Operation counters per store and op
//   - Flush latency histogram and flushed-bytes gauge
//   - Dropped-record and store-reset counters
//   - Entry table and external blob gauges (sampled at scrape time)
//
// All recorder methods are safe on a nil *Registry, so engine code can
// instrument unconditionally and hosts opt in by supplying a registry.
package metric
