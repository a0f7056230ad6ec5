package metric

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "keep"

// Registry holds all engine metrics backed by a private Prometheus registry.
//
// A nil *Registry is valid: every recorder method is a no-op on it. Engine
// code instruments unconditionally and the host decides at construction time
// whether metrics exist at all.
type Registry struct {
	registry *prometheus.Registry

	// Operation metrics
	opsTotal   *prometheus.CounterVec
	opFailures *prometheus.CounterVec

	// Flush metrics
	flushesTotal  prometheus.Counter
	flushDuration prometheus.Histogram
	flushBytes    prometheus.Gauge

	// Load metrics
	recordsDropped prometheus.Counter
	storeResets    prometheus.Counter

	// External blob metrics
	blobWrites prometheus.Counter
	blobReads  prometheus.Counter

	// Sub-key index metrics
	subkeyMerges prometheus.Counter

	// Event metrics
	eventsPublished prometheus.Counter
	eventsDropped   prometheus.Counter
}

// NewRegistry creates a registry with all engine metrics registered.
func NewRegistry() *Registry {
	reg := prometheus.NewRegistry()

	r := &Registry{
		registry: reg,

		opsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ops_total",
			Help:      "Total store operations by store and op.",
		}, []string{"store", "op"}),

		opFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "op_failures_total",
			Help:      "Failed store operations by op and fault code.",
		}, []string{"op", "code"}),

		flushesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "flushes_total",
			Help:      "Total consolidated file flushes.",
		}),

		flushDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "flush_duration_seconds",
			Help:      "Time spent encoding and writing the consolidated file.",
			Buckets:   prometheus.DefBuckets,
		}),

		flushBytes: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "flush_bytes",
			Help:      "Size in bytes of the most recently flushed consolidated file.",
		}),

		recordsDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "records_dropped_total",
			Help:      "Corrupt records skipped while decoding persisted files.",
		}),

		storeResets: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "store_resets_total",
			Help:      "Times an unreadable consolidated file was reset to empty.",
		}),

		blobWrites: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "blob_writes_total",
			Help:      "External value files written.",
		}),

		blobReads: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "blob_reads_total",
			Help:      "External value files read from disk.",
		}),

		subkeyMerges: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "subkey_merges_total",
			Help:      "Sub-key set merges that changed the persisted set.",
		}),

		eventsPublished: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_published_total",
			Help:      "Change events delivered to subscribers.",
		}),

		eventsDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_dropped_total",
			Help:      "Change events dropped because a subscriber was not draining.",
		}),
	}

	reg.MustRegister(
		r.opsTotal,
		r.opFailures,
		r.flushesTotal,
		r.flushDuration,
		r.flushBytes,
		r.recordsDropped,
		r.storeResets,
		r.blobWrites,
		r.blobReads,
		r.subkeyMerges,
		r.eventsPublished,
		r.eventsDropped,
	)

	return r
}

// RecordOp counts one operation against a store.
func (r *Registry) RecordOp(store, op string) {
	if r == nil {
		return
	}
	r.opsTotal.WithLabelValues(store, op).Inc()
}

// RecordFailure counts one failed operation with its fault code.
func (r *Registry) RecordFailure(op, code string) {
	if r == nil {
		return
	}
	r.opFailures.WithLabelValues(op, code).Inc()
}

// ObserveFlush records one completed flush of the consolidated file.
func (r *Registry) ObserveFlush(seconds float64, bytes int) {
	if r == nil {
		return
	}
	r.flushesTotal.Inc()
	r.flushDuration.Observe(seconds)
	r.flushBytes.Set(float64(bytes))
}

// AddDroppedRecords counts records skipped during a decode pass.
func (r *Registry) AddDroppedRecords(n int) {
	if r == nil || n <= 0 {
		return
	}
	r.recordsDropped.Add(float64(n))
}

// IncStoreReset counts one reset of an unreadable consolidated file.
func (r *Registry) IncStoreReset() {
	if r == nil {
		return
	}
	r.storeResets.Inc()
}

// IncBlobWrite counts one external value file write.
func (r *Registry) IncBlobWrite() {
	if r == nil {
		return
	}
	r.blobWrites.Inc()
}

// IncBlobRead counts one external value file read.
func (r *Registry) IncBlobRead() {
	if r == nil {
		return
	}
	r.blobReads.Inc()
}

// IncSubkeyMerge counts one sub-key merge that rewrote the persisted set.
func (r *Registry) IncSubkeyMerge() {
	if r == nil {
		return
	}
	r.subkeyMerges.Inc()
}

// IncEventPublished counts one delivered change event.
func (r *Registry) IncEventPublished() {
	if r == nil {
		return
	}
	r.eventsPublished.Inc()
}

// IncEventDropped counts one change event lost to a slow subscriber.
func (r *Registry) IncEventDropped() {
	if r == nil {
		return
	}
	r.eventsDropped.Inc()
}

// RegisterStats attaches a scrape-time collector for engine gauges.
//
// The function is called on every scrape, so it must be cheap and safe to
// call concurrently with store operations.
func (r *Registry) RegisterStats(statsFn func() Stats) {
	if r == nil || statsFn == nil {
		return
	}
	r.registry.MustRegister(NewCollector(statsFn))
}

// Handler returns an HTTP handler serving this registry's metrics.
func (r *Registry) Handler() http.Handler {
	if r == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{})
}

// Gatherer exposes the underlying registry for hosts that merge metrics
// into their own exposition endpoint.
func (r *Registry) Gatherer() prometheus.Gatherer {
	if r == nil {
		return nil
	}
	return r.registry
}

var (
	globalOnce sync.Once
	globalReg  *Registry
)

// Global returns the process-wide registry, creating it on first use.
//
// The global registry additionally carries Go runtime and process
// collectors so its exposition is self-contained.
func Global() *Registry {
	globalOnce.Do(func() {
		globalReg = NewRegistry()
		globalReg.registry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
	})
	return globalReg
}

// Handler returns an HTTP handler for the global registry.
func Handler() http.Handler {
	return Global().Handler()
}
