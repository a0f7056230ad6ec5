package keep

import (
	"fmt"
	"sync/atomic"

	"golang.org/x/time/rate"

	"github.com/GeceGibi/keep/internal/telemetry/logger"
	"github.com/GeceGibi/keep/internal/telemetry/metric"
)

// Fault is a recoverable failure delivered to the configured sink:
// background flush errors, skipped corrupt records, unreadable files.
// Faults never stop the store; worst case a key reads as absent.
type Fault struct {
	// Op names the operation that failed, e.g. "flush" or "read".
	Op string

	// Key is the affected key name, empty for store-wide faults.
	Key string

	// Err is the underlying failure.
	Err error
}

// String renders the fault for logs.
func (f Fault) String() string {
	if f.Key == "" {
		return fmt.Sprintf("%s: %v", f.Op, f.Err)
	}
	return fmt.Sprintf("%s %q: %v", f.Op, f.Key, f.Err)
}

// Sink delivery is rate limited so a persistent failure (disk full,
// revoked permissions) does not storm the host with one callback per
// retried operation.
const (
	faultsPerSecond = 10
	faultBurst      = 20
)

// reporter fans recoverable faults out to the log, the failure
// counters, and the host's sink.
type reporter struct {
	sink    func(Fault)
	limiter *rate.Limiter
	log     logger.Logger
	metrics *metric.Registry

	suppressed atomic.Int64
}

func newReporter(sink func(Fault), log logger.Logger, metrics *metric.Registry) *reporter {
	return &reporter{
		sink:    sink,
		limiter: rate.NewLimiter(rate.Limit(faultsPerSecond), faultBurst),
		log:     log,
		metrics: metrics,
	}
}

// report records one fault. The log and metrics always see it; the
// sink sees it unless the limiter is saturated.
func (r *reporter) report(op, key string, err error) {
	code := ErrorCode(err)
	if code == "" {
		code = "internal"
	}
	r.metrics.RecordFailure(op, code)
	r.log.Warn("recoverable fault", "op", op, "key", key, "error", err)

	if r.sink == nil {
		return
	}
	if !r.limiter.Allow() {
		if n := r.suppressed.Add(1); n == 1 || n%100 == 0 {
			r.log.Warn("fault sink saturated, suppressing callbacks", "suppressed", n)
		}
		return
	}
	r.sink(Fault{Op: op, Key: key, Err: err})
}

// Suppressed returns how many faults were withheld from the sink.
func (r *reporter) Suppressed() int64 {
	return r.suppressed.Load()
}
