package benchmark

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"runtime"
	"testing"

	"github.com/GeceGibi/keep"
	"github.com/GeceGibi/keep/internal/codec"
	"github.com/GeceGibi/keep/pkg/crypto/seal"
)

// EntryCounts defines the entry counts for benchmarking.
var EntryCounts = []int{1000, 5000, 10000, 50000, 100000}

// SmallEntryCounts for quick benchmarks.
var SmallEntryCounts = []int{1000, 5000, 10000}

// benchPayload is a representative JSON value payload.
var benchPayload = []byte(`{"user":"bench-user","visits":42,"ratio":0.62,"active":true}`)

// benchEntry builds a wire entry for the given index.
func benchEntry(i int) codec.Entry {
	return codec.Entry{
		Store:   "bench",
		Name:    fmt.Sprintf("key-%d", i),
		Version: codec.FormatVersion,
		Kind:    codec.KindMap,
		Payload: benchPayload,
	}
}

// benchValue builds a representative typed value.
func benchValue() keep.Value {
	return keep.Map(map[string]keep.Value{
		"user":   keep.String("bench-user"),
		"visits": keep.Int(42),
		"ratio":  keep.Float(0.62),
		"active": keep.Bool(true),
	})
}

// benchDir creates a temp directory removed when the benchmark ends.
func benchDir(b *testing.B) string {
	b.Helper()
	dir, err := os.MkdirTemp("", "keep-bench-*")
	if err != nil {
		b.Fatalf("Failed to create temp dir: %v", err)
	}
	b.Cleanup(func() { os.RemoveAll(dir) })
	return dir
}

// openBenchStore opens a store over a temp directory.
func openBenchStore(b *testing.B, opts ...keep.Option) *keep.Store {
	b.Helper()

	base := []keep.Option{
		keep.WithDir(benchDir(b)),
		keep.WithLog("error", "text"),
	}
	store, err := keep.Open(append(base, opts...)...)
	if err != nil {
		b.Fatalf("Failed to open store: %v", err)
	}
	b.Cleanup(func() { store.Close(context.Background()) })
	return store
}

// newBenchSealer builds a fixed-key sealer so secure benchmarks skip
// key derivation.
func newBenchSealer(b *testing.B) *seal.Sealer {
	b.Helper()
	sealer, err := seal.New(seal.Config{Key: bytes.Repeat([]byte{0x2a}, 32)})
	if err != nil {
		b.Fatalf("Failed to create sealer: %v", err)
	}
	return sealer
}

// reportMemory reports memory usage.
func reportMemory(b *testing.B, prefix string) {
	var m runtime.MemStats
	runtime.GC()
	runtime.ReadMemStats(&m)
	b.ReportMetric(float64(m.Alloc)/(1024*1024), prefix+"_MB")
	b.ReportMetric(float64(m.NumGC), prefix+"_GC")
}

// runWithEntryCounts runs a benchmark function with various entry counts.
func runWithEntryCounts(b *testing.B, counts []int, benchFn func(b *testing.B, count int)) {
	for _, count := range counts {
		b.Run(fmt.Sprintf("entries_%d", count), func(b *testing.B) {
			benchFn(b, count)
		})
	}
}
