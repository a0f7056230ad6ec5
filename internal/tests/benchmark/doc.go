// Package benchmark provides performance benchmarks for the keep engine.
//
// Run benchmarks with:
//
//	go test -bench=. -benchmem ./internal/tests/benchmark/...
//
// Run a single area:
//
//	go test -bench=BenchmarkVault -benchmem -benchtime=10s ./internal/tests/benchmark/...
//
// Generate a performance report:
//
//	go test -bench=. -benchmem -count=5 ./internal/tests/benchmark/... | tee benchmark.txt
//
// Compare results:
//
//	benchstat old.txt new.txt
package benchmark
