package benchmark

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/GeceGibi/keep/internal/codec"
	"github.com/GeceGibi/keep/internal/vault"
)

// newBenchVault opens a consolidated store with a flush window long
// enough that only explicit flushes touch the disk.
func newBenchVault(b *testing.B) *vault.Store {
	b.Helper()

	s, err := vault.Open(vault.Config{
		Name:       "bench",
		Path:       filepath.Join(benchDir(b), "bench.vault"),
		FlushDelay: time.Hour,
	})
	if err != nil {
		b.Fatalf("Failed to open vault: %v", err)
	}
	b.Cleanup(func() { s.Close(context.Background()) })
	return s
}

// BenchmarkVaultPut benchmarks in-memory mutation with debounce arming.
func BenchmarkVaultPut(b *testing.B) {
	s := newBenchVault(b)

	b.ResetTimer()
	b.ReportAllocs()

	for i := 0; i < b.N; i++ {
		if err := s.Put(benchEntry(i)); err != nil {
			b.Fatalf("Put failed: %v", err)
		}
	}
}

// BenchmarkVaultGet benchmarks memory reads against a prefilled table.
func BenchmarkVaultGet(b *testing.B) {
	runWithEntryCounts(b, EntryCounts, func(b *testing.B, count int) {
		s := newBenchVault(b)

		names := make([]string, count)
		for i := 0; i < count; i++ {
			e := benchEntry(i)
			names[i] = e.Name
			if err := s.Put(e); err != nil {
				b.Fatalf("Put failed: %v", err)
			}
		}

		b.ResetTimer()
		b.ReportAllocs()

		for i := 0; i < b.N; i++ {
			if _, ok := s.Get(names[i%count]); !ok {
				b.Fatalf("Get missed prefilled entry %q", names[i%count])
			}
		}
	})
}

// BenchmarkVaultFlush benchmarks whole-table serialization and the
// atomic file replace at various scales.
func BenchmarkVaultFlush(b *testing.B) {
	runWithEntryCounts(b, SmallEntryCounts, func(b *testing.B, count int) {
		s := newBenchVault(b)
		for i := 0; i < count; i++ {
			if err := s.Put(benchEntry(i)); err != nil {
				b.Fatalf("Put failed: %v", err)
			}
		}

		b.ResetTimer()
		b.ReportAllocs()

		for i := 0; i < b.N; i++ {
			// Touch one entry so each flush has pending state.
			b.StopTimer()
			if err := s.Put(benchEntry(i % count)); err != nil {
				b.Fatalf("Put failed: %v", err)
			}
			b.StartTimer()

			if err := s.Flush(context.Background()); err != nil {
				b.Fatalf("Flush failed: %v", err)
			}
		}

		reportMemory(b, "flush")
	})
}

// BenchmarkVaultLoad benchmarks opening a populated file at various
// scales.
func BenchmarkVaultLoad(b *testing.B) {
	runWithEntryCounts(b, SmallEntryCounts, func(b *testing.B, count int) {
		path := filepath.Join(benchDir(b), "bench.vault")

		seed, err := vault.Open(vault.Config{Name: "bench", Path: path, FlushDelay: time.Hour})
		if err != nil {
			b.Fatalf("Failed to open vault: %v", err)
		}
		for i := 0; i < count; i++ {
			if err := seed.Put(benchEntry(i)); err != nil {
				b.Fatalf("Put failed: %v", err)
			}
		}
		if err := seed.Close(context.Background()); err != nil {
			b.Fatalf("Close failed: %v", err)
		}

		b.ResetTimer()
		b.ReportAllocs()

		for i := 0; i < b.N; i++ {
			s, err := vault.Open(vault.Config{Name: "bench", Path: path, FlushDelay: time.Hour})
			if err != nil {
				b.Fatalf("Open failed: %v", err)
			}

			b.StopTimer()
			if got := s.Len(); got != count {
				b.Fatalf("Loaded %d entries, want %d", got, count)
			}
			s.Close(context.Background())
			b.StartTimer()
		}
	})
}

// BenchmarkVaultClearRemovable benchmarks the flags-only sweep.
func BenchmarkVaultClearRemovable(b *testing.B) {
	s := newBenchVault(b)

	for i := 0; i < 10000; i++ {
		e := benchEntry(i)
		if i%2 == 0 {
			e.Flags = codec.FlagRemovable
		}
		if err := s.Put(e); err != nil {
			b.Fatalf("Put failed: %v", err)
		}
	}

	b.ResetTimer()
	b.ReportAllocs()

	for i := 0; i < b.N; i++ {
		s.ClearRemovable()

		// Restore the swept half for the next iteration.
		b.StopTimer()
		for j := 0; j < 10000; j += 2 {
			e := benchEntry(j)
			e.Flags = codec.FlagRemovable
			if err := s.Put(e); err != nil {
				b.Fatalf("Put failed: %v", err)
			}
		}
		b.StartTimer()
	}
}
