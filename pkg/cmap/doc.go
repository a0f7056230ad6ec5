// Package cmap provides a concurrent map implementation for Keep.
//
// This package implements a sharded concurrent map used for the
// in-memory entry table and the per-key write queues:
//
//   - Sharding: Configurable shard count for parallelism
//   - Fine-grained Locking: Per-shard RWMutex for minimal contention
//   - Conditional Updates: Atomic update and conditional delete helpers
//   - Iteration: Safe iteration while holding read locks
//
// Usage:
//
//	m := cmap.New[*Entry]()
//	m.Set("counter", entry)
//	val, ok := m.Get("counter")
//
// Thread Safety:
//
// All operations are thread-safe. Read operations (Get, Has) use RLock,
// write operations (Set, Delete) use Lock.
package cmap
