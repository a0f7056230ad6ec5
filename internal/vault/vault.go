// Package vault implements the consolidated entry store: every entry
// lives in an in-memory table that is mirrored to a single binary file
// through debounced, atomic batch flushes.
//
// Reads are served from memory and never touch disk after Open. Each
// mutation updates the table synchronously and arms the flush timer;
// only a full quiet period with no further mutations lets the flush
// run, so write bursts coalesce into one file rewrite.
package vault

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/GeceGibi/keep/internal/codec"
	"github.com/GeceGibi/keep/internal/fsx"
	"github.com/GeceGibi/keep/internal/sched"
	"github.com/GeceGibi/keep/internal/telemetry/logger"
	"github.com/GeceGibi/keep/internal/telemetry/metric"
	"github.com/GeceGibi/keep/pkg/cmap"
)

// DefaultFlushDelay is the debounce window between the last mutation
// and the flush that persists it.
const DefaultFlushDelay = 150 * time.Millisecond

// Config configures the consolidated store.
type Config struct {
	// Name is the store name stamped into every entry frame.
	Name string

	// Path is the consolidated file location.
	Path string

	// FlushDelay is the debounce window. Zero selects DefaultFlushDelay.
	FlushDelay time.Duration

	// Clock drives the debounce timer. Nil selects the system clock.
	Clock sched.Clock

	// Logger is the structured logger. Nil discards.
	Logger logger.Logger

	// Metrics receives flush and decode instrumentation. Nil disables.
	Metrics *metric.Registry

	// OnFault is notified of recoverable failures that have no caller
	// to return to: background flush errors and load-time corruption.
	OnFault func(op, key string, err error)
}

// Store is the consolidated in-memory entry table with its file mirror.
type Store struct {
	cfg     Config
	entries *cmap.Map[codec.Entry]

	debounce *sched.Debouncer
	flushMu  sync.Mutex
	dirty    atomic.Bool
	closed   atomic.Bool

	log     logger.Logger
	metrics *metric.Registry
}

// Open loads the consolidated file into memory and returns the store.
//
// An absent file is created empty. An unreadable or undecodable file is
// reported through OnFault and the table starts empty; Open fails only
// when the store directory itself cannot be created.
func Open(cfg Config) (*Store, error) {
	if cfg.FlushDelay <= 0 {
		cfg.FlushDelay = DefaultFlushDelay
	}
	if cfg.Clock == nil {
		cfg.Clock = sched.SystemClock()
	}
	if cfg.Logger == nil {
		cfg.Logger = logger.Nop()
	}

	if err := fsx.EnsureDir(filepath.Dir(cfg.Path)); err != nil {
		return nil, fmt.Errorf("vault: %w", err)
	}

	s := &Store{
		cfg:      cfg,
		entries:  cmap.New[codec.Entry](),
		debounce: sched.NewDebouncer(cfg.Clock, cfg.FlushDelay),
		log:      cfg.Logger,
		metrics:  cfg.Metrics,
	}

	s.load()
	return s, nil
}

// load reads and decodes the consolidated file once. Corruption resets
// the table to empty instead of failing startup.
func (s *Store) load() {
	data, err := fsx.ReadIfExists(s.cfg.Path)
	if err != nil {
		s.metrics.IncStoreReset()
		s.report("init", "", err)
		s.log.Error("consolidated file unreadable, starting empty", "path", s.cfg.Path, "error", err)
		return
	}

	if data == nil {
		if err := fsx.WriteAtomic(s.cfg.Path, nil); err != nil {
			s.report("init", "", err)
			s.log.Warn("cannot create consolidated file", "path", s.cfg.Path, "error", err)
		}
		return
	}

	entries, dropped, err := codec.DecodeBatch(data)
	if err != nil {
		s.metrics.IncStoreReset()
		s.report("init", "", err)
		s.log.Error("consolidated file undecodable, starting empty", "path", s.cfg.Path, "error", err)
		return
	}

	for _, e := range entries {
		s.entries.Set(e.Name, e)
	}

	if dropped > 0 {
		s.metrics.AddDroppedRecords(dropped)
		s.report("load", "", fmt.Errorf("%w: %d records dropped", codec.ErrCorruptedEntry, dropped))
		s.log.Warn("skipped corrupt records during load", "dropped", dropped, "loaded", len(entries))
	} else {
		s.log.Debug("consolidated file loaded", "entries", len(entries))
	}
}

// Get returns the entry stored under name.
func (s *Store) Get(name string) (codec.Entry, bool) {
	return s.entries.Get(name)
}

// Has reports whether an entry is stored under name.
func (s *Store) Has(name string) bool {
	return s.entries.Has(name)
}

// Put stores an entry and schedules a flush. The entry is validated
// now so a bad frame fails the write instead of poisoning every later
// flush.
func (s *Store) Put(e codec.Entry) error {
	if err := codec.Validate(e); err != nil {
		return err
	}
	e.Version = codec.FormatVersion

	s.entries.Set(e.Name, e)
	s.markDirty()
	return nil
}

// Delete removes the entry stored under name and reports whether one
// was there.
func (s *Store) Delete(name string) bool {
	_, existed := s.entries.Pop(name)
	if existed {
		s.markDirty()
	}
	return existed
}

// Clear drops every entry and returns the names that were removed.
func (s *Store) Clear() []string {
	names := s.entries.SortedKeys()
	s.entries.Clear()
	if len(names) > 0 {
		s.markDirty()
	}
	return names
}

// ClearRemovable deletes every entry whose removable flag bit is set,
// inspecting flags only, and returns the removed names.
func (s *Store) ClearRemovable() []string {
	var removed []string
	s.entries.Range(func(name string, e codec.Entry) bool {
		if e.Flags&codec.FlagRemovable != 0 {
			removed = append(removed, name)
		}
		return true
	})

	for _, name := range removed {
		s.entries.Delete(name)
	}
	if len(removed) > 0 {
		s.markDirty()
	}
	sort.Strings(removed)
	return removed
}

// Entries returns a snapshot of every stored entry.
func (s *Store) Entries() []codec.Entry {
	out := make([]codec.Entry, 0, s.entries.Count())
	s.entries.Range(func(_ string, e codec.Entry) bool {
		out = append(out, e)
		return true
	})
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Headers returns metadata for every stored entry.
func (s *Store) Headers() []codec.Header {
	entries := s.Entries()
	out := make([]codec.Header, len(entries))
	for i, e := range entries {
		out[i] = e.Header()
	}
	return out
}

// Len returns the number of stored entries.
func (s *Store) Len() int {
	return s.entries.Count()
}

// FileSize returns the consolidated file's current size in bytes.
func (s *Store) FileSize() int64 {
	info, err := os.Stat(s.cfg.Path)
	if err != nil {
		return 0
	}
	return info.Size()
}

// markDirty records pending state and arms the debounce timer. The
// timer callback runs on the clock's goroutine, off the mutating
// caller's path.
func (s *Store) markDirty() {
	s.dirty.Store(true)
	if s.closed.Load() {
		return
	}
	s.debounce.Trigger(func() {
		if err := s.flush(); err != nil {
			s.report("flush", "", err)
			s.log.Error("flush failed", "path", s.cfg.Path, "error", err)
		}
	})
}

// Flush forces any pending state to disk and waits for it. A no-op
// when nothing changed since the last flush.
func (s *Store) Flush(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.debounce.Cancel()
	return s.flush()
}

// flush serializes the whole table and atomically replaces the file.
// One flush runs at a time; once started it runs to completion.
func (s *Store) flush() error {
	s.flushMu.Lock()
	defer s.flushMu.Unlock()

	if !s.dirty.Swap(false) {
		return nil
	}

	start := time.Now()
	entries := s.Entries()

	data, err := codec.EncodeBatch(entries)
	if err != nil {
		// Entries are validated on Put, so this is table corruption.
		s.dirty.Store(true)
		return fmt.Errorf("vault: encode batch: %w", err)
	}

	if err := fsx.WriteAtomic(s.cfg.Path, data); err != nil {
		s.dirty.Store(true)
		return fmt.Errorf("vault: %w", err)
	}

	s.metrics.ObserveFlush(time.Since(start).Seconds(), len(data))
	s.log.Debug("consolidated file flushed", "entries", len(entries), "bytes", len(data))
	return nil
}

// Close cancels the pending flush timer and writes any pending state.
// The store must not be mutated afterwards.
func (s *Store) Close(ctx context.Context) error {
	if s.closed.Swap(true) {
		return nil
	}
	s.debounce.Cancel()

	if err := ctx.Err(); err != nil {
		return err
	}
	return s.flush()
}

// report forwards a recoverable fault to the configured sink.
func (s *Store) report(op, key string, err error) {
	if s.cfg.OnFault != nil {
		s.cfg.OnFault(op, key, err)
	}
}
