// Package subkey tracks dynamically generated child key names per
// parent key. Each parent owns one persisted name set, stored as a
// single framed list value under a file named by the hash of the
// parent's name plus the sub-key suffix.
//
// Registrations buffer in memory and merge with disk on a debounce
// timer. The merge is union-only: the persisted set and the in-memory
// set are combined, so names registered by an earlier process or a
// concurrent mutation are never lost. A name leaves the set through an
// explicit Remove or Clear, never through a merge.
package subkey

import (
	"context"
	"encoding/json"
	"fmt"
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

// Suffix is appended to a parent key's name to derive the persisted
// set's entry name and file name.
const Suffix = "$sk"

// DefaultMergeDelay is the debounce window between the last mutation
// and the merge that persists it.
const DefaultMergeDelay = 150 * time.Millisecond

// Config configures the sub-key index.
type Config struct {
	// Name is the store name stamped into every set's frame.
	Name string

	// Dir is the directory holding the per-parent set files.
	Dir string

	// MergeDelay is the debounce window. Zero selects DefaultMergeDelay.
	MergeDelay time.Duration

	// Clock drives the debounce timers. Nil selects the system clock.
	Clock sched.Clock

	// Logger is the structured logger. Nil discards.
	Logger logger.Logger

	// Metrics receives merge instrumentation. Nil disables.
	Metrics *metric.Registry

	// OnFault is notified of recoverable background failures.
	OnFault func(op, key string, err error)
}

// FileName returns the file name a parent's set is persisted under.
func FileName(parent string) string {
	return codec.HashName(parent + Suffix)
}

// Set is the child-name set of one parent key.
//
// The in-memory view is populated lazily: the first read access merges
// the persisted names in. Mutations work without loading, because the
// debounced merge reconciles against disk anyway.
type Set struct {
	cfg    Config
	parent string
	path   string

	mu      sync.Mutex
	names   map[string]struct{}
	tombs   map[string]struct{}
	loaded  bool
	cleared bool

	debounce *sched.Debouncer
	mergeMu  sync.Mutex
	dirty    atomic.Bool
	closed   atomic.Bool

	log     logger.Logger
	metrics *metric.Registry
}

func newSet(cfg Config, parent string) *Set {
	return &Set{
		cfg:      cfg,
		parent:   parent,
		path:     filepath.Join(cfg.Dir, FileName(parent)),
		names:    make(map[string]struct{}),
		tombs:    make(map[string]struct{}),
		debounce: sched.NewDebouncer(cfg.Clock, cfg.MergeDelay),
		log:      cfg.Logger,
		metrics:  cfg.Metrics,
	}
}

// Parent returns the parent key name this set belongs to.
func (s *Set) Parent() string {
	return s.parent
}

// Register adds a child name and schedules a merge. Registering a name
// that is already present is a no-op and arms no timer.
func (s *Set) Register(name string) {
	s.mu.Lock()
	if _, tomb := s.tombs[name]; tomb {
		delete(s.tombs, name)
	} else if _, ok := s.names[name]; ok {
		s.mu.Unlock()
		return
	}
	s.names[name] = struct{}{}
	s.mu.Unlock()

	s.markDirty()
}

// Remove drops a child name. The removal is recorded as a tombstone so
// the next merge does not resurrect the name from the persisted set.
func (s *Set) Remove(name string) {
	s.mu.Lock()
	delete(s.names, name)
	s.tombs[name] = struct{}{}
	s.mu.Unlock()

	s.markDirty()
}

// Clear drops every child name and schedules removal of the persisted
// file. Names registered after Clear survive it.
func (s *Set) Clear() {
	s.mu.Lock()
	s.names = make(map[string]struct{})
	s.tombs = make(map[string]struct{})
	s.cleared = true
	s.loaded = true
	s.mu.Unlock()

	s.markDirty()
}

// Has reports whether a child name is registered, consulting the
// merged memory-and-disk view.
func (s *Set) Has(name string) bool {
	s.ensureLoaded()
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.names[name]
	return ok
}

// Names returns every registered child name, sorted.
func (s *Set) Names() []string {
	s.ensureLoaded()
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]string, 0, len(s.names))
	for n := range s.names {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

// Len returns the number of registered child names.
func (s *Set) Len() int {
	s.ensureLoaded()
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.names)
}

// Merge forces any pending state to disk and waits for it.
func (s *Set) Merge(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.debounce.Cancel()
	return s.merge()
}

// Close cancels the pending merge timer and persists any pending
// state. The set must not be mutated afterwards.
func (s *Set) Close(ctx context.Context) error {
	if s.closed.Swap(true) {
		return nil
	}
	s.debounce.Cancel()

	if err := ctx.Err(); err != nil {
		return err
	}
	return s.merge()
}

// markDirty records pending state and arms the debounce timer.
func (s *Set) markDirty() {
	s.dirty.Store(true)
	if s.closed.Load() {
		return
	}
	s.debounce.Trigger(func() {
		if err := s.merge(); err != nil {
			s.report("subkey_merge", s.parent, err)
			s.log.Error("sub-key merge failed", "parent", s.parent, "error", err)
		}
	})
}

// ensureLoaded folds the persisted names into memory once. A read
// failure is reported and the set behaves as if the file were empty;
// the next successful merge rewrites it.
func (s *Set) ensureLoaded() {
	s.mu.Lock()
	loaded := s.loaded
	s.mu.Unlock()
	if loaded {
		return
	}

	s.mergeMu.Lock()
	defer s.mergeMu.Unlock()

	s.mu.Lock()
	if s.loaded {
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()

	disk, _, err := s.readDisk()
	if err != nil {
		s.report("subkey_load", s.parent, err)
		s.log.Warn("sub-key file unreadable, treating as empty", "parent", s.parent, "error", err)
	}

	s.fold(disk)
}

// readDisk decodes the persisted set file. Absent or empty means an
// empty set, not an error.
func (s *Set) readDisk() (map[string]struct{}, bool, error) {
	data, err := fsx.ReadIfExists(s.path)
	if err != nil {
		return nil, false, fmt.Errorf("subkey: %w", err)
	}
	if len(data) == 0 {
		return nil, false, nil
	}

	e, err := codec.DecodeEntry(codec.Unshift(data))
	if err != nil {
		return nil, true, fmt.Errorf("subkey: decode set: %w", err)
	}

	var list []string
	if err := json.Unmarshal(e.Payload, &list); err != nil {
		return nil, true, fmt.Errorf("subkey: parse set payload: %w", err)
	}

	out := make(map[string]struct{}, len(list))
	for _, n := range list {
		out[n] = struct{}{}
	}
	return out, true, nil
}

// merge reconciles memory and disk: union both sides, drop tombstoned
// names, and rewrite the file only when the union differs from what
// disk already holds. One merge runs at a time.
func (s *Set) merge() error {
	s.mergeMu.Lock()
	defer s.mergeMu.Unlock()

	if !s.dirty.Swap(false) {
		return nil
	}

	// Consume the pending removals and clear flag. On failure they are
	// restored; on success the written file already reflects them.
	s.mu.Lock()
	mem := make(map[string]struct{}, len(s.names))
	for n := range s.names {
		mem[n] = struct{}{}
	}
	tombs := s.tombs
	s.tombs = make(map[string]struct{})
	cleared := s.cleared
	s.cleared = false
	s.mu.Unlock()

	restore := func() {
		s.mu.Lock()
		for n := range tombs {
			s.tombs[n] = struct{}{}
		}
		if cleared {
			s.cleared = true
		}
		s.mu.Unlock()
		s.dirty.Store(true)
	}

	var (
		disk       map[string]struct{}
		diskExists bool
		rewrite    = cleared
	)
	if !cleared {
		d, exists, err := s.readDisk()
		if err != nil {
			// Heal an unreadable file by rewriting it from memory.
			s.report("subkey_merge", s.parent, err)
			s.log.Warn("sub-key file unreadable, rewriting", "parent", s.parent, "error", err)
			diskExists, rewrite = true, true
		} else {
			disk, diskExists = d, exists
		}
	}

	union := make(map[string]struct{}, len(disk)+len(mem))
	for n := range disk {
		if _, tomb := tombs[n]; !tomb {
			union[n] = struct{}{}
		}
	}
	for n := range mem {
		if _, tomb := tombs[n]; !tomb {
			union[n] = struct{}{}
		}
	}

	if !rewrite && setsEqual(union, disk) {
		s.fold(union)
		return nil
	}

	if len(union) == 0 {
		if diskExists || rewrite {
			if err := fsx.RemoveIfExists(s.path); err != nil {
				restore()
				return fmt.Errorf("subkey: %w", err)
			}
			s.metrics.IncSubkeyMerge()
			s.log.Debug("sub-key set removed", "parent", s.parent)
		}
		s.fold(union)
		return nil
	}

	names := make([]string, 0, len(union))
	for n := range union {
		names = append(names, n)
	}
	sort.Strings(names)

	payload, err := json.Marshal(names)
	if err != nil {
		restore()
		return fmt.Errorf("subkey: marshal set: %w", err)
	}

	frame, err := codec.EncodeEntry(codec.Entry{
		Store:   s.cfg.Name,
		Name:    s.parent + Suffix,
		Version: codec.FormatVersion,
		Kind:    codec.KindList,
		Payload: payload,
	})
	if err != nil {
		restore()
		return fmt.Errorf("subkey: encode set: %w", err)
	}

	if err := fsx.WriteAtomic(s.path, codec.Shift(frame)); err != nil {
		restore()
		return fmt.Errorf("subkey: %w", err)
	}

	s.metrics.IncSubkeyMerge()
	s.log.Debug("sub-key set merged", "parent", s.parent, "names", len(union))
	s.fold(union)
	return nil
}

// fold replaces the in-memory view with the merged union, keeping any
// names tombstoned or cleared while the merge was running.
func (s *Set) fold(union map[string]struct{}) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.cleared {
		for n := range union {
			if _, tomb := s.tombs[n]; !tomb {
				s.names[n] = struct{}{}
			}
		}
	}
	s.loaded = true
}

func (s *Set) report(op, key string, err error) {
	if s.cfg.OnFault != nil {
		s.cfg.OnFault(op, key, err)
	}
}

func setsEqual(a, b map[string]struct{}) bool {
	if len(a) != len(b) {
		return false
	}
	for n := range a {
		if _, ok := b[n]; !ok {
			return false
		}
	}
	return true
}

// Index manages the sub-key sets of one store, creating each parent's
// set lazily on first use.
type Index struct {
	cfg    Config
	sets   *cmap.Map[*Set]
	closed atomic.Bool
}

// NewIndex returns an index rooted at cfg.Dir.
func NewIndex(cfg Config) *Index {
	if cfg.MergeDelay <= 0 {
		cfg.MergeDelay = DefaultMergeDelay
	}
	if cfg.Clock == nil {
		cfg.Clock = sched.SystemClock()
	}
	if cfg.Logger == nil {
		cfg.Logger = logger.Nop()
	}
	return &Index{cfg: cfg, sets: cmap.New[*Set]()}
}

// Collection returns the set for a parent key, creating it on first
// access.
func (ix *Index) Collection(parent string) *Set {
	if set, ok := ix.sets.Get(parent); ok {
		return set
	}
	set, _ := ix.sets.GetOrSet(parent, newSet(ix.cfg, parent))
	return set
}

// Parents returns every parent key with a materialized set, sorted.
func (ix *Index) Parents() []string {
	return ix.sets.SortedKeys()
}

// Count returns the number of materialized sets.
func (ix *Index) Count() int {
	return ix.sets.Count()
}

// MergeAll forces every materialized set's pending state to disk. All
// sets are attempted; the first failure is returned.
func (ix *Index) MergeAll(ctx context.Context) error {
	var first error
	ix.sets.Range(func(_ string, set *Set) bool {
		if err := set.Merge(ctx); err != nil && first == nil {
			first = err
		}
		return true
	})
	return first
}

// Close persists every materialized set and stops their timers.
func (ix *Index) Close(ctx context.Context) error {
	if ix.closed.Swap(true) {
		return nil
	}

	var first error
	ix.sets.Range(func(_ string, set *Set) bool {
		if err := set.Close(ctx); err != nil && first == nil {
			first = err
		}
		return true
	})
	return first
}
