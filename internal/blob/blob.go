// Package blob implements the external entry store: one file per key
// under an external/ subdirectory, each holding a single obfuscated
// entry frame written atomically.
//
// Operations for the same key run strictly in submission order through
// a per-key queue; operations on different keys proceed concurrently.
// The queue keeps a read from ever observing a half-finished write to
// the same key's file.
package blob

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/GeceGibi/keep/internal/codec"
	"github.com/GeceGibi/keep/internal/fsx"
	"github.com/GeceGibi/keep/internal/telemetry/logger"
	"github.com/GeceGibi/keep/internal/telemetry/metric"
	"github.com/GeceGibi/keep/pkg/cmap"
)

// Config configures the external store.
type Config struct {
	// Name is the store name stamped into every entry frame.
	Name string

	// Dir is the directory holding one file per key.
	Dir string

	// Logger is the structured logger. Nil discards.
	Logger logger.Logger

	// Metrics receives read/write instrumentation. Nil disables.
	Metrics *metric.Registry

	// OnFault is notified of per-file failures that bulk operations
	// skip over.
	OnFault func(op, key string, err error)
}

// Store is the external per-key file store.
type Store struct {
	cfg    Config
	queues *cmap.Map[chan struct{}]

	log     logger.Logger
	metrics *metric.Registry
}

// Open creates the external directory and returns the store.
func Open(cfg Config) (*Store, error) {
	if cfg.Logger == nil {
		cfg.Logger = logger.Nop()
	}
	if err := fsx.EnsureDir(cfg.Dir); err != nil {
		return nil, fmt.Errorf("blob: %w", err)
	}

	return &Store{
		cfg:     cfg,
		queues:  cmap.New[chan struct{}](),
		log:     cfg.Logger,
		metrics: cfg.Metrics,
	}, nil
}

// filePath maps a key name to its file. Names are hashed so any legal
// key name, path separators included, yields a flat file name.
func (s *Store) filePath(name string) string {
	return filepath.Join(s.cfg.Dir, codec.HashName(name))
}

// enqueue runs fn once every previously submitted operation for the
// same name has completed. Operations on other names are unaffected.
//
// When ctx expires while waiting for a turn, fn never runs, but the
// queue chain stays intact: successors still wait for every operation
// submitted before them.
func (s *Store) enqueue(ctx context.Context, name string, fn func() error) error {
	done := make(chan struct{})

	var prev chan struct{}
	s.queues.Update(name, func(cur chan struct{}, ok bool) chan struct{} {
		if ok {
			prev = cur
		}
		return done
	})

	finish := func() {
		close(done)
		s.queues.DeleteIf(name, func(tail chan struct{}) bool { return tail == done })
	}

	if prev != nil {
		select {
		case <-prev:
		case <-ctx.Done():
			go func() {
				<-prev
				finish()
			}()
			return ctx.Err()
		}
	}
	defer finish()

	if err := ctx.Err(); err != nil {
		return err
	}
	return fn()
}

// Write stores one entry as its own file via temp-and-rename.
func (s *Store) Write(ctx context.Context, e codec.Entry) error {
	if err := codec.Validate(e); err != nil {
		return err
	}
	e.Version = codec.FormatVersion

	frame, err := codec.EncodeEntry(e)
	if err != nil {
		return err
	}
	data := codec.Shift(frame)

	return s.enqueue(ctx, e.Name, func() error {
		if err := fsx.WriteAtomic(s.filePath(e.Name), data); err != nil {
			return err
		}
		s.metrics.IncBlobWrite()
		return nil
	})
}

// Read returns the entry stored under name. An absent or empty file is
// "no value", not an error.
func (s *Store) Read(ctx context.Context, name string) (codec.Entry, bool, error) {
	var (
		e  codec.Entry
		ok bool
	)
	err := s.enqueue(ctx, name, func() error {
		var err error
		e, ok, err = s.readFile(s.filePath(name))
		return err
	})
	return e, ok, err
}

// ReadSync reads without going through the per-key queue. Callers lose
// ordering against in-flight writes in exchange for not waiting on
// them; the atomic write pattern still guarantees a complete file.
func (s *Store) ReadSync(name string) (codec.Entry, bool, error) {
	return s.readFile(s.filePath(name))
}

func (s *Store) readFile(path string) (codec.Entry, bool, error) {
	data, err := fsx.ReadIfExists(path)
	if err != nil {
		return codec.Entry{}, false, err
	}
	if len(data) == 0 {
		return codec.Entry{}, false, nil
	}

	e, err := codec.DecodeEntry(codec.Unshift(data))
	if err != nil {
		return codec.Entry{}, false, err
	}
	s.metrics.IncBlobRead()
	return e, true, nil
}

// Remove deletes the file for name and reports whether one existed.
func (s *Store) Remove(ctx context.Context, name string) (bool, error) {
	existed := false
	err := s.enqueue(ctx, name, func() error {
		path := s.filePath(name)
		ok, err := fsx.Exists(path)
		if err != nil {
			return err
		}
		existed = ok
		return fsx.RemoveIfExists(path)
	})
	return existed, err
}

// Exists reports whether a file is stored under name.
func (s *Store) Exists(ctx context.Context, name string) (bool, error) {
	var ok bool
	err := s.enqueue(ctx, name, func() error {
		var err error
		ok, err = fsx.Exists(s.filePath(name))
		return err
	})
	return ok, err
}

// ExistsSync checks without going through the per-key queue.
func (s *Store) ExistsSync(name string) (bool, error) {
	return fsx.Exists(s.filePath(name))
}

// Entries decodes every stored file. Files that cannot be read or
// decoded are reported and skipped.
func (s *Store) Entries(ctx context.Context) ([]codec.Entry, error) {
	files, err := s.listFiles()
	if err != nil {
		return nil, err
	}

	out := make([]codec.Entry, 0, len(files))
	for _, file := range files {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		e, ok, err := s.readFile(filepath.Join(s.cfg.Dir, file))
		if err != nil {
			s.report("read", file, err)
			s.log.Warn("skipping unreadable external file", "file", file, "error", err)
			continue
		}
		if ok {
			out = append(out, e)
		}
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// Headers decodes only the metadata prefix of every stored file.
func (s *Store) Headers(ctx context.Context) ([]codec.Header, error) {
	files, err := s.listFiles()
	if err != nil {
		return nil, err
	}

	out := make([]codec.Header, 0, len(files))
	for _, file := range files {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		h, ok, err := s.readHeader(filepath.Join(s.cfg.Dir, file))
		if err != nil {
			s.report("header", file, err)
			s.log.Warn("skipping unreadable external file", "file", file, "error", err)
			continue
		}
		if ok {
			out = append(out, h)
		}
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// readHeader reads the metadata prefix of one file. The obfuscation is
// byte-local, so unshifting a prefix yields the plain frame's prefix.
func (s *Store) readHeader(path string) (codec.Header, bool, error) {
	prefix, exists, err := fsx.ReadPrefix(path, codec.MaxHeaderLen)
	if err != nil {
		return codec.Header{}, false, err
	}
	if !exists || len(prefix) == 0 {
		return codec.Header{}, false, nil
	}

	h, err := codec.DecodeHeader(codec.Unshift(prefix))
	if err != nil {
		return codec.Header{}, false, err
	}
	return h, true, nil
}

// ClearRemovable deletes every file whose removable flag bit is set,
// checking only the metadata prefix of each file. Per-file failures
// are reported and skipped; the sweep continues. Returns the stored
// names of the removed entries.
func (s *Store) ClearRemovable(ctx context.Context) ([]string, error) {
	files, err := s.listFiles()
	if err != nil {
		return nil, err
	}

	var removed []string
	for _, file := range files {
		if err := ctx.Err(); err != nil {
			return removed, err
		}
		path := filepath.Join(s.cfg.Dir, file)

		h, ok, err := s.readHeader(path)
		if err != nil {
			s.report("clear_removable", file, err)
			s.log.Warn("skipping unreadable external file", "file", file, "error", err)
			continue
		}
		if !ok || !h.Removable() {
			continue
		}

		if err := fsx.RemoveIfExists(path); err != nil {
			s.report("clear_removable", h.Name, err)
			s.log.Warn("cannot remove external file", "file", file, "error", err)
			continue
		}
		removed = append(removed, h.Name)
	}

	sort.Strings(removed)
	return removed, nil
}

// Clear deletes every stored file. Unlike the other bulk operations it
// aborts on the first failure: a half-cleared directory must not look
// like a cleared one.
func (s *Store) Clear(ctx context.Context) error {
	dirents, err := os.ReadDir(s.cfg.Dir)
	if err != nil {
		return fmt.Errorf("blob: read dir: %w", err)
	}

	for _, d := range dirents {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := os.Remove(filepath.Join(s.cfg.Dir, d.Name())); err != nil {
			return fmt.Errorf("blob: clear: %w", err)
		}
	}
	return nil
}

// Count returns the number of stored files.
func (s *Store) Count() int {
	files, err := s.listFiles()
	if err != nil {
		return 0
	}
	return len(files)
}

// Drain waits for every queued operation in flight to complete.
func (s *Store) Drain(ctx context.Context) error {
	var tails []chan struct{}
	s.queues.Range(func(_ string, tail chan struct{}) bool {
		tails = append(tails, tail)
		return true
	})

	for _, tail := range tails {
		select {
		case <-tail:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// listFiles returns the directory's file names, excluding in-flight
// temp files.
func (s *Store) listFiles() ([]string, error) {
	dirents, err := os.ReadDir(s.cfg.Dir)
	if err != nil {
		return nil, fmt.Errorf("blob: read dir: %w", err)
	}

	files := make([]string, 0, len(dirents))
	for _, d := range dirents {
		if d.IsDir() || fsx.IsTemp(d.Name()) {
			continue
		}
		files = append(files, d.Name())
	}
	return files, nil
}

// report forwards a recoverable fault to the configured sink.
func (s *Store) report(op, key string, err error) {
	if s.cfg.OnFault != nil {
		s.cfg.OnFault(op, key, err)
	}
}
