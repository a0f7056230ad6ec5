package keep

import (
	"context"
	"encoding/json"
	"net/http"
	"path/filepath"
	"sort"
	"sync/atomic"
	"time"

	"github.com/GeceGibi/keep/internal/blob"
	"github.com/GeceGibi/keep/internal/codec"
	"github.com/GeceGibi/keep/internal/confloader"
	"github.com/GeceGibi/keep/internal/subkey"
	"github.com/GeceGibi/keep/internal/telemetry/logger"
	"github.com/GeceGibi/keep/internal/telemetry/metric"
	"github.com/GeceGibi/keep/internal/vault"
)

const (
	vaultFileSuffix = ".vault"
	externalDirName = "external"
)

// Header is the metadata of one stored entry, without its value. For
// secure entries Name is the recovered logical name.
type Header struct {
	Name      string
	Kind      Kind
	Version   uint8
	Removable bool
	Secure    bool
	External  bool
}

// Store is an open persistence engine rooted at one directory. All
// keys are bound to a Store instance; there is no ambient global
// registry.
type Store struct {
	opts Options

	vault   *vault.Store
	blobs   *blob.Store
	subkeys *subkey.Index
	enc     Encrypter
	events  *hub
	rep     *reporter

	watcher *confloader.Watcher
	closed  atomic.Bool

	log     logger.Logger
	metrics *metric.Registry
}

// Open builds Options from DefaultOptions plus the given options and
// opens the store.
func Open(opts ...Option) (*Store, error) {
	o := DefaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	return OpenConfig(o)
}

// OpenConfig opens a store from explicit Options.
//
// The root directory is created when absent. The consolidated file is
// loaded once; an unreadable file resets to empty and reports through
// the fault sink rather than failing Open. Open fails only on invalid
// options, an unusable directory, or an encrypter that cannot
// initialize.
func OpenConfig(o Options) (*Store, error) {
	o.normalize()
	if err := o.verify(); err != nil {
		return nil, err
	}

	log, err := logger.New(logger.Config{Level: o.Log.Level, Format: o.Log.Format})
	if err != nil {
		return nil, ErrInit.WithDetails("logger").WithCause(err)
	}
	log = log.With("store", o.Name)

	var metrics *metric.Registry
	if o.Metrics {
		metrics = metric.NewRegistry()
	}

	rep := newReporter(o.OnFault, log, metrics)
	onFault := func(op, key string, err error) { rep.report(op, key, err) }

	if o.Encrypter != nil {
		if err := o.Encrypter.Init(context.Background()); err != nil {
			return nil, ErrInit.WithDetails("encrypter").WithCause(err)
		}
	}

	vlt, err := vault.Open(vault.Config{
		Name:       o.Name,
		Path:       filepath.Join(o.Dir, o.Name+vaultFileSuffix),
		FlushDelay: o.FlushDelay,
		Clock:      o.clock,
		Logger:     log,
		Metrics:    metrics,
		OnFault:    onFault,
	})
	if err != nil {
		return nil, ErrInit.WithCause(err)
	}

	blobs, err := blob.Open(blob.Config{
		Name:    o.Name,
		Dir:     filepath.Join(o.Dir, externalDirName),
		Logger:  log,
		Metrics: metrics,
		OnFault: onFault,
	})
	if err != nil {
		return nil, ErrInit.WithCause(err)
	}

	s := &Store{
		opts:    o,
		vault:   vlt,
		blobs:   blobs,
		subkeys: subkey.NewIndex(subkey.Config{
			Name:       o.Name,
			Dir:        o.Dir,
			MergeDelay: o.FlushDelay,
			Clock:      o.clock,
			Logger:     log,
			Metrics:    metrics,
			OnFault:    onFault,
		}),
		enc:     o.Encrypter,
		events:  newHub(log, metrics),
		rep:     rep,
		log:     log,
		metrics: metrics,
	}

	metrics.RegisterStats(s.stats)
	s.startWatcher()

	log.Info("store opened", "dir", o.Dir, "entries", vlt.Len())
	return s, nil
}

// startWatcher arms the options-file watcher when configured. Watch
// failures degrade to a fault instead of failing Open.
func (s *Store) startWatcher() {
	if !s.opts.WatchConfig || s.opts.configPath == "" {
		return
	}

	w, err := confloader.NewWatcher(
		confloader.WithWatcherLogger(s.log),
		confloader.WithDebounce(250*time.Millisecond),
	)
	if err != nil {
		s.rep.report("watch", "", ErrInit.WithDetails("config watcher").WithCause(err))
		return
	}
	if err := w.Watch(s.opts.configPath); err != nil {
		s.rep.report("watch", "", ErrInit.WithDetails("config watcher").WithCause(err))
		w.Stop()
		return
	}

	// The watcher reports every change in the directory; only the
	// options file itself warrants a reload.
	base := filepath.Base(s.opts.configPath)
	w.OnChange(func(changed string) {
		if filepath.Base(changed) != base {
			return
		}
		s.reloadOptions()
	})
	w.StartAsync()
	s.watcher = w
}

// reloadOptions re-reads the options file and applies the settings
// that can change at runtime. Structural settings are ignored until
// the store reopens.
func (s *Store) reloadOptions() {
	o, err := OptionsFromFile(s.opts.configPath)
	if err != nil {
		s.rep.report("reload", "", err)
		return
	}
	if o.Log.Level != "" {
		logger.SetLevel(o.Log.Level)
		s.log.Info("log level applied from options file", "level", o.Log.Level)
	}
}

// Name returns the store name.
func (s *Store) Name() string {
	return s.opts.Name
}

// Dir returns the store's root directory.
func (s *Store) Dir() string {
	return s.opts.Dir
}

// Has reports whether any entry is stored under name, checking the
// consolidated table and the external files, under both the plain and
// the hashed form of the name.
func (s *Store) Has(ctx context.Context, name string) (bool, error) {
	if s.closed.Load() {
		return false, ErrClosed
	}
	s.metrics.RecordOp(s.opts.Name, "has")

	hashed := codec.HashName(name)
	if s.vault.Has(name) || s.vault.Has(hashed) {
		return true, nil
	}

	for _, candidate := range []string{name, hashed} {
		ok, err := s.blobs.Exists(ctx, candidate)
		if err != nil {
			wrapped := ErrIO.WithCause(err)
			s.rep.report("has", name, wrapped)
			return false, wrapped
		}
		if ok {
			return true, nil
		}
	}
	return false, nil
}

// Headers enumerates the metadata of every stored entry, internal and
// external, sorted by name. Secure entries have their logical name
// recovered by decrypting the envelope; an entry that fails to decrypt
// is reported and skipped, never aborting the enumeration.
func (s *Store) Headers(ctx context.Context) ([]Header, error) {
	if s.closed.Load() {
		return nil, ErrClosed
	}

	var out []Header
	for _, e := range s.vault.Entries() {
		if h, ok := s.headerOf(e, false); ok {
			out = append(out, h)
		}
	}

	blobHeaders, err := s.blobs.Headers(ctx)
	if err != nil {
		return nil, ErrIO.WithCause(err)
	}
	for _, bh := range blobHeaders {
		if !bh.Secure() {
			out = append(out, Header{
				Name:      bh.Name,
				Kind:      Kind(bh.Kind),
				Version:   bh.Version,
				Removable: bh.Removable(),
				External:  true,
			})
			continue
		}

		// Name recovery needs the envelope, so secure external entries
		// cost a full read here.
		e, ok, err := s.blobs.ReadSync(bh.Name)
		if err != nil || !ok {
			s.rep.report("enumerate", bh.Name, ErrIO.WithCause(err))
			continue
		}
		if h, ok := s.headerOf(e, true); ok {
			out = append(out, h)
		}
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// Keys returns the logical names of every stored entry, sorted.
func (s *Store) Keys(ctx context.Context) ([]string, error) {
	headers, err := s.Headers(ctx)
	if err != nil {
		return nil, err
	}
	keys := make([]string, len(headers))
	for i, h := range headers {
		keys[i] = h.Name
	}
	return keys, nil
}

// headerOf converts an entry to its public header, recovering the
// logical name of secure entries. Reports and rejects entries whose
// envelope cannot be opened.
func (s *Store) headerOf(e codec.Entry, external bool) (Header, bool) {
	h := e.Header()
	name := h.Name

	if h.Secure() {
		logical, err := s.recoverName(e)
		if err != nil {
			s.rep.report("enumerate", h.Name, ErrCrypto.WithCause(err))
			return Header{}, false
		}
		name = logical
	}

	return Header{
		Name:      name,
		Kind:      Kind(h.Kind),
		Version:   h.Version,
		Removable: h.Removable(),
		Secure:    h.Secure(),
		External:  external,
	}, true
}

// secureEnvelope is the JSON document sealed inside a secure entry:
// the logical key name plus the value's wire payload.
type secureEnvelope struct {
	Key   string          `json:"k"`
	Value json.RawMessage `json:"v"`
}

// recoverName opens a secure entry's envelope and returns the logical
// key name.
func (s *Store) recoverName(e codec.Entry) (string, error) {
	env, err := s.openEnvelope(e)
	if err != nil {
		return "", err
	}
	return env.Key, nil
}

// openEnvelope decrypts a secure entry's payload.
func (s *Store) openEnvelope(e codec.Entry) (secureEnvelope, error) {
	if s.enc == nil {
		return secureEnvelope{}, ErrNoEncrypter
	}

	var ciphertext string
	if err := json.Unmarshal(e.Payload, &ciphertext); err != nil {
		return secureEnvelope{}, ErrDecode.WithDetails("secure payload is not a string").WithCause(err)
	}

	plain, err := s.enc.Decrypt(ciphertext)
	if err != nil {
		return secureEnvelope{}, ErrCrypto.WithCause(err)
	}

	var env secureEnvelope
	if err := json.Unmarshal([]byte(plain), &env); err != nil {
		return secureEnvelope{}, ErrDecode.WithDetails("malformed secure envelope").WithCause(err)
	}
	return env, nil
}

// sealEnvelope encrypts a logical name and value payload into the
// stored ciphertext payload.
func (s *Store) sealEnvelope(name string, payload []byte) ([]byte, error) {
	if s.enc == nil {
		return nil, ErrNoEncrypter
	}

	plain, err := json.Marshal(secureEnvelope{Key: name, Value: payload})
	if err != nil {
		return nil, ErrEncode.WithCause(err)
	}

	ciphertext, err := s.enc.Encrypt(string(plain))
	if err != nil {
		return nil, ErrCrypto.WithCause(err)
	}
	return json.Marshal(ciphertext)
}

// Clear removes every entry: the consolidated table, every external
// file, and every loaded sub-key collection. Unlike the other bulk
// operations it aborts and propagates on the first deletion failure,
// so a caller that sees nil knows everything is gone. Emits one clear
// event per previously known key.
func (s *Store) Clear(ctx context.Context) error {
	if s.closed.Load() {
		return ErrClosed
	}
	s.metrics.RecordOp(s.opts.Name, "clear")

	// Best-effort enumeration first; the names are gone afterwards.
	keys, err := s.Keys(ctx)
	if err != nil {
		s.rep.report("clear", "", err)
	}

	if err := s.blobs.Clear(ctx); err != nil {
		wrapped := ErrIO.WithCause(err)
		s.rep.report("clear", "", wrapped)
		return wrapped
	}

	s.vault.Clear()

	for _, parent := range s.subkeys.Parents() {
		s.subkeys.Collection(parent).Clear()
	}
	if err := s.subkeys.MergeAll(ctx); err != nil {
		wrapped := ErrIO.WithCause(err)
		s.rep.report("clear", "", wrapped)
		return wrapped
	}

	for _, key := range keys {
		s.events.publish(key, OpClear)
	}
	s.log.Info("store cleared", "keys", len(keys))
	return nil
}

// ClearRemovable deletes every entry whose removable flag is set,
// inspecting flags only, and returns the removed names sorted. For
// secure entries the stored name is returned, since the value needed
// to recover the logical name is already gone. Per-file failures are
// reported and skipped.
func (s *Store) ClearRemovable(ctx context.Context) ([]string, error) {
	if s.closed.Load() {
		return nil, ErrClosed
	}
	s.metrics.RecordOp(s.opts.Name, "clear_removable")

	removed := s.vault.ClearRemovable()

	external, err := s.blobs.ClearRemovable(ctx)
	removed = append(removed, external...)
	sort.Strings(removed)

	for _, name := range removed {
		s.events.publish(name, OpRemove)
	}

	if err != nil {
		wrapped := ErrIO.WithCause(err)
		s.rep.report("clear_removable", "", wrapped)
		return removed, wrapped
	}
	s.log.Debug("removable entries swept", "removed", len(removed))
	return removed, nil
}

// Flush forces all pending debounced state to disk and waits for
// queued external operations to settle.
func (s *Store) Flush(ctx context.Context) error {
	if s.closed.Load() {
		return ErrClosed
	}

	if err := s.vault.Flush(ctx); err != nil {
		return s.wrapIO(err)
	}
	if err := s.subkeys.MergeAll(ctx); err != nil {
		return s.wrapIO(err)
	}
	if err := s.blobs.Drain(ctx); err != nil {
		return s.wrapIO(err)
	}
	return nil
}

// Close flushes pending state, stops the timers and the watcher, and
// closes every event subscription. Further operations return ErrClosed.
func (s *Store) Close(ctx context.Context) error {
	if s.closed.Swap(true) {
		return nil
	}

	if s.watcher != nil {
		s.watcher.Stop()
	}

	var first error
	if err := s.vault.Close(ctx); err != nil {
		first = s.wrapIO(err)
	}
	if err := s.subkeys.Close(ctx); err != nil && first == nil {
		first = s.wrapIO(err)
	}
	if err := s.blobs.Drain(ctx); err != nil && first == nil {
		first = s.wrapIO(err)
	}
	s.events.close()

	s.log.Info("store closed")
	return first
}

// Subscribe returns a channel of change events and a cancel function.
// A buffer of zero selects a small default; a subscriber that stops
// draining loses events rather than blocking the store.
func (s *Store) Subscribe(buffer int) (<-chan Event, func()) {
	return s.events.subscribe(buffer)
}

// Subkeys returns the sub-key collection of a parent key, creating it
// lazily.
func (s *Store) Subkeys(parent string) *Collection {
	return &Collection{
		store:  s,
		parent: parent,
		set:    s.subkeys.Collection(parent),
	}
}

// MetricsHandler serves this store's Prometheus metrics. Without
// WithMetrics it serves 404.
func (s *Store) MetricsHandler() http.Handler {
	return s.metrics.Handler()
}

// stats samples gauges for the metrics collector at scrape time.
func (s *Store) stats() metric.Stats {
	return metric.Stats{
		Entries:       s.vault.Len(),
		SubKeySets:    s.subkeys.Count(),
		ExternalBlobs: s.blobs.Count(),
		VaultBytes:    s.vault.FileSize(),
	}
}

// wrapIO coerces an internal failure into the public taxonomy,
// leaving already-classified errors alone.
func (s *Store) wrapIO(err error) error {
	if err == nil {
		return nil
	}
	if code := ErrorCode(err); code != "" {
		return err
	}
	return ErrIO.WithCause(err)
}
