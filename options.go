package keep

import (
	"context"
	"strings"
	"time"

	"github.com/GeceGibi/keep/internal/codec"
	"github.com/GeceGibi/keep/internal/confloader"
	"github.com/GeceGibi/keep/internal/sched"
)

// Encrypter seals and opens Secure entry values. The engine treats it
// as opaque: what Encrypt returns is stored verbatim, and Decrypt must
// invert it. Init runs once during Open so expensive key derivation
// stays off the operation path. The seal package provides a ready
// implementation.
type Encrypter interface {
	Init(ctx context.Context) error
	Encrypt(plaintext string) (string, error)
	Decrypt(ciphertext string) (string, error)
}

// LogOptions configures the store's structured logger.
type LogOptions struct {
	// Level is the minimum log level (debug, info, warn, error).
	Level string `koanf:"level"`

	// Format is the output format (json, text).
	Format string `koanf:"format"`
}

// Options configures a Store. The koanf-tagged fields load from a YAML
// file and KEEP_-prefixed environment variables through
// OptionsFromFile; collaborators (Encrypter, OnFault) are always wired
// in code.
type Options struct {
	// Dir is the writable root directory. Required.
	Dir string `koanf:"dir"`

	// Name is the store name, stamped into every frame and used as the
	// consolidated file's base name. Defaults to "main".
	Name string `koanf:"name"`

	// FlushDelay is the debounce window between the last mutation and
	// the disk write. Defaults to 150ms.
	FlushDelay time.Duration `koanf:"flush_delay"`

	// Metrics enables the store's Prometheus registry, exposed through
	// MetricsHandler.
	Metrics bool `koanf:"metrics"`

	// Log configures the structured logger.
	Log LogOptions `koanf:"log"`

	// WatchConfig re-reads the options file on change and applies the
	// hot-reloadable settings (currently the log level). Structural
	// settings such as Dir and Name require a reopen. Only effective
	// together with OptionsFromFile.
	WatchConfig bool `koanf:"watch_config"`

	// Encrypter seals Secure entries. Nil disables secure keys.
	Encrypter Encrypter `koanf:"-"`

	// OnFault receives recoverable failures: background flush errors,
	// skipped corrupt records, unreadable files. Delivery is rate
	// limited; the log and failure counters always record every fault.
	OnFault func(Fault) `koanf:"-"`

	// configPath remembers where OptionsFromFile read from, for the
	// change watcher.
	configPath string

	// clock substitutes the debounce timers' clock in tests.
	clock sched.Clock
}

// DefaultOptions returns the options Open starts from.
func DefaultOptions() Options {
	return Options{
		Name:       "main",
		FlushDelay: 150 * time.Millisecond,
		Log:        LogOptions{Level: "info", Format: "json"},
	}
}

// Option mutates Options during Open.
type Option func(*Options)

// WithDir sets the writable root directory.
func WithDir(dir string) Option {
	return func(o *Options) { o.Dir = dir }
}

// WithName sets the store name.
func WithName(name string) Option {
	return func(o *Options) { o.Name = name }
}

// WithFlushDelay sets the debounce window for disk writes.
func WithFlushDelay(d time.Duration) Option {
	return func(o *Options) { o.FlushDelay = d }
}

// WithEncrypter wires the encrypter used by secure keys.
func WithEncrypter(e Encrypter) Option {
	return func(o *Options) { o.Encrypter = e }
}

// WithFaultSink wires the recoverable-failure callback.
func WithFaultSink(fn func(Fault)) Option {
	return func(o *Options) { o.OnFault = fn }
}

// WithMetrics enables the store's Prometheus registry.
func WithMetrics() Option {
	return func(o *Options) { o.Metrics = true }
}

// WithLog sets the logger's level and format.
func WithLog(level, format string) Option {
	return func(o *Options) { o.Log = LogOptions{Level: level, Format: format} }
}

// OptionsFromFile loads options from a YAML file plus KEEP_-prefixed
// environment variables (env wins over file, file over defaults), then
// applies any functional options on top.
func OptionsFromFile(path string, opts ...Option) (Options, error) {
	o := DefaultOptions()

	loader := confloader.NewLoader(confloader.WithConfigFile(path))
	if err := loader.Load(&o); err != nil {
		return Options{}, ErrInvalidOptions.WithDetails("cannot load options file").WithCause(err)
	}
	o.configPath = path

	for _, opt := range opts {
		opt(&o)
	}
	return o, nil
}

// normalize fills unset fields with their defaults.
func (o *Options) normalize() {
	if o.Name == "" {
		o.Name = "main"
	}
	if o.FlushDelay <= 0 {
		o.FlushDelay = 150 * time.Millisecond
	}
	if o.Log.Level == "" {
		o.Log.Level = "info"
	}
	if o.Log.Format == "" {
		o.Log.Format = "json"
	}
	if o.clock == nil {
		o.clock = sched.SystemClock()
	}
}

// verify rejects options no store can be built from.
func (o *Options) verify() error {
	if o.Dir == "" {
		return ErrInvalidOptions.WithDetails("Dir is required")
	}
	if len(o.Name) > codec.MaxNameLen {
		return ErrNameTooLong.WithDetails("store name")
	}
	if strings.ContainsAny(o.Name, "/\\\x00") {
		return ErrInvalidOptions.WithDetails("store name must not contain path separators")
	}
	return nil
}
