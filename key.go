package keep

import (
	"context"
	"errors"
	"fmt"

	"github.com/GeceGibi/keep/internal/codec"
)

// keyConfig carries the per-key placement and lifecycle flags.
type keyConfig struct {
	removable bool
	external  bool
	secure    bool
}

// KeyOption configures a key at construction time.
type KeyOption func(*keyConfig)

// Removable marks the key for deletion by Store.ClearRemovable.
func Removable() KeyOption {
	return func(c *keyConfig) { c.removable = true }
}

// External stores the key's value as its own file instead of in the
// consolidated table. Suited to large or independently rewritten
// values.
func External() KeyOption {
	return func(c *keyConfig) { c.external = true }
}

// Secure encrypts the value and hides the key name on disk. Requires a
// store opened with WithEncrypter.
func Secure() KeyOption {
	return func(c *keyConfig) { c.secure = true }
}

// Key is a typed handle on one named slot of a store. Construct with
// NewKey for builtin value types or NewKeyCodec for custom ones; the
// zero Key is not usable.
type Key[T any] struct {
	store *Store
	name  string
	cfg   keyConfig
	enc   func(T) (Kind, []byte, error)
	dec   func(Kind, []byte) (T, error)
}

// NewKey builds a key for a builtin value type: int, int64, float64,
// bool, string, []byte, Value, []Value or map[string]Value. Any other
// type needs NewKeyCodec.
func NewKey[T any](s *Store, name string, opts ...KeyOption) (*Key[T], error) {
	enc, dec, ok := builtinCodec[T]()
	if !ok {
		var zero T
		return nil, ErrInvalidOptions.WithDetails(fmt.Sprintf("no builtin codec for %T, use NewKeyCodec", zero))
	}
	return newKey(s, name, enc, dec, opts)
}

// NewKeyCodec builds a key with a caller-supplied codec. encode
// returns the wire kind and a JSON payload; decode receives the stored
// kind and payload back.
func NewKeyCodec[T any](
	s *Store,
	name string,
	encode func(T) (Kind, []byte, error),
	decode func(Kind, []byte) (T, error),
	opts ...KeyOption,
) (*Key[T], error) {
	if encode == nil || decode == nil {
		return nil, ErrInvalidOptions.WithDetails("nil codec function")
	}
	return newKey(s, name, encode, decode, opts)
}

func newKey[T any](
	s *Store,
	name string,
	enc func(T) (Kind, []byte, error),
	dec func(Kind, []byte) (T, error),
	opts []KeyOption,
) (*Key[T], error) {
	if s == nil {
		return nil, ErrInvalidOptions.WithDetails("nil store")
	}
	if name == "" {
		return nil, ErrInvalidOptions.WithDetails("empty key name")
	}
	if len(name) > codec.MaxNameLen {
		return nil, ErrNameTooLong.WithDetails(fmt.Sprintf("%d bytes, limit %d", len(name), codec.MaxNameLen))
	}

	var cfg keyConfig
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.secure && s.enc == nil {
		return nil, ErrNoEncrypter
	}

	return &Key[T]{store: s, name: name, cfg: cfg, enc: enc, dec: dec}, nil
}

// Name returns the logical key name.
func (k *Key[T]) Name() string {
	return k.name
}

// storedName is the name written to disk: secure keys store under the
// hash so the logical name never appears in cleartext.
func (k *Key[T]) storedName() string {
	if k.cfg.secure {
		return codec.HashName(k.name)
	}
	return k.name
}

func (k *Key[T]) flags() uint8 {
	var f uint8
	if k.cfg.removable {
		f |= codec.FlagRemovable
	}
	if k.cfg.secure {
		f |= codec.FlagSecure
	}
	return f
}

// Set writes the value, replacing any previous one, and emits a change
// event. Failures are reported to the fault sink and returned.
func (k *Key[T]) Set(ctx context.Context, value T) error {
	s := k.store
	if s.closed.Load() {
		return ErrClosed
	}
	s.metrics.RecordOp(s.opts.Name, "set")

	kind, payload, err := k.enc(value)
	if err != nil {
		if ErrorCode(err) == "" {
			err = ErrEncode.WithCause(err)
		}
		return k.fail("set", err)
	}

	if k.cfg.secure {
		payload, err = s.sealEnvelope(k.name, payload)
		if err != nil {
			return k.fail("set", err)
		}
	}

	e := codec.Entry{
		Store:   s.opts.Name,
		Name:    k.storedName(),
		Flags:   k.flags(),
		Version: codec.FormatVersion,
		Kind:    uint8(kind),
		Payload: payload,
	}

	if k.cfg.external {
		if err := s.blobs.Write(ctx, e); err != nil {
			return k.fail("set", wrapWrite(err))
		}
	} else if err := s.vault.Put(e); err != nil {
		return k.fail("set", wrapWrite(err))
	}

	s.events.publish(k.name, OpSet)
	return nil
}

// Get reads the value. A missing key returns ErrNotFound; corruption,
// kind mismatches and crypto failures are reported to the fault sink
// and returned.
func (k *Key[T]) Get(ctx context.Context) (T, error) {
	var zero T
	s := k.store
	if s.closed.Load() {
		return zero, ErrClosed
	}
	s.metrics.RecordOp(s.opts.Name, "get")

	var (
		e  codec.Entry
		ok bool
	)
	if k.cfg.external {
		var err error
		e, ok, err = s.blobs.Read(ctx, k.storedName())
		if err != nil {
			return zero, k.fail("get", wrapRead(err))
		}
	} else {
		e, ok = s.vault.Get(k.storedName())
	}
	if !ok {
		return zero, ErrNotFound.WithDetails(k.name)
	}

	payload := e.Payload
	if k.cfg.secure {
		env, err := s.openEnvelope(e)
		if err != nil {
			return zero, k.fail("get", err)
		}
		if env.Key != k.name {
			// Same stored hash, sealed for a different logical name.
			return zero, ErrNotFound.WithDetails(k.name)
		}
		payload = []byte(env.Value)
	}

	v, err := k.dec(Kind(e.Kind), payload)
	if err != nil {
		if ErrorCode(err) == "" {
			err = ErrDecode.WithCause(err)
		}
		return zero, k.fail("get", err)
	}
	return v, nil
}

// GetOr reads the value, or returns fallback when the key is absent or
// the value cannot be produced. It never fails; underlying faults
// still reach the sink.
func (k *Key[T]) GetOr(ctx context.Context, fallback T) T {
	v, err := k.Get(ctx)
	if err != nil {
		return fallback
	}
	return v
}

// Delete removes the value. Deleting an absent key is a no-op; an
// event is emitted only when something was removed.
func (k *Key[T]) Delete(ctx context.Context) error {
	s := k.store
	if s.closed.Load() {
		return ErrClosed
	}
	s.metrics.RecordOp(s.opts.Name, "remove")

	var existed bool
	if k.cfg.external {
		var err error
		existed, err = s.blobs.Remove(ctx, k.storedName())
		if err != nil {
			return k.fail("remove", wrapWrite(err))
		}
	} else {
		existed = s.vault.Delete(k.storedName())
	}

	if existed {
		s.events.publish(k.name, OpRemove)
	}
	return nil
}

// Exists reports whether the key currently holds a value.
func (k *Key[T]) Exists(ctx context.Context) (bool, error) {
	s := k.store
	if s.closed.Load() {
		return false, ErrClosed
	}
	s.metrics.RecordOp(s.opts.Name, "exists")

	if k.cfg.external {
		ok, err := s.blobs.Exists(ctx, k.storedName())
		if err != nil {
			return false, k.fail("exists", ErrIO.WithCause(err))
		}
		return ok, nil
	}
	return s.vault.Has(k.storedName()), nil
}

// fail reports a key operation fault and returns the error unchanged.
func (k *Key[T]) fail(op string, err error) error {
	k.store.rep.report(op, k.name, err)
	return err
}

// wrapRead classifies a storage read failure: codec corruption becomes
// ErrDecode, everything else ErrIO. Already-classified errors pass
// through.
func wrapRead(err error) error {
	if ErrorCode(err) != "" {
		return err
	}
	if isCodecError(err) {
		return ErrDecode.WithCause(err)
	}
	return ErrIO.WithCause(err)
}

// wrapWrite is the write-side counterpart: codec rejections become
// ErrEncode.
func wrapWrite(err error) error {
	if ErrorCode(err) != "" {
		return err
	}
	if isCodecError(err) {
		return ErrEncode.WithCause(err)
	}
	return ErrIO.WithCause(err)
}

func isCodecError(err error) bool {
	return errors.Is(err, codec.ErrCorruptedEntry) ||
		errors.Is(err, codec.ErrCorruptedFile) ||
		errors.Is(err, codec.ErrUnknownVersion) ||
		errors.Is(err, codec.ErrInvalidKind) ||
		errors.Is(err, codec.ErrEmptyPayload) ||
		errors.Is(err, codec.ErrNameTooLong)
}

// builtinCodec wires the supported value types through the Value wire
// rules, so every builtin key shares one encoding path.
func builtinCodec[T any]() (func(T) (Kind, []byte, error), func(Kind, []byte) (T, error), bool) {
	var zero T
	switch any(zero).(type) {
	case int:
		return encodeAs(func(v T) Value { return Int(int64(any(v).(int))) }),
			decodeAs(KindInt, func(val Value) T { n, _ := val.AsInt(); return any(int(n)).(T) }),
			true
	case int64:
		return encodeAs(func(v T) Value { return Int(any(v).(int64)) }),
			decodeAs(KindInt, func(val Value) T { n, _ := val.AsInt(); return any(n).(T) }),
			true
	case float64:
		return encodeAs(func(v T) Value { return Float(any(v).(float64)) }),
			decodeAs(KindFloat, func(val Value) T { f, _ := val.AsFloat(); return any(f).(T) }),
			true
	case bool:
		return encodeAs(func(v T) Value { return Bool(any(v).(bool)) }),
			decodeAs(KindBool, func(val Value) T { b, _ := val.AsBool(); return any(b).(T) }),
			true
	case string:
		return encodeAs(func(v T) Value { return String(any(v).(string)) }),
			decodeAs(KindString, func(val Value) T { s, _ := val.AsString(); return any(s).(T) }),
			true
	case []byte:
		return encodeAs(func(v T) Value { return Bytes(any(v).([]byte)) }),
			decodeAs(KindBytes, func(val Value) T { b, _ := val.AsBytes(); return any(b).(T) }),
			true
	case Value:
		enc := func(v T) (Kind, []byte, error) { return marshalValue(any(v).(Value)) }
		dec := func(kind Kind, payload []byte) (T, error) {
			val, err := decodeTagged(uint8(kind), payload)
			if err != nil {
				var z T
				return z, ErrDecode.WithCause(err)
			}
			return any(val).(T), nil
		}
		return enc, dec, true
	case []Value:
		return encodeAs(func(v T) Value { return List(any(v).([]Value)...) }),
			decodeAs(KindList, func(val Value) T { l, _ := val.AsList(); return any(l).(T) }),
			true
	case map[string]Value:
		return encodeAs(func(v T) Value { return Map(any(v).(map[string]Value)) }),
			decodeAs(KindMap, func(val Value) T { m, _ := val.AsMap(); return any(m).(T) }),
			true
	}
	return nil, nil, false
}

func encodeAs[T any](wrap func(T) Value) func(T) (Kind, []byte, error) {
	return func(v T) (Kind, []byte, error) {
		return marshalValue(wrap(v))
	}
}

func decodeAs[T any](want Kind, unwrap func(Value) T) func(Kind, []byte) (T, error) {
	return func(kind Kind, payload []byte) (T, error) {
		var zero T
		if kind != want {
			return zero, ErrKindMismatch.WithDetails(fmt.Sprintf("stored %s, key expects %s", kind, want))
		}
		val, err := decodeTagged(uint8(kind), payload)
		if err != nil {
			return zero, ErrDecode.WithCause(err)
		}
		return unwrap(val), nil
	}
}

func marshalValue(v Value) (Kind, []byte, error) {
	payload, err := v.MarshalJSON()
	if err != nil {
		return 0, nil, ErrEncode.WithCause(err)
	}
	return v.Kind(), payload, nil
}
