package keep

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/GeceGibi/keep/internal/codec"
	"github.com/GeceGibi/keep/internal/sched"
)

func TestNewKey_Validation(t *testing.T) {
	s := newTestStore(t)

	if _, err := NewKey[string](nil, "k"); !errors.Is(err, ErrInvalidOptions) {
		t.Fatalf("nil store err = %v", err)
	}
	if _, err := NewKey[string](s, ""); !errors.Is(err, ErrInvalidOptions) {
		t.Fatalf("empty name err = %v", err)
	}
	if _, err := NewKey[string](s, strings.Repeat("n", 256)); !errors.Is(err, ErrNameTooLong) {
		t.Fatalf("long name err = %v", err)
	}

	type custom struct{ A int }
	if _, err := NewKey[custom](s, "k"); !errors.Is(err, ErrInvalidOptions) {
		t.Fatalf("unsupported type err = %v", err)
	}

	if _, err := NewKey[string](s, "k", Secure()); !errors.Is(err, ErrNoEncrypter) {
		t.Fatalf("secure without encrypter err = %v", err)
	}

	if _, err := NewKeyCodec[int](s, "k", nil, nil); !errors.Is(err, ErrInvalidOptions) {
		t.Fatalf("nil codec err = %v", err)
	}

	// A 255-byte name is still legal.
	if _, err := NewKey[string](s, strings.Repeat("n", 255)); err != nil {
		t.Fatalf("255-byte name rejected: %v", err)
	}
}

func TestKey_BuiltinRoundTrips(t *testing.T) {
	for _, placement := range []struct {
		name string
		opts []KeyOption
	}{
		{"internal", nil},
		{"external", []KeyOption{External()}},
	} {
		t.Run(placement.name, func(t *testing.T) {
			ctx := context.Background()
			s := newTestStore(t)
			opts := placement.opts

			roundTrip(t, s, "int", 42, opts)
			roundTrip(t, s, "int64", int64(-9_000_000_000_000), opts)
			roundTrip(t, s, "float", 3.5, opts)
			roundTrip(t, s, "bool", true, opts)
			roundTrip(t, s, "string", "hüllo wörld", opts)

			kb, err := NewKey[[]byte](s, "bytes", opts...)
			if err != nil {
				t.Fatalf("NewKey bytes: %v", err)
			}
			if err := kb.Set(ctx, []byte{0, 255, 7}); err != nil {
				t.Fatalf("Set bytes: %v", err)
			}
			if got, err := kb.Get(ctx); err != nil || !bytes.Equal(got, []byte{0, 255, 7}) {
				t.Fatalf("Get bytes = %v, %v", got, err)
			}

			kv, err := NewKey[Value](s, "value", opts...)
			if err != nil {
				t.Fatalf("NewKey value: %v", err)
			}
			if err := kv.Set(ctx, Float(2.5)); err != nil {
				t.Fatalf("Set value: %v", err)
			}
			if got, err := kv.Get(ctx); err != nil || !got.Equal(Float(2.5)) {
				t.Fatalf("Get value = %s, %v", got, err)
			}

			kl, err := NewKey[[]Value](s, "list", opts...)
			if err != nil {
				t.Fatalf("NewKey list: %v", err)
			}
			wantList := []Value{Int(1), String("two"), Null()}
			if err := kl.Set(ctx, wantList); err != nil {
				t.Fatalf("Set list: %v", err)
			}
			if got, err := kl.Get(ctx); err != nil || !List(got...).Equal(List(wantList...)) {
				t.Fatalf("Get list = %v, %v", got, err)
			}

			km, err := NewKey[map[string]Value](s, "map", opts...)
			if err != nil {
				t.Fatalf("NewKey map: %v", err)
			}
			wantMap := map[string]Value{"deep": List(Bool(false))}
			if err := km.Set(ctx, wantMap); err != nil {
				t.Fatalf("Set map: %v", err)
			}
			if got, err := km.Get(ctx); err != nil || !Map(got).Equal(Map(wantMap)) {
				t.Fatalf("Get map = %v, %v", got, err)
			}
		})
	}
}

func roundTrip[T comparable](t *testing.T, s *Store, name string, want T, opts []KeyOption) {
	t.Helper()
	ctx := context.Background()

	k, err := NewKey[T](s, name, opts...)
	if err != nil {
		t.Fatalf("NewKey %s: %v", name, err)
	}
	if err := k.Set(ctx, want); err != nil {
		t.Fatalf("Set %s: %v", name, err)
	}
	got, err := k.Get(ctx)
	if err != nil {
		t.Fatalf("Get %s: %v", name, err)
	}
	if got != want {
		t.Fatalf("round trip %s = %v, want %v", name, got, want)
	}
}

func TestKey_GetMissing(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	for _, opts := range [][]KeyOption{nil, {External()}} {
		k, _ := NewKey[string](s, "absent", opts...)
		if _, err := k.Get(ctx); !errors.Is(err, ErrNotFound) {
			t.Fatalf("Get err = %v, want ErrNotFound", err)
		}
		if got := k.GetOr(ctx, "fallback"); got != "fallback" {
			t.Fatalf("GetOr = %q", got)
		}
	}
}

func TestKey_KindMismatch(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	for _, opts := range [][]KeyOption{nil, {External()}} {
		writer, _ := NewKey[string](s, "slot", opts...)
		if err := writer.Set(ctx, "not a number"); err != nil {
			t.Fatalf("Set: %v", err)
		}

		reader, _ := NewKey[int64](s, "slot", opts...)
		if _, err := reader.Get(ctx); !errors.Is(err, ErrKindMismatch) {
			t.Fatalf("Get err = %v, want ErrKindMismatch", err)
		}
		if got := reader.GetOr(ctx, -1); got != -1 {
			t.Fatalf("GetOr on mismatch = %d", got)
		}
	}
}

func TestKey_DeleteAndExists(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	for _, opts := range [][]KeyOption{nil, {External()}} {
		k, _ := NewKey[int](s, "tmp", opts...)

		if ok, err := k.Exists(ctx); err != nil || ok {
			t.Fatalf("Exists before Set = %v, %v", ok, err)
		}
		if err := k.Set(ctx, 9); err != nil {
			t.Fatalf("Set: %v", err)
		}
		if ok, err := k.Exists(ctx); err != nil || !ok {
			t.Fatalf("Exists after Set = %v, %v", ok, err)
		}
		if err := k.Delete(ctx); err != nil {
			t.Fatalf("Delete: %v", err)
		}
		if ok, _ := k.Exists(ctx); ok {
			t.Fatal("Exists after Delete")
		}
		if err := k.Delete(ctx); err != nil {
			t.Fatalf("Delete of absent key: %v", err)
		}
	}
}

func TestKey_SecureRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, WithEncrypter(newTestEncrypter()))

	ch, cancel := s.Subscribe(8)
	defer cancel()

	internal, err := NewKey[string](s, "secret", Secure())
	if err != nil {
		t.Fatalf("NewKey: %v", err)
	}
	if err := internal.Set(ctx, "topsecret-value"); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if got, err := internal.Get(ctx); err != nil || got != "topsecret-value" {
		t.Fatalf("Get = %q, %v", got, err)
	}

	external, err := NewKey[string](s, "esecret", Secure(), External())
	if err != nil {
		t.Fatalf("NewKey external: %v", err)
	}
	if err := external.Set(ctx, "outer-secret"); err != nil {
		t.Fatalf("Set external: %v", err)
	}
	if got, err := external.Get(ctx); err != nil || got != "outer-secret" {
		t.Fatalf("Get external = %q, %v", got, err)
	}

	// Events carry the logical names.
	events := recvEvents(t, ch, 2)
	if events[0].Key != "secret" || events[1].Key != "esecret" {
		t.Fatalf("events = %+v", events)
	}

	// Neither the logical name nor the plaintext reaches the
	// consolidated file, even after deobfuscation.
	if err := s.Flush(ctx); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	data, err := os.ReadFile(filepath.Join(s.Dir(), "main.vault"))
	if err != nil {
		t.Fatalf("read consolidated file: %v", err)
	}
	entries, dropped, err := codec.DecodeBatch(data)
	if err != nil || dropped != 0 {
		t.Fatalf("DecodeBatch: %v, dropped %d", err, dropped)
	}
	if len(entries) != 1 {
		t.Fatalf("entries = %d, want 1", len(entries))
	}
	e := entries[0]
	if e.Name != codec.HashName("secret") {
		t.Fatalf("stored name = %q, want hash", e.Name)
	}
	if e.Kind != codec.KindString {
		t.Fatalf("stored kind = %d, want the value's kind", e.Kind)
	}
	if bytes.Contains(e.Payload, []byte("topsecret-value")) || bytes.Contains(e.Payload, []byte("secret")) {
		t.Fatalf("payload leaks cleartext: %s", e.Payload)
	}

	// The external file sits under the hash of the stored name.
	path := filepath.Join(s.Dir(), "external", codec.HashName(codec.HashName("esecret")))
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("external secure file missing: %v", err)
	}
}

func TestKey_SecureDecryptFailure(t *testing.T) {
	ctx := context.Background()
	enc := newTestEncrypter()
	var faults []Fault
	s := newTestStore(t,
		WithEncrypter(enc),
		WithFaultSink(func(f Fault) { faults = append(faults, f) }),
	)

	k, _ := NewKey[string](s, "secret", Secure())
	if err := k.Set(ctx, "v"); err != nil {
		t.Fatalf("Set: %v", err)
	}

	enc.failDec = true

	if _, err := k.Get(ctx); !errors.Is(err, ErrCrypto) {
		t.Fatalf("Get err = %v, want ErrCrypto", err)
	}
	if got := k.GetOr(ctx, "fb"); got != "fb" {
		t.Fatalf("GetOr = %q", got)
	}

	found := false
	for _, f := range faults {
		if f.Op == "get" && f.Key == "secret" && errors.Is(f.Err, ErrCrypto) {
			found = true
		}
	}
	if !found {
		t.Fatalf("crypto fault not sunk: %+v", faults)
	}
}

func TestKey_SecureEncryptFailure(t *testing.T) {
	ctx := context.Background()
	enc := newTestEncrypter()
	enc.failEnc = true
	s := newTestStore(t, WithEncrypter(enc))

	k, _ := NewKey[string](s, "secret", Secure())
	if err := k.Set(ctx, "v"); !errors.Is(err, ErrCrypto) {
		t.Fatalf("Set err = %v, want ErrCrypto", err)
	}
	if ok, _ := k.Exists(ctx); ok {
		t.Fatal("failed Set left a value behind")
	}
}

func TestKey_CustomCodec(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	type point struct{ X, Y int }
	encode := func(p point) (Kind, []byte, error) {
		b, err := json.Marshal(map[string]int{"x": p.X, "y": p.Y})
		return KindMap, b, err
	}
	decode := func(kind Kind, payload []byte) (point, error) {
		if kind != KindMap {
			return point{}, ErrKindMismatch
		}
		var m struct {
			X int `json:"x"`
			Y int `json:"y"`
		}
		if err := json.Unmarshal(payload, &m); err != nil {
			return point{}, err
		}
		return point{X: m.X, Y: m.Y}, nil
	}

	k, err := NewKeyCodec(s, "origin", encode, decode)
	if err != nil {
		t.Fatalf("NewKeyCodec: %v", err)
	}
	if err := k.Set(ctx, point{X: 3, Y: -4}); err != nil {
		t.Fatalf("Set: %v", err)
	}
	got, err := k.Get(ctx)
	if err != nil || got != (point{X: 3, Y: -4}) {
		t.Fatalf("Get = %+v, %v", got, err)
	}
}

func TestKey_CustomCodecErrorsClassified(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	type opaque struct{}
	boom := errors.New("codec boom")

	k, err := NewKeyCodec(s, "bad",
		func(opaque) (Kind, []byte, error) { return KindNull, nil, boom },
		func(Kind, []byte) (opaque, error) { return opaque{}, boom },
	)
	if err != nil {
		t.Fatalf("NewKeyCodec: %v", err)
	}

	if err := k.Set(ctx, opaque{}); !errors.Is(err, ErrEncode) || !errors.Is(err, boom) {
		t.Fatalf("Set err = %v, want ErrEncode wrapping cause", err)
	}

	good, _ := NewKey[int](s, "bad")
	if err := good.Set(ctx, 1); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if _, err := k.Get(ctx); !errors.Is(err, ErrDecode) || !errors.Is(err, boom) {
		t.Fatalf("Get err = %v, want ErrDecode wrapping cause", err)
	}
}

// The external file carries no cleartext; deobfuscating recovers it.
func TestKey_ExternalFileObfuscated(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	k, _ := NewKey[string](s, "note", External())
	if err := k.Set(ctx, "plain-as-day"); err != nil {
		t.Fatalf("Set: %v", err)
	}

	path := filepath.Join(s.Dir(), "external", codec.HashName("note"))
	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read external file: %v", err)
	}
	if bytes.Contains(raw, []byte("plain-as-day")) || bytes.Contains(raw, []byte("note")) {
		t.Fatal("external file leaks cleartext")
	}
	if !bytes.Contains(codec.Unshift(raw), []byte("plain-as-day")) {
		t.Fatal("deobfuscated file does not contain the value")
	}
}

// Rapid writes inside one debounce window produce exactly one flush.
func TestKey_DebouncedFlushCoalesces(t *testing.T) {
	ctx := context.Background()
	clk := sched.NewManualClock()

	o := DefaultOptions()
	o.Dir = t.TempDir()
	o.Metrics = true
	o.Log = LogOptions{Level: "error", Format: "text"}
	o.clock = clk

	s, err := OpenConfig(o)
	if err != nil {
		t.Fatalf("OpenConfig: %v", err)
	}
	defer s.Close(ctx)

	for _, name := range []string{"k1", "k2", "k3"} {
		k, _ := NewKey[string](s, name)
		if err := k.Set(ctx, "v-"+name); err != nil {
			t.Fatalf("Set %s: %v", name, err)
		}
	}

	// Nothing on disk until the window elapses.
	fi, err := os.Stat(filepath.Join(o.Dir, "main.vault"))
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	if fi.Size() != 0 {
		t.Fatalf("flushed early, size = %d", fi.Size())
	}

	clk.Advance(o.FlushDelay)

	data, err := os.ReadFile(filepath.Join(o.Dir, "main.vault"))
	if err != nil {
		t.Fatalf("read consolidated file: %v", err)
	}
	entries, dropped, err := codec.DecodeBatch(data)
	if err != nil || dropped != 0 {
		t.Fatalf("DecodeBatch: %v, dropped %d", err, dropped)
	}
	if len(entries) != 3 {
		t.Fatalf("flushed entries = %d, want 3", len(entries))
	}

	body := scrapeHandler(t, s.MetricsHandler())
	if !strings.Contains(body, "keep_flushes_total 1") {
		t.Fatalf("coalescing broke, flush count wrong:\n%s", body)
	}
}
