package keep

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/GeceGibi/keep/internal/codec"
)

// Kind tags the shape of a Value. The numbering matches the wire
// format's type byte.
type Kind uint8

const (
	KindNull   = Kind(codec.KindNull)
	KindInt    = Kind(codec.KindInt)
	KindFloat  = Kind(codec.KindFloat)
	KindBool   = Kind(codec.KindBool)
	KindString = Kind(codec.KindString)
	KindList   = Kind(codec.KindList)
	KindMap    = Kind(codec.KindMap)
	KindBytes  = Kind(codec.KindBytes)
)

// String returns the kind's name.
func (k Kind) String() string {
	switch k {
	case KindNull:
		return "null"
	case KindInt:
		return "int"
	case KindFloat:
		return "float"
	case KindBool:
		return "bool"
	case KindString:
		return "string"
	case KindList:
		return "list"
	case KindMap:
		return "map"
	case KindBytes:
		return "bytes"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// Value is the closed union of storable shapes: null, int64, float64,
// bool, string, list, string-keyed map, and raw bytes. The zero Value
// is null.
//
// The kind tag travels with the persisted bytes, so int and float stay
// distinct across a round trip even though JSON would conflate them,
// and bytes stay distinct from their base64 string rendering. Elements
// nested inside lists and maps carry no tag of their own and decode
// structurally: a JSON number containing a '.' or an exponent becomes
// a float, any other number an int.
type Value struct {
	kind Kind
	i    int64
	f    float64
	b    bool
	s    string
	list []Value
	m    map[string]Value
	raw  []byte
}

// Null returns the null value.
func Null() Value {
	return Value{kind: KindNull}
}

// Int returns an integer value.
func Int(v int64) Value {
	return Value{kind: KindInt, i: v}
}

// Float returns a floating-point value.
func Float(v float64) Value {
	return Value{kind: KindFloat, f: v}
}

// Bool returns a boolean value.
func Bool(v bool) Value {
	return Value{kind: KindBool, b: v}
}

// String returns a string value.
func String(v string) Value {
	return Value{kind: KindString, s: v}
}

// List returns an ordered list value.
func List(items ...Value) Value {
	return Value{kind: KindList, list: items}
}

// Map returns a string-keyed map value.
func Map(m map[string]Value) Value {
	return Value{kind: KindMap, m: m}
}

// Bytes returns a raw byte sequence value. The bytes are not copied.
func Bytes(b []byte) Value {
	return Value{kind: KindBytes, raw: b}
}

// Kind returns the value's shape tag.
func (v Value) Kind() Kind {
	return v.kind
}

// IsNull reports whether the value is null.
func (v Value) IsNull() bool {
	return v.kind == KindNull
}

// AsInt returns the integer payload, false when the value is not an int.
func (v Value) AsInt() (int64, bool) {
	if v.kind != KindInt {
		return 0, false
	}
	return v.i, true
}

// AsFloat returns the float payload, false when the value is not a float.
func (v Value) AsFloat() (float64, bool) {
	if v.kind != KindFloat {
		return 0, false
	}
	return v.f, true
}

// AsBool returns the boolean payload, false when the value is not a bool.
func (v Value) AsBool() (bool, bool) {
	if v.kind != KindBool {
		return false, false
	}
	return v.b, true
}

// AsString returns the string payload, false when the value is not a
// string.
func (v Value) AsString() (string, bool) {
	if v.kind != KindString {
		return "", false
	}
	return v.s, true
}

// AsList returns the list payload, false when the value is not a list.
func (v Value) AsList() ([]Value, bool) {
	if v.kind != KindList {
		return nil, false
	}
	return v.list, true
}

// AsMap returns the map payload, false when the value is not a map.
func (v Value) AsMap() (map[string]Value, bool) {
	if v.kind != KindMap {
		return nil, false
	}
	return v.m, true
}

// AsBytes returns the raw byte payload, false when the value is not
// bytes.
func (v Value) AsBytes() ([]byte, bool) {
	if v.kind != KindBytes {
		return nil, false
	}
	return v.raw, true
}

// Equal reports deep equality of two values, including kind.
func (v Value) Equal(o Value) bool {
	if v.kind != o.kind {
		return false
	}
	switch v.kind {
	case KindNull:
		return true
	case KindInt:
		return v.i == o.i
	case KindFloat:
		return v.f == o.f
	case KindBool:
		return v.b == o.b
	case KindString:
		return v.s == o.s
	case KindBytes:
		return bytes.Equal(v.raw, o.raw)
	case KindList:
		if len(v.list) != len(o.list) {
			return false
		}
		for i := range v.list {
			if !v.list[i].Equal(o.list[i]) {
				return false
			}
		}
		return true
	case KindMap:
		if len(v.m) != len(o.m) {
			return false
		}
		for k, e := range v.m {
			oe, ok := o.m[k]
			if !ok || !e.Equal(oe) {
				return false
			}
		}
		return true
	default:
		return false
	}
}

// MarshalJSON renders the value as its JSON wire payload. Floats are
// always rendered with a decimal point or an exponent so they survive
// a structural decode as floats; bytes render as a base64 string.
func (v Value) MarshalJSON() ([]byte, error) {
	switch v.kind {
	case KindNull:
		return []byte("null"), nil
	case KindInt:
		return strconv.AppendInt(nil, v.i, 10), nil
	case KindFloat:
		if math.IsNaN(v.f) || math.IsInf(v.f, 0) {
			return nil, fmt.Errorf("non-finite float %v", v.f)
		}
		s := strconv.FormatFloat(v.f, 'g', -1, 64)
		if !strings.ContainsAny(s, ".eE") {
			s += ".0"
		}
		return []byte(s), nil
	case KindBool:
		return strconv.AppendBool(nil, v.b), nil
	case KindString:
		return json.Marshal(v.s)
	case KindBytes:
		return json.Marshal(base64.StdEncoding.EncodeToString(v.raw))
	case KindList:
		if v.list == nil {
			return []byte("[]"), nil
		}
		return json.Marshal(v.list)
	case KindMap:
		if v.m == nil {
			return []byte("{}"), nil
		}
		return json.Marshal(v.m)
	default:
		return nil, fmt.Errorf("unknown kind %d", v.kind)
	}
}

// UnmarshalJSON decodes JSON structurally, without a kind tag: numbers
// with a '.' or exponent become floats, other numbers ints, strings
// stay strings (never bytes).
func (v *Value) UnmarshalJSON(data []byte) error {
	decoded, err := decodeStructural(data)
	if err != nil {
		return err
	}
	*v = decoded
	return nil
}

// String renders the value's JSON for debugging.
func (v Value) String() string {
	data, err := v.MarshalJSON()
	if err != nil {
		return "<invalid>"
	}
	return string(data)
}

// tag returns the wire-format type byte.
func (v Value) tag() uint8 {
	return uint8(v.kind)
}

// decodeTagged interprets payload bytes against a stored kind tag. A
// payload whose JSON shape contradicts the tag is an error, never a
// silent coercion.
func decodeTagged(kind uint8, payload []byte) (Value, error) {
	switch Kind(kind) {
	case KindNull:
		if !isJSONNull(payload) {
			return Value{}, fmt.Errorf("null tag with payload %q", payload)
		}
		return Null(), nil

	case KindInt:
		var n json.Number
		if err := json.Unmarshal(payload, &n); err != nil {
			return Value{}, fmt.Errorf("int tag: %w", err)
		}
		i, err := n.Int64()
		if err != nil {
			return Value{}, fmt.Errorf("int tag with number %q: %w", n, err)
		}
		return Int(i), nil

	case KindFloat:
		var n json.Number
		if err := json.Unmarshal(payload, &n); err != nil {
			return Value{}, fmt.Errorf("float tag: %w", err)
		}
		f, err := n.Float64()
		if err != nil {
			return Value{}, fmt.Errorf("float tag with number %q: %w", n, err)
		}
		return Float(f), nil

	case KindBool:
		var b bool
		if err := json.Unmarshal(payload, &b); err != nil {
			return Value{}, fmt.Errorf("bool tag: %w", err)
		}
		return Bool(b), nil

	case KindString:
		var s string
		if err := json.Unmarshal(payload, &s); err != nil {
			return Value{}, fmt.Errorf("string tag: %w", err)
		}
		return String(s), nil

	case KindBytes:
		var s string
		if err := json.Unmarshal(payload, &s); err != nil {
			return Value{}, fmt.Errorf("bytes tag: %w", err)
		}
		raw, err := base64.StdEncoding.DecodeString(s)
		if err != nil {
			return Value{}, fmt.Errorf("bytes tag with non-base64 payload: %w", err)
		}
		return Bytes(raw), nil

	case KindList, KindMap:
		v, err := decodeStructural(payload)
		if err != nil {
			return Value{}, err
		}
		if v.kind != Kind(kind) {
			return Value{}, fmt.Errorf("%s tag with %s payload", Kind(kind), v.kind)
		}
		return v, nil

	default:
		return Value{}, fmt.Errorf("unknown kind tag %d", kind)
	}
}

// decodeStructural infers a value's kind from its JSON shape.
func decodeStructural(data []byte) (Value, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return Value{}, fmt.Errorf("empty payload")
	}

	switch trimmed[0] {
	case 'n':
		if !isJSONNull(trimmed) {
			return Value{}, fmt.Errorf("malformed payload %q", trimmed)
		}
		return Null(), nil

	case 't', 'f':
		var b bool
		if err := json.Unmarshal(trimmed, &b); err != nil {
			return Value{}, err
		}
		return Bool(b), nil

	case '"':
		var s string
		if err := json.Unmarshal(trimmed, &s); err != nil {
			return Value{}, err
		}
		return String(s), nil

	case '[':
		var items []json.RawMessage
		if err := json.Unmarshal(trimmed, &items); err != nil {
			return Value{}, err
		}
		list := make([]Value, len(items))
		for i, item := range items {
			v, err := decodeStructural(item)
			if err != nil {
				return Value{}, err
			}
			list[i] = v
		}
		return List(list...), nil

	case '{':
		var fields map[string]json.RawMessage
		if err := json.Unmarshal(trimmed, &fields); err != nil {
			return Value{}, err
		}
		m := make(map[string]Value, len(fields))
		for k, field := range fields {
			v, err := decodeStructural(field)
			if err != nil {
				return Value{}, err
			}
			m[k] = v
		}
		return Map(m), nil

	default:
		var n json.Number
		if err := json.Unmarshal(trimmed, &n); err != nil {
			return Value{}, err
		}
		if strings.ContainsAny(n.String(), ".eE") {
			f, err := n.Float64()
			if err != nil {
				return Value{}, err
			}
			return Float(f), nil
		}
		i, err := n.Int64()
		if err != nil {
			// An integer literal too wide for int64 still has a value.
			f, ferr := n.Float64()
			if ferr != nil {
				return Value{}, err
			}
			return Float(f), nil
		}
		return Int(i), nil
	}
}

func isJSONNull(data []byte) bool {
	return string(bytes.TrimSpace(data)) == "null"
}
