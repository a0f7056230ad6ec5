package codec

import (
	"encoding/json"
	"fmt"
	"unicode/utf8"
)

// Validate reports whether an entry can be encoded: names within the
// one-byte length limit, a known kind tag, and a non-empty payload.
// Stores run it at write time so a bad entry is rejected immediately
// instead of failing every later batch flush.
func Validate(e Entry) error {
	if len(e.Store) > MaxNameLen {
		return fmt.Errorf("%w: store %q", ErrNameTooLong, e.Store)
	}
	if len(e.Name) > MaxNameLen {
		return fmt.Errorf("%w: key %q", ErrNameTooLong, e.Name)
	}
	if e.Kind >= kindCount {
		return fmt.Errorf("%w: %d", ErrInvalidKind, e.Kind)
	}
	if len(e.Payload) == 0 {
		return ErrEmptyPayload
	}
	return nil
}

// EncodeEntry encodes a single entry into its plain (pre-obfuscation)
// frame:
//
//	[storeNameLen:1][storeName][nameLen:1][name][flags:1][version:1][kind:1][payload]
//
// Entries always encode at the current format version regardless of
// e.Version.
func EncodeEntry(e Entry) ([]byte, error) {
	if err := Validate(e); err != nil {
		return nil, err
	}

	out := make([]byte, 0, 2+len(e.Store)+len(e.Name)+3+len(e.Payload))
	out = append(out, byte(len(e.Store)))
	out = append(out, e.Store...)
	out = append(out, byte(len(e.Name)))
	out = append(out, e.Name...)
	out = append(out, e.Flags, FormatVersion, e.Kind)
	out = append(out, e.Payload...)
	return out, nil
}

// DecodeEntry decodes a plain (already de-obfuscated) frame into an
// entry. Structural violations return ErrCorruptedEntry or a more
// specific sentinel; batch decode treats any error as "skip this
// record".
func DecodeEntry(frame []byte) (Entry, error) {
	h, metaLen, err := decodeMeta(frame)
	if err != nil {
		return Entry{}, err
	}

	payload := frame[metaLen:]
	if len(payload) == 0 {
		return Entry{}, ErrCorruptedEntry
	}
	if !json.Valid(payload) {
		return Entry{}, fmt.Errorf("%w: invalid payload", ErrCorruptedEntry)
	}

	return Entry{
		Store:   h.Store,
		Name:    h.Name,
		Flags:   h.Flags,
		Version: h.Version,
		Kind:    h.Kind,
		Payload: payload,
	}, nil
}

// DecodeHeader decodes only the metadata portion of a plain frame.
// The input may be a prefix of the full frame as long as it covers the
// metadata; MaxHeaderLen bytes always do.
func DecodeHeader(frame []byte) (Header, error) {
	h, _, err := decodeMeta(frame)
	return h, err
}

// decodeMeta parses the framing metadata and returns it along with the
// offset where the payload begins.
func decodeMeta(frame []byte) (Header, int, error) {
	if len(frame) < minEntrySize {
		return Header{}, 0, ErrCorruptedEntry
	}

	off := 0

	storeLen := int(frame[off])
	off++
	if off+storeLen > len(frame) {
		return Header{}, 0, ErrCorruptedEntry
	}
	store := frame[off : off+storeLen]
	off += storeLen

	if off >= len(frame) {
		return Header{}, 0, ErrCorruptedEntry
	}
	nameLen := int(frame[off])
	off++
	if off+nameLen+3 > len(frame) {
		return Header{}, 0, ErrCorruptedEntry
	}
	name := frame[off : off+nameLen]
	off += nameLen

	if !utf8.Valid(store) || !utf8.Valid(name) {
		return Header{}, 0, fmt.Errorf("%w: invalid name encoding", ErrCorruptedEntry)
	}

	flags := frame[off]
	version := frame[off+1]
	kind := frame[off+2]
	off += 3

	if version == 0 || version > FormatVersion {
		return Header{}, 0, fmt.Errorf("%w: %d", ErrUnknownVersion, version)
	}
	if kind >= kindCount {
		return Header{}, 0, fmt.Errorf("%w: %d", ErrInvalidKind, kind)
	}

	return Header{
		Store:   string(store),
		Name:    string(name),
		Flags:   flags,
		Version: version,
		Kind:    kind,
	}, off, nil
}
