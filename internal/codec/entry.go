// Package codec implements the framed binary format for persisted entries.
package codec

import "errors"

// File format constants.
const (
	// FormatVersion is the current entry format version. Decoders switch
	// on the stored version to pick a migration path.
	FormatVersion = 1

	// MaxNameLen is the maximum byte length of a store or key name.
	// Name length fields are a single byte on the wire.
	MaxNameLen = 255

	// minEntrySize is the smallest structurally valid frame:
	// storeNameLen (1) + nameLen (1) + flags (1) + version (1) + kind (1).
	minEntrySize = 5

	// MaxHeaderLen is the largest possible metadata prefix:
	// both name length bytes, both names at full length, and the
	// flags/version/kind trio. Reading this many bytes of a frame is
	// always enough for DecodeHeader.
	MaxHeaderLen = 1 + MaxNameLen + 1 + MaxNameLen + 3

	// batchLenSize is the size of the record length prefix in a batch.
	batchLenSize = 4
)

// Flag bits stored in an entry's flags byte.
const (
	// FlagRemovable marks an entry eligible for the bulk removable sweep.
	FlagRemovable uint8 = 1 << 0

	// FlagSecure marks an entry whose payload is an encrypted envelope.
	FlagSecure uint8 = 1 << 1
)

// Value kind tags stored in an entry's kind byte.
const (
	KindNull uint8 = iota
	KindInt
	KindFloat
	KindBool
	KindString
	KindList
	KindMap
	KindBytes

	kindCount
)

// Errors for codec operations.
var (
	ErrNameTooLong    = errors.New("codec: name exceeds 255 bytes")
	ErrInvalidKind    = errors.New("codec: invalid kind tag")
	ErrEmptyPayload   = errors.New("codec: empty payload")
	ErrCorruptedEntry = errors.New("codec: corrupted entry")
	ErrUnknownVersion = errors.New("codec: unknown format version")
	ErrCorruptedFile  = errors.New("codec: corrupted file")
)

// Entry is one persisted record in wire form. Payload holds the
// JSON-encoded value bytes; interpreting them against Kind is the
// caller's job.
type Entry struct {
	Store   string
	Name    string
	Flags   uint8
	Version uint8
	Kind    uint8
	Payload []byte
}

// Header is a metadata-only decode of an entry, omitting the payload.
type Header struct {
	Store   string
	Name    string
	Flags   uint8
	Version uint8
	Kind    uint8
}

// Removable reports whether the removable flag bit is set.
func (h Header) Removable() bool {
	return h.Flags&FlagRemovable != 0
}

// Secure reports whether the secure flag bit is set.
func (h Header) Secure() bool {
	return h.Flags&FlagSecure != 0
}

// Header returns the entry's metadata without the payload.
func (e Entry) Header() Header {
	return Header{
		Store:   e.Store,
		Name:    e.Name,
		Flags:   e.Flags,
		Version: e.Version,
		Kind:    e.Kind,
	}
}
