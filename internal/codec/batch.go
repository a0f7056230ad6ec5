package codec

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
)

// EncodeBatch encodes entries into the consolidated file format: a
// concatenation of [len:4 big-endian][frame] records with the whole
// buffer obfuscated afterward. Record order follows the input order.
// An empty batch encodes to nil.
func EncodeBatch(entries []Entry) ([]byte, error) {
	if len(entries) == 0 {
		return nil, nil
	}

	var buf bytes.Buffer
	var lenBuf [batchLenSize]byte
	for _, e := range entries {
		frame, err := EncodeEntry(e)
		if err != nil {
			return nil, err
		}
		binary.BigEndian.PutUint32(lenBuf[:], uint32(len(frame)))
		buf.Write(lenBuf[:])
		buf.Write(frame)
	}

	return Shift(buf.Bytes()), nil
}

// DecodeBatch decodes a consolidated file. Records that fail to decode
// are skipped and counted in dropped; the scan continues with the rest.
// ErrCorruptedFile is returned only when the file as a whole is too
// short to hold a single record, which callers treat as a reset to an
// empty mapping.
func DecodeBatch(data []byte) ([]Entry, int, error) {
	if len(data) == 0 {
		return nil, 0, nil
	}
	if len(data) < batchLenSize+minEntrySize {
		return nil, 0, ErrCorruptedFile
	}

	plain := Unshift(data)

	var (
		out     []Entry
		dropped int
	)

	off := 0
	for off < len(plain) {
		if len(plain)-off < batchLenSize {
			// Trailing bytes shorter than a length prefix.
			dropped++
			break
		}

		length := int(binary.BigEndian.Uint32(plain[off : off+batchLenSize]))
		rest := len(plain) - off - batchLenSize
		if length < minEntrySize || length > rest {
			// Damaged length prefix. The record's payload is still a
			// self-delimiting JSON value, so walk the frame itself to
			// find the next record boundary and drop this one.
			skip, ok := skipDamagedRecord(plain[off+batchLenSize:])
			dropped++
			if !ok {
				break
			}
			off += batchLenSize + skip
			continue
		}

		frame := plain[off+batchLenSize : off+batchLenSize+length]
		off += batchLenSize + length

		e, err := DecodeEntry(frame)
		if err != nil {
			dropped++
			continue
		}
		out = append(out, e)
	}

	return out, dropped, nil
}

// skipDamagedRecord walks one frame without trusting a length prefix:
// the framing metadata is fixed-layout and the payload is exactly one
// JSON value. Returns the frame's byte length, or false when the frame
// cannot be walked (the rest of the buffer is unrecoverable).
func skipDamagedRecord(b []byte) (int, bool) {
	_, metaLen, err := decodeMeta(b)
	if err != nil {
		return 0, false
	}

	dec := json.NewDecoder(bytes.NewReader(b[metaLen:]))
	var raw json.RawMessage
	if err := dec.Decode(&raw); err != nil {
		return 0, false
	}

	return metaLen + int(dec.InputOffset()), true
}
