package codec

import "math/bits"

// Shift applies the on-disk obfuscation transform: a 1-bit circular
// left rotation of every byte. This is an anti-casual-inspection
// measure, not encryption; confidentiality for secure entries is
// layered above via the encrypter.
func Shift(b []byte) []byte {
	out := make([]byte, len(b))
	for i, c := range b {
		out[i] = bits.RotateLeft8(c, 1)
	}
	return out
}

// Unshift reverses Shift: a 1-bit circular right rotation of every
// byte. The transform is byte-local, so unshifting a prefix of a file
// yields the prefix of the plain bytes.
func Unshift(b []byte) []byte {
	out := make([]byte, len(b))
	for i, c := range b {
		out[i] = bits.RotateLeft8(c, -1)
	}
	return out
}
