package codec

import "strconv"

// hashSeed is the DJB2 initial value.
const hashSeed = 5381

// HashName derives a stable file name for a key using a DJB2 rolling
// hash over the name's UTF-8 bytes, rendered in base 36. The hash is
// not collision-free; colliding names map to the same file. This is a
// known limitation, not handled here.
func HashName(name string) string {
	var h uint64 = hashSeed
	for i := 0; i < len(name); i++ {
		h = h*33 + uint64(name[i])
	}
	return strconv.FormatUint(h, 36)
}
