package util

// CopyBytes returns a copy of src that the caller may wipe or hand to a
// guarded buffer without touching src.
func CopyBytes(src []byte) []byte {
	return append([]byte(nil), src...)
}

// WipeBytes zeroes b in place.
func WipeBytes(b []byte) {
	clear(b)
}
