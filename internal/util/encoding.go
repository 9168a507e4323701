package util

import (
	"encoding/hex"
	"strings"

	"golang.org/x/text/unicode/norm"
)

// NormalizeLogin folds a login name to NFKC and trims surrounding space so
// visually identical names compare equal.
func NormalizeLogin(s string) string {
	return strings.TrimSpace(norm.NFKC.String(s))
}

func HexEncode(b []byte) string {
	return hex.EncodeToString(b)
}

func HexDecode(s string) ([]byte, error) {
	return hex.DecodeString(strings.TrimSpace(s))
}
