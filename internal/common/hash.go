package common

import (
	"crypto/sha256"
	"encoding/hex"
)

// Sha256Hex digests the input and returns it as lowercase hex. Used to build
// compact, fixed-length keys from webhook bodies and idempotency headers.
func Sha256Hex(input string) string {
	h := sha256.New()
	h.Write([]byte(input))
	return hex.EncodeToString(h.Sum(nil))
}
