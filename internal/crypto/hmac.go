package crypto

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
)

// HMACSHA256Hex returns the hex-encoded HMAC-SHA256 of data under key, the
// format webhook payload signatures use.
func HMACSHA256Hex(key, data []byte) string {
	mac := hmac.New(sha256.New, key)
	mac.Write(data)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifyHMACSHA256Hex compares a received hex signature against the expected
// one in constant time.
func VerifyHMACSHA256Hex(key, data []byte, sigHex string) bool {
	want := HMACSHA256Hex(key, data)
	return subtle.ConstantTimeCompare([]byte(want), []byte(sigHex)) == 1
}

// ConstantTimeEqual compares two strings without leaking the position of the
// first mismatch. Used for master-key comparison.
func ConstantTimeEqual(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}
