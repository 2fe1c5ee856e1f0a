package crypto

import (
	"crypto/ed25519"
	"encoding/base64"
	"fmt"

	"github.com/mr-tron/base58"
)

// Multicodec prefix for Ed25519 public keys (0xed 0x01), per the DID
// publicKeyMultibase convention. A prefixed key is exactly 34 bytes.
var ed25519Multicodec = []byte{0xed, 0x01}

const multibaseBase58BTC = 'z'

// EncodePublicKeyMultibase encodes an Ed25519 public key as multibase
// base58btc of the multicodec-prefixed key bytes.
func EncodePublicKeyMultibase(pub ed25519.PublicKey) string {
	buf := make([]byte, 0, len(ed25519Multicodec)+len(pub))
	buf = append(buf, ed25519Multicodec...)
	buf = append(buf, pub...)
	return string(multibaseBase58BTC) + base58.Encode(buf)
}

// DecodePublicKeyMultibase decodes a publicKeyMultibase value, accepting only
// base58btc-encoded Ed25519 keys: multicodec 0xed01 followed by 32 key bytes.
// Any other multibase prefix, multicodec, or length is rejected.
func DecodePublicKeyMultibase(s string) (ed25519.PublicKey, error) {
	if len(s) < 2 {
		return nil, fmt.Errorf("multibase value too short")
	}
	if s[0] != multibaseBase58BTC {
		return nil, fmt.Errorf("unsupported multibase prefix %q (want base58btc)", s[0])
	}
	raw, err := base58.Decode(s[1:])
	if err != nil {
		return nil, fmt.Errorf("decode base58: %w", err)
	}
	if len(raw) != len(ed25519Multicodec)+ed25519.PublicKeySize {
		return nil, fmt.Errorf("multicodec key must be 34 bytes, got %d", len(raw))
	}
	if raw[0] != ed25519Multicodec[0] || raw[1] != ed25519Multicodec[1] {
		return nil, fmt.Errorf("unsupported multicodec 0x%02x%02x (want ed25519)", raw[0], raw[1])
	}
	return ed25519.PublicKey(raw[2:]), nil
}

// Base64 encodes with standard padding, the envelope wire format for
// signatures and body hashes.
func Base64(data []byte) string {
	return base64.StdEncoding.EncodeToString(data)
}

// FromBase64 decodes standard base64.
func FromBase64(s string) ([]byte, error) {
	return base64.StdEncoding.DecodeString(s)
}
