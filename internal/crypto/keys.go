// Package crypto holds the primitives the messaging core is built on:
// Ed25519 keypairs (random or seed-derived), DID fingerprint derivation,
// multibase/multicodec key encoding, HMAC signing and canonical JSON.
package crypto

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

// hkdfInfo domain-separates seed-derived signing keys from any future use of
// the same seed material.
const hkdfInfo = "admp:ed25519:v1"

// KeyPair is an Ed25519 signing keypair.
type KeyPair struct {
	Public  ed25519.PublicKey
	Private ed25519.PrivateKey
}

// GenerateKeyPair returns a fresh random keypair.
func GenerateKeyPair() (KeyPair, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return KeyPair{}, fmt.Errorf("generate ed25519 key: %w", err)
	}
	return KeyPair{Public: pub, Private: priv}, nil
}

// KeyPairFromSeed deterministically derives a keypair from arbitrary seed
// material using HKDF-SHA256. The same seed always yields the same keypair.
func KeyPairFromSeed(seed []byte) (KeyPair, error) {
	if len(seed) == 0 {
		return KeyPair{}, fmt.Errorf("seed must not be empty")
	}
	r := hkdf.New(sha256.New, seed, nil, []byte(hkdfInfo))
	edSeed := make([]byte, ed25519.SeedSize)
	if _, err := io.ReadFull(r, edSeed); err != nil {
		return KeyPair{}, fmt.Errorf("derive key from seed: %w", err)
	}
	priv := ed25519.NewKeyFromSeed(edSeed)
	return KeyPair{Public: priv.Public().(ed25519.PublicKey), Private: priv}, nil
}

// Fingerprint returns the multibase key commitment used in did:seed
// identifiers. It encodes the multicodec-prefixed public key, so the DID
// alone is enough to verify signatures from its holder.
func Fingerprint(pub ed25519.PublicKey) string {
	return EncodePublicKeyMultibase(pub)
}

// SeedDID returns the did:seed identifier for a public key.
func SeedDID(pub ed25519.PublicKey) string {
	return "did:seed:" + Fingerprint(pub)
}

// Sign returns the detached Ed25519 signature over msg.
func Sign(priv ed25519.PrivateKey, msg []byte) []byte {
	return ed25519.Sign(priv, msg)
}

// Verify reports whether sig is a valid signature over msg by pub. A nil or
// wrong-size key never panics, it just fails verification.
func Verify(pub ed25519.PublicKey, msg, sig []byte) bool {
	if len(pub) != ed25519.PublicKeySize {
		return false
	}
	return ed25519.Verify(pub, msg, sig)
}

// SHA256 returns the SHA-256 digest of data.
func SHA256(data []byte) []byte {
	sum := sha256.Sum256(data)
	return sum[:]
}

// SHA256Hex returns the hex-encoded SHA-256 digest, the storage format for
// API-key and join-key hashes.
func SHA256Hex(data []byte) string {
	return fmt.Sprintf("%x", sha256.Sum256(data))
}
