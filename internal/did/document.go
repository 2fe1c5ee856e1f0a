package did

import (
	"crypto/ed25519"
	"encoding/base64"
	"encoding/json"
	"fmt"

	"github.com/admp-io/admpd/internal/crypto"
)

// Document is the subset of a W3C DID document the resolver reads.
type Document struct {
	ID                 string               `json:"id"`
	VerificationMethod []VerificationMethod `json:"verificationMethod"`
}

// VerificationMethod is one key entry in a DID document.
type VerificationMethod struct {
	ID                 string `json:"id"`
	Type               string `json:"type"`
	Controller         string `json:"controller"`
	PublicKeyMultibase string `json:"publicKeyMultibase,omitempty"`
	// PublicKeyBase64 is a legacy shim some issuers still emit.
	PublicKeyBase64 string `json:"publicKeyBase64,omitempty"`
}

// ParseDocument extracts the Ed25519 verification keys from a DID document.
// The document id must equal the requested DID; keys on any other curve or
// with the wrong length are skipped. At least one usable key is required.
func ParseDocument(data []byte, wantDID string) ([]ed25519.PublicKey, error) {
	var doc Document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse DID document: %w", err)
	}
	if doc.ID != wantDID {
		return nil, fmt.Errorf("DID document id %q does not match requested %q", doc.ID, wantDID)
	}

	var keys []ed25519.PublicKey
	for _, vm := range doc.VerificationMethod {
		if key, err := decodeVerificationMethod(vm); err == nil {
			keys = append(keys, key)
		}
	}
	if len(keys) == 0 {
		return nil, fmt.Errorf("DID document for %s has no usable Ed25519 keys", wantDID)
	}
	return keys, nil
}

func decodeVerificationMethod(vm VerificationMethod) (ed25519.PublicKey, error) {
	if vm.PublicKeyMultibase != "" {
		return crypto.DecodePublicKeyMultibase(vm.PublicKeyMultibase)
	}
	if vm.PublicKeyBase64 != "" {
		raw, err := base64.StdEncoding.DecodeString(vm.PublicKeyBase64)
		if err != nil {
			return nil, fmt.Errorf("decode publicKeyBase64: %w", err)
		}
		// Either a bare 32-byte key or the 34-byte multicodec form.
		switch len(raw) {
		case ed25519.PublicKeySize:
			return ed25519.PublicKey(raw), nil
		case ed25519.PublicKeySize + 2:
			if raw[0] != 0xed || raw[1] != 0x01 {
				return nil, fmt.Errorf("unsupported multicodec in publicKeyBase64")
			}
			return ed25519.PublicKey(raw[2:]), nil
		default:
			return nil, fmt.Errorf("publicKeyBase64 has length %d, want 32 or 34", len(raw))
		}
	}
	return nil, fmt.Errorf("verification method %s has no supported key encoding", vm.ID)
}
