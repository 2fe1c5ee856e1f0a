package crypto

import (
	"bytes"
	"strings"
	"testing"
)

func TestKeyPairFromSeed(t *testing.T) {
	t.Run("same seed derives same keypair", func(t *testing.T) {
		seed := []byte("correct horse battery staple")
		a, err := KeyPairFromSeed(seed)
		if err != nil {
			t.Fatalf("KeyPairFromSeed: %v", err)
		}
		b, err := KeyPairFromSeed(seed)
		if err != nil {
			t.Fatalf("KeyPairFromSeed: %v", err)
		}
		if !bytes.Equal(a.Public, b.Public) {
			t.Error("expected identical public keys for identical seeds")
		}
		if !bytes.Equal(a.Private, b.Private) {
			t.Error("expected identical private keys for identical seeds")
		}
	})

	t.Run("different seeds derive different keys", func(t *testing.T) {
		a, _ := KeyPairFromSeed([]byte("seed-one"))
		b, _ := KeyPairFromSeed([]byte("seed-two"))
		if bytes.Equal(a.Public, b.Public) {
			t.Error("expected different public keys for different seeds")
		}
	})

	t.Run("empty seed rejected", func(t *testing.T) {
		if _, err := KeyPairFromSeed(nil); err == nil {
			t.Error("expected error for empty seed")
		}
	})

	t.Run("derived key signs and verifies", func(t *testing.T) {
		kp, err := KeyPairFromSeed([]byte("signing seed"))
		if err != nil {
			t.Fatalf("KeyPairFromSeed: %v", err)
		}
		msg := []byte("hello")
		sig := Sign(kp.Private, msg)
		if !Verify(kp.Public, msg, sig) {
			t.Error("expected signature to verify under the derived key")
		}
		if Verify(kp.Public, []byte("tampered"), sig) {
			t.Error("expected verification to fail for altered message")
		}
	})
}

func TestVerifyRejectsBadKeySizes(t *testing.T) {
	kp, err := GenerateKeyPair()
	if err != nil {
		t.Fatalf("GenerateKeyPair: %v", err)
	}
	sig := Sign(kp.Private, []byte("m"))

	if Verify(nil, []byte("m"), sig) {
		t.Error("nil key must not verify")
	}
	if Verify(kp.Public[:16], []byte("m"), sig) {
		t.Error("truncated key must not verify")
	}
}

func TestSeedDID(t *testing.T) {
	kp, err := KeyPairFromSeed([]byte("did seed"))
	if err != nil {
		t.Fatalf("KeyPairFromSeed: %v", err)
	}
	did := SeedDID(kp.Public)

	if !strings.HasPrefix(did, "did:seed:z") {
		t.Fatalf("expected did:seed:z... form, got %q", did)
	}

	// The fingerprint embeds the key itself; decoding gives the key back.
	pub, err := DecodePublicKeyMultibase(strings.TrimPrefix(did, "did:seed:"))
	if err != nil {
		t.Fatalf("DecodePublicKeyMultibase: %v", err)
	}
	if !bytes.Equal(pub, kp.Public) {
		t.Error("expected fingerprint to decode to the original public key")
	}
}

func TestSHA256Hex(t *testing.T) {
	// Known vector for the empty string.
	want := "e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855"
	if got := SHA256Hex(nil); got != want {
		t.Errorf("expected %s, got %s", want, got)
	}
	if len(SHA256(nil)) != 32 {
		t.Error("expected 32-byte digest")
	}
}
