package crypto

import (
	"bytes"
	"testing"

	"github.com/mr-tron/base58"
)

func TestPublicKeyMultibase(t *testing.T) {
	kp, err := GenerateKeyPair()
	if err != nil {
		t.Fatalf("GenerateKeyPair: %v", err)
	}

	t.Run("round trip", func(t *testing.T) {
		enc := EncodePublicKeyMultibase(kp.Public)
		if enc == "" || enc[0] != 'z' {
			t.Fatalf("expected base58btc multibase starting with z, got %q", enc)
		}
		dec, err := DecodePublicKeyMultibase(enc)
		if err != nil {
			t.Fatalf("DecodePublicKeyMultibase: %v", err)
		}
		if !bytes.Equal(dec, kp.Public) {
			t.Error("decoded key differs from original")
		}
	})

	t.Run("rejects wrong multibase prefix", func(t *testing.T) {
		enc := EncodePublicKeyMultibase(kp.Public)
		if _, err := DecodePublicKeyMultibase("u" + enc[1:]); err == nil {
			t.Error("expected error for non-base58btc prefix")
		}
	})

	t.Run("rejects wrong multicodec", func(t *testing.T) {
		// secp256k1 multicodec 0xe701 with a 32-byte key should be rejected.
		raw := append([]byte{0xe7, 0x01}, kp.Public...)
		if _, err := DecodePublicKeyMultibase("z" + base58.Encode(raw)); err == nil {
			t.Error("expected error for non-ed25519 multicodec")
		}
	})

	t.Run("rejects wrong key length", func(t *testing.T) {
		raw := append([]byte{0xed, 0x01}, kp.Public[:31]...)
		if _, err := DecodePublicKeyMultibase("z" + base58.Encode(raw)); err == nil {
			t.Error("expected error for 33-byte multicodec key")
		}
	})

	t.Run("rejects garbage", func(t *testing.T) {
		for _, in := range []string{"", "z", "z0OIl", "not-multibase"} {
			if _, err := DecodePublicKeyMultibase(in); err == nil {
				t.Errorf("expected error for %q", in)
			}
		}
	})
}

func TestHMACSHA256Hex(t *testing.T) {
	key := []byte("webhook-secret")
	data := []byte(`{"message_id":"m1"}`)

	sig := HMACSHA256Hex(key, data)
	if len(sig) != 64 {
		t.Fatalf("expected 64-char hex MAC, got %d chars", len(sig))
	}
	if !VerifyHMACSHA256Hex(key, data, sig) {
		t.Error("expected MAC to verify")
	}
	if VerifyHMACSHA256Hex(key, []byte("other"), sig) {
		t.Error("expected MAC verification to fail for altered data")
	}
	if VerifyHMACSHA256Hex([]byte("wrong-key"), data, sig) {
		t.Error("expected MAC verification to fail for wrong key")
	}
}

func TestConstantTimeEqual(t *testing.T) {
	if !ConstantTimeEqual("abc", "abc") {
		t.Error("expected equal strings to match")
	}
	if ConstantTimeEqual("abc", "abd") || ConstantTimeEqual("abc", "abcd") {
		t.Error("expected unequal strings to differ")
	}
}
