package envelope

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/admp-io/admpd/internal/crypto"
)

func TestSigningBase(t *testing.T) {
	e := validEnvelope()
	e.CorrelationID = "corr-1"
	e.Body = json.RawMessage(`{"ping":1}`)

	base, err := SigningBase(e)
	if err != nil {
		t.Fatalf("SigningBase: %v", err)
	}

	lines := strings.Split(base, "\n")
	if len(lines) != 5 {
		t.Fatalf("expected 5 lines, got %d", len(lines))
	}
	if lines[0] != e.Timestamp || lines[2] != "agent-a" || lines[3] != "agent-b" || lines[4] != "corr-1" {
		t.Errorf("unexpected base lines: %q", lines)
	}

	wantHash, err := BodyHash(e.Body)
	if err != nil {
		t.Fatal(err)
	}
	if lines[1] != wantHash {
		t.Errorf("expected body hash %q, got %q", wantHash, lines[1])
	}
}

func TestBodyHashNullEqualsEmptyObject(t *testing.T) {
	null, err := BodyHash(nil)
	if err != nil {
		t.Fatal(err)
	}
	lit, err := BodyHash(json.RawMessage("null"))
	if err != nil {
		t.Fatal(err)
	}
	obj, err := BodyHash(json.RawMessage("{}"))
	if err != nil {
		t.Fatal(err)
	}
	if null != obj || lit != obj {
		t.Error("expected missing and null bodies to hash like the empty object")
	}
}

func TestSignVerifyRoundTrip(t *testing.T) {
	kp, err := crypto.GenerateKeyPair()
	if err != nil {
		t.Fatalf("GenerateKeyPair: %v", err)
	}

	e := validEnvelope()
	e.Body = json.RawMessage(`{"n":42}`)
	if err := Sign(e, kp.Private, "agent://agent-a"); err != nil {
		t.Fatalf("Sign: %v", err)
	}

	if e.Signature == nil || e.Signature.Alg != "ed25519" {
		t.Fatal("expected ed25519 signature block")
	}
	if e.Signature.Kid != "agent-a" {
		t.Errorf("expected kid with agent:// stripped, got %q", e.Signature.Kid)
	}
	if !VerifyWith(e, kp.Public) {
		t.Error("expected signature to verify under the signing key")
	}

	t.Run("fails under a different key", func(t *testing.T) {
		other, _ := crypto.GenerateKeyPair()
		if VerifyWith(e, other.Public) {
			t.Error("expected verification failure under a foreign key")
		}
	})

	t.Run("fails after body tampering", func(t *testing.T) {
		tampered := *e
		tampered.Body = json.RawMessage(`{"n":43}`)
		if VerifyWith(&tampered, kp.Public) {
			t.Error("expected verification failure after tampering")
		}
	})

	t.Run("fails after recipient swap", func(t *testing.T) {
		tampered := *e
		tampered.To = "agent-c"
		if VerifyWith(&tampered, kp.Public) {
			t.Error("expected verification failure after recipient swap")
		}
	})

	t.Run("key-order changes in body do not break verification", func(t *testing.T) {
		e2 := validEnvelope()
		e2.Body = json.RawMessage(`{"a":1,"b":2}`)
		if err := Sign(e2, kp.Private, "agent-a"); err != nil {
			t.Fatal(err)
		}
		e2.Body = json.RawMessage(`{"b":2,"a":1}`)
		if !VerifyWith(e2, kp.Public) {
			t.Error("expected canonicalisation to absorb key reordering")
		}
	})
}

func TestVerifyWithRejectsMalformedSignature(t *testing.T) {
	kp, _ := crypto.GenerateKeyPair()
	e := validEnvelope()

	if VerifyWith(e, kp.Public) {
		t.Error("expected failure with no signature block")
	}

	e.Signature = &Signature{Alg: "ed25519", Kid: "agent-a", Sig: "!!! not base64 !!!"}
	if VerifyWith(e, kp.Public) {
		t.Error("expected failure for undecodable signature")
	}
}
