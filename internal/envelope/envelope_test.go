package envelope

import (
	"strings"
	"testing"
	"time"

	"github.com/admp-io/admpd/internal/apperr"
)

var testNow = time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)

func validEnvelope() *Envelope {
	return &Envelope{
		Version:   Version,
		From:      "agent-a",
		To:        "agent-b",
		Subject:   "hello",
		Timestamp: testNow.Format(time.RFC3339),
	}
}

func TestValidate(t *testing.T) {
	t.Run("accepts a well-formed envelope", func(t *testing.T) {
		if err := validEnvelope().Validate(testNow); err != nil {
			t.Errorf("expected valid envelope, got %v", err)
		}
	})

	t.Run("rejects wrong version", func(t *testing.T) {
		e := validEnvelope()
		e.Version = "2.0"
		if err := e.Validate(testNow); !apperr.Is(err, apperr.CodeSendFailed) {
			t.Errorf("expected SEND_FAILED, got %v", err)
		}
	})

	t.Run("rejects missing required fields", func(t *testing.T) {
		for _, mutate := range []func(*Envelope){
			func(e *Envelope) { e.From = "" },
			func(e *Envelope) { e.To = "" },
			func(e *Envelope) { e.Subject = " " },
		} {
			e := validEnvelope()
			mutate(e)
			if e.Validate(testNow) == nil {
				t.Error("expected error for missing required field")
			}
		}
	})

	t.Run("rejects non-ISO timestamp", func(t *testing.T) {
		e := validEnvelope()
		e.Timestamp = "last tuesday"
		if err := e.Validate(testNow); !apperr.Is(err, apperr.CodeInvalidTimestamp) {
			t.Errorf("expected INVALID_TIMESTAMP, got %v", err)
		}
	})

	t.Run("accepts timestamp exactly five minutes old", func(t *testing.T) {
		e := validEnvelope()
		e.Timestamp = testNow.Add(-5 * time.Minute).Format(time.RFC3339)
		if err := e.Validate(testNow); err != nil {
			t.Errorf("expected boundary timestamp to pass, got %v", err)
		}
	})

	t.Run("rejects timestamp one second beyond the window", func(t *testing.T) {
		for _, d := range []time.Duration{5*time.Minute + time.Second, -(5*time.Minute + time.Second)} {
			e := validEnvelope()
			e.Timestamp = testNow.Add(d).Format(time.RFC3339)
			if err := e.Validate(testNow); !apperr.Is(err, apperr.CodeInvalidTimestamp) {
				t.Errorf("expected INVALID_TIMESTAMP for offset %v, got %v", d, err)
			}
		}
	})

	t.Run("accepts fractional-second timestamps", func(t *testing.T) {
		e := validEnvelope()
		e.Timestamp = testNow.Add(time.Second).Format("2006-01-02T15:04:05.000Z07:00")
		if err := e.Validate(testNow); err != nil {
			t.Errorf("expected fractional timestamp to pass, got %v", err)
		}
	})

	t.Run("rejects non-ed25519 signature block", func(t *testing.T) {
		e := validEnvelope()
		e.Signature = &Signature{Alg: "rsa", Kid: "agent-a", Sig: "xx"}
		if err := e.Validate(testNow); !apperr.Is(err, apperr.CodeInvalidSignature) {
			t.Errorf("expected INVALID_SIGNATURE, got %v", err)
		}
	})
}

func TestValidateAgentID(t *testing.T) {
	t.Run("accepts length 255 and rejects 256", func(t *testing.T) {
		ok := strings.Repeat("a", 255)
		if err := ValidateAgentID(ok); err != nil {
			t.Errorf("expected 255-char id to pass, got %v", err)
		}
		if ValidateAgentID(ok+"a") == nil {
			t.Error("expected 256-char id to fail")
		}
	})

	t.Run("rejects control characters", func(t *testing.T) {
		for _, id := range []string{"agent\x00one", "agent\ntwo", "tab\tbed", "del\x7f"} {
			if ValidateAgentID(id) == nil {
				t.Errorf("expected %q to fail", id)
			}
		}
	})

	t.Run("rejects charset violations", func(t *testing.T) {
		for _, id := range []string{"has space", "sla/sh", "ütf", "", "a$b"} {
			if ValidateAgentID(id) == nil {
				t.Errorf("expected %q to fail", id)
			}
		}
	})

	t.Run("accepts documented charset", func(t *testing.T) {
		for _, id := range []string{"agent-a", "a.b_c:d-e", "A1", "did:weird"} {
			if err := ValidateAgentID(id); err != nil {
				t.Errorf("expected %q to pass, got %v", id, err)
			}
		}
	})

	t.Run("allows slashes only in did-web shadow ids", func(t *testing.T) {
		if err := ValidateAgentID("did-web:example.com/agents/alpha"); err != nil {
			t.Errorf("expected shadow id to pass, got %v", err)
		}
		if ValidateAgentID("did-web:example.com/with\x01ctl") == nil {
			t.Error("expected control character to fail even in shadow ids")
		}
	})
}

func TestValidateNewAgentID(t *testing.T) {
	t.Run("rejects reserved prefixes case-insensitively", func(t *testing.T) {
		for _, id := range []string{"did:seed:abc", "DID:web:x", "agent:one", "Agent:two", "did-web:example.com"} {
			if ValidateNewAgentID(id) == nil {
				t.Errorf("expected reserved id %q to fail registration", id)
			}
		}
	})

	t.Run("accepts ordinary ids", func(t *testing.T) {
		if err := ValidateNewAgentID("billing-agent.v2"); err != nil {
			t.Errorf("expected pass, got %v", err)
		}
	})
}

func TestParseAddress(t *testing.T) {
	cases := []struct {
		in   string
		kind AddressKind
		id   string
	}{
		{"agent-a", AddrBare, "agent-a"},
		{"agent://legacy-1", AddrLegacy, "legacy-1"},
		{"did:seed:zABC", AddrDIDSeed, "did:seed:zABC"},
		{"did:web:example.com", AddrDIDWeb, "did:web:example.com"},
	}
	for _, c := range cases {
		addr, err := ParseAddress(c.in)
		if err != nil {
			t.Fatalf("ParseAddress(%q): %v", c.in, err)
		}
		if addr.Kind != c.kind {
			t.Errorf("ParseAddress(%q) kind = %v, want %v", c.in, addr.Kind, c.kind)
		}
		if addr.ID != c.id {
			t.Errorf("ParseAddress(%q) id = %q, want %q", c.in, addr.ID, c.id)
		}
	}

	t.Run("rejects empty and malformed", func(t *testing.T) {
		for _, in := range []string{"", "  ", "did:seed:", "did:web:", "agent://", "agent://bad id"} {
			if _, err := ParseAddress(in); err == nil {
				t.Errorf("expected error for %q", in)
			}
		}
	})
}

func TestStripKidPrefix(t *testing.T) {
	if got := StripKidPrefix("agent://alpha"); got != "alpha" {
		t.Errorf("expected alpha, got %q", got)
	}
	if got := StripKidPrefix("did:web:example.com"); got != "did:web:example.com" {
		t.Errorf("expected DID untouched, got %q", got)
	}
}
