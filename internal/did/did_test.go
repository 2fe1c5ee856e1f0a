package did

import (
	"net"
	"testing"
)

func TestParseWeb(t *testing.T) {
	t.Run("parses a bare domain", func(t *testing.T) {
		w, err := ParseWeb("did:web:agents.example.com")
		if err != nil {
			t.Fatalf("ParseWeb failed: %v", err)
		}
		if w.Domain != "agents.example.com" {
			t.Errorf("Domain = %q, want agents.example.com", w.Domain)
		}
		if len(w.Path) != 0 {
			t.Errorf("Path = %v, want empty", w.Path)
		}
		if got := w.DocumentURL(); got != "https://agents.example.com/did.json" {
			t.Errorf("DocumentURL = %q", got)
		}
		if got := w.AgentID(); got != "did-web:agents.example.com" {
			t.Errorf("AgentID = %q", got)
		}
	})

	t.Run("parses path segments", func(t *testing.T) {
		w, err := ParseWeb("did:web:example.com:agents:alice")
		if err != nil {
			t.Fatalf("ParseWeb failed: %v", err)
		}
		if len(w.Path) != 2 || w.Path[0] != "agents" || w.Path[1] != "alice" {
			t.Errorf("Path = %v, want [agents alice]", w.Path)
		}
		if got := w.DocumentURL(); got != "https://example.com/agents/alice/did.json" {
			t.Errorf("DocumentURL = %q", got)
		}
		if got := w.AgentID(); got != "did-web:example.com/agents/alice" {
			t.Errorf("AgentID = %q", got)
		}
	})

	t.Run("parses a percent-encoded port", func(t *testing.T) {
		w, err := ParseWeb("did:web:example.com%3A8443")
		if err != nil {
			t.Fatalf("ParseWeb failed: %v", err)
		}
		if w.Domain != "example.com:8443" {
			t.Errorf("Domain = %q, want example.com:8443", w.Domain)
		}
		if w.Hostname() != "example.com" {
			t.Errorf("Hostname = %q, want example.com", w.Hostname())
		}
	})

	t.Run("rejects traversal and unsafe segments", func(t *testing.T) {
		for _, raw := range []string{
			"did:web:example.com:..",
			"did:web:example.com:agents:..:secrets",
			"did:web:example.com:a%2Fb",
			"did:web:example.com:",
			"did:web:",
		} {
			if _, err := ParseWeb(raw); err == nil {
				t.Errorf("expected %q to be rejected", raw)
			}
		}
	})

	t.Run("rejects non-domain hosts", func(t *testing.T) {
		for _, raw := range []string{
			"did:web:localhost",
			"did:web:EXAMPLE_underscore.com",
			"did:web:-bad.example.com",
		} {
			if _, err := ParseWeb(raw); err == nil {
				t.Errorf("expected %q to be rejected", raw)
			}
		}
	})
}

func TestCheckHost(t *testing.T) {
	t.Run("rejects raw IPv6 literals", func(t *testing.T) {
		for _, host := range []string{"::1", "[::1]", "2001:db8::1"} {
			if err := CheckHost(host); err == nil {
				t.Errorf("expected %q to be rejected", host)
			}
		}
	})

	t.Run("rejects blocked IPv4 literals", func(t *testing.T) {
		for _, host := range []string{"127.0.0.1", "10.0.0.8", "192.168.1.1", "172.16.0.1", "169.254.1.1", "100.64.0.1", "0.0.0.0"} {
			if err := CheckHost(host); err == nil {
				t.Errorf("expected %q to be rejected", host)
			}
		}
	})

	t.Run("accepts public hosts", func(t *testing.T) {
		for _, host := range []string{"example.com", "1.1.1.1", "8.8.8.8"} {
			if err := CheckHost(host); err != nil {
				t.Errorf("expected %q to pass, got %v", host, err)
			}
		}
	})
}

func TestCheckIPMappedIPv6(t *testing.T) {
	ip := net.ParseIP("::ffff:192.168.0.10")
	if err := checkIP(ip); err == nil {
		t.Error("IPv4-mapped IPv6 private address should be rejected")
	}
}

func TestSeedHelpers(t *testing.T) {
	if !IsSeed("did:seed:z6Mk") || IsSeed("did:web:example.com") {
		t.Error("IsSeed misclassified")
	}
	fp, err := SeedFingerprint("did:seed:z6MkABC")
	if err != nil || fp != "z6MkABC" {
		t.Errorf("SeedFingerprint = %q, %v", fp, err)
	}
	if _, err := SeedFingerprint("did:seed:"); err == nil {
		t.Error("empty fingerprint should be rejected")
	}
}
