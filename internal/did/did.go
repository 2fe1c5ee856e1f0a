// Package did parses did:seed and did:web identifiers and resolves did:web
// documents over HTTPS with SSRF hardening, a bounded key cache and shadow
// agent creation.
package did

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"
)

// Method prefixes.
const (
	PrefixSeed = "did:seed:"
	PrefixWeb  = "did:web:"
)

var segmentPattern = regexp.MustCompile(`^[A-Za-z0-9._-]+$`)
var domainPattern = regexp.MustCompile(`^[a-z0-9]([a-z0-9-]*[a-z0-9])?(\.[a-z0-9]([a-z0-9-]*[a-z0-9])?)+(:[0-9]{1,5})?$`)

// WebDID is a parsed did:web identifier.
type WebDID struct {
	// Raw is the original identifier.
	Raw string
	// Domain is the lowercase host, optionally with a port.
	Domain string
	// Path holds optional path segments (did:web:example.com:agents:alice).
	Path []string
}

// ParseWeb parses and validates a did:web identifier. Traversal segments and
// characters outside the safe set are rejected before any network activity.
func ParseWeb(raw string) (*WebDID, error) {
	if !strings.HasPrefix(strings.ToLower(raw), PrefixWeb) {
		return nil, fmt.Errorf("not a did:web identifier: %q", raw)
	}
	rest := raw[len(PrefixWeb):]
	if rest == "" {
		return nil, fmt.Errorf("did:web identifier missing domain")
	}

	parts := strings.Split(rest, ":")
	// The domain may carry a percent-encoded port (example.com%3A8443).
	domain, err := url.PathUnescape(parts[0])
	if err != nil {
		return nil, fmt.Errorf("invalid domain encoding in %q", raw)
	}
	domain = strings.ToLower(domain)
	if !domainPattern.MatchString(domain) {
		return nil, fmt.Errorf("invalid did:web domain %q", domain)
	}

	var path []string
	for _, seg := range parts[1:] {
		seg, err := url.PathUnescape(seg)
		if err != nil || seg == "" {
			return nil, fmt.Errorf("invalid path segment in %q", raw)
		}
		if seg == ".." || seg == "." || !segmentPattern.MatchString(seg) {
			return nil, fmt.Errorf("unsafe path segment %q in %q", seg, raw)
		}
		path = append(path, seg)
	}

	return &WebDID{Raw: raw, Domain: domain, Path: path}, nil
}

// DID returns the canonical did:web string.
func (d *WebDID) DID() string {
	if len(d.Path) == 0 {
		return PrefixWeb + d.Domain
	}
	return PrefixWeb + d.Domain + ":" + strings.Join(d.Path, ":")
}

// AgentID returns the shadow agent identifier for this DID:
// did-web:<domain>[/<path...>].
func (d *WebDID) AgentID() string {
	if len(d.Path) == 0 {
		return "did-web:" + d.Domain
	}
	return "did-web:" + d.Domain + "/" + strings.Join(d.Path, "/")
}

// DocumentURL returns the HTTPS location of the DID document.
func (d *WebDID) DocumentURL() string {
	u := "https://" + d.Domain
	for _, seg := range d.Path {
		u += "/" + url.PathEscape(seg)
	}
	return u + "/did.json"
}

// IsSeed reports whether s is a did:seed identifier.
func IsSeed(s string) bool {
	return strings.HasPrefix(strings.ToLower(s), PrefixSeed)
}

// IsWeb reports whether s is a did:web identifier.
func IsWeb(s string) bool {
	return strings.HasPrefix(strings.ToLower(s), PrefixWeb)
}

// SeedFingerprint extracts the multibase fingerprint from a did:seed
// identifier.
func SeedFingerprint(s string) (string, error) {
	if !IsSeed(s) {
		return "", fmt.Errorf("not a did:seed identifier: %q", s)
	}
	fp := s[len(PrefixSeed):]
	if fp == "" {
		return "", fmt.Errorf("did:seed identifier missing fingerprint")
	}
	return fp, nil
}
