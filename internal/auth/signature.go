// Package auth implements the two-stage authentication gate: eager HTTP
// signature verification (fail-closed), API-key tiers with single-use scoped
// enrollment tokens, and route-level self-authorization.
package auth

import (
	"crypto/ed25519"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/admp-io/admpd/internal/apperr"
	"github.com/admp-io/admpd/internal/crypto"
)

// RequestSkew is the accepted Date-header clock skew, inclusive.
const RequestSkew = 5 * time.Minute

// SignatureHeader is the parsed form of a Signature header.
type SignatureHeader struct {
	KeyID     string
	Algorithm string
	Headers   []string
	Signature []byte
}

// ParseSignatureHeader parses the strict header syntax:
//
//	Signature: keyId="...",algorithm="ed25519",headers="(request-target) host date",signature="<base64>"
//
// Whitespace around separators is not permitted; any deviation is an
// INVALID_SIGNATURE_HEADER.
func ParseSignatureHeader(value string) (*SignatureHeader, error) {
	if value == "" {
		return nil, apperr.E(apperr.CodeInvalidSignatureHeader, "empty Signature header")
	}

	sh := &SignatureHeader{}
	seen := map[string]bool{}
	for _, part := range strings.Split(value, ",") {
		key, quoted, ok := strings.Cut(part, "=")
		if !ok {
			return nil, apperr.Ef(apperr.CodeInvalidSignatureHeader, "malformed parameter %q", part)
		}
		if len(quoted) < 2 || quoted[0] != '"' || quoted[len(quoted)-1] != '"' {
			return nil, apperr.Ef(apperr.CodeInvalidSignatureHeader, "parameter %s is not quoted", key)
		}
		val := quoted[1 : len(quoted)-1]
		if seen[key] {
			return nil, apperr.Ef(apperr.CodeInvalidSignatureHeader, "duplicate parameter %s", key)
		}
		seen[key] = true

		switch key {
		case "keyId":
			sh.KeyID = val
		case "algorithm":
			sh.Algorithm = val
		case "headers":
			sh.Headers = strings.Split(val, " ")
		case "signature":
			sig, err := crypto.FromBase64(val)
			if err != nil {
				return nil, apperr.Wrap(apperr.CodeInvalidSignatureHeader, "signature is not base64", err)
			}
			sh.Signature = sig
		default:
			return nil, apperr.Ef(apperr.CodeInvalidSignatureHeader, "unknown parameter %s", key)
		}
	}

	if sh.KeyID == "" || len(sh.Signature) == 0 {
		return nil, apperr.E(apperr.CodeInvalidSignatureHeader, "keyId and signature are required")
	}
	if sh.Algorithm != "ed25519" {
		return nil, apperr.Ef(apperr.CodeUnsupportedAlgorithm, "algorithm %q is not supported", sh.Algorithm)
	}
	if !containsHeader(sh.Headers, "(request-target)") || !containsHeader(sh.Headers, "date") {
		return nil, apperr.E(apperr.CodeInsufficientSignedHeaders, "signed headers must include (request-target) and date")
	}
	return sh, nil
}

// SigningString builds the string the signature covers, from the request and
// the signed-header list. Order matters; each line is
// "<name-lowercase>: <value>", with (request-target) expanding to
// "<method-lowercase> <path-with-query>".
func SigningString(r *http.Request, headers []string) (string, error) {
	lines := make([]string, 0, len(headers))
	for _, h := range headers {
		name := strings.ToLower(h)
		switch name {
		case "(request-target)":
			target := r.URL.Path
			if r.URL.RawQuery != "" {
				target += "?" + r.URL.RawQuery
			}
			lines = append(lines, "(request-target): "+strings.ToLower(r.Method)+" "+target)
		case "host":
			lines = append(lines, "host: "+r.Host)
		default:
			v := r.Header.Get(h)
			if v == "" {
				return "", apperr.Ef(apperr.CodeInvalidSignatureHeader, "signed header %s is missing from the request", h)
			}
			lines = append(lines, name+": "+v)
		}
	}
	return strings.Join(lines, "\n"), nil
}

// BuildSignatureHeader constructs a Signature header value for a request.
// Clients and tests use it; the server only parses.
func BuildSignatureHeader(r *http.Request, keyID string, headers []string, priv ed25519.PrivateKey) (string, error) {
	base, err := SigningString(r, headers)
	if err != nil {
		return "", err
	}
	sig := crypto.Sign(priv, []byte(base))
	return fmt.Sprintf(`keyId="%s",algorithm="ed25519",headers="%s",signature="%s"`,
		keyID, strings.Join(headers, " "), crypto.Base64(sig)), nil
}

// CheckDate enforces the ±5 minute freshness window on the Date header.
func CheckDate(r *http.Request, now time.Time) error {
	raw := r.Header.Get("Date")
	if raw == "" {
		return apperr.E(apperr.CodeDateHeaderRequired, "Date header is required for signed requests")
	}
	ts, err := http.ParseTime(raw)
	if err != nil {
		return apperr.Wrap(apperr.CodeDateHeaderRequired, "Date header is not a valid HTTP date", err)
	}
	d := now.Sub(ts)
	if d < 0 {
		d = -d
	}
	if d > RequestSkew {
		return apperr.Ef(apperr.CodeRequestExpired, "request Date outside the ±%s window", RequestSkew)
	}
	return nil
}

// verifyAny checks the signature over base against each candidate key.
func verifyAny(keys []ed25519.PublicKey, base string, sig []byte) bool {
	for _, k := range keys {
		if crypto.Verify(k, []byte(base), sig) {
			return true
		}
	}
	return false
}

func containsHeader(headers []string, want string) bool {
	for _, h := range headers {
		if strings.EqualFold(h, want) {
			return true
		}
	}
	return false
}
