package envelope

import (
	"crypto/ed25519"
	"fmt"
	"strings"

	"github.com/admp-io/admpd/internal/crypto"
)

// SigningBase builds the string an envelope signature covers. Lines joined
// with \n:
//
//	timestamp
//	base64(sha256(canonical_json(body or {})))
//	from
//	to
//	correlation_id (empty string when unset)
func SigningBase(e *Envelope) (string, error) {
	bodyHash, err := BodyHash(e.Body)
	if err != nil {
		return "", err
	}
	return strings.Join([]string{
		e.Timestamp,
		bodyHash,
		e.From,
		e.To,
		e.CorrelationID,
	}, "\n"), nil
}

// BodyHash returns base64(sha256(canonical_json(body))), with a missing or
// null body treated as the empty object.
func BodyHash(body []byte) (string, error) {
	raw := []byte("{}")
	if len(body) > 0 && string(body) != "null" {
		raw = body
	}
	canon, err := crypto.CanonicalJSON(raw)
	if err != nil {
		return "", fmt.Errorf("canonicalise body: %w", err)
	}
	return crypto.Base64(crypto.SHA256(canon)), nil
}

// Sign computes and attaches an Ed25519 signature block. kid is stored with
// any agent:// prefix stripped.
func Sign(e *Envelope, priv ed25519.PrivateKey, kid string) error {
	base, err := SigningBase(e)
	if err != nil {
		return err
	}
	e.Signature = &Signature{
		Alg: "ed25519",
		Kid: StripKidPrefix(kid),
		Sig: crypto.Base64(crypto.Sign(priv, []byte(base))),
	}
	return nil
}

// VerifyWith checks the attached signature against one public key. Callers
// verifying against a rotation window call this once per candidate key.
func VerifyWith(e *Envelope, pub ed25519.PublicKey) bool {
	if e.Signature == nil || e.Signature.Alg != "ed25519" {
		return false
	}
	sig, err := crypto.FromBase64(e.Signature.Sig)
	if err != nil {
		return false
	}
	base, err := SigningBase(e)
	if err != nil {
		return false
	}
	return crypto.Verify(pub, []byte(base), sig)
}
