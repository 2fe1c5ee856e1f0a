package auth

import (
	"crypto/rand"
	"encoding/base64"
	"net/http"
	"strings"
	"time"

	"github.com/admp-io/admpd/internal/apperr"
	"github.com/admp-io/admpd/internal/crypto"
	"github.com/admp-io/admpd/internal/store"
)

// keyPrefix marks raw issued keys so leaked values are recognisable in scans.
const keyPrefix = "admp_"

// GenerateKey returns a new raw API key and its store record. The raw value
// is shown to the caller exactly once; only the hash is persisted.
func GenerateKey(clientID, targetAgentID string, singleUse bool, expiresAt *time.Time, now time.Time) (string, *store.IssuedKey, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", nil, apperr.Wrap(apperr.CodeInternal, "key generation failed", err)
	}
	raw := keyPrefix + base64.RawURLEncoding.EncodeToString(buf)
	hash := crypto.SHA256Hex([]byte(raw))
	rec := &store.IssuedKey{
		KeyID:         KeyID(hash),
		KeyHash:       hash,
		ClientID:      clientID,
		CreatedAt:     now,
		ExpiresAt:     expiresAt,
		SingleUse:     singleUse,
		TargetAgentID: targetAgentID,
	}
	return raw, rec, nil
}

// KeyID derives the public identifier for a key hash.
func KeyID(hash string) string {
	if len(hash) < 16 {
		return hash
	}
	return hash[:16]
}

// ExtractAPIKey pulls the raw key from X-Api-Key or a Bearer Authorization
// header. Returns "" when neither is present.
func ExtractAPIKey(r *http.Request) string {
	if k := r.Header.Get("X-Api-Key"); k != "" {
		return k
	}
	authz := r.Header.Get("Authorization")
	if len(authz) > 7 && strings.EqualFold(authz[:7], "Bearer ") {
		return strings.TrimSpace(authz[7:])
	}
	return ""
}

// authenticateAPIKey handles the unsigned-request tiers: the master key,
// issued keys, and single-use enrollment tokens.
func (g *Gate) authenticateAPIKey(r *http.Request) (*RequestContext, error) {
	raw := ExtractAPIKey(r)
	if raw == "" {
		if g.cfg.APIKeyRequired {
			return nil, apperr.E(apperr.CodeAPIKeyRequired, "an API key is required")
		}
		return &RequestContext{Method: MethodNone}, nil
	}

	if g.cfg.MasterAPIKey != "" && crypto.ConstantTimeEqual(raw, g.cfg.MasterAPIKey) {
		return &RequestContext{Method: MethodMaster}, nil
	}

	key, err := g.store.GetIssuedKeyByHash(crypto.SHA256Hex([]byte(raw)))
	if err != nil {
		return nil, apperr.E(apperr.CodeInvalidAPIKey, "unknown API key")
	}
	now := g.clock.Now()
	if key.Revoked {
		return nil, apperr.E(apperr.CodeInvalidAPIKey, "API key revoked")
	}
	if key.ExpiresAt != nil && !key.ExpiresAt.After(now) {
		return nil, apperr.E(apperr.CodeInvalidAPIKey, "API key expired")
	}

	method := MethodAPIKey
	if key.SingleUse {
		burned, err := g.store.BurnSingleUseKey(key.KeyID, now)
		if err != nil {
			return nil, apperr.Wrap(apperr.CodeInternal, "enrollment token burn failed", err)
		}
		if !burned {
			return nil, apperr.E(apperr.CodeEnrollmentTokenUsed, "enrollment token already used")
		}
		method = MethodEnrollment
	}

	rc := &RequestContext{Method: method, KeyID: key.KeyID}
	if key.TargetAgentID != "" {
		if id := r.PathValue("id"); id != "" && id != key.TargetAgentID {
			return nil, apperr.E(apperr.CodeEnrollmentTokenScope, "key is scoped to a different agent")
		}
		if a, err := g.store.GetAgent(key.TargetAgentID); err == nil {
			rc.Agent = a
		}
	}
	return rc, nil
}
