package auth

import (
	"context"
	"crypto/ed25519"
	"net/http"
	"time"

	"github.com/admp-io/admpd/internal/apperr"
	"github.com/admp-io/admpd/internal/clock"
	"github.com/admp-io/admpd/internal/config"
	"github.com/admp-io/admpd/internal/did"
	"github.com/admp-io/admpd/internal/envelope"
	"github.com/admp-io/admpd/internal/logging"
	"github.com/admp-io/admpd/internal/metrics"
	"github.com/admp-io/admpd/internal/store"
)

// AuthMethod records which credential authenticated a request.
type AuthMethod string

const (
	MethodNone       AuthMethod = "none"
	MethodSignature  AuthMethod = "signature"
	MethodDIDWeb     AuthMethod = "did-web"
	MethodMaster     AuthMethod = "master"
	MethodAPIKey     AuthMethod = "api-key"
	MethodEnrollment AuthMethod = "enrollment"
)

// RequestContext is what the gate attaches to authenticated requests.
type RequestContext struct {
	// Agent is non-nil when the credential maps to an agent identity
	// (signature keys, did:web, scoped enrollment tokens).
	Agent  *store.Agent
	Method AuthMethod
	// KeyID is the signature keyId or issued-key id, when applicable.
	KeyID string
}

type ctxKey struct{}

// FromContext retrieves the RequestContext the gate stored, if any.
func FromContext(ctx context.Context) (*RequestContext, bool) {
	rc, ok := ctx.Value(ctxKey{}).(*RequestContext)
	return rc, ok
}

// ErrorWriter writes an apperr-shaped error response. The web package
// supplies its writeError helper so both layers emit identical bodies.
type ErrorWriter func(w http.ResponseWriter, err error)

// Gate performs request authentication: HTTP signatures first (fail-closed
// when a Signature header is present), then the API-key tiers.
type Gate struct {
	store    store.Store
	cfg      *config.Config
	log      *logging.Logger
	resolver *did.Resolver
	clock    clock.Clock
	writeErr ErrorWriter
}

// NewGate wires a Gate. writeErr must not be nil.
func NewGate(st store.Store, cfg *config.Config, log *logging.Logger, resolver *did.Resolver, clk clock.Clock, writeErr ErrorWriter) *Gate {
	return &Gate{
		store:    st,
		cfg:      cfg,
		log:      log,
		resolver: resolver,
		clock:    clk,
		writeErr: writeErr,
	}
}

// Wrap authenticates the request and invokes next with the RequestContext
// attached. A present Signature header is always verified and never falls
// back to API-key auth on failure.
func (g *Gate) Wrap(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rc, err := g.authenticate(r)
		if err != nil {
			code := apperr.From(err).Code
			metrics.AuthRejections.WithLabelValues(code).Inc()
			g.log.Warn("auth rejected",
				"code", code,
				"path", r.URL.Path,
				"remote", r.RemoteAddr)
			g.writeErr(w, err)
			return
		}
		next(w, r.WithContext(context.WithValue(r.Context(), ctxKey{}, rc)))
	}
}

// RequireSelf authorizes the request for the agent named in the {id} path
// value. Master-key callers pass unconditionally.
func (g *Gate) RequireSelf(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rc, ok := FromContext(r.Context())
		if !ok {
			g.writeErr(w, apperr.E(apperr.CodeAPIKeyRequired, "authentication required"))
			return
		}
		if rc.Method == MethodMaster {
			next(w, r)
			return
		}
		id := r.PathValue("id")
		if rc.Agent == nil || rc.Agent.ID != id {
			metrics.AuthRejections.WithLabelValues(apperr.CodeForbidden).Inc()
			g.writeErr(w, apperr.E(apperr.CodeForbidden, "credential does not grant access to this agent"))
			return
		}
		next(w, r)
	}
}

func (g *Gate) authenticate(r *http.Request) (*RequestContext, error) {
	if sig := r.Header.Get("Signature"); sig != "" {
		return g.authenticateSignature(r, sig)
	}
	return g.authenticateAPIKey(r)
}

// authenticateSignature verifies a Signature header end to end. Any failure
// rejects the request; API-key auth is never consulted once the header is
// present.
func (g *Gate) authenticateSignature(r *http.Request, raw string) (*RequestContext, error) {
	sh, err := ParseSignatureHeader(raw)
	if err != nil {
		return nil, err
	}
	now := g.clock.Now()
	if err := CheckDate(r, now); err != nil {
		return nil, err
	}
	base, err := SigningString(r, sh.Headers)
	if err != nil {
		return nil, err
	}

	agent, keys, method, err := g.resolveSigner(r.Context(), sh.KeyID, now)
	if err != nil {
		return nil, err
	}
	if !verifyAny(keys, base, sh.Signature) {
		return nil, apperr.E(apperr.CodeSignatureInvalid, "signature verification failed")
	}
	if agent.Status() == store.StatusPending {
		return nil, apperr.E(apperr.CodeRegistrationPending, "agent registration is pending approval")
	}
	if agent.Status() == store.StatusRejected {
		return nil, apperr.E(apperr.CodeRegistrationRejected, "agent registration was rejected")
	}
	return &RequestContext{Agent: agent, Method: method, KeyID: sh.KeyID}, nil
}

// resolveSigner maps a signature keyId to an agent and its verification keys.
func (g *Gate) resolveSigner(ctx context.Context, keyID string, now time.Time) (*store.Agent, []ed25519.PublicKey, AuthMethod, error) {
	addr, err := envelope.ParseAddress(envelope.StripKidPrefix(keyID))
	if err != nil {
		return nil, nil, MethodNone, apperr.Wrap(apperr.CodeSignatureInvalid, "unresolvable keyId", err)
	}

	switch addr.Kind {
	case envelope.AddrDIDWeb:
		w, err := did.ParseWeb(addr.ID)
		if err != nil {
			return nil, nil, MethodNone, apperr.Wrap(apperr.CodeSignatureInvalid, "invalid did:web keyId", err)
		}
		keys, err := g.resolver.Resolve(ctx, addr.ID)
		if err != nil {
			return nil, nil, MethodNone, apperr.Wrap(apperr.CodeSignatureInvalid, "did:web keyId did not resolve", err)
		}
		agent, err := g.resolver.ShadowAgent(w, now)
		if err != nil {
			return nil, nil, MethodNone, apperr.Wrap(apperr.CodeInternal, "shadow agent lookup failed", err)
		}
		return agent, keys, MethodDIDWeb, nil

	case envelope.AddrDIDSeed:
		agent, err := g.store.GetAgentByDID(addr.ID)
		if err != nil {
			return nil, nil, MethodNone, apperr.E(apperr.CodeSignatureInvalid, "unknown keyId")
		}
		return agent, activeEd25519Keys(agent, now), MethodSignature, nil

	default:
		agent, err := g.store.GetAgent(addr.ID)
		if err != nil {
			return nil, nil, MethodNone, apperr.E(apperr.CodeSignatureInvalid, "unknown keyId")
		}
		return agent, activeEd25519Keys(agent, now), MethodSignature, nil
	}
}

// activeEd25519Keys converts the agent's rotation-aware key set for
// verification. Keys of the wrong length are skipped.
func activeEd25519Keys(a *store.Agent, now time.Time) []ed25519.PublicKey {
	active := a.ActiveKeys(now)
	keys := make([]ed25519.PublicKey, 0, len(active))
	for _, k := range active {
		if len(k.Key) == ed25519.PublicKeySize {
			keys = append(keys, ed25519.PublicKey(k.Key))
		}
	}
	return keys
}
