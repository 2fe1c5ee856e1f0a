package did

import (
	"context"
	"crypto/ed25519"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"golang.org/x/sync/singleflight"

	"github.com/admp-io/admpd/internal/config"
	"github.com/admp-io/admpd/internal/logging"
	"github.com/admp-io/admpd/internal/metrics"
	"github.com/admp-io/admpd/internal/store"
)

const (
	// maxDocumentSize caps a fetched DID document at 64 KiB.
	maxDocumentSize = 64 * 1024
	// cacheSize bounds the resolved-key cache; oldest entries are evicted
	// on overflow so attacker-crafted domains cannot grow it without limit.
	cacheSize = 1000
	// cacheTTL is how long resolved keys stay valid.
	cacheTTL = 5 * time.Minute
	// maxRedirects bounds the redirect chain; every hop is re-checked
	// against the SSRF blocklist.
	maxRedirects = 3
)

// Resolver fetches did:web documents and manages shadow agents. Safe for
// concurrent use; parallel resolutions of the same DID are collapsed into a
// single fetch.
type Resolver struct {
	cfg    *config.Config
	store  store.Store
	log    *logging.Logger
	client *http.Client
	cache  *expirable.LRU[string, []ed25519.PublicKey]
	group  singleflight.Group

	// docURL is overridable in tests to point at a local server.
	docURL func(*WebDID) string
}

// NewResolver creates a Resolver backed by an SSRF-hardened HTTP client.
func NewResolver(cfg *config.Config, st store.Store, log *logging.Logger) *Resolver {
	client := &http.Client{
		Timeout: cfg.DIDFetchTimeout,
		Transport: &http.Transport{
			DialContext:       safeDialContext,
			DisableKeepAlives: true,
		},
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			if len(via) >= maxRedirects {
				return fmt.Errorf("too many redirects")
			}
			if req.URL.Scheme != "https" {
				return fmt.Errorf("redirect to non-https URL %s", req.URL)
			}
			return CheckHost(req.URL.Hostname())
		},
	}
	return &Resolver{
		cfg:    cfg,
		store:  st,
		log:    log,
		client: client,
		cache:  expirable.NewLRU[string, []ed25519.PublicKey](cacheSize, nil, cacheTTL),
		docURL: (*WebDID).DocumentURL,
	}
}

// Resolve returns the Ed25519 verification keys for a did:web identifier,
// fetching and caching the document as needed.
func (r *Resolver) Resolve(ctx context.Context, raw string) ([]ed25519.PublicKey, error) {
	w, err := ParseWeb(raw)
	if err != nil {
		metrics.DIDResolutions.WithLabelValues("invalid").Inc()
		return nil, err
	}
	if !r.cfg.DomainAllowed(w.Domain) {
		metrics.DIDResolutions.WithLabelValues("denied").Inc()
		return nil, fmt.Errorf("domain %s is not in the did:web allowlist", w.Domain)
	}

	key := w.DID()
	if keys, ok := r.cache.Get(key); ok {
		metrics.DIDCacheHits.Inc()
		return keys, nil
	}

	v, err, _ := r.group.Do(key, func() (any, error) {
		// Re-check under singleflight: a concurrent caller may have
		// populated the cache while we queued.
		if keys, ok := r.cache.Get(key); ok {
			return keys, nil
		}
		keys, err := r.fetch(ctx, w)
		if err != nil {
			return nil, err
		}
		r.cache.Add(key, keys)
		return keys, nil
	})
	if err != nil {
		metrics.DIDResolutions.WithLabelValues("error").Inc()
		return nil, err
	}
	metrics.DIDResolutions.WithLabelValues("resolved").Inc()
	return v.([]ed25519.PublicKey), nil
}

func (r *Resolver) fetch(ctx context.Context, w *WebDID) ([]ed25519.PublicKey, error) {
	if err := CheckHost(w.Hostname()); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, r.cfg.DIDFetchTimeout)
	defer cancel()

	url := r.docURL(w)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch %s: status %d", url, resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxDocumentSize+1))
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", url, err)
	}
	if len(body) > maxDocumentSize {
		return nil, fmt.Errorf("DID document at %s exceeds %d bytes", url, maxDocumentSize)
	}

	r.log.Debug("fetched did:web document", "did", w.DID(), "bytes", len(body))
	return ParseDocument(body, w.DID())
}

// Hostname returns the domain without any port, for pre-DNS checks.
func (d *WebDID) Hostname() string {
	if i := strings.IndexByte(d.Domain, ':'); i >= 0 {
		return d.Domain[:i]
	}
	return d.Domain
}

// ShadowAgent looks up or creates the shadow agent for a did:web identity.
// Creation is idempotent: concurrent first resolutions converge on the same
// record. New shadow agents are approved only when the global policy is open
// and the domain is explicitly allowlisted; otherwise they start pending.
func (r *Resolver) ShadowAgent(w *WebDID, now time.Time) (*store.Agent, error) {
	didStr := w.DID()
	if a, err := r.store.GetAgentByDID(didStr); err == nil {
		return a, nil
	} else if !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}

	status := store.StatusPending
	if r.cfg.RegistrationPolicy == config.PolicyOpen &&
		len(r.cfg.DIDWebAllowedDomains) > 0 && r.cfg.DomainAllowed(w.Domain) {
		status = store.StatusApproved
	}

	agent := &store.Agent{
		ID:                 w.AgentID(),
		RegistrationMode:   store.ModeDIDWeb,
		RegistrationStatus: status,
		DID:                didStr,
		CreatedAt:          now,
		UpdatedAt:          now,
	}
	if err := r.store.CreateAgent(agent); err != nil {
		if errors.Is(err, store.ErrAlreadyExists) {
			return r.store.GetAgentByDID(didStr)
		}
		return nil, err
	}
	metrics.AgentsRegistered.Inc()
	r.recordDomain(w.Domain, now)
	r.log.Info("created shadow agent", "agent", agent.ID, "status", string(status))
	return agent, nil
}

func (r *Resolver) recordDomain(domain string, now time.Time) {
	d, err := r.store.GetDomain(domain)
	if errors.Is(err, store.ErrNotFound) {
		d = &store.Domain{Domain: domain, FirstSeen: now}
	} else if err != nil {
		r.log.Warn("domain lookup failed", "domain", domain, "error", err)
		return
	}
	d.AgentCount++
	d.Allowed = len(r.cfg.DIDWebAllowedDomains) > 0 && r.cfg.DomainAllowed(domain)
	if err := r.store.SaveDomain(d); err != nil {
		r.log.Warn("domain save failed", "domain", domain, "error", err)
	}
}
