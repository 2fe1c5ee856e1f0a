// Package identity manages agent registration and the per-agent settings the
// rest of the service reads: keys, trust sets, webhooks and heartbeats.
package identity

import (
	"crypto/ed25519"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/admp-io/admpd/internal/apperr"
	"github.com/admp-io/admpd/internal/clock"
	"github.com/admp-io/admpd/internal/config"
	"github.com/admp-io/admpd/internal/crypto"
	"github.com/admp-io/admpd/internal/envelope"
	"github.com/admp-io/admpd/internal/events"
	"github.com/admp-io/admpd/internal/logging"
	"github.com/admp-io/admpd/internal/metrics"
	"github.com/admp-io/admpd/internal/store"
)

// RotationWindow is how long a superseded key keeps verifying after a
// rotation, so in-flight signed messages do not break.
const RotationWindow = 24 * time.Hour

// Service implements agent lifecycle operations over the store.
type Service struct {
	store store.Store
	cfg   *config.Config
	log   *logging.Logger
	bus   *events.Bus
	clock clock.Clock
}

// NewService creates an identity Service.
func NewService(st store.Store, cfg *config.Config, log *logging.Logger, bus *events.Bus, clk clock.Clock) *Service {
	return &Service{store: st, cfg: cfg, log: log, bus: bus, clock: clk}
}

// RegisterRequest is the payload for agent self-registration.
type RegisterRequest struct {
	AgentID string `json:"agent_id"`
	// Mode is legacy, seed or import. did-web records are system generated
	// by the resolver and cannot be registered here.
	Mode      string            `json:"registration_mode"`
	PublicKey string            `json:"public_key,omitempty"` // multibase (z...) or base64
	TenantID  string            `json:"tenant_id,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`

	HeartbeatIntervalMS int64 `json:"heartbeat_interval_ms,omitempty"`
	HeartbeatTimeoutMS  int64 `json:"heartbeat_timeout_ms,omitempty"`
}

// Register creates a new agent. Seed and import modes require a public key;
// the derived did:seed identifier becomes the agent's DID. Registration
// status follows the global policy.
func (s *Service) Register(req RegisterRequest) (*store.Agent, error) {
	if err := envelope.ValidateNewAgentID(req.AgentID); err != nil {
		return nil, err
	}

	now := s.clock.Now()
	agent := &store.Agent{
		ID:        req.AgentID,
		TenantID:  req.TenantID,
		Metadata:  req.Metadata,
		CreatedAt: now,
		UpdatedAt: now,
		Heartbeat: store.Heartbeat{
			Status:     "online",
			IntervalMS: req.HeartbeatIntervalMS,
			TimeoutMS:  req.HeartbeatTimeoutMS,
		},
	}
	agent.Heartbeat.LastHeartbeat = now

	switch store.RegistrationMode(req.Mode) {
	case store.ModeLegacy, "":
		agent.RegistrationMode = store.ModeLegacy
		if req.PublicKey != "" {
			pub, err := decodePublicKey(req.PublicKey)
			if err != nil {
				return nil, apperr.Wrap(apperr.CodeRegisterFailed, "invalid public key", err)
			}
			agent.PublicKeys = []store.PublicKey{{Version: 1, Key: pub, CreatedAt: now}}
		}
	case store.ModeSeed, store.ModeImport:
		agent.RegistrationMode = store.RegistrationMode(req.Mode)
		if req.PublicKey == "" {
			return nil, apperr.Ef(apperr.CodeRegisterFailed, "%s registration requires a public key", req.Mode)
		}
		pub, err := decodePublicKey(req.PublicKey)
		if err != nil {
			return nil, apperr.Wrap(apperr.CodeRegisterFailed, "invalid public key", err)
		}
		agent.PublicKeys = []store.PublicKey{{Version: 1, Key: pub, CreatedAt: now}}
		agent.DID = crypto.SeedDID(ed25519.PublicKey(pub))
	case store.ModeDIDWeb:
		return nil, apperr.E(apperr.CodeRegisterFailed, "did-web identities are created by resolution, not registration")
	default:
		return nil, apperr.Ef(apperr.CodeRegisterFailed, "unknown registration mode %q", req.Mode)
	}

	if s.cfg.RegistrationPolicy == config.PolicyApprovalRequired {
		agent.RegistrationStatus = store.StatusPending
	} else {
		agent.RegistrationStatus = store.StatusApproved
	}

	if err := s.store.CreateAgent(agent); err != nil {
		if errors.Is(err, store.ErrAlreadyExists) {
			return nil, apperr.Ef(apperr.CodeRegisterFailed, "agent %s already exists", req.AgentID)
		}
		return nil, apperr.Wrap(apperr.CodeRegisterFailed, "registration failed", err)
	}

	metrics.AgentsRegistered.Inc()
	s.publish(events.Event{Type: events.EventAgentRegistered, AgentID: agent.ID, Timestamp: now})
	s.log.Info("agent registered", "agent", agent.ID, "mode", string(agent.RegistrationMode), "status", string(agent.RegistrationStatus))
	return agent, nil
}

// Get returns an agent by ID.
func (s *Service) Get(agentID string) (*store.Agent, error) {
	a, err := s.store.GetAgent(agentID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, apperr.Ef(apperr.CodeAgentNotFound, "agent %s not found", agentID)
	}
	return a, err
}

// Deregister removes an agent and its inbox.
func (s *Service) Deregister(agentID string) error {
	if err := s.store.DeleteAgent(agentID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return apperr.Ef(apperr.CodeAgentNotFound, "agent %s not found", agentID)
		}
		return apperr.Wrap(apperr.CodeInternal, "deregister failed", err)
	}
	s.log.Info("agent deregistered", "agent", agentID)
	return nil
}

// RotateKey appends a new signing key. The superseded key stays valid for the
// rotation window.
func (s *Service) RotateKey(agentID, publicKey string) (*store.Agent, error) {
	pub, err := decodePublicKey(publicKey)
	if err != nil {
		return nil, apperr.Wrap(apperr.CodeRegisterFailed, "invalid public key", err)
	}

	a, err := s.Get(agentID)
	if err != nil {
		return nil, err
	}
	now := s.clock.Now()
	if n := len(a.PublicKeys); n > 0 {
		deadline := now.Add(RotationWindow)
		a.PublicKeys[n-1].DeactivateAt = &deadline
	}
	a.PublicKeys = append(a.PublicKeys, store.PublicKey{
		Version:   len(a.PublicKeys) + 1,
		Key:       pub,
		CreatedAt: now,
	})
	if a.RegistrationMode == store.ModeSeed || a.RegistrationMode == store.ModeImport {
		a.DID = crypto.SeedDID(ed25519.PublicKey(pub))
	}
	a.UpdatedAt = now
	if err := s.store.UpdateAgent(a); err != nil {
		return nil, apperr.Wrap(apperr.CodeInternal, "key rotation failed", err)
	}
	s.log.Info("agent key rotated", "agent", agentID, "version", len(a.PublicKeys))
	return a, nil
}

// Heartbeat records agent liveness and flips its status back to online.
func (s *Service) Heartbeat(agentID string) (*store.Heartbeat, error) {
	a, err := s.Get(agentID)
	if err != nil {
		return nil, err
	}
	now := s.clock.Now()
	a.Heartbeat.LastHeartbeat = now
	a.Heartbeat.Status = "online"
	a.UpdatedAt = now
	if err := s.store.UpdateAgent(a); err != nil {
		return nil, apperr.Wrap(apperr.CodeInternal, "heartbeat failed", err)
	}
	hb := a.Heartbeat
	return &hb, nil
}

// AddTrust adds a peer to the agent's trust set. A non-empty trust set
// restricts who may deposit into the inbox.
func (s *Service) AddTrust(agentID, peerID string) (*store.Agent, error) {
	if err := envelope.ValidateAgentID(peerID); err != nil {
		return nil, err
	}
	a, err := s.Get(agentID)
	if err != nil {
		return nil, err
	}
	for _, t := range a.TrustedAgents {
		if t == peerID {
			return a, nil
		}
	}
	a.TrustedAgents = append(a.TrustedAgents, peerID)
	a.UpdatedAt = s.clock.Now()
	if err := s.store.UpdateAgent(a); err != nil {
		return nil, apperr.Wrap(apperr.CodeInternal, "trust update failed", err)
	}
	return a, nil
}

// RemoveTrust removes a peer from the trust set.
func (s *Service) RemoveTrust(agentID, peerID string) (*store.Agent, error) {
	a, err := s.Get(agentID)
	if err != nil {
		return nil, err
	}
	kept := a.TrustedAgents[:0]
	for _, t := range a.TrustedAgents {
		if t != peerID {
			kept = append(kept, t)
		}
	}
	a.TrustedAgents = kept
	a.UpdatedAt = s.clock.Now()
	if err := s.store.UpdateAgent(a); err != nil {
		return nil, apperr.Wrap(apperr.CodeInternal, "trust update failed", err)
	}
	return a, nil
}

// SetWebhook configures push delivery for an agent. The secret is optional;
// when set, payloads carry an HMAC signature computed with it.
func (s *Service) SetWebhook(agentID, url, secret string) error {
	if !strings.HasPrefix(url, "http://") && !strings.HasPrefix(url, "https://") {
		return apperr.E(apperr.CodeRegisterFailed, "webhook url must be http or https")
	}
	a, err := s.Get(agentID)
	if err != nil {
		return err
	}
	a.WebhookURL = url
	a.WebhookSecret = secret
	a.UpdatedAt = s.clock.Now()
	if err := s.store.UpdateAgent(a); err != nil {
		return apperr.Wrap(apperr.CodeInternal, "webhook update failed", err)
	}
	s.log.Info("webhook configured", "agent", agentID)
	return nil
}

// ClearWebhook removes push delivery configuration.
func (s *Service) ClearWebhook(agentID string) error {
	a, err := s.Get(agentID)
	if err != nil {
		return err
	}
	a.WebhookURL = ""
	a.WebhookSecret = ""
	a.UpdatedAt = s.clock.Now()
	if err := s.store.UpdateAgent(a); err != nil {
		return apperr.Wrap(apperr.CodeInternal, "webhook update failed", err)
	}
	return nil
}

// DIDDocument renders the agent's W3C DID document from its non-deactivated
// keys.
func (s *Service) DIDDocument(agentID string) (map[string]any, error) {
	a, err := s.Get(agentID)
	if err != nil {
		return nil, err
	}
	if a.DID == "" {
		return nil, apperr.Ef(apperr.CodeAgentNotFound, "agent %s has no DID", agentID)
	}

	keys := a.ActiveKeys(s.clock.Now())
	methods := make([]map[string]any, 0, len(keys))
	var authIDs []string
	for _, k := range keys {
		id := fmt.Sprintf("%s#key-%d", a.DID, k.Version)
		methods = append(methods, map[string]any{
			"id":                 id,
			"type":               "Ed25519VerificationKey2020",
			"controller":         a.DID,
			"publicKeyMultibase": crypto.EncodePublicKeyMultibase(ed25519.PublicKey(k.Key)),
		})
		authIDs = append(authIDs, id)
	}
	return map[string]any{
		"@context":           []string{"https://www.w3.org/ns/did/v1"},
		"id":                 a.DID,
		"verificationMethod": methods,
		"authentication":     authIDs,
	}, nil
}

func (s *Service) publish(evt events.Event) {
	if s.bus != nil {
		s.bus.Publish(evt)
	}
}

// decodePublicKey accepts multibase base58btc (z-prefixed) or base64 Ed25519
// public keys.
func decodePublicKey(s string) ([]byte, error) {
	if strings.HasPrefix(s, "z") {
		pub, err := crypto.DecodePublicKeyMultibase(s)
		if err != nil {
			return nil, err
		}
		return pub, nil
	}
	raw, err := crypto.FromBase64(s)
	if err != nil {
		return nil, fmt.Errorf("decode base64 key: %w", err)
	}
	if len(raw) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("public key must be %d bytes, got %d", ed25519.PublicKeySize, len(raw))
	}
	return raw, nil
}
