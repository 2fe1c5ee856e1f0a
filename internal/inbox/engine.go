// Package inbox implements the leased message queue: send, pull, ack, nack,
// reply and status against the message repository.
package inbox

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/common/model"

	"github.com/admp-io/admpd/internal/apperr"
	"github.com/admp-io/admpd/internal/clock"
	"github.com/admp-io/admpd/internal/config"
	"github.com/admp-io/admpd/internal/did"
	"github.com/admp-io/admpd/internal/envelope"
	"github.com/admp-io/admpd/internal/events"
	"github.com/admp-io/admpd/internal/logging"
	"github.com/admp-io/admpd/internal/metrics"
	"github.com/admp-io/admpd/internal/store"
)

// DefaultVisibilityTimeout applies when a pull does not name one.
const DefaultVisibilityTimeout = 60 * time.Second

// Engine is the inbox message core.
type Engine struct {
	store    store.Store
	cfg      *config.Config
	log      *logging.Logger
	bus      *events.Bus
	resolver *did.Resolver
	clock    clock.Clock
}

// NewEngine wires an Engine.
func NewEngine(st store.Store, cfg *config.Config, log *logging.Logger, bus *events.Bus, resolver *did.Resolver, clk clock.Clock) *Engine {
	return &Engine{
		store:    st,
		cfg:      cfg,
		log:      log,
		bus:      bus,
		resolver: resolver,
		clock:    clk,
	}
}

// SendOptions carry the delivery modifiers alongside an envelope.
type SendOptions struct {
	// Ephemeral messages are purged on ack and carry a short default TTL.
	Ephemeral bool
	// TTL is either integer seconds or a duration string ("30s", "5m",
	// "2h", "1d"). Empty means the envelope's own ttl_sec, then defaults.
	TTL string
}

// SendResult is what a successful send reports back.
type SendResult struct {
	MessageID       string                `json:"message_id"`
	Status          store.MessageStatus   `json:"status"`
	SignatureStatus store.SignatureStatus `json:"signature_status"`
}

// ParseTTL accepts integer seconds or a duration string and returns whole
// seconds. Zero or negative values are rejected.
func ParseTTL(s string) (int64, error) {
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		if n <= 0 {
			return 0, apperr.E(apperr.CodeSendFailed, "ttl must be positive")
		}
		return n, nil
	}
	d, err := model.ParseDuration(s)
	if err != nil {
		return 0, apperr.Wrap(apperr.CodeSendFailed, "ttl is neither seconds nor a duration", err)
	}
	sec := int64(time.Duration(d) / time.Second)
	if sec <= 0 {
		return 0, apperr.E(apperr.CodeSendFailed, "ttl must be at least one second")
	}
	return sec, nil
}

// Send validates, authorizes and enqueues one envelope. The recipient address
// may be a bare agent ID, the legacy agent:// form, or a did:seed / did:web
// identifier; did:web recipients are resolved to shadow agents.
func (e *Engine) Send(ctx context.Context, env *envelope.Envelope, opts SendOptions) (*SendResult, error) {
	now := e.clock.Now()
	if err := env.Validate(now); err != nil {
		return nil, err
	}

	recipient, err := e.resolveRecipient(ctx, env.To, now)
	if err != nil {
		return nil, err
	}
	if !recipient.TrustsSender(env.From) {
		return nil, apperr.Ef(apperr.CodeSendFailed, "recipient does not accept messages from %s", env.From)
	}

	sigStatus, err := e.checkSignature(env, now)
	if err != nil {
		return nil, err
	}

	msg := &store.Message{
		ID:              uuid.NewString(),
		To:              recipient.ID,
		From:            env.From,
		Envelope:        *env,
		Status:          store.MsgQueued,
		CreatedAt:       now,
		UpdatedAt:       now,
		Ephemeral:       opts.Ephemeral,
		GroupMessageID:  env.GroupMessageID,
		SignatureStatus: sigStatus,
	}
	if err := e.applyTTL(msg, opts, now); err != nil {
		return nil, err
	}

	if err := e.store.CreateMessage(msg); err != nil {
		return nil, apperr.Wrap(apperr.CodeSendFailed, "message could not be stored", err)
	}
	metrics.MessagesSent.WithLabelValues(string(sigStatus)).Inc()

	if recipient.WebhookURL != "" {
		e.bus.Publish(events.Event{
			Type:      events.EventMessageReceived,
			AgentID:   recipient.ID,
			MessageID: msg.ID,
			Timestamp: now,
		})
	}

	e.log.Debug("message queued",
		"message_id", msg.ID,
		"to", recipient.ID,
		"signature_status", string(sigStatus))
	return &SendResult{MessageID: msg.ID, Status: msg.Status, SignatureStatus: sigStatus}, nil
}

func (e *Engine) resolveRecipient(ctx context.Context, to string, now time.Time) (*store.Agent, error) {
	addr, err := envelope.ParseAddress(to)
	if err != nil {
		return nil, err
	}
	switch addr.Kind {
	case envelope.AddrDIDWeb:
		w, err := did.ParseWeb(addr.ID)
		if err != nil {
			return nil, apperr.Wrap(apperr.CodeRecipientNotFound, "invalid did:web recipient", err)
		}
		if _, err := e.resolver.Resolve(ctx, addr.ID); err != nil {
			return nil, apperr.Wrap(apperr.CodeRecipientNotFound, "did:web recipient did not resolve", err)
		}
		a, err := e.resolver.ShadowAgent(w, now)
		if err != nil {
			return nil, apperr.Wrap(apperr.CodeRecipientNotFound, "shadow agent lookup failed", err)
		}
		return a, nil
	case envelope.AddrDIDSeed:
		a, err := e.store.GetAgentByDID(addr.ID)
		if err != nil {
			return nil, apperr.Ef(apperr.CodeRecipientNotFound, "no agent with DID %s", addr.ID)
		}
		return a, nil
	default:
		a, err := e.store.GetAgent(addr.ID)
		if err != nil {
			return nil, apperr.Ef(apperr.CodeRecipientNotFound, "agent %s not found", addr.ID)
		}
		return a, nil
	}
}

// checkSignature verifies an attached envelope signature against every
// non-deactivated key of the sender. An unknown sender downgrades to
// untrusted rather than failing: that is the backward-compat path for
// legacy agent:// identifiers.
func (e *Engine) checkSignature(env *envelope.Envelope, now time.Time) (store.SignatureStatus, error) {
	if env.Signature == nil {
		return store.SigUnsigned, nil
	}
	sender, err := e.lookupSender(env.From)
	if err != nil {
		e.log.Warn("signed envelope from unknown sender", "from", env.From)
		return store.SigUntrusted, nil
	}
	for _, k := range sender.ActiveKeys(now) {
		if envelope.VerifyWith(env, k.Key) {
			return store.SigVerified, nil
		}
	}
	return "", apperr.E(apperr.CodeInvalidSignature, "envelope signature did not verify against any active key")
}

func (e *Engine) lookupSender(from string) (*store.Agent, error) {
	addr, err := envelope.ParseAddress(from)
	if err != nil {
		return nil, err
	}
	if addr.Kind == envelope.AddrDIDSeed || addr.Kind == envelope.AddrDIDWeb {
		return e.store.GetAgentByDID(addr.ID)
	}
	return e.store.GetAgent(addr.ID)
}

// applyTTL works out the message lifetime. Ephemeral messages get an absolute
// expires_at (purge path); durable messages get ttl_sec on the envelope
// (expiry path), defaulting to the configured message TTL.
func (e *Engine) applyTTL(msg *store.Message, opts SendOptions, now time.Time) error {
	ttlSec := msg.Envelope.TTLSec
	if opts.TTL != "" {
		parsed, err := ParseTTL(opts.TTL)
		if err != nil {
			return err
		}
		ttlSec = parsed
	}

	if opts.Ephemeral {
		if ttlSec <= 0 {
			ttlSec = int64(e.cfg.EphemeralTTL / time.Second)
		}
		exp := now.Add(time.Duration(ttlSec) * time.Second)
		msg.ExpiresAt = &exp
		msg.Envelope.TTLSec = ttlSec
		return nil
	}

	if ttlSec <= 0 {
		ttlSec = int64(e.cfg.MessageTTL / time.Second)
	}
	msg.Envelope.TTLSec = ttlSec
	return nil
}

// Pull atomically claims the oldest eligible queued message for agentID.
// A nil message with a nil error means the inbox is empty.
func (e *Engine) Pull(agentID string, visibility time.Duration) (*store.Message, error) {
	if visibility <= 0 {
		visibility = DefaultVisibilityTimeout
	}
	now := e.clock.Now()
	m, err := e.store.ClaimNext(agentID, now, now.Add(visibility))
	if err != nil {
		return nil, apperr.Wrap(apperr.CodePullFailed, "claim failed", err)
	}
	if m != nil {
		metrics.MessagesPulled.Inc()
	}
	return m, nil
}

// Ack completes a leased message. Ephemeral messages are purged with the body
// dropped; durable ones transition to acked with the optional result kept.
func (e *Engine) Ack(agentID, messageID string, result json.RawMessage) (*store.Message, error) {
	m, err := e.leasedFor(agentID, messageID)
	if err != nil {
		return nil, err
	}
	now := e.clock.Now()
	if m.Ephemeral {
		m.Status = store.MsgPurged
		m.Envelope.Body = nil
		m.PurgeReason = store.PurgeAcked
		m.PurgedAt = &now
	} else {
		m.Status = store.MsgAcked
		m.AckedAt = &now
		m.Result = result
	}
	m.LeaseUntil = nil
	m.UpdatedAt = now
	// Conditional on the lease still standing: a reclaim sweep between the
	// read and the write must not be overwritten.
	if err := e.store.UpdateMessageIf(m, store.MsgLeased); err != nil {
		if errors.Is(err, store.ErrStatusChanged) {
			return nil, apperr.Ef(apperr.CodeMessageNotFound, "no leased message %s for %s", messageID, agentID)
		}
		return nil, apperr.Wrap(apperr.CodeAckFailed, "ack could not be stored", err)
	}
	metrics.MessagesAcked.Inc()
	return m, nil
}

// NackOptions select between extending the current lease and requeueing.
type NackOptions struct {
	// ExtendSec, when positive, pushes lease_until out from its prior value
	// without the message leaving the leased state or attempts moving.
	ExtendSec int64
}

// Nack either extends the lease or returns the message to the queue.
func (e *Engine) Nack(agentID, messageID string, opts NackOptions) (*store.Message, error) {
	m, err := e.leasedFor(agentID, messageID)
	if err != nil {
		return nil, err
	}
	now := e.clock.Now()
	action := "requeue"
	if opts.ExtendSec > 0 {
		base := now
		if m.LeaseUntil != nil {
			base = *m.LeaseUntil
		}
		lease := base.Add(time.Duration(opts.ExtendSec) * time.Second)
		m.LeaseUntil = &lease
		action = "extend"
	} else {
		m.Status = store.MsgQueued
		m.LeaseUntil = nil
	}
	m.UpdatedAt = now
	if err := e.store.UpdateMessageIf(m, store.MsgLeased); err != nil {
		if errors.Is(err, store.ErrStatusChanged) {
			return nil, apperr.Ef(apperr.CodeMessageNotFound, "no leased message %s for %s", messageID, agentID)
		}
		return nil, apperr.Wrap(apperr.CodeNackFailed, "nack could not be stored", err)
	}
	metrics.MessagesNacked.WithLabelValues(action).Inc()
	return m, nil
}

// ReplyRequest is the caller-supplied portion of a reply envelope.
type ReplyRequest struct {
	Subject string          `json:"subject"`
	Body    json.RawMessage `json:"body,omitempty"`
	Type    string          `json:"type,omitempty"`
	Headers map[string]any  `json:"headers,omitempty"`
}

// Reply synthesizes a response envelope correlated to the original message
// and routes it through Send.
func (e *Engine) Reply(ctx context.Context, agentID, originalID string, req ReplyRequest) (*SendResult, error) {
	orig, err := e.store.GetMessage(originalID)
	if err != nil || orig.To != agentID {
		return nil, apperr.Ef(apperr.CodeMessageNotFound, "message %s not found", originalID)
	}
	env := &envelope.Envelope{
		Version:       envelope.Version,
		Type:          req.Type,
		From:          agentID,
		To:            orig.From,
		Subject:       req.Subject,
		Timestamp:     e.clock.Now().UTC().Format(time.RFC3339Nano),
		CorrelationID: orig.ID,
		Headers:       req.Headers,
		Body:          req.Body,
	}
	return e.Send(ctx, env, SendOptions{})
}

// Status looks up a message's lifecycle fields. Callers map purged messages
// to their transport representation (410 with body null).
func (e *Engine) Status(messageID string) (*store.Message, error) {
	m, err := e.store.GetMessage(messageID)
	if err != nil {
		return nil, apperr.Ef(apperr.CodeMessageNotFound, "message %s not found", messageID)
	}
	return m, nil
}

// Inbox lists an agent's messages in FIFO order, optionally filtered.
func (e *Engine) Inbox(agentID string, statuses ...store.MessageStatus) ([]*store.Message, error) {
	msgs, err := e.store.GetInbox(agentID, statuses...)
	if err != nil {
		return nil, apperr.Wrap(apperr.CodePullFailed, "inbox listing failed", err)
	}
	return msgs, nil
}

func (e *Engine) leasedFor(agentID, messageID string) (*store.Message, error) {
	m, err := e.store.GetMessage(messageID)
	if err != nil || m.To != agentID || m.Status != store.MsgLeased {
		return nil, apperr.Ef(apperr.CodeMessageNotFound, "no leased message %s for %s", messageID, agentID)
	}
	return m, nil
}
