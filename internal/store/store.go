// Package store defines the repository contract the messaging core runs on,
// plus the two shipped implementations: an in-memory store and a bbolt-backed
// one. All state transitions in the system go through this package.
package store

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/admp-io/admpd/internal/envelope"
)

var (
	// ErrNotFound is returned when a record does not exist.
	ErrNotFound = errors.New("store: not found")
	// ErrAlreadyExists is returned when creating a record whose key is taken.
	ErrAlreadyExists = errors.New("store: already exists")
	// ErrStatusChanged is returned by UpdateMessageIf when the stored message
	// left the expected status before the write.
	ErrStatusChanged = errors.New("store: message status changed")
)

// RegistrationMode records how an agent identity was established.
type RegistrationMode string

const (
	ModeLegacy RegistrationMode = "legacy"
	ModeSeed   RegistrationMode = "seed"
	ModeImport RegistrationMode = "import"
	ModeDIDWeb RegistrationMode = "did-web"
)

// RegistrationStatus gates what an agent may do. An empty value is read as
// approved so records predating the approval workflow keep working.
type RegistrationStatus string

const (
	StatusApproved RegistrationStatus = "approved"
	StatusPending  RegistrationStatus = "pending"
	StatusRejected RegistrationStatus = "rejected"
)

// PublicKey is one entry in an agent's key history. The tail of the list is
// the active signing key; older entries stay valid until DeactivateAt.
type PublicKey struct {
	Version      int        `json:"version"`
	Key          []byte     `json:"key"`
	CreatedAt    time.Time  `json:"created_at"`
	DeactivateAt *time.Time `json:"deactivate_at,omitempty"`
}

// Heartbeat tracks agent liveness.
type Heartbeat struct {
	LastHeartbeat time.Time `json:"last_heartbeat,omitzero"`
	Status        string    `json:"status,omitempty"` // online | offline
	IntervalMS    int64     `json:"interval_ms,omitempty"`
	TimeoutMS     int64     `json:"timeout_ms,omitempty"`
}

// Agent is a registered (or shadow) identity.
type Agent struct {
	ID                 string             `json:"agent_id"`
	RegistrationMode   RegistrationMode   `json:"registration_mode"`
	RegistrationStatus RegistrationStatus `json:"registration_status,omitempty"`
	PublicKeys         []PublicKey        `json:"public_keys,omitempty"`
	DID                string             `json:"did,omitempty"`
	TenantID           string             `json:"tenant_id,omitempty"`
	VerificationTier   string             `json:"verification_tier,omitempty"`
	TrustedAgents      []string           `json:"trusted_agents,omitempty"`
	WebhookURL         string             `json:"webhook_url,omitempty"`
	WebhookSecret      string             `json:"webhook_secret,omitempty"`
	Heartbeat          Heartbeat          `json:"heartbeat"`
	Metadata           map[string]string  `json:"metadata,omitempty"`
	CreatedAt          time.Time          `json:"created_at"`
	UpdatedAt          time.Time          `json:"updated_at"`
}

// Status normalises the legacy empty value to approved.
func (a *Agent) Status() RegistrationStatus {
	if a.RegistrationStatus == "" {
		return StatusApproved
	}
	return a.RegistrationStatus
}

// ActiveKeys returns every key still valid for verification at now: the
// rotation window keeps old keys usable until their DeactivateAt passes.
func (a *Agent) ActiveKeys(now time.Time) []PublicKey {
	var keys []PublicKey
	for _, k := range a.PublicKeys {
		if k.DeactivateAt != nil && !k.DeactivateAt.After(now) {
			continue
		}
		keys = append(keys, k)
	}
	return keys
}

// SigningKey returns the current signing key (the tail of the list).
func (a *Agent) SigningKey() (PublicKey, bool) {
	if len(a.PublicKeys) == 0 {
		return PublicKey{}, false
	}
	return a.PublicKeys[len(a.PublicKeys)-1], true
}

// TrustsSender reports whether from may deposit into this agent's inbox. An
// empty trust set means everyone may.
func (a *Agent) TrustsSender(from string) bool {
	if len(a.TrustedAgents) == 0 {
		return true
	}
	for _, t := range a.TrustedAgents {
		if t == from {
			return true
		}
	}
	return false
}

// Clone returns a deep copy so callers can mutate freely before Update.
func (a *Agent) Clone() *Agent {
	cp := *a
	cp.PublicKeys = make([]PublicKey, len(a.PublicKeys))
	for i, k := range a.PublicKeys {
		cp.PublicKeys[i] = k
		if k.DeactivateAt != nil {
			d := *k.DeactivateAt
			cp.PublicKeys[i].DeactivateAt = &d
		}
		cp.PublicKeys[i].Key = append([]byte(nil), k.Key...)
	}
	cp.TrustedAgents = append([]string(nil), a.TrustedAgents...)
	if a.Metadata != nil {
		cp.Metadata = make(map[string]string, len(a.Metadata))
		for k, v := range a.Metadata {
			cp.Metadata[k] = v
		}
	}
	return &cp
}

// MessageStatus is the lease-state machine state.
type MessageStatus string

const (
	MsgQueued  MessageStatus = "queued"
	MsgLeased  MessageStatus = "leased"
	MsgAcked   MessageStatus = "acked"
	MsgExpired MessageStatus = "expired"
	MsgPurged  MessageStatus = "purged"
)

// SignatureStatus records what envelope verification concluded at send time.
type SignatureStatus string

const (
	SigVerified  SignatureStatus = "verified"
	SigUntrusted SignatureStatus = "untrusted"
	SigUnsigned  SignatureStatus = "unsigned"
)

// PurgeReason values for purged messages.
const (
	PurgeAcked      = "acked"
	PurgeTTLExpired = "ttl_expired"
)

// Message is one inbox delivery.
type Message struct {
	ID              string            `json:"id"`
	To              string            `json:"to_agent_id"`
	From            string            `json:"from_agent_id"`
	Envelope        envelope.Envelope `json:"envelope"`
	Status          MessageStatus     `json:"status"`
	CreatedAt       time.Time         `json:"created_at"`
	UpdatedAt       time.Time         `json:"updated_at"`
	LeaseUntil      *time.Time        `json:"lease_until,omitempty"`
	Attempts        int               `json:"attempts"`
	AckedAt         *time.Time        `json:"acked_at,omitempty"`
	Result          json.RawMessage   `json:"result,omitempty"`
	Ephemeral       bool              `json:"ephemeral,omitempty"`
	ExpiresAt       *time.Time        `json:"expires_at,omitempty"`
	GroupMessageID  string            `json:"group_message_id,omitempty"`
	PurgeReason     string            `json:"purge_reason,omitempty"`
	PurgedAt        *time.Time        `json:"purged_at,omitempty"`
	SignatureStatus SignatureStatus   `json:"signature_status,omitempty"`

	// Seq is the per-inbox FIFO position, assigned at create.
	Seq uint64 `json:"seq,omitempty"`
}

// Eligible reports whether the message can be claimed by a pull at now:
// queued, and not past its expiry.
func (m *Message) Eligible(now time.Time) bool {
	if m.Status != MsgQueued {
		return false
	}
	if m.ExpiresAt != nil && !m.ExpiresAt.After(now) {
		return false
	}
	return true
}

// Clone returns a deep copy.
func (m *Message) Clone() *Message {
	cp := *m
	if m.LeaseUntil != nil {
		t := *m.LeaseUntil
		cp.LeaseUntil = &t
	}
	if m.AckedAt != nil {
		t := *m.AckedAt
		cp.AckedAt = &t
	}
	if m.ExpiresAt != nil {
		t := *m.ExpiresAt
		cp.ExpiresAt = &t
	}
	if m.PurgedAt != nil {
		t := *m.PurgedAt
		cp.PurgedAt = &t
	}
	cp.Result = append(json.RawMessage(nil), m.Result...)
	cp.Envelope.Body = append(json.RawMessage(nil), m.Envelope.Body...)
	if m.Envelope.Headers != nil {
		cp.Envelope.Headers = make(map[string]any, len(m.Envelope.Headers))
		for k, v := range m.Envelope.Headers {
			cp.Envelope.Headers[k] = v
		}
	}
	if m.Envelope.Signature != nil {
		s := *m.Envelope.Signature
		cp.Envelope.Signature = &s
	}
	return &cp
}

// GroupRole is a member's role inside a group.
type GroupRole string

const (
	RoleOwner  GroupRole = "owner"
	RoleAdmin  GroupRole = "admin"
	RoleMember GroupRole = "member"
)

// GroupAccess is the join policy.
type GroupAccess string

const (
	AccessOpen       GroupAccess = "open"
	AccessKey        GroupAccess = "key-protected"
	AccessInviteOnly GroupAccess = "invite-only"
)

// GroupMember is one membership entry.
type GroupMember struct {
	AgentID  string    `json:"agent_id"`
	Role     GroupRole `json:"role"`
	JoinedAt time.Time `json:"joined_at"`
}

// GroupSettings are per-group tunables.
type GroupSettings struct {
	MaxMembers     int   `json:"max_members,omitempty"`
	MessageTTLSec  int64 `json:"message_ttl_sec,omitempty"`
	HistoryVisible bool  `json:"history_visible"`
}

// Group is a role-gated multi-agent group.
type Group struct {
	ID          string        `json:"id"`
	Name        string        `json:"name"`
	Access      GroupAccess   `json:"access"`
	JoinKeyHash string        `json:"join_key_hash,omitempty"`
	Members     []GroupMember `json:"members"`
	Settings    GroupSettings `json:"settings"`
	CreatedAt   time.Time     `json:"created_at"`
	UpdatedAt   time.Time     `json:"updated_at"`
}

// Member returns the membership entry for an agent, if any.
func (g *Group) Member(agentID string) (GroupMember, bool) {
	for _, m := range g.Members {
		if m.AgentID == agentID {
			return m, true
		}
	}
	return GroupMember{}, false
}

// Owner returns the owning agent's ID. Groups always have exactly one owner.
func (g *Group) Owner() string {
	for _, m := range g.Members {
		if m.Role == RoleOwner {
			return m.AgentID
		}
	}
	return ""
}

// Clone returns a deep copy.
func (g *Group) Clone() *Group {
	cp := *g
	cp.Members = append([]GroupMember(nil), g.Members...)
	return &cp
}

// IssuedKey is an API key or enrollment token record. Only the SHA-256 hash
// of the raw key is ever stored.
type IssuedKey struct {
	KeyID         string     `json:"key_id"`
	KeyHash       string     `json:"key_hash"`
	ClientID      string     `json:"client_id,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	ExpiresAt     *time.Time `json:"expires_at,omitempty"`
	Revoked       bool       `json:"revoked,omitempty"`
	SingleUse     bool       `json:"single_use,omitempty"`
	UsedAt        *time.Time `json:"used_at,omitempty"`
	TargetAgentID string     `json:"target_agent_id,omitempty"`
}

// Clone returns a deep copy.
func (k *IssuedKey) Clone() *IssuedKey {
	cp := *k
	if k.ExpiresAt != nil {
		t := *k.ExpiresAt
		cp.ExpiresAt = &t
	}
	if k.UsedAt != nil {
		t := *k.UsedAt
		cp.UsedAt = &t
	}
	return &cp
}

// RoundTableStatus is the session lifecycle state.
type RoundTableStatus string

const (
	RTOpen     RoundTableStatus = "open"
	RTResolved RoundTableStatus = "resolved"
	RTExpired  RoundTableStatus = "expired"
)

// MaxThreadEntries caps a round-table thread.
const MaxThreadEntries = 200

// ThreadEntry is one contribution to a round-table thread.
type ThreadEntry struct {
	From    string          `json:"from"`
	Content json.RawMessage `json:"content"`
	At      time.Time       `json:"at"`
}

// RoundTable is an ephemeral deliberation session over a backing group.
type RoundTable struct {
	ID           string           `json:"id"`
	Facilitator  string           `json:"facilitator"`
	Participants []string         `json:"participants"`
	Topic        string           `json:"topic"`
	Goal         string           `json:"goal"`
	Status       RoundTableStatus `json:"status"`
	Thread       []ThreadEntry    `json:"thread,omitempty"`
	ExpiresAt    time.Time        `json:"expires_at"`
	GroupID      string           `json:"group_id"`
	Outcome      string           `json:"outcome,omitempty"`
	CreatedAt    time.Time        `json:"created_at"`
	// FinishedAt is set when the session resolves or expires; the purge
	// sweep keys off it.
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}

// Clone returns a deep copy.
func (rt *RoundTable) Clone() *RoundTable {
	cp := *rt
	cp.Participants = append([]string(nil), rt.Participants...)
	cp.Thread = append([]ThreadEntry(nil), rt.Thread...)
	if rt.FinishedAt != nil {
		t := *rt.FinishedAt
		cp.FinishedAt = &t
	}
	return &cp
}

// Domain records a did:web domain the resolver has seen.
type Domain struct {
	Domain     string    `json:"domain"`
	FirstSeen  time.Time `json:"first_seen"`
	AgentCount int       `json:"agent_count"`
	Allowed    bool      `json:"allowed"`
}

// Store is the abstract repository the core requires. Both implementations
// validate agent IDs on writes: records can be created outside the
// registration path (did:web shadow agents), so the boundary cannot assume
// pre-validated input.
type Store interface {
	CreateAgent(a *Agent) error
	GetAgent(id string) (*Agent, error)
	GetAgentByDID(did string) (*Agent, error)
	UpdateAgent(a *Agent) error
	DeleteAgent(id string) error
	ListAgents() ([]*Agent, error)
	ListAgentsByTenant(tenantID string) ([]*Agent, error)

	CreateMessage(m *Message) error
	GetMessage(id string) (*Message, error)
	UpdateMessage(m *Message) error
	// UpdateMessageIf persists m only while the stored record is still in
	// prev, so a consumer's ack or nack cannot overwrite a concurrent lease
	// reclaim. ErrStatusChanged reports the lost race.
	UpdateMessageIf(m *Message, prev MessageStatus) error
	DeleteMessage(id string) error
	// GetInbox returns an agent's messages in FIFO order, optionally
	// filtered to the given statuses.
	GetInbox(agentID string, statuses ...MessageStatus) ([]*Message, error)
	// ClaimNext atomically selects the oldest eligible queued message for
	// agentID, marks it leased until leaseUntil and increments attempts.
	// It returns (nil, nil) when no message is eligible. Concurrent calls
	// for the same inbox never claim the same message twice.
	ClaimNext(agentID string, now, leaseUntil time.Time) (*Message, error)
	ListMessagesByGroup(groupID string) ([]*Message, error)

	// Sweep operations. Each returns the number of affected messages.
	ExpireLeases(now time.Time) (int, error)
	ExpireMessages(now time.Time) (int, error)
	CleanupExpiredMessages(olderThan time.Time) (int, error)
	PurgeExpiredEphemeral(now time.Time) (int, error)

	CreateGroup(g *Group) error
	GetGroup(id string) (*Group, error)
	UpdateGroup(g *Group) error
	DeleteGroup(id string) error

	CreateIssuedKey(k *IssuedKey) error
	GetIssuedKeyByHash(hash string) (*IssuedKey, error)
	// BurnSingleUseKey sets used_at iff it is currently null. Exactly one
	// concurrent caller observes true.
	BurnSingleUseKey(keyID string, now time.Time) (bool, error)

	CreateRoundTable(rt *RoundTable) error
	GetRoundTable(id string) (*RoundTable, error)
	UpdateRoundTable(rt *RoundTable) error
	DeleteRoundTable(id string) error
	ListRoundTables() ([]*RoundTable, error)

	SaveDomain(d *Domain) error
	GetDomain(domain string) (*Domain, error)

	CountMessagesByStatus() (map[MessageStatus]int, error)
	CountAgentsByStatus() (map[RegistrationStatus]int, error)

	Close() error
}

// validateAgentID is the shared write-boundary check.
func validateAgentID(id string) error {
	return envelope.ValidateAgentID(id)
}
