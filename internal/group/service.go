// Package group implements role-gated multi-agent groups and the fanout of
// group posts into individual inbox deliveries.
package group

import (
	"context"
	"encoding/json"
	"regexp"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/admp-io/admpd/internal/apperr"
	"github.com/admp-io/admpd/internal/clock"
	"github.com/admp-io/admpd/internal/crypto"
	"github.com/admp-io/admpd/internal/envelope"
	"github.com/admp-io/admpd/internal/inbox"
	"github.com/admp-io/admpd/internal/logging"
	"github.com/admp-io/admpd/internal/metrics"
	"github.com/admp-io/admpd/internal/store"
)

const (
	// MaxNameLen bounds group names.
	MaxNameLen = 100
	// MaxSubjectLen bounds post subjects.
	MaxSubjectLen = 200
	// MaxBodyBytes bounds the serialized post body.
	MaxBodyBytes = 1 << 20
	// TypeGroupMessage is the envelope type of fanned-out posts.
	TypeGroupMessage = "group.message"
)

var namePattern = regexp.MustCompile(`^[A-Za-z0-9 ._-]+$`)

// ValidateName enforces the group and round-table naming rules.
func ValidateName(name string) error {
	if name == "" {
		return apperr.E(apperr.CodeInvalidName, "name must not be empty")
	}
	if len(name) > MaxNameLen {
		return apperr.Ef(apperr.CodeNameTooLong, "name exceeds %d characters", MaxNameLen)
	}
	if !namePattern.MatchString(name) {
		return apperr.E(apperr.CodeInvalidNameChars, "name contains characters outside [A-Za-z0-9 ._-]")
	}
	return nil
}

// Service owns group state and the post fanout.
type Service struct {
	store  store.Store
	log    *logging.Logger
	engine *inbox.Engine
	clock  clock.Clock
}

// NewService wires a Service.
func NewService(st store.Store, log *logging.Logger, engine *inbox.Engine, clk clock.Clock) *Service {
	return &Service{store: st, log: log, engine: engine, clock: clk}
}

// CreateRequest is the group creation input.
type CreateRequest struct {
	Name     string              `json:"name"`
	Access   store.GroupAccess   `json:"access,omitempty"`
	JoinKey  string              `json:"join_key,omitempty"`
	Settings store.GroupSettings `json:"settings"`
}

// Create registers a group with the caller as owner.
func (s *Service) Create(owner string, req CreateRequest) (*store.Group, error) {
	if err := ValidateName(req.Name); err != nil {
		return nil, err
	}
	access := req.Access
	if access == "" {
		access = store.AccessOpen
	}
	switch access {
	case store.AccessOpen, store.AccessKey, store.AccessInviteOnly:
	default:
		return nil, apperr.Ef(apperr.CodeSendFailed, "unknown access type %q", access)
	}
	if access == store.AccessKey && req.JoinKey == "" {
		return nil, apperr.E(apperr.CodeSendFailed, "key-protected groups need a join key")
	}

	now := s.clock.Now()
	g := &store.Group{
		ID:     uuid.NewString(),
		Name:   req.Name,
		Access: access,
		Members: []store.GroupMember{
			{AgentID: owner, Role: store.RoleOwner, JoinedAt: now},
		},
		Settings:  req.Settings,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if access == store.AccessKey {
		g.JoinKeyHash = crypto.SHA256Hex([]byte(req.JoinKey))
	}
	if err := s.store.CreateGroup(g); err != nil {
		return nil, apperr.Wrap(apperr.CodeSendFailed, "group could not be stored", err)
	}
	return g, nil
}

// Get returns the full group record.
func (s *Service) Get(id string) (*store.Group, error) {
	g, err := s.store.GetGroup(id)
	if err != nil {
		return nil, apperr.Ef(apperr.CodeGroupNotFound, "group %s not found", id)
	}
	return g, nil
}

// Projection is the public view non-members see.
type Projection struct {
	ID          string            `json:"id"`
	Name        string            `json:"name"`
	Access      store.GroupAccess `json:"access_type"`
	MemberCount int               `json:"member_count"`
}

// Project reduces a group to its public fields.
func Project(g *store.Group) Projection {
	return Projection{ID: g.ID, Name: g.Name, Access: g.Access, MemberCount: len(g.Members)}
}

// UpdateSettings replaces the group settings. Admin or owner only.
func (s *Service) UpdateSettings(id, actor string, settings store.GroupSettings) (*store.Group, error) {
	g, err := s.Get(id)
	if err != nil {
		return nil, err
	}
	if !hasRole(g, actor, store.RoleOwner, store.RoleAdmin) {
		return nil, apperr.E(apperr.CodeForbidden, "only owners and admins may update group settings")
	}
	g.Settings = settings
	g.UpdatedAt = s.clock.Now()
	if err := s.store.UpdateGroup(g); err != nil {
		return nil, apperr.Wrap(apperr.CodeInternal, "group update failed", err)
	}
	return g, nil
}

// Delete removes the group. Owner only.
func (s *Service) Delete(id, actor string) error {
	g, err := s.Get(id)
	if err != nil {
		return err
	}
	if g.Owner() != actor {
		return apperr.E(apperr.CodeForbidden, "only the owner may delete a group")
	}
	if err := s.store.DeleteGroup(id); err != nil {
		return apperr.Wrap(apperr.CodeInternal, "group delete failed", err)
	}
	return nil
}

// Join adds the caller to the group under its access policy.
func (s *Service) Join(id, agentID, joinKey string) (*store.Group, error) {
	g, err := s.Get(id)
	if err != nil {
		return nil, err
	}
	if _, ok := g.Member(agentID); ok {
		return g, nil
	}
	switch g.Access {
	case store.AccessOpen:
	case store.AccessKey:
		if !crypto.ConstantTimeEqual(crypto.SHA256Hex([]byte(joinKey)), g.JoinKeyHash) {
			return nil, apperr.E(apperr.CodeForbidden, "join key does not match")
		}
	case store.AccessInviteOnly:
		return nil, apperr.E(apperr.CodeForbidden, "group is invite-only")
	}
	return s.addMember(g, agentID, store.RoleMember)
}

// AddMember enrolls target with the given role. Owners may add admins and
// members; admins may add members.
func (s *Service) AddMember(id, actor, target string, role store.GroupRole) (*store.Group, error) {
	g, err := s.Get(id)
	if err != nil {
		return nil, err
	}
	switch role {
	case store.RoleAdmin:
		if g.Owner() != actor {
			return nil, apperr.E(apperr.CodeForbidden, "only the owner may add admins")
		}
	case store.RoleMember, "":
		role = store.RoleMember
		if !hasRole(g, actor, store.RoleOwner, store.RoleAdmin) {
			return nil, apperr.E(apperr.CodeForbidden, "only owners and admins may add members")
		}
	default:
		return nil, apperr.Ef(apperr.CodeSendFailed, "unknown role %q", role)
	}
	if _, err := s.store.GetAgent(target); err != nil {
		return nil, apperr.Ef(apperr.CodeAgentNotFound, "agent %s not found", target)
	}
	if _, ok := g.Member(target); ok {
		return g, nil
	}
	return s.addMember(g, target, role)
}

// RemoveMember removes target. Owners and admins only; the owner cannot be
// removed.
func (s *Service) RemoveMember(id, actor, target string) (*store.Group, error) {
	g, err := s.Get(id)
	if err != nil {
		return nil, err
	}
	if !hasRole(g, actor, store.RoleOwner, store.RoleAdmin) {
		return nil, apperr.E(apperr.CodeForbidden, "only owners and admins may remove members")
	}
	if g.Owner() == target {
		return nil, apperr.E(apperr.CodeForbidden, "the owner cannot be removed")
	}
	return s.dropMember(g, target)
}

// Leave removes the caller from the group. The owner cannot leave.
func (s *Service) Leave(id, agentID string) (*store.Group, error) {
	g, err := s.Get(id)
	if err != nil {
		return nil, err
	}
	if g.Owner() == agentID {
		return nil, apperr.E(apperr.CodeForbidden, "the owner cannot leave the group")
	}
	if _, ok := g.Member(agentID); !ok {
		return nil, apperr.E(apperr.CodeForbidden, "not a member of this group")
	}
	return s.dropMember(g, agentID)
}

// PostResult reports the fanout of one group post.
type PostResult struct {
	GroupMessageID string   `json:"group_message_id"`
	MessageIDs     []string `json:"message_ids"`
	DeliveredTo    []string `json:"delivered_to"`
}

// Post fans a message out to every member except the sender. Individual
// delivery failures are logged and skipped so one bad member does not block
// the rest.
func (s *Service) Post(ctx context.Context, id, sender, subject string, body json.RawMessage) (*PostResult, error) {
	g, err := s.Get(id)
	if err != nil {
		return nil, err
	}
	if _, ok := g.Member(sender); !ok {
		return nil, apperr.E(apperr.CodeForbidden, "only members may post")
	}
	if subject == "" || len(subject) > MaxSubjectLen {
		return nil, apperr.Ef(apperr.CodeSendFailed, "subject must be 1..%d characters", MaxSubjectLen)
	}
	if len(body) > MaxBodyBytes {
		return nil, apperr.Ef(apperr.CodeBodyTooLarge, "body exceeds %d bytes", MaxBodyBytes)
	}

	res := &PostResult{GroupMessageID: uuid.NewString()}
	now := s.clock.Now()
	var opts inbox.SendOptions
	if g.Settings.MessageTTLSec > 0 {
		opts.TTL = strconv.FormatInt(g.Settings.MessageTTLSec, 10)
	}
	for _, m := range g.Members {
		if m.AgentID == sender {
			continue
		}
		env := &envelope.Envelope{
			Version:        envelope.Version,
			Type:           TypeGroupMessage,
			From:           sender,
			To:             m.AgentID,
			Subject:        subject,
			Timestamp:      now.UTC().Format(time.RFC3339Nano),
			Body:           body,
			GroupID:        g.ID,
			GroupMessageID: res.GroupMessageID,
		}
		sent, err := s.engine.Send(ctx, env, opts)
		if err != nil {
			s.log.Warn("group fanout delivery skipped",
				"group_id", g.ID,
				"member", m.AgentID,
				"error", err)
			continue
		}
		res.MessageIDs = append(res.MessageIDs, sent.MessageID)
		res.DeliveredTo = append(res.DeliveredTo, m.AgentID)
		metrics.GroupFanout.Inc()
	}
	return res, nil
}

// History returns the group's logical messages, one entry per
// group_message_id, oldest first. Members only.
func (s *Service) History(id, agentID string) ([]*store.Message, error) {
	g, err := s.Get(id)
	if err != nil {
		return nil, err
	}
	if _, ok := g.Member(agentID); !ok {
		return nil, apperr.E(apperr.CodeForbidden, "only members may read the history")
	}
	msgs, err := s.store.ListMessagesByGroup(id)
	if err != nil {
		return nil, apperr.Wrap(apperr.CodeInternal, "history listing failed", err)
	}
	// The store returns creation order; dedup keeps the first copy of each
	// logical message.
	seen := map[string]bool{}
	out := msgs[:0]
	for _, m := range msgs {
		if m.GroupMessageID != "" && seen[m.GroupMessageID] {
			continue
		}
		seen[m.GroupMessageID] = true
		out = append(out, m)
	}
	return out, nil
}

func (s *Service) addMember(g *store.Group, agentID string, role store.GroupRole) (*store.Group, error) {
	if g.Settings.MaxMembers > 0 && len(g.Members) >= g.Settings.MaxMembers {
		return nil, apperr.E(apperr.CodeForbidden, "group is full")
	}
	g.Members = append(g.Members, store.GroupMember{
		AgentID:  agentID,
		Role:     role,
		JoinedAt: s.clock.Now(),
	})
	g.UpdatedAt = s.clock.Now()
	if err := s.store.UpdateGroup(g); err != nil {
		return nil, apperr.Wrap(apperr.CodeInternal, "group update failed", err)
	}
	return g, nil
}

func (s *Service) dropMember(g *store.Group, agentID string) (*store.Group, error) {
	for i, m := range g.Members {
		if m.AgentID == agentID {
			g.Members = append(g.Members[:i], g.Members[i+1:]...)
			break
		}
	}
	g.UpdatedAt = s.clock.Now()
	if err := s.store.UpdateGroup(g); err != nil {
		return nil, apperr.Wrap(apperr.CodeInternal, "group update failed", err)
	}
	return g, nil
}

func hasRole(g *store.Group, agentID string, roles ...store.GroupRole) bool {
	m, ok := g.Member(agentID)
	if !ok {
		return false
	}
	for _, r := range roles {
		if m.Role == r {
			return true
		}
	}
	return false
}
