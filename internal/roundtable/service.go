// Package roundtable implements short-lived deliberation sessions layered on
// top of groups: create, speak, resolve, plus the expiry and purge sweeps.
package roundtable

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/admp-io/admpd/internal/apperr"
	"github.com/admp-io/admpd/internal/clock"
	"github.com/admp-io/admpd/internal/envelope"
	"github.com/admp-io/admpd/internal/events"
	"github.com/admp-io/admpd/internal/group"
	"github.com/admp-io/admpd/internal/inbox"
	"github.com/admp-io/admpd/internal/logging"
	"github.com/admp-io/admpd/internal/store"
)

const (
	// MaxTopicLen bounds topic and goal.
	MaxTopicLen = 500
	// MaxParticipants caps the invite list.
	MaxParticipants = 20
	// MaxTimeoutMinutes is one week.
	MaxTimeoutMinutes = 10080
	// TypeNotification is the envelope type of expiry notices.
	TypeNotification = "notification"
)

// Service owns round-table state.
type Service struct {
	store  store.Store
	log    *logging.Logger
	groups *group.Service
	engine *inbox.Engine
	bus    *events.Bus
	clock  clock.Clock
}

// NewService wires a Service.
func NewService(st store.Store, log *logging.Logger, groups *group.Service, engine *inbox.Engine, bus *events.Bus, clk clock.Clock) *Service {
	return &Service{store: st, log: log, groups: groups, engine: engine, bus: bus, clock: clk}
}

// CreateRequest is the session creation input.
type CreateRequest struct {
	Topic          string   `json:"topic"`
	Goal           string   `json:"goal"`
	Participants   []string `json:"participants"`
	TimeoutMinutes int      `json:"timeout_minutes"`
}

// CreateResult reports the session and any invitees that could not enroll.
type CreateResult struct {
	RoundTable           *store.RoundTable `json:"round_table"`
	ExcludedParticipants []string          `json:"excluded_participants,omitempty"`
}

// Create validates the request, builds the backing group, enrolls
// participants and opens the session. Unknown participants are dropped and
// reported; if nobody enrolls the group is rolled back and the call fails.
func (s *Service) Create(facilitator string, req CreateRequest) (*CreateResult, error) {
	if req.Topic == "" || len(req.Topic) > MaxTopicLen {
		return nil, apperr.Ef(apperr.CodeCreateRoundTable, "topic must be 1..%d characters", MaxTopicLen)
	}
	if len(req.Goal) > MaxTopicLen {
		return nil, apperr.Ef(apperr.CodeCreateRoundTable, "goal exceeds %d characters", MaxTopicLen)
	}
	if req.TimeoutMinutes < 1 || req.TimeoutMinutes > MaxTimeoutMinutes {
		return nil, apperr.Ef(apperr.CodeCreateRoundTable, "timeout must be 1..%d minutes", MaxTimeoutMinutes)
	}

	participants := dedup(req.Participants)
	if len(participants) == 0 || len(participants) > MaxParticipants {
		return nil, apperr.Ef(apperr.CodeCreateRoundTable, "participants must be 1..%d agents", MaxParticipants)
	}
	for _, p := range participants {
		if p == facilitator {
			return nil, apperr.E(apperr.CodeCreateRoundTable, "the facilitator is enrolled implicitly and must not appear in the participant list")
		}
	}

	id := "rt_" + uuid.NewString()
	g, err := s.groups.Create(facilitator, group.CreateRequest{
		Name:   "roundtable-" + id,
		Access: store.AccessInviteOnly,
		Settings: store.GroupSettings{
			MaxMembers: len(participants) + 1,
		},
	})
	if err != nil {
		return nil, apperr.Wrap(apperr.CodeCreateRoundTable, "backing group creation failed", err)
	}

	var enrolled, excluded []string
	for _, p := range participants {
		if _, err := s.groups.AddMember(g.ID, facilitator, p, store.RoleMember); err != nil {
			excluded = append(excluded, p)
			continue
		}
		enrolled = append(enrolled, p)
	}
	if len(enrolled) == 0 {
		if err := s.groups.Delete(g.ID, facilitator); err != nil {
			s.log.Warn("backing group rollback failed", "group_id", g.ID, "error", err)
		}
		return nil, apperr.E(apperr.CodeCreateRoundTable, "no participant could be enrolled")
	}

	now := s.clock.Now()
	rt := &store.RoundTable{
		ID:           id,
		Facilitator:  facilitator,
		Participants: enrolled,
		Topic:        req.Topic,
		Goal:         req.Goal,
		Status:       store.RTOpen,
		ExpiresAt:    now.Add(time.Duration(req.TimeoutMinutes) * time.Minute),
		GroupID:      g.ID,
		CreatedAt:    now,
	}
	if err := s.store.CreateRoundTable(rt); err != nil {
		if derr := s.groups.Delete(g.ID, facilitator); derr != nil {
			s.log.Warn("backing group rollback failed", "group_id", g.ID, "error", derr)
		}
		return nil, apperr.Wrap(apperr.CodeCreateRoundTable, "session could not be stored", err)
	}
	return &CreateResult{RoundTable: rt, ExcludedParticipants: excluded}, nil
}

// Get returns the session.
func (s *Service) Get(id string) (*store.RoundTable, error) {
	rt, err := s.store.GetRoundTable(id)
	if err != nil {
		return nil, apperr.Ef(apperr.CodeRoundTableNotFound, "round table %s not found", id)
	}
	return rt, nil
}

// Speak appends a thread entry. Open sessions only; enrolled participants and
// the facilitator only; the thread is capped.
func (s *Service) Speak(id, agentID string, content json.RawMessage) (*store.RoundTable, error) {
	rt, err := s.Get(id)
	if err != nil {
		return nil, err
	}
	if rt.Status != store.RTOpen {
		return nil, apperr.Ef(apperr.CodeRoundTableClosed, "round table is %s", rt.Status)
	}
	if !enrolledIn(rt, agentID) {
		return nil, apperr.E(apperr.CodeForbidden, "only the facilitator and enrolled participants may speak")
	}
	if len(rt.Thread) >= store.MaxThreadEntries {
		return nil, apperr.Ef(apperr.CodeRoundTableThreadFull, "thread is capped at %d entries", store.MaxThreadEntries)
	}
	rt.Thread = append(rt.Thread, store.ThreadEntry{
		From:    agentID,
		Content: content,
		At:      s.clock.Now(),
	})
	if err := s.store.UpdateRoundTable(rt); err != nil {
		return nil, apperr.Wrap(apperr.CodeInternal, "thread update failed", err)
	}
	return rt, nil
}

// Resolve closes the session with an outcome. Facilitator only.
func (s *Service) Resolve(id, actor, outcome string) (*store.RoundTable, error) {
	rt, err := s.Get(id)
	if err != nil {
		return nil, err
	}
	if rt.Facilitator != actor {
		return nil, apperr.E(apperr.CodeForbidden, "only the facilitator may resolve")
	}
	if rt.Status != store.RTOpen {
		return nil, apperr.Ef(apperr.CodeRoundTableClosed, "round table is %s", rt.Status)
	}
	if outcome == "" {
		return nil, apperr.E(apperr.CodeSendFailed, "an outcome is required")
	}
	now := s.clock.Now()
	rt.Status = store.RTResolved
	rt.Outcome = outcome
	rt.FinishedAt = &now
	if err := s.store.UpdateRoundTable(rt); err != nil {
		return nil, apperr.Wrap(apperr.CodeInternal, "resolve failed", err)
	}
	return rt, nil
}

// ExpireDue marks timed-out open sessions as expired and notifies the
// facilitator and every participant, including a self-addressed copy to the
// facilitator. Returns the number of sessions expired.
func (s *Service) ExpireDue(ctx context.Context, now time.Time) (int, error) {
	all, err := s.store.ListRoundTables()
	if err != nil {
		return 0, err
	}
	n := 0
	for _, rt := range all {
		if rt.Status != store.RTOpen || rt.ExpiresAt.After(now) {
			continue
		}
		rt.Status = store.RTExpired
		t := now
		rt.FinishedAt = &t
		if err := s.store.UpdateRoundTable(rt); err != nil {
			s.log.Warn("round table expiry update failed", "id", rt.ID, "error", err)
			continue
		}
		s.notifyExpiry(ctx, rt, now)
		s.bus.Publish(events.Event{
			Type:      events.EventRoundTableClosed,
			AgentID:   rt.Facilitator,
			Detail:    rt.ID,
			Timestamp: now,
		})
		n++
	}
	return n, nil
}

// PurgeFinished deletes resolved or expired sessions (and their backing
// groups) whose FinishedAt is older than the retention window.
func (s *Service) PurgeFinished(olderThan time.Time) (int, error) {
	all, err := s.store.ListRoundTables()
	if err != nil {
		return 0, err
	}
	n := 0
	for _, rt := range all {
		if rt.FinishedAt == nil || rt.FinishedAt.After(olderThan) {
			continue
		}
		if err := s.store.DeleteRoundTable(rt.ID); err != nil {
			s.log.Warn("round table purge failed", "id", rt.ID, "error", err)
			continue
		}
		if rt.GroupID != "" {
			if err := s.groups.Delete(rt.GroupID, rt.Facilitator); err != nil {
				s.log.Warn("backing group purge failed", "group_id", rt.GroupID, "error", err)
			}
		}
		n++
	}
	return n, nil
}

func (s *Service) notifyExpiry(ctx context.Context, rt *store.RoundTable, now time.Time) {
	body, _ := json.Marshal(map[string]string{
		"round_table_id": rt.ID,
		"reason":         "timeout",
	})
	recipients := append([]string{rt.Facilitator}, rt.Participants...)
	for _, to := range recipients {
		env := &envelope.Envelope{
			Version:   envelope.Version,
			Type:      TypeNotification,
			From:      rt.Facilitator,
			To:        to,
			Subject:   fmt.Sprintf("Round table %s expired", rt.ID),
			Timestamp: now.UTC().Format(time.RFC3339Nano),
			Body:      body,
		}
		if _, err := s.engine.Send(ctx, env, inbox.SendOptions{}); err != nil {
			s.log.Warn("expiry notification skipped", "round_table", rt.ID, "to", to, "error", err)
		}
	}
}

func enrolledIn(rt *store.RoundTable, agentID string) bool {
	if rt.Facilitator == agentID {
		return true
	}
	for _, p := range rt.Participants {
		if p == agentID {
			return true
		}
	}
	return false
}

func dedup(in []string) []string {
	seen := make(map[string]bool, len(in))
	var out []string
	for _, s := range in {
		if s == "" || seen[s] {
			continue
		}
		seen[s] = true
		out = append(out, s)
	}
	return out
}
