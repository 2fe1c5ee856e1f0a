package store

import (
	"sort"
	"sync"
	"time"
)

// Memory is the in-memory Store. A single mutex guards all maps; the atomic
// claim and burn contracts fall out of holding it across select-and-update.
type Memory struct {
	mu          sync.RWMutex
	agents      map[string]*Agent
	agentsByDID map[string]string // did -> agent id
	messages    map[string]*Message
	inboxes     map[string][]string // agent id -> message ids, FIFO
	inboxSeq    map[string]uint64
	groups      map[string]*Group
	keys        map[string]*IssuedKey
	keysByHash  map[string]string // key hash -> key id
	roundTables map[string]*RoundTable
	domains     map[string]*Domain
}

// NewMemory returns an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		agents:      make(map[string]*Agent),
		agentsByDID: make(map[string]string),
		messages:    make(map[string]*Message),
		inboxes:     make(map[string][]string),
		inboxSeq:    make(map[string]uint64),
		groups:      make(map[string]*Group),
		keys:        make(map[string]*IssuedKey),
		keysByHash:  make(map[string]string),
		roundTables: make(map[string]*RoundTable),
		domains:     make(map[string]*Domain),
	}
}

func (s *Memory) CreateAgent(a *Agent) error {
	if err := validateAgentID(a.ID); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.agents[a.ID]; ok {
		return ErrAlreadyExists
	}
	cp := a.Clone()
	s.agents[cp.ID] = cp
	if cp.DID != "" {
		s.agentsByDID[cp.DID] = cp.ID
	}
	return nil
}

func (s *Memory) GetAgent(id string) (*Agent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.agents[id]
	if !ok {
		return nil, ErrNotFound
	}
	return a.Clone(), nil
}

func (s *Memory) GetAgentByDID(did string) (*Agent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.agentsByDID[did]
	if !ok {
		return nil, ErrNotFound
	}
	return s.agents[id].Clone(), nil
}

func (s *Memory) UpdateAgent(a *Agent) error {
	if err := validateAgentID(a.ID); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	old, ok := s.agents[a.ID]
	if !ok {
		return ErrNotFound
	}
	if old.DID != "" && old.DID != a.DID {
		delete(s.agentsByDID, old.DID)
	}
	cp := a.Clone()
	s.agents[cp.ID] = cp
	if cp.DID != "" {
		s.agentsByDID[cp.DID] = cp.ID
	}
	return nil
}

func (s *Memory) DeleteAgent(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.agents[id]
	if !ok {
		return ErrNotFound
	}
	delete(s.agents, id)
	if a.DID != "" {
		delete(s.agentsByDID, a.DID)
	}
	for _, mid := range s.inboxes[id] {
		delete(s.messages, mid)
	}
	delete(s.inboxes, id)
	delete(s.inboxSeq, id)
	return nil
}

func (s *Memory) ListAgents() ([]*Agent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Agent, 0, len(s.agents))
	for _, a := range s.agents {
		out = append(out, a.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *Memory) ListAgentsByTenant(tenantID string) ([]*Agent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Agent
	for _, a := range s.agents {
		if a.TenantID == tenantID {
			out = append(out, a.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *Memory) CreateMessage(m *Message) error {
	if err := validateAgentID(m.To); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.messages[m.ID]; ok {
		return ErrAlreadyExists
	}
	cp := m.Clone()
	s.inboxSeq[cp.To]++
	cp.Seq = s.inboxSeq[cp.To]
	s.messages[cp.ID] = cp
	s.inboxes[cp.To] = append(s.inboxes[cp.To], cp.ID)
	return nil
}

func (s *Memory) GetMessage(id string) (*Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.messages[id]
	if !ok {
		return nil, ErrNotFound
	}
	return m.Clone(), nil
}

func (s *Memory) UpdateMessage(m *Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	old, ok := s.messages[m.ID]
	if !ok {
		return ErrNotFound
	}
	cp := m.Clone()
	cp.Seq = old.Seq
	cp.To = old.To // inbox assignment is immutable
	s.messages[cp.ID] = cp
	return nil
}

func (s *Memory) UpdateMessageIf(m *Message, prev MessageStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	old, ok := s.messages[m.ID]
	if !ok {
		return ErrNotFound
	}
	if old.Status != prev {
		return ErrStatusChanged
	}
	cp := m.Clone()
	cp.Seq = old.Seq
	cp.To = old.To // inbox assignment is immutable
	s.messages[cp.ID] = cp
	return nil
}

func (s *Memory) DeleteMessage(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.messages[id]
	if !ok {
		return ErrNotFound
	}
	delete(s.messages, id)
	box := s.inboxes[m.To]
	for i, mid := range box {
		if mid == id {
			s.inboxes[m.To] = append(box[:i], box[i+1:]...)
			break
		}
	}
	return nil
}

func (s *Memory) GetInbox(agentID string, statuses ...MessageStatus) ([]*Message, error) {
	if err := validateAgentID(agentID); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Message
	for _, mid := range s.inboxes[agentID] {
		m, ok := s.messages[mid]
		if !ok {
			continue
		}
		if len(statuses) > 0 && !hasStatus(statuses, m.Status) {
			continue
		}
		out = append(out, m.Clone())
	}
	return out, nil
}

func (s *Memory) ClaimNext(agentID string, now, leaseUntil time.Time) (*Message, error) {
	if err := validateAgentID(agentID); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, mid := range s.inboxes[agentID] {
		m, ok := s.messages[mid]
		if !ok || !m.Eligible(now) {
			continue
		}
		lease := leaseUntil
		m.Status = MsgLeased
		m.LeaseUntil = &lease
		m.Attempts++
		m.UpdatedAt = now
		return m.Clone(), nil
	}
	return nil, nil
}

func (s *Memory) ListMessagesByGroup(groupID string) ([]*Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Message
	for _, m := range s.messages {
		if m.Envelope.GroupID == groupID {
			out = append(out, m.Clone())
		}
	}
	sortMessagesByCreation(out)
	return out, nil
}

func (s *Memory) ExpireLeases(now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, m := range s.messages {
		if m.Status == MsgLeased && m.LeaseUntil != nil && m.LeaseUntil.Before(now) {
			m.Status = MsgQueued
			m.LeaseUntil = nil
			m.UpdatedAt = now
			n++
		}
	}
	return n, nil
}

func (s *Memory) ExpireMessages(now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, m := range s.messages {
		if m.Status != MsgQueued || m.Envelope.TTLSec <= 0 {
			continue
		}
		if m.CreatedAt.Add(time.Duration(m.Envelope.TTLSec) * time.Second).After(now) {
			continue
		}
		m.Status = MsgExpired
		m.UpdatedAt = now
		n++
	}
	return n, nil
}

func (s *Memory) CleanupExpiredMessages(olderThan time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for id, m := range s.messages {
		if m.Status != MsgExpired && m.Status != MsgAcked {
			continue
		}
		if m.UpdatedAt.After(olderThan) {
			continue
		}
		delete(s.messages, id)
		box := s.inboxes[m.To]
		for i, mid := range box {
			if mid == id {
				s.inboxes[m.To] = append(box[:i], box[i+1:]...)
				break
			}
		}
		n++
	}
	return n, nil
}

func (s *Memory) PurgeExpiredEphemeral(now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, m := range s.messages {
		if m.Status != MsgQueued && m.Status != MsgLeased {
			continue
		}
		if m.ExpiresAt == nil || m.ExpiresAt.After(now) {
			continue
		}
		m.Status = MsgPurged
		m.Envelope.Body = nil
		m.PurgeReason = PurgeTTLExpired
		t := now
		m.PurgedAt = &t
		m.LeaseUntil = nil
		m.UpdatedAt = now
		n++
	}
	return n, nil
}

func (s *Memory) CreateGroup(g *Group) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.groups[g.ID]; ok {
		return ErrAlreadyExists
	}
	s.groups[g.ID] = g.Clone()
	return nil
}

func (s *Memory) GetGroup(id string) (*Group, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	g, ok := s.groups[id]
	if !ok {
		return nil, ErrNotFound
	}
	return g.Clone(), nil
}

func (s *Memory) UpdateGroup(g *Group) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.groups[g.ID]; !ok {
		return ErrNotFound
	}
	s.groups[g.ID] = g.Clone()
	return nil
}

func (s *Memory) DeleteGroup(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.groups[id]; !ok {
		return ErrNotFound
	}
	delete(s.groups, id)
	return nil
}

func (s *Memory) CreateIssuedKey(k *IssuedKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.keys[k.KeyID]; ok {
		return ErrAlreadyExists
	}
	cp := k.Clone()
	s.keys[cp.KeyID] = cp
	s.keysByHash[cp.KeyHash] = cp.KeyID
	return nil
}

func (s *Memory) GetIssuedKeyByHash(hash string) (*IssuedKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.keysByHash[hash]
	if !ok {
		return nil, ErrNotFound
	}
	return s.keys[id].Clone(), nil
}

func (s *Memory) BurnSingleUseKey(keyID string, now time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	k, ok := s.keys[keyID]
	if !ok {
		return false, ErrNotFound
	}
	if k.UsedAt != nil {
		return false, nil
	}
	t := now
	k.UsedAt = &t
	return true, nil
}

func (s *Memory) CreateRoundTable(rt *RoundTable) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.roundTables[rt.ID]; ok {
		return ErrAlreadyExists
	}
	s.roundTables[rt.ID] = rt.Clone()
	return nil
}

func (s *Memory) GetRoundTable(id string) (*RoundTable, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rt, ok := s.roundTables[id]
	if !ok {
		return nil, ErrNotFound
	}
	return rt.Clone(), nil
}

func (s *Memory) UpdateRoundTable(rt *RoundTable) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.roundTables[rt.ID]; !ok {
		return ErrNotFound
	}
	s.roundTables[rt.ID] = rt.Clone()
	return nil
}

func (s *Memory) DeleteRoundTable(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.roundTables[id]; !ok {
		return ErrNotFound
	}
	delete(s.roundTables, id)
	return nil
}

func (s *Memory) ListRoundTables() ([]*RoundTable, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*RoundTable, 0, len(s.roundTables))
	for _, rt := range s.roundTables {
		out = append(out, rt.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *Memory) SaveDomain(d *Domain) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *d
	s.domains[d.Domain] = &cp
	return nil
}

func (s *Memory) GetDomain(domain string) (*Domain, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.domains[domain]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *d
	return &cp, nil
}

func (s *Memory) CountMessagesByStatus() (map[MessageStatus]int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[MessageStatus]int)
	for _, m := range s.messages {
		out[m.Status]++
	}
	return out, nil
}

func (s *Memory) CountAgentsByStatus() (map[RegistrationStatus]int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[RegistrationStatus]int)
	for _, a := range s.agents {
		out[a.Status()]++
	}
	return out, nil
}

func (s *Memory) Close() error { return nil }

func hasStatus(set []MessageStatus, st MessageStatus) bool {
	for _, v := range set {
		if v == st {
			return true
		}
	}
	return false
}
