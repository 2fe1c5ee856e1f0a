package store

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"time"

	bolt "go.etcd.io/bbolt"
)

var (
	bucketAgents      = []byte("agents")
	bucketAgentsByDID = []byte("agents_by_did")
	bucketMessages    = []byte("messages")
	bucketInboxes     = []byte("inboxes") // nested bucket per agent: seq -> message id
	bucketGroups      = []byte("groups")
	bucketKeys        = []byte("issued_keys")
	bucketKeysByHash  = []byte("keys_by_hash")
	bucketRoundTables = []byte("round_tables")
	bucketDomains     = []byte("domains")
)

// Bolt is the bbolt-backed Store. Every mutating contract method runs inside
// a single Update transaction, which is what makes ClaimNext and
// BurnSingleUseKey atomic.
type Bolt struct {
	db *bolt.DB
}

// Open creates or opens the database at path and ensures all buckets exist.
func Open(path string) (*Bolt, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open bolt db: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, b := range [][]byte{bucketAgents, bucketAgentsByDID, bucketMessages, bucketInboxes, bucketGroups, bucketKeys, bucketKeysByHash, bucketRoundTables, bucketDomains} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create buckets: %w", err)
	}

	return &Bolt{db: db}, nil
}

// Close closes the underlying database.
func (s *Bolt) Close() error {
	return s.db.Close()
}

func itob(v uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, v)
	return b
}

func putJSON(b *bolt.Bucket, key []byte, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal record: %w", err)
	}
	return b.Put(key, data)
}

func (s *Bolt) CreateAgent(a *Agent) error {
	if err := validateAgentID(a.ID); err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketAgents)
		if b.Get([]byte(a.ID)) != nil {
			return ErrAlreadyExists
		}
		if err := putJSON(b, []byte(a.ID), a); err != nil {
			return err
		}
		if a.DID != "" {
			return tx.Bucket(bucketAgentsByDID).Put([]byte(a.DID), []byte(a.ID))
		}
		return nil
	})
}

func (s *Bolt) GetAgent(id string) (*Agent, error) {
	var a *Agent
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketAgents).Get([]byte(id))
		if data == nil {
			return ErrNotFound
		}
		a = &Agent{}
		return json.Unmarshal(data, a)
	})
	if err != nil {
		return nil, err
	}
	return a, nil
}

func (s *Bolt) GetAgentByDID(did string) (*Agent, error) {
	var a *Agent
	err := s.db.View(func(tx *bolt.Tx) error {
		id := tx.Bucket(bucketAgentsByDID).Get([]byte(did))
		if id == nil {
			return ErrNotFound
		}
		data := tx.Bucket(bucketAgents).Get(id)
		if data == nil {
			return ErrNotFound
		}
		a = &Agent{}
		return json.Unmarshal(data, a)
	})
	if err != nil {
		return nil, err
	}
	return a, nil
}

func (s *Bolt) UpdateAgent(a *Agent) error {
	if err := validateAgentID(a.ID); err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketAgents)
		data := b.Get([]byte(a.ID))
		if data == nil {
			return ErrNotFound
		}
		var old Agent
		if err := json.Unmarshal(data, &old); err != nil {
			return err
		}
		idx := tx.Bucket(bucketAgentsByDID)
		if old.DID != "" && old.DID != a.DID {
			if err := idx.Delete([]byte(old.DID)); err != nil {
				return err
			}
		}
		if a.DID != "" {
			if err := idx.Put([]byte(a.DID), []byte(a.ID)); err != nil {
				return err
			}
		}
		return putJSON(b, []byte(a.ID), a)
	})
}

func (s *Bolt) DeleteAgent(id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketAgents)
		data := b.Get([]byte(id))
		if data == nil {
			return ErrNotFound
		}
		var a Agent
		if err := json.Unmarshal(data, &a); err != nil {
			return err
		}
		if a.DID != "" {
			if err := tx.Bucket(bucketAgentsByDID).Delete([]byte(a.DID)); err != nil {
				return err
			}
		}
		// Drop the inbox and every message in it.
		inboxes := tx.Bucket(bucketInboxes)
		if box := inboxes.Bucket([]byte(id)); box != nil {
			msgs := tx.Bucket(bucketMessages)
			c := box.Cursor()
			for k, v := c.First(); k != nil; k, v = c.Next() {
				if err := msgs.Delete(v); err != nil {
					return err
				}
			}
			if err := inboxes.DeleteBucket([]byte(id)); err != nil {
				return err
			}
		}
		return b.Delete([]byte(id))
	})
}

func (s *Bolt) ListAgents() ([]*Agent, error) {
	var out []*Agent
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketAgents).ForEach(func(k, v []byte) error {
			var a Agent
			if err := json.Unmarshal(v, &a); err != nil {
				slog.Warn("corrupt entry in agents bucket, skipping", "key", string(k), "error", err)
				return nil
			}
			out = append(out, &a)
			return nil
		})
	})
	return out, err
}

func (s *Bolt) ListAgentsByTenant(tenantID string) ([]*Agent, error) {
	all, err := s.ListAgents()
	if err != nil {
		return nil, err
	}
	var out []*Agent
	for _, a := range all {
		if a.TenantID == tenantID {
			out = append(out, a)
		}
	}
	return out, nil
}

func (s *Bolt) CreateMessage(m *Message) error {
	if err := validateAgentID(m.To); err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		msgs := tx.Bucket(bucketMessages)
		if msgs.Get([]byte(m.ID)) != nil {
			return ErrAlreadyExists
		}
		box, err := tx.Bucket(bucketInboxes).CreateBucketIfNotExists([]byte(m.To))
		if err != nil {
			return err
		}
		seq, err := box.NextSequence()
		if err != nil {
			return err
		}
		cp := m.Clone()
		cp.Seq = seq
		if err := box.Put(itob(seq), []byte(cp.ID)); err != nil {
			return err
		}
		return putJSON(msgs, []byte(cp.ID), cp)
	})
}

func (s *Bolt) GetMessage(id string) (*Message, error) {
	var m *Message
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketMessages).Get([]byte(id))
		if data == nil {
			return ErrNotFound
		}
		m = &Message{}
		return json.Unmarshal(data, m)
	})
	if err != nil {
		return nil, err
	}
	return m, nil
}

func (s *Bolt) UpdateMessage(m *Message) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketMessages)
		data := b.Get([]byte(m.ID))
		if data == nil {
			return ErrNotFound
		}
		var old Message
		if err := json.Unmarshal(data, &old); err != nil {
			return err
		}
		cp := m.Clone()
		cp.Seq = old.Seq
		cp.To = old.To // inbox assignment is immutable
		return putJSON(b, []byte(cp.ID), cp)
	})
}

func (s *Bolt) UpdateMessageIf(m *Message, prev MessageStatus) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketMessages)
		data := b.Get([]byte(m.ID))
		if data == nil {
			return ErrNotFound
		}
		var old Message
		if err := json.Unmarshal(data, &old); err != nil {
			return err
		}
		if old.Status != prev {
			return ErrStatusChanged
		}
		cp := m.Clone()
		cp.Seq = old.Seq
		cp.To = old.To // inbox assignment is immutable
		return putJSON(b, []byte(cp.ID), cp)
	})
}

func (s *Bolt) DeleteMessage(id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return deleteMessageTx(tx, id)
	})
}

func deleteMessageTx(tx *bolt.Tx, id string) error {
	b := tx.Bucket(bucketMessages)
	data := b.Get([]byte(id))
	if data == nil {
		return ErrNotFound
	}
	var m Message
	if err := json.Unmarshal(data, &m); err != nil {
		return err
	}
	if box := tx.Bucket(bucketInboxes).Bucket([]byte(m.To)); box != nil {
		if err := box.Delete(itob(m.Seq)); err != nil {
			return err
		}
	}
	return b.Delete([]byte(id))
}

func (s *Bolt) GetInbox(agentID string, statuses ...MessageStatus) ([]*Message, error) {
	if err := validateAgentID(agentID); err != nil {
		return nil, err
	}
	var out []*Message
	err := s.db.View(func(tx *bolt.Tx) error {
		box := tx.Bucket(bucketInboxes).Bucket([]byte(agentID))
		if box == nil {
			return nil
		}
		msgs := tx.Bucket(bucketMessages)
		c := box.Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			data := msgs.Get(v)
			if data == nil {
				continue
			}
			var m Message
			if err := json.Unmarshal(data, &m); err != nil {
				return err
			}
			if len(statuses) > 0 && !hasStatus(statuses, m.Status) {
				continue
			}
			out = append(out, &m)
		}
		return nil
	})
	return out, err
}

func (s *Bolt) ClaimNext(agentID string, now, leaseUntil time.Time) (*Message, error) {
	if err := validateAgentID(agentID); err != nil {
		return nil, err
	}
	var claimed *Message
	err := s.db.Update(func(tx *bolt.Tx) error {
		box := tx.Bucket(bucketInboxes).Bucket([]byte(agentID))
		if box == nil {
			return nil
		}
		msgs := tx.Bucket(bucketMessages)
		c := box.Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			data := msgs.Get(v)
			if data == nil {
				continue
			}
			var m Message
			if err := json.Unmarshal(data, &m); err != nil {
				return err
			}
			if !m.Eligible(now) {
				continue
			}
			lease := leaseUntil
			m.Status = MsgLeased
			m.LeaseUntil = &lease
			m.Attempts++
			m.UpdatedAt = now
			if err := putJSON(msgs, v, &m); err != nil {
				return err
			}
			claimed = &m
			return nil
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return claimed, nil
}

func (s *Bolt) ListMessagesByGroup(groupID string) ([]*Message, error) {
	var out []*Message
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketMessages).ForEach(func(k, v []byte) error {
			var m Message
			if err := json.Unmarshal(v, &m); err != nil {
				slog.Warn("corrupt entry in messages bucket, skipping", "key", string(k), "error", err)
				return nil
			}
			if m.Envelope.GroupID == groupID {
				out = append(out, &m)
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sortMessagesByCreation(out)
	return out, nil
}

// forEachMessageUpdate applies fn to every message in one transaction and
// writes back the ones fn reports as changed. Corrupt entries are skipped so
// one bad record cannot wedge the sweeps.
func (s *Bolt) forEachMessageUpdate(fn func(m *Message) bool) (int, error) {
	n := 0
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketMessages)
		c := b.Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var m Message
			if err := json.Unmarshal(v, &m); err != nil {
				slog.Warn("corrupt entry in messages bucket, skipping", "key", string(k), "error", err)
				continue
			}
			if !fn(&m) {
				continue
			}
			if err := putJSON(b, k, &m); err != nil {
				return err
			}
			n++
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return n, nil
}

func (s *Bolt) ExpireLeases(now time.Time) (int, error) {
	return s.forEachMessageUpdate(func(m *Message) bool {
		if m.Status != MsgLeased || m.LeaseUntil == nil || !m.LeaseUntil.Before(now) {
			return false
		}
		m.Status = MsgQueued
		m.LeaseUntil = nil
		m.UpdatedAt = now
		return true
	})
}

func (s *Bolt) ExpireMessages(now time.Time) (int, error) {
	return s.forEachMessageUpdate(func(m *Message) bool {
		if m.Status != MsgQueued || m.Envelope.TTLSec <= 0 {
			return false
		}
		if m.CreatedAt.Add(time.Duration(m.Envelope.TTLSec) * time.Second).After(now) {
			return false
		}
		m.Status = MsgExpired
		m.UpdatedAt = now
		return true
	})
}

func (s *Bolt) CleanupExpiredMessages(olderThan time.Time) (int, error) {
	n := 0
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketMessages)
		var doomed []string
		err := b.ForEach(func(k, v []byte) error {
			var m Message
			if err := json.Unmarshal(v, &m); err != nil {
				slog.Warn("corrupt entry in messages bucket, skipping", "key", string(k), "error", err)
				return nil
			}
			if (m.Status == MsgExpired || m.Status == MsgAcked) && !m.UpdatedAt.After(olderThan) {
				doomed = append(doomed, m.ID)
			}
			return nil
		})
		if err != nil {
			return err
		}
		for _, id := range doomed {
			if err := deleteMessageTx(tx, id); err != nil {
				return err
			}
			n++
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return n, nil
}

func (s *Bolt) PurgeExpiredEphemeral(now time.Time) (int, error) {
	return s.forEachMessageUpdate(func(m *Message) bool {
		if m.Status != MsgQueued && m.Status != MsgLeased {
			return false
		}
		if m.ExpiresAt == nil || m.ExpiresAt.After(now) {
			return false
		}
		m.Status = MsgPurged
		m.Envelope.Body = nil
		m.PurgeReason = PurgeTTLExpired
		t := now
		m.PurgedAt = &t
		m.LeaseUntil = nil
		m.UpdatedAt = now
		return true
	})
}

func (s *Bolt) CreateGroup(g *Group) error {
	return s.createRecord(bucketGroups, g.ID, g)
}

func (s *Bolt) GetGroup(id string) (*Group, error) {
	g := &Group{}
	if err := s.getRecord(bucketGroups, id, g); err != nil {
		return nil, err
	}
	return g, nil
}

func (s *Bolt) UpdateGroup(g *Group) error {
	return s.updateRecord(bucketGroups, g.ID, g)
}

func (s *Bolt) DeleteGroup(id string) error {
	return s.deleteRecord(bucketGroups, id)
}

func (s *Bolt) CreateIssuedKey(k *IssuedKey) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketKeys)
		if b.Get([]byte(k.KeyID)) != nil {
			return ErrAlreadyExists
		}
		if err := putJSON(b, []byte(k.KeyID), k); err != nil {
			return err
		}
		return tx.Bucket(bucketKeysByHash).Put([]byte(k.KeyHash), []byte(k.KeyID))
	})
}

func (s *Bolt) GetIssuedKeyByHash(hash string) (*IssuedKey, error) {
	var k *IssuedKey
	err := s.db.View(func(tx *bolt.Tx) error {
		id := tx.Bucket(bucketKeysByHash).Get([]byte(hash))
		if id == nil {
			return ErrNotFound
		}
		data := tx.Bucket(bucketKeys).Get(id)
		if data == nil {
			return ErrNotFound
		}
		k = &IssuedKey{}
		return json.Unmarshal(data, k)
	})
	if err != nil {
		return nil, err
	}
	return k, nil
}

func (s *Bolt) BurnSingleUseKey(keyID string, now time.Time) (bool, error) {
	won := false
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketKeys)
		data := b.Get([]byte(keyID))
		if data == nil {
			return ErrNotFound
		}
		var k IssuedKey
		if err := json.Unmarshal(data, &k); err != nil {
			return err
		}
		if k.UsedAt != nil {
			return nil
		}
		t := now
		k.UsedAt = &t
		won = true
		return putJSON(b, []byte(keyID), &k)
	})
	if err != nil {
		return false, err
	}
	return won, nil
}

func (s *Bolt) CreateRoundTable(rt *RoundTable) error {
	return s.createRecord(bucketRoundTables, rt.ID, rt)
}

func (s *Bolt) GetRoundTable(id string) (*RoundTable, error) {
	rt := &RoundTable{}
	if err := s.getRecord(bucketRoundTables, id, rt); err != nil {
		return nil, err
	}
	return rt, nil
}

func (s *Bolt) UpdateRoundTable(rt *RoundTable) error {
	return s.updateRecord(bucketRoundTables, rt.ID, rt)
}

func (s *Bolt) DeleteRoundTable(id string) error {
	return s.deleteRecord(bucketRoundTables, id)
}

func (s *Bolt) ListRoundTables() ([]*RoundTable, error) {
	var out []*RoundTable
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketRoundTables).ForEach(func(k, v []byte) error {
			var rt RoundTable
			if err := json.Unmarshal(v, &rt); err != nil {
				slog.Warn("corrupt entry in round_tables bucket, skipping", "key", string(k), "error", err)
				return nil
			}
			out = append(out, &rt)
			return nil
		})
	})
	return out, err
}

func (s *Bolt) SaveDomain(d *Domain) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return putJSON(tx.Bucket(bucketDomains), []byte(d.Domain), d)
	})
}

func (s *Bolt) GetDomain(domain string) (*Domain, error) {
	d := &Domain{}
	if err := s.getRecord(bucketDomains, domain, d); err != nil {
		return nil, err
	}
	return d, nil
}

func (s *Bolt) CountMessagesByStatus() (map[MessageStatus]int, error) {
	out := make(map[MessageStatus]int)
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketMessages).ForEach(func(k, v []byte) error {
			var m Message
			if err := json.Unmarshal(v, &m); err != nil {
				slog.Warn("corrupt entry in messages bucket, skipping", "key", string(k), "error", err)
				return nil
			}
			out[m.Status]++
			return nil
		})
	})
	return out, err
}

func (s *Bolt) CountAgentsByStatus() (map[RegistrationStatus]int, error) {
	out := make(map[RegistrationStatus]int)
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketAgents).ForEach(func(k, v []byte) error {
			var a Agent
			if err := json.Unmarshal(v, &a); err != nil {
				slog.Warn("corrupt entry in agents bucket, skipping", "key", string(k), "error", err)
				return nil
			}
			out[a.Status()]++
			return nil
		})
	})
	return out, err
}

func (s *Bolt) createRecord(bucket []byte, id string, v any) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucket)
		if b.Get([]byte(id)) != nil {
			return ErrAlreadyExists
		}
		return putJSON(b, []byte(id), v)
	})
}

func (s *Bolt) getRecord(bucket []byte, id string, v any) error {
	return s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucket).Get([]byte(id))
		if data == nil {
			return ErrNotFound
		}
		return json.Unmarshal(data, v)
	})
}

func (s *Bolt) updateRecord(bucket []byte, id string, v any) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucket)
		if b.Get([]byte(id)) == nil {
			return ErrNotFound
		}
		return putJSON(b, []byte(id), v)
	})
}

func (s *Bolt) deleteRecord(bucket []byte, id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucket)
		if b.Get([]byte(id)) == nil {
			return ErrNotFound
		}
		return b.Delete([]byte(id))
	})
}

func sortMessagesByCreation(msgs []*Message) {
	sort.Slice(msgs, func(i, j int) bool {
		if msgs[i].CreatedAt.Equal(msgs[j].CreatedAt) {
			return msgs[i].ID < msgs[j].ID
		}
		return msgs[i].CreatedAt.Before(msgs[j].CreatedAt)
	})
}
