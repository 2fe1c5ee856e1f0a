package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/admp-io/admpd/internal/apperr"
	"github.com/admp-io/admpd/internal/envelope"
)

// testStores runs fn once per Store implementation. The two backends must be
// behaviourally identical, so every contract test goes through here.
func testStores(t *testing.T, fn func(t *testing.T, s Store)) {
	t.Helper()
	t.Run("memory", func(t *testing.T) {
		fn(t, NewMemory())
	})
	t.Run("bolt", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "test.db")
		s, err := Open(path)
		if err != nil {
			t.Fatalf("Open(%q): %v", path, err)
		}
		t.Cleanup(func() { s.Close() })
		fn(t, s)
	})
}

func testAgent(id string) *Agent {
	now := time.Now().UTC()
	return &Agent{
		ID:               id,
		RegistrationMode: ModeLegacy,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
}

func testMessage(id, to, from string, createdAt time.Time) *Message {
	return &Message{
		ID:   id,
		To:   to,
		From: from,
		Envelope: envelope.Envelope{
			Version:   envelope.Version,
			From:      from,
			To:        to,
			Subject:   "test",
			Timestamp: createdAt.Format(time.RFC3339),
			Body:      json.RawMessage(`{"n":1}`),
		},
		Status:    MsgQueued,
		CreatedAt: createdAt,
		UpdatedAt: createdAt,
	}
}

func TestAgentCRUD(t *testing.T) {
	testStores(t, func(t *testing.T, s Store) {
		a := testAgent("alice")
		a.Metadata = map[string]string{"team": "research"}
		if err := s.CreateAgent(a); err != nil {
			t.Fatalf("CreateAgent: %v", err)
		}
		if err := s.CreateAgent(a); !errors.Is(err, ErrAlreadyExists) {
			t.Errorf("duplicate create: got %v, want ErrAlreadyExists", err)
		}

		got, err := s.GetAgent("alice")
		if err != nil {
			t.Fatalf("GetAgent: %v", err)
		}
		if got.ID != "alice" || got.Metadata["team"] != "research" {
			t.Errorf("got %+v, want the stored agent back", got)
		}

		got.TrustedAgents = []string{"bob"}
		if err := s.UpdateAgent(got); err != nil {
			t.Fatalf("UpdateAgent: %v", err)
		}
		got, err = s.GetAgent("alice")
		if err != nil {
			t.Fatal(err)
		}
		if len(got.TrustedAgents) != 1 || got.TrustedAgents[0] != "bob" {
			t.Errorf("trusted agents = %v, want [bob]", got.TrustedAgents)
		}

		if err := s.DeleteAgent("alice"); err != nil {
			t.Fatalf("DeleteAgent: %v", err)
		}
		if _, err := s.GetAgent("alice"); !errors.Is(err, ErrNotFound) {
			t.Errorf("get after delete: got %v, want ErrNotFound", err)
		}
		if err := s.DeleteAgent("alice"); !errors.Is(err, ErrNotFound) {
			t.Errorf("double delete: got %v, want ErrNotFound", err)
		}
		if err := s.UpdateAgent(testAgent("ghost")); !errors.Is(err, ErrNotFound) {
			t.Errorf("update missing: got %v, want ErrNotFound", err)
		}
	})
}

func TestAgentDIDIndex(t *testing.T) {
	testStores(t, func(t *testing.T, s Store) {
		a := testAgent("carol")
		a.DID = "did:seed:z6MkExample"
		if err := s.CreateAgent(a); err != nil {
			t.Fatalf("CreateAgent: %v", err)
		}

		got, err := s.GetAgentByDID("did:seed:z6MkExample")
		if err != nil {
			t.Fatalf("GetAgentByDID: %v", err)
		}
		if got.ID != "carol" {
			t.Errorf("resolved agent = %q, want carol", got.ID)
		}

		// Rotating the DID must move the index entry.
		got.DID = "did:seed:z6MkRotated"
		if err := s.UpdateAgent(got); err != nil {
			t.Fatalf("UpdateAgent: %v", err)
		}
		if _, err := s.GetAgentByDID("did:seed:z6MkExample"); !errors.Is(err, ErrNotFound) {
			t.Errorf("stale DID lookup: got %v, want ErrNotFound", err)
		}
		if _, err := s.GetAgentByDID("did:seed:z6MkRotated"); err != nil {
			t.Errorf("new DID lookup: %v", err)
		}

		if err := s.DeleteAgent("carol"); err != nil {
			t.Fatal(err)
		}
		if _, err := s.GetAgentByDID("did:seed:z6MkRotated"); !errors.Is(err, ErrNotFound) {
			t.Errorf("DID lookup after delete: got %v, want ErrNotFound", err)
		}
	})
}

func TestAgentIDValidatedOnWrite(t *testing.T) {
	testStores(t, func(t *testing.T, s Store) {
		for _, id := range []string{"", "has space", "ctl\x01char", string(make([]byte, 256))} {
			if err := s.CreateAgent(testAgent(id)); !apperr.Is(err, apperr.CodeInvalidAgentID) {
				t.Errorf("CreateAgent(%q): got %v, want INVALID_AGENT_ID", id, err)
			}
		}
		// Shadow identifiers carry path separators and must still be storable.
		if err := s.CreateAgent(testAgent("did-web:example.com/agents/bot")); err != nil {
			t.Errorf("CreateAgent(shadow id): %v", err)
		}

		now := time.Now().UTC()
		if err := s.CreateMessage(testMessage("m1", "bad recipient", "alice", now)); !apperr.Is(err, apperr.CodeInvalidAgentID) {
			t.Errorf("CreateMessage with bad recipient: got %v, want INVALID_AGENT_ID", err)
		}
		if _, err := s.GetInbox("bad recipient"); !apperr.Is(err, apperr.CodeInvalidAgentID) {
			t.Errorf("GetInbox with bad agent id: got %v, want INVALID_AGENT_ID", err)
		}
	})
}

func TestDeleteAgentDropsInbox(t *testing.T) {
	testStores(t, func(t *testing.T, s Store) {
		if err := s.CreateAgent(testAgent("dave")); err != nil {
			t.Fatal(err)
		}
		now := time.Now().UTC()
		for i := 0; i < 3; i++ {
			if err := s.CreateMessage(testMessage(fmt.Sprintf("m%d", i), "dave", "alice", now)); err != nil {
				t.Fatalf("CreateMessage: %v", err)
			}
		}

		if err := s.DeleteAgent("dave"); err != nil {
			t.Fatalf("DeleteAgent: %v", err)
		}
		for i := 0; i < 3; i++ {
			if _, err := s.GetMessage(fmt.Sprintf("m%d", i)); !errors.Is(err, ErrNotFound) {
				t.Errorf("message m%d survived agent deletion: %v", i, err)
			}
		}
		inbox, err := s.GetInbox("dave")
		if err != nil {
			t.Fatal(err)
		}
		if len(inbox) != 0 {
			t.Errorf("inbox has %d messages after delete, want 0", len(inbox))
		}
	})
}

func TestMessageCRUD(t *testing.T) {
	testStores(t, func(t *testing.T, s Store) {
		now := time.Now().UTC()
		m := testMessage("msg-1", "erin", "frank", now)
		if err := s.CreateMessage(m); err != nil {
			t.Fatalf("CreateMessage: %v", err)
		}
		if err := s.CreateMessage(m); !errors.Is(err, ErrAlreadyExists) {
			t.Errorf("duplicate create: got %v, want ErrAlreadyExists", err)
		}

		got, err := s.GetMessage("msg-1")
		if err != nil {
			t.Fatalf("GetMessage: %v", err)
		}
		if got.To != "erin" || got.Status != MsgQueued {
			t.Errorf("got to=%q status=%q, want erin/queued", got.To, got.Status)
		}
		if got.Seq == 0 {
			t.Error("expected a nonzero FIFO sequence to be assigned at create")
		}

		if err := s.DeleteMessage("msg-1"); err != nil {
			t.Fatalf("DeleteMessage: %v", err)
		}
		if _, err := s.GetMessage("msg-1"); !errors.Is(err, ErrNotFound) {
			t.Errorf("get after delete: got %v, want ErrNotFound", err)
		}
		if err := s.DeleteMessage("msg-1"); !errors.Is(err, ErrNotFound) {
			t.Errorf("double delete: got %v, want ErrNotFound", err)
		}
	})
}

func TestUpdateMessagePreservesInboxAssignment(t *testing.T) {
	testStores(t, func(t *testing.T, s Store) {
		now := time.Now().UTC()
		if err := s.CreateMessage(testMessage("msg-1", "erin", "frank", now)); err != nil {
			t.Fatal(err)
		}
		created, err := s.GetMessage("msg-1")
		if err != nil {
			t.Fatal(err)
		}

		// A caller must not be able to move a message between inboxes or
		// rewrite its FIFO position through Update.
		created.To = "mallory"
		created.Seq = 9999
		created.Status = MsgAcked
		if err := s.UpdateMessage(created); err != nil {
			t.Fatalf("UpdateMessage: %v", err)
		}

		got, err := s.GetMessage("msg-1")
		if err != nil {
			t.Fatal(err)
		}
		if got.To != "erin" {
			t.Errorf("to = %q after update, want erin", got.To)
		}
		if got.Seq == 9999 {
			t.Error("update rewrote the FIFO sequence")
		}
		if got.Status != MsgAcked {
			t.Errorf("status = %q, want acked", got.Status)
		}
	})
}

func TestUpdateMessageIf(t *testing.T) {
	testStores(t, func(t *testing.T, s Store) {
		now := time.Now().UTC()
		m := testMessage("msg-1", "erin", "frank", now)
		if err := s.CreateMessage(m); err != nil {
			t.Fatal(err)
		}

		t.Run("matching status applies the update", func(t *testing.T) {
			m.Status = MsgLeased
			if err := s.UpdateMessageIf(m, MsgQueued); err != nil {
				t.Fatal(err)
			}
			got, _ := s.GetMessage("msg-1")
			if got.Status != MsgLeased {
				t.Errorf("status = %q, want leased", got.Status)
			}
		})

		t.Run("stale expectation is ErrStatusChanged and leaves the record", func(t *testing.T) {
			m.Status = MsgAcked
			if err := s.UpdateMessageIf(m, MsgQueued); !errors.Is(err, ErrStatusChanged) {
				t.Fatalf("got %v, want ErrStatusChanged", err)
			}
			got, _ := s.GetMessage("msg-1")
			if got.Status != MsgLeased {
				t.Errorf("lost update was applied: status = %q", got.Status)
			}
		})

		t.Run("missing message is ErrNotFound", func(t *testing.T) {
			if err := s.UpdateMessageIf(testMessage("ghost", "erin", "frank", now), MsgQueued); !errors.Is(err, ErrNotFound) {
				t.Errorf("got %v, want ErrNotFound", err)
			}
		})
	})
}

func TestInboxFIFOOrder(t *testing.T) {
	testStores(t, func(t *testing.T, s Store) {
		now := time.Now().UTC()
		for i := 0; i < 5; i++ {
			m := testMessage(fmt.Sprintf("m%d", i), "grace", "heidi", now.Add(time.Duration(i)*time.Second))
			if err := s.CreateMessage(m); err != nil {
				t.Fatalf("CreateMessage m%d: %v", i, err)
			}
		}

		inbox, err := s.GetInbox("grace")
		if err != nil {
			t.Fatalf("GetInbox: %v", err)
		}
		if len(inbox) != 5 {
			t.Fatalf("got %d messages, want 5", len(inbox))
		}
		for i, m := range inbox {
			if want := fmt.Sprintf("m%d", i); m.ID != want {
				t.Errorf("inbox[%d] = %q, want %q", i, m.ID, want)
			}
		}
	})
}

func TestGetInboxStatusFilter(t *testing.T) {
	testStores(t, func(t *testing.T, s Store) {
		now := time.Now().UTC()
		statuses := []MessageStatus{MsgQueued, MsgLeased, MsgAcked, MsgExpired}
		for i, st := range statuses {
			m := testMessage(fmt.Sprintf("m%d", i), "ivan", "judy", now)
			m.Status = st
			if err := s.CreateMessage(m); err != nil {
				t.Fatal(err)
			}
		}

		got, err := s.GetInbox("ivan", MsgQueued, MsgLeased)
		if err != nil {
			t.Fatalf("GetInbox: %v", err)
		}
		if len(got) != 2 {
			t.Fatalf("got %d messages, want 2", len(got))
		}
		if got[0].Status != MsgQueued || got[1].Status != MsgLeased {
			t.Errorf("filtered statuses = %q,%q want queued,leased", got[0].Status, got[1].Status)
		}

		all, err := s.GetInbox("ivan")
		if err != nil {
			t.Fatal(err)
		}
		if len(all) != 4 {
			t.Errorf("unfiltered inbox has %d messages, want 4", len(all))
		}

		empty, err := s.GetInbox("nobody")
		if err != nil {
			t.Fatal(err)
		}
		if len(empty) != 0 {
			t.Errorf("unknown agent inbox has %d messages, want 0", len(empty))
		}
	})
}

func TestClaimNextFIFO(t *testing.T) {
	testStores(t, func(t *testing.T, s Store) {
		now := time.Now().UTC()
		lease := now.Add(30 * time.Second)
		for i := 0; i < 3; i++ {
			if err := s.CreateMessage(testMessage(fmt.Sprintf("m%d", i), "kim", "leo", now)); err != nil {
				t.Fatal(err)
			}
		}

		for i := 0; i < 3; i++ {
			m, err := s.ClaimNext("kim", now, lease)
			if err != nil {
				t.Fatalf("ClaimNext #%d: %v", i, err)
			}
			if m == nil {
				t.Fatalf("ClaimNext #%d returned nil, want m%d", i, i)
			}
			if want := fmt.Sprintf("m%d", i); m.ID != want {
				t.Errorf("claim #%d = %q, want %q", i, m.ID, want)
			}
			if m.Status != MsgLeased {
				t.Errorf("claimed status = %q, want leased", m.Status)
			}
			if m.LeaseUntil == nil || !m.LeaseUntil.Equal(lease) {
				t.Errorf("lease_until = %v, want %v", m.LeaseUntil, lease)
			}
			if m.Attempts != 1 {
				t.Errorf("attempts = %d, want 1", m.Attempts)
			}
		}

		m, err := s.ClaimNext("kim", now, lease)
		if err != nil {
			t.Fatal(err)
		}
		if m != nil {
			t.Errorf("drained inbox still yielded %q", m.ID)
		}
	})
}

func TestClaimNextSkipsIneligible(t *testing.T) {
	testStores(t, func(t *testing.T, s Store) {
		now := time.Now().UTC()
		lease := now.Add(30 * time.Second)

		gone := testMessage("m-expired", "mia", "nick", now.Add(-time.Hour))
		past := now.Add(-time.Minute)
		gone.ExpiresAt = &past
		if err := s.CreateMessage(gone); err != nil {
			t.Fatal(err)
		}

		held := testMessage("m-leased", "mia", "nick", now.Add(-time.Minute))
		held.Status = MsgLeased
		if err := s.CreateMessage(held); err != nil {
			t.Fatal(err)
		}

		live := testMessage("m-live", "mia", "nick", now)
		if err := s.CreateMessage(live); err != nil {
			t.Fatal(err)
		}

		m, err := s.ClaimNext("mia", now, lease)
		if err != nil {
			t.Fatalf("ClaimNext: %v", err)
		}
		if m == nil || m.ID != "m-live" {
			t.Fatalf("claimed %v, want m-live", m)
		}

		m, err = s.ClaimNext("mia", now, lease)
		if err != nil {
			t.Fatal(err)
		}
		if m != nil {
			t.Errorf("second claim yielded %q, want nothing", m.ID)
		}
	})
}

func TestClaimNextConcurrent(t *testing.T) {
	testStores(t, func(t *testing.T, s Store) {
		now := time.Now().UTC()
		lease := now.Add(30 * time.Second)
		const total = 20
		for i := 0; i < total; i++ {
			if err := s.CreateMessage(testMessage(fmt.Sprintf("m%02d", i), "pool", "olga", now)); err != nil {
				t.Fatal(err)
			}
		}

		var (
			mu      sync.Mutex
			claimed []string
			errs    []error
		)
		var wg sync.WaitGroup
		for w := 0; w < 8; w++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				for {
					m, err := s.ClaimNext("pool", now, lease)
					if err != nil {
						mu.Lock()
						errs = append(errs, err)
						mu.Unlock()
						return
					}
					if m == nil {
						return
					}
					mu.Lock()
					claimed = append(claimed, m.ID)
					mu.Unlock()
				}
			}()
		}
		wg.Wait()

		if len(errs) > 0 {
			t.Fatalf("concurrent claims errored: %v", errs[0])
		}
		if len(claimed) != total {
			t.Fatalf("claimed %d messages, want %d", len(claimed), total)
		}
		seen := make(map[string]bool, total)
		for _, id := range claimed {
			if seen[id] {
				t.Fatalf("message %q was claimed twice", id)
			}
			seen[id] = true
		}
	})
}

func TestExpireLeases(t *testing.T) {
	testStores(t, func(t *testing.T, s Store) {
		now := time.Now().UTC()

		stale := testMessage("m-stale", "pat", "quinn", now.Add(-time.Minute))
		stale.Status = MsgLeased
		before := now.Add(-time.Second)
		stale.LeaseUntil = &before
		stale.Attempts = 1
		if err := s.CreateMessage(stale); err != nil {
			t.Fatal(err)
		}

		// A lease expiring exactly at now is still held.
		edge := testMessage("m-edge", "pat", "quinn", now.Add(-time.Minute))
		edge.Status = MsgLeased
		atNow := now
		edge.LeaseUntil = &atNow
		if err := s.CreateMessage(edge); err != nil {
			t.Fatal(err)
		}

		fresh := testMessage("m-fresh", "pat", "quinn", now)
		fresh.Status = MsgLeased
		after := now.Add(time.Minute)
		fresh.LeaseUntil = &after
		if err := s.CreateMessage(fresh); err != nil {
			t.Fatal(err)
		}

		n, err := s.ExpireLeases(now)
		if err != nil {
			t.Fatalf("ExpireLeases: %v", err)
		}
		if n != 1 {
			t.Errorf("reclaimed %d leases, want 1", n)
		}

		got, err := s.GetMessage("m-stale")
		if err != nil {
			t.Fatal(err)
		}
		if got.Status != MsgQueued || got.LeaseUntil != nil {
			t.Errorf("stale lease: status=%q lease=%v, want queued/nil", got.Status, got.LeaseUntil)
		}
		if got.Attempts != 1 {
			t.Errorf("attempts = %d after reclaim, want 1 (reclaim must not reset the counter)", got.Attempts)
		}
		for _, id := range []string{"m-edge", "m-fresh"} {
			got, err := s.GetMessage(id)
			if err != nil {
				t.Fatal(err)
			}
			if got.Status != MsgLeased {
				t.Errorf("%s status = %q, want leased", id, got.Status)
			}
		}
	})
}

func TestExpireMessages(t *testing.T) {
	testStores(t, func(t *testing.T, s Store) {
		now := time.Now().UTC()

		dead := testMessage("m-dead", "ruth", "sam", now.Add(-2*time.Hour))
		dead.Envelope.TTLSec = 3600
		if err := s.CreateMessage(dead); err != nil {
			t.Fatal(err)
		}

		// TTL boundary is inclusive: created+ttl == now expires.
		edge := testMessage("m-edge", "ruth", "sam", now.Add(-time.Hour))
		edge.Envelope.TTLSec = 3600
		if err := s.CreateMessage(edge); err != nil {
			t.Fatal(err)
		}

		young := testMessage("m-young", "ruth", "sam", now)
		young.Envelope.TTLSec = 3600
		if err := s.CreateMessage(young); err != nil {
			t.Fatal(err)
		}

		forever := testMessage("m-forever", "ruth", "sam", now.Add(-24*time.Hour))
		if err := s.CreateMessage(forever); err != nil {
			t.Fatal(err)
		}

		n, err := s.ExpireMessages(now)
		if err != nil {
			t.Fatalf("ExpireMessages: %v", err)
		}
		if n != 2 {
			t.Errorf("expired %d messages, want 2", n)
		}

		for id, want := range map[string]MessageStatus{
			"m-dead":    MsgExpired,
			"m-edge":    MsgExpired,
			"m-young":   MsgQueued,
			"m-forever": MsgQueued,
		} {
			got, err := s.GetMessage(id)
			if err != nil {
				t.Fatal(err)
			}
			if got.Status != want {
				t.Errorf("%s status = %q, want %q", id, got.Status, want)
			}
		}
	})
}

func TestCleanupExpiredMessages(t *testing.T) {
	testStores(t, func(t *testing.T, s Store) {
		now := time.Now().UTC()
		cutoff := now.Add(-time.Hour)

		oldExpired := testMessage("m-old-expired", "tess", "uma", now.Add(-3*time.Hour))
		oldExpired.Status = MsgExpired
		oldExpired.UpdatedAt = now.Add(-2 * time.Hour)
		if err := s.CreateMessage(oldExpired); err != nil {
			t.Fatal(err)
		}

		oldAcked := testMessage("m-old-acked", "tess", "uma", now.Add(-3*time.Hour))
		oldAcked.Status = MsgAcked
		oldAcked.UpdatedAt = now.Add(-2 * time.Hour)
		if err := s.CreateMessage(oldAcked); err != nil {
			t.Fatal(err)
		}

		recentAcked := testMessage("m-recent-acked", "tess", "uma", now.Add(-time.Minute))
		recentAcked.Status = MsgAcked
		recentAcked.UpdatedAt = now
		if err := s.CreateMessage(recentAcked); err != nil {
			t.Fatal(err)
		}

		// Purged records stay behind for status lookups.
		purged := testMessage("m-purged", "tess", "uma", now.Add(-3*time.Hour))
		purged.Status = MsgPurged
		purged.UpdatedAt = now.Add(-2 * time.Hour)
		if err := s.CreateMessage(purged); err != nil {
			t.Fatal(err)
		}

		queued := testMessage("m-queued", "tess", "uma", now.Add(-3*time.Hour))
		queued.UpdatedAt = now.Add(-2 * time.Hour)
		if err := s.CreateMessage(queued); err != nil {
			t.Fatal(err)
		}

		n, err := s.CleanupExpiredMessages(cutoff)
		if err != nil {
			t.Fatalf("CleanupExpiredMessages: %v", err)
		}
		if n != 2 {
			t.Errorf("cleaned up %d messages, want 2", n)
		}

		for _, id := range []string{"m-old-expired", "m-old-acked"} {
			if _, err := s.GetMessage(id); !errors.Is(err, ErrNotFound) {
				t.Errorf("%s survived cleanup: %v", id, err)
			}
		}
		for _, id := range []string{"m-recent-acked", "m-purged", "m-queued"} {
			if _, err := s.GetMessage(id); err != nil {
				t.Errorf("%s was cleaned up but should not be: %v", id, err)
			}
		}

		inbox, err := s.GetInbox("tess")
		if err != nil {
			t.Fatal(err)
		}
		if len(inbox) != 3 {
			t.Errorf("inbox has %d messages after cleanup, want 3", len(inbox))
		}
	})
}

func TestPurgeExpiredEphemeral(t *testing.T) {
	testStores(t, func(t *testing.T, s Store) {
		now := time.Now().UTC()
		past := now.Add(-time.Minute)
		future := now.Add(time.Minute)

		due := testMessage("m-due", "vera", "walt", now.Add(-time.Hour))
		due.Ephemeral = true
		due.ExpiresAt = &past
		if err := s.CreateMessage(due); err != nil {
			t.Fatal(err)
		}

		dueLease := testMessage("m-due-leased", "vera", "walt", now.Add(-time.Hour))
		dueLease.Ephemeral = true
		dueLease.Status = MsgLeased
		dueLease.ExpiresAt = &past
		dueLease.LeaseUntil = &future
		if err := s.CreateMessage(dueLease); err != nil {
			t.Fatal(err)
		}

		alive := testMessage("m-alive", "vera", "walt", now)
		alive.Ephemeral = true
		alive.ExpiresAt = &future
		if err := s.CreateMessage(alive); err != nil {
			t.Fatal(err)
		}

		done := testMessage("m-acked", "vera", "walt", now.Add(-time.Hour))
		done.Ephemeral = true
		done.Status = MsgAcked
		done.ExpiresAt = &past
		if err := s.CreateMessage(done); err != nil {
			t.Fatal(err)
		}

		n, err := s.PurgeExpiredEphemeral(now)
		if err != nil {
			t.Fatalf("PurgeExpiredEphemeral: %v", err)
		}
		if n != 2 {
			t.Errorf("purged %d messages, want 2", n)
		}

		for _, id := range []string{"m-due", "m-due-leased"} {
			got, err := s.GetMessage(id)
			if err != nil {
				t.Fatal(err)
			}
			if got.Status != MsgPurged {
				t.Errorf("%s status = %q, want purged", id, got.Status)
			}
			if len(got.Envelope.Body) != 0 {
				t.Errorf("%s body = %q after purge, want empty", id, got.Envelope.Body)
			}
			if got.PurgeReason != PurgeTTLExpired {
				t.Errorf("%s purge_reason = %q, want %q", id, got.PurgeReason, PurgeTTLExpired)
			}
			if got.PurgedAt == nil {
				t.Errorf("%s purged_at not set", id)
			}
			if got.LeaseUntil != nil {
				t.Errorf("%s lease survived the purge", id)
			}
		}

		for id, want := range map[string]MessageStatus{"m-alive": MsgQueued, "m-acked": MsgAcked} {
			got, err := s.GetMessage(id)
			if err != nil {
				t.Fatal(err)
			}
			if got.Status != want {
				t.Errorf("%s status = %q, want %q", id, got.Status, want)
			}
		}
	})
}

func TestGroupCRUD(t *testing.T) {
	testStores(t, func(t *testing.T, s Store) {
		now := time.Now().UTC()
		g := &Group{
			ID:     "grp-1",
			Name:   "research crew",
			Access: AccessOpen,
			Members: []GroupMember{
				{AgentID: "alice", Role: RoleOwner, JoinedAt: now},
			},
			Settings:  GroupSettings{MaxMembers: 10, HistoryVisible: true},
			CreatedAt: now,
			UpdatedAt: now,
		}
		if err := s.CreateGroup(g); err != nil {
			t.Fatalf("CreateGroup: %v", err)
		}
		if err := s.CreateGroup(g); !errors.Is(err, ErrAlreadyExists) {
			t.Errorf("duplicate create: got %v, want ErrAlreadyExists", err)
		}

		got, err := s.GetGroup("grp-1")
		if err != nil {
			t.Fatalf("GetGroup: %v", err)
		}
		if got.Owner() != "alice" {
			t.Errorf("owner = %q, want alice", got.Owner())
		}

		got.Members = append(got.Members, GroupMember{AgentID: "bob", Role: RoleMember, JoinedAt: now})
		if err := s.UpdateGroup(got); err != nil {
			t.Fatalf("UpdateGroup: %v", err)
		}
		got, err = s.GetGroup("grp-1")
		if err != nil {
			t.Fatal(err)
		}
		if _, ok := got.Member("bob"); !ok {
			t.Error("bob missing after update")
		}

		if err := s.DeleteGroup("grp-1"); err != nil {
			t.Fatalf("DeleteGroup: %v", err)
		}
		if _, err := s.GetGroup("grp-1"); !errors.Is(err, ErrNotFound) {
			t.Errorf("get after delete: got %v, want ErrNotFound", err)
		}
	})
}

func TestListMessagesByGroup(t *testing.T) {
	testStores(t, func(t *testing.T, s Store) {
		now := time.Now().UTC()
		for i, to := range []string{"alice", "bob", "carol"} {
			m := testMessage(fmt.Sprintf("m%d", i), to, "dave", now.Add(time.Duration(i)*time.Second))
			m.Envelope.GroupID = "grp-1"
			if err := s.CreateMessage(m); err != nil {
				t.Fatal(err)
			}
		}
		other := testMessage("m-other", "alice", "dave", now)
		other.Envelope.GroupID = "grp-2"
		if err := s.CreateMessage(other); err != nil {
			t.Fatal(err)
		}

		got, err := s.ListMessagesByGroup("grp-1")
		if err != nil {
			t.Fatalf("ListMessagesByGroup: %v", err)
		}
		if len(got) != 3 {
			t.Fatalf("got %d messages, want 3", len(got))
		}
		for i, m := range got {
			if want := fmt.Sprintf("m%d", i); m.ID != want {
				t.Errorf("got[%d] = %q, want %q (oldest first)", i, m.ID, want)
			}
		}
	})
}

func TestIssuedKeys(t *testing.T) {
	testStores(t, func(t *testing.T, s Store) {
		now := time.Now().UTC()
		k := &IssuedKey{
			KeyID:     "k-1",
			KeyHash:   "deadbeef",
			ClientID:  "ci",
			CreatedAt: now,
			SingleUse: true,
		}
		if err := s.CreateIssuedKey(k); err != nil {
			t.Fatalf("CreateIssuedKey: %v", err)
		}
		if err := s.CreateIssuedKey(k); !errors.Is(err, ErrAlreadyExists) {
			t.Errorf("duplicate create: got %v, want ErrAlreadyExists", err)
		}

		got, err := s.GetIssuedKeyByHash("deadbeef")
		if err != nil {
			t.Fatalf("GetIssuedKeyByHash: %v", err)
		}
		if got.KeyID != "k-1" || !got.SingleUse {
			t.Errorf("got %+v, want the stored key back", got)
		}
		if _, err := s.GetIssuedKeyByHash("unknown"); !errors.Is(err, ErrNotFound) {
			t.Errorf("unknown hash: got %v, want ErrNotFound", err)
		}
	})
}

func TestBurnSingleUseKey(t *testing.T) {
	testStores(t, func(t *testing.T, s Store) {
		now := time.Now().UTC()
		k := &IssuedKey{KeyID: "k-1", KeyHash: "h1", CreatedAt: now, SingleUse: true}
		if err := s.CreateIssuedKey(k); err != nil {
			t.Fatal(err)
		}

		won, err := s.BurnSingleUseKey("k-1", now)
		if err != nil {
			t.Fatalf("BurnSingleUseKey: %v", err)
		}
		if !won {
			t.Fatal("first burn lost, want win")
		}
		won, err = s.BurnSingleUseKey("k-1", now)
		if err != nil {
			t.Fatal(err)
		}
		if won {
			t.Error("second burn won, want loss")
		}

		got, err := s.GetIssuedKeyByHash("h1")
		if err != nil {
			t.Fatal(err)
		}
		if got.UsedAt == nil {
			t.Error("used_at not recorded")
		}

		if _, err := s.BurnSingleUseKey("missing", now); !errors.Is(err, ErrNotFound) {
			t.Errorf("burn missing key: got %v, want ErrNotFound", err)
		}
	})
}

func TestBurnSingleUseKeyConcurrent(t *testing.T) {
	testStores(t, func(t *testing.T, s Store) {
		now := time.Now().UTC()
		k := &IssuedKey{KeyID: "k-race", KeyHash: "h-race", CreatedAt: now, SingleUse: true}
		if err := s.CreateIssuedKey(k); err != nil {
			t.Fatal(err)
		}

		var (
			wg   sync.WaitGroup
			mu   sync.Mutex
			wins int
			errs []error
		)
		for i := 0; i < 10; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				won, err := s.BurnSingleUseKey("k-race", now)
				mu.Lock()
				defer mu.Unlock()
				if err != nil {
					errs = append(errs, err)
					return
				}
				if won {
					wins++
				}
			}()
		}
		wg.Wait()

		if len(errs) > 0 {
			t.Fatalf("concurrent burns errored: %v", errs[0])
		}
		if wins != 1 {
			t.Errorf("got %d winners, want exactly 1", wins)
		}
	})
}

func TestRoundTableCRUD(t *testing.T) {
	testStores(t, func(t *testing.T, s Store) {
		now := time.Now().UTC()
		rt := &RoundTable{
			ID:           "rt-1",
			Facilitator:  "alice",
			Participants: []string{"bob", "carol"},
			Topic:        "release plan",
			Status:       RTOpen,
			ExpiresAt:    now.Add(time.Hour),
			GroupID:      "grp-rt-1",
			CreatedAt:    now,
		}
		if err := s.CreateRoundTable(rt); err != nil {
			t.Fatalf("CreateRoundTable: %v", err)
		}
		if err := s.CreateRoundTable(rt); !errors.Is(err, ErrAlreadyExists) {
			t.Errorf("duplicate create: got %v, want ErrAlreadyExists", err)
		}

		got, err := s.GetRoundTable("rt-1")
		if err != nil {
			t.Fatalf("GetRoundTable: %v", err)
		}
		if got.Topic != "release plan" || len(got.Participants) != 2 {
			t.Errorf("got %+v, want the stored session back", got)
		}

		got.Thread = append(got.Thread, ThreadEntry{From: "bob", Content: json.RawMessage(`"+1"`), At: now})
		got.Status = RTResolved
		got.Outcome = "ship friday"
		fin := now
		got.FinishedAt = &fin
		if err := s.UpdateRoundTable(got); err != nil {
			t.Fatalf("UpdateRoundTable: %v", err)
		}

		got, err = s.GetRoundTable("rt-1")
		if err != nil {
			t.Fatal(err)
		}
		if got.Status != RTResolved || len(got.Thread) != 1 || got.FinishedAt == nil {
			t.Errorf("update did not stick: %+v", got)
		}

		list, err := s.ListRoundTables()
		if err != nil {
			t.Fatalf("ListRoundTables: %v", err)
		}
		if len(list) != 1 {
			t.Errorf("got %d sessions, want 1", len(list))
		}

		if err := s.DeleteRoundTable("rt-1"); err != nil {
			t.Fatalf("DeleteRoundTable: %v", err)
		}
		if _, err := s.GetRoundTable("rt-1"); !errors.Is(err, ErrNotFound) {
			t.Errorf("get after delete: got %v, want ErrNotFound", err)
		}
	})
}

func TestDomains(t *testing.T) {
	testStores(t, func(t *testing.T, s Store) {
		now := time.Now().UTC()
		d := &Domain{Domain: "example.com", FirstSeen: now, AgentCount: 1, Allowed: true}
		if err := s.SaveDomain(d); err != nil {
			t.Fatalf("SaveDomain: %v", err)
		}

		got, err := s.GetDomain("example.com")
		if err != nil {
			t.Fatalf("GetDomain: %v", err)
		}
		if got.AgentCount != 1 || !got.Allowed {
			t.Errorf("got %+v, want the stored domain back", got)
		}

		// SaveDomain is an upsert.
		d.AgentCount = 2
		if err := s.SaveDomain(d); err != nil {
			t.Fatal(err)
		}
		got, err = s.GetDomain("example.com")
		if err != nil {
			t.Fatal(err)
		}
		if got.AgentCount != 2 {
			t.Errorf("agent_count = %d after upsert, want 2", got.AgentCount)
		}

		if _, err := s.GetDomain("unknown.test"); !errors.Is(err, ErrNotFound) {
			t.Errorf("unknown domain: got %v, want ErrNotFound", err)
		}
	})
}

func TestCounts(t *testing.T) {
	testStores(t, func(t *testing.T, s Store) {
		now := time.Now().UTC()
		for i, st := range []MessageStatus{MsgQueued, MsgQueued, MsgAcked} {
			m := testMessage(fmt.Sprintf("m%d", i), "xena", "yuri", now)
			m.Status = st
			if err := s.CreateMessage(m); err != nil {
				t.Fatal(err)
			}
		}
		approved := testAgent("xena")
		if err := s.CreateAgent(approved); err != nil {
			t.Fatal(err)
		}
		pending := testAgent("yuri")
		pending.RegistrationStatus = StatusPending
		if err := s.CreateAgent(pending); err != nil {
			t.Fatal(err)
		}

		msgs, err := s.CountMessagesByStatus()
		if err != nil {
			t.Fatalf("CountMessagesByStatus: %v", err)
		}
		if msgs[MsgQueued] != 2 || msgs[MsgAcked] != 1 {
			t.Errorf("message counts = %v, want queued:2 acked:1", msgs)
		}

		agents, err := s.CountAgentsByStatus()
		if err != nil {
			t.Fatalf("CountAgentsByStatus: %v", err)
		}
		if agents[StatusApproved] != 1 || agents[StatusPending] != 1 {
			t.Errorf("agent counts = %v, want approved:1 pending:1", agents)
		}
	})
}

func TestListAgentsByTenant(t *testing.T) {
	testStores(t, func(t *testing.T, s Store) {
		for _, tc := range []struct{ id, tenant string }{
			{"a1", "acme"}, {"a2", "acme"}, {"b1", "globex"},
		} {
			a := testAgent(tc.id)
			a.TenantID = tc.tenant
			if err := s.CreateAgent(a); err != nil {
				t.Fatal(err)
			}
		}

		got, err := s.ListAgentsByTenant("acme")
		if err != nil {
			t.Fatalf("ListAgentsByTenant: %v", err)
		}
		if len(got) != 2 {
			t.Fatalf("got %d agents, want 2", len(got))
		}

		all, err := s.ListAgents()
		if err != nil {
			t.Fatal(err)
		}
		if len(all) != 3 {
			t.Errorf("ListAgents returned %d, want 3", len(all))
		}
	})
}

// The in-memory store hands out copies. Mutating a returned record must not
// change what a later Get observes.
func TestMemoryCloneIsolation(t *testing.T) {
	s := NewMemory()
	a := testAgent("zoe")
	a.TrustedAgents = []string{"alice"}
	if err := s.CreateAgent(a); err != nil {
		t.Fatal(err)
	}

	got, err := s.GetAgent("zoe")
	if err != nil {
		t.Fatal(err)
	}
	got.TrustedAgents[0] = "mallory"
	got.ID = "not-zoe"

	again, err := s.GetAgent("zoe")
	if err != nil {
		t.Fatal(err)
	}
	if again.TrustedAgents[0] != "alice" {
		t.Errorf("stored trust set mutated through a returned copy: %v", again.TrustedAgents)
	}

	now := time.Now().UTC()
	if err := s.CreateMessage(testMessage("m1", "zoe", "alice", now)); err != nil {
		t.Fatal(err)
	}
	m, err := s.GetMessage("m1")
	if err != nil {
		t.Fatal(err)
	}
	m.Envelope.Body[0] = 'X'
	m.Status = MsgPurged

	again2, err := s.GetMessage("m1")
	if err != nil {
		t.Fatal(err)
	}
	if string(again2.Envelope.Body) != `{"n":1}` || again2.Status != MsgQueued {
		t.Errorf("stored message mutated through a returned copy: %s %s", again2.Envelope.Body, again2.Status)
	}
}
