package group

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/admp-io/admpd/internal/apperr"
	"github.com/admp-io/admpd/internal/config"
	"github.com/admp-io/admpd/internal/did"
	"github.com/admp-io/admpd/internal/events"
	"github.com/admp-io/admpd/internal/inbox"
	"github.com/admp-io/admpd/internal/logging"
	"github.com/admp-io/admpd/internal/store"
)

var groupNow = time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}
func (c *fakeClock) After(d time.Duration) <-chan time.Time { return time.After(0) }
func (c *fakeClock) Since(t time.Time) time.Duration        { return c.Now().Sub(t) }

func testService(t *testing.T) (*Service, store.Store) {
	t.Helper()
	cfg := &config.Config{
		RegistrationPolicy: config.PolicyOpen,
		MessageTTL:         24 * time.Hour,
		EphemeralTTL:       5 * time.Minute,
	}
	st := store.NewMemory()
	log := logging.New(false, "error")
	clk := &fakeClock{now: groupNow}
	eng := inbox.NewEngine(st, cfg, log, events.New(), did.NewResolver(cfg, st, log), clk)
	return NewService(st, log, eng, clk), st
}

func addAgents(t *testing.T, st store.Store, ids ...string) {
	t.Helper()
	for _, id := range ids {
		if err := st.CreateAgent(&store.Agent{ID: id, CreatedAt: groupNow}); err != nil {
			t.Fatal(err)
		}
	}
}

func TestValidateName(t *testing.T) {
	cases := []struct {
		name string
		in   string
		code string
	}{
		{"simple", "dev team", ""},
		{"dots and dashes", "ops_2.0-beta", ""},
		{"empty", "", apperr.CodeInvalidName},
		{"too long", strings.Repeat("a", MaxNameLen+1), apperr.CodeNameTooLong},
		{"exactly max", strings.Repeat("a", MaxNameLen), ""},
		{"bad chars", "team#1", apperr.CodeInvalidNameChars},
		{"unicode", "débat", apperr.CodeInvalidNameChars},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			err := ValidateName(c.in)
			if c.code == "" && err != nil {
				t.Errorf("unexpected error: %v", err)
			}
			if c.code != "" && !apperr.Is(err, c.code) {
				t.Errorf("got %v, want code %s", err, c.code)
			}
		})
	}
}

func TestCreate(t *testing.T) {
	t.Run("creator becomes the owner", func(t *testing.T) {
		svc, _ := testService(t)
		g, err := svc.Create("agent-o", CreateRequest{Name: "team"})
		if err != nil {
			t.Fatalf("Create failed: %v", err)
		}
		if g.Owner() != "agent-o" || g.Access != store.AccessOpen {
			t.Errorf("group = %+v", g)
		}
	})

	t.Run("key-protected stores only the hash", func(t *testing.T) {
		svc, _ := testService(t)
		g, err := svc.Create("agent-o", CreateRequest{Name: "team", Access: store.AccessKey, JoinKey: "s3cret"})
		if err != nil {
			t.Fatal(err)
		}
		if g.JoinKeyHash == "" || g.JoinKeyHash == "s3cret" {
			t.Errorf("join key stored as %q", g.JoinKeyHash)
		}
	})

	t.Run("key-protected requires a key", func(t *testing.T) {
		svc, _ := testService(t)
		if _, err := svc.Create("agent-o", CreateRequest{Name: "team", Access: store.AccessKey}); err == nil {
			t.Error("expected an error")
		}
	})
}

func TestJoin(t *testing.T) {
	t.Run("open group admits anyone", func(t *testing.T) {
		svc, _ := testService(t)
		g, _ := svc.Create("agent-o", CreateRequest{Name: "team"})
		got, err := svc.Join(g.ID, "agent-a", "")
		if err != nil {
			t.Fatal(err)
		}
		if m, ok := got.Member("agent-a"); !ok || m.Role != store.RoleMember {
			t.Errorf("membership = %+v, %v", m, ok)
		}
	})

	t.Run("key-protected checks the key", func(t *testing.T) {
		svc, _ := testService(t)
		g, _ := svc.Create("agent-o", CreateRequest{Name: "team", Access: store.AccessKey, JoinKey: "s3cret"})
		if _, err := svc.Join(g.ID, "agent-a", "wrong"); !apperr.Is(err, apperr.CodeForbidden) {
			t.Errorf("got %v", err)
		}
		if _, err := svc.Join(g.ID, "agent-a", "s3cret"); err != nil {
			t.Errorf("correct key rejected: %v", err)
		}
	})

	t.Run("invite-only rejects joins", func(t *testing.T) {
		svc, _ := testService(t)
		g, _ := svc.Create("agent-o", CreateRequest{Name: "team", Access: store.AccessInviteOnly})
		if _, err := svc.Join(g.ID, "agent-a", ""); !apperr.Is(err, apperr.CodeForbidden) {
			t.Errorf("got %v", err)
		}
	})

	t.Run("max members is enforced", func(t *testing.T) {
		svc, _ := testService(t)
		g, _ := svc.Create("agent-o", CreateRequest{Name: "team", Settings: store.GroupSettings{MaxMembers: 2}})
		if _, err := svc.Join(g.ID, "agent-a", ""); err != nil {
			t.Fatal(err)
		}
		if _, err := svc.Join(g.ID, "agent-b", ""); !apperr.Is(err, apperr.CodeForbidden) {
			t.Errorf("got %v", err)
		}
	})
}

func TestRoleMatrix(t *testing.T) {
	setup := func(t *testing.T) (*Service, store.Store, *store.Group) {
		svc, st := testService(t)
		addAgents(t, st, "agent-admin", "agent-m", "agent-x")
		g, err := svc.Create("agent-o", CreateRequest{Name: "team"})
		if err != nil {
			t.Fatal(err)
		}
		if _, err := svc.AddMember(g.ID, "agent-o", "agent-admin", store.RoleAdmin); err != nil {
			t.Fatal(err)
		}
		if _, err := svc.AddMember(g.ID, "agent-o", "agent-m", store.RoleMember); err != nil {
			t.Fatal(err)
		}
		return svc, st, g
	}

	t.Run("only the owner adds admins", func(t *testing.T) {
		svc, _, g := setup(t)
		if _, err := svc.AddMember(g.ID, "agent-admin", "agent-x", store.RoleAdmin); !apperr.Is(err, apperr.CodeForbidden) {
			t.Errorf("got %v", err)
		}
	})

	t.Run("admins add members", func(t *testing.T) {
		svc, _, g := setup(t)
		if _, err := svc.AddMember(g.ID, "agent-admin", "agent-x", store.RoleMember); err != nil {
			t.Errorf("admin add failed: %v", err)
		}
	})

	t.Run("plain members add nobody", func(t *testing.T) {
		svc, _, g := setup(t)
		if _, err := svc.AddMember(g.ID, "agent-m", "agent-x", store.RoleMember); !apperr.Is(err, apperr.CodeForbidden) {
			t.Errorf("got %v", err)
		}
	})

	t.Run("unknown targets are rejected", func(t *testing.T) {
		svc, _, g := setup(t)
		if _, err := svc.AddMember(g.ID, "agent-o", "ghost", store.RoleMember); !apperr.Is(err, apperr.CodeAgentNotFound) {
			t.Errorf("got %v", err)
		}
	})

	t.Run("the owner cannot be removed or leave", func(t *testing.T) {
		svc, _, g := setup(t)
		if _, err := svc.RemoveMember(g.ID, "agent-admin", "agent-o"); !apperr.Is(err, apperr.CodeForbidden) {
			t.Errorf("remove owner: got %v", err)
		}
		if _, err := svc.Leave(g.ID, "agent-o"); !apperr.Is(err, apperr.CodeForbidden) {
			t.Errorf("owner leave: got %v", err)
		}
	})

	t.Run("members may leave", func(t *testing.T) {
		svc, _, g := setup(t)
		got, err := svc.Leave(g.ID, "agent-m")
		if err != nil {
			t.Fatal(err)
		}
		if _, ok := got.Member("agent-m"); ok {
			t.Error("member still present after leave")
		}
	})

	t.Run("only the owner deletes", func(t *testing.T) {
		svc, _, g := setup(t)
		if err := svc.Delete(g.ID, "agent-admin"); !apperr.Is(err, apperr.CodeForbidden) {
			t.Errorf("got %v", err)
		}
		if err := svc.Delete(g.ID, "agent-o"); err != nil {
			t.Fatal(err)
		}
		if _, err := svc.Get(g.ID); !apperr.Is(err, apperr.CodeGroupNotFound) {
			t.Errorf("got %v", err)
		}
	})
}

func TestPost(t *testing.T) {
	setup := func(t *testing.T) (*Service, store.Store, *store.Group) {
		svc, st := testService(t)
		addAgents(t, st, "agent-o", "agent-a", "agent-b")
		g, err := svc.Create("agent-o", CreateRequest{Name: "team"})
		if err != nil {
			t.Fatal(err)
		}
		for _, id := range []string{"agent-a", "agent-b"} {
			if _, err := svc.Join(g.ID, id, ""); err != nil {
				t.Fatal(err)
			}
		}
		return svc, st, g
	}

	t.Run("fans out to every member except the sender", func(t *testing.T) {
		svc, st, g := setup(t)
		res, err := svc.Post(context.Background(), g.ID, "agent-a", "standup", json.RawMessage(`{"note":"done"}`))
		if err != nil {
			t.Fatalf("Post failed: %v", err)
		}
		if len(res.DeliveredTo) != 2 || len(res.MessageIDs) != 2 {
			t.Fatalf("result = %+v", res)
		}
		for _, to := range res.DeliveredTo {
			if to == "agent-a" {
				t.Error("sender received their own post")
			}
		}
		for _, id := range res.MessageIDs {
			m, err := st.GetMessage(id)
			if err != nil {
				t.Fatal(err)
			}
			if m.Envelope.Type != TypeGroupMessage || m.Envelope.GroupID != g.ID {
				t.Errorf("envelope = %+v", m.Envelope)
			}
			if m.GroupMessageID != res.GroupMessageID {
				t.Error("group_message_id not stamped on the delivery")
			}
		}
	})

	t.Run("non-members may not post", func(t *testing.T) {
		svc, _, g := setup(t)
		if _, err := svc.Post(context.Background(), g.ID, "stranger", "x", nil); !apperr.Is(err, apperr.CodeForbidden) {
			t.Errorf("got %v", err)
		}
	})

	t.Run("subject and body bounds", func(t *testing.T) {
		svc, _, g := setup(t)
		if _, err := svc.Post(context.Background(), g.ID, "agent-a", "", nil); !apperr.Is(err, apperr.CodeSendFailed) {
			t.Errorf("empty subject: got %v", err)
		}
		if _, err := svc.Post(context.Background(), g.ID, "agent-a", strings.Repeat("s", MaxSubjectLen+1), nil); !apperr.Is(err, apperr.CodeSendFailed) {
			t.Errorf("long subject: got %v", err)
		}
		big := json.RawMessage(`"` + strings.Repeat("x", MaxBodyBytes) + `"`)
		if _, err := svc.Post(context.Background(), g.ID, "agent-a", "big", big); !apperr.Is(err, apperr.CodeBodyTooLarge) {
			t.Errorf("oversized body: got %v", err)
		}
	})

	t.Run("a missing member does not block the rest", func(t *testing.T) {
		svc, st, g := setup(t)
		if err := st.DeleteAgent("agent-b"); err != nil {
			t.Fatal(err)
		}
		res, err := svc.Post(context.Background(), g.ID, "agent-a", "standup", nil)
		if err != nil {
			t.Fatal(err)
		}
		if len(res.DeliveredTo) != 1 || res.DeliveredTo[0] != "agent-o" {
			t.Errorf("delivered_to = %v", res.DeliveredTo)
		}
	})
}

func TestHistory(t *testing.T) {
	svc, _, g := func() (*Service, store.Store, *store.Group) {
		svc, st := testService(t)
		addAgents(t, st, "agent-o", "agent-a", "agent-b")
		g, err := svc.Create("agent-o", CreateRequest{Name: "team"})
		if err != nil {
			t.Fatal(err)
		}
		for _, id := range []string{"agent-a", "agent-b"} {
			if _, err := svc.Join(g.ID, id, ""); err != nil {
				t.Fatal(err)
			}
		}
		return svc, st, g
	}()

	first, err := svc.Post(context.Background(), g.ID, "agent-a", "one", nil)
	if err != nil {
		t.Fatal(err)
	}
	second, err := svc.Post(context.Background(), g.ID, "agent-b", "two", nil)
	if err != nil {
		t.Fatal(err)
	}

	hist, err := svc.History(g.ID, "agent-a")
	if err != nil {
		t.Fatalf("History failed: %v", err)
	}
	if len(hist) != 2 {
		t.Fatalf("history has %d entries, want 2 (deduplicated)", len(hist))
	}
	got := map[string]bool{}
	for _, m := range hist {
		got[m.GroupMessageID] = true
	}
	if !got[first.GroupMessageID] || !got[second.GroupMessageID] {
		t.Errorf("history missing a logical message: %v", got)
	}

	if _, err := svc.History(g.ID, "stranger"); !apperr.Is(err, apperr.CodeForbidden) {
		t.Errorf("got %v", err)
	}
}
