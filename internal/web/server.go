// Package web is the HTTP surface: route registration, auth middleware
// wiring and the JSON request/response layer over the domain services.
package web

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/admp-io/admpd/internal/apperr"
	"github.com/admp-io/admpd/internal/auth"
	"github.com/admp-io/admpd/internal/envelope"
	"github.com/admp-io/admpd/internal/group"
	"github.com/admp-io/admpd/internal/identity"
	"github.com/admp-io/admpd/internal/inbox"
	"github.com/admp-io/admpd/internal/logging"
	"github.com/admp-io/admpd/internal/roundtable"
	"github.com/admp-io/admpd/internal/store"
)

// Dependencies defines what the web server needs from the rest of the
// application.
type Dependencies struct {
	Identity IdentityService
	Inbox    InboxEngine
	Groups   GroupService
	Tables   RoundTableService
	Keys     KeyIssuer
	Stats    StatsStore
	Config   ConfigReader
	Gate     *auth.Gate
	Log      *logging.Logger
}

// IdentityService covers agent lifecycle and per-agent configuration.
type IdentityService interface {
	Register(req identity.RegisterRequest) (*store.Agent, error)
	Get(agentID string) (*store.Agent, error)
	Deregister(agentID string) error
	RotateKey(agentID, publicKey string) (*store.Agent, error)
	Heartbeat(agentID string) (*store.Heartbeat, error)
	AddTrust(agentID, peerID string) (*store.Agent, error)
	RemoveTrust(agentID, peerID string) (*store.Agent, error)
	SetWebhook(agentID, url, secret string) error
	ClearWebhook(agentID string) error
	DIDDocument(agentID string) (map[string]any, error)
}

// InboxEngine covers the leased message queue.
type InboxEngine interface {
	Send(ctx context.Context, env *envelope.Envelope, opts inbox.SendOptions) (*inbox.SendResult, error)
	Pull(agentID string, visibility time.Duration) (*store.Message, error)
	Ack(agentID, messageID string, result json.RawMessage) (*store.Message, error)
	Nack(agentID, messageID string, opts inbox.NackOptions) (*store.Message, error)
	Reply(ctx context.Context, agentID, originalID string, req inbox.ReplyRequest) (*inbox.SendResult, error)
	Status(messageID string) (*store.Message, error)
	Inbox(agentID string, statuses ...store.MessageStatus) ([]*store.Message, error)
}

// GroupService covers group CRUD, membership and fanout.
type GroupService interface {
	Create(owner string, req group.CreateRequest) (*store.Group, error)
	Get(id string) (*store.Group, error)
	UpdateSettings(id, actor string, settings store.GroupSettings) (*store.Group, error)
	Delete(id, actor string) error
	Join(id, agentID, joinKey string) (*store.Group, error)
	AddMember(id, actor, target string, role store.GroupRole) (*store.Group, error)
	RemoveMember(id, actor, target string) (*store.Group, error)
	Leave(id, agentID string) (*store.Group, error)
	Post(ctx context.Context, id, sender, subject string, body json.RawMessage) (*group.PostResult, error)
	History(id, agentID string) ([]*store.Message, error)
}

// RoundTableService covers deliberation sessions.
type RoundTableService interface {
	Create(facilitator string, req roundtable.CreateRequest) (*roundtable.CreateResult, error)
	Get(id string) (*store.RoundTable, error)
	Speak(id, agentID string, content json.RawMessage) (*store.RoundTable, error)
	Resolve(id, actor, outcome string) (*store.RoundTable, error)
}

// KeyIssuer mints issued API keys, including single-use enrollment tokens.
type KeyIssuer interface {
	CreateIssuedKey(k *store.IssuedKey) error
}

// StatsStore provides aggregate counts for the stats endpoint.
type StatsStore interface {
	CountMessagesByStatus() (map[store.MessageStatus]int, error)
	CountAgentsByStatus() (map[store.RegistrationStatus]int, error)
}

// ConfigReader provides redacted settings for display.
type ConfigReader interface {
	Values() map[string]string
}

// Server is the JSON API server.
type Server struct {
	deps    Dependencies
	mux     *http.ServeMux
	server  *http.Server
	started time.Time
}

// NewServer creates a Server with all routes registered.
func NewServer(deps Dependencies) *Server {
	s := &Server{
		deps:    deps,
		mux:     http.NewServeMux(),
		started: time.Now(),
	}
	s.registerRoutes()
	return s
}

// ListenAndServe starts the HTTP server on the given address.
func (s *Server) ListenAndServe(addr string) error {
	s.server = &http.Server{
		Addr:         addr,
		Handler:      s.mux,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}
	s.deps.Log.Info("api listening", "addr", addr)
	return s.server.ListenAndServe()
}

// Shutdown gracefully shuts down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

// Handler exposes the route table for tests.
func (s *Server) Handler() http.Handler { return s.mux }

func (s *Server) registerRoutes() {
	// Middleware helpers. authed requires any accepted credential; self
	// additionally requires the caller to match the {id} path segment.
	authed := s.deps.Gate.Wrap
	self := func(h http.HandlerFunc) http.HandlerFunc {
		return s.deps.Gate.Wrap(s.deps.Gate.RequireSelf(h))
	}

	// --- Public routes ---
	s.mux.HandleFunc("GET /healthz", s.handleHealthz)
	s.mux.Handle("GET /metrics", promhttp.Handler())
	s.mux.HandleFunc("POST /api/v1/agents/register", s.apiRegister)

	// --- Agent routes (caller must be the addressed agent) ---
	s.mux.HandleFunc("DELETE /api/v1/agents/{id}", self(s.apiDeregister))
	s.mux.HandleFunc("POST /api/v1/agents/{id}/heartbeat", self(s.apiHeartbeat))
	s.mux.HandleFunc("POST /api/v1/agents/{id}/keys/rotate", self(s.apiRotateKey))
	s.mux.HandleFunc("GET /api/v1/agents/{id}/stats", self(s.apiAgentStats))
	s.mux.HandleFunc("GET /api/v1/agents/{id}/did.json", self(s.apiDIDDocument))
	s.mux.HandleFunc("POST /api/v1/agents/{id}/trust", self(s.apiAddTrust))
	s.mux.HandleFunc("DELETE /api/v1/agents/{id}/trust/{peer}", self(s.apiRemoveTrust))
	s.mux.HandleFunc("PUT /api/v1/agents/{id}/webhook", self(s.apiSetWebhook))
	s.mux.HandleFunc("DELETE /api/v1/agents/{id}/webhook", self(s.apiClearWebhook))

	// --- Message routes ---
	s.mux.HandleFunc("POST /api/v1/messages", authed(s.apiSend))
	s.mux.HandleFunc("POST /api/v1/agents/{id}/messages/pull", self(s.apiPull))
	s.mux.HandleFunc("POST /api/v1/messages/{mid}/ack", authed(s.apiAck))
	s.mux.HandleFunc("POST /api/v1/messages/{mid}/nack", authed(s.apiNack))
	s.mux.HandleFunc("POST /api/v1/messages/{mid}/reply", authed(s.apiReply))
	s.mux.HandleFunc("GET /api/v1/messages/{mid}", authed(s.apiMessageStatus))

	// --- Group routes ---
	s.mux.HandleFunc("POST /api/v1/groups", authed(s.apiCreateGroup))
	s.mux.HandleFunc("GET /api/v1/groups/{gid}", authed(s.apiGetGroup))
	s.mux.HandleFunc("PATCH /api/v1/groups/{gid}", authed(s.apiUpdateGroup))
	s.mux.HandleFunc("DELETE /api/v1/groups/{gid}", authed(s.apiDeleteGroup))
	s.mux.HandleFunc("POST /api/v1/groups/{gid}/join", authed(s.apiJoinGroup))
	s.mux.HandleFunc("POST /api/v1/groups/{gid}/leave", authed(s.apiLeaveGroup))
	s.mux.HandleFunc("POST /api/v1/groups/{gid}/members", authed(s.apiAddGroupMember))
	s.mux.HandleFunc("DELETE /api/v1/groups/{gid}/members/{aid}", authed(s.apiRemoveGroupMember))
	s.mux.HandleFunc("POST /api/v1/groups/{gid}/messages", authed(s.apiPostGroupMessage))
	s.mux.HandleFunc("GET /api/v1/groups/{gid}/messages", authed(s.apiGroupHistory))

	// --- Round-table routes ---
	s.mux.HandleFunc("POST /api/v1/roundtables", authed(s.apiCreateRoundTable))
	s.mux.HandleFunc("GET /api/v1/roundtables/{rid}", authed(s.apiGetRoundTable))
	s.mux.HandleFunc("POST /api/v1/roundtables/{rid}/messages", authed(s.apiSpeak))
	s.mux.HandleFunc("POST /api/v1/roundtables/{rid}/resolve", authed(s.apiResolveRoundTable))

	// --- Admin routes ---
	s.mux.HandleFunc("POST /api/v1/keys", authed(s.apiIssueKey))
	s.mux.HandleFunc("GET /api/v1/stats", authed(s.apiStats))
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// caller returns the authenticated agent, failing when the request was
// admitted without an agent identity (master key, optional-auth anonymous).
func caller(r *http.Request) (*store.Agent, error) {
	rc, ok := auth.FromContext(r.Context())
	if !ok || rc.Agent == nil {
		return nil, apperr.E(apperr.CodeForbidden, "an agent identity is required")
	}
	return rc.Agent, nil
}

// isMaster reports whether the request authenticated with the master key.
func isMaster(r *http.Request) bool {
	rc, ok := auth.FromContext(r.Context())
	return ok && rc.Method == auth.MethodMaster
}

// decodeJSON reads a JSON request body into v with a size cap.
func decodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, 2<<20))
	if err := dec.Decode(v); err != nil {
		return apperr.Wrap(apperr.CodeInvalidRequest, "invalid JSON body", err)
	}
	return nil
}

// writeJSON encodes v as JSON and writes it to the response.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// WriteError maps a domain error to its JSON error response. It is also
// installed as the gate's rejection writer.
func WriteError(w http.ResponseWriter, err error) {
	e := apperr.From(err)
	writeJSON(w, e.Status, map[string]string{
		"error":   e.Code,
		"message": e.Message,
	})
}
