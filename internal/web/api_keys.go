package web

import (
	"net/http"
	"time"

	"github.com/admp-io/admpd/internal/apperr"
	"github.com/admp-io/admpd/internal/auth"
)

// apiIssueKey mints an issued API key. Single-use keys scoped to a target
// agent are enrollment tokens. Master key only; the raw key is shown once.
func (s *Server) apiIssueKey(w http.ResponseWriter, r *http.Request) {
	if !isMaster(r) {
		WriteError(w, apperr.E(apperr.CodeMasterKeyRequired, "key issuance requires the master API key"))
		return
	}
	var req struct {
		ClientID      string `json:"client_id"`
		TargetAgentID string `json:"target_agent_id,omitempty"`
		SingleUse     bool   `json:"single_use,omitempty"`
		ExpiresInSec  int64  `json:"expires_in_sec,omitempty"`
	}
	if err := decodeJSON(r, &req); err != nil {
		WriteError(w, err)
		return
	}
	if req.ClientID == "" {
		WriteError(w, apperr.E(apperr.CodeInvalidRequest, "client_id is required"))
		return
	}

	now := time.Now().UTC()
	var expiresAt *time.Time
	if req.ExpiresInSec > 0 {
		t := now.Add(time.Duration(req.ExpiresInSec) * time.Second)
		expiresAt = &t
	}
	raw, key, err := auth.GenerateKey(req.ClientID, req.TargetAgentID, req.SingleUse, expiresAt, now)
	if err != nil {
		WriteError(w, apperr.Wrap(apperr.CodeInternal, "key generation failed", err))
		return
	}
	if err := s.deps.Keys.CreateIssuedKey(key); err != nil {
		WriteError(w, apperr.Wrap(apperr.CodeInternal, "key persistence failed", err))
		return
	}
	s.deps.Log.Info("api key issued",
		"key_id", key.KeyID,
		"client_id", key.ClientID,
		"single_use", key.SingleUse,
		"target_agent_id", key.TargetAgentID,
	)
	writeJSON(w, http.StatusCreated, map[string]any{
		"key":             raw,
		"key_id":          key.KeyID,
		"client_id":       key.ClientID,
		"single_use":      key.SingleUse,
		"target_agent_id": key.TargetAgentID,
		"expires_at":      key.ExpiresAt,
	})
}

func (s *Server) apiStats(w http.ResponseWriter, r *http.Request) {
	// Stats need a real credential, not the anonymous pass-through that an
	// optional-auth deployment admits.
	if rc, ok := auth.FromContext(r.Context()); !ok || rc.Method == auth.MethodNone {
		WriteError(w, apperr.E(apperr.CodeAPIKeyRequired, "stats require authentication"))
		return
	}
	messages, err := s.deps.Stats.CountMessagesByStatus()
	if err != nil {
		WriteError(w, apperr.Wrap(apperr.CodeInternal, "stats query failed", err))
		return
	}
	agents, err := s.deps.Stats.CountAgentsByStatus()
	if err != nil {
		WriteError(w, apperr.Wrap(apperr.CodeInternal, "stats query failed", err))
		return
	}
	msgCounts := map[string]int{}
	for k, v := range messages {
		msgCounts[string(k)] = v
	}
	agentCounts := map[string]int{}
	for k, v := range agents {
		agentCounts[string(k)] = v
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"messages":       msgCounts,
		"agents":         agentCounts,
		"settings":       s.deps.Config.Values(),
		"uptime_seconds": int64(time.Since(s.started).Seconds()),
	})
}
