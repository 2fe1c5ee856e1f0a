package web

import (
	"net/http"

	"github.com/admp-io/admpd/internal/identity"
)

func (s *Server) apiRegister(w http.ResponseWriter, r *http.Request) {
	var req identity.RegisterRequest
	if err := decodeJSON(r, &req); err != nil {
		WriteError(w, err)
		return
	}
	agent, err := s.deps.Identity.Register(req)
	if err != nil {
		WriteError(w, err)
		return
	}
	s.deps.Log.Info("agent registered",
		"agent_id", agent.ID,
		"mode", string(agent.RegistrationMode),
		"status", string(agent.Status()),
		"client_ip", clientIP(r),
	)
	writeJSON(w, http.StatusCreated, agentView(agent))
}

func (s *Server) apiDeregister(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Identity.Deregister(r.PathValue("id")); err != nil {
		WriteError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deregistered"})
}

func (s *Server) apiHeartbeat(w http.ResponseWriter, r *http.Request) {
	hb, err := s.deps.Identity.Heartbeat(r.PathValue("id"))
	if err != nil {
		WriteError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, hb)
}

func (s *Server) apiRotateKey(w http.ResponseWriter, r *http.Request) {
	var req struct {
		PublicKey string `json:"public_key"`
	}
	if err := decodeJSON(r, &req); err != nil {
		WriteError(w, err)
		return
	}
	agent, err := s.deps.Identity.RotateKey(r.PathValue("id"), req.PublicKey)
	if err != nil {
		WriteError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, agentView(agent))
}

func (s *Server) apiAgentStats(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	msgs, err := s.deps.Inbox.Inbox(id)
	if err != nil {
		WriteError(w, err)
		return
	}
	byStatus := map[string]int{}
	for _, m := range msgs {
		byStatus[string(m.Status)]++
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"agent_id": id,
		"total":    len(msgs),
		"statuses": byStatus,
	})
}

func (s *Server) apiDIDDocument(w http.ResponseWriter, r *http.Request) {
	doc, err := s.deps.Identity.DIDDocument(r.PathValue("id"))
	if err != nil {
		WriteError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, doc)
}

func (s *Server) apiAddTrust(w http.ResponseWriter, r *http.Request) {
	var req struct {
		AgentID string `json:"agent_id"`
	}
	if err := decodeJSON(r, &req); err != nil {
		WriteError(w, err)
		return
	}
	agent, err := s.deps.Identity.AddTrust(r.PathValue("id"), req.AgentID)
	if err != nil {
		WriteError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"trusted_agents": agent.TrustedAgents})
}

func (s *Server) apiRemoveTrust(w http.ResponseWriter, r *http.Request) {
	agent, err := s.deps.Identity.RemoveTrust(r.PathValue("id"), r.PathValue("peer"))
	if err != nil {
		WriteError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"trusted_agents": agent.TrustedAgents})
}

func (s *Server) apiSetWebhook(w http.ResponseWriter, r *http.Request) {
	var req struct {
		URL    string `json:"url"`
		Secret string `json:"secret,omitempty"`
	}
	if err := decodeJSON(r, &req); err != nil {
		WriteError(w, err)
		return
	}
	if err := s.deps.Identity.SetWebhook(r.PathValue("id"), req.URL, req.Secret); err != nil {
		WriteError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "configured"})
}

func (s *Server) apiClearWebhook(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Identity.ClearWebhook(r.PathValue("id")); err != nil {
		WriteError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "cleared"})
}
