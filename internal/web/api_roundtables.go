package web

import (
	"encoding/json"
	"net/http"

	"github.com/admp-io/admpd/internal/roundtable"
)

func (s *Server) apiCreateRoundTable(w http.ResponseWriter, r *http.Request) {
	agent, err := caller(r)
	if err != nil {
		WriteError(w, err)
		return
	}
	var req roundtable.CreateRequest
	if err := decodeJSON(r, &req); err != nil {
		WriteError(w, err)
		return
	}
	res, err := s.deps.Tables.Create(agent.ID, req)
	if err != nil {
		WriteError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, res)
}

func (s *Server) apiGetRoundTable(w http.ResponseWriter, r *http.Request) {
	rt, err := s.deps.Tables.Get(r.PathValue("rid"))
	if err != nil {
		WriteError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rt)
}

func (s *Server) apiSpeak(w http.ResponseWriter, r *http.Request) {
	agent, err := caller(r)
	if err != nil {
		WriteError(w, err)
		return
	}
	var req struct {
		Content json.RawMessage `json:"content"`
	}
	if err := decodeJSON(r, &req); err != nil {
		WriteError(w, err)
		return
	}
	rt, err := s.deps.Tables.Speak(r.PathValue("rid"), agent.ID, req.Content)
	if err != nil {
		WriteError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"round_table_id": rt.ID,
		"thread_length":  len(rt.Thread),
		"status":         string(rt.Status),
	})
}

func (s *Server) apiResolveRoundTable(w http.ResponseWriter, r *http.Request) {
	agent, err := caller(r)
	if err != nil {
		WriteError(w, err)
		return
	}
	var req struct {
		Outcome string `json:"outcome"`
	}
	if err := decodeJSON(r, &req); err != nil {
		WriteError(w, err)
		return
	}
	rt, err := s.deps.Tables.Resolve(r.PathValue("rid"), agent.ID, req.Outcome)
	if err != nil {
		WriteError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rt)
}
