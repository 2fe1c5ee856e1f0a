package web

import (
	"encoding/json"
	"net/http"

	"github.com/admp-io/admpd/internal/group"
	"github.com/admp-io/admpd/internal/store"
)

func (s *Server) apiCreateGroup(w http.ResponseWriter, r *http.Request) {
	agent, err := caller(r)
	if err != nil {
		WriteError(w, err)
		return
	}
	var req group.CreateRequest
	if err := decodeJSON(r, &req); err != nil {
		WriteError(w, err)
		return
	}
	g, err := s.deps.Groups.Create(agent.ID, req)
	if err != nil {
		WriteError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, groupView(g))
}

func (s *Server) apiGetGroup(w http.ResponseWriter, r *http.Request) {
	g, err := s.deps.Groups.Get(r.PathValue("gid"))
	if err != nil {
		WriteError(w, err)
		return
	}
	// Non-members see the public projection only.
	if !isMaster(r) {
		agent, err := caller(r)
		if err != nil {
			WriteError(w, err)
			return
		}
		if _, ok := g.Member(agent.ID); !ok {
			writeJSON(w, http.StatusOK, group.Project(g))
			return
		}
	}
	writeJSON(w, http.StatusOK, groupView(g))
}

func (s *Server) apiUpdateGroup(w http.ResponseWriter, r *http.Request) {
	agent, err := caller(r)
	if err != nil {
		WriteError(w, err)
		return
	}
	var req struct {
		Settings store.GroupSettings `json:"settings"`
	}
	if err := decodeJSON(r, &req); err != nil {
		WriteError(w, err)
		return
	}
	g, err := s.deps.Groups.UpdateSettings(r.PathValue("gid"), agent.ID, req.Settings)
	if err != nil {
		WriteError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, groupView(g))
}

func (s *Server) apiDeleteGroup(w http.ResponseWriter, r *http.Request) {
	agent, err := caller(r)
	if err != nil {
		WriteError(w, err)
		return
	}
	if err := s.deps.Groups.Delete(r.PathValue("gid"), agent.ID); err != nil {
		WriteError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

func (s *Server) apiJoinGroup(w http.ResponseWriter, r *http.Request) {
	agent, err := caller(r)
	if err != nil {
		WriteError(w, err)
		return
	}
	var req struct {
		JoinKey string `json:"join_key,omitempty"`
	}
	_ = json.NewDecoder(r.Body).Decode(&req)

	g, err := s.deps.Groups.Join(r.PathValue("gid"), agent.ID, req.JoinKey)
	if err != nil {
		WriteError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, groupView(g))
}

func (s *Server) apiLeaveGroup(w http.ResponseWriter, r *http.Request) {
	agent, err := caller(r)
	if err != nil {
		WriteError(w, err)
		return
	}
	if _, err := s.deps.Groups.Leave(r.PathValue("gid"), agent.ID); err != nil {
		WriteError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "left"})
}

func (s *Server) apiAddGroupMember(w http.ResponseWriter, r *http.Request) {
	agent, err := caller(r)
	if err != nil {
		WriteError(w, err)
		return
	}
	var req struct {
		AgentID string          `json:"agent_id"`
		Role    store.GroupRole `json:"role,omitempty"`
	}
	if err := decodeJSON(r, &req); err != nil {
		WriteError(w, err)
		return
	}
	if req.Role == "" {
		req.Role = store.RoleMember
	}
	g, err := s.deps.Groups.AddMember(r.PathValue("gid"), agent.ID, req.AgentID, req.Role)
	if err != nil {
		WriteError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, groupView(g))
}

func (s *Server) apiRemoveGroupMember(w http.ResponseWriter, r *http.Request) {
	agent, err := caller(r)
	if err != nil {
		WriteError(w, err)
		return
	}
	g, err := s.deps.Groups.RemoveMember(r.PathValue("gid"), agent.ID, r.PathValue("aid"))
	if err != nil {
		WriteError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, groupView(g))
}

func (s *Server) apiPostGroupMessage(w http.ResponseWriter, r *http.Request) {
	agent, err := caller(r)
	if err != nil {
		WriteError(w, err)
		return
	}
	var req struct {
		Subject string          `json:"subject"`
		Body    json.RawMessage `json:"body,omitempty"`
	}
	if err := decodeJSON(r, &req); err != nil {
		WriteError(w, err)
		return
	}
	res, err := s.deps.Groups.Post(r.Context(), r.PathValue("gid"), agent.ID, req.Subject, req.Body)
	if err != nil {
		WriteError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, res)
}

func (s *Server) apiGroupHistory(w http.ResponseWriter, r *http.Request) {
	agent, err := caller(r)
	if err != nil {
		WriteError(w, err)
		return
	}
	msgs, err := s.deps.Groups.History(r.PathValue("gid"), agent.ID)
	if err != nil {
		WriteError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"group_id": r.PathValue("gid"),
		"messages": msgs,
		"count":    len(msgs),
	})
}

// GroupView is the member-facing group representation. The join key hash
// stays server-side.
type GroupView struct {
	ID        string              `json:"id"`
	Name      string              `json:"name"`
	Access    store.GroupAccess   `json:"access"`
	Owner     string              `json:"owner,omitempty"`
	Members   []store.GroupMember `json:"members"`
	Settings  store.GroupSettings `json:"settings"`
	CreatedAt string              `json:"created_at,omitempty"`
}

func groupView(g *store.Group) GroupView {
	v := GroupView{
		ID:       g.ID,
		Name:     g.Name,
		Access:   g.Access,
		Members:  g.Members,
		Settings: g.Settings,
	}
	v.Owner = g.Owner()
	if !g.CreatedAt.IsZero() {
		v.CreatedAt = g.CreatedAt.UTC().Format("2006-01-02T15:04:05Z07:00")
	}
	return v
}
