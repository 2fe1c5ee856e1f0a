package web

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/admp-io/admpd/internal/apperr"
	"github.com/admp-io/admpd/internal/envelope"
	"github.com/admp-io/admpd/internal/inbox"
	"github.com/admp-io/admpd/internal/store"
)

// sendRequest is an envelope plus the top-level delivery options, which are
// not part of the signed envelope.
type sendRequest struct {
	envelope.Envelope
	Ephemeral bool            `json:"ephemeral,omitempty"`
	TTL       json.RawMessage `json:"ttl,omitempty"`
}

// ttlString normalises the ttl option, which clients send either as a JSON
// number of seconds or as a duration string.
func ttlString(raw json.RawMessage) (string, error) {
	if len(raw) == 0 {
		return "", nil
	}
	var asString string
	if err := json.Unmarshal(raw, &asString); err == nil {
		return asString, nil
	}
	var asNumber int64
	if err := json.Unmarshal(raw, &asNumber); err == nil {
		return strconv.FormatInt(asNumber, 10), nil
	}
	return "", apperr.E(apperr.CodeInvalidRequest, "ttl must be a number of seconds or a duration string")
}

func (s *Server) apiSend(w http.ResponseWriter, r *http.Request) {
	sender, err := caller(r)
	if err != nil && !isMaster(r) {
		WriteError(w, err)
		return
	}

	var req sendRequest
	if err := decodeJSON(r, &req); err != nil {
		WriteError(w, err)
		return
	}
	// The authenticated caller must be the envelope sender. The master key
	// may send on behalf of any agent.
	if sender != nil && req.From != sender.ID {
		WriteError(w, apperr.E(apperr.CodeForbidden, "envelope from must match the authenticated agent"))
		return
	}

	ttl, err := ttlString(req.TTL)
	if err != nil {
		WriteError(w, err)
		return
	}
	res, err := s.deps.Inbox.Send(r.Context(), &req.Envelope, inbox.SendOptions{
		Ephemeral: req.Ephemeral,
		TTL:       ttl,
	})
	if err != nil {
		WriteError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, res)
}

func (s *Server) apiPull(w http.ResponseWriter, r *http.Request) {
	var req struct {
		VisibilityTimeoutSec int64 `json:"visibility_timeout_sec,omitempty"`
	}
	// The body is optional; an empty read means defaults.
	_ = json.NewDecoder(r.Body).Decode(&req)

	visibility := inbox.DefaultVisibilityTimeout
	if req.VisibilityTimeoutSec > 0 {
		visibility = time.Duration(req.VisibilityTimeoutSec) * time.Second
	}
	msg, err := s.deps.Inbox.Pull(r.PathValue("id"), visibility)
	if err != nil {
		WriteError(w, err)
		return
	}
	if msg == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	writeJSON(w, http.StatusOK, msg)
}

func (s *Server) apiAck(w http.ResponseWriter, r *http.Request) {
	agent, err := caller(r)
	if err != nil {
		WriteError(w, err)
		return
	}
	var req struct {
		Result json.RawMessage `json:"result,omitempty"`
	}
	_ = json.NewDecoder(r.Body).Decode(&req)

	msg, err := s.deps.Inbox.Ack(agent.ID, r.PathValue("mid"), req.Result)
	if err != nil {
		WriteError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"message_id": msg.ID,
		"status":     string(msg.Status),
	})
}

func (s *Server) apiNack(w http.ResponseWriter, r *http.Request) {
	agent, err := caller(r)
	if err != nil {
		WriteError(w, err)
		return
	}
	var req struct {
		ExtendSec int64 `json:"extend_sec,omitempty"`
	}
	_ = json.NewDecoder(r.Body).Decode(&req)

	msg, err := s.deps.Inbox.Nack(agent.ID, r.PathValue("mid"), inbox.NackOptions{ExtendSec: req.ExtendSec})
	if err != nil {
		WriteError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"message_id":  msg.ID,
		"status":      string(msg.Status),
		"lease_until": msg.LeaseUntil,
	})
}

func (s *Server) apiReply(w http.ResponseWriter, r *http.Request) {
	agent, err := caller(r)
	if err != nil {
		WriteError(w, err)
		return
	}
	var req inbox.ReplyRequest
	if err := decodeJSON(r, &req); err != nil {
		WriteError(w, err)
		return
	}
	res, err := s.deps.Inbox.Reply(r.Context(), agent.ID, r.PathValue("mid"), req)
	if err != nil {
		WriteError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, res)
}

func (s *Server) apiMessageStatus(w http.ResponseWriter, r *http.Request) {
	msg, err := s.deps.Inbox.Status(r.PathValue("mid"))
	if err != nil {
		WriteError(w, err)
		return
	}
	// Message status is visible to sender, recipient and the master key.
	if !isMaster(r) {
		agent, err := caller(r)
		if err != nil {
			WriteError(w, err)
			return
		}
		if msg.To != agent.ID && msg.From != agent.ID {
			WriteError(w, apperr.E(apperr.CodeMessageNotFound, "message not found"))
			return
		}
	}
	status := http.StatusOK
	if msg.Status == store.MsgPurged {
		status = http.StatusGone
		// The dropped body serializes as an explicit null, not an absent key.
		msg.Envelope.Body = json.RawMessage("null")
	}
	writeJSON(w, status, msg)
}
