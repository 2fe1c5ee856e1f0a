package web

import (
	"time"

	"github.com/admp-io/admpd/internal/store"
)

// AgentView is the public representation of an agent. Webhook secrets and
// raw key material never leave the server.
type AgentView struct {
	AgentID            string            `json:"agent_id"`
	RegistrationMode   string            `json:"registration_mode"`
	RegistrationStatus string            `json:"registration_status"`
	DID                string            `json:"did,omitempty"`
	TenantID           string            `json:"tenant_id,omitempty"`
	KeyVersions        []int             `json:"key_versions,omitempty"`
	TrustedAgents      []string          `json:"trusted_agents,omitempty"`
	WebhookURL         string            `json:"webhook_url,omitempty"`
	Heartbeat          store.Heartbeat   `json:"heartbeat"`
	Metadata           map[string]string `json:"metadata,omitempty"`
	CreatedAt          time.Time         `json:"created_at"`
}

func agentView(a *store.Agent) AgentView {
	versions := make([]int, 0, len(a.PublicKeys))
	for _, k := range a.PublicKeys {
		versions = append(versions, k.Version)
	}
	return AgentView{
		AgentID:            a.ID,
		RegistrationMode:   string(a.RegistrationMode),
		RegistrationStatus: string(a.Status()),
		DID:                a.DID,
		TenantID:           a.TenantID,
		KeyVersions:        versions,
		TrustedAgents:      a.TrustedAgents,
		WebhookURL:         a.WebhookURL,
		Heartbeat:          a.Heartbeat,
		Metadata:           a.Metadata,
		CreatedAt:          a.CreatedAt,
	}
}
