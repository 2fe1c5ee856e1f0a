// Package envelope defines the canonical message envelope, the agent-ID and
// address rules, and envelope signature construction.
package envelope

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/admp-io/admpd/internal/apperr"
)

// Version is the only accepted envelope version.
const Version = "1.0"

// MaxAgentIDLen is checked before the charset regex so pathological inputs
// short-circuit.
const MaxAgentIDLen = 255

// TimestampSkew is the accepted clock skew around server time, inclusive.
const TimestampSkew = 5 * time.Minute

var agentIDPattern = regexp.MustCompile(`^[A-Za-z0-9._:-]+$`)

// Signature is the optional envelope-level signature block.
type Signature struct {
	Alg string `json:"alg"`
	Kid string `json:"kid"`
	Sig string `json:"sig"`
}

// Envelope is the canonical message payload. Timestamp stays a string: the
// signing base covers the sender's exact bytes, so re-formatting it would
// break verification.
type Envelope struct {
	Version        string          `json:"version"`
	ID             string          `json:"id,omitempty"`
	Type           string          `json:"type,omitempty"`
	From           string          `json:"from"`
	To             string          `json:"to"`
	Subject        string          `json:"subject"`
	Timestamp      string          `json:"timestamp"`
	CorrelationID  string          `json:"correlation_id,omitempty"`
	Headers        map[string]any  `json:"headers,omitempty"`
	Body           json.RawMessage `json:"body,omitempty"`
	TTLSec         int64           `json:"ttl_sec,omitempty"`
	GroupID        string          `json:"group_id,omitempty"`
	GroupMessageID string          `json:"group_message_id,omitempty"`
	Signature      *Signature      `json:"signature,omitempty"`
}

// Time parses the envelope timestamp. RFC 3339 with or without fractional
// seconds is the accepted ISO-8601 profile.
func (e *Envelope) Time() (time.Time, error) {
	return ParseTimestamp(e.Timestamp)
}

// ParseTimestamp parses an ISO-8601 timestamp string.
func ParseTimestamp(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("timestamp %q is not ISO-8601: %w", s, err)
	}
	return t, nil
}

// Validate checks the envelope shape and timestamp freshness against now.
// Shape problems map to SEND_FAILED, timestamp problems to INVALID_TIMESTAMP.
func (e *Envelope) Validate(now time.Time) error {
	if e.Version != Version {
		return apperr.Ef(apperr.CodeSendFailed, "envelope version must be %q", Version)
	}
	if strings.TrimSpace(e.From) == "" {
		return apperr.E(apperr.CodeSendFailed, "envelope missing from")
	}
	if strings.TrimSpace(e.To) == "" {
		return apperr.E(apperr.CodeSendFailed, "envelope missing to")
	}
	if strings.TrimSpace(e.Subject) == "" {
		return apperr.E(apperr.CodeSendFailed, "envelope missing subject")
	}
	if e.Timestamp == "" {
		return apperr.E(apperr.CodeInvalidTimestamp, "envelope missing timestamp")
	}
	ts, err := e.Time()
	if err != nil {
		return apperr.Wrap(apperr.CodeInvalidTimestamp, "timestamp is not ISO-8601", err)
	}
	if err := CheckFreshness(ts, now); err != nil {
		return err
	}
	if e.Signature != nil {
		if e.Signature.Alg != "ed25519" {
			return apperr.Ef(apperr.CodeInvalidSignature, "unsupported signature algorithm %q", e.Signature.Alg)
		}
		if e.Signature.Kid == "" || e.Signature.Sig == "" {
			return apperr.E(apperr.CodeInvalidSignature, "signature block missing kid or sig")
		}
	}
	return nil
}

// CheckFreshness enforces the ±5 minute window, inclusive at the boundary.
func CheckFreshness(ts, now time.Time) error {
	d := now.Sub(ts)
	if d < 0 {
		d = -d
	}
	if d > TimestampSkew {
		return apperr.Ef(apperr.CodeInvalidTimestamp, "timestamp outside the ±%s window", TimestampSkew)
	}
	return nil
}

// ValidateAgentID enforces the boundary rules every agent identifier must
// pass regardless of how it was created: bounded length, no control
// characters, and for ordinary identifiers the documented charset.
// System-generated did-web shadow IDs may contain '/' path separators, so
// they skip the charset regex but not the other checks.
func ValidateAgentID(id string) error {
	if id == "" {
		return apperr.E(apperr.CodeInvalidAgentID, "agent id must not be empty")
	}
	if len(id) > MaxAgentIDLen {
		return apperr.Ef(apperr.CodeInvalidAgentID, "agent id exceeds %d characters", MaxAgentIDLen)
	}
	for _, r := range id {
		if r < 0x20 || r == 0x7f {
			return apperr.E(apperr.CodeInvalidAgentID, "agent id contains control characters")
		}
	}
	if strings.HasPrefix(id, "did-web:") {
		return nil
	}
	if !agentIDPattern.MatchString(id) {
		return apperr.E(apperr.CodeInvalidAgentID, "agent id contains characters outside [A-Za-z0-9._:-]")
	}
	return nil
}

// ValidateNewAgentID applies the registration-time rules: everything
// ValidateAgentID checks, plus the reserved did:/agent: prefixes which only
// the system may mint.
func ValidateNewAgentID(id string) error {
	if err := ValidateAgentID(id); err != nil {
		return err
	}
	lower := strings.ToLower(id)
	if strings.HasPrefix(lower, "did:") || strings.HasPrefix(lower, "agent:") {
		return apperr.E(apperr.CodeInvalidAgentID, "agent id must not start with a reserved did: or agent: prefix")
	}
	if strings.HasPrefix(lower, "did-web:") {
		return apperr.E(apperr.CodeInvalidAgentID, "did-web identifiers are system generated")
	}
	return nil
}
