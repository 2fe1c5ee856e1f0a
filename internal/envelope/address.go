package envelope

import (
	"strings"

	"github.com/admp-io/admpd/internal/apperr"
)

// AddressKind tags the variants an envelope from/to value can take.
type AddressKind int

const (
	// AddrBare is a plain registered agent ID.
	AddrBare AddressKind = iota
	// AddrLegacy is the backward-compat agent://<id> URI form.
	AddrLegacy
	// AddrDIDSeed is a did:seed:<fingerprint> identifier.
	AddrDIDSeed
	// AddrDIDWeb is a did:web:<domain>[:path...] identifier.
	AddrDIDWeb
)

func (k AddressKind) String() string {
	switch k {
	case AddrBare:
		return "bare"
	case AddrLegacy:
		return "legacy"
	case AddrDIDSeed:
		return "did:seed"
	case AddrDIDWeb:
		return "did:web"
	default:
		return "unknown"
	}
}

// Address is the parsed form of an envelope from/to value.
type Address struct {
	Kind AddressKind
	// Raw is the original string as sent.
	Raw string
	// ID is the lookup value: the bare agent ID for Bare and Legacy, the
	// full DID string for the DID kinds.
	ID string
}

// ParseAddress classifies an envelope address. It validates only the shape;
// existence is the resolver's business.
func ParseAddress(s string) (Address, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Address{}, apperr.E(apperr.CodeSendFailed, "empty address")
	}
	lower := strings.ToLower(s)
	switch {
	case strings.HasPrefix(lower, "agent://"):
		id := s[len("agent://"):]
		if err := ValidateAgentID(id); err != nil {
			return Address{}, err
		}
		return Address{Kind: AddrLegacy, Raw: s, ID: id}, nil
	case strings.HasPrefix(lower, "did:seed:"):
		if len(s) <= len("did:seed:") {
			return Address{}, apperr.E(apperr.CodeSendFailed, "did:seed identifier missing fingerprint")
		}
		return Address{Kind: AddrDIDSeed, Raw: s, ID: s}, nil
	case strings.HasPrefix(lower, "did:web:"):
		if len(s) <= len("did:web:") {
			return Address{}, apperr.E(apperr.CodeSendFailed, "did:web identifier missing domain")
		}
		return Address{Kind: AddrDIDWeb, Raw: s, ID: s}, nil
	default:
		if err := ValidateAgentID(s); err != nil {
			return Address{}, err
		}
		return Address{Kind: AddrBare, Raw: s, ID: s}, nil
	}
}

// StripKidPrefix normalises a signature kid: any agent:// prefix is removed,
// DIDs pass through untouched.
func StripKidPrefix(kid string) string {
	if strings.HasPrefix(strings.ToLower(kid), "agent://") {
		return kid[len("agent://"):]
	}
	return kid
}
