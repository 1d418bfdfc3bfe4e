// Package bridge converts between UAM's self-signed ContactCard and an
// external "A2A" agent card shape, grounded on pkg/agentcard's A2ACard/
// A2ASkill/A2ACapabilities struct shapes, reused here for an unrelated card
// family carried over a different transport.
package bridge

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/uam-network/uam-relay/internal/protocol/card"
)

// sentinelDomain is used as an A2A-origin contact's address domain when its
// url field carries no discoverable host.
const sentinelDomain = "a2a.bridge"

// A2ACapabilities mirrors the A2A protocol's streaming/notification
// capability flags.
type A2ACapabilities struct {
	Streaming              bool `json:"streaming"`
	PushNotifications      bool `json:"pushNotifications"`
	StateTransitionHistory bool `json:"stateTransitionHistory"`
}

// A2ASkill describes one capability or task type an A2A agent supports.
type A2ASkill struct {
	ID          string   `json:"id"`
	Name        string   `json:"name"`
	Description string   `json:"description,omitempty"`
	Tags        []string `json:"tags,omitempty"`
}

// A2ACard is the external agent-card shape UAM contacts are projected into
// (and parsed from) at the bridge boundary.
type A2ACard struct {
	Name         string          `json:"name"`
	Description  string          `json:"description,omitempty"`
	URL          string          `json:"url"`
	Version      string          `json:"version"`
	Capabilities A2ACapabilities `json:"capabilities"`
	Skills       []A2ASkill      `json:"skills,omitempty"`
}

// BridgeMetadata carries the A2A-specific fields a UAM ContactCard has no
// room for, kept alongside rather than lossily dropped or smuggled into
// ContactCard's extension fields.
type BridgeMetadata struct {
	OriginURL     string
	OriginVersion string
	Capabilities  A2ACapabilities
	Skills        []A2ASkill
}

const bridgeSkillID = "uam-messaging"

// ToA2A projects a UAM contact card into the external A2A shape: display
// name becomes name, connection_endpoint becomes url (falling back to a
// derived HTTPS URL from the address's domain when absent), and every
// projected card advertises a single "uam-messaging" skill tagged
// "encrypted" so A2A-side discovery can tell it apart from a plain A2A
// endpoint.
func ToA2A(c *card.ContactCard) (A2ACard, error) {
	if c == nil {
		return A2ACard{}, fmt.Errorf("bridge: nil contact card")
	}

	endpoint := ""
	if c.ConnectionEndpoint != nil {
		endpoint = *c.ConnectionEndpoint
	}
	if endpoint == "" {
		domain, err := domainOf(c.Address)
		if err != nil {
			return A2ACard{}, fmt.Errorf("derive fallback endpoint: %w", err)
		}
		endpoint = "https://" + domain
	}

	description := ""
	if c.Description != nil {
		description = *c.Description
	}

	return A2ACard{
		Name:        c.DisplayName,
		Description: description,
		URL:         endpoint,
		Version:     card.CardVersion,
		Capabilities: A2ACapabilities{
			Streaming: false,
		},
		Skills: []A2ASkill{
			{
				ID:          bridgeSkillID,
				Name:        "UAM messaging",
				Description: "Send and receive end-to-end encrypted UAM messages",
				Tags:        []string{"encrypted"},
			},
		},
	}, nil
}

// FromA2A parses an external A2A card into an opaque UAM ContactCard: the
// card carries no UAM signature (it was never signed by a UAM keypair), so
// public_key and signature are left empty and the caller must treat the
// result as unverifiable, bridge-origin contact data. Name is required;
// address is derived from the host portion of url, or sentinelDomain if
// url has no discoverable host.
func FromA2A(a A2ACard) (*card.ContactCard, BridgeMetadata, error) {
	if strings.TrimSpace(a.Name) == "" {
		return nil, BridgeMetadata{}, fmt.Errorf("bridge: a2a card missing required field \"name\"")
	}

	domain := sentinelDomain
	if host := hostOf(a.URL); host != "" {
		domain = strings.ToLower(host)
	}

	system := "a2a"
	relay := "bridge://a2a"
	address := slugify(a.Name) + "::" + domain

	c := &card.ContactCard{
		Version:     card.CardVersion,
		Address:     address,
		DisplayName: a.Name,
		Relay:       relay,
		PublicKey:   "",
		Signature:   "",
		System:      &system,
	}
	if a.Description != "" {
		c.Description = &a.Description
	}
	if a.URL != "" {
		c.ConnectionEndpoint = &a.URL
	}

	meta := BridgeMetadata{
		OriginURL:     a.URL,
		OriginVersion: a.Version,
		Capabilities:  a.Capabilities,
		Skills:        a.Skills,
	}
	return c, meta, nil
}

func domainOf(address string) (string, error) {
	parts := strings.SplitN(address, "::", 2)
	if len(parts) != 2 || parts[1] == "" {
		return "", fmt.Errorf("malformed UAM address %q", address)
	}
	return parts[1], nil
}

func hostOf(rawURL string) string {
	if rawURL == "" {
		return ""
	}
	u, err := url.Parse(rawURL)
	if err != nil || u.Host == "" {
		return ""
	}
	return u.Hostname()
}

// slugify lowercases name and replaces anything outside [a-z0-9-] with '-',
// so an arbitrary A2A display name becomes a valid UAM address name part.
func slugify(name string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(name) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '-':
			b.WriteRune(r)
		default:
			b.WriteRune('-')
		}
	}
	s := strings.Trim(b.String(), "-")
	if s == "" {
		s = "a2a-agent"
	}
	return s
}
