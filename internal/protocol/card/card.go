// Package card implements UAM ContactCard creation and verification: a
// self-signed identity record with a stable signature scope that excludes
// its forward-compatible extension fields.
package card

import (
	"crypto/ed25519"
	"encoding/base64"
	"encoding/json"
	"fmt"

	"github.com/uam-network/uam-relay/internal/protocol/address"
	uamcrypto "github.com/uam-network/uam-relay/internal/protocol/crypto"
)

// CardVersion is the current contact card schema version.
const CardVersion = "1"

// ErrInvalidCard is returned for malformed or unverifiable cards.
var ErrInvalidCard = fmt.Errorf("invalid contact card")

// ContactCard is an agent's self-signed identity record, published for
// contacts to fetch and cache before sending.
//
// Required fields (inside the signature scope): Version, Address,
// DisplayName, Relay, PublicKey, Signature.
// Optional signed fields: Description, System, ConnectionEndpoint,
// VerifiedDomain.
// Optional extension fields (outside the signature scope, forward
// compatible): PayloadFormats, Fingerprint, Relays.
type ContactCard struct {
	Version            string   `json:"version"`
	Address            string   `json:"address"`
	DisplayName        string   `json:"display_name"`
	Relay              string   `json:"relay"`
	PublicKey          string   `json:"public_key"`
	Signature          string   `json:"signature"`
	Description        *string  `json:"description,omitempty"`
	System             *string  `json:"system,omitempty"`
	ConnectionEndpoint *string  `json:"connection_endpoint,omitempty"`
	VerifiedDomain     *string  `json:"verified_domain,omitempty"`
	PayloadFormats     []string `json:"payload_formats,omitempty"`
	Fingerprint        string   `json:"fingerprint,omitempty"`
	Relays             []string `json:"relays,omitempty"`
}

// buildSignableMap returns the map covered by the card's signature: the
// required fields plus any non-nil optional signed field. Extension fields
// (payload_formats, fingerprint, relays) are deliberately excluded so older
// agents can still verify newer cards.
func (c *ContactCard) buildSignableMap() map[string]any {
	m := map[string]any{
		"version":      c.Version,
		"address":      c.Address,
		"display_name": c.DisplayName,
		"relay":        c.Relay,
		"public_key":   c.PublicKey,
	}
	if c.Description != nil {
		m["description"] = *c.Description
	}
	if c.System != nil {
		m["system"] = *c.System
	}
	if c.ConnectionEndpoint != nil {
		m["connection_endpoint"] = *c.ConnectionEndpoint
	}
	if c.VerifiedDomain != nil {
		m["verified_domain"] = *c.VerifiedDomain
	}
	return m
}

// CreateOptions carries the optional signed fields and forward-compatible
// extension fields accepted by CreateContactCard.
type CreateOptions struct {
	Description        *string
	System             *string
	ConnectionEndpoint *string
	VerifiedDomain     *string
	PayloadFormats     []string
	Relays             []string
}

// CreateContactCard builds and signs a new ContactCard for addr, signed by
// the keypair whose verify key is vk.
func CreateContactCard(addr, displayName, relay string, sk ed25519.PrivateKey, vk ed25519.PublicKey, opts CreateOptions) (*ContactCard, error) {
	if _, err := address.Parse(addr); err != nil {
		return nil, fmt.Errorf("parse address: %w", err)
	}
	c := &ContactCard{
		Version:            CardVersion,
		Address:            addr,
		DisplayName:        displayName,
		Relay:              relay,
		PublicKey:          base64.StdEncoding.EncodeToString(vk),
		Description:        opts.Description,
		System:             opts.System,
		ConnectionEndpoint: opts.ConnectionEndpoint,
		VerifiedDomain:     opts.VerifiedDomain,
		PayloadFormats:     opts.PayloadFormats,
		Relays:             opts.Relays,
		Fingerprint:        uamcrypto.Fingerprint(vk),
	}
	canon, err := uamcrypto.Canonicalize(c.buildSignableMap())
	if err != nil {
		return nil, fmt.Errorf("canonicalize signable map: %w", err)
	}
	c.Signature = uamcrypto.Sign(canon, sk)
	return c, nil
}

// VerifyContactCard verifies c's signature using its own embedded
// public_key (contact cards are self-verifying). The fingerprint field is
// advisory: a mismatch against the derived value does not invalidate the
// card (see DESIGN.md Open Question resolution).
func VerifyContactCard(c *ContactCard) error {
	vkBytes, err := base64.StdEncoding.DecodeString(c.PublicKey)
	if err != nil {
		return fmt.Errorf("%w: bad public_key encoding: %v", ErrInvalidCard, err)
	}
	if len(vkBytes) != ed25519.PublicKeySize {
		return fmt.Errorf("%w: bad public_key length %d", ErrInvalidCard, len(vkBytes))
	}
	vk := ed25519.PublicKey(vkBytes)
	canon, err := uamcrypto.Canonicalize(c.buildSignableMap())
	if err != nil {
		return fmt.Errorf("canonicalize signable map: %w", err)
	}
	if err := uamcrypto.Verify(canon, c.Signature, vk); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidCard, err)
	}
	return nil
}

// ToDict renders the card as a generic JSON-compatible map.
func (c *ContactCard) ToDict() (map[string]any, error) {
	raw, err := json.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("marshal card: %w", err)
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("unmarshal card to map: %w", err)
	}
	return m, nil
}

// FromDict parses a generic wire map into a ContactCard.
func FromDict(m map[string]any) (*ContactCard, error) {
	required := []string{"version", "address", "display_name", "relay", "public_key", "signature"}
	for _, f := range required {
		if _, ok := m[f]; !ok {
			return nil, fmt.Errorf("%w: missing required field %q", ErrInvalidCard, f)
		}
	}
	raw, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidCard, err)
	}
	var c ContactCard
	if err := json.Unmarshal(raw, &c); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidCard, err)
	}
	return &c, nil
}
