// Package handshake implements the SDK's trust handshake state machine and
// TOFU (trust-on-first-use) key-pinning gate: unknown contacts progress
// through provisional/pending states to pinned or verified depending on the
// agent's configured trust policy, and any re-resolved key that disagrees
// with an already-pinned/verified/trusted contact is treated as a fatal,
// never-silent integrity failure.
package handshake

import (
	"context"
	"crypto/ed25519"
	"encoding/base64"
	"encoding/json"
	"fmt"

	"github.com/uam-network/uam-relay/internal/protocol/card"
	uamcrypto "github.com/uam-network/uam-relay/internal/protocol/crypto"
	"github.com/uam-network/uam-relay/internal/protocol/envelope"
	"github.com/uam-network/uam-relay/internal/sdk/contactbook"
)

// Policy selects how inbound handshake.request messages are handled.
type Policy string

const (
	PolicyAutoAccept        Policy = "auto-accept"
	PolicyApprovalRequired  Policy = "approval-required"
	PolicyAllowlistOnly     Policy = "allowlist-only"
	PolicyRequireVerify     Policy = "require_verify"
)

// KeyPinningError reports that a re-resolved public key disagrees with the
// key already pinned, verified, or trusted for a contact. It is fatal and
// must never be swallowed: the caller owns deciding how to surface it.
type KeyPinningError struct {
	Address string
}

func (e *KeyPinningError) Error() string {
	return fmt.Sprintf("CRITICAL: key mismatch for pinned contact %s, possible impersonation", e.Address)
}

// Sender abstracts the outbound transport so this package does not import
// internal/sdk/transport (which in turn depends on handshake-adjacent wire
// types only through generic maps).
type Sender interface {
	Send(ctx context.Context, wire map[string]any) error
}

// Identity carries the caller's own signing material and card metadata,
// passed explicitly rather than stored so a Manager can serve any number of
// local agents in tests.
type Identity struct {
	Address     string
	DisplayName string
	Relay       string
	SigningKey  ed25519.PrivateKey
	VerifyKey   ed25519.PublicKey
}

// Manager runs the handshake state machine against one contact book.
type Manager struct {
	book      *contactbook.Book
	policy    Policy
	allowlist func(address string) bool
}

// New constructs a Manager enforcing policy against book.
func New(book *contactbook.Book, policy Policy) *Manager {
	return &Manager{book: book, policy: policy}
}

// SetAllowlistFunc registers the predicate allowlist-only consults to decide
// whether an unknown sender may proceed to auto-accept treatment.
func (m *Manager) SetAllowlistFunc(allowed func(address string) bool) {
	m.allowlist = allowed
}

// Policy returns the manager's configured trust policy.
func (m *Manager) Policy() Policy { return m.policy }

// CreateHandshakeRequest builds a handshake.request envelope carrying the
// local identity's signed contact card as its sealed payload, for a
// never-before-contacted recipient.
func CreateHandshakeRequest(id Identity, toAddress string, recipientVK ed25519.PublicKey) (map[string]any, error) {
	c, err := card.CreateContactCard(id.Address, id.DisplayName, id.Relay, id.SigningKey, id.VerifyKey, card.CreateOptions{})
	if err != nil {
		return nil, fmt.Errorf("create contact card: %w", err)
	}
	cardDict, err := c.ToDict()
	if err != nil {
		return nil, fmt.Errorf("render contact card: %w", err)
	}
	payload, err := json.Marshal(cardDict)
	if err != nil {
		return nil, fmt.Errorf("marshal contact card: %w", err)
	}

	env, err := envelope.CreateEnvelope(id.Address, toAddress, envelope.TypeHandshakeRequest, payload,
		id.SigningKey, recipientVK, envelope.CreateOptions{})
	if err != nil {
		return nil, fmt.Errorf("create handshake request envelope: %w", err)
	}
	return env.ToWireDict()
}

// HandleInbound processes a received handshake.* envelope. It returns
// handled=true for every handshake type, since none are user-visible
// messages; the caller should stop processing the envelope further.
func (m *Manager) HandleInbound(ctx context.Context, id Identity, env *envelope.Envelope, senderVK ed25519.PublicKey, sender Sender) (handled bool, err error) {
	switch env.Type {
	case envelope.TypeHandshakeRequest:
		return true, m.handleRequest(ctx, id, env, senderVK, sender)
	case envelope.TypeHandshakeAccept:
		return true, m.handleAccept(env, senderVK)
	case envelope.TypeHandshakeDeny:
		return true, m.handleDeny(env)
	default:
		return false, nil
	}
}

func (m *Manager) handleRequest(ctx context.Context, id Identity, env *envelope.Envelope, senderVK ed25519.PublicKey, sender Sender) error {
	plaintext, err := uamcrypto.DecryptSealed(env.Payload, id.SigningKey, id.VerifyKey)
	if err != nil {
		return fmt.Errorf("decrypt handshake request payload: %w", err)
	}
	var cardDict map[string]any
	if err := json.Unmarshal(plaintext, &cardDict); err != nil {
		return fmt.Errorf("unmarshal contact card payload: %w", err)
	}
	peerCard, err := card.FromDict(cardDict)
	if err != nil {
		return fmt.Errorf("parse contact card: %w", err)
	}
	if err := card.VerifyContactCard(peerCard); err != nil {
		return fmt.Errorf("verify contact card: %w", err)
	}

	switch m.policy {
	case PolicyAllowlistOnly:
		if m.allowlist == nil || !m.allowlist(peerCard.Address) {
			return m.sendDeny(ctx, id, env.FromAddress, senderVK, sender, "not_on_allowlist")
		}
		return m.acceptAndPin(ctx, id, peerCard, senderVK, sender, "allowlist")
	case PolicyApprovalRequired:
		raw, err := json.Marshal(cardDict)
		if err != nil {
			return fmt.Errorf("re-marshal contact card for pending storage: %w", err)
		}
		return m.book.AddPending(peerCard.Address, string(raw))
	default: // auto-accept, require_verify: inbound requests are always auto-pinned
		return m.acceptAndPin(ctx, id, peerCard, senderVK, sender, "auto-accepted")
	}
}

func (m *Manager) acceptAndPin(ctx context.Context, id Identity, peerCard *card.ContactCard, senderVK ed25519.PublicKey, sender Sender, trustSource string) error {
	src := trustSource
	if err := m.book.AddContact(peerCard.Address, peerCard.PublicKey, contactbook.TrustPinned, contactbook.ContactOptions{
		DisplayName: &peerCard.DisplayName,
		TrustSource: &src,
		Relay:       &peerCard.Relay,
		Relays:      peerCard.Relays,
	}); err != nil {
		return fmt.Errorf("store pinned contact: %w", err)
	}
	if err := m.book.SetPinnedAt(peerCard.Address); err != nil {
		return fmt.Errorf("stamp pinned_at: %w", err)
	}
	return m.sendAccept(ctx, id, peerCard.Address, senderVK, sender)
}

func (m *Manager) sendAccept(ctx context.Context, id Identity, toAddress string, recipientVK ed25519.PublicKey, sender Sender) error {
	env, err := envelope.CreateEnvelope(id.Address, toAddress, envelope.TypeHandshakeAccept, []byte("{}"),
		id.SigningKey, recipientVK, envelope.CreateOptions{})
	if err != nil {
		return fmt.Errorf("create handshake accept envelope: %w", err)
	}
	wire, err := env.ToWireDict()
	if err != nil {
		return fmt.Errorf("render handshake accept envelope: %w", err)
	}
	return sender.Send(ctx, wire)
}

func (m *Manager) sendDeny(ctx context.Context, id Identity, toAddress string, recipientVK ed25519.PublicKey, sender Sender, reason string) error {
	payload, err := json.Marshal(map[string]string{"reason": reason})
	if err != nil {
		return fmt.Errorf("marshal deny reason: %w", err)
	}
	env, err := envelope.CreateEnvelope(id.Address, toAddress, envelope.TypeHandshakeDeny, payload,
		id.SigningKey, recipientVK, envelope.CreateOptions{})
	if err != nil {
		return fmt.Errorf("create handshake deny envelope: %w", err)
	}
	wire, err := env.ToWireDict()
	if err != nil {
		return fmt.Errorf("render handshake deny envelope: %w", err)
	}
	return sender.Send(ctx, wire)
}

// SendAccept sends a handshake.accept to address, used by the Agent façade
// when approving a pending request out-of-band of HandleInbound.
func (m *Manager) SendAccept(ctx context.Context, id Identity, toAddress string, recipientVK ed25519.PublicKey, sender Sender) error {
	return m.sendAccept(ctx, id, toAddress, recipientVK, sender)
}

// SendDeny sends a handshake.deny to address.
func (m *Manager) SendDeny(ctx context.Context, id Identity, toAddress string, recipientVK ed25519.PublicKey, sender Sender) error {
	return m.sendDeny(ctx, id, toAddress, recipientVK, sender, "denied")
}

func (m *Manager) handleAccept(env *envelope.Envelope, senderVK ed25519.PublicKey) error {
	address := env.FromAddress
	trust, known := m.book.GetTrustState(address)
	if !known || trust != contactbook.TrustPinned {
		pk := base64.StdEncoding.EncodeToString(senderVK)
		src := "handshake-accept"
		if err := m.book.AddContact(address, pk, contactbook.TrustPinned, contactbook.ContactOptions{TrustSource: &src}); err != nil {
			return fmt.Errorf("store contact on handshake accept: %w", err)
		}
	}
	return m.book.SetPinnedAt(address)
}

func (m *Manager) handleDeny(env *envelope.Envelope) error {
	return m.book.RemovePending(env.FromAddress)
}

// CheckTOFU enforces the TOFU key-pinning invariant: if address is already
// pinned/verified/trusted, resolvedKey must match the stored key exactly, or
// a *KeyPinningError is returned. For any other trust state, CheckTOFU
// returns nil and the caller should store resolvedKey as provisional.
func CheckTOFU(book *contactbook.Book, address, resolvedKey string) error {
	trust, known := book.GetTrustState(address)
	if !known {
		return nil
	}
	if trust != contactbook.TrustPinned && trust != contactbook.TrustVerified && trust != contactbook.TrustTrusted {
		return nil
	}
	stored := book.GetPublicKey(address)
	if stored != "" && stored != resolvedKey {
		return &KeyPinningError{Address: address}
	}
	return nil
}

// AllowedBySendPolicy reports whether policy permits sending to a contact in
// trust (require_verify blocks anything below pinned/verified/trusted).
func AllowedBySendPolicy(policy Policy, trust contactbook.TrustState, known bool) bool {
	if policy != PolicyRequireVerify {
		return true
	}
	return known && (trust == contactbook.TrustPinned || trust == contactbook.TrustVerified || trust == contactbook.TrustTrusted)
}
