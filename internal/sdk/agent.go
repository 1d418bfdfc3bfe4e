// Package sdk implements the Agent façade: the single entry point embedding
// applications use to join the network, send and receive encrypted
// messages, and manage trust, grounded on the end-to-end flow of
// uam.sdk.agent.Agent in the system this module reimplements.
package sdk

import (
	"context"
	"crypto/ed25519"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/uam-network/uam-relay/internal/protocol/card"
	uamcrypto "github.com/uam-network/uam-relay/internal/protocol/crypto"
	"github.com/uam-network/uam-relay/internal/protocol/envelope"
	"github.com/uam-network/uam-relay/internal/sdk/config"
	"github.com/uam-network/uam-relay/internal/sdk/contactbook"
	"github.com/uam-network/uam-relay/internal/sdk/handshake"
	"github.com/uam-network/uam-relay/internal/sdk/keymanager"
	"github.com/uam-network/uam-relay/internal/sdk/resolver"
	"github.com/uam-network/uam-relay/internal/sdk/transport"
	"github.com/uam-network/uam-relay/pkg/uamclient"
)

// pendingExpiryDays is how long an unanswered inbound handshake request
// survives before it is swept and answered with receipt.failed.
const pendingExpiryDays = 7

// ReceivedMessage is a decrypted, signature-verified inbound user message.
type ReceivedMessage struct {
	MessageID   string
	FromAddress string
	ToAddress   string
	Content     string
	Timestamp   string
	Type        envelope.MessageType
	ThreadID    *string
	ReplyTo     *string
	MediaType   *string
}

// Agent is the primary SDK interface: one connected identity on the UAM
// network.
type Agent struct {
	cfg    config.Config
	keys   *keymanager.KeyManager
	book   *contactbook.Book
	hs     *handshake.Manager
	res    resolver.AddressResolver
	tport  *transport.Transport
	client *uamclient.Client

	address      string
	token        string
	connected    bool
	autoRegister bool
}

// New constructs an Agent from cfg. No I/O happens until Connect.
func New(cfg config.Config) (*Agent, error) {
	res, err := resolver.NewSmartResolver(cfg.RelayDomain, resolver.WithCacheTTL(cfg.ResolverCacheTTL))
	if err != nil {
		return nil, fmt.Errorf("build resolver: %w", err)
	}
	book, err := contactbook.Open(cfg.DataDir)
	if err != nil {
		return nil, fmt.Errorf("open contact book: %w", err)
	}
	return &Agent{
		cfg:          cfg,
		keys:         keymanager.New(cfg.KeyDir),
		book:         book,
		hs:           handshake.New(book, handshake.Policy(cfg.TrustPolicy)),
		res:          res,
		client:       uamclient.New(cfg.RelayURL),
		autoRegister: cfg.AutoRegister,
	}, nil
}

// Address returns the agent's full UAM address. Panics if called before a
// successful Connect, mirroring the façade's documented precondition.
func (a *Agent) Address() string {
	if a.address == "" {
		panic("sdk: agent not yet connected, call Connect first")
	}
	return a.address
}

// PublicKey returns the agent's base64-encoded Ed25519 verify key.
func (a *Agent) PublicKey() string {
	return base64.StdEncoding.EncodeToString(a.keys.VerifyKey())
}

// IsConnected reports whether Connect has completed successfully.
func (a *Agent) IsConnected() bool { return a.connected }

// identity packages this agent's signing material for the handshake package.
func (a *Agent) identity() handshake.Identity {
	return handshake.Identity{
		Address:     a.address,
		DisplayName: a.cfg.DisplayName,
		Relay:       a.cfg.RelayWSURL,
		SigningKey:  a.keys.SigningKey(),
		VerifyKey:   a.keys.VerifyKey(),
	}
}

// senderAdapter bridges the transport's ctx-taking Send to handshake.Sender.
type senderAdapter struct{ a *Agent }

func (s senderAdapter) Send(ctx context.Context, wire map[string]any) error {
	return s.a.tport.Send(ctx, wire)
}

// ContactCard returns a signed contact card advertising this agent's
// address, key, and relay, for publication to prospective contacts.
func (a *Agent) ContactCard() (map[string]any, error) {
	if !a.connected {
		return nil, fmt.Errorf("sdk: agent not connected")
	}
	c, err := card.CreateContactCard(a.address, a.cfg.DisplayName, a.cfg.RelayWSURL, a.keys.SigningKey(), a.keys.VerifyKey(), card.CreateOptions{})
	if err != nil {
		return nil, fmt.Errorf("create contact card: %w", err)
	}
	return c.ToDict()
}

// Connect loads or generates the agent's keypair, registers with the relay
// on first run (or reuses a stored token), and establishes the live-socket
// connection. The contact book is already open from New. Idempotent.
func (a *Agent) Connect(ctx context.Context) error {
	if a.connected {
		return nil
	}

	if err := a.keys.LoadOrGenerate(a.cfg.Name); err != nil {
		return fmt.Errorf("load or generate keypair: %w", err)
	}

	if stored := a.keys.LoadToken(a.cfg.Name); stored != "" {
		a.token = stored
		a.address = a.cfg.Address()
	} else if a.autoRegister {
		if err := a.registerWithRelay(ctx); err != nil {
			return fmt.Errorf("register with relay: %w", err)
		}
	} else {
		return fmt.Errorf("sdk: no stored token and auto-register is disabled")
	}

	a.tport = transport.New(a.cfg.RelayURL, a.token)
	if err := a.tport.Connect(ctx); err != nil {
		return fmt.Errorf("connect transport: %w", err)
	}

	a.connected = true
	a.sweepExpiredHandshakes(ctx)
	return nil
}

func (a *Agent) registerWithRelay(ctx context.Context) error {
	res, err := a.client.Register(ctx, a.cfg.Name, a.PublicKey(), "")
	if err != nil {
		return err
	}
	a.token = res.Token
	a.address = res.Address
	if err := a.keys.SaveToken(a.cfg.Name, a.token); err != nil {
		return fmt.Errorf("persist token: %w", err)
	}
	return nil
}

// Close disconnects the transport. The contact book's on-disk state is
// already durable after every mutating call, so nothing further to flush.
func (a *Agent) Close() error {
	a.connected = false
	if a.tport == nil {
		return nil
	}
	return a.tport.Disconnect()
}

// Send creates a signed, encrypted envelope to toAddress and delivers it,
// initiating a handshake first if toAddress is not yet a known contact.
// Returns the new envelope's message_id.
func (a *Agent) Send(ctx context.Context, toAddress, message string, opts envelope.CreateOptions) (string, error) {
	if err := a.ensureConnected(ctx); err != nil {
		return "", err
	}

	// Checked before resolvePublicKey, which caches a newly resolved key as
	// a provisional contact.
	wasKnown := a.book.IsKnown(toAddress)

	recipientVK, err := a.resolvePublicKey(ctx, toAddress)
	if err != nil {
		return "", err
	}

	trust, known := a.book.GetTrustState(toAddress)
	if !handshake.AllowedBySendPolicy(a.hs.Policy(), trust, known) {
		return "", fmt.Errorf("sdk: trust policy %s blocks sending to unverified contact %s", a.hs.Policy(), toAddress)
	}

	if !wasKnown {
		if err := a.initiateHandshake(ctx, toAddress, recipientVK); err != nil {
			return "", fmt.Errorf("initiate handshake: %w", err)
		}
	}

	env, err := envelope.CreateEnvelope(a.address, toAddress, envelope.TypeMessage, []byte(message),
		a.keys.SigningKey(), recipientVK, opts)
	if err != nil {
		return "", fmt.Errorf("create envelope: %w", err)
	}
	wire, err := env.ToWireDict()
	if err != nil {
		return "", fmt.Errorf("render envelope: %w", err)
	}

	if err := a.dispatch(ctx, toAddress, wire); err != nil {
		return "", fmt.Errorf("dispatch envelope: %w", err)
	}
	return env.MessageID, nil
}

// dispatch sends wire to toAddress, trying each of its known relays in
// order when more than one is on file (multi-relay failover) and otherwise
// using the persistent transport.
func (a *Agent) dispatch(ctx context.Context, toAddress string, wire map[string]any) error {
	relayURLs := a.book.GetRelayURLs(toAddress)
	if len(relayURLs) == 0 {
		return a.tport.Send(ctx, wire)
	}
	if len(relayURLs) == 1 && relayURLs[0] == a.cfg.RelayURL {
		return a.tport.Send(ctx, wire)
	}
	return a.trySendWithFailover(ctx, wire, relayURLs)
}

// trySendWithFailover POSTs wire to each relay URL in turn via a transient
// client, returning on the first success and the last error if every relay
// fails.
func (a *Agent) trySendWithFailover(ctx context.Context, wire map[string]any, relayURLs []string) error {
	var lastErr error
	for _, url := range relayURLs {
		base := normalizeRelayBase(url)
		client := uamclient.New(base)
		if _, err := client.Send(ctx, a.token, wire); err != nil {
			lastErr = err
			continue
		}
		return nil
	}
	if lastErr != nil {
		return lastErr
	}
	return fmt.Errorf("sdk: no relay URLs to try")
}

func normalizeRelayBase(url string) string {
	base := strings.TrimSuffix(url, "/")
	base = strings.TrimSuffix(base, "/ws")
	base = strings.Replace(base, "wss://", "https://", 1)
	base = strings.Replace(base, "ws://", "http://", 1)
	return base
}

// Inbox retrieves, verifies, and decrypts up to limit pending messages,
// auto-replying with receipt.read for each delivered user message.
func (a *Agent) Inbox(ctx context.Context, limit int) ([]ReceivedMessage, error) {
	if err := a.ensureConnected(ctx); err != nil {
		return nil, err
	}
	a.sweepExpiredHandshakes(ctx)

	raw, err := a.tport.Receive(ctx, a.address, limit)
	if err != nil {
		return nil, fmt.Errorf("receive inbox: %w", err)
	}

	var out []ReceivedMessage
	for _, w := range raw {
		msg, err := a.processInbound(ctx, w)
		if err != nil || msg == nil {
			continue
		}
		out = append(out, *msg)
		a.sendReadReceipt(ctx, *msg)
	}
	return out, nil
}

func (a *Agent) processInbound(ctx context.Context, raw map[string]any) (*ReceivedMessage, error) {
	env, err := envelope.FromWireDict(raw)
	if err != nil {
		return nil, fmt.Errorf("parse inbound envelope: %w", err)
	}

	if a.book.IsBlocked(env.FromAddress) {
		return nil, nil
	}

	senderPK := a.book.GetPublicKey(env.FromAddress)
	if senderPK == "" {
		senderPK, err = a.res.ResolvePublicKey(ctx, env.FromAddress, a.token, a.cfg.RelayURL)
		if err != nil {
			return nil, fmt.Errorf("resolve sender public key: %w", err)
		}
	}
	senderVK, err := uamcrypto.DecodeVerifyKey(senderPK)
	if err != nil {
		return nil, fmt.Errorf("decode sender public key: %w", err)
	}

	if err := envelope.VerifyEnvelope(env, senderVK); err != nil {
		return nil, fmt.Errorf("signature verification failed: %w", err)
	}

	if envelope.IsReceiptLike(env.Type) {
		_, err := a.hs.HandleInbound(ctx, a.identity(), env, senderVK, senderAdapter{a})
		return nil, err
	}

	if a.hs.Policy() != handshake.PolicyAutoAccept {
		trust, known := a.book.GetTrustState(env.FromAddress)
		if !known || (trust != contactbook.TrustTrusted && trust != contactbook.TrustVerified) {
			return nil, nil
		}
	}

	plaintext, err := uamcrypto.DecryptBox(env.Payload, a.keys.SigningKey(), senderVK)
	if err != nil {
		return nil, fmt.Errorf("decrypt payload: %w", err)
	}

	return &ReceivedMessage{
		MessageID:   env.MessageID,
		FromAddress: env.FromAddress,
		ToAddress:   env.ToAddress,
		Content:     string(plaintext),
		Timestamp:   env.Timestamp,
		Type:        env.Type,
		ThreadID:    env.ThreadID,
		ReplyTo:     env.ReplyTo,
		MediaType:   env.MediaType,
	}, nil
}

func (a *Agent) sendReadReceipt(ctx context.Context, msg ReceivedMessage) {
	if envelope.IsReceiptLike(msg.Type) {
		return
	}
	senderPK := a.book.GetPublicKey(msg.FromAddress)
	if senderPK == "" {
		return
	}
	senderVK, err := uamcrypto.DecodeVerifyKey(senderPK)
	if err != nil {
		return
	}
	payload, err := json.Marshal(map[string]string{"message_id": msg.MessageID})
	if err != nil {
		return
	}
	env, err := envelope.CreateEnvelope(a.address, msg.FromAddress, envelope.TypeReceiptRead, payload,
		a.keys.SigningKey(), senderVK, envelope.CreateOptions{})
	if err != nil {
		return
	}
	wire, err := env.ToWireDict()
	if err != nil {
		return
	}
	_ = a.tport.Send(ctx, wire) // fire-and-forget: failures are never propagated to the caller
}

// Pending lists inbound handshake requests awaiting Approve or Deny.
func (a *Agent) Pending(ctx context.Context) ([]contactbook.Pending, error) {
	if err := a.ensureConnected(ctx); err != nil {
		return nil, err
	}
	return a.book.GetPending(), nil
}

// Approve accepts a pending handshake request, storing its sender as a
// trusted contact and sending handshake.accept.
func (a *Agent) Approve(ctx context.Context, address string) error {
	if err := a.ensureConnected(ctx); err != nil {
		return err
	}
	entry, err := a.findPending(address)
	if err != nil {
		return err
	}

	peerCard, err := parseStoredCard(entry.ContactCard)
	if err != nil {
		return err
	}
	if err := card.VerifyContactCard(peerCard); err != nil {
		return fmt.Errorf("verify stored contact card: %w", err)
	}

	src := "explicit-approval"
	if err := a.book.AddContact(peerCard.Address, peerCard.PublicKey, contactbook.TrustTrusted, contactbook.ContactOptions{
		DisplayName: &peerCard.DisplayName, TrustSource: &src, Relay: &peerCard.Relay, Relays: peerCard.Relays,
	}); err != nil {
		return fmt.Errorf("store approved contact: %w", err)
	}
	if err := a.book.RemovePending(address); err != nil {
		return fmt.Errorf("clear pending entry: %w", err)
	}

	senderVK, err := uamcrypto.DecodeVerifyKey(peerCard.PublicKey)
	if err != nil {
		return fmt.Errorf("decode sender public key: %w", err)
	}
	return a.hs.SendAccept(ctx, a.identity(), address, senderVK, senderAdapter{a})
}

// Deny rejects a pending handshake request and sends handshake.deny.
func (a *Agent) Deny(ctx context.Context, address string) error {
	if err := a.ensureConnected(ctx); err != nil {
		return err
	}
	entry, err := a.findPending(address)
	if err != nil {
		return err
	}
	peerCard, err := parseStoredCard(entry.ContactCard)
	if err != nil {
		return err
	}
	if err := a.book.RemovePending(address); err != nil {
		return fmt.Errorf("clear pending entry: %w", err)
	}
	senderVK, err := uamcrypto.DecodeVerifyKey(peerCard.PublicKey)
	if err != nil {
		return fmt.Errorf("decode sender public key: %w", err)
	}
	return a.hs.SendDeny(ctx, a.identity(), address, senderVK, senderAdapter{a})
}

func (a *Agent) findPending(address string) (contactbook.Pending, error) {
	for _, p := range a.book.GetPending() {
		if p.Address == address {
			return p, nil
		}
	}
	return contactbook.Pending{}, fmt.Errorf("sdk: no pending handshake from %s", address)
}

func parseStoredCard(raw string) (*card.ContactCard, error) {
	var m map[string]any
	if err := json.Unmarshal([]byte(raw), &m); err != nil {
		return nil, fmt.Errorf("parse stored contact card: %w", err)
	}
	return card.FromDict(m)
}

// Block adds pattern (an exact address or `*::domain` wildcard) to the
// block list.
func (a *Agent) Block(ctx context.Context, pattern string) error {
	if err := a.ensureConnected(ctx); err != nil {
		return err
	}
	return a.book.AddBlock(pattern)
}

// Unblock removes pattern from the block list.
func (a *Agent) Unblock(ctx context.Context, pattern string) error {
	if err := a.ensureConnected(ctx); err != nil {
		return err
	}
	return a.book.RemoveBlock(pattern)
}

// VerifyDomain polls the relay's domain verification endpoint until it
// reports success or timeout elapses.
func (a *Agent) VerifyDomain(ctx context.Context, domain string, timeout, pollInterval time.Duration) (bool, error) {
	if err := a.ensureConnected(ctx); err != nil {
		return false, err
	}
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		res, err := a.client.VerifyDomain(ctx, a.token, domain)
		if err == nil && res.Status == "verified" {
			return true, nil
		}
		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case <-time.After(pollInterval):
		}
	}
	return false, nil
}

func (a *Agent) ensureConnected(ctx context.Context) error {
	if a.connected {
		return nil
	}
	return a.Connect(ctx)
}

func (a *Agent) resolvePublicKey(ctx context.Context, toAddress string) (ed25519.PublicKey, error) {
	if pk := a.book.GetPublicKey(toAddress); pk != "" {
		return uamcrypto.DecodeVerifyKey(pk)
	}

	pk, err := a.res.ResolvePublicKey(ctx, toAddress, a.token, a.cfg.RelayURL)
	if err != nil {
		return nil, fmt.Errorf("resolve public key: %w", err)
	}

	if err := handshake.CheckTOFU(a.book, toAddress, pk); err != nil {
		return nil, err
	}

	if err := a.book.AddContact(toAddress, pk, contactbook.TrustProvisional, contactbook.ContactOptions{}); err != nil {
		return nil, fmt.Errorf("cache resolved contact: %w", err)
	}
	return uamcrypto.DecodeVerifyKey(pk)
}

func (a *Agent) initiateHandshake(ctx context.Context, toAddress string, recipientVK ed25519.PublicKey) error {
	wire, err := handshake.CreateHandshakeRequest(a.identity(), toAddress, recipientVK)
	if err != nil {
		return err
	}
	if err := a.tport.Send(ctx, wire); err != nil {
		return err
	}
	src := "handshake-sent"
	return a.book.AddContact(toAddress, base64.StdEncoding.EncodeToString(recipientVK), contactbook.TrustProvisional, contactbook.ContactOptions{
		TrustSource: &src,
	})
}

// sweepExpiredHandshakes removes pending requests older than
// pendingExpiryDays, answering each with receipt.failed before dropping it.
// Best-effort: failures to notify the sender are ignored, not propagated.
func (a *Agent) sweepExpiredHandshakes(ctx context.Context) {
	for _, entry := range a.book.GetExpiredPending(pendingExpiryDays) {
		a.failExpiredHandshake(ctx, entry)
		_ = a.book.RemovePending(entry.Address)
	}
}

func (a *Agent) failExpiredHandshake(ctx context.Context, entry contactbook.Pending) {
	peerCard, err := parseStoredCard(entry.ContactCard)
	if err != nil {
		return
	}
	senderVK, err := uamcrypto.DecodeVerifyKey(peerCard.PublicKey)
	if err != nil {
		return
	}
	payload, err := json.Marshal(map[string]string{"reason": "handshake_expired", "original_from": entry.Address})
	if err != nil {
		return
	}
	env, err := envelope.CreateEnvelope(a.address, entry.Address, envelope.TypeReceiptFailed, payload,
		a.keys.SigningKey(), senderVK, envelope.CreateOptions{})
	if err != nil {
		return
	}
	wire, err := env.ToWireDict()
	if err != nil {
		return
	}
	_ = a.tport.Send(ctx, wire)
}
