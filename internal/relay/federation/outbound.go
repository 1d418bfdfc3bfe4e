package federation

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/uam-network/uam-relay/internal/protocol/address"
	uamcrypto "github.com/uam-network/uam-relay/internal/protocol/crypto"
	"github.com/uam-network/uam-relay/internal/relay/model"
	"github.com/uam-network/uam-relay/internal/relay/store"
	"github.com/uam-network/uam-relay/internal/telemetry"
)

// Outbound forwards envelopes whose recipient is hosted at a peer relay.
type Outbound struct {
	storage    store.Storage
	discoverer *Discoverer
	httpClient *http.Client
	selfDomain string
	signingKey ed25519.PrivateKey
	log        *zap.Logger
}

// NewOutbound constructs an Outbound forwarder for selfDomain, signing
// forwarded bodies with signingKey.
func NewOutbound(storage store.Storage, discoverer *Discoverer, selfDomain string, signingKey ed25519.PrivateKey, log *zap.Logger) *Outbound {
	return &Outbound{
		storage:    storage,
		discoverer: discoverer,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		selfDomain: selfDomain,
		signingKey: signingKey,
		log:        log,
	}
}

// Body is the federation wire payload sent to a peer relay.
type Body struct {
	Envelope  map[string]any `json:"envelope"`
	Via       []string       `json:"via"`
	HopCount  int            `json:"hop_count"`
	Timestamp string         `json:"timestamp"`
	FromRelay string         `json:"from_relay"`
}

func (b *Body) canonicalMap() map[string]any {
	return map[string]any{
		"envelope":   b.Envelope,
		"via":        viaAsAny(b.Via),
		"hop_count":  b.HopCount,
		"timestamp":  b.Timestamp,
		"from_relay": b.FromRelay,
	}
}

// DecodeBody parses a raw federation/deliver POST body.
func DecodeBody(raw []byte) (*Body, error) {
	var b Body
	if err := json.Unmarshal(raw, &b); err != nil {
		return nil, fmt.Errorf("decode federation body: %w", err)
	}
	return &b, nil
}

func viaAsAny(via []string) []any {
	out := make([]any, len(via))
	for i, v := range via {
		out[i] = v
	}
	return out
}

// Forward sends envelope to the relay hosting its recipient's domain. via
// and hop are the accumulated federation path and hop count so far (zero
// values for a freshly-sent local message).
func (o *Outbound) Forward(ctx context.Context, envelope map[string]any, via []string, hop int) error {
	toAddr, _ := envelope["to"].(string)
	recipient, err := address.Parse(toAddr)
	if err != nil {
		return fmt.Errorf("forward: malformed recipient %q: %w", toAddr, err)
	}

	b := &Body{
		Envelope:  envelope,
		Via:       append(append([]string{}, via...), o.selfDomain),
		HopCount:  hop + 1,
		Timestamp: time.Now().UTC().Format("2006-01-02T15:04:05.000Z"),
		FromRelay: o.selfDomain,
	}

	if err := o.deliver(ctx, recipient.Domain, b); err != nil {
		if o.log != nil {
			o.log.Warn("federation: outbound delivery failed, enqueueing retry",
				zap.String("domain", recipient.Domain), zap.Error(err))
		}
		o.logEvent(ctx, "outbound", recipient.Domain, b, "error", err.Error())
		return o.enqueueRetry(ctx, b)
	}
	o.logEvent(ctx, "outbound", recipient.Domain, b, "delivered", "")
	return nil
}

func (o *Outbound) deliver(ctx context.Context, domain string, b *Body) error {
	relay, err := o.discoverer.Resolve(ctx, domain)
	if err != nil {
		return fmt.Errorf("discover peer relay: %w", err)
	}

	canon, err := uamcrypto.Canonicalize(b.canonicalMap())
	if err != nil {
		return fmt.Errorf("canonicalize federation body: %w", err)
	}
	sig := uamcrypto.Sign(canon, o.signingKey)

	payload, err := json.Marshal(b)
	if err != nil {
		return fmt.Errorf("marshal federation body: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, relay.FederationURL, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build federation request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-UAM-Relay-Signature", sig)
	req.Header.Set("X-UAM-Relay-Domain", o.selfDomain)

	resp, err := o.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("post to peer relay: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("peer relay returned status %d", resp.StatusCode)
	}
	return nil
}

func (o *Outbound) enqueueRetry(ctx context.Context, b *Body) error {
	env, err := json.Marshal(b.Envelope)
	if err != nil {
		return fmt.Errorf("marshal envelope for retry queue: %w", err)
	}
	entry := &model.FederationQueueEntry{
		Envelope:  string(env),
		FromRelay: b.FromRelay,
		Via:       b.Via,
		HopCount:  b.HopCount,
		NextRetry: time.Now().Add(RetrySchedule[0]),
		Status:    "pending",
	}
	return o.storage.EnqueueFederation(ctx, entry)
}

func (o *Outbound) logEvent(ctx context.Context, direction, domain string, b *Body, outcome, detail string) {
	messageID, _ := b.Envelope["message_id"].(string)
	entry := &model.FederationLog{
		Direction: direction,
		Domain:    domain,
		MessageID: messageID,
		Outcome:   outcome,
		Detail:    detail,
		Timestamp: time.Now(),
	}
	if err := o.storage.AppendFederationLog(ctx, entry); err != nil && o.log != nil {
		o.log.Warn("federation: append log", zap.Error(err))
	}
	telemetry.RecordFederationHop(direction, outcome)
}
