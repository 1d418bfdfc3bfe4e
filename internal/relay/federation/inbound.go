package federation

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/uam-network/uam-relay/internal/protocol/address"
	uamcrypto "github.com/uam-network/uam-relay/internal/protocol/crypto"
	"github.com/uam-network/uam-relay/internal/protocol/envelope"
	"github.com/uam-network/uam-relay/internal/relay/delivery"
	"github.com/uam-network/uam-relay/internal/relay/model"
	"github.com/uam-network/uam-relay/internal/relay/store"
	"github.com/uam-network/uam-relay/internal/telemetry"
)

// MaxHops is the default federation hop limit.
const MaxHops = 3

// FreshnessWindow bounds how far a federation body's timestamp may drift
// from the receiving relay's clock.
const FreshnessWindow = 300 * time.Second

// InboundError is returned by Handle for a rejected federation POST; Status
// is the HTTP status the caller should respond with.
type InboundError struct {
	Status int
	Reason string
}

func (e *InboundError) Error() string { return fmt.Sprintf("%d: %s", e.Status, e.Reason) }

func reject(status int, reason string) *InboundError {
	return &InboundError{Status: status, Reason: reason}
}

// Inbound validates and dispatches federation/deliver POSTs from peer
// relays.
type Inbound struct {
	storage    store.Storage
	discoverer *Discoverer
	dispatcher *delivery.Dispatcher
	selfDomain string
	log        *zap.Logger
}

// NewInbound constructs an Inbound handler for selfDomain.
func NewInbound(storage store.Storage, discoverer *Discoverer, dispatcher *delivery.Dispatcher, selfDomain string, log *zap.Logger) *Inbound {
	return &Inbound{storage: storage, discoverer: discoverer, dispatcher: dispatcher, selfDomain: selfDomain, log: log}
}

// Handle runs the full inbound validation chain against a decoded body and
// its claimed origin domain/signature, then dispatches the envelope.
// Returns "duplicate" or "delivered" on success; "delivered" is returned
// whichever delivery tier accepted the envelope, including
// store-and-forward, so "stored" is never reported.
func (in *Inbound) Handle(ctx context.Context, b *Body, relayDomain, signature string) (string, *InboundError) {
	outcome, inErr := in.handle(ctx, b, relayDomain, signature)
	if inErr != nil {
		telemetry.RecordFederationHop("inbound", "rejected")
	} else {
		telemetry.RecordFederationHop("inbound", outcome)
	}
	return outcome, inErr
}

func (in *Inbound) handle(ctx context.Context, b *Body, relayDomain, signature string) (string, *InboundError) {
	relay, err := in.storage.GetKnownRelay(ctx, relayDomain)
	if err != nil {
		relay, err = in.discoverer.Resolve(ctx, relayDomain)
		if err != nil {
			return "", reject(401, "unknown peer relay")
		}
	}

	vk, err := uamcrypto.DecodeVerifyKey(relay.PublicKey)
	if err != nil {
		return "", reject(401, "peer relay public key is malformed")
	}
	if err := uamcrypto.Verify(canonicalBodyBytes(b), signature, vk); err != nil {
		return "", reject(401, "federation signature verification failed")
	}

	ts, err := envelope.ParseTimestamp(b.Timestamp)
	if err != nil {
		return "", reject(400, "malformed timestamp")
	}
	if diff := time.Since(ts); diff > FreshnessWindow || diff < -FreshnessWindow {
		return "", reject(400, "timestamp outside freshness window")
	}

	for _, hop := range b.Via {
		if hop == in.selfDomain {
			return "", reject(400, "loop detected")
		}
	}

	if b.HopCount >= MaxHops {
		return "", reject(400, "hop count exceeded")
	}

	toAddr, _ := b.Envelope["to"].(string)
	recipient, err := address.Parse(toAddr)
	if err != nil || recipient.Domain != in.selfDomain {
		return "", reject(400, "destination domain mismatch")
	}

	messageID, _ := b.Envelope["message_id"].(string)
	fromAddr, _ := b.Envelope["from"].(string)
	dedupErr := in.storage.InsertSeenMessage(ctx, &model.SeenMessageId{
		MessageID: messageID,
		FromAddr:  fromAddr,
		SeenAt:    time.Now(),
	})
	if dedupErr == store.ErrDuplicate {
		return "duplicate", nil
	}
	if dedupErr != nil {
		return "", reject(500, "dedup check failed")
	}

	if err := in.dispatcher.Dispatch(ctx, toAddr, b.Envelope); err != nil {
		if in.log != nil {
			in.log.Warn("federation: inbound dispatch failed", zap.Error(err))
		}
		return "", reject(500, "dispatch failed")
	}
	return "delivered", nil
}

func canonicalBodyBytes(b *Body) []byte {
	canon, err := uamcrypto.Canonicalize(b.canonicalMap())
	if err != nil {
		return nil
	}
	return canon
}

