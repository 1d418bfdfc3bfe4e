// Package envelope implements the UAM MessageEnvelope: its signable form,
// wire (de)serialization, size enforcement, and sign/verify helpers.
package envelope

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/uam-network/uam-relay/internal/protocol/address"
	uamcrypto "github.com/uam-network/uam-relay/internal/protocol/crypto"
)

// MaxEnvelopeSize is the maximum serialized wire size in bytes.
const MaxEnvelopeSize = 65536

// UAMVersion is the current protocol version string.
const UAMVersion = "0.1"

// MessageType enumerates the envelope's `type` field.
type MessageType string

const (
	TypeMessage          MessageType = "message"
	TypeHandshakeRequest MessageType = "handshake.request"
	TypeHandshakeAccept  MessageType = "handshake.accept"
	TypeHandshakeDeny    MessageType = "handshake.deny"
	TypeReceiptDelivered MessageType = "receipt.delivered"
	TypeReceiptRead      MessageType = "receipt.read"
	TypeReceiptFailed    MessageType = "receipt.failed"
)

// IsReceiptLike reports whether t is a receipt/handshake/session control
// type, used by the receipt emitter and relay's delivery-receipt logic to
// avoid infinite acknowledgement loops.
func IsReceiptLike(t MessageType) bool {
	s := string(t)
	return strings.HasPrefix(s, "receipt.") || strings.HasPrefix(s, "handshake.") || strings.HasPrefix(s, "session.")
}

// Attachment describes a v1.1 attachment descriptor. Attachments are a
// versioned extension and never participate in the signature scope.
type Attachment struct {
	Name      string `json:"name"`
	MediaType string `json:"media_type"`
	URL       string `json:"url,omitempty"`
	Size      int64  `json:"size,omitempty"`
}

// Envelope is the frozen MessageEnvelope record.
type Envelope struct {
	UAMVersion  string         `json:"uam_version"`
	MessageID   string         `json:"message_id"`
	FromAddress string         `json:"from"`
	ToAddress   string         `json:"to"`
	Timestamp   string         `json:"timestamp"`
	Type        MessageType    `json:"type"`
	Nonce       string         `json:"nonce"`
	Payload     string         `json:"payload"`
	Signature   string         `json:"signature"`
	ThreadID    *string        `json:"thread_id,omitempty"`
	ReplyTo     *string        `json:"reply_to,omitempty"`
	Expires     *string        `json:"expires,omitempty"`
	MediaType   *string        `json:"media_type,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
	Attachments []Attachment   `json:"attachments,omitempty"`
}

var requiredWireFields = []string{
	"uam_version", "message_id", "from", "to", "timestamp", "type", "nonce", "payload", "signature",
}

// ErrInvalidEnvelope is returned for malformed wire dicts.
var ErrInvalidEnvelope = fmt.Errorf("invalid envelope")

// ErrEnvelopeTooLarge is returned when the serialized wire form exceeds
// MaxEnvelopeSize.
var ErrEnvelopeTooLarge = fmt.Errorf("envelope too large")

// buildSignableMap constructs the map covered by the signature: all
// required fields plus any non-null optional field in
// {thread_id, reply_to, expires, media_type, metadata}, excluding
// `signature` and `attachments`.
func (e *Envelope) buildSignableMap() map[string]any {
	m := map[string]any{
		"uam_version": e.UAMVersion,
		"message_id":  e.MessageID,
		"from":        e.FromAddress,
		"to":          e.ToAddress,
		"timestamp":   e.Timestamp,
		"type":        string(e.Type),
		"nonce":       e.Nonce,
		"payload":     e.Payload,
	}
	if e.ThreadID != nil {
		m["thread_id"] = *e.ThreadID
	}
	if e.ReplyTo != nil {
		m["reply_to"] = *e.ReplyTo
	}
	if e.Expires != nil {
		m["expires"] = *e.Expires
	}
	if e.MediaType != nil {
		m["media_type"] = *e.MediaType
	}
	if e.Metadata != nil {
		m["metadata"] = e.Metadata
	}
	return m
}

// ToWireDict renders the envelope as a generic JSON-compatible map, the
// on-wire representation exchanged over HTTP/WebSocket.
func (e *Envelope) ToWireDict() (map[string]any, error) {
	raw, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("marshal envelope: %w", err)
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("unmarshal envelope to map: %w", err)
	}
	return m, nil
}

// FromWireDict parses a generic wire map into an Envelope, failing with
// ErrInvalidEnvelope if any required wire field is missing.
func FromWireDict(m map[string]any) (*Envelope, error) {
	for _, f := range requiredWireFields {
		if _, ok := m[f]; !ok {
			return nil, fmt.Errorf("%w: missing required field %q", ErrInvalidEnvelope, f)
		}
	}
	raw, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidEnvelope, err)
	}
	var e Envelope
	if err := json.Unmarshal(raw, &e); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidEnvelope, err)
	}
	return &e, nil
}

// ValidateEnvelopeSize checks that the compact JSON wire form is at most
// MaxEnvelopeSize bytes.
func ValidateEnvelopeSize(e *Envelope) error {
	raw, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}
	if len(raw) > MaxEnvelopeSize {
		return fmt.Errorf("%w: %d bytes exceeds limit of %d", ErrEnvelopeTooLarge, len(raw), MaxEnvelopeSize)
	}
	return nil
}

// CreateOptions carries the optional fields accepted by CreateEnvelope.
type CreateOptions struct {
	ThreadID  *string
	ReplyTo   *string
	Expires   *time.Time
	MediaType *string
	Metadata  map[string]any
}

// CreateEnvelope builds, encrypts, signs, and size-validates a new envelope:
// validate addresses, generate message_id/nonce/timestamp, encrypt
// (SealedBox iff type == handshake.request else Box), build the signable
// map and sign it, assemble, then enforce the size limit.
func CreateEnvelope(from, to string, msgType MessageType, plaintext []byte, sk ed25519.PrivateKey, recipientVK ed25519.PublicKey, opts CreateOptions) (*Envelope, error) {
	fromAddr, err := address.Parse(from)
	if err != nil {
		return nil, fmt.Errorf("parse from address: %w", err)
	}
	toAddr, err := address.Parse(to)
	if err != nil {
		return nil, fmt.Errorf("parse to address: %w", err)
	}

	id, err := uuid.NewV7()
	if err != nil {
		return nil, fmt.Errorf("generate message id: %w", err)
	}

	nonceBytes := make([]byte, 24)
	if _, err := rand.Read(nonceBytes); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}
	nonce := base64.StdEncoding.EncodeToString(nonceBytes)

	var payload string
	if msgType == TypeHandshakeRequest {
		payload, err = uamcrypto.EncryptSealed(plaintext, recipientVK)
	} else {
		payload, err = uamcrypto.EncryptBox(plaintext, sk, recipientVK)
	}
	if err != nil {
		return nil, fmt.Errorf("encrypt payload: %w", err)
	}

	e := &Envelope{
		UAMVersion:  UAMVersion,
		MessageID:   id.String(),
		FromAddress: fromAddr.String(),
		ToAddress:   toAddr.String(),
		Timestamp:   time.Now().UTC().Format("2006-01-02T15:04:05.000Z"),
		Type:        msgType,
		Nonce:       nonce,
		Payload:     payload,
		ThreadID:    opts.ThreadID,
		ReplyTo:     opts.ReplyTo,
		MediaType:   opts.MediaType,
		Metadata:    opts.Metadata,
	}
	if opts.Expires != nil {
		s := opts.Expires.UTC().Format("2006-01-02T15:04:05.000Z")
		e.Expires = &s
	}

	canon, err := uamcrypto.Canonicalize(e.buildSignableMap())
	if err != nil {
		return nil, fmt.Errorf("canonicalize signable map: %w", err)
	}
	e.Signature = uamcrypto.Sign(canon, sk)

	if err := ValidateEnvelopeSize(e); err != nil {
		return nil, err
	}
	return e, nil
}

// VerifyEnvelope reconstructs the envelope's signable map and verifies its
// signature against senderVK.
func VerifyEnvelope(e *Envelope, senderVK ed25519.PublicKey) error {
	canon, err := uamcrypto.Canonicalize(e.buildSignableMap())
	if err != nil {
		return fmt.Errorf("canonicalize signable map: %w", err)
	}
	return uamcrypto.Verify(canon, e.Signature, senderVK)
}

// ParseTimestamp parses an envelope's ISO-8601 UTC millisecond timestamp.
func ParseTimestamp(s string) (time.Time, error) {
	return time.Parse("2006-01-02T15:04:05.000Z", s)
}
