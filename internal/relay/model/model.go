// Package model defines the relay's persistent entities, using the same
// db+json-tagged struct shape as internal/registry/model/agent.go.
package model

import "time"

// ServerAgent is a registered agent at a relay.
type ServerAgent struct {
	Address    string     `db:"address" json:"address"`
	PublicKey  string     `db:"public_key" json:"public_key"`
	Token      string     `db:"token" json:"-"`
	WebhookURL string     `db:"webhook_url" json:"webhook_url,omitempty"`
	WebhookSecret string  `db:"webhook_secret" json:"-"`
	LastSeen   time.Time  `db:"last_seen" json:"last_seen"`
	CreatedAt  time.Time  `db:"created_at" json:"created_at"`
	DeletedAt  *time.Time `db:"deleted_at" json:"-"`
}

// URI returns the agent's canonical address string.
func (a *ServerAgent) URI() string { return a.Address }

// StoredMessage is an envelope awaiting Tier-3 pickup.
type StoredMessage struct {
	ID        int64      `db:"id" json:"id"`
	ToAddress string     `db:"to_address" json:"to_address"`
	WireJSON  string     `db:"wire_json" json:"wire_json"`
	Expires   *time.Time `db:"expires" json:"expires,omitempty"`
	Delivered bool       `db:"delivered" json:"delivered"`
	CreatedAt time.Time  `db:"created_at" json:"created_at"`
}

// SeenMessageId is the dedup record keyed by message_id.
type SeenMessageId struct {
	MessageID string    `db:"message_id" json:"message_id"`
	FromAddr  string    `db:"from_addr" json:"from_addr"`
	SeenAt    time.Time `db:"seen_at" json:"seen_at"`
}

// WebhookDeliveryStatus enumerates a webhook delivery's lifecycle state.
type WebhookDeliveryStatus string

const (
	WebhookPending    WebhookDeliveryStatus = "pending"
	WebhookInProgress WebhookDeliveryStatus = "in_progress"
	WebhookSucceeded  WebhookDeliveryStatus = "succeeded"
	WebhookFailed     WebhookDeliveryStatus = "failed"
)

// WebhookDelivery records one recipient's webhook delivery attempt chain.
type WebhookDelivery struct {
	ID           int64                 `db:"id" json:"id"`
	MessageID    string                `db:"message_id" json:"message_id"`
	ToAddress    string                `db:"to_addr" json:"to_addr"`
	Envelope     string                `db:"envelope" json:"envelope"`
	Status       WebhookDeliveryStatus `db:"status" json:"status"`
	AttemptCount int                   `db:"attempt_count" json:"attempt_count"`
	LastStatus   int                   `db:"last_status" json:"last_status,omitempty"`
	LastError    string                `db:"last_error" json:"last_error,omitempty"`
	CreatedAt    time.Time             `db:"created_at" json:"created_at"`
	UpdatedAt    time.Time             `db:"updated_at" json:"updated_at"`
}

// ReputationTier enumerates the coarse reputation classification.
type ReputationTier string

const (
	TierFull       ReputationTier = "full"
	TierReduced    ReputationTier = "reduced"
	TierThrottled  ReputationTier = "throttled"
	TierBlocked    ReputationTier = "blocked"
)

// Reputation is a per-agent adaptive trust score.
type Reputation struct {
	Address           string    `db:"address" json:"address"`
	Score             int       `db:"score" json:"score"`
	MessagesSent      int64     `db:"messages_sent" json:"messages_sent"`
	MessagesRejected  int64     `db:"messages_rejected" json:"messages_rejected"`
	UpdatedAt         time.Time `db:"updated_at" json:"updated_at"`
}

// KnownRelay is a cached peer relay discovered via federation.
type KnownRelay struct {
	Domain            string    `db:"domain" json:"domain"`
	FederationURL     string    `db:"federation_url" json:"federation_url"`
	PublicKey         string    `db:"public_key" json:"public_key"`
	DiscoveredVia     string    `db:"discovered_via" json:"discovered_via"`
	LastVerified      time.Time `db:"last_verified" json:"last_verified"`
	TTLHours          int       `db:"ttl_hours" json:"ttl_hours"`
	Status            string    `db:"status" json:"status"`
}

// Fresh reports whether the cached relay record is still within its TTL.
func (r *KnownRelay) Fresh(now time.Time) bool {
	if r.Status != "active" {
		return false
	}
	age := now.Sub(r.LastVerified)
	return age < time.Duration(r.TTLHours)*time.Hour
}

// FederationQueueEntry is an outbound relay-to-relay item awaiting retry.
type FederationQueueEntry struct {
	ID           int64     `db:"id" json:"id"`
	Envelope     string    `db:"envelope" json:"envelope"`
	FromRelay    string    `db:"from_relay" json:"from_relay"`
	Via          []string  `db:"via" json:"via"`
	HopCount     int       `db:"hop_count" json:"hop_count"`
	AttemptCount int       `db:"attempt_count" json:"attempt_count"`
	NextRetry    time.Time `db:"next_retry" json:"next_retry"`
	Status       string    `db:"status" json:"status"`
	CreatedAt    time.Time `db:"created_at" json:"created_at"`
	UpdatedAt    time.Time `db:"updated_at" json:"updated_at"`
}

// FederationLog is an append-only record of an inbound/outbound
// federation event. Generalized from trustledger.Entry's hash-chained
// shape to a simpler non-chained event log (see DESIGN.md).
type FederationLog struct {
	ID        int64     `db:"id" json:"id"`
	Direction string    `db:"direction" json:"direction"` // "inbound" | "outbound"
	Domain    string    `db:"domain" json:"domain"`
	MessageID string    `db:"message_id" json:"message_id"`
	Outcome   string    `db:"outcome" json:"outcome"`
	Detail    string    `db:"detail" json:"detail,omitempty"`
	Timestamp time.Time `db:"timestamp" json:"timestamp"`
}

// DomainVerification records that an agent proved control of a DNS domain.
type DomainVerification struct {
	Address      string    `db:"address" json:"address"`
	Domain       string    `db:"domain" json:"domain"`
	PublicKey    string    `db:"public_key" json:"public_key"`
	Method       string    `db:"method" json:"method"` // "dns" | "https"
	VerifiedAt   time.Time `db:"verified_at" json:"verified_at"`
	LastChecked  time.Time `db:"last_checked" json:"last_checked"`
	TTLHours     int       `db:"ttl_hours" json:"ttl_hours"`
	Status       string    `db:"status" json:"status"`
}

// BlockPattern is either an exact address or a `*::domain` wildcard.
type BlockPattern struct {
	Pattern   string    `db:"pattern" json:"pattern"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
}

// DemoSession is an ephemeral, address-scoped sandbox agent used to try UAM
// without going through real registration: it carries its own bearer token
// but is never promoted into the durable agent table, and self-expires on a
// short TTL so abandoned trials do not accumulate.
type DemoSession struct {
	Address   string    `db:"address" json:"address"`
	Token     string    `db:"token" json:"-"`
	ExpiresAt time.Time `db:"expires_at" json:"expires_at"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
}
