// Package store defines the relay's persistence boundary: a Storage
// interface implemented by an in-memory adapter (used when no database URL
// is configured, and the backing store for tests) and a Postgres adapter
// (pgx), mirroring the
// repository-interface-behind-service pattern and trustledger's dual
// Ledger/MemoryLedger/PostgresLedger shape.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/uam-network/uam-relay/internal/relay/model"
)

// ErrNotFound is returned when a lookup finds no matching row.
var ErrNotFound = errors.New("not found")

// ErrDuplicate is returned by InsertSeenMessage when the message_id has
// already been recorded.
var ErrDuplicate = errors.New("duplicate message")

// Storage is the persistence boundary consumed by the ingress pipeline,
// delivery tiers, federation engine, spam subsystem, and sweepers.
type Storage interface {
	// Agents
	RegisterAgent(ctx context.Context, a *model.ServerAgent) error
	GetAgent(ctx context.Context, address string) (*model.ServerAgent, error)
	GetAgentByToken(ctx context.Context, token string) (*model.ServerAgent, error)
	UpdateAgentWebhook(ctx context.Context, address, webhookURL, webhookSecret string) error
	TouchAgentLastSeen(ctx context.Context, address string) error

	// Store-and-forward
	InsertStoredMessage(ctx context.Context, m *model.StoredMessage) error
	DrainStoredMessages(ctx context.Context, toAddress string) ([]*model.StoredMessage, error)
	SweepExpiredStoredMessages(ctx context.Context, now time.Time) (int, error)

	// Dedup
	InsertSeenMessage(ctx context.Context, s *model.SeenMessageId) error
	SweepExpiredSeenMessages(ctx context.Context, olderThan time.Time) (int, error)

	// Webhook deliveries
	CreateWebhookDelivery(ctx context.Context, d *model.WebhookDelivery) error
	UpdateWebhookDelivery(ctx context.Context, d *model.WebhookDelivery) error
	ListInProgressWebhookDeliveries(ctx context.Context) ([]*model.WebhookDelivery, error)

	// Reputation
	GetReputation(ctx context.Context, address string) (*model.Reputation, error)
	UpsertReputation(ctx context.Context, r *model.Reputation) error

	// Federation
	GetKnownRelay(ctx context.Context, domain string) (*model.KnownRelay, error)
	UpsertKnownRelay(ctx context.Context, r *model.KnownRelay) error
	EnqueueFederation(ctx context.Context, e *model.FederationQueueEntry) error
	DueFederationEntries(ctx context.Context, now time.Time) ([]*model.FederationQueueEntry, error)
	UpdateFederationEntry(ctx context.Context, e *model.FederationQueueEntry) error
	SweepAgedFederationEntries(ctx context.Context, olderThan time.Time) (int, error)
	AppendFederationLog(ctx context.Context, l *model.FederationLog) error
	ListFederationLogs(ctx context.Context, limit int) ([]*model.FederationLog, error)

	// Domain verification
	UpsertDomainVerification(ctx context.Context, v *model.DomainVerification) error
	GetDomainVerification(ctx context.Context, address string) (*model.DomainVerification, error)
	ListDueDomainVerifications(ctx context.Context, olderThan time.Time) ([]*model.DomainVerification, error)

	// Blocklist / allowlist
	AddBlockPattern(ctx context.Context, pattern string) error
	RemoveBlockPattern(ctx context.Context, pattern string) error
	ListBlockPatterns(ctx context.Context) ([]string, error)
	AddAllowPattern(ctx context.Context, pattern string) error
	RemoveAllowPattern(ctx context.Context, pattern string) error
	ListAllowPatterns(ctx context.Context) ([]string, error)

	// Ephemeral demo sessions
	CreateDemoSession(ctx context.Context, s *model.DemoSession) error
	GetDemoSession(ctx context.Context, address string) (*model.DemoSession, error)
	SweepExpiredDemoSessions(ctx context.Context, now time.Time) (int, error)

	Close()
}
