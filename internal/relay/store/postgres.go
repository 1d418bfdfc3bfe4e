package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/uam-network/uam-relay/internal/relay/model"
)

// schema creates the relay's tables if they do not already exist. Table
// shapes mirror the MemoryStore's fields directly; arrays are stored as
// JSONB, the usual way to store structured columns via pgx.
const schema = `
CREATE TABLE IF NOT EXISTS agents (
	address TEXT PRIMARY KEY,
	public_key TEXT NOT NULL,
	token TEXT NOT NULL UNIQUE,
	webhook_url TEXT NOT NULL DEFAULT '',
	webhook_secret TEXT NOT NULL DEFAULT '',
	last_seen TIMESTAMPTZ NOT NULL DEFAULT now(),
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	deleted_at TIMESTAMPTZ
);
CREATE TABLE IF NOT EXISTS stored_messages (
	id BIGSERIAL PRIMARY KEY,
	to_address TEXT NOT NULL,
	wire_json TEXT NOT NULL,
	expires TIMESTAMPTZ,
	delivered BOOLEAN NOT NULL DEFAULT false,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE TABLE IF NOT EXISTS seen_messages (
	message_id TEXT PRIMARY KEY,
	from_addr TEXT NOT NULL,
	seen_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE TABLE IF NOT EXISTS webhook_deliveries (
	id BIGSERIAL PRIMARY KEY,
	message_id TEXT NOT NULL,
	to_addr TEXT NOT NULL,
	envelope TEXT NOT NULL,
	status TEXT NOT NULL,
	attempt_count INT NOT NULL DEFAULT 0,
	last_status INT NOT NULL DEFAULT 0,
	last_error TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE TABLE IF NOT EXISTS reputations (
	address TEXT PRIMARY KEY,
	score INT NOT NULL,
	messages_sent BIGINT NOT NULL DEFAULT 0,
	messages_rejected BIGINT NOT NULL DEFAULT 0,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE TABLE IF NOT EXISTS known_relays (
	domain TEXT PRIMARY KEY,
	federation_url TEXT NOT NULL,
	public_key TEXT NOT NULL,
	discovered_via TEXT NOT NULL,
	last_verified TIMESTAMPTZ NOT NULL,
	ttl_hours INT NOT NULL,
	status TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS federation_queue (
	id BIGSERIAL PRIMARY KEY,
	envelope TEXT NOT NULL,
	from_relay TEXT NOT NULL,
	via JSONB NOT NULL DEFAULT '[]',
	hop_count INT NOT NULL,
	attempt_count INT NOT NULL DEFAULT 0,
	next_retry TIMESTAMPTZ NOT NULL,
	status TEXT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE TABLE IF NOT EXISTS federation_log (
	id BIGSERIAL PRIMARY KEY,
	direction TEXT NOT NULL,
	domain TEXT NOT NULL,
	message_id TEXT NOT NULL DEFAULT '',
	outcome TEXT NOT NULL,
	detail TEXT NOT NULL DEFAULT '',
	timestamp TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE TABLE IF NOT EXISTS domain_verifications (
	address TEXT PRIMARY KEY,
	domain TEXT NOT NULL,
	public_key TEXT NOT NULL,
	method TEXT NOT NULL,
	verified_at TIMESTAMPTZ NOT NULL,
	last_checked TIMESTAMPTZ NOT NULL,
	ttl_hours INT NOT NULL,
	status TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS block_patterns (
	pattern TEXT PRIMARY KEY,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE TABLE IF NOT EXISTS allow_patterns (
	pattern TEXT PRIMARY KEY,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE TABLE IF NOT EXISTS demo_sessions (
	address TEXT PRIMARY KEY,
	token TEXT NOT NULL,
	expires_at TIMESTAMPTZ NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
`

// PostgresStore is a pgx-backed Storage implementation for production
// deployments, mirroring cmd/registry/main.go's pgxpool wiring.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore connects to dsn, pings, and ensures the schema exists.
func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	if _, err := pool.Exec(ctx, schema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &PostgresStore{pool: pool}, nil
}

func (p *PostgresStore) Close() { p.pool.Close() }

func (p *PostgresStore) RegisterAgent(ctx context.Context, a *model.ServerAgent) error {
	_, err := p.pool.Exec(ctx, `
		INSERT INTO agents (address, public_key, token, webhook_url, webhook_secret, last_seen, created_at)
		VALUES ($1, $2, $3, $4, $5, now(), now())
		ON CONFLICT (address) DO UPDATE SET public_key = excluded.public_key, token = excluded.token`,
		a.Address, a.PublicKey, a.Token, a.WebhookURL, a.WebhookSecret)
	if err != nil {
		return fmt.Errorf("register agent: %w", err)
	}
	return nil
}

func (p *PostgresStore) GetAgent(ctx context.Context, address string) (*model.ServerAgent, error) {
	a := &model.ServerAgent{}
	err := p.pool.QueryRow(ctx, `
		SELECT address, public_key, token, webhook_url, webhook_secret, last_seen, created_at
		FROM agents WHERE address = $1 AND deleted_at IS NULL`, address).
		Scan(&a.Address, &a.PublicKey, &a.Token, &a.WebhookURL, &a.WebhookSecret, &a.LastSeen, &a.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get agent: %w", err)
	}
	return a, nil
}

func (p *PostgresStore) GetAgentByToken(ctx context.Context, token string) (*model.ServerAgent, error) {
	a := &model.ServerAgent{}
	err := p.pool.QueryRow(ctx, `
		SELECT address, public_key, token, webhook_url, webhook_secret, last_seen, created_at
		FROM agents WHERE token = $1 AND deleted_at IS NULL`, token).
		Scan(&a.Address, &a.PublicKey, &a.Token, &a.WebhookURL, &a.WebhookSecret, &a.LastSeen, &a.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get agent by token: %w", err)
	}
	return a, nil
}

func (p *PostgresStore) UpdateAgentWebhook(ctx context.Context, address, webhookURL, webhookSecret string) error {
	tag, err := p.pool.Exec(ctx,
		`UPDATE agents SET webhook_url = $2, webhook_secret = $3 WHERE address = $1`,
		address, webhookURL, webhookSecret)
	if err != nil {
		return fmt.Errorf("update agent webhook: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *PostgresStore) TouchAgentLastSeen(ctx context.Context, address string) error {
	_, err := p.pool.Exec(ctx, `UPDATE agents SET last_seen = now() WHERE address = $1`, address)
	if err != nil {
		return fmt.Errorf("touch agent last seen: %w", err)
	}
	return nil
}

func (p *PostgresStore) InsertStoredMessage(ctx context.Context, m *model.StoredMessage) error {
	return p.pool.QueryRow(ctx, `
		INSERT INTO stored_messages (to_address, wire_json, expires, delivered)
		VALUES ($1, $2, $3, false) RETURNING id, created_at`,
		m.ToAddress, m.WireJSON, m.Expires).Scan(&m.ID, &m.CreatedAt)
}

func (p *PostgresStore) DrainStoredMessages(ctx context.Context, toAddress string) ([]*model.StoredMessage, error) {
	rows, err := p.pool.Query(ctx, `
		UPDATE stored_messages SET delivered = true
		WHERE to_address = $1 AND delivered = false
		RETURNING id, to_address, wire_json, expires, delivered, created_at`, toAddress)
	if err != nil {
		return nil, fmt.Errorf("drain stored messages: %w", err)
	}
	defer rows.Close()
	var out []*model.StoredMessage
	for rows.Next() {
		m := &model.StoredMessage{}
		if err := rows.Scan(&m.ID, &m.ToAddress, &m.WireJSON, &m.Expires, &m.Delivered, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan stored message: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (p *PostgresStore) SweepExpiredStoredMessages(ctx context.Context, now time.Time) (int, error) {
	tag, err := p.pool.Exec(ctx, `DELETE FROM stored_messages WHERE expires IS NOT NULL AND expires < $1`, now)
	if err != nil {
		return 0, fmt.Errorf("sweep stored messages: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

func (p *PostgresStore) InsertSeenMessage(ctx context.Context, rec *model.SeenMessageId) error {
	tag, err := p.pool.Exec(ctx, `
		INSERT INTO seen_messages (message_id, from_addr, seen_at) VALUES ($1, $2, $3)
		ON CONFLICT (message_id) DO NOTHING`, rec.MessageID, rec.FromAddr, rec.SeenAt)
	if err != nil {
		return fmt.Errorf("insert seen message: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrDuplicate
	}
	return nil
}

func (p *PostgresStore) SweepExpiredSeenMessages(ctx context.Context, olderThan time.Time) (int, error) {
	tag, err := p.pool.Exec(ctx, `DELETE FROM seen_messages WHERE seen_at < $1`, olderThan)
	if err != nil {
		return 0, fmt.Errorf("sweep seen messages: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

func (p *PostgresStore) CreateWebhookDelivery(ctx context.Context, d *model.WebhookDelivery) error {
	return p.pool.QueryRow(ctx, `
		INSERT INTO webhook_deliveries (message_id, to_addr, envelope, status, attempt_count, last_status, last_error)
		VALUES ($1, $2, $3, $4, $5, $6, $7) RETURNING id, created_at, updated_at`,
		d.MessageID, d.ToAddress, d.Envelope, d.Status, d.AttemptCount, d.LastStatus, d.LastError).
		Scan(&d.ID, &d.CreatedAt, &d.UpdatedAt)
}

func (p *PostgresStore) UpdateWebhookDelivery(ctx context.Context, d *model.WebhookDelivery) error {
	tag, err := p.pool.Exec(ctx, `
		UPDATE webhook_deliveries SET status = $2, attempt_count = $3, last_status = $4, last_error = $5, updated_at = now()
		WHERE id = $1`, d.ID, d.Status, d.AttemptCount, d.LastStatus, d.LastError)
	if err != nil {
		return fmt.Errorf("update webhook delivery: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *PostgresStore) ListInProgressWebhookDeliveries(ctx context.Context) ([]*model.WebhookDelivery, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT id, message_id, to_addr, envelope, status, attempt_count, last_status, last_error, created_at, updated_at
		FROM webhook_deliveries WHERE status = $1`, model.WebhookInProgress)
	if err != nil {
		return nil, fmt.Errorf("list in-progress webhook deliveries: %w", err)
	}
	defer rows.Close()
	var out []*model.WebhookDelivery
	for rows.Next() {
		d := &model.WebhookDelivery{}
		if err := rows.Scan(&d.ID, &d.MessageID, &d.ToAddress, &d.Envelope, &d.Status, &d.AttemptCount, &d.LastStatus, &d.LastError, &d.CreatedAt, &d.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan webhook delivery: %w", err)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func (p *PostgresStore) GetReputation(ctx context.Context, address string) (*model.Reputation, error) {
	r := &model.Reputation{}
	err := p.pool.QueryRow(ctx, `
		SELECT address, score, messages_sent, messages_rejected, updated_at
		FROM reputations WHERE address = $1`, address).
		Scan(&r.Address, &r.Score, &r.MessagesSent, &r.MessagesRejected, &r.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get reputation: %w", err)
	}
	return r, nil
}

func (p *PostgresStore) UpsertReputation(ctx context.Context, r *model.Reputation) error {
	_, err := p.pool.Exec(ctx, `
		INSERT INTO reputations (address, score, messages_sent, messages_rejected, updated_at)
		VALUES ($1, $2, $3, $4, now())
		ON CONFLICT (address) DO UPDATE SET score = excluded.score,
			messages_sent = excluded.messages_sent, messages_rejected = excluded.messages_rejected, updated_at = now()`,
		r.Address, r.Score, r.MessagesSent, r.MessagesRejected)
	if err != nil {
		return fmt.Errorf("upsert reputation: %w", err)
	}
	return nil
}

func (p *PostgresStore) GetKnownRelay(ctx context.Context, domain string) (*model.KnownRelay, error) {
	r := &model.KnownRelay{}
	err := p.pool.QueryRow(ctx, `
		SELECT domain, federation_url, public_key, discovered_via, last_verified, ttl_hours, status
		FROM known_relays WHERE domain = $1`, domain).
		Scan(&r.Domain, &r.FederationURL, &r.PublicKey, &r.DiscoveredVia, &r.LastVerified, &r.TTLHours, &r.Status)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get known relay: %w", err)
	}
	return r, nil
}

func (p *PostgresStore) UpsertKnownRelay(ctx context.Context, r *model.KnownRelay) error {
	_, err := p.pool.Exec(ctx, `
		INSERT INTO known_relays (domain, federation_url, public_key, discovered_via, last_verified, ttl_hours, status)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (domain) DO UPDATE SET federation_url = excluded.federation_url, public_key = excluded.public_key,
			discovered_via = excluded.discovered_via, last_verified = excluded.last_verified,
			ttl_hours = excluded.ttl_hours, status = excluded.status`,
		r.Domain, r.FederationURL, r.PublicKey, r.DiscoveredVia, r.LastVerified, r.TTLHours, r.Status)
	if err != nil {
		return fmt.Errorf("upsert known relay: %w", err)
	}
	return nil
}

func (p *PostgresStore) EnqueueFederation(ctx context.Context, e *model.FederationQueueEntry) error {
	via, err := json.Marshal(e.Via)
	if err != nil {
		return fmt.Errorf("marshal via chain: %w", err)
	}
	return p.pool.QueryRow(ctx, `
		INSERT INTO federation_queue (envelope, from_relay, via, hop_count, attempt_count, next_retry, status)
		VALUES ($1, $2, $3, $4, $5, $6, $7) RETURNING id, created_at, updated_at`,
		e.Envelope, e.FromRelay, via, e.HopCount, e.AttemptCount, e.NextRetry, e.Status).
		Scan(&e.ID, &e.CreatedAt, &e.UpdatedAt)
}

func (p *PostgresStore) DueFederationEntries(ctx context.Context, now time.Time) ([]*model.FederationQueueEntry, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT id, envelope, from_relay, via, hop_count, attempt_count, next_retry, status, created_at, updated_at
		FROM federation_queue WHERE status = 'pending' AND next_retry <= $1`, now)
	if err != nil {
		return nil, fmt.Errorf("query due federation entries: %w", err)
	}
	defer rows.Close()
	var out []*model.FederationQueueEntry
	for rows.Next() {
		e := &model.FederationQueueEntry{}
		var via []byte
		if err := rows.Scan(&e.ID, &e.Envelope, &e.FromRelay, &via, &e.HopCount, &e.AttemptCount, &e.NextRetry, &e.Status, &e.CreatedAt, &e.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan federation entry: %w", err)
		}
		if err := json.Unmarshal(via, &e.Via); err != nil {
			return nil, fmt.Errorf("unmarshal via chain: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (p *PostgresStore) UpdateFederationEntry(ctx context.Context, e *model.FederationQueueEntry) error {
	tag, err := p.pool.Exec(ctx, `
		UPDATE federation_queue SET attempt_count = $2, next_retry = $3, status = $4, updated_at = now()
		WHERE id = $1`, e.ID, e.AttemptCount, e.NextRetry, e.Status)
	if err != nil {
		return fmt.Errorf("update federation entry: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *PostgresStore) SweepAgedFederationEntries(ctx context.Context, olderThan time.Time) (int, error) {
	tag, err := p.pool.Exec(ctx, `
		DELETE FROM federation_queue WHERE status IN ('delivered', 'failed') AND updated_at < $1`, olderThan)
	if err != nil {
		return 0, fmt.Errorf("sweep federation queue: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

func (p *PostgresStore) AppendFederationLog(ctx context.Context, l *model.FederationLog) error {
	return p.pool.QueryRow(ctx, `
		INSERT INTO federation_log (direction, domain, message_id, outcome, detail, timestamp)
		VALUES ($1, $2, $3, $4, $5, now()) RETURNING id, timestamp`,
		l.Direction, l.Domain, l.MessageID, l.Outcome, l.Detail).Scan(&l.ID, &l.Timestamp)
}

func (p *PostgresStore) ListFederationLogs(ctx context.Context, limit int) ([]*model.FederationLog, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT id, direction, domain, message_id, outcome, detail, timestamp
		FROM federation_log ORDER BY timestamp DESC LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("list federation logs: %w", err)
	}
	defer rows.Close()

	var out []*model.FederationLog
	for rows.Next() {
		var l model.FederationLog
		if err := rows.Scan(&l.ID, &l.Direction, &l.Domain, &l.MessageID, &l.Outcome, &l.Detail, &l.Timestamp); err != nil {
			return nil, fmt.Errorf("scan federation log: %w", err)
		}
		out = append(out, &l)
	}
	return out, rows.Err()
}

func (p *PostgresStore) UpsertDomainVerification(ctx context.Context, v *model.DomainVerification) error {
	_, err := p.pool.Exec(ctx, `
		INSERT INTO domain_verifications (address, domain, public_key, method, verified_at, last_checked, ttl_hours, status)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (address) DO UPDATE SET domain = excluded.domain, public_key = excluded.public_key,
			method = excluded.method, verified_at = excluded.verified_at, last_checked = excluded.last_checked,
			ttl_hours = excluded.ttl_hours, status = excluded.status`,
		v.Address, v.Domain, v.PublicKey, v.Method, v.VerifiedAt, v.LastChecked, v.TTLHours, v.Status)
	if err != nil {
		return fmt.Errorf("upsert domain verification: %w", err)
	}
	return nil
}

func (p *PostgresStore) GetDomainVerification(ctx context.Context, address string) (*model.DomainVerification, error) {
	v := &model.DomainVerification{}
	err := p.pool.QueryRow(ctx, `
		SELECT address, domain, public_key, method, verified_at, last_checked, ttl_hours, status
		FROM domain_verifications WHERE address = $1`, address).
		Scan(&v.Address, &v.Domain, &v.PublicKey, &v.Method, &v.VerifiedAt, &v.LastChecked, &v.TTLHours, &v.Status)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get domain verification: %w", err)
	}
	return v, nil
}

func (p *PostgresStore) ListDueDomainVerifications(ctx context.Context, olderThan time.Time) ([]*model.DomainVerification, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT address, domain, public_key, method, verified_at, last_checked, ttl_hours, status
		FROM domain_verifications WHERE status = 'active' AND last_checked < $1`, olderThan)
	if err != nil {
		return nil, fmt.Errorf("list due domain verifications: %w", err)
	}
	defer rows.Close()

	var out []*model.DomainVerification
	for rows.Next() {
		v := &model.DomainVerification{}
		if err := rows.Scan(&v.Address, &v.Domain, &v.PublicKey, &v.Method, &v.VerifiedAt, &v.LastChecked, &v.TTLHours, &v.Status); err != nil {
			return nil, fmt.Errorf("scan domain verification: %w", err)
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

func (p *PostgresStore) AddBlockPattern(ctx context.Context, pattern string) error {
	_, err := p.pool.Exec(ctx, `INSERT INTO block_patterns (pattern) VALUES ($1) ON CONFLICT DO NOTHING`, pattern)
	return err
}

func (p *PostgresStore) RemoveBlockPattern(ctx context.Context, pattern string) error {
	_, err := p.pool.Exec(ctx, `DELETE FROM block_patterns WHERE pattern = $1`, pattern)
	return err
}

func (p *PostgresStore) ListBlockPatterns(ctx context.Context) ([]string, error) {
	return p.listPatterns(ctx, "block_patterns")
}

func (p *PostgresStore) AddAllowPattern(ctx context.Context, pattern string) error {
	_, err := p.pool.Exec(ctx, `INSERT INTO allow_patterns (pattern) VALUES ($1) ON CONFLICT DO NOTHING`, pattern)
	return err
}

func (p *PostgresStore) RemoveAllowPattern(ctx context.Context, pattern string) error {
	_, err := p.pool.Exec(ctx, `DELETE FROM allow_patterns WHERE pattern = $1`, pattern)
	return err
}

func (p *PostgresStore) ListAllowPatterns(ctx context.Context) ([]string, error) {
	return p.listPatterns(ctx, "allow_patterns")
}

func (p *PostgresStore) listPatterns(ctx context.Context, table string) ([]string, error) {
	rows, err := p.pool.Query(ctx, fmt.Sprintf(`SELECT pattern FROM %s`, table))
	if err != nil {
		return nil, fmt.Errorf("list patterns from %s: %w", table, err)
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var s string
		if err := rows.Scan(&s); err != nil {
			return nil, fmt.Errorf("scan pattern: %w", err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func (p *PostgresStore) CreateDemoSession(ctx context.Context, r *model.DemoSession) error {
	tag, err := p.pool.Exec(ctx, `
		INSERT INTO demo_sessions (address, token, expires_at)
		SELECT $1, $2, $3
		WHERE NOT EXISTS (SELECT 1 FROM agents WHERE address = $1)
		ON CONFLICT (address) DO UPDATE SET token = excluded.token, expires_at = excluded.expires_at
		WHERE demo_sessions.expires_at < now()`,
		r.Address, r.Token, r.ExpiresAt)
	if err != nil {
		return fmt.Errorf("create demo session: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrDuplicate
	}
	return nil
}

func (p *PostgresStore) GetDemoSession(ctx context.Context, address string) (*model.DemoSession, error) {
	r := &model.DemoSession{}
	err := p.pool.QueryRow(ctx, `
		SELECT address, token, expires_at, created_at FROM demo_sessions WHERE address = $1`, address).
		Scan(&r.Address, &r.Token, &r.ExpiresAt, &r.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get demo session: %w", err)
	}
	return r, nil
}

func (p *PostgresStore) SweepExpiredDemoSessions(ctx context.Context, now time.Time) (int, error) {
	tag, err := p.pool.Exec(ctx, `DELETE FROM demo_sessions WHERE expires_at < $1`, now)
	if err != nil {
		return 0, fmt.Errorf("sweep expired demo sessions: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

var _ Storage = (*PostgresStore)(nil)
