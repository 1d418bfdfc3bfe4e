package store

import (
	"context"
	"sync"
	"time"

	"github.com/uam-network/uam-relay/internal/relay/model"
)

// MemoryStore is an in-process Storage implementation guarded by a single
// RWMutex, the adapter the relay opens when database.url is empty and the
// one used throughout the test suite.
type MemoryStore struct {
	mu sync.RWMutex

	agentsByAddr  map[string]*model.ServerAgent
	agentsByToken map[string]string // token -> address

	storedMessages []*model.StoredMessage
	nextMessageID  int64

	seen map[string]*model.SeenMessageId

	webhookDeliveries map[int64]*model.WebhookDelivery
	nextDeliveryID    int64

	reputations map[string]*model.Reputation

	knownRelays map[string]*model.KnownRelay

	fedQueue    map[int64]*model.FederationQueueEntry
	nextQueueID int64
	fedLog      []*model.FederationLog

	domainVerifications map[string]*model.DomainVerification

	blockPatterns map[string]struct{}
	allowPatterns map[string]struct{}

	demoSessions map[string]*model.DemoSession
}

// NewMemoryStore constructs an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		agentsByAddr:         make(map[string]*model.ServerAgent),
		agentsByToken:        make(map[string]string),
		seen:                 make(map[string]*model.SeenMessageId),
		webhookDeliveries:    make(map[int64]*model.WebhookDelivery),
		reputations:          make(map[string]*model.Reputation),
		knownRelays:          make(map[string]*model.KnownRelay),
		fedQueue:             make(map[int64]*model.FederationQueueEntry),
		domainVerifications:  make(map[string]*model.DomainVerification),
		blockPatterns:        make(map[string]struct{}),
		allowPatterns:        make(map[string]struct{}),
		demoSessions:         make(map[string]*model.DemoSession),
	}
}

func (s *MemoryStore) Close() {}

func (s *MemoryStore) RegisterAgent(_ context.Context, a *model.ServerAgent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.agentsByAddr[a.Address] = a
	s.agentsByToken[a.Token] = a.Address
	return nil
}

func (s *MemoryStore) GetAgent(_ context.Context, address string) (*model.ServerAgent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.agentsByAddr[address]
	if !ok {
		return nil, ErrNotFound
	}
	return a, nil
}

func (s *MemoryStore) GetAgentByToken(_ context.Context, token string) (*model.ServerAgent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	addr, ok := s.agentsByToken[token]
	if !ok {
		return nil, ErrNotFound
	}
	return s.agentsByAddr[addr], nil
}

func (s *MemoryStore) UpdateAgentWebhook(_ context.Context, address, webhookURL, webhookSecret string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.agentsByAddr[address]
	if !ok {
		return ErrNotFound
	}
	a.WebhookURL = webhookURL
	a.WebhookSecret = webhookSecret
	return nil
}

func (s *MemoryStore) TouchAgentLastSeen(_ context.Context, address string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.agentsByAddr[address]
	if !ok {
		return ErrNotFound
	}
	a.LastSeen = time.Now().UTC()
	return nil
}

func (s *MemoryStore) InsertStoredMessage(_ context.Context, m *model.StoredMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextMessageID++
	m.ID = s.nextMessageID
	s.storedMessages = append(s.storedMessages, m)
	return nil
}

func (s *MemoryStore) DrainStoredMessages(_ context.Context, toAddress string) ([]*model.StoredMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var drained []*model.StoredMessage
	var remaining []*model.StoredMessage
	for _, m := range s.storedMessages {
		if m.ToAddress == toAddress && !m.Delivered {
			m.Delivered = true
			drained = append(drained, m)
		} else {
			remaining = append(remaining, m)
		}
	}
	s.storedMessages = remaining
	return drained, nil
}

func (s *MemoryStore) SweepExpiredStoredMessages(_ context.Context, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var remaining []*model.StoredMessage
	removed := 0
	for _, m := range s.storedMessages {
		if m.Expires != nil && m.Expires.Before(now) {
			removed++
			continue
		}
		remaining = append(remaining, m)
	}
	s.storedMessages = remaining
	return removed, nil
}

func (s *MemoryStore) InsertSeenMessage(_ context.Context, rec *model.SeenMessageId) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.seen[rec.MessageID]; ok {
		return ErrDuplicate
	}
	s.seen[rec.MessageID] = rec
	return nil
}

func (s *MemoryStore) SweepExpiredSeenMessages(_ context.Context, olderThan time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for id, rec := range s.seen {
		if rec.SeenAt.Before(olderThan) {
			delete(s.seen, id)
			removed++
		}
	}
	return removed, nil
}

func (s *MemoryStore) CreateWebhookDelivery(_ context.Context, d *model.WebhookDelivery) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextDeliveryID++
	d.ID = s.nextDeliveryID
	s.webhookDeliveries[d.ID] = d
	return nil
}

func (s *MemoryStore) UpdateWebhookDelivery(_ context.Context, d *model.WebhookDelivery) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.webhookDeliveries[d.ID]; !ok {
		return ErrNotFound
	}
	s.webhookDeliveries[d.ID] = d
	return nil
}

func (s *MemoryStore) ListInProgressWebhookDeliveries(_ context.Context) ([]*model.WebhookDelivery, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*model.WebhookDelivery
	for _, d := range s.webhookDeliveries {
		if d.Status == model.WebhookInProgress {
			out = append(out, d)
		}
	}
	return out, nil
}

func (s *MemoryStore) GetReputation(_ context.Context, address string) (*model.Reputation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.reputations[address]
	if !ok {
		return nil, ErrNotFound
	}
	return r, nil
}

func (s *MemoryStore) UpsertReputation(_ context.Context, r *model.Reputation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reputations[r.Address] = r
	return nil
}

func (s *MemoryStore) GetKnownRelay(_ context.Context, domain string) (*model.KnownRelay, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.knownRelays[domain]
	if !ok {
		return nil, ErrNotFound
	}
	return r, nil
}

func (s *MemoryStore) UpsertKnownRelay(_ context.Context, r *model.KnownRelay) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.knownRelays[r.Domain] = r
	return nil
}

func (s *MemoryStore) EnqueueFederation(_ context.Context, e *model.FederationQueueEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextQueueID++
	e.ID = s.nextQueueID
	s.fedQueue[e.ID] = e
	return nil
}

func (s *MemoryStore) DueFederationEntries(_ context.Context, now time.Time) ([]*model.FederationQueueEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*model.FederationQueueEntry
	for _, e := range s.fedQueue {
		if e.Status == "pending" && !e.NextRetry.After(now) {
			out = append(out, e)
		}
	}
	return out, nil
}

func (s *MemoryStore) UpdateFederationEntry(_ context.Context, e *model.FederationQueueEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.fedQueue[e.ID]; !ok {
		return ErrNotFound
	}
	s.fedQueue[e.ID] = e
	return nil
}

func (s *MemoryStore) SweepAgedFederationEntries(_ context.Context, olderThan time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for id, e := range s.fedQueue {
		if (e.Status == "delivered" || e.Status == "failed") && e.UpdatedAt.Before(olderThan) {
			delete(s.fedQueue, id)
			removed++
		}
	}
	return removed, nil
}

func (s *MemoryStore) AppendFederationLog(_ context.Context, l *model.FederationLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	l.ID = int64(len(s.fedLog)) + 1
	s.fedLog = append(s.fedLog, l)
	return nil
}

func (s *MemoryStore) ListFederationLogs(_ context.Context, limit int) ([]*model.FederationLog, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := len(s.fedLog)
	if limit > 0 && limit < n {
		n = limit
	}
	out := make([]*model.FederationLog, n)
	for i := 0; i < n; i++ {
		out[i] = s.fedLog[len(s.fedLog)-1-i]
	}
	return out, nil
}

func (s *MemoryStore) UpsertDomainVerification(_ context.Context, v *model.DomainVerification) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.domainVerifications[v.Address] = v
	return nil
}

func (s *MemoryStore) GetDomainVerification(_ context.Context, address string) (*model.DomainVerification, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.domainVerifications[address]
	if !ok {
		return nil, ErrNotFound
	}
	return v, nil
}

func (s *MemoryStore) ListDueDomainVerifications(_ context.Context, olderThan time.Time) ([]*model.DomainVerification, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*model.DomainVerification
	for _, v := range s.domainVerifications {
		if v.Status == "active" && v.LastChecked.Before(olderThan) {
			out = append(out, v)
		}
	}
	return out, nil
}

func (s *MemoryStore) AddBlockPattern(_ context.Context, pattern string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.blockPatterns[pattern] = struct{}{}
	return nil
}

func (s *MemoryStore) RemoveBlockPattern(_ context.Context, pattern string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.blockPatterns, pattern)
	return nil
}

func (s *MemoryStore) ListBlockPatterns(_ context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.blockPatterns))
	for p := range s.blockPatterns {
		out = append(out, p)
	}
	return out, nil
}

func (s *MemoryStore) AddAllowPattern(_ context.Context, pattern string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.allowPatterns[pattern] = struct{}{}
	return nil
}

func (s *MemoryStore) RemoveAllowPattern(_ context.Context, pattern string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.allowPatterns, pattern)
	return nil
}

func (s *MemoryStore) ListAllowPatterns(_ context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.allowPatterns))
	for p := range s.allowPatterns {
		out = append(out, p)
	}
	return out, nil
}

func (s *MemoryStore) CreateDemoSession(_ context.Context, r *model.DemoSession) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, taken := s.agentsByAddr[r.Address]; taken {
		return ErrDuplicate
	}
	if existing, ok := s.demoSessions[r.Address]; ok && existing.ExpiresAt.After(time.Now()) {
		return ErrDuplicate
	}
	s.demoSessions[r.Address] = r
	return nil
}

func (s *MemoryStore) GetDemoSession(_ context.Context, address string) (*model.DemoSession, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.demoSessions[address]
	if !ok {
		return nil, ErrNotFound
	}
	return r, nil
}

func (s *MemoryStore) SweepExpiredDemoSessions(_ context.Context, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for addr, r := range s.demoSessions {
		if r.ExpiresAt.Before(now) {
			delete(s.demoSessions, addr)
			removed++
		}
	}
	return removed, nil
}

var _ Storage = (*MemoryStore)(nil)
