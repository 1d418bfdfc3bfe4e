// Package contactbook is the SDK's single-writer local contact store: known
// contacts with their public keys and trust state, pending handshakes, and
// blocked patterns. It keeps in-memory O(1) caches for is_known/is_blocked so
// the hot send/inbox path never waits on disk I/O for those checks.
//
// No SQLite driver appears anywhere in the reference corpus (every example
// repo persists server-side state through postgres/pgx instead); this store
// is a single agent's local file, not a shared server database, so it is
// built on an atomically-rewritten JSON file guarded by a mutex rather than
// pulling in an embedded-database dependency with no grounding in the pack.
package contactbook

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/uam-network/uam-relay/internal/relay/spam"
)

// schemaVersion is bumped whenever the on-disk record shape changes;
// migrate() is idempotent per version, mirroring the teacher's
// PRAGMA-user_version-guarded migration steps.
const schemaVersion = 3

// TrustState enumerates a contact's handshake/TOFU trust label.
type TrustState string

const (
	TrustUnverified  TrustState = "unverified"
	TrustProvisional TrustState = "provisional"
	TrustPending     TrustState = "pending"
	TrustPinned      TrustState = "pinned"
	TrustVerified    TrustState = "verified"
	TrustTrusted     TrustState = "trusted"
)

// Contact is one known peer's stored identity and trust state.
type Contact struct {
	Address     string     `json:"address"`
	PublicKey   string     `json:"public_key"`
	DisplayName string     `json:"display_name,omitempty"`
	TrustState  TrustState `json:"trust_state"`
	TrustSource string     `json:"trust_source,omitempty"`
	Relay       string     `json:"relay,omitempty"`
	Relays      []string   `json:"relays,omitempty"`
	PinnedAt    *time.Time `json:"pinned_at,omitempty"`
	FirstSeen   time.Time  `json:"first_seen"`
	LastSeen    time.Time  `json:"last_seen"`
}

// Pending is a stored, not-yet-approved handshake request.
type Pending struct {
	Address     string    `json:"address"`
	ContactCard string    `json:"contact_card"`
	ReceivedAt  time.Time `json:"received_at"`
}

// ContactOptions carries the optional, coalesce-on-upsert fields accepted
// by AddContact. A nil field preserves whatever value is already stored.
type ContactOptions struct {
	DisplayName *string
	TrustSource *string
	Relay       *string
	Relays      []string
}

type diskState struct {
	Version  int                `json:"version"`
	Contacts map[string]Contact `json:"contacts"`
	Pending  map[string]Pending `json:"pending"`
	Blocked  []string           `json:"blocked"`
}

// Book is the open, in-process contact store for one agent.
type Book struct {
	path string

	mu       sync.Mutex
	contacts map[string]Contact
	pending  map[string]Pending

	known   map[string]struct{}
	blocked *spam.PatternSet
}

// Open reads (or creates) the contact book file under dataDir and hydrates
// its in-memory caches.
func Open(dataDir string) (*Book, error) {
	path := filepath.Join(dataDir, "contacts", "contacts.json")
	b := &Book{
		path:     path,
		contacts: make(map[string]Contact),
		pending:  make(map[string]Pending),
		known:    make(map[string]struct{}),
		blocked:  spam.NewPatternSet(),
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("read contact book: %w", err)
		}
		return b, nil // fresh book, nothing to migrate
	}

	var state diskState
	if err := json.Unmarshal(raw, &state); err != nil {
		return nil, fmt.Errorf("parse contact book: %w", err)
	}
	migrate(&state)

	if state.Contacts != nil {
		b.contacts = state.Contacts
	}
	if state.Pending != nil {
		b.pending = state.Pending
	}
	for addr := range b.contacts {
		b.known[addr] = struct{}{}
	}
	b.blocked.LoadAll(state.Blocked)
	return b, nil
}

// migrate upgrades an older on-disk record in place. Each step is a no-op
// when the field it introduces is already populated, so re-running it
// against an up-to-date file is always safe.
func migrate(s *diskState) {
	if s.Version >= schemaVersion {
		return
	}
	if s.Contacts == nil {
		s.Contacts = make(map[string]Contact)
	}
	if s.Pending == nil {
		s.Pending = make(map[string]Pending)
	}
	for addr, c := range s.Contacts {
		if c.TrustSource == "" {
			c.TrustSource = "legacy-unknown"
		}
		// pinned_at column introduced in version 3; contacts migrating
		// forward from an older file simply carry a nil PinnedAt, which
		// is the correct "never pinned" value for a pre-TOFU record.
		s.Contacts[addr] = c
	}
	s.Version = schemaVersion
}

func (b *Book) persistLocked() error {
	state := diskState{
		Version:  schemaVersion,
		Contacts: b.contacts,
		Pending:  b.pending,
		Blocked:  b.blocked.List(),
	}
	raw, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal contact book: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(b.path), 0o700); err != nil {
		return fmt.Errorf("create contact book dir: %w", err)
	}
	tmp := b.path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o600); err != nil {
		return fmt.Errorf("write contact book tmp file: %w", err)
	}
	if err := os.Rename(tmp, b.path); err != nil {
		return fmt.Errorf("rename contact book tmp file: %w", err)
	}
	return nil
}

// IsKnown reports whether address is in the contact book. O(1), no I/O.
func (b *Book) IsKnown(address string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.known[address]
	return ok
}

// GetPublicKey returns the stored public key for address, or "" if unknown.
func (b *Book) GetPublicKey(address string) string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.contacts[address].PublicKey
}

// GetRelayURLs returns the ordered relay URLs stored for address: its
// Relays list if present, otherwise a single-element list wrapping Relay,
// or nil if the contact is unknown or carries no relay data.
func (b *Book) GetRelayURLs(address string) []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	c, ok := b.contacts[address]
	if !ok {
		return nil
	}
	if len(c.Relays) > 0 {
		return append([]string(nil), c.Relays...)
	}
	if c.Relay != "" {
		return []string{c.Relay}
	}
	return nil
}

// AddContact upserts address's public key and trust state. Fields in opts
// are coalesced: a nil field preserves the existing stored value.
func (b *Book) AddContact(address, publicKey string, trust TrustState, opts ContactOptions) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now().UTC()
	existing, had := b.contacts[address]
	c := Contact{
		Address:    address,
		PublicKey:  publicKey,
		TrustState: trust,
		FirstSeen:  now,
		LastSeen:   now,
	}
	if had {
		c.FirstSeen = existing.FirstSeen
		c.DisplayName = existing.DisplayName
		c.TrustSource = existing.TrustSource
		c.Relay = existing.Relay
		c.Relays = existing.Relays
		c.PinnedAt = existing.PinnedAt
	}
	if opts.DisplayName != nil {
		c.DisplayName = *opts.DisplayName
	}
	if opts.TrustSource != nil {
		c.TrustSource = *opts.TrustSource
	}
	if opts.Relay != nil {
		c.Relay = *opts.Relay
	}
	if opts.Relays != nil {
		c.Relays = opts.Relays
	}

	b.contacts[address] = c
	b.known[address] = struct{}{}
	return b.persistLocked()
}

// GetTrustState returns the stored trust state for address, and whether the
// contact is known at all.
func (b *Book) GetTrustState(address string) (TrustState, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	c, ok := b.contacts[address]
	return c.TrustState, ok
}

// SetPinnedAt stamps address's pinned_at to now, marking its key as
// TOFU-confirmed via a completed handshake.
func (b *Book) SetPinnedAt(address string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	c, ok := b.contacts[address]
	if !ok {
		return fmt.Errorf("contact %q not found", address)
	}
	now := time.Now().UTC()
	c.PinnedAt = &now
	b.contacts[address] = c
	return b.persistLocked()
}

// IsTrustedOrVerified reports whether address's trust state is one of
// pinned, verified, or trusted.
func (b *Book) IsTrustedOrVerified(address string) bool {
	state, ok := b.GetTrustState(address)
	if !ok {
		return false
	}
	return state == TrustPinned || state == TrustVerified || state == TrustTrusted
}

// AddPending stores a pending handshake request's raw contact card JSON.
func (b *Book) AddPending(address, contactCardJSON string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.pending[address] = Pending{
		Address:     address,
		ContactCard: contactCardJSON,
		ReceivedAt:  time.Now().UTC(),
	}
	return b.persistLocked()
}

// GetPending returns every stored pending handshake request.
func (b *Book) GetPending() []Pending {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]Pending, 0, len(b.pending))
	for _, p := range b.pending {
		out = append(out, p)
	}
	return out
}

// RemovePending deletes address's pending handshake request, if any.
func (b *Book) RemovePending(address string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.pending, address)
	return b.persistLocked()
}

// GetExpiredPending returns pending handshake requests older than the given
// number of days, for the SDK's handshake-expiry sweep.
func (b *Book) GetExpiredPending(days int) []Pending {
	b.mu.Lock()
	defer b.mu.Unlock()
	cutoff := time.Now().UTC().AddDate(0, 0, -days)
	var out []Pending
	for _, p := range b.pending {
		if p.ReceivedAt.Before(cutoff) {
			out = append(out, p)
		}
	}
	return out
}

// AddBlock blocks pattern (an exact address or a `*::domain` wildcard).
func (b *Book) AddBlock(pattern string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.blocked.Add(pattern)
	return b.persistLocked()
}

// RemoveBlock removes a previously added block pattern.
func (b *Book) RemoveBlock(pattern string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.blocked.Remove(pattern)
	return b.persistLocked()
}

// IsBlocked reports whether address matches any blocked pattern. O(1).
func (b *Book) IsBlocked(address string) bool {
	return b.blocked.Matches(address)
}
