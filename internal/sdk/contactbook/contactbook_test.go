package contactbook_test

import (
	"path/filepath"
	"testing"

	"github.com/uam-network/uam-relay/internal/sdk/contactbook"
)

func strPtr(s string) *string { return &s }

func TestAddContact_CoalesceOnUpsert(t *testing.T) {
	b, err := contactbook.Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	if err := b.AddContact("bob::example.com", "pk1", contactbook.TrustPinned, contactbook.ContactOptions{
		DisplayName: strPtr("Bob"),
		Relay:       strPtr("https://example.com"),
	}); err != nil {
		t.Fatalf("AddContact: %v", err)
	}

	// Upsert with nil DisplayName and Relay should preserve the existing
	// values; the relay is observable through GetRelayURLs.
	if err := b.AddContact("bob::example.com", "pk1", contactbook.TrustVerified, contactbook.ContactOptions{
		TrustSource: strPtr("explicit-approval"),
	}); err != nil {
		t.Fatalf("AddContact (coalesce): %v", err)
	}

	trust, known := b.GetTrustState("bob::example.com")
	if !known {
		t.Fatal("expected bob::example.com to be known")
	}
	if trust != contactbook.TrustVerified {
		t.Fatalf("trust state = %q, want verified", trust)
	}
	if !b.IsKnown("bob::example.com") {
		t.Fatal("expected IsKnown to report true")
	}
	if pk := b.GetPublicKey("bob::example.com"); pk != "pk1" {
		t.Fatalf("public key = %q, want pk1", pk)
	}
	if relays := b.GetRelayURLs("bob::example.com"); len(relays) != 1 || relays[0] != "https://example.com" {
		t.Fatalf("relay URLs = %v, want [https://example.com] preserved", relays)
	}
}

func TestPersistence_RoundTripsAcrossOpen(t *testing.T) {
	dir := t.TempDir()

	b1, err := contactbook.Open(dir)
	if err != nil {
		t.Fatalf("Open (1): %v", err)
	}
	if err := b1.AddContact("carol::example.com", "pk2", contactbook.TrustPinned, contactbook.ContactOptions{}); err != nil {
		t.Fatalf("AddContact: %v", err)
	}
	if err := b1.AddBlock("spammer::bad.example"); err != nil {
		t.Fatalf("AddBlock: %v", err)
	}

	b2, err := contactbook.Open(dir)
	if err != nil {
		t.Fatalf("Open (2): %v", err)
	}
	if !b2.IsKnown("carol::example.com") {
		t.Fatal("expected carol::example.com to survive reopen")
	}
	if !b2.IsBlocked("spammer::bad.example") {
		t.Fatal("expected block pattern to survive reopen")
	}

	if _, err := filepath.Abs(filepath.Join(dir, "contacts", "contacts.json")); err != nil {
		t.Fatalf("filepath.Abs: %v", err)
	}
}

func TestPendingHandshakeLifecycle(t *testing.T) {
	b, err := contactbook.Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	if err := b.AddPending("dave::example.com", `{"address":"dave::example.com"}`); err != nil {
		t.Fatalf("AddPending: %v", err)
	}

	entries := b.GetPending()
	if len(entries) != 1 || entries[0].Address != "dave::example.com" {
		t.Fatalf("GetPending = %+v, want one entry for dave::example.com", entries)
	}

	if err := b.RemovePending("dave::example.com"); err != nil {
		t.Fatalf("RemovePending: %v", err)
	}
	if len(b.GetPending()) != 0 {
		t.Fatal("expected pending list to be empty after removal")
	}
}

func TestIsBlocked_MatchesDomainWildcard(t *testing.T) {
	b, err := contactbook.Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := b.AddBlock("*::spam.example"); err != nil {
		t.Fatalf("AddBlock: %v", err)
	}
	if !b.IsBlocked("anyone::spam.example") {
		t.Fatal("expected domain wildcard to block any sender on that domain")
	}
	if b.IsBlocked("anyone::good.example") {
		t.Fatal("expected unrelated domain to remain unblocked")
	}

	if err := b.RemoveBlock("*::spam.example"); err != nil {
		t.Fatalf("RemoveBlock: %v", err)
	}
	if b.IsBlocked("anyone::spam.example") {
		t.Fatal("expected block to be lifted after RemoveBlock")
	}
}

func TestGetTrustState_UnknownContact(t *testing.T) {
	b, err := contactbook.Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if _, known := b.GetTrustState("ghost::example.com"); known {
		t.Fatal("expected unknown contact to report known=false")
	}
}
