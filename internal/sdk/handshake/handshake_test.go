package handshake_test

import (
	"context"
	"crypto/ed25519"
	"errors"
	"strings"
	"testing"

	"github.com/uam-network/uam-relay/internal/protocol/envelope"
	"github.com/uam-network/uam-relay/internal/sdk/contactbook"
	"github.com/uam-network/uam-relay/internal/sdk/handshake"
)

type stubSender struct {
	sent []map[string]any
}

func (s *stubSender) Send(_ context.Context, wire map[string]any) error {
	s.sent = append(s.sent, wire)
	return nil
}

func newIdentity(t *testing.T, address string) handshake.Identity {
	t.Helper()
	vk, sk, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	return handshake.Identity{
		Address:     address,
		DisplayName: address,
		Relay:       "https://example.com",
		SigningKey:  sk,
		VerifyKey:   vk,
	}
}

func requestEnvelope(t *testing.T, from, to handshake.Identity) *envelope.Envelope {
	t.Helper()
	wire, err := handshake.CreateHandshakeRequest(from, to.Address, to.VerifyKey)
	if err != nil {
		t.Fatalf("CreateHandshakeRequest: %v", err)
	}
	env, err := envelope.FromWireDict(wire)
	if err != nil {
		t.Fatalf("FromWireDict: %v", err)
	}
	return env
}

func TestHandleInbound_AutoAcceptPinsAndReplies(t *testing.T) {
	book, err := contactbook.Open(t.TempDir())
	if err != nil {
		t.Fatalf("contactbook.Open: %v", err)
	}
	alice := newIdentity(t, "alice::example.com")
	bob := newIdentity(t, "bob::example.com")

	m := handshake.New(book, handshake.PolicyAutoAccept)
	env := requestEnvelope(t, bob, alice)

	sender := &stubSender{}
	handled, err := m.HandleInbound(context.Background(), alice, env, bob.VerifyKey, sender)
	if err != nil {
		t.Fatalf("HandleInbound: %v", err)
	}
	if !handled {
		t.Fatal("expected handshake.request to be handled")
	}

	trust, known := book.GetTrustState(bob.Address)
	if !known || trust != contactbook.TrustPinned {
		t.Fatalf("trust state = %v, known=%v, want pinned/true", trust, known)
	}
	if len(sender.sent) != 1 {
		t.Fatalf("sent %d envelopes, want 1 handshake.accept", len(sender.sent))
	}
	if got := sender.sent[0]["type"]; got != string(envelope.TypeHandshakeAccept) {
		t.Fatalf("reply type = %v, want handshake.accept", got)
	}
}

func TestHandleInbound_ApprovalRequiredQueuesPending(t *testing.T) {
	book, err := contactbook.Open(t.TempDir())
	if err != nil {
		t.Fatalf("contactbook.Open: %v", err)
	}
	alice := newIdentity(t, "alice::example.com")
	bob := newIdentity(t, "bob::example.com")

	m := handshake.New(book, handshake.PolicyApprovalRequired)
	env := requestEnvelope(t, bob, alice)

	sender := &stubSender{}
	if _, err := m.HandleInbound(context.Background(), alice, env, bob.VerifyKey, sender); err != nil {
		t.Fatalf("HandleInbound: %v", err)
	}

	if _, known := book.GetTrustState(bob.Address); known {
		t.Fatal("expected bob to remain unknown pending approval")
	}
	entries := book.GetPending()
	if len(entries) != 1 || entries[0].Address != bob.Address {
		t.Fatalf("GetPending = %+v, want one entry for %s", entries, bob.Address)
	}
	if len(sender.sent) != 0 {
		t.Fatal("expected no reply to be sent while approval is pending")
	}
}

func TestHandleInbound_AllowlistOnlyDeniesUnlisted(t *testing.T) {
	book, err := contactbook.Open(t.TempDir())
	if err != nil {
		t.Fatalf("contactbook.Open: %v", err)
	}
	alice := newIdentity(t, "alice::example.com")
	bob := newIdentity(t, "bob::example.com")

	m := handshake.New(book, handshake.PolicyAllowlistOnly)
	m.SetAllowlistFunc(func(address string) bool { return false })
	env := requestEnvelope(t, bob, alice)

	sender := &stubSender{}
	if _, err := m.HandleInbound(context.Background(), alice, env, bob.VerifyKey, sender); err != nil {
		t.Fatalf("HandleInbound: %v", err)
	}

	if _, known := book.GetTrustState(bob.Address); known {
		t.Fatal("expected unlisted sender to remain unknown")
	}
	if len(sender.sent) != 1 {
		t.Fatalf("sent %d envelopes, want 1 handshake.deny", len(sender.sent))
	}
	if got := sender.sent[0]["type"]; got != string(envelope.TypeHandshakeDeny) {
		t.Fatalf("reply type = %v, want handshake.deny", got)
	}
}

func TestHandleInbound_AllowlistOnlyAcceptsListed(t *testing.T) {
	book, err := contactbook.Open(t.TempDir())
	if err != nil {
		t.Fatalf("contactbook.Open: %v", err)
	}
	alice := newIdentity(t, "alice::example.com")
	bob := newIdentity(t, "bob::example.com")

	m := handshake.New(book, handshake.PolicyAllowlistOnly)
	m.SetAllowlistFunc(func(address string) bool { return address == bob.Address })
	env := requestEnvelope(t, bob, alice)

	sender := &stubSender{}
	if _, err := m.HandleInbound(context.Background(), alice, env, bob.VerifyKey, sender); err != nil {
		t.Fatalf("HandleInbound: %v", err)
	}

	trust, known := book.GetTrustState(bob.Address)
	if !known || trust != contactbook.TrustPinned {
		t.Fatalf("trust state = %v, known=%v, want pinned/true", trust, known)
	}
}

func TestHandleInbound_AcceptPinsResponder(t *testing.T) {
	book, err := contactbook.Open(t.TempDir())
	if err != nil {
		t.Fatalf("contactbook.Open: %v", err)
	}
	alice := newIdentity(t, "alice::example.com")
	bob := newIdentity(t, "bob::example.com")

	m := handshake.New(book, handshake.PolicyAutoAccept)
	sender := &stubSender{}
	if err := m.SendAccept(context.Background(), bob, alice.Address, alice.VerifyKey, sender); err != nil {
		t.Fatalf("SendAccept: %v", err)
	}
	env, err := envelope.FromWireDict(sender.sent[0])
	if err != nil {
		t.Fatalf("FromWireDict: %v", err)
	}

	handled, err := m.HandleInbound(context.Background(), alice, env, bob.VerifyKey, sender)
	if err != nil {
		t.Fatalf("HandleInbound: %v", err)
	}
	if !handled {
		t.Fatal("expected handshake.accept to be handled")
	}
	trust, known := book.GetTrustState(bob.Address)
	if !known || trust != contactbook.TrustPinned {
		t.Fatalf("trust state = %v, known=%v, want pinned/true", trust, known)
	}
}

func TestHandleInbound_DenyRemovesPending(t *testing.T) {
	book, err := contactbook.Open(t.TempDir())
	if err != nil {
		t.Fatalf("contactbook.Open: %v", err)
	}
	alice := newIdentity(t, "alice::example.com")
	bob := newIdentity(t, "bob::example.com")

	if err := book.AddPending(bob.Address, `{"address":"bob::example.com"}`); err != nil {
		t.Fatalf("AddPending: %v", err)
	}

	m := handshake.New(book, handshake.PolicyAutoAccept)
	sender := &stubSender{}
	if err := m.SendDeny(context.Background(), bob, alice.Address, alice.VerifyKey, sender); err != nil {
		t.Fatalf("SendDeny: %v", err)
	}
	env, err := envelope.FromWireDict(sender.sent[0])
	if err != nil {
		t.Fatalf("FromWireDict: %v", err)
	}

	if _, err := m.HandleInbound(context.Background(), alice, env, bob.VerifyKey, sender); err != nil {
		t.Fatalf("HandleInbound: %v", err)
	}
	if len(book.GetPending()) != 0 {
		t.Fatal("expected pending entry to be removed on deny")
	}
}

func TestHandleInbound_UnrelatedTypeNotHandled(t *testing.T) {
	book, err := contactbook.Open(t.TempDir())
	if err != nil {
		t.Fatalf("contactbook.Open: %v", err)
	}
	alice := newIdentity(t, "alice::example.com")
	bob := newIdentity(t, "bob::example.com")

	env, err := envelope.CreateEnvelope(bob.Address, alice.Address, envelope.TypeMessage, []byte("hi"),
		bob.SigningKey, alice.VerifyKey, envelope.CreateOptions{})
	if err != nil {
		t.Fatalf("CreateEnvelope: %v", err)
	}

	m := handshake.New(book, handshake.PolicyAutoAccept)
	handled, err := m.HandleInbound(context.Background(), alice, env, bob.VerifyKey, &stubSender{})
	if err != nil {
		t.Fatalf("HandleInbound: %v", err)
	}
	if handled {
		t.Fatal("expected a plain message envelope to be left unhandled")
	}
}

func TestCheckTOFU_UnknownContactAllowsPinning(t *testing.T) {
	book, err := contactbook.Open(t.TempDir())
	if err != nil {
		t.Fatalf("contactbook.Open: %v", err)
	}
	if err := handshake.CheckTOFU(book, "carol::example.com", "some-key"); err != nil {
		t.Fatalf("CheckTOFU for unknown contact: %v", err)
	}
}

func TestCheckTOFU_MismatchOnPinnedKeyIsFatal(t *testing.T) {
	book, err := contactbook.Open(t.TempDir())
	if err != nil {
		t.Fatalf("contactbook.Open: %v", err)
	}
	if err := book.AddContact("carol::example.com", "original-key", contactbook.TrustPinned, contactbook.ContactOptions{}); err != nil {
		t.Fatalf("AddContact: %v", err)
	}

	err = handshake.CheckTOFU(book, "carol::example.com", "different-key")
	if err == nil {
		t.Fatal("expected a key-pinning error on mismatch")
	}
	var pinErr *handshake.KeyPinningError
	if !errors.As(err, &pinErr) {
		t.Fatalf("expected *handshake.KeyPinningError, got %T", err)
	}
	if got := pinErr.Error(); !strings.Contains(got, "CRITICAL") {
		t.Fatalf("error message %q does not contain CRITICAL", got)
	}
}

func TestCheckTOFU_MatchingKeyOnPinnedContactPasses(t *testing.T) {
	book, err := contactbook.Open(t.TempDir())
	if err != nil {
		t.Fatalf("contactbook.Open: %v", err)
	}
	if err := book.AddContact("carol::example.com", "the-key", contactbook.TrustPinned, contactbook.ContactOptions{}); err != nil {
		t.Fatalf("AddContact: %v", err)
	}
	if err := handshake.CheckTOFU(book, "carol::example.com", "the-key"); err != nil {
		t.Fatalf("CheckTOFU with matching key: %v", err)
	}
}

func TestAllowedBySendPolicy_RequireVerifyBlocksUnpinned(t *testing.T) {
	if handshake.AllowedBySendPolicy(handshake.PolicyRequireVerify, contactbook.TrustProvisional, true) {
		t.Fatal("expected require_verify to block a provisional contact")
	}
	if !handshake.AllowedBySendPolicy(handshake.PolicyRequireVerify, contactbook.TrustVerified, true) {
		t.Fatal("expected require_verify to allow a verified contact")
	}
	if !handshake.AllowedBySendPolicy(handshake.PolicyAutoAccept, contactbook.TrustProvisional, true) {
		t.Fatal("expected auto-accept to allow any known trust state")
	}
}
