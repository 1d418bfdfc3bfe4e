package ingress

import (
	"context"
	"encoding/base64"
	"testing"
	"time"

	uamcrypto "github.com/uam-network/uam-relay/internal/protocol/crypto"
	"github.com/uam-network/uam-relay/internal/protocol/envelope"
	"github.com/uam-network/uam-relay/internal/relay/model"
	"github.com/uam-network/uam-relay/internal/relay/spam"
	"github.com/uam-network/uam-relay/internal/relay/store"
)

func newTestDeps(t *testing.T, st store.Storage) *Deps {
	t.Helper()
	return &Deps{
		Storage:             st,
		Blocklist:           spam.NewPatternSet(),
		Allowlist:           spam.NewPatternSet(),
		Reputation:          spam.NewReputationManager(st),
		SenderLimiter:       spam.NewSlidingWindowLimiter(time.Minute),
		DomainLimiter:       spam.NewSlidingWindowLimiter(time.Minute),
		RecipientLimiter:    spam.NewSlidingWindowLimiter(time.Minute),
		OwnDomain:           "r.test",
		DomainRatePerMin:    100,
		RecipientRatePerMin: 100,
		ExpiryGraceSeconds:  0,
	}
}

func mustB64(b []byte) string {
	return base64.StdEncoding.EncodeToString(b)
}

func registerAgent(t *testing.T, st store.Storage, addr, token string, vk []byte) {
	t.Helper()
	agent := &model.ServerAgent{
		Address:   addr,
		PublicKey: mustB64(vk),
		Token:     token,
		CreatedAt: time.Now(),
	}
	if err := st.RegisterAgent(context.Background(), agent); err != nil {
		t.Fatalf("RegisterAgent: %v", err)
	}
}

func wireFor(t *testing.T, from, to string, sk, recipientVK []byte) map[string]any {
	t.Helper()
	env, err := envelope.CreateEnvelope(from, to, envelope.TypeMessage, []byte("hi"), sk, recipientVK, envelope.CreateOptions{})
	if err != nil {
		t.Fatalf("CreateEnvelope: %v", err)
	}
	wire, err := env.ToWireDict()
	if err != nil {
		t.Fatalf("ToWireDict: %v", err)
	}
	return wire
}

func TestPipelineAcceptsValidMessage(t *testing.T) {
	st := store.NewMemoryStore()
	d := newTestDeps(t, st)

	alice, _ := uamcrypto.GenerateKeypair()
	bob, _ := uamcrypto.GenerateKeypair()
	registerAgent(t, st, "alice::r.test", "tok-alice", alice.VerifyKey)

	wire := wireFor(t, "alice::r.test", "bob::r.test", alice.SigningKey, bob.VerifyKey)

	p := New()
	c := &Context{GoCtx: context.Background(), Now: time.Now(), Token: "tok-alice", RawWire: wire}
	outcome, rejErr := p.Run(d, c)
	if outcome != Accept {
		t.Fatalf("outcome = %v, rejErr = %v", outcome, rejErr)
	}
}

func TestPipelineRejectsUnauthenticated(t *testing.T) {
	st := store.NewMemoryStore()
	d := newTestDeps(t, st)
	p := New()
	c := &Context{GoCtx: context.Background(), Now: time.Now(), Token: "", RawWire: map[string]any{}}
	outcome, rejErr := p.Run(d, c)
	if outcome != Reject || rejErr.Code != "unauthorized" {
		t.Fatalf("outcome = %v, rejErr = %v", outcome, rejErr)
	}
}

func TestPipelineRejectsBlocklisted(t *testing.T) {
	st := store.NewMemoryStore()
	d := newTestDeps(t, st)
	alice, _ := uamcrypto.GenerateKeypair()
	registerAgent(t, st, "alice::r.test", "tok-alice", alice.VerifyKey)
	d.Blocklist.Add("alice::r.test")

	p := New()
	c := &Context{GoCtx: context.Background(), Now: time.Now(), Token: "tok-alice", RawWire: map[string]any{}}
	outcome, rejErr := p.Run(d, c)
	if outcome != Reject || rejErr.Code != "blocked" {
		t.Fatalf("outcome = %v, rejErr = %v", outcome, rejErr)
	}
}

func TestPipelineDedupAcceptsDuplicateSilently(t *testing.T) {
	st := store.NewMemoryStore()
	d := newTestDeps(t, st)
	alice, _ := uamcrypto.GenerateKeypair()
	bob, _ := uamcrypto.GenerateKeypair()
	registerAgent(t, st, "alice::r.test", "tok-alice", alice.VerifyKey)
	wire := wireFor(t, "alice::r.test", "bob::r.test", alice.SigningKey, bob.VerifyKey)

	p := New()
	now := time.Now()
	c1 := &Context{GoCtx: context.Background(), Now: now, Token: "tok-alice", RawWire: wire}
	if outcome, rejErr := p.Run(d, c1); outcome != Accept {
		t.Fatalf("first send: outcome = %v, rejErr = %v", outcome, rejErr)
	}

	c2 := &Context{GoCtx: context.Background(), Now: now, Token: "tok-alice", RawWire: wire}
	outcome, rejErr := p.Run(d, c2)
	if outcome != Accept || !c2.Duplicate {
		t.Fatalf("duplicate resend should be silently accepted: outcome = %v, rejErr = %v", outcome, rejErr)
	}
}

func TestPipelineRejectsSenderMismatch(t *testing.T) {
	st := store.NewMemoryStore()
	d := newTestDeps(t, st)
	alice, _ := uamcrypto.GenerateKeypair()
	mallory, _ := uamcrypto.GenerateKeypair()
	bob, _ := uamcrypto.GenerateKeypair()
	registerAgent(t, st, "alice::r.test", "tok-alice", alice.VerifyKey)
	wire := wireFor(t, "mallory::r.test", "bob::r.test", mallory.SigningKey, bob.VerifyKey)

	p := New()
	c := &Context{GoCtx: context.Background(), Now: time.Now(), Token: "tok-alice", RawWire: wire}
	outcome, rejErr := p.Run(d, c)
	if outcome != Reject || rejErr.Code != "sender_mismatch" {
		t.Fatalf("outcome = %v, rejErr = %v", outcome, rejErr)
	}
}

func TestPipelineRejectsExpiredMessage(t *testing.T) {
	st := store.NewMemoryStore()
	d := newTestDeps(t, st)
	alice, _ := uamcrypto.GenerateKeypair()
	bob, _ := uamcrypto.GenerateKeypair()
	registerAgent(t, st, "alice::r.test", "tok-alice", alice.VerifyKey)

	past := time.Now().Add(-time.Hour)
	env, err := envelope.CreateEnvelope("alice::r.test", "bob::r.test", envelope.TypeMessage, []byte("hi"), alice.SigningKey, bob.VerifyKey, envelope.CreateOptions{Expires: &past})
	if err != nil {
		t.Fatalf("CreateEnvelope: %v", err)
	}
	wire, err := env.ToWireDict()
	if err != nil {
		t.Fatalf("ToWireDict: %v", err)
	}

	p := New()
	c := &Context{GoCtx: context.Background(), Now: time.Now(), Token: "tok-alice", RawWire: wire}
	outcome, rejErr := p.Run(d, c)
	if outcome != Reject || rejErr.Code != "expired" {
		t.Fatalf("outcome = %v, rejErr = %v", outcome, rejErr)
	}
}
