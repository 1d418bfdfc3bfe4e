package sweep

import (
	"context"
	"testing"
	"time"

	"github.com/uam-network/uam-relay/internal/relay/model"
	"github.com/uam-network/uam-relay/internal/relay/spam"
	"github.com/uam-network/uam-relay/internal/relay/store"
)

func TestSweepDemoSessionsRemovesOnlyExpired(t *testing.T) {
	st := store.NewMemoryStore()
	_ = st.CreateDemoSession(context.Background(), &model.DemoSession{
		Address: "alice::alpha.test", Token: "t1", ExpiresAt: time.Now().Add(-time.Minute),
	})
	_ = st.CreateDemoSession(context.Background(), &model.DemoSession{
		Address: "bob::alpha.test", Token: "t2", ExpiresAt: time.Now().Add(time.Hour),
	})

	r := New(st, spam.NewSlidingWindowLimiter(time.Minute), spam.NewReputationManager(st), nil, nil)
	r.sweepDemoSessions(context.Background())

	if _, err := st.GetDemoSession(context.Background(), "alice::alpha.test"); err != store.ErrNotFound {
		t.Fatalf("expected alice's demo session swept, got err=%v", err)
	}
	if _, err := st.GetDemoSession(context.Background(), "bob::alpha.test"); err != nil {
		t.Fatalf("expected bob's demo session to survive, got err=%v", err)
	}
}

func TestSweepSeenMessagesRemovesStale(t *testing.T) {
	st := store.NewMemoryStore()
	_ = st.InsertSeenMessage(context.Background(), &model.SeenMessageId{
		MessageID: "m1", FromAddr: "alice::alpha.test", SeenAt: time.Now().Add(-2 * time.Hour),
	})

	r := New(st, spam.NewSlidingWindowLimiter(time.Minute), spam.NewReputationManager(st), nil, nil)
	r.sweepSeenMessages(context.Background())

	err := st.InsertSeenMessage(context.Background(), &model.SeenMessageId{
		MessageID: "m1", FromAddr: "alice::alpha.test", SeenAt: time.Now(),
	})
	if err != nil {
		t.Fatalf("expected stale seen-message to have been swept, re-insert failed: %v", err)
	}
}

func TestReverifyDomainsDowngradesReputationOnFailure(t *testing.T) {
	st := store.NewMemoryStore()
	_ = st.UpsertDomainVerification(context.Background(), &model.DomainVerification{
		Address: "alice::alpha.test", Domain: "alpha.test", Method: "dns",
		VerifiedAt: time.Now().Add(-48 * time.Hour), LastChecked: time.Now().Add(-48 * time.Hour),
		TTLHours: 24, Status: "active",
	})
	rep := spam.NewReputationManager(st)
	_ = rep.MarkDNSVerified(context.Background(), "alice::alpha.test")

	checker := func(ctx context.Context, v *model.DomainVerification) bool { return false }
	r := New(st, spam.NewSlidingWindowLimiter(time.Minute), rep, checker, nil)
	r.reverifyDomains(context.Background())

	got, err := rep.GetOrCreate(context.Background(), "alice::alpha.test")
	if err != nil {
		t.Fatalf("GetOrCreate: %v", err)
	}
	if got.Score != spam.DefaultNewAgentScore {
		t.Fatalf("Score = %d, want %d after downgrade", got.Score, spam.DefaultNewAgentScore)
	}

	v, err := st.GetDomainVerification(context.Background(), "alice::alpha.test")
	if err != nil {
		t.Fatalf("GetDomainVerification: %v", err)
	}
	if v.Status != "failed" {
		t.Fatalf("Status = %q, want failed", v.Status)
	}
}
