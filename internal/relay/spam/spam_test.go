package spam

import (
	"context"
	"testing"
	"time"

	"github.com/uam-network/uam-relay/internal/relay/store"
)

func TestPatternSetExactAndWildcard(t *testing.T) {
	s := NewPatternSet()
	s.Add("bob::r.test")
	s.Add("*::evil.test")

	cases := map[string]bool{
		"bob::r.test":     true,
		"alice::r.test":   false,
		"mallory::evil.test": true,
		"bob::evil.test":  true,
	}
	for addr, want := range cases {
		if got := s.Matches(addr); got != want {
			t.Errorf("Matches(%q) = %v, want %v", addr, got, want)
		}
	}
}

func TestPatternSetRemove(t *testing.T) {
	s := NewPatternSet()
	s.Add("bob::r.test")
	s.Remove("bob::r.test")
	if s.Matches("bob::r.test") {
		t.Fatal("expected pattern removed")
	}
}

func TestReputationClampOnWrite(t *testing.T) {
	ctx := context.Background()
	m := NewReputationManager(store.NewMemoryStore())
	if err := m.SetScore(ctx, "bob::r.test", 500); err != nil {
		t.Fatalf("SetScore: %v", err)
	}
	r, err := m.GetOrCreate(ctx, "bob::r.test")
	if err != nil {
		t.Fatalf("GetOrCreate: %v", err)
	}
	if r.Score != 100 {
		t.Fatalf("score = %d, want clamped to 100", r.Score)
	}
	if err := m.SetScore(ctx, "bob::r.test", -50); err != nil {
		t.Fatalf("SetScore: %v", err)
	}
	r, _ = m.GetOrCreate(ctx, "bob::r.test")
	if r.Score != 0 {
		t.Fatalf("score = %d, want clamped to 0", r.Score)
	}
}

func TestReputationTierBands(t *testing.T) {
	cases := []struct {
		score int
		want  string
	}{
		{100, "full"}, {80, "full"}, {79, "reduced"}, {50, "reduced"},
		{49, "throttled"}, {20, "throttled"}, {19, "blocked"}, {0, "blocked"},
	}
	for _, c := range cases {
		if got := tierFor(c.score); string(got) != c.want {
			t.Errorf("tierFor(%d) = %s, want %s", c.score, got, c.want)
		}
	}
}

func TestSlidingWindowLimiter(t *testing.T) {
	l := NewSlidingWindowLimiter(time.Minute)
	base := time.Now()
	for i := 0; i < 3; i++ {
		if !l.AllowAt("bob", 3, base) {
			t.Fatalf("attempt %d should be allowed", i)
		}
	}
	if l.AllowAt("bob", 3, base) {
		t.Fatal("4th attempt within window should be rejected")
	}
	if !l.AllowAt("bob", 3, base.Add(2*time.Minute)) {
		t.Fatal("attempt after window expiry should be allowed")
	}
}
