package resolver_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/uam-network/uam-relay/internal/sdk/resolver"
)

func publicKeyServer(t *testing.T, pk string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"address":    "bob::example.com",
			"public_key": pk,
			"tier":       "full",
		})
	}))
}

func TestResolvePublicKey_Tier1OwnDomain(t *testing.T) {
	srv := publicKeyServer(t, "own-relay-key")
	defer srv.Close()

	r, err := resolver.NewSmartResolver("example.com", resolver.WithHTTPClient(srv.Client()))
	if err != nil {
		t.Fatalf("NewSmartResolver: %v", err)
	}

	pk, err := r.ResolvePublicKey(context.Background(), "bob::example.com", "tok", srv.URL)
	if err != nil {
		t.Fatalf("ResolvePublicKey: %v", err)
	}
	if pk != "own-relay-key" {
		t.Fatalf("pk = %q, want own-relay-key", pk)
	}
}

func TestResolvePublicKey_Tier3Dispatch(t *testing.T) {
	calls := 0
	fake := fakeTier3{fn: func(ctx context.Context, address string) (string, error) {
		calls++
		return "onchain-key", nil
	}}

	r, err := resolver.NewSmartResolver("example.com", resolver.WithTier3Resolver(fake))
	if err != nil {
		t.Fatalf("NewSmartResolver: %v", err)
	}

	for i := 0; i < 2; i++ {
		pk, err := r.ResolvePublicKey(context.Background(), "bob::onchain", "", "")
		if err != nil {
			t.Fatalf("ResolvePublicKey (%d): %v", i, err)
		}
		if pk != "onchain-key" {
			t.Fatalf("pk = %q, want onchain-key", pk)
		}
	}
	if calls != 1 {
		t.Fatalf("tier3 resolver called %d times, want 1 (second call should hit cache)", calls)
	}
}

func TestResolvePublicKey_Tier3Unconfigured(t *testing.T) {
	r, err := resolver.NewSmartResolver("example.com")
	if err != nil {
		t.Fatalf("NewSmartResolver: %v", err)
	}
	if _, err := r.ResolvePublicKey(context.Background(), "bob::onchain", "", ""); err == nil {
		t.Fatal("expected error when no Tier3Resolver is configured")
	}
}

func TestResolvePublicKey_MalformedAddress(t *testing.T) {
	r, err := resolver.NewSmartResolver("example.com")
	if err != nil {
		t.Fatalf("NewSmartResolver: %v", err)
	}
	if _, err := r.ResolvePublicKey(context.Background(), "not-an-address", "", ""); err == nil {
		t.Fatal("expected error for malformed address")
	}
}

func TestResolvePublicKey_Tier2UnreachableDomainFails(t *testing.T) {
	// Tier 2 always hits https://<domain>; there is no way to redirect that
	// to a local httptest server, so this exercises the cache-miss path
	// returning an error when both the HTTPS lookup and the DNS TXT
	// fallback fail for a domain that cannot resolve.
	r, err := resolver.NewSmartResolver("example.com", resolver.WithCacheTTL(time.Minute))
	if err != nil {
		t.Fatalf("NewSmartResolver: %v", err)
	}
	if _, err := r.ResolvePublicKey(context.Background(), "bob::nonexistent.invalid", "", ""); err == nil {
		t.Fatal("expected tier-2 resolution to fail for an unreachable domain with no DNS TXT record")
	}
}

type fakeTier3 struct {
	fn func(ctx context.Context, address string) (string, error)
}

func (f fakeTier3) ResolvePublicKey(ctx context.Context, address string) (string, error) {
	return f.fn(ctx, address)
}
