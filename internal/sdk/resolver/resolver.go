// Package resolver implements the SDK's three-tier public-key lookup chain:
// the owning relay for same-domain addresses, the target relay's
// federation/HTTPS surface (or DNS TXT fallback) for dotted domains, and a
// pluggable Tier3Resolver for dot-free (on-chain) namespaces. Tier 2/3
// results are cached with a TTL in a bounded LRU, grounded on the shape of
// resolver.resolverCache but upgraded to a real bounded cache as the domain
// stack calls for.
package resolver

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/uam-network/uam-relay/pkg/uamclient"
)

const (
	defaultCacheSize = 2048
	defaultCacheTTL  = 10 * time.Minute
)

// Tier3Resolver resolves addresses in a dot-free, non-DNS namespace (e.g. an
// on-chain agent registry). Implementations outside this package supply the
// concrete lookup.
type Tier3Resolver interface {
	ResolvePublicKey(ctx context.Context, address string) (string, error)
}

type cacheEntry struct {
	publicKey string
	expiresAt time.Time
}

func (e cacheEntry) expired() bool { return time.Now().After(e.expiresAt) }

// AddressResolver is the interface the Agent façade depends on, so tests
// can substitute a fake without constructing a full SmartResolver.
type AddressResolver interface {
	ResolvePublicKey(ctx context.Context, address, token, relayURL string) (string, error)
}

// SmartResolver dispatches address resolution across tiers 1-3 based on the
// target address's domain shape.
type SmartResolver struct {
	ownDomain string
	tier3     Tier3Resolver
	httpc     *http.Client
	cache     *lru.Cache[string, cacheEntry]
	ttl       time.Duration
	dnsR      *net.Resolver
}

// Option configures a SmartResolver.
type Option func(*SmartResolver)

// WithTier3Resolver registers the dot-free namespace resolver.
func WithTier3Resolver(t3 Tier3Resolver) Option {
	return func(r *SmartResolver) { r.tier3 = t3 }
}

// WithCacheTTL overrides the default 10-minute Tier-2/3 cache TTL.
func WithCacheTTL(ttl time.Duration) Option {
	return func(r *SmartResolver) { r.ttl = ttl }
}

// WithHTTPClient overrides the default HTTP client used for Tier-2 lookups.
func WithHTTPClient(hc *http.Client) Option {
	return func(r *SmartResolver) { r.httpc = hc }
}

// NewSmartResolver builds a resolver for an agent whose own relay serves
// ownDomain.
func NewSmartResolver(ownDomain string, opts ...Option) (*SmartResolver, error) {
	cache, err := lru.New[string, cacheEntry](defaultCacheSize)
	if err != nil {
		return nil, fmt.Errorf("create resolver cache: %w", err)
	}
	r := &SmartResolver{
		ownDomain: ownDomain,
		httpc:     &http.Client{Timeout: 10 * time.Second},
		cache:     cache,
		ttl:       defaultCacheTTL,
		dnsR:      net.DefaultResolver,
	}
	for _, o := range opts {
		o(r)
	}
	return r, nil
}

// ResolvePublicKey resolves address's base64 Ed25519 public key, dispatching
// to Tier 1 (own relay), Tier 2 (target relay), or Tier 3 (pluggable
// namespace resolver) according to the target domain's shape.
func (r *SmartResolver) ResolvePublicKey(ctx context.Context, address, token, relayURL string) (string, error) {
	domain, err := domainOf(address)
	if err != nil {
		return "", err
	}

	if domain == r.ownDomain {
		return r.resolveTier1(ctx, address, token, relayURL)
	}
	if strings.Contains(domain, ".") {
		return r.resolveTier2(ctx, address, domain)
	}
	return r.resolveTier3(ctx, address)
}

func domainOf(address string) (string, error) {
	parts := strings.SplitN(address, "::", 2)
	if len(parts) != 2 || parts[1] == "" {
		return "", fmt.Errorf("resolver: malformed address %q", address)
	}
	return parts[1], nil
}

// resolveTier1 queries the agent's own relay via its public-key endpoint.
// The request carries no bearer token; token is not used. Not cached: the
// local relay is always one hop away.
func (r *SmartResolver) resolveTier1(ctx context.Context, address, token, relayURL string) (string, error) {
	client := uamclient.New(relayURL, uamclient.WithHTTPClient(r.httpc))
	res, err := client.PublicKey(ctx, address)
	if err != nil {
		return "", fmt.Errorf("tier-1 resolve %s via %s: %w", address, relayURL, err)
	}
	return res.PublicKey, nil
}

// resolveTier2 queries the target relay's HTTPS surface directly, falling
// back to the domain's DNS TXT identity record if that surface is
// unreachable. Successful lookups are cached for WithCacheTTL.
func (r *SmartResolver) resolveTier2(ctx context.Context, address, domain string) (string, error) {
	if e, ok := r.cache.Get(address); ok && !e.expired() {
		return e.publicKey, nil
	}

	client := uamclient.New("https://"+domain, uamclient.WithHTTPClient(r.httpc))
	res, err := client.PublicKey(ctx, address)
	if err == nil {
		r.cache.Add(address, cacheEntry{publicKey: res.PublicKey, expiresAt: time.Now().Add(r.ttl)})
		return res.PublicKey, nil
	}

	pk, dnsErr := r.resolveViaDNSTXT(ctx, domain)
	if dnsErr != nil {
		return "", fmt.Errorf("tier-2 resolve %s: https lookup failed (%v), dns txt fallback failed (%w)", address, err, dnsErr)
	}
	r.cache.Add(address, cacheEntry{publicKey: pk, expiresAt: time.Now().Add(r.ttl)})
	return pk, nil
}

// resolveViaDNSTXT parses the `_uam.<domain>` TXT record of form
// `v=uam1; key=ed25519:<b64>; relay=<url>`, tolerant of whitespace and tag
// case.
func (r *SmartResolver) resolveViaDNSTXT(ctx context.Context, domain string) (string, error) {
	records, err := r.dnsR.LookupTXT(ctx, "_uam."+domain)
	if err != nil {
		return "", fmt.Errorf("lookup TXT _uam.%s: %w", domain, err)
	}
	for _, rec := range records {
		for _, tag := range strings.Split(rec, ";") {
			tag = strings.TrimSpace(tag)
			lower := strings.ToLower(tag)
			if strings.HasPrefix(lower, "key=ed25519:") {
				return tag[len("key=ed25519:"):], nil
			}
		}
	}
	return "", fmt.Errorf("no key= tag found in TXT records for _uam.%s", domain)
}

// resolveTier3 delegates dot-free addresses to the registered pluggable
// resolver, caching successful lookups.
func (r *SmartResolver) resolveTier3(ctx context.Context, address string) (string, error) {
	if r.tier3 == nil {
		return "", fmt.Errorf("tier-3 resolve %s: no Tier3Resolver configured", address)
	}
	if e, ok := r.cache.Get(address); ok && !e.expired() {
		return e.publicKey, nil
	}
	pk, err := r.tier3.ResolvePublicKey(ctx, address)
	if err != nil {
		return "", fmt.Errorf("tier-3 resolve %s: %w", address, err)
	}
	r.cache.Add(address, cacheEntry{publicKey: pk, expiresAt: time.Now().Add(r.ttl)})
	return pk, nil
}
