// Package federation implements relay-to-relay message routing:
// peer discovery, outbound relay-signed forwarding, inbound validation,
// and a retry queue. Grounded on internal/federation/resolver.go's
// RemoteResolver (cache → DNS → fallback discovery chain with an
// overridable dnsDiscoverFn for testability) and internal/dns/dns.go's
// net.Resolver usage.
package federation

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/uam-network/uam-relay/internal/relay/model"
	"github.com/uam-network/uam-relay/internal/relay/store"
)

// wellKnownDoc is the body served at /.well-known/uam-relay.json.
type wellKnownDoc struct {
	FederationEndpoint string `json:"federation_endpoint"`
	PublicKey          string `json:"public_key"`
}

// Discoverer resolves a peer relay's federation endpoint and public key,
// consulting the KnownRelay cache before falling back to DNS SRV and
// well-known document lookups.
type Discoverer struct {
	storage    store.Storage
	httpClient *http.Client
	log        *zap.Logger

	// srvLookupFn and wellKnownFetchFn are overridable for deterministic
	// tests, mirroring RemoteResolver's dnsDiscoverFn seam.
	srvLookupFn      func(domain string) (host string, port uint16, ok bool)
	wellKnownFetchFn func(ctx context.Context, url string) (*wellKnownDoc, error)
}

// NewDiscoverer constructs a Discoverer.
func NewDiscoverer(storage store.Storage, log *zap.Logger) *Discoverer {
	d := &Discoverer{
		storage:    storage,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		log:        log,
	}
	d.srvLookupFn = d.srvLookup
	d.wellKnownFetchFn = d.fetchWellKnown
	return d
}

// Resolve returns a KnownRelay for domain, using the cache when fresh and
// otherwise running the full SRV → well-known discovery chain and
// upserting the result on success.
func (d *Discoverer) Resolve(ctx context.Context, domain string) (*model.KnownRelay, error) {
	if cached, err := d.storage.GetKnownRelay(ctx, domain); err == nil && cached.Fresh(time.Now()) {
		return cached, nil
	}

	relay, err := d.discover(ctx, domain)
	if err != nil {
		return nil, err
	}
	if err := d.storage.UpsertKnownRelay(ctx, relay); err != nil && d.log != nil {
		d.log.Warn("federation: persist discovered relay", zap.Error(err))
	}
	return relay, nil
}

func (d *Discoverer) discover(ctx context.Context, domain string) (*model.KnownRelay, error) {
	if host, port, ok := d.srvLookupFn(domain); ok {
		url := fmt.Sprintf("https://%s:%d/.well-known/uam-relay.json", host, port)
		if doc, err := d.wellKnownFetchFn(ctx, url); err == nil {
			return &model.KnownRelay{
				Domain:        domain,
				FederationURL: doc.FederationEndpoint,
				PublicKey:     doc.PublicKey,
				DiscoveredVia: "dns-srv",
				LastVerified:  time.Now(),
				TTLHours:      24,
				Status:        "active",
			}, nil
		}
	}

	fallbackURL := fmt.Sprintf("https://%s/.well-known/uam-relay.json", domain)
	doc, err := d.wellKnownFetchFn(ctx, fallbackURL)
	if err != nil {
		return nil, fmt.Errorf("discover relay for %q: %w", domain, err)
	}
	return &model.KnownRelay{
		Domain:        domain,
		FederationURL: doc.FederationEndpoint,
		PublicKey:     doc.PublicKey,
		DiscoveredVia: "well-known-fallback",
		LastVerified:  time.Now(),
		TTLHours:      24,
		Status:        "active",
	}, nil
}

// srvLookup queries `_uam._tcp.<domain>` for the highest-priority SRV
// target, mirroring internal/dns's use of the stdlib resolver.
func (d *Discoverer) srvLookup(domain string) (string, uint16, bool) {
	_, addrs, err := net.LookupSRV("uam", "tcp", domain)
	if err != nil || len(addrs) == 0 {
		return "", 0, false
	}
	best := addrs[0]
	for _, a := range addrs[1:] {
		if a.Priority < best.Priority {
			best = a
		}
	}
	return best.Target, best.Port, true
}

func (d *Discoverer) fetchWellKnown(ctx context.Context, url string) (*wellKnownDoc, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := d.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("well-known fetch from %s: status %d", url, resp.StatusCode)
	}
	var doc wellKnownDoc
	if err := json.NewDecoder(resp.Body).Decode(&doc); err != nil {
		return nil, fmt.Errorf("decode well-known document: %w", err)
	}
	if doc.FederationEndpoint == "" || doc.PublicKey == "" {
		return nil, fmt.Errorf("well-known document missing required fields")
	}
	return &doc, nil
}
