// Package config holds the Agent façade's settings: identity paths, relay
// endpoint, trust policy, and resolver tuning, mirroring the shape of
// internal/config's viper-backed relay Config but scoped to one agent
// process rather than the whole server.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// Config is the SDK's agent-scoped configuration.
type Config struct {
	// Name is the agent's local name, the part before "::" in its address.
	Name string
	// RelayDomain is the domain portion of the agent's address and the
	// value compared against incoming addresses' domains for Tier-1
	// resolution.
	RelayDomain string
	// RelayURL is the HTTP(S) base URL of the agent's own relay.
	RelayURL string
	// RelayWSURL is the WebSocket URL of the agent's own relay, derived
	// from RelayURL if left empty.
	RelayWSURL string
	// DisplayName is published in the agent's contact card.
	DisplayName string
	// KeyDir is the directory holding `<name>.key` / `<name>.token`.
	KeyDir string
	// DataDir is the directory holding the contact book and any other
	// agent-local state.
	DataDir string
	// TrustPolicy selects the handshake manager's inbound policy:
	// auto-accept, approval-required, allowlist-only, or require_verify.
	TrustPolicy string
	// AutoRegister registers with the relay on first connect when no
	// stored token exists.
	AutoRegister bool
	// ResolverCacheTTL bounds how long Tier-2/3 resolver results are
	// cached before re-resolution.
	ResolverCacheTTL time.Duration
}

// Default fills in directory and endpoint defaults derived from Name and
// RelayDomain, mirroring the Python SDK's `~/.uam/<name>` home layout.
func Default(name, relayDomain string) (Config, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return Config{}, fmt.Errorf("resolve home directory: %w", err)
	}
	base := filepath.Join(home, ".uam")
	return Config{
		Name:             name,
		RelayDomain:      relayDomain,
		RelayURL:         fmt.Sprintf("https://%s", relayDomain),
		RelayWSURL:       fmt.Sprintf("wss://%s/ws", relayDomain),
		DisplayName:      name,
		KeyDir:           filepath.Join(base, "keys"),
		DataDir:          base,
		TrustPolicy:      "auto-accept",
		AutoRegister:     true,
		ResolverCacheTTL: 10 * time.Minute,
	}, nil
}

// Address renders the agent's full UAM address.
func (c Config) Address() string {
	return c.Name + "::" + c.RelayDomain
}
