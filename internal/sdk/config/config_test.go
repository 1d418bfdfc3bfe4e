package config_test

import (
	"strings"
	"testing"
	"time"

	"github.com/uam-network/uam-relay/internal/sdk/config"
)

func TestDefault_FillsExpectedDerivedFields(t *testing.T) {
	cfg, err := config.Default("alice", "relay.example.com")
	if err != nil {
		t.Fatalf("Default: %v", err)
	}

	if cfg.Name != "alice" {
		t.Fatalf("Name = %q, want alice", cfg.Name)
	}
	if cfg.RelayDomain != "relay.example.com" {
		t.Fatalf("RelayDomain = %q, want relay.example.com", cfg.RelayDomain)
	}
	if cfg.RelayURL != "https://relay.example.com" {
		t.Fatalf("RelayURL = %q, want https://relay.example.com", cfg.RelayURL)
	}
	if cfg.RelayWSURL != "wss://relay.example.com/ws" {
		t.Fatalf("RelayWSURL = %q, want wss://relay.example.com/ws", cfg.RelayWSURL)
	}
	if cfg.DisplayName != "alice" {
		t.Fatalf("DisplayName = %q, want alice", cfg.DisplayName)
	}
	if cfg.TrustPolicy != "auto-accept" {
		t.Fatalf("TrustPolicy = %q, want auto-accept", cfg.TrustPolicy)
	}
	if !cfg.AutoRegister {
		t.Fatal("expected AutoRegister to default true")
	}
	if cfg.ResolverCacheTTL != 10*time.Minute {
		t.Fatalf("ResolverCacheTTL = %v, want 10m", cfg.ResolverCacheTTL)
	}
	if !strings.HasSuffix(cfg.KeyDir, "/.uam/keys") {
		t.Fatalf("KeyDir = %q, want to end in /.uam/keys", cfg.KeyDir)
	}
	if !strings.HasSuffix(cfg.DataDir, "/.uam") {
		t.Fatalf("DataDir = %q, want to end in /.uam", cfg.DataDir)
	}
}

func TestConfig_Address(t *testing.T) {
	cfg := config.Config{Name: "bob", RelayDomain: "example.com"}
	if got, want := cfg.Address(), "bob::example.com"; got != want {
		t.Fatalf("Address() = %q, want %q", got, want)
	}
}
