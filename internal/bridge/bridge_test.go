package bridge_test

import (
	"testing"

	"github.com/uam-network/uam-relay/internal/bridge"
	"github.com/uam-network/uam-relay/internal/protocol/card"
)

func strPtr(s string) *string { return &s }

func TestToA2A_UsesConnectionEndpointWhenPresent(t *testing.T) {
	c := &card.ContactCard{
		Address:            "alice::example.com",
		DisplayName:        "Alice",
		ConnectionEndpoint: strPtr("https://alice.example.com/agent"),
	}

	a, err := bridge.ToA2A(c)
	if err != nil {
		t.Fatalf("ToA2A: %v", err)
	}
	if a.URL != "https://alice.example.com/agent" {
		t.Fatalf("URL = %q, want https://alice.example.com/agent", a.URL)
	}
	if a.Name != "Alice" {
		t.Fatalf("Name = %q, want Alice", a.Name)
	}
	if len(a.Skills) != 1 || a.Skills[0].ID != "uam-messaging" {
		t.Fatalf("Skills = %+v, want one uam-messaging skill", a.Skills)
	}
}

func TestToA2A_DerivesEndpointFromAddressDomain(t *testing.T) {
	c := &card.ContactCard{
		Address:     "bob::relay.example.com",
		DisplayName: "Bob",
	}

	a, err := bridge.ToA2A(c)
	if err != nil {
		t.Fatalf("ToA2A: %v", err)
	}
	if a.URL != "https://relay.example.com" {
		t.Fatalf("URL = %q, want https://relay.example.com", a.URL)
	}
}

func TestToA2A_MalformedAddressErrors(t *testing.T) {
	c := &card.ContactCard{Address: "not-a-uam-address", DisplayName: "Bad"}
	if _, err := bridge.ToA2A(c); err == nil {
		t.Fatal("expected an error for an address with no domain separator")
	}
}

func TestToA2A_NilCardErrors(t *testing.T) {
	if _, err := bridge.ToA2A(nil); err == nil {
		t.Fatal("expected an error for a nil contact card")
	}
}

func TestFromA2A_DerivesAddressFromURLHost(t *testing.T) {
	a := bridge.A2ACard{
		Name:        "Support Bot",
		URL:         "https://support.example.com/agent",
		Description: "handles tickets",
	}

	c, meta, err := bridge.FromA2A(a)
	if err != nil {
		t.Fatalf("FromA2A: %v", err)
	}
	if c.Address != "support-bot::support.example.com" {
		t.Fatalf("Address = %q, want support-bot::support.example.com", c.Address)
	}
	if c.PublicKey != "" || c.Signature != "" {
		t.Fatal("expected an A2A-origin card to carry no UAM public key or signature")
	}
	if meta.OriginURL != a.URL {
		t.Fatalf("meta.OriginURL = %q, want %q", meta.OriginURL, a.URL)
	}
}

func TestFromA2A_FallsBackToSentinelDomainWithoutURL(t *testing.T) {
	a := bridge.A2ACard{Name: "No URL Agent"}
	c, _, err := bridge.FromA2A(a)
	if err != nil {
		t.Fatalf("FromA2A: %v", err)
	}
	if c.Address != "no-url-agent::a2a.bridge" {
		t.Fatalf("Address = %q, want no-url-agent::a2a.bridge", c.Address)
	}
}

func TestFromA2A_SlugifyReplacesUnsupportedCharacters(t *testing.T) {
	a := bridge.A2ACard{Name: "  Weird!! N@me  ", URL: "https://example.com"}
	c, _, err := bridge.FromA2A(a)
	if err != nil {
		t.Fatalf("FromA2A: %v", err)
	}
	if c.Address != "weird---n-me::example.com" {
		t.Fatalf("Address = %q, want weird---n-me::example.com", c.Address)
	}
}

func TestFromA2A_MissingNameErrors(t *testing.T) {
	if _, _, err := bridge.FromA2A(bridge.A2ACard{URL: "https://example.com"}); err == nil {
		t.Fatal("expected an error when name is missing")
	}
}
