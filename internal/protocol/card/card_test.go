package card

import (
	"testing"

	uamcrypto "github.com/uam-network/uam-relay/internal/protocol/crypto"
)

func TestCreateVerifyRoundTrip(t *testing.T) {
	kp, _ := uamcrypto.GenerateKeypair()
	c, err := CreateContactCard("bob::r.test", "Bob", "https://r.test", kp.SigningKey, kp.VerifyKey, CreateOptions{})
	if err != nil {
		t.Fatalf("CreateContactCard: %v", err)
	}
	if err := VerifyContactCard(c); err != nil {
		t.Fatalf("VerifyContactCard: %v", err)
	}
}

func TestExtensionFieldMutationDoesNotInvalidate(t *testing.T) {
	kp, _ := uamcrypto.GenerateKeypair()
	c, err := CreateContactCard("bob::r.test", "Bob", "https://r.test", kp.SigningKey, kp.VerifyKey, CreateOptions{
		PayloadFormats: []string{"text/plain"},
		Relays:         []string{"https://r.test", "https://backup.test"},
	})
	if err != nil {
		t.Fatalf("CreateContactCard: %v", err)
	}
	c.PayloadFormats = append(c.PayloadFormats, "image/png")
	c.Relays = nil
	c.Fingerprint = "deadbeef"
	if err := VerifyContactCard(c); err != nil {
		t.Fatalf("expected extension-field mutation not to invalidate signature: %v", err)
	}
}

func TestRequiredFieldMutationInvalidates(t *testing.T) {
	kp, _ := uamcrypto.GenerateKeypair()
	c, err := CreateContactCard("bob::r.test", "Bob", "https://r.test", kp.SigningKey, kp.VerifyKey, CreateOptions{})
	if err != nil {
		t.Fatalf("CreateContactCard: %v", err)
	}
	c.DisplayName = "Mallory"
	if err := VerifyContactCard(c); err == nil {
		t.Fatal("expected signature verification failure after tampering a signed field")
	}
}

func TestDictRoundTrip(t *testing.T) {
	kp, _ := uamcrypto.GenerateKeypair()
	c, err := CreateContactCard("bob::r.test", "Bob", "https://r.test", kp.SigningKey, kp.VerifyKey, CreateOptions{})
	if err != nil {
		t.Fatalf("CreateContactCard: %v", err)
	}
	m, err := c.ToDict()
	if err != nil {
		t.Fatalf("ToDict: %v", err)
	}
	back, err := FromDict(m)
	if err != nil {
		t.Fatalf("FromDict: %v", err)
	}
	if err := VerifyContactCard(back); err != nil {
		t.Fatalf("VerifyContactCard after round trip: %v", err)
	}
}

func TestFromDictMissingRequired(t *testing.T) {
	if _, err := FromDict(map[string]any{"version": "1"}); err == nil {
		t.Fatal("expected error for missing required fields")
	}
}
