// Package keymanager loads or generates an agent's Ed25519 keypair and
// persists its relay bearer token, mirroring identity.CAManager's
// load-or-create-on-disk lifecycle for the SDK's per-agent key material.
package keymanager

import (
	"crypto/ed25519"
	"encoding/base64"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	uamcrypto "github.com/uam-network/uam-relay/internal/protocol/crypto"
)

// KeyManager owns the signing keypair and bearer token for one agent name,
// persisted under a directory as `<name>.key` and `<name>.token`.
type KeyManager struct {
	dir        string
	signingKey ed25519.PrivateKey
	verifyKey  ed25519.PublicKey
}

// New returns a KeyManager rooted at dir. No I/O happens until LoadOrGenerate.
func New(dir string) *KeyManager {
	return &KeyManager{dir: dir}
}

// SigningKey returns the loaded or generated Ed25519 private key.
func (m *KeyManager) SigningKey() ed25519.PrivateKey { return m.signingKey }

// VerifyKey returns the loaded or generated Ed25519 public key.
func (m *KeyManager) VerifyKey() ed25519.PublicKey { return m.verifyKey }

func (m *KeyManager) keyPath(name string) string   { return filepath.Join(m.dir, name+".key") }
func (m *KeyManager) tokenPath(name string) string { return filepath.Join(m.dir, name+".token") }

// LoadOrGenerate loads name's keypair from disk, generating and persisting a
// fresh one on first run. Idempotent.
func (m *KeyManager) LoadOrGenerate(name string) error {
	if err := m.load(name); err == nil {
		return nil
	}
	return m.generate(name)
}

func (m *KeyManager) load(name string) error {
	raw, err := os.ReadFile(m.keyPath(name))
	if err != nil {
		return fmt.Errorf("read key file: %w", err)
	}
	seed, err := base64.StdEncoding.DecodeString(strings.TrimSpace(string(raw)))
	if err != nil {
		return fmt.Errorf("decode key file: %w", err)
	}
	kp, err := uamcrypto.KeypairFromSeed(seed)
	if err != nil {
		return fmt.Errorf("rebuild keypair from seed: %w", err)
	}
	m.signingKey = kp.SigningKey
	m.verifyKey = kp.VerifyKey
	return nil
}

func (m *KeyManager) generate(name string) error {
	if err := os.MkdirAll(m.dir, 0o700); err != nil {
		return fmt.Errorf("create key dir %q: %w", m.dir, err)
	}
	kp, err := uamcrypto.GenerateKeypair()
	if err != nil {
		return fmt.Errorf("generate keypair: %w", err)
	}
	seed := kp.SigningKey.Seed()
	encoded := base64.StdEncoding.EncodeToString(seed)
	if err := os.WriteFile(m.keyPath(name), []byte(encoded), 0o600); err != nil {
		return fmt.Errorf("persist key file: %w", err)
	}
	m.signingKey = kp.SigningKey
	m.verifyKey = kp.VerifyKey
	return nil
}

// LoadToken returns the previously persisted bearer token for name, or ""
// if none is stored (first-run registration is still required).
func (m *KeyManager) LoadToken(name string) string {
	raw, err := os.ReadFile(m.tokenPath(name))
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(raw))
}

// SaveToken persists token for name with owner-only permissions.
func (m *KeyManager) SaveToken(name, token string) error {
	if err := os.MkdirAll(m.dir, 0o700); err != nil {
		return fmt.Errorf("create key dir %q: %w", m.dir, err)
	}
	if err := os.WriteFile(m.tokenPath(name), []byte(token), 0o600); err != nil {
		return fmt.Errorf("persist token file: %w", err)
	}
	return nil
}
