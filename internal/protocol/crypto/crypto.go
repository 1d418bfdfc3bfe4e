// Package crypto implements the UAM protocol's signing, canonicalization,
// and encryption primitives. All operations are pure (no I/O).
package crypto

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"filippo.io/edwards25519"
	"golang.org/x/crypto/blake2b"
	"golang.org/x/crypto/nacl/box"
)

// ErrSignatureVerification is returned when a signature does not match.
var ErrSignatureVerification = errors.New("signature verification failed")

// ErrDecryption is returned when a ciphertext cannot be opened.
var ErrDecryption = errors.New("decryption failed")

// Keypair is an Ed25519 signing/verify key pair.
type Keypair struct {
	SigningKey ed25519.PrivateKey
	VerifyKey  ed25519.PublicKey
}

// GenerateKeypair creates a new random Ed25519 keypair.
func GenerateKeypair() (*Keypair, error) {
	vk, sk, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate ed25519 keypair: %w", err)
	}
	return &Keypair{SigningKey: sk, VerifyKey: vk}, nil
}

// KeypairFromSeed reconstructs a keypair from a 32-byte Ed25519 seed.
func KeypairFromSeed(seed []byte) (*Keypair, error) {
	if len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("invalid seed length %d, want %d", len(seed), ed25519.SeedSize)
	}
	sk := ed25519.NewKeyFromSeed(seed)
	vk := sk.Public().(ed25519.PublicKey)
	return &Keypair{SigningKey: sk, VerifyKey: vk}, nil
}

// Sign produces a base64-encoded Ed25519 signature over data.
func Sign(data []byte, sk ed25519.PrivateKey) string {
	sig := ed25519.Sign(sk, data)
	return base64.StdEncoding.EncodeToString(sig)
}

// Verify checks a base64-encoded Ed25519 signature over data.
func Verify(data []byte, b64sig string, vk ed25519.PublicKey) error {
	sig, err := base64.StdEncoding.DecodeString(b64sig)
	if err != nil {
		return fmt.Errorf("%w: bad signature encoding: %v", ErrSignatureVerification, err)
	}
	if !ed25519.Verify(vk, data, sig) {
		return ErrSignatureVerification
	}
	return nil
}

// Fingerprint returns the lowercase hex SHA-256 digest of a verify key.
func Fingerprint(vk ed25519.PublicKey) string {
	sum := sha256.Sum256(vk)
	return hex.EncodeToString(sum[:])
}

// DecodeVerifyKey decodes a base64-encoded Ed25519 public key as stored on
// ServerAgent and ContactCard records.
func DecodeVerifyKey(b64 string) (ed25519.PublicKey, error) {
	raw, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		return nil, fmt.Errorf("%w: bad public key encoding: %v", ErrSignatureVerification, err)
	}
	if len(raw) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("%w: public key must be %d bytes", ErrSignatureVerification, ed25519.PublicKeySize)
	}
	return ed25519.PublicKey(raw), nil
}

// Canonicalize renders m as JSON with keys sorted lexicographically at every
// depth, no insignificant whitespace, ASCII-only escaping, and stable
// integer rendering. No floats are permitted anywhere in the signature
// scope; callers must only pass JSON-safe scalar types, maps, and slices.
func Canonicalize(m map[string]any) ([]byte, error) {
	var b strings.Builder
	if err := writeCanonical(&b, m); err != nil {
		return nil, err
	}
	return []byte(b.String()), nil
}

func writeCanonical(b *strings.Builder, v any) error {
	switch val := v.(type) {
	case nil:
		b.WriteString("null")
	case bool:
		if val {
			b.WriteString("true")
		} else {
			b.WriteString("false")
		}
	case string:
		writeCanonicalString(b, val)
	case int:
		b.WriteString(strconv.FormatInt(int64(val), 10))
	case int32:
		b.WriteString(strconv.FormatInt(int64(val), 10))
	case int64:
		b.WriteString(strconv.FormatInt(val, 10))
	case float64:
		if val != float64(int64(val)) {
			return fmt.Errorf("canonicalize: non-integer float not permitted in signature scope")
		}
		b.WriteString(strconv.FormatInt(int64(val), 10))
	case map[string]any:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		b.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				b.WriteByte(',')
			}
			writeCanonicalString(b, k)
			b.WriteByte(':')
			if err := writeCanonical(b, val[k]); err != nil {
				return err
			}
		}
		b.WriteByte('}')
	case []any:
		b.WriteByte('[')
		for i, e := range val {
			if i > 0 {
				b.WriteByte(',')
			}
			if err := writeCanonical(b, e); err != nil {
				return err
			}
		}
		b.WriteByte(']')
	case []string:
		b.WriteByte('[')
		for i, e := range val {
			if i > 0 {
				b.WriteByte(',')
			}
			writeCanonicalString(b, e)
		}
		b.WriteByte(']')
	default:
		return fmt.Errorf("canonicalize: unsupported type %T", v)
	}
	return nil
}

func writeCanonicalString(b *strings.Builder, s string) {
	b.WriteByte('"')
	for _, r := range s {
		switch r {
		case '"':
			b.WriteString(`\"`)
		case '\\':
			b.WriteString(`\\`)
		case '\n':
			b.WriteString(`\n`)
		case '\r':
			b.WriteString(`\r`)
		case '\t':
			b.WriteString(`\t`)
		default:
			if r < 0x20 || r > 0x7e {
				b.WriteString(fmt.Sprintf(`\u%04x`, r))
			} else {
				b.WriteRune(r)
			}
		}
	}
	b.WriteByte('"')
}

// edPubToX25519 converts an Ed25519 public key to its Curve25519 Montgomery
// u-coordinate, for use as an X25519 Diffie-Hellman key.
func edPubToX25519(vk ed25519.PublicKey) (*[32]byte, error) {
	if len(vk) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("bad ed25519 public key length: %d", len(vk))
	}
	p, err := new(edwards25519.Point).SetBytes(vk)
	if err != nil {
		return nil, fmt.Errorf("invalid ed25519 point: %w", err)
	}
	var out [32]byte
	copy(out[:], p.BytesMontgomery())
	return &out, nil
}

// edPrivToX25519 converts an Ed25519 seed-derived private key to an X25519
// scalar per RFC 8032 §5.1.5 (SHA-512 of the seed, clamped).
func edPrivToX25519(sk ed25519.PrivateKey) (*[32]byte, error) {
	if len(sk) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("bad ed25519 private key length: %d", len(sk))
	}
	seed := sk.Seed()
	h := sha512.Sum512(seed)
	h[0] &= 248
	h[31] &= 127
	h[31] |= 64
	var out [32]byte
	copy(out[:], h[:32])
	return &out, nil
}

// EncryptBox performs authenticated encryption with a key derived from an
// ECDH exchange between the sender's signing key and the recipient's verify
// key (both converted to Curve25519). The nonce is generated internally and
// prefixed to the returned ciphertext blob, which is base64-encoded.
func EncryptBox(plaintext []byte, senderSK ed25519.PrivateKey, recipientVK ed25519.PublicKey) (string, error) {
	senderX, err := edPrivToX25519(senderSK)
	if err != nil {
		return "", fmt.Errorf("convert sender key: %w", err)
	}
	recipientX, err := edPubToX25519(recipientVK)
	if err != nil {
		return "", fmt.Errorf("convert recipient key: %w", err)
	}
	var nonce [24]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}
	sealed := box.Seal(nil, plaintext, &nonce, recipientX, senderX)
	blob := append(nonce[:], sealed...)
	return base64.StdEncoding.EncodeToString(blob), nil
}

// DecryptBox is the symmetric inverse of EncryptBox.
func DecryptBox(b64ciphertext string, recipientSK ed25519.PrivateKey, senderVK ed25519.PublicKey) ([]byte, error) {
	blob, err := base64.StdEncoding.DecodeString(b64ciphertext)
	if err != nil {
		return nil, fmt.Errorf("%w: bad encoding: %v", ErrDecryption, err)
	}
	if len(blob) < 24+box.Overhead {
		return nil, fmt.Errorf("%w: ciphertext too short", ErrDecryption)
	}
	var nonce [24]byte
	copy(nonce[:], blob[:24])
	recipientX, err := edPrivToX25519(recipientSK)
	if err != nil {
		return nil, fmt.Errorf("%w: convert recipient key: %v", ErrDecryption, err)
	}
	senderX, err := edPubToX25519(senderVK)
	if err != nil {
		return nil, fmt.Errorf("%w: convert sender key: %v", ErrDecryption, err)
	}
	plaintext, ok := box.Open(nil, blob[24:], &nonce, senderX, recipientX)
	if !ok {
		return nil, ErrDecryption
	}
	return plaintext, nil
}

// EncryptSealed performs anonymous encryption to recipientVK: an ephemeral
// X25519 keypair is generated, the nonce is derived deterministically as
// blake2b-24(ephemeral_pub || recipient_pub), and the returned blob is
// ephemeral_pub || nacl box ciphertext, base64-encoded. This mirrors the
// libsodium crypto_box_seal construction and is used only for
// handshake.request, where the sender's key is not yet trusted.
func EncryptSealed(plaintext []byte, recipientVK ed25519.PublicKey) (string, error) {
	recipientX, err := edPubToX25519(recipientVK)
	if err != nil {
		return "", fmt.Errorf("convert recipient key: %w", err)
	}
	ephPub, ephPriv, err := box.GenerateKey(rand.Reader)
	if err != nil {
		return "", fmt.Errorf("generate ephemeral keypair: %w", err)
	}
	nonce, err := sealedNonce(ephPub[:], recipientX[:])
	if err != nil {
		return "", err
	}
	sealed := box.Seal(nil, plaintext, nonce, recipientX, ephPriv)
	blob := append(append([]byte{}, ephPub[:]...), sealed...)
	return base64.StdEncoding.EncodeToString(blob), nil
}

// DecryptSealed is the symmetric inverse of EncryptSealed.
func DecryptSealed(b64ciphertext string, recipientSK ed25519.PrivateKey, recipientVK ed25519.PublicKey) ([]byte, error) {
	blob, err := base64.StdEncoding.DecodeString(b64ciphertext)
	if err != nil {
		return nil, fmt.Errorf("%w: bad encoding: %v", ErrDecryption, err)
	}
	if len(blob) < 32+box.Overhead {
		return nil, fmt.Errorf("%w: ciphertext too short", ErrDecryption)
	}
	var ephPub [32]byte
	copy(ephPub[:], blob[:32])
	recipientX, err := edPubToX25519(recipientVK)
	if err != nil {
		return nil, fmt.Errorf("%w: convert recipient key: %v", ErrDecryption, err)
	}
	recipientPrivX, err := edPrivToX25519(recipientSK)
	if err != nil {
		return nil, fmt.Errorf("%w: convert recipient key: %v", ErrDecryption, err)
	}
	nonce, err := sealedNonce(ephPub[:], recipientX[:])
	if err != nil {
		return nil, fmt.Errorf("%w: derive nonce: %v", ErrDecryption, err)
	}
	plaintext, ok := box.Open(nil, blob[32:], nonce, &ephPub, recipientPrivX)
	if !ok {
		return nil, ErrDecryption
	}
	return plaintext, nil
}

// sealedNonce derives the 24-byte nonce for SealedBox as
// blake2b-24(ephemeral_pub || recipient_pub), the libsodium
// crypto_box_seal construction.
func sealedNonce(ephPub, recipientPub []byte) (*[24]byte, error) {
	h, err := blake2b.New(24, nil)
	if err != nil {
		return nil, fmt.Errorf("init blake2b: %w", err)
	}
	h.Write(ephPub)
	h.Write(recipientPub)
	sum := h.Sum(nil)
	var nonce [24]byte
	copy(nonce[:], sum)
	return &nonce, nil
}
