// Package nearkey decodes and represents NEAR Ed25519 access keys.
//
// NEAR encodes key material as "<curve>:<base58 bytes>", e.g.
// "ed25519:3D4YudUQRE39Lc4JHghuB5WM8kbgDDa34mnNeuacHgtgKxJ2Vi2z9JmR2m5YGicwtQrVoqMTDKJhpLaKQaKdqN6a".
// Only ed25519 is supported; NEAR itself does not issue secp256k1 access
// keys for regular accounts.
package nearkey

import (
	"crypto/ed25519"
	"fmt"
	"strings"

	"github.com/mr-tron/base58"
)

const curvePrefix = "ed25519:"

// KeyPair is a decoded NEAR Ed25519 access key.
type KeyPair struct {
	Public  ed25519.PublicKey
	Private ed25519.PrivateKey
}

// ParsePrivateKey decodes a "ed25519:<base58>" secret key string. The
// decoded bytes are the 64-byte Ed25519 private key (seed||public) as NEAR
// and the reference wallets encode it.
func ParsePrivateKey(s string) (KeyPair, error) {
	raw, err := decodeCurve(s)
	if err != nil {
		return KeyPair{}, err
	}
	if len(raw) != ed25519.PrivateKeySize {
		return KeyPair{}, fmt.Errorf("nearkey: private key has %d bytes, want %d", len(raw), ed25519.PrivateKeySize)
	}
	priv := ed25519.PrivateKey(raw)
	pub := priv.Public().(ed25519.PublicKey)
	return KeyPair{Public: pub, Private: priv}, nil
}

// ParsePublicKey decodes a "ed25519:<base58>" public key string.
func ParsePublicKey(s string) (ed25519.PublicKey, error) {
	raw, err := decodeCurve(s)
	if err != nil {
		return nil, err
	}
	if len(raw) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("nearkey: public key has %d bytes, want %d", len(raw), ed25519.PublicKeySize)
	}
	return ed25519.PublicKey(raw), nil
}

func decodeCurve(s string) ([]byte, error) {
	if !strings.HasPrefix(s, curvePrefix) {
		return nil, fmt.Errorf("nearkey: unsupported key encoding %q, want %q prefix", s, curvePrefix)
	}
	raw, err := base58.Decode(strings.TrimPrefix(s, curvePrefix))
	if err != nil {
		return nil, fmt.Errorf("nearkey: base58 decode: %w", err)
	}
	return raw, nil
}

// PublicString renders a public key back to NEAR's "ed25519:<base58>" form.
func PublicString(pub ed25519.PublicKey) string {
	return curvePrefix + base58.Encode(pub)
}

// GenerateKeyPair creates a fresh random Ed25519 key pair for use as a
// parallelism key. A generated key must not be treated as chain-registered:
// callers are responsible for keeping it inactive in keyregistry until
// noncealloc proves the chain accepts it.
func GenerateKeyPair() (KeyPair, error) {
	pub, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		return KeyPair{}, fmt.Errorf("nearkey: generate: %w", err)
	}
	return KeyPair{Public: pub, Private: priv}, nil
}
