// Package cryptoutil wraps Ed25519 signing and verification for link (C2)
// and pact (C3) signatures, hex-encoded at rest.
package cryptoutil

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"fmt"
)

// KeyPair holds a generated or loaded Ed25519 key pair.
type KeyPair struct {
	Private ed25519.PrivateKey
	Public  ed25519.PublicKey
}

// GenerateKeyPair creates a fresh Ed25519 key pair.
func GenerateKeyPair() (*KeyPair, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("cryptoutil: key generation failed: %w", err)
	}
	return &KeyPair{Private: priv, Public: pub}, nil
}

// KeyPairFromSeedHex reconstructs a KeyPair from a 32-byte hex-encoded
// seed, letting a deployment persist a kernel identity across restarts
// instead of minting a fresh one every run.
func KeyPairFromSeedHex(seedHex string) (*KeyPair, error) {
	seed, err := hex.DecodeString(seedHex)
	if err != nil {
		return nil, fmt.Errorf("cryptoutil: invalid seed hex: %w", err)
	}
	if len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("cryptoutil: seed must be %d bytes, got %d", ed25519.SeedSize, len(seed))
	}
	priv := ed25519.NewKeyFromSeed(seed)
	return &KeyPair{Private: priv, Public: priv.Public().(ed25519.PublicKey)}, nil
}

// PublicKeyHex returns the 32-byte public key, hex-encoded.
func (k *KeyPair) PublicKeyHex() string {
	return hex.EncodeToString(k.Public)
}

// Sign signs msg and returns the 64-byte signature, hex-encoded.
// Ed25519 signing is deterministic given (key, message).
func (k *KeyPair) Sign(msg []byte) string {
	sig := ed25519.Sign(k.Private, msg)
	return hex.EncodeToString(sig)
}

// Verify checks a hex-encoded signature against a hex-encoded public key and
// raw message bytes, using Ed25519's constant-time comparison internally.
func Verify(pubKeyHex, sigHex string, msg []byte) bool {
	pubKey, err := hex.DecodeString(pubKeyHex)
	if err != nil || len(pubKey) != ed25519.PublicKeySize {
		return false
	}
	sig, err := hex.DecodeString(sigHex)
	if err != nil || len(sig) != ed25519.SignatureSize {
		return false
	}
	return ed25519.Verify(ed25519.PublicKey(pubKey), msg, sig)
}

// DecodePublicKey parses a hex-encoded Ed25519 public key.
func DecodePublicKey(hexKey string) (ed25519.PublicKey, error) {
	b, err := hex.DecodeString(hexKey)
	if err != nil {
		return nil, fmt.Errorf("cryptoutil: invalid public key hex: %w", err)
	}
	if len(b) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("cryptoutil: invalid public key size %d", len(b))
	}
	return ed25519.PublicKey(b), nil
}
