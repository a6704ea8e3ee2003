// Package channel implements privacy-preserving channel addressing.
//
// A plaintext channel string is never exposed outside the store that
// hosts it. Instead, its SHA-256 digest seeds an Ed25519 key pair: the
// public key is the channel key, a fixed-length index value that is
// indistinguishable from a random key to anyone who does not know the
// string, and the private key signs possession proofs over challenges.
package channel

import (
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
)

// Key is a channel index key: an Ed25519 public key in unpadded
// base64url form. Keys are comparable and usable as map keys.
type Key string

// KeyOf derives the channel key for a plaintext channel string. The
// derivation is deterministic and one-way.
func KeyOf(channel string) Key {
	pub := privateKeyOf(channel).Public().(ed25519.PublicKey)
	return Key(base64.RawURLEncoding.EncodeToString(pub))
}

// KeysOf derives keys for a list of channels, preserving order.
func KeysOf(channels []string) []Key {
	keys := make([]Key, len(channels))
	for i, c := range channels {
		keys[i] = KeyOf(c)
	}
	return keys
}

// ParseKey validates the wire form of a channel key.
func ParseKey(s string) (Key, error) {
	raw, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return "", fmt.Errorf("channel key is not base64url: %w", err)
	}
	if len(raw) != ed25519.PublicKeySize {
		return "", fmt.Errorf("channel key has %d bytes, want %d", len(raw), ed25519.PublicKeySize)
	}
	return Key(s), nil
}

// String returns the wire form of the key.
func (k Key) String() string { return string(k) }

// Bytes returns the raw public key, or nil for a malformed key.
func (k Key) Bytes() []byte {
	raw, err := base64.RawURLEncoding.DecodeString(string(k))
	if err != nil || len(raw) != ed25519.PublicKeySize {
		return nil
	}
	return raw
}

// Prove signs a challenge with the private key seeded from the
// channel string, proving knowledge of the plaintext without
// revealing it.
func Prove(channel string, challenge []byte) []byte {
	return ed25519.Sign(privateKeyOf(channel), challenge)
}

// Verify checks a possession proof over a challenge under a channel
// key.
func Verify(key Key, proof, challenge []byte) bool {
	raw := key.Bytes()
	if raw == nil || len(proof) != ed25519.SignatureSize {
		return false
	}
	return ed25519.Verify(ed25519.PublicKey(raw), challenge, proof)
}

func privateKeyOf(channel string) ed25519.PrivateKey {
	seed := sha256.Sum256([]byte(channel))
	return ed25519.NewKeyFromSeed(seed[:])
}
