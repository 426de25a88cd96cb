package solana

import (
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"fmt"

	"filippo.io/edwards25519"
	"github.com/mr-tron/base58"
)

// PublicKeySize is the length of an address in bytes.
const PublicKeySize = 32

var (
	// ErrInvalidPublicKey is returned for addresses that do not decode to 32 bytes.
	ErrInvalidPublicKey = errors.New("invalid public key")
	// ErrOffCurve is returned for addresses no private key can sign for.
	ErrOffCurve = errors.New("public key is not on the ed25519 curve")
)

// ParsePublicKey decodes a base58 address.
func ParsePublicKey(s string) ([]byte, error) {
	if s == "" {
		return nil, ErrInvalidPublicKey
	}
	b, err := base58.Decode(s)
	if err != nil || len(b) != PublicKeySize {
		return nil, ErrInvalidPublicKey
	}
	return b, nil
}

// ValidAddress reports whether s is a well-formed base58 address.
func ValidAddress(s string) bool {
	_, err := ParsePublicKey(s)
	return err == nil
}

// ParseWalletAddress decodes a base58 address that must be able to sign,
// which rules out program derived addresses.
func ParseWalletAddress(s string) ([]byte, error) {
	b, err := ParsePublicKey(s)
	if err != nil {
		return nil, err
	}
	if !IsOnCurve(b) {
		return nil, ErrOffCurve
	}
	return b, nil
}

// IsOnCurve reports whether point is a valid ed25519 point. Program derived
// addresses are deliberately off-curve and cannot sign.
func IsOnCurve(point []byte) bool {
	if len(point) != PublicKeySize {
		return false
	}
	_, err := new(edwards25519.Point).SetBytes(point)
	return err == nil
}

// Signer produces ed25519 signatures for one public key.
type Signer interface {
	PublicKey() []byte
	Sign(message []byte) []byte
}

// Keypair is an ed25519 signing key in Solana's 64-byte layout
// (32-byte seed followed by the 32-byte public key).
type Keypair struct {
	priv ed25519.PrivateKey
}

// NewKeypair generates a fresh keypair from crypto/rand.
func NewKeypair() (*Keypair, error) {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate keypair: %w", err)
	}
	return &Keypair{priv: priv}, nil
}

// KeypairFromBytes loads a 64-byte secret key, checking that the embedded
// public key is on the curve and matches the seed. The input is copied.
func KeypairFromBytes(secret []byte) (*Keypair, error) {
	if len(secret) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("secret key must be %d bytes, got %d", ed25519.PrivateKeySize, len(secret))
	}
	if !IsOnCurve(secret[ed25519.SeedSize:]) {
		return nil, ErrOffCurve
	}
	priv := ed25519.NewKeyFromSeed(secret[:ed25519.SeedSize])
	for i := range PublicKeySize {
		if priv[ed25519.SeedSize+i] != secret[ed25519.SeedSize+i] {
			Zero(priv)
			return nil, errors.New("secret key does not match its public key")
		}
	}
	return &Keypair{priv: priv}, nil
}

// PublicKey returns the 32-byte public key.
func (k *Keypair) PublicKey() []byte {
	pub := make([]byte, PublicKeySize)
	copy(pub, k.priv[ed25519.SeedSize:])
	return pub
}

// Address returns the base58 public key.
func (k *Keypair) Address() string {
	return base58.Encode(k.priv[ed25519.SeedSize:])
}

// Sign signs message.
func (k *Keypair) Sign(message []byte) []byte {
	return ed25519.Sign(k.priv, message)
}

// Bytes returns a copy of the 64-byte secret key. Callers must Zero it.
func (k *Keypair) Bytes() []byte {
	out := make([]byte, len(k.priv))
	copy(out, k.priv)
	return out
}

// Zero overwrites the secret key. The keypair is unusable afterwards.
func (k *Keypair) Zero() {
	Zero(k.priv)
}

// Zero overwrites b with zeros.
func Zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
