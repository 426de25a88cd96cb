// Package envelope encrypts signing material at rest with AES-256-GCM.
//
// A sealed bundle is "ivHex.tagHex.ciphertextHex": a fresh 16-byte IV per
// call and the 16-byte GCM tag kept apart from the ciphertext.
package envelope

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io"
	"strings"
)

const (
	KeySize = 32
	IVSize  = 16
	TagSize = 16
)

// ConfigurationError reports an unusable key. It is fatal at startup.
type ConfigurationError struct {
	Reason string
}

func (e *ConfigurationError) Error() string {
	return "envelope configuration: " + e.Reason
}

// DecryptionError reports a malformed or tampered bundle. It never carries
// any part of the bundle or plaintext.
type DecryptionError struct {
	Reason string
}

func (e *DecryptionError) Error() string {
	return "envelope decryption failed: " + e.Reason
}

// Cipher seals and opens bundles with one fixed key.
type Cipher struct {
	aead cipher.AEAD
	rand io.Reader
}

// New builds a Cipher from a raw 32-byte key.
func New(key []byte) (*Cipher, error) {
	if len(key) != KeySize {
		return nil, &ConfigurationError{Reason: fmt.Sprintf("key must be %d bytes, got %d", KeySize, len(key))}
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, &ConfigurationError{Reason: err.Error()}
	}
	aead, err := cipher.NewGCMWithNonceSize(block, IVSize)
	if err != nil {
		return nil, &ConfigurationError{Reason: err.Error()}
	}
	return &Cipher{aead: aead, rand: rand.Reader}, nil
}

// NewFromHex builds a Cipher from the configured 64-character hex key.
func NewFromHex(keyHex string) (*Cipher, error) {
	keyHex = strings.TrimSpace(keyHex)
	if keyHex == "" {
		return nil, &ConfigurationError{Reason: "encryption key is not set"}
	}
	key, err := hex.DecodeString(keyHex)
	if err != nil {
		return nil, &ConfigurationError{Reason: "encryption key is not valid hex"}
	}
	return New(key)
}

// Encrypt seals plaintext into a bundle.
func (c *Cipher) Encrypt(plaintext []byte) (string, error) {
	iv := make([]byte, IVSize)
	if _, err := io.ReadFull(c.rand, iv); err != nil {
		return "", fmt.Errorf("generate iv: %w", err)
	}

	sealed := c.aead.Seal(nil, iv, plaintext, nil)
	ct, tag := sealed[:len(sealed)-TagSize], sealed[len(sealed)-TagSize:]

	return hex.EncodeToString(iv) + "." + hex.EncodeToString(tag) + "." + hex.EncodeToString(ct), nil
}

// EncryptString is Encrypt for string payloads.
func (c *Cipher) EncryptString(plaintext string) (string, error) {
	return c.Encrypt([]byte(plaintext))
}

// Decrypt opens a bundle produced by Encrypt under the same key.
func (c *Cipher) Decrypt(bundle string) ([]byte, error) {
	parts := strings.Split(bundle, ".")
	if len(parts) != 3 {
		return nil, &DecryptionError{Reason: "malformed bundle"}
	}

	iv, err := hex.DecodeString(parts[0])
	if err != nil || len(iv) != IVSize {
		return nil, &DecryptionError{Reason: "invalid iv"}
	}
	tag, err := hex.DecodeString(parts[1])
	if err != nil || len(tag) != TagSize {
		return nil, &DecryptionError{Reason: "invalid tag"}
	}
	ct, err := hex.DecodeString(parts[2])
	if err != nil {
		return nil, &DecryptionError{Reason: "invalid ciphertext"}
	}

	plaintext, err := c.aead.Open(nil, iv, append(ct, tag...), nil)
	if err != nil {
		return nil, &DecryptionError{Reason: "authentication failed"}
	}
	return plaintext, nil
}

// DecryptString is Decrypt for string payloads.
func (c *Cipher) DecryptString(bundle string) (string, error) {
	b, err := c.Decrypt(bundle)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// Zero overwrites b in place.
func Zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
