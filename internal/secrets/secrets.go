// Package secrets provides encryption-at-rest for migration credentials.
// Each secret carries its own expiry clock: once it passes, the getter
// returns empty even though the ciphertext is still stored.
package secrets

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"time"

	"golang.org/x/crypto/hkdf"
)

// ErrCiphertextCorrupt is returned when stored ciphertext cannot be
// decoded or fails authentication.
var ErrCiphertextCorrupt = errors.New("ciphertext corrupt")

// Cipher encrypts and decrypts secret values with AES-256-GCM. The key
// is derived from the configured master key via HKDF-SHA256.
type Cipher struct {
	aead cipher.AEAD
}

// NewCipher derives the encryption key from the master key material.
func NewCipher(masterKey string) (*Cipher, error) {
	if masterKey == "" {
		return nil, fmt.Errorf("master key is empty")
	}

	h := hkdf.New(sha256.New, []byte(masterKey), nil, []byte("migration-secrets"))
	key := make([]byte, 32)
	if _, err := io.ReadFull(h, key); err != nil {
		return nil, fmt.Errorf("failed to derive key: %w", err)
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}

	return &Cipher{aead: aead}, nil
}

// Encrypt seals a plaintext value. Empty plaintext encrypts to the
// empty string so unset secrets stay unset in storage.
func (c *Cipher) Encrypt(plaintext string) (string, error) {
	if plaintext == "" {
		return "", nil
	}

	nonce := make([]byte, c.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}

	sealed := c.aead.Seal(nonce, nonce, []byte(plaintext), nil)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// Decrypt opens a sealed value produced by Encrypt.
func (c *Cipher) Decrypt(ciphertext string) (string, error) {
	if ciphertext == "" {
		return "", nil
	}

	raw, err := base64.StdEncoding.DecodeString(ciphertext)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrCiphertextCorrupt, err)
	}
	if len(raw) < c.aead.NonceSize() {
		return "", ErrCiphertextCorrupt
	}

	nonce, sealed := raw[:c.aead.NonceSize()], raw[c.aead.NonceSize():]
	plaintext, err := c.aead.Open(nil, nonce, sealed, nil)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrCiphertextCorrupt, err)
	}
	return string(plaintext), nil
}

// Secret pairs a ciphertext with its own expiry timestamp. A nil
// ExpiresAt means the secret never expires (e.g. the recovery key).
type Secret struct {
	Ciphertext string     `json:"ciphertext,omitempty"`
	ExpiresAt  *time.Time `json:"expires_at,omitempty"`
}

// Expired reports whether the secret's expiry clock has passed.
func (s Secret) Expired(now time.Time) bool {
	return s.ExpiresAt != nil && !now.Before(*s.ExpiresAt)
}

// Seal encrypts a value with the given time-to-live. A zero ttl yields
// a non-expiring secret.
func (c *Cipher) Seal(plaintext string, ttl time.Duration) (Secret, error) {
	ct, err := c.Encrypt(plaintext)
	if err != nil {
		return Secret{}, err
	}
	s := Secret{Ciphertext: ct}
	if ttl > 0 {
		exp := time.Now().Add(ttl)
		s.ExpiresAt = &exp
	}
	return s, nil
}

// Open decrypts a secret, returning empty when it is unset or its
// expiry has passed. The ciphertext is left untouched either way.
func (c *Cipher) Open(s Secret) (string, error) {
	if s.Ciphertext == "" || s.Expired(time.Now()) {
		return "", nil
	}
	return c.Decrypt(s.Ciphertext)
}
