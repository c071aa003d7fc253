// Package secretstore seals user secrets (GitHub access tokens) before they
// are written to the cache database.
package secretstore

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strings"

	"golang.org/x/crypto/hkdf"
)

const sealedPrefix = "v1:"

var hkdfSalt = []byte("githunters-secretstore")

// ErrMalformed is returned when a sealed value cannot be parsed.
var ErrMalformed = errors.New("secretstore: malformed sealed value")

// Sealer encrypts short secrets with AES-256-GCM under a key derived from a
// master secret.
type Sealer struct {
	aead cipher.AEAD
	rand io.Reader
}

// New derives a sealing key for purpose from masterKey.
func New(masterKey []byte, purpose string) (*Sealer, error) {
	if len(masterKey) == 0 {
		return nil, fmt.Errorf("secretstore: master key is required")
	}
	purpose = strings.TrimSpace(purpose)
	if purpose == "" {
		return nil, fmt.Errorf("secretstore: purpose is required")
	}

	reader := hkdf.New(sha256.New, masterKey, hkdfSalt, []byte("githunters-"+purpose))
	key := make([]byte, 32)
	if _, err := io.ReadFull(reader, key); err != nil {
		return nil, fmt.Errorf("derive key: %w", err)
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("create GCM: %w", err)
	}
	return &Sealer{aead: gcm, rand: rand.Reader}, nil
}

// Seal encrypts plaintext. aad binds the value to its owner (e.g. user id);
// the same aad must be passed to Open. Empty plaintext seals to "".
func (s *Sealer) Seal(plaintext, aad string) (string, error) {
	if plaintext == "" {
		return "", nil
	}
	nonce := make([]byte, s.aead.NonceSize())
	if _, err := io.ReadFull(s.rand, nonce); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}
	out := s.aead.Seal(nonce, nonce, []byte(plaintext), []byte(aad))
	return sealedPrefix + base64.RawURLEncoding.EncodeToString(out), nil
}

// Open decrypts a value produced by Seal.
func (s *Sealer) Open(sealed, aad string) (string, error) {
	if sealed == "" {
		return "", nil
	}
	if !strings.HasPrefix(sealed, sealedPrefix) {
		return "", ErrMalformed
	}
	raw, err := base64.RawURLEncoding.DecodeString(strings.TrimPrefix(sealed, sealedPrefix))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	ns := s.aead.NonceSize()
	if len(raw) < ns+s.aead.Overhead() {
		return "", ErrMalformed
	}
	plaintext, err := s.aead.Open(nil, raw[:ns], raw[ns:], []byte(aad))
	if err != nil {
		return "", fmt.Errorf("decrypt: %w", err)
	}
	return string(plaintext), nil
}
