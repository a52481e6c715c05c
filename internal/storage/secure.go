package storage

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

// envelopeMagic marks a value written by the secure medium. A value without
// it was written by the plain path and is handed back untouched by Get so
// the adapter can fall back transparently on read.
var envelopeMagic = []byte("KSV1")

// ErrNotEncrypted is returned by Get when the stored value carries no
// secure envelope.
var ErrNotEncrypted = errors.New("value is not encrypted")

// hkdfSalt is fixed: the store is device-local and the passphrase is the
// only secret, so a per-install salt buys nothing and would have to be
// persisted in plaintext anyway.
var hkdfSalt = []byte("keepsake-session-store-v1")

// SecureMedium wraps a Medium with AES-256-GCM at-rest protection. The key
// is derived from a passphrase with HKDF-SHA256.
type SecureMedium struct {
	inner Medium
	aead  cipher.AEAD
}

// NewSecureMedium derives the encryption key from passphrase and wraps inner.
func NewSecureMedium(inner Medium, passphrase string) (*SecureMedium, error) {
	if passphrase == "" {
		return nil, fmt.Errorf("encryption passphrase cannot be empty")
	}

	key := make([]byte, 32)
	kdf := hkdf.New(sha256.New, []byte(passphrase), hkdfSalt, []byte("aes-256-gcm"))
	if _, err := io.ReadFull(kdf, key); err != nil {
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

	return &SecureMedium{inner: inner, aead: aead}, nil
}

// Put encrypts value and stores magic || nonce || ciphertext. The key name
// is bound as additional data so a value copied between keys fails to open.
func (s *SecureMedium) Put(key string, value []byte) error {
	nonce := make([]byte, s.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return fmt.Errorf("failed to generate nonce: %w", err)
	}

	sealed := s.aead.Seal(nil, nonce, value, []byte(key))

	out := make([]byte, 0, len(envelopeMagic)+len(nonce)+len(sealed))
	out = append(out, envelopeMagic...)
	out = append(out, nonce...)
	out = append(out, sealed...)
	return s.inner.Put(key, out)
}

// Get reads and decrypts the value under key. A value without the secure
// envelope yields ErrNotEncrypted; the caller decides whether to fall back
// to the plain representation.
func (s *SecureMedium) Get(key string) ([]byte, error) {
	data, err := s.inner.Get(key)
	if err != nil {
		return nil, err
	}
	if !bytes.HasPrefix(data, envelopeMagic) {
		return nil, ErrNotEncrypted
	}

	data = data[len(envelopeMagic):]
	if len(data) < s.aead.NonceSize() {
		return nil, fmt.Errorf("encrypted value truncated")
	}
	nonce, sealed := data[:s.aead.NonceSize()], data[s.aead.NonceSize():]

	plain, err := s.aead.Open(nil, nonce, sealed, []byte(key))
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt: %w", err)
	}
	return plain, nil
}
