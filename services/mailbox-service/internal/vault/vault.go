// Package vault encrypts provider credentials before they are persisted.
package vault

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"

	"github.com/stoik/mailbridge/services/mailbox-service/internal/apperr"
	"github.com/stoik/mailbridge/services/mailbox-service/internal/config"
	"golang.org/x/crypto/hkdf"
)

const keyInfo = "mailbridge credential vault v1"

var ErrMalformedCiphertext = errors.New("malformed ciphertext")

// Vault seals token material with AES-256-GCM under a key derived from the configured secret.
type Vault struct {
	aead cipher.AEAD
}

// New derives the encryption key. It fails with a ConfigurationError when the secret
// is absent or shorter than config.MinSecretLength.
func New(secret string) (*Vault, error) {
	if len(secret) < config.MinSecretLength {
		return nil, apperr.Configuration("vault.New",
			fmt.Sprintf("vault key must be at least %d bytes", config.MinSecretLength), nil)
	}

	key := make([]byte, 32)
	if _, err := io.ReadFull(hkdf.New(sha256.New, []byte(secret), nil, []byte(keyInfo)), key); err != nil {
		return nil, apperr.Configuration("vault.New", "deriving vault key", err)
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, apperr.Configuration("vault.New", "creating cipher", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, apperr.Configuration("vault.New", "creating GCM", err)
	}
	return &Vault{aead: aead}, nil
}

// Encrypt returns base64(nonce || ciphertext)
func (v *Vault) Encrypt(plaintext string) (string, error) {
	nonce := make([]byte, v.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("generating nonce: %w", err)
	}
	sealed := v.aead.Seal(nonce, nonce, []byte(plaintext), nil)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

func (v *Vault) Decrypt(ciphertext string) (string, error) {
	raw, err := base64.StdEncoding.DecodeString(ciphertext)
	if err != nil {
		return "", fmt.Errorf("decoding ciphertext: %w", ErrMalformedCiphertext)
	}
	ns := v.aead.NonceSize()
	if len(raw) < ns+v.aead.Overhead() {
		return "", ErrMalformedCiphertext
	}
	plain, err := v.aead.Open(nil, raw[:ns], raw[ns:], nil)
	if err != nil {
		return "", fmt.Errorf("opening ciphertext: %w", err)
	}
	return string(plain), nil
}

// EncryptOptional encrypts s, mapping the empty string to nil
func (v *Vault) EncryptOptional(s string) (*string, error) {
	if s == "" {
		return nil, nil
	}
	enc, err := v.Encrypt(s)
	if err != nil {
		return nil, err
	}
	return &enc, nil
}
