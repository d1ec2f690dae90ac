package repository

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"strings"
)

// EncPrefix marks a stored password as encrypted.
const EncPrefix = "{enc}"

// Cipher encrypts datasource passwords at rest with AES-256-GCM. The key is
// derived from an operator-supplied passphrase.
type Cipher struct {
	aead cipher.AEAD
}

// NewCipher derives a cipher from the passphrase.
func NewCipher(passphrase string) (*Cipher, error) {
	if passphrase == "" {
		return nil, fmt.Errorf("encryption passphrase must not be empty")
	}
	key := sha256.Sum256([]byte(passphrase))
	block, err := aes.NewCipher(key[:])
	if err != nil {
		return nil, fmt.Errorf("failed to build cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to build GCM: %w", err)
	}
	return &Cipher{aead: aead}, nil
}

// IsEncrypted reports whether the stored value carries the {enc} prefix.
func IsEncrypted(s string) bool {
	return strings.HasPrefix(s, EncPrefix)
}

// Encrypt seals plain and renders it as {enc}base64(nonce||ciphertext).
// Values already carrying the prefix are returned unchanged so a round-trip
// through the REST surface never double-encrypts.
func (c *Cipher) Encrypt(plain string) (string, error) {
	if plain == "" || IsEncrypted(plain) {
		return plain, nil
	}
	nonce := make([]byte, c.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}
	sealed := c.aead.Seal(nonce, nonce, []byte(plain), nil)
	return EncPrefix + base64.StdEncoding.EncodeToString(sealed), nil
}

// Decrypt reverses Encrypt. Values without the prefix pass through.
func (c *Cipher) Decrypt(stored string) (string, error) {
	if !IsEncrypted(stored) {
		return stored, nil
	}
	raw, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(stored, EncPrefix))
	if err != nil {
		return "", fmt.Errorf("malformed encrypted value: %w", err)
	}
	if len(raw) < c.aead.NonceSize() {
		return "", fmt.Errorf("malformed encrypted value: too short")
	}
	nonce, sealed := raw[:c.aead.NonceSize()], raw[c.aead.NonceSize():]
	plain, err := c.aead.Open(nil, nonce, sealed, nil)
	if err != nil {
		return "", fmt.Errorf("failed to decrypt value: %w", err)
	}
	return string(plain), nil
}
