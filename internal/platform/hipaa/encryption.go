// Package hipaa encrypts protected health information before it reaches any
// store. Ciphertext can be bound to its owner through associated data, so a
// sealed value copied into another user's row fails to open.
package hipaa

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"io"
)

// FieldEncryptor is implemented by every encryptor in this package.
// Repositories and the commit path depend on this interface only.
type FieldEncryptor interface {
	Encrypt(plaintext string) (string, error)
	Decrypt(ciphertext string) (string, error)
	EncryptBytes(data, aad []byte) ([]byte, error)
	DecryptBytes(data, aad []byte) ([]byte, error)
}

// PHIEncryptor is AES-256-GCM with a random nonce prepended to the output.
type PHIEncryptor struct {
	aead cipher.AEAD
}

// NewPHIEncryptor requires a 32-byte key.
func NewPHIEncryptor(key []byte) (*PHIEncryptor, error) {
	if len(key) != 32 {
		return nil, fmt.Errorf("phi encryptor: key must be 32 bytes, got %d", len(key))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("phi encryptor: create cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("phi encryptor: create GCM: %w", err)
	}
	return &PHIEncryptor{aead: aead}, nil
}

// Encrypt returns base64(nonce || ciphertext).
func (e *PHIEncryptor) Encrypt(plaintext string) (string, error) {
	out, err := e.EncryptBytes([]byte(plaintext), nil)
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(out), nil
}

func (e *PHIEncryptor) Decrypt(ciphertext string) (string, error) {
	raw, err := base64.StdEncoding.DecodeString(ciphertext)
	if err != nil {
		return "", fmt.Errorf("phi decrypt: base64 decode: %w", err)
	}
	out, err := e.DecryptBytes(raw, nil)
	if err != nil {
		return "", err
	}
	return string(out), nil
}

// EncryptBytes seals data; aad is authenticated but not encrypted and must
// be presented again to DecryptBytes.
func (e *PHIEncryptor) EncryptBytes(data, aad []byte) ([]byte, error) {
	nonce := make([]byte, e.aead.NonceSize(), e.aead.NonceSize()+len(data)+e.aead.Overhead())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("phi encrypt: generate nonce: %w", err)
	}
	return e.aead.Seal(nonce, nonce, data, aad), nil
}

func (e *PHIEncryptor) DecryptBytes(data, aad []byte) ([]byte, error) {
	n := e.aead.NonceSize()
	if len(data) < n+e.aead.Overhead() {
		return nil, fmt.Errorf("phi decrypt: ciphertext too short")
	}
	out, err := e.aead.Open(nil, data[:n], data[n:], aad)
	if err != nil {
		return nil, fmt.Errorf("phi decrypt: %w", err)
	}
	return out, nil
}
