package hipaa

import (
	"bytes"
	"fmt"
	"strconv"
	"strings"
	"sync"
)

// Ciphertext carries "v{version}:" in front so rows written under an older
// key stay readable after rotation.
const (
	keyVersionPrefix    = "v"
	keyVersionSeparator = ":"
)

// RotatingEncryptor encrypts with the current key and decrypts with any
// registered version.
type RotatingEncryptor struct {
	mu         sync.RWMutex
	current    *PHIEncryptor
	currentVer int
	previous   map[int]*PHIEncryptor
}

func NewRotatingEncryptor(currentKey []byte, currentVersion int) (*RotatingEncryptor, error) {
	if currentVersion < 1 {
		return nil, fmt.Errorf("rotating encryptor: version must be >= 1, got %d", currentVersion)
	}
	enc, err := NewPHIEncryptor(currentKey)
	if err != nil {
		return nil, fmt.Errorf("rotating encryptor: current key: %w", err)
	}
	return &RotatingEncryptor{
		current:    enc,
		currentVer: currentVersion,
		previous:   make(map[int]*PHIEncryptor),
	}, nil
}

// AddPreviousKey registers a retired key for decryption only.
func (r *RotatingEncryptor) AddPreviousKey(key []byte, version int) error {
	if version == r.currentVer {
		return fmt.Errorf("rotating encryptor: v%d is the current version", version)
	}
	enc, err := NewPHIEncryptor(key)
	if err != nil {
		return fmt.Errorf("rotating encryptor: previous key v%d: %w", version, err)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.previous[version] = enc
	return nil
}

func (r *RotatingEncryptor) header() string {
	return keyVersionPrefix + strconv.Itoa(r.currentVer) + keyVersionSeparator
}

func (r *RotatingEncryptor) keyFor(version int) (*PHIEncryptor, error) {
	if version == r.currentVer {
		return r.current, nil
	}
	if enc, ok := r.previous[version]; ok {
		return enc, nil
	}
	return nil, fmt.Errorf("no key available for version %d", version)
}

func (r *RotatingEncryptor) Encrypt(plaintext string) (string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ct, err := r.current.Encrypt(plaintext)
	if err != nil {
		return "", err
	}
	return r.header() + ct, nil
}

func (r *RotatingEncryptor) Decrypt(ciphertext string) (string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	version, rest, err := splitVersion([]byte(ciphertext))
	if err != nil {
		return "", err
	}
	enc, err := r.keyFor(version)
	if err != nil {
		return "", err
	}
	return enc.Decrypt(string(rest))
}

func (r *RotatingEncryptor) EncryptBytes(data, aad []byte) ([]byte, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ct, err := r.current.EncryptBytes(data, aad)
	if err != nil {
		return nil, err
	}
	return append([]byte(r.header()), ct...), nil
}

func (r *RotatingEncryptor) DecryptBytes(data, aad []byte) ([]byte, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	version, rest, err := splitVersion(data)
	if err != nil {
		return nil, err
	}
	enc, err := r.keyFor(version)
	if err != nil {
		return nil, err
	}
	return enc.DecryptBytes(rest, aad)
}

// NeedsReEncryption reports whether ciphertext was written under a retired key.
func (r *RotatingEncryptor) NeedsReEncryption(ciphertext string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	version, _, err := splitVersion([]byte(ciphertext))
	return err != nil || version != r.currentVer
}

// ReEncrypt moves ciphertext to the current key.
func (r *RotatingEncryptor) ReEncrypt(ciphertext string) (string, error) {
	plaintext, err := r.Decrypt(ciphertext)
	if err != nil {
		return "", fmt.Errorf("re-encrypt: decrypt: %w", err)
	}
	return r.Encrypt(plaintext)
}

func (r *RotatingEncryptor) CurrentVersion() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.currentVer
}

func splitVersion(b []byte) (int, []byte, error) {
	if !bytes.HasPrefix(b, []byte(keyVersionPrefix)) {
		return 0, nil, fmt.Errorf("ciphertext has no key version")
	}
	idx := bytes.Index(b, []byte(keyVersionSeparator))
	if idx < 0 {
		return 0, nil, fmt.Errorf("ciphertext has no key version separator")
	}
	v, err := strconv.Atoi(strings.TrimPrefix(string(b[:idx]), keyVersionPrefix))
	if err != nil {
		return 0, nil, fmt.Errorf("invalid key version: %w", err)
	}
	return v, b[idx+1:], nil
}
