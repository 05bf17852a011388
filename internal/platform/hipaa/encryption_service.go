package hipaa

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/rs/zerolog"
)

// KeyConfig selects the keys for an EncryptionService.
type KeyConfig struct {
	// Key is the current key as 64 hex characters.
	Key     string
	Version int
	// PreviousKeys is a comma separated list of "version:hexkey".
	PreviousKeys string
	// AllowEphemeral generates a throwaway key when Key is empty. Data
	// written under it cannot be read after a restart.
	AllowEphemeral bool
}

// EncryptionService is the application's FieldEncryptor.
type EncryptionService struct {
	*RotatingEncryptor
	ephemeral bool
}

// NewEncryptionService validates cfg and builds the encryptor. A missing key
// is an error unless AllowEphemeral is set; plaintext mode does not exist.
func NewEncryptionService(cfg KeyConfig, logger zerolog.Logger) (*EncryptionService, error) {
	if cfg.Version < 1 {
		cfg.Version = 1
	}

	var (
		key       []byte
		ephemeral bool
	)
	if cfg.Key == "" {
		if !cfg.AllowEphemeral {
			return nil, fmt.Errorf("HIPAA_ENCRYPTION_KEY is required")
		}
		key = make([]byte, 32)
		if _, err := rand.Read(key); err != nil {
			return nil, fmt.Errorf("generate ephemeral key: %w", err)
		}
		ephemeral = true
		logger.Warn().Msg("HIPAA_ENCRYPTION_KEY not set: using an ephemeral key, encrypted data will not survive a restart")
	} else {
		var err error
		key, err = decodeKey(cfg.Key)
		if err != nil {
			return nil, fmt.Errorf("HIPAA_ENCRYPTION_KEY: %w", err)
		}
	}

	re, err := NewRotatingEncryptor(key, cfg.Version)
	if err != nil {
		return nil, err
	}

	if cfg.PreviousKeys != "" {
		for _, part := range strings.Split(cfg.PreviousKeys, ",") {
			ver, hexKey, ok := strings.Cut(strings.TrimSpace(part), ":")
			if !ok {
				return nil, fmt.Errorf("HIPAA_PREVIOUS_KEYS: expected version:key, got %q", part)
			}
			v, err := strconv.Atoi(ver)
			if err != nil {
				return nil, fmt.Errorf("HIPAA_PREVIOUS_KEYS: invalid version %q", ver)
			}
			k, err := decodeKey(hexKey)
			if err != nil {
				return nil, fmt.Errorf("HIPAA_PREVIOUS_KEYS v%d: %w", v, err)
			}
			if err := re.AddPreviousKey(k, v); err != nil {
				return nil, err
			}
		}
	}

	logger.Info().Int("key_version", cfg.Version).Msg("PHI encryption enabled")
	return &EncryptionService{RotatingEncryptor: re, ephemeral: ephemeral}, nil
}

// Ephemeral reports whether the service runs on a generated key.
func (s *EncryptionService) Ephemeral() bool { return s.ephemeral }

func decodeKey(s string) ([]byte, error) {
	b, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("not valid hex: %w", err)
	}
	if len(b) != 32 {
		return nil, fmt.Errorf("must be 32 bytes (64 hex chars), got %d bytes", len(b))
	}
	return b, nil
}

// SealJSON encodes v as JSON and encrypts it bound to owner.
func SealJSON(enc FieldEncryptor, owner string, v interface{}) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("seal: encode: %w", err)
	}
	return enc.EncryptBytes(raw, []byte(owner))
}

// OpenJSON reverses SealJSON into v.
func OpenJSON(enc FieldEncryptor, owner string, sealed []byte, v interface{}) error {
	raw, err := enc.DecryptBytes(sealed, []byte(owner))
	if err != nil {
		return fmt.Errorf("open: %w", err)
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("open: decode: %w", err)
	}
	return nil
}

// EncryptOptional encrypts a nullable field.
func EncryptOptional(enc FieldEncryptor, v *string) (*string, error) {
	if v == nil || *v == "" {
		return v, nil
	}
	out, err := enc.Encrypt(*v)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// DecryptOptional reverses EncryptOptional.
func DecryptOptional(enc FieldEncryptor, v *string) (*string, error) {
	if v == nil || *v == "" {
		return v, nil
	}
	out, err := enc.Decrypt(*v)
	if err != nil {
		return nil, err
	}
	return &out, nil
}
