package security

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/charmbracelet/log"
)

const (
	CredentialKeyEnv = "PROXY_ENCRYPTION_KEY"
	SealedPrefix     = "enc:"
)

// Sealer encrypts proxy credentials before they are written to a store.
// A Sealer without a key passes values through unchanged.
type Sealer struct {
	gcm cipher.AEAD
}

func NewSealer(rawKey string) (*Sealer, error) {
	rawKey = strings.TrimSpace(rawKey)
	if rawKey == "" {
		return &Sealer{}, nil
	}

	block, err := aes.NewCipher(deriveKey(rawKey))
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("create gcm: %w", err)
	}

	return &Sealer{gcm: gcm}, nil
}

func (s *Sealer) Enabled() bool {
	return s != nil && s.gcm != nil
}

func (s *Sealer) Seal(plain string) (string, error) {
	if plain == "" || !s.Enabled() {
		return plain, nil
	}

	nonce := make([]byte, s.gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}

	payload := append(nonce, s.gcm.Seal(nil, nonce, []byte(plain), nil)...)
	return SealedPrefix + base64.StdEncoding.EncodeToString(payload), nil
}

// Open reverses Seal. Values without the sealed prefix are returned as stored.
func (s *Sealer) Open(value string) (string, error) {
	if !IsSealed(value) {
		return value, nil
	}
	if !s.Enabled() {
		return "", errors.New("sealed credential found but " + CredentialKeyEnv + " is not set")
	}

	data, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(value, SealedPrefix))
	if err != nil {
		return "", fmt.Errorf("decode ciphertext: %w", err)
	}

	nonceSize := s.gcm.NonceSize()
	if len(data) <= nonceSize {
		return "", errors.New("ciphertext too short")
	}

	plain, err := s.gcm.Open(nil, data[:nonceSize], data[nonceSize:], nil)
	if err != nil {
		return "", fmt.Errorf("decrypt ciphertext: %w", err)
	}
	return string(plain), nil
}

func IsSealed(value string) bool {
	return strings.HasPrefix(value, SealedPrefix)
}

func deriveKey(raw string) []byte {
	if decoded, err := base64.StdEncoding.DecodeString(raw); err == nil {
		switch len(decoded) {
		case 16, 24, 32:
			return decoded
		}
		sum := sha256.Sum256(decoded)
		return sum[:]
	}

	sum := sha256.Sum256([]byte(raw))
	return sum[:]
}

var (
	defaultOnce   sync.Once
	defaultSealer *Sealer
)

// DefaultSealer is built once from PROXY_ENCRYPTION_KEY and is what the gorm
// model hooks use.
func DefaultSealer() *Sealer {
	defaultOnce.Do(func() {
		sealer, err := NewSealer(os.Getenv(CredentialKeyEnv))
		if err != nil {
			log.Error("credential sealer disabled", "error", err)
			sealer = &Sealer{}
		}
		if !sealer.Enabled() {
			log.Warn("Proxy credentials are stored unencrypted", "env", CredentialKeyEnv)
		}
		defaultSealer = sealer
	})
	return defaultSealer
}

func ResetDefaultSealerForTests() {
	defaultOnce = sync.Once{}
	defaultSealer = nil
}
