// Package secrets holds sensitive config values encrypted at rest and hands
// them out as plaintext only when an adapter is launched. Values are
// addressed by opaque references so neither logs nor listing surfaces ever
// carry plaintext.
package secrets

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog/log"

	hverrors "github.com/haven-home/haven/internal/errors"
)

// ReferencePrefix marks a config string as a secret reference.
const ReferencePrefix = "$secret:"

// Placeholder is rendered in place of a reference on listing surfaces. It is
// deliberately non-reversible.
const Placeholder = "[encrypted]"

const (
	keyFileName = ".secrets.key"
	tagSize     = 16 // AES-GCM authentication tag, 128 bits
)

// Persistence is the storage the secret store writes encrypted rows to.
type Persistence interface {
	InsertSecret(id string, ciphertext, iv, tag []byte) error
	GetSecret(id string) (ciphertext, iv, tag []byte, err error)
	DeleteSecret(id string) error
}

// Store encrypts and resolves secret references.
type Store struct {
	key []byte
	db  Persistence
}

// New loads (or generates) the encryption key under dataDir and returns a
// store backed by db.
func New(dataDir string, db Persistence) (*Store, error) {
	key, err := getOrCreateKey(dataDir)
	if err != nil {
		return nil, fmt.Errorf("failed to get encryption key: %w", err)
	}
	return &Store{key: key, db: db}, nil
}

// getOrCreateKey reads the key file or generates a fresh 256-bit key with
// owner-only permissions.
func getOrCreateKey(dataDir string) ([]byte, error) {
	keyPath := filepath.Join(dataDir, keyFileName)

	if data, err := os.ReadFile(keyPath); err == nil {
		key := make([]byte, 32)
		n, err := base64.StdEncoding.Decode(key, data)
		if err == nil && n == 32 {
			return key, nil
		}
	}

	key := make([]byte, 32) // AES-256
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return nil, fmt.Errorf("failed to generate key: %w", err)
	}

	if err := os.MkdirAll(dataDir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create directory: %w", err)
	}
	encoded := base64.StdEncoding.EncodeToString(key)
	if err := os.WriteFile(keyPath, []byte(encoded), 0600); err != nil {
		return nil, fmt.Errorf("failed to save key: %w", err)
	}

	log.Info().Msg("Generated new secret encryption key")
	return key, nil
}

// IsReference tests whether a config value is a secret reference.
func IsReference(value string) bool {
	return strings.HasPrefix(value, ReferencePrefix)
}

// Store encrypts plaintext and returns a fresh opaque reference for it.
func (s *Store) Store(plaintext string) (string, error) {
	idBytes := make([]byte, 16)
	if _, err := io.ReadFull(rand.Reader, idBytes); err != nil {
		return "", fmt.Errorf("failed to generate reference: %w", err)
	}
	id := hex.EncodeToString(idBytes)

	ciphertext, nonce, tag, err := s.encrypt([]byte(plaintext))
	if err != nil {
		return "", err
	}
	if err := s.db.InsertSecret(id, ciphertext, nonce, tag); err != nil {
		return "", fmt.Errorf("failed to persist secret: %w", err)
	}
	return ReferencePrefix + id, nil
}

// Resolve decrypts the value behind a reference.
func (s *Store) Resolve(reference string) (string, error) {
	id := strings.TrimPrefix(reference, ReferencePrefix)
	if id == reference {
		return "", fmt.Errorf("not a secret reference: %w", hverrors.ErrUnknownReference)
	}

	ciphertext, nonce, tag, err := s.db.GetSecret(id)
	if err != nil {
		return "", err
	}
	plaintext, err := s.decrypt(ciphertext, nonce, tag)
	if err != nil {
		return "", fmt.Errorf("failed to decrypt secret: %w", err)
	}
	return string(plaintext), nil
}

// ResolveBag shallow-walks a config bag, substituting references with their
// plaintext. Non-strings and plain strings pass through untouched.
func (s *Store) ResolveBag(bag map[string]any) (map[string]any, error) {
	resolved := make(map[string]any, len(bag))
	for key, value := range bag {
		str, ok := value.(string)
		if !ok || !IsReference(str) {
			resolved[key] = value
			continue
		}
		plaintext, err := s.Resolve(str)
		if err != nil {
			return nil, fmt.Errorf("config key %q: %w", key, err)
		}
		resolved[key] = plaintext
	}
	return resolved, nil
}

// DeleteForBag erases every reference found in the bag. Absent rows are
// ignored so the operation is idempotent.
func (s *Store) DeleteForBag(bag map[string]any) error {
	for key, value := range bag {
		str, ok := value.(string)
		if !ok || !IsReference(str) {
			continue
		}
		id := strings.TrimPrefix(str, ReferencePrefix)
		if err := s.db.DeleteSecret(id); err != nil {
			return fmt.Errorf("config key %q: %w", key, err)
		}
	}
	return nil
}

// RedactBag replaces every reference with a non-reversible placeholder for
// listing surfaces shown to the reasoning layer or the UI.
func RedactBag(bag map[string]any) map[string]any {
	redacted := make(map[string]any, len(bag))
	for key, value := range bag {
		if str, ok := value.(string); ok && IsReference(str) {
			redacted[key] = Placeholder
			continue
		}
		redacted[key] = value
	}
	return redacted
}

// encrypt seals plaintext under AES-256-GCM with a random 96-bit nonce,
// returning ciphertext, nonce, and the 128-bit tag as discrete values to
// match the secrets table columns.
func (s *Store) encrypt(plaintext []byte) (ciphertext, nonce, tag []byte, err error) {
	block, err := aes.NewCipher(s.key)
	if err != nil {
		return nil, nil, nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, nil, nil, err
	}

	nonce = make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, nil, nil, err
	}

	sealed := gcm.Seal(nil, nonce, plaintext, nil)
	split := len(sealed) - tagSize
	return sealed[:split], nonce, sealed[split:], nil
}

func (s *Store) decrypt(ciphertext, nonce, tag []byte) ([]byte, error) {
	block, err := aes.NewCipher(s.key)
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}

	sealed := make([]byte, 0, len(ciphertext)+len(tag))
	sealed = append(sealed, ciphertext...)
	sealed = append(sealed, tag...)
	return gcm.Open(nil, nonce, sealed, nil)
}
