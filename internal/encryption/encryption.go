package encryption

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/sydlexius/shopmon/internal/filesystem"
)

// ErrNoKey is returned when an Encryptor is needed but no key is available.
var ErrNoKey = errors.New("encryption key is not configured")

// ErrDecrypt wraps every failure to open a stored ciphertext. A shop secret
// that cannot be decrypted almost always means the key changed.
var ErrDecrypt = errors.New("decrypting secret")

// Encryptor seals shop client secrets with AES-256-GCM.
type Encryptor struct {
	gcm cipher.AEAD
}

// GenerateKey returns a new random base64-encoded 32-byte key.
func GenerateKey() (string, error) {
	keyBytes := make([]byte, 32)
	if _, err := io.ReadFull(rand.Reader, keyBytes); err != nil {
		return "", fmt.Errorf("generating encryption key: %w", err)
	}
	return base64.StdEncoding.EncodeToString(keyBytes), nil
}

// NewEncryptor creates an Encryptor from a 32-byte key, base64-encoded or raw.
func NewEncryptor(key string) (*Encryptor, error) {
	if key == "" {
		return nil, ErrNoKey
	}

	keyBytes, err := base64.StdEncoding.DecodeString(key)
	if err != nil || len(keyBytes) != 32 {
		if len(key) != 32 {
			if err != nil {
				return nil, fmt.Errorf("decoding encryption key: %w", err)
			}
			return nil, fmt.Errorf("encryption key must be 32 bytes, got %d", len(keyBytes))
		}
		keyBytes = []byte(key)
	}
	if len(keyBytes) != 32 {
		return nil, fmt.Errorf("encryption key must be 32 bytes, got %d", len(keyBytes))
	}

	block, err := aes.NewCipher(keyBytes)
	if err != nil {
		return nil, fmt.Errorf("creating AES cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("creating GCM: %w", err)
	}
	return &Encryptor{gcm: gcm}, nil
}

// Encrypt seals plaintext and returns base64 of nonce||ciphertext.
func (e *Encryptor) Encrypt(plaintext string) (string, error) {
	nonce := make([]byte, e.gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("generating nonce: %w", err)
	}
	sealed := e.gcm.Seal(nonce, nonce, []byte(plaintext), nil)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// Decrypt opens a value produced by Encrypt.
func (e *Encryptor) Decrypt(encoded string) (string, error) {
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return "", fmt.Errorf("%w: decoding ciphertext: %v", ErrDecrypt, err)
	}

	nonceSize := e.gcm.NonceSize()
	if len(raw) < nonceSize {
		return "", fmt.Errorf("%w: ciphertext too short", ErrDecrypt)
	}

	nonce, sealed := raw[:nonceSize], raw[nonceSize:]
	plaintext, err := e.gcm.Open(nil, nonce, sealed, nil)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrDecrypt, err)
	}
	return string(plaintext), nil
}

// ResolveKey picks the key to use: the configured value if set, otherwise
// the contents of keyFile, otherwise a freshly generated key which is
// written to keyFile.
func ResolveKey(configured, keyFile string, logger *slog.Logger) (string, error) {
	if configured != "" {
		return configured, nil
	}

	data, err := os.ReadFile(keyFile) //nolint:gosec // G304: path derived from trusted config
	if err == nil {
		if key := strings.TrimSpace(string(data)); key != "" {
			logger.Debug("loaded encryption key from file", slog.String("path", keyFile))
			return key, nil
		}
	}

	key, err := GenerateKey()
	if err != nil {
		return "", err
	}

	if err := filesystem.WriteFileAtomic(keyFile, []byte(key+"\n"), 0o600); err != nil {
		return "", fmt.Errorf("writing encryption key: %w", err)
	}
	logger.Warn("generated new encryption key -- back up this file", slog.String("path", keyFile))
	return key, nil
}
