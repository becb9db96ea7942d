// Package crypto provides AES-256-GCM encryption for sensitive values the
// gateway must hold in process memory, such as client secrets registered in
// the static OAuth config registry. Tenant-scoped credential encryption is
// done remotely by the secret store's transit engine; this package only
// covers locally held secrets.
//
// Each encryption uses a fresh random nonce, so encrypting the same
// plaintext twice produces different ciphertexts.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"io"

	"golang.org/x/crypto/pbkdf2"

	"connectors-gateway/internal/common/errors"
)

// ConfigEncryptor encrypts and decrypts sensitive configuration values
// using AES-256-GCM. It is safe for concurrent use.
type ConfigEncryptor struct {
	key []byte // 32-byte AES-256 key derived via PBKDF2
}

// NewConfigEncryptor creates an encryptor from the given passphrase. The
// passphrase is stretched with PBKDF2-SHA256 into a 32-byte key, so inputs
// of any length are accepted; an empty passphrase is rejected.
func NewConfigEncryptor(key string) (*ConfigEncryptor, error) {
	if key == "" {
		return nil, errors.ValidationError("encryption key cannot be empty")
	}

	// Static salt keeps derivation deterministic across restarts
	salt := []byte("connectors-gateway-salt")
	derivedKey := pbkdf2.Key([]byte(key), salt, 10000, 32, sha256.New)

	return &ConfigEncryptor{key: derivedKey}, nil
}

// Encrypt encrypts plaintext and returns base64(nonce || ciphertext).
// Empty input is passed through unencrypted as the empty string.
func (e *ConfigEncryptor) Encrypt(plaintext string) (string, error) {
	if plaintext == "" {
		return "", nil
	}

	block, err := aes.NewCipher(e.key)
	if err != nil {
		return "", errors.InternalError("failed to create cipher", err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", errors.InternalError("failed to create GCM", err)
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", errors.InternalError("failed to create nonce", err)
	}

	ciphertext := gcm.Seal(nonce, nonce, []byte(plaintext), nil)

	return base64.StdEncoding.EncodeToString(ciphertext), nil
}

// Decrypt reverses Encrypt. GCM authentication means tampered or truncated
// ciphertexts fail rather than decrypting to garbage. Empty input is passed
// through as the empty string.
func (e *ConfigEncryptor) Decrypt(ciphertext string) (string, error) {
	if ciphertext == "" {
		return "", nil
	}

	data, err := base64.StdEncoding.DecodeString(ciphertext)
	if err != nil {
		return "", errors.InternalError("failed to decode ciphertext", err)
	}

	block, err := aes.NewCipher(e.key)
	if err != nil {
		return "", errors.InternalError("failed to create cipher", err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", errors.InternalError("failed to create GCM", err)
	}

	nonceSize := gcm.NonceSize()
	if len(data) < nonceSize {
		return "", errors.ValidationError("ciphertext too short")
	}

	nonce, ciphertextBytes := data[:nonceSize], data[nonceSize:]
	plaintext, err := gcm.Open(nil, nonce, ciphertextBytes, nil)
	if err != nil {
		return "", errors.InternalError("failed to decrypt", err)
	}

	return string(plaintext), nil
}
