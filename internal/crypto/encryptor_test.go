package crypto

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewConfigEncryptorRejectsEmptyKey(t *testing.T) {
	_, err := NewConfigEncryptor("")
	assert.Error(t, err)
}

func TestEncryptDecryptRoundTrip(t *testing.T) {
	encryptor, err := NewConfigEncryptor("test-key-at-least-16-chars")
	require.NoError(t, err)

	tests := []string{
		"client-secret-value",
		"short",
		`{"json": "payload"}`,
		"unicode: héllo wörld",
	}

	for _, plaintext := range tests {
		ciphertext, err := encryptor.Encrypt(plaintext)
		require.NoError(t, err)
		assert.NotEqual(t, plaintext, ciphertext)

		decrypted, err := encryptor.Decrypt(ciphertext)
		require.NoError(t, err)
		assert.Equal(t, plaintext, decrypted)
	}
}

func TestEncryptProducesFreshCiphertexts(t *testing.T) {
	encryptor, err := NewConfigEncryptor("test-key-at-least-16-chars")
	require.NoError(t, err)

	first, err := encryptor.Encrypt("same-input")
	require.NoError(t, err)
	second, err := encryptor.Encrypt("same-input")
	require.NoError(t, err)

	assert.NotEqual(t, first, second, "nonce reuse: identical ciphertexts for the same plaintext")
}

func TestEmptyStringPassesThrough(t *testing.T) {
	encryptor, err := NewConfigEncryptor("test-key-at-least-16-chars")
	require.NoError(t, err)

	ciphertext, err := encryptor.Encrypt("")
	require.NoError(t, err)
	assert.Equal(t, "", ciphertext)

	plaintext, err := encryptor.Decrypt("")
	require.NoError(t, err)
	assert.Equal(t, "", plaintext)
}

func TestDecryptRejectsTamperedCiphertext(t *testing.T) {
	encryptor, err := NewConfigEncryptor("test-key-at-least-16-chars")
	require.NoError(t, err)

	ciphertext, err := encryptor.Encrypt("secret")
	require.NoError(t, err)

	_, err = encryptor.Decrypt(ciphertext[:len(ciphertext)-4] + "AAAA")
	assert.Error(t, err)

	_, err = encryptor.Decrypt("not-base64!!!")
	assert.Error(t, err)

	_, err = encryptor.Decrypt("c2hvcnQ=") // valid base64, shorter than a nonce
	assert.Error(t, err)
}

func TestDifferentKeysCannotDecrypt(t *testing.T) {
	first, err := NewConfigEncryptor("first-key-at-least-16-chars")
	require.NoError(t, err)
	second, err := NewConfigEncryptor("second-key-at-least-16-char")
	require.NoError(t, err)

	ciphertext, err := first.Encrypt("secret")
	require.NoError(t, err)

	_, err = second.Decrypt(ciphertext)
	assert.Error(t, err)
}
