package oauth

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestErrorsUnwrapToCause(t *testing.T) {
	cause := fmt.Errorf("connection refused")

	err := NewTokenRefreshError("refresh failed", "github", "tenant-1", true, cause)
	assert.ErrorIs(t, err, cause)

	var refreshErr *TokenRefreshError
	require.ErrorAs(t, fmt.Errorf("wrapped: %w", err), &refreshErr)
	assert.True(t, refreshErr.Retryable)
	assert.Equal(t, "github", refreshErr.Integration)
	assert.Equal(t, "tenant-1", refreshErr.TenantID)
}

func TestNotFoundErrorsAreDistinct(t *testing.T) {
	credErr := NewCredentialNotFoundError("github", "tenant-1", "secret/data/tenant-1/github")
	confErr := NewConfigNotFoundError("github", "tenant-1", "secret/data/tenant-1/oauth-configs/github")

	var asCred *CredentialNotFoundError
	var asConf *ConfigNotFoundError
	assert.True(t, errors.As(credErr, &asCred))
	assert.False(t, errors.As(credErr, &asConf))
	assert.True(t, errors.As(confErr, &asConf))
}

func TestEncryptionErrorCarriesOperationAndPath(t *testing.T) {
	err := NewEncryptionError("failed to decrypt data", "decrypt", "tenant-1", nil)

	assert.Equal(t, "decrypt", err.Operation)
	assert.Equal(t, "transit/decrypt/tenant-1", err.Path)
	assert.Equal(t, "tenant-1", err.KeyName)
	assert.Contains(t, err.Error(), "decrypt")
}

func TestRefreshExhaustedError(t *testing.T) {
	cause := fmt.Errorf("provider down")
	err := NewRefreshExhaustedError("github", "tenant-1", 3, cause)

	assert.Equal(t, 3, err.Attempts)
	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "3 attempts")
}

func TestRateLimitErrorWaitTime(t *testing.T) {
	reset := time.Now().Add(30 * time.Second).Unix()
	err := NewRateLimitError("rate limited", "github", "tenant-1", reset, 0)

	assert.Equal(t, reset, err.ResetTime)
	wait := err.WaitTime()
	assert.Greater(t, wait, 25*time.Second)
	assert.LessOrEqual(t, wait, 30*time.Second)
}

func TestRateLimitErrorWaitTimePastReset(t *testing.T) {
	err := NewRateLimitError("rate limited", "github", "tenant-1", time.Now().Add(-time.Minute).Unix(), 0)
	assert.Equal(t, time.Duration(0), err.WaitTime())
}
