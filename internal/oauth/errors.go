package oauth

import (
	"fmt"
	"time"
)

// OAuthError is the base error for credential operations. It carries the
// integration and tenant it happened for so callers can log and route
// failures without parsing messages.
type OAuthError struct {
	Message     string
	Integration string
	TenantID    string
	Cause       error
}

func (e *OAuthError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s (integration=%s, tenant=%s): %v", e.Message, e.Integration, e.TenantID, e.Cause)
	}
	return fmt.Sprintf("%s (integration=%s, tenant=%s)", e.Message, e.Integration, e.TenantID)
}

func (e *OAuthError) Unwrap() error {
	return e.Cause
}

// NewOAuthError creates a base OAuth error.
func NewOAuthError(msg, integration, tenantID string, cause error) *OAuthError {
	return &OAuthError{Message: msg, Integration: integration, TenantID: tenantID, Cause: cause}
}

// TokenRefreshError indicates a token refresh attempt failed. Retryable
// distinguishes transient provider failures from permanent rejections
// (e.g. a revoked refresh token yields a 400 and is not retryable).
type TokenRefreshError struct {
	OAuthError
	Retryable bool
}

// NewTokenRefreshError creates a refresh failure error.
func NewTokenRefreshError(msg, integration, tenantID string, retryable bool, cause error) *TokenRefreshError {
	return &TokenRefreshError{
		OAuthError: OAuthError{Message: msg, Integration: integration, TenantID: tenantID, Cause: cause},
		Retryable:  retryable,
	}
}

// TokenExpiredError indicates the access token is expired and could not be
// recovered within the current call.
type TokenExpiredError struct {
	OAuthError
	ExpiredAt time.Time
}

// NewTokenExpiredError creates an expired-token error.
func NewTokenExpiredError(msg, integration, tenantID string, expiredAt time.Time, cause error) *TokenExpiredError {
	return &TokenExpiredError{
		OAuthError: OAuthError{Message: msg, Integration: integration, TenantID: tenantID, Cause: cause},
		ExpiredAt:  expiredAt,
	}
}

// RefreshExhaustedError is the terminal failure raised by the scheduler when
// a refresh job has used up its retry budget. The job is removed; the tenant
// must re-authorize.
type RefreshExhaustedError struct {
	OAuthError
	Attempts int
}

// NewRefreshExhaustedError creates a terminal refresh failure.
func NewRefreshExhaustedError(integration, tenantID string, attempts int, cause error) *RefreshExhaustedError {
	return &RefreshExhaustedError{
		OAuthError: OAuthError{
			Message:     fmt.Sprintf("token refresh failed after %d attempts", attempts),
			Integration: integration,
			TenantID:    tenantID,
			Cause:       cause,
		},
		Attempts: attempts,
	}
}

// CredentialNotFoundError indicates no credential record exists for the
// (tenant, integration) pair.
type CredentialNotFoundError struct {
	OAuthError
	Path string
}

// NewCredentialNotFoundError creates a missing-credentials error.
func NewCredentialNotFoundError(integration, tenantID, path string) *CredentialNotFoundError {
	return &CredentialNotFoundError{
		OAuthError: OAuthError{
			Message:     fmt.Sprintf("OAuth credentials not found for integration %q", integration),
			Integration: integration,
			TenantID:    tenantID,
		},
		Path: path,
	}
}

// ConfigNotFoundError indicates no OAuth application configuration exists
// for the (tenant, integration) pair.
type ConfigNotFoundError struct {
	OAuthError
	Path string
}

// NewConfigNotFoundError creates a missing-config error.
func NewConfigNotFoundError(integration, tenantID, path string) *ConfigNotFoundError {
	return &ConfigNotFoundError{
		OAuthError: OAuthError{
			Message:     fmt.Sprintf("OAuth configuration not found for integration %q", integration),
			Integration: integration,
			TenantID:    tenantID,
		},
		Path: path,
	}
}

// SecretStoreError indicates a secret-store transport or storage failure.
// Operation and Path identify the failed call without exposing payloads.
type SecretStoreError struct {
	Message   string
	Operation string
	Path      string
	Cause     error
}

func (e *SecretStoreError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s (op=%s, path=%s): %v", e.Message, e.Operation, e.Path, e.Cause)
	}
	return fmt.Sprintf("%s (op=%s, path=%s)", e.Message, e.Operation, e.Path)
}

func (e *SecretStoreError) Unwrap() error {
	return e.Cause
}

// NewSecretStoreError creates a secret-store failure error.
func NewSecretStoreError(msg, operation, path string, cause error) *SecretStoreError {
	return &SecretStoreError{Message: msg, Operation: operation, Path: path, Cause: cause}
}

// EncryptionError indicates a transit encrypt or decrypt operation failed.
// Distinct from SecretStoreError so crypto failures are never mistaken for
// storage failures.
type EncryptionError struct {
	SecretStoreError
	KeyName string
}

// NewEncryptionError creates a transit crypto failure error. op must be
// "encrypt" or "decrypt"; keyName is the tenant-scoped transit key.
func NewEncryptionError(msg, op, keyName string, cause error) *EncryptionError {
	return &EncryptionError{
		SecretStoreError: SecretStoreError{
			Message:   msg,
			Operation: op,
			Path:      fmt.Sprintf("transit/%s/%s", op, keyName),
			Cause:     cause,
		},
		KeyName: keyName,
	}
}

// RateLimitError indicates the downstream provider returned 429. ResetTime
// is a unix timestamp in seconds.
type RateLimitError struct {
	OAuthError
	ResetTime int64
	Remaining int
}

// NewRateLimitError creates a provider rate-limit error.
func NewRateLimitError(msg, integration, tenantID string, resetTime int64, remaining int) *RateLimitError {
	return &RateLimitError{
		OAuthError: OAuthError{Message: msg, Integration: integration, TenantID: tenantID},
		ResetTime:  resetTime,
		Remaining:  remaining,
	}
}

// ResetDate returns the reset time as a time.Time.
func (e *RateLimitError) ResetDate() time.Time {
	return time.Unix(e.ResetTime, 0)
}

// WaitTime returns how long to wait until the limit resets, or zero if the
// reset time has already passed.
func (e *RateLimitError) WaitTime() time.Duration {
	wait := time.Until(e.ResetDate())
	if wait < 0 {
		return 0
	}
	return wait
}
