// Package oauth defines the shared data model and error taxonomy for the
// credential-lifecycle core: OAuth credentials and their encrypted at-rest
// form, tenant OAuth application configuration, refresh jobs, and the
// request/response shapes the proxy exposes to integration modules.
package oauth

import (
	"strings"
	"time"
)

// Credentials represents a tenant's OAuth grant for one integration.
// Tokens are plaintext in memory; at rest both tokens are Vault Transit
// ciphertext (see EncryptedCredentials).
type Credentials struct {
	// AccessToken is the access token used for API authentication
	AccessToken string `json:"access_token"`
	// RefreshToken is used to obtain new access tokens when they expire
	RefreshToken string `json:"refresh_token"`
	// ExpiresAt is the time when the access token expires
	ExpiresAt time.Time `json:"expires_at"`
	// Scopes are the OAuth scopes granted, in the order the provider returned them
	Scopes []string `json:"scopes"`
	// TokenType specifies how the token is presented (e.g. "Bearer")
	TokenType string `json:"token_type"`
	// Integration is the third-party service this grant belongs to
	Integration string `json:"integration"`
}

// IsExpired returns true if the access token's expiry is in the past.
func (c *Credentials) IsExpired() bool {
	return !c.ExpiresAt.After(time.Now())
}

// TokenResponse is the raw OAuth 2.0 token response from a provider,
// as defined in RFC 6749.
type TokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token,omitempty"`
	ExpiresIn    int    `json:"expires_in"`
	Scope        string `json:"scope,omitempty"`
	TokenType    string `json:"token_type"`
}

// CredentialsFromTokenResponse converts a provider token response into
// Credentials. Scopes are split on whitespace and the token type defaults
// to "Bearer" when the provider omits it.
func CredentialsFromTokenResponse(integration string, resp *TokenResponse) *Credentials {
	tokenType := resp.TokenType
	if tokenType == "" {
		tokenType = "Bearer"
	}

	return &Credentials{
		AccessToken:  resp.AccessToken,
		RefreshToken: resp.RefreshToken,
		ExpiresAt:    time.Now().Add(time.Duration(resp.ExpiresIn) * time.Second),
		Scopes:       strings.Fields(resp.Scope),
		TokenType:    tokenType,
		Integration:  integration,
	}
}

// EncryptedCredentials is the at-rest form of Credentials stored in the
// secret store. AccessToken and RefreshToken hold Transit ciphertext.
type EncryptedCredentials struct {
	AccessToken  string   `json:"accessToken"`
	RefreshToken string   `json:"refreshToken"`
	ExpiresAt    string   `json:"expiresAt"`
	Scopes       []string `json:"scopes"`
	TokenType    string   `json:"tokenType"`
}

// CredentialMetadata is audit metadata stored alongside credentials.
type CredentialMetadata struct {
	CreatedAt    time.Time `json:"createdAt"`
	UpdatedAt    time.Time `json:"updatedAt"`
	CreatedBy    string    `json:"createdBy"`
	Integration  string    `json:"integration"`
	AutoRefresh  bool      `json:"autoRefresh"`
	RefreshCount int       `json:"refreshCount"`
}

// ConfigStatus is the lifecycle status of a tenant OAuth configuration.
type ConfigStatus string

const (
	ConfigStatusActive   ConfigStatus = "active"
	ConfigStatusDisabled ConfigStatus = "disabled"
	ConfigStatusExpired  ConfigStatus = "expired"
)

// TenantOAuthConfig is the OAuth CLIENT application configuration for a
// (tenant, integration) pair. It describes "the app", not "the user's
// grant", and has a lifecycle independent from Credentials.
type TenantOAuthConfig struct {
	TenantID         string                   `json:"tenantId"`
	Integration      string                   `json:"integration"`
	ClientID         string                   `json:"clientId"`
	ClientSecret     string                   `json:"clientSecret"`
	RedirectURI      string                   `json:"redirectUri"`
	AuthEndpoint     string                   `json:"authEndpoint"`
	TokenEndpoint    string                   `json:"tokenEndpoint"`
	Scopes           []string                 `json:"scopes,omitempty"`
	AdditionalParams map[string]string        `json:"additionalParams,omitempty"`
	Metadata         *TenantOAuthConfigMetadata `json:"metadata,omitempty"`
}

// TenantOAuthConfigMetadata tracks config lifecycle for auditing.
type TenantOAuthConfigMetadata struct {
	CreatedAt  time.Time    `json:"createdAt"`
	UpdatedAt  time.Time    `json:"updatedAt"`
	CreatedBy  string       `json:"createdBy"`
	Status     ConfigStatus `json:"status"`
	LastUsedAt *time.Time   `json:"lastUsedAt,omitempty"`
}

// ClientConfig is the subset of OAuth application configuration the proxy
// needs to refresh tokens: client credentials and the token endpoint.
// Static (platform-wide) registrations use this shape.
type ClientConfig struct {
	ClientID      string `json:"client_id"`
	ClientSecret  string `json:"client_secret"`
	TokenEndpoint string `json:"token_endpoint"`
	AuthEndpoint  string `json:"auth_endpoint,omitempty"`
	RedirectURI   string `json:"redirect_uri,omitempty"`
}

// JobStatus is the state of a refresh job.
type JobStatus string

const (
	JobStatusPending   JobStatus = "pending"
	JobStatusRunning   JobStatus = "running"
	JobStatusCompleted JobStatus = "completed"
	JobStatusFailed    JobStatus = "failed"
)

// RefreshJob is a scheduled proactive token refresh. At most one job exists
// per (tenant, integration); scheduling again replaces the previous job.
type RefreshJob struct {
	// ID is "tenantId:integration"
	ID          string    `json:"id"`
	TenantID    string    `json:"tenantId"`
	Integration string    `json:"integration"`
	// RunAt is when the job becomes due
	RunAt time.Time `json:"runAt"`
	// RetryCount is how many times this job has failed and been rescheduled
	RetryCount int       `json:"retryCount"`
	Status     JobStatus `json:"status"`
}

// JobID builds the canonical refresh-job and mutex key for a
// (tenant, integration) pair.
func JobID(tenantID, integration string) string {
	return tenantID + ":" + integration
}

// ProxyRequest is an outbound call to a downstream integration made on
// behalf of a tenant. The proxy injects the Authorization header; callers
// must not set one themselves.
type ProxyRequest struct {
	TenantID    string            `json:"tenantId"`
	Integration string            `json:"integration"`
	Method      string            `json:"method"`
	Path        string            `json:"path"`
	Headers     map[string]string `json:"headers,omitempty"`
	Body        []byte            `json:"body,omitempty"`
}

// ProxyResponse is the downstream response returned to the caller.
type ProxyResponse struct {
	Status  int               `json:"status"`
	Headers map[string]string `json:"headers"`
	Data    []byte            `json:"data"`
}

// APIKeyRateLimit is the per-key rate limit configuration attached to a
// stored API key record.
type APIKeyRateLimit struct {
	RequestsPerSecond int `json:"requestsPerSecond"`
	RequestsPerMinute int `json:"requestsPerMinute"`
}

// APIKeyMetadata is optional bookkeeping for an API key record.
type APIKeyMetadata struct {
	Name       string     `json:"name,omitempty"`
	CreatedAt  *time.Time `json:"createdAt,omitempty"`
	LastUsedAt *time.Time `json:"lastUsedAt,omitempty"`
}

// APIKeyRecord is the stored record for a caller-facing API key, looked up
// by the SHA-256 hash of the presented key.
type APIKeyRecord struct {
	ID        string           `json:"id"`
	TenantID  string           `json:"tenantId"`
	Scopes    []string         `json:"scopes"`
	RateLimit APIKeyRateLimit  `json:"rateLimit"`
	Metadata  *APIKeyMetadata  `json:"metadata,omitempty"`
}
