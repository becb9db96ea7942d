// Package vault implements the secret-store client for credential
// persistence and per-tenant encryption. It speaks the KV v2 and Transit
// HTTP APIs of a Vault-compatible store.
//
// Credentials are stored at <kv>/data/{tenant}/{integration} with both
// tokens encrypted under the tenant's own Transit key, so records for one
// tenant can never be decrypted with another tenant's key. Transit keys are
// created lazily on first use and are not exportable.
package vault

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	commonhttp "connectors-gateway/internal/common/http"
	"connectors-gateway/internal/common/logging"
	"connectors-gateway/internal/oauth"
)

// ErrNotFound is returned by the low-level KV helpers when the store has no
// record at the requested path. Higher-level methods translate it into the
// typed not-found errors callers match on.
var ErrNotFound = stderrors.New("vault: not found")

// Config holds secret-store connection settings.
type Config struct {
	// Address is the store's base URL, e.g. "http://vault:8200"
	Address string
	// Token authenticates every request via the X-Vault-Token header
	Token string
	// TransitMount is the Transit engine mount path (default "transit")
	TransitMount string
	// KVMount is the KV v2 engine mount path (default "secret")
	KVMount string
	// Timeout bounds each HTTP request (default 5s)
	Timeout time.Duration
	// MaxRetries is the number of retries after a failed attempt (default 3)
	MaxRetries int
}

// Client is the secret-store client. It is safe for concurrent use.
type Client struct {
	httpClient   *http.Client
	baseURL      string
	transitMount string
	kvMount      string
	maxRetries   int
	logger       logging.Logger
}

// authTransport injects the auth token at request time. Keeping the token
// out of Config copies handed to logs or diagnostics is the point; it lives
// only here and on the wire.
type authTransport struct {
	token string
	next  http.RoundTripper
}

func (t *authTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	clone := req.Clone(req.Context())
	clone.Header.Set("X-Vault-Token", t.token)
	return t.next.RoundTrip(clone)
}

// NewClient creates a secret-store client from the given configuration.
func NewClient(cfg Config, logger logging.Logger) (*Client, error) {
	if cfg.Address == "" {
		return nil, fmt.Errorf("vault address is required")
	}
	if cfg.Token == "" {
		return nil, fmt.Errorf("vault token is required")
	}
	if cfg.TransitMount == "" {
		cfg.TransitMount = "transit"
	}
	if cfg.KVMount == "" {
		cfg.KVMount = "secret"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if logger == nil {
		logger = logging.GetGlobalLogger()
	}

	httpClient := commonhttp.NewHTTPClient(commonhttp.WithTimeout(cfg.Timeout))
	httpClient.Transport = &authTransport{token: cfg.Token, next: httpClient.Transport}

	return &Client{
		httpClient:   httpClient,
		baseURL:      strings.TrimSuffix(cfg.Address, "/"),
		transitMount: cfg.TransitMount,
		kvMount:      cfg.KVMount,
		maxRetries:   cfg.MaxRetries,
		logger:       logger,
	}, nil
}

// apiError is a non-2xx response from the store.
type apiError struct {
	Status int
	Body   string
}

func (e *apiError) Error() string {
	return fmt.Sprintf("vault returned status %d: %s", e.Status, e.Body)
}

// retryable reports whether an error is worth another attempt. Transport
// failures and 5xx responses are; 4xx responses reflect the request itself
// and will not improve on retry.
func retryable(err error) bool {
	var apiErr *apiError
	if stderrors.As(err, &apiErr) {
		return apiErr.Status >= 500 || apiErr.Status == http.StatusTooManyRequests
	}
	return !stderrors.Is(err, ErrNotFound)
}

// ExecuteWithRetry runs op with exponential backoff: 100ms, 200ms, 400ms
// between attempts, up to MaxRetries retries. Not-found and other 4xx
// failures return immediately.
func (c *Client) ExecuteWithRetry(ctx context.Context, op func() error) error {
	var err error
	for attempt := 0; ; attempt++ {
		err = op()
		if err == nil || attempt >= c.maxRetries || !retryable(err) {
			return err
		}

		delay := time.Duration(1<<uint(attempt)) * 100 * time.Millisecond
		c.logger.Warn("Secret store operation failed, retrying",
			logging.Field{Key: "attempt", Value: attempt + 1},
			logging.Field{Key: "delay", Value: delay.String()},
			logging.Err(err),
		)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
}

// do performs one request against the store's v1 API. A non-nil out is
// filled from the response body on 2xx. Missing records surface as
// ErrNotFound; other non-2xx statuses as *apiError.
func (c *Client) do(ctx context.Context, method, apiPath string, body any, out any) error {
	var reqBody io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request body: %w", err)
		}
		reqBody = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+"/v1/"+apiPath, reqBody)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode == http.StatusNotFound {
		return ErrNotFound
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &apiError{Status: resp.StatusCode, Body: strings.TrimSpace(string(respBody))}
	}

	if out != nil && len(respBody) > 0 {
		if err := json.Unmarshal(respBody, out); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
	}
	return nil
}

// kvEnvelope is the KV v2 read envelope: the secret payload sits at
// data.data, with version metadata alongside.
type kvEnvelope[T any] struct {
	Data struct {
		Data T `json:"data"`
	} `json:"data"`
}

// ReadKV reads and decodes a KV v2 record. path is relative to the v1 API
// root, e.g. "secret/data/tenant-1/github". Returns ErrNotFound when the
// record does not exist.
func ReadKV[T any](ctx context.Context, c *Client, path string) (*T, error) {
	var envelope kvEnvelope[T]
	err := c.ExecuteWithRetry(ctx, func() error {
		return c.do(ctx, http.MethodGet, path, nil, &envelope)
	})
	if err != nil {
		return nil, err
	}
	return &envelope.Data.Data, nil
}

// WriteKV writes a KV v2 record. data becomes the record's data.data payload.
func (c *Client) WriteKV(ctx context.Context, path string, data any) error {
	payload := map[string]any{"data": data}
	return c.ExecuteWithRetry(ctx, func() error {
		return c.do(ctx, http.MethodPost, path, payload, nil)
	})
}

// DeleteKV deletes the latest version of a KV v2 record. Deleting a record
// that does not exist is not an error.
func (c *Client) DeleteKV(ctx context.Context, path string) error {
	err := c.ExecuteWithRetry(ctx, func() error {
		return c.do(ctx, http.MethodDelete, path, nil, nil)
	})
	if stderrors.Is(err, ErrNotFound) {
		return nil
	}
	return err
}

// ListKeys lists child keys under a KV v2 metadata path. Returns ErrNotFound
// when the path has no children.
func (c *Client) ListKeys(ctx context.Context, path string) ([]string, error) {
	var envelope struct {
		Data struct {
			Keys []string `json:"keys"`
		} `json:"data"`
	}
	err := c.ExecuteWithRetry(ctx, func() error {
		return c.do(ctx, "LIST", path, nil, &envelope)
	})
	if err != nil {
		return nil, err
	}
	return envelope.Data.Keys, nil
}

// KVMount returns the KV v2 mount path the client reads and writes under.
func (c *Client) KVMount() string {
	return c.kvMount
}

// credentialPath builds the KV v2 data path for a credential record.
func (c *Client) credentialPath(tenantID, integration string) string {
	return fmt.Sprintf("%s/data/%s/%s", c.kvMount, tenantID, integration)
}

// StoreCredentials encrypts both tokens under the tenant's transit key and
// writes the record with fresh audit metadata. The tenant's key is created
// on first use.
func (c *Client) StoreCredentials(ctx context.Context, tenantID, integration string, creds *oauth.Credentials) error {
	if err := c.ensureEncryptionKey(ctx, tenantID); err != nil {
		return err
	}

	encryptedAccess, err := c.EncryptForTenant(ctx, tenantID, creds.AccessToken)
	if err != nil {
		return err
	}
	encryptedRefresh, err := c.EncryptForTenant(ctx, tenantID, creds.RefreshToken)
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	metadata := oauth.CredentialMetadata{
		CreatedAt:   now,
		UpdatedAt:   now,
		CreatedBy:   "oauth-proxy",
		Integration: integration,
		AutoRefresh: true,
	}

	path := c.credentialPath(tenantID, integration)

	// Re-storing is a refresh: keep the original provenance and count it.
	if existing, err := ReadKV[storedCredentialRecord](ctx, c, path); err == nil && existing.Data.AccessToken != "" {
		metadata.CreatedAt = existing.Metadata.CreatedAt
		metadata.CreatedBy = existing.Metadata.CreatedBy
		metadata.RefreshCount = existing.Metadata.RefreshCount + 1
	}

	record := map[string]any{
		"data": oauth.EncryptedCredentials{
			AccessToken:  encryptedAccess,
			RefreshToken: encryptedRefresh,
			ExpiresAt:    creds.ExpiresAt.UTC().Format(time.RFC3339),
			Scopes:       creds.Scopes,
			TokenType:    creds.TokenType,
		},
		"metadata": metadata,
	}

	if err := c.WriteKV(ctx, path, record); err != nil {
		return oauth.NewSecretStoreError("failed to store credentials", "store", path, err)
	}

	c.logger.Info("Stored credentials",
		logging.Field{Key: "tenant_id", Value: tenantID},
		logging.Field{Key: "integration", Value: integration},
		logging.Field{Key: "expires_at", Value: creds.ExpiresAt.UTC().Format(time.RFC3339)},
	)
	return nil
}

// storedCredentialRecord is the full KV payload for a credential record.
type storedCredentialRecord struct {
	Data     oauth.EncryptedCredentials `json:"data"`
	Metadata oauth.CredentialMetadata   `json:"metadata"`
}

// GetCredentials reads and decrypts the credential record for a
// (tenant, integration) pair. Returns *oauth.CredentialNotFoundError when
// no record exists.
func (c *Client) GetCredentials(ctx context.Context, tenantID, integration string) (*oauth.Credentials, error) {
	path := c.credentialPath(tenantID, integration)

	record, err := ReadKV[storedCredentialRecord](ctx, c, path)
	if err != nil {
		if stderrors.Is(err, ErrNotFound) {
			return nil, oauth.NewCredentialNotFoundError(integration, tenantID, path)
		}
		return nil, oauth.NewSecretStoreError("failed to read credentials", "get", path, err)
	}
	if record.Data.AccessToken == "" {
		return nil, oauth.NewCredentialNotFoundError(integration, tenantID, path)
	}

	accessToken, err := c.DecryptForTenant(ctx, tenantID, record.Data.AccessToken)
	if err != nil {
		return nil, err
	}
	refreshToken := ""
	if record.Data.RefreshToken != "" {
		refreshToken, err = c.DecryptForTenant(ctx, tenantID, record.Data.RefreshToken)
		if err != nil {
			return nil, err
		}
	}

	expiresAt, err := time.Parse(time.RFC3339, record.Data.ExpiresAt)
	if err != nil {
		return nil, oauth.NewSecretStoreError("credential record has invalid expiry", "get", path, err)
	}

	return &oauth.Credentials{
		AccessToken:  accessToken,
		RefreshToken: refreshToken,
		ExpiresAt:    expiresAt,
		Scopes:       record.Data.Scopes,
		TokenType:    record.Data.TokenType,
		Integration:  integration,
	}, nil
}

// DeleteCredentials removes the credential record for a (tenant,
// integration) pair. Deleting absent credentials succeeds.
func (c *Client) DeleteCredentials(ctx context.Context, tenantID, integration string) error {
	path := c.credentialPath(tenantID, integration)
	if err := c.DeleteKV(ctx, path); err != nil {
		return oauth.NewSecretStoreError("failed to delete credentials", "delete", path, err)
	}

	c.logger.Info("Deleted credentials",
		logging.Field{Key: "tenant_id", Value: tenantID},
		logging.Field{Key: "integration", Value: integration},
	)
	return nil
}

// HasCredentials reports whether a credential record exists. Store failures
// other than not-found are propagated so callers do not mistake an outage
// for an absent record.
func (c *Client) HasCredentials(ctx context.Context, tenantID, integration string) (bool, error) {
	_, err := c.GetCredentials(ctx, tenantID, integration)
	if err != nil {
		var notFound *oauth.CredentialNotFoundError
		if stderrors.As(err, &notFound) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// ListIntegrations lists the child keys under a tenant-scoped KV metadata
// path, e.g. "tenant-1" or "tenant-1/oauth-configs". Listing is best-effort
// introspection: any failure is logged and reported as an empty list.
func (c *Client) ListIntegrations(ctx context.Context, scope string) []string {
	path := fmt.Sprintf("%s/metadata/%s", c.kvMount, scope)
	keys, err := c.ListKeys(ctx, path)
	if err != nil {
		if !stderrors.Is(err, ErrNotFound) {
			c.logger.Warn("Failed to list integrations",
				logging.Field{Key: "scope", Value: scope},
				logging.Err(err),
			)
		}
		return []string{}
	}
	return keys
}

// HealthCheck reports whether the store is up and unsealed.
func (c *Client) HealthCheck(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/v1/sys/health", nil)
	if err != nil {
		return false
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)
	return resp.StatusCode == http.StatusOK
}

// GetAPIKey looks up an API key record by the SHA-256 hash of the presented
// key. Lookup is best-effort: a missing record or store failure returns nil
// so auth middleware can fail closed without surfacing store errors.
func (c *Client) GetAPIKey(ctx context.Context, apiKey string) *oauth.APIKeyRecord {
	hash := sha256.Sum256([]byte(apiKey))
	path := fmt.Sprintf("%s/data/api-keys/%s", c.kvMount, hex.EncodeToString(hash[:]))

	record, err := ReadKV[oauth.APIKeyRecord](ctx, c, path)
	if err != nil {
		if !stderrors.Is(err, ErrNotFound) {
			c.logger.Warn("API key lookup failed", logging.Err(err))
		}
		return nil
	}
	if record.ID == "" && record.TenantID == "" {
		return nil
	}
	return record
}

// ensureEncryptionKey makes sure the tenant's transit key exists. The probe
// runs without retry so a cold key does not cost a retry cycle; creation
// ignores races by re-reading after a failed create.
func (c *Client) ensureEncryptionKey(ctx context.Context, tenantID string) error {
	keyPath := fmt.Sprintf("%s/keys/%s", c.transitMount, tenantID)

	if err := c.do(ctx, http.MethodGet, keyPath, nil, nil); err == nil {
		return nil
	}

	createBody := map[string]any{
		"type":       "aes256-gcm96",
		"exportable": false,
	}
	createErr := c.ExecuteWithRetry(ctx, func() error {
		return c.do(ctx, http.MethodPost, keyPath, createBody, nil)
	})
	if createErr == nil {
		c.logger.Info("Created tenant encryption key", logging.Field{Key: "tenant_id", Value: tenantID})
		return nil
	}

	// A concurrent caller may have created the key between probe and create.
	if err := c.do(ctx, http.MethodGet, keyPath, nil, nil); err == nil {
		return nil
	}

	return oauth.NewSecretStoreError("failed to create tenant encryption key", "create-key", keyPath, createErr)
}

// EncryptForTenant encrypts plaintext under the tenant's transit key,
// creating the key on first use. Returns the transit ciphertext token.
func (c *Client) EncryptForTenant(ctx context.Context, tenantID, plaintext string) (string, error) {
	if err := c.ensureEncryptionKey(ctx, tenantID); err != nil {
		return "", err
	}

	var result struct {
		Data struct {
			Ciphertext string `json:"ciphertext"`
		} `json:"data"`
	}
	body := map[string]any{
		"plaintext": base64.StdEncoding.EncodeToString([]byte(plaintext)),
	}

	path := fmt.Sprintf("%s/encrypt/%s", c.transitMount, tenantID)
	err := c.ExecuteWithRetry(ctx, func() error {
		return c.do(ctx, http.MethodPost, path, body, &result)
	})
	if err != nil {
		return "", oauth.NewEncryptionError("failed to encrypt data", "encrypt", tenantID, err)
	}
	if result.Data.Ciphertext == "" {
		return "", oauth.NewEncryptionError("transit returned empty ciphertext", "encrypt", tenantID, nil)
	}
	return result.Data.Ciphertext, nil
}

// DecryptForTenant decrypts a transit ciphertext token under the tenant's
// key. Ciphertext produced for another tenant fails here; that failure is
// the tenant-isolation guarantee doing its job.
func (c *Client) DecryptForTenant(ctx context.Context, tenantID, ciphertext string) (string, error) {
	var result struct {
		Data struct {
			Plaintext string `json:"plaintext"`
		} `json:"data"`
	}
	body := map[string]any{"ciphertext": ciphertext}

	path := fmt.Sprintf("%s/decrypt/%s", c.transitMount, tenantID)
	err := c.ExecuteWithRetry(ctx, func() error {
		return c.do(ctx, http.MethodPost, path, body, &result)
	})
	if err != nil {
		return "", oauth.NewEncryptionError("failed to decrypt data", "decrypt", tenantID, err)
	}

	decoded, err := base64.StdEncoding.DecodeString(result.Data.Plaintext)
	if err != nil {
		return "", oauth.NewEncryptionError("transit returned invalid plaintext encoding", "decrypt", tenantID, err)
	}
	return string(decoded), nil
}
