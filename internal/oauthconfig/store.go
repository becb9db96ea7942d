package oauthconfig

import (
	"context"
	stderrors "errors"
	"fmt"
	"net/url"
	"time"

	"connectors-gateway/internal/common/errors"
	"connectors-gateway/internal/common/logging"
	"connectors-gateway/internal/oauth"
	"connectors-gateway/internal/vault"
)

// TenantConfigStore persists per-tenant OAuth application configuration in
// the secret store at <kv>/data/{tenant}/oauth-configs/{integration}. The
// client secret is encrypted under the tenant's transit key, so stored
// configs share the tenant-isolation guarantee of stored credentials.
type TenantConfigStore struct {
	vault  *vault.Client
	logger logging.Logger
}

// NewTenantConfigStore creates a config store backed by the given
// secret-store client.
func NewTenantConfigStore(client *vault.Client, logger logging.Logger) *TenantConfigStore {
	if logger == nil {
		logger = logging.GetGlobalLogger()
	}
	return &TenantConfigStore{vault: client, logger: logger}
}

// ConfigUpdate is a partial update for a stored config. Nil fields keep
// their current values.
type ConfigUpdate struct {
	ClientID         *string
	ClientSecret     *string
	RedirectURI      *string
	AuthEndpoint     *string
	TokenEndpoint    *string
	Scopes           []string
	AdditionalParams map[string]string
	Status           *oauth.ConfigStatus
}

func (s *TenantConfigStore) configPath(tenantID, integration string) string {
	return fmt.Sprintf("%s/oauth-configs/%s", tenantID, integration)
}

// validate checks required fields and URL shape. It runs before any
// secret-store I/O so malformed input never costs a network round trip.
func validate(cfg *oauth.TenantOAuthConfig) error {
	required := []struct {
		name, value string
	}{
		{"clientId", cfg.ClientID},
		{"clientSecret", cfg.ClientSecret},
		{"redirectUri", cfg.RedirectURI},
		{"authEndpoint", cfg.AuthEndpoint},
		{"tokenEndpoint", cfg.TokenEndpoint},
	}
	for _, f := range required {
		if f.value == "" {
			return errors.ValidationError(fmt.Sprintf("%s is required", f.name))
		}
	}

	urls := []struct {
		name, value string
	}{
		{"redirectUri", cfg.RedirectURI},
		{"authEndpoint", cfg.AuthEndpoint},
		{"tokenEndpoint", cfg.TokenEndpoint},
	}
	for _, f := range urls {
		parsed, err := url.Parse(f.value)
		if err != nil || parsed.Scheme == "" || parsed.Host == "" {
			return errors.ValidationError(fmt.Sprintf("%s is not a valid URL: %s", f.name, f.value))
		}
	}
	return nil
}

// Store validates, encrypts the client secret under the tenant's key, and
// writes the config with fresh metadata. Storing again for the same pair
// replaces the previous config.
func (s *TenantConfigStore) Store(ctx context.Context, tenantID, integration string, cfg *oauth.TenantOAuthConfig, createdBy string) error {
	if tenantID == "" || integration == "" {
		return errors.ValidationError("tenantId and integration are required")
	}
	if err := validate(cfg); err != nil {
		return err
	}

	encryptedSecret, err := s.vault.EncryptForTenant(ctx, tenantID, cfg.ClientSecret)
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	record := oauth.TenantOAuthConfig{
		TenantID:         tenantID,
		Integration:      integration,
		ClientID:         cfg.ClientID,
		ClientSecret:     encryptedSecret,
		RedirectURI:      cfg.RedirectURI,
		AuthEndpoint:     cfg.AuthEndpoint,
		TokenEndpoint:    cfg.TokenEndpoint,
		Scopes:           cfg.Scopes,
		AdditionalParams: cfg.AdditionalParams,
		Metadata: &oauth.TenantOAuthConfigMetadata{
			CreatedAt: now,
			UpdatedAt: now,
			CreatedBy: createdBy,
			Status:    oauth.ConfigStatusActive,
		},
	}
	if existing, err := s.Get(ctx, tenantID, integration); err == nil && existing.Metadata != nil {
		record.Metadata.CreatedAt = existing.Metadata.CreatedAt
		record.Metadata.CreatedBy = existing.Metadata.CreatedBy
	}

	path := fmt.Sprintf("%s/data/%s", s.vault.KVMount(), s.configPath(tenantID, integration))
	if err := s.vault.WriteKV(ctx, path, record); err != nil {
		return oauth.NewSecretStoreError("failed to store OAuth config", "store-config", path, err)
	}

	s.logger.Info("Stored tenant OAuth config",
		logging.Field{Key: "tenant_id", Value: tenantID},
		logging.Field{Key: "integration", Value: integration},
	)
	return nil
}

// Get reads and decrypts the config for a (tenant, integration) pair.
// Returns *oauth.ConfigNotFoundError when none is stored.
func (s *TenantConfigStore) Get(ctx context.Context, tenantID, integration string) (*oauth.TenantOAuthConfig, error) {
	path := fmt.Sprintf("%s/data/%s", s.vault.KVMount(), s.configPath(tenantID, integration))

	record, err := vault.ReadKV[oauth.TenantOAuthConfig](ctx, s.vault, path)
	if err != nil {
		if stderrors.Is(err, vault.ErrNotFound) {
			return nil, oauth.NewConfigNotFoundError(integration, tenantID, path)
		}
		return nil, oauth.NewSecretStoreError("failed to read OAuth config", "get-config", path, err)
	}
	if record.ClientID == "" {
		return nil, oauth.NewConfigNotFoundError(integration, tenantID, path)
	}

	secret, err := s.vault.DecryptForTenant(ctx, tenantID, record.ClientSecret)
	if err != nil {
		return nil, err
	}
	record.ClientSecret = secret
	return record, nil
}

// Update applies a partial update as get-merge-store: the current record is
// read, provided fields overlaid, and the merged config re-validated and
// re-stored with a bumped updatedAt.
func (s *TenantConfigStore) Update(ctx context.Context, tenantID, integration string, updates *ConfigUpdate, updatedBy string) error {
	current, err := s.Get(ctx, tenantID, integration)
	if err != nil {
		return err
	}

	if updates.ClientID != nil {
		current.ClientID = *updates.ClientID
	}
	if updates.ClientSecret != nil {
		current.ClientSecret = *updates.ClientSecret
	}
	if updates.RedirectURI != nil {
		current.RedirectURI = *updates.RedirectURI
	}
	if updates.AuthEndpoint != nil {
		current.AuthEndpoint = *updates.AuthEndpoint
	}
	if updates.TokenEndpoint != nil {
		current.TokenEndpoint = *updates.TokenEndpoint
	}
	if updates.Scopes != nil {
		current.Scopes = updates.Scopes
	}
	if updates.AdditionalParams != nil {
		current.AdditionalParams = updates.AdditionalParams
	}

	if err := s.Store(ctx, tenantID, integration, current, updatedBy); err != nil {
		return err
	}

	if updates.Status != nil {
		// Status lives in metadata, which Store resets to active. Rewrite
		// the record only when the caller asked for a status change.
		stored, err := s.Get(ctx, tenantID, integration)
		if err != nil {
			return err
		}
		stored.Metadata.Status = *updates.Status
		return s.writeWithMetadata(ctx, tenantID, integration, stored)
	}
	return nil
}

func (s *TenantConfigStore) writeWithMetadata(ctx context.Context, tenantID, integration string, cfg *oauth.TenantOAuthConfig) error {
	encryptedSecret, err := s.vault.EncryptForTenant(ctx, tenantID, cfg.ClientSecret)
	if err != nil {
		return err
	}
	record := *cfg
	record.ClientSecret = encryptedSecret
	record.Metadata.UpdatedAt = time.Now().UTC()

	path := fmt.Sprintf("%s/data/%s", s.vault.KVMount(), s.configPath(tenantID, integration))
	if err := s.vault.WriteKV(ctx, path, record); err != nil {
		return oauth.NewSecretStoreError("failed to store OAuth config", "store-config", path, err)
	}
	return nil
}

// Delete removes the stored config; deleting an absent config succeeds.
func (s *TenantConfigStore) Delete(ctx context.Context, tenantID, integration string) error {
	path := fmt.Sprintf("%s/data/%s", s.vault.KVMount(), s.configPath(tenantID, integration))
	if err := s.vault.DeleteKV(ctx, path); err != nil {
		return oauth.NewSecretStoreError("failed to delete OAuth config", "delete-config", path, err)
	}

	s.logger.Info("Deleted tenant OAuth config",
		logging.Field{Key: "tenant_id", Value: tenantID},
		logging.Field{Key: "integration", Value: integration},
	)
	return nil
}

// List returns the integrations a tenant has configs for. Best-effort:
// failures degrade to an empty list.
func (s *TenantConfigStore) List(ctx context.Context, tenantID string) []string {
	return s.vault.ListIntegrations(ctx, tenantID+"/oauth-configs")
}

// Has reports whether a config exists for the pair. Store failures other
// than not-found degrade to false.
func (s *TenantConfigStore) Has(ctx context.Context, tenantID, integration string) bool {
	_, err := s.Get(ctx, tenantID, integration)
	return err == nil
}

// Lookup adapts the store to the Provider interface: a missing config is a
// chain miss, not an error.
func (s *TenantConfigStore) Lookup(ctx context.Context, tenantID, integration string) (*oauth.TenantOAuthConfig, error) {
	cfg, err := s.Get(ctx, tenantID, integration)
	if err != nil {
		var notFound *oauth.ConfigNotFoundError
		if stderrors.As(err, &notFound) {
			return nil, nil
		}
		return nil, err
	}
	return cfg, nil
}
