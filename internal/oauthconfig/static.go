package oauthconfig

import (
	"context"
	"sync"

	"connectors-gateway/internal/common/errors"
	"connectors-gateway/internal/crypto"
	"connectors-gateway/internal/oauth"
)

// StaticProvider is the in-memory registry of platform-wide OAuth client
// registrations, keyed by integration. Entries apply to every tenant and
// take priority over tenant-stored configs. Client secrets are held
// encrypted so a heap dump or accidental struct log does not expose them.
type StaticProvider struct {
	mu        sync.RWMutex
	configs   map[string]oauth.ClientConfig
	encryptor *crypto.ConfigEncryptor
}

// NewStaticProvider creates an empty static registry.
func NewStaticProvider(encryptor *crypto.ConfigEncryptor) *StaticProvider {
	return &StaticProvider{
		configs:   make(map[string]oauth.ClientConfig),
		encryptor: encryptor,
	}
}

// Register adds or replaces the platform-wide registration for an
// integration. The client secret is encrypted before it is retained.
func (p *StaticProvider) Register(integration string, cfg oauth.ClientConfig) error {
	if integration == "" {
		return errors.ValidationError("integration is required")
	}
	if cfg.ClientID == "" || cfg.ClientSecret == "" || cfg.TokenEndpoint == "" {
		return errors.ValidationError("client_id, client_secret and token_endpoint are required")
	}

	encryptedSecret, err := p.encryptor.Encrypt(cfg.ClientSecret)
	if err != nil {
		return err
	}
	cfg.ClientSecret = encryptedSecret

	p.mu.Lock()
	defer p.mu.Unlock()
	p.configs[integration] = cfg
	return nil
}

// Has reports whether an integration has a static registration.
func (p *StaticProvider) Has(integration string) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	_, ok := p.configs[integration]
	return ok
}

// Lookup resolves a static registration, decrypting the client secret. The
// returned config is scoped to the requesting tenant so downstream code
// always sees a fully populated TenantOAuthConfig.
func (p *StaticProvider) Lookup(_ context.Context, tenantID, integration string) (*oauth.TenantOAuthConfig, error) {
	p.mu.RLock()
	cfg, ok := p.configs[integration]
	p.mu.RUnlock()
	if !ok {
		return nil, nil
	}

	secret, err := p.encryptor.Decrypt(cfg.ClientSecret)
	if err != nil {
		return nil, err
	}

	return &oauth.TenantOAuthConfig{
		TenantID:      tenantID,
		Integration:   integration,
		ClientID:      cfg.ClientID,
		ClientSecret:  secret,
		RedirectURI:   cfg.RedirectURI,
		AuthEndpoint:  cfg.AuthEndpoint,
		TokenEndpoint: cfg.TokenEndpoint,
	}, nil
}
