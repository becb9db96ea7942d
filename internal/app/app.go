// Package app assembles the gateway: configuration in, wired components
// and an HTTP surface out. The HTTP layer here is deliberately thin; the
// credential lifecycle lives in the proxy and its collaborators.
package app

import (
	"fmt"

	"connectors-gateway/internal/common/logging"
	"connectors-gateway/internal/config"
	"connectors-gateway/internal/crypto"
	"connectors-gateway/internal/oauthconfig"
	"connectors-gateway/internal/proxy"
	"connectors-gateway/internal/vault"
)

// App holds the wired gateway components.
type App struct {
	Config        *config.Config
	Vault         *vault.Client
	TenantConfigs *oauthconfig.TenantConfigStore
	Proxy         *proxy.OAuthProxy

	logger logging.Logger
}

// New wires the gateway from validated configuration.
func New(cfg *config.Config, logger logging.Logger) (*App, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	if logger == nil {
		logger = logging.GetGlobalLogger()
	}

	encryptor, err := crypto.NewConfigEncryptor(cfg.ConfigEncryptionKey)
	if err != nil {
		return nil, fmt.Errorf("config encryptor: %w", err)
	}

	vaultClient, err := vault.NewClient(vault.Config{
		Address:      cfg.VaultAddress,
		Token:        cfg.VaultToken,
		TransitMount: cfg.VaultTransitMount,
		KVMount:      cfg.VaultKVMount,
		Timeout:      cfg.VaultTimeout,
		MaxRetries:   cfg.VaultMaxRetries,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("secret store client: %w", err)
	}

	tenantConfigs := oauthconfig.NewTenantConfigStore(vaultClient, logger)

	oauthProxy, err := proxy.New(vaultClient, tenantConfigs, encryptor, proxy.Config{
		BaseURL: cfg.MCPBaseURL,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("oauth proxy: %w", err)
	}

	return &App{
		Config:        cfg,
		Vault:         vaultClient,
		TenantConfigs: tenantConfigs,
		Proxy:         oauthProxy,
		logger:        logger,
	}, nil
}

// Start arms background work (the proactive refresh scheduler).
func (a *App) Start() {
	a.Proxy.Start()
}

// Close tears the gateway down in reverse dependency order.
func (a *App) Close() {
	a.Proxy.Close()
}
