// Package oauthconfig manages OAuth application configuration per tenant
// and integration: the client id, client secret, and endpoints needed to
// refresh tokens. Lookup goes through an ordered provider chain so
// platform-wide static registrations take priority over tenant-stored
// configs.
package oauthconfig

import (
	"context"

	"connectors-gateway/internal/oauth"
)

// Provider resolves the OAuth application configuration for a
// (tenant, integration) pair. A (nil, nil) return means the provider has no
// config for the pair; errors are reserved for real failures.
type Provider interface {
	Lookup(ctx context.Context, tenantID, integration string) (*oauth.TenantOAuthConfig, error)
}

// Chain tries providers in order and returns the first hit.
type Chain struct {
	providers []Provider
}

// NewChain builds a provider chain. Order matters: earlier providers win.
func NewChain(providers ...Provider) *Chain {
	return &Chain{providers: providers}
}

// Lookup returns the first config any provider resolves, (nil, nil) when
// none do. A provider failure stops the chain; a miss does not.
func (c *Chain) Lookup(ctx context.Context, tenantID, integration string) (*oauth.TenantOAuthConfig, error) {
	for _, p := range c.providers {
		cfg, err := p.Lookup(ctx, tenantID, integration)
		if err != nil {
			return nil, err
		}
		if cfg != nil {
			return cfg, nil
		}
	}
	return nil, nil
}
