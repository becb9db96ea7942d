package oauthconfig

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"connectors-gateway/internal/crypto"
	"connectors-gateway/internal/oauth"
)

func newStaticProvider(t *testing.T) *StaticProvider {
	t.Helper()
	encryptor, err := crypto.NewConfigEncryptor("test-key-at-least-16-chars")
	require.NoError(t, err)
	return NewStaticProvider(encryptor)
}

func TestStaticProviderRegisterAndLookup(t *testing.T) {
	provider := newStaticProvider(t)

	require.NoError(t, provider.Register("github", oauth.ClientConfig{
		ClientID:      "platform-client",
		ClientSecret:  "platform-secret",
		TokenEndpoint: "https://provider.example.com/token",
	}))
	assert.True(t, provider.Has("github"))

	cfg, err := provider.Lookup(context.Background(), "tenant-1", "github")
	require.NoError(t, err)
	require.NotNil(t, cfg)

	assert.Equal(t, "tenant-1", cfg.TenantID)
	assert.Equal(t, "platform-client", cfg.ClientID)
	assert.Equal(t, "platform-secret", cfg.ClientSecret, "secret must decrypt back to plaintext")

	miss, err := provider.Lookup(context.Background(), "tenant-1", "unregistered")
	require.NoError(t, err)
	assert.Nil(t, miss)
}

func TestStaticProviderRegisterValidation(t *testing.T) {
	provider := newStaticProvider(t)

	assert.Error(t, provider.Register("", oauth.ClientConfig{
		ClientID: "c", ClientSecret: "s", TokenEndpoint: "https://x.example.com/token",
	}))
	assert.Error(t, provider.Register("github", oauth.ClientConfig{ClientID: "c"}))
}

type stubProvider struct {
	cfg *oauth.TenantOAuthConfig
	err error
}

func (s *stubProvider) Lookup(context.Context, string, string) (*oauth.TenantOAuthConfig, error) {
	return s.cfg, s.err
}

func TestChainOrder(t *testing.T) {
	first := &stubProvider{cfg: &oauth.TenantOAuthConfig{ClientID: "from-first"}}
	second := &stubProvider{cfg: &oauth.TenantOAuthConfig{ClientID: "from-second"}}

	cfg, err := NewChain(first, second).Lookup(context.Background(), "t", "i")
	require.NoError(t, err)
	assert.Equal(t, "from-first", cfg.ClientID)

	// A miss falls through to the next provider.
	cfg, err = NewChain(&stubProvider{}, second).Lookup(context.Background(), "t", "i")
	require.NoError(t, err)
	assert.Equal(t, "from-second", cfg.ClientID)

	// All misses: nil, nil.
	cfg, err = NewChain(&stubProvider{}, &stubProvider{}).Lookup(context.Background(), "t", "i")
	require.NoError(t, err)
	assert.Nil(t, cfg)
}

func TestChainStopsOnError(t *testing.T) {
	boom := &stubProvider{err: assert.AnError}
	second := &stubProvider{cfg: &oauth.TenantOAuthConfig{ClientID: "never"}}

	cfg, err := NewChain(boom, second).Lookup(context.Background(), "t", "i")
	assert.ErrorIs(t, err, assert.AnError)
	assert.Nil(t, cfg)
}
