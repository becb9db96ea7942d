package oauthconfig

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"connectors-gateway/internal/common/errors"
	"connectors-gateway/internal/oauth"
	"connectors-gateway/internal/testutil"
	"connectors-gateway/internal/vault"
)

func newTestStore(t *testing.T) (*TenantConfigStore, *testutil.FakeVault) {
	t.Helper()
	fv := testutil.NewFakeVault()
	t.Cleanup(fv.Close)

	client, err := vault.NewClient(vault.Config{
		Address: fv.Address(),
		Token:   testutil.FakeVaultToken,
		Timeout: 5 * time.Second,
	}, nil)
	require.NoError(t, err)

	return NewTenantConfigStore(client, nil), fv
}

func validConfig() *oauth.TenantOAuthConfig {
	return &oauth.TenantOAuthConfig{
		ClientID:      "client-1",
		ClientSecret:  "secret-1",
		RedirectURI:   "https://gateway.example.com/callback",
		AuthEndpoint:  "https://provider.example.com/authorize",
		TokenEndpoint: "https://provider.example.com/token",
		Scopes:        []string{"repo"},
	}
}

func TestStoreValidatesBeforeAnyIO(t *testing.T) {
	store, fv := newTestStore(t)
	ctx := context.Background()

	tests := []struct {
		name   string
		mutate func(*oauth.TenantOAuthConfig)
	}{
		{"missing clientId", func(c *oauth.TenantOAuthConfig) { c.ClientID = "" }},
		{"missing clientSecret", func(c *oauth.TenantOAuthConfig) { c.ClientSecret = "" }},
		{"missing redirectUri", func(c *oauth.TenantOAuthConfig) { c.RedirectURI = "" }},
		{"missing authEndpoint", func(c *oauth.TenantOAuthConfig) { c.AuthEndpoint = "" }},
		{"missing tokenEndpoint", func(c *oauth.TenantOAuthConfig) { c.TokenEndpoint = "" }},
		{"malformed redirectUri", func(c *oauth.TenantOAuthConfig) { c.RedirectURI = "not-a-url" }},
		{"malformed tokenEndpoint", func(c *oauth.TenantOAuthConfig) { c.TokenEndpoint = "::broken" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(cfg)

			err := store.Store(ctx, "tenant-1", "github", cfg, "test")
			require.Error(t, err)
			assert.True(t, errors.IsType(err, errors.ErrTypeValidation))
		})
	}

	// Malformed input must never have reached the secret store.
	assert.Equal(t, 0, fv.Requests("POST", "/v1/transit/encrypt/tenant-1"))
	assert.Equal(t, 0, fv.Requests("POST", "/v1/secret/data/tenant-1/oauth-configs/github"))
}

func TestStoreAndGetRoundTrip(t *testing.T) {
	store, fv := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.Store(ctx, "tenant-1", "github", validConfig(), "admin"))

	got, err := store.Get(ctx, "tenant-1", "github")
	require.NoError(t, err)

	assert.Equal(t, "tenant-1", got.TenantID)
	assert.Equal(t, "github", got.Integration)
	assert.Equal(t, "client-1", got.ClientID)
	assert.Equal(t, "secret-1", got.ClientSecret)
	assert.Equal(t, []string{"repo"}, got.Scopes)
	require.NotNil(t, got.Metadata)
	assert.Equal(t, oauth.ConfigStatusActive, got.Metadata.Status)
	assert.Equal(t, "admin", got.Metadata.CreatedBy)

	// The client secret is ciphertext at rest.
	raw, ok := fv.RawRecord("tenant-1/oauth-configs/github")
	require.True(t, ok)
	assert.NotContains(t, string(raw), "secret-1")
}

func TestGetNotFound(t *testing.T) {
	store, _ := newTestStore(t)

	_, err := store.Get(context.Background(), "tenant-1", "never-stored")

	var notFound *oauth.ConfigNotFoundError
	require.ErrorAs(t, err, &notFound)
	assert.Equal(t, "never-stored", notFound.Integration)
}

func TestUpdateMergesOntoCurrent(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.Store(ctx, "tenant-1", "github", validConfig(), "admin"))

	newRedirect := "https://gateway.example.com/v2/callback"
	require.NoError(t, store.Update(ctx, "tenant-1", "github", &ConfigUpdate{
		RedirectURI: &newRedirect,
	}, "admin"))

	got, err := store.Get(ctx, "tenant-1", "github")
	require.NoError(t, err)

	assert.Equal(t, newRedirect, got.RedirectURI)
	// Untouched fields survive the merge.
	assert.Equal(t, "client-1", got.ClientID)
	assert.Equal(t, "secret-1", got.ClientSecret)
	assert.Equal(t, "https://provider.example.com/token", got.TokenEndpoint)
}

func TestUpdateMissingConfigFails(t *testing.T) {
	store, _ := newTestStore(t)

	redirect := "https://gateway.example.com/callback"
	err := store.Update(context.Background(), "tenant-1", "absent", &ConfigUpdate{RedirectURI: &redirect}, "admin")

	var notFound *oauth.ConfigNotFoundError
	assert.ErrorAs(t, err, &notFound)
}

func TestTenantIsolation(t *testing.T) {
	store, fv := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.Store(ctx, "alice", "github", validConfig(), "admin"))
	require.NoError(t, store.Store(ctx, "bob", "github", validConfig(), "admin"))

	aliceRaw, ok := fv.RawRecord("alice/oauth-configs/github")
	require.True(t, ok)
	bobRaw, ok := fv.RawRecord("bob/oauth-configs/github")
	require.True(t, ok)

	// Same plaintext secret, different tenants, different ciphertext.
	assert.NotEqual(t, string(aliceRaw), string(bobRaw))

	aliceCfg, err := store.Get(ctx, "alice", "github")
	require.NoError(t, err)
	bobCfg, err := store.Get(ctx, "bob", "github")
	require.NoError(t, err)
	assert.Equal(t, aliceCfg.ClientSecret, bobCfg.ClientSecret)
}

func TestDeleteHasAndList(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.Store(ctx, "tenant-1", "github", validConfig(), "admin"))
	require.NoError(t, store.Store(ctx, "tenant-1", "slack", validConfig(), "admin"))

	assert.True(t, store.Has(ctx, "tenant-1", "github"))
	assert.False(t, store.Has(ctx, "tenant-1", "jira"))
	assert.ElementsMatch(t, []string{"github", "slack"}, store.List(ctx, "tenant-1"))

	require.NoError(t, store.Delete(ctx, "tenant-1", "github"))
	assert.False(t, store.Has(ctx, "tenant-1", "github"))

	// List degrades to empty for tenants with nothing stored.
	assert.Empty(t, store.List(ctx, "tenant-none"))
}
