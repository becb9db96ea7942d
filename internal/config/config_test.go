package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func setRequired(t *testing.T) {
	t.Setenv("VAULT_ADDR", "http://vault:8200")
	t.Setenv("VAULT_TOKEN", "test-token")
	t.Setenv("MCP_BASE_URL", "http://mcp:3000")
	t.Setenv("CONFIG_ENCRYPTION_KEY", "0123456789abcdef")
}

func TestLoadDefaults(t *testing.T) {
	setRequired(t)

	cfg := Load()

	assert.Equal(t, "8080", cfg.Port)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, "transit", cfg.VaultTransitMount)
	assert.Equal(t, "secret", cfg.VaultKVMount)
	assert.Equal(t, 5*time.Second, cfg.VaultTimeout)
	assert.Equal(t, 3, cfg.VaultMaxRetries)
	assert.NoError(t, cfg.Validate())
}

func TestLoadOverrides(t *testing.T) {
	setRequired(t)
	t.Setenv("PORT", "9090")
	t.Setenv("VAULT_TRANSIT_MOUNT", "custom-transit")
	t.Setenv("VAULT_TIMEOUT", "10s")
	t.Setenv("VAULT_MAX_RETRIES", "5")

	cfg := Load()

	assert.Equal(t, "9090", cfg.Port)
	assert.Equal(t, "custom-transit", cfg.VaultTransitMount)
	assert.Equal(t, 10*time.Second, cfg.VaultTimeout)
	assert.Equal(t, 5, cfg.VaultMaxRetries)
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		return &Config{
			Port:                "8080",
			VaultAddress:        "http://vault:8200",
			VaultToken:          "token",
			VaultTransitMount:   "transit",
			VaultKVMount:        "secret",
			VaultTimeout:        5 * time.Second,
			VaultMaxRetries:     3,
			MCPBaseURL:          "http://mcp:3000",
			ConfigEncryptionKey: "0123456789abcdef",
		}
	}

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"valid", func(c *Config) {}, ""},
		{"missing vault addr", func(c *Config) { c.VaultAddress = "" }, "VAULT_ADDR"},
		{"bad vault addr", func(c *Config) { c.VaultAddress = "not a url" }, "VAULT_ADDR"},
		{"missing token", func(c *Config) { c.VaultToken = "" }, "VAULT_TOKEN"},
		{"missing mcp url", func(c *Config) { c.MCPBaseURL = "" }, "MCP_BASE_URL"},
		{"missing encryption key", func(c *Config) { c.ConfigEncryptionKey = "" }, "CONFIG_ENCRYPTION_KEY"},
		{"short encryption key", func(c *Config) { c.ConfigEncryptionKey = "short" }, "at least 16"},
		{"negative retries", func(c *Config) { c.VaultMaxRetries = -1 }, "VAULT_MAX_RETRIES"},
		{"zero timeout", func(c *Config) { c.VaultTimeout = 0 }, "VAULT_TIMEOUT"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			assert.ErrorContains(t, err, tt.wantErr)
		})
	}
}
