// Package config provides configuration management for the connectors
// gateway. It loads settings from environment variables with sensible
// defaults and validates them so the process fails fast on a broken
// deployment instead of at the first credential operation.
//
// Environment Variables:
//
// Application Settings:
//   - PORT: Server port (default: 8080)
//   - LOG_LEVEL: Logging level (default: info)
//
// Secret Store (Vault-compatible):
//   - VAULT_ADDR: Secret store address (required, e.g. http://vault:8200)
//   - VAULT_TOKEN: Secret store auth token (required)
//   - VAULT_TRANSIT_MOUNT: Transit engine mount path (default: transit)
//   - VAULT_KV_MOUNT: KV v2 engine mount path (default: secret)
//   - VAULT_TIMEOUT: Request timeout (default: 5s)
//   - VAULT_MAX_RETRIES: Max retries per operation (default: 3)
//
// Downstream:
//   - MCP_BASE_URL: Base URL of the integration backend the proxy
//     forwards to (required)
//
// Security:
//   - CONFIG_ENCRYPTION_KEY: Key for encrypting client secrets held by the
//     static OAuth config registry (required)
package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"time"
)

// Config holds all configuration values for the gateway. Fields map 1:1 to
// the environment variables documented on the package.
type Config struct {
	// Application settings
	Port     string
	LogLevel string

	// Secret store settings
	VaultAddress      string
	VaultToken        string
	VaultTransitMount string
	VaultKVMount      string
	VaultTimeout      time.Duration
	VaultMaxRetries   int

	// Downstream settings
	MCPBaseURL string

	// Security settings
	ConfigEncryptionKey string
}

// Load reads configuration from environment variables, applying defaults
// for everything optional. Call Validate before using the result.
func Load() *Config {
	return &Config{
		Port:     getEnv("PORT", "8080"),
		LogLevel: getEnv("LOG_LEVEL", "info"),

		VaultAddress:      getEnv("VAULT_ADDR", ""),
		VaultToken:        getEnv("VAULT_TOKEN", ""),
		VaultTransitMount: getEnv("VAULT_TRANSIT_MOUNT", "transit"),
		VaultKVMount:      getEnv("VAULT_KV_MOUNT", "secret"),
		VaultTimeout:      getEnvDuration("VAULT_TIMEOUT", 5*time.Second),
		VaultMaxRetries:   getEnvInt("VAULT_MAX_RETRIES", 3),

		MCPBaseURL: getEnv("MCP_BASE_URL", ""),

		ConfigEncryptionKey: getEnv("CONFIG_ENCRYPTION_KEY", ""),
	}
}

// Validate checks that required settings are present and well-formed.
func (c *Config) Validate() error {
	if c.VaultAddress == "" {
		return fmt.Errorf("VAULT_ADDR is required")
	}
	if _, err := url.ParseRequestURI(c.VaultAddress); err != nil {
		return fmt.Errorf("VAULT_ADDR is not a valid URL: %w", err)
	}
	if c.VaultToken == "" {
		return fmt.Errorf("VAULT_TOKEN is required")
	}
	if c.MCPBaseURL == "" {
		return fmt.Errorf("MCP_BASE_URL is required")
	}
	if _, err := url.ParseRequestURI(c.MCPBaseURL); err != nil {
		return fmt.Errorf("MCP_BASE_URL is not a valid URL: %w", err)
	}
	if c.ConfigEncryptionKey == "" {
		return fmt.Errorf("CONFIG_ENCRYPTION_KEY is required")
	}
	if len(c.ConfigEncryptionKey) < 16 {
		return fmt.Errorf("CONFIG_ENCRYPTION_KEY must be at least 16 characters")
	}
	if c.VaultMaxRetries < 0 {
		return fmt.Errorf("VAULT_MAX_RETRIES must not be negative")
	}
	if c.VaultTimeout <= 0 {
		return fmt.Errorf("VAULT_TIMEOUT must be positive")
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if parsed, err := time.ParseDuration(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}
