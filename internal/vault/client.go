// Package vault fetches the exchange credential from a HashiCorp Vault
// KV v2 mount. When Vault is disabled the config/env credential is used
// instead; the wiring in main decides which source wins.
package vault

import (
	"context"
	"fmt"

	"github.com/hashicorp/vault/api"

	"signal-trading-bot/config"
)

// Credentials is the exchange API credential pair.
type Credentials struct {
	APIKey    string `json:"api_key"`
	SecretKey string `json:"secret_key"`
}

// Client wraps the HashiCorp Vault client for credential reads.
type Client struct {
	client *api.Client
	cfg    config.VaultConfig
}

func NewClient(cfg config.VaultConfig) (*Client, error) {
	if !cfg.Enabled {
		return &Client{cfg: cfg}, nil
	}

	vaultConfig := api.DefaultConfig()
	vaultConfig.Address = cfg.Address

	client, err := api.NewClient(vaultConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create vault client: %w", err)
	}
	client.SetToken(cfg.Token)

	return &Client{client: client, cfg: cfg}, nil
}

// Enabled reports whether Vault is the credential source.
func (c *Client) Enabled() bool {
	return c.cfg.Enabled
}

// Credentials reads the exchange credential from the configured secret
// path. The secret must carry api_key and secret_key fields.
func (c *Client) Credentials(ctx context.Context) (Credentials, error) {
	if !c.cfg.Enabled {
		return Credentials{}, fmt.Errorf("vault is disabled")
	}

	path := fmt.Sprintf("%s/data/%s", c.cfg.MountPath, c.cfg.SecretPath)

	secret, err := c.client.Logical().ReadWithContext(ctx, path)
	if err != nil {
		return Credentials{}, fmt.Errorf("failed to read credential from vault: %w", err)
	}
	if secret == nil || secret.Data == nil {
		return Credentials{}, fmt.Errorf("no credential at %s", path)
	}

	data, ok := secret.Data["data"].(map[string]interface{})
	if !ok {
		return Credentials{}, fmt.Errorf("unexpected secret format at %s", path)
	}

	creds := Credentials{
		APIKey:    getString(data, "api_key"),
		SecretKey: getString(data, "secret_key"),
	}
	if creds.APIKey == "" || creds.SecretKey == "" {
		return Credentials{}, fmt.Errorf("credential at %s is incomplete", path)
	}
	return creds, nil
}

// Health checks the Vault connection and seal state.
func (c *Client) Health(ctx context.Context) error {
	if !c.cfg.Enabled {
		return nil
	}

	health, err := c.client.Sys().HealthWithContext(ctx)
	if err != nil {
		return fmt.Errorf("vault health check failed: %w", err)
	}
	if health.Sealed {
		return fmt.Errorf("vault is sealed")
	}
	return nil
}

func getString(data map[string]interface{}, key string) string {
	if val, ok := data[key]; ok {
		if str, ok := val.(string); ok {
			return str
		}
	}
	return ""
}
