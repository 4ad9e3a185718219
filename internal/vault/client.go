package vault

import (
	"context"
	"fmt"
	"sync"

	"github.com/hashicorp/vault/api"

	"signal-pipeline/config"
)

// Credentials are the exchange API keys read from Vault.
type Credentials struct {
	APIKey    string
	SecretKey string
}

// Client reads exchange credentials from a HashiCorp Vault KV v2 secret.
// When Vault is disabled the caller falls back to environment credentials.
type Client struct {
	client  *api.Client
	path    string
	enabled bool

	mu     sync.Mutex
	cached *Credentials
}

// NewClient creates a Vault client from the configuration. A disabled
// configuration yields a client whose reads fail, signalling the fallback.
func NewClient(cfg config.VaultConfig) (*Client, error) {
	if !cfg.Enabled {
		return &Client{path: cfg.Path}, nil
	}

	vaultConfig := api.DefaultConfig()
	vaultConfig.Address = cfg.Address

	client, err := api.NewClient(vaultConfig)
	if err != nil {
		return nil, fmt.Errorf("create vault client: %w", err)
	}
	client.SetToken(cfg.Token)

	return &Client{client: client, path: cfg.Path, enabled: true}, nil
}

// Enabled reports whether Vault is configured as the key source.
func (c *Client) Enabled() bool {
	return c.enabled
}

// Credentials reads the exchange API keys. The first successful read is
// cached for the lifetime of the process.
func (c *Client) Credentials(ctx context.Context) (Credentials, error) {
	if !c.enabled {
		return Credentials{}, fmt.Errorf("vault disabled")
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cached != nil {
		return *c.cached, nil
	}

	secret, err := c.client.Logical().ReadWithContext(ctx, c.path)
	if err != nil {
		return Credentials{}, fmt.Errorf("read %s: %w", c.path, err)
	}
	if secret == nil || secret.Data == nil {
		return Credentials{}, fmt.Errorf("no secret at %s", c.path)
	}

	// KV v2 wraps the payload in a nested "data" map.
	data, ok := secret.Data["data"].(map[string]interface{})
	if !ok {
		data = secret.Data
	}

	creds := Credentials{
		APIKey:    getString(data, "api_key"),
		SecretKey: getString(data, "secret_key"),
	}
	if creds.APIKey == "" || creds.SecretKey == "" {
		return Credentials{}, fmt.Errorf("secret at %s is missing api_key or secret_key", c.path)
	}

	c.cached = &creds
	return creds, nil
}

func getString(data map[string]interface{}, key string) string {
	if v, ok := data[key].(string); ok {
		return v
	}
	return ""
}
