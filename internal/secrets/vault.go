package secrets

import (
	"context"
	"fmt"
	"sync"

	"github.com/hashicorp/vault/api"

	"market-intel-backend/config"
)

// ChannelCredentials holds the alert channel secrets kept in Vault so
// tokens never live in config files. Empty fields leave the configured
// value untouched.
type ChannelCredentials struct {
	TelegramBotToken string `json:"telegram_bot_token"`
	TelegramChatID   string `json:"telegram_chat_id"`
	SlackWebhookURL  string `json:"slack_webhook_url"`
	SMTPPassword     string `json:"smtp_password"`
	WebhookURL       string `json:"webhook_url"`
}

// Client wraps the HashiCorp Vault KV v2 client. With Vault disabled it
// degrades to an in-memory store so development setups run without a
// Vault server.
type Client struct {
	client *api.Client
	cfg    config.VaultConfig

	mu    sync.RWMutex
	cache *ChannelCredentials
}

// NewClient creates a Vault client from config.
func NewClient(cfg config.VaultConfig) (*Client, error) {
	if !cfg.Enabled {
		return &Client{cfg: cfg}, nil
	}

	vaultConfig := api.DefaultConfig()
	vaultConfig.Address = cfg.Address

	if cfg.TLSEnabled && cfg.CACert != "" {
		tlsConfig := &api.TLSConfig{CACert: cfg.CACert}
		if err := vaultConfig.ConfigureTLS(tlsConfig); err != nil {
			return nil, fmt.Errorf("failed to configure TLS: %w", err)
		}
	}

	client, err := api.NewClient(vaultConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create vault client: %w", err)
	}
	client.SetToken(cfg.Token)

	return &Client{client: client, cfg: cfg}, nil
}

// IsEnabled returns whether Vault is enabled.
func (c *Client) IsEnabled() bool {
	return c.cfg.Enabled
}

// Seed installs credentials into the in-memory store. Used in disabled
// mode and tests.
func (c *Client) Seed(creds ChannelCredentials) {
	c.mu.Lock()
	c.cache = &creds
	c.mu.Unlock()
}

// ChannelCredentials reads the alert channel secrets. Cached after the
// first successful read.
func (c *Client) ChannelCredentials(ctx context.Context) (*ChannelCredentials, error) {
	c.mu.RLock()
	if c.cache != nil {
		cached := *c.cache
		c.mu.RUnlock()
		return &cached, nil
	}
	c.mu.RUnlock()

	if !c.cfg.Enabled {
		return nil, fmt.Errorf("channel credentials not seeded and vault is disabled")
	}

	path := fmt.Sprintf("%s/data/%s", c.cfg.MountPath, c.cfg.SecretPath)
	secret, err := c.client.Logical().ReadWithContext(ctx, path)
	if err != nil {
		return nil, fmt.Errorf("failed to read channel credentials from vault: %w", err)
	}
	if secret == nil || secret.Data == nil {
		return nil, fmt.Errorf("channel credentials not found at %s", path)
	}

	data, ok := secret.Data["data"].(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("invalid secret format at %s", path)
	}

	creds := &ChannelCredentials{
		TelegramBotToken: getString(data, "telegram_bot_token"),
		TelegramChatID:   getString(data, "telegram_chat_id"),
		SlackWebhookURL:  getString(data, "slack_webhook_url"),
		SMTPPassword:     getString(data, "smtp_password"),
		WebhookURL:       getString(data, "webhook_url"),
	}

	c.mu.Lock()
	c.cache = creds
	c.mu.Unlock()

	cached := *creds
	return &cached, nil
}

// Apply overlays non-empty credentials onto the alert config.
func (creds *ChannelCredentials) Apply(cfg *config.AlertConfig) {
	if creds.TelegramBotToken != "" {
		cfg.Telegram.BotToken = creds.TelegramBotToken
	}
	if creds.TelegramChatID != "" {
		cfg.Telegram.ChatID = creds.TelegramChatID
	}
	if creds.SlackWebhookURL != "" {
		cfg.Slack.WebhookURL = creds.SlackWebhookURL
	}
	if creds.SMTPPassword != "" {
		cfg.Email.Password = creds.SMTPPassword
	}
	if creds.WebhookURL != "" {
		cfg.Webhook.URL = creds.WebhookURL
	}
}

// ClearCache drops the cached credentials; the next read hits Vault.
func (c *Client) ClearCache() {
	c.mu.Lock()
	c.cache = nil
	c.mu.Unlock()
}

// Health checks the Vault connection.
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
