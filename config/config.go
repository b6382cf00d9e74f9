package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config is the single structured configuration for the pipeline.
// Values load from config.json (optional), then .env, then environment
// variables; environment takes precedence.
type Config struct {
	DatabaseConfig DatabaseConfig `json:"database"`
	RedisConfig    RedisConfig    `json:"redis"`
	VaultConfig    VaultConfig    `json:"vault"`
	ProviderConfig ProviderConfig `json:"provider"`
	CacheConfig    CacheConfig    `json:"cache"`
	DetectorConfig DetectorConfig `json:"detector"`
	OutcomeConfig  OutcomeConfig  `json:"outcome_tracker"`
	PatternConfig  PatternConfig  `json:"pattern_analyser"`
	AlertConfig    AlertConfig    `json:"alert"`
	MonitorConfig  MonitorConfig  `json:"query_monitor"`
	PoolConfig     PoolConfig     `json:"pool"`
	LoggingConfig  LoggingConfig  `json:"logging"`
}

// DatabaseConfig holds PostgreSQL connection settings.
type DatabaseConfig struct {
	Host     string `json:"host"`
	Port     int    `json:"port"`
	User     string `json:"user"`
	Password string `json:"password"`
	Database string `json:"database"`
	SSLMode  string `json:"sslmode"`
}

// RedisConfig holds the last-price store settings.
type RedisConfig struct {
	Enabled  bool   `json:"enabled"`
	Address  string `json:"address"`
	Password string `json:"password"`
	DB       int    `json:"db"`
	PoolSize int    `json:"pool_size"`
}

// VaultConfig holds HashiCorp Vault settings for alert channel secrets.
type VaultConfig struct {
	Enabled    bool   `json:"enabled"`
	Address    string `json:"address"`
	Token      string `json:"token"`
	MountPath  string `json:"mount_path"`
	SecretPath string `json:"secret_path"`
	TLSEnabled bool   `json:"tls_enabled"`
	CACert     string `json:"ca_cert"`
}

// ProviderConfig holds price provider settings.
type ProviderConfig struct {
	BaseURL       string        `json:"base_url"`
	StreamURL     string        `json:"stream_url"` // optional websocket feed
	StreamEnabled bool          `json:"stream_enabled"`
	RetryBase     time.Duration `json:"retry_base"`
	RetryCap      time.Duration `json:"retry_cap"`
	MaxRetries    int           `json:"max_retries"`
}

// CacheConfig holds price-series cache settings.
type CacheConfig struct {
	MaxBarsPerSeries int `json:"max_bars_per_series"`
	TTLSeconds       int `json:"ttl_seconds"`
}

// DetectorConfig holds signal detection settings.
type DetectorConfig struct {
	Symbols           []string       `json:"symbols"`
	Timeframes        []string       `json:"timeframes"`
	MinBreakoutPct    float64        `json:"min_breakout_pct"` // minimum MA-breakout strength, percent
	DedupWindowMin    int            `json:"dedup_window_minutes"`
	DedupOverridesMin map[string]int `json:"dedup_window_overrides"` // per signal type, minutes
}

// OutcomeConfig holds outcome tracker settings.
type OutcomeConfig struct {
	TickSeconds int `json:"tick_seconds"`
}

// PatternConfig holds pattern analyser settings.
type PatternConfig struct {
	WindowDays        int `json:"window_days"`
	SequentialGapDays int `json:"sequential_gap_days"`
	ConcurrentGapMin  int `json:"concurrent_gap_minutes"`
}

// AlertConfig holds dispatcher, routing and channel settings.
type AlertConfig struct {
	Enabled          bool           `json:"enabled"`
	RateLimitPerHour int            `json:"rate_limit_per_hour"`
	HistoryHours     int            `json:"history_hours"`
	CriticalChannels []string       `json:"critical_channels"`
	WarningChannels  []string       `json:"warning_channels"`
	InfoChannels     []string       `json:"info_channels"`
	Telegram         TelegramConfig `json:"telegram"`
	Slack            SlackConfig    `json:"slack"`
	Email            EmailConfig    `json:"email"`
	Webhook          WebhookConfig  `json:"webhook"`
}

// TelegramConfig holds Telegram channel settings.
type TelegramConfig struct {
	Enabled  bool   `json:"enabled"`
	BotToken string `json:"bot_token"`
	ChatID   string `json:"chat_id"`
}

// SlackConfig holds Slack webhook settings.
type SlackConfig struct {
	Enabled    bool   `json:"enabled"`
	WebhookURL string `json:"webhook_url"`
}

// EmailConfig holds opt-in SMTP settings.
type EmailConfig struct {
	Enabled  bool   `json:"enabled"`
	Host     string `json:"host"`
	Port     string `json:"port"`
	Username string `json:"username"`
	Password string `json:"password"`
	From     string `json:"from"`
	To       string `json:"to"`
}

// WebhookConfig holds the opt-in generic webhook channel.
type WebhookConfig struct {
	Enabled bool   `json:"enabled"`
	URL     string `json:"url"`
}

// MonitorConfig holds query monitor settings.
type MonitorConfig struct {
	SlowQueryThresholdSeconds float64 `json:"slow_query_threshold_seconds"`
	BatchSize                 int     `json:"batch_size"`
	FlushIntervalSeconds      int     `json:"flush_interval_seconds"`
	TopN                      int     `json:"top_n"`
}

// PoolConfig holds connection pool bounds and adaptive sizing knobs.
type PoolConfig struct {
	Min                int           `json:"min"`
	Max                int           `json:"max"`
	MaxOverflow        int           `json:"max_overflow"`
	Timeout            time.Duration `json:"timeout"`
	Recycle            time.Duration `json:"recycle"`
	AdjustmentInterval time.Duration `json:"adjustment_interval"`
	UtilHigh           float64       `json:"util_high"`
	UtilLow            float64       `json:"util_low"`
	Step               int           `json:"step"`
}

// LoggingConfig holds logger settings.
type LoggingConfig struct {
	Level   string `json:"level"`  // debug, info, warn, error
	Output  string `json:"output"` // stdout, stderr, or file path
	Console bool   `json:"console"`
}

// Load builds the configuration from config.json, .env and environment.
func Load() (*Config, error) {
	// .env is optional; ignore a missing file
	_ = godotenv.Load()

	cfg, err := loadFromFile("config.json")
	if err != nil {
		cfg = &Config{}
	}

	applyDefaults(cfg)
	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks required settings. Missing database settings are fatal
// at startup.
func (c *Config) Validate() error {
	if c.DatabaseConfig.Host == "" || c.DatabaseConfig.Database == "" {
		return fmt.Errorf("database host and name are required")
	}
	if c.PoolConfig.Min < 1 || c.PoolConfig.Max < c.PoolConfig.Min {
		return fmt.Errorf("invalid pool bounds: min=%d max=%d", c.PoolConfig.Min, c.PoolConfig.Max)
	}
	return nil
}

func applyDefaults(cfg *Config) {
	if cfg.DatabaseConfig.Port == 0 {
		cfg.DatabaseConfig.Port = 5432
	}
	if cfg.DatabaseConfig.SSLMode == "" {
		cfg.DatabaseConfig.SSLMode = "disable"
	}

	if cfg.RedisConfig.Address == "" {
		cfg.RedisConfig.Address = "localhost:6379"
	}
	if cfg.RedisConfig.PoolSize == 0 {
		cfg.RedisConfig.PoolSize = 10
	}

	if cfg.VaultConfig.Address == "" {
		cfg.VaultConfig.Address = "http://localhost:8200"
	}
	if cfg.VaultConfig.MountPath == "" {
		cfg.VaultConfig.MountPath = "secret"
	}
	if cfg.VaultConfig.SecretPath == "" {
		cfg.VaultConfig.SecretPath = "market-intel/alert-channels"
	}

	if cfg.ProviderConfig.RetryBase == 0 {
		cfg.ProviderConfig.RetryBase = 2 * time.Second
	}
	if cfg.ProviderConfig.RetryCap == 0 {
		cfg.ProviderConfig.RetryCap = 30 * time.Second
	}
	if cfg.ProviderConfig.MaxRetries == 0 {
		cfg.ProviderConfig.MaxRetries = 3
	}

	if cfg.CacheConfig.MaxBarsPerSeries == 0 {
		cfg.CacheConfig.MaxBarsPerSeries = 400
	}
	if cfg.CacheConfig.TTLSeconds == 0 {
		cfg.CacheConfig.TTLSeconds = 300
	}

	if len(cfg.DetectorConfig.Timeframes) == 0 {
		cfg.DetectorConfig.Timeframes = []string{"1m", "15m", "1d"}
	}
	if cfg.DetectorConfig.MinBreakoutPct == 0 {
		cfg.DetectorConfig.MinBreakoutPct = 0.1
	}
	if cfg.DetectorConfig.DedupWindowMin == 0 {
		cfg.DetectorConfig.DedupWindowMin = 60
	}
	if cfg.DetectorConfig.DedupOverridesMin == nil {
		cfg.DetectorConfig.DedupOverridesMin = map[string]int{
			"golden_cross":        30,
			"dead_cross":          30,
			"MA20_breakout_up":    120,
			"MA20_breakout_down":  120,
			"MA50_breakout_up":    120,
			"MA50_breakout_down":  120,
			"MA200_breakout_up":   120,
			"MA200_breakout_down": 120,
		}
	}

	if cfg.OutcomeConfig.TickSeconds == 0 {
		cfg.OutcomeConfig.TickSeconds = 300
	}

	if cfg.PatternConfig.WindowDays == 0 {
		cfg.PatternConfig.WindowDays = 90
	}
	if cfg.PatternConfig.SequentialGapDays == 0 {
		cfg.PatternConfig.SequentialGapDays = 7
	}
	if cfg.PatternConfig.ConcurrentGapMin == 0 {
		cfg.PatternConfig.ConcurrentGapMin = 30
	}

	if cfg.AlertConfig.RateLimitPerHour == 0 {
		cfg.AlertConfig.RateLimitPerHour = 5
	}
	if cfg.AlertConfig.HistoryHours == 0 {
		cfg.AlertConfig.HistoryHours = 24
	}
	if len(cfg.AlertConfig.CriticalChannels) == 0 {
		cfg.AlertConfig.CriticalChannels = []string{"telegram", "slack"}
	}
	if len(cfg.AlertConfig.WarningChannels) == 0 {
		cfg.AlertConfig.WarningChannels = []string{"telegram"}
	}
	if len(cfg.AlertConfig.InfoChannels) == 0 {
		cfg.AlertConfig.InfoChannels = []string{"telegram"}
	}

	if cfg.MonitorConfig.SlowQueryThresholdSeconds == 0 {
		cfg.MonitorConfig.SlowQueryThresholdSeconds = 1.0
	}
	if cfg.MonitorConfig.BatchSize == 0 {
		cfg.MonitorConfig.BatchSize = 100
	}
	if cfg.MonitorConfig.FlushIntervalSeconds == 0 {
		cfg.MonitorConfig.FlushIntervalSeconds = 30
	}
	if cfg.MonitorConfig.TopN == 0 {
		cfg.MonitorConfig.TopN = 10
	}

	if cfg.PoolConfig.Min == 0 {
		cfg.PoolConfig.Min = 5
	}
	if cfg.PoolConfig.Max == 0 {
		cfg.PoolConfig.Max = 25
	}
	if cfg.PoolConfig.MaxOverflow == 0 {
		cfg.PoolConfig.MaxOverflow = 10
	}
	if cfg.PoolConfig.Timeout == 0 {
		cfg.PoolConfig.Timeout = 30 * time.Second
	}
	if cfg.PoolConfig.Recycle == 0 {
		cfg.PoolConfig.Recycle = time.Hour
	}
	if cfg.PoolConfig.AdjustmentInterval == 0 {
		cfg.PoolConfig.AdjustmentInterval = 5 * time.Minute
	}
	if cfg.PoolConfig.UtilHigh == 0 {
		cfg.PoolConfig.UtilHigh = 0.8
	}
	if cfg.PoolConfig.UtilLow == 0 {
		cfg.PoolConfig.UtilLow = 0.3
	}
	if cfg.PoolConfig.Step == 0 {
		cfg.PoolConfig.Step = 5
	}

	if cfg.LoggingConfig.Level == "" {
		cfg.LoggingConfig.Level = "info"
	}
	if cfg.LoggingConfig.Output == "" {
		cfg.LoggingConfig.Output = "stdout"
	}
}

func applyEnvOverrides(cfg *Config) {
	cfg.DatabaseConfig.Host = getEnvOrDefault("DB_HOST", cfg.DatabaseConfig.Host)
	cfg.DatabaseConfig.Port = getEnvIntOrDefault("DB_PORT", cfg.DatabaseConfig.Port)
	cfg.DatabaseConfig.User = getEnvOrDefault("DB_USER", cfg.DatabaseConfig.User)
	cfg.DatabaseConfig.Password = getEnvOrDefault("DB_PASSWORD", cfg.DatabaseConfig.Password)
	cfg.DatabaseConfig.Database = getEnvOrDefault("DB_NAME", cfg.DatabaseConfig.Database)
	cfg.DatabaseConfig.SSLMode = getEnvOrDefault("DB_SSLMODE", cfg.DatabaseConfig.SSLMode)

	if v := os.Getenv("REDIS_ENABLED"); v != "" {
		cfg.RedisConfig.Enabled = v == "true"
	}
	cfg.RedisConfig.Address = getEnvOrDefault("REDIS_ADDRESS", cfg.RedisConfig.Address)
	cfg.RedisConfig.Password = getEnvOrDefault("REDIS_PASSWORD", cfg.RedisConfig.Password)
	cfg.RedisConfig.DB = getEnvIntOrDefault("REDIS_DB", cfg.RedisConfig.DB)

	if v := os.Getenv("VAULT_ENABLED"); v != "" {
		cfg.VaultConfig.Enabled = v == "true"
	}
	cfg.VaultConfig.Address = getEnvOrDefault("VAULT_ADDR", cfg.VaultConfig.Address)
	cfg.VaultConfig.Token = getEnvOrDefault("VAULT_TOKEN", cfg.VaultConfig.Token)
	cfg.VaultConfig.MountPath = getEnvOrDefault("VAULT_MOUNT_PATH", cfg.VaultConfig.MountPath)
	cfg.VaultConfig.SecretPath = getEnvOrDefault("VAULT_SECRET_PATH", cfg.VaultConfig.SecretPath)

	cfg.ProviderConfig.BaseURL = getEnvOrDefault("PROVIDER_BASE_URL", cfg.ProviderConfig.BaseURL)
	cfg.ProviderConfig.StreamURL = getEnvOrDefault("PROVIDER_STREAM_URL", cfg.ProviderConfig.StreamURL)
	if v := os.Getenv("PROVIDER_STREAM_ENABLED"); v != "" {
		cfg.ProviderConfig.StreamEnabled = v == "true"
	}

	cfg.CacheConfig.MaxBarsPerSeries = getEnvIntOrDefault("CACHE_MAX_BARS", cfg.CacheConfig.MaxBarsPerSeries)
	cfg.CacheConfig.TTLSeconds = getEnvIntOrDefault("CACHE_TTL_SECONDS", cfg.CacheConfig.TTLSeconds)

	if v := os.Getenv("DETECTOR_SYMBOLS"); v != "" {
		cfg.DetectorConfig.Symbols = splitAndTrim(v)
	}
	cfg.DetectorConfig.DedupWindowMin = getEnvIntOrDefault("DEDUP_WINDOW_MINUTES", cfg.DetectorConfig.DedupWindowMin)

	cfg.OutcomeConfig.TickSeconds = getEnvIntOrDefault("OUTCOME_TICK_SECONDS", cfg.OutcomeConfig.TickSeconds)

	cfg.PatternConfig.WindowDays = getEnvIntOrDefault("PATTERN_WINDOW_DAYS", cfg.PatternConfig.WindowDays)

	if v := os.Getenv("ALERTS_ENABLED"); v != "" {
		cfg.AlertConfig.Enabled = v == "true"
	}
	if v := os.Getenv("TELEGRAM_ENABLED"); v != "" {
		cfg.AlertConfig.Telegram.Enabled = v == "true"
	}
	cfg.AlertConfig.Telegram.BotToken = getEnvOrDefault("TELEGRAM_BOT_TOKEN", cfg.AlertConfig.Telegram.BotToken)
	cfg.AlertConfig.Telegram.ChatID = getEnvOrDefault("TELEGRAM_CHAT_ID", cfg.AlertConfig.Telegram.ChatID)
	if v := os.Getenv("SLACK_ENABLED"); v != "" {
		cfg.AlertConfig.Slack.Enabled = v == "true"
	}
	cfg.AlertConfig.Slack.WebhookURL = getEnvOrDefault("SLACK_WEBHOOK_URL", cfg.AlertConfig.Slack.WebhookURL)

	cfg.MonitorConfig.SlowQueryThresholdSeconds = getEnvFloatOrDefault("SLOW_QUERY_THRESHOLD_SECONDS", cfg.MonitorConfig.SlowQueryThresholdSeconds)

	cfg.PoolConfig.Min = getEnvIntOrDefault("POOL_MIN", cfg.PoolConfig.Min)
	cfg.PoolConfig.Max = getEnvIntOrDefault("POOL_MAX", cfg.PoolConfig.Max)
	cfg.PoolConfig.Step = getEnvIntOrDefault("POOL_STEP", cfg.PoolConfig.Step)

	cfg.LoggingConfig.Level = getEnvOrDefault("LOG_LEVEL", cfg.LoggingConfig.Level)
	cfg.LoggingConfig.Output = getEnvOrDefault("LOG_OUTPUT", cfg.LoggingConfig.Output)
	if v := os.Getenv("LOG_CONSOLE"); v != "" {
		cfg.LoggingConfig.Console = v == "true"
	}
}

// DedupWindow returns the deduplication window for a signal type.
func (c *DetectorConfig) DedupWindow(signalType string) time.Duration {
	if m, ok := c.DedupOverridesMin[signalType]; ok {
		return time.Duration(m) * time.Minute
	}
	return time.Duration(c.DedupWindowMin) * time.Minute
}

func loadFromFile(filename string) (*Config, error) {
	file, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("error reading config file: %w", err)
	}

	var config Config
	if err := json.Unmarshal(file, &config); err != nil {
		return nil, fmt.Errorf("error parsing config file: %w", err)
	}

	return &config, nil
}

func splitAndTrim(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if t := strings.TrimSpace(p); t != "" {
			out = append(out, t)
		}
	}
	return out
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvIntOrDefault(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvFloatOrDefault(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if floatVal, err := strconv.ParseFloat(value, 64); err == nil {
			return floatVal
		}
	}
	return defaultValue
}
