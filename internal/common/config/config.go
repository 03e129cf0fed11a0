// Package config loads bridge configuration from the environment.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the root configuration for the bridge process
type Config struct {
	Provider      ProviderConfig      `mapstructure:"provider"`
	Poll          PollConfig          `mapstructure:"poll"`
	Codex         CodexConfig         `mapstructure:"codex"`
	Store         StoreConfig         `mapstructure:"store"`
	Features      FeatureConfig       `mapstructure:"features"`
	Typing        TypingConfig        `mapstructure:"typing"`
	Notifications NotificationsConfig `mapstructure:"notifications"`
	Webhook       WebhookConfig       `mapstructure:"webhook"`
	Logging       LoggingConfig       `mapstructure:"logging"`
}

// ProviderConfig describes the messaging-provider API and the two phone numbers
// the bridge cares about
type ProviderConfig struct {
	APIBase       string `mapstructure:"api_base"`
	APIKey        string `mapstructure:"api_key"`
	APISecret     string `mapstructure:"api_secret"`
	FromNumber    string `mapstructure:"from_number"`
	TrustedNumber string `mapstructure:"trusted_number"`
}

// PollConfig controls the inbound poll loop
type PollConfig struct {
	IntervalMs     int `mapstructure:"interval_ms"`
	RequestTimeout int `mapstructure:"request_timeout_ms"`
	RetryAttempts  int `mapstructure:"retry_attempts"`
	RetryBaseMs    int `mapstructure:"retry_base_ms"`
	RetryMaxMs     int `mapstructure:"retry_max_ms"`
}

// Interval returns the poll interval as a duration
func (p PollConfig) Interval() time.Duration {
	return time.Duration(p.IntervalMs) * time.Millisecond
}

// Timeout returns the per-request timeout as a duration
func (p PollConfig) Timeout() time.Duration {
	return time.Duration(p.RequestTimeout) * time.Millisecond
}

// CodexConfig describes the agent child process
type CodexConfig struct {
	BinaryPath       string   `mapstructure:"binary_path"`
	Args             []string `mapstructure:"args"`
	WorkingDir       string   `mapstructure:"working_dir"`
	ModelPrefix      string   `mapstructure:"model_prefix"`
	DefaultModel     string   `mapstructure:"default_model"`
	SparkModel       string   `mapstructure:"spark_model"`
	SandboxMode      string   `mapstructure:"sandbox_mode"`
	RequestTimeoutMs int      `mapstructure:"request_timeout_ms"`
}

// RequestTimeout returns the JSON-RPC request timeout as a duration
func (c CodexConfig) RequestTimeout() time.Duration {
	return time.Duration(c.RequestTimeoutMs) * time.Millisecond
}

// StoreConfig locates the sqlite database
type StoreConfig struct {
	DBPath string `mapstructure:"db_path"`
}

// FeatureConfig toggles optional behaviors
type FeatureConfig struct {
	TypingIndicators      bool `mapstructure:"typing_indicators"`
	ReadReceipts          bool `mapstructure:"read_receipts"`
	OutboundStyling       bool `mapstructure:"outbound_styling"`
	DiscardStartupBacklog bool `mapstructure:"discard_startup_backlog"`
}

// TypingConfig controls the typing-indicator heartbeat
type TypingConfig struct {
	HeartbeatSeconds int `mapstructure:"heartbeat_seconds"`
}

// Heartbeat returns the heartbeat interval as a duration
func (t TypingConfig) Heartbeat() time.Duration {
	return time.Duration(t.HeartbeatSeconds) * time.Second
}

// NotificationsConfig controls the notification pipeline
type NotificationsConfig struct {
	Enabled         bool `mapstructure:"enabled"`
	RawExcerptBytes int  `mapstructure:"raw_excerpt_bytes"`
	RetentionDays   int  `mapstructure:"retention_days"`
	MaxRows         int  `mapstructure:"max_rows"`
}

// WebhookConfig controls the ingress HTTP server
type WebhookConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Host    string `mapstructure:"host"`
	Port    int    `mapstructure:"port"`
	Path    string `mapstructure:"path"`
	Secret  string `mapstructure:"secret"`
}

// LoggingConfig controls logging output
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Load reads configuration from BRIDGE_* environment variables with defaults
func Load() (*Config, error) {
	v := viper.New()

	v.SetEnvPrefix("BRIDGE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	// Bind every known key so AutomaticEnv picks them up on Unmarshal
	for _, key := range allKeys() {
		if err := v.BindEnv(key); err != nil {
			return nil, fmt.Errorf("failed to bind %s: %w", key, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("provider.api_base", "")
	v.SetDefault("poll.interval_ms", 2000)
	v.SetDefault("poll.request_timeout_ms", 10000)
	v.SetDefault("poll.retry_attempts", 3)
	v.SetDefault("poll.retry_base_ms", 500)
	v.SetDefault("poll.retry_max_ms", 4000)

	v.SetDefault("codex.binary_path", "codex")
	v.SetDefault("codex.args", []string{"app-server"})
	v.SetDefault("codex.working_dir", ".")
	v.SetDefault("codex.model_prefix", "gpt-5.3-codex")
	v.SetDefault("codex.default_model", "gpt-5.3-codex")
	v.SetDefault("codex.spark_model", "gpt-5.3-codex-spark")
	v.SetDefault("codex.sandbox_mode", "workspace-write")
	v.SetDefault("codex.request_timeout_ms", 120000)

	v.SetDefault("store.db_path", "bridge.db")

	v.SetDefault("features.typing_indicators", true)
	v.SetDefault("features.read_receipts", true)
	v.SetDefault("features.outbound_styling", true)
	v.SetDefault("features.discard_startup_backlog", false)

	v.SetDefault("typing.heartbeat_seconds", 10)

	v.SetDefault("notifications.enabled", true)
	v.SetDefault("notifications.raw_excerpt_bytes", 2048)
	v.SetDefault("notifications.retention_days", 30)
	v.SetDefault("notifications.max_rows", 5000)

	v.SetDefault("webhook.enabled", false)
	v.SetDefault("webhook.host", "127.0.0.1")
	v.SetDefault("webhook.port", 8787)
	v.SetDefault("webhook.path", "/hooks/notify")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
}

func allKeys() []string {
	return []string{
		"provider.api_base", "provider.api_key", "provider.api_secret",
		"provider.from_number", "provider.trusted_number",
		"poll.interval_ms", "poll.request_timeout_ms", "poll.retry_attempts",
		"poll.retry_base_ms", "poll.retry_max_ms",
		"codex.binary_path", "codex.args", "codex.working_dir",
		"codex.model_prefix", "codex.default_model", "codex.spark_model",
		"codex.sandbox_mode", "codex.request_timeout_ms",
		"store.db_path",
		"features.typing_indicators", "features.read_receipts",
		"features.outbound_styling", "features.discard_startup_backlog",
		"typing.heartbeat_seconds",
		"notifications.enabled", "notifications.raw_excerpt_bytes",
		"notifications.retention_days", "notifications.max_rows",
		"webhook.enabled", "webhook.host", "webhook.port", "webhook.path",
		"webhook.secret",
		"logging.level", "logging.format",
	}
}

// Validate checks required fields and clamps bounded values
func (c *Config) Validate() error {
	if c.Provider.APIBase == "" {
		return fmt.Errorf("provider.api_base is required")
	}
	if c.Provider.APIKey == "" || c.Provider.APISecret == "" {
		return fmt.Errorf("provider.api_key and provider.api_secret are required")
	}
	if c.Provider.TrustedNumber == "" {
		return fmt.Errorf("provider.trusted_number is required")
	}
	if c.Provider.FromNumber == "" {
		return fmt.Errorf("provider.from_number is required")
	}

	if c.Poll.IntervalMs < 250 || c.Poll.IntervalMs > 30000 {
		return fmt.Errorf("poll.interval_ms must be within [250, 30000], got %d", c.Poll.IntervalMs)
	}

	if c.Codex.BinaryPath == "" {
		return fmt.Errorf("codex.binary_path is required")
	}
	if c.Codex.DefaultModel == "" {
		return fmt.Errorf("codex.default_model is required")
	}

	if c.Typing.HeartbeatSeconds < 3 {
		c.Typing.HeartbeatSeconds = 3
	}
	if c.Typing.HeartbeatSeconds > 30 {
		c.Typing.HeartbeatSeconds = 30
	}

	if c.Notifications.RawExcerptBytes < 256 {
		c.Notifications.RawExcerptBytes = 256
	}
	if c.Notifications.RawExcerptBytes > 32768 {
		c.Notifications.RawExcerptBytes = 32768
	}
	if c.Notifications.RetentionDays < 1 {
		c.Notifications.RetentionDays = 1
	}
	if c.Notifications.MaxRows < 100 {
		c.Notifications.MaxRows = 100
	}

	if c.Webhook.Enabled {
		if c.Webhook.Secret == "" {
			return fmt.Errorf("webhook.secret is required when webhook.enabled is true")
		}
		if c.Webhook.Port <= 0 || c.Webhook.Port > 65535 {
			return fmt.Errorf("webhook.port must be a valid port, got %d", c.Webhook.Port)
		}
		if !strings.HasPrefix(c.Webhook.Path, "/") {
			return fmt.Errorf("webhook.path must start with '/', got %q", c.Webhook.Path)
		}
	}

	return nil
}
