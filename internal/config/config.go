// Package config loads the structured configuration with viper: a YAML
// file plus PINGPONG_-prefixed environment overrides, parsed once at
// startup into an immutable value and injected into every component
// (no global config singleton).
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the fully-resolved, immutable configuration for one
// process. Apart from cmd/pingpongbot stamping Version right after
// Load returns, nothing in the codebase mutates a Config.
type Config struct {
	Rating   RatingConfig   `mapstructure:"rating"`
	Database DatabaseConfig `mapstructure:"database"`
	Bot      BotConfig      `mapstructure:"bot"`
	Gateway  GatewayConfig  `mapstructure:"gateway"`
	Identity IdentityConfig `mapstructure:"identity"`
	Topics   TopicsConfig   `mapstructure:"topics"`
	Retry    RetryConfig    `mapstructure:"retry"`
	Redis    RedisConfig    `mapstructure:"redis"`
	Kafka    KafkaConfig    `mapstructure:"kafka"`
	Authz    AuthzConfig    `mapstructure:"authz"`
	Logging  LoggingConfig  `mapstructure:"logging"`
	Version  string         `mapstructure:"-"`
}

type RatingConfig struct {
	KFactor       float64 `mapstructure:"kFactor"`
	InitialRating int     `mapstructure:"initialRating"`
	MaxRating     int     `mapstructure:"maxRating"`
}

type DatabaseConfig struct {
	URL          string        `mapstructure:"url"`
	MinPool      int           `mapstructure:"minPool"`
	MaxPool      int           `mapstructure:"maxPool"`
	QueryTimeout time.Duration `mapstructure:"queryTimeout"`
}

// BotMode selects how the gateway adapter receives updates.
type BotMode string

const (
	BotModePolling BotMode = "polling"
	BotModeWebhook BotMode = "webhook"
)

type BotConfig struct {
	Mode          BotMode `mapstructure:"mode"`
	WebhookPath   string  `mapstructure:"webhookPath"`
	WebhookPort   int     `mapstructure:"webhookPort"`
	WebhookSecret string  `mapstructure:"webhookSecret"`
}

// GatewayConfig addresses the chat platform side of the gateway
// adapter: where to poll, or which socket to dial, for bot.mode
// "polling", and where to post replies (ResponderURL, used in every
// mode). Webhook mode reads only ResponderURL, since the platform
// dials us for updates.
type GatewayConfig struct {
	BaseURL      string        `mapstructure:"baseUrl"`
	UpdatesPath  string        `mapstructure:"updatesPath"`
	PollInterval time.Duration `mapstructure:"pollInterval"`
	StreamURL    string        `mapstructure:"streamUrl"`
	UseStream    bool          `mapstructure:"useStream"`
	ResponderURL string        `mapstructure:"responderUrl"`
}

// RedisConfig addresses the shared Redis instance backing message
// dedup and, optionally, the distributed casbin policy adapter.
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
}

// KafkaConfig lists the brokers domain events are published to. Empty
// Brokers means the composition root skips building a publisher and
// passes a nil EventPublisher to the match engine instead.
type KafkaConfig struct {
	Brokers []string `mapstructure:"brokers"`
}

// AuthzConfig points at the casbin RBAC model and policy.
type AuthzConfig struct {
	ModelPath         string `mapstructure:"modelPath"`
	PolicyPath        string `mapstructure:"policyPath"`
	DistributedPolicy bool   `mapstructure:"distributedPolicy"`
}

type LoggingConfig struct {
	Level string `mapstructure:"level"`
}

type IdentityConfig struct {
	BaseURL        string        `mapstructure:"baseUrl"`
	ClientID       string        `mapstructure:"clientId"`
	CredentialsEnv string        `mapstructure:"credentialsEnv"`
	Timeout        time.Duration `mapstructure:"timeout"`
	SuccessTTL     time.Duration `mapstructure:"successTtl"`
	FailureTTL     time.Duration `mapstructure:"failureTtl"`
}

type TopicsConfig struct {
	Enabled bool `mapstructure:"enabled"`
}

type RetryConfig struct {
	MaxRetries   int           `mapstructure:"maxRetries"`
	InitialDelay time.Duration `mapstructure:"initialDelay"`
	Multiplier   float64       `mapstructure:"multiplier"`
}

// setDefaults mirrors the recognized configuration defaults exactly.
func setDefaults(v *viper.Viper) {
	v.SetDefault("rating.kFactor", 32)
	v.SetDefault("rating.initialRating", 1500)
	v.SetDefault("rating.maxRating", 10000)

	v.SetDefault("database.minPool", 1)
	v.SetDefault("database.maxPool", 10)
	v.SetDefault("database.queryTimeout", "10s")

	v.SetDefault("bot.mode", "polling")
	v.SetDefault("bot.webhookPath", "/webhook")
	v.SetDefault("bot.webhookPort", 8080)

	v.SetDefault("gateway.updatesPath", "/updates")
	v.SetDefault("gateway.pollInterval", "2s")

	v.SetDefault("identity.timeout", "10s")
	v.SetDefault("identity.successTtl", "24h")
	v.SetDefault("identity.failureTtl", "1h")

	v.SetDefault("topics.enabled", true)

	v.SetDefault("retry.maxRetries", 3)
	v.SetDefault("retry.initialDelay", "100ms")
	v.SetDefault("retry.multiplier", 2)

	v.SetDefault("authz.modelPath", "configs/rbac_model.conf")
	v.SetDefault("authz.policyPath", "configs/rbac_policy.csv")

	v.SetDefault("logging.level", "info")
}

// Load reads configuration from path (if non-empty) and the
// environment, applying the recognized defaults for anything unset.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("PINGPONG")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}

	return &cfg, nil
}

func (c *Config) validate() error {
	if c.Rating.KFactor <= 0 {
		return fmt.Errorf("rating.kFactor must be > 0")
	}
	if c.Database.MinPool < 1 {
		return fmt.Errorf("database.minPool must be >= 1")
	}
	if c.Database.MaxPool < c.Database.MinPool {
		return fmt.Errorf("database.maxPool must be >= database.minPool")
	}
	switch c.Bot.Mode {
	case BotModePolling, BotModeWebhook:
	default:
		return fmt.Errorf("bot.mode must be %q or %q", BotModePolling, BotModeWebhook)
	}
	if c.Retry.MaxRetries < 0 {
		return fmt.Errorf("retry.maxRetries must be >= 0")
	}
	return nil
}
