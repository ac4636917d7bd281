package config

import (
	"strings"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config holds the full application configuration.
type Config struct {
	Store      StoreConfig      `yaml:"store" mapstructure:"store"`
	Messenger  MessengerConfig  `yaml:"messenger" mapstructure:"messenger"`
	Anthropic  AnthropicConfig  `yaml:"anthropic" mapstructure:"anthropic"`
	Sync       SyncConfig       `yaml:"sync" mapstructure:"sync"`
	Cache      CacheConfig      `yaml:"cache" mapstructure:"cache"`
	Monitoring MonitoringConfig `yaml:"monitoring" mapstructure:"monitoring"`
	Server     ServerConfig     `yaml:"server" mapstructure:"server"`
	Log        LogConfig        `yaml:"log" mapstructure:"log"`
}

// StoreConfig configures the database backend.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"`
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
	MaxConns    int32  `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns    int32  `yaml:"min_conns" mapstructure:"min_conns"`
}

// MessengerConfig configures the conversation source API.
type MessengerConfig struct {
	BaseURL           string  `yaml:"base_url" mapstructure:"base_url"`
	AccessToken       string  `yaml:"access_token" mapstructure:"access_token"`
	UserAgent         string  `yaml:"user_agent" mapstructure:"user_agent"`
	TimeoutSecs       int     `yaml:"timeout_secs" mapstructure:"timeout_secs"`
	PageSize          int     `yaml:"page_size" mapstructure:"page_size"`
	RequestsPerSecond float64 `yaml:"requests_per_second" mapstructure:"requests_per_second"`
}

// AnthropicConfig configures the AI classifier.
type AnthropicConfig struct {
	// Key is an optional override that bypasses the rotating key pool.
	Key             string `yaml:"key" mapstructure:"key"`
	Model           string `yaml:"model" mapstructure:"model"`
	MaxTokens       int    `yaml:"max_tokens" mapstructure:"max_tokens"`
	MaxKeyRotations int    `yaml:"max_key_rotations" mapstructure:"max_key_rotations"`
	RateLimitDelay  int    `yaml:"rate_limit_delay_secs" mapstructure:"rate_limit_delay_secs"`
}

// SyncConfig configures the sync orchestrator.
type SyncConfig struct {
	BatchSize       int    `yaml:"batch_size" mapstructure:"batch_size"`
	FetchWorkers    int    `yaml:"fetch_workers" mapstructure:"fetch_workers"`
	AnalyzeWorkers  int    `yaml:"analyze_workers" mapstructure:"analyze_workers"`
	PipelineID      string `yaml:"pipeline_id" mapstructure:"pipeline_id"`
	AssignMode      string `yaml:"assign_mode" mapstructure:"assign_mode"`
	DowngradeMargin int    `yaml:"downgrade_margin" mapstructure:"downgrade_margin"`
	MaxDLQRetries   int    `yaml:"max_dlq_retries" mapstructure:"max_dlq_retries"`
	DLQRetryDelay   int    `yaml:"dlq_retry_delay_secs" mapstructure:"dlq_retry_delay_secs"`
}

// CacheConfig configures the in-process transcript cache.
type CacheConfig struct {
	MaxEntries int `yaml:"max_entries" mapstructure:"max_entries"`
	TTLMinutes int `yaml:"ttl_minutes" mapstructure:"ttl_minutes"`
}

// MonitoringConfig configures background health checks.
type MonitoringConfig struct {
	CheckIntervalSecs    int     `yaml:"check_interval_secs" mapstructure:"check_interval_secs"`
	LookbackWindowHours  int     `yaml:"lookback_window_hours" mapstructure:"lookback_window_hours"`
	FailureRateThreshold float64 `yaml:"failure_rate_threshold" mapstructure:"failure_rate_threshold"`
	DLQDepthThreshold    int     `yaml:"dlq_depth_threshold" mapstructure:"dlq_depth_threshold"`
	WebhookURL           string  `yaml:"webhook_url" mapstructure:"webhook_url"`
}

// ServerConfig configures the HTTP job-control surface.
type ServerConfig struct {
	Port int `yaml:"port" mapstructure:"port"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// Load reads configuration from file and environment.
func Load() (*Config, error) {
	v := viper.New()

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// Environment
	v.SetEnvPrefix("CONTACTSYNC")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("store.driver", "postgres")
	v.SetDefault("store.max_conns", 10)
	v.SetDefault("store.min_conns", 2)
	v.SetDefault("messenger.base_url", "https://graph.facebook.com/v19.0")
	v.SetDefault("messenger.timeout_secs", 30)
	v.SetDefault("messenger.page_size", 100)
	v.SetDefault("messenger.requests_per_second", 10)
	v.SetDefault("anthropic.model", "claude-haiku-4-5-20251001")
	v.SetDefault("anthropic.max_tokens", 512)
	v.SetDefault("anthropic.max_key_rotations", 3)
	v.SetDefault("anthropic.rate_limit_delay_secs", 2)
	v.SetDefault("sync.batch_size", 50)
	v.SetDefault("sync.fetch_workers", 10)
	v.SetDefault("sync.analyze_workers", 10)
	v.SetDefault("sync.assign_mode", "update_existing")
	v.SetDefault("sync.downgrade_margin", 0)
	v.SetDefault("sync.max_dlq_retries", 3)
	v.SetDefault("sync.dlq_retry_delay_secs", 300)
	v.SetDefault("cache.max_entries", 1000)
	v.SetDefault("cache.ttl_minutes", 30)
	v.SetDefault("monitoring.check_interval_secs", 300)
	v.SetDefault("monitoring.lookback_window_hours", 24)
	v.SetDefault("monitoring.failure_rate_threshold", 0.25)
	v.SetDefault("monitoring.dlq_depth_threshold", 100)
	v.SetDefault("server.port", 8080)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	// Read config file (optional)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, eris.Wrap(err, "config: read file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}

	return &cfg, nil
}

// InitLogger initializes the global zap logger.
func InitLogger(cfg LogConfig) error {
	var zapCfg zap.Config
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return eris.Wrap(err, "config: parse log level")
	}
	zapCfg.Level.SetLevel(level)

	logger, err := zapCfg.Build()
	if err != nil {
		return eris.Wrap(err, "config: build logger")
	}
	zap.ReplaceGlobals(logger)

	return nil
}
