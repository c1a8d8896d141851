// File: internal/config/config.go
package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// Config holds the entire application configuration.
type Config struct {
	Logger    LoggerConfig    `mapstructure:"logger" yaml:"logger"`
	Database  DatabaseConfig  `mapstructure:"database" yaml:"database"`
	Analyzer  AnalyzerConfig  `mapstructure:"analyzer" yaml:"analyzer"`
	Feed      FeedConfig      `mapstructure:"feed" yaml:"feed"`
	Scheduler SchedulerConfig `mapstructure:"scheduler" yaml:"scheduler"`
}

// LoggerConfig controls the zap logger setup.
type LoggerConfig struct {
	Level       string `mapstructure:"level" yaml:"level"`
	Format      string `mapstructure:"format" yaml:"format"`
	AddSource   bool   `mapstructure:"add_source" yaml:"add_source"`
	ServiceName string `mapstructure:"service_name" yaml:"service_name"`
	LogFile     string `mapstructure:"log_file" yaml:"log_file"`
	MaxSize     int    `mapstructure:"max_size" yaml:"max_size"`
	MaxBackups  int    `mapstructure:"max_backups" yaml:"max_backups"`
	MaxAge      int    `mapstructure:"max_age" yaml:"max_age"`
	Compress    bool   `mapstructure:"compress" yaml:"compress"`
}

// DatabaseConfig holds PostgreSQL connection settings.
type DatabaseConfig struct {
	Host     string `mapstructure:"host" yaml:"host"`
	Port     int    `mapstructure:"port" yaml:"port"`
	User     string `mapstructure:"user" yaml:"user"`
	Password string `mapstructure:"password" yaml:"password"`
	DBName   string `mapstructure:"dbname" yaml:"dbname"`
	SSLMode  string `mapstructure:"sslmode" yaml:"sslmode"`
}

// DSN renders the pgx connection string.
func (d DatabaseConfig) DSN() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		d.Host, d.Port, d.User, d.Password, d.DBName, d.SSLMode)
}

// AnalyzerConfig configures the external AI analysis boundary.
type AnalyzerConfig struct {
	Endpoint   string        `mapstructure:"endpoint" yaml:"endpoint"`
	APIKey     string        `mapstructure:"api_key" yaml:"api_key"`
	Model      string        `mapstructure:"model" yaml:"model"`
	APITimeout time.Duration `mapstructure:"api_timeout" yaml:"api_timeout"`

	// MaxTokenBudget caps the estimated prompt size; payloads over the
	// cap fail fast without calling the service.
	MaxTokenBudget int `mapstructure:"max_token_budget" yaml:"max_token_budget"`

	// MaxRetries is the scan orchestrator's retry budget for transient
	// analysis failures.
	MaxRetries int `mapstructure:"max_retries" yaml:"max_retries"`
}

// FeedConfig configures the vulnerability score feed client.
type FeedConfig struct {
	BaseURL        string        `mapstructure:"base_url" yaml:"base_url"`
	RequestTimeout time.Duration `mapstructure:"request_timeout" yaml:"request_timeout"`
	MaxRetries     int           `mapstructure:"max_retries" yaml:"max_retries"`
	// MaxResponseBytes guards against oversized feed payloads.
	MaxResponseBytes int64 `mapstructure:"max_response_bytes" yaml:"max_response_bytes"`
	// RateLimit is the maximum outbound feed requests per second.
	RateLimit float64 `mapstructure:"rate_limit" yaml:"rate_limit"`

	// FreshnessWindow is the maximum age before a cached score is stale.
	FreshnessWindow time.Duration `mapstructure:"freshness_window" yaml:"freshness_window"`
	// CacheMaxEntries caps the in-memory score cache.
	CacheMaxEntries int `mapstructure:"cache_max_entries" yaml:"cache_max_entries"`
}

// SchedulerConfig configures the enrichment scheduler.
type SchedulerConfig struct {
	WorkerConcurrency int           `mapstructure:"worker_concurrency" yaml:"worker_concurrency"`
	QueueSize         int           `mapstructure:"queue_size" yaml:"queue_size"`
	SweepInterval     time.Duration `mapstructure:"sweep_interval" yaml:"sweep_interval"`
	SweepChunkSize    int           `mapstructure:"sweep_chunk_size" yaml:"sweep_chunk_size"`
	SweepTimeout      time.Duration `mapstructure:"sweep_timeout" yaml:"sweep_timeout"`
}

// NewDefaultConfig creates a configuration struct populated with defaults.
func NewDefaultConfig() *Config {
	v := viper.New()
	SetDefaults(v)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		// Cannot happen with defaults only.
		panic(fmt.Sprintf("failed to unmarshal default config: %v", err))
	}
	return &cfg
}

// SetDefaults initializes default values for all configuration parameters.
func SetDefaults(v *viper.Viper) {
	// -- Logger --
	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "console")
	v.SetDefault("logger.add_source", false)
	v.SetDefault("logger.service_name", "scan-engine")
	v.SetDefault("logger.log_file", "")
	v.SetDefault("logger.max_size", 100)
	v.SetDefault("logger.max_backups", 5)
	v.SetDefault("logger.max_age", 30)
	v.SetDefault("logger.compress", true)

	// -- Database --
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "postgres")
	v.SetDefault("database.password", "") // Set via env var.
	v.SetDefault("database.dbname", "coderenew")
	v.SetDefault("database.sslmode", "disable")

	// -- Analyzer --
	v.SetDefault("analyzer.endpoint", "")
	v.SetDefault("analyzer.api_key", "") // Set via env var.
	v.SetDefault("analyzer.model", "claude-sonnet-4-5")
	v.SetDefault("analyzer.api_timeout", "120s")
	v.SetDefault("analyzer.max_token_budget", 180000)
	v.SetDefault("analyzer.max_retries", 3)

	// -- Feed --
	v.SetDefault("feed.base_url", "https://api.first.org/data/v1/epss")
	v.SetDefault("feed.request_timeout", "30s")
	v.SetDefault("feed.max_retries", 3)
	v.SetDefault("feed.max_response_bytes", 5*1024*1024)
	v.SetDefault("feed.rate_limit", 2.0)
	v.SetDefault("feed.freshness_window", "24h")
	v.SetDefault("feed.cache_max_entries", 10000)

	// -- Scheduler --
	v.SetDefault("scheduler.worker_concurrency", 4)
	v.SetDefault("scheduler.queue_size", 256)
	v.SetDefault("scheduler.sweep_interval", "24h")
	v.SetDefault("scheduler.sweep_chunk_size", 100)
	v.SetDefault("scheduler.sweep_timeout", "5m")
}

// NewConfigFromViper creates a configuration instance from a viper object.
func NewConfigFromViper(v *viper.Viper) (*Config, error) {
	var cfg Config

	// Bind environment variables for sensitive data.
	v.BindEnv("analyzer.api_key", "CODERENEW_ANALYZER_API_KEY")
	v.BindEnv("database.password", "CODERENEW_DB_PASSWORD")

	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

// Validate checks the configuration for required fields and sane values.
func (c *Config) Validate() error {
	if c.Analyzer.MaxRetries < 0 {
		return fmt.Errorf("analyzer.max_retries must not be negative")
	}
	if c.Analyzer.MaxTokenBudget <= 0 {
		return fmt.Errorf("analyzer.max_token_budget must be a positive integer")
	}
	if c.Feed.BaseURL == "" {
		return fmt.Errorf("feed.base_url is a required configuration field")
	}
	if c.Feed.FreshnessWindow <= 0 {
		return fmt.Errorf("feed.freshness_window must be a positive duration")
	}
	if c.Feed.CacheMaxEntries <= 0 {
		return fmt.Errorf("feed.cache_max_entries must be a positive integer")
	}
	if c.Scheduler.WorkerConcurrency <= 0 {
		return fmt.Errorf("scheduler.worker_concurrency must be a positive integer")
	}
	if c.Scheduler.SweepChunkSize <= 0 {
		return fmt.Errorf("scheduler.sweep_chunk_size must be a positive integer")
	}
	return nil
}
