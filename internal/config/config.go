package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config represents the complete application configuration
type Config struct {
	OddsAPI  OddsAPIConfig  `mapstructure:"oddsapi"`
	Monitor  MonitorConfig  `mapstructure:"monitor"`
	Telegram TelegramConfig `mapstructure:"telegram"`
	Storage  StorageConfig  `mapstructure:"storage"`
	Logging  LoggingConfig  `mapstructure:"logging"`
	Metrics  MetricsConfig  `mapstructure:"metrics"`
}

// OddsAPIConfig holds The Odds API catalogue configuration
type OddsAPIConfig struct {
	BaseURL string        `mapstructure:"base_url"`
	APIKey  string        `mapstructure:"api_key"`
	Sports  []string      `mapstructure:"sports"`  // one sub-catalogue per sport key
	Regions string        `mapstructure:"regions"` // comma separated, e.g. "uk,us,eu,au"
	Markets string        `mapstructure:"markets"`
	Timeout time.Duration `mapstructure:"timeout"`
}

// MonitorConfig holds watch loop and selection configuration
type MonitorConfig struct {
	PollInterval    time.Duration `mapstructure:"poll_interval"`
	BackoffInterval time.Duration `mapstructure:"backoff_interval"`
	Window          time.Duration `mapstructure:"window"`
	TopN            int           `mapstructure:"top_n"`
}

// TelegramConfig holds Telegram bot configuration
type TelegramConfig struct {
	BotToken       string        `mapstructure:"bot_token"`
	Enabled        bool          `mapstructure:"enabled"`
	MaxRetries     int           `mapstructure:"max_retries"`
	RetryDelayBase time.Duration `mapstructure:"retry_delay_base"`
}

// StorageConfig holds condition store persistence configuration
type StorageConfig struct {
	Backend  string `mapstructure:"backend"` // "sqlite" or "json"
	DBPath   string `mapstructure:"db_path"`
	FilePath string `mapstructure:"file_path"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	File       string `mapstructure:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
	Compress   bool   `mapstructure:"compress"`
}

// MetricsConfig holds the Prometheus endpoint configuration
type MetricsConfig struct {
	Enabled    bool   `mapstructure:"enabled"`
	ListenAddr string `mapstructure:"listen_addr"`
}

// Load reads configuration from file, an optional .env file and environment variables.
// A missing config file is not an error; defaults and environment apply.
func Load(path string) (*Config, error) {
	// .env is optional; real environment variables take precedence
	_ = godotenv.Load()

	v := viper.New()

	v.SetConfigFile(path)

	setDefaults(v)

	// ODDSWATCH_ODDSAPI_API_KEY -> oddsapi.api_key
	v.SetEnvPrefix("ODDSWATCH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return &cfg, nil
}

// setDefaults configures default values for all configuration options
func setDefaults(v *viper.Viper) {
	// Odds API defaults
	v.SetDefault("oddsapi.base_url", "https://api.the-odds-api.com")
	v.SetDefault("oddsapi.api_key", "")
	v.SetDefault("oddsapi.sports", []string{"tennis"})
	v.SetDefault("oddsapi.regions", "uk,us,eu,au")
	v.SetDefault("oddsapi.markets", "h2h")
	v.SetDefault("oddsapi.timeout", "10s")

	// Monitor defaults
	v.SetDefault("monitor.poll_interval", "10s")
	v.SetDefault("monitor.backoff_interval", "60s")
	v.SetDefault("monitor.window", "72h")
	v.SetDefault("monitor.top_n", 7)

	// Telegram defaults
	v.SetDefault("telegram.bot_token", "")
	v.SetDefault("telegram.enabled", true)
	v.SetDefault("telegram.max_retries", 3)
	v.SetDefault("telegram.retry_delay_base", "1s")

	// Storage defaults
	v.SetDefault("storage.backend", "sqlite")
	v.SetDefault("storage.db_path", "./data/oddswatch.db")
	v.SetDefault("storage.file_path", "./data/thresholds.json")

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.file", "")
	v.SetDefault("logging.max_size_mb", 50)
	v.SetDefault("logging.max_backups", 5)
	v.SetDefault("logging.max_age_days", 14)
	v.SetDefault("logging.compress", false)

	// Metrics defaults
	v.SetDefault("metrics.enabled", false)
	v.SetDefault("metrics.listen_addr", ":9090")
}

// Validate checks that all configuration values are valid
func (c *Config) Validate() error {
	// Validate Odds API config
	if c.OddsAPI.BaseURL == "" {
		return fmt.Errorf("oddsapi.base_url is required")
	}
	if c.OddsAPI.APIKey == "" {
		return fmt.Errorf("oddsapi.api_key is required")
	}
	if len(c.OddsAPI.Sports) == 0 {
		return fmt.Errorf("oddsapi.sports must contain at least one sport key")
	}
	if c.OddsAPI.Regions == "" {
		return fmt.Errorf("oddsapi.regions is required")
	}
	if c.OddsAPI.Timeout <= 0 {
		return fmt.Errorf("oddsapi.timeout must be positive")
	}

	// Validate Monitor config
	if c.Monitor.PollInterval < time.Second {
		return fmt.Errorf("monitor.poll_interval must be at least 1 second")
	}
	if c.Monitor.BackoffInterval < c.Monitor.PollInterval {
		return fmt.Errorf("monitor.backoff_interval must not be shorter than monitor.poll_interval")
	}
	if c.Monitor.Window <= 0 {
		return fmt.Errorf("monitor.window must be positive")
	}
	if c.Monitor.TopN < 1 {
		return fmt.Errorf("monitor.top_n must be at least 1")
	}

	// Validate Telegram config
	if c.Telegram.Enabled {
		if c.Telegram.BotToken == "" {
			return fmt.Errorf("telegram.bot_token is required when telegram is enabled")
		}
		if strings.ContainsAny(c.Telegram.BotToken, " \t") {
			return fmt.Errorf("telegram.bot_token must not contain whitespace")
		}
	}
	if c.Telegram.MaxRetries < 1 {
		return fmt.Errorf("telegram.max_retries must be at least 1")
	}

	// Validate Storage config
	switch c.Storage.Backend {
	case "sqlite":
		if c.Storage.DBPath == "" {
			return fmt.Errorf("storage.db_path is required for the sqlite backend")
		}
	case "json":
		if c.Storage.FilePath == "" {
			return fmt.Errorf("storage.file_path is required for the json backend")
		}
	default:
		return fmt.Errorf("storage.backend must be one of: sqlite, json")
	}

	// Validate Logging config
	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[c.Logging.Level] {
		return fmt.Errorf("logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[c.Logging.Format] {
		return fmt.Errorf("logging.format must be one of: json, text")
	}
	if c.Logging.File != "" && c.Logging.MaxSizeMB < 1 {
		return fmt.Errorf("logging.max_size_mb must be at least 1 when logging.file is set")
	}

	// Validate Metrics config
	if c.Metrics.Enabled && c.Metrics.ListenAddr == "" {
		return fmt.Errorf("metrics.listen_addr is required when metrics are enabled")
	}

	return nil
}
