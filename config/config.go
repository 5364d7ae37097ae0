package config

import (
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"
)

type Config struct {
	App      AppConfig      `yaml:"app"`
	Logging  LoggingConfig  `yaml:"logging"`
	Venue    VenueConfig    `yaml:"venue"`
	Ticks    TicksConfig    `yaml:"ticks"`
	Strategy StrategyConfig `yaml:"strategy"`
	Notify   NotifyConfig   `yaml:"notify"`
	Settings SettingsConfig `yaml:"settings"`
	HTTP     HTTPConfig     `yaml:"http"`
	Metrics  MetricsConfig  `yaml:"metrics"`
	Archive  ArchiveConfig  `yaml:"archive"`

	// Secrets are never read from YAML.
	Secrets Secrets `yaml:"-"`
}

type AppConfig struct {
	Name    string `yaml:"name"`
	Version string `yaml:"version"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
	MaxAge int    `yaml:"max_age"`
}

// VenueConfig describes the remote market-data websocket.
type VenueConfig struct {
	URL                string        `yaml:"url"`
	AppID              string        `yaml:"app_id"`
	HandshakeTimeout   time.Duration `yaml:"handshake_timeout"`
	WriteTimeout       time.Duration `yaml:"write_timeout"`
	RequestTimeout     time.Duration `yaml:"request_timeout"`
	TickStreamMarkets  []string      `yaml:"tick_stream_markets"`
	TickStreamPrefixes []string      `yaml:"tick_stream_prefixes"`
}

type TicksConfig struct {
	BufferSize       int           `yaml:"buffer_size"`
	StaleAfter       time.Duration `yaml:"stale_after"`
	UnavailableAfter time.Duration `yaml:"unavailable_after"`
	MonitorInterval  time.Duration `yaml:"monitor_interval"`
	ChannelBuffer    int           `yaml:"channel_buffer"`
	DefaultSymbol    string        `yaml:"default_symbol"`
}

type StrategyConfig struct {
	PayoutRatio  float64 `yaml:"payout_ratio"`
	HistoryLimit int     `yaml:"history_limit"`
	MaxAmount    float64 `yaml:"max_amount"`
}

type NotifyConfig struct {
	Enabled  bool          `yaml:"enabled"`
	APIURL   string        `yaml:"api_url"`
	Timeout  time.Duration `yaml:"timeout"`
	Interval time.Duration `yaml:"interval"`
}

type SettingsConfig struct {
	Path string `yaml:"path"`
}

type HTTPConfig struct {
	Address         string        `yaml:"address"`
	LogHistory      int           `yaml:"log_history"`
	MetricsHistory  int           `yaml:"metrics_history"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	LoopQueue       int           `yaml:"loop_queue"`
}

type MetricsConfig struct {
	CloudWatch CloudWatchConfig `yaml:"cloudwatch"`
}

type CloudWatchConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Region    string `yaml:"region"`
	Namespace string `yaml:"namespace"`
}

// ArchiveConfig controls the parquet trade-history export to S3.
type ArchiveConfig struct {
	Enabled       bool          `yaml:"enabled"`
	Bucket        string        `yaml:"bucket"`
	Region        string        `yaml:"region"`
	Endpoint      string        `yaml:"endpoint"`
	PathStyle     bool          `yaml:"path_style"`
	Prefix        string        `yaml:"prefix"`
	FlushInterval time.Duration `yaml:"flush_interval"`
	MaxRecords    int           `yaml:"max_records"`
	Compression   string        `yaml:"compression"`
}

// Secrets are populated from the environment (and .env via godotenv).
type Secrets struct {
	VenueAppID         string `envconfig:"VENUE_APP_ID"`
	VenueToken         string `envconfig:"VENUE_API_TOKEN"`
	TelegramToken      string `envconfig:"TELEGRAM_BOT_TOKEN"`
	TelegramChatID     string `envconfig:"TELEGRAM_CHAT_ID"`
	AWSAccessKeyID     string `envconfig:"AWS_ACCESS_KEY_ID"`
	AWSSecretAccessKey string `envconfig:"AWS_SECRET_ACCESS_KEY"`
	AWSRegion          string `envconfig:"AWS_REGION"`
	ArchiveBucket      string `envconfig:"ARCHIVE_BUCKET"`
}

func defaults() Config {
	return Config{
		Logging: LoggingConfig{Level: "info", Format: "json", Output: "stdout"},
		Venue: VenueConfig{
			URL:                "wss://ws.binaryws.com/websockets/v3",
			HandshakeTimeout:   10 * time.Second,
			WriteTimeout:       5 * time.Second,
			RequestTimeout:     5 * time.Second,
			TickStreamMarkets:  []string{"forex", "indices", "commodities"},
			TickStreamPrefixes: []string{"frx", "r_", "wld", "1hz"},
		},
		Ticks: TicksConfig{
			BufferSize:       1000,
			StaleAfter:       10 * time.Second,
			UnavailableAfter: 30 * time.Second,
			MonitorInterval:  time.Second,
			ChannelBuffer:    256,
			DefaultSymbol:    "R_100",
		},
		Strategy: StrategyConfig{PayoutRatio: 0.95, HistoryLimit: 10000, MaxAmount: 1000000},
		Notify: NotifyConfig{
			APIURL:   "https://api.telegram.org",
			Timeout:  10 * time.Second,
			Interval: 30 * time.Second,
		},
		Settings: SettingsConfig{Path: "tickflow.db"},
		HTTP: HTTPConfig{
			Address:         "0.0.0.0:5000",
			LogHistory:      200,
			MetricsHistory:  200,
			ShutdownTimeout: 5 * time.Second,
			LoopQueue:       64,
		},
		Metrics: MetricsConfig{CloudWatch: CloudWatchConfig{Namespace: "TickFlow"}},
		Archive: ArchiveConfig{
			Prefix:        "trades",
			FlushInterval: 5 * time.Minute,
			MaxRecords:    500,
			Compression:   "snappy",
		},
	}
}

func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := defaults()
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := envconfig.Process("", &config.Secrets); err != nil {
		return nil, fmt.Errorf("failed to read environment: %w", err)
	}
	applySecrets(&config)

	if err := validateConfig(&config); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return &config, nil
}

// applySecrets lets environment values override their YAML counterparts.
func applySecrets(cfg *Config) {
	s := cfg.Secrets
	if v := strings.TrimSpace(s.VenueAppID); v != "" {
		cfg.Venue.AppID = v
	}
	if v := strings.TrimSpace(s.AWSRegion); v != "" {
		if cfg.Archive.Region == "" {
			cfg.Archive.Region = v
		}
		if cfg.Metrics.CloudWatch.Region == "" {
			cfg.Metrics.CloudWatch.Region = v
		}
	}
	if v := strings.TrimSpace(s.ArchiveBucket); v != "" {
		cfg.Archive.Bucket = v
	}
	cfg.Archive.Bucket = strings.TrimSpace(cfg.Archive.Bucket)
}

func validateConfig(cfg *Config) error {
	if cfg.App.Name == "" {
		return fmt.Errorf("app.name is required")
	}
	if cfg.App.Version == "" {
		return fmt.Errorf("app.version is required")
	}

	if cfg.Venue.URL == "" {
		return fmt.Errorf("venue.url is required")
	}
	if !strings.HasPrefix(cfg.Venue.URL, "ws://") && !strings.HasPrefix(cfg.Venue.URL, "wss://") {
		return fmt.Errorf("venue.url must be a ws:// or wss:// url")
	}
	if cfg.Venue.AppID == "" {
		return fmt.Errorf("venue.app_id is required (or set VENUE_APP_ID)")
	}
	if IsProductionLike(AppEnvironment()) && cfg.Secrets.VenueToken == "" {
		return fmt.Errorf("VENUE_API_TOKEN is required in %s", AppEnvironment())
	}

	if cfg.Ticks.BufferSize <= 0 {
		return fmt.Errorf("ticks.buffer_size must be greater than 0")
	}
	if cfg.Ticks.StaleAfter <= 0 {
		return fmt.Errorf("ticks.stale_after must be greater than 0")
	}
	if cfg.Ticks.UnavailableAfter < cfg.Ticks.StaleAfter {
		return fmt.Errorf("ticks.unavailable_after must not be shorter than ticks.stale_after")
	}
	if cfg.Ticks.MonitorInterval <= 0 {
		return fmt.Errorf("ticks.monitor_interval must be greater than 0")
	}

	if cfg.Strategy.PayoutRatio <= 0 {
		return fmt.Errorf("strategy.payout_ratio must be greater than 0")
	}
	if cfg.Strategy.MaxAmount <= 0 {
		return fmt.Errorf("strategy.max_amount must be greater than 0")
	}

	if cfg.Settings.Path == "" {
		return fmt.Errorf("settings.path is required")
	}

	if cfg.Archive.Enabled {
		if cfg.Archive.Bucket == "" {
			return fmt.Errorf("archive.bucket is required when the archive is enabled")
		}
		if cfg.Archive.Region == "" {
			return fmt.Errorf("archive.region is required when the archive is enabled")
		}
		if !isValidS3Bucket(cfg.Archive.Bucket) {
			return fmt.Errorf("archive.bucket '%s' is invalid", cfg.Archive.Bucket)
		}
		if cfg.Archive.FlushInterval <= 0 {
			return fmt.Errorf("archive.flush_interval must be greater than 0")
		}
	}

	return nil
}

var s3BucketPattern = regexp.MustCompile(`^[a-z0-9][a-z0-9.-]{1,61}[a-z0-9]$`)

func isValidS3Bucket(name string) bool {
	if !s3BucketPattern.MatchString(name) {
		return false
	}
	return !strings.Contains(name, "..")
}
