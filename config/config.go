package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"strings"
	"time"

	"github.com/caarlos0/env/v9"
	"github.com/joho/godotenv"
)

// Config represents the root configuration structure
type Config struct {
	LogLevel string `env:"LOG_LEVEL" envDefault:"info"`

	Sentry  SentryConfig
	Metrics MetricsConfig
	Store   StoreConfig
	Source  SourceConfig
	Bot     BotConfig
}

// SentryConfig contains configuration for Sentry error tracking
type SentryConfig struct {
	DSN string `env:"SENTRY_DSN"`
}

// MetricsConfig enables the OTLP metrics exporter when an endpoint is set.
// The exporter reads the rest of the OTEL_EXPORTER_OTLP_* variables itself.
type MetricsConfig struct {
	OTLPEndpoint   string        `env:"OTEL_EXPORTER_OTLP_ENDPOINT"`
	ExportInterval time.Duration `env:"OTEL_METRIC_EXPORT_INTERVAL_DURATION" envDefault:"60s"`
}

// StoreConfig contains configuration for the managed image directory
type StoreConfig struct {
	Dir          string        `env:"IMAGE_DIR" envDefault:"imgs"`
	FetchTimeout time.Duration `env:"IMAGE_FETCH_TIMEOUT" envDefault:"15s"`
	MaxBytes     int64         `env:"IMAGE_MAX_BYTES" envDefault:"10485760"`
}

// SourceConfig contains configuration for the upstream image API
type SourceConfig struct {
	APIURL        string        `env:"SOURCE_API_URL" envDefault:"https://api.lolicon.app/setu/v2"`
	Timeout       time.Duration `env:"SOURCE_TIMEOUT" envDefault:"10s"`
	RatePerMinute int           `env:"SOURCE_RATE_PER_MINUTE" envDefault:"30"`

	R18         int      `env:"SOURCE_R18" envDefault:"0"`
	Tags        []string `env:"SOURCE_TAGS" envSeparator:";"`
	Size        []string `env:"SOURCE_SIZE" envDefault:"original"`
	UIDs        []int64  `env:"SOURCE_UIDS"`
	Keyword     string   `env:"SOURCE_KEYWORD"`
	Proxy       string   `env:"SOURCE_PROXY"`
	ExcludeAI   bool     `env:"SOURCE_EXCLUDE_AI" envDefault:"true"`
	AspectRatio string   `env:"SOURCE_ASPECT_RATIO" envDefault:"gt1"`
}

// BotConfig contains configuration for bot settings
type BotConfig struct {
	Telegram TelegramConfig

	TriggerKeywords       []string      `env:"BOT_TRIGGER_KEYWORDS" envDefault:"我要色色,我要色图,我要涩涩"`
	MaxConcurrentRequests int           `env:"BOT_MAX_CONCURRENT_REQUESTS" envDefault:"4"`
	RequestTimeout        time.Duration `env:"BOT_REQUEST_TIMEOUT" envDefault:"60s"`
	ReclaimGrace          time.Duration `env:"BOT_RECLAIM_GRACE" envDefault:"0s"`
	AdminIDs              []int64       `env:"BOT_ADMIN_IDS"`
}

// TelegramConfig contains configuration for Telegram bot
type TelegramConfig struct {
	Token string `env:"TELEGRAM_TOKEN,required"`
}

// Load reads .env (if present) and populates Config from environment variables
func Load() (*Config, error) {
	// .env is optional, but a broken one is not
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}

	cfg.Bot.TriggerKeywords = normalizeKeywords(cfg.Bot.TriggerKeywords)

	if cfg.Bot.MaxConcurrentRequests < 1 {
		cfg.Bot.MaxConcurrentRequests = 1
	}
	if cfg.Source.R18 < 0 || cfg.Source.R18 > 2 {
		return nil, fmt.Errorf("SOURCE_R18 must be 0, 1 or 2, got %d", cfg.Source.R18)
	}

	return &cfg, nil
}

// SlogLevel maps LogLevel to a slog.Level, falling back to info
func (c *Config) SlogLevel() slog.Level {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return slog.LevelInfo
	}

	return level
}

func normalizeKeywords(keywords []string) []string {
	result := make([]string, 0, len(keywords))
	for _, k := range keywords {
		k = strings.ToLower(strings.TrimSpace(k))
		if k != "" {
			result = append(result, k)
		}
	}

	return result
}
