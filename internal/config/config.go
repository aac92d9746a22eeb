package config

import (
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// Config struct for environment variables.
type Config struct {
	DataDir string `envconfig:"DATA_DIR" required:"true"`
	DBPath  string `envconfig:"DB_PATH" default:"offline.db"`
	TempDir string `envconfig:"TEMP_DIR"`

	BackendBaseURL string `envconfig:"BACKEND_BASE_URL" required:"true"`
	BackendToken   string `envconfig:"BACKEND_TOKEN" required:"true"`

	RequiredSpaceMB  uint64        `envconfig:"REQUIRED_SPACE_MB" default:"200"`
	SpaceMarginMB    uint64        `envconfig:"SPACE_MARGIN_MB" default:"50"`
	SweepInterval    time.Duration `envconfig:"SWEEP_INTERVAL" default:"24h"`
	EncryptDownloads bool          `envconfig:"ENCRYPT_DOWNLOADS" default:"false"`

	AlertWebhookURL string `envconfig:"ALERT_WEBHOOK_URL"`
	LogLevel        string `envconfig:"LOG_LEVEL" default:"INFO"`

	Web struct {
		BindAddress     string        `split_words:"true" default:"127.0.0.1:8712"`
		Username        string        `split_words:"true"`
		Password        string        `split_words:"true"`
		ReadTimeout     time.Duration `split_words:"true" default:"30s"`
		WriteTimeout    time.Duration `split_words:"true" default:"30s"`
		IdleTimeout     time.Duration `split_words:"true" default:"5s"`
		ShutdownTimeout time.Duration `split_words:"true" default:"30s"`
	}

	Telemetry struct {
		Enabled        bool   `split_words:"true" default:"true"`
		ServiceName    string `split_words:"true" default:"offline_manager"`
		ServiceVersion string `split_words:"true" default:"dev"`
	}
}

// LoadConfig reads environment variables and populates the Config struct.
func LoadConfig() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("error processing env: %w", err)
	}

	if cfg.TempDir == "" {
		cfg.TempDir = filepath.Join(cfg.DataDir, "tmp")
	}

	return &cfg, nil
}

func (c *Config) SlogLevel() slog.Level {
	switch strings.ToUpper(c.LogLevel) {
	case "DEBUG":
		return slog.LevelDebug
	case "INFO":
		return slog.LevelInfo
	case "WARN":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
