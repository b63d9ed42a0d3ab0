// Package config provides configuration loading from environment variables,
// an optional .env file and an optional YAML profiles file.
package config

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/sethvargo/go-envconfig"
	"gopkg.in/yaml.v3"

	"github.com/maauso/stockreel-api/internal/media"
)

// Static errors for configuration validation.
var (
	// ErrPexelsAPIKeyRequired is returned when PEXELS_API_KEY is not set.
	ErrPexelsAPIKeyRequired = errors.New("config: PEXELS_API_KEY is required")
	// ErrDatabaseURLRequired is returned when the postgres ledger has no DATABASE_URL.
	ErrDatabaseURLRequired = errors.New("config: DATABASE_URL is required for the postgres ledger")
	// ErrInvalidLedgerBackend is returned for an unknown LEDGER_BACKEND.
	ErrInvalidLedgerBackend = errors.New("config: LEDGER_BACKEND must be file, postgres or memory")
)

// Ledger backends.
const (
	LedgerFile     = "file"
	LedgerPostgres = "postgres"
	LedgerMemory   = "memory"
)

// Config holds all configuration for the application.
type Config struct {
	// Server settings
	Port         int   `env:"PORT, default=8080" json:"port"`
	MaxBodyBytes int64 `env:"MAX_BODY_BYTES, default=536870912" json:"max_body_bytes"`

	// Pexels settings
	PexelsAPIKey     string `env:"PEXELS_API_KEY, required" json:"-"` // Masked in JSON
	SearchTimeoutSec int    `env:"SEARCH_TIMEOUT_SEC, default=15" json:"search_timeout_sec"`

	// Storage settings
	TempDir            string `env:"TEMP_DIR, default=/tmp/stockreel" json:"temp_dir"`
	DownloadDir        string `env:"DOWNLOAD_DIR" json:"download_dir"`
	InputDir           string `env:"INPUT_DIR" json:"input_dir"`
	DownloadTimeoutSec int    `env:"DOWNLOAD_TIMEOUT_SEC, default=60" json:"download_timeout_sec"`
	KeepDownloads      bool   `env:"KEEP_DOWNLOADS, default=false" json:"keep_downloads"`

	// Processing settings
	MaxConcurrentClips int    `env:"MAX_CONCURRENT_CLIPS, default=3" json:"max_concurrent_clips"`
	FFmpegPath         string `env:"FFMPEG_PATH, default=ffmpeg" json:"ffmpeg_path"`
	FFprobePath        string `env:"FFPROBE_PATH, default=ffprobe" json:"ffprobe_path"`
	ProfilesFile       string `env:"PROFILES_FILE" json:"profiles_file,omitempty"`

	// Ledger settings
	LedgerBackend string `env:"LEDGER_BACKEND, default=file" json:"ledger_backend"`
	LedgerPath    string `env:"LEDGER_PATH" json:"ledger_path"`
	DatabaseURL   string `env:"DATABASE_URL" json:"-"` // Masked in JSON

	// Optional S3 settings
	S3Bucket           string `env:"S3_BUCKET" json:"s3_bucket,omitempty"`
	S3Region           string `env:"S3_REGION" json:"s3_region,omitempty"`
	S3Endpoint         string `env:"S3_ENDPOINT" json:"s3_endpoint,omitempty"`
	S3Prefix           string `env:"S3_PREFIX" json:"s3_prefix,omitempty"`
	AWSAccessKeyID     string `env:"AWS_ACCESS_KEY_ID" json:"-"`     // Masked in JSON
	AWSSecretAccessKey string `env:"AWS_SECRET_ACCESS_KEY" json:"-"` // Masked in JSON

	// Logging settings
	LogFormat string `env:"LOG_FORMAT, default=text" json:"log_format"` // "json" or "text"
	LogLevel  string `env:"LOG_LEVEL, default=info" json:"log_level"`   // "debug", "info", "warn", "error"
}

// S3Enabled returns true if S3 configuration is provided.
func (c *Config) S3Enabled() bool {
	return c.S3Bucket != "" && c.S3Region != ""
}

// SearchTimeout returns the Pexels request timeout.
func (c *Config) SearchTimeout() time.Duration {
	return time.Duration(c.SearchTimeoutSec) * time.Second
}

// DownloadTimeout returns the per-asset download timeout.
func (c *Config) DownloadTimeout() time.Duration {
	return time.Duration(c.DownloadTimeoutSec) * time.Second
}

// Load reads an optional .env file from the working directory, then the
// environment. Variables already set take precedence over the file.
func Load() (*Config, error) {
	return LoadFrom(".env")
}

// LoadFrom is Load with an explicit .env path. A missing file is ignored.
func LoadFrom(dotenv string) (*Config, error) {
	if dotenv != "" {
		if err := godotenv.Load(dotenv); err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("config: load %s: %w", dotenv, err)
		}
	}

	cfg := &Config{}
	if err := envconfig.Process(context.Background(), cfg); err != nil {
		if strings.Contains(err.Error(), "PEXELS_API_KEY") {
			return nil, ErrPexelsAPIKeyRequired
		}
		return nil, fmt.Errorf("config: %w", err)
	}

	if cfg.DownloadDir == "" {
		cfg.DownloadDir = filepath.Join(cfg.TempDir, "pexels_downloads")
	}
	if cfg.InputDir == "" {
		cfg.InputDir = filepath.Join(cfg.TempDir, "inputs")
	}
	if cfg.LedgerPath == "" {
		cfg.LedgerPath = filepath.Join(cfg.TempDir, "pexels_used_assets.json")
	}
	cfg.LedgerBackend = strings.ToLower(cfg.LedgerBackend)
	return cfg, nil
}

// Validate checks that all required configuration is present and coherent.
func (c *Config) Validate() error {
	if c.PexelsAPIKey == "" {
		return ErrPexelsAPIKeyRequired
	}
	switch c.LedgerBackend {
	case LedgerFile, LedgerMemory:
	case LedgerPostgres:
		if c.DatabaseURL == "" {
			return ErrDatabaseURLRequired
		}
	default:
		return fmt.Errorf("%w: %q", ErrInvalidLedgerBackend, c.LedgerBackend)
	}
	if c.MaxConcurrentClips < 1 {
		return fmt.Errorf("config: MAX_CONCURRENT_CLIPS must be positive, got %d", c.MaxConcurrentClips)
	}
	return nil
}

// NewLogger creates a structured logger based on the configuration.
// When LogFormat is "json", it outputs JSON logs suitable for production.
// Otherwise, it outputs human-readable text logs.
func (c *Config) NewLogger() *slog.Logger {
	return NewLogger(os.Stdout, c.LogFormat, c.LogLevel)
}

// NewLogger builds a text or JSON logger writing to w.
func NewLogger(w io.Writer, format, level string) *slog.Logger {
	opts := &slog.HandlerOptions{Level: parseLogLevel(level)}

	var handler slog.Handler
	if strings.ToLower(format) == "json" {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}
	return slog.New(handler)
}

// String returns a string representation of the config with sensitive values masked.
func (c *Config) String() string {
	return fmt.Sprintf(
		"Config{Port: %d, PexelsAPIKey: %s, TempDir: %s, DownloadDir: %s, MaxConcurrentClips: %d, LedgerBackend: %s, LedgerPath: %s, DatabaseURL: %s, S3Bucket: %s, S3Region: %s, LogFormat: %s, LogLevel: %s}",
		c.Port,
		mask(c.PexelsAPIKey),
		c.TempDir,
		c.DownloadDir,
		c.MaxConcurrentClips,
		c.LedgerBackend,
		c.LedgerPath,
		mask(c.DatabaseURL),
		c.S3Bucket,
		c.S3Region,
		c.LogFormat,
		c.LogLevel,
	)
}

func mask(s string) string {
	if s == "" {
		return ""
	}
	return "****"
}

// parseLogLevel converts a string log level to slog.Level.
func parseLogLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Profiles overrides the built-in encoder profiles and the person filter.
// Zero fields keep the defaults.
type Profiles struct {
	Chroma   media.EncodeParams `yaml:"chroma"`
	Montage  media.EncodeParams `yaml:"montage"`
	Denylist []string           `yaml:"denylist"`
}

// LoadProfiles reads the YAML profiles file. An empty path yields zero
// Profiles.
func LoadProfiles(path string) (Profiles, error) {
	var p Profiles
	if path == "" {
		return p, nil
	}
	data, err := os.ReadFile(path) // #nosec G304 - operator supplied path
	if err != nil {
		return p, fmt.Errorf("config: read profiles: %w", err)
	}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&p); err != nil && !errors.Is(err, io.EOF) {
		return p, fmt.Errorf("config: parse profiles %s: %w", path, err)
	}
	for i, term := range p.Denylist {
		p.Denylist[i] = strings.ToLower(strings.TrimSpace(term))
	}
	return p, nil
}
