package config

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_RequiredVariables(t *testing.T) {
	t.Run("missing PEXELS_API_KEY returns error", func(t *testing.T) {
		t.Setenv("PEXELS_API_KEY", "")
		os.Unsetenv("PEXELS_API_KEY")

		_, err := LoadFrom("")
		require.Error(t, err)
		assert.ErrorIs(t, err, ErrPexelsAPIKeyRequired)
	})

	t.Run("all required variables present succeeds", func(t *testing.T) {
		t.Setenv("PEXELS_API_KEY", "test-api-key")

		cfg, err := LoadFrom("")
		require.NoError(t, err)
		assert.Equal(t, "test-api-key", cfg.PexelsAPIKey)
	})
}

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("PEXELS_API_KEY", "test-api-key")

	cfg, err := LoadFrom("")
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Port)
	assert.Equal(t, "/tmp/stockreel", cfg.TempDir)
	assert.Equal(t, "/tmp/stockreel/pexels_downloads", cfg.DownloadDir)
	assert.Equal(t, "/tmp/stockreel/inputs", cfg.InputDir)
	assert.Equal(t, "/tmp/stockreel/pexels_used_assets.json", cfg.LedgerPath)
	assert.Equal(t, LedgerFile, cfg.LedgerBackend)
	assert.Equal(t, 3, cfg.MaxConcurrentClips)
	assert.Equal(t, 15, cfg.SearchTimeoutSec)
	assert.Equal(t, 60, cfg.DownloadTimeoutSec)
	assert.Equal(t, "ffmpeg", cfg.FFmpegPath)
	assert.Equal(t, "ffprobe", cfg.FFprobePath)
	assert.False(t, cfg.KeepDownloads)
	assert.Equal(t, "text", cfg.LogFormat)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.NoError(t, cfg.Validate())
}

func TestLoad_CustomValues(t *testing.T) {
	t.Setenv("PEXELS_API_KEY", "custom-api-key")
	t.Setenv("PORT", "3000")
	t.Setenv("TEMP_DIR", "/custom/temp")
	t.Setenv("DOWNLOAD_DIR", "/custom/downloads")
	t.Setenv("MAX_CONCURRENT_CLIPS", "6")
	t.Setenv("SEARCH_TIMEOUT_SEC", "5")
	t.Setenv("LEDGER_BACKEND", "Postgres")
	t.Setenv("DATABASE_URL", "postgres://user:pw@localhost/stock")
	t.Setenv("S3_BUCKET", "my-bucket")
	t.Setenv("S3_REGION", "us-east-1")
	t.Setenv("S3_ENDPOINT", "http://localhost:9000")
	t.Setenv("AWS_ACCESS_KEY_ID", "access-key")
	t.Setenv("AWS_SECRET_ACCESS_KEY", "secret-key")
	t.Setenv("LOG_FORMAT", "json")
	t.Setenv("LOG_LEVEL", "debug")

	cfg, err := LoadFrom("")
	require.NoError(t, err)

	assert.Equal(t, 3000, cfg.Port)
	assert.Equal(t, "/custom/temp", cfg.TempDir)
	assert.Equal(t, "/custom/downloads", cfg.DownloadDir)
	assert.Equal(t, "/custom/temp/pexels_used_assets.json", cfg.LedgerPath)
	assert.Equal(t, 6, cfg.MaxConcurrentClips)
	assert.Equal(t, "5s", cfg.SearchTimeout().String())
	assert.Equal(t, LedgerPostgres, cfg.LedgerBackend)
	assert.Equal(t, "my-bucket", cfg.S3Bucket)
	assert.Equal(t, "http://localhost:9000", cfg.S3Endpoint)
	assert.Equal(t, "access-key", cfg.AWSAccessKeyID)
	assert.Equal(t, "secret-key", cfg.AWSSecretAccessKey)
	assert.Equal(t, "json", cfg.LogFormat)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.True(t, cfg.S3Enabled())
}

func TestLoad_InvalidInteger(t *testing.T) {
	t.Setenv("PEXELS_API_KEY", "test-api-key")
	t.Setenv("PORT", "not-a-number")

	// go-envconfig returns an error when parsing fails
	_, err := LoadFrom("")
	require.Error(t, err)
}

func TestLoad_DotEnv(t *testing.T) {
	t.Setenv("PEXELS_API_KEY", "from-environment")
	path := filepath.Join(t.TempDir(), ".env")
	require.NoError(t, os.WriteFile(path, []byte("PEXELS_API_KEY=from-file\nMAX_CONCURRENT_CLIPS=7\n"), 0o600))
	t.Cleanup(func() { os.Unsetenv("MAX_CONCURRENT_CLIPS") })

	cfg, err := LoadFrom(path)
	require.NoError(t, err)

	// the environment wins over the file
	assert.Equal(t, "from-environment", cfg.PexelsAPIKey)
	assert.Equal(t, 7, cfg.MaxConcurrentClips)
}

func TestLoad_MissingDotEnvIgnored(t *testing.T) {
	t.Setenv("PEXELS_API_KEY", "test-api-key")

	_, err := LoadFrom(filepath.Join(t.TempDir(), "absent.env"))
	assert.NoError(t, err)
}

func TestConfig_S3Enabled(t *testing.T) {
	tests := []struct {
		name     string
		bucket   string
		region   string
		expected bool
	}{
		{"both set", "bucket", "region", true},
		{"only bucket", "bucket", "", false},
		{"only region", "", "region", false},
		{"neither set", "", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := &Config{
				S3Bucket: tt.bucket,
				S3Region: tt.region,
			}
			assert.Equal(t, tt.expected, cfg.S3Enabled())
		})
	}
}

func TestConfig_String(t *testing.T) {
	cfg := &Config{
		Port:          8080,
		PexelsAPIKey:  "secret-key",
		TempDir:       "/tmp/test",
		LedgerBackend: LedgerPostgres,
		DatabaseURL:   "postgres://user:hunter2@db/stock",
		S3Bucket:      "bucket",
		LogFormat:     "json",
		LogLevel:      "info",
	}

	str := cfg.String()

	assert.Contains(t, str, "8080")
	assert.Contains(t, str, "/tmp/test")
	assert.Contains(t, str, "postgres")

	assert.NotContains(t, str, "secret-key")
	assert.NotContains(t, str, "hunter2")
}

func TestNewLogger(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(&buf, "json", "warn")
	logger.Info("hidden")
	logger.Warn("test message")

	assert.NotContains(t, buf.String(), "hidden")
	assert.Contains(t, buf.String(), `"msg":"test message"`)

	buf.Reset()
	NewLogger(&buf, "text", "debug").Debug("plain")
	assert.Contains(t, buf.String(), "msg=plain")

	cfg := &Config{LogFormat: "text", LogLevel: "debug"}
	require.NotNil(t, cfg.NewLogger())
}

func TestParseLogLevel(t *testing.T) {
	tests := []struct {
		input    string
		expected string
	}{
		{"debug", "DEBUG"},
		{"DEBUG", "DEBUG"},
		{"info", "INFO"},
		{"warn", "WARN"},
		{"warning", "WARN"},
		{"ERROR", "ERROR"},
		{"unknown", "INFO"}, // defaults to info
		{"", "INFO"},        // defaults to info
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			assert.Equal(t, tt.expected, parseLogLevel(tt.input).String())
		})
	}
}

func TestConfig_Validate(t *testing.T) {
	valid := func() *Config {
		return &Config{PexelsAPIKey: "key", LedgerBackend: LedgerFile, MaxConcurrentClips: 3}
	}

	t.Run("valid config", func(t *testing.T) {
		assert.NoError(t, valid().Validate())
	})

	t.Run("missing API key", func(t *testing.T) {
		cfg := valid()
		cfg.PexelsAPIKey = ""
		assert.ErrorIs(t, cfg.Validate(), ErrPexelsAPIKeyRequired)
	})

	t.Run("postgres without database URL", func(t *testing.T) {
		cfg := valid()
		cfg.LedgerBackend = LedgerPostgres
		assert.ErrorIs(t, cfg.Validate(), ErrDatabaseURLRequired)
	})

	t.Run("unknown ledger backend", func(t *testing.T) {
		cfg := valid()
		cfg.LedgerBackend = "redis"
		assert.ErrorIs(t, cfg.Validate(), ErrInvalidLedgerBackend)
	})

	t.Run("no clip workers", func(t *testing.T) {
		cfg := valid()
		cfg.MaxConcurrentClips = 0
		assert.Error(t, cfg.Validate())
	})
}

func TestLoadProfiles(t *testing.T) {
	t.Run("empty path keeps defaults", func(t *testing.T) {
		p, err := LoadProfiles("")
		require.NoError(t, err)
		assert.Zero(t, p.Montage)
		assert.Empty(t, p.Denylist)
	})

	t.Run("overrides", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "profiles.yaml")
		require.NoError(t, os.WriteFile(path, []byte(`
chroma:
  preset: fast
  bitrate: 6000k
montage:
  fps: 30
  threads: 2
denylist:
  - " Person "
  - crowd
`), 0o600))

		p, err := LoadProfiles(path)
		require.NoError(t, err)
		assert.Equal(t, "fast", p.Chroma.Preset)
		assert.Equal(t, "6000k", p.Chroma.Bitrate)
		assert.InDelta(t, 30, p.Montage.FPS, 1e-9)
		assert.Equal(t, 2, p.Montage.Threads)
		assert.Equal(t, []string{"person", "crowd"}, p.Denylist)
	})

	t.Run("unknown field rejected", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "profiles.yaml")
		require.NoError(t, os.WriteFile(path, []byte("montage:\n  crf: 18\n"), 0o600))

		_, err := LoadProfiles(path)
		assert.Error(t, err)
	})

	t.Run("empty file", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "profiles.yaml")
		require.NoError(t, os.WriteFile(path, nil, 0o600))

		_, err := LoadProfiles(path)
		assert.NoError(t, err)
	})

	t.Run("missing file", func(t *testing.T) {
		_, err := LoadProfiles(filepath.Join(t.TempDir(), "nope.yaml"))
		assert.Error(t, err)
	})
}
