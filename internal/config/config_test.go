package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func chdirTemp(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	origDir, _ := os.Getwd()
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { os.Chdir(origDir) }) //nolint:errcheck
	return dir
}

func TestLoadDefaults(t *testing.T) {
	// Change to temp dir so no config.yaml is found
	chdirTemp(t)

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "sqlite", cfg.Store.Driver)
	assert.Equal(t, "visadoc.db", cfg.Store.DatabaseURL)
	assert.Equal(t, int32(10), cfg.Store.MaxConns)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "json", cfg.Log.Format)
	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, []string{"*"}, cfg.Server.AllowedOrigins)
	assert.Equal(t, "anthropic", cfg.Extraction.Provider)
	assert.Equal(t, "claude-haiku-4-5-20251001", cfg.Anthropic.Model)
	assert.Equal(t, int64(2048), cfg.Anthropic.MaxTokens)
	assert.InDelta(t, 2.0, cfg.Extraction.RatePerSecond, 0.001)
	assert.InDelta(t, 0.8, cfg.Extraction.LabelConfidence, 0.001)
	assert.Equal(t, 3, cfg.Extraction.Retry.MaxAttempts)
	assert.Equal(t, 5, cfg.Extraction.Circuit.FailureThreshold)
	assert.InDelta(t, 0.75, cfg.Analysis.VerifyThreshold, 0.001)
	assert.Equal(t, 1, cfg.Analysis.Concurrency)
	assert.Equal(t, 0, cfg.Analysis.StaleAfterMins)
	assert.Equal(t, 30, cfg.Analysis.LongPollMaxSecs)
	assert.Empty(t, cfg.Catalog.Path)
}

func TestLoadFromYAML(t *testing.T) {
	dir := chdirTemp(t)

	yaml := `
store:
  driver: postgres
  database_url: postgres://localhost/visadoc
log:
  level: debug
  format: console
server:
  port: 9090
analysis:
  verify_threshold: 0.9
  concurrency: 4
extraction:
  provider: label
  retry:
    max_attempts: 5
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(yaml), 0644))

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "postgres", cfg.Store.Driver)
	assert.Equal(t, "postgres://localhost/visadoc", cfg.Store.DatabaseURL)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "console", cfg.Log.Format)
	assert.Equal(t, 9090, cfg.Server.Port)
	assert.InDelta(t, 0.9, cfg.Analysis.VerifyThreshold, 0.001)
	assert.Equal(t, 4, cfg.Analysis.Concurrency)
	assert.Equal(t, "label", cfg.Extraction.Provider)
	assert.Equal(t, 5, cfg.Extraction.Retry.MaxAttempts)
	// Defaults still apply for unset values
	assert.Equal(t, 500, cfg.Extraction.Retry.InitialBackoffMs)
	assert.Equal(t, 60, cfg.Analysis.WatchdogIntervalSecs)
}

func TestLoadEnvOverridesFile(t *testing.T) {
	dir := chdirTemp(t)

	yaml := `
store:
  driver: sqlite
log:
  level: debug
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(yaml), 0644))

	t.Setenv("VISADOC_STORE_DRIVER", "postgres")
	t.Setenv("VISADOC_LOG_LEVEL", "warn")

	cfg, err := Load()
	require.NoError(t, err)

	// Env overrides file
	assert.Equal(t, "postgres", cfg.Store.Driver)
	assert.Equal(t, "warn", cfg.Log.Level)
}

func TestLoadEnvOverridesDefaults(t *testing.T) {
	chdirTemp(t)

	t.Setenv("VISADOC_SERVER_PORT", "3000")
	t.Setenv("VISADOC_ANALYSIS_STALE_AFTER_MINS", "15")
	t.Setenv("VISADOC_ANTHROPIC_KEY", "sk-ant-key")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 3000, cfg.Server.Port)
	assert.Equal(t, 15, cfg.Analysis.StaleAfterMins)
	assert.Equal(t, 15*time.Minute, cfg.Analysis.StaleAfter())
	assert.Equal(t, "sk-ant-key", cfg.Anthropic.Key)
}

func TestLoadInvalidYAML(t *testing.T) {
	dir := chdirTemp(t)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte("store: [unclosed"), 0644))

	_, err := Load()
	assert.Error(t, err)
}

func TestInitLoggerConsole(t *testing.T) {
	err := InitLogger(LogConfig{Level: "debug", Format: "console"})
	require.NoError(t, err)
	assert.NotNil(t, zap.L())
}

func TestInitLoggerJSON(t *testing.T) {
	err := InitLogger(LogConfig{Level: "info", Format: "json"})
	require.NoError(t, err)
	assert.NotNil(t, zap.L())
}

func TestInitLoggerInvalidLevel(t *testing.T) {
	err := InitLogger(LogConfig{Level: "invalid", Format: "json"})
	assert.Error(t, err)
}

// validDefaults returns a Config with all defaults populated for validation tests.
func validDefaults() *Config {
	cfg := &Config{}
	cfg.Store.Driver = "sqlite"
	cfg.Store.DatabaseURL = "visadoc.db"
	cfg.Extraction.Provider = "label"
	cfg.Analysis.VerifyThreshold = 0.75
	cfg.Analysis.Concurrency = 1
	cfg.Server.Port = 8080
	return cfg
}

func TestValidateStore(t *testing.T) {
	cfg := validDefaults()
	assert.NoError(t, cfg.Validate("store"))

	cfg.Store.Driver = "mysql"
	cfg.Store.DatabaseURL = ""
	err := cfg.Validate("store")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "store.driver must be sqlite or postgres")
	assert.Contains(t, err.Error(), "store.database_url is required")
}

func TestValidateStore_IgnoresExtraction(t *testing.T) {
	cfg := validDefaults()
	cfg.Extraction.Provider = "anthropic"
	cfg.Analysis.Concurrency = 0

	assert.NoError(t, cfg.Validate("store"))
	assert.Error(t, cfg.Validate("analyze"))
}

func TestValidateAnalyze_AnthropicNeedsKey(t *testing.T) {
	cfg := validDefaults()
	cfg.Extraction.Provider = "anthropic"

	err := cfg.Validate("analyze")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "anthropic.key is required")

	cfg.Anthropic.Key = "sk-ant-key"
	assert.NoError(t, cfg.Validate("analyze"))
}

func TestValidateAnalyze_UnknownProvider(t *testing.T) {
	cfg := validDefaults()
	cfg.Extraction.Provider = "ocr"

	err := cfg.Validate("analyze")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "extraction.provider must be anthropic or label")
}

func TestValidateThresholdBounds(t *testing.T) {
	cfg := validDefaults()

	for _, bad := range []float64{0, -0.1, 1.01} {
		cfg.Analysis.VerifyThreshold = bad
		err := cfg.Validate("analyze")
		require.Error(t, err, "threshold %v", bad)
		assert.Contains(t, err.Error(), "analysis.verify_threshold")
	}

	cfg.Analysis.VerifyThreshold = 1
	assert.NoError(t, cfg.Validate("analyze"))
}

func TestValidateConcurrencyBounds(t *testing.T) {
	cfg := validDefaults()

	cfg.Analysis.Concurrency = 0
	err := cfg.Validate("serve")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "analysis.concurrency must be >= 1")

	cfg.Analysis.Concurrency = 8
	assert.NoError(t, cfg.Validate("serve"))
}

func TestValidateNegativeValues(t *testing.T) {
	cfg := validDefaults()
	cfg.Analysis.StaleAfterMins = -1
	cfg.Extraction.RatePerSecond = -2

	err := cfg.Validate("analyze")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "analysis.stale_after_mins")
	assert.Contains(t, err.Error(), "extraction.rate_per_second")
}

func TestValidateServe_ValidPort(t *testing.T) {
	cfg := validDefaults()
	cfg.Server.Port = 9090

	assert.NoError(t, cfg.Validate("serve"))
}

func TestValidateServe_InvalidPort(t *testing.T) {
	cfg := validDefaults()
	cfg.Server.Port = 0

	err := cfg.Validate("serve")
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "server.port must be > 0")
	assert.NoError(t, cfg.Validate("analyze"))
}

func TestValidateUnknownMode(t *testing.T) {
	cfg := validDefaults()
	err := cfg.Validate("unknown")
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "unknown mode")
}
