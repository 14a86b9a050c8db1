package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config holds the full application configuration.
type Config struct {
	Store      StoreConfig      `yaml:"store" mapstructure:"store"`
	Catalog    CatalogConfig    `yaml:"catalog" mapstructure:"catalog"`
	Anthropic  AnthropicConfig  `yaml:"anthropic" mapstructure:"anthropic"`
	Extraction ExtractionConfig `yaml:"extraction" mapstructure:"extraction"`
	Analysis   AnalysisConfig   `yaml:"analysis" mapstructure:"analysis"`
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

// CatalogConfig selects the requirement catalog. An empty path uses the
// embedded catalog.
type CatalogConfig struct {
	Path string `yaml:"path" mapstructure:"path"`
}

// AnthropicConfig holds Anthropic API settings.
type AnthropicConfig struct {
	Key       string `yaml:"key" mapstructure:"key"`
	Model     string `yaml:"model" mapstructure:"model"`
	MaxTokens int64  `yaml:"max_tokens" mapstructure:"max_tokens"`
}

// ExtractionConfig configures the extraction collaborator and its guard.
type ExtractionConfig struct {
	Provider        string        `yaml:"provider" mapstructure:"provider"`
	RatePerSecond   float64       `yaml:"rate_per_second" mapstructure:"rate_per_second"`
	Burst           int           `yaml:"burst" mapstructure:"burst"`
	LabelConfidence float64       `yaml:"label_confidence" mapstructure:"label_confidence"`
	Retry           RetryConfig   `yaml:"retry" mapstructure:"retry"`
	Circuit         CircuitConfig `yaml:"circuit" mapstructure:"circuit"`
}

// RetryConfig configures retries of transient extraction failures.
type RetryConfig struct {
	MaxAttempts      int `yaml:"max_attempts" mapstructure:"max_attempts"`
	InitialBackoffMs int `yaml:"initial_backoff_ms" mapstructure:"initial_backoff_ms"`
	MaxBackoffMs     int `yaml:"max_backoff_ms" mapstructure:"max_backoff_ms"`
}

// CircuitConfig configures the extraction circuit breaker.
type CircuitConfig struct {
	FailureThreshold int `yaml:"failure_threshold" mapstructure:"failure_threshold"`
	ResetTimeoutSecs int `yaml:"reset_timeout_secs" mapstructure:"reset_timeout_secs"`
}

// AnalysisConfig configures analysis sessions and gap analysis.
type AnalysisConfig struct {
	VerifyThreshold      float64 `yaml:"verify_threshold" mapstructure:"verify_threshold"`
	Concurrency          int     `yaml:"concurrency" mapstructure:"concurrency"`
	StaleAfterMins       int     `yaml:"stale_after_mins" mapstructure:"stale_after_mins"`
	WatchdogIntervalSecs int     `yaml:"watchdog_interval_secs" mapstructure:"watchdog_interval_secs"`
	LongPollMaxSecs      int     `yaml:"long_poll_max_secs" mapstructure:"long_poll_max_secs"`
}

// StaleAfter is the inactivity window after which an in-flight session is
// failed. Zero disables expiry.
func (a AnalysisConfig) StaleAfter() time.Duration {
	return time.Duration(a.StaleAfterMins) * time.Minute
}

// ServerConfig configures the HTTP server.
type ServerConfig struct {
	Port           int      `yaml:"port" mapstructure:"port"`
	AllowedOrigins []string `yaml:"allowed_origins" mapstructure:"allowed_origins"`
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
	v.SetEnvPrefix("VISADOC")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("store.driver", "sqlite")
	v.SetDefault("store.database_url", "visadoc.db")
	v.SetDefault("store.max_conns", 10)
	v.SetDefault("store.min_conns", 2)
	v.SetDefault("anthropic.key", "")
	v.SetDefault("anthropic.model", "claude-haiku-4-5-20251001")
	v.SetDefault("anthropic.max_tokens", 2048)
	v.SetDefault("catalog.path", "")
	v.SetDefault("extraction.provider", "anthropic")
	v.SetDefault("extraction.rate_per_second", 2.0)
	v.SetDefault("extraction.burst", 2)
	v.SetDefault("extraction.label_confidence", 0.8)
	v.SetDefault("extraction.retry.max_attempts", 3)
	v.SetDefault("extraction.retry.initial_backoff_ms", 500)
	v.SetDefault("extraction.retry.max_backoff_ms", 30000)
	v.SetDefault("extraction.circuit.failure_threshold", 5)
	v.SetDefault("extraction.circuit.reset_timeout_secs", 30)
	v.SetDefault("analysis.verify_threshold", 0.75)
	v.SetDefault("analysis.concurrency", 1)
	v.SetDefault("analysis.stale_after_mins", 0)
	v.SetDefault("analysis.watchdog_interval_secs", 60)
	v.SetDefault("analysis.long_poll_max_secs", 30)
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.allowed_origins", []string{"*"})
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

// Validate checks the settings a command needs. mode is one of "store"
// (database only), "analyze" (store plus extraction and analysis) and
// "serve" (everything).
func (c *Config) Validate(mode string) error {
	var problems []string
	add := func(format string, args ...any) {
		problems = append(problems, fmt.Sprintf(format, args...))
	}

	switch mode {
	case "store", "analyze", "serve":
	default:
		return eris.Errorf("config: unknown mode %q", mode)
	}

	switch c.Store.Driver {
	case "sqlite", "postgres":
	default:
		add("store.driver must be sqlite or postgres, got %q", c.Store.Driver)
	}
	if c.Store.DatabaseURL == "" {
		add("store.database_url is required")
	}

	if mode == "analyze" || mode == "serve" {
		switch c.Extraction.Provider {
		case "anthropic":
			if c.Anthropic.Key == "" {
				add("anthropic.key is required when extraction.provider is anthropic")
			}
		case "label":
		default:
			add("extraction.provider must be anthropic or label, got %q", c.Extraction.Provider)
		}
		if c.Analysis.VerifyThreshold <= 0 || c.Analysis.VerifyThreshold > 1 {
			add("analysis.verify_threshold must be in (0, 1]")
		}
		if c.Analysis.Concurrency < 1 {
			add("analysis.concurrency must be >= 1")
		}
		if c.Analysis.StaleAfterMins < 0 {
			add("analysis.stale_after_mins must be >= 0")
		}
		if c.Extraction.RatePerSecond < 0 {
			add("extraction.rate_per_second must be >= 0")
		}
	}

	if mode == "serve" && c.Server.Port <= 0 {
		add("server.port must be > 0")
	}

	if len(problems) > 0 {
		return eris.New("config: " + strings.Join(problems, "; "))
	}
	return nil
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
