package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// ErrConfiguration marks a configuration that cannot run. It is reported
// before any post is processed.
var ErrConfiguration = eris.New("config: invalid configuration")

// Analysis modes.
const (
	ModeSync         = "sync"
	ModePool         = "pool"
	ModeMessageBatch = "message-batch"
)

// Default models per provider.
const (
	DefaultOpenRouterModel = "deepseek/deepseek-chat-v3-0324:free"
	DefaultAnthropicModel  = "claude-haiku-4-5-20251001"
)

// Config holds the full application configuration.
type Config struct {
	Store    StoreConfig    `yaml:"store" mapstructure:"store"`
	LLM      LLMConfig      `yaml:"llm" mapstructure:"llm"`
	Analysis AnalysisConfig `yaml:"analysis" mapstructure:"analysis"`
	Cache    CacheConfig    `yaml:"cache" mapstructure:"cache"`
	Log      LogConfig      `yaml:"log" mapstructure:"log"`
}

// StoreConfig configures the database backend.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"`
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
	MaxConns    int32  `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns    int32  `yaml:"min_conns" mapstructure:"min_conns"`
}

// LLMConfig selects the model provider.
type LLMConfig struct {
	Provider          string `yaml:"provider" mapstructure:"provider"`
	Model             string `yaml:"model" mapstructure:"model"`
	APIKey            string `yaml:"api_key" mapstructure:"api_key"`
	BaseURL           string `yaml:"base_url" mapstructure:"base_url"`
	SiteURL           string `yaml:"site_url" mapstructure:"site_url"`
	SiteName          string `yaml:"site_name" mapstructure:"site_name"`
	MaxOutputTokens   int64  `yaml:"max_output_tokens" mapstructure:"max_output_tokens"`
	RequestsPerMinute int    `yaml:"requests_per_minute" mapstructure:"requests_per_minute"`
	BreakerThreshold  int    `yaml:"breaker_threshold" mapstructure:"breaker_threshold"`
	BreakerResetSecs  int    `yaml:"breaker_reset_secs" mapstructure:"breaker_reset_secs"`
}

// AnalysisConfig configures batching, retries and dispatch.
type AnalysisConfig struct {
	MaxTokensPerBatch  int     `yaml:"max_tokens_per_batch" mapstructure:"max_tokens_per_batch"`
	MaxPostsPerBatch   int     `yaml:"max_posts_per_batch" mapstructure:"max_posts_per_batch"`
	MinFillRatio       float64 `yaml:"min_fill_ratio" mapstructure:"min_fill_ratio"`
	MinPostsPerBatch   int     `yaml:"min_posts_per_batch" mapstructure:"min_posts_per_batch"`
	MaxRetries         int     `yaml:"max_retries" mapstructure:"max_retries"`
	RetryDelaySecs     int     `yaml:"retry_delay_secs" mapstructure:"retry_delay_secs"`
	RetryAllErrors     bool    `yaml:"retry_all_errors" mapstructure:"retry_all_errors"`
	MinTimeoutSecs     int     `yaml:"min_timeout_secs" mapstructure:"min_timeout_secs"`
	TimeoutCharsPerSec int     `yaml:"timeout_chars_per_sec" mapstructure:"timeout_chars_per_sec"`
	Mode               string  `yaml:"mode" mapstructure:"mode"`
	Concurrency        int     `yaml:"concurrency" mapstructure:"concurrency"`
	PollIntervalSecs   int     `yaml:"poll_interval_secs" mapstructure:"poll_interval_secs"`
	PollTimeoutHours   int     `yaml:"poll_timeout_hours" mapstructure:"poll_timeout_hours"`
	DLQMaxRetries      int     `yaml:"dlq_max_retries" mapstructure:"dlq_max_retries"`
}

// CacheConfig configures the consistency cache.
type CacheConfig struct {
	Driver         string `yaml:"driver" mapstructure:"driver"`
	MaxEntries     int    `yaml:"max_entries" mapstructure:"max_entries"`
	ValkeyAddress  string `yaml:"valkey_address" mapstructure:"valkey_address"`
	ValkeyPassword string `yaml:"valkey_password" mapstructure:"valkey_password"`
	ValkeyTLS      bool   `yaml:"valkey_tls" mapstructure:"valkey_tls"`
	KeyPrefix      string `yaml:"key_prefix" mapstructure:"key_prefix"`
	TTLHours       int    `yaml:"ttl_hours" mapstructure:"ttl_hours"`
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
	v.SetEnvPrefix("ANALYZER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("store.driver", "sqlite")
	v.SetDefault("store.database_url", "analyzer.db")
	v.SetDefault("llm.provider", "openrouter")
	v.SetDefault("llm.model", "")
	v.SetDefault("llm.api_key", "")
	v.SetDefault("llm.base_url", "")
	v.SetDefault("llm.site_url", "")
	v.SetDefault("llm.site_name", "")
	v.SetDefault("llm.max_output_tokens", 0)
	v.SetDefault("llm.requests_per_minute", 0)
	v.SetDefault("llm.breaker_threshold", 5)
	v.SetDefault("llm.breaker_reset_secs", 60)
	v.SetDefault("analysis.max_tokens_per_batch", 30000)
	v.SetDefault("analysis.max_posts_per_batch", 20)
	v.SetDefault("analysis.min_fill_ratio", 0.2)
	v.SetDefault("analysis.min_posts_per_batch", 5)
	v.SetDefault("analysis.max_retries", 3)
	v.SetDefault("analysis.retry_delay_secs", 5)
	v.SetDefault("analysis.retry_all_errors", false)
	v.SetDefault("analysis.min_timeout_secs", 120)
	v.SetDefault("analysis.timeout_chars_per_sec", 1000)
	v.SetDefault("analysis.mode", ModeSync)
	v.SetDefault("analysis.concurrency", 4)
	v.SetDefault("analysis.poll_interval_secs", 5)
	v.SetDefault("analysis.poll_timeout_hours", 24)
	v.SetDefault("analysis.dlq_max_retries", 3)
	v.SetDefault("cache.driver", "memory")
	v.SetDefault("cache.max_entries", 10000)
	v.SetDefault("cache.valkey_address", "")
	v.SetDefault("cache.valkey_password", "")
	v.SetDefault("cache.valkey_tls", false)
	v.SetDefault("cache.key_prefix", "analysis:template:")
	v.SetDefault("cache.ttl_hours", 0)
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

	if cfg.LLM.Model == "" {
		switch cfg.LLM.Provider {
		case "openrouter":
			cfg.LLM.Model = DefaultOpenRouterModel
		case "anthropic":
			cfg.LLM.Model = DefaultAnthropicModel
		}
	}

	return &cfg, nil
}

// Commands with distinct configuration needs.
const (
	CommandAnalyze = "analyze"
	CommandStore   = "store" // import, results, migrate
)

// Validate reports every setting that prevents command from running,
// wrapped in ErrConfiguration.
func (c *Config) Validate(command string) error {
	var problems []string
	add := func(format string, args ...any) {
		problems = append(problems, fmt.Sprintf(format, args...))
	}

	switch c.Store.Driver {
	case "sqlite", "postgres":
	default:
		add("unknown store.driver %q", c.Store.Driver)
	}
	if c.Store.DatabaseURL == "" {
		add("store.database_url is required")
	}

	switch command {
	case CommandStore:
	case CommandAnalyze:
		problems = append(problems, c.analyzeProblems()...)
	default:
		add("unknown command %q", command)
	}

	if len(problems) == 0 {
		return nil
	}
	return eris.Wrap(ErrConfiguration, strings.Join(problems, "; "))
}

func (c *Config) analyzeProblems() []string {
	var problems []string
	add := func(format string, args ...any) {
		problems = append(problems, fmt.Sprintf(format, args...))
	}

	switch c.LLM.Provider {
	case "openrouter", "anthropic":
	default:
		add("unknown llm.provider %q", c.LLM.Provider)
	}
	if c.LLM.APIKey == "" {
		add("llm.api_key is required")
	}
	if c.LLM.Model == "" {
		add("llm.model is required")
	}

	switch c.Analysis.Mode {
	case ModeSync, ModePool:
	case ModeMessageBatch:
		if c.LLM.Provider != "anthropic" {
			add("analysis.mode %q requires llm.provider anthropic", ModeMessageBatch)
		}
	default:
		add("unknown analysis.mode %q", c.Analysis.Mode)
	}
	if c.Analysis.MaxTokensPerBatch <= 0 {
		add("analysis.max_tokens_per_batch must be > 0")
	}
	if c.Analysis.MinFillRatio < 0 || c.Analysis.MinFillRatio > 1 {
		add("analysis.min_fill_ratio must be between 0 and 1")
	}
	if c.Analysis.Concurrency < 1 || c.Analysis.Concurrency > 64 {
		add("analysis.concurrency must be between 1 and 64")
	}

	switch c.Cache.Driver {
	case "memory":
	case "valkey":
		if c.Cache.ValkeyAddress == "" {
			add("cache.valkey_address is required for the valkey cache")
		}
	default:
		add("unknown cache.driver %q", c.Cache.Driver)
	}
	return problems
}

// IsConfigurationError reports whether err came from Validate.
func IsConfigurationError(err error) bool {
	return errors.Is(err, ErrConfiguration)
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
