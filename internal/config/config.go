package config

import (
	"fmt"
	"strings"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/sells-group/phone-enrich/internal/model"
)

// Config holds the full application configuration.
type Config struct {
	Store      StoreConfig      `yaml:"store" mapstructure:"store"`
	Redis      RedisConfig      `yaml:"redis" mapstructure:"redis"`
	Kafka      KafkaConfig      `yaml:"kafka" mapstructure:"kafka"`
	Server     ServerConfig     `yaml:"server" mapstructure:"server"`
	Webhooks   WebhooksConfig   `yaml:"webhooks" mapstructure:"webhooks"`
	Worker     WorkerConfig     `yaml:"worker" mapstructure:"worker"`
	Lookup     LookupConfig     `yaml:"lookup" mapstructure:"lookup"`
	Enrichment EnrichmentConfig `yaml:"enrichment" mapstructure:"enrichment"`
	Dedupe     DedupeConfig     `yaml:"dedupe" mapstructure:"dedupe"`
	Circuit    CircuitConfig    `yaml:"circuit" mapstructure:"circuit"`
	Monitoring MonitoringConfig `yaml:"monitoring" mapstructure:"monitoring"`
	Log        LogConfig        `yaml:"log" mapstructure:"log"`

	// PolicyFile points at the per-provider policy YAML.
	PolicyFile string `yaml:"policy_file" mapstructure:"policy_file"`
}

// StoreConfig configures the database backend.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"`
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
	MaxConns    int32  `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns    int32  `yaml:"min_conns" mapstructure:"min_conns"`
}

// RedisConfig configures the shared circuit state store. An empty Addr keeps
// circuit state in process memory.
type RedisConfig struct {
	Addr      string `yaml:"addr" mapstructure:"addr"`
	Password  string `yaml:"password" mapstructure:"password"`
	DB        int    `yaml:"db" mapstructure:"db"`
	KeyPrefix string `yaml:"key_prefix" mapstructure:"key_prefix"`
	TTLHours  int    `yaml:"ttl_hours" mapstructure:"ttl_hours"`
}

// KafkaConfig configures lifecycle event publishing. No brokers disables it.
type KafkaConfig struct {
	Brokers []string `yaml:"brokers" mapstructure:"brokers"`
	Topic   string   `yaml:"topic" mapstructure:"topic"`
}

// ServerConfig configures the HTTP server.
type ServerConfig struct {
	Port        int      `yaml:"port" mapstructure:"port"`
	AdminToken  string   `yaml:"admin_token" mapstructure:"admin_token"`
	CORSOrigins []string `yaml:"cors_origins" mapstructure:"cors_origins"`
}

// WebhooksConfig configures inbound webhook verification and processing.
type WebhooksConfig struct {
	// Secrets maps a webhook source to its HMAC signing secret.
	Secrets map[string]string `yaml:"secrets" mapstructure:"secrets"`
	// GenericToken authenticates the generic bearer-token endpoint.
	GenericToken string `yaml:"generic_token" mapstructure:"generic_token"`
	MaxRetries   int    `yaml:"max_retries" mapstructure:"max_retries"`
}

// WorkerConfig tunes the task worker.
type WorkerConfig struct {
	Concurrency    int `yaml:"concurrency" mapstructure:"concurrency"`
	BatchSize      int `yaml:"batch_size" mapstructure:"batch_size"`
	LeaseSecs      int `yaml:"lease_secs" mapstructure:"lease_secs"`
	PollIntervalMs int `yaml:"poll_interval_ms" mapstructure:"poll_interval_ms"`
}

// LookupConfig configures the primary carrier lookup.
type LookupConfig struct {
	Provider       string       `yaml:"provider" mapstructure:"provider"`
	DefaultCountry string       `yaml:"default_country" mapstructure:"default_country"`
	Reaper         ReaperConfig `yaml:"reaper" mapstructure:"reaper"`
}

// ReaperConfig configures the stuck-record sweep.
type ReaperConfig struct {
	Enabled        bool `yaml:"enabled" mapstructure:"enabled"`
	StuckAfterMins int  `yaml:"stuck_after_mins" mapstructure:"stuck_after_mins"`
	IntervalSecs   int  `yaml:"interval_secs" mapstructure:"interval_secs"`
	BatchSize      int  `yaml:"batch_size" mapstructure:"batch_size"`
}

// DomainConfig configures one enrichment domain.
type DomainConfig struct {
	Enabled     bool   `yaml:"enabled" mapstructure:"enabled"`
	Provider    string `yaml:"provider" mapstructure:"provider"`
	LowPriority bool   `yaml:"low_priority" mapstructure:"low_priority"`
}

// EnrichmentConfig configures the enrichment coordinator.
type EnrichmentConfig struct {
	// MaxEmptyAttempts stops re-scheduling a domain after this many
	// attempts that found no data. Zero means unlimited.
	MaxEmptyAttempts int `yaml:"max_empty_attempts" mapstructure:"max_empty_attempts"`

	Business DomainConfig `yaml:"business" mapstructure:"business"`
	Email    DomainConfig `yaml:"email" mapstructure:"email"`
	Address  DomainConfig `yaml:"address" mapstructure:"address"`
	Trust    DomainConfig `yaml:"trust" mapstructure:"trust"`
	Coverage DomainConfig `yaml:"coverage" mapstructure:"coverage"`
}

// Domain returns the settings for d.
func (c EnrichmentConfig) Domain(d model.Domain) DomainConfig {
	switch d {
	case model.DomainBusiness:
		return c.Business
	case model.DomainEmail:
		return c.Email
	case model.DomainAddress:
		return c.Address
	case model.DomainTrust:
		return c.Trust
	case model.DomainCoverage:
		return c.Coverage
	}
	return DomainConfig{}
}

// DedupeConfig configures duplicate detection.
type DedupeConfig struct {
	AutoMergeThreshold int `yaml:"auto_merge_threshold" mapstructure:"auto_merge_threshold"`
	MaxCandidates      int `yaml:"max_candidates" mapstructure:"max_candidates"`
}

// CircuitConfig holds the default circuit breaker tuning. Per-provider
// overrides live in the policy file.
type CircuitConfig struct {
	FailureThreshold int `yaml:"failure_threshold" mapstructure:"failure_threshold"`
	CoolOffSecs      int `yaml:"cool_off_secs" mapstructure:"cool_off_secs"`
	WindowSecs       int `yaml:"window_secs" mapstructure:"window_secs"`
}

// MonitoringConfig configures the background alert checker.
type MonitoringConfig struct {
	Enabled              bool    `yaml:"enabled" mapstructure:"enabled"`
	WebhookURL           string  `yaml:"webhook_url" mapstructure:"webhook_url"`
	CheckIntervalSecs    int     `yaml:"check_interval_secs" mapstructure:"check_interval_secs"`
	LookbackWindowHours  int     `yaml:"lookback_window_hours" mapstructure:"lookback_window_hours"`
	FailureRateThreshold float64 `yaml:"failure_rate_threshold" mapstructure:"failure_rate_threshold"`
	CostThresholdUSD     float64 `yaml:"cost_threshold_usd" mapstructure:"cost_threshold_usd"`
	DLQThreshold         int     `yaml:"dlq_threshold" mapstructure:"dlq_threshold"`
	FailedWebhookThresh  int     `yaml:"failed_webhook_threshold" mapstructure:"failed_webhook_threshold"`
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
	v.SetEnvPrefix("PHONE_ENRICH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("store.driver", "postgres")
	v.SetDefault("store.max_conns", 10)
	v.SetDefault("store.min_conns", 2)
	v.SetDefault("redis.key_prefix", "phone-enrich:circuit")
	v.SetDefault("redis.ttl_hours", 168)
	v.SetDefault("kafka.topic", "phone-enrich.records")
	v.SetDefault("server.port", 8080)
	v.SetDefault("webhooks.max_retries", 3)
	v.SetDefault("worker.concurrency", 8)
	v.SetDefault("worker.batch_size", 16)
	v.SetDefault("worker.lease_secs", 300)
	v.SetDefault("worker.poll_interval_ms", 1000)
	v.SetDefault("lookup.provider", "carrier")
	v.SetDefault("lookup.default_country", "1")
	v.SetDefault("lookup.reaper.enabled", false)
	v.SetDefault("lookup.reaper.stuck_after_mins", 15)
	v.SetDefault("lookup.reaper.interval_secs", 60)
	v.SetDefault("lookup.reaper.batch_size", 100)
	v.SetDefault("enrichment.max_empty_attempts", 3)
	v.SetDefault("enrichment.business.enabled", true)
	v.SetDefault("enrichment.business.provider", "business")
	v.SetDefault("enrichment.email.enabled", true)
	v.SetDefault("enrichment.email.provider", "email")
	v.SetDefault("enrichment.address.enabled", true)
	v.SetDefault("enrichment.address.provider", "address")
	v.SetDefault("enrichment.trust.enabled", true)
	v.SetDefault("enrichment.trust.provider", "trust")
	v.SetDefault("enrichment.trust.low_priority", true)
	v.SetDefault("enrichment.coverage.enabled", true)
	v.SetDefault("enrichment.coverage.provider", "coverage")
	v.SetDefault("enrichment.coverage.low_priority", true)
	v.SetDefault("dedupe.auto_merge_threshold", 95)
	v.SetDefault("dedupe.max_candidates", 50)
	v.SetDefault("circuit.failure_threshold", 5)
	v.SetDefault("circuit.cool_off_secs", 60)
	v.SetDefault("monitoring.check_interval_secs", 300)
	v.SetDefault("monitoring.lookback_window_hours", 24)
	v.SetDefault("monitoring.failure_rate_threshold", 0.25)
	v.SetDefault("monitoring.dlq_threshold", 50)
	v.SetDefault("monitoring.failed_webhook_threshold", 10)
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

// Validate checks the settings a command needs. mode is "serve", "worker"
// or "cli". All problems are reported together.
func (c *Config) Validate(mode string) error {
	var errs []string

	switch c.Store.Driver {
	case "postgres", "sqlite":
		if c.Store.DatabaseURL == "" {
			errs = append(errs, "store.database_url is required")
		}
	default:
		errs = append(errs, fmt.Sprintf("unknown store.driver %q", c.Store.Driver))
	}

	if c.Dedupe.AutoMergeThreshold < 1 || c.Dedupe.AutoMergeThreshold > 100 {
		errs = append(errs, fmt.Sprintf("dedupe.auto_merge_threshold must be between 1 and 100, got %d", c.Dedupe.AutoMergeThreshold))
	}
	if c.Enrichment.MaxEmptyAttempts < 0 {
		errs = append(errs, "enrichment.max_empty_attempts must be >= 0")
	}
	if len(c.Kafka.Brokers) > 0 && c.Kafka.Topic == "" {
		errs = append(errs, "kafka.topic is required when kafka.brokers is set")
	}

	switch mode {
	case "serve":
		if c.Server.Port <= 0 {
			errs = append(errs, "server.port must be > 0")
		}
		if len(c.Webhooks.Secrets) == 0 && c.Webhooks.GenericToken == "" {
			errs = append(errs, "webhooks.secrets or webhooks.generic_token is required")
		}
	case "worker":
		if c.Lookup.Provider == "" {
			errs = append(errs, "lookup.provider is required")
		}
		if c.Worker.Concurrency < 1 || c.Worker.Concurrency > 256 {
			errs = append(errs, "worker.concurrency must be between 1 and 256")
		}
	case "cli":
	default:
		errs = append(errs, fmt.Sprintf("unknown mode %q", mode))
	}

	if len(errs) > 0 {
		return eris.Errorf("config: validation failed: %s", strings.Join(errs, "; "))
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
