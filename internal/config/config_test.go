package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/sells-group/phone-enrich/internal/model"
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

	assert.Equal(t, "postgres", cfg.Store.Driver)
	assert.Equal(t, int32(10), cfg.Store.MaxConns)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "json", cfg.Log.Format)
	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, 3, cfg.Webhooks.MaxRetries)
	assert.Equal(t, 8, cfg.Worker.Concurrency)
	assert.Equal(t, 300, cfg.Worker.LeaseSecs)
	assert.Equal(t, "carrier", cfg.Lookup.Provider)
	assert.Equal(t, "1", cfg.Lookup.DefaultCountry)
	assert.False(t, cfg.Lookup.Reaper.Enabled)
	assert.Equal(t, 15, cfg.Lookup.Reaper.StuckAfterMins)
	assert.Equal(t, 3, cfg.Enrichment.MaxEmptyAttempts)
	assert.True(t, cfg.Enrichment.Business.Enabled)
	assert.Equal(t, "business", cfg.Enrichment.Business.Provider)
	assert.True(t, cfg.Enrichment.Trust.LowPriority)
	assert.False(t, cfg.Enrichment.Email.LowPriority)
	assert.Equal(t, 95, cfg.Dedupe.AutoMergeThreshold)
	assert.Equal(t, 5, cfg.Circuit.FailureThreshold)
	assert.Equal(t, 60, cfg.Circuit.CoolOffSecs)
	assert.InDelta(t, 0.25, cfg.Monitoring.FailureRateThreshold, 0.001)
	assert.Equal(t, "phone-enrich.records", cfg.Kafka.Topic)
}

func TestLoadFromYAML(t *testing.T) {
	dir := chdirTemp(t)

	yaml := `
store:
  driver: sqlite
  database_url: ./phone.db
log:
  level: debug
  format: console
server:
  port: 9090
webhooks:
  secrets:
    sms: s3cret
    trust_hub: other
enrichment:
  max_empty_attempts: 0
  coverage:
    enabled: false
kafka:
  brokers: [localhost:9092]
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(yaml), 0644))

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "sqlite", cfg.Store.Driver)
	assert.Equal(t, "./phone.db", cfg.Store.DatabaseURL)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "console", cfg.Log.Format)
	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, "s3cret", cfg.Webhooks.Secrets["sms"])
	assert.Equal(t, 0, cfg.Enrichment.MaxEmptyAttempts)
	assert.False(t, cfg.Enrichment.Coverage.Enabled)
	assert.Equal(t, []string{"localhost:9092"}, cfg.Kafka.Brokers)
	// Defaults still apply for unset values
	assert.Equal(t, "coverage", cfg.Enrichment.Coverage.Provider)
	assert.Equal(t, 95, cfg.Dedupe.AutoMergeThreshold)
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

	t.Setenv("PHONE_ENRICH_STORE_DRIVER", "postgres")
	t.Setenv("PHONE_ENRICH_LOG_LEVEL", "warn")
	t.Setenv("PHONE_ENRICH_DEDUPE_AUTO_MERGE_THRESHOLD", "90")

	cfg, err := Load()
	require.NoError(t, err)

	// Env overrides file
	assert.Equal(t, "postgres", cfg.Store.Driver)
	assert.Equal(t, "warn", cfg.Log.Level)
	assert.Equal(t, 90, cfg.Dedupe.AutoMergeThreshold)
}

func TestLoadEnvOverridesDefaults(t *testing.T) {
	chdirTemp(t)

	t.Setenv("PHONE_ENRICH_SERVER_PORT", "3000")
	t.Setenv("PHONE_ENRICH_LOOKUP_REAPER_ENABLED", "true")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 3000, cfg.Server.Port)
	assert.True(t, cfg.Lookup.Reaper.Enabled)
}

func TestLoadMalformedFile(t *testing.T) {
	dir := chdirTemp(t)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte("store: [unclosed"), 0644))

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "config: read file")
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
	cfg.Store.Driver = "postgres"
	cfg.Store.DatabaseURL = "postgres://localhost/phone"
	cfg.Server.Port = 8080
	cfg.Webhooks.Secrets = map[string]string{"sms": "secret"}
	cfg.Worker.Concurrency = 8
	cfg.Lookup.Provider = "carrier"
	cfg.Dedupe.AutoMergeThreshold = 95
	return cfg
}

func TestValidate_AllModesPass(t *testing.T) {
	cfg := validDefaults()
	for _, mode := range []string{"serve", "worker", "cli"} {
		assert.NoError(t, cfg.Validate(mode), mode)
	}
}

func TestValidate_StoreRequired(t *testing.T) {
	cfg := validDefaults()
	cfg.Store.DatabaseURL = ""

	err := cfg.Validate("cli")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "store.database_url is required")

	cfg.Store.Driver = "mysql"
	err = cfg.Validate("cli")
	require.Error(t, err)
	assert.Contains(t, err.Error(), `unknown store.driver "mysql"`)
}

func TestValidateServe_ReportsAllProblems(t *testing.T) {
	cfg := validDefaults()
	cfg.Server.Port = 0
	cfg.Webhooks.Secrets = nil

	err := cfg.Validate("serve")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "server.port must be > 0")
	assert.Contains(t, err.Error(), "webhooks.secrets or webhooks.generic_token is required")
}

func TestValidateServe_GenericTokenIsEnough(t *testing.T) {
	cfg := validDefaults()
	cfg.Webhooks.Secrets = nil
	cfg.Webhooks.GenericToken = "tok"
	assert.NoError(t, cfg.Validate("serve"))
}

func TestValidateWorker(t *testing.T) {
	cfg := validDefaults()
	cfg.Lookup.Provider = ""
	cfg.Worker.Concurrency = 0

	err := cfg.Validate("worker")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "lookup.provider is required")
	assert.Contains(t, err.Error(), "worker.concurrency must be between 1 and 256")
}

func TestValidateThresholds(t *testing.T) {
	cfg := validDefaults()

	cfg.Dedupe.AutoMergeThreshold = 101
	err := cfg.Validate("cli")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "auto_merge_threshold")

	cfg.Dedupe.AutoMergeThreshold = 95
	cfg.Enrichment.MaxEmptyAttempts = -1
	err = cfg.Validate("cli")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "max_empty_attempts")

	cfg.Enrichment.MaxEmptyAttempts = 0
	cfg.Kafka.Brokers = []string{"k:9092"}
	err = cfg.Validate("cli")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "kafka.topic")
}

func TestValidateUnknownMode(t *testing.T) {
	cfg := validDefaults()
	err := cfg.Validate("unknown")
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "unknown mode")
}

func TestEnrichmentConfig_Domain(t *testing.T) {
	c := EnrichmentConfig{
		Business: DomainConfig{Enabled: true, Provider: "biz"},
		Coverage: DomainConfig{Provider: "cov", LowPriority: true},
	}
	assert.Equal(t, "biz", c.Domain(model.DomainBusiness).Provider)
	assert.True(t, c.Domain(model.DomainCoverage).LowPriority)
	assert.Equal(t, DomainConfig{}, c.Domain("nope"))
}

func TestParsePolicy(t *testing.T) {
	p, err := ParsePolicy([]byte(`
providers:
  carrier:
    endpoint: https://carrier.example.com/v1
    api_key_env: CARRIER_KEY
    rate_limit: 20
    burst: 5
    circuit:
      failure_threshold: 5
      cool_off_secs: 90
    pricing:
      per_call: 0.005
  coverage:
    timeout_secs: 3
    circuit:
      failure_threshold: 3
      cool_off_secs: 30
retry:
  low_priority_max_attempts: 1
`))
	require.NoError(t, err)
	assert.Equal(t, []string{"carrier", "coverage"}, p.Names())

	carrier := p.Providers["carrier"]
	assert.Equal(t, "https://carrier.example.com/v1", carrier.Endpoint)
	assert.InDelta(t, 20, carrier.RateLimit, 0.001)
	assert.Equal(t, 10*time.Second, carrier.Timeout())
	assert.Equal(t, 3*time.Second, p.Providers["coverage"].Timeout())

	t.Setenv("CARRIER_KEY", "k-123")
	assert.Equal(t, "k-123", carrier.APIKey())

	rates := p.Rates()
	assert.InDelta(t, 0.005, rates["carrier"].PerCall, 1e-9)

	overrides := p.CircuitOverrides(CircuitConfig{FailureThreshold: 7, CoolOffSecs: 60})
	assert.Equal(t, 5, overrides["carrier"].FailureThreshold)
	assert.Equal(t, 90*time.Second, overrides["carrier"].CoolOff)
	assert.Equal(t, 90*time.Second, overrides["carrier"].Window)
	assert.Equal(t, 3, overrides["coverage"].FailureThreshold)
	assert.Equal(t, 30*time.Second, overrides["coverage"].CoolOff)

	lookup, low, webhook := p.RetryPolicies()
	assert.Equal(t, 3, lookup.MaxAttempts)
	assert.Equal(t, 1, low.MaxAttempts)
	assert.Equal(t, 3, webhook.MaxAttempts)
}

func TestParsePolicy_Invalid(t *testing.T) {
	_, err := ParsePolicy([]byte("providers: [nope"))
	assert.Error(t, err)

	_, err = ParsePolicy([]byte("providers:\n  x:\n    rate_limit: -1\n"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "rate_limit")
}

func TestLoadPolicy(t *testing.T) {
	p, err := LoadPolicy("")
	require.NoError(t, err)
	assert.Empty(t, p.Providers)

	_, err = LoadPolicy(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)

	path := filepath.Join(t.TempDir(), "policy.yaml")
	require.NoError(t, os.WriteFile(path, []byte("providers:\n  carrier:\n    burst: 2\n"), 0644))
	p, err = LoadPolicy(path)
	require.NoError(t, err)
	assert.Equal(t, 2, p.Providers["carrier"].Burst)
}
