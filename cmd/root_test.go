package main

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/phone-enrich/internal/config"
	"github.com/sells-group/phone-enrich/internal/events"
	"github.com/sells-group/phone-enrich/internal/model"
)

func TestRootCommand_HasSubcommands(t *testing.T) {
	names := make(map[string]bool)
	for _, c := range rootCmd.Commands() {
		names[c.Name()] = true
	}

	expected := []string{"serve", "worker", "lookup", "records", "circuit", "dlq", "reap", "migrate", "monitor"}
	for _, name := range expected {
		assert.True(t, names[name], "expected subcommand %q not found", name)
	}
}

func TestRootCommand_Metadata(t *testing.T) {
	assert.Equal(t, "phone-enrich", rootCmd.Use)
	assert.NotEmpty(t, rootCmd.Short)
	assert.NotEmpty(t, rootCmd.Long)
}

func TestCommandFlags(t *testing.T) {
	require.NotNil(t, serveCmd.Flags().Lookup("port"))
	require.NotNil(t, serveCmd.Flags().Lookup("with-worker"))
	require.NotNil(t, workerCmd.Flags().Lookup("metrics-addr"))
	require.NotNil(t, dlqListCmd.Flags().Lookup("type"))
	require.NotNil(t, monitorCmd.Flags().Lookup("send"))
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	return &config.Config{
		Store:   config.StoreConfig{Driver: "sqlite", DatabaseURL: filepath.Join(t.TempDir(), "cli.db")},
		Lookup:  config.LookupConfig{Provider: "carrier", DefaultCountry: "1"},
		Dedupe:  config.DedupeConfig{AutoMergeThreshold: 95, MaxCandidates: 50},
		Circuit: config.CircuitConfig{FailureThreshold: 5, CoolOffSecs: 60},
		Worker:  config.WorkerConfig{Concurrency: 2},
		Enrichment: config.EnrichmentConfig{
			MaxEmptyAttempts: 3,
			Business:         config.DomainConfig{Enabled: true, Provider: "business"},
		},
		Webhooks: config.WebhooksConfig{Secrets: map[string]string{"sms": "s"}, MaxRetries: 3},
	}
}

func TestInitEnv_SQLite(t *testing.T) {
	cfg = testConfig(t)
	policyPath := filepath.Join(t.TempDir(), "policy.yaml")
	require.NoError(t, os.WriteFile(policyPath, []byte(`
providers:
  carrier:
    endpoint: http://127.0.0.1:1/v1
    rate_limit: 5
    burst: 2
    circuit:
      failure_threshold: 3
  business:
    endpoint: ""
retry:
  webhook_max_attempts: 7
`), 0o600))
	cfg.PolicyFile = policyPath

	env, err := initEnv(context.Background(), "worker")
	require.NoError(t, err)
	defer env.Close()

	assert.IsType(t, events.Nop{}, env.Publisher)
	assert.True(t, env.Caller.Registered("carrier"))
	assert.False(t, env.Caller.Registered("business"), "providers without an endpoint are skipped")

	types := make(map[model.TaskType]bool)
	for _, d := range env.Descriptors() {
		types[d.Type] = true
	}
	assert.True(t, types[model.TaskLookup])
	assert.True(t, types[model.TaskDedupe])
	assert.True(t, types[model.TaskWebhook])
	assert.True(t, types[model.EnrichTask(model.DomainBusiness)])

	var webhookMax int
	for _, d := range env.Descriptors() {
		if d.Type == model.TaskWebhook {
			webhookMax = d.Retry.MaxAttempts
		}
	}
	assert.Equal(t, 7, webhookMax, "policy cap overrides webhooks.max_retries")

	rec, err := env.Lookup.Create(context.Background(), "415-555-1234")
	require.NoError(t, err)
	got, err := env.Store.GetRecord(context.Background(), rec.ID)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "+14155551234", got.PhoneE164)
}

func TestInitEnv_ValidationFails(t *testing.T) {
	cfg = testConfig(t)
	cfg.Store.Driver = "oracle"
	_, err := initEnv(context.Background(), "cli")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown store.driver")
}

func TestInitEnv_BadPolicy(t *testing.T) {
	cfg = testConfig(t)
	cfg.PolicyFile = filepath.Join(t.TempDir(), "missing.yaml")
	_, err := initEnv(context.Background(), "cli")
	require.Error(t, err)
}
