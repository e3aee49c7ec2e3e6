package main

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/phone-enrich/internal/config"
	"github.com/sells-group/phone-enrich/internal/cost"
	"github.com/sells-group/phone-enrich/internal/dedupe"
	"github.com/sells-group/phone-enrich/internal/enrich"
	"github.com/sells-group/phone-enrich/internal/events"
	"github.com/sells-group/phone-enrich/internal/fingerprint"
	"github.com/sells-group/phone-enrich/internal/lookup"
	"github.com/sells-group/phone-enrich/internal/monitoring"
	"github.com/sells-group/phone-enrich/internal/provider"
	"github.com/sells-group/phone-enrich/internal/queue"
	"github.com/sells-group/phone-enrich/internal/resilience"
	"github.com/sells-group/phone-enrich/internal/store"
	"github.com/sells-group/phone-enrich/internal/webhook"
	"github.com/sells-group/phone-enrich/pkg/httpinvoker"
)

// appEnv holds the store, shared resilience state and every service the
// serve, worker and operator commands need.
type appEnv struct {
	Store     store.Store
	Queue     *queue.StoreQueue
	Policy    *config.Policy
	Breakers  *resilience.ServiceBreakers
	Caller    *provider.Caller
	Metrics   *monitoring.Metrics
	Publisher events.Publisher

	Lookup   *lookup.Service
	Enricher *enrich.Enricher
	Dedupe   *dedupe.Detector
	Webhooks *webhook.Service

	redis *redis.Client
}

// Close releases resources held by the environment.
func (e *appEnv) Close() {
	if e.Publisher != nil {
		if err := e.Publisher.Close(); err != nil {
			zap.L().Warn("close event publisher", zap.Error(err))
		}
	}
	if e.redis != nil {
		_ = e.redis.Close()
	}
	if e.Store != nil {
		_ = e.Store.Close()
	}
}

// Descriptors returns every task type the worker handles.
func (e *appEnv) Descriptors() []queue.Descriptor {
	descs := []queue.Descriptor{e.Lookup.Descriptor()}
	descs = append(descs, e.Enricher.Descriptors()...)
	descs = append(descs, e.Dedupe.Descriptor(), e.Webhooks.Descriptor())
	return descs
}

func initStore(ctx context.Context) (store.Store, error) {
	switch cfg.Store.Driver {
	case "sqlite":
		return store.NewSQLite(cfg.Store.DatabaseURL)
	case "postgres":
		return store.NewPostgres(ctx, cfg.Store.DatabaseURL, &store.PoolConfig{
			MaxConns: cfg.Store.MaxConns,
			MinConns: cfg.Store.MinConns,
		})
	default:
		return nil, eris.Errorf("unsupported store driver: %s", cfg.Store.Driver)
	}
}

// initStateStore returns the Redis-backed circuit store when configured so
// every process shares one view of each circuit.
func initStateStore(ctx context.Context) (resilience.StateStore, *redis.Client, error) {
	if cfg.Redis.Addr == "" {
		zap.L().Info("circuit state kept in memory (redis.addr not set)")
		return resilience.NewMemoryStateStore(), nil, nil
	}
	rdb, err := resilience.NewRedisClient(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
	if err != nil {
		return nil, nil, err
	}
	ttl := time.Duration(cfg.Redis.TTLHours) * time.Hour
	return resilience.NewRedisStateStore(rdb, cfg.Redis.KeyPrefix, ttl), rdb, nil
}

func initPublisher() (events.Publisher, error) {
	if len(cfg.Kafka.Brokers) == 0 {
		return events.Nop{}, nil
	}
	return events.NewKafkaPublisher(events.KafkaConfig{Brokers: cfg.Kafka.Brokers, Topic: cfg.Kafka.Topic})
}

// registerProviders binds an HTTP invoker to every policy entry with an
// endpoint.
func registerProviders(caller *provider.Caller, p *config.Policy) {
	for _, name := range p.Names() {
		pp := p.Providers[name]
		if pp.Endpoint == "" {
			zap.L().Warn("provider has no endpoint, skipping", zap.String("provider", name))
			continue
		}
		inv := httpinvoker.New(name, pp.Endpoint,
			httpinvoker.WithAPIKey(pp.APIKey()),
			httpinvoker.WithTimeout(pp.Timeout()),
		)
		caller.Register(name, inv, pp.RateLimit, pp.Burst)
	}
}

// checkProviders warns about configured providers with no invoker. Their
// tasks fail with a not-registered error until one is added.
func checkProviders(caller *provider.Caller) {
	names := []string{cfg.Lookup.Provider}
	for _, d := range []string{
		cfg.Enrichment.Business.Provider, cfg.Enrichment.Email.Provider, cfg.Enrichment.Address.Provider,
		cfg.Enrichment.Trust.Provider, cfg.Enrichment.Coverage.Provider,
	} {
		if d != "" {
			names = append(names, d)
		}
	}
	for _, name := range names {
		if !caller.Registered(name) {
			zap.L().Warn("provider referenced in config is not registered", zap.String("provider", name))
		}
	}
}

// initEnv validates config for mode, opens the store and wires the
// services. Callers should defer env.Close().
func initEnv(ctx context.Context, mode string) (*appEnv, error) {
	if err := cfg.Validate(mode); err != nil {
		return nil, err
	}

	policy, err := config.LoadPolicy(cfg.PolicyFile)
	if err != nil {
		return nil, err
	}

	st, err := initStore(ctx)
	if err != nil {
		return nil, err
	}
	env := &appEnv{Store: st, Policy: policy, Queue: queue.NewStoreQueue(st)}

	if err := st.Migrate(ctx); err != nil {
		env.Close()
		return nil, eris.Wrap(err, "migrate store")
	}

	stateStore, rdb, err := initStateStore(ctx)
	if err != nil {
		env.Close()
		return nil, err
	}
	env.redis = rdb

	env.Publisher, err = initPublisher()
	if err != nil {
		env.Close()
		return nil, err
	}

	env.Metrics = monitoring.NewMetrics()
	defaults := resilience.FromCircuitConfig(cfg.Circuit.FailureThreshold, cfg.Circuit.CoolOffSecs, cfg.Circuit.WindowSecs)
	defaults.OnStateChange = env.Metrics.CircuitChanged
	env.Breakers = resilience.NewServiceBreakers(stateStore, defaults, policy.CircuitOverrides(cfg.Circuit))

	env.Caller = provider.NewCaller(env.Breakers, st, cost.NewCalculator(policy.Rates()))
	env.Caller.SetRecorder(env.Metrics)
	registerProviders(env.Caller, policy)

	lookupRetry, lowPriorityRetry, webhookRetry := policy.RetryPolicies()
	fp := fingerprint.New(cfg.Lookup.DefaultCountry)

	env.Enricher = enrich.NewEnricher(st, env.Queue, env.Caller, nil, fp, enrich.Config{
		EnrichmentConfig: cfg.Enrichment,
		Retry:            lookupRetry,
		LowPriorityRetry: lowPriorityRetry,
	})
	env.Enricher.SetPublisher(env.Publisher)

	env.Lookup = lookup.New(st, env.Queue, env.Caller, fp, lookup.Config{
		Provider: cfg.Lookup.Provider,
		Retry:    lookupRetry,
	})
	env.Lookup.SetCoordinator(env.Enricher.Coordinator())
	env.Lookup.SetPublisher(env.Publisher)

	env.Dedupe = dedupe.New(st, fp, dedupe.Config{
		AutoMergeThreshold: cfg.Dedupe.AutoMergeThreshold,
		MaxCandidates:      cfg.Dedupe.MaxCandidates,
	})
	env.Dedupe.SetPublisher(env.Publisher)

	maxRetries := cfg.Webhooks.MaxRetries
	if policy.Retry.WebhookMaxAttempts > 0 {
		maxRetries = webhookRetry.MaxAttempts
	}
	env.Webhooks = webhook.New(st, st, env.Queue, webhook.Config{
		Secrets:      cfg.Webhooks.Secrets,
		GenericToken: cfg.Webhooks.GenericToken,
		MaxRetries:   maxRetries,
	}, webhook.SMSSource(fp), webhook.TrustHubSource())
	env.Webhooks.SetPublisher(env.Publisher)
	env.Webhooks.SetObserver(env.Metrics)

	return env, nil
}
