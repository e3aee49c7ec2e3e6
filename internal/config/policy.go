package config

import (
	"os"
	"sort"
	"time"

	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"

	"github.com/sells-group/phone-enrich/internal/cost"
	"github.com/sells-group/phone-enrich/internal/resilience"
)

// Policy is the per-provider operating policy: endpoints, limits, circuit
// tuning, retry caps and pricing.
type Policy struct {
	Providers map[string]ProviderPolicy `yaml:"providers"`
	Retry     RetryCaps                 `yaml:"retry"`
}

// ProviderPolicy configures one provider.
type ProviderPolicy struct {
	Endpoint    string        `yaml:"endpoint"`
	APIKeyEnv   string        `yaml:"api_key_env"`
	TimeoutSecs int           `yaml:"timeout_secs"`
	RateLimit   float64       `yaml:"rate_limit"`
	Burst       int           `yaml:"burst"`
	Circuit     CircuitConfig `yaml:"circuit"`
	Pricing     cost.Rate     `yaml:"pricing"`
}

// RetryCaps overrides the attempt caps of the task families.
type RetryCaps struct {
	LookupMaxAttempts      int `yaml:"lookup_max_attempts"`
	LowPriorityMaxAttempts int `yaml:"low_priority_max_attempts"`
	WebhookMaxAttempts     int `yaml:"webhook_max_attempts"`
}

// LoadPolicy reads a policy file. An empty path yields an empty policy.
func LoadPolicy(path string) (*Policy, error) {
	if path == "" {
		return &Policy{Providers: map[string]ProviderPolicy{}}, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "config: read policy %s", path)
	}
	return ParsePolicy(data)
}

// ParsePolicy decodes policy YAML.
func ParsePolicy(data []byte) (*Policy, error) {
	var p Policy
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, eris.Wrap(err, "config: parse policy")
	}
	if p.Providers == nil {
		p.Providers = map[string]ProviderPolicy{}
	}
	for name, pp := range p.Providers {
		if pp.RateLimit < 0 {
			return nil, eris.Errorf("config: provider %s: rate_limit cannot be negative", name)
		}
		if pp.Circuit.FailureThreshold < 0 || pp.Circuit.CoolOffSecs < 0 {
			return nil, eris.Errorf("config: provider %s: circuit settings cannot be negative", name)
		}
	}
	return &p, nil
}

// Names returns the configured provider names, sorted.
func (p *Policy) Names() []string {
	names := make([]string, 0, len(p.Providers))
	for n := range p.Providers {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Rates returns the pricing table for cost accounting.
func (p *Policy) Rates() cost.Rates {
	rates := make(cost.Rates, len(p.Providers))
	for name, pp := range p.Providers {
		rates[name] = pp.Pricing
	}
	return rates
}

// CircuitOverrides returns per-provider breaker tuning layered on defaults.
func (p *Policy) CircuitOverrides(defaults CircuitConfig) map[string]resilience.CircuitBreakerConfig {
	out := make(map[string]resilience.CircuitBreakerConfig, len(p.Providers))
	for name, pp := range p.Providers {
		c := pp.Circuit
		if c.FailureThreshold == 0 {
			c.FailureThreshold = defaults.FailureThreshold
		}
		if c.CoolOffSecs == 0 {
			c.CoolOffSecs = defaults.CoolOffSecs
		}
		if c.WindowSecs == 0 && pp.Circuit.CoolOffSecs == 0 {
			c.WindowSecs = defaults.WindowSecs
		}
		out[name] = resilience.FromCircuitConfig(c.FailureThreshold, c.CoolOffSecs, c.WindowSecs)
	}
	return out
}

// Timeout returns the provider's request timeout, defaulting to 10s.
func (pp ProviderPolicy) Timeout() time.Duration {
	if pp.TimeoutSecs <= 0 {
		return 10 * time.Second
	}
	return time.Duration(pp.TimeoutSecs) * time.Second
}

// APIKey resolves the provider's key from the environment.
func (pp ProviderPolicy) APIKey() string {
	if pp.APIKeyEnv == "" {
		return ""
	}
	return os.Getenv(pp.APIKeyEnv)
}

// RetryPolicies returns the task-family retry policies with caps applied.
func (p *Policy) RetryPolicies() (lookup, lowPriority, webhook resilience.RetryPolicy) {
	return resilience.FromRetryPolicy(resilience.LookupRetry, p.Retry.LookupMaxAttempts),
		resilience.FromRetryPolicy(resilience.LowPriorityRetry, p.Retry.LowPriorityMaxAttempts),
		resilience.FromRetryPolicy(resilience.WebhookRetry, p.Retry.WebhookMaxAttempts)
}
