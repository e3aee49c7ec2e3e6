// Package cost prices provider calls for the call ledger.
package cost

// Rate holds pricing for one provider.
type Rate struct {
	// PerCall is the flat price of a successful or not-found call.
	PerCall float64 `yaml:"per_call" mapstructure:"per_call"`
	// PerError is charged for calls the provider answered with an error.
	// Most providers bill nothing here.
	PerError float64 `yaml:"per_error" mapstructure:"per_error"`
}

// Rates maps provider name to its pricing.
type Rates map[string]Rate

// Calculator computes costs for provider usage.
type Calculator struct {
	rates Rates
}

// NewCalculator creates a Calculator with the given rates.
func NewCalculator(rates Rates) *Calculator {
	if rates == nil {
		rates = Rates{}
	}
	return &Calculator{rates: rates}
}

// Call returns the cost of one call. reported is the provider's own figure;
// when positive it wins over the configured rate.
func (c *Calculator) Call(provider string, answered bool, reported float64) float64 {
	if reported > 0 {
		return reported
	}
	rate, ok := c.rates[provider]
	if !ok {
		return 0
	}
	if answered {
		return rate.PerCall
	}
	return rate.PerError
}

// Rate returns the configured rate for provider.
func (c *Calculator) Rate(provider string) (Rate, bool) {
	r, ok := c.rates[provider]
	return r, ok
}
