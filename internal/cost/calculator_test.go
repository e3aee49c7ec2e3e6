package cost

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func testRates() Rates {
	return Rates{
		"carrier": {PerCall: 0.005},
		"email":   {PerCall: 0.02, PerError: 0.001},
	}
}

func TestCall(t *testing.T) {
	t.Parallel()
	calc := NewCalculator(testRates())

	tests := []struct {
		name     string
		provider string
		answered bool
		reported float64
		want     float64
	}{
		{"configured rate", "carrier", true, 0, 0.005},
		{"reported wins", "carrier", true, 0.011, 0.011},
		{"error free by default", "carrier", false, 0, 0},
		{"error rate", "email", false, 0, 0.001},
		{"unknown provider", "mystery", true, 0, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.InDelta(t, tt.want, calc.Call(tt.provider, tt.answered, tt.reported), 1e-9)
		})
	}
}

func TestNilRates(t *testing.T) {
	t.Parallel()
	calc := NewCalculator(nil)
	assert.Equal(t, 0.0, calc.Call("any", true, 0))
	_, ok := calc.Rate("any")
	assert.False(t, ok)
}
