package utils

import (
	"math"
	"strconv"
	"strings"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
)

// FormatAmount must keep two decimals, group thousands and round-trip.
func TestProperty_FormatAmountRoundTrip(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("FormatAmount groups digits and preserves value", prop.ForAll(
		func(amount float64) bool {
			formatted := FormatAmount(amount)

			parts := strings.Split(strings.TrimPrefix(formatted, "-"), ".")
			if len(parts) != 2 || len(parts[1]) != 2 {
				t.Logf("Expected two decimals for %f, got %s", amount, formatted)
				return false
			}
			groups := strings.Split(parts[0], ",")
			for i, g := range groups {
				if (i == 0 && (len(g) < 1 || len(g) > 3)) || (i > 0 && len(g) != 3) {
					t.Logf("Bad grouping for %f: %s", amount, formatted)
					return false
				}
			}

			parsed, err := strconv.ParseFloat(strings.ReplaceAll(formatted, ",", ""), 64)
			if err != nil {
				return false
			}
			return math.Abs(parsed-amount) <= 0.005+1e-9*math.Abs(amount)
		},
		gen.Float64Range(-1e12, 1e12),
	))

	properties.Property("FormatPnL signs match the input", prop.ForAll(
		func(pnl float64) bool {
			formatted := FormatPnL(pnl)
			switch {
			case pnl > 0:
				return strings.HasPrefix(formatted, "+")
			case pnl < 0 && formatted != "-0.00":
				return strings.HasPrefix(formatted, "-")
			default:
				return !strings.HasPrefix(formatted, "+")
			}
		},
		gen.Float64Range(-1e9, 1e9),
	))

	properties.TestingRun(t)
}

func TestFormatExamples(t *testing.T) {
	tests := []struct {
		got, want string
	}{
		{FormatAmount(0), "0.00"},
		{FormatAmount(999.5), "999.50"},
		{FormatAmount(1234567.891), "1,234,567.89"},
		{FormatAmount(-100000), "-100,000.00"},
		{FormatAmount(math.Inf(1)), "inf"},
		{FormatPercent(12.5), "+12.50%"},
		{FormatPercent(-3), "-3.00%"},
		{FormatPercent(math.Inf(1)), "inf"},
		{FormatRatio(math.Inf(-1)), "-inf"},
		{FormatRatio(math.NaN()), "n/a"},
		{FormatRatio(1.23456), "1.235"},
		{FormatPnL(250), "+250.00"},
		{FormatPnL(-50), "-50.00"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, tt.got)
	}
}
