// Package indicators computes the volatility measures the risk manager needs
// when the caller's market data does not already carry them.
package indicators

import (
	"errors"
	"math"

	"tradeguard/internal/models"
)

var (
	// ErrInsufficientData is returned when there's not enough data for calculation.
	ErrInsufficientData = errors.New("insufficient data for calculation")
	// ErrInvalidPeriod is returned when the period is invalid.
	ErrInvalidPeriod = errors.New("invalid period")
)

// DefaultATRPeriod matches the atr_14 column produced upstream.
const DefaultATRPeriod = 14

// ATR calculates the Average True Range with Wilder smoothing.
type ATR struct {
	period int
}

// NewATR creates a new ATR indicator.
func NewATR(period int) *ATR {
	return &ATR{period: period}
}

// Calculate returns a series aligned with candles. Values before index
// period-1 are zero.
func (a *ATR) Calculate(candles []models.Candle) ([]float64, error) {
	if a.period <= 0 {
		return nil, ErrInvalidPeriod
	}
	if len(candles) < a.period+1 {
		return nil, ErrInsufficientData
	}

	n := len(candles)
	result := make([]float64, n)
	tr := make([]float64, n)

	// First TR is just high - low
	tr[0] = candles[0].High - candles[0].Low
	for i := 1; i < n; i++ {
		tr[i] = trueRange(candles[i], candles[i-1])
	}

	// Seed with the SMA of the first window
	result[a.period-1] = mean(tr[:a.period])

	for i := a.period; i < n; i++ {
		result[i] = (result[i-1]*float64(a.period-1) + tr[i]) / float64(a.period)
	}

	return result, nil
}

// Latest returns only the most recent ATR value.
func (a *ATR) Latest(candles []models.Candle) (float64, error) {
	series, err := a.Calculate(candles)
	if err != nil {
		return 0, err
	}
	v := series[len(series)-1]
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, ErrInsufficientData
	}
	return v, nil
}

// VolatilityRatio returns ATR relative to the last close, taking ATR from the
// atr_14 column when present and computing ATR(14) otherwise. ok is false when
// neither source yields a usable value.
func VolatilityRatio(data models.MarketData) (ratio, atr float64, ok bool) {
	last, exists := data.Last()
	if !exists || last.Close <= 0 {
		return 0, 0, false
	}

	if v, found := data.LatestATR(); found {
		return v / last.Close, v, true
	}

	v, err := NewATR(DefaultATRPeriod).Latest(data.Candles)
	if err != nil || v <= 0 {
		return 0, 0, false
	}
	return v / last.Close, v, true
}

func trueRange(current, previous models.Candle) float64 {
	hl := current.High - current.Low
	hc := math.Abs(current.High - previous.Close)
	lc := math.Abs(current.Low - previous.Close)
	return math.Max(hl, math.Max(hc, lc))
}

func mean(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	var s float64
	for _, v := range values {
		s += v
	}
	return s / float64(len(values))
}
