// Package models provides domain models shared by the sizing, gating and analytics packages.
package models

import (
	"math"
	"strings"
	"time"
)

// Side represents the direction of a position.
type Side string

const (
	SideLong  Side = "LONG"
	SideShort Side = "SHORT"
	SideNone  Side = "NONE"
)

// ParseSide maps strategy/ML action strings onto a position side.
// buy/long/up open longs, sell/short/down open shorts; anything else is SideNone.
func ParseSide(action string) Side {
	switch strings.ToLower(strings.TrimSpace(action)) {
	case "buy", "long", "up", "bullish":
		return SideLong
	case "sell", "short", "down", "bearish":
		return SideShort
	default:
		return SideNone
	}
}

// Sign returns +1 for longs, -1 for shorts and 0 otherwise.
func (s Side) Sign() float64 {
	switch s {
	case SideLong:
		return 1
	case SideShort:
		return -1
	default:
		return 0
	}
}

// Candle represents OHLCV data for a time period.
type Candle struct {
	Timestamp time.Time `json:"timestamp"`
	Open      float64   `json:"open"`
	High      float64   `json:"high"`
	Low       float64   `json:"low"`
	Close     float64   `json:"close"`
	Volume    float64   `json:"volume"`
}

// Valid reports whether the candle carries finite, ordered prices.
func (c Candle) Valid() bool {
	for _, v := range []float64{c.Open, c.High, c.Low, c.Close, c.Volume} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	return c.Close > 0 && c.High >= c.Low && c.Low > 0
}

// MarketData is a time-indexed OHLCV table. ATR14 is the optional atr_14
// column; when present it must be index-aligned with Candles.
type MarketData struct {
	Candles []Candle  `json:"candles"`
	ATR14   []float64 `json:"atr_14,omitempty"`
}

// Len returns the number of rows.
func (m MarketData) Len() int {
	return len(m.Candles)
}

// Last returns the most recent candle.
func (m MarketData) Last() (Candle, bool) {
	if len(m.Candles) == 0 {
		return Candle{}, false
	}
	return m.Candles[len(m.Candles)-1], true
}

// LatestATR returns the last finite, positive atr_14 value.
func (m MarketData) LatestATR() (float64, bool) {
	if len(m.ATR14) == 0 || len(m.ATR14) != len(m.Candles) {
		return 0, false
	}
	for i := len(m.ATR14) - 1; i >= 0; i-- {
		v := m.ATR14[i]
		if v > 0 && !math.IsNaN(v) && !math.IsInf(v, 0) {
			return v, true
		}
	}
	return 0, false
}

// MLPrediction is the output of the external ML model.
type MLPrediction struct {
	Confidence     float64  `json:"confidence"`
	Action         string   `json:"action"`
	ExpectedReturn *float64 `json:"expected_return,omitempty"`
}

// StrategySignal is the output of the external strategy layer.
type StrategySignal struct {
	StrategyName string   `json:"strategy_name"`
	Action       string   `json:"action"`
	Confidence   float64  `json:"confidence"`
	StopLoss     *float64 `json:"stop_loss,omitempty"`
	TakeProfit   *float64 `json:"take_profit,omitempty"`
}

// IsFinite reports whether every value is a finite float.
func IsFinite(values ...float64) bool {
	for _, v := range values {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	return true
}

// Clamp bounds v to [lo, hi]; NaN maps to lo.
func Clamp(v, lo, hi float64) float64 {
	if math.IsNaN(v) || v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// Float64Ptr returns a pointer to v.
func Float64Ptr(v float64) *float64 {
	return &v
}
