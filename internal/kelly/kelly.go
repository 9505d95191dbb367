// Package kelly converts a rolling trade-outcome history into a bounded risk
// fraction and a volatility-adjusted unit count.
package kelly

import (
	"math"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"tradeguard/internal/config"
	"tradeguard/internal/models"
)

// minStopPriceRatio floors a long stop as a fraction of entry when the ATR
// stop would land at or below zero. Units still come from the ATR distance.
const minStopPriceRatio = 0.01

// KellyCalculationResult is recomputed on demand from the current window.
type KellyCalculationResult struct {
	WinRate                 float64 `json:"win_rate"`
	AvgWin                  float64 `json:"avg_win"`
	AvgLoss                 float64 `json:"avg_loss"`
	KellyFraction           float64 `json:"kelly_fraction"`
	RecommendedPositionSize float64 `json:"recommended_position_size"`
	TradeCount              int     `json:"trade_count"`
	Strategy                string  `json:"strategy,omitempty"`
}

// SizingRequest carries the inputs of a dynamic sizing call.
type SizingRequest struct {
	Balance      float64
	EntryPrice   float64
	ATR          float64
	MLConfidence float64
	Side         models.Side
}

// SizingResult is the unit count and protective stop for one position.
type SizingResult struct {
	Units        float64 `json:"units"`
	StopLoss     float64 `json:"stop_loss"`
	RiskFraction float64 `json:"risk_fraction"`
	RiskAmount   float64 `json:"risk_amount"`
	StopDistance float64 `json:"stop_distance"`
	Notional     float64 `json:"notional"`
	Capped       bool    `json:"capped"`
	StopFloored  bool    `json:"stop_floored"`
	Fallback     bool    `json:"fallback"`
}

// Stats is a read-only view of the sizer.
type Stats struct {
	TradeCount     int                     `json:"trade_count"`
	Wins           int                     `json:"wins"`
	Losses         int                     `json:"losses"`
	SufficientData bool                    `json:"sufficient_data"`
	Current        *KellyCalculationResult `json:"current,omitempty"`
	ByStrategy     map[string]int          `json:"by_strategy"`
}

// Criterion is the Kelly position sizer. It owns its own bounded history,
// independent of the trade ledger.
type Criterion struct {
	cfg    config.KellyConfig
	logger zerolog.Logger
	now    func() time.Time

	mu      sync.RWMutex
	history []models.TradeResult
}

// New creates a sizer with an empty history.
func New(cfg config.KellyConfig, logger zerolog.Logger) *Criterion {
	return &Criterion{
		cfg:     cfg,
		logger:  logger.With().Str("component", "kelly").Logger(),
		now:     time.Now,
		history: make([]models.TradeResult, 0, cfg.MaxHistory),
	}
}

// WithClock replaces the time source used to stamp trade results.
func (k *Criterion) WithClock(now func() time.Time) *Criterion {
	k.now = now
	return k
}

// AddTradeResult appends one outcome, trimming the oldest beyond max_history.
func (k *Criterion) AddTradeResult(profitLoss float64, strategy string, confidence float64) {
	result := models.TradeResult{
		Timestamp:  k.now(),
		ProfitLoss: profitLoss,
		IsWin:      profitLoss > 0,
		Strategy:   strategy,
		Confidence: confidence,
	}

	k.mu.Lock()
	defer k.mu.Unlock()

	k.history = append(k.history, result)
	if over := len(k.history) - k.cfg.MaxHistory; k.cfg.MaxHistory > 0 && over > 0 {
		// shift in place so the backing array does not grow without bound
		n := copy(k.history, k.history[over:])
		k.history = k.history[:n]
	}
}

// History returns a copy of the current window, oldest first.
func (k *Criterion) History() []models.TradeResult {
	k.mu.RLock()
	defer k.mu.RUnlock()
	out := make([]models.TradeResult, len(k.history))
	copy(out, k.history)
	return out
}

// CalculateKellyFraction implements f* = (b·p − q)/b with b = avgWin/avgLoss.
// avgLoss is taken as a magnitude. Degenerate inputs mean "no edge" and yield 0.
func CalculateKellyFraction(winRate, avgWin, avgLoss float64) float64 {
	if !models.IsFinite(winRate, avgWin, avgLoss) {
		return 0
	}
	if winRate <= 0 || winRate >= 1 {
		return 0
	}
	avgLoss = math.Abs(avgLoss)
	if avgLoss == 0 || avgWin <= 0 {
		return 0
	}

	b := avgWin / avgLoss
	f := (b*winRate - (1 - winRate)) / b
	if math.IsNaN(f) || math.IsInf(f, 0) || f < 0 {
		return 0
	}
	return f
}

// CalculateKellyFraction is the method form used by the orchestrator; it logs
// when inputs are degenerate.
func (k *Criterion) CalculateKellyFraction(winRate, avgWin, avgLoss float64) float64 {
	f := CalculateKellyFraction(winRate, avgWin, avgLoss)
	if f == 0 && !models.IsFinite(winRate, avgWin, avgLoss) {
		k.logger.Warn().
			Float64("win_rate", winRate).
			Float64("avg_win", avgWin).
			Float64("avg_loss", avgLoss).
			Msg("Non-finite Kelly inputs, treating as no edge")
	}
	return f
}

// CalculateFromHistory computes the Kelly result over the window, optionally
// restricted to one strategy (empty = all). ok is false with insufficient data.
func (k *Criterion) CalculateFromHistory(strategy string) (*KellyCalculationResult, bool) {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return k.calculateLocked(strategy)
}

func (k *Criterion) calculateLocked(strategy string) (*KellyCalculationResult, bool) {
	var (
		count, wins     int
		winSum, lossSum float64
		lossCount       int
	)
	for _, r := range k.history {
		if strategy != "" && r.Strategy != strategy {
			continue
		}
		if !models.IsFinite(r.ProfitLoss) {
			continue
		}
		count++
		if r.IsWin {
			wins++
			winSum += r.ProfitLoss
		} else {
			lossCount++
			lossSum += math.Abs(r.ProfitLoss)
		}
	}

	if count < k.cfg.MinTradesForKelly {
		return nil, false
	}

	result := &KellyCalculationResult{
		WinRate:    float64(wins) / float64(count),
		TradeCount: count,
		Strategy:   strategy,
	}
	if wins > 0 {
		result.AvgWin = winSum / float64(wins)
	}
	if lossCount > 0 {
		result.AvgLoss = lossSum / float64(lossCount)
	}

	result.KellyFraction = k.CalculateKellyFraction(result.WinRate, result.AvgWin, result.AvgLoss)
	result.RecommendedPositionSize = models.Clamp(result.KellyFraction*k.cfg.SafetyFactor, 0, k.cfg.MaxPositionRatio)

	return result, true
}

// CalculateOptimalSize returns the risk fraction for the next trade. With
// insufficient history it is default_risk_ratio scaled by confidence; with
// enough history confidence only shrinks the Kelly recommendation.
func (k *Criterion) CalculateOptimalSize(mlConfidence float64) float64 {
	conf := models.Clamp(mlConfidence, 0, 1)

	result, ok := k.CalculateFromHistory("")
	if !ok {
		return math.Min(k.cfg.DefaultRiskRatio*conf, k.cfg.MaxPositionRatio)
	}

	size := result.RecommendedPositionSize * (0.5 + 0.5*conf)
	return models.Clamp(size, 0, k.cfg.MaxPositionRatio)
}

// CalculateDynamicPositionSize converts the risk fraction into units using an
// ATR-proportional stop, so higher volatility yields a smaller position.
func (k *Criterion) CalculateDynamicPositionSize(req SizingRequest) SizingResult {
	if !models.IsFinite(req.Balance, req.EntryPrice, req.ATR, req.MLConfidence) ||
		req.Balance <= 0 || req.EntryPrice <= 0 || req.ATR <= 0 {
		return k.safeFallbackPositionSize(req, "degenerate sizing inputs")
	}

	fraction := k.CalculateOptimalSize(req.MLConfidence)
	riskAmount := req.Balance * fraction
	stopDistance := k.cfg.StopATRMultiplier * req.ATR
	if stopDistance <= 0 || math.IsInf(stopDistance, 0) {
		return k.safeFallbackPositionSize(req, "non-positive stop distance")
	}

	units := riskAmount / stopDistance
	result := SizingResult{
		Units:        units,
		StopLoss:     stopPrice(req.Side, req.EntryPrice, stopDistance),
		RiskFraction: fraction,
		RiskAmount:   riskAmount,
		StopDistance: stopDistance,
	}
	if floor := req.EntryPrice * minStopPriceRatio; result.StopLoss < floor {
		result.StopLoss = floor
		result.StopFloored = true
	}

	maxNotional := req.Balance * k.cfg.MaxNotionalRatio
	if units*req.EntryPrice > maxNotional {
		result.Units = maxNotional / req.EntryPrice
		result.Capped = true
	}
	result.Notional = result.Units * req.EntryPrice

	if !models.IsFinite(result.Units, result.StopLoss) || result.Units < 0 || result.StopLoss <= 0 {
		return k.safeFallbackPositionSize(req, "non-finite sizing result")
	}

	return result
}

// safeFallbackPositionSize sizes at fallback_notional_ratio of balance with a
// fixed-percentage stop. It returns zero units when even that is impossible.
func (k *Criterion) safeFallbackPositionSize(req SizingRequest, reason string) SizingResult {
	k.logger.Warn().
		Str("reason", reason).
		Float64("balance", req.Balance).
		Float64("entry_price", req.EntryPrice).
		Float64("atr", req.ATR).
		Msg("Using fallback position size")

	result := SizingResult{Fallback: true}
	if !models.IsFinite(req.Balance, req.EntryPrice) || req.Balance <= 0 || req.EntryPrice <= 0 {
		return result
	}

	notional := req.Balance * math.Min(k.cfg.FallbackNotionalRatio, 0.10)
	distance := req.EntryPrice * k.cfg.FallbackStopPct

	result.Units = notional / req.EntryPrice
	result.Notional = notional
	result.StopDistance = distance
	result.StopLoss = stopPrice(req.Side, req.EntryPrice, distance)
	result.RiskAmount = result.Units * distance
	result.RiskFraction = result.RiskAmount / req.Balance
	return result
}

func stopPrice(side models.Side, entry, distance float64) float64 {
	if side == models.SideShort {
		return entry + distance
	}
	return entry - distance
}

// Stats returns counts and the current all-strategy Kelly result.
func (k *Criterion) Stats() Stats {
	k.mu.RLock()
	defer k.mu.RUnlock()

	stats := Stats{
		TradeCount: len(k.history),
		ByStrategy: make(map[string]int),
	}
	for _, r := range k.history {
		if r.IsWin {
			stats.Wins++
		} else {
			stats.Losses++
		}
		stats.ByStrategy[r.Strategy]++
	}
	if result, ok := k.calculateLocked(""); ok {
		stats.Current = result
		stats.SufficientData = true
	}
	return stats
}
