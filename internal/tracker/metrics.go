package tracker

import (
	"math"
	"sort"
	"time"

	"tradeguard/internal/models"
)

// PerformanceMetrics aggregates the completed-trade ledger. Ratios with a
// zero denominator are 0 or +Inf by the rules documented on each field.
type PerformanceMetrics struct {
	TotalTrades     int     `json:"total_trades"`
	WinningTrades   int     `json:"winning_trades"`
	LosingTrades    int     `json:"losing_trades"`
	BreakevenTrades int     `json:"breakeven_trades"`
	WinRate         float64 `json:"win_rate"`

	TotalPnL    float64 `json:"total_pnl"`
	GrossProfit float64 `json:"gross_profit"`
	GrossLoss   float64 `json:"gross_loss"`
	TotalFees   float64 `json:"total_fees"`
	AvgWin      float64 `json:"avg_win"`
	AvgLoss     float64 `json:"avg_loss"`
	AvgTrade    float64 `json:"avg_trade"`
	BestTrade   float64 `json:"best_trade"`
	WorstTrade  float64 `json:"worst_trade"`

	// ProfitFactor is +Inf with winners and no losers, 0 with no trades.
	ProfitFactor float64 `json:"profit_factor"`
	Expectancy   float64 `json:"expectancy"`

	MaxDrawdown    float64 `json:"max_drawdown"`
	MaxDrawdownPct float64 `json:"max_drawdown_pct"`

	SharpeRatio  float64 `json:"sharpe_ratio"`
	SortinoRatio float64 `json:"sortino_ratio"`
	// CalmarRatio is +Inf with no drawdown and positive PnL.
	CalmarRatio         float64 `json:"calmar_ratio"`
	AnnualizedReturnPct float64 `json:"annualized_return_pct"`
	// RecoveryFactor is +Inf with no drawdown.
	RecoveryFactor float64 `json:"recovery_factor"`

	MaxConsecutiveWins   int `json:"max_consecutive_wins"`
	MaxConsecutiveLosses int `json:"max_consecutive_losses"`

	AvgHoldingMinutes float64 `json:"avg_holding_minutes"`
	AvgMFE            float64 `json:"avg_mfe"`
	AvgMAE            float64 `json:"avg_mae"`
	MissedProfitCount int     `json:"missed_profit_count"`
	MissedProfitTotal float64 `json:"missed_profit_total"`

	FirstEntry time.Time `json:"first_entry"`
	LastExit   time.Time `json:"last_exit"`
}

// GroupPerformance is the per-label breakdown used for regimes and strategies.
type GroupPerformance struct {
	Label        string  `json:"label"`
	Trades       int     `json:"trades"`
	Wins         int     `json:"wins"`
	Losses       int     `json:"losses"`
	WinRate      float64 `json:"win_rate"`
	TotalPnL     float64 `json:"total_pnl"`
	AvgPnL       float64 `json:"avg_pnl"`
	ProfitFactor float64 `json:"profit_factor"`
}

// ConfidenceBucket groups trades by the ML confidence at entry.
type ConfidenceBucket struct {
	Lower    float64 `json:"lower"`
	Upper    float64 `json:"upper"`
	Trades   int     `json:"trades"`
	Correct  int     `json:"correct"`
	Accuracy float64 `json:"accuracy"`
	AvgPnL   float64 `json:"avg_pnl"`
}

// MLPerformance measures how often the entry-time ML direction was right.
type MLPerformance struct {
	Evaluated int                `json:"evaluated"`
	Correct   int                `json:"correct"`
	Accuracy  float64            `json:"accuracy"`
	Buckets   []ConfidenceBucket `json:"buckets"`
}

// UnknownLabel groups trades recorded without a regime or strategy.
const UnknownLabel = "unknown"

var confidenceEdges = []float64{0, 0.5, 0.6, 0.7, 0.8, 0.9, 1.0}

// GetPerformanceMetrics computes every aggregate over the ledger. With no
// completed trades every field is zero.
func (t *Tracker) GetPerformanceMetrics() PerformanceMetrics {
	t.mu.RLock()
	trades := append([]models.CompletedTrade(nil), t.completed...)
	equity := append([]models.EquityPoint(nil), t.equity...)
	t.mu.RUnlock()

	return computeMetrics(trades, equity, t.cfg.InitialCapital, t.cfg.AnnualizationFactor)
}

func computeMetrics(trades []models.CompletedTrade, equity []models.EquityPoint, initialCapital, annualization float64) PerformanceMetrics {
	var m PerformanceMetrics
	n := len(trades)
	if n == 0 {
		return m
	}

	m.TotalTrades = n
	m.BestTrade = math.Inf(-1)
	m.WorstTrade = math.Inf(1)
	m.FirstEntry = trades[0].EntryTimestamp
	m.LastExit = trades[0].ExitTimestamp

	pnls := make([]float64, n)
	var holding, mfe, mae float64
	var winStreak, lossStreak int

	for i, tr := range trades {
		pnls[i] = tr.PnL
		m.TotalPnL += tr.PnL
		m.TotalFees += tr.Fees
		holding += tr.HoldingPeriodMinutes
		mfe += tr.MFE
		mae += tr.MAE
		m.BestTrade = math.Max(m.BestTrade, tr.PnL)
		m.WorstTrade = math.Min(m.WorstTrade, tr.PnL)
		if tr.EntryTimestamp.Before(m.FirstEntry) {
			m.FirstEntry = tr.EntryTimestamp
		}
		if tr.ExitTimestamp.After(m.LastExit) {
			m.LastExit = tr.ExitTimestamp
		}

		switch {
		case tr.PnL > 0:
			m.WinningTrades++
			m.GrossProfit += tr.PnL
			winStreak++
			lossStreak = 0
		case tr.PnL < 0:
			m.LosingTrades++
			m.GrossLoss += tr.PnL
			lossStreak++
			winStreak = 0
		default:
			// breakeven neither extends nor breaks a streak
			m.BreakevenTrades++
		}
		if winStreak > m.MaxConsecutiveWins {
			m.MaxConsecutiveWins = winStreak
		}
		if lossStreak > m.MaxConsecutiveLosses {
			m.MaxConsecutiveLosses = lossStreak
		}

		if tr.MFE > tr.PnL {
			m.MissedProfitCount++
			m.MissedProfitTotal += tr.MFE - tr.PnL
		}
	}

	fn := float64(n)
	m.WinRate = float64(m.WinningTrades) / fn
	m.AvgTrade = m.TotalPnL / fn
	m.AvgHoldingMinutes = holding / fn
	m.AvgMFE = mfe / fn
	m.AvgMAE = mae / fn
	if m.WinningTrades > 0 {
		m.AvgWin = m.GrossProfit / float64(m.WinningTrades)
	}
	if m.LosingTrades > 0 {
		m.AvgLoss = m.GrossLoss / float64(m.LosingTrades)
	}

	m.ProfitFactor = profitFactor(m.GrossProfit, m.GrossLoss, m.WinningTrades)
	m.Expectancy = m.WinRate*m.AvgWin + (1-m.WinRate)*m.AvgLoss

	m.MaxDrawdown, m.MaxDrawdownPct = maxDrawdown(equity, initialCapital)

	scale := math.Sqrt(annualization)
	m.SharpeRatio = sharpe(pnls, scale)
	m.SortinoRatio = sortino(pnls, scale, m.TotalPnL, m.LosingTrades)

	m.AnnualizedReturnPct = annualizedReturnPct(m.TotalPnL, initialCapital, m.FirstEntry, m.LastExit)
	switch {
	case m.MaxDrawdownPct > 0:
		m.CalmarRatio = m.AnnualizedReturnPct / m.MaxDrawdownPct
	case m.TotalPnL > 0:
		m.CalmarRatio = math.Inf(1)
	}

	if m.MaxDrawdown > 0 {
		m.RecoveryFactor = m.TotalPnL / m.MaxDrawdown
	} else {
		m.RecoveryFactor = math.Inf(1)
	}

	return m
}

func profitFactor(grossProfit, grossLoss float64, winners int) float64 {
	if grossLoss == 0 {
		if winners > 0 {
			return math.Inf(1)
		}
		return 0
	}
	return grossProfit / math.Abs(grossLoss)
}

// maxDrawdown walks the cumulative PnL curve. The percentage is measured
// against initial capital plus the running peak, so a drawdown near a high
// water mark is expressed against a realistic account size.
func maxDrawdown(equity []models.EquityPoint, initialCapital float64) (float64, float64) {
	var peak, maxDD, maxPct float64
	for _, p := range equity {
		if p.Equity > peak {
			peak = p.Equity
		}
		dd := peak - p.Equity
		if dd > maxDD {
			maxDD = dd
		}
		if base := initialCapital + peak; base > 0 {
			if pct := dd / base * 100; pct > maxPct {
				maxPct = pct
			}
		}
	}
	return maxDD, maxPct
}

// sharpe is mean/sample-stdev of per-trade PnL, scaled. 0 for n < 2 or zero variance.
func sharpe(pnls []float64, scale float64) float64 {
	n := len(pnls)
	if n < 2 {
		return 0
	}
	mean := meanOf(pnls)
	var ss float64
	for _, p := range pnls {
		ss += (p - mean) * (p - mean)
	}
	sd := math.Sqrt(ss / float64(n-1))
	if sd == 0 || math.IsNaN(sd) {
		return 0
	}
	return mean / sd * scale
}

// sortino uses downside deviation sqrt(sum(min(0,x)^2)/n). With profits and
// no losing trades it is +Inf.
func sortino(pnls []float64, scale, total float64, losers int) float64 {
	n := len(pnls)
	if n < 2 {
		return 0
	}
	if losers == 0 {
		if total > 0 {
			return math.Inf(1)
		}
		return 0
	}
	var ss float64
	for _, p := range pnls {
		if p < 0 {
			ss += p * p
		}
	}
	dd := math.Sqrt(ss / float64(n))
	if dd == 0 {
		return 0
	}
	return meanOf(pnls) / dd * scale
}

// annualizedReturnPct scales the total return linearly to a 365-day year.
// Spans under a day are reported unscaled.
func annualizedReturnPct(total, initialCapital float64, first, last time.Time) float64 {
	if initialCapital <= 0 {
		return 0
	}
	pct := total / initialCapital * 100
	days := last.Sub(first).Hours() / 24
	if days < 1 {
		return pct
	}
	return pct * 365 / days
}

func meanOf(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	var s float64
	for _, v := range values {
		s += v
	}
	return s / float64(len(values))
}

// GetRegimePerformance groups completed trades by regime label.
func (t *Tracker) GetRegimePerformance() []GroupPerformance {
	return t.groupBy(func(tr models.CompletedTrade) string {
		if tr.Regime == "" {
			return UnknownLabel
		}
		return tr.Regime
	})
}

// GetStrategyPerformance groups completed trades by strategy name.
func (t *Tracker) GetStrategyPerformance() []GroupPerformance {
	return t.groupBy(func(tr models.CompletedTrade) string {
		if tr.Strategy == "" {
			return UnknownLabel
		}
		return tr.Strategy
	})
}

func (t *Tracker) groupBy(label func(models.CompletedTrade) string) []GroupPerformance {
	t.mu.RLock()
	defer t.mu.RUnlock()

	groups := make(map[string]*GroupPerformance)
	gross := make(map[string][2]float64)
	for _, tr := range t.completed {
		key := label(tr)
		g, ok := groups[key]
		if !ok {
			g = &GroupPerformance{Label: key}
			groups[key] = g
		}
		g.Trades++
		g.TotalPnL += tr.PnL
		pl := gross[key]
		switch {
		case tr.PnL > 0:
			g.Wins++
			pl[0] += tr.PnL
		case tr.PnL < 0:
			g.Losses++
			pl[1] += tr.PnL
		}
		gross[key] = pl
	}

	out := make([]GroupPerformance, 0, len(groups))
	for key, g := range groups {
		g.WinRate = float64(g.Wins) / float64(g.Trades)
		g.AvgPnL = g.TotalPnL / float64(g.Trades)
		g.ProfitFactor = profitFactor(gross[key][0], gross[key][1], g.Wins)
		out = append(out, *g)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Label < out[j].Label })
	return out
}

// GetMLPerformance scores the ML direction at entry against the realised
// outcome: a prediction is correct when it points the way that would have
// made money. Breakeven trades and trades without a direction are skipped.
func (t *Tracker) GetMLPerformance() MLPerformance {
	t.mu.RLock()
	defer t.mu.RUnlock()

	buckets := make([]ConfidenceBucket, len(confidenceEdges)-1)
	bucketPnL := make([]float64, len(buckets))
	for i := range buckets {
		buckets[i].Lower = confidenceEdges[i]
		buckets[i].Upper = confidenceEdges[i+1]
	}

	var perf MLPerformance
	for _, tr := range t.completed {
		predicted := models.ParseSide(tr.MLPrediction)
		if predicted == models.SideNone || tr.PnL == 0 {
			continue
		}
		profitable := tr.Side
		if tr.PnL < 0 {
			profitable = opposite(tr.Side)
		}
		correct := predicted == profitable

		perf.Evaluated++
		if correct {
			perf.Correct++
		}

		if tr.MLConfidence == nil || !models.IsFinite(*tr.MLConfidence) {
			continue
		}
		i := bucketIndex(*tr.MLConfidence)
		buckets[i].Trades++
		bucketPnL[i] += tr.PnL
		if correct {
			buckets[i].Correct++
		}
	}

	if perf.Evaluated > 0 {
		perf.Accuracy = float64(perf.Correct) / float64(perf.Evaluated)
	}
	for i := range buckets {
		if buckets[i].Trades > 0 {
			buckets[i].Accuracy = float64(buckets[i].Correct) / float64(buckets[i].Trades)
			buckets[i].AvgPnL = bucketPnL[i] / float64(buckets[i].Trades)
		}
	}
	perf.Buckets = buckets
	return perf
}

func bucketIndex(conf float64) int {
	conf = models.Clamp(conf, 0, 1)
	for i := len(confidenceEdges) - 2; i > 0; i-- {
		if conf >= confidenceEdges[i] {
			return i
		}
	}
	return 0
}

func opposite(s models.Side) models.Side {
	switch s {
	case models.SideLong:
		return models.SideShort
	case models.SideShort:
		return models.SideLong
	default:
		return models.SideNone
	}
}
