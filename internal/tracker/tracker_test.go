package tracker

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tradeguard/internal/models"
)

func TestRecordEntry_FirstWriterWins(t *testing.T) {
	tr := newTestTracker(0)

	first := tr.RecordEntry(EntryRequest{OrderID: "a", Side: models.SideLong, Amount: 1, Price: 100, Strategy: "trend", Timestamp: t0})
	second := tr.RecordEntry(EntryRequest{OrderID: "a", Side: models.SideShort, Amount: 5, Price: 200, Strategy: "other", Timestamp: t0})

	assert.Equal(t, Inserted, first)
	assert.Equal(t, AlreadyExists, second)
	open := tr.OpenEntries()
	require.Len(t, open, 1)
	assert.Equal(t, "trend", open[0].Strategy)
	assert.Equal(t, 100.0, open[0].EntryPrice)

	assert.Equal(t, Rejected, tr.RecordEntry(EntryRequest{OrderID: "b", Side: models.SideNone, Amount: 1, Price: 1}))
	assert.Equal(t, Rejected, tr.RecordEntry(EntryRequest{OrderID: "c", Side: models.SideLong, Amount: 0, Price: 1}))
	assert.Equal(t, "already_exists", AlreadyExists.String())
}

func TestExcursionScenario(t *testing.T) {
	tr := newTestTracker(0)
	amount := 0.01
	tr.RecordEntry(EntryRequest{OrderID: "btc", Side: models.SideLong, Amount: amount, Price: 15_000_000, Timestamp: t0})

	tr.UpdatePriceExcursions(15_200_000, 14_800_000)
	trade, ok := tr.RecordExit(context.Background(), "btc", 15_050_000, t0.Add(90*time.Minute), "take_profit")
	require.True(t, ok)

	assert.InDelta(t, 200_000*amount, trade.MFE, 1e-6)
	assert.InDelta(t, -200_000*amount, trade.MAE, 1e-6)
	assert.Equal(t, 15_200_000.0, trade.MFEPrice)
	assert.Equal(t, 14_800_000.0, trade.MAEPrice)
	assert.InDelta(t, 50_000*amount, trade.PnL, 1e-6)
	assert.Equal(t, 90.0, trade.HoldingPeriodMinutes)
	assert.Empty(t, tr.OpenEntries())
}

func TestShortExcursions(t *testing.T) {
	tr := newTestTracker(0)
	tr.RecordEntry(EntryRequest{OrderID: "s", Side: models.SideShort, Amount: 2, Price: 100, Timestamp: t0})
	tr.UpdatePriceExcursions(104, 97)
	tr.UpdatePriceExcursions(102, 99)

	e := tr.OpenEntries()[0]
	assert.Equal(t, 6.0, e.MFE)
	assert.Equal(t, -8.0, e.MAE)
	assert.Equal(t, 97.0, e.MFEPrice)
	assert.Equal(t, 104.0, e.MAEPrice)
}

func TestPerformanceScenario_ThreeWinsTwoLosses(t *testing.T) {
	tr := newTestTracker(0)
	for i, pnl := range []float64{100, 100, 100, -50, -50} {
		closeTrade(tr, string(rune('a'+i)), pnl, t0.Add(time.Duration(i)*time.Hour))
	}

	m := tr.GetPerformanceMetrics()
	assert.Equal(t, 5, m.TotalTrades)
	assert.InDelta(t, 0.6, m.WinRate, 1e-12)
	assert.InDelta(t, 3.0, m.ProfitFactor, 1e-12)
	assert.InDelta(t, 200, m.TotalPnL, 1e-9)
	assert.InDelta(t, 100, m.AvgWin, 1e-9)
	assert.InDelta(t, -50, m.AvgLoss, 1e-9)
	assert.InDelta(t, 0.6*100+0.4*-50, m.Expectancy, 1e-9)
	assert.Equal(t, 3, m.MaxConsecutiveWins)
	assert.Equal(t, 2, m.MaxConsecutiveLosses)

	// equity 100,200,300,250,200 -> drawdown 100 from peak 300
	assert.InDelta(t, 100, m.MaxDrawdown, 1e-9)
	assert.InDelta(t, 100/(1_000_000+300.0)*100, m.MaxDrawdownPct, 1e-12)
	assert.InDelta(t, 2.0, m.RecoveryFactor, 1e-12)

	assert.Greater(t, m.SharpeRatio, 0.0)
	assert.Greater(t, m.SortinoRatio, 0.0)
	assert.False(t, math.IsInf(m.SortinoRatio, 0))
	assert.Greater(t, m.CalmarRatio, 0.0)
}

func TestPerformanceMetrics_Empty(t *testing.T) {
	m := newTestTracker(0).GetPerformanceMetrics()
	assert.Zero(t, m.ProfitFactor)
	assert.Zero(t, m.SharpeRatio)
	assert.Zero(t, m.SortinoRatio)
	assert.Zero(t, m.RecoveryFactor)
	assert.Zero(t, m.TotalTrades)
}

func TestPerformanceMetrics_DegenerateRatios(t *testing.T) {
	single := newTestTracker(0)
	closeTrade(single, "one", 50, t0)
	m := single.GetPerformanceMetrics()
	assert.Zero(t, m.SharpeRatio, "fewer than 2 trades")
	assert.Zero(t, m.SortinoRatio, "fewer than 2 trades")
	assert.True(t, math.IsInf(m.CalmarRatio, 1))
	assert.True(t, math.IsInf(m.RecoveryFactor, 1))

	winners := newTestTracker(0)
	closeTrade(winners, "a", 10, t0)
	closeTrade(winners, "b", 30, t0.Add(time.Hour))
	m = winners.GetPerformanceMetrics()
	assert.True(t, math.IsInf(m.SortinoRatio, 1), "profits and no losers")

	flat := newTestTracker(0)
	closeTrade(flat, "a", 10, t0)
	closeTrade(flat, "b", 10, t0.Add(time.Hour))
	assert.Zero(t, flat.GetPerformanceMetrics().SharpeRatio, "zero variance")
}

func TestStreaksSkipBreakeven(t *testing.T) {
	tr := newTestTracker(0)
	for i, pnl := range []float64{-1, 0, -1, -1, 5, 0, 5} {
		closeTrade(tr, string(rune('a'+i)), pnl, t0.Add(time.Duration(i)*time.Minute))
	}
	m := tr.GetPerformanceMetrics()
	assert.Equal(t, 3, m.MaxConsecutiveLosses)
	assert.Equal(t, 2, m.MaxConsecutiveWins)
	assert.Equal(t, 2, m.BreakevenTrades)
}

func TestMissedProfit(t *testing.T) {
	tr := newTestTracker(0)
	tr.RecordEntry(EntryRequest{OrderID: "m", Side: models.SideLong, Amount: 1, Price: 100, Timestamp: t0})
	tr.UpdatePriceExcursions(120, 99)
	tr.RecordExit(context.Background(), "m", 105, t0.Add(time.Hour), "trailing")

	m := tr.GetPerformanceMetrics()
	assert.Equal(t, 1, m.MissedProfitCount)
	assert.InDelta(t, 15, m.MissedProfitTotal, 1e-9)
	assert.InDelta(t, 20, m.AvgMFE, 1e-9)
	assert.InDelta(t, -1, m.AvgMAE, 1e-9)
}

func TestRegimeAndStrategyPerformance(t *testing.T) {
	tr := newTestTracker(0)
	add := func(id, regime, strategy string, pnl float64) {
		tr.RecordEntry(EntryRequest{OrderID: id, Side: models.SideLong, Amount: 1, Price: 100, Regime: regime, Strategy: strategy, Timestamp: t0})
		tr.RecordExit(context.Background(), id, 100+pnl, t0.Add(time.Hour), "x")
	}
	add("1", "trending", "trend", 10)
	add("2", "trending", "trend", -5)
	add("3", "", "revert", 4)

	regimes := tr.GetRegimePerformance()
	require.Len(t, regimes, 2)
	assert.Equal(t, "trending", regimes[0].Label)
	assert.Equal(t, 2, regimes[0].Trades)
	assert.InDelta(t, 0.5, regimes[0].WinRate, 1e-12)
	assert.InDelta(t, 2.0, regimes[0].ProfitFactor, 1e-12)
	assert.Equal(t, UnknownLabel, regimes[1].Label)

	strategies := tr.GetStrategyPerformance()
	require.Len(t, strategies, 2)
	assert.Equal(t, "revert", strategies[0].Label)
	assert.True(t, math.IsInf(strategies[0].ProfitFactor, 1))
}

func TestMLPerformance(t *testing.T) {
	tr := newTestTracker(0)
	add := func(id string, side models.Side, pred string, conf float64, exit float64) {
		tr.RecordEntry(EntryRequest{OrderID: id, Side: side, Amount: 1, Price: 100, MLPrediction: pred, MLConfidence: models.Float64Ptr(conf), Timestamp: t0})
		tr.RecordExit(context.Background(), id, exit, t0.Add(time.Hour), "x")
	}
	add("1", models.SideLong, "BUY", 0.85, 110)  // right
	add("2", models.SideLong, "BUY", 0.82, 90)   // wrong
	add("3", models.SideShort, "BUY", 0.65, 110) // short lost, BUY was right
	add("4", models.SideLong, "HOLD", 0.9, 120)  // no direction

	perf := tr.GetMLPerformance()
	assert.Equal(t, 3, perf.Evaluated)
	assert.Equal(t, 2, perf.Correct)
	assert.InDelta(t, 2.0/3.0, perf.Accuracy, 1e-12)

	require.Len(t, perf.Buckets, 6)
	assert.Equal(t, 2, perf.Buckets[4].Trades) // [0.8, 0.9)
	assert.Equal(t, 1, perf.Buckets[4].Correct)
	assert.Equal(t, 1, perf.Buckets[2].Trades) // [0.6, 0.7)
}

type recordingSink struct {
	saved []models.CompletedTrade
	err   error
}

func (s *recordingSink) SaveCompletedTrade(ctx context.Context, trade models.CompletedTrade) error {
	if _, ok := ctx.Deadline(); !ok {
		return errors.New("expected a bounded context")
	}
	s.saved = append(s.saved, trade)
	return s.err
}

type countingObserver struct{ n int }

func (o *countingObserver) ObserveTrade(models.CompletedTrade) { o.n++ }

func TestSinkAndObserver(t *testing.T) {
	sink := &recordingSink{err: errors.New("warehouse down")}
	obs := &countingObserver{}
	tr := newTestTracker(0, WithSink(sink), WithObserver(obs))

	closeTrade(tr, "a", 5, t0)
	closeTrade(tr, "b", -5, t0.Add(time.Hour))

	assert.Len(t, sink.saved, 2)
	assert.Equal(t, 2, obs.n)
	assert.Len(t, tr.CompletedTrades(), 2, "sink failure does not affect the ledger")
}

func TestLoadRebuildsEquity(t *testing.T) {
	tr := newTestTracker(0)
	tr.Load([]models.CompletedTrade{
		{OrderID: "b", PnL: -20, ExitTimestamp: t0.Add(2 * time.Hour)},
		{OrderID: "a", PnL: 50, ExitTimestamp: t0.Add(time.Hour)},
	})

	curve := tr.EquityCurve()
	require.Len(t, curve, 2)
	assert.Equal(t, 50.0, curve[0].Equity)
	assert.Equal(t, 30.0, curve[1].Equity)
	assert.Equal(t, 30.0, tr.TotalPnL())
	assert.Equal(t, "a", tr.CompletedTrades()[0].OrderID)
}
