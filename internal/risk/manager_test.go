package risk

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tradeguard/internal/config"
	"tradeguard/internal/models"
)

type captureRecorder struct{ evals []models.TradeEvaluation }

func (r *captureRecorder) ObserveEvaluation(e models.TradeEvaluation) { r.evals = append(r.evals, e) }

func TestEvaluate_ApprovesHealthyTrade(t *testing.T) {
	rec := &captureRecorder{}
	m := newTestManager(nil, WithRecorder(rec))

	eval := m.EvaluateTradeOpportunity(context.Background(), request(0.9, "BUY"))

	require.Equal(t, models.DecisionApproved, eval.Decision, eval.Reasoning)
	assert.Equal(t, "eval-1", eval.ID)
	assert.Equal(t, evalTime, eval.Timestamp)
	assert.Equal(t, models.SideLong, eval.Side)
	assert.Equal(t, "trend", eval.Strategy)
	// (0.35*0.1 + 0.15*(0.02/0.05)) / 1.0
	assert.InDelta(t, 0.095, eval.RiskScore, 1e-9)
	// risk 100000*0.009 over a 2*ATR(2) stop
	assert.InDelta(t, 225, eval.PositionSize, 1e-9)
	assert.InDelta(t, 100, eval.EntryPrice, 1e-9)
	assert.InDelta(t, 96, eval.StopLoss, 1e-9)
	assert.InDelta(t, 108, eval.TakeProfit, 1e-9)
	assert.InDelta(t, 0.009, eval.KellyFraction, 1e-12)
	assert.Empty(t, eval.DenialReasons)
	assert.Empty(t, eval.AnomalyAlerts)

	require.Len(t, rec.evals, 1)
	assert.Equal(t, eval.ID, rec.evals[0].ID)
}

func TestEvaluate_ShortUsesInvertedLevels(t *testing.T) {
	m := newTestManager(nil)
	eval := m.EvaluateTradeOpportunity(context.Background(), request(0.9, "SELL"))

	require.Equal(t, models.DecisionApproved, eval.Decision)
	assert.Equal(t, models.SideShort, eval.Side)
	assert.InDelta(t, 104, eval.StopLoss, 1e-9)
	assert.InDelta(t, 92, eval.TakeProfit, 1e-9)
}

func TestEvaluate_PrefersStrategyLevels(t *testing.T) {
	m := newTestManager(nil)
	req := request(0.9, "BUY")
	req.StrategySignal.StopLoss = models.Float64Ptr(97)
	req.StrategySignal.TakeProfit = models.Float64Ptr(110)

	eval := m.EvaluateTradeOpportunity(context.Background(), req)
	assert.Equal(t, 97.0, eval.StopLoss)
	assert.Equal(t, 110.0, eval.TakeProfit)

	// a stop on the wrong side of entry is ignored
	req.StrategySignal.StopLoss = models.Float64Ptr(105)
	eval = m.EvaluateTradeOpportunity(context.Background(), req)
	assert.InDelta(t, 96, eval.StopLoss, 1e-9)
}

func TestEvaluate_EmptyMarketData(t *testing.T) {
	m := newTestManager(nil)
	req := request(0.95, "BUY")
	req.MarketData = models.MarketData{}

	eval := m.EvaluateTradeOpportunity(context.Background(), req)
	assert.Equal(t, models.DecisionDenied, eval.Decision)
	assert.Equal(t, 1.0, eval.RiskScore)
	assert.Zero(t, eval.PositionSize)
	assert.Contains(t, eval.DenialReasons[0], "invalid market data")
	assert.NotEmpty(t, eval.Reasoning)
}

func TestEvaluate_InvalidMarketData(t *testing.T) {
	m := newTestManager(nil)

	mismatched := request(0.9, "BUY")
	mismatched.MarketData.ATR14 = []float64{1, 2}
	assert.Equal(t, models.DecisionDenied, m.EvaluateTradeOpportunity(context.Background(), mismatched).Decision)

	inverted := request(0.9, "BUY")
	last := len(inverted.MarketData.Candles) - 1
	inverted.MarketData.Candles[last].High = 90
	eval := m.EvaluateTradeOpportunity(context.Background(), inverted)
	assert.Equal(t, models.DecisionDenied, eval.Decision)
	assert.Equal(t, 1.0, eval.RiskScore)
}

func TestEvaluate_CancelledContext(t *testing.T) {
	m := newTestManager(nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	eval := m.EvaluateTradeOpportunity(ctx, request(0.9, "BUY"))
	assert.Equal(t, models.DecisionDenied, eval.Decision)
	assert.Contains(t, eval.DenialReasons[0], "cancelled")
}

func TestEvaluate_CriticalAnomalyDenies(t *testing.T) {
	m := newTestManager(nil)
	req := request(0.9, "BUY")
	req.Bid, req.Ask = 100, 102

	eval := m.EvaluateTradeOpportunity(context.Background(), req)
	assert.Equal(t, models.DecisionDenied, eval.Decision)
	assert.Zero(t, eval.PositionSize)
	require.Len(t, eval.AnomalyAlerts, 1)
	assert.Equal(t, models.AlertCritical, eval.AnomalyAlerts[0].Level)
	assert.True(t, strings.HasPrefix(eval.DenialReasons[0], "critical anomaly"))
	assert.Equal(t, 1, m.Metrics().CriticalAnomalies)
}

func TestEvaluate_PausedTradingDenies(t *testing.T) {
	m := newTestManager(nil)
	m.ManualPause("maintenance")

	eval := m.EvaluateTradeOpportunity(context.Background(), request(0.95, "BUY"))
	assert.Equal(t, models.DecisionDenied, eval.Decision)
	assert.Contains(t, eval.DenialReasons[0], string(models.StatusPausedManual))

	assert.True(t, m.ManualResume("done"))
	eval = m.EvaluateTradeOpportunity(context.Background(), request(0.95, "BUY"))
	assert.Equal(t, models.DecisionApproved, eval.Decision)
}

func TestEvaluate_LowConfidenceFoldedIntoScore(t *testing.T) {
	m := newTestManager(nil)

	eval := m.EvaluateTradeOpportunity(context.Background(), request(0.5, "BUY"))
	assert.Equal(t, models.DecisionApproved, eval.Decision, "low confidence alone is not a veto")
	assert.Contains(t, eval.Reasoning, "folded into risk score")
}

func TestEvaluate_ConditionalBand(t *testing.T) {
	m := newTestManager(nil)
	req := request(0.2, "BUY")
	req.MarketData = flatMarket(20, 100, 6)
	req.LatencyMs = 1500

	eval := m.EvaluateTradeOpportunity(context.Background(), req)
	// 0.35*0.8 + 0.25*0.5 + 0.15*1.0
	assert.InDelta(t, 0.555, eval.RiskScore, 1e-9)
	assert.Equal(t, models.DecisionConditional, eval.Decision)
	assert.Greater(t, eval.PositionSize, 0.0)
	assert.Empty(t, eval.DenialReasons)
}

func TestEvaluate_HighScoreDenies(t *testing.T) {
	m := newTestManager(nil)
	m.EvaluateTradeOpportunity(context.Background(), request(0.9, "BUY"))

	req := request(0, "BUY")
	req.MarketData = flatMarket(20, 100, 6)
	req.LatencyMs = 1500
	req.Balance = 85_000

	eval := m.EvaluateTradeOpportunity(context.Background(), req)
	assert.InDelta(t, 0.15, eval.MaxDrawdown, 1e-12)
	// 0.35 + 0.25*0.75 + 0.25*0.5 + 0.15
	assert.InDelta(t, 0.8125, eval.RiskScore, 1e-9)
	assert.Equal(t, models.DecisionDenied, eval.Decision)
	assert.Contains(t, eval.DenialReasons[0], "deny threshold")
}

func TestEvaluate_NoDirectionDenied(t *testing.T) {
	m := newTestManager(nil)
	eval := m.EvaluateTradeOpportunity(context.Background(), request(0.9, "HOLD"))
	assert.Equal(t, models.DecisionDenied, eval.Decision)
	assert.Equal(t, models.SideNone, eval.Side)
	assert.Contains(t, eval.DenialReasons, "no actionable trade direction")
}

func TestEvaluate_FallsBackToModelAction(t *testing.T) {
	m := newTestManager(nil)
	req := request(0.9, "SELL")
	req.StrategySignal.Action = ""

	eval := m.EvaluateTradeOpportunity(context.Background(), req)
	assert.Equal(t, models.SideShort, eval.Side)
}

func TestHistoryAndSummary(t *testing.T) {
	m := newTestManager(func(c *config.Config) {
		c.Risk.EvaluationHistory = 3
		c.Risk.RecentEvaluations = 2
	})

	for i := 0; i < 4; i++ {
		m.EvaluateTradeOpportunity(context.Background(), request(0.9, "BUY"))
	}
	empty := request(0.9, "BUY")
	empty.MarketData = models.MarketData{}
	m.EvaluateTradeOpportunity(context.Background(), empty)

	history := m.EvaluationHistory()
	require.Len(t, history, 3)
	assert.Equal(t, "eval-3", history[0].ID)
	assert.Equal(t, "eval-5", history[2].ID)

	summary := m.GetRiskSummary()
	assert.Equal(t, 5, summary.Metrics.TotalEvaluations)
	assert.Equal(t, 4, summary.Metrics.Approved)
	assert.Equal(t, 1, summary.Metrics.Denied)
	assert.InDelta(t, 0.8, summary.ApprovalRate, 1e-12)
	assert.InDelta(t, (4*0.095+1.0)/5, summary.Metrics.AverageRiskScore, 1e-9)
	assert.Equal(t, evalTime, summary.Metrics.LastEvaluation)
	require.Len(t, summary.RecentEvaluations, 2)
	assert.Equal(t, "eval-5", summary.RecentEvaluations[1].ID)
	assert.Equal(t, models.StatusActive, summary.Drawdown.Status)
	assert.Equal(t, int64(4), summary.Anomaly.Observations)
}

func TestRecordTradeResult_FeedsBothComponents(t *testing.T) {
	m := newTestManager(nil)
	m.EvaluateTradeOpportunity(context.Background(), request(0.9, "BUY"))

	for i := 0; i < 5; i++ {
		m.RecordTradeResult(-100, "trend", 0.7)
	}

	assert.Len(t, m.Sizer().History(), 5)
	assert.Equal(t, models.StatusPausedConsecutiveLoss, m.Drawdown().Status())

	eval := m.EvaluateTradeOpportunity(context.Background(), request(0.9, "BUY"))
	assert.Equal(t, models.DecisionDenied, eval.Decision)
	assert.False(t, m.ManualResume("operator cannot lift a loss pause"))
}
