// Package risk combines position sizing, drawdown gating and market anomaly
// checks into one decision per trade opportunity.
package risk

import (
	"context"
	"fmt"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"tradeguard/internal/anomaly"
	"tradeguard/internal/config"
	"tradeguard/internal/drawdown"
	"tradeguard/internal/indicators"
	"tradeguard/internal/kelly"
	"tradeguard/internal/logging"
	"tradeguard/internal/models"
	"tradeguard/internal/store"
)

// AnomalyDetector produces market-quality alerts for an observation.
type AnomalyDetector interface {
	Detect(obs anomaly.Observation) []models.AnomalyAlert
	Stats() anomaly.Stats
}

// Recorder receives every finished evaluation, e.g. a metrics collector.
type Recorder interface {
	ObserveEvaluation(eval models.TradeEvaluation)
}

// EvaluationRequest carries everything one evaluation looks at.
type EvaluationRequest struct {
	MLPrediction   models.MLPrediction
	StrategySignal models.StrategySignal
	MarketData     models.MarketData
	Balance        float64
	Bid            float64
	Ask            float64
	LatencyMs      float64
}

// RiskMetrics aggregates every evaluation since construction.
type RiskMetrics struct {
	TotalEvaluations  int       `json:"total_evaluations"`
	Approved          int       `json:"approved"`
	Conditional       int       `json:"conditional"`
	Denied            int       `json:"denied"`
	CriticalAnomalies int       `json:"critical_anomalies"`
	AverageRiskScore  float64   `json:"average_risk_score"`
	LastEvaluation    time.Time `json:"last_evaluation"`
}

// RiskSummary is the read-only view exposed to monitoring and reporting.
type RiskSummary struct {
	Kelly             kelly.Stats              `json:"kelly"`
	Drawdown          drawdown.Statistics      `json:"drawdown"`
	Anomaly           anomaly.Stats            `json:"anomaly"`
	RecentEvaluations []models.TradeEvaluation `json:"recent_evaluations"`
	Metrics           RiskMetrics              `json:"metrics"`
	ApprovalRate      float64                  `json:"approval_rate"`
}

// Option configures a Manager.
type Option func(*Manager)

// WithClock replaces the time source used for evaluation timestamps.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// WithRecorder attaches an evaluation recorder.
func WithRecorder(r Recorder) Option {
	return func(m *Manager) { m.recorders = append(m.recorders, r) }
}

// WithIDGenerator replaces the evaluation ID source.
func WithIDGenerator(fn func() string) Option {
	return func(m *Manager) { m.newID = fn }
}

// Manager is the integrated risk manager. It owns only the evaluation
// history and aggregate metrics; sizing and drawdown state belong to the
// composed components.
type Manager struct {
	cfg       config.RiskConfig
	sizer     *kelly.Criterion
	drawdown  *drawdown.Manager
	detector  AnomalyDetector
	logger    zerolog.Logger
	now       func() time.Time
	newID     func() string
	recorders []Recorder

	mu         sync.RWMutex
	history    []models.TradeEvaluation
	metrics    RiskMetrics
	scoreTotal float64
}

// New composes a manager from already constructed components.
func New(cfg config.RiskConfig, sizer *kelly.Criterion, dd *drawdown.Manager, detector AnomalyDetector, logger zerolog.Logger, opts ...Option) *Manager {
	m := &Manager{
		cfg:      cfg,
		sizer:    sizer,
		drawdown: dd,
		detector: detector,
		logger:   logging.WithComponent(logger, "risk"),
		now:      time.Now,
		newID:    uuid.NewString,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// NewFromConfig builds every component from cfg. Drawdown state is restored
// from st under the mode-scoped key; a nil st keeps state in memory.
func NewFromConfig(cfg *config.Config, st store.StateStore, logger zerolog.Logger, ddOpts []drawdown.Option, opts ...Option) *Manager {
	logger = logging.WithMode(logger, cfg.Mode)
	sizer := kelly.New(cfg.Kelly, logger)
	dd := drawdown.New(cfg.Drawdown, cfg.StateKey(), st, logger, ddOpts...)
	detector := anomaly.NewDetector(cfg.Anomaly, logger)
	return New(cfg.Risk, sizer, dd, detector, logger, opts...)
}

// Drawdown returns the composed drawdown manager.
func (m *Manager) Drawdown() *drawdown.Manager {
	return m.drawdown
}

// Sizer returns the composed Kelly sizer.
func (m *Manager) Sizer() *kelly.Criterion {
	return m.sizer
}

// EvaluateTradeOpportunity runs the full pipeline and always returns an
// evaluation. Invalid input yields DENIED with risk score 1.0.
func (m *Manager) EvaluateTradeOpportunity(ctx context.Context, req EvaluationRequest) models.TradeEvaluation {
	now := m.now()
	eval := models.TradeEvaluation{
		ID:            m.newID(),
		Timestamp:     now,
		Strategy:      req.StrategySignal.StrategyName,
		Side:          tradeSide(req),
		DenialReasons: []string{},
		AnomalyAlerts: []models.AnomalyAlert{},
	}

	if ctx != nil && ctx.Err() != nil {
		return m.finish(m.deny(eval, fmt.Sprintf("evaluation cancelled: %v", ctx.Err())))
	}
	if err := validateMarketData(req.MarketData); err != nil {
		return m.finish(m.deny(eval, fmt.Sprintf("invalid market data: %v", err)))
	}

	dd, _ := m.drawdown.UpdateBalance(req.Balance)
	allowed := m.drawdown.CheckTradingAllowed()
	eval.MaxDrawdown = dd

	last, _ := req.MarketData.Last()
	alerts := m.detector.Detect(anomaly.Observation{
		Timestamp: now,
		Bid:       req.Bid,
		Ask:       req.Ask,
		LatencyMs: req.LatencyMs,
		Market:    req.MarketData,
	})
	if alerts != nil {
		eval.AnomalyAlerts = alerts
	}
	critical := criticalAlerts(alerts)

	confidence := models.Clamp(req.MLPrediction.Confidence, 0, 1)
	eval.Confidence = confidence
	if req.MLPrediction.ExpectedReturn != nil && models.IsFinite(*req.MLPrediction.ExpectedReturn) {
		eval.ExpectedReturn = *req.MLPrediction.ExpectedReturn
	}

	volRatio, atr, ok := indicators.VolatilityRatio(req.MarketData)
	if !ok {
		volRatio = m.cfg.DefaultVolatility
		atr = volRatio * last.Close
	}

	score := m.riskScore(confidence, dd, alerts, volRatio)
	eval.RiskScore = score

	entry := entryPrice(req.Bid, req.Ask, last.Close)
	eval.EntryPrice = entry
	sizing := m.sizer.CalculateDynamicPositionSize(kelly.SizingRequest{
		Balance:      req.Balance,
		EntryPrice:   entry,
		ATR:          atr,
		MLConfidence: confidence,
		Side:         eval.Side,
	})
	eval.KellyFraction = sizing.RiskFraction
	eval.StopLoss = m.stopLoss(req.StrategySignal, eval.Side, entry, sizing.StopLoss)
	eval.TakeProfit = m.takeProfit(req.StrategySignal, eval.Side, entry, eval.StopLoss)

	var reasons []string
	if confidence < m.cfg.MinMLConfidence {
		reasons = append(reasons, fmt.Sprintf("ML confidence %.2f below %.2f (folded into risk score)", confidence, m.cfg.MinMLConfidence))
	}
	if sizing.Fallback {
		reasons = append(reasons, "fallback position size used")
	}
	if sizing.Capped {
		reasons = append(reasons, "position capped at max notional")
	}

	switch {
	case !allowed:
		eval.DenialReasons = append(eval.DenialReasons, fmt.Sprintf("trading not allowed: status %s", m.drawdown.Status()))
	case len(critical) > 0:
		for _, a := range critical {
			eval.DenialReasons = append(eval.DenialReasons, "critical anomaly: "+a.Message)
		}
	case score >= m.cfg.RiskThresholdDeny:
		eval.DenialReasons = append(eval.DenialReasons, fmt.Sprintf("risk score %.3f >= deny threshold %.3f", score, m.cfg.RiskThresholdDeny))
	case eval.Side == models.SideNone:
		eval.DenialReasons = append(eval.DenialReasons, "no actionable trade direction")
	case sizing.Units <= 0:
		eval.DenialReasons = append(eval.DenialReasons, "position size is zero")
	}

	switch {
	case len(eval.DenialReasons) > 0:
		eval.Decision = models.DecisionDenied
		eval.PositionSize = 0
	case score >= m.cfg.RiskThresholdConditional:
		eval.Decision = models.DecisionConditional
		eval.PositionSize = sizing.Units
		reasons = append(reasons, fmt.Sprintf("risk score %.3f >= conditional threshold %.3f", score, m.cfg.RiskThresholdConditional))
	default:
		eval.Decision = models.DecisionApproved
		eval.PositionSize = sizing.Units
	}

	eval.Reasoning = reasoning(eval, reasons)
	return m.finish(eval)
}

// deny short-circuits an evaluation before any component is consulted.
func (m *Manager) deny(eval models.TradeEvaluation, reason string) models.TradeEvaluation {
	eval.Decision = models.DecisionDenied
	eval.RiskScore = 1.0
	eval.PositionSize = 0
	eval.DenialReasons = append(eval.DenialReasons, reason)
	eval.Reasoning = reasoning(eval, nil)
	return eval
}

// finish records the evaluation in history and metrics and notifies recorders.
func (m *Manager) finish(eval models.TradeEvaluation) models.TradeEvaluation {
	m.mu.Lock()
	m.history = append(m.history, eval)
	if limit := m.cfg.EvaluationHistory; limit > 0 && len(m.history) > limit {
		n := copy(m.history, m.history[len(m.history)-limit:])
		m.history = m.history[:n]
	}

	m.metrics.TotalEvaluations++
	switch eval.Decision {
	case models.DecisionApproved:
		m.metrics.Approved++
	case models.DecisionConditional:
		m.metrics.Conditional++
	default:
		m.metrics.Denied++
	}
	m.metrics.CriticalAnomalies += len(criticalAlerts(eval.AnomalyAlerts))
	m.scoreTotal += eval.RiskScore
	m.metrics.AverageRiskScore = m.scoreTotal / float64(m.metrics.TotalEvaluations)
	m.metrics.LastEvaluation = eval.Timestamp
	m.mu.Unlock()

	logging.LogDecision(m.logger, eval.ID, string(eval.Decision), string(eval.Side), eval.RiskScore, eval.PositionSize, eval.Reasoning)
	for _, r := range m.recorders {
		r.ObserveEvaluation(eval)
	}
	return eval
}

// riskScore is the weighted mean of four factors, each clamped to [0,1].
func (m *Manager) riskScore(confidence, dd float64, alerts []models.AnomalyAlert, volRatio float64) float64 {
	ddFactor := 1.0
	if maxDD := m.drawdown.MaxDrawdownRatio(); maxDD > 0 {
		ddFactor = models.Clamp(dd/maxDD, 0, 1)
	}

	var severity float64
	for _, a := range alerts {
		severity = math.Max(severity, a.Level.Severity())
	}

	volFactor := 1.0
	if m.cfg.HighVolatilityRatio > 0 {
		volFactor = models.Clamp(volRatio/m.cfg.HighVolatilityRatio, 0, 1)
	}

	weights := m.cfg.ConfidenceWeight + m.cfg.DrawdownWeight + m.cfg.AnomalyWeight + m.cfg.VolatilityWeight
	if weights <= 0 {
		return 1.0
	}
	score := (m.cfg.ConfidenceWeight*(1-confidence) +
		m.cfg.DrawdownWeight*ddFactor +
		m.cfg.AnomalyWeight*severity +
		m.cfg.VolatilityWeight*volFactor) / weights
	return models.Clamp(score, 0, 1)
}

// stopLoss prefers the strategy's stop when it sits on the losing side of entry.
func (m *Manager) stopLoss(sig models.StrategySignal, side models.Side, entry, sized float64) float64 {
	if sig.StopLoss != nil && models.IsFinite(*sig.StopLoss) && *sig.StopLoss > 0 {
		s := *sig.StopLoss
		if (side == models.SideLong && s < entry) || (side == models.SideShort && s > entry) {
			return s
		}
	}
	return sized
}

// takeProfit prefers the strategy's target, else take_profit_rr times the
// stop distance.
func (m *Manager) takeProfit(sig models.StrategySignal, side models.Side, entry, stop float64) float64 {
	if sig.TakeProfit != nil && models.IsFinite(*sig.TakeProfit) && *sig.TakeProfit > 0 {
		return *sig.TakeProfit
	}
	if side.Sign() == 0 || stop <= 0 || entry <= 0 {
		return 0
	}
	return entry + side.Sign()*math.Abs(entry-stop)*m.cfg.TakeProfitRR
}

// RecordTradeResult feeds a closed trade to both the sizer and the drawdown
// manager so their histories stay in step.
func (m *Manager) RecordTradeResult(profitLoss float64, strategy string, confidence float64) {
	m.sizer.AddTradeResult(profitLoss, strategy, confidence)
	m.drawdown.RecordTradeResult(profitLoss, strategy)
}

// ManualPause pauses trading on operator request.
func (m *Manager) ManualPause(reason string) {
	m.drawdown.ManualPauseTrading(reason)
}

// ManualResume lifts a manual pause. Automatic pauses are not affected.
func (m *Manager) ManualResume(reason string) bool {
	return m.drawdown.ManualResumeTrading(reason)
}

// EvaluationHistory returns a copy of the bounded history, oldest first.
func (m *Manager) EvaluationHistory() []models.TradeEvaluation {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]models.TradeEvaluation(nil), m.history...)
}

// Metrics returns the aggregate counters.
func (m *Manager) Metrics() RiskMetrics {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.metrics
}

// GetRiskSummary combines every component's read-only view.
func (m *Manager) GetRiskSummary() RiskSummary {
	m.mu.RLock()
	n := m.cfg.RecentEvaluations
	if n <= 0 || n > len(m.history) {
		n = len(m.history)
	}
	recent := append([]models.TradeEvaluation(nil), m.history[len(m.history)-n:]...)
	metrics := m.metrics
	m.mu.RUnlock()

	summary := RiskSummary{
		Kelly:             m.sizer.Stats(),
		Drawdown:          m.drawdown.GetDrawdownStatistics(),
		Anomaly:           m.detector.Stats(),
		RecentEvaluations: recent,
		Metrics:           metrics,
	}
	if metrics.TotalEvaluations > 0 {
		summary.ApprovalRate = float64(metrics.Approved) / float64(metrics.TotalEvaluations)
	}
	return summary
}

// validateMarketData checks the columns every later step relies on.
func validateMarketData(data models.MarketData) error {
	if data.Len() == 0 {
		return fmt.Errorf("no candles")
	}
	for i, c := range data.Candles {
		if !models.IsFinite(c.Open, c.High, c.Low, c.Close, c.Volume) {
			return fmt.Errorf("non-finite OHLCV at row %d", i)
		}
	}
	last, _ := data.Last()
	if !last.Valid() {
		return fmt.Errorf("latest candle invalid (close %.6g, high %.6g, low %.6g)", last.Close, last.High, last.Low)
	}
	if len(data.ATR14) > 0 && len(data.ATR14) != len(data.Candles) {
		return fmt.Errorf("atr_14 has %d rows, candles have %d", len(data.ATR14), len(data.Candles))
	}
	return nil
}

// tradeSide takes the strategy's action, falling back to the model's.
func tradeSide(req EvaluationRequest) models.Side {
	if s := models.ParseSide(req.StrategySignal.Action); s != models.SideNone {
		return s
	}
	return models.ParseSide(req.MLPrediction.Action)
}

// entryPrice is the mid quote when both sides are usable, else the last close.
func entryPrice(bid, ask, lastClose float64) float64 {
	if models.IsFinite(bid, ask) && bid > 0 && ask >= bid {
		return (bid + ask) / 2
	}
	return lastClose
}

func criticalAlerts(alerts []models.AnomalyAlert) []models.AnomalyAlert {
	var out []models.AnomalyAlert
	for _, a := range alerts {
		if a.Level == models.AlertCritical {
			out = append(out, a)
		}
	}
	return out
}

func reasoning(eval models.TradeEvaluation, notes []string) string {
	parts := []string{fmt.Sprintf("%s (risk score %.3f)", eval.Decision, eval.RiskScore)}
	parts = append(parts, eval.DenialReasons...)
	parts = append(parts, notes...)
	return strings.Join(parts, "; ")
}
