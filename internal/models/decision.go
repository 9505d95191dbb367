package models

import "time"

// RiskDecision is the terminal outcome of one trade evaluation.
type RiskDecision string

const (
	DecisionApproved    RiskDecision = "APPROVED"
	DecisionConditional RiskDecision = "CONDITIONAL"
	DecisionDenied      RiskDecision = "DENIED"
)

// TradeEvaluation is produced fresh by every evaluation call.
type TradeEvaluation struct {
	ID             string         `json:"id"`
	Timestamp      time.Time      `json:"timestamp"`
	Decision       RiskDecision   `json:"decision"`
	Side           Side           `json:"side"`
	Strategy       string         `json:"strategy,omitempty"`
	PositionSize   float64        `json:"position_size"`
	EntryPrice     float64        `json:"entry_price"`
	Confidence     float64        `json:"confidence"`
	RiskScore      float64        `json:"risk_score"`
	ExpectedReturn float64        `json:"expected_return"`
	StopLoss       float64        `json:"stop_loss"`
	TakeProfit     float64        `json:"take_profit"`
	MaxDrawdown    float64        `json:"max_drawdown"`
	KellyFraction  float64        `json:"kelly_fraction"`
	Reasoning      string         `json:"reasoning"`
	DenialReasons  []string       `json:"denial_reasons"`
	AnomalyAlerts  []AnomalyAlert `json:"anomaly_alerts"`
}

// TradingStatus is the drawdown manager's gating state.
type TradingStatus string

const (
	StatusActive                TradingStatus = "ACTIVE"
	StatusPausedDrawdown        TradingStatus = "PAUSED_DRAWDOWN"
	StatusPausedConsecutiveLoss TradingStatus = "PAUSED_CONSECUTIVE_LOSS"
	StatusPausedManual          TradingStatus = "PAUSED_MANUAL"
)

// Valid reports whether s is one of the known statuses.
func (s TradingStatus) Valid() bool {
	switch s {
	case StatusActive, StatusPausedDrawdown, StatusPausedConsecutiveLoss, StatusPausedManual:
		return true
	}
	return false
}

// DrawdownSnapshot is appended on every balance update.
type DrawdownSnapshot struct {
	Timestamp      time.Time `json:"timestamp"`
	CurrentBalance float64   `json:"current_balance"`
	PeakBalance    float64   `json:"peak_balance"`
	DrawdownRatio  float64   `json:"drawdown_ratio"`
}

// TradingSession tracks trades since the last balance initialization.
type TradingSession struct {
	InitialBalance   float64   `json:"initial_balance"`
	TotalTrades      int       `json:"total_trades"`
	ProfitableTrades int       `json:"profitable_trades"`
	StartTime        time.Time `json:"start_time"`
}

// WinRate returns profitable/total, or 0 with no trades.
func (s TradingSession) WinRate() float64 {
	if s.TotalTrades == 0 {
		return 0
	}
	return float64(s.ProfitableTrades) / float64(s.TotalTrades)
}
