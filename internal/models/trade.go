package models

import "time"

// TradeResult is one closed-trade outcome fed to the position sizer.
type TradeResult struct {
	Timestamp  time.Time `json:"timestamp"`
	ProfitLoss float64   `json:"profit_loss"`
	IsWin      bool      `json:"is_win"`
	Strategy   string    `json:"strategy"`
	Confidence float64   `json:"confidence"`
}

// OpenEntry is a position that has been entered but not yet exited.
type OpenEntry struct {
	OrderID        string    `json:"order_id"`
	Side           Side      `json:"side"`
	Amount         float64   `json:"amount"`
	EntryPrice     float64   `json:"entry_price"`
	EntryTimestamp time.Time `json:"entry_timestamp"`
	Strategy       string    `json:"strategy"`
	Regime         string    `json:"regime,omitempty"`
	MLPrediction   string    `json:"ml_prediction,omitempty"`
	MLConfidence   *float64  `json:"ml_confidence,omitempty"`
	MFE            float64   `json:"mfe"`
	MAE            float64   `json:"mae"`
	MFEPrice       float64   `json:"mfe_price"`
	MAEPrice       float64   `json:"mae_price"`
}

// CompletedTrade is an immutable record of a closed position.
type CompletedTrade struct {
	OrderID              string    `json:"order_id"`
	Side                 Side      `json:"side"`
	Amount               float64   `json:"amount"`
	EntryPrice           float64   `json:"entry_price"`
	ExitPrice            float64   `json:"exit_price"`
	EntryTimestamp       time.Time `json:"entry_timestamp"`
	ExitTimestamp        time.Time `json:"exit_timestamp"`
	Strategy             string    `json:"strategy"`
	Regime               string    `json:"regime,omitempty"`
	MLPrediction         string    `json:"ml_prediction,omitempty"`
	MLConfidence         *float64  `json:"ml_confidence,omitempty"`
	GrossPnL             float64   `json:"gross_pnl"`
	Fees                 float64   `json:"fees"`
	PnL                  float64   `json:"pnl"`
	HoldingPeriodMinutes float64   `json:"holding_period_minutes"`
	ExitReason           string    `json:"exit_reason"`
	MFE                  float64   `json:"mfe"`
	MAE                  float64   `json:"mae"`
	MFEPrice             float64   `json:"mfe_price"`
	MAEPrice             float64   `json:"mae_price"`
}

// IsWin reports whether the trade closed with positive net PnL.
func (t CompletedTrade) IsWin() bool {
	return t.PnL > 0
}

// EquityPoint is one point on the cumulative realised PnL curve.
type EquityPoint struct {
	Timestamp time.Time `json:"timestamp"`
	Equity    float64   `json:"equity"`
}
