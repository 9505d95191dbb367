// Package tracker pairs trade entries with exits and derives performance
// analytics from the completed-trade ledger.
package tracker

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"tradeguard/internal/config"
	"tradeguard/internal/logging"
	"tradeguard/internal/models"
)

// InsertOutcome reports what RecordEntry did.
type InsertOutcome int

const (
	// Inserted means a new open entry was created.
	Inserted InsertOutcome = iota
	// AlreadyExists means the order ID was already open; the first entry wins
	// so metadata already used for a risk decision is never overwritten.
	AlreadyExists
	// Rejected means the request was invalid and nothing was stored.
	Rejected
)

func (o InsertOutcome) String() string {
	switch o {
	case Inserted:
		return "inserted"
	case AlreadyExists:
		return "already_exists"
	default:
		return "rejected"
	}
}

// EntryRequest describes a newly opened position.
type EntryRequest struct {
	OrderID      string
	Side         models.Side
	Amount       float64
	Price        float64
	Timestamp    time.Time
	Strategy     string
	Regime       string
	MLPrediction string
	MLConfidence *float64
}

// TradeSink receives every completed trade, e.g. a journal or warehouse.
type TradeSink interface {
	SaveCompletedTrade(ctx context.Context, trade models.CompletedTrade) error
}

// TradeObserver is notified synchronously of every completed trade.
type TradeObserver interface {
	ObserveTrade(trade models.CompletedTrade)
}

// Option configures a Tracker.
type Option func(*Tracker)

// WithSink attaches a trade sink.
func WithSink(sink TradeSink) Option {
	return func(t *Tracker) { t.sink = sink }
}

// WithObserver attaches a trade observer.
func WithObserver(o TradeObserver) Option {
	return func(t *Tracker) { t.observers = append(t.observers, o) }
}

// Tracker owns open entries, completed trades and the equity curve.
type Tracker struct {
	cfg       config.TrackerConfig
	logger    zerolog.Logger
	sink      TradeSink
	observers []TradeObserver

	mu        sync.RWMutex
	open      map[string]*models.OpenEntry
	completed []models.CompletedTrade
	equity    []models.EquityPoint
	totalPnL  float64
}

// New creates an empty tracker.
func New(cfg config.TrackerConfig, logger zerolog.Logger, opts ...Option) *Tracker {
	t := &Tracker{
		cfg:    cfg,
		logger: logging.WithComponent(logger, "tracker"),
		open:   make(map[string]*models.OpenEntry),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// RecordEntry opens a position unless the order ID is already open.
func (t *Tracker) RecordEntry(req EntryRequest) InsertOutcome {
	if req.OrderID == "" || req.Side.Sign() == 0 ||
		!models.IsFinite(req.Amount, req.Price) || req.Amount <= 0 || req.Price <= 0 {
		t.logger.Warn().
			Str("order_id", req.OrderID).
			Str("side", string(req.Side)).
			Float64("amount", req.Amount).
			Float64("price", req.Price).
			Msg("Rejected invalid trade entry")
		return Rejected
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if _, exists := t.open[req.OrderID]; exists {
		t.logger.Debug().Str("order_id", req.OrderID).Msg("Duplicate entry ignored")
		return AlreadyExists
	}

	ts := req.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	t.open[req.OrderID] = &models.OpenEntry{
		OrderID:        req.OrderID,
		Side:           req.Side,
		Amount:         req.Amount,
		EntryPrice:     req.Price,
		EntryTimestamp: ts,
		Strategy:       req.Strategy,
		Regime:         req.Regime,
		MLPrediction:   req.MLPrediction,
		MLConfidence:   req.MLConfidence,
		MFEPrice:       req.Price,
		MAEPrice:       req.Price,
	}
	return Inserted
}

// UpdatePriceExcursions widens MFE/MAE of every open entry from a bar's
// high and low. Excursions never shrink.
func (t *Tracker) UpdatePriceExcursions(high, low float64) {
	if !models.IsFinite(high, low) || high <= 0 || low <= 0 || high < low {
		t.logger.Warn().Float64("high", high).Float64("low", low).Msg("Ignoring invalid excursion bar")
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	for _, e := range t.open {
		favPrice, advPrice := high, low
		if e.Side == models.SideShort {
			favPrice, advPrice = low, high
		}
		fav := e.Side.Sign() * (favPrice - e.EntryPrice) * e.Amount
		adv := e.Side.Sign() * (advPrice - e.EntryPrice) * e.Amount

		if fav > e.MFE {
			e.MFE = fav
			e.MFEPrice = favPrice
		}
		if adv < e.MAE {
			e.MAE = adv
			e.MAEPrice = advPrice
		}
	}
}

// RecordExit closes an open entry. Unknown order IDs return (nil, false)
// and change nothing.
func (t *Tracker) RecordExit(ctx context.Context, orderID string, price float64, ts time.Time, reason string) (*models.CompletedTrade, bool) {
	if !models.IsFinite(price) || price <= 0 {
		t.logger.Warn().Str("order_id", orderID).Float64("price", price).Msg("Rejected invalid exit price")
		return nil, false
	}

	t.mu.Lock()
	entry, ok := t.open[orderID]
	if !ok {
		t.mu.Unlock()
		t.logger.Warn().Str("order_id", orderID).Msg("Exit for unknown order")
		return nil, false
	}
	if ts.IsZero() {
		ts = time.Now()
	}

	trade := closeEntry(*entry, price, ts, reason, t.cfg.FeeRate)
	delete(t.open, orderID)
	t.appendLocked(trade)
	t.mu.Unlock()

	logging.LogTradeClosed(logging.WithStrategy(t.logger, trade.Strategy), trade.OrderID, string(trade.Side), reason, trade.PnL, trade.HoldingPeriodMinutes)

	for _, o := range t.observers {
		o.ObserveTrade(trade)
	}
	t.deliver(ctx, trade)

	return &trade, true
}

// closeEntry computes PnL net of round-trip fees.
func closeEntry(e models.OpenEntry, exit float64, ts time.Time, reason string, feeRate float64) models.CompletedTrade {
	gross := e.Side.Sign() * (exit - e.EntryPrice) * e.Amount
	fees := (e.EntryPrice + exit) * e.Amount * feeRate * 2

	holding := ts.Sub(e.EntryTimestamp).Minutes()
	if holding < 0 {
		holding = 0
	}

	return models.CompletedTrade{
		OrderID:              e.OrderID,
		Side:                 e.Side,
		Amount:               e.Amount,
		EntryPrice:           e.EntryPrice,
		ExitPrice:            exit,
		EntryTimestamp:       e.EntryTimestamp,
		ExitTimestamp:        ts,
		Strategy:             e.Strategy,
		Regime:               e.Regime,
		MLPrediction:         e.MLPrediction,
		MLConfidence:         e.MLConfidence,
		GrossPnL:             gross,
		Fees:                 fees,
		PnL:                  gross - fees,
		HoldingPeriodMinutes: holding,
		ExitReason:           reason,
		MFE:                  e.MFE,
		MAE:                  e.MAE,
		MFEPrice:             e.MFEPrice,
		MAEPrice:             e.MAEPrice,
	}
}

func (t *Tracker) appendLocked(trade models.CompletedTrade) {
	t.completed = append(t.completed, trade)
	t.totalPnL += trade.PnL
	t.equity = append(t.equity, models.EquityPoint{Timestamp: trade.ExitTimestamp, Equity: t.totalPnL})
}

// deliver hands the trade to the sink with a bounded timeout. Failures are
// logged only; the ledger is already updated.
func (t *Tracker) deliver(ctx context.Context, trade models.CompletedTrade) {
	if t.sink == nil {
		return
	}
	if ctx == nil {
		ctx = context.Background()
	}
	if t.cfg.SinkTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t.cfg.SinkTimeout)
		defer cancel()
	}
	if err := t.sink.SaveCompletedTrade(ctx, trade); err != nil {
		logger := logging.WithOrderID(t.logger, trade.OrderID)
		logger.Error().Err(err).Msg("Failed to deliver completed trade")
	}
}

// Load replaces the ledger with trades (e.g. from a journal), ordered by
// exit time, and rebuilds the equity curve.
func (t *Tracker) Load(trades []models.CompletedTrade) {
	sorted := make([]models.CompletedTrade, len(trades))
	copy(sorted, trades)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].ExitTimestamp.Before(sorted[j].ExitTimestamp)
	})

	t.mu.Lock()
	defer t.mu.Unlock()

	t.completed = nil
	t.equity = nil
	t.totalPnL = 0
	for _, tr := range sorted {
		t.appendLocked(tr)
	}
}

// OpenEntries returns open positions ordered by entry time.
func (t *Tracker) OpenEntries() []models.OpenEntry {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make([]models.OpenEntry, 0, len(t.open))
	for _, e := range t.open {
		out = append(out, *e)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].EntryTimestamp.Equal(out[j].EntryTimestamp) {
			return out[i].OrderID < out[j].OrderID
		}
		return out[i].EntryTimestamp.Before(out[j].EntryTimestamp)
	})
	return out
}

// CompletedTrades returns a copy of the ledger.
func (t *Tracker) CompletedTrades() []models.CompletedTrade {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return append([]models.CompletedTrade(nil), t.completed...)
}

// EquityCurve returns a copy of the cumulative PnL curve.
func (t *Tracker) EquityCurve() []models.EquityPoint {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return append([]models.EquityPoint(nil), t.equity...)
}

// TotalPnL returns cumulative realised PnL.
func (t *Tracker) TotalPnL() float64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.totalPnL
}
