// Package drawdown gates trading on peak-to-trough drawdown and loss streaks.
//
// Status transitions are pull-based: cooldown expiry is only noticed when
// CheckTradingAllowed (or UpdateBalance) is called, so the reported status
// can be stale between calls.
package drawdown

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"tradeguard/internal/config"
	apperrors "tradeguard/internal/errors"
	"tradeguard/internal/logging"
	"tradeguard/internal/models"
	"tradeguard/internal/store"
)

// State is the persisted document. Field names are part of the on-disk format.
type State struct {
	CurrentBalance    float64                `json:"current_balance"`
	PeakBalance       float64                `json:"peak_balance"`
	ConsecutiveLosses int                    `json:"consecutive_losses"`
	TradingStatus     models.TradingStatus   `json:"trading_status"`
	PauseUntil        *time.Time             `json:"pause_until"`
	LastUpdated       time.Time              `json:"last_updated"`
	PauseReason       string                 `json:"pause_reason,omitempty"`
	// HeldStatus is the automatic pause a manual pause was layered over.
	// PauseUntil keeps its cooldown while it is held.
	HeldStatus        models.TradingStatus   `json:"held_status,omitempty"`
	LastLossTime      *time.Time             `json:"last_loss_time,omitempty"`
	Session           *models.TradingSession `json:"session,omitempty"`
}

// Statistics is a read-only snapshot for reporting.
type Statistics struct {
	Status               models.TradingStatus      `json:"status"`
	TradingAllowed       bool                      `json:"trading_allowed"`
	CurrentBalance       float64                   `json:"current_balance"`
	PeakBalance          float64                   `json:"peak_balance"`
	CurrentDrawdown      float64                   `json:"current_drawdown"`
	MaxDrawdownRatio     float64                   `json:"max_drawdown_ratio"`
	MaxObservedDrawdown  float64                   `json:"max_observed_drawdown"`
	ConsecutiveLosses    int                       `json:"consecutive_losses"`
	ConsecutiveLossLimit int                       `json:"consecutive_loss_limit"`
	PauseUntil           *time.Time                `json:"pause_until,omitempty"`
	PauseReason          string                    `json:"pause_reason,omitempty"`
	HeldStatus           models.TradingStatus      `json:"held_status,omitempty"`
	Session              *models.TradingSession    `json:"session,omitempty"`
	SessionWinRate       float64                   `json:"session_win_rate"`
	LastUpdated          time.Time                 `json:"last_updated"`
	History              []models.DrawdownSnapshot `json:"history"`
}

// StatusObserver is notified after every status transition.
type StatusObserver func(from, to models.TradingStatus, reason string)

// Option configures a Manager.
type Option func(*Manager)

// WithClock replaces the time source. Required for deterministic cooldowns.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// WithStatusObserver registers a transition hook.
func WithStatusObserver(fn StatusObserver) Option {
	return func(m *Manager) { m.observers = append(m.observers, fn) }
}

// Manager owns balance, peak, loss streak and status for one trading mode.
type Manager struct {
	cfg       config.DrawdownConfig
	key       string
	store     store.StateStore
	logger    zerolog.Logger
	now       func() time.Time
	observers []StatusObserver

	mu          sync.Mutex
	state       State
	history     []models.DrawdownSnapshot
	maxObserved float64
}

// New creates a manager and restores prior state from st under key. A nil
// store keeps state in memory only. A missing document means first run.
func New(cfg config.DrawdownConfig, key string, st store.StateStore, logger zerolog.Logger, opts ...Option) *Manager {
	m := &Manager{
		cfg:    cfg,
		key:    key,
		store:  st,
		logger: logging.WithComponent(logger, "drawdown"),
		now:    time.Now,
		state: State{
			TradingStatus: models.StatusActive,
		},
	}
	for _, opt := range opts {
		opt(m)
	}
	m.state.LastUpdated = m.now()

	if st != nil {
		m.load()
	}
	return m
}

func (m *Manager) ctx() (context.Context, context.CancelFunc) {
	timeout := m.cfg.PersistTimeout
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	return context.WithTimeout(context.Background(), timeout)
}

// load restores the persisted document. A malformed document is backed up
// and ignored so the next save does not destroy the evidence.
func (m *Manager) load() bool {
	ctx, cancel := m.ctx()
	defer cancel()

	data, err := m.store.Load(ctx, m.key)
	if err != nil {
		if apperrors.Is(err, apperrors.ErrStateNotFound) {
			m.logger.Info().Str("key", m.key).Msg("No saved drawdown state, starting fresh")
			return true
		}
		m.logger.Error().Err(err).Str("key", m.key).Msg("Failed to load drawdown state")
		return false
	}

	var loaded State
	if err := json.Unmarshal(data, &loaded); err != nil {
		m.logger.Error().Err(err).Str("key", m.key).Msg("Malformed drawdown state, keeping defaults")
		m.backup(ctx)
		return false
	}
	if !loaded.TradingStatus.Valid() || !validHeld(loaded) || !models.IsFinite(loaded.CurrentBalance, loaded.PeakBalance) || loaded.ConsecutiveLosses < 0 {
		m.logger.Error().Str("key", m.key).Str("status", string(loaded.TradingStatus)).Msg("Invalid drawdown state, keeping defaults")
		m.backup(ctx)
		return false
	}

	m.state = loaded
	m.maxObserved = ratio(loaded.PeakBalance, loaded.CurrentBalance)
	m.logger.Info().
		Str("key", m.key).
		Str("status", string(loaded.TradingStatus)).
		Float64("current_balance", loaded.CurrentBalance).
		Float64("peak_balance", loaded.PeakBalance).
		Int("consecutive_losses", loaded.ConsecutiveLosses).
		Msg("Restored drawdown state")
	return true
}

// Save persists the current state. Failures are logged; in-memory state
// stays authoritative.
func (m *Manager) Save() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.saveLocked()
}

func (m *Manager) saveLocked() bool {
	m.state.LastUpdated = m.now()
	if m.store == nil {
		return false
	}

	data, err := json.MarshalIndent(m.state, "", "  ")
	if err != nil {
		m.logger.Error().Err(err).Msg("Failed to encode drawdown state")
		return false
	}

	ctx, cancel := m.ctx()
	defer cancel()
	if err := m.store.Save(ctx, m.key, data); err != nil {
		m.logger.Error().Err(err).Str("key", m.key).Msg("Failed to persist drawdown state")
		return false
	}
	return true
}

// Backup snapshots the persisted document.
func (m *Manager) Backup() bool {
	if m.store == nil {
		return false
	}
	ctx, cancel := m.ctx()
	defer cancel()
	return m.backup(ctx)
}

func (m *Manager) backup(ctx context.Context) bool {
	if err := m.store.Backup(ctx, m.key); err != nil {
		m.logger.Warn().Err(err).Str("key", m.key).Msg("Failed to back up drawdown state")
		return false
	}
	return true
}

// InitializeBalance starts a new session at balance. Non-positive or
// non-finite balances are rejected and leave state unchanged.
func (m *Manager) InitializeBalance(balance float64) error {
	if !models.IsFinite(balance) || balance <= 0 {
		m.logger.Error().Float64("balance", balance).Msg("Rejected initial balance")
		return fmt.Errorf("%w: %v", apperrors.ErrInvalidBalance, balance)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	m.state.CurrentBalance = balance
	m.state.PeakBalance = balance
	m.state.Session = &models.TradingSession{
		InitialBalance: balance,
		StartTime:      now,
	}
	m.appendSnapshotLocked(now, 0)
	m.saveLocked()

	m.logger.Info().Float64("balance", balance).Msg("Trading session started")
	return nil
}

// UpdateBalance records a new balance and returns the drawdown from peak and
// whether trading is currently allowed. A balance at or below zero counts as
// a 100% drawdown.
func (m *Manager) UpdateBalance(balance float64) (float64, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !models.IsFinite(balance) {
		m.logger.Warn().Float64("balance", balance).Msg("Ignoring non-finite balance update")
		return ratio(m.state.PeakBalance, m.state.CurrentBalance), false
	}

	now := m.now()
	m.state.CurrentBalance = balance
	if balance > m.state.PeakBalance {
		m.state.PeakBalance = balance
	}

	dd := ratio(m.state.PeakBalance, balance)
	m.appendSnapshotLocked(now, dd)

	if m.state.TradingStatus == models.StatusActive && dd >= m.cfg.MaxDrawdownRatio {
		until := now.Add(m.cfg.DrawdownCooldown())
		m.transitionLocked(models.StatusPausedDrawdown, &until,
			fmt.Sprintf("drawdown %.2f%% reached limit %.2f%%", dd*100, m.cfg.MaxDrawdownRatio*100))
	}

	allowed := m.checkLocked(now)
	m.saveLocked()
	return dd, allowed
}

// ratio returns (peak-balance)/peak, 0 at or above peak, 1 at or below zero.
func ratio(peak, balance float64) float64 {
	if balance <= 0 {
		return 1.0
	}
	if peak <= 0 || balance >= peak {
		return 0
	}
	return (peak - balance) / peak
}

func (m *Manager) appendSnapshotLocked(now time.Time, dd float64) {
	m.history = append(m.history, models.DrawdownSnapshot{
		Timestamp:      now,
		CurrentBalance: m.state.CurrentBalance,
		PeakBalance:    m.state.PeakBalance,
		DrawdownRatio:  dd,
	})
	if limit := m.cfg.HistoryLimit; limit > 0 && len(m.history) > limit {
		n := copy(m.history, m.history[len(m.history)-limit:])
		m.history = m.history[:n]
	}
	if dd > m.maxObserved {
		m.maxObserved = dd
	}
}

// RecordTradeResult updates the loss streak and session. Trades must arrive
// in chronological order.
func (m *Manager) RecordTradeResult(profitLoss float64, strategy string) {
	if !models.IsFinite(profitLoss) {
		m.logger.Warn().Float64("pnl", profitLoss).Str("strategy", strategy).Msg("Ignoring non-finite trade result")
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	if m.state.Session == nil {
		m.state.Session = &models.TradingSession{InitialBalance: m.state.CurrentBalance, StartTime: now}
	}
	m.state.Session.TotalTrades++

	if profitLoss > 0 {
		m.state.ConsecutiveLosses = 0
		m.state.LastLossTime = nil
		m.state.Session.ProfitableTrades++
	} else {
		m.state.ConsecutiveLosses++
		m.state.LastLossTime = &now
	}

	m.logger.Debug().
		Float64("pnl", profitLoss).
		Str("strategy", strategy).
		Int("consecutive_losses", m.state.ConsecutiveLosses).
		Msg("Trade result recorded")

	if m.state.TradingStatus == models.StatusActive && m.state.ConsecutiveLosses >= m.cfg.ConsecutiveLossLimit {
		until := now.Add(m.cfg.Cooldown())
		m.transitionLocked(models.StatusPausedConsecutiveLoss, &until,
			fmt.Sprintf("%d consecutive losses", m.state.ConsecutiveLosses))
	}

	m.saveLocked()
}

// CheckTradingAllowed reports whether the status is ACTIVE, first reverting
// an automatic pause whose cooldown has elapsed.
func (m *Manager) CheckTradingAllowed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	before := m.state.TradingStatus
	allowed := m.checkLocked(m.now())
	if m.state.TradingStatus != before {
		m.saveLocked()
	}
	return allowed
}

func (m *Manager) checkLocked(now time.Time) bool {
	switch m.state.TradingStatus {
	case models.StatusActive:
		return true
	case models.StatusPausedConsecutiveLoss, models.StatusPausedDrawdown:
		if !cooldownElapsed(m.state.PauseUntil, now) {
			return false
		}
		m.releaseLocked(m.state.TradingStatus)
		m.transitionLocked(models.StatusActive, nil, "cooldown elapsed")
		return true
	default:
		return false
	}
}

func cooldownElapsed(until *time.Time, now time.Time) bool {
	return until != nil && !now.Before(*until)
}

// releaseLocked applies the side effects of an automatic pause ending.
func (m *Manager) releaseLocked(status models.TradingStatus) {
	if status == models.StatusPausedConsecutiveLoss {
		m.state.ConsecutiveLosses = 0
	} else if m.state.CurrentBalance > 0 {
		// the resumed period measures drawdown from here
		m.state.PeakBalance = m.state.CurrentBalance
	}
}

// ManualPauseTrading pauses from any state until ManualResumeTrading. An
// automatic pause underneath is held with its cooldown and comes back on
// resume if the cooldown has not run out.
func (m *Manager) ManualPauseTrading(reason string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	switch m.state.TradingStatus {
	case models.StatusPausedConsecutiveLoss, models.StatusPausedDrawdown:
		m.state.HeldStatus = m.state.TradingStatus
		m.transitionLocked(models.StatusPausedManual, m.state.PauseUntil, reason)
	case models.StatusPausedManual:
		m.state.PauseReason = reason
	default:
		m.transitionLocked(models.StatusPausedManual, nil, reason)
	}
	m.saveLocked()
}

// ManualResumeTrading clears a manual pause and reports whether trading is
// active again. It is a no-op returning false in any other state: automatic
// pauses cannot be overridden by hand. A held automatic pause whose cooldown
// is still running is restored instead.
func (m *Manager) ManualResumeTrading(reason string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state.TradingStatus != models.StatusPausedManual {
		m.logger.Warn().
			Str("status", string(m.state.TradingStatus)).
			Str("reason", reason).
			Msg("Manual resume ignored, trading is not manually paused")
		return false
	}

	held := m.state.HeldStatus
	m.state.HeldStatus = ""
	if held != "" {
		if !cooldownElapsed(m.state.PauseUntil, m.now()) {
			m.transitionLocked(held, m.state.PauseUntil, fmt.Sprintf("%s restored after manual pause", held))
			m.saveLocked()
			return false
		}
		m.releaseLocked(held)
	}

	m.transitionLocked(models.StatusActive, nil, reason)
	m.saveLocked()
	return true
}

func validHeld(s State) bool {
	switch s.HeldStatus {
	case "":
		return true
	case models.StatusPausedConsecutiveLoss, models.StatusPausedDrawdown:
		return s.TradingStatus == models.StatusPausedManual && s.PauseUntil != nil
	default:
		return false
	}
}

func (m *Manager) transitionLocked(to models.TradingStatus, until *time.Time, reason string) {
	from := m.state.TradingStatus
	m.state.TradingStatus = to
	m.state.PauseUntil = until
	if to == models.StatusActive {
		m.state.PauseReason = ""
	} else {
		m.state.PauseReason = reason
	}

	logging.LogStatusChange(m.logger, string(from), string(to), reason)
	for _, fn := range m.observers {
		fn(from, to, reason)
	}
}

// Status returns the current status without evaluating cooldowns.
func (m *Manager) Status() models.TradingStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.TradingStatus
}

// State returns a copy of the persisted fields.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()

	s := m.state
	if s.Session != nil {
		session := *s.Session
		s.Session = &session
	}
	return s
}

// CurrentDrawdown returns the drawdown ratio at the current balance.
func (m *Manager) CurrentDrawdown() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return ratio(m.state.PeakBalance, m.state.CurrentBalance)
}

// MaxDrawdownRatio returns the configured pause threshold.
func (m *Manager) MaxDrawdownRatio() float64 {
	return m.cfg.MaxDrawdownRatio
}

// GetDrawdownStatistics returns a read-only snapshot of state and history.
func (m *Manager) GetDrawdownStatistics() Statistics {
	m.mu.Lock()
	defer m.mu.Unlock()

	stats := Statistics{
		Status:               m.state.TradingStatus,
		TradingAllowed:       m.state.TradingStatus == models.StatusActive,
		CurrentBalance:       m.state.CurrentBalance,
		PeakBalance:          m.state.PeakBalance,
		CurrentDrawdown:      ratio(m.state.PeakBalance, m.state.CurrentBalance),
		MaxDrawdownRatio:     m.cfg.MaxDrawdownRatio,
		MaxObservedDrawdown:  m.maxObserved,
		ConsecutiveLosses:    m.state.ConsecutiveLosses,
		ConsecutiveLossLimit: m.cfg.ConsecutiveLossLimit,
		PauseReason:          m.state.PauseReason,
		HeldStatus:           m.state.HeldStatus,
		LastUpdated:          m.state.LastUpdated,
		History:              make([]models.DrawdownSnapshot, len(m.history)),
	}
	if m.state.PeakBalance == 0 && m.state.CurrentBalance == 0 {
		stats.CurrentDrawdown = 0
	}
	if m.state.PauseUntil != nil {
		until := *m.state.PauseUntil
		stats.PauseUntil = &until
	}
	if m.state.Session != nil {
		session := *m.state.Session
		stats.Session = &session
		stats.SessionWinRate = session.WinRate()
	}
	copy(stats.History, m.history)
	return stats
}
