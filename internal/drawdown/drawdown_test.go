package drawdown

import (
	"encoding/json"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tradeguard/internal/config"
	apperrors "tradeguard/internal/errors"
	"tradeguard/internal/models"
)

func TestDrawdownScenario_PausesAtTwentyPercent(t *testing.T) {
	m := newTestManager(nil, newFakeClock())
	require.NoError(t, m.InitializeBalance(1_000_000))

	dd, allowed := m.UpdateBalance(1_200_000)
	assert.Zero(t, dd)
	assert.True(t, allowed)

	dd, allowed = m.UpdateBalance(960_000)
	assert.Equal(t, 0.20, dd)
	assert.False(t, allowed)
	assert.Equal(t, models.StatusPausedDrawdown, m.Status())

	stats := m.GetDrawdownStatistics()
	assert.Equal(t, 0.20, stats.MaxObservedDrawdown)
	assert.Len(t, stats.History, 3)
	require.NotNil(t, stats.PauseUntil)
}

func TestUpdateBalance_NonPositiveIsFullDrawdown(t *testing.T) {
	m := newTestManager(nil, newFakeClock())
	require.NoError(t, m.InitializeBalance(500))

	dd, allowed := m.UpdateBalance(0)
	assert.Equal(t, 1.0, dd)
	assert.False(t, allowed)

	dd, _ = m.UpdateBalance(math.NaN())
	assert.Equal(t, 1.0, dd, "non-finite update leaves state alone")
}

func TestInitializeBalance_Rejects(t *testing.T) {
	m := newTestManager(nil, newFakeClock())
	require.NoError(t, m.InitializeBalance(100))

	for _, b := range []float64{0, -5, math.Inf(1), math.NaN()} {
		err := m.InitializeBalance(b)
		assert.True(t, apperrors.Is(err, apperrors.ErrInvalidBalance), "balance %v", b)
	}
	assert.Equal(t, 100.0, m.State().CurrentBalance)
}

func TestLossPause_AutoRevertsAfterCooldown(t *testing.T) {
	clock := newFakeClock()
	m := newTestManager(nil, clock)

	for i := 0; i < 5; i++ {
		m.RecordTradeResult(-10, "s")
	}
	require.False(t, m.CheckTradingAllowed())

	clock.Advance(23 * time.Hour)
	assert.False(t, m.CheckTradingAllowed())

	clock.Advance(time.Hour)
	assert.True(t, m.CheckTradingAllowed())
	assert.Equal(t, models.StatusActive, m.Status())
	assert.Zero(t, m.State().ConsecutiveLosses)
}

func TestDrawdownPause_RevertRebasesPeak(t *testing.T) {
	clock := newFakeClock()
	m := newTestManager(nil, clock)
	require.NoError(t, m.InitializeBalance(1000))

	_, allowed := m.UpdateBalance(700)
	require.False(t, allowed)

	clock.Advance(25 * time.Hour)
	dd, allowed := m.UpdateBalance(700)
	assert.True(t, allowed)
	assert.InDelta(t, 0.3, dd, 1e-12)
	assert.Equal(t, 700.0, m.State().PeakBalance)

	dd, allowed = m.UpdateBalance(700)
	assert.Zero(t, dd)
	assert.True(t, allowed)
}

func TestManualPauseResume(t *testing.T) {
	clock := newFakeClock()
	var transitions []models.TradingStatus
	m := New(newConfig(), testKey, nil, nopLogger(), WithClock(clock.Now), WithStatusObserver(func(from, to models.TradingStatus, reason string) {
		transitions = append(transitions, to)
	}))

	m.ManualPauseTrading("maintenance")
	assert.False(t, m.CheckTradingAllowed())
	clock.Advance(1000 * time.Hour)
	assert.False(t, m.CheckTradingAllowed(), "manual pause never auto-reverts")
	assert.Equal(t, "maintenance", m.State().PauseReason)

	assert.True(t, m.ManualResumeTrading("done"))
	assert.True(t, m.CheckTradingAllowed())
	assert.Empty(t, m.State().PauseReason)

	for i := 0; i < 5; i++ {
		m.RecordTradeResult(-1, "s")
	}
	assert.False(t, m.ManualResumeTrading("override"), "automatic pause cannot be resumed by hand")
	assert.Equal(t, models.StatusPausedConsecutiveLoss, m.Status())

	assert.Equal(t, []models.TradingStatus{
		models.StatusPausedManual,
		models.StatusActive,
		models.StatusPausedConsecutiveLoss,
	}, transitions)
}

func TestManualPause_HoldsAutomaticPause(t *testing.T) {
	t.Run("loss streak", func(t *testing.T) {
		clock := newFakeClock()
		m := newTestManager(nil, clock)
		require.NoError(t, m.InitializeBalance(1000))
		for i := 0; i < 5; i++ {
			m.RecordTradeResult(-1, "s")
		}
		require.Equal(t, models.StatusPausedConsecutiveLoss, m.Status())
		until := *m.State().PauseUntil

		m.ManualPauseTrading("investigate")
		assert.Equal(t, models.StatusPausedManual, m.Status())
		assert.Equal(t, models.StatusPausedConsecutiveLoss, m.State().HeldStatus)
		require.NotNil(t, m.State().PauseUntil)
		assert.Equal(t, until, *m.State().PauseUntil)

		assert.False(t, m.ManualResumeTrading("override"))
		assert.Equal(t, models.StatusPausedConsecutiveLoss, m.Status())
		assert.False(t, m.CheckTradingAllowed())
		assert.Equal(t, 5, m.State().ConsecutiveLosses)
		assert.Empty(t, m.State().HeldStatus)

		clock.Advance(config.Default().Drawdown.Cooldown())
		assert.True(t, m.CheckTradingAllowed())
		assert.Zero(t, m.State().ConsecutiveLosses)
	})

	t.Run("drawdown", func(t *testing.T) {
		clock := newFakeClock()
		m := newTestManager(nil, clock)
		require.NoError(t, m.InitializeBalance(1_000_000))
		m.UpdateBalance(1_200_000)
		_, allowed := m.UpdateBalance(960_000)
		require.False(t, allowed)

		m.ManualPauseTrading("investigate")
		assert.False(t, m.ManualResumeTrading("override"))
		assert.Equal(t, models.StatusPausedDrawdown, m.Status())
		assert.False(t, m.CheckTradingAllowed())
		assert.Equal(t, 1_200_000.0, m.State().PeakBalance)
	})

	t.Run("cooldown elapsed while held", func(t *testing.T) {
		clock := newFakeClock()
		m := newTestManager(nil, clock)
		require.NoError(t, m.InitializeBalance(1000))
		for i := 0; i < 5; i++ {
			m.RecordTradeResult(-1, "s")
		}
		m.ManualPauseTrading("investigate")

		clock.Advance(config.Default().Drawdown.Cooldown() + time.Hour)
		assert.False(t, m.CheckTradingAllowed(), "manual pause still holds")
		assert.True(t, m.ManualResumeTrading("done"))
		assert.True(t, m.CheckTradingAllowed())
		assert.Zero(t, m.State().ConsecutiveLosses)
	})

	t.Run("restored from store", func(t *testing.T) {
		st := newMemStore()
		clock := newFakeClock()
		m := newTestManager(st, clock)
		require.NoError(t, m.InitializeBalance(1000))
		for i := 0; i < 5; i++ {
			m.RecordTradeResult(-1, "s")
		}
		m.ManualPauseTrading("investigate")

		restored := newTestManager(st, clock)
		assert.Equal(t, models.StatusPausedConsecutiveLoss, restored.State().HeldStatus)
		assert.False(t, restored.ManualResumeTrading("override"))
		assert.Equal(t, models.StatusPausedConsecutiveLoss, restored.Status())
	})
}

func TestSave_WithoutStoreReportsFalse(t *testing.T) {
	m := newTestManager(nil, newFakeClock())
	require.NoError(t, m.InitializeBalance(1000))
	assert.False(t, m.Save())
	assert.False(t, m.Backup())
}

func TestPersistence_DocumentFormat(t *testing.T) {
	st := newMemStore()
	clock := newFakeClock()
	m := newTestManager(st, clock)
	require.NoError(t, m.InitializeBalance(1000))
	m.ManualPauseTrading("review")

	var doc map[string]interface{}
	require.NoError(t, json.Unmarshal(st.docs[testKey], &doc))
	for _, key := range []string{"current_balance", "peak_balance", "consecutive_losses", "trading_status", "pause_until", "last_updated"} {
		assert.Contains(t, doc, key)
	}
	assert.Nil(t, doc["pause_until"])
	assert.Equal(t, "PAUSED_MANUAL", doc["trading_status"])

	restored := newTestManager(st, clock)
	assert.Equal(t, models.StatusPausedManual, restored.Status())
	assert.Equal(t, "review", restored.State().PauseReason)
}

func TestPersistence_FailureKeepsInMemoryState(t *testing.T) {
	st := newMemStore()
	st.failing = true

	m := newTestManager(st, newFakeClock())
	require.NoError(t, m.InitializeBalance(1000))
	assert.False(t, m.Save())

	dd, allowed := m.UpdateBalance(900)
	assert.InDelta(t, 0.1, dd, 1e-12)
	assert.True(t, allowed)
	assert.Equal(t, 900.0, m.State().CurrentBalance)
}

func TestPersistence_MalformedDocumentIsBackedUp(t *testing.T) {
	st := newMemStore()
	st.docs[testKey] = []byte(`{"trading_status": 42`)

	m := newTestManager(st, newFakeClock())
	assert.Equal(t, models.StatusActive, m.Status())
	assert.Equal(t, 1, st.backups)

	st.docs[testKey] = []byte(`{"trading_status": "SLEEPING"}`)
	m = newTestManager(st, newFakeClock())
	assert.Equal(t, models.StatusActive, m.Status())
	assert.Equal(t, 2, st.backups)
}

func TestSessionWinRate(t *testing.T) {
	m := newTestManager(nil, newFakeClock())
	require.NoError(t, m.InitializeBalance(1000))
	m.RecordTradeResult(10, "s")
	m.RecordTradeResult(-5, "s")
	m.RecordTradeResult(0, "s")
	m.RecordTradeResult(7, "s")

	stats := m.GetDrawdownStatistics()
	require.NotNil(t, stats.Session)
	assert.Equal(t, 4, stats.Session.TotalTrades)
	assert.Equal(t, 0.5, stats.SessionWinRate)
}
