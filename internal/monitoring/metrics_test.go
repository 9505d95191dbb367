package monitoring

import (
	"io"
	"math"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tradeguard/internal/drawdown"
	"tradeguard/internal/models"
	"tradeguard/internal/tracker"
)

func newTestCollector(t *testing.T) (*Collector, *prometheus.Registry) {
	t.Helper()
	reg := prometheus.NewRegistry()
	c, err := NewCollector(reg)
	require.NoError(t, err)
	return c, reg
}

// sample returns the value of the first series of name whose labels include want.
func sample(t *testing.T, reg *prometheus.Registry, name string, want map[string]string) float64 {
	t.Helper()
	families, err := reg.Gather()
	require.NoError(t, err)
	for _, mf := range families {
		if mf.GetName() != name {
			continue
		}
	next:
		for _, m := range mf.GetMetric() {
			labels := map[string]string{}
			for _, lp := range m.GetLabel() {
				labels[lp.GetName()] = lp.GetValue()
			}
			for k, v := range want {
				if labels[k] != v {
					continue next
				}
			}
			switch {
			case m.GetCounter() != nil:
				return m.GetCounter().GetValue()
			case m.GetGauge() != nil:
				return m.GetGauge().GetValue()
			case m.GetHistogram() != nil:
				return float64(m.GetHistogram().GetSampleCount())
			}
		}
	}
	t.Fatalf("metric %s %v not found", name, want)
	return 0
}

func TestNewCollector_RejectsDoubleRegistration(t *testing.T) {
	reg := prometheus.NewRegistry()
	_, err := NewCollector(reg)
	require.NoError(t, err)

	_, err = NewCollector(reg)
	assert.Error(t, err)
}

func TestObserveEvaluation(t *testing.T) {
	c, reg := newTestCollector(t)

	c.ObserveEvaluation(models.TradeEvaluation{
		Decision:     models.DecisionApproved,
		Side:         models.SideLong,
		RiskScore:    0.3,
		PositionSize: 12.5,
	})
	c.ObserveEvaluation(models.TradeEvaluation{
		Decision:  models.DecisionDenied,
		RiskScore: 1.0,
		AnomalyAlerts: []models.AnomalyAlert{
			{Type: "spread", Level: models.AlertCritical},
		},
	})

	assert.Equal(t, 1.0, sample(t, reg, "tradeguard_decisions_total", map[string]string{"decision": "APPROVED", "side": "LONG"}))
	assert.Equal(t, 1.0, sample(t, reg, "tradeguard_decisions_total", map[string]string{"decision": "DENIED", "side": "none"}))
	assert.Equal(t, 2.0, sample(t, reg, "tradeguard_risk_score", nil))
	assert.Equal(t, 0.0, sample(t, reg, "tradeguard_last_position_size", nil))
	assert.Equal(t, 1.0, sample(t, reg, "tradeguard_anomaly_alerts_total", map[string]string{"type": "spread", "level": string(models.AlertCritical)}))
}

func TestObserveDrawdownAndTransitions(t *testing.T) {
	c, reg := newTestCollector(t)

	c.ObserveDrawdown(drawdown.Statistics{
		Status:            models.StatusActive,
		TradingAllowed:    true,
		CurrentBalance:    9_000,
		PeakBalance:       10_000,
		CurrentDrawdown:   0.1,
		ConsecutiveLosses: 2,
	})
	assert.Equal(t, 0.1, sample(t, reg, "tradeguard_drawdown_ratio", nil))
	assert.Equal(t, 1.0, sample(t, reg, "tradeguard_trading_allowed", nil))
	assert.Equal(t, 1.0, sample(t, reg, "tradeguard_trading_status", map[string]string{"status": "ACTIVE"}))

	c.ObserveStatusChange(models.StatusActive, models.StatusPausedManual, "operator")
	assert.Equal(t, 0.0, sample(t, reg, "tradeguard_trading_allowed", nil))
	assert.Equal(t, 0.0, sample(t, reg, "tradeguard_trading_status", map[string]string{"status": "ACTIVE"}))
	assert.Equal(t, 1.0, sample(t, reg, "tradeguard_trading_status", map[string]string{"status": "PAUSED_MANUAL"}))
	assert.Equal(t, 1.0, sample(t, reg, "tradeguard_status_transitions_total", map[string]string{"from": "ACTIVE", "to": "PAUSED_MANUAL"}))
}

func TestObserveTradeAndPerformance(t *testing.T) {
	c, reg := newTestCollector(t)

	c.ObserveTrade(models.CompletedTrade{Side: models.SideLong, PnL: 25, Strategy: "trend"})
	c.ObserveTrade(models.CompletedTrade{Side: models.SideShort, PnL: -5})
	c.ObservePerformance(tracker.PerformanceMetrics{TotalPnL: 20, WinRate: 0.5, ProfitFactor: math.Inf(1)})

	assert.Equal(t, 1.0, sample(t, reg, "tradeguard_trades_total", map[string]string{"side": "LONG", "result": "win"}))
	assert.Equal(t, 1.0, sample(t, reg, "tradeguard_trades_total", map[string]string{"side": "SHORT", "result": "loss"}))
	assert.Equal(t, 1.0, sample(t, reg, "tradeguard_trade_pnl", map[string]string{"strategy": tracker.UnknownLabel}))
	assert.Equal(t, 20.0, sample(t, reg, "tradeguard_total_pnl", nil))
	assert.Equal(t, 0.0, sample(t, reg, "tradeguard_profit_factor", nil), "infinite ratios export as 0")
}

func TestHandlerServesRegistry(t *testing.T) {
	c, reg := newTestCollector(t)
	c.ObservePerformance(tracker.PerformanceMetrics{WinRate: 0.75})

	srv := httptest.NewServer(Handler(reg))
	defer srv.Close()

	resp, err := srv.Client().Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	assert.Contains(t, string(body), "tradeguard_win_rate 0.75")
}
