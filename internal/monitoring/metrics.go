// Package monitoring exports risk decisions, drawdown state and trade
// outcomes as Prometheus metrics.
package monitoring

import (
	"math"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"tradeguard/internal/drawdown"
	"tradeguard/internal/models"
	"tradeguard/internal/tracker"
)

const namespace = "tradeguard"

var statuses = []models.TradingStatus{
	models.StatusActive,
	models.StatusPausedDrawdown,
	models.StatusPausedConsecutiveLoss,
	models.StatusPausedManual,
}

// Collector owns every tradeguard metric. Each Collector registers on its
// own Registerer so tests and multiple modes never collide.
type Collector struct {
	// Decision metrics
	decisionsTotal *prometheus.CounterVec
	riskScore      prometheus.Histogram
	positionSize   prometheus.Gauge
	anomalyAlerts  *prometheus.CounterVec

	// Drawdown metrics
	drawdownRatio     prometheus.Gauge
	balance           prometheus.Gauge
	peakBalance       prometheus.Gauge
	consecutiveLosses prometheus.Gauge
	tradingAllowed    prometheus.Gauge
	status            *prometheus.GaugeVec
	transitionsTotal  *prometheus.CounterVec

	// Trade metrics
	tradesTotal  *prometheus.CounterVec
	tradePnL     *prometheus.HistogramVec
	totalPnL     prometheus.Gauge
	winRate      prometheus.Gauge
	profitFactor prometheus.Gauge
	sharpe       prometheus.Gauge
	maxDrawdown  prometheus.Gauge
}

// NewCollector creates the metrics and registers them on reg.
func NewCollector(reg prometheus.Registerer) (*Collector, error) {
	c := &Collector{
		decisionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "decisions_total",
				Help:      "Total number of trade evaluations by decision",
			},
			[]string{"decision", "side"},
		),
		riskScore: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "risk_score",
				Help:      "Distribution of evaluation risk scores",
				Buckets:   prometheus.LinearBuckets(0.1, 0.1, 10),
			},
		),
		positionSize: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "last_position_size",
				Help:      "Position size of the most recent evaluation",
			},
		),
		anomalyAlerts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "anomaly_alerts_total",
				Help:      "Total number of market anomaly alerts",
			},
			[]string{"type", "level"},
		),
		drawdownRatio: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "drawdown_ratio",
				Help:      "Current drawdown from peak balance",
			},
		),
		balance: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "balance",
				Help:      "Current account balance",
			},
		),
		peakBalance: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "peak_balance",
				Help:      "Peak account balance",
			},
		),
		consecutiveLosses: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "consecutive_losses",
				Help:      "Current losing streak",
			},
		),
		tradingAllowed: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "trading_allowed",
				Help:      "1 when new positions may be opened",
			},
		),
		status: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "trading_status",
				Help:      "1 for the current trading status, 0 otherwise",
			},
			[]string{"status"},
		),
		transitionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "status_transitions_total",
				Help:      "Total number of trading status transitions",
			},
			[]string{"from", "to"},
		),
		tradesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "trades_total",
				Help:      "Total number of completed trades",
			},
			[]string{"side", "result"},
		),
		tradePnL: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "trade_pnl",
				Help:      "Distribution of net trade PnL",
				Buckets:   []float64{-10000, -1000, -100, -10, 0, 10, 100, 1000, 10000},
			},
			[]string{"strategy"},
		),
		totalPnL: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "total_pnl",
				Help:      "Cumulative realised PnL",
			},
		),
		winRate: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "win_rate",
				Help:      "Share of winning trades",
			},
		),
		profitFactor: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "profit_factor",
				Help:      "Gross profit over gross loss",
			},
		),
		sharpe: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "sharpe_ratio",
				Help:      "Annualised per-trade Sharpe ratio",
			},
		),
		maxDrawdown: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "max_drawdown",
				Help:      "Largest peak-to-trough fall of realised PnL",
			},
		),
	}

	for _, col := range []prometheus.Collector{
		c.decisionsTotal, c.riskScore, c.positionSize, c.anomalyAlerts,
		c.drawdownRatio, c.balance, c.peakBalance, c.consecutiveLosses,
		c.tradingAllowed, c.status, c.transitionsTotal,
		c.tradesTotal, c.tradePnL, c.totalPnL, c.winRate, c.profitFactor,
		c.sharpe, c.maxDrawdown,
	} {
		if err := reg.Register(col); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// ObserveEvaluation records one risk decision.
func (c *Collector) ObserveEvaluation(eval models.TradeEvaluation) {
	c.decisionsTotal.WithLabelValues(string(eval.Decision), sideLabel(eval.Side)).Inc()
	c.riskScore.Observe(eval.RiskScore)
	c.positionSize.Set(eval.PositionSize)
	for _, a := range eval.AnomalyAlerts {
		c.anomalyAlerts.WithLabelValues(a.Type, string(a.Level)).Inc()
	}
}

// ObserveDrawdown copies drawdown statistics into gauges.
func (c *Collector) ObserveDrawdown(stats drawdown.Statistics) {
	c.drawdownRatio.Set(stats.CurrentDrawdown)
	c.balance.Set(stats.CurrentBalance)
	c.peakBalance.Set(stats.PeakBalance)
	c.consecutiveLosses.Set(float64(stats.ConsecutiveLosses))
	c.tradingAllowed.Set(boolGauge(stats.TradingAllowed))
	c.setStatus(stats.Status)
}

// ObserveStatusChange matches drawdown.StatusObserver.
func (c *Collector) ObserveStatusChange(from, to models.TradingStatus, _ string) {
	c.transitionsTotal.WithLabelValues(string(from), string(to)).Inc()
	c.setStatus(to)
	c.tradingAllowed.Set(boolGauge(to == models.StatusActive))
}

func (c *Collector) setStatus(current models.TradingStatus) {
	for _, s := range statuses {
		c.status.WithLabelValues(string(s)).Set(boolGauge(s == current))
	}
}

// ObserveTrade implements tracker.TradeObserver.
func (c *Collector) ObserveTrade(trade models.CompletedTrade) {
	result := "breakeven"
	switch {
	case trade.PnL > 0:
		result = "win"
	case trade.PnL < 0:
		result = "loss"
	}
	c.tradesTotal.WithLabelValues(sideLabel(trade.Side), result).Inc()

	strategy := trade.Strategy
	if strategy == "" {
		strategy = tracker.UnknownLabel
	}
	c.tradePnL.WithLabelValues(strategy).Observe(trade.PnL)
}

// ObservePerformance publishes ledger aggregates. Infinite ratios are
// exported as 0 so dashboards do not break on +Inf.
func (c *Collector) ObservePerformance(m tracker.PerformanceMetrics) {
	c.totalPnL.Set(m.TotalPnL)
	c.winRate.Set(m.WinRate)
	c.profitFactor.Set(finite(m.ProfitFactor))
	c.sharpe.Set(finite(m.SharpeRatio))
	c.maxDrawdown.Set(m.MaxDrawdown)
}

// Handler serves the metrics gathered by g.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

func sideLabel(s models.Side) string {
	if s.Sign() == 0 {
		return "none"
	}
	return string(s)
}

func boolGauge(b bool) float64 {
	if b {
		return 1
	}
	return 0
}

func finite(v float64) float64 {
	if math.IsInf(v, 0) || math.IsNaN(v) {
		return 0
	}
	return v
}
