// Package anomaly flags market-quality problems (wide spreads, slow APIs,
// price gaps) ahead of a trade decision.
package anomaly

import (
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"tradeguard/internal/config"
	"tradeguard/internal/logging"
	"tradeguard/internal/models"
)

// Alert types.
const (
	TypeSpread       = "spread"
	TypeLatency      = "latency"
	TypePriceGap     = "price_gap"
	TypeCrossedQuote = "crossed_quote"
)

// Observation is one pre-trade snapshot of market conditions. Zero bid/ask
// means quotes are unavailable (e.g. bar-only backtests).
type Observation struct {
	Timestamp time.Time
	Bid       float64
	Ask       float64
	LatencyMs float64
	Market    models.MarketData
}

// Stats summarises what the detector has seen.
type Stats struct {
	Observations   int64                 `json:"observations"`
	TotalAlerts    int64                 `json:"total_alerts"`
	WarningAlerts  int64                 `json:"warning_alerts"`
	CriticalAlerts int64                 `json:"critical_alerts"`
	ByType         map[string]int64      `json:"by_type"`
	Recent         []models.AnomalyAlert `json:"recent"`
}

// Detector is the default threshold-based anomaly detector.
type Detector struct {
	cfg    config.AnomalyConfig
	logger zerolog.Logger

	mu           sync.Mutex
	observations int64
	warnings     int64
	criticals    int64
	byType       map[string]int64
	history      []models.AnomalyAlert
}

// NewDetector creates a detector.
func NewDetector(cfg config.AnomalyConfig, logger zerolog.Logger) *Detector {
	return &Detector{
		cfg:    cfg,
		logger: logging.WithComponent(logger, "anomaly"),
		byType: make(map[string]int64),
	}
}

// Detect returns every alert raised by obs, warning or critical.
func (d *Detector) Detect(obs Observation) []models.AnomalyAlert {
	ts := obs.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}

	var alerts []models.AnomalyAlert

	switch {
	case obs.Bid > 0 && obs.Ask > 0 && obs.Ask < obs.Bid:
		alerts = append(alerts, models.AnomalyAlert{
			Type:      TypeCrossedQuote,
			Level:     models.AlertWarning,
			Message:   fmt.Sprintf("crossed quote: bid %.6g > ask %.6g", obs.Bid, obs.Ask),
			Value:     obs.Bid - obs.Ask,
			Timestamp: ts,
		})
	case obs.Bid > 0 && obs.Ask > 0:
		spread := (obs.Ask - obs.Bid) / obs.Bid
		if a, ok := grade(TypeSpread, spread, d.cfg.SpreadWarning, d.cfg.SpreadCritical, ts); ok {
			a.Message = fmt.Sprintf("spread %.4f%% exceeds %.4f%%", spread*100, a.Threshold*100)
			alerts = append(alerts, a)
		}
	}

	if models.IsFinite(obs.LatencyMs) && obs.LatencyMs > 0 {
		if a, ok := grade(TypeLatency, obs.LatencyMs, d.cfg.LatencyWarningMs, d.cfg.LatencyCriticalMs, ts); ok {
			a.Message = fmt.Sprintf("api latency %.0fms exceeds %.0fms", obs.LatencyMs, a.Threshold)
			alerts = append(alerts, a)
		}
	}

	if gap, ok := lastBarGap(obs.Market); ok {
		if a, ok := grade(TypePriceGap, gap, d.cfg.PriceGapWarning, d.cfg.PriceGapCritical, ts); ok {
			a.Message = fmt.Sprintf("price gap %.2f%% on last bar exceeds %.2f%%", gap*100, a.Threshold*100)
			alerts = append(alerts, a)
		}
	}

	d.record(alerts)
	return alerts
}

// grade maps value onto warning/critical. Thresholds <= 0 disable a level.
func grade(kind string, value, warning, critical float64, ts time.Time) (models.AnomalyAlert, bool) {
	if !models.IsFinite(value) {
		return models.AnomalyAlert{}, false
	}
	alert := models.AnomalyAlert{Type: kind, Value: value, Timestamp: ts}
	switch {
	case critical > 0 && value >= critical:
		alert.Level = models.AlertCritical
		alert.Threshold = critical
	case warning > 0 && value >= warning:
		alert.Level = models.AlertWarning
		alert.Threshold = warning
	default:
		return models.AnomalyAlert{}, false
	}
	return alert, true
}

// lastBarGap is |open − previous close| / previous close on the last bar.
func lastBarGap(data models.MarketData) (float64, bool) {
	n := len(data.Candles)
	if n < 2 {
		return 0, false
	}
	prev, last := data.Candles[n-2], data.Candles[n-1]
	if prev.Close <= 0 || !models.IsFinite(prev.Close, last.Open) || last.Open <= 0 {
		return 0, false
	}
	return math.Abs(last.Open-prev.Close) / prev.Close, true
}

func (d *Detector) record(alerts []models.AnomalyAlert) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.observations++
	for _, a := range alerts {
		d.byType[a.Type]++
		switch a.Level {
		case models.AlertCritical:
			d.criticals++
			d.logger.Warn().Str("type", a.Type).Float64("value", a.Value).Float64("threshold", a.Threshold).Msg("Critical market anomaly")
		case models.AlertWarning:
			d.warnings++
			d.logger.Debug().Str("type", a.Type).Float64("value", a.Value).Msg("Market anomaly")
		}
		d.history = append(d.history, a)
	}
	if limit := d.cfg.AlertHistory; limit > 0 && len(d.history) > limit {
		n := copy(d.history, d.history[len(d.history)-limit:])
		d.history = d.history[:n]
	}
}

// Stats returns counters and up to the ten most recent alerts.
func (d *Detector) Stats() Stats {
	d.mu.Lock()
	defer d.mu.Unlock()

	stats := Stats{
		Observations:   d.observations,
		TotalAlerts:    d.warnings + d.criticals,
		WarningAlerts:  d.warnings,
		CriticalAlerts: d.criticals,
		ByType:         make(map[string]int64, len(d.byType)),
	}
	for k, v := range d.byType {
		stats.ByType[k] = v
	}
	start := len(d.history) - 10
	if start < 0 {
		start = 0
	}
	stats.Recent = append([]models.AnomalyAlert(nil), d.history[start:]...)
	return stats
}
