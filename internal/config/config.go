// Package config provides configuration management for the risk core.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"

	apperrors "tradeguard/internal/errors"
	"tradeguard/internal/logging"
)

// Trading modes. Each mode gets its own persisted state key.
const (
	ModeLive     = "live"
	ModePaper    = "paper"
	ModeBacktest = "backtest"
)

// State backends.
const (
	BackendFile   = "file"
	BackendSQLite = "sqlite"
)

// Config holds all application configuration.
type Config struct {
	Mode       string            `mapstructure:"mode"`
	Kelly      KellyConfig       `mapstructure:"kelly"`
	Drawdown   DrawdownConfig    `mapstructure:"drawdown"`
	Risk       RiskConfig        `mapstructure:"risk"`
	Anomaly    AnomalyConfig     `mapstructure:"anomaly"`
	Tracker    TrackerConfig     `mapstructure:"tracker"`
	Storage    StorageConfig     `mapstructure:"storage"`
	ClickHouse ClickHouseConfig  `mapstructure:"clickhouse"`
	Metrics    MetricsConfig     `mapstructure:"metrics"`
	Audit      AuditConfig       `mapstructure:"audit"`
	Logging    logging.LogConfig `mapstructure:"logging"`
}

// KellyConfig holds position sizing configuration.
type KellyConfig struct {
	MinTradesForKelly     int     `mapstructure:"min_trades_for_kelly"`
	SafetyFactor          float64 `mapstructure:"safety_factor"`      // half-Kelly = 0.5
	MaxPositionRatio      float64 `mapstructure:"max_position_ratio"` // hard ceiling on risk fraction
	MaxHistory            int     `mapstructure:"max_history"`
	DefaultRiskRatio      float64 `mapstructure:"default_risk_ratio"`
	StopATRMultiplier     float64 `mapstructure:"stop_atr_multiplier"`
	MaxNotionalRatio      float64 `mapstructure:"max_notional_ratio"`
	FallbackNotionalRatio float64 `mapstructure:"fallback_notional_ratio"`
	FallbackStopPct       float64 `mapstructure:"fallback_stop_pct"`
}

// DrawdownConfig holds drawdown and loss-streak gating configuration.
type DrawdownConfig struct {
	MaxDrawdownRatio      float64       `mapstructure:"max_drawdown_ratio"`
	ConsecutiveLossLimit  int           `mapstructure:"consecutive_loss_limit"`
	CooldownHours         float64       `mapstructure:"cooldown_hours"`
	DrawdownCooldownHours float64       `mapstructure:"drawdown_cooldown_hours"`
	HistoryLimit          int           `mapstructure:"history_limit"`
	PersistTimeout        time.Duration `mapstructure:"persist_timeout"`
}

// Cooldown returns the consecutive-loss pause length.
func (c DrawdownConfig) Cooldown() time.Duration {
	return time.Duration(c.CooldownHours * float64(time.Hour))
}

// DrawdownCooldown returns the drawdown pause length.
func (c DrawdownConfig) DrawdownCooldown() time.Duration {
	return time.Duration(c.DrawdownCooldownHours * float64(time.Hour))
}

// RiskConfig holds orchestration and scoring configuration.
type RiskConfig struct {
	MinMLConfidence          float64 `mapstructure:"min_ml_confidence"`
	RiskThresholdDeny        float64 `mapstructure:"risk_threshold_deny"`
	RiskThresholdConditional float64 `mapstructure:"risk_threshold_conditional"`
	ConfidenceWeight         float64 `mapstructure:"confidence_weight"`
	DrawdownWeight           float64 `mapstructure:"drawdown_weight"`
	AnomalyWeight            float64 `mapstructure:"anomaly_weight"`
	VolatilityWeight         float64 `mapstructure:"volatility_weight"`
	DefaultVolatility        float64 `mapstructure:"default_volatility"`
	HighVolatilityRatio      float64 `mapstructure:"high_volatility_ratio"`
	TakeProfitRR             float64 `mapstructure:"take_profit_rr"`
	EvaluationHistory        int     `mapstructure:"evaluation_history"`
	RecentEvaluations        int     `mapstructure:"recent_evaluations"`
}

// AnomalyConfig holds market-quality alert thresholds.
type AnomalyConfig struct {
	SpreadWarning     float64 `mapstructure:"spread_warning"`
	SpreadCritical    float64 `mapstructure:"spread_critical"`
	LatencyWarningMs  float64 `mapstructure:"latency_warning_ms"`
	LatencyCriticalMs float64 `mapstructure:"latency_critical_ms"`
	PriceGapWarning   float64 `mapstructure:"price_gap_warning"`
	PriceGapCritical  float64 `mapstructure:"price_gap_critical"`
	AlertHistory      int     `mapstructure:"alert_history"`
}

// TrackerConfig holds trade ledger configuration.
type TrackerConfig struct {
	FeeRate             float64       `mapstructure:"fee_rate"`
	InitialCapital      float64       `mapstructure:"initial_capital"`
	AnnualizationFactor float64       `mapstructure:"annualization_factor"`
	SinkTimeout         time.Duration `mapstructure:"sink_timeout"`
}

// StorageConfig selects where drawdown state and the trade journal live.
type StorageConfig struct {
	Backend    string `mapstructure:"backend"` // file, sqlite
	StateDir   string `mapstructure:"state_dir"`
	SQLitePath string `mapstructure:"sqlite_path"`
}

// ClickHouseConfig configures the optional remote trade sink.
type ClickHouseConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	Addr     string        `mapstructure:"addr"`
	Database string        `mapstructure:"database"`
	Table    string        `mapstructure:"table"`
	Username string        `mapstructure:"username"`
	Password string        `mapstructure:"password"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

// MetricsConfig configures the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Addr    string `mapstructure:"addr"`
}

// AuditConfig configures the operator audit trail.
type AuditConfig struct {
	Enabled    bool   `mapstructure:"enabled"`
	LogDir     string `mapstructure:"log_dir"`
	MaxSize    int    `mapstructure:"max_size"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAge     int    `mapstructure:"max_age"`
}

// DefaultConfigDir returns the default configuration directory.
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".config/tradeguard"
	}
	return filepath.Join(home, ".config", "tradeguard")
}

// Default returns the documented defaults without touching disk.
func Default() *Config {
	return defaultsIn(DefaultConfigDir())
}

// defaultsIn places state, journal, audit and log files under dir.
func defaultsIn(dir string) *Config {
	logCfg := logging.DefaultLogConfig()
	logCfg.FilePath = filepath.Join(dir, "logs", "tradeguard.log")

	return &Config{
		Mode: ModePaper,
		Kelly: KellyConfig{
			MinTradesForKelly:     10,
			SafetyFactor:          0.5,
			MaxPositionRatio:      0.03,
			MaxHistory:            1000,
			DefaultRiskRatio:      0.01,
			StopATRMultiplier:     2.0,
			MaxNotionalRatio:      0.30,
			FallbackNotionalRatio: 0.05,
			FallbackStopPct:       0.02,
		},
		Drawdown: DrawdownConfig{
			MaxDrawdownRatio:      0.20,
			ConsecutiveLossLimit:  5,
			CooldownHours:         24,
			DrawdownCooldownHours: 24,
			HistoryLimit:          1000,
			PersistTimeout:        2 * time.Second,
		},
		Risk: RiskConfig{
			MinMLConfidence:          0.6,
			RiskThresholdDeny:        0.8,
			RiskThresholdConditional: 0.5,
			ConfidenceWeight:         0.35,
			DrawdownWeight:           0.25,
			AnomalyWeight:            0.25,
			VolatilityWeight:         0.15,
			DefaultVolatility:        0.02,
			HighVolatilityRatio:      0.05,
			TakeProfitRR:             2.0,
			EvaluationHistory:        1000,
			RecentEvaluations:        10,
		},
		Anomaly: AnomalyConfig{
			SpreadWarning:     0.002,
			SpreadCritical:    0.01,
			LatencyWarningMs:  1000,
			LatencyCriticalMs: 5000,
			PriceGapWarning:   0.03,
			PriceGapCritical:  0.08,
			AlertHistory:      500,
		},
		Tracker: TrackerConfig{
			FeeRate:             0.0012,
			InitialCapital:      1_000_000,
			AnnualizationFactor: 252 * 20,
			SinkTimeout:         3 * time.Second,
		},
		Storage: StorageConfig{
			Backend:    BackendFile,
			StateDir:   filepath.Join(dir, "state"),
			SQLitePath: filepath.Join(dir, "tradeguard.db"),
		},
		ClickHouse: ClickHouseConfig{
			Enabled:  false,
			Addr:     "localhost:9000",
			Database: "tradeguard",
			Table:    "completed_trades",
			Username: "default",
			Timeout:  5 * time.Second,
		},
		Metrics: MetricsConfig{
			Enabled: false,
			Addr:    ":9108",
		},
		Audit: AuditConfig{
			Enabled:    true,
			LogDir:     filepath.Join(dir, "audit"),
			MaxSize:    50,
			MaxBackups: 30,
			MaxAge:     365,
		},
		Logging: logCfg,
	}
}

// Load loads configuration from the specified directory.
// If configDir is empty, uses the default config directory. A missing
// config file is replaced by a commented template and defaults are used.
func Load(configDir string) (*Config, error) {
	if configDir == "" {
		configDir = DefaultConfigDir()
	}

	v := viper.New()
	v.SetConfigName("tradeguard")
	v.SetConfigType("toml")
	v.AddConfigPath(configDir)
	setDefaults(v, defaultsIn(configDir))

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("reading tradeguard.toml: %w", err)
		}
		if err := createTemplateConfig(configDir); err != nil {
			return nil, err
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("decoding tradeguard.toml: %w", err)
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper, d *Config) {
	v.SetDefault("mode", d.Mode)

	v.SetDefault("kelly.min_trades_for_kelly", d.Kelly.MinTradesForKelly)
	v.SetDefault("kelly.safety_factor", d.Kelly.SafetyFactor)
	v.SetDefault("kelly.max_position_ratio", d.Kelly.MaxPositionRatio)
	v.SetDefault("kelly.max_history", d.Kelly.MaxHistory)
	v.SetDefault("kelly.default_risk_ratio", d.Kelly.DefaultRiskRatio)
	v.SetDefault("kelly.stop_atr_multiplier", d.Kelly.StopATRMultiplier)
	v.SetDefault("kelly.max_notional_ratio", d.Kelly.MaxNotionalRatio)
	v.SetDefault("kelly.fallback_notional_ratio", d.Kelly.FallbackNotionalRatio)
	v.SetDefault("kelly.fallback_stop_pct", d.Kelly.FallbackStopPct)

	v.SetDefault("drawdown.max_drawdown_ratio", d.Drawdown.MaxDrawdownRatio)
	v.SetDefault("drawdown.consecutive_loss_limit", d.Drawdown.ConsecutiveLossLimit)
	v.SetDefault("drawdown.cooldown_hours", d.Drawdown.CooldownHours)
	v.SetDefault("drawdown.drawdown_cooldown_hours", d.Drawdown.DrawdownCooldownHours)
	v.SetDefault("drawdown.history_limit", d.Drawdown.HistoryLimit)
	v.SetDefault("drawdown.persist_timeout", d.Drawdown.PersistTimeout)

	v.SetDefault("risk.min_ml_confidence", d.Risk.MinMLConfidence)
	v.SetDefault("risk.risk_threshold_deny", d.Risk.RiskThresholdDeny)
	v.SetDefault("risk.risk_threshold_conditional", d.Risk.RiskThresholdConditional)
	v.SetDefault("risk.confidence_weight", d.Risk.ConfidenceWeight)
	v.SetDefault("risk.drawdown_weight", d.Risk.DrawdownWeight)
	v.SetDefault("risk.anomaly_weight", d.Risk.AnomalyWeight)
	v.SetDefault("risk.volatility_weight", d.Risk.VolatilityWeight)
	v.SetDefault("risk.default_volatility", d.Risk.DefaultVolatility)
	v.SetDefault("risk.high_volatility_ratio", d.Risk.HighVolatilityRatio)
	v.SetDefault("risk.take_profit_rr", d.Risk.TakeProfitRR)
	v.SetDefault("risk.evaluation_history", d.Risk.EvaluationHistory)
	v.SetDefault("risk.recent_evaluations", d.Risk.RecentEvaluations)

	v.SetDefault("anomaly.spread_warning", d.Anomaly.SpreadWarning)
	v.SetDefault("anomaly.spread_critical", d.Anomaly.SpreadCritical)
	v.SetDefault("anomaly.latency_warning_ms", d.Anomaly.LatencyWarningMs)
	v.SetDefault("anomaly.latency_critical_ms", d.Anomaly.LatencyCriticalMs)
	v.SetDefault("anomaly.price_gap_warning", d.Anomaly.PriceGapWarning)
	v.SetDefault("anomaly.price_gap_critical", d.Anomaly.PriceGapCritical)
	v.SetDefault("anomaly.alert_history", d.Anomaly.AlertHistory)

	v.SetDefault("tracker.fee_rate", d.Tracker.FeeRate)
	v.SetDefault("tracker.initial_capital", d.Tracker.InitialCapital)
	v.SetDefault("tracker.annualization_factor", d.Tracker.AnnualizationFactor)
	v.SetDefault("tracker.sink_timeout", d.Tracker.SinkTimeout)

	v.SetDefault("storage.backend", d.Storage.Backend)
	v.SetDefault("storage.state_dir", d.Storage.StateDir)
	v.SetDefault("storage.sqlite_path", d.Storage.SQLitePath)

	v.SetDefault("clickhouse.enabled", d.ClickHouse.Enabled)
	v.SetDefault("clickhouse.addr", d.ClickHouse.Addr)
	v.SetDefault("clickhouse.database", d.ClickHouse.Database)
	v.SetDefault("clickhouse.table", d.ClickHouse.Table)
	v.SetDefault("clickhouse.username", d.ClickHouse.Username)
	v.SetDefault("clickhouse.password", d.ClickHouse.Password)
	v.SetDefault("clickhouse.timeout", d.ClickHouse.Timeout)

	v.SetDefault("metrics.enabled", d.Metrics.Enabled)
	v.SetDefault("metrics.addr", d.Metrics.Addr)

	v.SetDefault("audit.enabled", d.Audit.Enabled)
	v.SetDefault("audit.log_dir", d.Audit.LogDir)
	v.SetDefault("audit.max_size", d.Audit.MaxSize)
	v.SetDefault("audit.max_backups", d.Audit.MaxBackups)
	v.SetDefault("audit.max_age", d.Audit.MaxAge)

	v.SetDefault("logging.level", d.Logging.Level)
	v.SetDefault("logging.console", d.Logging.Console)
	v.SetDefault("logging.file", d.Logging.File)
	v.SetDefault("logging.file_path", d.Logging.FilePath)
	v.SetDefault("logging.max_size", d.Logging.MaxSize)
	v.SetDefault("logging.max_backups", d.Logging.MaxBackups)
	v.SetDefault("logging.max_age", d.Logging.MaxAge)
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("TRADEGUARD_MODE"); v != "" {
		cfg.Mode = strings.ToLower(v)
	}
	if v := os.Getenv("TRADEGUARD_STATE_BACKEND"); v != "" {
		cfg.Storage.Backend = strings.ToLower(v)
	}
	if v := os.Getenv("TRADEGUARD_STATE_DIR"); v != "" {
		cfg.Storage.StateDir = v
	}
	if v := os.Getenv("TRADEGUARD_SQLITE_PATH"); v != "" {
		cfg.Storage.SQLitePath = v
	}

	// ClickHouse sink
	if v := os.Getenv("TRADEGUARD_CLICKHOUSE_ADDR"); v != "" {
		cfg.ClickHouse.Addr = v
		cfg.ClickHouse.Enabled = true
	}
	if v := os.Getenv("TRADEGUARD_CLICKHOUSE_USER"); v != "" {
		cfg.ClickHouse.Username = v
	}
	if v := os.Getenv("TRADEGUARD_CLICKHOUSE_PASSWORD"); v != "" {
		cfg.ClickHouse.Password = v
	}

	if v := os.Getenv("TRADEGUARD_INITIAL_CAPITAL"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.Tracker.InitialCapital = f
		}
	}
	if v := os.Getenv("TRADEGUARD_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	switch c.Mode {
	case ModeLive, ModePaper, ModeBacktest:
	default:
		return invalid("mode", c.Mode, "must be live, paper or backtest")
	}

	k := c.Kelly
	if k.MinTradesForKelly < 2 {
		return invalid("kelly.min_trades_for_kelly", k.MinTradesForKelly, "must be at least 2")
	}
	if k.SafetyFactor <= 0 || k.SafetyFactor > 1 {
		return invalid("kelly.safety_factor", k.SafetyFactor, "must be in (0, 1]")
	}
	if k.MaxPositionRatio <= 0 || k.MaxPositionRatio > 1 {
		return invalid("kelly.max_position_ratio", k.MaxPositionRatio, "must be in (0, 1]")
	}
	if k.DefaultRiskRatio < 0 || k.DefaultRiskRatio > k.MaxPositionRatio {
		return invalid("kelly.default_risk_ratio", k.DefaultRiskRatio, "must be in [0, max_position_ratio]")
	}
	if k.MaxHistory <= 0 {
		return invalid("kelly.max_history", k.MaxHistory, "must be positive")
	}
	if k.StopATRMultiplier <= 0 {
		return invalid("kelly.stop_atr_multiplier", k.StopATRMultiplier, "must be positive")
	}
	if k.MaxNotionalRatio <= 0 || k.MaxNotionalRatio > 1 {
		return invalid("kelly.max_notional_ratio", k.MaxNotionalRatio, "must be in (0, 1]")
	}
	if k.FallbackNotionalRatio <= 0 || k.FallbackNotionalRatio > 0.10 {
		return invalid("kelly.fallback_notional_ratio", k.FallbackNotionalRatio, "must be in (0, 0.10]")
	}
	if k.FallbackStopPct <= 0 || k.FallbackStopPct >= 1 {
		return invalid("kelly.fallback_stop_pct", k.FallbackStopPct, "must be in (0, 1)")
	}

	d := c.Drawdown
	if d.MaxDrawdownRatio <= 0 || d.MaxDrawdownRatio > 1 {
		return invalid("drawdown.max_drawdown_ratio", d.MaxDrawdownRatio, "must be in (0, 1]")
	}
	if d.ConsecutiveLossLimit < 1 {
		return invalid("drawdown.consecutive_loss_limit", d.ConsecutiveLossLimit, "must be at least 1")
	}
	if d.CooldownHours < 0 || d.DrawdownCooldownHours < 0 {
		return invalid("drawdown.cooldown_hours", d.CooldownHours, "must be non-negative")
	}
	if d.HistoryLimit <= 0 {
		return invalid("drawdown.history_limit", d.HistoryLimit, "must be positive")
	}

	r := c.Risk
	if r.MinMLConfidence < 0 || r.MinMLConfidence > 1 {
		return invalid("risk.min_ml_confidence", r.MinMLConfidence, "must be in [0, 1]")
	}
	if r.RiskThresholdConditional < 0 || r.RiskThresholdDeny > 1 || r.RiskThresholdConditional > r.RiskThresholdDeny {
		return invalid("risk.risk_threshold_conditional", r.RiskThresholdConditional, "must satisfy 0 <= conditional <= deny <= 1")
	}
	if r.ConfidenceWeight < 0 || r.DrawdownWeight < 0 || r.AnomalyWeight < 0 || r.VolatilityWeight < 0 {
		return invalid("risk.weights", r.ConfidenceWeight, "weights must be non-negative")
	}
	if r.ConfidenceWeight+r.DrawdownWeight+r.AnomalyWeight+r.VolatilityWeight == 0 {
		return invalid("risk.weights", 0, "at least one weight must be positive")
	}
	if r.HighVolatilityRatio <= 0 {
		return invalid("risk.high_volatility_ratio", r.HighVolatilityRatio, "must be positive")
	}
	if r.EvaluationHistory <= 0 {
		return invalid("risk.evaluation_history", r.EvaluationHistory, "must be positive")
	}

	a := c.Anomaly
	if a.SpreadWarning <= 0 || a.SpreadCritical < a.SpreadWarning {
		return invalid("anomaly.spread_critical", a.SpreadCritical, "must be >= spread_warning > 0")
	}
	if a.LatencyWarningMs <= 0 || a.LatencyCriticalMs < a.LatencyWarningMs {
		return invalid("anomaly.latency_critical_ms", a.LatencyCriticalMs, "must be >= latency_warning_ms > 0")
	}

	t := c.Tracker
	if t.FeeRate < 0 || t.FeeRate >= 0.1 {
		return invalid("tracker.fee_rate", t.FeeRate, "must be in [0, 0.1)")
	}
	if t.InitialCapital <= 0 {
		return invalid("tracker.initial_capital", t.InitialCapital, "must be positive")
	}
	if t.AnnualizationFactor <= 0 {
		return invalid("tracker.annualization_factor", t.AnnualizationFactor, "must be positive")
	}

	switch c.Storage.Backend {
	case BackendFile, BackendSQLite:
	default:
		return invalid("storage.backend", c.Storage.Backend, "must be file or sqlite")
	}

	return nil
}

func invalid(field string, value interface{}, message string) error {
	return fmt.Errorf("%w: %w", apperrors.ErrConfigInvalid, apperrors.NewValidationError(field, value, message))
}

// StateKey returns the mode-scoped key of the drawdown state document.
func (c *Config) StateKey() string {
	return c.Mode + "/drawdown_state.json"
}

// IsBacktest returns true when running against historical data.
func (c *Config) IsBacktest() bool {
	return c.Mode == ModeBacktest
}
