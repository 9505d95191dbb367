package config

import (
	"fmt"
	"os"
	"path/filepath"
)

const configTemplate = `# tradeguard configuration

# Trading mode: "live", "paper" or "backtest". Drawdown state is stored per mode.
mode = "paper"

[kelly]
# Minimum closed trades before the Kelly fraction is trusted
min_trades_for_kelly = 10
# Fraction of full Kelly to use (0.5 = half-Kelly)
safety_factor = 0.5
# Hard ceiling on the risked fraction of equity per trade
max_position_ratio = 0.03
# Trade results kept for the rolling window
max_history = 1000
# Risk fraction used while history is insufficient (scaled by ML confidence)
default_risk_ratio = 0.01
# Stop distance in ATRs
stop_atr_multiplier = 2.0
# No single position may exceed this share of balance in notional
max_notional_ratio = 0.30
# Notional share used when sizing inputs are degenerate
fallback_notional_ratio = 0.05
fallback_stop_pct = 0.02

[drawdown]
max_drawdown_ratio = 0.20
consecutive_loss_limit = 5
cooldown_hours = 24.0
drawdown_cooldown_hours = 24.0
history_limit = 1000
persist_timeout = "2s"

[risk]
min_ml_confidence = 0.6
risk_threshold_deny = 0.8
risk_threshold_conditional = 0.5
confidence_weight = 0.35
drawdown_weight = 0.25
anomaly_weight = 0.25
volatility_weight = 0.15
default_volatility = 0.02
high_volatility_ratio = 0.05
take_profit_rr = 2.0
evaluation_history = 1000
recent_evaluations = 10

[anomaly]
spread_warning = 0.002
spread_critical = 0.01
latency_warning_ms = 1000.0
latency_critical_ms = 5000.0
price_gap_warning = 0.03
price_gap_critical = 0.08

[tracker]
# Per-side fee rate applied to round trips
fee_rate = 0.0012
initial_capital = 1000000.0
annualization_factor = 5040.0
sink_timeout = "3s"

[storage]
# "file" (local JSON) or "sqlite" (shared database, also holds the trade journal)
backend = "file"
# state_dir = "~/.config/tradeguard/state"
# sqlite_path = "~/.config/tradeguard/tradeguard.db"

[clickhouse]
enabled = false
addr = "localhost:9000"
database = "tradeguard"
table = "completed_trades"
username = "default"
password = ""
timeout = "5s"

[metrics]
enabled = false
addr = ":9108"

[audit]
enabled = true
# log_dir = "~/.config/tradeguard/audit"

[logging]
level = "info"
console = true
file = false
`

func createTemplateConfig(configDir string) error {
	if err := os.MkdirAll(configDir, 0755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}

	path := filepath.Join(configDir, "tradeguard.toml")
	if err := os.WriteFile(path, []byte(configTemplate), 0644); err != nil {
		return fmt.Errorf("writing config template: %w", err)
	}
	return nil
}
