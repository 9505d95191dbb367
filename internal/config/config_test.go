package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "tradeguard/internal/errors"
)

func TestDefault_IsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, ModePaper, cfg.Mode)
	assert.Equal(t, "paper/drawdown_state.json", cfg.StateKey())
	assert.Equal(t, 24*time.Hour, cfg.Drawdown.Cooldown())
	assert.Equal(t, 5040.0, cfg.Tracker.AnnualizationFactor)
	assert.False(t, cfg.IsBacktest())
}

func TestLoad_WritesTemplateAndUsesDirDefaults(t *testing.T) {
	dir := t.TempDir()

	cfg, err := Load(dir)
	require.NoError(t, err)

	_, err = os.Stat(filepath.Join(dir, "tradeguard.toml"))
	assert.NoError(t, err, "template written on first run")
	assert.Equal(t, filepath.Join(dir, "state"), cfg.Storage.StateDir)
	assert.Equal(t, filepath.Join(dir, "tradeguard.db"), cfg.Storage.SQLitePath)
	assert.Equal(t, filepath.Join(dir, "audit"), cfg.Audit.LogDir)
	assert.Equal(t, 0.2, cfg.Drawdown.MaxDrawdownRatio)
	assert.Equal(t, 2*time.Second, cfg.Drawdown.PersistTimeout)

	// second load reads the template back
	again, err := Load(dir)
	require.NoError(t, err)
	assert.Equal(t, cfg.Kelly, again.Kelly)
	assert.Equal(t, cfg.Risk, again.Risk)
}

func TestLoad_FileOverridesAndEnv(t *testing.T) {
	dir := t.TempDir()
	content := `mode = "live"

[drawdown]
max_drawdown_ratio = 0.1
consecutive_loss_limit = 3

[storage]
backend = "sqlite"
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "tradeguard.toml"), []byte(content), 0644))
	t.Setenv("TRADEGUARD_MODE", "BACKTEST")
	t.Setenv("TRADEGUARD_CLICKHOUSE_ADDR", "ch:9000")

	cfg, err := Load(dir)
	require.NoError(t, err)
	assert.Equal(t, ModeBacktest, cfg.Mode)
	assert.True(t, cfg.IsBacktest())
	assert.Equal(t, 0.1, cfg.Drawdown.MaxDrawdownRatio)
	assert.Equal(t, 3, cfg.Drawdown.ConsecutiveLossLimit)
	assert.Equal(t, BackendSQLite, cfg.Storage.Backend)
	assert.True(t, cfg.ClickHouse.Enabled)
	assert.Equal(t, "ch:9000", cfg.ClickHouse.Addr)
	assert.Equal(t, 0.0012, cfg.Tracker.FeeRate, "unset keys keep defaults")
}

func TestLoad_RejectsInvalidValues(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "tradeguard.toml"), []byte("[kelly]\nsafety_factor = 1.5\n"), 0644))

	_, err := Load(dir)
	require.Error(t, err)
	assert.True(t, apperrors.Is(err, apperrors.ErrConfigInvalid))
	assert.True(t, apperrors.Is(err, apperrors.ErrInvalidInput))
	assert.Contains(t, err.Error(), "kelly.safety_factor")
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		field  string
	}{
		{"mode", func(c *Config) { c.Mode = "demo" }, "mode"},
		{"thresholds", func(c *Config) { c.Risk.RiskThresholdConditional = 0.9 }, "risk.risk_threshold_conditional"},
		{"weights", func(c *Config) {
			c.Risk.ConfidenceWeight, c.Risk.DrawdownWeight, c.Risk.AnomalyWeight, c.Risk.VolatilityWeight = 0, 0, 0, 0
		}, "risk.weights"},
		{"loss limit", func(c *Config) { c.Drawdown.ConsecutiveLossLimit = 0 }, "drawdown.consecutive_loss_limit"},
		{"fee", func(c *Config) { c.Tracker.FeeRate = -0.1 }, "tracker.fee_rate"},
		{"backend", func(c *Config) { c.Storage.Backend = "s3" }, "storage.backend"},
		{"spread", func(c *Config) { c.Anomaly.SpreadCritical = 0.001 }, "anomaly.spread_critical"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.field)
		})
	}
}
