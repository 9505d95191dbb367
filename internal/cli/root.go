// Package cli provides the riskctl command-line interface.
package cli

import (
	"fmt"
	"io"
	"os/user"

	"github.com/google/uuid"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"tradeguard/internal/config"
	"tradeguard/internal/drawdown"
	"tradeguard/internal/logging"
	"tradeguard/internal/security"
	"tradeguard/internal/store"
	"tradeguard/pkg/utils"
)

// Version information
const (
	Version   = "0.1.0"
	BuildDate = "2026-10-01"
)

// App holds the application dependencies. Config is loaded once the
// persistent flags are parsed.
type App struct {
	ConfigDir string
	Config    *config.Config
	Logger    zerolog.Logger
	Audit     *security.AuditLogger
}

// NewRootCmd creates the root command for the CLI.
func NewRootCmd(logger zerolog.Logger) *cobra.Command {
	app := &App{Logger: logger}

	rootCmd := &cobra.Command{
		Use:   "riskctl",
		Short: "tradeguard - risk gate for automated trading",
		Long: `riskctl operates the tradeguard risk core: position sizing, drawdown
gating, trade evaluation and performance reporting.

Drawdown state is stored per mode (live, paper, backtest), so pausing paper
trading never blocks live trading.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return app.load(cmd)
		},
		PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
			return app.close()
		},
	}

	// Global flags
	rootCmd.PersistentFlags().String("config", "", "config directory (default: ~/.config/tradeguard)")
	rootCmd.PersistentFlags().String("mode", "", "trading mode override: live, paper or backtest")
	rootCmd.PersistentFlags().Bool("json", false, "output in JSON format")
	rootCmd.PersistentFlags().Bool("debug", false, "enable debug logging")

	rootCmd.AddCommand(newVersionCmd())
	rootCmd.AddCommand(newConfigCmd(app))
	addControlCommands(rootCmd, app)
	rootCmd.AddCommand(newEvaluateCmd(app))
	rootCmd.AddCommand(newReportCmd(app))
	rootCmd.AddCommand(newJournalCmd(app))
	rootCmd.AddCommand(newServeMetricsCmd(app))

	return rootCmd
}

func (a *App) load(cmd *cobra.Command) error {
	// One ID per invocation ties audit events to log lines
	requestID := uuid.NewString()
	cmd.SetContext(security.WithRequestID(cmd.Context(), requestID))

	a.ConfigDir, _ = cmd.Flags().GetString("config")
	if a.ConfigDir == "" {
		a.ConfigDir = config.DefaultConfigDir()
	}

	cfg, err := config.Load(a.ConfigDir)
	if err != nil {
		return err
	}
	fileMode := cfg.Mode
	if mode, _ := cmd.Flags().GetString("mode"); mode != "" {
		cfg.Mode = mode
		if err := cfg.Validate(); err != nil {
			return err
		}
	}
	a.Config = cfg
	if cfg.Mode != fileMode {
		a.audit(func(al *security.AuditLogger) error {
			return al.LogConfigChanged(cmd.Context(), "mode", fileMode, cfg.Mode)
		})
	}

	if cfg.Logging.File {
		a.Logger = logging.NewLoggerWithConfig(cfg.Logging)
	}
	a.Logger = a.Logger.Level(logging.ParseLevel(cfg.Logging.Level))
	if debug, _ := cmd.Flags().GetBool("debug"); debug {
		a.Logger = a.Logger.Level(zerolog.DebugLevel)
	}
	a.Logger = logging.WithMode(a.Logger, cfg.Mode).With().Str("request_id", requestID).Logger()
	return nil
}

func (a *App) close() error {
	if a.Audit == nil {
		return nil
	}
	err := a.Audit.Close()
	a.Audit = nil
	return err
}

// audit runs fn against the audit trail. Audit failures never fail the
// command; they are logged instead.
func (a *App) audit(fn func(al *security.AuditLogger) error) {
	if a.Config == nil || !a.Config.Audit.Enabled {
		return
	}
	if a.Audit == nil {
		al, err := security.NewAuditLogger(a.Config.Audit)
		if err != nil {
			a.Logger.Warn().Err(err).Msg("Audit trail unavailable")
			return
		}
		if u, err := user.Current(); err == nil && u.Username != "" {
			al.SetOperator(u.Username)
		}
		a.Audit = al
	}
	if err := fn(a.Audit); err != nil {
		a.Logger.Warn().Err(err).Msg("Failed to write audit event")
	}
}

// openDrawdown restores the mode's drawdown manager from the configured
// state backend. The returned func releases the backend.
func (a *App) openDrawdown(opts ...drawdown.Option) (*drawdown.Manager, func(), error) {
	st, closer, err := store.OpenStateStore(a.Config.Storage)
	if err != nil {
		return nil, nil, fmt.Errorf("opening state store: %w", err)
	}
	dd := drawdown.New(a.Config.Drawdown, a.Config.StateKey(), st, a.Logger, opts...)
	return dd, func() { closer.Close() }, nil
}

// drawdownStatistics returns the mode's drawdown snapshot, or nil when the
// state backend cannot be opened.
func (a *App) drawdownStatistics() *drawdown.Statistics {
	dd, release, err := a.openDrawdown()
	if err != nil {
		a.Logger.Warn().Err(err).Msg("Drawdown state unavailable")
		return nil
	}
	defer release()

	stats := dd.GetDrawdownStatistics()
	return &stats
}

// openJournal opens the SQLite trade journal, which exists for every backend.
func (a *App) openJournal() (*store.SQLiteStore, error) {
	journal, err := store.NewSQLiteStore(a.Config.Storage.SQLitePath)
	if err != nil {
		return nil, fmt.Errorf("opening trade journal: %w", err)
	}
	return journal, nil
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			if output.IsJSON() {
				return output.JSON(map[string]string{
					"version":    Version,
					"build_date": BuildDate,
				})
			}
			output.Printf("tradeguard riskctl v%s\n", Version)
			output.Dim("Build date: %s", BuildDate)
			return nil
		},
	}
}

func newConfigCmd(app *App) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Configuration management",
		Long:  "View and validate the tradeguard configuration.",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Show current configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			cfg := redactedConfig(app.Config)
			if output.IsJSON() {
				return output.JSON(cfg)
			}
			return showConfig(output.Writer(), cfg)
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "path",
		Short: "Show configuration directory path",
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			if output.IsJSON() {
				return output.JSON(map[string]string{"path": app.ConfigDir})
			}
			output.Println(app.ConfigDir)
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "validate",
		Short: "Validate configuration files",
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			err := app.Config.Validate()
			app.audit(func(al *security.AuditLogger) error {
				return al.LogConfigValidated(cmd.Context(), app.ConfigDir, err)
			})
			if err != nil {
				output.Error("Configuration validation failed: %v", err)
				return err
			}
			if output.IsJSON() {
				return output.JSON(map[string]bool{"valid": true})
			}
			output.Success("✓ Configuration is valid")
			return nil
		},
	})

	return cmd
}

// redactedConfig returns a copy safe to print.
func redactedConfig(cfg *config.Config) config.Config {
	c := *cfg
	c.ClickHouse.Password = security.MaskCredential(c.ClickHouse.Password)
	return c
}

func showConfig(w io.Writer, cfg config.Config) error {
	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.SetTitle("TRADEGUARD CONFIGURATION")
	t.SetStyle(table.StyleRounded)

	t.AppendRows([]table.Row{
		{"Mode", cfg.Mode},
		{"State Backend", cfg.Storage.Backend},
		{"State Key", cfg.StateKey()},
		{"Journal", cfg.Storage.SQLitePath},
	})
	t.AppendSeparator()
	t.AppendRows([]table.Row{
		{"Kelly Safety Factor", fmt.Sprintf("%.2f", cfg.Kelly.SafetyFactor)},
		{"Max Risk / Trade", utils.FormatPercent(cfg.Kelly.MaxPositionRatio * 100)},
		{"Max Notional", utils.FormatPercent(cfg.Kelly.MaxNotionalRatio * 100)},
		{"Min Trades for Kelly", cfg.Kelly.MinTradesForKelly},
	})
	t.AppendSeparator()
	t.AppendRows([]table.Row{
		{"Max Drawdown", utils.FormatPercent(cfg.Drawdown.MaxDrawdownRatio * 100)},
		{"Loss Streak Limit", cfg.Drawdown.ConsecutiveLossLimit},
		{"Loss Cooldown", cfg.Drawdown.Cooldown().String()},
		{"Drawdown Cooldown", cfg.Drawdown.DrawdownCooldown().String()},
	})
	t.AppendSeparator()
	t.AppendRows([]table.Row{
		{"Deny Threshold", fmt.Sprintf("%.2f", cfg.Risk.RiskThresholdDeny)},
		{"Conditional Threshold", fmt.Sprintf("%.2f", cfg.Risk.RiskThresholdConditional)},
		{"Min ML Confidence", fmt.Sprintf("%.2f", cfg.Risk.MinMLConfidence)},
		{"Fee Rate / Side", utils.FormatPercent(cfg.Tracker.FeeRate * 100)},
	})
	if cfg.ClickHouse.Enabled {
		t.AppendSeparator()
		t.AppendRows([]table.Row{
			{"ClickHouse", cfg.ClickHouse.Addr + "/" + cfg.ClickHouse.Database + "." + cfg.ClickHouse.Table},
			{"ClickHouse User", cfg.ClickHouse.Username},
			{"ClickHouse Password", cfg.ClickHouse.Password},
		})
	}
	if cfg.Metrics.Enabled {
		t.AppendRow(table.Row{"Metrics", cfg.Metrics.Addr})
	}
	t.Render()
	return nil
}
