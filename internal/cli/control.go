package cli

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"tradeguard/internal/models"
	"tradeguard/internal/reporting"
	"tradeguard/internal/security"
	"tradeguard/pkg/utils"
)

// addControlCommands adds the drawdown gate commands.
func addControlCommands(rootCmd *cobra.Command, app *App) {
	rootCmd.AddCommand(newStatusCmd(app))
	rootCmd.AddCommand(newPauseCmd(app))
	rootCmd.AddCommand(newResumeCmd(app))
	rootCmd.AddCommand(newInitBalanceCmd(app))
	rootCmd.AddCommand(newBalanceCmd(app))
	rootCmd.AddCommand(newRecordResultCmd(app))
}

func newStatusCmd(app *App) *cobra.Command {
	var history int

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show drawdown state and whether trading is allowed",
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)

			dd, release, err := app.openDrawdown()
			if err != nil {
				return err
			}
			defer release()

			// Lets an expired cooldown revert before reporting
			dd.CheckTradingAllowed()
			stats := dd.GetDrawdownStatistics()
			if history >= 0 && len(stats.History) > history {
				stats.History = stats.History[len(stats.History)-history:]
			}

			if output.IsJSON() {
				return output.JSON(stats)
			}
			output.Printf("Mode: %s   Status: %s\n", app.Config.Mode, output.Status(stats.Status))
			return reporting.WriteDrawdown(output.Writer(), stats)
		},
	}

	cmd.Flags().IntVar(&history, "history", 20, "balance snapshots to include in JSON output")
	return cmd
}

func newPauseCmd(app *App) *cobra.Command {
	var reason string

	cmd := &cobra.Command{
		Use:   "pause",
		Short: "Manually pause trading for the current mode",
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)

			dd, release, err := app.openDrawdown()
			if err != nil {
				return err
			}
			defer release()

			from := dd.Status()
			dd.ManualPauseTrading(reason)
			saved := dd.Save()
			app.audit(func(al *security.AuditLogger) error {
				return al.LogPause(cmd.Context(), app.Config.Mode, reason, from)
			})

			if output.IsJSON() {
				return output.JSON(transitionResult(from, dd.Status(), true, saved, reason))
			}
			output.Warning("Trading paused (%s): %s", app.Config.Mode, reason)
			if !saved {
				output.Error("State could not be persisted; the pause holds only for this process")
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&reason, "reason", "manual pause", "reason recorded with the pause")
	return cmd
}

func newResumeCmd(app *App) *cobra.Command {
	var reason string

	cmd := &cobra.Command{
		Use:   "resume",
		Short: "Lift a manual pause",
		Long: `Lift a manual pause. Automatic pauses (drawdown, loss streak) cannot be
overridden and clear themselves once their cooldown expires.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)

			dd, release, err := app.openDrawdown()
			if err != nil {
				return err
			}
			defer release()

			from := dd.Status()
			ok := dd.ManualResumeTrading(reason)
			to := dd.Status()
			app.audit(func(al *security.AuditLogger) error {
				return al.LogResume(cmd.Context(), app.Config.Mode, reason, from, to, ok)
			})

			if output.IsJSON() {
				if err := output.JSON(transitionResult(from, to, ok, ok, reason)); err != nil {
					return err
				}
			}
			if !ok {
				if from == models.StatusPausedManual {
					return fmt.Errorf("trading is %s until its cooldown expires; only a manual pause can be resumed by hand", to)
				}
				return fmt.Errorf("trading is %s; only a manual pause can be resumed by hand", from)
			}
			if !output.IsJSON() {
				output.Success("✓ Trading resumed (%s)", app.Config.Mode)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&reason, "reason", "manual resume", "reason recorded with the resume")
	return cmd
}

func newInitBalanceCmd(app *App) *cobra.Command {
	return &cobra.Command{
		Use:   "init-balance <amount>",
		Short: "Start a new trading session at the given balance",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)

			balance, err := strconv.ParseFloat(args[0], 64)
			if err != nil {
				return fmt.Errorf("invalid amount %q: %w", args[0], err)
			}

			dd, release, err := app.openDrawdown()
			if err != nil {
				return err
			}
			defer release()

			initErr := dd.InitializeBalance(balance)
			app.audit(func(al *security.AuditLogger) error {
				return al.LogBalanceInitialized(cmd.Context(), app.Config.Mode, balance, initErr)
			})
			if initErr != nil {
				return initErr
			}

			if output.IsJSON() {
				return output.JSON(dd.GetDrawdownStatistics())
			}
			output.Success("✓ Session started at %s (%s)", utils.FormatAmount(balance), app.Config.Mode)
			return nil
		},
	}
}

func newBalanceCmd(app *App) *cobra.Command {
	return &cobra.Command{
		Use:   "balance <amount>",
		Short: "Record the current account balance",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)

			balance, err := strconv.ParseFloat(args[0], 64)
			if err != nil {
				return fmt.Errorf("invalid amount %q: %w", args[0], err)
			}

			dd, release, err := app.openDrawdown()
			if err != nil {
				return err
			}
			defer release()

			ratio, allowed := dd.UpdateBalance(balance)
			if output.IsJSON() {
				return output.JSON(map[string]interface{}{
					"drawdown":        ratio,
					"trading_allowed": allowed,
					"status":          dd.Status(),
				})
			}
			output.Printf("Drawdown: %s   Status: %s\n", utils.FormatPercent(-ratio*100), output.Status(dd.Status()))
			return nil
		},
	}
}

func newRecordResultCmd(app *App) *cobra.Command {
	var strategy string

	cmd := &cobra.Command{
		Use:   "record-result <pnl>",
		Short: "Record a closed trade's profit or loss against the loss streak",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)

			pnl, err := strconv.ParseFloat(args[0], 64)
			if err != nil {
				return fmt.Errorf("invalid pnl %q: %w", args[0], err)
			}
			if !models.IsFinite(pnl) {
				return fmt.Errorf("invalid pnl %q: must be finite", args[0])
			}

			dd, release, err := app.openDrawdown()
			if err != nil {
				return err
			}
			defer release()

			dd.RecordTradeResult(pnl, strategy)
			stats := dd.GetDrawdownStatistics()
			if output.IsJSON() {
				return output.JSON(stats)
			}
			output.Printf("Loss streak: %d/%d   Status: %s\n",
				stats.ConsecutiveLosses, stats.ConsecutiveLossLimit, output.Status(stats.Status))
			return nil
		},
	}

	cmd.Flags().StringVar(&strategy, "strategy", "", "strategy that produced the trade")
	return cmd
}

type transition struct {
	From    models.TradingStatus `json:"from"`
	To      models.TradingStatus `json:"to"`
	Success bool                 `json:"success"`
	Saved   bool                 `json:"saved"`
	Reason  string               `json:"reason"`
}

func transitionResult(from, to models.TradingStatus, ok, saved bool, reason string) transition {
	return transition{From: from, To: to, Success: ok, Saved: saved, Reason: reason}
}
