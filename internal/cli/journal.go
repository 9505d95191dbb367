package cli

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"tradeguard/internal/models"
	"tradeguard/internal/store"
	"tradeguard/pkg/utils"
)

func newJournalCmd(app *App) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "journal",
		Short: "Completed trade journal",
		Long:  "List and import completed trades kept in the SQLite journal.",
	}

	cmd.AddCommand(newJournalListCmd(app))
	cmd.AddCommand(newJournalImportCmd(app))
	return cmd
}

func newJournalListCmd(app *App) *cobra.Command {
	var (
		strategy string
		regime   string
		limit    int
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List journaled trades",
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)

			journal, err := app.openJournal()
			if err != nil {
				return err
			}
			defer journal.Close()

			trades, err := journal.ListCompletedTrades(cmd.Context(), store.TradeFilter{
				Strategy: strategy,
				Regime:   regime,
				Limit:    limit,
			})
			if err != nil {
				return err
			}

			if output.IsJSON() {
				if trades == nil {
					trades = []models.CompletedTrade{}
				}
				return output.JSON(trades)
			}
			if len(trades) == 0 {
				output.Info("No trades journaled")
				return nil
			}

			t := table.NewWriter()
			t.SetOutputMirror(output.Writer())
			t.SetTitle(fmt.Sprintf("TRADE JOURNAL (%d)", len(trades)))
			t.SetStyle(table.StyleRounded)
			t.AppendHeader(table.Row{"Order", "Side", "Amount", "Entry", "Exit", "PnL", "Strategy", "Regime", "Exit Reason", "Closed"})
			for _, tr := range trades {
				t.AppendRow(table.Row{
					tr.OrderID,
					string(tr.Side),
					fmt.Sprintf("%.6g", tr.Amount),
					utils.FormatAmount(tr.EntryPrice),
					utils.FormatAmount(tr.ExitPrice),
					utils.FormatPnL(tr.PnL),
					tr.Strategy,
					tr.Regime,
					tr.ExitReason,
					tr.ExitTimestamp.Format("2006-01-02 15:04"),
				})
			}
			t.Render()
			return nil
		},
	}

	cmd.Flags().StringVar(&strategy, "strategy", "", "filter by strategy")
	cmd.Flags().StringVar(&regime, "regime", "", "filter by market regime")
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum trades to list (0 for all)")
	return cmd
}

func newJournalImportCmd(app *App) *cobra.Command {
	var recordResults bool

	cmd := &cobra.Command{
		Use:   "import <trades.json>",
		Short: "Import completed trades into the journal",
		Long: `Import a JSON array of completed trades. Trades are written to the SQLite
journal and, when enabled, to ClickHouse. Re-importing a trade is a no-op.

With --record-results each trade's PnL is also applied to the mode's loss
streak, in exit order.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)

			data, err := os.ReadFile(args[0])
			if err != nil {
				return fmt.Errorf("reading %s: %w", args[0], err)
			}
			var trades []models.CompletedTrade
			if err := json.Unmarshal(data, &trades); err != nil {
				return fmt.Errorf("decoding %s: %w", args[0], err)
			}
			sort.SliceStable(trades, func(i, j int) bool {
				return trades[i].ExitTimestamp.Before(trades[j].ExitTimestamp)
			})

			journal, err := app.openJournal()
			if err != nil {
				return err
			}
			defer journal.Close()

			sink := store.NewMultiSink(journal)
			if app.Config.ClickHouse.Enabled {
				ch, err := store.NewClickHouseSink(cmd.Context(), app.Config.ClickHouse, app.Logger)
				if err != nil {
					output.Warning("ClickHouse unavailable, journaling locally only: %v", err)
				} else {
					defer ch.Close()
					sink = store.NewMultiSink(journal, ch)
				}
			}

			var failed int
			for _, t := range trades {
				if err := sink.SaveCompletedTrade(cmd.Context(), t); err != nil {
					failed++
					app.Logger.Error().Err(err).Str("order_id", t.OrderID).Msg("Failed to import trade")
				}
			}

			if recordResults {
				dd, release, err := app.openDrawdown()
				if err != nil {
					return err
				}
				for _, t := range trades {
					dd.RecordTradeResult(t.PnL, t.Strategy)
				}
				release()
			}

			if output.IsJSON() {
				return output.JSON(map[string]int{
					"imported": len(trades) - failed,
					"failed":   failed,
					"sinks":    sink.Len(),
				})
			}
			output.Success("✓ Imported %d trades into %d sink(s)", len(trades)-failed, sink.Len())
			if failed > 0 {
				return fmt.Errorf("%d of %d trades failed to import", failed, len(trades))
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&recordResults, "record-results", false, "apply each trade's PnL to the loss streak")
	return cmd
}
