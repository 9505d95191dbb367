package cli

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"tradeguard/internal/reporting"
	"tradeguard/internal/security"
	"tradeguard/internal/store"
	"tradeguard/internal/tracker"
)

func newReportCmd(app *App) *cobra.Command {
	var (
		format   string
		out      string
		strategy string
		since    string
	)

	cmd := &cobra.Command{
		Use:   "report",
		Short: "Performance report from the trade journal",
		Example: `  riskctl report
  riskctl report --strategy breakout --since 2026-01-01
  riskctl report --format xlsx --out reports/october.xlsx`,
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)

			format = strings.ToLower(format)
			if output.IsJSON() && format == "table" {
				format = "json"
			}
			switch format {
			case "table", "json":
			case "xlsx":
				if out == "" {
					return fmt.Errorf("--out is required for xlsx reports")
				}
			default:
				return fmt.Errorf("unknown format %q: use table, json or xlsx", format)
			}

			filter := store.TradeFilter{Strategy: strategy}
			if since != "" {
				start, err := time.Parse("2006-01-02", since)
				if err != nil {
					return fmt.Errorf("invalid --since %q: %w", since, err)
				}
				filter.StartDate = start
			}

			journal, err := app.openJournal()
			if err != nil {
				return err
			}
			defer journal.Close()

			trades, err := journal.ListCompletedTrades(cmd.Context(), filter)
			if err != nil {
				return err
			}

			tr := tracker.New(app.Config.Tracker, app.Logger)
			tr.Load(trades)

			r := reporting.Build(tr, app.Config.Mode, app.drawdownStatistics(), time.Now())
			r.Strategy = strategy

			switch {
			case format == "xlsx":
				err = reporting.WriteExcel(out, r)
			case format == "json" && out != "":
				err = reporting.WriteJSON(out, r)
			case format == "json":
				return reporting.EncodeJSON(output.Writer(), r)
			default:
				return reporting.WriteConsole(output.Writer(), r)
			}
			if err != nil {
				return err
			}

			app.audit(func(al *security.AuditLogger) error {
				return al.LogReportExported(cmd.Context(), format, out, len(trades))
			})
			output.Success("✓ Report with %d trades written to %s", len(trades), out)
			return nil
		},
	}

	cmd.Flags().StringVarP(&format, "format", "f", "table", "output format: table, json or xlsx")
	cmd.Flags().StringVarP(&out, "out", "o", "", "write the report to a file")
	cmd.Flags().StringVar(&strategy, "strategy", "", "only include trades from this strategy")
	cmd.Flags().StringVar(&since, "since", "", "only include trades closed on or after this date (YYYY-MM-DD)")
	return cmd
}
