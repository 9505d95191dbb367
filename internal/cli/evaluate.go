package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"tradeguard/internal/models"
	"tradeguard/internal/risk"
	"tradeguard/internal/store"
	"tradeguard/pkg/utils"
)

// evaluationInput is the JSON document read by the evaluate command.
type evaluationInput struct {
	MLPrediction   models.MLPrediction   `json:"ml_prediction"`
	StrategySignal models.StrategySignal `json:"strategy_signal"`
	MarketData     models.MarketData     `json:"market_data"`
	Balance        float64               `json:"balance"`
	Bid            float64               `json:"bid"`
	Ask            float64               `json:"ask"`
	LatencyMs      float64               `json:"latency_ms"`
}

func newEvaluateCmd(app *App) *cobra.Command {
	var input string

	cmd := &cobra.Command{
		Use:   "evaluate",
		Short: "Evaluate one trade opportunity",
		Long: `Evaluate one trade opportunity read from a JSON document with the keys
ml_prediction, strategy_signal, market_data, balance, bid, ask and latency_ms.

When balance is omitted the last recorded balance for the mode is used.`,
		Example: `  riskctl evaluate --input opportunity.json
  cat opportunity.json | riskctl evaluate --json`,
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)

			in, err := readEvaluationInput(cmd.InOrStdin(), input)
			if err != nil {
				return err
			}

			st, closer, err := store.OpenStateStore(app.Config.Storage)
			if err != nil {
				return fmt.Errorf("opening state store: %w", err)
			}
			defer closer.Close()

			manager := risk.NewFromConfig(app.Config, st, app.Logger, nil)
			if in.Balance == 0 {
				in.Balance = manager.Drawdown().State().CurrentBalance
				if in.Balance <= 0 {
					return fmt.Errorf("no balance recorded for mode %s: run init-balance or pass balance", app.Config.Mode)
				}
			}

			eval := manager.EvaluateTradeOpportunity(cmd.Context(), risk.EvaluationRequest{
				MLPrediction:   in.MLPrediction,
				StrategySignal: in.StrategySignal,
				MarketData:     in.MarketData,
				Balance:        in.Balance,
				Bid:            in.Bid,
				Ask:            in.Ask,
				LatencyMs:      in.LatencyMs,
			})

			if output.IsJSON() {
				return output.JSON(eval)
			}
			renderEvaluation(output, eval)
			return nil
		},
	}

	cmd.Flags().StringVarP(&input, "input", "i", "-", "evaluation request file, - for stdin")
	return cmd
}

func readEvaluationInput(stdin io.Reader, path string) (evaluationInput, error) {
	var in evaluationInput

	r := stdin
	if path != "-" && path != "" {
		f, err := os.Open(path)
		if err != nil {
			return in, fmt.Errorf("opening %s: %w", path, err)
		}
		defer f.Close()
		r = f
	}

	dec := json.NewDecoder(r)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&in); err != nil {
		return in, fmt.Errorf("decoding evaluation request: %w", err)
	}
	return in, nil
}

func renderEvaluation(output *Output, eval models.TradeEvaluation) {
	t := table.NewWriter()
	t.SetOutputMirror(output.Writer())
	t.SetTitle("TRADE EVALUATION " + eval.ID)
	t.SetStyle(table.StyleRounded)

	t.AppendRows([]table.Row{
		{"Decision", output.Decision(eval.Decision)},
		{"Side", string(eval.Side)},
		{"Risk Score", fmt.Sprintf("%.3f", eval.RiskScore)},
		{"Confidence", fmt.Sprintf("%.3f", eval.Confidence)},
	})
	if eval.Decision != models.DecisionDenied {
		t.AppendSeparator()
		t.AppendRows([]table.Row{
			{"Position Size", fmt.Sprintf("%.6f", eval.PositionSize)},
			{"Entry", utils.FormatAmount(eval.EntryPrice)},
			{"Stop Loss", utils.FormatAmount(eval.StopLoss)},
			{"Take Profit", utils.FormatAmount(eval.TakeProfit)},
			{"Kelly Fraction", fmt.Sprintf("%.4f", eval.KellyFraction)},
		})
	}
	t.AppendSeparator()
	t.AppendRow(table.Row{"Drawdown", utils.FormatPercent(-eval.MaxDrawdown * 100)})
	t.Render()

	if len(eval.DenialReasons) > 0 {
		output.Error("Denied: %s", strings.Join(eval.DenialReasons, "; "))
	}
	for _, a := range eval.AnomalyAlerts {
		output.Warning("[%s] %s: %s", a.Level, a.Type, a.Message)
	}
	output.Dim("%s", eval.Reasoning)
}
