package reporting

import (
	"fmt"
	"io"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"

	"tradeguard/internal/drawdown"
	"tradeguard/internal/tracker"
	"tradeguard/pkg/utils"
)

// WriteConsole renders r as a set of tables.
func WriteConsole(w io.Writer, r Report) error {
	sections := []string{renderSummary(r)}
	if r.Drawdown != nil {
		sections = append(sections, renderDrawdown(*r.Drawdown))
	}
	if len(r.Regimes) > 0 {
		sections = append(sections, renderGroups("PERFORMANCE BY REGIME", "Regime", r.Regimes))
	}
	if len(r.Strategies) > 0 {
		sections = append(sections, renderGroups("PERFORMANCE BY STRATEGY", "Strategy", r.Strategies))
	}
	if r.ML.Evaluated > 0 {
		sections = append(sections, renderML(r.ML))
	}

	_, err := io.WriteString(w, strings.Join(sections, "\n\n")+"\n")
	return err
}

func renderSummary(r Report) string {
	m := r.Performance

	t := table.NewWriter()
	title := fmt.Sprintf("PERFORMANCE SUMMARY (%s)", r.Mode)
	if r.Strategy != "" {
		title += " strategy=" + r.Strategy
	}
	t.SetTitle(title)
	t.SetStyle(table.StyleRounded)

	t.AppendRows([]table.Row{
		{"Trades", fmt.Sprintf("%d (%d W / %d L / %d BE)", m.TotalTrades, m.WinningTrades, m.LosingTrades, m.BreakevenTrades)},
		{"Win Rate", utils.FormatPercent(m.WinRate * 100)},
		{"Total PnL", utils.FormatPnL(m.TotalPnL)},
		{"Fees", utils.FormatAmount(m.TotalFees)},
		{"Avg Win / Loss", utils.FormatAmount(m.AvgWin) + " / " + utils.FormatAmount(m.AvgLoss)},
		{"Best / Worst", utils.FormatPnL(m.BestTrade) + " / " + utils.FormatPnL(m.WorstTrade)},
	})
	t.AppendSeparator()
	t.AppendRows([]table.Row{
		{"Profit Factor", utils.FormatRatio(m.ProfitFactor)},
		{"Expectancy", utils.FormatPnL(m.Expectancy)},
		{"Sharpe", utils.FormatRatio(m.SharpeRatio)},
		{"Sortino", utils.FormatRatio(m.SortinoRatio)},
		{"Calmar", utils.FormatRatio(m.CalmarRatio)},
		{"Recovery Factor", utils.FormatRatio(m.RecoveryFactor)},
		{"Annualized Return", utils.FormatPercent(m.AnnualizedReturnPct)},
	})
	t.AppendSeparator()
	t.AppendRows([]table.Row{
		{"Max Drawdown", utils.FormatAmount(m.MaxDrawdown) + " (" + utils.FormatPercent(-m.MaxDrawdownPct) + ")"},
		{"Streaks W / L", fmt.Sprintf("%d / %d", m.MaxConsecutiveWins, m.MaxConsecutiveLosses)},
		{"Avg Holding", fmt.Sprintf("%.1f min", m.AvgHoldingMinutes)},
		{"Avg MFE / MAE", utils.FormatAmount(m.AvgMFE) + " / " + utils.FormatAmount(m.AvgMAE)},
		{"Missed Profit", fmt.Sprintf("%s over %d trades", utils.FormatAmount(m.MissedProfitTotal), m.MissedProfitCount)},
	})

	t.SetColumnConfigs([]table.ColumnConfig{
		{Number: 1, WidthMin: 18, Align: text.AlignLeft},
		{Number: 2, WidthMin: 25, Align: text.AlignRight},
	})
	return t.Render()
}

func renderDrawdown(s drawdown.Statistics) string {
	t := table.NewWriter()
	t.SetTitle("DRAWDOWN")
	t.SetStyle(table.StyleRounded)

	allowed := "yes"
	if !s.TradingAllowed {
		allowed = "no"
	}
	t.AppendRows([]table.Row{
		{"Status", string(s.Status)},
		{"Trading Allowed", allowed},
		{"Balance / Peak", utils.FormatAmount(s.CurrentBalance) + " / " + utils.FormatAmount(s.PeakBalance)},
		{"Drawdown", fmt.Sprintf("%s (limit %s)", utils.FormatPercent(-s.CurrentDrawdown*100), utils.FormatPercent(s.MaxDrawdownRatio*100))},
		{"Max Observed", utils.FormatPercent(-s.MaxObservedDrawdown * 100)},
		{"Loss Streak", fmt.Sprintf("%d / %d", s.ConsecutiveLosses, s.ConsecutiveLossLimit)},
		{"Session Win Rate", utils.FormatPercent(s.SessionWinRate * 100)},
	})
	if s.PauseUntil != nil {
		t.AppendRow(table.Row{"Paused Until", s.PauseUntil.Format("2006-01-02 15:04:05 MST")})
	}
	if s.PauseReason != "" {
		t.AppendRow(table.Row{"Pause Reason", s.PauseReason})
	}
	return t.Render()
}

func renderGroups(title, label string, groups []tracker.GroupPerformance) string {
	t := table.NewWriter()
	t.SetTitle(title)
	t.SetStyle(table.StyleRounded)
	t.AppendHeader(table.Row{label, "Trades", "Win Rate", "Total PnL", "Avg PnL", "PF"})
	for _, g := range groups {
		t.AppendRow(table.Row{
			g.Label,
			g.Trades,
			utils.FormatPercent(g.WinRate * 100),
			utils.FormatPnL(g.TotalPnL),
			utils.FormatPnL(g.AvgPnL),
			utils.FormatRatio(g.ProfitFactor),
		})
	}
	t.SetColumnConfigs([]table.ColumnConfig{
		{Number: 1, Align: text.AlignLeft},
		{Number: 2, Align: text.AlignRight},
		{Number: 3, Align: text.AlignRight},
		{Number: 4, Align: text.AlignRight},
		{Number: 5, Align: text.AlignRight},
		{Number: 6, Align: text.AlignRight},
	})
	return t.Render()
}

func renderML(ml tracker.MLPerformance) string {
	t := table.NewWriter()
	t.SetTitle(fmt.Sprintf("ML ACCURACY %s (%d/%d)", utils.FormatPercent(ml.Accuracy*100), ml.Correct, ml.Evaluated))
	t.SetStyle(table.StyleRounded)
	t.AppendHeader(table.Row{"Confidence", "Trades", "Correct", "Accuracy", "Avg PnL"})
	for _, b := range ml.Buckets {
		if b.Trades == 0 {
			continue
		}
		t.AppendRow(table.Row{
			fmt.Sprintf("%.1f-%.1f", b.Lower, b.Upper),
			b.Trades,
			b.Correct,
			utils.FormatPercent(b.Accuracy * 100),
			utils.FormatPnL(b.AvgPnL),
		})
	}
	return t.Render()
}

// WriteDrawdown renders only the drawdown table.
func WriteDrawdown(w io.Writer, s drawdown.Statistics) error {
	_, err := io.WriteString(w, renderDrawdown(s)+"\n")
	return err
}
