package reporting

import (
	"fmt"
	"math"

	"github.com/xuri/excelize/v2"

	"tradeguard/internal/tracker"
)

const (
	summarySheet    = "Summary"
	tradesSheet     = "Trades"
	regimesSheet    = "Regimes"
	strategiesSheet = "Strategies"
)

var tradeHeaders = []string{
	"Order ID", "Side", "Strategy", "Regime", "Entry Time", "Exit Time",
	"Amount", "Entry", "Exit", "Gross PnL", "Fees", "PnL",
	"Holding (min)", "MFE", "MAE", "Exit Reason", "ML Prediction", "ML Confidence",
}

var groupHeaders = []string{"Label", "Trades", "Wins", "Losses", "Win Rate", "Total PnL", "Avg PnL", "Profit Factor"}

// WriteExcel writes r as a workbook with summary, trades, regimes and
// strategies sheets.
func WriteExcel(path string, r Report) error {
	if err := ensureDir(path); err != nil {
		return err
	}

	fx := excelize.NewFile()
	defer fx.Close()

	fx.SetSheetName(fx.GetSheetName(0), summarySheet)
	for _, s := range []string{tradesSheet, regimesSheet, strategiesSheet} {
		if _, err := fx.NewSheet(s); err != nil {
			return fmt.Errorf("creating sheet %s: %w", s, err)
		}
	}

	header, err := fx.NewStyle(&excelize.Style{
		Font: &excelize.Font{Bold: true, Color: "FFFFFF"},
		Fill: excelize.Fill{Type: "pattern", Color: []string{"2F4F4F"}, Pattern: 1},
		Alignment: &excelize.Alignment{
			Horizontal: "center",
			Vertical:   "center",
		},
	})
	if err != nil {
		return err
	}

	if err := writeSummarySheet(fx, r, header); err != nil {
		return err
	}
	if err := writeTradesSheet(fx, r, header); err != nil {
		return err
	}
	if err := writeGroupSheet(fx, regimesSheet, r.Regimes, header); err != nil {
		return err
	}
	if err := writeGroupSheet(fx, strategiesSheet, r.Strategies, header); err != nil {
		return err
	}

	return fx.SaveAs(path)
}

func writeHeader(fx *excelize.File, sheet string, headers []string, style int) error {
	for i, h := range headers {
		cell, err := excelize.CoordinatesToCellName(i+1, 1)
		if err != nil {
			return err
		}
		if err := fx.SetCellValue(sheet, cell, h); err != nil {
			return err
		}
		if err := fx.SetCellStyle(sheet, cell, cell, style); err != nil {
			return err
		}
	}
	return nil
}

func writeRow(fx *excelize.File, sheet string, row int, values []interface{}) error {
	cell, err := excelize.CoordinatesToCellName(1, row)
	if err != nil {
		return err
	}
	return fx.SetSheetRow(sheet, cell, &values)
}

// cellFloat keeps workbook cells numeric except for infinities, which are
// written as text.
func cellFloat(v float64) interface{} {
	switch {
	case math.IsInf(v, 1):
		return "inf"
	case math.IsInf(v, -1):
		return "-inf"
	case math.IsNaN(v):
		return ""
	}
	return v
}

func writeSummarySheet(fx *excelize.File, r Report, header int) error {
	m := r.Performance
	if err := writeHeader(fx, summarySheet, []string{"Metric", "Value"}, header); err != nil {
		return err
	}

	rows := [][]interface{}{
		{"Generated At", r.GeneratedAt.Format("2006-01-02 15:04:05")},
		{"Mode", r.Mode},
		{"Total Trades", m.TotalTrades},
		{"Winning Trades", m.WinningTrades},
		{"Losing Trades", m.LosingTrades},
		{"Win Rate", cellFloat(m.WinRate)},
		{"Total PnL", cellFloat(m.TotalPnL)},
		{"Total Fees", cellFloat(m.TotalFees)},
		{"Profit Factor", cellFloat(m.ProfitFactor)},
		{"Expectancy", cellFloat(m.Expectancy)},
		{"Sharpe Ratio", cellFloat(m.SharpeRatio)},
		{"Sortino Ratio", cellFloat(m.SortinoRatio)},
		{"Calmar Ratio", cellFloat(m.CalmarRatio)},
		{"Recovery Factor", cellFloat(m.RecoveryFactor)},
		{"Annualized Return %", cellFloat(m.AnnualizedReturnPct)},
		{"Max Drawdown", cellFloat(m.MaxDrawdown)},
		{"Max Drawdown %", cellFloat(m.MaxDrawdownPct)},
		{"Max Consecutive Wins", m.MaxConsecutiveWins},
		{"Max Consecutive Losses", m.MaxConsecutiveLosses},
		{"Avg Holding (min)", cellFloat(m.AvgHoldingMinutes)},
		{"Avg MFE", cellFloat(m.AvgMFE)},
		{"Avg MAE", cellFloat(m.AvgMAE)},
		{"Missed Profit Trades", m.MissedProfitCount},
		{"Missed Profit Total", cellFloat(m.MissedProfitTotal)},
		{"ML Accuracy", cellFloat(r.ML.Accuracy)},
	}
	if r.Drawdown != nil {
		rows = append(rows,
			[]interface{}{"Trading Status", string(r.Drawdown.Status)},
			[]interface{}{"Current Drawdown", cellFloat(r.Drawdown.CurrentDrawdown)},
			[]interface{}{"Peak Balance", cellFloat(r.Drawdown.PeakBalance)},
		)
	}

	for i, row := range rows {
		if err := writeRow(fx, summarySheet, i+2, row); err != nil {
			return err
		}
	}
	return fx.SetColWidth(summarySheet, "A", "B", 24)
}

func writeTradesSheet(fx *excelize.File, r Report, header int) error {
	if err := writeHeader(fx, tradesSheet, tradeHeaders, header); err != nil {
		return err
	}
	for i, t := range r.Trades {
		var conf interface{} = ""
		if t.MLConfidence != nil {
			conf = cellFloat(*t.MLConfidence)
		}
		row := []interface{}{
			t.OrderID, string(t.Side), t.Strategy, t.Regime,
			t.EntryTimestamp.Format("2006-01-02 15:04:05"), t.ExitTimestamp.Format("2006-01-02 15:04:05"),
			t.Amount, t.EntryPrice, t.ExitPrice, t.GrossPnL, t.Fees, t.PnL,
			t.HoldingPeriodMinutes, t.MFE, t.MAE, t.ExitReason, t.MLPrediction, conf,
		}
		if err := writeRow(fx, tradesSheet, i+2, row); err != nil {
			return err
		}
	}
	return fx.SetColWidth(tradesSheet, "A", "R", 14)
}

func writeGroupSheet(fx *excelize.File, sheet string, groups []tracker.GroupPerformance, header int) error {
	if err := writeHeader(fx, sheet, groupHeaders, header); err != nil {
		return err
	}
	for i, g := range groups {
		row := []interface{}{
			g.Label, g.Trades, g.Wins, g.Losses,
			cellFloat(g.WinRate), cellFloat(g.TotalPnL), cellFloat(g.AvgPnL), cellFloat(g.ProfitFactor),
		}
		if err := writeRow(fx, sheet, i+2, row); err != nil {
			return err
		}
	}
	return fx.SetColWidth(sheet, "A", "H", 14)
}
