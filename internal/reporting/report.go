// Package reporting renders performance analytics as console tables, JSON
// documents and Excel workbooks.
package reporting

import (
	"encoding/json"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"time"

	"tradeguard/internal/drawdown"
	"tradeguard/internal/models"
	"tradeguard/internal/tracker"
)

// Report is one snapshot of the ledger and, optionally, drawdown state.
type Report struct {
	GeneratedAt time.Time                  `json:"generated_at"`
	Mode        string                     `json:"mode"`
	Strategy    string                     `json:"strategy,omitempty"`
	Performance tracker.PerformanceMetrics `json:"performance"`
	Regimes     []tracker.GroupPerformance `json:"regimes"`
	Strategies  []tracker.GroupPerformance `json:"strategies"`
	ML          tracker.MLPerformance      `json:"ml"`
	Trades      []models.CompletedTrade    `json:"trades"`
	Drawdown    *drawdown.Statistics       `json:"drawdown,omitempty"`
}

// Build snapshots tr. dd may be nil when no drawdown state is available.
func Build(tr *tracker.Tracker, mode string, dd *drawdown.Statistics, now time.Time) Report {
	return Report{
		GeneratedAt: now,
		Mode:        mode,
		Performance: tr.GetPerformanceMetrics(),
		Regimes:     tr.GetRegimePerformance(),
		Strategies:  tr.GetStrategyPerformance(),
		ML:          tr.GetMLPerformance(),
		Trades:      tr.CompletedTrades(),
		Drawdown:    dd,
	}
}

// JSONFloat encodes infinities as the strings "inf"/"-inf" and NaN as null.
type JSONFloat float64

// MarshalJSON implements json.Marshaler.
func (f JSONFloat) MarshalJSON() ([]byte, error) {
	v := float64(f)
	switch {
	case math.IsInf(v, 1):
		return []byte(`"inf"`), nil
	case math.IsInf(v, -1):
		return []byte(`"-inf"`), nil
	case math.IsNaN(v):
		return []byte(`null`), nil
	}
	return json.Marshal(v)
}

// UnmarshalJSON implements json.Unmarshaler.
func (f *JSONFloat) UnmarshalJSON(data []byte) error {
	switch string(data) {
	case `"inf"`:
		*f = JSONFloat(math.Inf(1))
		return nil
	case `"-inf"`:
		*f = JSONFloat(math.Inf(-1))
		return nil
	case `null`:
		*f = JSONFloat(math.NaN())
		return nil
	}
	var v float64
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	*f = JSONFloat(v)
	return nil
}

// performanceJSON shadows the ratios that may be infinite.
type performanceJSON struct {
	tracker.PerformanceMetrics
	ProfitFactor        JSONFloat `json:"profit_factor"`
	SharpeRatio         JSONFloat `json:"sharpe_ratio"`
	SortinoRatio        JSONFloat `json:"sortino_ratio"`
	CalmarRatio         JSONFloat `json:"calmar_ratio"`
	RecoveryFactor      JSONFloat `json:"recovery_factor"`
	AnnualizedReturnPct JSONFloat `json:"annualized_return_pct"`
}

type groupJSON struct {
	tracker.GroupPerformance
	ProfitFactor JSONFloat `json:"profit_factor"`
}

func groupsJSON(groups []tracker.GroupPerformance) []groupJSON {
	out := make([]groupJSON, len(groups))
	for i, g := range groups {
		out[i] = groupJSON{GroupPerformance: g, ProfitFactor: JSONFloat(g.ProfitFactor)}
	}
	return out
}

// MarshalJSON implements json.Marshaler.
func (r Report) MarshalJSON() ([]byte, error) {
	type plain Report
	p := r.Performance
	doc := struct {
		plain
		Performance performanceJSON `json:"performance"`
		Regimes     []groupJSON     `json:"regimes"`
		Strategies  []groupJSON     `json:"strategies"`
	}{
		plain: plain(r),
		Performance: performanceJSON{
			PerformanceMetrics:  p,
			ProfitFactor:        JSONFloat(p.ProfitFactor),
			SharpeRatio:         JSONFloat(p.SharpeRatio),
			SortinoRatio:        JSONFloat(p.SortinoRatio),
			CalmarRatio:         JSONFloat(p.CalmarRatio),
			RecoveryFactor:      JSONFloat(p.RecoveryFactor),
			AnnualizedReturnPct: JSONFloat(p.AnnualizedReturnPct),
		},
		Regimes:    groupsJSON(r.Regimes),
		Strategies: groupsJSON(r.Strategies),
	}
	return json.Marshal(doc)
}

// EncodeJSON writes r as indented JSON.
func EncodeJSON(w io.Writer, r Report) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(r); err != nil {
		return fmt.Errorf("encoding report: %w", err)
	}
	return nil
}

// WriteJSON writes r to path, creating parent directories.
func WriteJSON(path string, r Report) error {
	if err := ensureDir(path); err != nil {
		return err
	}
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("creating %s: %w", path, err)
	}
	if err := EncodeJSON(f, r); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

func ensureDir(path string) error {
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}
	return nil
}
